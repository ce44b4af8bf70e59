package runner

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/NissesSenap/taskagent/pkg/version"
)

// Poster sends report payloads to the coordinator.
type Poster interface {
	PostJSON(ctx context.Context, url string, v any) (int, error)
	Post(ctx context.Context, url, contentType string, body []byte) (int, error)
}

// ReportError means a status report could not be delivered.
type ReportError struct {
	Op     string
	TaskID string
	URL    string
	Status int // zero when no response was received
	Err    error
}

func (e *ReportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s report for task %s to %s: %v", e.Op, e.TaskID, e.URL, e.Err)
	}
	return fmt.Sprintf("%s report for task %s to %s: status %d", e.Op, e.TaskID, e.URL, e.Status)
}

func (e *ReportError) Unwrap() error { return e.Err }

// finishPayload is the current-generation completion report.
type finishPayload struct {
	Data  *ReportRecord `json:"data"`
	Error *string       `json:"error"`
}

// legacyFinishPayload is what older servers accept: the error only.
type legacyFinishPayload struct {
	Error *string `json:"error"`
}

// generation is one server API generation able to receive reports.
type generation struct {
	name      string
	finishURL string
	stdoutURL string
	finish    func(rec *ReportRecord, errText *string) any
	available func(version.Capabilities) bool
}

// generations are tried in order; a 404 moves on to the next one.
var generations = []generation{
	{
		name:      "timeline",
		finishURL: "/api/v2/timeline/%s/finish/",
		stdoutURL: "/api/v2/timeline/%s/stdout/",
		finish: func(rec *ReportRecord, errText *string) any {
			return finishPayload{Data: rec, Error: errText}
		},
		available: func(c version.Capabilities) bool { return c.TimelineAPI },
	},
	{
		name:      "taskinfo",
		finishURL: "/api/v1/taskinfo/%s/finish/",
		stdoutURL: "/api/v1/taskinfo/%s/stdout/",
		finish: func(_ *ReportRecord, errText *string) any {
			return legacyFinishPayload{Error: errText}
		},
		available: func(version.Capabilities) bool { return true },
	},
}

// StatusReporter delivers completion reports and command output, falling
// back to older API generations when the server does not know a newer one.
// Delivery is best effort.
type StatusReporter struct {
	poster Poster
	logger logr.Logger
	caps   atomic.Pointer[version.Capabilities]
}

// NewStatusReporter creates a reporter assuming DefaultCapabilities.
func NewStatusReporter(poster Poster, logger logr.Logger) *StatusReporter {
	r := &StatusReporter{poster: poster, logger: logger}
	r.SetCapabilities(version.DefaultCapabilities())
	return r
}

// SetCapabilities updates the negotiated server capabilities.
func (r *StatusReporter) SetCapabilities(c version.Capabilities) {
	r.caps.Store(&c)
}

// Capabilities returns the capabilities currently in effect.
func (r *StatusReporter) Capabilities() version.Capabilities {
	return *r.caps.Load()
}

// ReportFinished marks the task as finished. errText is sent as null when empty.
func (r *StatusReporter) ReportFinished(ctx context.Context, taskID string, rec *ReportRecord, errText string) error {
	var errPtr *string
	if errText != "" {
		errPtr = &errText
	}
	return r.deliver(ctx, "finish", taskID, func(g generation) (string, int, error) {
		url := fmt.Sprintf(g.finishURL, taskID)
		status, err := r.poster.PostJSON(ctx, url, g.finish(rec, errPtr))
		return url, status, err
	})
}

// ReportStdout uploads the command output of the task.
func (r *StatusReporter) ReportStdout(ctx context.Context, taskID string, stdout []byte) error {
	return r.deliver(ctx, "stdout", taskID, func(g generation) (string, int, error) {
		url := fmt.Sprintf(g.stdoutURL, taskID)
		status, err := r.poster.Post(ctx, url, "text/plain; charset=utf-8", stdout)
		return url, status, err
	})
}

func (r *StatusReporter) deliver(ctx context.Context, op, taskID string, send func(generation) (string, int, error)) error {
	log := r.logger.WithValues("taskInfo", taskID, "report", op)
	caps := r.Capabilities()

	var last *ReportError
	for _, g := range generations {
		if !g.available(caps) {
			continue
		}
		url, status, err := send(g)
		log.V(1).Info("sent report", "url", url, "status", status)
		switch {
		case err != nil:
			log.Info("warning: could not deliver report", "url", url, "error", err.Error())
			return &ReportError{Op: op, TaskID: taskID, URL: url, Err: err}
		case status >= 200 && status < 300:
			return nil
		case status == http.StatusNotFound:
			last = &ReportError{Op: op, TaskID: taskID, URL: url, Status: status}
			continue
		default:
			log.Info("warning: report rejected", "url", url, "status", status)
			return &ReportError{Op: op, TaskID: taskID, URL: url, Status: status}
		}
	}

	if last != nil {
		log.Info("warning: no API generation accepted the report", "url", last.URL, "status", last.Status)
		return last
	}
	return &ReportError{Op: op, TaskID: taskID, Err: fmt.Errorf("no report endpoint available")}
}
