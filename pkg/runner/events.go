package runner

import (
	"fmt"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/rand"
)

const (
	maxEventsPerRun = 100
	maxRetainedRuns = 256
)

// EventType names a step in a run's lifecycle.
type EventType string

const (
	EventQueued   EventType = "queued"
	EventStarted  EventType = "started"
	EventFinished EventType = "finished"
	EventDropped  EventType = "dropped"
)

// TaskEvent is one lifecycle step of a run.
type TaskEvent struct {
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Summary   string    `json:"summary"`
}

// RunStatus is the latest known state of a run.
type RunStatus struct {
	RunID     string    `json:"runID"`
	Task      string    `json:"task"`
	State     EventType `json:"state"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	Error     string    `json:"error,omitempty"`
	Harvested int       `json:"harvested"`
	Reported  bool      `json:"reported"`
	Done      bool      `json:"done"`
}

// EventHub keeps per-run lifecycle events in memory and fans them out to
// subscribers. Only the most recent completed runs are retained.
type EventHub struct {
	mu        sync.RWMutex
	runs      map[string]*runStream
	completed []string
}

type runStream struct {
	mu          sync.RWMutex
	status      RunStatus
	events      []TaskEvent
	seq         int64
	subscribers map[string]chan TaskEvent
}

// NewEventHub creates an empty EventHub.
func NewEventHub() *EventHub {
	return &EventHub{runs: make(map[string]*runStream)}
}

func (h *EventHub) stream(runID string) (*runStream, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rs, ok := h.runs[runID]
	return rs, ok
}

func (h *EventHub) queued(runID, task string) {
	h.mu.Lock()
	rs := &runStream{
		status:      RunStatus{RunID: runID, Task: task},
		subscribers: make(map[string]chan TaskEvent),
	}
	h.runs[runID] = rs
	h.mu.Unlock()

	rs.publish(EventQueued, summary("waiting for the execution slot"))
}

// forget removes a run that never made it into the queue.
func (h *EventHub) forget(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.runs, runID)
}

func (h *EventHub) started(runID string) {
	if rs, ok := h.stream(runID); ok {
		rs.publish(EventStarted, summary("running"))
	}
}

func (h *EventHub) finished(runID string, res *Result) {
	rs, ok := h.stream(runID)
	if !ok {
		return
	}
	rs.publish(EventFinished, func(s *RunStatus) string {
		if res == nil {
			return "done"
		}
		s.Harvested = len(res.Harvested)
		s.Reported = res.Reported
		if res.Err != nil {
			s.Error = res.Err.Error()
			return s.Error
		}
		if res.Record == nil {
			return "done"
		}
		code := res.Record.ExitCode
		s.ExitCode = &code
		s.Error = res.Record.Error
		return fmt.Sprintf("exit code %d", code)
	})
	h.complete(runID)
}

func (h *EventHub) dropped(runID string) {
	if rs, ok := h.stream(runID); ok {
		rs.publish(EventDropped, summary("agent shut down before the task started"))
		h.complete(runID)
	}
}

func summary(text string) func(*RunStatus) string {
	return func(*RunStatus) string { return text }
}

// publish applies update to the status, records the event carrying the
// summary update returns and fans it out. A subscriber whose buffer is full
// is dropped.
func (rs *runStream) publish(typ EventType, update func(*RunStatus) string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.status.Done {
		return
	}
	text := update(&rs.status)
	rs.status.State = typ

	rs.seq++
	e := TaskEvent{Sequence: rs.seq, Timestamp: time.Now().UTC(), Type: typ, Summary: text}
	if len(rs.events) >= maxEventsPerRun {
		rs.events = rs.events[1:]
	}
	rs.events = append(rs.events, e)

	for id, ch := range rs.subscribers {
		select {
		case ch <- e:
		default:
			close(ch)
			delete(rs.subscribers, id)
		}
	}
}

// complete marks a run as done, closes its subscribers and evicts the oldest
// completed runs beyond the retention limit.
func (h *EventHub) complete(runID string) {
	rs, ok := h.stream(runID)
	if !ok {
		return
	}

	rs.mu.Lock()
	if rs.status.Done {
		rs.mu.Unlock()
		return
	}
	rs.status.Done = true
	for id, ch := range rs.subscribers {
		close(ch)
		delete(rs.subscribers, id)
	}
	rs.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed = append(h.completed, runID)
	for len(h.completed) > maxRetainedRuns {
		delete(h.runs, h.completed[0])
		h.completed = h.completed[1:]
	}
}

// Status returns the latest state of a run.
func (h *EventHub) Status(runID string) (RunStatus, bool) {
	rs, ok := h.stream(runID)
	if !ok {
		return RunStatus{}, false
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.status, true
}

// Subscribe returns the run's events with sequence > after, plus a channel
// for live events. The channel is nil if the run is already done. ok is false
// for unknown runs.
func (h *EventHub) Subscribe(runID string, after int64) (history []TaskEvent, ch <-chan TaskEvent, unsubscribe func(), ok bool) {
	rs, ok := h.stream(runID)
	if !ok {
		return nil, nil, func() {}, false
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	for _, e := range rs.events {
		if e.Sequence > after {
			history = append(history, e)
		}
	}
	if rs.status.Done {
		return history, nil, func() {}, true
	}

	subCh := make(chan TaskEvent, 16)
	subID := rand.String(8)
	rs.subscribers[subID] = subCh

	unsubscribe = func() {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		if _, ok := rs.subscribers[subID]; ok {
			delete(rs.subscribers, subID)
			close(subCh)
		}
	}
	return history, subCh, unsubscribe, true
}
