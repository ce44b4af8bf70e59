package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// TaskMessage is a job pushed by the coordinator.
type TaskMessage struct {
	Name string
	// TaskInfoID identifies the task on the coordinator. Empty means no
	// completion report is sent.
	TaskInfoID      string
	Files           []FileRef
	OutputDirectory string
	CommandLine     string
	Outputs         []OutputSpec
	Target          *Target
	Script          string
	ScriptPath      string

	// SkippedFiles counts file records dropped while decoding because they
	// did not have 4 or 5 well-typed elements.
	SkippedFiles int
}

// FileRef is an input file to fetch before execution.
type FileRef struct {
	ID       string
	DirName  string
	Filename string
	Size     int64
	// Hash is carried along but not verified.
	Hash string
}

// OutputSpec declares which produced files to harvest.
type OutputSpec struct {
	Type        string `json:"type"`
	Regex       string `json:"regex,omitempty"`
	DatasetType string `json:"datasetType"`
}

// Target is the folder or series receiving harvested files.
type Target struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// ReportRecord describes a command execution. Only Command and ExitCode are
// sent as the report's data; Error and Stdout travel separately.
type ReportRecord struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"-"`
	Stdout   []byte `json:"-"`
}

// Result summarizes one pipeline run.
type Result struct {
	Downloaded     int
	DownloadFailed int
	SkippedFiles   int
	Record         *ReportRecord
	Harvested      []string
	// UnsupportedOutputs counts output specs that could not be classified.
	UnsupportedOutputs int
	UploadErr          error
	Reported           bool
	ReportErr          error
	// Err is the failure that ended the task early, if any.
	Err error
}

// TaskHandler runs a single task to completion.
type TaskHandler interface {
	Run(ctx context.Context, msg *TaskMessage) *Result
}

type taskMessageJSON struct {
	Name            string            `json:"name"`
	TaskInfo        flexID            `json:"taskInfo"`
	Files           []json.RawMessage `json:"files"`
	OutputDirectory string            `json:"outputDirectory"`
	CommandLine     string            `json:"commandLine"`
	Outputs         []OutputSpec      `json:"outputs"`
	Target          *Target           `json:"target"`
	Script          string            `json:"script"`
	ScriptPath      string            `json:"scriptPath"`
}

// UnmarshalJSON decodes the coordinator's task format. Malformed file records
// are skipped and counted rather than failing the whole message.
func (m *TaskMessage) UnmarshalJSON(data []byte) error {
	var raw taskMessageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*m = TaskMessage{
		Name:            raw.Name,
		TaskInfoID:      string(raw.TaskInfo),
		OutputDirectory: raw.OutputDirectory,
		CommandLine:     raw.CommandLine,
		Outputs:         raw.Outputs,
		Target:          raw.Target,
		Script:          raw.Script,
		ScriptPath:      raw.ScriptPath,
	}
	for _, rec := range raw.Files {
		f, ok := parseFileRef(rec)
		if !ok {
			m.SkippedFiles++
			continue
		}
		m.Files = append(m.Files, f)
	}
	return nil
}

// MarshalJSON encodes the message in the same format UnmarshalJSON reads.
func (m TaskMessage) MarshalJSON() ([]byte, error) {
	files := make([]json.RawMessage, 0, len(m.Files))
	for _, f := range m.Files {
		rec := []any{f.ID, f.DirName, f.Filename, f.Size}
		if f.Hash != "" {
			rec = append(rec, f.Hash)
		}
		b, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		files = append(files, b)
	}
	return json.Marshal(taskMessageJSON{
		Name:            m.Name,
		TaskInfo:        flexID(m.TaskInfoID),
		Files:           files,
		OutputDirectory: m.OutputDirectory,
		CommandLine:     m.CommandLine,
		Outputs:         m.Outputs,
		Target:          m.Target,
		Script:          m.Script,
		ScriptPath:      m.ScriptPath,
	})
}

// hasWork reports whether running msg would do anything: download, execute,
// harvest outputs or report to the coordinator.
func (m *TaskMessage) hasWork() bool {
	return m.CommandLine != "" || len(m.Files) > 0 || m.SkippedFiles > 0 || m.Script != "" ||
		m.TaskInfoID != "" || (len(m.Outputs) > 0 && m.Target != nil)
}

// parseFileRef reads [id, dirName, filename, size] or
// [id, dirName, filename, size, hash].
func parseFileRef(data json.RawMessage) (FileRef, bool) {
	var elems []any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&elems); err != nil {
		return FileRef{}, false
	}
	if len(elems) != 4 && len(elems) != 5 {
		return FileRef{}, false
	}

	id, ok := idString(elems[0])
	if !ok {
		return FileRef{}, false
	}
	dirName, ok := elems[1].(string)
	if !ok {
		return FileRef{}, false
	}
	filename, ok := elems[2].(string)
	if !ok || filename == "" {
		return FileRef{}, false
	}
	f := FileRef{ID: id, DirName: dirName, Filename: filename, Size: fileSize(elems[3])}
	if len(elems) == 5 {
		switch h := elems[4].(type) {
		case string:
			f.Hash = h
		case json.Number:
			f.Hash = h.String()
		}
	}
	return f, true
}

// fileSize reads the informational size field, falling back to 0.
func fileSize(v any) int64 {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return int64(f)
		}
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i
		}
	}
	return 0
}

func idString(v any) (string, bool) {
	switch id := v.(type) {
	case json.Number:
		return id.String(), true
	case string:
		return id, id != ""
	default:
		return "", false
	}
}

// flexID accepts a JSON number, string or null.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch id := v.(type) {
	case nil:
		*f = ""
	case json.Number:
		*f = flexID(id.String())
	case string:
		*f = flexID(id)
	default:
		return fmt.Errorf("invalid id %s", string(data))
	}
	return nil
}

func (f flexID) MarshalJSON() ([]byte, error) {
	if f == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(f))
}

// UnmarshalJSON accepts [id, type] as sent by the coordinator as well as
// {"id": .., "type": ..}. The legacy "serie" spelling is normalized.
func (t *Target) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err == nil {
		if len(pair) != 2 {
			return fmt.Errorf("target must be [id, type], got %d elements", len(pair))
		}
		var id flexID
		if err := json.Unmarshal(pair[0], &id); err != nil {
			return fmt.Errorf("target id: %w", err)
		}
		var typ string
		if err := json.Unmarshal(pair[1], &typ); err != nil {
			return fmt.Errorf("target type: %w", err)
		}
		*t = Target{ID: string(id), Type: normalizeTargetType(typ)}
		return nil
	}

	var obj struct {
		ID   flexID `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*t = Target{ID: string(obj.ID), Type: normalizeTargetType(obj.Type)}
	return nil
}

func normalizeTargetType(s string) string {
	if s == "serie" {
		return "series"
	}
	return s
}
