package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	"github.com/NissesSenap/taskagent/pkg/classify"
)

// Store moves files between the agent and the coordinator.
type Store interface {
	Download(ctx context.Context, url, dest string) error
	Upload(ctx context.Context, targetID, targetType string, files []string) error
}

// Reporter delivers task completion reports.
type Reporter interface {
	ReportFinished(ctx context.Context, taskID string, rec *ReportRecord, errText string) error
	ReportStdout(ctx context.Context, taskID string, stdout []byte) error
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithExecutor replaces the command executor (useful for testing).
func WithExecutor(e CommandExecutor) PipelineOption {
	return func(p *Pipeline) { p.exec = e }
}

// WithPipelineLogger sets the logger used when the context carries none.
func WithPipelineLogger(l logr.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// WithCommandTimeout limits how long a task's command may run. Zero disables
// the limit.
func WithCommandTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) { p.timeout = d }
}

// Pipeline turns a task message into local side effects: download, path
// resolution, script materialization, execution, output harvesting, upload
// and status reporting.
type Pipeline struct {
	downloadRoot string
	store        Store
	reporter     Reporter
	exec         CommandExecutor
	logger       logr.Logger
	timeout      time.Duration
}

// NewPipeline creates a pipeline that materializes tasks below downloadRoot.
func NewPipeline(downloadRoot string, store Store, reporter Reporter, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		downloadRoot: downloadRoot,
		store:        store,
		reporter:     reporter,
		exec:         &OSExecutor{},
		logger:       logr.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the task. It never fails: every outcome is logged and, when
// the task has a TaskInfoID, reported to the coordinator.
func (p *Pipeline) Run(ctx context.Context, msg *TaskMessage) *Result {
	log := p.logger
	if l, err := logr.FromContext(ctx); err == nil {
		log = l
	}
	log = log.WithValues("task", msg.Name)
	log.Info("running task")

	res := &Result{SkippedFiles: msg.SkippedFiles}
	if err := p.runStages(ctx, log, msg, res); err != nil {
		res.Err = err
		log.Error(err, "error executing task")
		if msg.TaskInfoID != "" && !res.Reported {
			p.report(ctx, log, msg.TaskInfoID, res, err.Error())
		}
	}

	log.Info("task complete",
		"downloaded", res.Downloaded,
		"downloadFailed", res.DownloadFailed,
		"harvested", len(res.Harvested),
	)
	return res
}

func (p *Pipeline) runStages(ctx context.Context, log logr.Logger, msg *TaskMessage, res *Result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	if len(msg.Files) > 0 || msg.SkippedFiles > 0 {
		p.download(ctx, log, msg, res)
	}

	pc := NewPathContext(p.downloadRoot, msg.OutputDirectory)
	if pc.ResolvedOutputDir != "" {
		log.V(1).Info("resolved output directory", "from", pc.OriginalOutputDir, "to", pc.ResolvedOutputDir)
		if err := os.MkdirAll(pc.ResolvedOutputDir, 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}

	if msg.Script != "" && msg.ScriptPath != "" {
		scriptPath := pc.Resolve(msg.ScriptPath)
		n, err := writeScript(scriptPath, msg.Script)
		if err != nil {
			return err
		}
		log.V(1).Info("saved script", "path", scriptPath, "bytes", n)
	}

	if msg.CommandLine != "" {
		res.Record = p.execute(ctx, log, pc.Rewrite(msg.CommandLine), p.execOptions(msg, pc))
	}

	if len(msg.Outputs) > 0 && pc.ResolvedOutputDir != "" && msg.Target != nil {
		p.collect(ctx, log, pc.ResolvedOutputDir, msg, res)
	}

	if msg.TaskInfoID != "" {
		errText := ""
		if res.Record != nil {
			errText = res.Record.Error
		}
		p.report(ctx, log, msg.TaskInfoID, res, errText)
	}
	return nil
}

func (p *Pipeline) download(ctx context.Context, log logr.Logger, msg *TaskMessage, res *Result) {
	log.Info("downloading files", "count", len(msg.Files))
	if msg.SkippedFiles > 0 {
		log.Info("skipped malformed file records", "count", msg.SkippedFiles)
	}

	for _, f := range msg.Files {
		rel := filepath.Join(f.DirName, f.Filename)
		if !filepath.IsLocal(rel) {
			res.DownloadFailed++
			log.Error(fmt.Errorf("path %q escapes the download root", rel), "error downloading file", "id", f.ID)
			continue
		}

		dest := filepath.Join(p.downloadRoot, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			res.DownloadFailed++
			log.Error(err, "error downloading file", "id", f.ID)
			continue
		}

		url := fmt.Sprintf("/api/v1/datafile/%s/download/", f.ID)
		log.Info("downloading", "url", url, "dest", dest, "size", f.Size)
		if err := p.store.Download(ctx, url, dest); err != nil {
			res.DownloadFailed++
			log.Error(err, "error downloading file", "id", f.ID)
			continue
		}
		res.Downloaded++
	}

	log.Info("download complete", "downloaded", res.Downloaded, "total", len(msg.Files))
}

// execOptions runs commands from the download root and exposes the resolved
// locations to scripts through the environment.
func (p *Pipeline) execOptions(msg *TaskMessage, pc PathContext) ExecOptions {
	return ExecOptions{
		Dir: p.downloadRoot,
		Env: []string{
			"TASKAGENT_BASE_PATH=" + pc.ResolvedRoot,
			"TASKAGENT_OUTPUT_DIR=" + pc.ResolvedOutputDir,
			"TASKAGENT_TASK_NAME=" + msg.Name,
		},
		Timeout: p.timeout,
	}
}

func (p *Pipeline) execute(ctx context.Context, log logr.Logger, commandLine string, opts ExecOptions) *ReportRecord {
	log.Info("executing command", "command", commandLine)
	rec := &ReportRecord{Command: commandLine}

	out, err := p.exec.Run(ctx, commandLine, opts)
	if err != nil {
		rec.ExitCode = -1
		rec.Error = err.Error()
		if out != nil {
			rec.Stdout = out.Output
		}
		log.Error(err, "command did not complete")
		return rec
	}

	rec.ExitCode = out.ExitCode
	rec.Stdout = out.Output
	if out.ExitCode != 0 {
		rec.Error = string(out.Output)
		log.Error(errors.New("non-zero exit code"), "the process returned a non-zero exit code",
			"exitCode", out.ExitCode, "output", string(out.Output))
	}
	return rec
}

func (p *Pipeline) collect(ctx context.Context, log logr.Logger, dir string, msg *TaskMessage, res *Result) {
	log.V(1).Info("collecting outputs", "dir", dir)

	var files []string
	for i, spec := range msg.Outputs {
		specLog := log.WithValues("output", i+1, "type", spec.Type, "regex", spec.Regex, "datasetType", spec.DatasetType)
		found, err := classifyOutput(dir, spec)
		if err != nil {
			res.UnsupportedOutputs++
			specLog.Error(err, "cannot collect output")
			continue
		}
		if len(found) == 0 {
			specLog.V(1).Info("no files found")
		}
		for _, f := range found {
			specLog.V(1).Info("found", "file", f)
		}
		files = append(files, found...)
	}
	res.Harvested = files

	if len(files) == 0 {
		log.V(1).Info("no files found to upload")
		return
	}

	if err := p.store.Upload(ctx, msg.Target.ID, msg.Target.Type, files); err != nil {
		res.UploadErr = err
		log.Error(err, "error uploading files")
		return
	}
	log.Info("uploaded outputs", "files", len(files), "target", msg.Target.ID, "targetType", msg.Target.Type)
}

func classifyOutput(dir string, spec OutputSpec) ([]string, error) {
	t, err := classify.ParseDatasetType(spec.DatasetType)
	if err != nil {
		return nil, err
	}
	pattern, err := classify.CompilePattern(spec.Regex)
	if err != nil {
		return nil, err
	}
	return classify.Classify(dir, t, pattern)
}

func (p *Pipeline) report(ctx context.Context, log logr.Logger, taskID string, res *Result, errText string) {
	res.Reported = true
	log.V(1).Info("marking task as finished", "taskInfo", taskID)
	if err := p.reporter.ReportFinished(ctx, taskID, res.Record, errText); err != nil {
		res.ReportErr = err
	}
	if res.Record != nil && len(res.Record.Stdout) > 0 {
		if err := p.reporter.ReportStdout(ctx, taskID, res.Record.Stdout); err != nil && res.ReportErr == nil {
			res.ReportErr = err
		}
	}
}
