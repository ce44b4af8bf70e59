package agent

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/NissesSenap/taskagent/pkg/connection"
	"github.com/NissesSenap/taskagent/pkg/runner"
	"github.com/NissesSenap/taskagent/pkg/store"
	"github.com/NissesSenap/taskagent/pkg/version"
)

// Module represents a runnable component
type Module interface {
	Name() string
	Run(ctx context.Context) error
}

type module struct {
	name string
	run  func(ctx context.Context) error
}

func (m module) Name() string                  { return m.name }
func (m module) Run(ctx context.Context) error { return m.run(ctx) }

// ConnectivityError means the server could not be reached or rejected the
// credentials at startup.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("cannot connect to server (%s): %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// Option configures an Agent.
type Option func(*options)

type options struct {
	logger       logr.Logger
	httpClient   *http.Client
	executor     runner.CommandExecutor
	agentVersion string
}

// WithLogger sets the logger.
func WithLogger(l logr.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHTTPClient sets the HTTP client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithExecutor replaces the command executor (useful for testing).
func WithExecutor(e runner.CommandExecutor) Option {
	return func(o *options) { o.executor = e }
}

// WithAgentVersion sets the version announced to the server.
func WithAgentVersion(v string) Option {
	return func(o *options) { o.agentVersion = v }
}

// Agent wires the store client, pipeline, dispatcher, connection and local
// API together.
type Agent struct {
	cfg        Config
	logger     logr.Logger
	store      *store.Client
	reporter   *runner.StatusReporter
	dispatcher *runner.Dispatcher
	events     *runner.EventHub
	conn       *connection.Client
	modules    []Module
}

// New validates cfg, checks that the server is reachable and accepts the
// credentials, and builds the modules. Failing checks are ConnectivityErrors.
func New(ctx context.Context, cfg Config, opts ...Option) (*Agent, error) {
	o := options{logger: logr.Discard(), agentVersion: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	storeOpts := []store.ClientOption{store.WithLogger(o.logger.WithName("store"))}
	if o.httpClient != nil {
		storeOpts = append(storeOpts, store.WithHTTPClient(o.httpClient))
	}
	sc := store.NewClient(cfg.Server, cfg.Token, storeOpts...)

	serverVersion, err := Verify(ctx, sc)
	if err != nil {
		return nil, err
	}
	caps := version.DefaultCapabilities()
	if v, err := version.Parse(serverVersion); err != nil {
		o.logger.Info("warning: cannot parse server version, assuming a current server", "version", serverVersion, "error", err.Error())
	} else {
		caps = version.CapabilitiesFor(v)
		o.logger.Info("server reachable", "server", cfg.Server, "version", v.String(), "timelineAPI", caps.TimelineAPI)
	}

	if err := os.MkdirAll(cfg.DownloadPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating download path: %w", err)
	}

	reporter := runner.NewStatusReporter(sc, o.logger.WithName("reporter"))
	reporter.SetCapabilities(caps)

	pipelineOpts := []runner.PipelineOption{
		runner.WithPipelineLogger(o.logger.WithName("pipeline")),
		runner.WithCommandTimeout(cfg.CommandTimeout),
	}
	if o.executor != nil {
		pipelineOpts = append(pipelineOpts, runner.WithExecutor(o.executor))
	}
	pipeline := runner.NewPipeline(cfg.DownloadPath, sc, reporter, pipelineOpts...)

	events := runner.NewEventHub()
	dispatcher := runner.NewDispatcher(pipeline,
		runner.WithQueueSize(cfg.QueueSize),
		runner.WithEventHub(events),
		runner.WithDispatcherLogger(o.logger.WithName("dispatcher")),
	)

	conn, err := connection.New(cfg.Server, cfg.Token, dispatcher,
		connection.WithLogger(o.logger.WithName("connection")),
		connection.WithHeartbeat(cfg.HeartbeatInterval),
		connection.WithAgentVersion(o.agentVersion),
		connection.WithQueueCapacity(dispatcher.Capacity()),
		connection.WithCapabilities(reporter),
	)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:        cfg,
		logger:     o.logger,
		store:      sc,
		reporter:   reporter,
		dispatcher: dispatcher,
		events:     events,
		conn:       conn,
	}
	a.modules = []Module{
		module{name: "dispatcher", run: dispatcher.Run},
		conn,
	}
	if cfg.ListenAddr != "" {
		srv := runner.NewServer(dispatcher,
			runner.WithAddr(cfg.ListenAddr),
			runner.WithLogger(o.logger.WithName("api")),
			runner.WithReady(conn.Connected),
			runner.WithEvents(events),
		)
		a.modules = append(a.modules, module{name: "api", run: srv.Serve})
	}
	return a, nil
}

// Verify checks that the server answers and accepts the client's token. It
// returns the server's version string.
func Verify(ctx context.Context, sc *store.Client) (string, error) {
	serverVersion, err := sc.ServerVersion(ctx)
	if err != nil {
		return "", &ConnectivityError{Op: "ping", Err: err}
	}
	if err := sc.CheckConnection(ctx); err != nil {
		return "", &ConnectivityError{Op: "credentials", Err: err}
	}
	return serverVersion, nil
}

// Submit queues a task as if it had arrived from the server.
func (a *Agent) Submit(msg *runner.TaskMessage) (string, error) {
	return a.dispatcher.Submit(msg)
}

// Status returns the latest state of a submitted run.
func (a *Agent) Status(runID string) (runner.RunStatus, bool) { return a.events.Status(runID) }

// Connected reports whether the server connection is up.
func (a *Agent) Connected() bool { return a.conn.Connected() }

// Capabilities returns the server capabilities currently in effect.
func (a *Agent) Capabilities() version.Capabilities { return a.reporter.Capabilities() }

// Modules returns the names of the configured modules.
func (a *Agent) Modules() []string {
	names := make([]string, 0, len(a.modules))
	for _, m := range a.modules {
		names = append(names, m.Name())
	}
	return names
}

// Run starts all modules and blocks until context is cancelled
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, m := range a.modules {
		g.Go(func() error {
			a.logger.Info("starting module", "module", m.Name())
			if err := m.Run(ctx); err != nil {
				return fmt.Errorf("%s: %w", m.Name(), err)
			}
			return nil
		})
	}

	return g.Wait()
}
