package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/NissesSenap/taskagent/pkg/runner"
	"github.com/NissesSenap/taskagent/pkg/version"
)

// Path is where the coordinator accepts agent connections.
const Path = "/ws/app/"

const (
	defaultHeartbeat = 30 * time.Second
	readLimit        = 16 << 20
)

// Submitter accepts tasks pushed by the coordinator.
type Submitter interface {
	Submit(msg *runner.TaskMessage) (string, error)
}

// CapabilitySetter receives the capabilities negotiated from the server version.
type CapabilitySetter interface {
	SetCapabilities(version.Capabilities)
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l logr.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient sets the HTTP client used for the websocket handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithHeartbeat sets the interval between pings.
func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}

// WithAgentVersion sets the version announced in the hello message.
func WithAgentVersion(v string) Option {
	return func(c *Client) { c.agentVersion = v }
}

// WithQueueCapacity sets the queue size announced in the hello message.
func WithQueueCapacity(n int) Option {
	return func(c *Client) { c.queue = n }
}

// WithCapabilities registers a receiver for server version announcements.
func WithCapabilities(s CapabilitySetter) Option {
	return func(c *Client) { c.caps = s }
}

// WithBackOff replaces the reconnect policy (useful for testing).
func WithBackOff(f func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = f }
}

// Client keeps a websocket connection to the coordinator open and hands
// received tasks to a Submitter.
type Client struct {
	url          string
	token        string
	submitter    Submitter
	caps         CapabilitySetter
	logger       logr.Logger
	httpClient   *http.Client
	heartbeat    time.Duration
	agentVersion string
	hostname     string
	queue        int
	newBackOff   func() backoff.BackOff

	connected atomic.Bool
}

// New creates a client for the coordinator at serverURL (http or https).
func New(serverURL, token string, submitter Submitter, opts ...Option) (*Client, error) {
	wsURL, err := websocketURL(serverURL)
	if err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()

	c := &Client{
		url:          wsURL,
		token:        token,
		submitter:    submitter,
		logger:       logr.Discard(),
		heartbeat:    defaultHeartbeat,
		agentVersion: "dev",
		hostname:     hostname,
		newBackOff:   defaultBackOff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func websocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + Path
	return u.String(), nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Name implements the agent module contract.
func (c *Client) Name() string { return "connection" }

// URL returns the websocket endpoint.
func (c *Client) URL() string { return c.url }

// Connected reports whether a session is currently open.
func (c *Client) Connected() bool { return c.connected.Load() }

// Run connects and reconnects until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	b := c.newBackOff()
	for {
		established, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			b.Reset()
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return fmt.Errorf("giving up on %s: %w", c.url, err)
		}
		c.logger.Info("warning: connection lost, reconnecting", "url", c.url, "error", errString(err), "delay", delay.String())

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// session runs one connection. established is true once the hello was sent.
func (c *Client) session(ctx context.Context) (established bool, err error) {
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: http.Header{"Authorization": []string{"Token " + c.token}},
	})
	if err != nil {
		return false, fmt.Errorf("dialing: %w", err)
	}
	defer conn.CloseNow() //nolint:errcheck
	conn.SetReadLimit(readLimit)

	sessCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	hello := Hello{Version: c.agentVersion, Hostname: c.hostname, Queue: c.queue}
	if err := c.send(sessCtx, conn, TypeHello, hello); err != nil {
		return false, err
	}

	c.connected.Store(true)
	defer c.connected.Store(false)
	c.logger.Info("connected", "url", c.url)

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		wait.UntilWithContext(sessCtx, func(ctx context.Context) {
			pingCtx, stop := context.WithTimeout(ctx, c.heartbeat)
			defer stop()
			if err := conn.Ping(pingCtx); err != nil && ctx.Err() == nil {
				cancel(fmt.Errorf("heartbeat: %w", err))
			}
		}, c.heartbeat)
	}()
	defer func() { <-hbDone }()
	defer cancel(nil)

	for {
		typ, data, err := conn.Read(sessCtx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "agent shutting down")
				return true, nil
			}
			if cause := context.Cause(sessCtx); cause != nil && !errors.Is(cause, context.Canceled) {
				return true, cause
			}
			return true, fmt.Errorf("reading: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		c.handle(sessCtx, conn, data)
	}
}

func (c *Client) handle(ctx context.Context, conn *websocket.Conn, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Info("warning: ignoring malformed message", "error", err.Error())
		return
	}

	switch msg.Type {
	case TypeTask:
		c.handleTask(ctx, conn, msg.Data)
	case TypeVersion:
		c.handleVersion(msg.Data)
	case TypePing:
		if err := c.send(ctx, conn, TypePong, nil); err != nil {
			c.logger.V(1).Info("could not answer ping", "error", err.Error())
		}
	default:
		c.logger.V(1).Info("ignoring message", "type", msg.Type)
	}
}

func (c *Client) handleTask(ctx context.Context, conn *websocket.Conn, data json.RawMessage) {
	var task runner.TaskMessage
	if err := json.Unmarshal(data, &task); err != nil {
		c.logger.Error(err, "cannot decode task")
		return
	}

	runID, err := c.submitter.Submit(&task)
	if err != nil {
		c.logger.Info("warning: task not accepted", "task", task.Name, "error", err.Error())
		busy := Busy{Name: task.Name, TaskInfo: task.TaskInfoID, Reason: err.Error()}
		if err := c.send(ctx, conn, TypeBusy, busy); err != nil {
			c.logger.V(1).Info("could not send busy", "error", err.Error())
		}
		return
	}
	c.logger.Info("task received", "task", task.Name, "runID", runID)
}

func (c *Client) handleVersion(data json.RawMessage) {
	var sv ServerVersion
	if err := json.Unmarshal(data, &sv); err != nil {
		c.logger.Info("warning: ignoring malformed version message", "error", err.Error())
		return
	}
	v, err := version.Parse(sv.Server)
	if err != nil {
		c.logger.Info("warning: cannot parse server version", "version", sv.Server, "error", err.Error())
		return
	}
	c.logger.Info("server version", "version", v.String())
	if c.caps != nil {
		c.caps.SetCapabilities(version.CapabilitiesFor(v))
	}
}

func (c *Client) send(ctx context.Context, conn *websocket.Conn, typ string, data any) error {
	b, err := json.Marshal(outMessage{Type: typ, Data: data})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("sending %s: %w", typ, err)
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
