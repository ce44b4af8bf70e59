// Package fakecoordinator is an in-process coordinator for tests. It serves
// the REST endpoints the agent calls and the agent websocket, and records
// everything it receives.
package fakecoordinator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/NissesSenap/taskagent/pkg/connection"
)

// Report is a finish or stdout report received from the agent.
type Report struct {
	Path   string
	TaskID string
	Body   []byte
}

// Upload is one multipart upload received from the agent.
type Upload struct {
	TargetType string
	TargetID   string
	// Names lists the uploaded file names in arrival order.
	Names []string
	Files map[string][]byte
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithVersion sets the version the coordinator reports.
func WithVersion(v string) Option {
	return func(c *Coordinator) { c.version = v }
}

// WithToken sets the token the coordinator accepts.
func WithToken(t string) Option {
	return func(c *Coordinator) { c.token = t }
}

// LegacyOnly removes the v2 timeline endpoints, like a server predating them.
func LegacyOnly() Option {
	return func(c *Coordinator) { c.legacy = true }
}

// Coordinator records agent traffic.
type Coordinator struct {
	version string
	token   string
	legacy  bool

	mu       sync.Mutex
	files    map[string][]byte
	finished []Report
	stdout   []Report
	uploads  []Upload
	received []connection.Message
	conns    map[*websocket.Conn]struct{}
	changed  chan struct{}

	srv *httptest.Server
}

// New creates a coordinator. Call Start to serve it.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		version: "6.1.0",
		token:   "secret",
		files:   make(map[string][]byte),
		conns:   make(map[*websocket.Conn]struct{}),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start serves the coordinator on a loopback port and returns its URL.
func (c *Coordinator) Start() string {
	c.srv = httptest.NewServer(c.Handler())
	return c.srv.URL
}

// Close disconnects agents and stops the server.
func (c *Coordinator) Close() {
	c.DisconnectAll()
	if c.srv != nil {
		c.srv.Close()
	}
}

// Token returns the accepted token.
func (c *Coordinator) Token() string { return c.token }

// AddFile makes content downloadable as datafile id.
func (c *Coordinator) AddFile(id string, content []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[id] = content
}

// Handler returns the HTTP handler.
func (c *Coordinator) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/api/v1/version/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"server": c.version})
	})

	r.Group(func(r chi.Router) {
		r.Use(c.authMiddleware)

		r.Get("/api/v1/user/current/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"username": "agent"})
		})
		r.Get("/api/v1/datafile/{id}/download/", c.download)
		r.Post("/api/v1/folder/{id}/upload/", c.upload("folder"))
		r.Post("/api/v1/serie/{id}/upload/", c.upload("series"))

		r.Post("/api/v1/taskinfo/{id}/finish/", c.report(false))
		r.Post("/api/v1/taskinfo/{id}/stdout/", c.report(true))
		if !c.legacy {
			r.Post("/api/v2/timeline/{id}/finish/", c.report(false))
			r.Post("/api/v2/timeline/{id}/stdout/", c.report(true))
		}

		r.Get(connection.Path, c.acceptAgent)
	})
	return r
}

func (c *Coordinator) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token "+c.token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *Coordinator) download(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	content, ok := c.files[chi.URLParam(r, "id")]
	c.mu.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(content)
}

func (c *Coordinator) upload(targetType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mr, err := r.MultipartReader()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		up := Upload{TargetType: targetType, TargetID: chi.URLParam(r, "id"), Files: make(map[string][]byte)}
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if part.FormName() != "files" {
				continue
			}
			data, err := io.ReadAll(part)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			up.Names = append(up.Names, part.FileName())
			up.Files[part.FileName()] = data
		}

		c.record(func() { c.uploads = append(c.uploads, up) })
		writeJSON(w, http.StatusCreated, map[string]int{"files": len(up.Names)})
	}
}

func (c *Coordinator) report(stdout bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rep := Report{Path: r.URL.Path, TaskID: chi.URLParam(r, "id"), Body: body}
		c.record(func() {
			if stdout {
				c.stdout = append(c.stdout, rep)
			} else {
				c.finished = append(c.finished, rep)
			}
		})
		w.WriteHeader(http.StatusOK)
	}
}

func (c *Coordinator) acceptAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow() //nolint:errcheck

	c.record(func() { c.conns[conn] = struct{}{} })
	defer c.record(func() { delete(c.conns, conn) })

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg connection.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		c.record(func() { c.received = append(c.received, msg) })

		if msg.Type == connection.TypeHello {
			_ = writeMessage(ctx, conn, connection.TypeVersion, connection.ServerVersion{Server: c.version})
		}
	}
}

// record applies f under the lock and wakes up waiters.
func (c *Coordinator) record(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f()
	close(c.changed)
	c.changed = make(chan struct{})
}

// WaitFor blocks until cond holds or ctx is done. cond runs under the lock.
func (c *Coordinator) WaitFor(ctx context.Context, cond func(*Coordinator) bool) error {
	for {
		c.mu.Lock()
		ok := cond(c)
		ch := c.changed
		c.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// WaitForAgents blocks until n agents are connected.
func (c *Coordinator) WaitForAgents(ctx context.Context, n int) error {
	return c.WaitFor(ctx, func(c *Coordinator) bool { return len(c.conns) >= n })
}

// Send writes a message to every connected agent.
func (c *Coordinator) Send(ctx context.Context, typ string, data any) error {
	conns := c.agents()
	if len(conns) == 0 {
		return errors.New("no agent connected")
	}
	for _, conn := range conns {
		if err := writeMessage(ctx, conn, typ, data); err != nil {
			return err
		}
	}
	return nil
}

// PushTask sends a task to every connected agent. task is encoded as JSON
// and may be a runner.TaskMessage or raw json.RawMessage.
func (c *Coordinator) PushTask(ctx context.Context, task any) error {
	return c.Send(ctx, connection.TypeTask, task)
}

// DisconnectAll closes every agent connection.
func (c *Coordinator) DisconnectAll() {
	for _, conn := range c.agents() {
		_ = conn.Close(websocket.StatusGoingAway, "coordinator restarting")
	}
}

func (c *Coordinator) agents() []*websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	conns := make([]*websocket.Conn, 0, len(c.conns))
	for conn := range c.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Finished returns the finish reports received so far.
func (c *Coordinator) Finished() []Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Report(nil), c.finished...)
}

// Stdout returns the stdout reports received so far.
func (c *Coordinator) Stdout() []Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Report(nil), c.stdout...)
}

// Uploads returns the uploads received so far.
func (c *Coordinator) Uploads() []Upload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Upload(nil), c.uploads...)
}

// Received returns the websocket messages received so far.
func (c *Coordinator) Received() []connection.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]connection.Message(nil), c.received...)
}

// ReceivedOfType returns the received messages of one type.
func (c *Coordinator) ReceivedOfType(typ string) []connection.Message {
	var out []connection.Message
	for _, m := range c.Received() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// CountReceived counts received messages of typ. It must be called with the
// lock held, i.e. from a WaitFor condition.
func (c *Coordinator) CountReceived(typ string) int {
	n := 0
	for _, m := range c.received {
		if m.Type == typ {
			n++
		}
	}
	return n
}

// FinishCount counts finish reports. Call it from a WaitFor condition.
func (c *Coordinator) FinishCount() int { return len(c.finished) }

// StdoutCount counts stdout reports. Call it from a WaitFor condition.
func (c *Coordinator) StdoutCount() int { return len(c.stdout) }

// UploadCount counts uploads. Call it from a WaitFor condition.
func (c *Coordinator) UploadCount() int { return len(c.uploads) }

func writeMessage(ctx context.Context, conn *websocket.Conn, typ string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	b, err := json.Marshal(connection.Message{Type: typ, Data: raw})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal encoding error"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
