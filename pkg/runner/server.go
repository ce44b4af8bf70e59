package runner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-logr/logr"
)

// Submitter accepts tasks for execution.
type Submitter interface {
	Submit(msg *TaskMessage) (string, error)
}

// Server exposes the local task submission API.
type Server struct {
	submitter Submitter
	addr      string
	logger    logr.Logger
	ready     func() bool
	rateLimit int
	events    *EventHub
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) ServerOption {
	return func(s *Server) { s.addr = addr }
}

// WithLogger sets the logger.
func WithLogger(l logr.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithReady sets the readiness check used by /readyz.
func WithReady(f func() bool) ServerOption {
	return func(s *Server) { s.ready = f }
}

// WithRateLimit sets the number of task submissions allowed per client per minute.
func WithRateLimit(n int) ServerOption {
	return func(s *Server) { s.rateLimit = n }
}

// WithEvents exposes run status and event streams from h.
func WithEvents(h *EventHub) ServerOption {
	return func(s *Server) { s.events = h }
}

// NewServer creates the local API server.
func NewServer(submitter Submitter, opts ...ServerOption) *Server {
	s := &Server{
		submitter: submitter,
		addr:      "127.0.0.1:8888",
		logger:    logr.Discard(),
		ready:     func() bool { return true },
		rateLimit: 60,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.ready() {
			http.Error(w, "not connected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.rateLimit, time.Minute))
		r.Post("/tasks", s.submitTask)
		if s.events != nil {
			r.Get("/tasks/{runID}", s.taskStatus)
			r.Get("/tasks/{runID}/events", s.streamEvents)
		}
	})
	return r
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	var msg TaskMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if !msg.hasWork() {
		http.Error(w, "task has nothing to do", http.StatusBadRequest)
		return
	}

	runID, err := s.submitter.Submit(&msg)
	if errors.Is(err, ErrQueueFull) {
		w.Header().Set("Retry-After", "30")
		http.Error(w, "task queue is full", http.StatusTooManyRequests)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.logger.Info("received task", "task", msg.Name, "runID", runID,
		"requestID", middleware.GetReqID(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "runID": runID})
}

func (s *Server) taskStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := s.events.Status(chi.URLParam(r, "runID"))
	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// streamMessage frames run events on the events websocket.
type streamMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// streamEvents replays a run's events after ?after= and follows it over a
// websocket until the run completes.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		var err error
		if after, err = strconv.ParseInt(v, 10, 64); err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
	}

	history, ch, unsubscribe, ok := s.events.Subscribe(runID, after)
	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error(err, "failed to accept websocket", "runID", runID)
		return
	}
	defer conn.CloseNow() //nolint:errcheck

	ctx := conn.CloseRead(r.Context())
	send := func(typ string, data any) bool {
		b, err := json.Marshal(streamMessage{Type: typ, Data: data})
		if err != nil {
			return false
		}
		return conn.Write(ctx, websocket.MessageText, b) == nil
	}

	for _, e := range history {
		if !send("task_event", e) {
			return
		}
	}
	for ch != nil {
		select {
		case e, open := <-ch:
			if !open {
				ch = nil
				continue
			}
			if !send("task_event", e) {
				return
			}
		case <-ctx.Done():
			return
		}
	}

	status, _ := s.events.Status(runID)
	if !status.Done {
		_ = conn.Close(websocket.StatusPolicyViolation, "slow consumer evicted")
		return
	}
	send("task_complete", status)
	_ = conn.Close(websocket.StatusNormalClosure, "run complete")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("local API listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
