package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/sketch-tutor/internal/app"
	"github.com/JakeFAU/sketch-tutor/internal/job"
	"github.com/JakeFAU/sketch-tutor/internal/logging"
	"github.com/JakeFAU/sketch-tutor/internal/metrics"
	"github.com/JakeFAU/sketch-tutor/internal/session"
)

const (
	tokenHeader   = "X-Token"
	actionTimeout = 10 * time.Second
	streamWait    = 10 * time.Second
)

// Controller is the slice of the client session the UI boundary drives.
type Controller interface {
	Credential() (session.Credential, bool)
	Snapshot() job.Snapshot
	Subscribe() (<-chan job.Snapshot, func())
	Capture(ctx context.Context) error
	Confirm(ctx context.Context, label string) error
	Step(ctx context.Context, op app.StepOp, index int) (int, error)
	Dismiss(ctx context.Context) error
	ArtifactURL(p string) string
}

// Server wires HTTP handlers to the session controller.
type Server struct {
	router   chi.Router
	ctrl     Controller
	metrics  *metrics.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer constructs a Server with middleware and routes.
func NewServer(ctrl Controller, m *metrics.Metrics, logger *zap.Logger) *Server {
	s := &Server{
		ctrl:    ctrl,
		metrics: m,
		logger:  logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(m.Middleware)

	r.Get("/healthz", s.healthz)

	r.Group(func(r chi.Router) {
		r.Use(s.tokenMiddleware)
		r.Get("/metrics", m.Handler().ServeHTTP)
		r.Get("/config", s.config)
		r.Get("/state", s.state)
		r.Get("/stream", s.stream)
		r.Get("/artifact", s.artifact)
		r.Route("/actions", func(r chi.Router) {
			r.Use(timeoutMiddleware(actionTimeout))
			r.Post("/capture", s.capture)
			r.Post("/confirm", s.confirm)
			r.Post("/step", s.step)
			r.Post("/dismiss", s.dismiss)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) config(w http.ResponseWriter, _ *http.Request) {
	cred, ok := s.ctrl.Credential()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "backend not resolved")
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

func (s *Server) state(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) artifact(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimSpace(r.URL.Query().Get("path"))
	if p == "" {
		writeError(w, http.StatusBadRequest, "path required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": s.ctrl.ArtifactURL(p)})
}

func (s *Server) capture(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Capture(r.Context()); err != nil {
		s.writeActionError(w, "capture", err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.ctrl.Snapshot())
}

type confirmRequest struct {
	TargetLabel string `json:"targetLabel"`
}

func (s *Server) confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.ctrl.Confirm(r.Context(), req.TargetLabel); err != nil {
		s.writeActionError(w, "confirm", err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.ctrl.Snapshot())
}

type stepRequest struct {
	Delta *int `json:"delta"`
	Index *int `json:"index"`
}

func (s *Server) step(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	op, index := app.StepGoto, 0
	switch {
	case req.Index != nil:
		index = *req.Index
	case req.Delta != nil && *req.Delta > 0:
		op = app.StepNext
	case req.Delta != nil && *req.Delta < 0:
		op = app.StepPrev
	default:
		writeError(w, http.StatusBadRequest, "delta or index required")
		return
	}
	current, err := s.ctrl.Step(r.Context(), op, index)
	if err != nil {
		s.writeActionError(w, "step", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"current": current, "state": s.ctrl.Snapshot()})
}

func (s *Server) dismiss(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Dismiss(r.Context()); err != nil {
		s.writeActionError(w, "dismiss", err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// stream pushes every snapshot change to a WebSocket client until it
// disconnects.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("stream upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	updates, unsubscribe := s.ctrl.Subscribe()
	defer unsubscribe()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case snap := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWait))
			if err := conn.WriteJSON(snap); err != nil {
				s.logger.Debug("stream write failed", zap.Error(err))
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) writeActionError(w http.ResponseWriter, action string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, job.ErrEmptyLabel):
		status = http.StatusBadRequest
	case errors.Is(err, job.ErrInvalidTransition), errors.Is(err, job.ErrNoSteps):
		status = http.StatusConflict
	case errors.Is(err, app.ErrNotStarted), errors.Is(err, app.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("action failed", zap.String("action", action), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

// tokenMiddleware requires the published session token in X-Token, or in the
// token query parameter for WebSocket clients that cannot set headers.
func (s *Server) tokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, ok := s.ctrl.Credential()
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "backend not resolved")
			return
		}
		key := r.Header.Get(tokenHeader)
		if key == "" {
			key = r.URL.Query().Get("token")
		}
		if cred.Token == "" || subtle.ConstantTimeCompare([]byte(key), []byte(cred.Token)) != 1 {
			writeError(w, http.StatusForbidden, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
