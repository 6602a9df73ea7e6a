// Package fakebackend is a scriptable stand-in for the recognition backend.
// It serves the health, job-control and artifact endpoints, and pushes job
// events over a WebSocket channel.
package fakebackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/sketch-tutor/internal/id/uuid"
	"github.com/JakeFAU/sketch-tutor/internal/logging"
)

const (
	tokenHeader      = "X-Token"
	subscriberBuffer = 64
	writeWait        = 10 * time.Second
)

// Job statuses reported by GET /jobs/{id}.
const (
	StatusRecognizing = "recognizing"
	StatusWaiting     = "waiting_confirm"
	StatusGenerating  = "generating"
	StatusDone        = "done"
	StatusFailed      = "failed"
)

// 1x1 transparent PNG served for image artifacts.
var placeholderPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

type fakeJob struct {
	ID          string
	ProjectID   string
	Status      string
	TargetLabel string
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// Server is the fake backend.
type Server struct {
	token    string
	scenario Scenario
	ids      *uuid.Generator
	logger   *zap.Logger
	router   chi.Router
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*fakeJob
	subs map[*subscriber]struct{}
}

// New builds a Server. When token is non-empty every route except /health
// requires a matching X-Token header.
func New(token string, scenario Scenario, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		token:    token,
		scenario: scenario,
		ids:      uuid.NewGenerator("job"),
		logger:   logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*fakeJob),
		subs:   make(map[*subscriber]struct{}),
	}

	r := chi.NewRouter()
	r.Get("/health", s.health)
	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/capture-and-recognize", s.capture)
		r.Post("/confirm-target", s.confirm)
		r.Get("/jobs/{job_id}", s.getJob)
		r.Get("/artifacts/*", s.artifact)
		r.Get("/ws", s.events)
	})
	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close stops pending event scripts and disconnects subscribers.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	for sub := range s.subs {
		sub.stop()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Serve listens on addr, writes "PORT=<n>" to announce, and serves until ctx
// is canceled.
func (s *Server) Serve(ctx context.Context, addr string, announce io.Writer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if _, err := fmt.Fprintf(announce, "PORT=%d\n", port); err != nil {
		_ = srv.Close()
		return fmt.Errorf("announce port: %w", err)
	}
	s.logger.Info("fake backend listening", zap.Int("port", port))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get(tokenHeader) != s.token {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) capture(w http.ResponseWriter, r *http.Request) {
	if s.scenario.CaptureStatus != 0 {
		writeError(w, s.scenario.CaptureStatus, "capture failed")
		return
	}
	var req struct {
		ProjectID string `json:"projectId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "projectId required")
		return
	}
	id, err := s.ids.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.mu.Lock()
	s.jobs[id] = &fakeJob{ID: id, ProjectID: req.ProjectID, Status: StatusRecognizing}
	s.mu.Unlock()

	s.logger.Info("capture accepted", zap.String("job_id", id), zap.String("project_id", req.ProjectID))
	s.script(id, s.recognition(id))
	writeJSON(w, http.StatusOK, map[string]string{"jobId": id})
}

func (s *Server) confirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID       string `json:"jobId"`
		TargetLabel string `json:"targetLabel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.TargetLabel) == "" {
		writeError(w, http.StatusBadRequest, "jobId and targetLabel required")
		return
	}
	s.mu.Lock()
	job, ok := s.jobs[req.JobID]
	accepted := ok && job.Status == StatusWaiting
	if accepted {
		job.Status = StatusGenerating
		job.TargetLabel = req.TargetLabel
	}
	s.mu.Unlock()
	switch {
	case !ok:
		writeError(w, http.StatusNotFound, "job not found")
		return
	case !accepted:
		writeError(w, http.StatusConflict, "job is not waiting for confirmation")
		return
	}

	s.script(req.JobID, s.generation(req.JobID))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "jobId": req.JobID})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	s.mu.Lock()
	job, ok := s.jobs[id]
	var snapshot fakeJob
	if ok {
		snapshot = *job
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	resp := map[string]any{
		"jobId":  snapshot.ID,
		"status": snapshot.Status,
	}
	if snapshot.Status == StatusDone {
		resp["artifacts"] = map[string]any{
			"roiImage": "/artifacts/" + id + "/roi.png",
			"video":    "/artifacts/" + id + "/tutorial.mp4",
		}
		resp["suggestions"] = s.scenario.Suggestions
		resp["targetLabel"] = snapshot.TargetLabel
		if len(s.scenario.Steps) > 0 {
			resp["steps"] = s.scenario.Steps
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) artifact(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	w.Header().Set("Cache-Control", "no-store")
	switch strings.ToLower(path.Ext(name)) {
	case ".png":
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(placeholderPNG)
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte(name))
	}
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	sub := &subscriber{
		conn: conn,
		send: make(chan []byte, subscriberBuffer),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug("event subscriber attached")

	go s.writePump(sub)

	// The read loop only drains control frames and notices disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	sub.stop()
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

func (s *Server) writePump(sub *subscriber) {
	defer func() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "backend stopping")
		_ = sub.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = sub.conn.Close()
	}()
	for {
		select {
		case data := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("event write failed", zap.Error(err))
				sub.stop()
				return
			}
		case <-sub.done:
			return
		}
	}
}

// Broadcast pushes one event object to every subscriber.
func (s *Server) Broadcast(evt map[string]any) {
	data, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error("marshal event", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		select {
		case sub.send <- data:
		case <-sub.done:
		default:
			s.logger.Warn("event dropped, subscriber buffer full")
		}
	}
}

// Subscribers reports how many event channels are attached.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// recognition returns the events emitted after a capture.
func (s *Server) recognition(id string) []map[string]any {
	evts := []map[string]any{
		s.progress(id, 0.3, "warp"),
		s.progress(id, 0.7, "recognize"),
	}
	if s.scenario.ErrorCode != "" {
		return append(evts, map[string]any{
			"type":  "job_error",
			"jobId": id,
			"code":  s.scenario.ErrorCode,
			"hint":  s.scenario.ErrorHint,
		})
	}
	return append(evts, map[string]any{
		"type":       "job_wait_confirm",
		"jobId":      id,
		"candidates": s.scenario.Candidates,
	})
}

// generation returns the events emitted after a confirmation.
func (s *Server) generation(id string) []map[string]any {
	return []map[string]any{
		s.progress(id, 0.4, "generate_sketch"),
		s.progress(id, 0.8, "render_video"),
		{"type": "job_done", "jobId": id},
	}
}

func (s *Server) progress(id string, p float64, stage string) map[string]any {
	evt := map[string]any{"type": "job_progress", "progress": p, "stage": stage}
	if !s.scenario.OmitJobID {
		evt["jobId"] = id
	}
	return evt
}

// script emits evts in order, StepDelay apart, updating the job status as
// terminal events go out.
func (s *Server) script(id string, evts []map[string]any) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for _, evt := range evts {
			select {
			case <-time.After(s.scenario.StepDelay):
			case <-s.ctx.Done():
				return
			}
			s.advance(id, evt["type"])
			s.Broadcast(evt)
		}
	}()
}

func (s *Server) advance(id string, evtType any) {
	var status string
	switch evtType {
	case "job_wait_confirm":
		status = StatusWaiting
	case "job_done":
		status = StatusDone
	case "job_error":
		status = StatusFailed
	default:
		return
	}
	s.mu.Lock()
	if job, ok := s.jobs[id]; ok {
		job.Status = status
	}
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
