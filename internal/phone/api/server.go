// Package api exposes the phone controller to the CRM front-end over HTTP:
// commands as JSON endpoints and domain events as a server-sent event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sebas/crmphone/internal/activity"
	"github.com/sebas/crmphone/internal/phone/call"
	"github.com/sebas/crmphone/internal/phone/controller"
	"github.com/sebas/crmphone/internal/phone/events"
	"github.com/sebas/crmphone/internal/phone/transport"
)

// Phone is the controller surface the API drives.
type Phone interface {
	View() controller.View
	Capabilities() transport.Capabilities
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error
	MakeCall(ctx context.Context, number string) (call.Session, error)
	Answer(ctx context.Context) error
	Reject(ctx context.Context) error
	Hangup(ctx context.Context) error
	ToggleMute(ctx context.Context) (bool, error)
	ToggleHold(ctx context.Context) (bool, error)
	SendDTMF(ctx context.Context, digit string) error
	Subscribe(kinds ...events.Kind) *events.Subscription
}

var _ Phone = (*controller.Controller)(nil)

// CallHistory lists recently finished calls, newest first.
type CallHistory interface {
	Recent(limit int) []activity.Activity
}

var _ CallHistory = (*activity.History)(nil)

// Option configures a Server.
type Option func(*Server)

// WithHistory serves h from GET /api/v1/calls.
func WithHistory(h CallHistory) Option {
	return func(s *Server) { s.history = h }
}

const (
	commandTimeout = 15 * time.Second
	// dialTimeout bounds POST /calls, which blocks until the callee answers.
	// A client that goes away earlier cancels the attempt.
	dialTimeout = 60 * time.Second
)

// Server provides the control API
type Server struct {
	addr       string
	phone      Phone
	history    CallHistory
	httpServer *http.Server
	startTime  time.Time
	router     chi.Router
}

// NewServer creates a new API server
func NewServer(addr string, phone Phone, opts ...Option) *Server {
	s := &Server{
		addr:      addr,
		phone:     phone,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)

		r.Post("/register", s.command(s.phone.Register))
		r.Post("/unregister", s.command(s.phone.Unregister))

		r.Get("/calls", s.handleHistory)
		r.Post("/calls", s.handleMakeCall)
		r.Post("/calls/answer", s.command(s.phone.Answer))
		r.Post("/calls/reject", s.command(s.phone.Reject))
		r.Post("/calls/hangup", s.command(s.phone.Hangup))
		r.Post("/calls/mute", s.handleToggle("muted", s.phone.ToggleMute))
		r.Post("/calls/hold", s.handleToggle("held", s.phone.ToggleHold))
		r.Post("/calls/dtmf", s.handleDTMF)
	})
	s.router = r

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	slog.Info("[API] Starting control API", "addr", s.addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("[API] Server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down, cutting event streams.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": int64(time.Since(s.startTime).Seconds()),
	})
}

type statusResponse struct {
	controller.View
	Capabilities transport.Capabilities `json:"capabilities"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		View:         s.phone.View(),
		Capabilities: s.phone.Capabilities(),
	})
}

func (s *Server) command(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

const maxHistoryLimit = 100

// handleHistory lists finished calls, newest first. ?limit=N caps the
// list at N entries.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := maxHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	calls := []activity.Activity{}
	if s.history != nil {
		calls = append(calls, s.history.Recent(limit)...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

type makeCallRequest struct {
	Number string `json:"number"`
}

func (s *Server) handleMakeCall(w http.ResponseWriter, r *http.Request) {
	var req makeCallRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), dialTimeout)
	defer cancel()
	sess, err := s.phone.MakeCall(ctx, req.Number)
	if err != nil {
		slog.Warn("[API] MakeCall failed", "number", req.Number, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleToggle(field string, fn func(context.Context) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
		defer cancel()
		v, err := fn(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{field: v})
	}
}

type dtmfRequest struct {
	Digit string `json:"digit"`
}

func (s *Server) handleDTMF(w http.ResponseWriter, r *http.Request) {
	var req dtmfRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := s.phone.SendDTMF(ctx, req.Digit); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleEvents streams bus events as server-sent events until the client
// goes away. ?kinds=incomingCall,callEnded narrows the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	kinds, err := parseKinds(r.URL.Query()["kinds"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	sub := s.phone.Subscribe(kinds...)
	defer sub.Close()

	w.Header().Set("Content-Type", sse.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := sse.Encode(w, sse.Event{Id: e.ID, Event: e.Kind.String(), Data: e.JSON()}); err != nil {
				slog.Debug("[API] Event stream write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func parseKinds(values []string) ([]events.Kind, error) {
	var kinds []events.Kind
	for _, v := range values {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			k, ok := events.ParseKind(name)
			if !ok {
				return nil, fmt.Errorf("unknown event kind %q", name)
			}
			kinds = append(kinds, k)
		}
	}
	return kinds, nil
}

// statusFor maps controller errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, transport.ErrNotRegistered),
		errors.Is(err, transport.ErrCallInProgress),
		errors.Is(err, transport.ErrNoIncomingCall),
		errors.Is(err, transport.ErrNoActiveCall):
		return http.StatusConflict
	case errors.Is(err, transport.ErrHoldUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, transport.ErrCallSetupFailed),
		errors.Is(err, transport.ErrTransportUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, transport.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode response", "error", err)
	}
}
