package tokenserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

const serviceName = "CRM Phone Token Server"

// Options configures the HTTP server.
type Options struct {
	AccountSID     string
	TwimlAppSID    string
	PhoneNumber    string
	AllowedOrigins []string
}

// Server serves the token and call-routing endpoints.
type Server struct {
	issuer *Issuer
	health *health.Server
	opts   Options
	now    func() time.Time
	router chi.Router
}

// NewServer creates the HTTP handler. hs is the gRPC health service whose
// status GET /health reports.
func NewServer(issuer *Issuer, hs *health.Server, opts Options) *Server {
	s := &Server{
		issuer: issuer,
		health: hs,
		opts:   opts,
		now:    time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(s.corsOptions()))

	r.Get("/health", s.handleHealth)
	r.Post("/token", s.handleToken)
	r.Get("/capabilities", s.handleCapabilities)
	r.Post("/twiml/voice", s.handleVoice)
	r.Post("/twiml/voice/status", s.handleStatus)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// corsOptions allows the configured CRM front-end origins. An empty list
// allows none.
func (s *Server) corsOptions() cors.Options {
	return cors.Options{
		AllowOriginFunc: func(_ *http.Request, origin string) bool {
			return slices.Contains(s.opts.AllowedOrigins, origin)
		},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		slog.Warn("[TokenServer] Health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "unavailable",
			"service": serviceName,
			"error":   err.Error(),
		})
		return
	}
	grpcStatus, err := protojson.Marshal(resp)
	if err != nil {
		grpcStatus = []byte(`{}`)
	}

	status, code := "ok", http.StatusOK
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"service":   serviceName,
		"timestamp": s.now().UTC().Format(time.RFC3339Nano),
		"grpc":      json.RawMessage(grpcStatus),
	})
}

type tokenRequest struct {
	Identity string `json:"identity"`
}

type tokenResponse struct {
	Success     bool   `json:"success"`
	Token       string `json:"token,omitempty"`
	Identity    string `json:"identity,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Error       string `json:"error,omitempty"`
	Message     string `json:"message,omitempty"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if r.ContentLength != 0 {
		// An unreadable body is treated like an empty one.
		_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req)
	}
	identity := req.Identity
	if identity == "" {
		identity = fmt.Sprintf("user-%d", s.now().UnixMilli())
	}

	slog.Info("[TokenServer] Generating token", "identity", identity)
	token, exp, err := s.issuer.Issue(identity)
	if err != nil {
		slog.Error("[TokenServer] Token generation failed", "identity", identity, "error", err)
		writeJSON(w, http.StatusInternalServerError, tokenResponse{
			Success: false,
			Error:   "Failed to generate access token",
			Message: err.Error(),
		})
		return
	}
	slog.Debug("[TokenServer] Token generated", "identity", identity, "expires_at", exp)

	writeJSON(w, http.StatusOK, tokenResponse{
		Success:     true,
		Token:       token,
		Identity:    identity,
		PhoneNumber: s.opts.PhoneNumber,
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"accountSid":  s.opts.AccountSID,
		"phoneNumber": s.opts.PhoneNumber,
		"twimlAppSid": s.opts.TwimlAppSID,
		"features": map[string]bool{
			"outgoingCalls": true,
			"incomingCalls": true,
			"sms":           false,
			"voicemail":     false,
		},
	})
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}
	to := r.PostForm.Get("To")
	slog.Info("[TokenServer] Routing outgoing call", "from", s.opts.PhoneNumber, "to", to)

	doc, err := dialDocument(to, s.opts.PhoneNumber)
	if err != nil {
		http.Error(w, "Failed to build TwiML", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write(doc)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}
	slog.Info("[TokenServer] Call status",
		"call_sid", r.PostForm.Get("CallSid"),
		"status", r.PostForm.Get("CallStatus"),
		"duration", r.PostForm.Get("CallDuration"),
		"from", r.PostForm.Get("From"),
		"to", r.PostForm.Get("To"),
	)
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[TokenServer] Failed to encode response", "error", err)
	}
}
