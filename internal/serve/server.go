// Package serve exposes the supervisor over JSON/HTTP and streams fleet
// events over WebSocket.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/Dicklesworthstone/omar/internal/events"
	"github.com/Dicklesworthstone/omar/internal/supervisor"
)

// Server provides the HTTP control surface for the fleet.
type Server struct {
	host    string
	port    int
	version string
	sup     *supervisor.Supervisor
	logger  *slog.Logger
	server  *http.Server
	retry   Backoff

	corsAllowedOrigins []string

	router chi.Router
	wsHub  *WSHub
}

// Config holds server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
	// AllowedOrigins controls CORS origin allowlist. Empty means default localhost only.
	AllowedOrigins []string
	Logger         *slog.Logger
	// Retry governs how backend-unavailable failures are retried per request.
	Retry Backoff
}

const (
	defaultPort = 7337

	requestIDHeader = "X-Request-Id"
	// TokenHeader carries an agent's OMAR_AGENT_TOKEN so spawns it makes can
	// be attributed to it.
	TokenHeader = "X-Omar-Token"

	maxBodyBytes = 1 << 20
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// Stable error codes returned in the "code" field.
const (
	ErrCodeNotFound           = "NotFound"
	ErrCodeDuplicateID        = "DuplicateId"
	ErrCodeCycleDetected      = "CycleDetected"
	ErrCodeUnknownParent      = "UnknownParent"
	ErrCodeInvalidRequest     = "InvalidRequest"
	ErrCodeSandboxLaunch      = "SandboxLaunchFailure"
	ErrCodeBackendUnavailable = "BackendUnavailable"
	ErrCodePermissionDenied   = "PermissionDenied"
	ErrCodeForbidden          = "Forbidden"
	ErrCodeInternal           = "Internal"
)

// APIError is the error response body.
type APIError struct {
	Code      string `json:"code"`
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func defaultLocalOrigins() []string {
	return []string{
		"http://localhost",
		"http://127.0.0.1",
		"http://[::1]",
		"https://localhost",
		"https://127.0.0.1",
		"https://[::1]",
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = defaultLocalOrigins()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retry == (Backoff{}) {
		cfg.Retry = DefaultBackoff()
	}
}

// New creates a new HTTP server.
func New(cfg Config, sup *supervisor.Supervisor) *Server {
	applyDefaults(&cfg)
	s := &Server{
		host:               cfg.Host,
		port:               cfg.Port,
		version:            cfg.Version,
		sup:                sup,
		logger:             cfg.Logger,
		retry:              cfg.Retry,
		corsAllowedOrigins: cfg.AllowedOrigins,
		wsHub:              NewWSHub(cfg.Logger),
	}
	s.router = s.buildRouter()
	return s
}

// buildRouter creates the chi router with all middleware and routes.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(s.requestIDMiddleware)
	r.Use(s.recovererMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusNotFound, ErrCodeNotFound, "no such route", requestIDFromContext(r.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusMethodNotAllowed, ErrCodeInvalidRequest, "method not allowed", requestIDFromContext(r.Context()))
	})

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/agents", func(r chi.Router) {
		r.Post("/", s.handleSpawn)
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Delete("/", s.handleKill)
			r.Post("/send", s.handleSend)
			r.Post("/reassign", s.handleReassign)
		})
	})

	r.Route("/projects", func(r chi.Router) {
		r.Get("/", s.handleListProjects)
		r.Post("/", s.handleAddProject)
		r.Delete("/{id}", s.handleCompleteProject)
	})

	return r
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *WSHub {
	return s.wsHub
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, fmt.Sprint(s.port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.wsHub.Run()
	defer s.wsHub.Stop()

	unsubscribe := s.sup.Bus().SubscribeAll(func(e events.BusEvent) {
		s.wsHub.Publish(e)
	})
	defer unsubscribe()

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // WebSocket connections are long-lived
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("control surface listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down control surface")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// requestIDMiddleware assigns a request ID and stores it in context and response headers.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := sanitizeRequestID(r.Header.Get(requestIDHeader))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recovererMiddleware catches panics and returns a proper JSON error response.
func (s *Server) recovererMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				reqID := requestIDFromContext(r.Context())
				s.logger.Error("panic recovered", "panic", rec, "request_id", reqID, "stack", string(debug.Stack()))
				writeErrorResponse(w, http.StatusInternalServerError, ErrCodeInternal, "internal server error", reqID)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", requestIDFromContext(r.Context()),
		)
	})
}

// corsMiddleware adds CORS headers with an allowlist (default localhost).
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !originAllowed(origin, s.corsAllowedOrigins) {
				writeErrorResponse(w, http.StatusForbidden, ErrCodeForbidden, "origin not allowed", requestIDFromContext(r.Context()))
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+TokenHeader+", "+requestIDHeader)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Default().Warn("encode response", "err", err)
	}
}

// writeErrorResponse writes a structured error response.
func writeErrorResponse(w http.ResponseWriter, status int, code, message, requestID string) {
	writeJSON(w, status, APIError{Code: code, Error: message, RequestID: requestID})
}

// decodeJSON reads a single JSON object, rejecting unknown fields and
// trailing data.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	if dec.More() {
		return errors.New("decode body: unexpected data after JSON object")
	}
	return nil
}

func sanitizeRequestID(id string) string {
	if id == "" {
		return ""
	}
	if len(id) > 64 {
		id = id[:64]
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' || r == ':' || r == '/' {
			return r
		}
		return -1
	}, id)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	val, ok := ctx.Value(requestIDKey).(string)
	if !ok {
		return ""
	}
	return val
}

func isWebSocketUpgrade(r *http.Request) bool {
	upgrade := strings.ToLower(r.Header.Get("Upgrade"))
	if upgrade != "websocket" {
		return false
	}
	connection := strings.ToLower(r.Header.Get("Connection"))
	return strings.Contains(connection, "upgrade")
}

func originAllowed(origin string, allowlist []string) bool {
	if origin == "" {
		return true
	}
	if len(allowlist) == 0 {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range allowlist {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		if allowed == "*" {
			return true
		}
		if strings.Contains(allowed, "://") {
			allowedURL, err := url.Parse(allowed)
			if err != nil {
				continue
			}
			if strings.EqualFold(allowedURL.Scheme, u.Scheme) && strings.EqualFold(allowedURL.Hostname(), host) {
				if allowedURL.Port() == "" || allowedURL.Port() == u.Port() {
					return true
				}
			}
			continue
		}
		if strings.EqualFold(allowed, host) {
			return true
		}
	}
	return false
}
