// Package web serves a partition's monitoring endpoints over TCP: Prometheus
// metrics, a health probe, and a live feed of command results.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sekia-ai/safepart/pkg/protocol"
)

// Config holds listener settings passed to New.
type Config struct {
	Listen   string
	Username string // HTTP Basic Auth username (empty = no auth).
	Password string // HTTP Basic Auth password (empty = no auth).
}

// Health is the /healthz body.
type Health struct {
	Partition  string            `json:"partition"`
	Status     string            `json:"status"`
	Mode       string            `json:"mode"`
	SafeReason string            `json:"safe_reason,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
	Counters   protocol.Counters `json:"counters"`
	Interlocks int               `json:"interlocks"`
	Uptime     string            `json:"uptime"`
}

// HealthFunc reports the current partition health.
type HealthFunc func() Health

// Server is the monitoring HTTP server.
type Server struct {
	listen     string
	health     HealthFunc
	bus        *ResultBus
	startedAt  time.Time
	httpServer *http.Server
	logger     zerolog.Logger
	username   string
	password   string

	mu   sync.Mutex
	ln   net.Listener
	addr string
}

// New creates a monitoring server. metrics serves /metrics.
func New(cfg Config, health HealthFunc, metrics http.Handler, bus *ResultBus, logger zerolog.Logger) *Server {
	s := &Server{
		listen:    cfg.Listen,
		health:    health,
		bus:       bus,
		startedAt: time.Now(),
		logger:    logger.With().Str("component", "web").Logger(),
		username:  cfg.Username,
		password:  cfg.Password,
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /results/recent", s.handleRecent)
	mux.HandleFunc("GET /results/stream", s.handleStream)

	s.httpServer = &http.Server{
		Handler:           s.securityMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the full handler chain, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// securityMiddleware adds security headers and optional HTTP Basic Auth to all responses.
func (s *Server) securityMiddleware(next http.Handler) http.Handler {
	authEnabled := s.username != "" && s.password != ""
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("Cache-Control", "no-store")

		if authEnabled {
			user, pass, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) != 1 ||
				subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="safepart"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// Listen binds the TCP listener without serving, so Addr is known before
// Serve runs in its own goroutine.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	s.logger.Info().Str("listen", s.addr).Msg("monitoring listening")
	return nil
}

// Serve accepts connections on the bound listener. Blocks until Shutdown or error.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("web: Serve called before Listen")
	}
	return s.httpServer.Serve(ln)
}

// Start listens and serves. Blocks until Shutdown or error.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Addr returns the bound address once Start is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleHealth answers 200 in nominal mode and 503 in safe mode, so probes
// surface a degraded partition.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.health()
	h.Uptime = time.Since(s.startedAt).Truncate(time.Second).String()

	code := http.StatusOK
	if h.Mode == protocol.ModeSafe {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	raw := s.bus.Recent()
	results := make([]json.RawMessage, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		results = append(results, raw[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, unsub, err := s.bus.Subscribe()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case data := <-ch:
			fmt.Fprintf(w, "event: result\ndata: %s\n\n", data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
