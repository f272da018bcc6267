// Package api serves the safepartd control API over a Unix socket.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/sekia-ai/safepart/internal/registry"
	"github.com/sekia-ai/safepart/pkg/protocol"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 1000
)

// AuditReader reads the audit trail. *audit.Store implements it.
type AuditReader interface {
	Count(ctx context.Context) (uint64, error)
	Recent(ctx context.Context, partition string, limit int) ([]protocol.Result, error)
}

// Publisher publishes on the bus. *nats.Conn implements it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Server serves the safepartd control API.
type Server struct {
	socketPath string
	registry   *registry.Registry
	audit      AuditReader
	bus        Publisher
	startedAt  time.Time
	httpServer *http.Server
	logger     zerolog.Logger
}

// New creates an API server. audit may be nil when the audit stream is disabled.
func New(socketPath string, reg *registry.Registry, audit AuditReader, bus Publisher, startedAt time.Time, logger zerolog.Logger) *Server {
	s := &Server{
		socketPath: socketPath,
		registry:   reg,
		audit:      audit,
		bus:        bus,
		startedAt:  startedAt,
		logger:     logger.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/partitions", s.handlePartitions)
	mux.HandleFunc("GET /api/v1/partitions/{name}", s.handlePartition)
	mux.HandleFunc("GET /api/v1/audit", s.handleAudit)
	mux.HandleFunc("POST /api/v1/config/reload", s.handleConfigReload)

	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Handler returns the route mux, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening on the Unix socket. Blocks until Shutdown.
func (s *Server) Start() error {
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	os.Chmod(s.socketPath, 0600)

	s.logger.Info().Str("socket", s.socketPath).Msg("API server listening")
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := protocol.StatusResponse{
		Status:         "ok",
		Uptime:         time.Since(s.startedAt).Truncate(time.Second).String(),
		NATSRunning:    true,
		StartedAt:      s.startedAt,
		PartitionCount: s.registry.Count(),
	}
	if s.audit != nil {
		n, err := s.audit.Count(r.Context())
		if err != nil {
			s.logger.Warn().Err(err).Msg("audit count")
		}
		resp.AuditRecords = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePartitions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.PartitionsResponse{Partitions: s.registry.Partitions()})
}

func (s *Server) handlePartition(w http.ResponseWriter, r *http.Request) {
	p, ok := s.registry.Get(r.PathValue("name"))
	if !ok {
		http.Error(w, "unknown partition", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		http.Error(w, "audit trail not enabled", http.StatusServiceUnavailable)
		return
	}

	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxAuditLimit)
	}

	records, err := s.audit.Recent(r.Context(), r.URL.Query().Get("partition"), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("audit read failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []protocol.Result{}
	}
	writeJSON(w, http.StatusOK, protocol.AuditResponse{Records: records})
}

// handleConfigReload asks one partition, or all of them, to re-read keys and
// interlocks. Partitions act on it asynchronously.
func (s *Server) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	subject := protocol.SubjectConfigReload
	if p := r.URL.Query().Get("partition"); p != "" {
		subject = protocol.SubjectConfigReloadPartition(p)
	}
	if err := s.bus.Publish(subject, nil); err != nil {
		s.logger.Error().Err(err).Str("subject", subject).Msg("config reload publish failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info().Str("subject", subject).Msg("config reload requested")
	writeJSON(w, http.StatusOK, map[string]string{"status": "requested", "subject": subject})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
