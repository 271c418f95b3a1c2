// Package gateway serves the escalation review API over HTTP and a
// WebSocket feed of newly enqueued escalations.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/WilBtc/autoheal/internal/config"
	"github.com/WilBtc/autoheal/internal/coordinator"
	"github.com/WilBtc/autoheal/internal/errors"
	"github.com/WilBtc/autoheal/internal/escalation"
	"github.com/WilBtc/autoheal/internal/types"
)

// PipelineStats exposes the coordinator counters to the stats endpoint.
type PipelineStats interface {
	Stats() coordinator.Stats
}

// Submitter accepts incidents from external fault scanners.
type Submitter interface {
	Submit(ctx context.Context, inc *types.Incident) error
}

// Server is the review API server. It reads and transitions escalations
// through the sink; it never touches storage directly.
type Server struct {
	cfg       config.GatewayConfig
	sink      *escalation.Sink
	pipeline  PipelineStats
	intake    Submitter
	hub       *Hub
	logger    zerolog.Logger
	server    *http.Server
	startTime time.Time
}

// NewServer builds the review API server. pipeline and intake may be
// nil when the daemon is not running, e.g. under the status CLI.
func NewServer(cfg config.GatewayConfig, sink *escalation.Sink, pipeline PipelineStats, intake Submitter, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		sink:      sink,
		pipeline:  pipeline,
		intake:    intake,
		hub:       NewHub(logger),
		logger:    logger.With().Str("component", "gateway").Logger(),
		startTime: time.Now(),
	}
	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Hub returns the WebSocket hub, which also satisfies alerting.Notifier
// so it can be registered on the escalation sink.
func (s *Server) Hub() *Hub { return s.hub }

// SetSink wires the escalation sink after construction. The hub must be
// registered on the sink's notifier list before the sink exists, so the
// daemon builds the server first and injects the sink here.
func (s *Server) SetSink(sink *escalation.Sink) { s.sink = sink }

// SetPipeline wires the coordinator counters after construction.
func (s *Server) SetPipeline(p PipelineStats) { s.pipeline = p }

// Handler exposes the route tree for tests and embedding.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("review api listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(errors.ErrGateway, "review api server failed", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.Close()
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/incidents", s.requireToken(s.handleIncidents))
	mux.HandleFunc("/api/v1/escalations", s.requireToken(s.handleEscalations))
	mux.HandleFunc("/api/v1/escalations/", s.requireToken(s.handleEscalationByID))
	mux.HandleFunc("/api/v1/stats", s.requireToken(s.handleStats))
	mux.HandleFunc("/api/v1/ws", s.requireToken(s.hub.handleUpgrade))
	return mux
}

// requireToken checks the Authorization bearer token against the
// configured bcrypt hash. An empty hash disables auth, which is only
// sensible with the default loopback listen address.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APITokenHash == "" {
			next(w, r)
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, errors.New(errors.ErrAuth, "missing bearer token"))
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(s.cfg.APITokenHash), []byte(token)) != nil {
			writeError(w, errors.New(errors.ErrInvalidToken, "invalid bearer token"))
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
		"error": "method not allowed",
		"code":  string(errors.ErrInvalidInput),
	})
}

// writeError renders a structured error body with the HTTP status
// derived from the error code.
func writeError(w http.ResponseWriter, err error) {
	code := errors.GetCode(err)
	writeJSON(w, errors.ToHTTPStatus(code), map[string]string{
		"error": err.Error(),
		"code":  string(code),
	})
}
