package rest

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/clusterd/cfgsync/internal/artifact"
	"github.com/clusterd/cfgsync/internal/metrics"
	"github.com/clusterd/cfgsync/internal/ratelimit"
	"github.com/clusterd/cfgsync/internal/storage"
	"github.com/clusterd/cfgsync/internal/syncer"
	"github.com/clusterd/cfgsync/internal/transport"
)

// BackupSource lists and looks up stored revisions of a config file
type BackupSource interface {
	Backups(kind artifact.Kind) ([]storage.Backup, error)
	Backup(kind artifact.Kind, savedAt time.Time) (*storage.Backup, error)
}

// Server provides the peer and admin REST API
type Server struct {
	syncer  *syncer.Syncer
	backups BackupSource
	limiter *ratelimit.Limiter
	router  *chi.Mux
}

// NewServer creates a new REST server. backups and limiter may be nil.
func NewServer(s *syncer.Syncer, backups BackupSource, limiter *ratelimit.Limiter) *Server {
	if limiter == nil {
		limiter = ratelimit.NewLimiter(0, 0)
	}

	srv := &Server{
		syncer:  s,
		backups: backups,
		limiter: limiter,
		router:  chi.NewRouter(),
	}

	srv.setupRoutes()
	return srv
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	// Peer exchange
	s.router.Route("/v1/sync/configs", func(r chi.Router) {
		r.Get("/", s.getConfigs)
		r.With(s.rateLimit).Post("/", s.receiveConfigs)
	})

	// Admin
	s.router.Get("/v1/sync/status", s.status)
	s.router.Post("/v1/sync/run", s.runSync)
	s.router.Get("/v1/sync/backups/{kind}", s.listBackups)
	s.router.Post("/v1/sync/backups/{kind}/restore", s.restoreBackup)
	s.router.Post("/v1/peers", s.addPeers)
	s.registerControlRoutes(s.router)

	s.router.Get("/healthz", s.health)
	s.router.Handle("/metrics", promhttp.Handler())
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// AddPeersRequest is the body of POST /v1/peers
type AddPeersRequest struct {
	Peers []transport.PeerPayload `json:"peers"`
	// Defer queues the peers for the next sync cycle instead of
	// registering them right away
	Defer bool `json:"defer,omitempty"`
}

// AddPeersResponse reports the registry revision holding new peers
type AddPeersResponse struct {
	Version     int64  `json:"version,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Queued      int    `json:"queued,omitempty"`
}

// RestoreRequest is the body of POST /v1/sync/backups/{kind}/restore
type RestoreRequest struct {
	SavedAt time.Time `json:"saved_at"`
}

// RestoreResponse describes the revision created from a backup
type RestoreResponse struct {
	Name        string `json:"name"`
	Version     int64  `json:"version"`
	Fingerprint string `json:"fingerprint"`
}

// Handlers
func (s *Server) getConfigs(w http.ResponseWriter, r *http.Request) {
	kinds := artifact.AllKinds()
	if names := r.URL.Query()["kind"]; len(names) > 0 {
		kinds = make([]artifact.Kind, 0, len(names))
		for _, name := range names {
			kind, err := artifact.ParseKind(name)
			if err != nil {
				respondError(w, http.StatusBadRequest, err.Error())
				return
			}
			kinds = append(kinds, kind)
		}
	}

	configs, err := s.syncer.LocalConfigs(kinds)
	if err != nil {
		log.Error().Err(err).Msg("failed to load local configs")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, transport.ConfigsResponse{
		NodeID:  s.syncer.NodeID(),
		Configs: transport.EncodeConfigs(configs),
	})
}

func (s *Server) receiveConfigs(w http.ResponseWriter, r *http.Request) {
	var req transport.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	results := make(map[string]transport.PushResult, len(req.Configs))
	for name, text := range req.Configs {
		results[name] = s.receiveOne(req.NodeID, name, text)
	}

	respondJSON(w, http.StatusOK, transport.PushResponse{Results: results})
}

func (s *Server) receiveOne(from, name, text string) transport.PushResult {
	kind, err := artifact.ParseKind(name)
	if err != nil {
		log.Warn().Str("from", from).Str("name", name).Msg("ignoring push of unknown config")
		return transport.PushError
	}

	a, err := artifact.New(kind, text)
	if err != nil {
		log.Warn().Err(err).Str("from", from).Str("kind", name).Msg("ignoring unparsable pushed config")
		metrics.PushesReceivedTotal.WithLabelValues(name, string(transport.PushError)).Inc()
		return transport.PushError
	}

	result, err := s.syncer.ReceivePush(a)
	if err != nil {
		log.Error().Err(err).Str("from", from).Str("kind", name).Msg("failed to store pushed config")
		return transport.PushError
	}
	return result
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.syncer.Status())
}

func (s *Server) runSync(w http.ResponseWriter, r *http.Request) {
	report, err := s.syncer.RunOnce(r.Context())
	if err != nil {
		log.Warn().Err(err).Str("cycle", report.ID).Msg("manual sync cycle finished with errors")
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) listBackups(w http.ResponseWriter, r *http.Request) {
	kind, err := artifact.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if s.backups == nil {
		respondError(w, http.StatusNotFound, storage.ErrNoBackups.Error())
		return
	}

	backups, err := s.backups.Backups(kind)
	if err != nil {
		if errors.Is(err, storage.ErrNoBackups) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		log.Error().Err(err).Str("kind", kind.Name()).Msg("failed to list backups")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if backups == nil {
		backups = []storage.Backup{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"kind":    kind.Name(),
		"backups": backups,
	})
}

func (s *Server) restoreBackup(w http.ResponseWriter, r *http.Request) {
	kind, err := artifact.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if s.backups == nil {
		respondError(w, http.StatusNotFound, storage.ErrNoBackups.Error())
		return
	}

	var req RestoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SavedAt.IsZero() {
		respondError(w, http.StatusBadRequest, "saved_at is required")
		return
	}

	backup, err := s.backups.Backup(kind, req.SavedAt)
	if err != nil {
		if errors.Is(err, storage.ErrNoBackups) || errors.Is(err, storage.ErrBackupNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		log.Error().Err(err).Str("kind", kind.Name()).Msg("failed to read backup")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	restored, err := s.syncer.Restore(r.Context(), kind, backup.Text)
	if err != nil && restored == nil {
		log.Error().Err(err).Str("kind", kind.Name()).Msg("failed to restore backup")
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("kind", kind.Name()).Msg("restored backup without reaching every node")
	}

	respondJSON(w, http.StatusOK, RestoreResponse{
		Name:        kind.Name(),
		Version:     restored.Version(),
		Fingerprint: restored.Fingerprint(),
	})
}

func (s *Server) addPeers(w http.ResponseWriter, r *http.Request) {
	var req AddPeersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Peers) == 0 {
		respondError(w, http.StatusBadRequest, "no peers given")
		return
	}

	fresh := make([]artifact.PeerRecord, 0, len(req.Peers))
	for _, p := range req.Peers {
		if p.Name == "" {
			respondError(w, http.StatusBadRequest, "peer name is required")
			return
		}
		fresh = append(fresh, p.Record())
	}

	if req.Defer {
		if err := s.syncer.QueuePeers(fresh); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondJSON(w, http.StatusAccepted, AddPeersResponse{Queued: s.syncer.PendingPeers()})
		return
	}

	updated, err := s.syncer.AddPeers(r.Context(), fresh)
	if err != nil && updated == nil {
		log.Error().Err(err).Msg("failed to register peers")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err != nil {
		// saved locally, other nodes catch up on their next cycle
		log.Warn().Err(err).Msg("registered peers without reaching every node")
	}

	respondJSON(w, http.StatusOK, AddPeersResponse{
		Version:     updated.Version(),
		Fingerprint: updated.Fingerprint(),
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// rateLimit throttles peer exchange per calling node
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		node := r.Header.Get(transport.NodeHeader)
		if node == "" {
			node = remoteHost(r)
		}

		if !s.limiter.Allow(node) {
			metrics.RateLimitRejections.WithLabelValues(node).Inc()
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// decodeValue reads an optional {"value": ...} body
func decodeValue(r *http.Request) (transport.ValueRequest, error) {
	var req transport.ValueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, err
	}
	return req, nil
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
