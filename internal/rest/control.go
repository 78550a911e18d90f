package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/clusterd/cfgsync/internal/metrics"
)

// registerControlRoutes registers the sync control routes
func (s *Server) registerControlRoutes(r chi.Router) {
	r.Route("/v1/sync/control", func(r chi.Router) {
		r.Get("/", s.getControl)
		r.Post("/pause", s.pause)
		r.Post("/resume", s.resume)
		r.Post("/enable", s.enable)
		r.Post("/disable", s.disable)
		r.Put("/interval", s.setInterval)
		r.Put("/backups", s.setBackups)
	})
}

func (s *Server) getControl(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.syncer.Control().State())
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	req, err := decodeValue(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.mutateControl(w, "pause", func() error {
		return s.syncer.Control().Pause(s.syncer.ControlLock(), req.RawValue())
	})
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	s.mutateControl(w, "resume", func() error {
		return s.syncer.Control().Resume(s.syncer.ControlLock())
	})
}

func (s *Server) enable(w http.ResponseWriter, r *http.Request) {
	s.mutateControl(w, "enable", func() error {
		return s.syncer.Control().Enable(s.syncer.ControlLock())
	})
}

func (s *Server) disable(w http.ResponseWriter, r *http.Request) {
	s.mutateControl(w, "disable", func() error {
		return s.syncer.Control().Disable(s.syncer.ControlLock())
	})
}

func (s *Server) setInterval(w http.ResponseWriter, r *http.Request) {
	req, err := decodeValue(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.mutateControl(w, "set_interval", func() error {
		return s.syncer.Control().SetPollInterval(s.syncer.ControlLock(), req.RawValue())
	})
}

func (s *Server) setBackups(w http.ResponseWriter, r *http.Request) {
	req, err := decodeValue(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.mutateControl(w, "set_backups", func() error {
		return s.syncer.Control().SetBackupCount(s.syncer.ControlLock(), req.RawValue())
	})
}

func (s *Server) mutateControl(w http.ResponseWriter, action string, mutate func() error) {
	if err := mutate(); err != nil {
		log.Error().Err(err).Str("action", action).Msg("failed to update sync control")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctl := s.syncer.Control()
	state := ctl.State()
	allowed := 0.0
	if ctl.IsAllowed() {
		allowed = 1
	}
	metrics.SyncAllowed.Set(allowed)
	metrics.PollIntervalSeconds.Set(float64(state.PollInterval))

	log.Info().
		Str("action", action).
		Bool("disabled", state.Disabled).
		Int("poll_interval", state.PollInterval).
		Int("backup_count", state.BackupCount).
		Msg("sync control updated")

	// a changed interval or lifted pause applies right away
	s.syncer.Trigger()

	respondJSON(w, http.StatusOK, state)
}
