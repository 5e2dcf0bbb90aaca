package server

import (
	"io"
	"net/http"

	"knowledgehub/internal/logging"
	"knowledgehub/internal/settings"
)

// maxSettingsBody bounds the admin settings payload.
const maxSettingsBody = 64 * 1024

type settingsView struct {
	Effective settings.Abuse `json:"effective"`
	Defaults  settings.Abuse `json:"defaults"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, settingsView{
		Effective: s.settings.Current(r.Context()),
		Defaults:  s.settings.Defaults(),
	})
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSettingsBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := s.settings.Update(r.Context(), body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid settings payload")
		return
	}
	writeJSON(w, http.StatusOK, settingsView{
		Effective: s.settings.Current(r.Context()),
		Defaults:  s.settings.Defaults(),
	})
}

func (s *Server) handleResetSettings(w http.ResponseWriter, r *http.Request) {
	if err := s.settings.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusNotFound, "no clearable cache configured")
		return
	}
	removed, err := s.cache.Clear(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cache clear failed")
		return
	}
	logging.API("admin cleared %d cache entries", removed)
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (s *Server) handleFAQRefresh(w http.ResponseWriter, r *http.Request) {
	if s.faqRefresh == nil {
		writeError(w, http.StatusNotFound, "faq index not configured")
		return
	}
	filled, err := s.faqRefresh(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "faq refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"filled": filled})
}

func (s *Server) handleSpendSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ledger.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "spend state unavailable")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
