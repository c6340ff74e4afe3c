package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/vitos/ethpulse/internal/domain"
)

const maxRunsLimit = 500

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	latest := s.latest
	s.mu.RUnlock()
	if latest != nil && s.timeNow().Sub(latest.Time) < signalMaxAge {
		s.writeJSON(w, http.StatusOK, latest)
		return
	}

	if s.signal == nil {
		s.writeError(w, http.StatusServiceUnavailable, "signal evaluation is not configured")
		return
	}
	res, err := s.signal.Evaluate(r.Context())
	if err != nil {
		s.logger.Error("Failed to evaluate signal", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to evaluate signal")
		return
	}
	s.SetSignal(res)
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxRunsLimit {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list runs", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*domain.Run{}
	}
	s.writeJSON(w, http.StatusOK, runs)
}

// lookupRun answers 404 for unknown ids and reports whether the caller may
// continue.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*domain.Run, bool) {
	id := r.PathValue("id")
	run, err := s.runs.GetRun(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("Failed to get run", zap.String("id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return nil, false
	}
	return run, true
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if run, ok := s.lookupRun(w, r); ok {
		s.writeJSON(w, http.StatusOK, run)
	}
}

func (s *Server) handleRunTrades(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	trades, err := s.runs.ListRunTrades(r.Context(), run.ID)
	if err != nil {
		s.logger.Error("Failed to list trades", zap.String("id", run.ID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleRunEquity(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	equity, err := s.runs.ListRunEquity(r.Context(), run.ID)
	if err != nil {
		s.logger.Error("Failed to list equity", zap.String("id", run.ID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list equity")
		return
	}
	if equity == nil {
		equity = []domain.EquityPoint{}
	}
	s.writeJSON(w, http.StatusOK, equity)
}
