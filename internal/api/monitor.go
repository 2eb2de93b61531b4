package api

import (
	"net/http"

	apperrors "PluginRuntime/internal/errors"
)

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	m, err := s.runtime.GetPluginPerformance(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	m, err := s.runtime.CollectMetrics(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleStartMonitoring(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.StartMonitoring(r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStopMonitoring(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": s.runtime.StopMonitoring(r.PathValue("id"))})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.runtime.GetAlerts(r.PathValue("id"))))
}

type benchmarkRequest struct {
	Suite string `json:"suite"`
}

func (s *Server) handleBenchmark(w http.ResponseWriter, r *http.Request) {
	var req benchmarkRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	b, err := s.runtime.RunBenchmark(r.Context(), r.PathValue("id"), req.Suite)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	recs, err := s.runtime.GenerateRecommendations(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(recs))
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		writeError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "metric 参数不能为空"))
		return
	}
	report, err := s.runtime.PerformanceTrend(r.PathValue("id"), metric)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	baseline, comparison := q.Get("baseline"), q.Get("comparison")
	if baseline == "" || comparison == "" {
		writeError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "需要 baseline 与 comparison 参数"))
		return
	}
	c, err := s.runtime.ComparePerformance(baseline, comparison)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
