package api

import (
	"net/http"

	apperrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/plugin"
	"PluginRuntime/pkg/plugin/security"
)

// validateRequest 携带待校验的注册表条目与可选源码。
type validateRequest struct {
	Entry  plugin.RegistryEntry `json:"entry"`
	Source *string              `json:"source"`
}

type validateResponse struct {
	Valid     bool              `json:"valid"`
	Violation *plugin.Violation `json:"violation,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Entry.ID == "" && req.Entry.Metadata.ID == "" {
		writeError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "entry.id 不能为空"))
		return
	}
	var src []byte
	if req.Source != nil {
		src = []byte(*req.Source)
	}
	ok, err := s.runtime.ValidatePlugin(r.Context(), req.Entry, src)
	if err != nil && !plugin.IsValidationFailed(err) {
		writeError(w, r, err)
		return
	}
	resp := validateResponse{Valid: ok && err == nil}
	if err != nil {
		resp.Reason = err.Error()
		if v, found := security.ViolationOf(err); found {
			resp.Violation = &v
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.runtime.GetViolations(r.PathValue("id"))))
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.runtime.GetAuditTrail(r.PathValue("id"))))
}

func (s *Server) handleAssessment(w http.ResponseWriter, r *http.Request) {
	a, err := s.runtime.GetSecurityAssessment(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleQuarantineStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.GetQuarantineStatus(r.PathValue("id")))
}

type quarantineRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	var req quarantineRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual quarantine"
	}
	writeJSON(w, http.StatusOK, s.runtime.QuarantinePlugin(r.Context(), r.PathValue("id"), req.Reason))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.ReleaseQuarantine(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.SecurityPolicy())
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	policy := s.runtime.SecurityPolicy()
	if err := decode(r, &policy); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.runtime.UpdatePolicy(policy); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.runtime.SecurityPolicy())
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
