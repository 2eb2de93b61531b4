package api

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"PluginRuntime/internal/auth"
	apperrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/logger"
	"PluginRuntime/pkg/plugin"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"plugins": len(s.runtime.GetLoadedPlugins()),
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil || s.auth.Mode() == auth.ModeDisabled {
		writeError(w, r, apperrors.New(apperrors.CodeNotFound, "认证未启用"))
		return
	}
	var req auth.TokenRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	pair, err := s.auth.Authenticate(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, pair)
	case errors.Is(err, auth.ErrUnsupportedGrant):
		writeError(w, r, apperrors.Wrap(apperrors.CodeInvalidArgument, err, "不支持的授权类型"))
	case errors.Is(err, auth.ErrSubjectRevoked):
		writeError(w, r, apperrors.Wrap(apperrors.CodeForbidden, err, "账号已停用"))
	default:
		logger.Audit().Warn("token_denied", "user", req.Username, "grant_type", req.GrantType, "error", err.Error())
		writeError(w, r, apperrors.Wrap(apperrors.CodeUnauthorized, err, "认证失败"))
	}
}

func snapshots(instances []*plugin.Instance) []plugin.InstanceSnapshot {
	out := make([]plugin.InstanceSnapshot, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst.Snapshot())
	}
	slices.SortFunc(out, func(a, b plugin.InstanceSnapshot) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (s *Server) handleListPlugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, snapshots(s.runtime.GetLoadedPlugins()))
}

// loadRequest 以注册表 id 或完整条目加载插件。
type loadRequest struct {
	ID    string                `json:"id"`
	Entry *plugin.RegistryEntry `json:"entry"`
}

func (s *Server) handleLoadPlugin(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	var (
		inst *plugin.Instance
		err  error
	)
	switch {
	case req.Entry != nil:
		inst, err = s.runtime.LoadPlugin(r.Context(), *req.Entry)
	case req.ID != "":
		inst, err = s.runtime.LoadByID(r.Context(), req.ID)
	default:
		err = apperrors.New(apperrors.CodeInvalidArgument, "需要提供 id 或 entry")
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst.Snapshot())
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inst, ok := s.runtime.GetPlugin(id)
	if !ok {
		writeError(w, r, notLoaded(id))
		return
	}
	writeJSON(w, http.StatusOK, inst.Snapshot())
}

func (s *Server) handleUnloadPlugin(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.UnloadPlugin(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReloadPlugin(w http.ResponseWriter, r *http.Request) {
	inst, err := s.runtime.ReloadPlugin(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst.Snapshot())
}

type executeRequest struct {
	Args []any `json:"args"`
}

type executeResponse struct {
	Result any `json:"result"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.runtime.ExecutePluginMethod(r.Context(), r.PathValue("id"), r.PathValue("method"), req.Args)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{Result: out})
}

type hotReloadState struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleHotReloadStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, hotReloadState{Enabled: s.runtime.HotReloadEnabled()})
}

func (s *Server) handleHotReloadToggle(w http.ResponseWriter, r *http.Request) {
	var req hotReloadState
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Enabled {
		if err := s.runtime.EnableHotReload(); err != nil {
			writeError(w, r, err)
			return
		}
	} else {
		s.runtime.DisableHotReload()
	}
	writeJSON(w, http.StatusOK, hotReloadState{Enabled: s.runtime.HotReloadEnabled()})
}

func notLoaded(id string) error {
	return apperrors.New(plugin.CodeNotLoaded, "plugin "+id+" is not loaded", apperrors.WithMetadata("plugin", id))
}
