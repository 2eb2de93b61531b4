package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apperrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/logger"
)

const maxBodyBytes = 4 << 20

// errorBody 是错误响应结构。
type errorBody struct {
	Code     apperrors.Code    `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 按错误码注册的 HTTP 状态码输出错误。
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := apperrors.AttributesOf(code).Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if status >= 500 {
		logger.Named("api").Error("请求处理失败", "path", r.URL.Path, "method", r.Method, "code", code, "error", err)
	}
	writeJSON(w, status, map[string]errorBody{"error": {
		Code:     code,
		Message:  err.Error(),
		Metadata: apperrors.MetadataOf(err),
	}})
}

// decode 解析请求体，空请求体视为零值。
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperrors.Wrap(apperrors.CodeInvalidArgument, err, "请求体解析失败")
}
