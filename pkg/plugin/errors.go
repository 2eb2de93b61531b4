package plugin

import apperrors "PluginRuntime/internal/errors"

const (
	CodeNotLoaded        apperrors.Code = "NOT_LOADED"
	CodeQuarantined      apperrors.Code = "QUARANTINED"
	CodeValidationFailed apperrors.Code = "VALIDATION_FAILED"
	CodeLoadFailure      apperrors.Code = "LOAD_FAILURE"
	CodeMethodNotFound   apperrors.Code = "METHOD_NOT_FOUND"
)

func init() {
	apperrors.Register(CodeNotLoaded, apperrors.Attributes{Message: "plugin not loaded", Severity: apperrors.SeverityInfo, Status: 404})
	apperrors.Register(CodeQuarantined, apperrors.Attributes{Message: "plugin is quarantined", Severity: apperrors.SeverityWarning, Status: 423})
	apperrors.Register(CodeValidationFailed, apperrors.Attributes{Message: "plugin failed security validation", Severity: apperrors.SeverityWarning, Alert: true, Status: 422})
	apperrors.Register(CodeLoadFailure, apperrors.Attributes{Message: "plugin could not be loaded", Severity: apperrors.SeverityWarning, Retryable: true, Status: 502})
	apperrors.Register(CodeMethodNotFound, apperrors.Attributes{Message: "method not found", Severity: apperrors.SeverityInfo, Status: 404})
}

// IsNotLoaded reports whether err means the plugin id has no live instance.
func IsNotLoaded(err error) bool { return apperrors.Is(err, CodeNotLoaded) }

// IsQuarantined reports whether err is a quarantine rejection.
func IsQuarantined(err error) bool { return apperrors.Is(err, CodeQuarantined) }

// IsValidationFailed reports whether err is a security validation rejection.
func IsValidationFailed(err error) bool { return apperrors.Is(err, CodeValidationFailed) }
