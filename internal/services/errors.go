package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrResolutionSkip = errors.New("resolution skip")
	ErrModuleFailed   = errors.New("module failed")
	ErrLockContention = errors.New("lock contention")
	ErrPortBind       = errors.New("port bind failed")
	ErrShuttingDown   = errors.New("server shutting down")
	ErrValidation     = errors.New("validation error")
	ErrConfiguration  = errors.New("configuration error")
	ErrNotFound       = errors.New("not found")
)

// ErrModuleTimeout and ErrArtifactPublish are both module failures.
var (
	ErrModuleTimeout   = fmt.Errorf("%w: timeout", ErrModuleFailed)
	ErrArtifactPublish = fmt.Errorf("%w: artifact publish failed", ErrModuleFailed)
)

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrModuleFailed
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// ErrorKind names the taxonomy bucket of err for logs and API payloads.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrModuleTimeout):
		return "MODULE_TIMEOUT"
	case errors.Is(err, ErrArtifactPublish):
		return "ARTIFACT_PUBLISH_FAILED"
	case errors.Is(err, ErrModuleFailed):
		return "MODULE_FAILED"
	case errors.Is(err, ErrLockContention):
		return "LOCK_CONTENTION"
	case errors.Is(err, ErrPortBind):
		return "PORT_BIND_FAILED"
	case errors.Is(err, ErrResolutionSkip):
		return "RESOLUTION_SKIP"
	case errors.Is(err, ErrShuttingDown):
		return "SHUTTING_DOWN"
	case errors.Is(err, ErrValidation):
		return "VALIDATION"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrConfiguration):
		return "CONFIGURATION"
	default:
		return "INTERNAL"
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
