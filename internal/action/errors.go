package action

import (
	"errors"
	"fmt"
)

// Sentinel errors for the orchestration layer. Callers classify failures
// with errors.Is and react per class: permission and validation errors
// surface to the agent loop, concurrency conflicts are normal skips, and
// webhook rejections stay intentionally generic.
var (
	ErrPermissionDenied    = errors.New("permission denied")
	ErrApprovalRequired    = errors.New("approval required")
	ErrApprovalDenied      = errors.New("approval denied")
	ErrNotFound            = errors.New("not found")
	ErrLimitExceeded       = errors.New("limit exceeded")
	ErrValidationFailed    = errors.New("validation failed")
	ErrTimeout             = errors.New("timed out")
	ErrConcurrencyConflict = errors.New("lost claim race")
	ErrSignatureInvalid    = errors.New("invalid signature")
)

// PermissionDeniedf wraps ErrPermissionDenied with a human-readable reason.
func PermissionDeniedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermissionDenied, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound with the missing resource description.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// ValidationFailedf wraps ErrValidationFailed with the malformed-input detail.
func ValidationFailedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidationFailed, fmt.Sprintf(format, args...))
}
