package bus

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/services"
)

// retryClass determines how the call loop handles a provider failure.
type retryClass int

const (
	// noRetry: the error is deterministic or the deadline is gone; a retry
	// cannot help.
	noRetry retryClass = iota
	// retryTransient: connection-level failure; retry after backoff
	// (re-selection may land on another provider).
	retryTransient
)

// classifyCallError decides retryability for one bus call failure.
func classifyCallError(err error) retryClass {
	if err == nil {
		return noRetry
	}

	// Context and deadline errors: the budget is spent
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, models.ErrTimeout) {
		return noRetry
	}

	// Deterministic refusals: retrying reproduces them
	if errors.Is(err, models.ErrProhibited) ||
		errors.Is(err, models.ErrCircuitOpen) ||
		errors.Is(err, services.ErrManagedAttribute) ||
		services.IsValidationError(err) {
		return noRetry
	}

	// Network errors: non-timeout connection failures are worth one more try
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return noRetry
		}
		return retryTransient
	}
	if isConnectionError(err) {
		return retryTransient
	}

	// Unknown errors are not safe to retry
	return noRetry
}

// isConnectionError detects connection-level transport failures.
func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	msg := strings.ToLower(err.Error())
	connectionErrors := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"connection closed",
		"no such host",
	}
	for _, e := range connectionErrors {
		if strings.Contains(msg, e) {
			return true
		}
	}
	return false
}

// ErrorKind maps an error onto its taxonomy name for correlations, audit
// payloads, and API responses.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, models.ErrProhibited):
		return "prohibited"
	case errors.Is(err, models.ErrCreditDenied):
		return "credit_denied"
	case errors.Is(err, models.ErrConsentBlocked):
		return "consent_blocked"
	case errors.Is(err, models.ErrTimeout):
		return "timeout"
	case errors.Is(err, models.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, models.ErrBudgetExhausted):
		return "budget_exhausted"
	case errors.Is(err, models.ErrFatal):
		return "fatal"
	case errors.Is(err, services.ErrManagedAttribute):
		return "managed_attribute"
	case services.IsValidationError(err):
		return "validation"
	case models.HandlerErrorCode(err) != "":
		return "handler_failure"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
