package models

import (
	"errors"
	"fmt"
)

// Cross-cutting failure classes. Buses, the gate, and the pipeline wrap these
// sentinels so callers can classify with errors.Is without depending on the
// producing package.
var (
	// ErrProhibited marks a wisdom request whose declared capability falls in
	// the prohibited set. No provider registration can override it.
	ErrProhibited = errors.New("capability prohibited")

	// ErrCreditDenied marks an interaction refused for insufficient credit.
	ErrCreditDenied = errors.New("credit denied")

	// ErrConsentBlocked marks an interaction refused by the subject's consent
	// stream.
	ErrConsentBlocked = errors.New("consent blocked")

	// ErrTimeout marks a bus call that exceeded its deadline. The pipeline
	// treats it as a handler failure, not a crash.
	ErrTimeout = errors.New("call timed out")

	// ErrCircuitOpen marks a call refused because no provider with a closed or
	// probing circuit was available for the capability.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrBudgetExhausted marks a thought that hit the round cap; it coerces
	// the action to DEFER.
	ErrBudgetExhausted = errors.New("round budget exhausted")

	// ErrFatal marks an invariant violation that requires orderly shutdown,
	// such as a corrupt audit chain or a duplicate terminal transition.
	ErrFatal = errors.New("fatal invariant violation")
)

// HandlerError is a handler failure with a stable code for audit entries and
// API responses.
type HandlerError struct {
	Code    string
	Message string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler failed (%s): %s", e.Code, e.Message)
}

// NewHandlerError creates a coded handler failure.
func NewHandlerError(code, message string) error {
	return &HandlerError{Code: code, Message: message}
}

// HandlerErrorCode extracts the code from a handler failure, or "" when err is
// not one.
func HandlerErrorCode(err error) string {
	var he *HandlerError
	if errors.As(err, &he) {
		return he.Code
	}
	return ""
}
