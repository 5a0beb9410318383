package tools

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
)

// recoveryAction determines how an MCP operation failure is handled.
type recoveryAction int

const (
	// noRetry: the error is not recoverable (bad request, timeout, protocol).
	noRetry recoveryAction = iota
	// retryNewSession: transport failure; recreate the session and retry once.
	retryNewSession
)

// classifyError decides whether a failed MCP call warrants session recovery.
func classifyError(err error) recoveryAction {
	if err == nil {
		return noRetry
	}

	// Context errors: the budget is spent
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return noRetry
	}

	// Network errors: timeouts could be a slow tool, don't retry; connection
	// failures mean the session is dead.
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return noRetry
		}
		return retryNewSession
	}
	if isConnectionError(err) {
		return retryNewSession
	}

	// JSON-RPC protocol errors and everything else: not safe to retry
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
