package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrDuplicateEvent - duplicate event detected (ignore silently in interactive, ignore silently in background)
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrPermissionDenied - permission denied (show message in interactive, fail job in background)
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidInput - invalid input (show validation error in interactive, fail job in background)
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound - resource not found (show error in interactive, fail job in background)
	ErrNotFound = errors.New("not found")

	// ErrConflict - conflict (queue/retry deterministically in interactive, retry with backoff in background)
	ErrConflict = errors.New("conflict")

	// ErrTransient - transient error (show retry hint in interactive, retry with backoff in background)
	ErrTransient = errors.New("transient error")

	// ErrCorrelationFailed - permission request could not be matched to a recorded tool call
	ErrCorrelationFailed = errors.New("correlation failed")

	// ErrAlreadyResolved - a verdict was already delivered for this tool call
	ErrAlreadyResolved = errors.New("already resolved")

	// ErrDecisionPending - a permission request for this tool call is already suspended
	ErrDecisionPending = errors.New("decision pending")

	// ErrMalformedEnvelope - agent stream envelope failed to decode
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrQueueFull - agent input queue is at capacity
	ErrQueueFull = errors.New("queue full")

	// ErrSessionLocked - session is being processed by another worker
	ErrSessionLocked = errors.New("session locked")

	// ErrInternal - internal error (generic message + trace id in interactive, retry once then fail in background)
	ErrInternal = errors.New("internal error")
)
