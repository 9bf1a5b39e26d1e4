package booksync

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for the booksync package.
var (
	// ErrClosed is returned when operations are attempted on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrStopped is returned when sync operations are attempted on a stopped
	// orchestrator.
	ErrStopped = errors.New("sync engine is stopped")

	// ErrAlreadyRunning is returned when Start is called on a running
	// orchestrator.
	ErrAlreadyRunning = errors.New("sync engine is already running")

	// ErrOffline is returned when a cycle is requested while the central
	// store is unreachable.
	ErrOffline = errors.New("central store is offline")

	// ErrCursorRegression is returned when a cursor save would move the
	// watermark backwards.
	ErrCursorRegression = errors.New("sync cursor would regress")

	// ErrLockTimeout is returned when the entity-table lock could not be
	// acquired within the bounded wait.
	ErrLockTimeout = errors.New("entity table lock wait timed out")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
)

// SyncErrorKind categorizes sync failures per the engine's error taxonomy.
type SyncErrorKind int

const (
	// SyncErrorUnknown is an unclassified failure.
	SyncErrorUnknown SyncErrorKind = iota
	// SyncErrorTransient indicates a network-level failure (timeout,
	// connection refused, 5xx) that is retried with backoff.
	SyncErrorTransient
	// SyncErrorTerminal indicates a business-rule rejection (4xx) that is
	// never retried and surfaces as a dead-letter entry.
	SyncErrorTerminal
	// SyncErrorStorage indicates a local store failure; fatal to the current
	// cycle, retried on the next scheduled cycle.
	SyncErrorStorage
)

// SyncError wraps a failure with its taxonomy classification and the entity
// context needed to act on it.
type SyncError struct {
	Kind       SyncErrorKind
	EntityType string
	EntityID   string
	Message    string
	Cause      error
}

func (e *SyncError) Error() string {
	if e.EntityType != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s/%s]: %v", e.Message, e.EntityType, e.EntityID, e.Cause)
		}
		return fmt.Sprintf("%s [%s/%s]", e.Message, e.EntityType, e.EntityID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the error should go through backoff.
func (e *SyncError) Retryable() bool {
	return e.Kind == SyncErrorTransient || e.Kind == SyncErrorStorage
}

func newSyncError(kind SyncErrorKind, message string, cause error) *SyncError {
	return &SyncError{Kind: kind, Message: message, Cause: cause}
}

// IsRetryable classifies an untyped transport error as transient. Typed
// results from the central client carry their own classification; this
// heuristic only covers errors that arrive from below the HTTP layer.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// Timeouts count as retryable failures.
		return true
	}

	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable()
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"no such host",
		"broken pipe",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
