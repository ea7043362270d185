/*
errors.go - Error taxonomy for the lifecycle engine

PURPOSE:
  All error types in one place. Sweeps use them to decide whether a record
  was skipped or failed; the API layer maps them to status codes.

ERROR CATEGORIES:
  1. NotFoundError - commission or affiliate does not exist
  2. InvalidStateError - a transition precondition does not hold
  3. PersistenceError - the store failed (network, constraint, ...)
  4. PolicyResolutionWarning - no hold period row matched (non-fatal)

USAGE:
  if commission.IsInvalidState(err) {
      // already moved on, nothing to do
  }

SEE ALSO:
  - transitions.go: Returns these errors
  - api/handlers.go: Maps them to HTTP statuses
*/
package commission

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound = errors.New("not found")

	ErrInvalidState = errors.New("invalid state for transition")

	ErrPersistence = errors.New("persistence failure")

	// ErrConcurrentModification is returned when a version compare-and-swap fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrPolicyResolution marks a trust level re-derivation with no matching row.
	ErrPolicyResolution = errors.New("no matching hold period config")

	// ErrSweepInProgress is returned by Run when another sweep holds the lock.
	ErrSweepInProgress = errors.New("lifecycle sweep already in progress")

	// ErrSweepLockLost stops a run whose lease expired before it was refreshed.
	ErrSweepLockLost = errors.New("lifecycle sweep lock lost")

	ErrInvalidInput = errors.New("invalid input")

	// ErrAlreadyExists is returned when a commission for the same booking is recorded twice.
	ErrAlreadyExists = errors.New("already exists")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "commission", "affiliate"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidStateError describes a rejected transition.
type InvalidStateError struct {
	CommissionID string
	Transition   string
	Status       Status
	Reason       string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s commission %s in status %s: %s",
		e.Transition, e.CommissionID, e.Status, e.Reason)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// PersistenceError wraps a store failure with the operation that failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// PolicyResolutionWarning is non-fatal: the trust level is left unchanged.
type PolicyResolutionWarning struct {
	AffiliateID string
	Category    Category
	TrustScore  float64
}

func (w *PolicyResolutionWarning) Error() string {
	return fmt.Sprintf("no hold period config matches affiliate %s (category %s, score %.1f)",
		w.AffiliateID, w.Category, w.TrustScore)
}

func (w *PolicyResolutionWarning) Unwrap() error { return ErrPolicyResolution }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

// IsRetryable returns true if the next sweep may succeed where this one failed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrPersistence)
}

// wrapStore turns a raw store error into a PersistenceError, leaving domain
// errors untouched.
func wrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) || IsInvalidState(err) || errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrAlreadyExists) {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
