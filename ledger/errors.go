/*
errors.go - Centralized error taxonomy for the wallet engine

PURPOSE:
  All error types in one place. The gateway propagates these verbatim;
  the API boundary maps them to transport codes. Nothing in the core
  catches-and-downgrades, and nothing silently clamps state to "fix"
  an invariant violation.

ERROR CATEGORIES:
  1. Validation errors  - malformed input, rejected before any write
  2. Policy violations  - well-formed input the account policy forbids
  3. Concurrency errors - per-account serialization conflicts (retryable)
  4. Persistence errors - the store failed; surfaced, never swallowed

USAGE:
  if errors.Is(err, ledger.ErrInsufficientFunds) { ... }
  InsufficientFunds unwraps to ErrPolicyViolation as well, since it is
  a specific case of a policy violation that callers branch on.

SEE ALSO:
  - gateway.go: Produces most of these
  - api/handlers.go: Maps them to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of all malformed-input failures.
	ErrValidation = errors.New("validation failed")

	// ErrPolicyViolation is returned when well-formed input violates
	// account policy (e.g. a point delta that would drive points negative).
	ErrPolicyViolation = errors.New("policy violation")

	// ErrInsufficientFunds is returned when an entry would drive the
	// balance negative and the account policy disallows overdraft.
	// It is a specific case of ErrPolicyViolation and unwraps to it,
	// kept distinct because callers commonly branch on it.
	ErrInsufficientFunds = fmt.Errorf("insufficient funds: %w", ErrPolicyViolation)

	// ErrConcurrencyConflict is returned when per-account serialization
	// could not be acquired in time. Safe to retry with the SAME
	// idempotency key.
	ErrConcurrencyConflict = errors.New("concurrent mutation conflict")

	// ErrPersistenceFailure is returned when the store is unreachable or
	// a transaction could not be durably committed.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrEntryNotFound is returned when a referenced entry does not exist.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrAlreadyReversed is returned when reversing or amending an entry
	// that already has a compensating entry. A validation-class failure.
	ErrAlreadyReversed = fmt.Errorf("entry already reversed: %w", ErrValidation)

	// ErrDuplicateIdempotencyKey is a store-level signal that an
	// idempotency key was written twice. The gateway converts this into
	// an idempotent replay; callers should never see it.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientFundsError details an overdraft rejection.
type InsufficientFundsError struct {
	AccountID AccountID
	Available decimal.Decimal
	Requested decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: account %s has %s, requested %s (short %s)",
		e.AccountID, e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// PolicyViolationError details a non-overdraft policy rejection.
type PolicyViolationError struct {
	AccountID AccountID
	Rule      string
	Detail    string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation: %s: %s (account %s)", e.Rule, e.Detail, e.AccountID)
}

func (e *PolicyViolationError) Unwrap() error { return ErrPolicyViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is the caller's fault and
// should map to a 4xx-class response. Persistence failures are not
// client errors.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPolicyViolation) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrAlreadyReversed)
}

// IsRetryable returns true if retrying with the same idempotency key is
// safe and might succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsNotFound returns true if the error indicates a missing entry.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound)
}
