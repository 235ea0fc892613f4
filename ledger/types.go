/*
Package ledger provides the core wallet engine.

PURPOSE:
  This package contains the types and algorithms for idempotent
  balance/point mutation: an append-only ledger of signed entries per
  account, a projector that derives balance and points by folding the
  ledger, and a mutation gateway that is the single writer.

KEY CONCEPTS IN THIS FILE (types.go):
  - LedgerEntry: An immutable record of one balance-affecting event
  - Projection: Derived (balance, points) state for an account
  - MutationResult: What every gateway operation returns
  - Account/Entry IDs: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified, only reversed
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Derivation: Balance and points are ALWAYS the fold of the ledger;
     any stored counter is a cache, never the source of truth
  4. Auditability: Every entry carries category, kind, supersedes
     reference, and idempotency key

SEE ALSO:
  - ledger.go: Append validation and reads
  - projection.go: Balance/point derivation
  - gateway.go: The single mutation entry point
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/wallet-engine/badges"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type EntryID string

// Category tags an entry for reporting ("Food", "Salary", ...).
// The engine does not interpret categories beyond requiring them non-empty.
type Category string

// =============================================================================
// LEDGER ENTRY - Immutable record of one balance-affecting event
// =============================================================================

type EntryKind string

const (
	KindExpense  EntryKind = "expense"  // Negative amount, earns floor(|amount|) points by policy
	KindIncome   EntryKind = "income"   // Positive amount, zero points by default policy
	KindReversal EntryKind = "reversal" // Compensating entry; negates a prior entry exactly
)

// LedgerEntry is one committed change to an account's balance and points.
//
// INVARIANTS:
//   - Never mutated or deleted after commit
//   - Amount is signed: positive credit, negative debit, never zero
//   - Supersedes is set only on corrections (reversals) and always
//     references an entry of the SAME account
type LedgerEntry struct {
	ID         EntryID
	AccountID  AccountID
	Amount     decimal.Decimal // signed
	Category   Category
	PointDelta int64 // may be zero or negative (reversals)
	Kind       EntryKind
	Supersedes EntryID // empty unless this entry corrects a prior one

	IdempotencyKey string
	CreatedAt      time.Time
}

// IsCorrection reports whether this entry compensates a prior entry.
func (e LedgerEntry) IsCorrection() bool { return e.Supersedes != "" }

// =============================================================================
// PROJECTION - Derived state, never authoritative
// =============================================================================

// Projection is the fold of an account's ledger: the answer to
// "what is the balance and point total right now?".
type Projection struct {
	AccountID AccountID
	Balance   decimal.Decimal
	Points    int64
}

// Apply folds one entry into the projection.
func (p Projection) Apply(e LedgerEntry) Projection {
	return Projection{
		AccountID: p.AccountID,
		Balance:   p.Balance.Add(e.Amount),
		Points:    p.Points + e.PointDelta,
	}
}

// ProjectionRecord is the persisted cache of a Projection plus the badge
// set evaluated from it. It is repaired by Projector.Recompute; readers
// must treat it as eventually consistent.
type ProjectionRecord struct {
	AccountID AccountID
	Balance   decimal.Decimal
	Points    int64
	Badges    []badges.ID
	UpdatedAt time.Time
}

// =============================================================================
// MUTATION RESULT - Returned by every gateway operation
// =============================================================================

// MutationResult is the committed outcome of a gateway operation.
// On an idempotent replay, Replayed is true and the remaining fields are
// the result computed by the ORIGINAL call, not the current state.
type MutationResult struct {
	Entry    LedgerEntry
	Balance  decimal.Decimal
	Points   int64
	Badges   []badges.ID
	Replayed bool
}

// =============================================================================
// IDEMPOTENCY RECORD - (account, key) -> committed result
// =============================================================================

// IdempotencyRecord persists the outcome of a mutation so a retried call
// with the same key returns the original result without a second entry.
// Written in the same transaction as the entry itself.
type IdempotencyRecord struct {
	AccountID AccountID
	Key       string
	EntryID   EntryID
	Balance   decimal.Decimal
	Points    int64
	Badges    []badges.ID
	CreatedAt time.Time
}
