/*
ledger.go - Append-only entry log

PURPOSE:
  The Ledger is the immutable source of truth for all balance and point
  changes. Every expense, income, and reversal is recorded here. Balance
  and points are always computed by replaying entries - any stored
  counter is a cache that can be rebuilt.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, entries cannot be modified
  3. AUDITABLE: Every balance change is traceable with full context
  4. IDEMPOTENT: Same idempotency key = same entry (no duplicates)

CORRECTIONS:
  A mistake is never edited. Instead:
  1. Create a reversal entry (negated amount, negated point delta)
  2. Both original and reversal remain in the ledger
  3. Net effect is the correction, history is preserved

EXAMPLE FLOW:
  1. Salary recorded:  +1500.00, 0 points
  2. Groceries:          -82.50, +82 points
  3. Oops, duplicate:    +82.50, -82 points (reversal of #2)

  Ledger fold: 1500.00 - 82.50 + 82.50 = 1500.00, 0 points

SEE ALSO:
  - store.go: Low-level persistence interface
  - gateway.go: The mutation entry point that drives Append
*/
package ledger

import "context"

// =============================================================================
// LEDGER - Append-only entry log over a Store
// =============================================================================

// Ledger validates and appends entries, and serves ordered reads.
// It performs structural validation only; policy checks (overdraft,
// negative points) belong to the gateway, which sees the folded state.
type Ledger struct {
	Store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{Store: store}
}

// Append validates and persists one entry.
//
// Rejects with a ValidationError when:
//   - the amount is zero (entries must move the balance)
//   - the account ID or category is empty
//   - Supersedes references an entry of a DIFFERENT account
//
// Non-finite amounts cannot be represented by decimal.Decimal, so they
// are rejected at the parsing boundary before an entry is ever built.
func (l *Ledger) Append(ctx context.Context, e LedgerEntry) error {
	if e.AccountID == "" {
		return &ValidationError{Field: "account_id", Reason: "must not be empty"}
	}
	if e.Amount.IsZero() {
		return &ValidationError{Field: "amount", Reason: "must not be zero"}
	}
	if e.Category == "" {
		return &ValidationError{Field: "category", Reason: "must not be empty"}
	}
	if e.Supersedes != "" {
		orig, err := l.Store.Entry(ctx, e.Supersedes)
		if err != nil {
			return err
		}
		if orig.AccountID != e.AccountID {
			return &ValidationError{
				Field:  "supersedes",
				Reason: "references an entry belonging to a different account",
			}
		}
	}
	return l.Store.Append(ctx, e)
}

// EntriesFor returns all committed entries for an account in creation
// order. A fresh read each call; restartable, never a live stream.
func (l *Ledger) EntriesFor(ctx context.Context, accountID AccountID) ([]LedgerEntry, error) {
	return l.Store.Entries(ctx, accountID)
}
