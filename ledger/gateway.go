/*
gateway.go - The single mutation entry point

PURPOSE:
  Every balance-changing operation (expense, income, reverse, amend)
  flows through the Gateway. It is the only writer, and it preserves
  the one invariant the whole engine hangs on:

      balance == fold(ledger), under concurrent and retried requests.

REQUEST STATE MACHINE:
  RECEIVED -> VALIDATED -> (IDEMPOTENT_HIT -> RETURNED)
                         | (LEDGER_APPENDED -> PROJECTED
                            -> BADGES_EVALUATED -> COMMITTED)

  Any failure before COMMITTED leaves zero persisted side effects: the
  entry, the idempotency record, and the projection cache are written
  inside ONE store transaction.

IDEMPOTENCY:
  Every mutation carries a caller-supplied key. The (account, key) ->
  result mapping commits atomically with the entry, so a retried call
  returns the ORIGINAL result without creating a second entry. This is
  what makes "the network retried my POST" harmless.

CONCURRENCY:
  Mutations for the same account serialize on an in-process per-account
  lock (the store's transaction provides atomicity; the lock provides
  the read-check-append ordering). Lock acquisition honors context
  cancellation and fails with ConcurrencyConflict, which is safe to
  retry with the same key. Cross-account mutations do not contend.

POLICY:
  Overdraft and point-negativity checks apply to the COMMITTED state of
  every mutation, reversals and amends included. Intermediate states
  inside an amend (reverse + re-record in one transaction) are never
  visible and are not policy-checked individually.

SEE ALSO:
  - ledger.go: Structural validation of entries
  - projection.go: The fold and the repair path
  - errors.go: The taxonomy this gateway produces
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/wallet-engine/badges"
)

// DefaultTxTimeout bounds each mutation transaction.
const DefaultTxTimeout = 5 * time.Second

// =============================================================================
// GATEWAY
// =============================================================================

type Gateway struct {
	store  TxStore
	badges *badges.Evaluator
	policy AccountPolicy

	// Timeout bounds the whole mutation (lock wait + transaction).
	// On expiry the transaction rolls back entirely.
	Timeout time.Duration

	mu    sync.Mutex
	locks map[AccountID]chan struct{}

	now   func() time.Time
	newID func() EntryID
}

func NewGateway(store TxStore, ev *badges.Evaluator, policy AccountPolicy) *Gateway {
	return &Gateway{
		store:   store,
		badges:  ev,
		policy:  policy,
		Timeout: DefaultTxTimeout,
		locks:   make(map[AccountID]chan struct{}),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() EntryID { return EntryID(uuid.NewString()) },
	}
}

// Policy returns the policy this gateway enforces.
func (g *Gateway) Policy() AccountPolicy { return g.policy }

// =============================================================================
// OPERATIONS
// =============================================================================

// RecordExpense debits the account. Point delta is floor(amount) when
// the policy grants expense points.
func (g *Gateway) RecordExpense(ctx context.Context, accountID AccountID, amount decimal.Decimal, category Category, idempotencyKey string) (MutationResult, error) {
	if !amount.IsPositive() {
		return MutationResult{}, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	var pts int64
	if g.policy.ExpenseEarnsPoints {
		pts = amount.Floor().IntPart()
	}
	return g.mutate(ctx, accountID, idempotencyKey, func(ctx context.Context, s Store) ([]LedgerEntry, error) {
		return []LedgerEntry{{
			ID:             g.newID(),
			AccountID:      accountID,
			Amount:         amount.Neg(),
			Category:       category,
			PointDelta:     pts,
			Kind:           KindExpense,
			IdempotencyKey: idempotencyKey,
			CreatedAt:      g.now(),
		}}, nil
	})
}

// RecordIncome credits the account. No point delta unless the policy
// enables income points.
func (g *Gateway) RecordIncome(ctx context.Context, accountID AccountID, amount decimal.Decimal, category Category, idempotencyKey string) (MutationResult, error) {
	if !amount.IsPositive() {
		return MutationResult{}, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	var pts int64
	if g.policy.IncomeEarnsPoints {
		pts = amount.Floor().IntPart()
	}
	return g.mutate(ctx, accountID, idempotencyKey, func(ctx context.Context, s Store) ([]LedgerEntry, error) {
		return []LedgerEntry{{
			ID:             g.newID(),
			AccountID:      accountID,
			Amount:         amount,
			Category:       category,
			PointDelta:     pts,
			Kind:           KindIncome,
			IdempotencyKey: idempotencyKey,
			CreatedAt:      g.now(),
		}}, nil
	})
}

// Reverse appends a compensating entry: negated amount, negated point
// delta, same category, Supersedes set. The original is untouched.
// Reversals of reversals are rejected, as is double-reversing.
func (g *Gateway) Reverse(ctx context.Context, entryID EntryID, idempotencyKey string) (MutationResult, error) {
	orig, err := g.store.Entry(ctx, entryID)
	if err != nil {
		return MutationResult{}, err
	}
	return g.mutate(ctx, orig.AccountID, idempotencyKey, func(ctx context.Context, s Store) ([]LedgerEntry, error) {
		orig, err := g.reversible(ctx, s, entryID)
		if err != nil {
			return nil, err
		}
		return []LedgerEntry{g.compensating(orig, idempotencyKey)}, nil
	})
}

// Amend replaces an entry's amount and category. Strictly reverse plus
// a fresh record of the original kind, in ONE transaction under ONE
// idempotency key. Never an in-place field mutation.
func (g *Gateway) Amend(ctx context.Context, entryID EntryID, newAmount decimal.Decimal, newCategory Category, idempotencyKey string) (MutationResult, error) {
	if !newAmount.IsPositive() {
		return MutationResult{}, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	orig, err := g.store.Entry(ctx, entryID)
	if err != nil {
		return MutationResult{}, err
	}
	return g.mutate(ctx, orig.AccountID, idempotencyKey, func(ctx context.Context, s Store) ([]LedgerEntry, error) {
		orig, err := g.reversible(ctx, s, entryID)
		if err != nil {
			return nil, err
		}

		fresh := LedgerEntry{
			ID:             g.newID(),
			AccountID:      orig.AccountID,
			Category:       newCategory,
			Kind:           orig.Kind,
			IdempotencyKey: idempotencyKey,
			CreatedAt:      g.now(),
		}
		switch orig.Kind {
		case KindExpense:
			fresh.Amount = newAmount.Neg()
			if g.policy.ExpenseEarnsPoints {
				fresh.PointDelta = newAmount.Floor().IntPart()
			}
		case KindIncome:
			fresh.Amount = newAmount
			if g.policy.IncomeEarnsPoints {
				fresh.PointDelta = newAmount.Floor().IntPart()
			}
		}

		return []LedgerEntry{g.compensating(orig, idempotencyKey), fresh}, nil
	})
}

// =============================================================================
// MUTATION CORE
// =============================================================================

// buildFn constructs the entries a mutation appends. It runs inside the
// store transaction, so reads through s observe a consistent snapshot.
type buildFn func(ctx context.Context, s Store) ([]LedgerEntry, error)

func (g *Gateway) mutate(ctx context.Context, accountID AccountID, key string, build buildFn) (MutationResult, error) {
	if key == "" {
		return MutationResult{}, &ValidationError{Field: "idempotency_key", Reason: "must not be empty"}
	}
	if accountID == "" {
		return MutationResult{}, &ValidationError{Field: "account_id", Reason: "must not be empty"}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout())
	defer cancel()

	unlock, err := g.lock(ctx, accountID)
	if err != nil {
		return MutationResult{}, err
	}
	defer unlock()

	// IDEMPOTENT_HIT: the key was committed by a previous call. Return
	// the stored result; do not touch the ledger.
	if rec, err := g.store.LookupKey(ctx, accountID, key); err != nil {
		return MutationResult{}, g.classify(err)
	} else if rec != nil {
		entry, err := g.store.Entry(ctx, rec.EntryID)
		if err != nil {
			return MutationResult{}, g.classify(err)
		}
		return MutationResult{
			Entry:    entry,
			Balance:  rec.Balance,
			Points:   rec.Points,
			Badges:   rec.Badges,
			Replayed: true,
		}, nil
	}

	var result MutationResult
	err = g.store.WithTx(ctx, func(s Store) error {
		entries, err := build(ctx, s)
		if err != nil {
			return err
		}

		existing, err := s.Entries(ctx, accountID)
		if err != nil {
			return err
		}
		pre := Fold(accountID, existing)

		// PROJECTED: policy applies to the post-commit state.
		post := pre
		for _, e := range entries {
			post = post.Apply(e)
		}
		if err := g.checkPolicy(accountID, pre, post); err != nil {
			return err
		}

		// LEDGER_APPENDED
		led := &Ledger{Store: s}
		for _, e := range entries {
			if err := led.Append(ctx, e); err != nil {
				return err
			}
		}

		// BADGES_EVALUATED
		badgeSet := g.badges.Evaluate(post.Balance, post.Points)
		now := g.now()
		last := entries[len(entries)-1]

		if err := s.SaveKey(ctx, IdempotencyRecord{
			AccountID: accountID,
			Key:       key,
			EntryID:   last.ID,
			Balance:   post.Balance,
			Points:    post.Points,
			Badges:    badgeSet,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		if err := s.SaveProjection(ctx, ProjectionRecord{
			AccountID: accountID,
			Balance:   post.Balance,
			Points:    post.Points,
			Badges:    badgeSet,
			UpdatedAt: now,
		}); err != nil {
			return err
		}

		result = MutationResult{
			Entry:   last,
			Balance: post.Balance,
			Points:  post.Points,
			Badges:  badgeSet,
		}
		return nil
	})
	if err != nil {
		// Nothing committed; the transaction rolled back.
		return MutationResult{}, g.classify(err)
	}

	// COMMITTED
	return result, nil
}

// checkPolicy rejects mutations whose committed state would violate the
// account policy. No clamping: the mutation fails, state is untouched.
func (g *Gateway) checkPolicy(accountID AccountID, pre, post Projection) error {
	if !g.policy.AllowOverdraft && post.Balance.IsNegative() {
		return &InsufficientFundsError{
			AccountID: accountID,
			Available: pre.Balance,
			Requested: pre.Balance.Sub(post.Balance),
			Shortfall: post.Balance.Abs(),
		}
	}
	if !g.policy.AllowNegativePoints && post.Points < 0 {
		return &PolicyViolationError{
			AccountID: accountID,
			Rule:      "non_negative_points",
			Detail:    fmt.Sprintf("point total would become %d", post.Points),
		}
	}
	return nil
}

// reversible loads an entry and checks it can still be compensated.
// Runs inside the transaction so the already-reversed check cannot race
// with a concurrent reversal.
func (g *Gateway) reversible(ctx context.Context, s Store, entryID EntryID) (LedgerEntry, error) {
	orig, err := s.Entry(ctx, entryID)
	if err != nil {
		return LedgerEntry{}, err
	}
	if orig.Kind == KindReversal {
		return LedgerEntry{}, &ValidationError{Field: "entry_id", Reason: "cannot reverse a reversal"}
	}
	reversed, err := s.HasReversal(ctx, entryID)
	if err != nil {
		return LedgerEntry{}, err
	}
	if reversed {
		return LedgerEntry{}, fmt.Errorf("entry %s: %w", entryID, ErrAlreadyReversed)
	}
	return orig, nil
}

// compensating builds the exact negation of an entry.
func (g *Gateway) compensating(orig LedgerEntry, key string) LedgerEntry {
	return LedgerEntry{
		ID:             g.newID(),
		AccountID:      orig.AccountID,
		Amount:         orig.Amount.Neg(),
		Category:       orig.Category,
		PointDelta:     -orig.PointDelta,
		Kind:           KindReversal,
		Supersedes:     orig.ID,
		IdempotencyKey: key,
		CreatedAt:      g.now(),
	}
}

// =============================================================================
// PER-ACCOUNT SERIALIZATION
// =============================================================================

func (g *Gateway) lock(ctx context.Context, id AccountID) (func(), error) {
	g.mu.Lock()
	ch, ok := g.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		g.locks[id] = ch
	}
	g.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("account %s: lock not acquired: %w", id, ErrConcurrencyConflict)
	}
}

func (g *Gateway) timeout() time.Duration {
	if g.Timeout > 0 {
		return g.Timeout
	}
	return DefaultTxTimeout
}

// classify maps non-domain failures onto the taxonomy. Domain errors
// pass through verbatim; context expiry becomes a retryable conflict;
// anything else is a persistence failure.
func (g *Gateway) classify(err error) error {
	switch {
	case IsClientError(err), IsRetryable(err):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("mutation aborted before commit: %w", ErrConcurrencyConflict)
	case errors.Is(err, ErrDuplicateIdempotencyKey):
		// Another writer committed this key between our lookup and commit.
		// Retrying with the same key will hit the idempotent-replay path.
		return fmt.Errorf("%v: %w", err, ErrConcurrencyConflict)
	case errors.Is(err, ErrPersistenceFailure):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
}
