/*
projection.go - Balance and point derivation

PURPOSE:
  Computes (balance, points) as the fold-left of an account's entries.
  This is the central calculation that answers "what does this account
  hold?". The persisted projection cache exists for cheap reads only;
  Project always folds the ledger, and Recompute replaces the cache
  with a full replay.

KEY INSIGHT:
  The cache can drift (a buggy caller, a crashed process between schema
  changes). The ledger cannot. Recompute is the repair path for ANY
  drift: replay, overwrite, done. No guessing what the counter "should"
  have been.

NO CLAMPING:
  If a replayed point total is negative, that is what Project returns.
  Non-negativity is a policy enforced at entry-creation time by the
  gateway, never patched up here.

SEE ALSO:
  - gateway.go: Writes the cache on every commit
  - badges/: Evaluated from the recomputed state
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/warp/wallet-engine/badges"
)

// =============================================================================
// PROJECTOR - Fold the ledger; maintain the repairable cache
// =============================================================================

type Projector struct {
	Store  Store
	Badges *badges.Evaluator
}

func NewProjector(store Store, ev *badges.Evaluator) *Projector {
	return &Projector{Store: store, Badges: ev}
}

// Project folds all committed entries for the account. An account with
// no entries projects to zero balance, zero points.
func (p *Projector) Project(ctx context.Context, accountID AccountID) (Projection, error) {
	entries, err := p.Store.Entries(ctx, accountID)
	if err != nil {
		return Projection{}, err
	}
	return Fold(accountID, entries), nil
}

// Fold reduces entries into a projection. Exposed so the gateway can
// fold a slice it already holds inside a transaction.
func Fold(accountID AccountID, entries []LedgerEntry) Projection {
	proj := Projection{AccountID: accountID, Balance: decimal.Zero}
	for _, e := range entries {
		proj = proj.Apply(e)
	}
	return proj
}

// Recompute replays the account's ledger and REPLACES the cached
// projection (balance, points, badges) with the result. Returns the
// fresh projection. This is the repair path for any cache drift.
func (p *Projector) Recompute(ctx context.Context, accountID AccountID) (Projection, error) {
	proj, err := p.Project(ctx, accountID)
	if err != nil {
		return Projection{}, err
	}

	rec := ProjectionRecord{
		AccountID: accountID,
		Balance:   proj.Balance,
		Points:    proj.Points,
		Badges:    p.Badges.Evaluate(proj.Balance, proj.Points),
		UpdatedAt: time.Now().UTC(),
	}
	if err := p.Store.SaveProjection(ctx, rec); err != nil {
		return Projection{}, err
	}
	return proj, nil
}

// RecomputeAll replays every known account with bounded parallelism.
// Used by the repair sweep (cmd: recompute). Accounts are independent,
// so no cross-account coordination is needed.
func (p *Projector) RecomputeAll(ctx context.Context, parallelism int) error {
	if parallelism < 1 {
		parallelism = 1
	}
	accounts, err := p.Store.Accounts(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, id := range accounts {
		id := id
		g.Go(func() error {
			if _, err := p.Recompute(ctx, id); err != nil {
				return fmt.Errorf("recompute %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Cached returns the stored projection record without touching the
// ledger. May lag the ledger; nil if the account has never been
// projected. Readers that need the authoritative value use Project.
func (p *Projector) Cached(ctx context.Context, accountID AccountID) (*ProjectionRecord, error) {
	return p.Store.Projection(ctx, accountID)
}
