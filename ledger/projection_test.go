package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-engine/badges"
	"github.com/warp/wallet-engine/ledger"
	memstore "github.com/warp/wallet-engine/ledger/store"
)

func newTestProjector(t *testing.T) (*ledger.Projector, *memstore.TxMemory) {
	t.Helper()
	st := memstore.NewTxMemory()
	ev := badges.MustNewEvaluator(badges.DefaultRules())
	return ledger.NewProjector(st, ev), st
}

// =============================================================================
// FOLD CONSISTENCY
// =============================================================================

func TestProjector_Project_IsFoldOfLedger(t *testing.T) {
	// GIVEN: A mix of income, expense, and reversal entries
	// WHEN: Projecting
	// THEN: balance == sum(amount), points == sum(point_delta)

	proj, st := newTestProjector(t)
	ctx := context.Background()

	require.NoError(t, st.Append(ctx, entry("e1", "acc-1", "1500", 0)))
	require.NoError(t, st.Append(ctx, entry("e2", "acc-1", "-82.50", 82)))
	require.NoError(t, st.Append(ctx, entry("e3", "acc-1", "-17.25", 17)))
	rev := entry("e4", "acc-1", "82.50", -82)
	rev.Kind = ledger.KindReversal
	rev.Supersedes = "e2"
	require.NoError(t, st.Append(ctx, rev))

	p, err := proj.Project(ctx, "acc-1")
	require.NoError(t, err)

	assert.True(t, p.Balance.Equal(dec("1482.75")), "got %s", p.Balance)
	assert.Equal(t, int64(17), p.Points)
}

func TestProjector_Project_EmptyAccountIsZero(t *testing.T) {
	proj, _ := newTestProjector(t)

	p, err := proj.Project(context.Background(), "acc-empty")
	require.NoError(t, err)

	assert.True(t, p.Balance.IsZero())
	assert.Zero(t, p.Points)
}

func TestProjector_Project_NoNegativePointClamping(t *testing.T) {
	// The projector reports what the ledger says, even when that is
	// negative; non-negativity is the gateway's entry-time policy.
	proj, st := newTestProjector(t)
	ctx := context.Background()

	require.NoError(t, st.Append(ctx, entry("e1", "acc-1", "-10", -25)))

	p, err := proj.Project(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-25), p.Points)
}

// =============================================================================
// RECOMPUTE - The repair path
// =============================================================================

func TestProjector_Recompute_ReplacesDriftedCache(t *testing.T) {
	// GIVEN: A projection cache that disagrees with the ledger
	// WHEN: Recomputing
	// THEN: The cache equals the full replay, badges included

	proj, st := newTestProjector(t)
	ctx := context.Background()

	require.NoError(t, st.Append(ctx, entry("e1", "acc-1", "-150", 150)))

	// Simulate drift: a bogus cached value.
	require.NoError(t, st.SaveProjection(ctx, ledger.ProjectionRecord{
		AccountID: "acc-1",
		Balance:   dec("9999"),
		Points:    1,
		UpdatedAt: time.Now().UTC(),
	}))

	p, err := proj.Recompute(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, p.Balance.Equal(dec("-150")))
	assert.Equal(t, int64(150), p.Points)

	cached, err := proj.Cached(ctx, "acc-1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.True(t, cached.Balance.Equal(dec("-150")))
	assert.Equal(t, int64(150), cached.Points)
	assert.Contains(t, cached.Badges, badges.ID("Spender"))
}

func TestProjector_Cached_NilWhenNeverProjected(t *testing.T) {
	proj, _ := newTestProjector(t)

	rec, err := proj.Cached(context.Background(), "acc-unknown")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestProjector_RecomputeAll_CoversEveryAccount(t *testing.T) {
	// GIVEN: Entries across several accounts
	// WHEN: RecomputeAll runs with bounded parallelism
	// THEN: Every account ends with a cache matching its replay

	proj, st := newTestProjector(t)
	ctx := context.Background()

	require.NoError(t, st.Append(ctx, entry("e1", "acc-a", "100", 0)))
	require.NoError(t, st.Append(ctx, entry("e2", "acc-b", "-40", 40)))
	require.NoError(t, st.Append(ctx, entry("e3", "acc-c", "7", 0)))

	require.NoError(t, proj.RecomputeAll(ctx, 2))

	for id, want := range map[ledger.AccountID]string{
		"acc-a": "100",
		"acc-b": "-40",
		"acc-c": "7",
	} {
		cached, err := proj.Cached(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, cached, "account %s has no cache", id)
		assert.True(t, cached.Balance.Equal(dec(want)), "account %s: got %s", id, cached.Balance)
	}
}
