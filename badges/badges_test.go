package badges_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-engine/badges"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testEvaluator(t *testing.T) *badges.Evaluator {
	t.Helper()
	ev, err := badges.NewEvaluator([]badges.Rule{
		{Kind: badges.KindPoints, Threshold: dec("100"), Badge: "Spender"},
		{Kind: badges.KindPoints, Threshold: dec("500"), Badge: "Big Spender"},
		{Kind: badges.KindBalance, Threshold: dec("1000"), Badge: "Saver"},
	})
	require.NoError(t, err)
	return ev
}

// =============================================================================
// DETERMINISM AND PURITY
// =============================================================================

func TestEvaluate_Deterministic(t *testing.T) {
	// GIVEN: Fixed inputs
	// WHEN: Evaluating twice
	// THEN: Identical sets come back

	ev := testEvaluator(t)

	first := ev.Evaluate(dec("1500"), 600)
	second := ev.Evaluate(dec("1500"), 600)

	assert.Equal(t, first, second)
	assert.ElementsMatch(t, []badges.ID{"Spender", "Big Spender", "Saver"}, first)
}

func TestEvaluate_BelowAllThresholds(t *testing.T) {
	ev := testEvaluator(t)
	assert.Empty(t, ev.Evaluate(dec("0"), 0))
	assert.Empty(t, ev.Evaluate(dec("999.99"), 99))
}

func TestEvaluate_ExactThreshold(t *testing.T) {
	// Thresholds are inclusive: exactly 100 points earns Spender.
	ev := testEvaluator(t)
	assert.Equal(t, []badges.ID{"Spender"}, ev.Evaluate(dec("0"), 100))
}

// =============================================================================
// ADDITIVE RULES
// =============================================================================

func TestEvaluate_RulesAreAdditiveNotTiered(t *testing.T) {
	// GIVEN: An account qualifying for multiple thresholds
	// WHEN: Evaluating
	// THEN: ALL qualifying badges are held simultaneously

	ev := testEvaluator(t)

	earned := ev.Evaluate(dec("2000"), 500)
	assert.ElementsMatch(t, []badges.ID{"Spender", "Big Spender", "Saver"}, earned)
}

func TestEvaluate_MonotonicUnderGrowth(t *testing.T) {
	// GIVEN: A badge set at some (balance, points)
	// WHEN: Evaluating at strictly greater balance and points
	// THEN: No previously-held badge disappears

	ev := testEvaluator(t)

	smaller := ev.Evaluate(dec("1000"), 100)
	larger := ev.Evaluate(dec("5000"), 700)

	for _, b := range smaller {
		assert.Contains(t, larger, b, "growth must never remove badge %s", b)
	}
}

func TestEvaluate_NegativeBalance(t *testing.T) {
	// Overdrafted accounts still earn point badges.
	ev := testEvaluator(t)
	assert.Equal(t, []badges.ID{"Spender"}, ev.Evaluate(dec("-25"), 150))
}

// =============================================================================
// RULE VALIDATION
// =============================================================================

func TestNewEvaluator_RejectsUnknownKind(t *testing.T) {
	_, err := badges.NewEvaluator([]badges.Rule{
		{Kind: "streak", Threshold: dec("5"), Badge: "Weekly"},
	})
	assert.Error(t, err)
}

func TestNewEvaluator_RejectsEmptyBadge(t *testing.T) {
	_, err := badges.NewEvaluator([]badges.Rule{
		{Kind: badges.KindPoints, Threshold: dec("5"), Badge: ""},
	})
	assert.Error(t, err)
}

func TestEvaluate_DuplicateBadgeAcrossRules(t *testing.T) {
	// Two rules may award the same badge; the result set stays unique.
	ev, err := badges.NewEvaluator([]badges.Rule{
		{Kind: badges.KindPoints, Threshold: dec("10"), Badge: "Active"},
		{Kind: badges.KindBalance, Threshold: dec("10"), Badge: "Active"},
	})
	require.NoError(t, err)

	earned := ev.Evaluate(dec("50"), 50)
	assert.Equal(t, []badges.ID{"Active"}, earned)
}

func TestDefaultRules_Valid(t *testing.T) {
	_, err := badges.NewEvaluator(badges.DefaultRules())
	assert.NoError(t, err)
}
