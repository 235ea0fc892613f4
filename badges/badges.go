/*
Package badges evaluates badge awards from account state.

PURPOSE:
  A pure function from (balance, points) to the set of earned badge
  identifiers. The systems this engine replaces recomputed badges with
  five near-identical inline if-chains scattered across route handlers;
  here there is exactly one evaluator consumed everywhere a mutation
  commits.

EVALUATION MODEL:
  Rules are independent thresholds, not mutually exclusive tiers. An
  account that qualifies for three thresholds holds all three badges at
  once. Badges are recomputed from scratch on every mutation - never
  incrementally patched - so there is no drift to repair.

PURITY:
  Evaluate has no side effects, no I/O, and no hidden state. Calling it
  twice with the same inputs yields the same set. Because rules only
  compare with >=, evaluating with strictly greater balance and points
  never removes a badge.

SEE ALSO:
  - ledger/gateway.go: Evaluates after every commit
  - config/config.go: TOML surface for the rule table
*/
package badges

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RULES
// =============================================================================

// ID identifies an earned badge.
type ID string

// Kind selects which projected quantity a rule thresholds on.
type Kind string

const (
	KindPoints  Kind = "points"
	KindBalance Kind = "balance"
)

// Rule awards Badge when the selected quantity is >= Threshold.
type Rule struct {
	Kind      Kind
	Threshold decimal.Decimal
	Badge     ID
}

// Validate rejects rules the evaluator cannot apply.
func (r Rule) Validate() error {
	if r.Kind != KindPoints && r.Kind != KindBalance {
		return fmt.Errorf("badge rule %q: unknown kind %q", r.Badge, r.Kind)
	}
	if r.Badge == "" {
		return fmt.Errorf("badge rule: empty badge identifier")
	}
	return nil
}

// DefaultRules is the built-in rule table. Deployments override it via
// configuration.
func DefaultRules() []Rule {
	return []Rule{
		{Kind: KindPoints, Threshold: decimal.NewFromInt(100), Badge: "Spender"},
		{Kind: KindPoints, Threshold: decimal.NewFromInt(500), Badge: "Big Spender"},
		{Kind: KindPoints, Threshold: decimal.NewFromInt(2000), Badge: "Whale"},
		{Kind: KindBalance, Threshold: decimal.NewFromInt(1000), Badge: "Saver"},
		{Kind: KindBalance, Threshold: decimal.NewFromInt(10000), Badge: "Investor"},
	}
}

// =============================================================================
// EVALUATOR
// =============================================================================

// Evaluator holds a static, validated rule table.
type Evaluator struct {
	rules []Rule
}

// NewEvaluator copies and validates the rule table.
func NewEvaluator(rules []Rule) (*Evaluator, error) {
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	for _, r := range cp {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	return &Evaluator{rules: cp}, nil
}

// MustNewEvaluator panics on an invalid rule table. For use with the
// compiled-in defaults.
func MustNewEvaluator(rules []Rule) *Evaluator {
	e, err := NewEvaluator(rules)
	if err != nil {
		panic(err)
	}
	return e
}

// Evaluate returns the sorted, deduplicated set of badges earned by the
// given state. Pure and deterministic.
func (e *Evaluator) Evaluate(balance decimal.Decimal, points int64) []ID {
	pts := decimal.NewFromInt(points)
	seen := make(map[ID]bool)
	var earned []ID
	for _, r := range e.rules {
		var q decimal.Decimal
		switch r.Kind {
		case KindPoints:
			q = pts
		case KindBalance:
			q = balance
		}
		if q.GreaterThanOrEqual(r.Threshold) && !seen[r.Badge] {
			seen[r.Badge] = true
			earned = append(earned, r.Badge)
		}
	}
	sort.Slice(earned, func(i, j int) bool { return earned[i] < earned[j] })
	return earned
}

// Rules returns a copy of the rule table.
func (e *Evaluator) Rules() []Rule {
	cp := make([]Rule, len(e.rules))
	copy(cp, e.rules)
	return cp
}
