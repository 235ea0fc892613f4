/*
policy.go - Account policy flags

PURPOSE:
  Configuration that shapes what the gateway accepts. In the systems
  this engine replaces, these checks were duplicated inconsistently
  per-handler (one path checked overdraft, edit/delete paths did not).
  Here the policy is one value applied uniformly to every mutation,
  reversals included.

POLICY DECISIONS:
  - Overdraft: flag, not hardcoded. Disallowed -> InsufficientFunds
    whenever a committed entry would leave balance < 0.
  - Points: expenses earn floor(|amount|) points; income earns zero by
    default but can be enabled. Negative-resulting point totals are
    REJECTED at entry-creation time (PolicyViolation), never clamped
    after the fact.

SEE ALSO:
  - gateway.go: Applies the policy
  - config/config.go: TOML surface for these flags
*/
package ledger

// AccountPolicy configures the checks the gateway applies before
// committing an entry. The zero value is the strictest policy.
type AccountPolicy struct {
	// AllowOverdraft permits entries that leave the balance negative.
	AllowOverdraft bool

	// AllowNegativePoints permits entries that leave the point total
	// negative. Off by default: a reversal whose point delta would drive
	// points below zero is rejected with PolicyViolation rather than
	// silently clamped.
	AllowNegativePoints bool

	// ExpenseEarnsPoints grants floor(|amount|) points per expense.
	ExpenseEarnsPoints bool

	// IncomeEarnsPoints grants floor(amount) points per income entry.
	// Off by default.
	IncomeEarnsPoints bool
}

// DefaultPolicy matches the engine's documented defaults: no overdraft,
// non-negative points, expenses earn points, income does not.
func DefaultPolicy() AccountPolicy {
	return AccountPolicy{
		AllowOverdraft:      false,
		AllowNegativePoints: false,
		ExpenseEarnsPoints:  true,
		IncomeEarnsPoints:   false,
	}
}
