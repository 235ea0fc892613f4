/*
Package config loads engine configuration from TOML.

PURPOSE:
  One file covers the HTTP server, the database path, the account
  policy flags, and the badge rule table. Defaults are compiled in so
  the engine runs with no file at all.

EXAMPLE (wallet.toml):

  [server]
  addr = ":8080"

  [database]
  path = "./data/wallet.db"

  [policy]
  allow_overdraft = false
  allow_negative_points = false
  expense_earns_points = true
  income_earns_points = false

  [[badge]]
  kind = "points"
  threshold = "100"
  badge = "Spender"

SEE ALSO:
  - cmd/server: Loads this at startup
  - badges/: Consumes the rule table
*/
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/warp/wallet-engine/badges"
	"github.com/warp/wallet-engine/ledger"
)

// =============================================================================
// CONFIG
// =============================================================================

type Config struct {
	Server   Server      `toml:"server"`
	Database Database    `toml:"database"`
	Policy   Policy      `toml:"policy"`
	Badge    []BadgeRule `toml:"badge"`
}

type Server struct {
	Addr            string   `toml:"addr"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

type Database struct {
	Path string `toml:"path"`
}

type Policy struct {
	AllowOverdraft      bool `toml:"allow_overdraft"`
	AllowNegativePoints bool `toml:"allow_negative_points"`
	ExpenseEarnsPoints  bool `toml:"expense_earns_points"`
	IncomeEarnsPoints   bool `toml:"income_earns_points"`
}

// BadgeRule is the TOML shape of one badge threshold. Threshold is a
// string so decimal values survive without float parsing.
type BadgeRule struct {
	Kind      string `toml:"kind"`
	Threshold string `toml:"threshold"`
	Badge     string `toml:"badge"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			ReadTimeout:     duration{15 * time.Second},
			WriteTimeout:    duration{15 * time.Second},
			ShutdownTimeout: duration{30 * time.Second},
		},
		Database: Database{Path: "wallet.db"},
		Policy: Policy{
			AllowOverdraft:      false,
			AllowNegativePoints: false,
			ExpenseEarnsPoints:  true,
			IncomeEarnsPoints:   false,
		},
	}
}

// Load reads path over the defaults. A missing file is not an error;
// the defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// AccountPolicy converts the policy section to the engine type.
func (c Config) AccountPolicy() ledger.AccountPolicy {
	return ledger.AccountPolicy{
		AllowOverdraft:      c.Policy.AllowOverdraft,
		AllowNegativePoints: c.Policy.AllowNegativePoints,
		ExpenseEarnsPoints:  c.Policy.ExpenseEarnsPoints,
		IncomeEarnsPoints:   c.Policy.IncomeEarnsPoints,
	}
}

// BadgeRules converts the [[badge]] tables to evaluator rules. An empty
// table means the built-in defaults.
func (c Config) BadgeRules() ([]badges.Rule, error) {
	if len(c.Badge) == 0 {
		return badges.DefaultRules(), nil
	}
	rules := make([]badges.Rule, 0, len(c.Badge))
	for _, b := range c.Badge {
		threshold, err := decimal.NewFromString(b.Threshold)
		if err != nil {
			return nil, fmt.Errorf("badge rule %q: bad threshold %q: %w", b.Badge, b.Threshold, err)
		}
		r := badges.Rule{
			Kind:      badges.Kind(b.Kind),
			Threshold: threshold,
			Badge:     badges.ID(b.Badge),
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}
