// Package costcontrol implements per-user budget accounting and pricing.
//
// DESIGN: Every priced operation (text tokens, image generations, transcription
// minutes) is converted to money by PriceSchedule and charged against a per-user
// Ledger. Charging is two-phase: CheckAndReserve books an estimate before the
// backend is called, Settle/Adjust reconciles it to the measured cost once the
// backend has finished. Money is decimal.Decimal throughout.
package costcontrol

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Period is the window over which a user's spend accumulates.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
	// PeriodAllTime never rolls over.
	PeriodAllTime Period = "all-time"
)

// ParsePeriod accepts daily, monthly and all-time (or its alias unlimited).
func ParsePeriod(s string) (Period, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily":
		return PeriodDaily, nil
	case "", "monthly":
		return PeriodMonthly, nil
	case "all-time", "unlimited":
		return PeriodAllTime, nil
	}
	return "", fmt.Errorf("unknown budget period %q (want daily, monthly or all-time)", s)
}

// OpKind classifies a priced operation.
type OpKind string

const (
	OpText          OpKind = "text"
	OpImage         OpKind = "image"
	OpTranscription OpKind = "transcription"
)

// =============================================================================
// CONFIG
// =============================================================================

// BudgetConfig holds budget settings.
type BudgetConfig struct {
	Period      string      `yaml:"period"`       // daily | monthly | all-time
	UserBudgets UserBudgets `yaml:"user_budgets"` // "*" or a map of user id to amount
	GuestBudget float64     `yaml:"guest_budget"` // Limit for users not in user_budgets
	Timezone    string      `yaml:"timezone"`     // Period boundaries are computed in this zone
}

// Validate checks budget configuration.
func (c *BudgetConfig) Validate() error {
	if _, err := ParsePeriod(c.Period); err != nil {
		return fmt.Errorf("budget.period: %w", err)
	}
	if c.GuestBudget < 0 {
		return fmt.Errorf("budget.guest_budget must be >= 0, got %f", c.GuestBudget)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("budget.timezone: %w", err)
	}
	for user, raw := range c.UserBudgets.Limits {
		if _, err := parseLimit(raw); err != nil {
			return fmt.Errorf("budget.user_budgets[%s]: %w", user, err)
		}
	}
	return nil
}

// Location resolves the configured time zone. Empty or "Local" is the process zone.
func (c *BudgetConfig) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Policy builds the limit policy. Admins are never limited.
func (c *BudgetConfig) Policy(adminIDs []string) (LimitPolicy, error) {
	p := LimitPolicy{
		admins:  make(map[string]struct{}, len(adminIDs)),
		all:     c.UserBudgets.All,
		perUser: make(map[string]Limit, len(c.UserBudgets.Limits)),
		guest:   LimitOf(decimal.NewFromFloat(c.GuestBudget)),
	}
	for _, id := range adminIDs {
		p.admins[id] = struct{}{}
	}
	for user, raw := range c.UserBudgets.Limits {
		l, err := parseLimit(raw)
		if err != nil {
			return LimitPolicy{}, fmt.Errorf("user %s: %w", user, err)
		}
		p.perUser[user] = l
	}
	return p, nil
}

// UserBudgets is either the wildcard "*" (every user unlimited) or a mapping
// from user id to a limit, where a limit is a number or "*".
type UserBudgets struct {
	All    bool
	Limits map[string]string
}

// UnmarshalYAML accepts "*", a mapping, or the legacy "id:amount,id:amount" string.
func (u *UserBudgets) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(node.Value)
		if raw == "*" {
			*u = UserBudgets{All: true}
			return nil
		}
		*u = UserBudgets{Limits: map[string]string{}}
		if raw == "" {
			return nil
		}
		for _, pair := range strings.Split(raw, ",") {
			user, amount, ok := strings.Cut(strings.TrimSpace(pair), ":")
			if !ok {
				return fmt.Errorf("user_budgets entry %q: want id:amount", pair)
			}
			u.Limits[strings.TrimSpace(user)] = strings.TrimSpace(amount)
		}
		return nil
	case yaml.MappingNode:
		var m map[string]string
		if err := node.Decode(&m); err != nil {
			return fmt.Errorf("user_budgets: %w", err)
		}
		*u = UserBudgets{Limits: m}
		return nil
	}
	return fmt.Errorf("user_budgets: unsupported YAML node at line %d", node.Line)
}

// PricingConfig holds unit prices.
type PricingConfig struct {
	TokenPrice         float64   `yaml:"token_price"`         // Per text token
	ImagePrices        []float64 `yaml:"image_prices"`        // Per image, indexed by resolution tier
	TranscriptionPrice float64   `yaml:"transcription_price"` // Per audio minute
}

// Validate checks pricing configuration.
func (c *PricingConfig) Validate() error {
	if c.TokenPrice < 0 {
		return fmt.Errorf("pricing.token_price must be >= 0, got %f", c.TokenPrice)
	}
	if c.TranscriptionPrice < 0 {
		return fmt.Errorf("pricing.transcription_price must be >= 0, got %f", c.TranscriptionPrice)
	}
	for i, p := range c.ImagePrices {
		if p < 0 {
			return fmt.Errorf("pricing.image_prices[%d] must be >= 0, got %f", i, p)
		}
	}
	return nil
}

// =============================================================================
// LIMITS
// =============================================================================

// Limit is a spending limit; the zero value is a zero limit, not unlimited.
type Limit struct {
	Unlimited bool
	Amount    decimal.Decimal
}

// NoLimit returns the unlimited sentinel.
func NoLimit() Limit { return Limit{Unlimited: true} }

// LimitOf returns a finite limit.
func LimitOf(amount decimal.Decimal) Limit { return Limit{Amount: amount} }

func (l Limit) String() string {
	if l.Unlimited {
		return "unlimited"
	}
	return l.Amount.StringFixed(2)
}

func parseLimit(raw string) (Limit, error) {
	raw = strings.TrimSpace(raw)
	if raw == "*" {
		return NoLimit(), nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return Limit{}, fmt.Errorf("invalid budget %q", raw)
	}
	if d.IsNegative() {
		return Limit{}, fmt.Errorf("budget must be >= 0, got %s", raw)
	}
	return LimitOf(d), nil
}

// LimitPolicy resolves the limit that applies to a user.
type LimitPolicy struct {
	admins  map[string]struct{}
	all     bool
	perUser map[string]Limit
	guest   Limit
}

// NewLimitPolicy builds a policy directly (mainly for tests and embedding).
func NewLimitPolicy(guest Limit, perUser map[string]Limit, adminIDs ...string) LimitPolicy {
	p := LimitPolicy{admins: map[string]struct{}{}, perUser: map[string]Limit{}, guest: guest}
	for k, v := range perUser {
		p.perUser[k] = v
	}
	for _, id := range adminIDs {
		p.admins[id] = struct{}{}
	}
	return p
}

// LimitFor returns the user's limit, falling back to the guest limit.
func (p LimitPolicy) LimitFor(userID string) Limit {
	if _, ok := p.admins[userID]; ok {
		return NoLimit()
	}
	if p.all {
		return NoLimit()
	}
	if l, ok := p.perUser[userID]; ok {
		return l
	}
	return p.guest
}

// =============================================================================
// LEDGER TYPES
// =============================================================================

// Reservation is an optimistic charge booked before the true cost is known.
type Reservation struct {
	UserID      string
	Kind        OpKind
	Amount      decimal.Decimal
	PeriodStart time.Time
}

// BudgetCheckResult holds the result of CheckAndReserve.
type BudgetCheckResult struct {
	Allowed     bool
	Limit       Limit
	Spent       decimal.Decimal // After the reservation when allowed
	Remaining   decimal.Decimal // Zero when unlimited; check Limit.Unlimited
	Reservation Reservation     // Zero value when not allowed
}

// UserBudget is the mutable per-user accounting record.
type UserBudget struct {
	UserID      string
	Spent       decimal.Decimal
	PeriodStart time.Time
	Requests    map[OpKind]int
	LastUpdated time.Time
}

// UsageSnapshot is a read-only copy of a user's budget.
type UsageSnapshot struct {
	UserID      string
	Limit       Limit
	Spent       decimal.Decimal
	Remaining   decimal.Decimal
	PeriodStart time.Time
	Requests    map[OpKind]int
	LastUpdated time.Time
}
