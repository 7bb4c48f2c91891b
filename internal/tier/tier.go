// Package tier defines the ordinal subscription tiers that gate tool access
// and derive monthly credit grants.
//
// Tiers are strictly ordered: [Free] < [Plus] < [Pro] < [Ultra]. A tool whose
// minimum tier is Pro is invocable by Pro and Ultra users only. Comparison is
// plain integer ordering, so gating logic never needs a lookup table.
package tier

import "fmt"

// Tier is an ordinal subscription level.
type Tier int

const (
	// Free is the default tier for unpaid accounts.
	Free Tier = iota

	// Plus is the entry-level paid tier.
	Plus

	// Pro unlocks the expensive research and media tools.
	Pro

	// Ultra is the top tier; most Ultra accounts are also marked unlimited
	// in the credit ledger.
	Ultra
)

// String returns the lowercase wire name of the tier.
func (t Tier) String() string {
	switch t {
	case Free:
		return "free"
	case Plus:
		return "plus"
	case Pro:
		return "pro"
	case Ultra:
		return "ultra"
	default:
		return "unknown"
	}
}

// IsValid reports whether t is a recognised tier.
func (t Tier) IsValid() bool {
	return t >= Free && t <= Ultra
}

// AtLeast reports whether t satisfies the given minimum tier.
func (t Tier) AtLeast(min Tier) bool {
	return t >= min
}

// MonthlyGrantMinorUnits returns the monthly credit grant for the tier, in
// minor currency units. The ledger's calendar reset applies this value to
// non-unlimited accounts on the first of each month.
func (t Tier) MonthlyGrantMinorUnits() int64 {
	switch t {
	case Free:
		return 100
	case Plus:
		return 1_500
	case Pro:
		return 6_000
	case Ultra:
		return 25_000
	default:
		return 0
	}
}

// Parse converts a wire name ("free", "plus", "pro", "ultra") into a Tier.
func Parse(s string) (Tier, error) {
	switch s {
	case "free":
		return Free, nil
	case "plus":
		return Plus, nil
	case "pro":
		return Pro, nil
	case "ultra":
		return Ultra, nil
	default:
		return Free, fmt.Errorf("tier: unknown tier %q", s)
	}
}
