// Package tier defines subscription tiers and the catalog used to resolve a
// user's effective quota limits.
package tier

import "context"

// Name identifies a subscription level.
type Name string

// Built-in tiers, cheapest first.
const (
	Freemium     Name = "freemium"
	Starter      Name = "starter"
	Professional Name = "professional"
	Enterprise   Name = "enterprise"
)

// Unlimited marks a quota field with no cap.
const Unlimited = -1

// Definition captures the quota fields and feature flags of one tier. Values
// are immutable once loaded; callers receive copies.
type Definition struct {
	Name                 Name    `json:"name"`
	DisplayName          string  `json:"display_name"`
	AuditsPerMonth       int     `json:"audits_per_month"`
	MaxPagesPerAudit     int     `json:"max_pages_per_audit"`
	MaxExternalLinks     int     `json:"max_external_links"`
	HasAPIAccess         bool    `json:"has_api_access"`
	CanAccessFullReports bool    `json:"can_access_full_reports"`
	PriceMonthly         float64 `json:"price_monthly"`
}

// Catalog resolves the effective tier for a user. The bool reports whether
// the lookup fell back to freemium defaults, either because the caller is
// anonymous or because a backend read failed (admission fails open rather
// than hard-failing on a transient metadata read).
type Catalog interface {
	Resolve(ctx context.Context, userID *string) (Definition, bool)
}

// Defaults returns the built-in tier table.
func Defaults() map[Name]Definition {
	return map[Name]Definition{
		Freemium: {
			Name:             Freemium,
			DisplayName:      "Freemium",
			AuditsPerMonth:   1,
			MaxPagesPerAudit: 25,
			MaxExternalLinks: 10,
		},
		Starter: {
			Name:                 Starter,
			DisplayName:          "Starter",
			AuditsPerMonth:       10,
			MaxPagesPerAudit:     100,
			MaxExternalLinks:     50,
			CanAccessFullReports: true,
			PriceMonthly:         9.99,
		},
		Professional: {
			Name:                 Professional,
			DisplayName:          "Professional",
			AuditsPerMonth:       50,
			MaxPagesPerAudit:     500,
			MaxExternalLinks:     200,
			HasAPIAccess:         true,
			CanAccessFullReports: true,
			PriceMonthly:         29.99,
		},
		Enterprise: {
			Name:                 Enterprise,
			DisplayName:          "Enterprise",
			AuditsPerMonth:       Unlimited,
			MaxPagesPerAudit:     Unlimited,
			MaxExternalLinks:     Unlimited,
			HasAPIAccess:         true,
			CanAccessFullReports: true,
			PriceMonthly:         99.99,
		},
	}
}

// FreemiumDefaults returns the tier applied to anonymous callers and used as
// the fail-open fallback.
func FreemiumDefaults() Definition {
	return Defaults()[Freemium]
}
