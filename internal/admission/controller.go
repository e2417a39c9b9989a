// Package admission decides whether a requested audit may begin, based on the
// caller's tier and current monthly usage.
package admission

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/tier"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/usage"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed         bool      `json:"allowed"`
	Tier            tier.Name `json:"tier"`
	Reason          string    `json:"reason,omitempty"`
	UpgradeRequired bool      `json:"upgrade_required,omitempty"`
	// RemainingAudits is -1 for unlimited tiers and nil for anonymous
	// callers, who have no ledger.
	RemainingAudits *int `json:"remaining_audits,omitempty"`
	// TierFallback reports that the tier lookup fell back to freemium
	// defaults, for operational visibility.
	TierFallback bool `json:"-"`
}

// Controller evaluates admission against the tier catalog and usage ledger.
// It is a pure decision function: it reads the ledger but never writes it, so
// retried requests cannot double-charge.
type Controller struct {
	catalog tier.Catalog
	ledger  usage.Ledger
	logger  *zap.Logger
}

// New constructs a Controller.
func New(catalog tier.Catalog, ledger usage.Ledger, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{catalog: catalog, ledger: ledger, logger: logger}
}

// Evaluate decides whether the requested audit is admitted. Denials are
// checked in a fixed order: page limit, external link limit, monthly audit
// limit. The first match wins.
func (c *Controller) Evaluate(ctx context.Context, userID *string, requestedPages, requestedExternalLinks int) Decision {
	def, fellBack := c.catalog.Resolve(ctx, userID)
	if fellBack && userID != nil {
		c.logger.Warn("tier lookup fell back to freemium defaults", zap.String("user_id", *userID))
	}

	if def.MaxPagesPerAudit != tier.Unlimited && requestedPages > def.MaxPagesPerAudit {
		return c.deny(def, fellBack, fmt.Sprintf(
			"Page limit exceeded (%d requested, %d allowed on %s)",
			requestedPages, def.MaxPagesPerAudit, def.DisplayName))
	}
	if def.MaxExternalLinks != tier.Unlimited && requestedExternalLinks > def.MaxExternalLinks {
		return c.deny(def, fellBack, fmt.Sprintf(
			"External link limit exceeded (%d requested, %d allowed on %s)",
			requestedExternalLinks, def.MaxExternalLinks, def.DisplayName))
	}

	auditsUsed := 0
	if userID != nil && *userID != "" {
		rec, err := c.ledger.CurrentUsage(ctx, *userID)
		if err != nil {
			// A transient ledger read must not hard-fail admission.
			c.logger.Warn("usage read failed, admitting with zero usage",
				zap.String("user_id", *userID), zap.Error(err))
		} else {
			auditsUsed = rec.AuditsUsed
		}
	}
	if def.AuditsPerMonth != tier.Unlimited && auditsUsed >= def.AuditsPerMonth {
		return c.deny(def, fellBack, fmt.Sprintf(
			"Monthly audit limit exceeded (%d of %d used on %s)",
			auditsUsed, def.AuditsPerMonth, def.DisplayName))
	}

	dec := Decision{Allowed: true, Tier: def.Name, TierFallback: fellBack}
	if userID != nil && *userID != "" {
		remaining := tier.Unlimited
		if def.AuditsPerMonth != tier.Unlimited {
			// Remaining slots once the admitted audit itself is counted.
			remaining = def.AuditsPerMonth - auditsUsed - 1
			if remaining < 0 {
				remaining = 0
			}
		}
		dec.RemainingAudits = &remaining
	}
	return dec
}

func (c *Controller) deny(def tier.Definition, fellBack bool, reason string) Decision {
	return Decision{
		Tier:            def.Name,
		Reason:          reason,
		UpgradeRequired: true,
		TierFallback:    fellBack,
	}
}
