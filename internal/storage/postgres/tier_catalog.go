package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/tier"
)

// TierCatalog resolves a user's tier from a Postgres assignment table. Tier
// definitions themselves stay in code; the table only maps users to names.
type TierCatalog struct {
	pool   dbPool
	table  string
	defs   map[tier.Name]tier.Definition
	logger *zap.Logger
}

// NewTierCatalog constructs a catalog from an existing pool.
func NewTierCatalog(pool dbPool, table string, logger *zap.Logger) (*TierCatalog, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "user_tiers"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TierCatalog{pool: pool, table: table, defs: tier.Defaults(), logger: logger}, nil
}

// Resolve looks up the caller's tier. Anonymous callers, unassigned users,
// unknown tier names, and read failures all fall back to freemium; the bool
// reports that fallback so admission can log it.
func (c *TierCatalog) Resolve(ctx context.Context, userID *string) (tier.Definition, bool) {
	if userID == nil || *userID == "" {
		return tier.FreemiumDefaults(), true
	}
	query := fmt.Sprintf(`SELECT tier FROM %s WHERE user_id = $1`, c.table)

	var name string
	err := c.pool.QueryRow(ctx, query, *userID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return tier.FreemiumDefaults(), true
	}
	if err != nil {
		c.logger.Warn("tier lookup failed, using freemium",
			zap.String("user_id", *userID), zap.Error(err))
		return tier.FreemiumDefaults(), true
	}
	def, ok := c.defs[tier.Name(name)]
	if !ok {
		c.logger.Warn("unknown tier assignment, using freemium",
			zap.String("user_id", *userID), zap.String("tier", name))
		return tier.FreemiumDefaults(), true
	}
	return def, false
}
