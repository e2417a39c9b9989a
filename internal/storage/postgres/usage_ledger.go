package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/audit"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/usage"
)

// UsageLedger keeps per-user monthly counters in Postgres. Increments use an
// upsert so concurrent writers never lose counts.
type UsageLedger struct {
	pool  dbPool
	table string
	clock audit.Clock
}

// NewUsageLedger constructs a ledger from an existing pool.
func NewUsageLedger(pool dbPool, table string, clock audit.Clock) (*UsageLedger, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if table == "" {
		table = "usage_ledger"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &UsageLedger{pool: pool, table: table, clock: clock}, nil
}

// CurrentUsage reads the current month's counters. A missing row and an
// anonymous caller both read as zero usage.
func (l *UsageLedger) CurrentUsage(ctx context.Context, userID string) (usage.Record, error) {
	monthKey := usage.MonthKey(l.clock.Now())
	if userID == "" {
		return usage.Record{MonthKey: monthKey}, nil
	}
	query := fmt.Sprintf(`
SELECT audits_used, internal_pages_scanned, external_links_checked, api_calls_used
FROM %s WHERE user_id = $1 AND month_key = $2`, l.table)

	rec := usage.Record{UserID: userID, MonthKey: monthKey}
	row := l.pool.QueryRow(ctx, query, userID, monthKey)
	err := row.Scan(&rec.AuditsUsed, &rec.InternalPagesScanned, &rec.ExternalLinksChecked, &rec.APICallsUsed)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return usage.Record{}, fmt.Errorf("select usage: %w", err)
	}
	return rec, nil
}

// Add applies one billable increment to the current month's row.
func (l *UsageLedger) Add(ctx context.Context, userID string, delta usage.Delta) error {
	if userID == "" {
		return nil
	}
	monthKey := usage.MonthKey(l.clock.Now())
	query := fmt.Sprintf(`
INSERT INTO %s (
	user_id,
	month_key,
	audits_used,
	internal_pages_scanned,
	external_links_checked,
	api_calls_used
) VALUES (
	$1,$2,$3,$4,$5,$6
)
ON CONFLICT (user_id, month_key) DO UPDATE SET
	audits_used = %[1]s.audits_used + EXCLUDED.audits_used,
	internal_pages_scanned = %[1]s.internal_pages_scanned + EXCLUDED.internal_pages_scanned,
	external_links_checked = %[1]s.external_links_checked + EXCLUDED.external_links_checked,
	api_calls_used = %[1]s.api_calls_used + EXCLUDED.api_calls_used`, l.table)

	args := []any{
		userID,
		monthKey,
		delta.Audits,
		delta.InternalPagesScanned,
		delta.ExternalLinksChecked,
		delta.APICalls,
	}
	if _, err := l.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert usage: %w", err)
	}
	return nil
}
