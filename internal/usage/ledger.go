// Package usage defines the durable per-user monthly counters consumed by
// quota enforcement and billing.
package usage

import (
	"context"
	"fmt"
	"time"
)

// Record holds the counters for one (user, month) pair. Counts only grow
// within a month; the month boundary resets them by key change, not by
// mutation.
type Record struct {
	UserID               string `json:"user_id"`
	MonthKey             string `json:"month_key"`
	AuditsUsed           int    `json:"audits_used"`
	InternalPagesScanned int    `json:"internal_pages_scanned"`
	ExternalLinksChecked int    `json:"external_links_checked"`
	APICallsUsed         int    `json:"api_calls_used"`
}

// Delta is one billable increment, applied once per terminal session.
type Delta struct {
	Audits               int
	InternalPagesScanned int
	ExternalLinksChecked int
	APICalls             int
}

// Ledger records and reads monthly usage. Implementations must treat an
// empty userID as a no-op on Add and a zero Record on CurrentUsage: anonymous
// callers never get usage rows.
type Ledger interface {
	CurrentUsage(ctx context.Context, userID string) (Record, error)
	Add(ctx context.Context, userID string, delta Delta) error
}

// MonthKey formats t as the ledger row key for its month, in UTC.
func MonthKey(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%04d-%02d", t.Year(), int(t.Month()))
}
