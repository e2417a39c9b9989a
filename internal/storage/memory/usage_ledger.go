package memory

import (
	"context"
	"sync"

	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/audit"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/usage"
)

// UsageLedger keeps monthly usage counters in a map keyed by user and month.
type UsageLedger struct {
	mu      sync.RWMutex
	clock   audit.Clock
	records map[string]usage.Record
}

// NewUsageLedger constructs a ledger using the provided clock for month keys.
func NewUsageLedger(clock audit.Clock) *UsageLedger {
	return &UsageLedger{
		clock:   clock,
		records: make(map[string]usage.Record),
	}
}

func ledgerKey(userID, monthKey string) string {
	return userID + "/" + monthKey
}

// CurrentUsage returns the current month's counters, zeroed when absent.
// Anonymous callers (empty userID) always read zeros.
func (l *UsageLedger) CurrentUsage(_ context.Context, userID string) (usage.Record, error) {
	monthKey := usage.MonthKey(l.clock.Now())
	if userID == "" {
		return usage.Record{MonthKey: monthKey}, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[ledgerKey(userID, monthKey)]
	if !ok {
		return usage.Record{UserID: userID, MonthKey: monthKey}, nil
	}
	return rec, nil
}

// Add increments the current month's counters. Empty userID is a no-op.
func (l *UsageLedger) Add(_ context.Context, userID string, delta usage.Delta) error {
	if userID == "" {
		return nil
	}
	monthKey := usage.MonthKey(l.clock.Now())
	key := ledgerKey(userID, monthKey)

	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	if !ok {
		rec = usage.Record{UserID: userID, MonthKey: monthKey}
	}
	rec.AuditsUsed += delta.Audits
	rec.InternalPagesScanned += delta.InternalPagesScanned
	rec.ExternalLinksChecked += delta.ExternalLinksChecked
	rec.APICallsUsed += delta.APICalls
	l.records[key] = rec
	return nil
}
