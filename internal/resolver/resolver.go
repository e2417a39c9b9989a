// Package resolver maps finished sessions to the report view the caller is
// entitled to see, recording usage exactly once per billable session.
package resolver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/audit"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/metrics"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/session"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/tier"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/usage"
)

// Outcome tags a Resolution.
type Outcome string

// Resolution outcomes.
const (
	OutcomeNotFound   Outcome = "not_found"
	OutcomeInProgress Outcome = "in_progress"
	OutcomeFailed     Outcome = "failed"
	OutcomeReport     Outcome = "report"
)

// Resolution is the result of resolving a session to a report view.
type Resolution struct {
	Outcome    Outcome
	RedirectTo string
	Message    string
	AuditID    string
	View       audit.ReportType
}

// Resolver decides which report a caller sees for a finished session.
type Resolver struct {
	registry *session.Registry
	ledger   usage.Ledger
	catalog  tier.Catalog
	logger   *zap.Logger
}

// New constructs a Resolver.
func New(registry *session.Registry, ledger usage.Ledger, catalog tier.Catalog, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{registry: registry, ledger: ledger, catalog: catalog, logger: logger}
}

// Resolve inspects the session's terminal state. Unknown or evicted sessions
// resolve to a distinct expired outcome; queued and running sessions point
// back to the progress view; failed sessions surface their stored message
// without touching the ledger; completed sessions record usage at most once
// and redirect to the entitled report view.
func (r *Resolver) Resolve(ctx context.Context, sessionID string) Resolution {
	s, ok := r.registry.Get(sessionID)
	if !ok {
		return Resolution{
			Outcome: OutcomeNotFound,
			Message: "Session expired or unknown. Please submit the audit again.",
		}
	}

	switch s.Status {
	case session.StatusQueued, session.StatusRunning:
		return Resolution{
			Outcome:    OutcomeInProgress,
			RedirectTo: fmt.Sprintf("/audit/progress/%s", sessionID),
		}
	case session.StatusFailed:
		return Resolution{Outcome: OutcomeFailed, Message: s.Message}
	case session.StatusCompleted:
		return r.resolveCompleted(ctx, s)
	case session.StatusNotFound:
		// Synthetic status, never stored.
		return Resolution{Outcome: OutcomeNotFound, Message: "Session expired or unknown."}
	default:
		r.logger.Error("unhandled session status", zap.String("status", string(s.Status)))
		return Resolution{Outcome: OutcomeNotFound, Message: "Session expired or unknown."}
	}
}

func (r *Resolver) resolveCompleted(ctx context.Context, s session.Session) Resolution {
	r.recordUsageOnce(ctx, s)

	view := audit.ReportSimple
	if s.Request.ReportType == audit.ReportFull {
		def, _ := r.catalog.Resolve(ctx, s.UserID)
		// Freemium viewers asking for the full report get the simple
		// view, never a denial.
		if def.CanAccessFullReports {
			view = audit.ReportFull
		}
	}
	return Resolution{
		Outcome:    OutcomeReport,
		RedirectTo: fmt.Sprintf("/audit/%s/%s", view, s.AuditID),
		AuditID:    s.AuditID,
		View:       view,
	}
}

// recordUsageOnce bills a completed session at most once, no matter how many
// concurrent resolves race. Ledger failures are logged and swallowed: the
// audit already succeeded from the user's perspective and undercounting is
// the acceptable degraded mode.
func (r *Resolver) recordUsageOnce(ctx context.Context, s session.Session) {
	if s.UserID == nil || *s.UserID == "" {
		return
	}
	first, err := r.registry.MarkUsageRecorded(s.ID)
	if err != nil {
		r.logger.Warn("usage flag update failed", zap.String("session_id", s.ID), zap.Error(err))
		return
	}
	if !first {
		return
	}

	delta := usage.Delta{Audits: 1}
	if s.Result != nil {
		delta.InternalPagesScanned = s.Result.PagesScanned
		delta.ExternalLinksChecked = s.Result.ExternalLinksChecked
	}
	if err := r.ledger.Add(ctx, *s.UserID, delta); err != nil {
		metrics.ObserveUsageRecordFailure()
		r.logger.Error("usage record failed",
			zap.String("session_id", s.ID),
			zap.String("user_id", *s.UserID),
			zap.Error(err))
	}
}
