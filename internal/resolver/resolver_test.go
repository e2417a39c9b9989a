package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/audit"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/id/token"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/session"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/storage/memory"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/tier"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/usage"
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type env struct {
	registry *session.Registry
	ledger   *memory.UsageLedger
	catalog  *tier.StaticCatalog
	resolver *Resolver
}

func newEnv(t *testing.T) *env {
	t.Helper()
	registry := session.NewRegistry(session.Config{SweepInterval: time.Hour}, systemClock{}, token.NewSessionGenerator(), nil)
	t.Cleanup(registry.Close)
	ledger := memory.NewUsageLedger(systemClock{})
	catalog := tier.NewStaticCatalog()
	return &env{
		registry: registry,
		ledger:   ledger,
		catalog:  catalog,
		resolver: New(registry, ledger, catalog, zap.NewNop()),
	}
}

func (e *env) createSession(t *testing.T, userID *string, reportType audit.ReportType) string {
	t.Helper()
	id, err := e.registry.Create(userID, audit.Request{
		URL:              "https://example.com",
		ReportType:       reportType,
		MaxPages:         20,
		MaxExternalLinks: 8,
	})
	require.NoError(t, err)
	return id
}

func (e *env) complete(t *testing.T, id, auditID string, result audit.Result) {
	t.Helper()
	require.NoError(t, e.registry.Update(id, func(s *session.Session) { s.Status = session.StatusRunning }))
	require.NoError(t, e.registry.Update(id, func(s *session.Session) {
		s.Status = session.StatusCompleted
		s.Result = &result
		s.AuditID = auditID
	}))
}

func TestResolve_UnknownSession(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	res := e.resolver.Resolve(context.Background(), "missing")
	require.Equal(t, OutcomeNotFound, res.Outcome)
	require.Contains(t, res.Message, "expired")
}

func TestResolve_StillRunningRedirectsToProgress(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	id := e.createSession(t, nil, audit.ReportSimple)

	res := e.resolver.Resolve(context.Background(), id)
	require.Equal(t, OutcomeInProgress, res.Outcome)
	require.Equal(t, "/audit/progress/"+id, res.RedirectTo)

	require.NoError(t, e.registry.Update(id, func(s *session.Session) { s.Status = session.StatusRunning }))
	res = e.resolver.Resolve(context.Background(), id)
	require.Equal(t, OutcomeInProgress, res.Outcome)
}

func TestResolve_FailedRendersMessageWithoutBilling(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	userID := "u-1"
	id := e.createSession(t, &userID, audit.ReportSimple)
	require.NoError(t, e.registry.Update(id, func(s *session.Session) { s.Status = session.StatusRunning }))
	require.NoError(t, e.registry.Update(id, func(s *session.Session) {
		s.Status = session.StatusFailed
		s.Message = "Timeout"
	}))

	res := e.resolver.Resolve(context.Background(), id)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, "Timeout", res.Message)
	require.Empty(t, res.RedirectTo)

	rec, err := e.ledger.CurrentUsage(context.Background(), userID)
	require.NoError(t, err)
	require.Zero(t, rec.AuditsUsed)
}

func TestResolve_CompletedRecordsUsageOnce(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	userID := "u-1"
	id := e.createSession(t, &userID, audit.ReportSimple)
	e.complete(t, id, "a-1", audit.Result{Score: 80, PagesScanned: 20, ExternalLinksChecked: 8})

	for i := 0; i < 3; i++ {
		res := e.resolver.Resolve(context.Background(), id)
		require.Equal(t, OutcomeReport, res.Outcome)
		require.Equal(t, "/audit/simple/a-1", res.RedirectTo)
	}

	rec, err := e.ledger.CurrentUsage(context.Background(), userID)
	require.NoError(t, err)
	require.Equal(t, 1, rec.AuditsUsed)
	require.Equal(t, 20, rec.InternalPagesScanned)
	require.Equal(t, 8, rec.ExternalLinksChecked)
}

func TestResolve_ConcurrentResolvesBillOnce(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	userID := "u-1"
	id := e.createSession(t, &userID, audit.ReportSimple)
	e.complete(t, id, "a-1", audit.Result{Score: 80, PagesScanned: 10})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := e.resolver.Resolve(context.Background(), id)
			require.Equal(t, OutcomeReport, res.Outcome)
		}()
	}
	wg.Wait()

	rec, err := e.ledger.CurrentUsage(context.Background(), userID)
	require.NoError(t, err)
	require.Equal(t, 1, rec.AuditsUsed)
}

func TestResolve_AnonymousNeverBilled(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	id := e.createSession(t, nil, audit.ReportSimple)
	e.complete(t, id, "a-1", audit.Result{Score: 80, PagesScanned: 10})

	res := e.resolver.Resolve(context.Background(), id)
	require.Equal(t, OutcomeReport, res.Outcome)

	// The one-shot flag stays clear for anonymous sessions.
	s, ok := e.registry.Get(id)
	require.True(t, ok)
	require.False(t, s.UsageRecorded)
}

func TestResolve_FullReportDowngradedForFreemium(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	userID := "u-free"
	id := e.createSession(t, &userID, audit.ReportFull)
	e.complete(t, id, "a-1", audit.Result{Score: 80})

	res := e.resolver.Resolve(context.Background(), id)
	require.Equal(t, OutcomeReport, res.Outcome)
	require.Equal(t, audit.ReportSimple, res.View)
	require.Equal(t, "/audit/simple/a-1", res.RedirectTo)
}

func TestResolve_FullReportForEntitledTier(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	userID := "u-pro"
	e.catalog.AssignUser(userID, tier.Professional)
	id := e.createSession(t, &userID, audit.ReportFull)
	e.complete(t, id, "a-1", audit.Result{Score: 80})

	res := e.resolver.Resolve(context.Background(), id)
	require.Equal(t, OutcomeReport, res.Outcome)
	require.Equal(t, audit.ReportFull, res.View)
	require.Equal(t, "/audit/full/a-1", res.RedirectTo)
}

type failingLedger struct{}

func (failingLedger) CurrentUsage(context.Context, string) (usage.Record, error) {
	return usage.Record{}, errors.New("down")
}

func (failingLedger) Add(context.Context, string, usage.Delta) error {
	return errors.New("down")
}

func TestResolve_LedgerFailureSwallowed(t *testing.T) {
	t.Parallel()

	registry := session.NewRegistry(session.Config{SweepInterval: time.Hour}, systemClock{}, token.NewSessionGenerator(), nil)
	t.Cleanup(registry.Close)
	r := New(registry, failingLedger{}, tier.NewStaticCatalog(), zap.NewNop())

	userID := "u-1"
	id, err := registry.Create(&userID, audit.Request{URL: "https://example.com", ReportType: audit.ReportSimple, MaxPages: 1})
	require.NoError(t, err)
	require.NoError(t, registry.Update(id, func(s *session.Session) { s.Status = session.StatusRunning }))
	require.NoError(t, registry.Update(id, func(s *session.Session) {
		s.Status = session.StatusCompleted
		s.AuditID = "a-1"
	}))

	res := r.Resolve(context.Background(), id)
	require.Equal(t, OutcomeReport, res.Outcome)
}
