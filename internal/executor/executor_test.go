package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/audit"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/id/token"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/session"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/storage/memory"
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type fakeAnalyzer struct {
	mu      sync.Mutex
	running int32
	maxSeen int32
	block   chan struct{}
	result  audit.Result
	err     error
	steps   []struct {
		percent int
		message string
		url     string
	}
}

func (a *fakeAnalyzer) Run(ctx context.Context, _ audit.Request, onProgress audit.ProgressFunc) (audit.Result, error) {
	cur := atomic.AddInt32(&a.running, 1)
	defer atomic.AddInt32(&a.running, -1)
	for {
		prev := atomic.LoadInt32(&a.maxSeen)
		if cur <= prev || atomic.CompareAndSwapInt32(&a.maxSeen, prev, cur) {
			break
		}
	}
	for _, step := range a.steps {
		onProgress(step.percent, step.message, step.url)
	}
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return audit.Result{}, ctx.Err()
		}
	}
	if a.err != nil {
		return audit.Result{}, a.err
	}
	return a.result, nil
}

func newTestRegistry(t *testing.T) *session.Registry {
	t.Helper()
	r := session.NewRegistry(session.Config{SweepInterval: time.Hour}, systemClock{}, token.NewSessionGenerator(), nil)
	t.Cleanup(r.Close)
	return r
}

func testRequest() audit.Request {
	return audit.Request{URL: "https://example.com", ReportType: audit.ReportSimple, MaxPages: 20, MaxExternalLinks: 8}
}

func waitForStatus(t *testing.T, r *session.Registry, id string, want session.Status) session.Session {
	t.Helper()
	var s session.Session
	require.Eventually(t, func() bool {
		var ok bool
		s, ok = r.Get(id)
		return ok && s.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return s
}

func TestExecutor_SuccessFlow(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t)
	store := memory.NewAuditStore()
	blobs := memory.NewBlobStore()
	analyzer := &fakeAnalyzer{
		result: audit.Result{Score: 88, PagesScanned: 12, ExternalLinksChecked: 4},
		steps: []struct {
			percent int
			message string
			url     string
		}{
			{25, "Scanning pages", "https://example.com/a"},
			{75, "Checking links", "https://example.com/b"},
		},
	}

	exec := New(registry, analyzer, store, blobs, nil, token.NewAuditGenerator(), systemClock{},
		Config{MaxConcurrent: 2, JobTimeout: time.Second, ArchivePrefix: "reports"}, zap.NewNop())

	id, err := registry.Create(nil, testRequest())
	require.NoError(t, err)
	require.NoError(t, exec.Submit(context.Background(), id, testRequest()))

	s := waitForStatus(t, registry, id, session.StatusCompleted)
	require.Equal(t, 100, s.Progress)
	require.NotNil(t, s.Result)
	require.Equal(t, 88, s.Result.Score)
	require.NotEmpty(t, s.AuditID)

	rec, err := store.GetAudit(context.Background(), s.AuditID)
	require.NoError(t, err)
	require.Equal(t, "https://example.com", rec.URL)

	_, archived := blobs.Object("reports/" + s.AuditID + ".json")
	require.True(t, archived)
}

func TestExecutor_AnalyzerErrorSanitized(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t)
	analyzer := &fakeAnalyzer{err: errors.New("dial tcp 10.0.0.8: connection refused")}
	exec := New(registry, analyzer, nil, nil, nil, token.NewAuditGenerator(), systemClock{},
		Config{MaxConcurrent: 1, JobTimeout: time.Second}, zap.NewNop())

	id, err := registry.Create(nil, testRequest())
	require.NoError(t, err)
	require.NoError(t, exec.Submit(context.Background(), id, testRequest()))

	s := waitForStatus(t, registry, id, session.StatusFailed)
	require.Equal(t, "Audit failed", s.Message)
	require.NotContains(t, s.Message, "10.0.0.8")
}

func TestExecutor_TimeoutForcesFailure(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t)
	analyzer := &fakeAnalyzer{block: make(chan struct{})}
	exec := New(registry, analyzer, nil, nil, nil, token.NewAuditGenerator(), systemClock{},
		Config{MaxConcurrent: 1, JobTimeout: 50 * time.Millisecond}, zap.NewNop())

	id, err := registry.Create(nil, testRequest())
	require.NoError(t, err)
	require.NoError(t, exec.Submit(context.Background(), id, testRequest()))

	s := waitForStatus(t, registry, id, session.StatusFailed)
	require.Equal(t, "Audit timed out", s.Message)
}

func TestExecutor_SaturatedPoolKeepsSessionsQueued(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t)
	block := make(chan struct{})
	analyzer := &fakeAnalyzer{block: block, result: audit.Result{Score: 50}}
	exec := New(registry, analyzer, nil, nil, nil, token.NewAuditGenerator(), systemClock{},
		Config{MaxConcurrent: 1, JobTimeout: 5 * time.Second}, zap.NewNop())

	first, err := registry.Create(nil, testRequest())
	require.NoError(t, err)
	second, err := registry.Create(nil, testRequest())
	require.NoError(t, err)

	require.NoError(t, exec.Submit(context.Background(), first, testRequest()))
	waitForStatus(t, registry, first, session.StatusRunning)
	require.NoError(t, exec.Submit(context.Background(), second, testRequest()))

	// The second session must wait for a slot, not be rejected.
	time.Sleep(50 * time.Millisecond)
	s, ok := registry.Get(second)
	require.True(t, ok)
	require.Equal(t, session.StatusQueued, s.Status)

	close(block)
	waitForStatus(t, registry, first, session.StatusCompleted)
	waitForStatus(t, registry, second, session.StatusCompleted)
	require.EqualValues(t, 1, analyzer.maxSeen)
}

func TestExecutor_PersistFailureStillCompletes(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t)
	store := memory.NewAuditStore()
	analyzer := &fakeAnalyzer{result: audit.Result{Score: 70}}
	// A colliding generator forces SaveAudit to fail on the second run.
	exec := New(registry, analyzer, store, nil, nil, fixedIDGen{"a-1"}, systemClock{},
		Config{MaxConcurrent: 1, JobTimeout: time.Second}, zap.NewNop())

	for _, want := range []string{"first", "second"} {
		id, err := registry.Create(nil, testRequest())
		require.NoError(t, err)
		require.NoError(t, exec.Submit(context.Background(), id, testRequest()))
		s := waitForStatus(t, registry, id, session.StatusCompleted)
		require.NotNil(t, s.Result, want)
	}
}

func TestExecutor_PublishesTerminalEvents(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t)
	pub := &capturingPublisher{}
	analyzer := &fakeAnalyzer{result: audit.Result{Score: 91}}
	exec := New(registry, analyzer, memory.NewAuditStore(), nil, pub, token.NewAuditGenerator(), systemClock{},
		Config{MaxConcurrent: 1, JobTimeout: time.Second, EventTopic: "audit-events"}, zap.NewNop())

	id, err := registry.Create(nil, testRequest())
	require.NoError(t, err)
	require.NoError(t, exec.Submit(context.Background(), id, testRequest()))
	waitForStatus(t, registry, id, session.StatusCompleted)

	require.Eventually(t, func() bool { return len(pub.messages()) == 1 }, time.Second, 5*time.Millisecond)
	msg := pub.messages()[0]
	require.Equal(t, "audit-events", msg.topic)
}

func TestExecutor_ShutdownWaitsForInflight(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t)
	block := make(chan struct{})
	analyzer := &fakeAnalyzer{block: block, result: audit.Result{Score: 10}}
	exec := New(registry, analyzer, nil, nil, nil, token.NewAuditGenerator(), systemClock{},
		Config{MaxConcurrent: 1, JobTimeout: 5 * time.Second}, zap.NewNop())

	id, err := registry.Create(nil, testRequest())
	require.NoError(t, err)
	require.NoError(t, exec.Submit(context.Background(), id, testRequest()))
	waitForStatus(t, registry, id, session.StatusRunning)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(block)
	}()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, exec.Shutdown(shutdownCtx))

	// New submissions are rejected after shutdown.
	other, err := registry.Create(nil, testRequest())
	require.NoError(t, err)
	require.Error(t, exec.Submit(context.Background(), other, testRequest()))
}

type fixedIDGen struct{ id string }

func (g fixedIDGen) NewID() (string, error) { return g.id, nil }

type capturingPublisher struct {
	mu   sync.Mutex
	msgs []publishedMessage
}

type publishedMessage struct {
	topic   string
	payload any
}

func (p *capturingPublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, publishedMessage{topic: topic, payload: payload})
	return "msg-1", nil
}

func (p *capturingPublisher) messages() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publishedMessage, len(p.msgs))
	copy(out, p.msgs)
	return out
}
