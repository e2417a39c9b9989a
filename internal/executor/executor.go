// Package executor runs admitted audits with bounded concurrency and relays
// their progress into the session registry.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/audit"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/metrics"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/session"
)

// Config controls Executor behavior.
//   - MaxConcurrent: audits running at once; admitted work beyond it stays
//     queued (default 4).
//   - JobTimeout: per-audit deadline before a forced failure (default 5m).
//   - ArchivePrefix: blob path prefix for archived result payloads.
//   - EventTopic: publisher topic for terminal-session events; empty disables
//     publishing.
type Config struct {
	MaxConcurrent int
	JobTimeout    time.Duration
	ArchivePrefix string
	EventTopic    string
}

const (
	defaultMaxConcurrent = 4
	defaultJobTimeout    = 5 * time.Minute
)

// Messages surfaced to clients. Analyzer error details are logged, never
// exposed.
const (
	msgRunning   = "Audit in progress"
	msgCompleted = "Audit completed"
	msgFailed    = "Audit failed"
	msgTimeout   = "Audit timed out"
)

// Executor pulls admitted audit requests and executes the analyzer
// collaborator against them. Concurrency is bounded by a semaphore; a
// saturated pool keeps sessions queued rather than rejecting them, so work
// that passed admission is never turned away because of unrelated load.
type Executor struct {
	registry  *session.Registry
	analyzer  audit.Analyzer
	store     audit.Store
	blobs     audit.BlobStore
	publisher audit.Publisher
	idGen     audit.IDGenerator
	clock     audit.Clock
	cfg       Config
	logger    *zap.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New constructs an Executor. store, blobs and publisher are best-effort
// collaborators and may be nil.
func New(
	registry *session.Registry,
	analyzer audit.Analyzer,
	store audit.Store,
	blobs audit.BlobStore,
	publisher audit.Publisher,
	idGen audit.IDGenerator,
	clock audit.Clock,
	cfg Config,
	logger *zap.Logger,
) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		registry:  registry,
		analyzer:  analyzer,
		store:     store,
		blobs:     blobs,
		publisher: publisher,
		idGen:     idGen,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		sem:       make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Submit schedules an admitted session for execution. It returns immediately;
// the session stays queued until a worker slot frees.
func (e *Executor) Submit(ctx context.Context, sessionID string, req audit.Request) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("executor is shut down")
	}
	e.wg.Add(1)
	e.mu.Unlock()

	// The job must outlive the submitting request: keep request-scoped
	// values but drop its cancellation.
	jobCtx := context.WithoutCancel(ctx)

	metrics.IncQueued()
	go func() {
		defer e.wg.Done()
		defer metrics.DecQueued()
		e.sem <- struct{}{}
		defer func() { <-e.sem }()
		e.runJob(jobCtx, sessionID, req)
	}()
	return nil
}

// Shutdown waits for in-flight jobs up to the context deadline.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor shutdown wait: %w", ctx.Err())
	}
}

func (e *Executor) runJob(ctx context.Context, sessionID string, req audit.Request) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if err := e.registry.Update(sessionID, func(s *session.Session) {
		s.Status = session.StatusRunning
		s.Message = msgRunning
	}); err != nil {
		e.logger.Error("start transition failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, e.cfg.JobTimeout)
	defer cancel()

	onProgress := func(percent int, message string, currentURL string) {
		if err := e.registry.Update(sessionID, func(s *session.Session) {
			s.Progress = percent
			if message != "" {
				s.Message = message
			}
			s.CurrentURL = currentURL
		}); err != nil {
			e.logger.Debug("progress update dropped", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	start := e.clock.Now()
	result, err := e.analyzer.Run(jobCtx, req, onProgress)
	metrics.ObserveAuditDuration(e.clock.Now().Sub(start))
	if err != nil {
		e.logger.Warn("analyzer run failed",
			zap.String("session_id", sessionID),
			zap.String("url", req.URL),
			zap.Error(err))
		e.failSession(sessionID, sanitizeError(jobCtx, err))
		metrics.ObserveJob(string(session.StatusFailed))
		e.publishEvent(sessionID, "", string(session.StatusFailed), 0)
		return
	}

	auditID := e.persistRecord(ctx, sessionID, req, result)
	if err := e.registry.Update(sessionID, func(s *session.Session) {
		s.Status = session.StatusCompleted
		s.Progress = 100
		s.Message = msgCompleted
		s.CurrentURL = ""
		s.Result = &result
		s.AuditID = auditID
	}); err != nil {
		e.logger.Error("complete transition failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	metrics.ObserveJob(string(session.StatusCompleted))
	e.publishEvent(sessionID, auditID, string(session.StatusCompleted), result.Score)
}

// persistRecord writes the audit row and archives the result payload. Both
// are best effort: the audit already succeeded from the user's perspective,
// so failures here are logged and swallowed.
func (e *Executor) persistRecord(ctx context.Context, sessionID string, req audit.Request, result audit.Result) string {
	auditID, err := e.idGen.NewID()
	if err != nil {
		e.logger.Error("audit id generation failed", zap.String("session_id", sessionID), zap.Error(err))
		return ""
	}

	s, ok := e.registry.Get(sessionID)
	if !ok {
		return ""
	}
	rec := audit.Record{
		ID:         auditID,
		UserID:     s.UserID,
		URL:        req.URL,
		ReportType: req.ReportType,
		Result:     result,
		CreatedAt:  e.clock.Now(),
	}

	if e.store != nil {
		if err := e.store.SaveAudit(ctx, rec); err != nil {
			e.logger.Error("audit record write failed",
				zap.String("session_id", sessionID),
				zap.String("audit_id", auditID),
				zap.Error(err))
		}
	}
	e.archiveResult(ctx, auditID, rec)
	return auditID
}

func (e *Executor) archiveResult(ctx context.Context, auditID string, rec audit.Record) {
	if e.blobs == nil || auditID == "" {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		e.logger.Error("marshal result for archive failed", zap.String("audit_id", auditID), zap.Error(err))
		return
	}
	path := fmt.Sprintf("%s/%s.json", e.cfg.ArchivePrefix, auditID)
	if e.cfg.ArchivePrefix == "" {
		path = fmt.Sprintf("%s.json", auditID)
	}
	uri, err := e.blobs.PutObject(ctx, path, "application/json", bytes.NewReader(payload))
	if err != nil {
		e.logger.Warn("archive result failed", zap.String("audit_id", auditID), zap.Error(err))
		return
	}
	e.logger.Debug("result archived", zap.String("audit_id", auditID), zap.String("uri", uri))
}

func (e *Executor) publishEvent(sessionID, auditID, status string, score int) {
	if e.publisher == nil || e.cfg.EventTopic == "" {
		return
	}
	payload := map[string]any{
		"session_id": sessionID,
		"audit_id":   auditID,
		"status":     status,
		"score":      score,
		"timestamp":  e.clock.Now().Format(time.RFC3339),
	}
	pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.publisher.Publish(pubCtx, e.cfg.EventTopic, payload); err != nil {
		e.logger.Warn("publish audit event failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (e *Executor) failSession(sessionID, message string) {
	if err := e.registry.Update(sessionID, func(s *session.Session) {
		s.Status = session.StatusFailed
		s.Message = message
		s.CurrentURL = ""
	}); err != nil {
		e.logger.Error("fail transition failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// sanitizeError maps analyzer failures to client-safe messages. Raw error
// text never reaches session state.
func sanitizeError(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return msgTimeout
	}
	return msgFailed
}
