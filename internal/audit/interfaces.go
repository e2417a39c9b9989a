package audit

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by stores when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ProgressFunc relays analyzer progress into session state. Implementations
// must be cheap and non-blocking; percent is clamped by the caller.
type ProgressFunc func(percent int, message string, currentURL string)

// Analyzer is the external crawl/analysis collaborator. Run blocks until the
// audit finishes or ctx is done; it may invoke onProgress zero or more times
// before returning.
type Analyzer interface {
	Run(ctx context.Context, req Request, onProgress ProgressFunc) (Result, error)
}

// Store persists completed audit records for report rendering and history.
type Store interface {
	SaveAudit(ctx context.Context, rec Record) error
	GetAudit(ctx context.Context, auditID string) (Record, error)
	ListUserAudits(ctx context.Context, userID string, limit, offset int) ([]Record, error)
}

// BlobStore archives raw result payloads.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher fans out terminal-session events to interested systems.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints identifiers. Session IDs must be unguessable.
type IDGenerator interface {
	NewID() (string, error)
}
