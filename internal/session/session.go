// Package session tracks in-flight and recently finished audit sessions.
package session

import (
	"time"

	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/audit"
)

// Status is the lifecycle state of one audit session.
type Status string

// Session statuses. StatusNotFound is synthetic: lookups of unknown or
// evicted IDs surface it, but it is never stored.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusNotFound  Status = "not_found"
)

// IsTerminal reports whether no further progress updates can occur.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// canTransition encodes the session state machine:
// queued -> running -> completed | failed. Queued sessions may also fail
// directly (submission errors before a worker picks the job up).
func canTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Session is one audit request's lifecycle record. Instances are owned
// exclusively by the Registry; callers receive value copies.
type Session struct {
	ID            string
	UserID        *string
	Request       audit.Request
	Status        Status
	Progress      int
	Message       string
	CurrentURL    string
	Result        *audit.Result
	AuditID       string
	UsageRecorded bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Snapshot is the externally visible view of a session, served by the pull
// endpoint and streamed by the push endpoint.
type Snapshot struct {
	SessionID  string `json:"session_id"`
	Status     Status `json:"status"`
	Progress   int    `json:"progress"`
	Message    string `json:"message,omitempty"`
	CurrentURL string `json:"current_url,omitempty"`
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		SessionID:  s.ID,
		Status:     s.Status,
		Progress:   s.Progress,
		Message:    s.Message,
		CurrentURL: s.CurrentURL,
	}
}
