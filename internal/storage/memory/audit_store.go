// Package memory provides in-memory persistence implementations for
// development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/audit"
)

// AuditStore keeps completed audit records in a map.
type AuditStore struct {
	mu      sync.RWMutex
	records map[string]audit.Record
}

// NewAuditStore constructs an AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{records: make(map[string]audit.Record)}
}

// SaveAudit stores a record, rejecting duplicate IDs.
func (s *AuditStore) SaveAudit(_ context.Context, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("audit %s already exists", rec.ID)
	}
	s.records[rec.ID] = rec
	return nil
}

// GetAudit fetches a record by ID.
func (s *AuditStore) GetAudit(_ context.Context, auditID string) (audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[auditID]
	if !ok {
		return audit.Record{}, audit.ErrNotFound
	}
	return rec, nil
}

// ListUserAudits returns a user's records, newest first.
func (s *AuditStore) ListUserAudits(_ context.Context, userID string, limit, offset int) ([]audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Record
	for _, rec := range s.records {
		if rec.UserID != nil && *rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}
