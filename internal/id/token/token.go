// Package token provides ID generation helpers.
package token

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionGenerator mints session IDs of the form <hex-timestamp>-<uuid4>.
// The random component makes IDs unguessable; the timestamp prefix keeps them
// roughly sortable for eviction sweeps and log correlation.
type SessionGenerator struct{}

// NewSessionGenerator creates a SessionGenerator.
func NewSessionGenerator() *SessionGenerator {
	return &SessionGenerator{}
}

// NewID returns a new session ID.
func (SessionGenerator) NewID() (string, error) {
	random, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return fmt.Sprintf("%x-%s", time.Now().UnixNano(), random.String()), nil
}

// AuditGenerator mints UUIDv7 strings for persisted audit records.
type AuditGenerator struct{}

// NewAuditGenerator creates an AuditGenerator.
func NewAuditGenerator() *AuditGenerator {
	return &AuditGenerator{}
}

// NewID returns a UUID7 string.
func (AuditGenerator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
