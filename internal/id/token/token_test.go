package token

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestSessionGenerator_IDsAreUnique(t *testing.T) {
	t.Parallel()

	gen := NewSessionGenerator()
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id, err := gen.NewID()
		require.NoError(t, err)
		require.NotContains(t, seen, id)
		seen[id] = struct{}{}
	}
}

func TestAuditGenerator_ProducesUUID(t *testing.T) {
	t.Parallel()

	gen := NewAuditGenerator()
	id, err := gen.NewID()
	require.NoError(t, err)
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	require.Equal(t, uuid.Version(7), parsed.Version())
}
