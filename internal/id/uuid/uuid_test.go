package uuid

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewIDIsUUID7(t *testing.T) {
	t.Parallel()

	id, err := NewGenerator("").NewID()
	require.NoError(t, err)
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	require.Equal(t, uuid.Version(7), parsed.Version())
}

func TestNewIDPrefixAndUniqueness(t *testing.T) {
	t.Parallel()

	gen := NewGenerator("job")
	seen := make(map[string]struct{})
	for range 100 {
		id, err := gen.NewID()
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(id, "job-"))
		_, err = uuid.Parse(strings.TrimPrefix(id, "job-"))
		require.NoError(t, err)
		seen[id] = struct{}{}
	}
	require.Len(t, seen, 100)
}
