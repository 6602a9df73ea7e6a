package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, Kind(""), KindOf(nil))
	require.Equal(t, Unknown, KindOf(errors.New("plain")))

	base := New(PortDiscoveryTimeout, "no PORT= line")
	wrapped := fmt.Errorf("resolve: %w", base)
	require.Equal(t, PortDiscoveryTimeout, KindOf(wrapped))
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("exec format error")
	err := Wrap(ProcessNotFound, "spawn backend", cause)
	require.Equal(t, "PROCESS_NOT_FOUND: spawn backend: exec format error", err.Error())
	require.ErrorIs(t, err, cause)
	require.Equal(t, "HEALTH_CHECK_TIMEOUT: backend not ready", New(HealthCheckTimeout, "backend not ready").Error())
}
