package daemon

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewScheduler(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	s, err := newScheduler(ctx, "", "", func() {})
	require.NoError(t, err)
	require.Nil(t, s, "no schedule, no scheduler")

	_, err = newScheduler(ctx, "", "61 * * * *", func() {})
	require.Error(t, err)

	var calls atomic.Int32
	s, err = newScheduler(ctx, "PT0.05S", "", func() { calls.Add(1) })
	require.NoError(t, err)
	s.Start()
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Shutdown())
}
