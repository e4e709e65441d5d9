package parallel_test

import (
	"context"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/taskmaster/internal/parallel"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	t.Parallel()

	f := func(_ context.Context, d time.Duration) int {
		time.Sleep(d)
		return int(d / time.Second)
	}

	var testCases = []struct {
		scenario string
		given    []time.Duration
		then     []int
		elapsed  time.Duration
	}{
		{"empty", nil, []int{}, 0},
		{"single", []time.Duration{2 * time.Second}, []int{2}, 2 * time.Second},
		{"ordered results", []time.Duration{5 * time.Second, 1 * time.Second, 3 * time.Second}, []int{5, 1, 3}, 5 * time.Second},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				start := time.Now()
				got := parallel.Map(t.Context(), tt.given, f)
				require.Equal(t, tt.then, got)
				require.Equal(t, tt.elapsed, time.Since(start))
			})
		})
	}
}

func TestEach(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		done := make([]bool, 4)
		start := time.Now()
		parallel.Each(t.Context(), []int{0, 1, 2, 3}, func(_ context.Context, i int) {
			time.Sleep(time.Duration(i) * time.Second)
			done[i] = true
		})
		require.Equal(t, []bool{true, true, true, true}, done)
		require.Equal(t, 3*time.Second, time.Since(start))
	})
}
