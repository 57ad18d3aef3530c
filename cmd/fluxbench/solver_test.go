package main

import (
	"testing"
	"time"

	"github.com/gomlx/fluxgraph/backends/openmp"
	"github.com/gomlx/fluxgraph/pkg/core/comm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestAdvection(t *testing.T) {
	for _, config := range []string{"disable_cache=true", "disable_cache=true,precision=single"} {
		t.Run(config, func(t *testing.T) {
			b, err := openmp.New(config)
			require.NoError(t, err)
			defer b.Finalize()

			world := comm.NewWorld(2)
			p := problem{nupts: 8, nvars: 2, velocity: 1}
			p.dt = 0.5 * p.h(world)
			ranks := make([]*rank, world.Size())
			for id := range ranks {
				ranks[id], err = newRank(b, world, id, p)
				require.NoError(t, err)
			}
			initial := totalMass(ranks)
			before, err := getValues(ranks[1].u, ranks[1].dtype)
			require.NoError(t, err)

			q := b.NewQueue()
			for range 5 {
				var eg errgroup.Group
				for _, r := range ranks {
					eg.Go(r.graph.Run)
				}
				require.NoError(t, eg.Wait())
				rates, err := ranks[0].estimate(q)
				require.NoError(t, err)
				assert.Len(t, rates, p.nvars)
			}

			// Upwinding on a periodic domain conserves the total mass, and moves the solution.
			assert.InDelta(t, initial, totalMass(ranks), 1e-4)
			after, err := getValues(ranks[1].u, ranks[1].dtype)
			require.NoError(t, err)
			assert.NotEqual(t, before, after)
			assert.Equal(t, 7, ranks[0].graph.NumNodes())
		})
	}
}

func TestFormatDuration(t *testing.T) {
	for _, tc := range []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{999, "999ns"},
		{1234567, "1.23ms"},
		{1500 * time.Millisecond, "1.5s"},
		{61234 * time.Millisecond, "1m1.2s"},
	} {
		assert.Equal(t, tc.want, formatDuration(tc.d), "duration %d", int64(tc.d))
	}
}
