// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runEarlyStopping feeds the metrics and returns the 1-based epoch at which it stopped, or 0.
func runEarlyStopping(es *EarlyStopping, metrics []float64) int {
	for ii, m := range metrics {
		if _, stop := es.Observe(m); stop {
			return ii + 1
		}
	}
	return 0
}

func TestEarlyStoppingBoundary(t *testing.T) {
	// Last improvement at epoch 3: with patience 4 it must stop exactly at epoch 3+4.
	metrics := []float64{50, 60, 70, 65, 70, 69, 68, 71, 72}
	es := NewEarlyStopping(4)
	assert.Equal(t, 7, runEarlyStopping(es, metrics))
	assert.Equal(t, 70.0, es.Best())
	assert.Equal(t, 4, es.EpochsWithoutImprovement())
	assert.True(t, es.Stopped())

	// The epochs recorded since the last improvement, including it, are patience+1.
	lastImprovement, stopped := 3, 7
	assert.Equal(t, es.Patience+1, stopped-lastImprovement+1)

	for patience := 1; patience <= 5; patience++ {
		es := NewEarlyStopping(patience)
		metrics := append([]float64{10, 20}, make([]float64, 10)...)
		for ii := 2; ii < len(metrics); ii++ {
			metrics[ii] = 20
		}
		assert.Equalf(t, 2+patience, runEarlyStopping(es, metrics), "patience=%d", patience)
	}
}

func TestEarlyStoppingImprovements(t *testing.T) {
	es := NewEarlyStopping(2)
	improved, stop := es.Observe(0)
	assert.False(t, improved, "0 is not an improvement over the initial best")
	assert.False(t, stop)

	improved, _ = es.Observe(math.NaN())
	assert.False(t, improved, "NaN never improves")

	improved, _ = es.Observe(10)
	assert.True(t, improved)
	assert.Equal(t, 0, es.EpochsWithoutImprovement())

	improved, stop = es.Observe(10)
	assert.False(t, improved, "ties are not improvements")
	assert.False(t, stop)
	_, stop = es.Observe(9)
	assert.True(t, stop)
}

func TestEarlyStoppingBestIsMonotonic(t *testing.T) {
	es := NewEarlyStopping(0)
	previous := es.Best()
	for _, m := range []float64{3, 1, 4, 1, 5, 9, 2, 6, 5, 3, 5} {
		_, stop := es.Observe(m)
		require.False(t, stop, "patience 0 disables early stopping")
		require.GreaterOrEqual(t, es.Best(), previous)
		previous = es.Best()
	}
	assert.Equal(t, 9.0, es.Best())
}

func TestEarlyStoppingRestore(t *testing.T) {
	es := NewEarlyStopping(3)
	es.Restore(80, 2)
	assert.False(t, es.Stopped())
	_, stop := es.Observe(79)
	assert.True(t, stop)

	es = NewEarlyStopping(3)
	es.Restore(80, 3)
	assert.True(t, es.Stopped())
}
