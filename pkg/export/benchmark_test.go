// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package export

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBenchmark(t *testing.T) {
	var calls int
	stats, err := Benchmark(func() error {
		calls++
		return nil
	}, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, 7, calls)
	assert.Equal(t, 5, stats.Runs)
	assert.LessOrEqual(t, stats.Min, stats.Median)
	assert.LessOrEqual(t, stats.Median, stats.P95)
	assert.LessOrEqual(t, stats.P95, stats.Max)

	calls = 0
	_, err = Benchmark(func() error {
		calls++
		if calls == 3 {
			return errors.New("boom")
		}
		return nil
	}, 1, 10)
	require.ErrorContains(t, err, "boom")
	assert.Equal(t, 3, calls, "the benchmark stops at the first error")

	_, err = Benchmark(func() error { return nil }, 0, 0)
	require.Error(t, err)
}

func TestLatencyStats(t *testing.T) {
	s := latencyStats([]float64{5, 1, 4, 2, 3})
	assert.Equal(t, 5, s.Runs)
	assert.InDelta(t, 3.0, s.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(2.5), s.Std, 1e-12)
	assert.Equal(t, 3.0, s.Median)
	assert.Equal(t, 5.0, s.P95)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 5.0, s.Max)

	single := latencyStats([]float64{2})
	assert.Equal(t, 2.0, single.Mean)
	assert.Zero(t, single.Std)
}
