// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package export

import (
	"fmt"
	"slices"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// Stats of a latency benchmark, in milliseconds.
type Stats struct {
	Runs   int     `json:"runs"`
	Mean   float64 `json:"mean_ms"`
	Median float64 `json:"median_ms"`
	Std    float64 `json:"std_ms"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	P95    float64 `json:"p95_ms"`
}

func (s Stats) String() string {
	return fmt.Sprintf("%.2f ± %.2f ms (median %.2f, p95 %.2f, min %.2f, max %.2f, %d runs)",
		s.Mean, s.Std, s.Median, s.P95, s.Min, s.Max, s.Runs)
}

// Benchmark calls fn warmup times, and then times runs sequential calls.
// It stops at the first error.
func Benchmark(fn func() error, warmup, runs int) (Stats, error) {
	if runs < 1 {
		return Stats{}, errors.Errorf("benchmark requires at least 1 timed run, got %d", runs)
	}
	for ii := range warmup {
		if err := fn(); err != nil {
			return Stats{}, errors.WithMessagef(err, "benchmark warm-up run %d", ii)
		}
	}
	latencies := make([]float64, runs)
	for ii := range runs {
		start := time.Now()
		if err := fn(); err != nil {
			return Stats{}, errors.WithMessagef(err, "benchmark run %d", ii)
		}
		latencies[ii] = float64(time.Since(start)) / float64(time.Millisecond)
	}
	return latencyStats(latencies), nil
}

// latencyStats summarizes latencies in milliseconds.
func latencyStats(latencies []float64) Stats {
	sorted := slices.Clone(latencies)
	slices.Sort(sorted)
	s := Stats{
		Runs:   len(sorted),
		Median: stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P95:    stat.Quantile(0.95, stat.Empirical, sorted, nil),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
	}
	if len(sorted) > 1 {
		s.Mean, s.Std = stat.MeanStdDev(sorted, nil)
	} else {
		s.Mean = sorted[0]
	}
	return s
}
