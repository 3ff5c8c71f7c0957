// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

// EarlyStopping tracks the validation metric (higher is better) and decides when to stop training.
//
// The best value starts at 0. Only a strict improvement over it resets the count of epochs without improvement: ties and NaN
// don't. Training stops once that count reaches Patience. A Patience <= 0 disables early stopping.
type EarlyStopping struct {
	Patience int

	best         float64
	withoutGains int
}

// NewEarlyStopping with the given patience.
func NewEarlyStopping(patience int) *EarlyStopping {
	return &EarlyStopping{Patience: patience}
}

// Observe the metric of an epoch. It returns whether it improved on the best so far, and whether training should stop.
func (es *EarlyStopping) Observe(metric float64) (improved, stop bool) {
	if metric > es.best {
		es.best = metric
		es.withoutGains = 0
		return true, false
	}
	es.withoutGains++
	return false, es.Patience > 0 && es.withoutGains >= es.Patience
}

// Best metric observed so far, 0 if none.
func (es *EarlyStopping) Best() float64 { return es.best }

// EpochsWithoutImprovement since the last improvement.
func (es *EarlyStopping) EpochsWithoutImprovement() int { return es.withoutGains }

// Restore the state saved in a checkpoint.
func (es *EarlyStopping) Restore(best float64, epochsWithoutImprovement int) {
	es.best = best
	es.withoutGains = epochsWithoutImprovement
}

// Stopped returns whether the patience is already exhausted, e.g. when restoring a run that stopped early.
func (es *EarlyStopping) Stopped() bool {
	return es.Patience > 0 && es.withoutGains >= es.Patience
}
