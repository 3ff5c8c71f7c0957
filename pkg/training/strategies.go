// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"math"

	"github.com/gomlx/accessatlas/pkg/faults"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FullPrecision is the spec (see train.Dataset) of the float32 training graph.
const FullPrecision = "fp32"

// Precision selects the numeric mode of each training step.
//
// The mode is passed to the trainer as the batch spec, so each mode has its own compiled graph.
// A non-finite loss in reduced precision falls back to FullPrecision for the retry of that batch.
// Each non-finite loss consumes the per-epoch retry budget, and exceeding it is a faults.TrainingNumericError.
type Precision struct {
	reduced string
	budget  int
	noRetry bool

	epoch, occurrences int
}

// NewPrecision creates the precision strategy. reduced is the precision name used when mixed precision
// is enabled ("float16" or "bfloat16"), or "" to always train in full precision.
func NewPrecision(reduced string, retryBudget int) *Precision {
	return &Precision{reduced: reduced, budget: retryBudget}
}

// WithoutRetry makes a non-finite loss in reduced precision skip the batch instead of retrying it.
// Used with gradient accumulation: the failed micro-batch is already summed in the accumulated gradients,
// which voids its window, and a retry would take one more slot of the window.
func (p *Precision) WithoutRetry() *Precision {
	p.noRetry = true
	return p
}

// Mixed returns whether reduced precision is enabled.
func (p *Precision) Mixed() bool { return p.reduced != "" }

// Spec returns the numeric mode for the next batch.
func (p *Precision) Spec() string {
	if p.reduced == "" {
		return FullPrecision
	}
	return p.reduced
}

// StartEpoch resets the retry budget.
func (p *Precision) StartEpoch(epoch int) {
	p.epoch = epoch
	p.occurrences = 0
}

// Occurrences of non-finite losses in the current epoch.
func (p *Precision) Occurrences() int { return p.occurrences }

// NonFinite registers a non-finite loss of batch in the given mode. It returns whether the batch should be
// retried in FullPrecision, or a faults.TrainingNumericError if the retry budget is exhausted.
func (p *Precision) NonFinite(batch int, spec string, loss float64) (retry bool, err error) {
	p.occurrences++
	if p.occurrences > p.budget {
		return false, &faults.TrainingNumericError{
			Epoch:       p.epoch,
			Batch:       batch,
			Occurrences: p.occurrences,
			Cause:       errors.Errorf("loss=%g with precision %s", loss, spec),
		}
	}
	if spec != FullPrecision && !p.noRetry {
		klog.Warningf("epoch %d, batch %d: loss=%g in %s, retrying the batch in %s", p.epoch, batch, loss, spec, FullPrecision)
		return true, nil
	}
	klog.Warningf("epoch %d, batch %d: loss=%g in %s, skipping the batch update", p.epoch, batch, loss, spec)
	return false, nil
}

// isFiniteLoss returns whether v is neither NaN nor infinite.
func isFiniteLoss(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Accumulation of gradients over several micro-batches: the optimizer is applied once every n forward passes,
// with the mean of the gradients.
type Accumulation struct {
	n       int
	forward int
}

// NewAccumulation creates the strategy for n micro-batches per optimizer step. n <= 1 disables it.
func NewAccumulation(n int) *Accumulation {
	return &Accumulation{n: max(n, 1)}
}

// Attach configures the trainer. It must be called before the first training step.
func (a *Accumulation) Attach(trainer *train.Trainer) error {
	if a.n <= 1 {
		return nil
	}
	if err := trainer.AccumulateGradients(a.n); err != nil {
		return errors.WithMessagef(err, "failed to configure gradient accumulation over %d steps", a.n)
	}
	return nil
}

// N returns the number of micro-batches per optimizer step.
func (a *Accumulation) N() int { return a.n }

// Observe registers one forward pass.
func (a *Accumulation) Observe() { a.forward++ }

// Forward returns the number of forward passes observed.
func (a *Accumulation) Forward() int { return a.forward }

// Steps returns the number of optimizer steps applied so far, read from the global step variable.
func (a *Accumulation) Steps(ctx *context.Context) int64 {
	return optimizers.GetGlobalStep(ctx.InAbsPath(context.RootScope))
}
