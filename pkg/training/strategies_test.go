// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"math"
	"testing"

	"github.com/gomlx/accessatlas/pkg/config"
	"github.com/gomlx/accessatlas/pkg/faults"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestPrecisionBudget(t *testing.T) {
	p := NewPrecision("float16", 2)
	require.True(t, p.Mixed())
	assert.Equal(t, "float16", p.Spec())
	p.StartEpoch(3)

	retry, err := p.NonFinite(0, "float16", math.NaN())
	require.NoError(t, err)
	assert.True(t, retry, "reduced precision falls back to full precision")

	retry, err = p.NonFinite(1, FullPrecision, math.Inf(1))
	require.NoError(t, err)
	assert.False(t, retry, "full precision skips the batch")
	assert.Equal(t, 2, p.Occurrences())

	_, err = p.NonFinite(7, "float16", math.NaN())
	var numErr *faults.TrainingNumericError
	require.ErrorAs(t, err, &numErr)
	assert.Equal(t, 3, numErr.Epoch)
	assert.Equal(t, 7, numErr.Batch)
	assert.Equal(t, 3, numErr.Occurrences)

	// A new epoch resets the budget.
	p.StartEpoch(4)
	assert.Equal(t, 0, p.Occurrences())
	_, err = p.NonFinite(0, "float16", math.NaN())
	require.NoError(t, err)

	fp32 := NewPrecision("", 0)
	assert.False(t, fp32.Mixed())
	assert.Equal(t, FullPrecision, fp32.Spec())
	_, err = fp32.NonFinite(0, FullPrecision, math.NaN())
	require.ErrorAs(t, err, &numErr)
}

func TestPrecisionWithoutRetry(t *testing.T) {
	p := NewPrecision("bfloat16", 1).WithoutRetry()
	p.StartEpoch(1)
	retry, err := p.NonFinite(0, "bfloat16", math.NaN())
	require.NoError(t, err)
	assert.False(t, retry, "the batch is skipped in its reduced precision")
	assert.Equal(t, 1, p.Occurrences())

	_, err = p.NonFinite(1, "bfloat16", math.Inf(-1))
	var numErr *faults.TrainingNumericError
	require.ErrorAs(t, err, &numErr)
	assert.Equal(t, 2, numErr.Occurrences)
}

func TestIsFiniteLoss(t *testing.T) {
	assert.True(t, isFiniteLoss(0.5))
	assert.False(t, isFiniteLoss(math.NaN()))
	assert.False(t, isFiniteLoss(math.Inf(-1)))
}

// sgdContext returns a context configured for plain SGD (no momentum, no clipping).
func sgdContext(learningRate float64) *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    "sgd",
		optimizers.ParamLearningRate: learningRate,
		config.ParamMomentum:         0.0,
		config.ParamSGDWeightDecay:   0.0,
		config.ParamGradClip:         0.0,
	})
	return ctx
}

// predictionModel predicts the value of a single scalar variable for every example.
func predictionModel(ctx *context.Context, _ any, inputs []*Node) []*Node {
	g := inputs[0].Graph()
	prediction := ctx.In("model").VariableWithValue("prediction", float32(0)).ValueGraph(g)
	return []*Node{Add(MulScalar(inputs[0], 0), prediction)}
}

func TestAccumulation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := sgdContext(0.1)
	optimizer, err := NewOptimizer(ctx)
	require.NoError(t, err)
	trainer := train.NewTrainer(backend, ctx, predictionModel, losses.MeanAbsoluteError, optimizer, nil, nil)

	// Batches of 8 examples, accumulated over 4 micro-batches.
	const batchSize, microBatches = 8, 4
	acc := NewAccumulation(microBatches)
	require.Equal(t, microBatches, acc.N())
	require.NoError(t, acc.Attach(trainer))

	inputs := make([]float32, batchSize)
	labels := make([]float32, batchSize)
	for ii := range labels {
		labels[ii] = 10
	}
	for step := 1; step <= 2*microBatches; step++ {
		_, err := trainer.TrainStep(nil,
			[]*tensors.Tensor{tensors.FromFlatDataAndDimensions(inputs, batchSize, 1)},
			[]*tensors.Tensor{tensors.FromFlatDataAndDimensions(labels, batchSize, 1)})
		require.NoError(t, err)
		acc.Observe()
		assert.Equalf(t, int64(step/microBatches), acc.Steps(ctx), "after %d micro-batches", step)
	}
	assert.Equal(t, 2*microBatches, acc.Forward())
	assert.Equal(t, int64(2), acc.Steps(ctx))

	// Mean gradient is -1 at each optimizer step: 2 steps of 0.1.
	prediction := ctx.GetVariableByScopeAndName("/model", "prediction")
	require.NotNil(t, prediction)
	assert.InDelta(t, float32(0.2), prediction.MustValue().Value().(float32), 1e-5)
}

func TestNoAccumulation(t *testing.T) {
	acc := NewAccumulation(0)
	assert.Equal(t, 1, acc.N())
	backend := graphtest.BuildTestBackend()
	ctx := sgdContext(0.1)
	optimizer, err := NewOptimizer(ctx)
	require.NoError(t, err)
	trainer := train.NewTrainer(backend, ctx, predictionModel, losses.MeanAbsoluteError, optimizer, nil, nil)
	require.NoError(t, acc.Attach(trainer))
	_, err = trainer.TrainStep(nil,
		[]*tensors.Tensor{tensors.FromFlatDataAndDimensions([]float32{0, 0}, 2, 1)},
		[]*tensors.Tensor{tensors.FromFlatDataAndDimensions([]float32{1, 1}, 2, 1)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), acc.Steps(ctx))
}

func TestNewOptimizer(t *testing.T) {
	for _, name := range config.KnownOptimizers {
		ctx := sgdContext(0.01)
		ctx.SetParam(optimizers.ParamOptimizer, name)
		opt, err := NewOptimizer(ctx)
		require.NoErrorf(t, err, "optimizer %q", name)
		require.NotNil(t, opt)
	}
	ctx := sgdContext(0.01)
	ctx.SetParam(optimizers.ParamOptimizer, "rmsprop")
	_, err := NewOptimizer(ctx)
	var configErr *faults.ConfigurationError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "training.optimizer", configErr.Key)
}

func TestGradientClipping(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := sgdContext(1.0)
	ctx.SetParam(config.ParamGradClip, 0.5)
	optimizer, err := NewOptimizer(ctx)
	require.NoError(t, err)
	trainer := train.NewTrainer(backend, ctx, predictionModel, losses.MeanAbsoluteError, optimizer, nil, nil)
	_, err = trainer.TrainStep(nil,
		[]*tensors.Tensor{tensors.FromFlatDataAndDimensions([]float32{0}, 1, 1)},
		[]*tensors.Tensor{tensors.FromFlatDataAndDimensions([]float32{10}, 1, 1)})
	require.NoError(t, err)

	// Gradient is -1, clipped to norm 0.5, with learning rate 1.
	prediction := ctx.GetVariableByScopeAndName("/model", "prediction")
	require.NotNil(t, prediction)
	assert.InDelta(t, float32(0.5), prediction.MustValue().Value().(float32), 1e-4)
}

func TestNonFiniteGradientsSkipUpdate(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := sgdContext(0.1)
	optimizer, err := NewOptimizer(ctx)
	require.NoError(t, err)
	trainer := train.NewTrainer(backend, ctx, predictionModel, losses.MeanAbsoluteError, optimizer, nil, nil)
	inputs := []*tensors.Tensor{tensors.FromFlatDataAndDimensions([]float32{0}, 1, 1)}

	nan := float32(math.NaN())
	metrics, err := trainer.TrainStep(nil, inputs, []*tensors.Tensor{tensors.FromFlatDataAndDimensions([]float32{nan}, 1, 1)})
	require.NoError(t, err)
	assert.False(t, isFiniteLoss(scalarValue(metrics[0])))
	prediction := ctx.GetVariableByScopeAndName("/model", "prediction")
	require.NotNil(t, prediction)
	assert.Equal(t, float32(0), prediction.MustValue().Value().(float32))
	assert.Equal(t, int64(0), optimizers.GetGlobalStep(ctx), "a skipped update doesn't count as a step")

	trainer.SetContext(ctx.Reuse())
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions([]float32{0}, 1, 1)}
	_, err = trainer.TrainStep(nil, inputs, []*tensors.Tensor{tensors.FromFlatDataAndDimensions([]float32{10}, 1, 1)})
	require.NoError(t, err)
	assert.InDelta(t, float32(0.1), prediction.MustValue().Value().(float32), 1e-5)
	assert.Equal(t, int64(1), optimizers.GetGlobalStep(ctx))
}
