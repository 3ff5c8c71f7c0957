// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
)

// Hyperparameters stored in the context that are not owned by a GoMLX package.
const (
	// ParamMomentum is the momentum of the "sgd" optimizer.
	ParamMomentum = "sgd_momentum"

	// ParamSGDWeightDecay is the L2 weight decay of the "sgd" optimizer.
	ParamSGDWeightDecay = "sgd_weight_decay"

	// ParamGradClip is the global norm to which gradients are clipped. 0 disables clipping.
	ParamGradClip = "grad_clip"
)

// Context creates a new GoMLX context with the training hyperparameters set as context parameters,
// under the names the GoMLX optimizers and layers read them.
//
// Model structure (channels, hidden sizes, dropouts per block) is not stored in the context: it is
// part of the fusion model configuration.
func (c *Config) Context() *context.Context {
	ctx := context.New()
	t := &c.Training

	weightDecay := 0.0
	if t.Optimizer == "adamw" {
		weightDecay = t.WeightDecay
	}
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:           t.Optimizer,
		optimizers.ParamLearningRate:        t.LearningRate,
		optimizers.ParamAdamWeightDecay:     weightDecay,
		optimizers.ParamAdamEpsilon:         1e-8,
		optimizers.ParamClipNaN:             false,
		cosineschedule.ParamPeriodSteps:     0, // Set by the orchestrator once the number of steps per epoch is known.
		cosineschedule.ParamWarmUpSteps:     t.WarmupSteps,
		cosineschedule.ParamMinLearningRate: 0.0,
		activations.ParamActivation:         "relu",
		layers.ParamDropoutRate:             c.Model.ClassifierDropout,
		ParamMomentum:                       t.Momentum,
		ParamSGDWeightDecay:                 sgdWeightDecay(t),
		ParamGradClip:                       t.GradClip,
		context.ParamInitialSeed:            c.Data.Seed,
	})
	return ctx
}

func sgdWeightDecay(t *Training) float64 {
	if t.Optimizer == "sgd" {
		return t.WeightDecay
	}
	return 0
}
