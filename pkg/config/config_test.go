// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/accessatlas/pkg/faults"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "train.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data:
  table: tags.csv
  seed: 7
model:
  backbone: small-pretrained
  cnn_channels: [8, 16]
training:
  optimizer: sgd
  batch_size: 8
`), 0o644))

	cfg, err := Load(path, "training.learning_rate=0.01;training.num_epochs=1_000;model.cnn_channels=[4, 8, 16]")
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.BaseDir)
	assert.Equal(t, filepath.Join(dir, "tags.csv"), cfg.Path(cfg.Data.Table))
	assert.Equal(t, int64(7), cfg.Data.Seed)
	assert.Equal(t, BackboneSmall, cfg.Model.Backbone)
	assert.Equal(t, []int{4, 8, 16}, cfg.Model.CNNChannels)
	assert.Equal(t, "sgd", cfg.Training.Optimizer)
	assert.Equal(t, 8, cfg.Training.BatchSize)
	assert.Equal(t, 0.01, cfg.Training.LearningRate)
	assert.Equal(t, 1000, cfg.Training.NumEpochs)

	// Values not in the file keep their defaults.
	assert.Equal(t, 64, cfg.Training.EvalBatchSize)
	assert.Equal(t, [3]float64{0.70, 0.15, 0.15}, cfg.Data.Ratios)
	assert.True(t, cfg.Augmentation.RandomHorizontalFlip)
}

func TestLoadUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("training:\n  learning_rat: 0.1\n"), 0o644))
	_, err := Load(path, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "learning_rat")

	_, err = Load("", "training.no_such_key=1")
	require.Error(t, err)
}

func TestSettingsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(path, []byte(`
# Comments and empty lines are ignored.
training.scheduler=step;training.step_size=3

model.backbone=mobile-pretrained
`), 0o644))
	cfg := Default()
	require.NoError(t, cfg.ApplySettings("file:"+path+";training.gamma=0.5"))
	assert.Equal(t, SchedulerStep, cfg.Training.Scheduler)
	assert.Equal(t, 3, cfg.Training.StepSize)
	assert.Equal(t, BackboneMobile, cfg.Model.Backbone)
	assert.Equal(t, 0.5, cfg.Training.Gamma)

	require.Error(t, cfg.ApplySettings("training.gamma"))
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		setting, key string
	}{
		{"model.backbone=resnet-9000", "model.backbone"},
		{"training.optimizer=lion", "training.optimizer"},
		{"training.scheduler=exponential", "training.scheduler"},
		{"training.batch_size=0", "training.batch_size"},
		{"training.grad_accumulation_steps=0", "training.grad_accumulation_steps"},
		{"data.ratios=[0.5, 0.3, 0.3]", "data.ratios"},
		{"export.formats=[portable-graph, pickle]", "export.formats"},
		{"training.precision_dtype=float8", "training.precision_dtype"},
	} {
		t.Run(tc.setting, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, cfg.ApplySettings(tc.setting))
			err := cfg.Validate()
			var configErr *faults.ConfigurationError
			require.True(t, errors.As(err, &configErr), "expected ConfigurationError, got %v", err)
			assert.Equal(t, tc.key, configErr.Key)
			assert.Equal(t, faults.ExitConfiguration, faults.ExitCode(err))
		})
	}
}

func TestContext(t *testing.T) {
	cfg := Default()
	ctx := cfg.Context()
	assert.Equal(t, "adamw", context.GetParamOr(ctx, optimizers.ParamOptimizer, ""))
	assert.Equal(t, 1e-3, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
	assert.Equal(t, 1e-4, context.GetParamOr(ctx, optimizers.ParamAdamWeightDecay, 0.0))
	assert.Equal(t, 0.0, context.GetParamOr(ctx, ParamSGDWeightDecay, -1.0))

	cfg.Training.Optimizer = "sgd"
	ctx = cfg.Context()
	assert.Equal(t, 0.0, context.GetParamOr(ctx, optimizers.ParamAdamWeightDecay, -1.0))
	assert.Equal(t, 1e-4, context.GetParamOr(ctx, ParamSGDWeightDecay, 0.0))
	assert.Equal(t, 0.9, context.GetParamOr(ctx, ParamMomentum, 0.0))
}
