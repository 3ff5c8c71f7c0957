// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the configuration of the AccessAtlas training pipeline.
//
// The configuration is a YAML file with the sections "data", "model", "training", "augmentation",
// "export" and "tracking". Values can be overridden with settings of the form
// "training.learning_rate=0.01;model.backbone=custom", see ApplySettings.
//
// Config.Context converts the hyperparameters into a GoMLX context, keyed by the parameter
// names the GoMLX optimizers and layers read.
package config

import (
	"bytes"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/gomlx/accessatlas/internal/fsutil"
	"github.com/gomlx/accessatlas/pkg/faults"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Backbone identifiers accepted by model.backbone.
const (
	BackboneCustom = "custom"
	BackboneSmall  = "small-pretrained"
	BackboneMedium = "medium-pretrained"
	BackboneLarge  = "large-pretrained"
	BackboneMobile = "mobile-pretrained"
)

// Schedulers accepted by training.scheduler.
const (
	SchedulerNone    = "none"
	SchedulerStep    = "step"
	SchedulerCosine  = "cosine"
	SchedulerPlateau = "plateau"
	SchedulerCyclic  = "cyclic"
)

// Export formats accepted by export.formats.
const (
	FormatPortableGraph  = "portable-graph"
	FormatScriptedModule = "scripted-module"
	FormatMobilePackage  = "mobile-package"
)

var (
	KnownBackbones  = []string{BackboneCustom, BackboneSmall, BackboneMedium, BackboneLarge, BackboneMobile}
	KnownOptimizers = []string{"adam", "adamw", "sgd"}
	KnownSchedulers = []string{SchedulerNone, SchedulerStep, SchedulerCosine, SchedulerPlateau, SchedulerCyclic}
	KnownFormats    = []string{FormatPortableGraph, FormatScriptedModule, FormatMobilePackage}
)

// Config is the full pipeline configuration.
type Config struct {
	Data         Data         `yaml:"data"`
	Model        Model        `yaml:"model"`
	Training     Training     `yaml:"training"`
	Augmentation Augmentation `yaml:"augmentation"`
	Export       Export       `yaml:"export"`
	Tracking     Tracking     `yaml:"tracking"`

	// BaseDir is the directory of the configuration file: relative paths are resolved against it.
	BaseDir string `yaml:"-"`
}

// Data configures the Manifest Builder.
type Data struct {
	Table                string     `yaml:"table"`
	ImageRoot            string     `yaml:"image_root"`
	OutputDir            string     `yaml:"output_dir"`
	Vocabulary           []string   `yaml:"vocabulary"`
	AutoExtendVocabulary bool       `yaml:"auto_extend_vocabulary"`
	Ratios               [3]float64 `yaml:"ratios"`
	Seed                 int64      `yaml:"seed"`
}

// Model configures the Fusion Model.
type Model struct {
	Backbone          string  `yaml:"backbone"`
	Pretrained        bool    `yaml:"pretrained"`
	PretrainedDir     string  `yaml:"pretrained_dir"`
	WeightsDir        string  `yaml:"weights_dir"`
	FreezeLayers      int     `yaml:"freeze_layers"`
	ImageSize         int     `yaml:"image_size"`
	CNNChannels       []int   `yaml:"cnn_channels"`
	CNNDropout        float64 `yaml:"cnn_dropout"`
	MetadataHidden    []int   `yaml:"metadata_hidden"`
	MetadataDropout   float64 `yaml:"metadata_dropout"`
	FusionHidden      int     `yaml:"fusion_hidden"`
	FusionDropout     float64 `yaml:"fusion_dropout"`
	ClassifierDropout float64 `yaml:"classifier_dropout"`
}

// Training configures the Training Orchestrator.
type Training struct {
	Optimizer             string  `yaml:"optimizer"`
	LearningRate          float64 `yaml:"learning_rate"`
	WeightDecay           float64 `yaml:"weight_decay"`
	Momentum              float64 `yaml:"momentum"`
	Scheduler             string  `yaml:"scheduler"`
	StepSize              int     `yaml:"step_size"`
	Gamma                 float64 `yaml:"gamma"`
	PlateauFactor         float64 `yaml:"plateau_factor"`
	PlateauPatience       int     `yaml:"plateau_patience"`
	CyclicMinLR           float64 `yaml:"cyclic_min_lr"`
	CyclicPeriodSteps     int     `yaml:"cyclic_period_steps"`
	WarmupSteps           int     `yaml:"warmup_steps"`
	BatchSize             int     `yaml:"batch_size"`
	EvalBatchSize         int     `yaml:"eval_batch_size"`
	GradAccumulationSteps int     `yaml:"grad_accumulation_steps"`
	NumEpochs             int     `yaml:"num_epochs"`
	EarlyStoppingPatience int     `yaml:"early_stopping_patience"`
	GradClip              float64 `yaml:"grad_clip"`
	MixedPrecision        bool    `yaml:"mixed_precision"`
	PrecisionDType        string  `yaml:"precision_dtype"`
	NumericRetryBudget    int     `yaml:"numeric_retry_budget"`
	CheckpointDir         string  `yaml:"checkpoint_dir"`
	SaveEveryEpoch        bool    `yaml:"save_every_epoch"`
	KeepCheckpoints       int     `yaml:"keep_checkpoints"`
	NumWorkers            int     `yaml:"num_workers"`
	Prefetch              int     `yaml:"prefetch"`
	ClassWeights          bool    `yaml:"class_weights"`
	UpdateBatchNorm       bool    `yaml:"update_batch_norm"`
	Resume                bool    `yaml:"resume"`
}

// Augmentation configures the train-mode augmentation chain of the Sample Loader.
type Augmentation struct {
	Enabled               bool       `yaml:"enabled"`
	RandomRotation        float64    `yaml:"random_rotation"`
	RandomHorizontalFlip  bool       `yaml:"random_horizontal_flip"`
	ColorJitterBrightness float64    `yaml:"color_jitter_brightness"`
	ColorJitterContrast   float64    `yaml:"color_jitter_contrast"`
	RandomCropScale       [2]float64 `yaml:"random_crop_scale"`
}

// Export configures the Export Subsystem.
type Export struct {
	Formats            []string `yaml:"formats"`
	OutputDir          string   `yaml:"output_dir"`
	Quantize           bool     `yaml:"quantize"`
	Tolerance          float64  `yaml:"tolerance"`
	QuantizedTolerance float64  `yaml:"quantized_tolerance"`
	WarmupRuns         int      `yaml:"warmup_runs"`
	BenchmarkRuns      int      `yaml:"benchmark_runs"`
}

// Tracking configures the optional sinks of the training history.
type Tracking struct {
	SQLite string `yaml:"sqlite"`
	Plot   bool   `yaml:"plot"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Data: Data{
			Table:     "data/tags.csv",
			ImageRoot: "data/images",
			OutputDir: "data/processed",
			Vocabulary: []string{
				"curb_ramp", "missing_curb_ramp", "obstacle", "surface_problem", "no_sidewalk", "crosswalk"},
			Ratios: [3]float64{0.70, 0.15, 0.15},
			Seed:   42,
		},
		Model: Model{
			Backbone:          BackboneCustom,
			Pretrained:        true,
			WeightsDir:        "~/.cache/accessatlas/weights",
			ImageSize:         224,
			CNNChannels:       []int{32, 64, 128},
			CNNDropout:        0.3,
			MetadataHidden:    []int{64, 64},
			MetadataDropout:   0.3,
			FusionHidden:      256,
			FusionDropout:     0.3,
			ClassifierDropout: 0.3,
		},
		Training: Training{
			Optimizer:             "adamw",
			LearningRate:          1e-3,
			WeightDecay:           1e-4,
			Momentum:              0.9,
			Scheduler:             SchedulerCosine,
			StepSize:              20,
			Gamma:                 0.1,
			PlateauFactor:         0.5,
			PlateauPatience:       5,
			CyclicMinLR:           1e-4,
			CyclicPeriodSteps:     2000,
			BatchSize:             32,
			EvalBatchSize:         64,
			GradAccumulationSteps: 1,
			NumEpochs:             50,
			EarlyStoppingPatience: 10,
			GradClip:              1.0,
			MixedPrecision:        false,
			PrecisionDType:        "float16",
			NumericRetryBudget:    3,
			CheckpointDir:         "checkpoints",
			SaveEveryEpoch:        true,
			KeepCheckpoints:       3,
			NumWorkers:            4,
			Prefetch:              8,
			ClassWeights:          true,
			UpdateBatchNorm:       false,
		},
		Augmentation: Augmentation{
			Enabled:               true,
			RandomRotation:        15,
			RandomHorizontalFlip:  true,
			ColorJitterBrightness: 0.2,
			ColorJitterContrast:   0.2,
			RandomCropScale:       [2]float64{0.8, 1.0},
		},
		Export: Export{
			Formats:            slices.Clone(KnownFormats),
			OutputDir:          "models/exported",
			Quantize:           true,
			Tolerance:          1e-4,
			QuantizedTolerance: 5e-2,
			WarmupRuns:         10,
			BenchmarkRuns:      100,
		},
		Tracking: Tracking{Plot: true},
	}
}

// Load reads the configuration file at path on top of Default, then applies the settings overrides
// (see ApplySettings). An empty path uses only the defaults.
func Load(path, settings string) (*Config, error) {
	cfg := Default()
	if path != "" {
		path, err := fsutil.ReplaceTildeInDir(path)
		if err != nil {
			return nil, err
		}
		contents, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read configuration %q", path)
		}
		if err := decodeStrict(contents, cfg); err != nil {
			return nil, errors.WithMessagef(err, "configuration %q", path)
		}
		cfg.BaseDir = filepath.Dir(path)
	}
	if err := cfg.ApplySettings(settings); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeStrict decodes YAML contents on top of the current values of cfg, failing on unknown keys.
func decodeStrict(contents []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(contents))
	dec.KnownFields(true)
	err := dec.Decode(cfg)
	if err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrap(err, "failed to parse YAML")
	}
	return nil
}

// Path resolves a configured path against BaseDir and expands "~".
func (c *Config) Path(p string) string {
	resolved, err := fsutil.ResolvePath(c.BaseDir, p)
	if err != nil {
		return p
	}
	return resolved
}

// Validate checks for configurations that can't work, returning a faults.ConfigurationError.
func (c *Config) Validate() error {
	bad := func(key string, value any, reason string) error {
		return &faults.ConfigurationError{Key: key, Value: value, Reason: reason}
	}
	if !slices.Contains(KnownBackbones, c.Model.Backbone) {
		return bad("model.backbone", c.Model.Backbone, "valid values are "+quoteList(KnownBackbones))
	}
	if !slices.Contains(KnownOptimizers, c.Training.Optimizer) {
		return bad("training.optimizer", c.Training.Optimizer, "valid values are "+quoteList(KnownOptimizers))
	}
	if !slices.Contains(KnownSchedulers, c.Training.Scheduler) {
		return bad("training.scheduler", c.Training.Scheduler, "valid values are "+quoteList(KnownSchedulers))
	}
	for _, f := range c.Export.Formats {
		if !slices.Contains(KnownFormats, f) {
			return bad("export.formats", f, "valid values are "+quoteList(KnownFormats))
		}
	}
	sum := 0.0
	for _, r := range c.Data.Ratios {
		if r <= 0 {
			return bad("data.ratios", c.Data.Ratios, "every ratio must be positive")
		}
		sum += r
	}
	if math.Abs(sum-1) > 1e-6 {
		return bad("data.ratios", c.Data.Ratios, "ratios must sum to 1")
	}
	if len(c.Data.Vocabulary) == 0 && !c.Data.AutoExtendVocabulary {
		return bad("data.vocabulary", c.Data.Vocabulary, "empty vocabulary requires auto_extend_vocabulary")
	}
	switch {
	case c.Training.BatchSize <= 0:
		return bad("training.batch_size", c.Training.BatchSize, "must be > 0")
	case c.Training.EvalBatchSize <= 0:
		return bad("training.eval_batch_size", c.Training.EvalBatchSize, "must be > 0")
	case c.Training.GradAccumulationSteps <= 0:
		return bad("training.grad_accumulation_steps", c.Training.GradAccumulationSteps, "must be > 0")
	case c.Training.NumEpochs <= 0:
		return bad("training.num_epochs", c.Training.NumEpochs, "must be > 0")
	case c.Training.LearningRate <= 0 || math.IsNaN(c.Training.LearningRate):
		return bad("training.learning_rate", c.Training.LearningRate, "must be > 0")
	case c.Training.EarlyStoppingPatience < 0:
		return bad("training.early_stopping_patience", c.Training.EarlyStoppingPatience, "must be >= 0")
	case c.Training.GradClip < 0:
		return bad("training.grad_clip", c.Training.GradClip, "must be >= 0 (0 disables clipping)")
	case c.Training.NumericRetryBudget < 0:
		return bad("training.numeric_retry_budget", c.Training.NumericRetryBudget, "must be >= 0")
	case c.Training.PrecisionDType != "float16" && c.Training.PrecisionDType != "bfloat16":
		return bad("training.precision_dtype", c.Training.PrecisionDType, `valid values are "float16", "bfloat16"`)
	case c.Training.Scheduler == SchedulerStep && c.Training.StepSize <= 0:
		return bad("training.step_size", c.Training.StepSize, "must be > 0 with the step scheduler")
	case c.Training.Scheduler == SchedulerCyclic && c.Training.CyclicPeriodSteps < 2:
		return bad("training.cyclic_period_steps", c.Training.CyclicPeriodSteps, "must be >= 2")
	case c.Training.Scheduler == SchedulerCyclic && c.Training.CyclicMinLR >= c.Training.LearningRate:
		return bad("training.cyclic_min_lr", c.Training.CyclicMinLR, "must be below training.learning_rate")
	case c.Model.ImageSize < 32:
		return bad("model.image_size", c.Model.ImageSize, "must be >= 32")
	case c.Model.FreezeLayers < 0:
		return bad("model.freeze_layers", c.Model.FreezeLayers, "must be >= 0")
	case c.Model.FusionHidden <= 0:
		return bad("model.fusion_hidden", c.Model.FusionHidden, "must be > 0")
	case len(c.Model.MetadataHidden) < 1 || len(c.Model.MetadataHidden) > 2:
		return bad("model.metadata_hidden", c.Model.MetadataHidden, "the side encoder takes 1 or 2 hidden layers")
	case c.Model.Backbone == BackboneCustom && len(c.Model.CNNChannels) == 0:
		return bad("model.cnn_channels", c.Model.CNNChannels, "the custom backbone needs at least one block")
	case c.Model.Backbone == BackboneLarge && c.Model.ImageSize < 75:
		return bad("model.image_size", c.Model.ImageSize, "InceptionV3 requires images of at least 75x75")
	}
	scale := c.Augmentation.RandomCropScale
	if c.Augmentation.Enabled && (scale[0] <= 0 || scale[0] > scale[1] || scale[1] > 1) {
		return bad("augmentation.random_crop_scale", scale, "must satisfy 0 < min <= max <= 1")
	}
	return nil
}

func quoteList(values []string) string {
	var buf bytes.Buffer
	for ii, v := range values {
		if ii > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(`"` + v + `"`)
	}
	return buf.String()
}
