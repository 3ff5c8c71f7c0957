// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/gomlx/accessatlas/pkg/fusion"
	"github.com/gomlx/accessatlas/pkg/loader"
	"github.com/gomlx/accessatlas/pkg/manifest"
)

// ManifestConfig returns the configuration of the Manifest Builder, with paths resolved.
func (c *Config) ManifestConfig() *manifest.Config {
	return &manifest.Config{
		Table:      c.Path(c.Data.Table),
		ImageRoot:  c.Path(c.Data.ImageRoot),
		OutputDir:  c.Path(c.Data.OutputDir),
		Vocabulary: c.Data.Vocabulary,
		AutoExtend: c.Data.AutoExtendVocabulary,
		Ratios:     c.Data.Ratios,
		Seed:       c.Data.Seed,
	}
}

// FusionConfig returns the configuration of the fusion model for the classes and sources of meta.
func (c *Config) FusionConfig(meta *manifest.Metadata) fusion.Config {
	m := &c.Model
	pretrainedDir := m.PretrainedDir
	if pretrainedDir != "" {
		pretrainedDir = c.Path(pretrainedDir)
	}
	return fusion.Config{
		Backbone:          m.Backbone,
		Pretrained:        m.Pretrained,
		PretrainedDir:     pretrainedDir,
		DataDir:           c.Path(m.WeightsDir),
		FreezeLayers:      m.FreezeLayers,
		ImageSize:         m.ImageSize,
		CNNChannels:       m.CNNChannels,
		CNNDropout:        m.CNNDropout,
		MetadataHidden:    m.MetadataHidden,
		MetadataDropout:   m.MetadataDropout,
		FusionHidden:      m.FusionHidden,
		FusionDropout:     m.FusionDropout,
		ClassifierDropout: m.ClassifierDropout,
		NumClasses:        meta.NumClasses,
		NumSources:        meta.NumSources(),
	}
}

// LoaderAugmentation returns the train-mode augmentation of the Sample Loader.
func (c *Config) LoaderAugmentation() loader.Augmentation {
	a := &c.Augmentation
	return loader.Augmentation{
		Enabled:        a.Enabled,
		Rotation:       a.RandomRotation,
		HorizontalFlip: a.RandomHorizontalFlip,
		Brightness:     a.ColorJitterBrightness,
		Contrast:       a.ColorJitterContrast,
		CropScale:      a.RandomCropScale,
	}
}

// Datasets creates the datasets of a manifest built by the Manifest Builder: the shuffled and augmented
// train dataset, and the evaluation datasets of the train, validation and test splits.
func (c *Config) Datasets(result *manifest.Result) (train, trainEval, val, test *loader.Dataset) {
	t := &c.Training
	l := loader.New(result.Metadata, c.Path(c.Data.ImageRoot), c.Model.ImageSize, c.LoaderAugmentation())
	configure := func(ds *loader.Dataset) *loader.Dataset {
		return ds.Seed(c.Data.Seed).Workers(t.NumWorkers).Prefetch(t.Prefetch)
	}
	train = configure(l.NewDataset("train", result.SplitRecords(0), loader.Train, t.BatchSize))
	trainEval = configure(l.NewDataset("train-eval", result.SplitRecords(0), loader.Eval, t.EvalBatchSize))
	val = configure(l.NewDataset("val", result.SplitRecords(1), loader.Eval, t.EvalBatchSize))
	test = configure(l.NewDataset("test", result.SplitRecords(2), loader.Eval, t.EvalBatchSize))
	return
}
