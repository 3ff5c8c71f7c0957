// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package loader turns manifest records into training examples and batches them into a train.Dataset.
//
// Images are decoded and transformed with github.com/disintegration/imaging. In train mode a randomized
// augmentation chain (rotation, horizontal flip, random resized crop and color jitter) is applied before
// resizing; in eval mode images are only resized. Pixel values are yielded in [0, 1]: the ImageNet
// normalization is part of the model graph, so exported models take the same inputs.
package loader

import (
	"image"
	"math/rand/v2"

	"github.com/disintegration/imaging"
	"github.com/gomlx/accessatlas/internal/fsutil"
	"github.com/gomlx/accessatlas/pkg/manifest"
	"github.com/pkg/errors"
)

// Mode of the loader.
type Mode int

const (
	// Eval mode only resizes images, and never reorders examples.
	Eval Mode = iota

	// Train mode applies the augmentation chain and shuffles the examples every epoch.
	Train
)

func (m Mode) String() string {
	if m == Train {
		return "train"
	}
	return "eval"
}

// Augmentation configures the train-mode augmentation chain.
type Augmentation struct {
	Enabled bool

	// Rotation is the maximum rotation in degrees: the angle is sampled uniformly in [-Rotation, Rotation].
	Rotation float64

	// HorizontalFlip flips the image with probability 0.5.
	HorizontalFlip bool

	// Brightness and Contrast are the jitter magnitudes, as fractions: e.g. 0.2 for ±20%.
	Brightness, Contrast float64

	// CropScale is the range of the fraction of the image area kept by the random resized crop.
	// The crop is disabled if CropScale[0] >= 1.
	CropScale [2]float64
}

// Example is one training example.
type Example struct {
	// Image is Size x Size.
	Image  *image.NRGBA
	Coords [2]float32
	Source []float32
	Label  int32
}

// Loader reads manifest records into examples.
type Loader struct {
	meta      *manifest.Metadata
	imageRoot string
	size      int
	aug       Augmentation
}

// New creates a Loader for images of size x size pixels.
func New(meta *manifest.Metadata, imageRoot string, size int, aug Augmentation) *Loader {
	return &Loader{meta: meta, imageRoot: imageRoot, size: size, aug: aug}
}

// Metadata used to encode the examples.
func (l *Loader) Metadata() *manifest.Metadata { return l.meta }

// ImageSize returns the size (width and height) of the images.
func (l *Loader) ImageSize() int { return l.size }

// Load the example of the record. In Train mode rng drives the augmentation, and it's not used in Eval mode.
//
// A missing or corrupt image is an error naming the path: there are no placeholder images.
func (l *Loader) Load(rec manifest.Record, mode Mode, rng *rand.Rand) (*Example, error) {
	imgPath, err := fsutil.ResolvePath(l.imageRoot, rec.ImagePath)
	if err != nil {
		return nil, err
	}
	img, err := imaging.Open(imgPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load image %q (row %d)", imgPath, rec.Row)
	}
	var out *image.NRGBA
	if mode == Train && l.aug.Enabled {
		out = l.augment(img, rng)
	} else {
		out = imaging.Resize(img, l.size, l.size, imaging.Lanczos)
	}
	latNorm, lonNorm := l.meta.Normalize(rec.Lat, rec.Lon)
	return &Example{
		Image:  out,
		Coords: [2]float32{float32(latNorm), float32(lonNorm)},
		Source: l.meta.OneHotSource(rec.Source),
		Label:  int32(rec.Label),
	}, nil
}
