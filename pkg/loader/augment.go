// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loader

import (
	"image"
	"image/color"
	"math"
	"math/rand/v2"

	"github.com/disintegration/imaging"
)

// maxCropAttempts before the random resized crop falls back to the whole image.
const maxCropAttempts = 10

// augment applies the train-mode chain: rotation, horizontal flip, random resized crop and color jitter.
func (l *Loader) augment(img image.Image, rng *rand.Rand) *image.NRGBA {
	aug := &l.aug
	bounds := img.Bounds()
	if aug.Rotation > 0 {
		angle := (2*rng.Float64() - 1) * aug.Rotation
		// imaging.Rotate enlarges the canvas, crop it back to the original size.
		img = imaging.CropCenter(imaging.Rotate(img, angle, color.Black), bounds.Dx(), bounds.Dy())
	}
	if aug.HorizontalFlip && rng.IntN(2) == 1 {
		img = imaging.FlipH(img)
	}
	if aug.CropScale[0] > 0 && aug.CropScale[0] < 1 {
		img = imaging.Crop(img, randomCropRect(img.Bounds(), aug.CropScale, rng))
	}
	out := imaging.Resize(img, l.size, l.size, imaging.Lanczos)
	if aug.Brightness > 0 {
		out = imaging.AdjustBrightness(out, 100*(2*rng.Float64()-1)*aug.Brightness)
	}
	if aug.Contrast > 0 {
		out = imaging.AdjustContrast(out, 100*(2*rng.Float64()-1)*aug.Contrast)
	}
	return out
}

// randomCropRect samples a crop covering a fraction of the area in scale and with aspect ratio
// in [3/4, 4/3] (sampled log-uniformly). If no such crop fits after maxCropAttempts, the whole
// image is used.
func randomCropRect(bounds image.Rectangle, scale [2]float64, rng *rand.Rand) image.Rectangle {
	width, height := bounds.Dx(), bounds.Dy()
	area := float64(width * height)
	logMinRatio, logMaxRatio := math.Log(3.0/4.0), math.Log(4.0/3.0)
	for range maxCropAttempts {
		targetArea := area * (scale[0] + rng.Float64()*(scale[1]-scale[0]))
		ratio := math.Exp(logMinRatio + rng.Float64()*(logMaxRatio-logMinRatio))
		w := int(math.Round(math.Sqrt(targetArea * ratio)))
		h := int(math.Round(math.Sqrt(targetArea / ratio)))
		if w <= 0 || h <= 0 || w > width || h > height {
			continue
		}
		x0 := bounds.Min.X + rng.IntN(width-w+1)
		y0 := bounds.Min.Y + rng.IntN(height-h+1)
		return image.Rect(x0, y0, x0+w, y0+h)
	}
	return bounds
}
