// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"image/color"
	"os"

	"github.com/gomlx/accessatlas/internal/fsutil"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// PlotFile is the name of the training curves image, written next to the history.
const PlotFile = "training_curves.png"

var (
	trainColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	valColor   = color.RGBA{R: 255, G: 127, B: 14, A: 255}
)

// PlotSink is a Sink that redraws the loss and accuracy curves after every epoch.
type PlotSink struct {
	Path string
}

var _ Sink = (*PlotSink)(nil)

// Record implements Sink.
func (s *PlotSink) Record(h *History, _ EpochRecord) error {
	return PlotHistory(h, s.Path)
}

// Close implements Sink.
func (s *PlotSink) Close() error { return nil }

// PlotHistory draws the train and validation loss (left) and accuracy (right) per epoch into a PNG file.
func PlotHistory(h *History, path string) error {
	lossPlot := plot.New()
	lossPlot.Title.Text = "Loss"
	lossPlot.X.Label.Text = "epoch"
	accPlot := plot.New()
	accPlot.Title.Text = "Accuracy (%)"
	accPlot.X.Label.Text = "epoch"

	var trainLoss, valLoss, trainAcc, valAcc plotter.XYs
	for _, rec := range h.Epochs {
		x := float64(rec.Epoch)
		trainLoss = append(trainLoss, plotter.XY{X: x, Y: rec.Train.Loss})
		valLoss = append(valLoss, plotter.XY{X: x, Y: rec.Val.Loss})
		trainAcc = append(trainAcc, plotter.XY{X: x, Y: rec.Train.Accuracy})
		valAcc = append(valAcc, plotter.XY{X: x, Y: rec.Val.Accuracy})
	}
	if len(trainLoss) > 0 {
		if err := addCurves(lossPlot, trainLoss, valLoss); err != nil {
			return err
		}
		if err := addCurves(accPlot, trainAcc, valAcc); err != nil {
			return err
		}
	}

	const width, height = 12 * vg.Inch, 4.5 * vg.Inch
	img := vgimg.New(width, height)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 1, Cols: 2, PadX: vg.Millimeter * 4, PadY: vg.Millimeter * 4,
		PadTop: vg.Millimeter * 2, PadBottom: vg.Millimeter * 2, PadLeft: vg.Millimeter * 2, PadRight: vg.Millimeter * 2}
	canvases := plot.Align([][]*plot.Plot{{lossPlot, accPlot}}, tiles, dc)
	lossPlot.Draw(canvases[0][0])
	accPlot.Draw(canvases[0][1])

	err := fsutil.WriteFileAtomic(path, func(f *os.File) error {
		_, err := vgimg.PngCanvas{Canvas: img}.WriteTo(f)
		return err
	})
	return errors.WithMessagef(err, "failed to save training curves to %q", path)
}

func addCurves(p *plot.Plot, train, val plotter.XYs) error {
	for _, curve := range []struct {
		name  string
		xys   plotter.XYs
		color color.Color
	}{{"train", train, trainColor}, {"val", val, valColor}} {
		line, err := plotter.NewLine(curve.xys)
		if err != nil {
			return errors.Wrapf(err, "failed to plot %s curve", curve.name)
		}
		line.Color = curve.color
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(curve.name, line)
	}
	p.Add(plotter.NewGrid())
	p.Legend.Top = true
	return nil
}
