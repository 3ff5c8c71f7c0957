// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"fmt"
	"io"

	"github.com/gomlx/accessatlas/pkg/fusion"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Evaluator runs the model in inference mode (no dropout, batch normalization with the moving averages)
// over a dataset.
type Evaluator struct {
	exec       *context.Exec
	numClasses int
}

// NewEvaluator creates an evaluator of model with the variables in ctx. The loss is the same weighted
// cross-entropy used for training.
func NewEvaluator(backend backends.Backend, ctx *context.Context, model *fusion.Model, classWeights []float64) (*Evaluator, error) {
	lossFn := WeightedCrossEntropy(classWeights)
	exec, err := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, inputs []*Node) []*Node {
		images, coords, sources, labels := inputs[0], inputs[1], inputs[2], inputs[3]
		logits := model.Logits(ctx, images, coords, sources)
		loss := lossFn([]*Node{labels}, []*Node{logits})
		predictions := ArgMax(logits, -1, dtypes.Int32)
		return []*Node{loss, predictions}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create evaluation executor")
	}
	return &Evaluator{exec: exec, numClasses: model.Config().NumClasses}, nil
}

// batchFn is called for each batch evaluated with the loss, the labels and the predicted classes.
type batchFn func(loss float64, labels, predictions []int32)

// run evaluates all batches of one epoch of ds.
func (e *Evaluator) run(ds train.Dataset, fn batchFn) error {
	ds.Reset()
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WithMessagef(err, "evaluating on %q", ds.Name())
		}
		err = e.batch(inputs, labels, fn)
		for _, t := range append(inputs, labels...) {
			t.FinalizeAll()
		}
		if err != nil {
			return errors.WithMessagef(err, "evaluating on %q", ds.Name())
		}
	}
	return nil
}

func (e *Evaluator) batch(inputs, labels []*tensors.Tensor, fn batchFn) error {
	if len(inputs) != 3 || len(labels) != 1 {
		return errors.Errorf("dataset must yield 3 inputs and 1 label, got %d and %d", len(inputs), len(labels))
	}
	outputs, err := e.exec.Exec(inputs[0], inputs[1], inputs[2], labels[0])
	if err != nil {
		return err
	}
	defer func() {
		for _, t := range outputs {
			t.FinalizeAll()
		}
	}()
	loss := float64(tensors.ToScalar[float32](outputs[0]))
	predictions := outputs[1].Value().([]int32)
	labelsValue := labels[0].Value().([][]int32)
	flatLabels := make([]int32, len(labelsValue))
	for ii, row := range labelsValue {
		flatLabels[ii] = row[0]
	}
	fn(loss, flatLabels, predictions)
	return nil
}

// Evaluate returns the loss (mean over batches weighted by batch size) and the accuracy (in percent) over ds.
func (e *Evaluator) Evaluate(ds train.Dataset) (loss, accuracy float64, err error) {
	var total, correct int
	var lossSum float64
	err = e.run(ds, func(batchLoss float64, labels, predictions []int32) {
		lossSum += batchLoss * float64(len(labels))
		total += len(labels)
		for ii, label := range labels {
			if predictions[ii] == label {
				correct++
			}
		}
	})
	if err != nil {
		return
	}
	if total == 0 {
		err = errors.Errorf("dataset %q yielded no examples to evaluate", ds.Name())
		return
	}
	return lossSum / float64(total), 100 * float64(correct) / float64(total), nil
}

// ClassReport holds the metrics of one class.
type ClassReport struct {
	Name                  string
	Precision, Recall, F1 float64
	Support               int
}

// Evaluation is the detailed evaluation report of a dataset.
type Evaluation struct {
	Loss     float64
	Accuracy float64
	Total    int

	// Confusion[trueClass][predictedClass] counts the examples.
	Confusion [][]int
	Classes   []ClassReport

	MacroPrecision, MacroRecall, MacroF1 float64
}

// EvaluateDetailed evaluates ds and computes the confusion matrix and the per-class report. classNames
// are the names of the classes, in label order.
func (e *Evaluator) EvaluateDetailed(ds train.Dataset, classNames []string) (*Evaluation, error) {
	eval := &Evaluation{Confusion: make([][]int, e.numClasses)}
	for ii := range eval.Confusion {
		eval.Confusion[ii] = make([]int, e.numClasses)
	}
	var lossSum float64
	err := e.run(ds, func(batchLoss float64, labels, predictions []int32) {
		lossSum += batchLoss * float64(len(labels))
		for ii, label := range labels {
			eval.Confusion[label][predictions[ii]]++
		}
		eval.Total += len(labels)
	})
	if err != nil {
		return nil, err
	}
	if eval.Total == 0 {
		return nil, errors.Errorf("dataset %q yielded no examples to evaluate", ds.Name())
	}
	eval.Loss = lossSum / float64(eval.Total)
	eval.fillReport(classNames)
	return eval, nil
}

// fillReport computes the per-class metrics, the macro averages and the accuracy from the confusion matrix.
// Precision or recall with a zero denominator are 0, and so is F1 when both are 0.
func (eval *Evaluation) fillReport(classNames []string) {
	numClasses := len(eval.Confusion)
	predicted := make([]int, numClasses)
	correct := 0
	for trueClass, row := range eval.Confusion {
		for predClass, count := range row {
			predicted[predClass] += count
		}
		correct += row[trueClass]
	}
	eval.Accuracy = 100 * float64(correct) / float64(eval.Total)
	eval.Classes = make([]ClassReport, numClasses)
	for c := range numClasses {
		report := ClassReport{Name: classNameOf(classNames, c)}
		tp := eval.Confusion[c][c]
		for _, count := range eval.Confusion[c] {
			report.Support += count
		}
		if predicted[c] > 0 {
			report.Precision = float64(tp) / float64(predicted[c])
		}
		if report.Support > 0 {
			report.Recall = float64(tp) / float64(report.Support)
		}
		if report.Precision+report.Recall > 0 {
			report.F1 = 2 * report.Precision * report.Recall / (report.Precision + report.Recall)
		}
		eval.Classes[c] = report
		eval.MacroPrecision += report.Precision
		eval.MacroRecall += report.Recall
		eval.MacroF1 += report.F1
	}
	eval.MacroPrecision /= float64(numClasses)
	eval.MacroRecall /= float64(numClasses)
	eval.MacroF1 /= float64(numClasses)
}

func classNameOf(names []string, c int) string {
	if c < len(names) {
		return names[c]
	}
	return fmt.Sprintf("class_%d", c)
}
