// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
)

// WeightedCrossEntropy returns the loss function used for training: the sparse categorical cross-entropy of the
// logits, with each example weighted by the weight of its class, normalized by the sum of the weights of the batch.
//
// If classWeights is empty, all examples weigh the same and it's the mean cross-entropy.
func WeightedCrossEntropy(classWeights []float64) train.LossFn {
	weights32 := make([]float32, len(classWeights))
	for ii, w := range classWeights {
		weights32[ii] = float32(w)
	}
	return func(labels, predictions []*Node) *Node {
		logits := predictions[0]
		classes := labels[0] // [batch, 1], int32.
		if len(weights32) == 0 {
			return ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits(labels[:1], predictions[:1]))
		}
		g := logits.Graph()
		weights := Gather(Const(g, weights32), ConvertDType(classes, dtypes.Int32)) // [batch]
		weights = ConvertDType(weights, logits.DType())
		perExample := losses.SparseCategoricalCrossEntropyLogits([]*Node{classes, weights}, predictions[:1])
		return Div(ReduceAllSum(perExample), ReduceAllSum(weights))
	}
}
