// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// crossEntropy of one example, in Go.
func crossEntropy(logits []float32, label int) float64 {
	var sumExp float64
	for _, l := range logits {
		sumExp += math.Exp(float64(l))
	}
	return math.Log(sumExp) - float64(logits[label])
}

func TestWeightedCrossEntropy(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	logits := [][]float32{{2, 0, -1}, {0, 1, 0}, {0.5, 0.5, 3}, {1, 1, 1}}
	labels := [][]int32{{0}, {2}, {2}, {1}}

	eval := func(classWeights []float64) float64 {
		lossFn := WeightedCrossEntropy(classWeights)
		result, err := ExecOnce(backend, func(labels, logits *Node) *Node {
			return lossFn([]*Node{labels}, []*Node{logits})
		}, tensors.FromValue(labels), tensors.FromValue(logits))
		require.NoError(t, err)
		require.True(t, result.Shape().IsScalar())
		return scalarValue(result)
	}

	var want float64
	for ii := range logits {
		want += crossEntropy(logits[ii], int(labels[ii][0]))
	}
	want /= float64(len(logits))
	assert.InDelta(t, want, eval(nil), 1e-5, "no class weights is the mean cross-entropy")
	assert.InDelta(t, want, eval([]float64{2, 2, 2}), 1e-5, "uniform weights don't change the loss")

	weights := []float64{1, 3, 0.5}
	var weightedSum, weightSum float64
	for ii := range logits {
		w := weights[labels[ii][0]]
		weightedSum += w * crossEntropy(logits[ii], int(labels[ii][0]))
		weightSum += w
	}
	assert.InDelta(t, weightedSum/weightSum, eval(weights), 1e-5)
}
