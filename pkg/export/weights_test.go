// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package export

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func testWeights() *Weights {
	return &Weights{List: []*Weight{
		{Name: "/model/head/biases", Dims: []int{3}, Values: []float32{0.5, -0.25, 0}},
		{
			Name: "/model/head/weights",
			Dims: []int{2, 3},
			// Columns (output channels): {0.5, -2}, {0.5, 0.2}, {0, 0}.
			Values: []float32{0.5, 0.5, 0, -2, 0.2, 0},
		},
	}}
}

func TestQuantizeInt8(t *testing.T) {
	ws := testWeights()
	q := QuantizeInt8(ws)
	require.Len(t, q.List, 2)
	assert.Same(t, ws.List[0], q.List[0], "biases are not quantized")

	kernel := q.Get("/model/head/weights")
	require.NotNil(t, kernel)
	assert.Equal(t, Int8, kernel.Encoding)
	assert.Equal(t, 1, kernel.Axis)
	assert.InDeltaSlice(t, []float32{2.0 / 127, 0.5 / 127, 1}, kernel.Scales, 1e-9)
	assert.Equal(t, []int8{32, 127, 0, -127, 51, 0}, kernel.Quantized)
	for ii, v := range ws.List[1].Values {
		assert.InDeltaf(t, v, kernel.Values[ii], float64(kernel.Scales[ii%3])/2+1e-6, "value %d", ii)
	}
	assert.Equal(t, 6+4*3, kernel.Size())
	assert.Equal(t, Float32, ws.List[1].Encoding, "the input weights are not modified")
}

func TestQuantizeFloat16(t *testing.T) {
	ws := QuantizeFloat16(QuantizeInt8(testWeights()))
	biases := ws.Get("/model/head/biases")
	require.NotNil(t, biases)
	assert.Equal(t, Float16, biases.Encoding)
	assert.Equal(t, []float16.Float16{float16.Fromfloat32(0.5), float16.Fromfloat32(-0.25), float16.Fromfloat32(0)}, biases.Half)
	assert.Equal(t, []float32{0.5, -0.25, 0}, biases.Values)
	assert.Equal(t, 6, biases.Size())

	kernel := ws.Lookup("/model/head", "weights")
	require.NotNil(t, kernel)
	assert.Equal(t, Int8, kernel.Encoding, "int8 weights are kept")
	assert.Nil(t, ws.Get("/model/missing"))
}

func TestPermute(t *testing.T) {
	// 2x3 matrix transposed.
	assert.Equal(t, []int{1, 4, 2, 5, 3, 6}, permute([]int{1, 2, 3, 4, 5, 6}, []int{2, 3}, []int{1, 0}))
	assert.Equal(t, []int{3, 2}, permuteDims([]int{2, 3}, []int{1, 0}))

	// Convolution kernel [kH=2, kW=1, in=2, out=3] to [out, in, kH, kW].
	dims := []int{2, 1, 2, 3}
	values := make([]int, 12)
	for ii := range values {
		values[ii] = ii
	}
	got := permute(values, dims, convPerm)
	assert.Equal(t, []int{3, 2, 2, 1}, permuteDims(dims, convPerm))
	// out=o, in=i, h: source index is ((h*1+0)*2+i)*3+o.
	for o := range 3 {
		for i := range 2 {
			for h := range 2 {
				assert.Equal(t, (h*2+i)*3+o, got[(o*2+i)*2+h])
			}
		}
	}
}

func TestMaxAbsDiff(t *testing.T) {
	assert.Equal(t, 0.5, MaxAbsDiff([]float32{1, 2, 3}, []float32{1, 2.5, 3}))
	assert.True(t, MaxAbsDiff([]float32{1}, []float32{1, 2}) > 1e300)
	assert.True(t, MaxAbsDiff([]float32{float32(math.NaN())}, []float32{1}) > 1e300)
}
