// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package export

import (
	"math"
	"slices"
	"strings"

	"github.com/gomlx/accessatlas/pkg/fusion"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Encoding of the values of an exported Weight.
type Encoding int

const (
	Float32 Encoding = iota
	Float16
	Int8
)

// String returns the dtype name used in the scripted module header.
func (e Encoding) String() string {
	switch e {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Int8:
		return "int8"
	}
	return "invalid"
}

// parseEncoding is the inverse of Encoding.String.
func parseEncoding(name string) (Encoding, error) {
	for _, e := range []Encoding{Float32, Float16, Int8} {
		if e.String() == name {
			return e, nil
		}
	}
	return 0, errors.Errorf("unknown tensor encoding %q", name)
}

// Weight is one model variable as stored in the exported artifacts.
type Weight struct {
	// Name is the variable parameter name, e.g. "/model/head/weights".
	Name string
	Dims []int

	Encoding Encoding

	// Values holds the float32 values. For quantized weights they are the dequantized values.
	Values []float32

	// Half holds the values when Encoding is Float16.
	Half []float16.Float16

	// Quantized values and per-channel Scales along Axis, when Encoding is Int8.
	Quantized []int8
	Scales    []float32
	Axis      int
}

// Size in bytes of the encoded values.
func (w *Weight) Size() int {
	switch w.Encoding {
	case Float16:
		return 2 * len(w.Half)
	case Int8:
		return len(w.Quantized) + 4*len(w.Scales)
	}
	return 4 * len(w.Values)
}

// Scope and variable name of the weight.
func (w *Weight) Scope() (scope, name string) {
	return context.VariableScopeAndNameFromParameterName(w.Name)
}

// Weights of a model, sorted by name.
type Weights struct {
	List []*Weight
}

// Get returns the weight with the given parameter name, or nil.
func (ws *Weights) Get(name string) *Weight {
	idx, found := slices.BinarySearchFunc(ws.List, name, func(w *Weight, name string) int {
		return strings.Compare(w.Name, name)
	})
	if !found {
		return nil
	}
	return ws.List[idx]
}

// Lookup returns the weight of the variable name in scope, or nil.
func (ws *Weights) Lookup(scope, name string) *Weight {
	return ws.Get(context.VariableParameterNameFromScopeAndName(scope, name))
}

// Size in bytes of all the encoded weights.
func (ws *Weights) Size() int {
	var total int
	for _, w := range ws.List {
		total += w.Size()
	}
	return total
}

// CollectWeights returns the float32 variables of the model in ctx (all variables under fusion.ModelScope).
func CollectWeights(ctx *context.Context) (*Weights, error) {
	ws := &Weights{}
	prefix := fusion.ModelScope + context.ScopeSeparator
	for v := range ctx.IterVariables() {
		if !strings.HasPrefix(v.Scope()+context.ScopeSeparator, prefix) {
			continue
		}
		value, err := v.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read variable %q", v.ParameterName())
		}
		if value.DType() != dtypes.Float32 {
			return nil, errors.Errorf("variable %q is %s, model variables must be float32", v.ParameterName(), value.DType())
		}
		ws.List = append(ws.List, &Weight{
			Name:     v.ParameterName(),
			Dims:     slices.Clone(value.Shape().Dimensions),
			Encoding: Float32,
			Values:   tensors.MustCopyFlatData[float32](value),
		})
	}
	if len(ws.List) == 0 {
		return nil, errors.Errorf("no model variables found under %q", fusion.ModelScope)
	}
	slices.SortFunc(ws.List, func(a, b *Weight) int { return strings.Compare(a.Name, b.Name) })
	return ws, nil
}

// isKernel returns whether the weight is a convolution or dense kernel: the only ones quantized to int8.
func isKernel(w *Weight) bool {
	_, name := w.Scope()
	return name == fusion.WeightsVar && len(w.Dims) >= 2
}

// QuantizeInt8 returns a copy of ws with the convolution and dense kernels quantized to int8.
//
// Quantization is symmetric and per output channel (the last axis): scale = max(|w|)/127 and
// q = round(w/scale), clamped to [-127, 127]. The other weights are kept as they are.
func QuantizeInt8(ws *Weights) *Weights {
	out := &Weights{List: make([]*Weight, 0, len(ws.List))}
	for _, w := range ws.List {
		if w.Encoding != Float32 || !isKernel(w) {
			out.List = append(out.List, w)
			continue
		}
		out.List = append(out.List, quantizeKernel(w))
	}
	return out
}

func quantizeKernel(w *Weight) *Weight {
	axis := len(w.Dims) - 1
	channels := w.Dims[axis]
	scales := make([]float32, channels)
	for ii, v := range w.Values {
		c := ii % channels
		scales[c] = max(scales[c], float32(math.Abs(float64(v))))
	}
	for c, maxAbs := range scales {
		if maxAbs == 0 {
			scales[c] = 1
		} else {
			scales[c] = maxAbs / 127
		}
	}
	q := &Weight{
		Name:      w.Name,
		Dims:      w.Dims,
		Encoding:  Int8,
		Values:    make([]float32, len(w.Values)),
		Quantized: make([]int8, len(w.Values)),
		Scales:    scales,
		Axis:      axis,
	}
	for ii, v := range w.Values {
		scale := scales[ii%channels]
		level := math.Round(float64(v / scale))
		level = max(-127, min(127, level))
		q.Quantized[ii] = int8(level)
		q.Values[ii] = float32(level) * scale
	}
	return q
}

// QuantizeFloat16 returns a copy of ws with the float32 weights stored as float16. Int8 weights are kept.
func QuantizeFloat16(ws *Weights) *Weights {
	out := &Weights{List: make([]*Weight, 0, len(ws.List))}
	for _, w := range ws.List {
		if w.Encoding != Float32 {
			out.List = append(out.List, w)
			continue
		}
		half := &Weight{
			Name:     w.Name,
			Dims:     w.Dims,
			Encoding: Float16,
			Values:   make([]float32, len(w.Values)),
			Half:     make([]float16.Float16, len(w.Values)),
		}
		for ii, v := range w.Values {
			half.Half[ii] = float16.Fromfloat32(v)
			half.Values[ii] = half.Half[ii].Float32()
		}
		out.List = append(out.List, half)
	}
	return out
}

// SetVariables creates (or sets) the variables of ws in ctx, with their float32 values.
func (ws *Weights) SetVariables(ctx *context.Context) {
	ctx = ctx.Checked(false)
	for _, w := range ws.List {
		scope, name := w.Scope()
		value := tensors.FromFlatDataAndDimensions(slices.Clone(w.Values), w.Dims...)
		if v := ctx.GetVariableByScopeAndName(scope, name); v != nil {
			v.MustSetValue(value)
			continue
		}
		ctx.InAbsPath(scope).VariableWithValue(name, value)
	}
}
