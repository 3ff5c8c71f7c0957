// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/pkg/errors"
)

// Variable names used by the model building blocks. They are also used by the exporters to locate the weights.
const (
	// WeightsVar is the kernel of convolutions and dense layers, always stored as float32.
	WeightsVar = "weights"

	// BiasesVar of dense layers. Convolutions are always followed by batch normalization and have no bias.
	BiasesVar = "biases"

	// Batch normalization variables: see package batchnorm.
	BNScaleVar    = "scale"
	BNOffsetVar   = "offset"
	BNMeanVar     = "mean"
	BNVarianceVar = "variance"

	// BNEpsilon used by all batch normalization layers.
	BNEpsilon = 1e-3
)

// ParamComputeDType is the graph parameter holding the dtype (dtypes.DType) used for the model computation.
// Variables are always stored in float32 ("master weights") and converted to the compute dtype where used.
// It defaults to float32.
const ParamComputeDType = "fusion_compute_dtype"

// ComputeDType returns the dtype configured for the graph g.
func ComputeDType(ctx *context.Context, g *Graph) dtypes.DType {
	return context.GetGraphParamOr(ctx, g, ParamComputeDType, dtypes.Float32)
}

// SetComputeDType configures the compute dtype of the model for graph g.
func SetComputeDType(ctx *context.Context, g *Graph, dtype dtypes.DType) {
	ctx.InAbsPath(context.RootScope).SetGraphParam(g, ParamComputeDType, dtype)
}

// PrecisionDType parses the name of a precision mode. "fp32" (or "") is float32.
func PrecisionDType(name string) (dtypes.DType, error) {
	switch name {
	case "", "fp32":
		return dtypes.Float32, nil
	case "fp16":
		return dtypes.Float16, nil
	case "bf16":
		return dtypes.BFloat16, nil
	}
	dtype, found := dtypes.MapOfNames[name]
	if !found || (dtype != dtypes.Float32 && dtype != dtypes.Float16 && dtype != dtypes.BFloat16) {
		return dtypes.InvalidDType, errors.Errorf("unsupported precision %q: valid values are fp32, float16 or bfloat16", name)
	}
	return dtype, nil
}

// ImageNet normalization constants, for images with values in [0, 1].
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// ImageNetNormalize normalizes images shaped [batch, height, width, 3], with values in [0, 1].
// The result is float32.
func ImageNetNormalize(images *Node) *Node {
	g := images.Graph()
	images = ConvertDType(images, dtypes.Float32)
	mean := Reshape(Const(g, ImageNetMean[:]), 1, 1, 1, 3)
	std := Reshape(Const(g, ImageNetStd[:]), 1, 1, 1, 3)
	return Div(Sub(images, mean), std)
}

// masterVariable returns the value of the float32 variable converted to dtype.
func masterVariable(ctx *context.Context, g *Graph, name string, dtype dtypes.DType, dims ...int) *Node {
	v := ctx.VariableWithShape(name, shapes.Make(dtypes.Float32, dims...))
	return ConvertDType(v.ValueGraph(g), dtype)
}

// SamePadding returns the symmetric padding used by convolutions of the given kernel size.
func SamePadding(kernel int) int { return kernel / 2 }

// conv2D applies a convolution with symmetric padding and no bias. x is shaped [batch, height, width, channels].
func conv2D(ctx *context.Context, x *Node, channels, kernel, stride int) *Node {
	g := x.Graph()
	inChannels := x.Shape().Dimensions[3]
	weights := masterVariable(ctx, g, WeightsVar, x.DType(), kernel, kernel, inChannels, channels)
	pad := SamePadding(kernel)
	return Convolve(x, weights).
		Strides(stride).
		PaddingPerDim([][2]int{{pad, pad}, {pad, pad}}).
		Done()
}

// dense applies a dense layer over the last axis of x, shaped [batch, features].
func dense(ctx *context.Context, x *Node, outputDim int) *Node {
	g := x.Graph()
	dtype := x.DType()
	inputDim := x.Shape().Dimensions[x.Rank()-1]
	weights := masterVariable(ctx, g, WeightsVar, dtype, inputDim, outputDim)
	biasesVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape(BiasesVar, shapes.Make(dtypes.Float32, outputDim))
	biases := Reshape(ConvertDType(biasesVar.ValueGraph(g), dtype), 1, outputDim)
	return Add(Einsum("bi,io->bo", x, weights), biases)
}

// batchNorm normalizes the last axis of x. It always runs in float32, and the result is converted back
// to the dtype of x.
func batchNorm(ctx *context.Context, x *Node) *Node {
	dtype := x.DType()
	normalized := batchnorm.New(ctx, ConvertDType(x, dtypes.Float32), -1).
		Epsilon(BNEpsilon).
		CurrentScope().
		Done()
	return ConvertDType(normalized, dtype)
}

// denseBlock is dense, batch normalization, ReLU and dropout, each with its own sub-scope.
func denseBlock(ctx *context.Context, x *Node, outputDim int, dropout float64) *Node {
	x = dense(ctx.In("dense"), x, outputDim)
	x = batchNorm(ctx.In("bn"), x)
	x = activations.Relu(x)
	return dropoutIfTraining(ctx, x, dropout)
}

// dropoutIfTraining applies dropout if rate > 0. It is a no-op during inference.
func dropoutIfTraining(ctx *context.Context, x *Node, rate float64) *Node {
	if rate <= 0 {
		return x
	}
	return layers.DropoutStatic(ctx, x, rate)
}
