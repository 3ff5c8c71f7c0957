// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package export

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/accessatlas/pkg/faults"
	"github.com/gomlx/accessatlas/pkg/fusion"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Names of the inputs and output of the exported ONNX graph.
const (
	OnnxImageInput  = "image"
	OnnxCoordsInput = "coords"
	OnnxSourceInput = "source"
	OnnxOutput      = "logits"

	// OnnxMetadataKey is the metadata_props key with the normalization metadata (JSON).
	OnnxMetadataKey = "accessatlas.metadata"

	// OnnxArchitectureKey is the metadata_props key with the model architecture (JSON).
	OnnxArchitectureKey = "accessatlas.architecture"

	onnxIRVersion = 8
	onnxOpset     = 13
)

// Field numbers of onnx.proto messages.
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8
	modelMetadataProps   protowire.Number = 14

	opsetVersion protowire.Number = 2

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2

	graphNode        protowire.Number = 1
	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5
	graphInput       protowire.Number = 11
	graphOutput      protowire.Number = 12

	nodeInput     protowire.Number = 1
	nodeOutput    protowire.Number = 2
	nodeName      protowire.Number = 3
	nodeOpType    protowire.Number = 4
	nodeAttribute protowire.Number = 5

	attrName protowire.Number = 1
	attrF    protowire.Number = 2
	attrI    protowire.Number = 3
	attrInts protowire.Number = 8
	attrType protowire.Number = 20

	tensorDims     protowire.Number = 1
	tensorDataType protowire.Number = 2
	tensorName     protowire.Number = 8
	tensorRawData  protowire.Number = 9

	valueInfoName protowire.Number = 1
	valueInfoType protowire.Number = 2

	typeTensorType protowire.Number = 1
	tensorElemType protowire.Number = 1
	tensorShape    protowire.Number = 2
	shapeDim       protowire.Number = 1
	dimValue       protowire.Number = 1
	dimParam       protowire.Number = 2
)

// ONNX enums.
const (
	onnxFloat = 1
	onnxInt8  = 3

	attrTypeFloat = 1
	attrTypeInt   = 2
	attrTypeInts  = 7
)

// onnxGraph accumulates the nodes and the encoded initializers of an ONNX graph.
// Building methods panic on failure: EncodeONNX catches them.
type onnxGraph struct {
	weights      *Weights
	nodes        []*onnxNode
	initializers [][]byte
}

// EncodeONNX encodes the model as an ONNX ModelProto (IR version 8, opset 13), with the weights ws.
//
// Int8 weights are stored as int8 initializers followed by DequantizeLinear nodes. Only Layered backbones can
// be exported: others fail with a faults.ExportCompatibilityError.
func EncodeONNX(model *fusion.Model, ws *Weights, metadataJSON, architectureJSON []byte) ([]byte, error) {
	layered, ok := model.Backbone().(fusion.Layered)
	if !ok {
		return nil, &faults.ExportCompatibilityError{Format: PortableGraph, Operation: model.Backbone().Name(),
			Cause: errors.New("backbone is not described by layers")}
	}
	cfg := model.Config()
	g := &onnxGraph{weights: ws}
	err := exceptions.TryCatch[error](func() {
		features := g.backbone(layered.Layers())
		side := g.node("Concat", []string{OnnxCoordsInput, OnnxSourceInput}, intAttr("axis", 1))
		for idx := range cfg.MetadataHidden {
			side = g.denseBlock(fusion.SideScope+context.ScopeSeparator+fusion.LayerScopeName(idx), side)
		}
		x := g.node("Concat", []string{features, side}, intAttr("axis", 1))
		x = g.denseBlock(fusion.FusionScope, x)
		_ = g.dense(fusion.HeadScope, x)
	})
	if err != nil {
		return nil, err
	}
	// The head bias addition is the last node: it produces the graph output.
	g.nodes[len(g.nodes)-1].outputs[0] = OnnxOutput

	var graph []byte
	for _, node := range g.nodes {
		graph = appendMessage(graph, graphNode, node.encode())
	}
	graph = appendString(graph, graphName, "accessatlas")
	for _, init := range g.initializers {
		graph = appendMessage(graph, graphInitializer, init)
	}
	graph = appendMessage(graph, graphInput, valueInfo(OnnxImageInput, cfg.ImageSize, cfg.ImageSize, 3))
	graph = appendMessage(graph, graphInput, valueInfo(OnnxCoordsInput, 2))
	graph = appendMessage(graph, graphInput, valueInfo(OnnxSourceInput, cfg.NumSources))
	graph = appendMessage(graph, graphOutput, valueInfo(OnnxOutput, cfg.NumClasses))

	var m []byte
	m = protowire.AppendTag(m, modelIRVersion, protowire.VarintType)
	m = protowire.AppendVarint(m, onnxIRVersion)
	m = appendString(m, modelProducerName, "accessatlas")
	m = appendString(m, modelProducerVersion, fmt.Sprintf("%d", ScriptedVersion))
	m = appendMessage(m, modelGraph, graph)
	var opset []byte
	opset = protowire.AppendTag(opset, opsetVersion, protowire.VarintType)
	opset = protowire.AppendVarint(opset, onnxOpset)
	m = appendMessage(m, modelOpsetImport, opset)
	for _, prop := range [][2]string{{OnnxMetadataKey, string(metadataJSON)}, {OnnxArchitectureKey, string(architectureJSON)}} {
		var entry []byte
		entry = appendString(entry, entryKey, prop[0])
		entry = appendString(entry, entryValue, prop[1])
		m = appendMessage(m, modelMetadataProps, entry)
	}
	return m, nil
}

// node appends a node with a single output, and returns the output name.
func (g *onnxGraph) node(opType string, inputs []string, attributes ...[]byte) string {
	name := fmt.Sprintf("%s_%d", opType, len(g.nodes))
	g.nodes = append(g.nodes, &onnxNode{
		opType:     opType,
		name:       name,
		inputs:     inputs,
		outputs:    []string{name + "_out"},
		attributes: attributes,
	})
	return name + "_out"
}

// initializer appends a constant tensor.
func (g *onnxGraph) initializer(name string, dataType int, dims []int, raw []byte) string {
	var b []byte
	for _, d := range dims {
		b = protowire.AppendTag(b, tensorDims, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d))
	}
	b = protowire.AppendTag(b, tensorDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(dataType))
	b = appendString(b, tensorName, name)
	b = protowire.AppendTag(b, tensorRawData, protowire.BytesType)
	b = protowire.AppendBytes(b, raw)
	g.initializers = append(g.initializers, b)
	return name
}

func (g *onnxGraph) floatInitializer(name string, dims []int, values []float32) string {
	raw := make([]byte, 0, 4*len(values))
	for _, v := range values {
		raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(v))
	}
	return g.initializer(name, onnxFloat, dims, raw)
}

// weight returns the model weight in scope, or panics if it is missing.
func (g *onnxGraph) weight(scope, name string) *Weight {
	w := g.weights.Lookup(scope, name)
	if w == nil {
		exceptions.Panicf("model variable %s/%s not found", scope, name)
	}
	return w
}

// initializerName of the variable parameter name: "/model/head/weights" becomes "model.head.weights".
func initializerName(paramName string) string {
	return strings.ReplaceAll(strings.TrimPrefix(paramName, context.ScopeSeparator), context.ScopeSeparator, ".")
}

// param returns the name of the float initializer with the values of a (non-quantized) variable.
func (g *onnxGraph) param(scope, name string) string {
	w := g.weight(scope, name)
	return g.floatInitializer(initializerName(w.Name), w.Dims, w.Values)
}

// kernel returns the name of the tensor with the kernel of scope, with its axes permuted by perm.
// Int8 kernels are dequantized in the graph, along the axis where the output channels end up.
func (g *onnxGraph) kernel(scope string, perm []int) string {
	w := g.weight(scope, fusion.WeightsVar)
	dims := permuteDims(w.Dims, perm)
	if w.Encoding != Int8 {
		return g.floatInitializer(initializerName(w.Name), dims, permute(w.Values, w.Dims, perm))
	}
	quantized := permute(w.Quantized, w.Dims, perm)
	raw := make([]byte, len(quantized))
	for ii, q := range quantized {
		raw[ii] = byte(q)
	}
	channels := len(w.Scales)
	name := initializerName(w.Name)
	values := g.initializer(name+"_int8", onnxInt8, dims, raw)
	scales := g.floatInitializer(name+"_scale", []int{channels}, w.Scales)
	zeros := g.initializer(name+"_zero_point", onnxInt8, []int{channels}, make([]byte, channels))
	axis := 0
	for ii, p := range perm {
		if p == w.Axis {
			axis = ii
		}
	}
	return g.node("DequantizeLinear", []string{values, scales, zeros}, intAttr("axis", int64(axis)))
}

// Kernel axes permutations: GoMLX stores convolution kernels as [kH, kW, in, out] (ONNX uses
// [out, in, kH, kW]) and dense kernels as [in, out], as ONNX MatMul does.
var (
	convPerm  = []int{3, 2, 0, 1}
	densePerm = []int{0, 1}
)

// conv appends a convolution with "same" symmetric padding and no bias.
func (g *onnxGraph) conv(scope, x string, kernel, stride int) string {
	w := g.kernel(scope, convPerm)
	pad := int64(fusion.SamePadding(kernel))
	return g.node("Conv", []string{x, w},
		intsAttr("kernel_shape", int64(kernel), int64(kernel)),
		intsAttr("strides", int64(stride), int64(stride)),
		intsAttr("pads", pad, pad, pad, pad))
}

// batchNorm appends an inference batch normalization over axis 1.
func (g *onnxGraph) batchNorm(scope, x string) string {
	inputs := []string{x}
	for _, name := range []string{fusion.BNScaleVar, fusion.BNOffsetVar, fusion.BNMeanVar, fusion.BNVarianceVar} {
		inputs = append(inputs, g.param(scope, name))
	}
	return g.node("BatchNormalization", inputs, floatAttr("epsilon", fusion.BNEpsilon))
}

// dense appends MatMul and the addition of the biases.
func (g *onnxGraph) dense(scope, x string) string {
	w := g.kernel(scope, densePerm)
	x = g.node("MatMul", []string{x, w})
	return g.node("Add", []string{x, g.param(scope, fusion.BiasesVar)})
}

func (g *onnxGraph) denseBlock(scope, x string) string {
	x = g.dense(scope+"/dense", x)
	x = g.batchNorm(scope+"/bn", x)
	return g.node("Relu", []string{x})
}

// backbone appends the ImageNet normalization, the layers and the global average pooling, and returns
// the features shaped [batch, channels].
func (g *onnxGraph) backbone(layers []fusion.Layer) string {
	mean := g.floatInitializer("imagenet_mean", []int{1, 1, 1, 3}, fusion.ImageNetMean[:])
	std := g.floatInitializer("imagenet_std", []int{1, 1, 1, 3}, fusion.ImageNetStd[:])
	x := g.node("Sub", []string{OnnxImageInput, mean})
	x = g.node("Div", []string{x, std})
	x = g.node("Transpose", []string{x}, intsAttr("perm", 0, 3, 1, 2))
	channels := 3
	for idx, layer := range layers {
		scope := fusion.BackboneScope + context.ScopeSeparator + fusion.LayerScopeName(idx)
		switch l := layer.(type) {
		case fusion.ConvBlock:
			x = g.conv(scope+"/conv", x, l.Kernel, l.Stride)
			x = g.batchNorm(scope+"/bn", x)
			x = g.node("Relu", []string{x})
			if l.Pool {
				x = g.node("MaxPool", []string{x}, intsAttr("kernel_shape", 2, 2), intsAttr("strides", 2, 2))
			}
		case fusion.ResidualBlock:
			shortcut := x
			if l.Projected(channels) {
				shortcut = g.conv(scope+"/shortcut", x, 1, l.Stride)
				shortcut = g.batchNorm(scope+"/shortcut_bn", shortcut)
			}
			y := g.conv(scope+"/conv1", x, 3, l.Stride)
			y = g.node("Relu", []string{g.batchNorm(scope+"/bn1", y)})
			y = g.conv(scope+"/conv2", y, 3, 1)
			y = g.batchNorm(scope+"/bn2", y)
			x = g.node("Relu", []string{g.node("Add", []string{y, shortcut})})
		default:
			panic(&faults.ExportCompatibilityError{Format: PortableGraph, Operation: layer.String()})
		}
		channels = layer.OutputChannels()
	}
	x = g.node("GlobalAveragePool", []string{x})
	return g.node("Flatten", []string{x}, intAttr("axis", 1))
}

// permuteDims returns dims permuted: the axis ii of the result is the axis perm[ii] of the input.
func permuteDims(dims, perm []int) []int {
	out := make([]int, len(perm))
	for ii, p := range perm {
		out[ii] = dims[p]
	}
	return out
}

// permute transposes the row-major values shaped dims, see permuteDims.
func permute[T any](values []T, dims, perm []int) []T {
	rank := len(dims)
	strides := make([]int, rank)
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dims[axis]
	}
	outDims := permuteDims(dims, perm)
	out := make([]T, len(values))
	index := make([]int, rank)
	for ii := range out {
		// index is the multi-dimensional index of ii in the output.
		src := 0
		for axis, p := range perm {
			src += index[axis] * strides[p]
		}
		out[ii] = values[src]
		for axis := rank - 1; axis >= 0; axis-- {
			index[axis]++
			if index[axis] < outDims[axis] {
				break
			}
			index[axis] = 0
		}
	}
	return out
}

// onnxExec loads the ONNX file with onnx-gomlx and returns an executor of the graph, taking the same
// inputs as the fusion model.
func onnxExec(backend backends.Backend, path string) (*context.Exec, error) {
	model, err := onnx.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse %q", path)
	}
	ctx := context.New()
	if err := model.VariablesToContext(ctx); err != nil {
		return nil, errors.WithMessagef(err, "failed to load the initializers of %q", path)
	}
	return context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, images, coords, sources *Node) *Node {
		return model.CallGraph(ctx, images.Graph(), map[string]*Node{
			OnnxImageInput:  images,
			OnnxCoordsInput: coords,
			OnnxSourceInput: sources,
		}, OnnxOutput)[0]
	})
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendInts(b []byte, num protowire.Number, values []int64) []byte {
	for _, v := range values {
		b = protowire.AppendTag(b, num, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v))
	}
	return b
}

// valueInfo of a float tensor with a dynamic batch axis followed by dims.
func valueInfo(name string, dims ...int) []byte {
	var shape []byte
	var dim []byte
	dim = appendString(dim, dimParam, "batch")
	shape = appendMessage(shape, shapeDim, dim)
	for _, d := range dims {
		dim = protowire.AppendTag(dim[:0], dimValue, protowire.VarintType)
		dim = protowire.AppendVarint(dim, uint64(d))
		shape = appendMessage(shape, shapeDim, dim)
	}
	var tensorType []byte
	tensorType = protowire.AppendTag(tensorType, tensorElemType, protowire.VarintType)
	tensorType = protowire.AppendVarint(tensorType, onnxFloat)
	tensorType = appendMessage(tensorType, tensorShape, shape)
	var typeProto []byte
	typeProto = appendMessage(typeProto, typeTensorType, tensorType)
	var info []byte
	info = appendString(info, valueInfoName, name)
	return appendMessage(info, valueInfoType, typeProto)
}

// onnxNode is a node before encoding: it is kept decoded until the graph is complete, so outputs can be renamed.
type onnxNode struct {
	opType, name    string
	inputs, outputs []string
	attributes      [][]byte
}

func (n *onnxNode) encode() []byte {
	var b []byte
	for _, in := range n.inputs {
		b = appendString(b, nodeInput, in)
	}
	for _, out := range n.outputs {
		b = appendString(b, nodeOutput, out)
	}
	b = appendString(b, nodeName, n.name)
	b = appendString(b, nodeOpType, n.opType)
	for _, attr := range n.attributes {
		b = appendMessage(b, nodeAttribute, attr)
	}
	return b
}

func intAttr(name string, v int64) []byte {
	var b []byte
	b = appendString(b, attrName, name)
	b = protowire.AppendTag(b, attrI, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v))
	b = protowire.AppendTag(b, attrType, protowire.VarintType)
	return protowire.AppendVarint(b, attrTypeInt)
}

func floatAttr(name string, v float32) []byte {
	var b []byte
	b = appendString(b, attrName, name)
	b = protowire.AppendTag(b, attrF, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(v))
	b = protowire.AppendTag(b, attrType, protowire.VarintType)
	return protowire.AppendVarint(b, attrTypeFloat)
}

func intsAttr(name string, values ...int64) []byte {
	var b []byte
	b = appendString(b, attrName, name)
	b = appendInts(b, attrInts, values)
	b = protowire.AppendTag(b, attrType, protowire.VarintType)
	return protowire.AppendVarint(b, attrTypeInts)
}
