// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package export

import (
	"bytes"
	"testing"

	"github.com/gomlx/accessatlas/pkg/fusion"
	"github.com/gomlx/accessatlas/pkg/manifest"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testImageSize = 16

func testModel(t *testing.T, backbone string) *fusion.Model {
	t.Helper()
	model, err := fusion.New(fusion.Config{
		Backbone:       backbone,
		ImageSize:      testImageSize,
		CNNChannels:    []int{4, 8},
		MetadataHidden: []int{8},
		FusionHidden:   16,
		NumClasses:     3,
		NumSources:     2,
	})
	require.NoError(t, err)
	return model
}

func testMetadata() *manifest.Metadata {
	return &manifest.Metadata{
		SourceTypes:  []string{"crowd", "expert"},
		TagTypes:     []string{"curb_ramp", "obstacle", "surface_problem"},
		LatMean:      47.6,
		LatStd:       0.1,
		LonMean:      -122.3,
		LonStd:       0.2,
		NumClasses:   3,
		ClassWeights: []float64{1, 1, 1},
		ClassCounts:  []int{10, 10, 10},
		Seed:         42,
	}
}

// modelContext returns a context with the initialized variables of model and its logits over probe.
func modelContext(t *testing.T, model *fusion.Model) (*context.Context, []float32) {
	t.Helper()
	ctx := context.New()
	exec, err := context.NewExec(graphtest.BuildTestBackend(), ctx, func(ctx *context.Context, images, coords, sources *Node) *Node {
		return model.Logits(ctx, images, coords, sources)
	})
	require.NoError(t, err)
	logits, err := run(exec, testProbe(model))
	require.NoError(t, err)
	return ctx, logits
}

func testProbe(model *fusion.Model) []*tensors.Tensor {
	cfg := model.Config()
	return SyntheticProbe(3, cfg.ImageSize, cfg.NumSources, 7)
}

func TestScriptedRoundTrip(t *testing.T) {
	model := testModel(t, "custom")
	ctx, want := modelContext(t, model)
	ws, err := CollectWeights(ctx)
	require.NoError(t, err)
	require.NotNil(t, ws.Lookup(fusion.HeadScope, fusion.WeightsVar))

	var buf bytes.Buffer
	require.NoError(t, WriteScripted(&buf, NewArchitecture(model), testMetadata(), ws))
	assert.Equal(t, ScriptedMagic, string(buf.Bytes()[:4]))

	module, err := ReadScripted(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, testMetadata(), module.Metadata)
	assert.Equal(t, []string{"conv(4, k=3, s=1)+maxpool", "conv(8, k=3, s=1)+maxpool"}, module.Architecture.Layers)
	require.Len(t, module.Weights.List, len(ws.List))
	for ii, w := range ws.List {
		assert.Equal(t, w.Name, module.Weights.List[ii].Name)
		assert.Equal(t, w.Values, module.Weights.List[ii].Values)
	}

	exec, err := module.Exec(graphtest.BuildTestBackend())
	require.NoError(t, err)
	got, err := run(exec, testProbe(model))
	require.NoError(t, err)
	assert.LessOrEqual(t, MaxAbsDiff(want, got), 1e-6)
}

func TestScriptedQuantized(t *testing.T) {
	model := testModel(t, "custom")
	ctx, want := modelContext(t, model)
	ws, err := CollectWeights(ctx)
	require.NoError(t, err)
	quantized := QuantizeFloat16(QuantizeInt8(ws))

	var buf bytes.Buffer
	require.NoError(t, WriteScripted(&buf, NewArchitecture(model), testMetadata(), quantized))
	module, err := ReadScripted(&buf)
	require.NoError(t, err)
	for _, w := range quantized.List {
		got := module.Weights.Get(w.Name)
		require.NotNilf(t, got, "weight %q", w.Name)
		assert.Equal(t, w.Encoding, got.Encoding)
		assert.Equal(t, w.Values, got.Values)
		assert.Equal(t, w.Quantized, got.Quantized)
		assert.Equal(t, w.Scales, got.Scales)
	}
	assert.Less(t, quantized.Size(), ws.Size())

	exec, err := module.Exec(graphtest.BuildTestBackend())
	require.NoError(t, err)
	got, err := run(exec, testProbe(model))
	require.NoError(t, err)
	require.Len(t, got, len(want))
	assert.Less(t, MaxAbsDiff(want, got), 0.5)
}

func TestReadScriptedErrors(t *testing.T) {
	_, err := ReadScripted(bytes.NewReader([]byte("ONNX\x00\x00\x00\x00")))
	require.ErrorContains(t, err, "bad magic")

	_, err = ReadScripted(bytes.NewReader([]byte("GM")))
	require.Error(t, err)

	_, err = ReadScripted(bytes.NewReader([]byte("GMLX\x02\x00\x00\x00{}")))
	require.ErrorContains(t, err, "unsupported scripted module")

	_, err = LoadScripted("/nonexistent/model.gmlx")
	require.Error(t, err)
}
