// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package export

import (
	stdcontext "context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/accessatlas/pkg/config"
	"github.com/gomlx/accessatlas/pkg/faults"
	"github.com/gomlx/accessatlas/pkg/fusion"
	"github.com/gomlx/accessatlas/pkg/training"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bestCheckpoint trains nothing: it saves the freshly initialized model as the best model of epoch 2.
func bestCheckpoint(t *testing.T, model *fusion.Model) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "checkpoints")
	ctx, _ := modelContext(t, model)
	manager, err := training.NewCheckpointManager(ctx, dir, 1, false)
	require.NoError(t, err)
	require.NoError(t, manager.PromoteBest(&training.TrainingState{Epoch: 2, BestEpoch: 2, BestMetric: 80, ValAccuracy: 80}))
	return dir
}

func testRequest(t *testing.T, model *fusion.Model) Request {
	return Request{
		CheckpointDir:      bestCheckpoint(t, model),
		Model:              model,
		Metadata:           testMetadata(),
		OutputDir:          filepath.Join(t.TempDir(), "export"),
		Formats:            Formats,
		Quantize:           true,
		Tolerance:          1e-4,
		QuantizedTolerance: 0.5,
		WarmupRuns:         1,
		BenchmarkRuns:      3,
		Backend:            graphtest.BuildTestBackend(),
	}
}

func TestExport(t *testing.T) {
	model := testModel(t, "custom")
	req := testRequest(t, model)
	report, err := Export(stdcontext.Background(), req)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Equal(t, 2, report.Epoch)
	assert.Equal(t, 80.0, report.BestValAccuracy)
	assert.Equal(t, testImageSize, report.ImageSize)
	assert.Equal(t, DefaultProbeSize, report.ProbeSize)

	require.Len(t, report.Formats, 3)
	wantFiles := map[string][]string{
		PortableGraph:  {OnnxFile, OnnxInt8File},
		ScriptedModule: {ScriptedFile, ScriptedInt8File},
		MobilePackage:  {MobileFile},
	}
	for _, fr := range report.Formats {
		require.Lenf(t, fr.Artifacts, len(wantFiles[fr.Format]), "format %s", fr.Format)
		for ii, artifact := range fr.Artifacts {
			assert.Equal(t, filepath.Join(req.OutputDir, wantFiles[fr.Format][ii]), artifact.Path)
			info, err := os.Stat(artifact.Path)
			require.NoError(t, err)
			assert.Equal(t, info.Size(), artifact.Size)
			assert.LessOrEqual(t, artifact.MaxAbsDiff, artifact.Tolerance)
			require.NotNil(t, artifact.Benchmark)
			assert.Equal(t, 3, artifact.Benchmark.Runs)
		}
	}
	assert.Equal(t, "int8", report.Formats[0].Artifacts[1].Precision)
	assert.Equal(t, 1e-4, report.Formats[1].Artifacts[0].Tolerance)
	assert.Equal(t, 0.5, report.Formats[2].Artifacts[0].Tolerance)

	contents, err := os.ReadFile(filepath.Join(req.OutputDir, MetadataFile))
	require.NoError(t, err)
	var saved map[string]any
	require.NoError(t, json.Unmarshal(contents, &saved))
	assert.Equal(t, 2.0, saved["epoch"])
	assert.Equal(t, 80.0, saved["best_val_acc"])
	assert.Len(t, saved["formats"], 3)

	// The scripted module reproduces the report metadata on its own.
	module, err := LoadScripted(filepath.Join(req.OutputDir, ScriptedFile))
	require.NoError(t, err)
	assert.Equal(t, testMetadata(), module.Metadata)
	assert.Equal(t, report.Architecture, module.Architecture)
}

func TestExportFormatFailures(t *testing.T) {
	model := testModel(t, "custom")
	req := testRequest(t, model)
	req.Quantize = false
	req.BenchmarkRuns = 0
	req.Tolerance = -1
	report, err := Export(stdcontext.Background(), req)
	require.NoError(t, err, "format failures are reported per format")
	require.Error(t, report.Err())

	for _, fr := range report.Formats[:2] {
		var compatErr *faults.ExportCompatibilityError
		require.ErrorAsf(t, fr.Err, &compatErr, "format %s", fr.Format)
		assert.Equal(t, fr.Format, compatErr.Format)
		assert.Equal(t, "equivalence", compatErr.Operation)
		assert.NotEmpty(t, fr.Error)
		assert.Empty(t, fr.Artifacts)
	}
	for _, name := range []string{OnnxFile, ScriptedFile} {
		_, err := os.Stat(filepath.Join(req.OutputDir, name))
		assert.Truef(t, os.IsNotExist(err), "artifact %s failing the equivalence check must be removed", name)
	}

	// The mobile package is checked with the quantized tolerance.
	mobile := report.Formats[2]
	require.NoError(t, mobile.Err)
	require.Len(t, mobile.Artifacts, 1)
	assert.Equal(t, "float16", mobile.Artifacts[0].Precision)
	assert.Nil(t, mobile.Artifacts[0].Benchmark)
}

func TestExportIncompatibleBackbone(t *testing.T) {
	// The Inception backbone is not exportable to ONNX, but the other formats still work.
	model := testModel(t, "large-pretrained")
	fr := &FormatReport{Format: PortableGraph}
	e := &exporter{req: &Request{Model: model, OutputDir: t.TempDir()}, weights: &Weights{}}
	err := e.portableGraph(fr)
	var compatErr *faults.ExportCompatibilityError
	require.ErrorAs(t, err, &compatErr)
	assert.Equal(t, "large-pretrained", compatErr.Operation)
	assert.Empty(t, fr.Artifacts)
}

func TestExportErrors(t *testing.T) {
	model := testModel(t, "custom")
	_, err := Export(stdcontext.Background(), Request{Model: model, Metadata: testMetadata(), Formats: []string{"tflite"}})
	var configErr *faults.ConfigurationError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "export.formats", configErr.Key)

	_, err = Export(stdcontext.Background(), Request{Model: model, Metadata: testMetadata(),
		CheckpointDir: t.TempDir(), Formats: Formats})
	var ioErr *faults.CheckpointIOError
	require.ErrorAs(t, err, &ioErr)

	ctx, cancel := stdcontext.WithCancel(stdcontext.Background())
	cancel()
	req := testRequest(t, model)
	report, err := Export(ctx, req)
	require.ErrorIs(t, err, stdcontext.Canceled)
	require.NotNil(t, report)
	assert.Empty(t, report.Formats)
}

func TestFormatsMatchConfig(t *testing.T) {
	assert.Equal(t, config.KnownFormats, Formats)
}
