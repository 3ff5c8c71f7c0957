// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	stdcontext "context"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/accessatlas/pkg/config"
	"github.com/gomlx/accessatlas/pkg/faults"
	"github.com/gomlx/accessatlas/pkg/fusion"
	"github.com/gomlx/accessatlas/pkg/manifest"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testImageSize  = 8
	testNumSources = 2
)

// memDataset yields fixed synthetic examples: the label is 1 when the first coordinate is positive.
// Each epoch rotates the order of the batches.
type memDataset struct {
	name      string
	batchSize int
	images    [][]float32
	coords    [][2]float32
	sources   []int
	labels    []int32

	epoch, next int
}

var _ EpochDataset = (*memDataset)(nil)

func newMemDataset(name string, n, batchSize int, seed uint64) *memDataset {
	rng := rand.New(rand.NewPCG(seed, 0))
	ds := &memDataset{name: name, batchSize: batchSize}
	for range n {
		img := make([]float32, testImageSize*testImageSize*3)
		for ii := range img {
			img[ii] = rng.Float32()
		}
		coords := [2]float32{rng.Float32()*2 - 1, rng.Float32()*2 - 1}
		var label int32
		if coords[0] > 0 {
			label = 1
		}
		ds.images = append(ds.images, img)
		ds.coords = append(ds.coords, coords)
		ds.sources = append(ds.sources, rng.IntN(testNumSources))
		ds.labels = append(ds.labels, label)
	}
	return ds
}

func (ds *memDataset) Name() string { return ds.name }

func (ds *memDataset) Reset() { ds.next = 0 }

func (ds *memDataset) NumBatches() int { return len(ds.labels) / ds.batchSize }

func (ds *memDataset) SetEpoch(epoch int) { ds.epoch, ds.next = epoch, 0 }

func (ds *memDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	numBatches := ds.NumBatches()
	if ds.next >= numBatches {
		return nil, nil, nil, io.EOF
	}
	batch := (ds.next + ds.epoch) % numBatches
	ds.next++
	n := ds.batchSize
	images := make([]float32, 0, n*testImageSize*testImageSize*3)
	coords := make([]float32, 0, 2*n)
	sources := make([]float32, n*testNumSources)
	classes := make([]int32, n)
	for ii := range n {
		idx := batch*n + ii
		images = append(images, ds.images[idx]...)
		coords = append(coords, ds.coords[idx][0], ds.coords[idx][1])
		sources[ii*testNumSources+ds.sources[idx]] = 1
		classes[ii] = ds.labels[idx]
	}
	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(images, n, testImageSize, testImageSize, 3),
		tensors.FromFlatDataAndDimensions(coords, n, 2),
		tensors.FromFlatDataAndDimensions(sources, n, testNumSources),
	}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(classes, n, 1)}
	return
}

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.BaseDir = dir
	m := &cfg.Model
	m.Backbone = config.BackboneCustom
	m.Pretrained = false
	m.ImageSize = testImageSize
	m.CNNChannels = []int{4}
	m.CNNDropout = 0
	m.MetadataHidden = []int{8}
	m.MetadataDropout = 0
	m.FusionHidden = 8
	m.FusionDropout = 0
	m.ClassifierDropout = 0
	tr := &cfg.Training
	tr.LearningRate = 0.01
	tr.BatchSize = 8
	tr.EvalBatchSize = 8
	tr.NumEpochs = 5
	tr.CheckpointDir = "checkpoints"
	tr.KeepCheckpoints = 2
	cfg.Tracking.Plot = true
	cfg.Tracking.SQLite = "runs.db"
	return cfg
}

func testMetadata() *manifest.Metadata {
	return &manifest.Metadata{
		SourceTypes:  []string{"crowd", "expert"},
		TagTypes:     []string{"curb_ramp", "obstacle"},
		NumClasses:   2,
		ClassWeights: []float64{1, 1},
	}
}

func newTestOrchestrator(t *testing.T, cfg *config.Config) *Orchestrator {
	t.Helper()
	meta := testMetadata()
	model, err := fusion.New(cfg.FusionConfig(meta))
	require.NoError(t, err)
	o, err := NewWithBackend(graphtest.BuildTestBackend(), cfg, model,
		newMemDataset("train", 32, cfg.Training.BatchSize, 1),
		newMemDataset("val", 16, cfg.Training.EvalBatchSize, 2),
		meta)
	require.NoError(t, err)
	return o
}

func TestOrchestratorRun(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.Training.NumEpochs = 3
	o := newTestOrchestrator(t, cfg)
	var batches, epochs int
	o.OnBatch(func(epoch, batch, numBatches int, loss float64) {
		assert.Equal(t, 4, numBatches)
		batches++
	})
	o.OnEpoch(func(rec EpochRecord) { epochs++ })

	report, err := o.Run(stdcontext.Background())
	require.NoError(t, err)
	assert.Equal(t, EpochBudgetExhausted, report.StopReason)
	assert.Equal(t, 3, report.Epochs)
	assert.Equal(t, 12, batches)
	assert.Equal(t, 3, epochs)

	require.Len(t, report.History.Epochs, 3)
	best := 0.0
	for ii, rec := range report.History.Epochs {
		assert.Equal(t, ii+1, rec.Epoch)
		assert.True(t, isFiniteLoss(rec.Train.Loss))
		assert.True(t, isFiniteLoss(rec.Val.Loss))
		assert.Equal(t, int64(4*(ii+1)), rec.Steps)
		assert.Equal(t, FullPrecision, rec.Precision)
		assert.Zero(t, rec.Skipped)
		assert.Equal(t, rec.Val.Accuracy > best, rec.Best)
		best = max(best, rec.Val.Accuracy)
	}
	assert.Equal(t, best, report.BestMetric)

	ckptDir := cfg.Path(cfg.Training.CheckpointDir)
	for _, name := range []string{HistoryFile, PlotFile} {
		_, err := os.Stat(filepath.Join(ckptDir, name))
		assert.NoErrorf(t, err, "missing %s", name)
	}
	found, err := filepath.Glob(filepath.Join(ckptDir, "checkpoint-*.json"))
	require.NoError(t, err)
	assert.Len(t, found, 2)
	if report.BestEpoch > 0 {
		state, err := ReadBestState(ckptDir)
		require.NoError(t, err)
		assert.Equal(t, report.BestEpoch, state.Epoch)
		assert.Equal(t, o.RunID(), state.RunID)
	}

	tracker, err := OpenTracker(cfg.Path(cfg.Tracking.SQLite), RunInfo{RunID: o.RunID()})
	require.NoError(t, err)
	defer func() { _ = tracker.Close() }()
	records, err := tracker.Epochs(o.RunID())
	require.NoError(t, err)
	assert.Equal(t, report.History.Epochs, records)

	eval, err := o.EvaluateDetailed(newMemDataset("test", 16, 8, 3))
	require.NoError(t, err)
	assert.Equal(t, 16, eval.Total)
	assert.Equal(t, "curb_ramp", eval.Classes[0].Name)
}

func TestOrchestratorResume(t *testing.T) {
	// Uninterrupted run.
	straight := newTestOrchestrator(t, testConfig(t, t.TempDir()))
	want, err := straight.Run(stdcontext.Background())
	require.NoError(t, err)
	require.Equal(t, 5, want.Epochs)

	// Same run, interrupted after 3 epochs.
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	o := newTestOrchestrator(t, cfg)
	ctx, cancel := stdcontext.WithCancel(stdcontext.Background())
	defer cancel()
	o.OnEpoch(func(rec EpochRecord) {
		if rec.Epoch == 3 {
			cancel()
		}
	})
	report, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Interrupted, report.StopReason)
	assert.Equal(t, 3, report.Epochs)
	runID := o.RunID()

	// Without training.resume the checkpoint directory is refused.
	meta := testMetadata()
	model, err := fusion.New(cfg.FusionConfig(meta))
	require.NoError(t, err)
	_, err = NewWithBackend(graphtest.BuildTestBackend(), cfg, model,
		newMemDataset("train", 32, 8, 1), newMemDataset("val", 16, 8, 2), meta)
	var configErr *faults.ConfigurationError
	require.ErrorAs(t, err, &configErr)

	// Resume.
	cfg.Training.Resume = true
	resumed := newTestOrchestrator(t, cfg)
	got, err := resumed.Run(stdcontext.Background())
	require.NoError(t, err)
	assert.Equal(t, runID, resumed.RunID())
	assert.Equal(t, EpochBudgetExhausted, got.StopReason)
	assert.Equal(t, 5, got.Epochs)
	require.Len(t, got.History.Epochs, 5)
	for ii, rec := range got.History.Epochs {
		assert.Equal(t, ii+1, rec.Epoch)
		assert.Equal(t, int64(4*(ii+1)), rec.Steps)
		wantRec := want.History.Epochs[ii]
		assert.InDeltaf(t, wantRec.Val.Loss, rec.Val.Loss, 1e-3, "validation loss of epoch %d", rec.Epoch)
		assert.InDeltaf(t, wantRec.LR, rec.LR, 1e-7, "learning rate of epoch %d", rec.Epoch)
	}
}

func TestOrchestratorInterruptedBeforeStart(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t, t.TempDir()))
	ctx, cancel := stdcontext.WithCancel(stdcontext.Background())
	cancel()
	report, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Interrupted, report.StopReason)
	assert.Zero(t, report.Epochs)
	assert.Empty(t, report.History.Epochs)
}

func TestOrchestratorTooFewExamples(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	meta := testMetadata()
	model, err := fusion.New(cfg.FusionConfig(meta))
	require.NoError(t, err)
	_, err = NewWithBackend(graphtest.BuildTestBackend(), cfg, model,
		newMemDataset("train", 4, 8, 1), newMemDataset("val", 16, 8, 2), meta)
	var configErr *faults.ConfigurationError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "training.batch_size", configErr.Key)
}

// interruptAndResume trains cfg for 3 epochs, interrupts it, and resumes it until the end of the epoch
// budget. It returns the report of the resumed run.
func interruptAndResume(t *testing.T, cfg *config.Config) *Report {
	t.Helper()
	o := newTestOrchestrator(t, cfg)
	ctx, cancel := stdcontext.WithCancel(stdcontext.Background())
	defer cancel()
	o.OnEpoch(func(rec EpochRecord) {
		if rec.Epoch == 3 {
			cancel()
		}
	})
	report, err := o.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Interrupted, report.StopReason)

	cfg.Training.Resume = true
	resumed := newTestOrchestrator(t, cfg)
	got, err := resumed.Run(stdcontext.Background())
	require.NoError(t, err)
	return got
}

func TestOrchestratorResumeWithAccumulation(t *testing.T) {
	const accumulation = 2
	cfg := testConfig(t, t.TempDir())
	cfg.Training.GradAccumulationSteps = accumulation
	want, err := newTestOrchestrator(t, cfg).Run(stdcontext.Background())
	require.NoError(t, err)
	require.Equal(t, 5, want.Epochs)

	cfg = testConfig(t, t.TempDir())
	cfg.Training.GradAccumulationSteps = accumulation
	got := interruptAndResume(t, cfg)
	require.Len(t, got.History.Epochs, 5)
	for ii, rec := range got.History.Epochs {
		// 4 micro-batches per epoch, one optimizer step per 2 of them.
		assert.Equal(t, int64(2*(ii+1)), rec.Steps)
		assert.Equal(t, want.History.Epochs[ii].Steps, rec.Steps)
		assert.InDeltaf(t, want.History.Epochs[ii].Val.Loss, rec.Val.Loss, 1e-3, "validation loss of epoch %d", rec.Epoch)
	}
}

func TestOrchestratorAccumulationMustDivideEpoch(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Training.GradAccumulationSteps = 3 // The train dataset has 4 batches.
	meta := testMetadata()
	model, err := fusion.New(cfg.FusionConfig(meta))
	require.NoError(t, err)
	_, err = NewWithBackend(graphtest.BuildTestBackend(), cfg, model,
		newMemDataset("train", 32, 8, 1), newMemDataset("val", 16, 8, 2), meta)
	var configErr *faults.ConfigurationError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "training.grad_accumulation_steps", configErr.Key)
}

// nonFiniteBatch returns a batch whose coordinates are NaN, so its loss is NaN in any precision.
func nonFiniteBatch() (inputs, labels []*tensors.Tensor) {
	_, inputs, labels, _ = newMemDataset("nan", 8, 8, 5).Yield()
	coords := make([]float32, 8*2)
	for ii := range coords {
		coords[ii] = float32(math.NaN())
	}
	inputs[1] = tensors.FromFlatDataAndDimensions(coords, 8, 2)
	return
}

func TestMixedPrecisionNonFiniteBatch(t *testing.T) {
	for _, tc := range []struct {
		name                  string
		accumulation          int
		wantForward, wantUses int
	}{
		{name: "retried in full precision", accumulation: 1, wantForward: 2, wantUses: 2},
		{name: "skipped with accumulation", accumulation: 2, wantForward: 1, wantUses: 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t, t.TempDir())
			cfg.Training.MixedPrecision = true
			cfg.Training.PrecisionDType = "float32" // A reduced precision mode that runs in every backend.
			cfg.Training.NumericRetryBudget = 3
			cfg.Training.GradAccumulationSteps = tc.accumulation
			o := newTestOrchestrator(t, cfg)
			require.NotEqual(t, FullPrecision, o.precision.Spec())

			o.precision.StartEpoch(1)
			inputs, labels := nonFiniteBatch()
			loss, _, applied, err := o.trainBatch(1, 0, inputs, labels)
			require.NoError(t, err)
			assert.False(t, applied)
			assert.False(t, isFiniteLoss(loss))
			assert.Equal(t, tc.wantForward, o.accumulation.Forward())
			assert.Equal(t, tc.wantUses, o.precision.Occurrences())
			assert.Zero(t, o.accumulation.Steps(o.ctx))
		})
	}
}

func TestOrchestratorFreezeLayers(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Model.CNNChannels = []int{4, 4}
	cfg.Model.FreezeLayers = 1
	cfg.Training.NumEpochs = 2
	o := newTestOrchestrator(t, cfg)

	// Trainable parameters of each backbone layer, indexed by "<scope>/<name>". Batch normalization moving
	// averages are updated by the forward pass, frozen or not, so they are left out.
	parameters := func() map[string]any {
		values := make(map[string]any)
		for v := range o.Context().IterVariables() {
			switch v.Name() {
			case fusion.WeightsVar, fusion.BNScaleVar, fusion.BNOffsetVar:
			default:
				continue
			}
			if strings.HasPrefix(v.Scope(), fusion.BackboneScope+"/") {
				values[v.Scope()+"/"+v.Name()] = v.MustValue().Value()
			}
		}
		return values
	}

	// Variables are created by the first training step: frozen ones still hold their initial values.
	var initial map[string]any
	o.OnBatch(func(epoch, batch, numBatches int, loss float64) {
		if initial == nil {
			initial = parameters()
		}
	})
	_, err := o.Run(stdcontext.Background())
	require.NoError(t, err)
	require.NotEmpty(t, initial)

	scopes := fusion.LayerScopes(o.Context())
	require.Len(t, scopes, 2)
	for v := range o.Context().InAbsPath(scopes[0]).IterVariablesInScope() {
		assert.Falsef(t, v.Trainable, "%s/%s should be frozen", v.Scope(), v.Name())
	}
	final := parameters()
	var frozen, changed int
	for key, value := range final {
		if strings.HasPrefix(key, scopes[0]+"/") {
			assert.Equalf(t, initial[key], value, "frozen %s changed", key)
			frozen++
		} else if strings.HasPrefix(key, scopes[1]+"/") && !assert.ObjectsAreEqual(initial[key], value) {
			changed++
		}
	}
	assert.Equal(t, 3, frozen, "weights, scale and offset of the first layer")
	assert.Positive(t, changed, "no parameter of the second layer was updated")
}
