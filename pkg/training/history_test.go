// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHistory() *History {
	h := &History{RunID: "run-1"}
	for epoch := 1; epoch <= 4; epoch++ {
		h.Append(EpochRecord{
			Epoch:       epoch,
			Train:       PassMetrics{Loss: 1.0 / float64(epoch), Accuracy: 40 + 10*float64(epoch)},
			Val:         PassMetrics{Loss: 1.2 / float64(epoch), Accuracy: 35 + 10*float64(epoch)},
			LR:          1e-3,
			Precision:   FullPrecision,
			Skipped:     epoch % 2,
			Steps:       int64(10 * epoch),
			Best:        epoch != 3,
			DurationSec: 1.5,
		})
	}
	return h
}

func TestHistorySaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), HistoryFile)
	h := testHistory()
	require.NoError(t, h.Save(path))
	loaded, err := LoadHistory(path)
	require.NoError(t, err)
	if diff := cmp.Diff(h, loaded); diff != "" {
		t.Errorf("history changed after save and load (-want +got):\n%s", diff)
	}
	assert.Equal(t, 4, loaded.Last().Epoch)

	missing, err := LoadHistory(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, missing.Epochs)
	assert.Nil(t, missing.Last())
}

func TestHistoryTruncate(t *testing.T) {
	h := testHistory()
	h.Truncate(2)
	require.Len(t, h.Epochs, 2)
	assert.Equal(t, 2, h.Last().Epoch)
	h.Truncate(10)
	assert.Len(t, h.Epochs, 2)
	h.Truncate(0)
	assert.Empty(t, h.Epochs)
}

func TestPlotHistory(t *testing.T) {
	dir := t.TempDir()
	sink := &PlotSink{Path: filepath.Join(dir, PlotFile)}
	h := testHistory()
	require.NoError(t, sink.Record(h, *h.Last()))
	require.NoError(t, sink.Close())

	f, err := os.Open(sink.Path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), img.Bounds().Dy())

	// An empty history still produces the (empty) axes.
	require.NoError(t, PlotHistory(&History{}, filepath.Join(dir, "empty.png")))
}

func TestSQLiteTracker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	info := RunInfo{RunID: "run-1", Backbone: "custom", Optimizer: "adamw", Scheduler: "cosine", ConfigYAML: "training: {}"}
	tracker, err := OpenTracker(path, info)
	require.NoError(t, err)
	h := testHistory()
	for _, rec := range h.Epochs {
		require.NoError(t, tracker.Record(h, rec))
	}
	// Re-recording an epoch (after resuming) replaces it.
	rec := h.Epochs[1]
	rec.Val.Accuracy = 99
	require.NoError(t, tracker.Record(h, rec))
	require.NoError(t, tracker.Finish(&Report{StopReason: EarlyStopped, Epochs: 4, BestEpoch: 2, BestMetric: 99}))
	require.NoError(t, tracker.Close())

	// Reopening migrates nothing and keeps the rows.
	tracker, err = OpenTracker(path, info)
	require.NoError(t, err)
	defer func() { _ = tracker.Close() }()
	records, err := tracker.Epochs("run-1")
	require.NoError(t, err)
	want := append([]EpochRecord(nil), h.Epochs...)
	want[1].Val.Accuracy = 99
	if diff := cmp.Diff(want, records); diff != "" {
		t.Errorf("tracked epochs differ (-want +got):\n%s", diff)
	}

	var stopReason string
	var bestEpoch int
	require.NoError(t, tracker.db.QueryRow(`SELECT stop_reason, best_epoch FROM runs WHERE run_id = ?`, "run-1").
		Scan(&stopReason, &bestEpoch))
	assert.Equal(t, "early_stopped", stopReason)
	assert.Equal(t, 2, bestEpoch)
}
