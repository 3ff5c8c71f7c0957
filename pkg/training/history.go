// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"encoding/json"
	"os"

	"github.com/gomlx/accessatlas/internal/fsutil"
	"github.com/pkg/errors"
)

// HistoryFile is the name of the per-epoch history, written in the checkpoint directory.
const HistoryFile = "history.json"

// PassMetrics of a pass over a dataset. Accuracy is in percent.
type PassMetrics struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
}

// EpochRecord is the history entry of one epoch.
type EpochRecord struct {
	// Epoch is 1-based.
	Epoch int         `json:"epoch"`
	Train PassMetrics `json:"train"`
	Val   PassMetrics `json:"val"`
	LR    float64     `json:"lr"`

	// Precision of the training graph ("fp32", "float16" or "bfloat16").
	Precision string `json:"precision"`

	// Skipped is the number of batches whose update was skipped due to a non-finite loss.
	Skipped int `json:"skipped"`

	// Steps is the global step (number of optimizer updates) at the end of the epoch.
	Steps int64 `json:"steps"`

	// Best is whether the epoch produced a new best model.
	Best        bool    `json:"best"`
	DurationSec float64 `json:"duration_sec"`
}

// History of a training run.
type History struct {
	RunID  string        `json:"run_id"`
	Epochs []EpochRecord `json:"epochs"`
}

// Append a record.
func (h *History) Append(rec EpochRecord) {
	h.Epochs = append(h.Epochs, rec)
}

// Last record, or nil if empty.
func (h *History) Last() *EpochRecord {
	if len(h.Epochs) == 0 {
		return nil
	}
	return &h.Epochs[len(h.Epochs)-1]
}

// Save the history as JSON to path, atomically.
func (h *History) Save(path string) error {
	contents, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode training history")
	}
	return fsutil.WriteBytesAtomic(path, contents)
}

// LoadHistory reads a history saved with History.Save. A missing file returns an empty history.
func LoadHistory(path string) (*History, error) {
	contents, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &History{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read training history %q", path)
	}
	h := &History{}
	if err := json.Unmarshal(contents, h); err != nil {
		return nil, errors.Wrapf(err, "failed to parse training history %q", path)
	}
	return h, nil
}

// Truncate drops the records after epoch. Used when resuming from a checkpoint older than the history.
func (h *History) Truncate(epoch int) {
	for ii, rec := range h.Epochs {
		if rec.Epoch > epoch {
			h.Epochs = h.Epochs[:ii]
			return
		}
	}
}

// Sink receives the history records as they are produced, e.g. to store them in a database or plot them.
type Sink interface {
	Record(h *History, rec EpochRecord) error
	Close() error
}
