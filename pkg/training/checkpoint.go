// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gomlx/accessatlas/internal/fsutil"
	"github.com/gomlx/accessatlas/pkg/faults"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// BestDir is the sub-directory of the checkpoint directory with the best model.
	BestDir = "best"

	// StateFile is the training state written next to the best model.
	StateFile = "training_state.json"

	// ParamTrainingState is the context parameter holding the TrainingState (JSON encoded) of each checkpoint.
	// It is saved and restored along with the variables by the GoMLX checkpoints.
	ParamTrainingState = "accessatlas_training_state"
)

// TrainingState is the state of the training loop stored with each checkpoint, enough to resume training.
type TrainingState struct {
	RunID                    string        `json:"run_id"`
	Epoch                    int           `json:"epoch"`
	BestMetric               float64       `json:"best_metric"`
	BestEpoch                int           `json:"best_epoch"`
	EpochsWithoutImprovement int           `json:"epochs_without_improvement"`
	Scheduler                ScheduleState `json:"scheduler"`
	LR                       float64       `json:"lr"`

	// Metrics of the epoch that triggered the checkpoint.
	ValLoss     float64 `json:"val_loss"`
	ValAccuracy float64 `json:"val_accuracy"`
}

// CheckpointManager saves the ring of the most recent epoch checkpoints and the best model.
//
// The ring is a GoMLX checkpoints.Handler on the checkpoint directory. The best model is saved by a
// separate handler into a temporary directory "best.tmp-*", which then atomically replaces BestDir.
type CheckpointManager struct {
	ctx     *context.Context
	dir     string
	keep    int
	ring    *checkpoints.Handler
	exclude []string
}

// NewCheckpointManager attaches the checkpoints in dir to ctx.
//
// Context parameters already set in ctx (the hyperparameters) are not saved: they always come from the
// configuration. If dir already has checkpoints and resume is false it fails with a faults.ConfigurationError,
// so a previous run is never silently continued or overwritten.
func NewCheckpointManager(ctx *context.Context, dir string, keep int, resume bool) (*CheckpointManager, error) {
	m := &CheckpointManager{ctx: ctx, dir: dir, keep: keep}
	ctx.EnumerateParams(func(scope, key string, _ any) {
		m.exclude = append(m.exclude, key)
	})
	if err := recoverBest(dir); err != nil {
		return nil, err
	}
	if !resume {
		if err := m.checkEmpty(); err != nil {
			return nil, err
		}
	}
	ring, err := m.build(checkpoints.Build(ctx).Dir(dir).Keep(keep))
	if err != nil {
		return nil, &faults.CheckpointIOError{Path: dir, Op: "open", Cause: err}
	}
	m.ring = ring
	return m, nil
}

func (m *CheckpointManager) build(c *checkpoints.Config) (*checkpoints.Handler, error) {
	return c.ExcludeParams(m.exclude...).Done()
}

func (m *CheckpointManager) checkEmpty() error {
	found, err := filepath.Glob(filepath.Join(m.dir, "checkpoint-*"+checkpoints.JsonNameSuffix))
	if err != nil {
		return &faults.CheckpointIOError{Path: m.dir, Op: "list", Cause: err}
	}
	if len(found) > 0 {
		return &faults.ConfigurationError{Key: "training.checkpoint_dir", Value: m.dir,
			Reason: "directory already has checkpoints: set training.resume=true to continue the run, or use another directory"}
	}
	return nil
}

// Dir of the checkpoints.
func (m *CheckpointManager) Dir() string { return m.dir }

// BestDir returns the directory of the best model.
func (m *CheckpointManager) BestDir() string { return filepath.Join(m.dir, BestDir) }

// Resume returns the state of the latest checkpoint of the ring, already loaded into the context.
// It returns nil if there are no checkpoints.
func (m *CheckpointManager) Resume() (*TrainingState, error) {
	has, err := m.ring.HasCheckpoints()
	if err != nil {
		return nil, &faults.CheckpointIOError{Path: m.dir, Op: "list", Cause: err}
	}
	if !has {
		return nil, nil
	}
	encoded := context.GetParamOr(m.ctx, ParamTrainingState, "")
	if encoded == "" {
		return nil, &faults.CheckpointIOError{Path: m.dir, Op: "resume",
			Cause: errors.Errorf("latest checkpoint has no %q parameter", ParamTrainingState)}
	}
	state := &TrainingState{}
	if err := json.Unmarshal([]byte(encoded), state); err != nil {
		return nil, &faults.CheckpointIOError{Path: m.dir, Op: "resume", Cause: errors.Wrap(err, "invalid training state")}
	}
	klog.Infof("resuming from %q: epoch %d, best accuracy %.2f%% at epoch %d",
		m.dir, state.Epoch, state.BestMetric, state.BestEpoch)
	return state, nil
}

// setState stores the state in the context parameters, so it's saved along with the checkpoint.
func (m *CheckpointManager) setState(state *TrainingState) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "failed to encode training state")
	}
	m.ctx.InAbsPath(context.RootScope).SetParam(ParamTrainingState, string(encoded))
	return nil
}

// SaveEpoch saves a checkpoint to the ring, removing the oldest beyond the configured number to keep.
func (m *CheckpointManager) SaveEpoch(state *TrainingState) error {
	if err := m.setState(state); err != nil {
		return &faults.CheckpointIOError{Epoch: state.Epoch, Path: m.dir, Op: "save", Cause: err}
	}
	if err := m.ring.Save(); err != nil {
		return &faults.CheckpointIOError{Epoch: state.Epoch, Path: m.dir, Op: "save", Cause: err}
	}
	klog.V(1).Infof("epoch %d: checkpoint saved to %q", state.Epoch, m.dir)
	return nil
}

// PromoteBest saves the current model as the best one.
//
// The model is fully written to a temporary directory, and then replaces BestDir with a rename: at any moment
// BestDir holds a complete checkpoint.
func (m *CheckpointManager) PromoteBest(state *TrainingState) (err error) {
	fail := func(op string, cause error) error {
		return &faults.CheckpointIOError{Epoch: state.Epoch, Path: m.BestDir(), Op: op, Cause: cause}
	}
	if err = m.setState(state); err != nil {
		return fail("promote", err)
	}

	// The handler attaches itself as the loader of the context: it's restored afterward.
	previousLoader := m.ctx.Loader()
	handler, err := m.build(checkpoints.Build(m.ctx).TempDir(m.dir, BestDir+".tmp-*").Keep(1))
	m.ctx.SetLoader(previousLoader)
	if err != nil {
		return fail("promote", err)
	}
	tmpDir := handler.Dir()
	defer func() {
		if err != nil {
			_ = os.RemoveAll(tmpDir)
		}
	}()
	if err = handler.Save(); err != nil {
		return fail("promote", err)
	}
	encoded, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fail("promote", err)
	}
	if err = fsutil.WriteBytesAtomic(filepath.Join(tmpDir, StateFile), encoded); err != nil {
		return fail("promote", err)
	}
	if err = fsutil.ReplaceDirAtomic(tmpDir, m.BestDir()); err != nil {
		return fail("rename", err)
	}
	klog.Infof("epoch %d: new best model (val accuracy %.2f%%) saved to %q", state.Epoch, state.ValAccuracy, m.BestDir())
	return nil
}

// recoverBest restores BestDir if a previous PromoteBest was interrupted while swapping the directories.
func recoverBest(checkpointDir string) error {
	dir := filepath.Join(checkpointDir, BestDir)
	recovered, err := fsutil.RecoverReplacedDir(dir)
	if err != nil {
		return &faults.CheckpointIOError{Path: dir, Op: "recover", Cause: err}
	}
	if recovered {
		klog.Warningf("recovered the best model in %q from an interrupted update", dir)
	}
	return nil
}

// ReadBestState reads the training state of the best model saved in checkpointDir.
func ReadBestState(checkpointDir string) (*TrainingState, error) {
	if err := recoverBest(checkpointDir); err != nil {
		return nil, err
	}
	path := filepath.Join(checkpointDir, BestDir, StateFile)
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, &faults.CheckpointIOError{Path: path, Op: "read", Cause: err}
	}
	state := &TrainingState{}
	if err := json.Unmarshal(contents, state); err != nil {
		return nil, &faults.CheckpointIOError{Path: path, Op: "read", Cause: err}
	}
	return state, nil
}

// LoadBest loads the variables of the best model saved in checkpointDir into a fresh context. The
// hyperparameters are not loaded.
func LoadBest(checkpointDir string) (*context.Context, error) {
	if err := recoverBest(checkpointDir); err != nil {
		return nil, err
	}
	dir := filepath.Join(checkpointDir, BestDir)
	ctx := context.New()
	if _, err := checkpoints.Load(ctx).Dir(dir).ExcludeAllParams().Immediate().Done(); err != nil {
		return nil, &faults.CheckpointIOError{Path: dir, Op: "read", Cause: err}
	}
	return ctx, nil
}
