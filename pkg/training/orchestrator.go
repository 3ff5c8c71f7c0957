// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package training implements the AccessAtlas training orchestrator: it drives the epochs of a
// train.Trainer over the fusion model, composing the precision, gradient accumulation and learning-rate
// schedule strategies, and keeps the checkpoints, the early stopping and the history of the run.
//
// Each epoch is a train pass followed by a validation pass, and then the checkpoint decision:
//
//   - a strictly better validation accuracy promotes the model to the "best" checkpoint;
//   - the epoch checkpoint is added to the ring of the most recent ones;
//   - the history is saved and sent to the configured sinks.
//
// Training stops when the early stopping patience is exhausted, when the epoch budget is exhausted or when
// the Go context is cancelled. Cancellation is only checked at epoch boundaries.
package training

import (
	stdcontext "context"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"time"

	"github.com/gomlx/accessatlas/pkg/config"
	"github.com/gomlx/accessatlas/pkg/faults"
	"github.com/gomlx/accessatlas/pkg/fusion"
	"github.com/gomlx/accessatlas/pkg/manifest"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// StopReason tells why a run ended.
type StopReason int

const (
	EpochBudgetExhausted StopReason = iota
	EarlyStopped
	Interrupted
)

func (r StopReason) String() string {
	switch r {
	case EpochBudgetExhausted:
		return "epoch_budget_exhausted"
	case EarlyStopped:
		return "early_stopped"
	case Interrupted:
		return "interrupted"
	}
	return "unknown"
}

// Report is the outcome of Orchestrator.Run.
type Report struct {
	StopReason StopReason

	// Epochs is the last epoch trained, counting the epochs of a resumed run.
	Epochs int

	// BestEpoch and BestMetric (validation accuracy, in percent) of the model saved as "best".
	// BestEpoch is 0 if no epoch improved over 0% accuracy.
	BestEpoch  int
	BestMetric float64

	History *History
}

// EpochDataset is a train.Dataset whose shuffling and augmentation depend on the epoch, like loader.Dataset.
type EpochDataset interface {
	train.Dataset

	// SetEpoch selects the epoch and restarts the dataset.
	SetEpoch(epoch int)

	// NumBatches per epoch.
	NumBatches() int
}

// BatchHook is called after each training batch, with the batch loss (NaN if the update was skipped).
type BatchHook func(epoch, batch, numBatches int, loss float64)

// EpochHook is called after each epoch with its record.
type EpochHook func(rec EpochRecord)

const accuracyMetricShortName = "acc"

// Orchestrator trains the fusion model. Create it with New, and train with Run.
type Orchestrator struct {
	cfg   *config.Config
	model *fusion.Model
	meta  *manifest.Metadata

	trainDS, valDS EpochDataset
	trainEvalDS    train.Dataset

	backend     backends.Backend
	ctx         *context.Context
	trainer     *train.Trainer
	accuracyIdx int
	evaluator   *Evaluator
	reused      bool

	precision    *Precision
	accumulation *Accumulation
	schedule     Schedule
	stopping     *EarlyStopping
	checkpoints  *CheckpointManager

	runID       string
	history     *History
	historyPath string
	sinks       []Sink
	tracker     *SQLiteTracker
	bestEpoch   int
	lastState   *TrainingState
	savedState  *TrainingState
	lastStep    int64
	frozenCount int

	batchHooks []BatchHook
	epochHooks []EpochHook
}

// New creates the orchestrator for model, trained on trainDS and validated on valDS. meta holds the class
// weights of the train split.
//
// It creates the backend (see backends.New), the context with the hyperparameters of cfg, the optimizer,
// the trainer and the strategies. It also attaches the checkpoint directory: if it already holds checkpoints,
// cfg.Training.Resume must be set.
func New(cfg *config.Config, model *fusion.Model, trainDS, valDS EpochDataset, meta *manifest.Metadata) (*Orchestrator, error) {
	backend, err := backends.New()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create a backend")
	}
	return NewWithBackend(backend, cfg, model, trainDS, valDS, meta)
}

// NewWithBackend is like New, but uses the given backend.
func NewWithBackend(backend backends.Backend, cfg *config.Config, model *fusion.Model, trainDS, valDS EpochDataset,
	meta *manifest.Metadata) (*Orchestrator, error) {
	t := &cfg.Training
	stepsPerEpoch := trainDS.NumBatches()
	if stepsPerEpoch == 0 {
		return nil, &faults.ConfigurationError{Key: "training.batch_size", Value: t.BatchSize,
			Reason: "the train split is smaller than one batch"}
	}
	if n := t.GradAccumulationSteps; n > 1 && stepsPerEpoch%n != 0 {
		// The trainer's position in the accumulation window is not checkpointed: epochs must end on a
		// complete window for resume to continue from the same optimizer state.
		return nil, &faults.ConfigurationError{Key: "training.grad_accumulation_steps", Value: n,
			Reason: fmt.Sprintf("it must divide the %d batches of an epoch", stepsPerEpoch)}
	}
	o := &Orchestrator{
		cfg:          cfg,
		model:        model,
		meta:         meta,
		trainDS:      trainDS,
		valDS:        valDS,
		backend:      backend,
		precision:    NewPrecision(reducedPrecision(t), t.NumericRetryBudget),
		accumulation: NewAccumulation(t.GradAccumulationSteps),
		stopping:     NewEarlyStopping(t.EarlyStoppingPatience),
		runID:        uuid.NewString(),
		historyPath:  filepath.Join(cfg.Path(t.CheckpointDir), HistoryFile),
	}

	o.ctx = cfg.Context()
	if t.Scheduler == config.SchedulerCosine {
		// The in-graph schedule counts the executions of the training graph, that is, micro-batches.
		o.ctx.SetParam(cosineschedule.ParamPeriodSteps, t.NumEpochs*stepsPerEpoch)
	}

	var err error
	o.schedule, err = NewSchedule(t)
	if err != nil {
		return nil, err
	}
	optimizer, err := NewOptimizer(o.ctx)
	if err != nil {
		return nil, err
	}
	if err = model.Prepare(); err != nil {
		return nil, err
	}

	var classWeights []float64
	if t.ClassWeights {
		classWeights = meta.ClassWeights
	}
	accuracy := metrics.NewBaseMetric("Batch Accuracy", accuracyMetricShortName, metrics.AccuracyMetricType,
		metrics.SparseCategoricalAccuracyGraph, nil)
	o.trainer = train.NewTrainer(backend, o.ctx, o.modelGraph, WeightedCrossEntropy(classWeights), optimizer,
		[]metrics.Interface{accuracy}, nil)
	o.accuracyIdx = -1
	for ii, m := range o.trainer.TrainMetrics() {
		if m.ShortName() == accuracyMetricShortName {
			o.accuracyIdx = ii
		}
	}
	if err = o.accumulation.Attach(o.trainer); err != nil {
		return nil, err
	}
	if o.accumulation.N() > 1 {
		o.precision.WithoutRetry()
	}
	o.evaluator, err = NewEvaluator(backend, o.ctx, model, classWeights)
	if err != nil {
		return nil, err
	}

	// Hyperparameters are all set by now: the checkpoint manager excludes them from the checkpoints.
	o.checkpoints, err = NewCheckpointManager(o.ctx, cfg.Path(t.CheckpointDir), t.KeepCheckpoints, t.Resume)
	if err != nil {
		return nil, err
	}
	klog.Infof("training %s with %s, %s, %d steps per epoch (accumulation %d), precision %s",
		model.Backbone().Name(), t.Optimizer, describeSchedule(o.schedule), stepsPerEpoch,
		o.accumulation.N(), o.precision.Spec())
	return o, nil
}

func reducedPrecision(t *config.Training) string {
	if !t.MixedPrecision {
		return ""
	}
	return t.PrecisionDType
}

// WithTrainEvalDataset sets the one-epoch evaluation dataset over the train split used to refresh the
// batch normalization averages after each epoch, when training.update_batch_norm is set.
func (o *Orchestrator) WithTrainEvalDataset(ds train.Dataset) *Orchestrator {
	o.trainEvalDS = ds
	return o
}

// WithSinks adds sinks of the history.
func (o *Orchestrator) WithSinks(sinks ...Sink) *Orchestrator {
	o.sinks = append(o.sinks, sinks...)
	return o
}

// OnBatch registers a hook called after each training batch.
func (o *Orchestrator) OnBatch(hook BatchHook) { o.batchHooks = append(o.batchHooks, hook) }

// OnEpoch registers a hook called after each epoch.
func (o *Orchestrator) OnEpoch(hook EpochHook) { o.epochHooks = append(o.epochHooks, hook) }

// Context returns the GoMLX context with the hyperparameters and the variables of the model.
func (o *Orchestrator) Context() *context.Context { return o.ctx }

// Backend used for training and evaluation.
func (o *Orchestrator) Backend() backends.Backend { return o.backend }

// Trainer returns the underlying GoMLX trainer.
func (o *Orchestrator) Trainer() *train.Trainer { return o.trainer }

// Checkpoints returns the checkpoint manager.
func (o *Orchestrator) Checkpoints() *CheckpointManager { return o.checkpoints }

// RunID identifies the run in the history and the tracker. It is kept when resuming.
func (o *Orchestrator) RunID() string { return o.runID }

// Evaluate returns the loss and the accuracy (in percent) of the current model over ds.
func (o *Orchestrator) Evaluate(ds train.Dataset) (loss, accuracy float64, err error) {
	return o.evaluator.Evaluate(ds)
}

// EvaluateDetailed returns the confusion matrix and the per-class report of the current model over ds.
func (o *Orchestrator) EvaluateDetailed(ds train.Dataset) (*Evaluation, error) {
	return o.evaluator.EvaluateDetailed(ds, o.meta.TagTypes)
}

// modelGraph implements train.ModelFn: the fusion model, with the in-graph learning rate schedule and the
// freezing of the leading backbone layers.
func (o *Orchestrator) modelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	g := inputs[0].Graph()
	if ctx.IsTraining(g) && InGraph(o.schedule) {
		cosineschedule.New(ctx, g, dtypes.Float32).FromContext().Done()
	}
	logits := o.model.Graph(ctx, spec, inputs)
	o.freeze(ctx)
	return logits
}

// freeze marks the variables of the first freeze_layers backbone layers as not trainable. It must be
// called after the model graph is built and before the gradients are computed.
func (o *Orchestrator) freeze(ctx *context.Context) {
	n := o.cfg.Model.FreezeLayers
	if n <= 0 {
		return
	}
	scopes := fusion.LayerScopes(ctx)
	if n > len(scopes) {
		klog.Warningf("model.freeze_layers=%d but backbone %q has only %d layers: freezing all of them",
			n, o.model.Backbone().Name(), len(scopes))
		n = len(scopes)
	}
	count := 0
	for _, scope := range scopes[:n] {
		for v := range ctx.InAbsPath(scope).IterVariablesInScope() {
			v.SetTrainable(false)
			count++
		}
	}
	if count != o.frozenCount {
		o.frozenCount = count
		klog.V(1).Infof("frozen %d variables in the first %d backbone layers", count, n)
	}
}

// reuseContext switches the trainer to reuse the variables, once they have been created by the first
// training graph. Graphs built afterward (another precision, evaluation, batch normalization update)
// must not create new model variables.
func (o *Orchestrator) reuseContext() {
	if o.reused {
		return
	}
	o.trainer.SetContext(o.trainer.Context().Reuse())
	o.reused = true
}

// setLR sets the learning-rate variable read by the optimizer. A no-op for the in-graph schedule.
func (o *Orchestrator) setLR(lr float64) {
	if InGraph(o.schedule) {
		return
	}
	optimizers.LearningRateVar(o.ctx, dtypes.Float32, lr).MustSetValue(tensors.FromScalar(float32(lr)))
}

// currentLR returns the learning rate in use.
func (o *Orchestrator) currentLR() float64 {
	if !InGraph(o.schedule) {
		return o.schedule.LR()
	}
	v := optimizers.LearningRateVar(o.ctx, dtypes.Float32, o.schedule.LR())
	return scalarValue(v.MustValue())
}

// initialize restores the state of a previous run from the latest checkpoint, or starts a new one.
// It returns the last epoch already trained.
func (o *Orchestrator) initialize() (int, error) {
	state, err := o.checkpoints.Resume()
	if err != nil {
		return 0, err
	}
	if state == nil {
		if _, err := o.model.WarmStart(o.ctx); err != nil {
			return 0, err
		}
		o.history = &History{RunID: o.runID}
		o.setLR(o.schedule.LR())
		return 0, nil
	}

	if err := o.schedule.Restore(state.Scheduler); err != nil {
		return 0, &faults.CheckpointIOError{Epoch: state.Epoch, Path: o.checkpoints.Dir(), Op: "resume", Cause: err}
	}
	o.stopping.Restore(state.BestMetric, state.EpochsWithoutImprovement)
	o.bestEpoch = state.BestEpoch
	o.runID = state.RunID
	o.lastState, o.savedState = state, state
	o.setLR(state.LR)

	o.lastStep = o.accumulation.Steps(o.ctx)
	if o.lastStep > 0 {
		o.reuseContext()
	}
	o.history, err = LoadHistory(o.historyPath)
	if err != nil {
		return 0, &faults.CheckpointIOError{Epoch: state.Epoch, Path: o.historyPath, Op: "resume", Cause: err}
	}
	o.history.RunID = o.runID
	o.history.Truncate(state.Epoch)
	return state.Epoch, nil
}

// openTracker registers the run in the SQLite tracker, if one is configured.
func (o *Orchestrator) openTracker() error {
	path := o.cfg.Tracking.SQLite
	if path == "" {
		return nil
	}
	encoded, err := yaml.Marshal(o.cfg)
	if err != nil {
		return errors.Wrap(err, "failed to encode configuration for the tracker")
	}
	o.tracker, err = OpenTracker(o.cfg.Path(path), RunInfo{
		RunID:      o.runID,
		Backbone:   o.model.Backbone().Name(),
		Optimizer:  o.cfg.Training.Optimizer,
		Scheduler:  o.schedule.Name(),
		ConfigYAML: string(encoded),
	})
	if err != nil {
		return err
	}
	o.sinks = append(o.sinks, o.tracker)
	return nil
}

// Run trains until early stopping, the epoch budget is exhausted or ctx is cancelled. Cancellation is
// checked at epoch boundaries only, and it's not an error: the report's StopReason is Interrupted.
func (o *Orchestrator) Run(ctx stdcontext.Context) (report *Report, err error) {
	lastEpoch, err := o.initialize()
	if err != nil {
		return nil, err
	}
	if o.cfg.Tracking.Plot {
		o.sinks = append(o.sinks, &PlotSink{Path: filepath.Join(o.checkpoints.Dir(), PlotFile)})
	}
	if err = o.openTracker(); err != nil {
		return nil, err
	}
	defer func() {
		for _, sink := range o.sinks {
			if closeErr := sink.Close(); closeErr != nil && err == nil {
				err = errors.WithMessage(closeErr, "failed to close history sink")
			}
		}
	}()

	report = &Report{StopReason: EpochBudgetExhausted, History: o.history}
	if o.stopping.Stopped() {
		report.StopReason = EarlyStopped
	}
	for epoch := lastEpoch + 1; epoch <= o.cfg.Training.NumEpochs && report.StopReason != EarlyStopped; epoch++ {
		if ctx.Err() != nil {
			klog.Warningf("training interrupted before epoch %d: %v", epoch, stdcontext.Cause(ctx))
			report.StopReason = Interrupted
			break
		}
		var stop bool
		stop, err = o.runEpoch(epoch)
		if err != nil {
			return nil, err
		}
		lastEpoch = epoch
		if stop {
			report.StopReason = EarlyStopped
			klog.Infof("early stopping at epoch %d: no improvement over %.2f%% (epoch %d) in %d epochs",
				epoch, o.stopping.Best(), o.bestEpoch, o.stopping.EpochsWithoutImprovement())
		}
	}

	// The ring always holds the last epoch trained.
	if o.lastState != nil && o.lastState != o.savedState {
		if err = o.checkpoints.SaveEpoch(o.lastState); err != nil {
			return nil, err
		}
		o.savedState = o.lastState
	}

	report.Epochs = lastEpoch
	report.BestEpoch = o.bestEpoch
	report.BestMetric = o.stopping.Best()
	if o.tracker != nil {
		if err = o.tracker.Finish(report); err != nil {
			return nil, err
		}
	}
	klog.Infof("training finished (%s) after %d epochs: best validation accuracy %.2f%% at epoch %d",
		report.StopReason, report.Epochs, report.BestMetric, report.BestEpoch)
	return report, nil
}

// runEpoch trains one epoch, validates, and saves the checkpoints and the history.
func (o *Orchestrator) runEpoch(epoch int) (stop bool, err error) {
	start := time.Now()
	precision := o.precision.Spec()
	trainMetrics, skipped, err := o.trainPass(epoch)
	if err != nil {
		return false, err
	}

	if o.cfg.Training.UpdateBatchNorm && o.trainEvalDS != nil {
		updated, err := batchnorm.UpdateAverages(o.trainer, o.trainEvalDS)
		if err != nil {
			return false, errors.WithMessagef(err, "epoch %d: failed to update batch normalization averages", epoch)
		}
		if updated {
			klog.V(1).Infof("epoch %d: batch normalization averages updated", epoch)
		}
	}

	valLoss, valAcc, err := o.evaluator.Evaluate(o.valDS)
	if err != nil {
		return false, errors.WithMessagef(err, "epoch %d", epoch)
	}
	if !isFiniteLoss(valLoss) {
		return false, &faults.TrainingNumericError{Epoch: epoch, Occurrences: 1,
			Cause: errors.Errorf("validation loss is %g", valLoss)}
	}

	// The record and the state hold the learning rate used during the epoch.
	lr := o.currentLR()
	if newLR, changed := o.schedule.OnEpoch(epoch, valAcc); changed {
		o.setLR(newLR)
	}
	improved, stop := o.stopping.Observe(valAcc)
	if improved {
		o.bestEpoch = epoch
	}
	state := &TrainingState{
		RunID:                    o.runID,
		Epoch:                    epoch,
		BestMetric:               o.stopping.Best(),
		BestEpoch:                o.bestEpoch,
		EpochsWithoutImprovement: o.stopping.EpochsWithoutImprovement(),
		Scheduler:                o.schedule.State(),
		LR:                       o.currentLR(),
		ValLoss:                  valLoss,
		ValAccuracy:              valAcc,
	}
	o.lastState = state
	if improved {
		if err = o.checkpoints.PromoteBest(state); err != nil {
			return false, err
		}
	}
	if o.cfg.Training.SaveEveryEpoch {
		if err = o.checkpoints.SaveEpoch(state); err != nil {
			return false, err
		}
		o.savedState = state
	}

	rec := EpochRecord{
		Epoch:       epoch,
		Train:       trainMetrics,
		Val:         PassMetrics{Loss: valLoss, Accuracy: valAcc},
		LR:          lr,
		Precision:   precision,
		Skipped:     skipped,
		Steps:       o.accumulation.Steps(o.ctx),
		Best:        improved,
		DurationSec: time.Since(start).Seconds(),
	}
	if err = o.record(rec); err != nil {
		return false, &faults.CheckpointIOError{Epoch: epoch, Path: o.historyPath, Op: "history", Cause: err}
	}
	klog.Infof("epoch %d/%d: train loss %.4f acc %.2f%%, val loss %.4f acc %.2f%%, lr %.3g%s (%s)",
		epoch, o.cfg.Training.NumEpochs, trainMetrics.Loss, trainMetrics.Accuracy, valLoss, valAcc, lr,
		bestMark(improved), time.Duration(rec.DurationSec*float64(time.Second)).Round(time.Millisecond))
	for _, hook := range o.epochHooks {
		hook(rec)
	}
	return stop, nil
}

func bestMark(improved bool) string {
	if improved {
		return ", new best"
	}
	return ""
}

// record appends the epoch to the history, saves it and sends it to the sinks.
func (o *Orchestrator) record(rec EpochRecord) error {
	o.history.Append(rec)
	if err := o.history.Save(o.historyPath); err != nil {
		return err
	}
	for _, sink := range o.sinks {
		if err := sink.Record(o.history, rec); err != nil {
			return err
		}
	}
	return nil
}

// trainPass runs one epoch over the train dataset. It returns the mean loss and accuracy of the batches
// whose update was applied, and the number of skipped batches.
func (o *Orchestrator) trainPass(epoch int) (pass PassMetrics, skipped int, err error) {
	o.precision.StartEpoch(epoch)
	o.trainDS.SetEpoch(epoch)
	numBatches := o.trainDS.NumBatches()
	var lossSum, accSum float64
	var count int
	for batch := 0; ; batch++ {
		var inputs, labels []*tensors.Tensor
		_, inputs, labels, err = o.trainDS.Yield()
		if err == io.EOF {
			err = nil
			break
		}
		if err != nil {
			return pass, skipped, errors.WithMessagef(err, "epoch %d, batch %d", epoch, batch)
		}
		batchSize := labels[0].Shape().Dimensions[0]
		loss, accuracy, applied, stepErr := o.trainBatch(epoch, batch, inputs, labels)
		for _, t := range append(inputs, labels...) {
			t.FinalizeAll()
		}
		if stepErr != nil {
			return pass, skipped, stepErr
		}
		if applied {
			lossSum += loss * float64(batchSize)
			accSum += accuracy * float64(batchSize)
			count += batchSize
		} else {
			skipped++
			loss = math.NaN()
		}
		o.afterStep()
		for _, hook := range o.batchHooks {
			hook(epoch, batch, numBatches, loss)
		}
	}
	if count == 0 {
		return pass, skipped, &faults.TrainingNumericError{Epoch: epoch, Occurrences: skipped,
			Cause: errors.New("no batch of the epoch had a finite loss")}
	}
	pass = PassMetrics{Loss: lossSum / float64(count), Accuracy: accSum / float64(count)}
	return
}

// trainBatch runs the training step of one batch, retrying it in full precision if the loss in reduced
// precision is not finite. It returns whether the update was applied.
func (o *Orchestrator) trainBatch(epoch, batch int, inputs, labels []*tensors.Tensor) (
	loss, accuracy float64, applied bool, err error) {
	spec := o.precision.Spec()
	for {
		var values []*tensors.Tensor
		values, err = o.trainer.TrainStep(spec, inputs, labels)
		if err != nil {
			return 0, 0, false, errors.WithMessagef(err, "epoch %d, batch %d: training step (%s) failed", epoch, batch, spec)
		}
		o.reuseContext()
		o.accumulation.Observe()
		loss = scalarValue(values[0])
		if o.accuracyIdx >= 0 {
			accuracy = 100 * scalarValue(values[o.accuracyIdx])
		}
		for _, v := range values {
			v.FinalizeAll()
		}
		if isFiniteLoss(loss) {
			return loss, accuracy, true, nil
		}
		var retry bool
		retry, err = o.precision.NonFinite(batch, spec, loss)
		if err != nil || !retry {
			return loss, accuracy, false, err
		}
		spec = FullPrecision
	}
}

// afterStep notifies the schedule when the optimizer applied a new step.
func (o *Orchestrator) afterStep() {
	step := o.accumulation.Steps(o.ctx)
	if step == o.lastStep {
		return
	}
	o.lastStep = step
	if lr, changed := o.schedule.OnStep(step); changed {
		o.setLR(lr)
	}
}

// scalarValue converts a scalar float tensor to float64. It returns NaN for other dtypes.
func scalarValue(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	case float16.Float16:
		return float64(v.Float32())
	}
	return math.NaN()
}
