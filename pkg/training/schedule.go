// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"fmt"
	"math"

	"github.com/gomlx/accessatlas/pkg/config"
	"github.com/gomlx/accessatlas/pkg/faults"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Schedule of the learning rate.
//
// The orchestrator calls OnStep after every optimizer step, and OnEpoch after the validation pass of every epoch.
// Whenever they report a change, the new value is set on the learning-rate variable of the optimizer.
type Schedule interface {
	// Name of the scheduler, as in training.scheduler.
	Name() string

	// LR returns the current learning rate, as last set by the schedule.
	LR() float64

	// OnStep is called with the global step after each optimizer step.
	OnStep(step int64) (lr float64, changed bool)

	// OnEpoch is called with the 1-based epoch just finished and its validation accuracy.
	OnEpoch(epoch int, valAcc float64) (lr float64, changed bool)

	// State returns the state to save in a checkpoint.
	State() ScheduleState

	// Restore the state saved by State.
	Restore(state ScheduleState) error
}

// ScheduleState is the serializable state of a Schedule.
type ScheduleState struct {
	Name string  `json:"name"`
	LR   float64 `json:"lr"`

	// Plateau scheduler only.
	Best      float64 `json:"best,omitempty"`
	BadEpochs int     `json:"bad_epochs,omitempty"`
}

// NewSchedule creates the Schedule configured in cfg.
//
// The "cosine" schedule is computed in the training graph (see cosineschedule), its Go side is a no-op.
func NewSchedule(cfg *config.Training) (Schedule, error) {
	base := cfg.LearningRate
	switch cfg.Scheduler {
	case config.SchedulerNone:
		return &constantSchedule{name: config.SchedulerNone, lr: base}, nil
	case config.SchedulerCosine:
		return &constantSchedule{name: config.SchedulerCosine, lr: base, inGraph: true}, nil
	case config.SchedulerStep:
		return &stepSchedule{base: base, lr: base, stepSize: cfg.StepSize, gamma: cfg.Gamma}, nil
	case config.SchedulerPlateau:
		return &plateauSchedule{lr: base, factor: cfg.PlateauFactor, patience: cfg.PlateauPatience, best: math.Inf(-1)}, nil
	case config.SchedulerCyclic:
		return &cyclicSchedule{minLR: cfg.CyclicMinLR, maxLR: base, period: int64(cfg.CyclicPeriodSteps), lr: cfg.CyclicMinLR}, nil
	}
	return nil, &faults.ConfigurationError{Key: "training.scheduler", Value: cfg.Scheduler, Reason: "unknown scheduler"}
}

// InGraph returns whether the schedule is computed by the training graph, in which case the current learning
// rate must be read from the learning-rate variable.
func InGraph(s Schedule) bool {
	c, ok := s.(*constantSchedule)
	return ok && c.inGraph
}

func checkStateName(s Schedule, state ScheduleState) error {
	if state.Name != s.Name() {
		return errors.Errorf("can't restore the state of scheduler %q into scheduler %q", state.Name, s.Name())
	}
	return nil
}

// constantSchedule never changes the learning rate.
type constantSchedule struct {
	name    string
	lr      float64
	inGraph bool
}

func (s *constantSchedule) Name() string { return s.name }
func (s *constantSchedule) LR() float64 { return s.lr }
func (s *constantSchedule) OnStep(int64) (float64, bool) { return s.lr, false }
func (s *constantSchedule) OnEpoch(int, float64) (float64, bool) { return s.lr, false }
func (s *constantSchedule) State() ScheduleState { return ScheduleState{Name: s.name, LR: s.lr} }
func (s *constantSchedule) Restore(state ScheduleState) error { return checkStateName(s, state) }

// stepSchedule multiplies the learning rate by gamma every stepSize epochs.
type stepSchedule struct {
	base, lr, gamma float64
	stepSize        int
}

func (s *stepSchedule) Name() string { return config.SchedulerStep }
func (s *stepSchedule) LR() float64 { return s.lr }
func (s *stepSchedule) OnStep(int64) (float64, bool) { return s.lr, false }

func (s *stepSchedule) OnEpoch(epoch int, _ float64) (float64, bool) {
	lr := s.base * math.Pow(s.gamma, float64(epoch/s.stepSize))
	changed := lr != s.lr
	if changed {
		klog.Infof("epoch %d: step scheduler sets learning rate to %g", epoch, lr)
	}
	s.lr = lr
	return lr, changed
}

func (s *stepSchedule) State() ScheduleState { return ScheduleState{Name: s.Name(), LR: s.lr} }

func (s *stepSchedule) Restore(state ScheduleState) error {
	if err := checkStateName(s, state); err != nil {
		return err
	}
	s.lr = state.LR
	return nil
}

// plateauSchedule reduces the learning rate by factor when the validation accuracy doesn't improve
// for more than patience epochs.
type plateauSchedule struct {
	lr, factor float64
	patience   int
	best       float64
	badEpochs  int
}

func (s *plateauSchedule) Name() string { return config.SchedulerPlateau }
func (s *plateauSchedule) LR() float64 { return s.lr }
func (s *plateauSchedule) OnStep(int64) (float64, bool) { return s.lr, false }

func (s *plateauSchedule) OnEpoch(epoch int, valAcc float64) (float64, bool) {
	if valAcc > s.best {
		s.best = valAcc
		s.badEpochs = 0
		return s.lr, false
	}
	s.badEpochs++
	if s.badEpochs <= s.patience {
		return s.lr, false
	}
	s.badEpochs = 0
	previous := s.lr
	s.lr *= s.factor
	klog.Warningf("epoch %d: validation accuracy plateaued at %.2f%%, reducing learning rate from %g to %g",
		epoch, s.best, previous, s.lr)
	return s.lr, true
}

func (s *plateauSchedule) State() ScheduleState {
	best := s.best
	if math.IsInf(best, -1) {
		best = 0
	}
	return ScheduleState{Name: s.Name(), LR: s.lr, Best: best, BadEpochs: s.badEpochs}
}

func (s *plateauSchedule) Restore(state ScheduleState) error {
	if err := checkStateName(s, state); err != nil {
		return err
	}
	s.lr, s.best, s.badEpochs = state.LR, state.Best, state.BadEpochs
	return nil
}

// cyclicSchedule is the triangular cyclic learning rate: it goes linearly from minLR up to maxLR in
// the first half of each period of steps, and back down to minLR in the second half.
type cyclicSchedule struct {
	minLR, maxLR, lr float64
	period           int64
}

func (s *cyclicSchedule) Name() string { return config.SchedulerCyclic }
func (s *cyclicSchedule) LR() float64 { return s.lr }
func (s *cyclicSchedule) OnEpoch(int, float64) (float64, bool) { return s.lr, false }

// CyclicLR returns the triangular learning rate at step.
func CyclicLR(step, period int64, minLR, maxLR float64) float64 {
	position := float64(step%period) / float64(period)
	triangle := 1 - math.Abs(2*position-1)
	return minLR + (maxLR-minLR)*triangle
}

func (s *cyclicSchedule) OnStep(step int64) (float64, bool) {
	lr := CyclicLR(step, s.period, s.minLR, s.maxLR)
	changed := lr != s.lr
	s.lr = lr
	return lr, changed
}

func (s *cyclicSchedule) State() ScheduleState { return ScheduleState{Name: s.Name(), LR: s.lr} }

func (s *cyclicSchedule) Restore(state ScheduleState) error {
	if err := checkStateName(s, state); err != nil {
		return err
	}
	s.lr = state.LR
	return nil
}

// describeSchedule is used in logs.
func describeSchedule(s Schedule) string {
	return fmt.Sprintf("%s(lr=%g)", s.Name(), s.LR())
}
