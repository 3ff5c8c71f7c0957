// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"strings"

	"github.com/gomlx/accessatlas/pkg/config"
	"github.com/gomlx/accessatlas/pkg/faults"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// gradientsOptimizer is an optimizer that can be applied to precomputed (or accumulated) gradients.
type gradientsOptimizer interface {
	optimizers.Interface
	UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType)
}

// NewOptimizer creates the optimizer configured in the context (see optimizers.ParamOptimizer), wrapped
// with gradient clipping by global norm (config.ParamGradClip) and the non-finite gradients guard.
//
// "adam" and "adamw" are the GoMLX Adam implementation (adamw with decoupled weight decay), "sgd" is
// SGD with momentum, see MomentumSGD.
func NewOptimizer(ctx *context.Context) (optimizers.Interface, error) {
	name := context.GetParamOr(ctx, optimizers.ParamOptimizer, "adamw")
	var inner gradientsOptimizer
	switch name {
	case "adam":
		inner = optimizers.Adam().FromContext(ctx).WeightDecay(0).Done().(gradientsOptimizer)
	case "adamw":
		weightDecay := context.GetParamOr(ctx, optimizers.ParamAdamWeightDecay, 0.0)
		inner = optimizers.Adam().FromContext(ctx).WeightDecay(weightDecay).Done().(gradientsOptimizer)
	case "sgd":
		inner = MomentumSGD(
			context.GetParamOr(ctx, config.ParamMomentum, 0.9),
			context.GetParamOr(ctx, config.ParamSGDWeightDecay, 0.0))
	default:
		return nil, &faults.ConfigurationError{Key: "training.optimizer", Value: name, Reason: "valid values are adam, adamw or sgd"}
	}
	return &clipOptimizer{inner: inner, maxNorm: context.GetParamOr(ctx, config.ParamGradClip, 0.0)}, nil
}

// clipOptimizer clips the gradients by their global norm before delegating to the inner optimizer.
//
// If the gradients are not finite, the update is skipped: the gradients are zeroed and every variable
// changed by the inner optimizer (including its own state and the global step) keeps its previous value.
type clipOptimizer struct {
	inner   gradientsOptimizer
	maxNorm float64
}

var _ gradientsOptimizer = (*clipOptimizer)(nil)

// UpdateGraph implements optimizers.Interface.
func (o *clipOptimizer) UpdateGraph(ctx *context.Context, _ *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	o.UpdateGraphWithGradients(ctx, grads, loss.DType())
}

// UpdateGraphWithGradients implements the optional optimizer interface used by gradient accumulation.
func (o *clipOptimizer) UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType) {
	if len(grads) == 0 {
		return
	}
	g := grads[0].Graph()
	norm := globalNorm(grads)
	finite := IsFinite(norm)
	scale := ScalarOne(g, dtypes.Float32)
	if o.maxNorm > 0 {
		scale = Min(scale, Div(Scalar(g, dtypes.Float32, o.maxNorm), AddScalar(norm, 1e-6)))
	}
	for ii, grad := range grads {
		grad = Mul(grad, ConvertDType(scale, grad.DType()))
		grads[ii] = Where(finite, grad, ZerosLike(grad))
	}

	// Creates the global step variable, so it is included in the snapshot.
	optimizers.GetGlobalStepVar(ctx)
	accumulatorsScope := context.RootScope + train.AccumulatedGradientsScope
	previous := make(map[*context.Variable]*Node)
	for v := range ctx.IterVariables() {
		if strings.HasPrefix(v.Scope(), accumulatorsScope) || (v.Trainable && !v.InUseByGraph(g)) {
			continue
		}
		previous[v] = v.ValueGraph(g)
	}
	o.inner.UpdateGraphWithGradients(ctx, grads, lossDType)
	for v, value := range previous {
		if v.ChangedInGraph(g) {
			v.SetValueGraph(Where(finite, v.ValueGraph(g), value))
		}
	}
}

// Clear implements optimizers.Interface.
func (o *clipOptimizer) Clear(ctx *context.Context) error {
	return o.inner.Clear(ctx)
}

// globalNorm returns the L2 norm of all the gradients together, as a float32 scalar.
func globalNorm(grads []*Node) *Node {
	g := grads[0].Graph()
	sum := ScalarZero(g, dtypes.Float32)
	for _, grad := range grads {
		sum = Add(sum, ReduceAllSum(Square(ConvertDType(grad, dtypes.Float32))))
	}
	return Sqrt(sum)
}

// momentumScope holds the velocity variables of MomentumSGD, mirroring the scopes of the trained variables.
const momentumScope = "sgd_momentum"

// momentumSGD implements SGD with (heavy-ball) momentum and L2 weight decay:
//
//	velocity = momentum * velocity + (gradient + weightDecay * weights)
//	weights -= learning_rate * velocity
type momentumSGD struct {
	momentum, weightDecay float64
}

// MomentumSGD returns an SGD optimizer with momentum, reading the learning rate from the context
// (optimizers.ParamLearningRate).
func MomentumSGD(momentum, weightDecay float64) gradientsOptimizer {
	return &momentumSGD{momentum: momentum, weightDecay: weightDecay}
}

// UpdateGraph implements optimizers.Interface.
func (o *momentumSGD) UpdateGraph(ctx *context.Context, _ *Graph, loss *Node) {
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	o.UpdateGraphWithGradients(ctx, grads, loss.DType())
}

// UpdateGraphWithGradients applies the update with the given gradients, one per trainable variable used in the graph,
// in the order of ctx.IterVariables.
func (o *momentumSGD) UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType) {
	if len(grads) == 0 {
		return
	}
	g := grads[0].Graph()
	lrValue := context.GetParamOr(ctx, optimizers.ParamLearningRate, optimizers.SGDDefaultLearningRate)
	learningRate := optimizers.LearningRateVar(ctx, lossDType, lrValue).ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, lossDType)

	velocityCtx := ctx.Checked(false).InAbsPath(context.RootScope + optimizers.Scope).In(momentumScope)
	ii := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if ii >= len(grads) {
			exceptions.Panicf("momentum SGD got %d gradients for more trainable variables", len(grads))
		}
		weights := v.ValueGraph(g)
		grad := grads[ii]
		ii++
		if o.weightDecay > 0 {
			grad = Add(grad, MulScalar(weights, o.weightDecay))
		}
		velocityVar := velocityCtx.InAbsPath(velocityCtx.Scope()+v.Scope()).
			WithInitializer(initializers.Zero).
			VariableWithShape(v.Name(), v.Shape()).SetTrainable(false)
		velocity := Add(MulScalar(velocityVar.ValueGraph(g), o.momentum), grad)
		velocityVar.SetValueGraph(velocity)
		step := Mul(velocity, ConvertDType(learningRate, velocity.DType()))
		v.SetValueGraph(Sub(weights, step))
	}
	if ii != len(grads) {
		exceptions.Panicf("momentum SGD got %d gradients but found %d trainable variables", len(grads), ii)
	}
}

// Clear implements optimizers.Interface: it deletes the velocity variables.
func (o *momentumSGD) Clear(ctx *context.Context) error {
	return ctx.InAbsPath(context.RootScope + optimizers.Scope).In(momentumScope).DeleteVariablesInScope()
}
