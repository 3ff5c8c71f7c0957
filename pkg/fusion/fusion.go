// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fusion implements the AccessAtlas classifier: an image backbone, a side-information encoder for the
// normalized coordinates and the one-hot source, a fusion layer and a classification head.
//
// The model is built with GoMLX graph building functions, and all its variables live under the "/model" scope:
//
//   - /model/image/layer_NN: backbone layers, see Backbones.
//   - /model/side/layer_NN: side-information encoder.
//   - /model/fusion: the fusion layer.
//   - /model/head: the classifier.
//
// Variables are always float32: the computation dtype is selected per graph with SetComputeDType.
package fusion

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/accessatlas/pkg/faults"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Scopes of the model variables.
const (
	ModelScope    = "/model"
	BackboneScope = "/model/image"
	SideScope     = "/model/side"
	FusionScope   = "/model/fusion"
	HeadScope     = "/model/head"
)

// Config of the fusion model.
type Config struct {
	// Backbone id, a key in Backbones.
	Backbone string

	// Pretrained selects starting from pretrained backbone weights. For the declarative backbones they are
	// read from the checkpoint in PretrainedDir, see Model.WarmStart. InceptionV3 downloads its weights to DataDir.
	Pretrained    bool
	PretrainedDir string
	DataDir       string

	// FreezeLayers is the number of leading backbone layers not trained. It is used by the trainer, the model
	// itself is agnostic to it.
	FreezeLayers int

	ImageSize   int
	CNNChannels []int
	CNNDropout  float64

	MetadataHidden  []int
	MetadataDropout float64

	FusionHidden      int
	FusionDropout     float64
	ClassifierDropout float64

	NumClasses, NumSources int
}

// Model builds the computation graph of the classifier. It holds no variables: those live in the
// context passed to Graph or Logits.
type Model struct {
	cfg      Config
	backbone Backbone
}

// New creates the model, resolving the backbone in the Backbones registry.
func New(cfg Config) (*Model, error) {
	newBackbone, found := Backbones[cfg.Backbone]
	if !found {
		return nil, &faults.ConfigurationError{Key: "model.backbone", Value: cfg.Backbone,
			Reason: fmt.Sprintf("unknown backbone, valid values are %q", slices.Sorted(maps.Keys(Backbones)))}
	}
	if cfg.NumClasses < 2 {
		return nil, &faults.ConfigurationError{Key: "num_classes", Value: cfg.NumClasses, Reason: "the classifier needs at least 2 classes"}
	}
	if cfg.NumSources < 1 {
		return nil, &faults.ConfigurationError{Key: "num_sources", Value: cfg.NumSources, Reason: "at least one source type is required"}
	}
	return &Model{cfg: cfg, backbone: newBackbone(&cfg)}, nil
}

// Config returns the configuration of the model.
func (m *Model) Config() Config { return m.cfg }

// Backbone returns the image backbone.
func (m *Model) Backbone() Backbone { return m.backbone }

// Prepare makes sure the pretrained weights are available: InceptionV3 downloads them, the declarative
// backbones check the pretrained checkpoint directory.
func (m *Model) Prepare() error {
	return m.backbone.Prepare(&m.cfg)
}

// Graph implements train.ModelFn. inputs are the images, the normalized coordinates and the
// one-hot encoded sources. spec is the precision of the graph (see PrecisionDType) or nil for float32.
//
// It returns the logits, always float32.
func (m *Model) Graph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	if len(inputs) != 3 {
		exceptions.Panicf("fusion model takes 3 inputs (images, coords, sources), got %d", len(inputs))
	}
	precision, _ := spec.(string)
	dtype, err := PrecisionDType(precision)
	if err != nil {
		panic(err)
	}
	SetComputeDType(ctx, inputs[0].Graph(), dtype)
	return []*Node{m.Logits(ctx, inputs[0], inputs[1], inputs[2])}
}

// Logits builds the classifier: images shaped [batch, size, size, 3] in [0, 1], coords shaped [batch, 2]
// and sources shaped [batch, num_sources]. It returns float32 logits shaped [batch, num_classes].
func (m *Model) Logits(ctx *context.Context, images, coords, sources *Node) *Node {
	cfg := &m.cfg
	ctx = ctx.In("model")
	dtype := ComputeDType(ctx, images.Graph())

	features := ConvertDType(m.backbone.Features(ctx.In("image"), images), dtype)

	side := ConvertDType(Concatenate([]*Node{coords, sources}, -1), dtype)
	sideCtx := ctx.In("side")
	for idx, width := range cfg.MetadataHidden {
		side = denseBlock(sideCtx.In(LayerScopeName(idx)), side, width, cfg.MetadataDropout)
	}

	x := Concatenate([]*Node{features, side}, -1)
	x = denseBlock(ctx.In("fusion"), x, cfg.FusionHidden, cfg.FusionDropout)

	headCtx := ctx.In("head")
	x = dropoutIfTraining(headCtx, x, cfg.ClassifierDropout)
	logits := dense(headCtx, x, cfg.NumClasses)
	return ConvertDType(logits, dtypes.Float32)
}

// InferenceExec returns an executor of the model in inference mode, taking images, coords and sources
// tensors and returning the logits. The variables must already exist in ctx (or be loadable by its loader).
func (m *Model) InferenceExec(backend backends.Backend, ctx *context.Context) (*context.Exec, error) {
	return context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, images, coords, sources *Node) *Node {
		return m.Logits(ctx, images, coords, sources)
	})
}

// LayerScopes returns the scopes of the backbone layers with variables in ctx, in layer order.
func LayerScopes(ctx *context.Context) []string {
	prefix := BackboneScope + context.ScopeSeparator
	indices := make(map[int]string)
	for v := range ctx.IterVariables() {
		scope := v.Scope()
		if !strings.HasPrefix(scope, prefix) {
			continue
		}
		layer, _, _ := strings.Cut(scope[len(prefix):], context.ScopeSeparator)
		idx, ok := layerIndex(layer)
		if !ok {
			continue
		}
		indices[idx] = prefix + layer
	}
	scopes := make([]string, 0, len(indices))
	for _, idx := range slices.Sorted(maps.Keys(indices)) {
		scopes = append(scopes, indices[idx])
	}
	return scopes
}

// layerIndex parses the index of a layer scope name, see LayerScopeName.
func layerIndex(name string) (int, bool) {
	if !strings.HasPrefix(name, layerScopePrefix) {
		return 0, false
	}
	idx, err := strconv.Atoi(name[len(layerScopePrefix):])
	return idx, err == nil
}

// WarmStart configures ctx to initialize the backbone variables from the pretrained checkpoint in
// PretrainedDir, if the model uses one. It returns the number of pretrained variables found.
//
// Values are served lazily, when the variables are first created. The previous loader of ctx, if any,
// has priority: attach the training checkpoint handler before WarmStart.
func (m *Model) WarmStart(ctx *context.Context) (int, error) {
	lb, ok := m.backbone.(*LayeredBackbone)
	if !m.cfg.Pretrained || !ok || !lb.Pretrainable() {
		return 0, nil
	}
	scratch := context.New()
	handler, err := checkpoints.Load(scratch).Dir(m.cfg.PretrainedDir).Done()
	if err != nil {
		return 0, errors.WithMessagef(err, "failed to load pretrained checkpoint from %q", m.cfg.PretrainedDir)
	}
	loader := &warmStartLoader{previous: ctx.Loader(), values: make(map[string]*tensors.Tensor)}
	for paramName, value := range handler.LoadedVariables() {
		scope, _ := context.VariableScopeAndNameFromParameterName(paramName)
		if scope == BackboneScope || strings.HasPrefix(scope, BackboneScope+context.ScopeSeparator) {
			loader.values[paramName] = value
		}
	}
	if len(loader.values) == 0 {
		return 0, errors.Errorf("pretrained checkpoint in %q has no variables under %q", m.cfg.PretrainedDir, BackboneScope)
	}
	ctx.SetLoader(loader)
	klog.Infof("warm start: %d backbone variables from %q", len(loader.values), m.cfg.PretrainedDir)
	return len(loader.values), nil
}

// warmStartLoader implements context.Loader with the pretrained backbone values.
type warmStartLoader struct {
	previous context.Loader
	values   map[string]*tensors.Tensor
}

// LoadVariable implements context.Loader.
func (l *warmStartLoader) LoadVariable(ctx *context.Context, scope, name string) (value *tensors.Tensor, found bool) {
	if l.previous != nil {
		value, found = l.previous.LoadVariable(ctx, scope, name)
		if found {
			return
		}
	}
	paramName := context.VariableParameterNameFromScopeAndName(scope, name)
	value, found = l.values[paramName]
	if found {
		delete(l.values, paramName)
	}
	return
}

// DeleteVariable implements context.Loader.
func (l *warmStartLoader) DeleteVariable(ctx *context.Context, scope, name string) error {
	if l.previous != nil {
		if err := l.previous.DeleteVariable(ctx, scope, name); err != nil {
			return err
		}
	}
	delete(l.values, context.VariableParameterNameFromScopeAndName(scope, name))
	return nil
}
