// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"fmt"
	"strings"

	"github.com/gomlx/accessatlas/internal/fsutil"
	"github.com/gomlx/accessatlas/pkg/faults"
	"github.com/gomlx/gomlx/examples/inceptionv3"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Backbone extracts a fixed-width feature vector from images.
type Backbone interface {
	// Name is the registry id of the backbone.
	Name() string

	// Prepare makes sure the pretrained weights (if configured) are available.
	Prepare(cfg *Config) error

	// Features takes images shaped [batch, height, width, 3] with values in [0, 1] and
	// returns features shaped [batch, width], after global pooling.
	//
	// Each layer of the backbone must use its own sub-scope, named by LayerScopeName.
	Features(ctx *context.Context, images *Node) *Node
}

// Layered is implemented by backbones described by a list of Layer: the exporters rebuild
// the backbone from this description.
type Layered interface {
	Layers() []Layer
}

// Layer is one building block of a Layered backbone.
// It is either a ConvBlock or a ResidualBlock.
type Layer interface {
	// Build applies the layer on x, shaped [batch, height, width, channels].
	Build(ctx *context.Context, x *Node) *Node

	// OutputChannels of the layer.
	OutputChannels() int

	fmt.Stringer
}

// ConvBlock is a convolution, batch normalization, ReLU, an optional 2x2 max-pool and dropout.
//
// Variables: "conv/weights" and the batch normalization in "bn".
type ConvBlock struct {
	Channels, Kernel, Stride int
	Pool                     bool
	Dropout                  float64
}

// Build implements Layer.
func (b ConvBlock) Build(ctx *context.Context, x *Node) *Node {
	x = conv2D(ctx.In("conv"), x, b.Channels, b.Kernel, b.Stride)
	x = batchNorm(ctx.In("bn"), x)
	x = activations.Relu(x)
	if b.Pool {
		x = MaxPool(x).Window(2).Strides(2).NoPadding().Done()
	}
	return dropoutIfTraining(ctx, x, b.Dropout)
}

// OutputChannels implements Layer.
func (b ConvBlock) OutputChannels() int { return b.Channels }

func (b ConvBlock) String() string {
	s := fmt.Sprintf("conv(%d, k=%d, s=%d)", b.Channels, b.Kernel, b.Stride)
	if b.Pool {
		s += "+maxpool"
	}
	if b.Dropout > 0 {
		s += fmt.Sprintf("+dropout(%g)", b.Dropout)
	}
	return s
}

// ResidualBlock is the ResNet basic block: two 3x3 convolutions with batch normalization, added to
// the input (projected with a 1x1 convolution if the shape changes), followed by ReLU.
//
// Variables: "conv1", "bn1", "conv2", "bn2" and, if projected, "shortcut" and "shortcut_bn".
type ResidualBlock struct {
	Channels, Stride int
}

// Projected returns whether the shortcut needs a projection for the given input channels.
func (b ResidualBlock) Projected(inputChannels int) bool {
	return b.Stride != 1 || inputChannels != b.Channels
}

// Build implements Layer.
func (b ResidualBlock) Build(ctx *context.Context, x *Node) *Node {
	shortcut := x
	if b.Projected(x.Shape().Dimensions[3]) {
		shortcut = conv2D(ctx.In("shortcut"), x, b.Channels, 1, b.Stride)
		shortcut = batchNorm(ctx.In("shortcut_bn"), shortcut)
	}
	y := conv2D(ctx.In("conv1"), x, b.Channels, 3, b.Stride)
	y = activations.Relu(batchNorm(ctx.In("bn1"), y))
	y = conv2D(ctx.In("conv2"), y, b.Channels, 3, 1)
	y = batchNorm(ctx.In("bn2"), y)
	return activations.Relu(Add(y, shortcut))
}

// OutputChannels implements Layer.
func (b ResidualBlock) OutputChannels() int { return b.Channels }

func (b ResidualBlock) String() string {
	return fmt.Sprintf("residual(%d, s=%d)", b.Channels, b.Stride)
}

// LayerScopeName returns the scope name of the backbone layer idx.
func LayerScopeName(idx int) string {
	return fmt.Sprintf("%s%02d", layerScopePrefix, idx)
}

const layerScopePrefix = "layer_"

// Backbones maps the backbone ids to their constructors. New backbones can be registered.
var Backbones = map[string]func(cfg *Config) Backbone{
	"custom": func(cfg *Config) Backbone {
		var layers []Layer
		for _, channels := range cfg.CNNChannels {
			layers = append(layers, ConvBlock{Channels: channels, Kernel: 3, Stride: 1, Pool: true, Dropout: cfg.CNNDropout})
		}
		return &LayeredBackbone{name: "custom", layers: layers}
	},
	"small-pretrained": func(cfg *Config) Backbone {
		return &LayeredBackbone{name: "small-pretrained", layers: resNetLayers([4]int{2, 2, 2, 2}), pretrainable: true}
	},
	"medium-pretrained": func(cfg *Config) Backbone {
		return &LayeredBackbone{name: "medium-pretrained", layers: resNetLayers([4]int{3, 4, 6, 3}), pretrainable: true}
	},
	"large-pretrained": func(cfg *Config) Backbone {
		return &InceptionBackbone{}
	},
	"mobile-pretrained": func(cfg *Config) Backbone {
		var layers []Layer
		for _, channels := range []int{32, 64, 128, 256} {
			layers = append(layers, ConvBlock{Channels: channels, Kernel: 3, Stride: 2})
		}
		return &LayeredBackbone{name: "mobile-pretrained", layers: layers, pretrainable: true}
	},
}

// resNetLayers returns a 7x7/2 stem with max-pooling followed by the residual stages with 64, 128, 256
// and 512 channels. The first block of each stage (except the first) has stride 2.
func resNetLayers(blocksPerStage [4]int) []Layer {
	layers := []Layer{ConvBlock{Channels: 64, Kernel: 7, Stride: 2, Pool: true}}
	for stage, numBlocks := range blocksPerStage {
		channels := 64 << stage
		for block := range numBlocks {
			stride := 1
			if block == 0 && stage > 0 {
				stride = 2
			}
			layers = append(layers, ResidualBlock{Channels: channels, Stride: stride})
		}
	}
	return layers
}

// LayeredBackbone is a backbone described by a list of layers, followed by global average pooling.
// Images are ImageNet normalized first.
type LayeredBackbone struct {
	name         string
	layers       []Layer
	pretrainable bool
}

var (
	_ Backbone = (*LayeredBackbone)(nil)
	_ Layered  = (*LayeredBackbone)(nil)
)

// Name implements Backbone.
func (b *LayeredBackbone) Name() string { return b.name }

// Layers implements Layered.
func (b *LayeredBackbone) Layers() []Layer { return b.layers }

// Pretrainable returns whether the backbone can be warm-started from a pretrained checkpoint.
func (b *LayeredBackbone) Pretrainable() bool { return b.pretrainable }

// Prepare implements Backbone: it checks that the pretrained checkpoint directory exists.
func (b *LayeredBackbone) Prepare(cfg *Config) error {
	if !cfg.Pretrained {
		return nil
	}
	if !b.pretrainable {
		klog.V(1).Infof("backbone %q has no pretrained weights, training from scratch", b.name)
		return nil
	}
	if cfg.PretrainedDir == "" {
		return &faults.ConfigurationError{Key: "model.pretrained_dir", Value: "",
			Reason: fmt.Sprintf("backbone %q with model.pretrained=true requires a pretrained checkpoint directory", b.name)}
	}
	exists, err := fsutil.FileExists(cfg.PretrainedDir)
	if err != nil {
		return err
	}
	if !exists {
		return &faults.ConfigurationError{Key: "model.pretrained_dir", Value: cfg.PretrainedDir,
			Reason: "directory does not exist"}
	}
	return nil
}

// Features implements Backbone.
func (b *LayeredBackbone) Features(ctx *context.Context, images *Node) *Node {
	dtype := ComputeDType(ctx, images.Graph())
	x := ConvertDType(ImageNetNormalize(images), dtype)
	for idx, layer := range b.layers {
		x = layer.Build(ctx.In(LayerScopeName(idx)), x)
	}
	return ReduceMean(x, 1, 2)
}

func (b *LayeredBackbone) String() string {
	parts := make([]string, len(b.layers))
	for idx, layer := range b.layers {
		parts[idx] = layer.String()
	}
	return fmt.Sprintf("%s[%s]", b.name, strings.Join(parts, ", "))
}

// InceptionBackbone is InceptionV3 with (optionally) the ImageNet pretrained weights, mean pooled.
// It always runs in float32, and all its variables live in a single layer scope.
type InceptionBackbone struct {
	weightsDir string
}

var _ Backbone = (*InceptionBackbone)(nil)

// Name implements Backbone.
func (b *InceptionBackbone) Name() string { return "large-pretrained" }

// Prepare implements Backbone: it downloads the pretrained weights into cfg.DataDir, if not there yet.
func (b *InceptionBackbone) Prepare(cfg *Config) error {
	if cfg.ImageSize < inceptionv3.MinimumImageSize {
		return &faults.ConfigurationError{Key: "model.image_size", Value: cfg.ImageSize,
			Reason: fmt.Sprintf("backbone %q requires images of at least %d pixels", b.Name(), inceptionv3.MinimumImageSize)}
	}
	if !cfg.Pretrained {
		return nil
	}
	dir, err := fsutil.ReplaceTildeInDir(cfg.DataDir)
	if err != nil {
		return err
	}
	if err := inceptionv3.DownloadAndUnpackWeights(dir); err != nil {
		return errors.WithMessagef(err, "failed to download InceptionV3 weights to %q", dir)
	}
	b.weightsDir = dir
	return nil
}

// Features implements Backbone.
func (b *InceptionBackbone) Features(ctx *context.Context, images *Node) *Node {
	images = inceptionv3.PreprocessImage(ConvertDType(images, dtypes.Float32), 1.0, timage.ChannelsLast)
	builder := inceptionv3.BuildGraph(ctx.In(LayerScopeName(0)), images).
		SetPooling(inceptionv3.MeanPooling).
		ClassificationTop(false).
		ChannelsAxis(timage.ChannelsLast)
	if b.weightsDir != "" {
		builder = builder.PreTrained(b.weightsDir)
	}
	features := builder.Done()
	return ConvertDType(features, ComputeDType(ctx, images.Graph()))
}
