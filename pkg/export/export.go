// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package export converts the best checkpoint of a training run into inference artifacts:
//
//   - portable-graph: an ONNX model (model.onnx).
//   - scripted-module: a self-describing GoMLX module (model.gmlx), see LoadScripted.
//   - mobile-package: an xz compressed tar with the scripted module in reduced precision (model.mobile.tar.xz).
//
// Every artifact is checked for numerical equivalence against the checkpoint over a probe batch, and its
// latency is benchmarked. Optionally the kernels are quantized to int8, and the quantized artifacts checked
// with a looser tolerance.
package export

import (
	stdcontext "context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/accessatlas/internal/fsutil"
	"github.com/gomlx/accessatlas/pkg/faults"
	"github.com/gomlx/accessatlas/pkg/fusion"
	"github.com/gomlx/accessatlas/pkg/manifest"
	"github.com/gomlx/accessatlas/pkg/training"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Export formats.
const (
	PortableGraph  = "portable-graph"
	ScriptedModule = "scripted-module"
	MobilePackage  = "mobile-package"
)

// Formats lists the supported export formats.
var Formats = []string{PortableGraph, ScriptedModule, MobilePackage}

// Artifact and metadata file names, in the output directory.
const (
	OnnxFile         = "model.onnx"
	OnnxInt8File     = "model.int8.onnx"
	ScriptedFile     = "model.gmlx"
	ScriptedInt8File = "model.int8.gmlx"
	MobileFile       = "model.mobile.tar.xz"
	MetadataFile     = "export_metadata.json"
)

// DefaultProbeSize is the number of examples of the synthetic probe batch.
const DefaultProbeSize = 4

// Request configures an export.
type Request struct {
	// CheckpointDir is the checkpoint directory of the training run: the model is read from its
	// training.BestDir sub-directory.
	CheckpointDir string

	// Model builds the graph: it must match the checkpoint.
	Model    *fusion.Model
	Metadata *manifest.Metadata

	OutputDir string
	Formats   []string

	// Quantize adds the int8 quantized variants, checked with QuantizedTolerance.
	Quantize                      bool
	Tolerance, QuantizedTolerance float64

	WarmupRuns, BenchmarkRuns int

	// Probe inputs (images, coordinates and one-hot sources) used for the equivalence checks and the
	// benchmarks. If nil, a deterministic synthetic batch is used, see SyntheticProbe.
	Probe []*tensors.Tensor

	// Backend used to execute the models. If nil, backends.New is used.
	Backend backends.Backend
}

// Artifact is one exported file.
type Artifact struct {
	Path string `json:"path"`

	// Precision of the weights: "float32", "int8" or "float16".
	Precision string `json:"precision"`

	Size      int64  `json:"size_bytes"`
	HumanSize string `json:"size"`

	// MaxAbsDiff is the maximum absolute difference of the logits against the checkpoint over the probe batch.
	MaxAbsDiff float64 `json:"max_abs_diff"`
	Tolerance  float64 `json:"tolerance"`

	Benchmark *Stats `json:"benchmark,omitempty"`
}

// FormatReport is the outcome of one export format.
type FormatReport struct {
	Format    string      `json:"format"`
	Artifacts []*Artifact `json:"artifacts,omitempty"`

	// Err is set if the format failed, usually with a faults.ExportCompatibilityError.
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// Report of an export, also written as MetadataFile.
type Report struct {
	CheckpointDir   string             `json:"checkpoint"`
	Epoch           int                `json:"epoch"`
	BestValAccuracy float64            `json:"best_val_acc"`
	ImageSize       int                `json:"image_size"`
	Architecture    Architecture       `json:"architecture"`
	Metadata        *manifest.Metadata `json:"metadata"`
	ProbeSize       int                `json:"probe_size"`
	Formats         []*FormatReport    `json:"formats"`
	ExportedAt      time.Time          `json:"exported_at"`
}

// Err returns the error of the first failed format, or nil if all succeeded.
func (r *Report) Err() error {
	for _, f := range r.Formats {
		if f.Err != nil {
			return f.Err
		}
	}
	return nil
}

// exporter holds the state shared by all formats of one export.
type exporter struct {
	req     *Request
	backend backends.Backend
	weights *Weights
	arch    Architecture

	metaJSON, archJSON []byte

	probe     []*tensors.Tensor
	reference []float32
}

// Export the best checkpoint of req.CheckpointDir in each of the requested formats.
//
// A failing format is recorded in its FormatReport and does not stop the others: the returned error is
// only set if the checkpoint itself can't be exported. Cancelling ctx stops before the next format.
func Export(ctx stdcontext.Context, req Request) (*Report, error) {
	for _, format := range req.Formats {
		if !slices.Contains(Formats, format) {
			return nil, &faults.ConfigurationError{Key: "export.formats", Value: format,
				Reason: fmt.Sprintf("valid values are %q", Formats)}
		}
	}
	if req.Model == nil || req.Metadata == nil {
		return nil, errors.New("export requires the model and the metadata")
	}
	state, err := training.ReadBestState(req.CheckpointDir)
	if err != nil {
		return nil, err
	}
	e := &exporter{req: &req, backend: req.Backend, arch: NewArchitecture(req.Model)}
	if e.backend == nil {
		if e.backend, err = backends.New(); err != nil {
			return nil, errors.WithMessage(err, "failed to create a backend")
		}
	}

	modelCtx, err := training.LoadBest(req.CheckpointDir)
	if err != nil {
		return nil, err
	}
	if e.weights, err = CollectWeights(modelCtx); err != nil {
		return nil, err
	}
	if e.metaJSON, err = json.Marshal(req.Metadata); err != nil {
		return nil, errors.Wrap(err, "failed to encode metadata")
	}
	if e.archJSON, err = json.Marshal(e.arch); err != nil {
		return nil, errors.Wrap(err, "failed to encode architecture")
	}
	e.probe = req.Probe
	if e.probe == nil {
		cfg := req.Model.Config()
		e.probe = SyntheticProbe(DefaultProbeSize, cfg.ImageSize, cfg.NumSources, req.Metadata.Seed)
	}
	refExec, err := req.Model.InferenceExec(e.backend, modelCtx)
	if err != nil {
		return nil, err
	}
	if e.reference, err = run(refExec, e.probe); err != nil {
		return nil, errors.WithMessagef(err, "failed to execute the checkpoint model")
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create export directory %q", req.OutputDir)
	}

	report := &Report{
		CheckpointDir:   req.CheckpointDir,
		Epoch:           state.Epoch,
		BestValAccuracy: state.ValAccuracy,
		ImageSize:       req.Model.Config().ImageSize,
		Architecture:    e.arch,
		Metadata:        req.Metadata,
		ProbeSize:       e.probe[0].Shape().Dimensions[0],
		ExportedAt:      time.Now().UTC(),
	}
	for _, format := range req.Formats {
		if err := ctx.Err(); err != nil {
			return report, errors.Wrap(err, "export interrupted")
		}
		fr := &FormatReport{Format: format}
		switch format {
		case PortableGraph:
			fr.Err = e.portableGraph(fr)
		case ScriptedModule:
			fr.Err = e.scriptedModule(fr)
		case MobilePackage:
			fr.Err = e.mobilePackage(fr)
		}
		if fr.Err != nil {
			var compatErr *faults.ExportCompatibilityError
			if !errors.As(fr.Err, &compatErr) {
				fr.Err = &faults.ExportCompatibilityError{Format: format, Operation: "export", Cause: fr.Err}
			}
			fr.Error = fr.Err.Error()
			klog.Errorf("export to %s failed: %v", format, fr.Err)
		}
		report.Formats = append(report.Formats, fr)
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return report, errors.Wrap(err, "failed to encode export metadata")
	}
	if err := fsutil.WriteBytesAtomic(filepath.Join(req.OutputDir, MetadataFile), append(encoded, '\n')); err != nil {
		return report, errors.WithMessage(err, "failed to write export metadata")
	}
	return report, nil
}

// SyntheticProbe returns a deterministic batch of n examples: uniform images, standard normal coordinates
// and sources assigned in turn.
func SyntheticProbe(n, imageSize, numSources int, seed int64) []*tensors.Tensor {
	rng := rand.New(rand.NewPCG(uint64(seed), 0x5eed))
	images := make([]float32, n*imageSize*imageSize*3)
	for ii := range images {
		images[ii] = rng.Float32()
	}
	coords := make([]float32, 2*n)
	for ii := range coords {
		coords[ii] = float32(rng.NormFloat64())
	}
	sources := make([]float32, n*numSources)
	for ii := range n {
		sources[ii*numSources+ii%numSources] = 1
	}
	return []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(images, n, imageSize, imageSize, 3),
		tensors.FromFlatDataAndDimensions(coords, n, 2),
		tensors.FromFlatDataAndDimensions(sources, n, numSources),
	}
}

// run executes the model on the probe and returns the flat logits.
func run(exec *context.Exec, probe []*tensors.Tensor) ([]float32, error) {
	var output *tensors.Tensor
	var execErr error
	err := exceptions.TryCatch[error](func() {
		output, execErr = exec.Exec1(probe[0], probe[1], probe[2])
	})
	if err == nil {
		err = execErr
	}
	if err != nil {
		return nil, err
	}
	return tensors.MustCopyFlatData[float32](output), nil
}

// MaxAbsDiff returns the maximum absolute difference between a and b. Non-finite values, or a length
// mismatch, yield +Inf.
func MaxAbsDiff(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var diff float64
	for ii := range a {
		d := math.Abs(float64(a[ii]) - float64(b[ii]))
		if math.IsNaN(d) {
			return math.Inf(1)
		}
		diff = max(diff, d)
	}
	return diff
}

// writeArtifact writes the file at path with a temporary file renamed only on success, and returns its size.
func writeArtifact(path string, encode func(w io.Writer) error) (int64, error) {
	err := fsutil.WriteFileAtomic(path, func(f *os.File) error { return encode(f) })
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to stat %q", path)
	}
	return info.Size(), nil
}

// verify checks the equivalence of the exported artifact, executed by exec, and benchmarks it.
// An artifact that is not equivalent is removed.
func (e *exporter) verify(format string, artifact *Artifact, exec *context.Exec) error {
	logits, err := run(exec, e.probe)
	if err != nil {
		_ = os.Remove(artifact.Path)
		return &faults.ExportCompatibilityError{Format: format, Operation: "execute", Cause: err}
	}
	artifact.MaxAbsDiff = MaxAbsDiff(e.reference, logits)
	if !(artifact.MaxAbsDiff <= artifact.Tolerance) {
		_ = os.Remove(artifact.Path)
		return &faults.ExportCompatibilityError{Format: format, Operation: "equivalence",
			Cause: errors.Errorf("%s: max abs diff %g exceeds the tolerance %g", filepath.Base(artifact.Path),
				artifact.MaxAbsDiff, artifact.Tolerance)}
	}
	if e.req.BenchmarkRuns > 0 {
		stats, err := Benchmark(func() error {
			_, err := run(exec, e.probe)
			return err
		}, e.req.WarmupRuns, e.req.BenchmarkRuns)
		if err != nil {
			return errors.WithMessagef(err, "benchmark of %s", artifact.Path)
		}
		artifact.Benchmark = &stats
	}
	klog.Infof("exported %s (%s, %s): max abs diff %.3g", artifact.Path, artifact.Precision, artifact.HumanSize,
		artifact.MaxAbsDiff)
	return nil
}

func (e *exporter) newArtifact(name, precision string, size int64, tolerance float64) *Artifact {
	return &Artifact{
		Path:      filepath.Join(e.req.OutputDir, name),
		Precision: precision,
		Size:      size,
		HumanSize: humanize.Bytes(uint64(size)),
		Tolerance: tolerance,
	}
}

// variant of the weights exported by the portable-graph and scripted-module formats.
type variant struct {
	weights   *Weights
	precision string
	tolerance float64
}

func (e *exporter) variants() []variant {
	list := []variant{{e.weights, Float32.String(), e.req.Tolerance}}
	if e.req.Quantize {
		list = append(list, variant{QuantizeInt8(e.weights), Int8.String(), e.req.QuantizedTolerance})
	}
	return list
}

func (e *exporter) portableGraph(fr *FormatReport) error {
	for _, v := range e.variants() {
		name := OnnxFile
		if v.precision == Int8.String() {
			name = OnnxInt8File
		}
		path := filepath.Join(e.req.OutputDir, name)
		encoded, err := EncodeONNX(e.req.Model, v.weights, e.metaJSON, e.archJSON)
		if err != nil {
			return err
		}
		size, err := writeArtifact(path, func(w io.Writer) error {
			_, err := w.Write(encoded)
			return err
		})
		if err != nil {
			return err
		}
		artifact := e.newArtifact(name, v.precision, size, v.tolerance)
		exec, err := onnxExec(e.backend, path)
		if err != nil {
			_ = os.Remove(path)
			return &faults.ExportCompatibilityError{Format: PortableGraph, Operation: "load", Cause: err}
		}
		if err := e.verify(PortableGraph, artifact, exec); err != nil {
			return err
		}
		fr.Artifacts = append(fr.Artifacts, artifact)
	}
	return nil
}

func (e *exporter) scriptedModule(fr *FormatReport) error {
	for _, v := range e.variants() {
		name := ScriptedFile
		if v.precision == Int8.String() {
			name = ScriptedInt8File
		}
		path := filepath.Join(e.req.OutputDir, name)
		size, err := writeArtifact(path, func(w io.Writer) error {
			return WriteScripted(w, e.arch, e.req.Metadata, v.weights)
		})
		if err != nil {
			return err
		}
		artifact := e.newArtifact(name, v.precision, size, v.tolerance)
		module, err := LoadScripted(path)
		if err != nil {
			_ = os.Remove(path)
			return &faults.ExportCompatibilityError{Format: ScriptedModule, Operation: "load", Cause: err}
		}
		exec, err := module.Exec(e.backend)
		if err != nil {
			return err
		}
		if err := e.verify(ScriptedModule, artifact, exec); err != nil {
			return err
		}
		fr.Artifacts = append(fr.Artifacts, artifact)
	}
	return nil
}

// mobilePackage exports float16 weights, with int8 kernels if quantization is enabled. It is always
// checked with the quantized tolerance.
func (e *exporter) mobilePackage(fr *FormatReport) error {
	weights, precision := e.weights, Float16.String()
	if e.req.Quantize {
		weights, precision = QuantizeInt8(weights), Int8.String()
	}
	weights = QuantizeFloat16(weights)
	path := filepath.Join(e.req.OutputDir, MobileFile)
	size, err := writeArtifact(path, func(w io.Writer) error {
		return WriteMobilePackage(w, e.arch, e.req.Metadata, weights)
	})
	if err != nil {
		return err
	}
	artifact := e.newArtifact(MobileFile, precision, size, e.req.QuantizedTolerance)
	module, err := ReadMobilePackage(path)
	if err != nil {
		_ = os.Remove(path)
		return &faults.ExportCompatibilityError{Format: MobilePackage, Operation: "load", Cause: err}
	}
	exec, err := module.Exec(e.backend)
	if err != nil {
		return err
	}
	if err := e.verify(MobilePackage, artifact, exec); err != nil {
		return err
	}
	fr.Artifacts = append(fr.Artifacts, artifact)
	klog.Infof("mobile package: %s of weights, %s before reduced precision", humanize.Bytes(uint64(weights.Size())),
		humanize.Bytes(uint64(e.weights.Size())))
	return nil
}
