// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// accessatlas trains the AccessAtlas sidewalk accessibility classifier and exports it for inference.
//
// Usage:
//
//	accessatlas -config=accessatlas.yaml [-set="training.num_epochs=10;model.backbone=custom"] <command>
//
// The commands are the stages of the pipeline:
//
//   - manifest: cleans the input table, splits it and writes the manifests and the metadata.
//   - train: trains the model on the manifests, resuming if training.resume is set.
//   - evaluate: evaluates the best model on the test split.
//   - export: exports the best model in the configured formats.
//   - all: all the stages above, in order. This is the default.
//
// The exit code tells the class of failure, see faults.ExitCode.
package main

import (
	stdcontext "context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/gomlx/accessatlas/pkg/config"
	"github.com/gomlx/accessatlas/pkg/export"
	"github.com/gomlx/accessatlas/pkg/faults"
	"github.com/gomlx/accessatlas/pkg/fusion"
	"github.com/gomlx/accessatlas/pkg/loader"
	"github.com/gomlx/accessatlas/pkg/manifest"
	"github.com/gomlx/accessatlas/pkg/training"
	"github.com/gomlx/accessatlas/ui/commandline"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagConfig   = flag.String("config", "", "YAML configuration file. If empty the defaults are used.")
	flagSettings = flag.String("set", "", `Configuration overrides, e.g. "training.learning_rate=0.01;model.backbone=custom". `+
		`A "file:<path>" entry reads more settings from a file.`)
	flagProgress = flag.Bool("progress", true, "Display a progress bar during training.")
)

// Commands, in pipeline order.
var Commands = []string{"manifest", "train", "evaluate", "export"}

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [%s|all]\n", os.Args[0], joinCommands())
		flag.PrintDefaults()
	}
	flag.Parse()
	command := "all"
	switch flag.NArg() {
	case 0:
	case 1:
		command = flag.Arg(0)
	default:
		flag.Usage()
		os.Exit(faults.ExitConfiguration)
	}

	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	err := execute(ctx, command)
	stop()
	if err != nil {
		klog.Errorf("%s failed: %+v", command, err)
	}
	klog.Flush()
	os.Exit(faults.ExitCode(err))
}

func execute(ctx stdcontext.Context, command string) error {
	cfg, err := config.Load(*flagConfig, *flagSettings)
	if err != nil {
		return err
	}
	if *flagConfig != "" {
		klog.Infof("configuration %q", must.M1(filepath.Abs(*flagConfig)))
	}
	backend, err := backends.New()
	if err != nil {
		return errors.WithMessage(err, "failed to create a backend")
	}
	defer backend.Finalize()
	p := &pipeline{cfg: cfg, backend: backend, out: os.Stdout, progress: *flagProgress}
	defer p.Close()
	return p.run(ctx, command)
}

func joinCommands() string { return strings.Join(Commands, "|") }

// pipeline runs the stages of the AccessAtlas pipeline with one configuration and backend.
type pipeline struct {
	cfg      *config.Config
	backend  backends.Backend
	out      io.Writer
	progress bool

	// manifest is built by the manifest stage, or read from the data output directory.
	manifest *manifest.Result
	model    *fusion.Model
	closers  []*loader.Dataset
}

// run the command: one of Commands or "all".
func (p *pipeline) run(ctx stdcontext.Context, command string) error {
	stages := []string{command}
	if command == "all" {
		stages = Commands
	} else if !slices.Contains(Commands, command) {
		return &faults.ConfigurationError{Key: "command", Value: command,
			Reason: fmt.Sprintf("valid commands are %s or all", joinCommands())}
	}
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			klog.Warningf("interrupted before %s", stage)
			return nil
		}
		var err error
		switch stage {
		case "manifest":
			err = p.buildManifest()
		case "train":
			err = p.train(ctx)
		case "evaluate":
			err = p.evaluate()
		case "export":
			err = p.export(ctx)
		}
		if err != nil {
			return errors.WithMessagef(err, "stage %s", stage)
		}
	}
	return nil
}

func (p *pipeline) buildManifest() error {
	result, err := manifest.Build(p.cfg.ManifestConfig())
	if err != nil {
		return err
	}
	p.manifest = result
	commandline.ReportManifest(p.out, result)
	return nil
}

// prepare reads the manifests if they were not built in this run, and creates the model.
func (p *pipeline) prepare() error {
	if p.manifest == nil {
		dir := p.cfg.Path(p.cfg.Data.OutputDir)
		result, err := manifest.Read(dir)
		if err != nil {
			return errors.WithMessagef(err, "failed to read the manifests in %q, run the manifest command first", dir)
		}
		p.manifest = result
	}
	if p.model == nil {
		model, err := fusion.New(p.cfg.FusionConfig(p.manifest.Metadata))
		if err != nil {
			return err
		}
		p.model = model
	}
	return nil
}

func (p *pipeline) train(ctx stdcontext.Context) error {
	if err := p.prepare(); err != nil {
		return err
	}
	datasets := p.datasets()
	trainDS, trainEvalDS, valDS := datasets[0], datasets[1], datasets[2]
	o, err := training.NewWithBackend(p.backend, p.cfg, p.model, trainDS, valDS, p.manifest.Metadata)
	if err != nil {
		return err
	}
	o.WithTrainEvalDataset(trainEvalDS)
	if p.progress {
		pBar := commandline.AttachProgressBar(o, p.cfg.Training.NumEpochs)
		defer pBar.Close()
	}
	report, err := o.Run(ctx)
	if err != nil {
		return err
	}
	commandline.ReportTraining(p.out, report)
	if report.StopReason == training.Interrupted {
		klog.Warningf("training interrupted, resume it with -set=training.resume=true")
	}
	return nil
}

// datasets returns the train, train-eval, validation and test datasets. They are closed when the pipeline
// finishes.
func (p *pipeline) datasets() [4]*loader.Dataset {
	trainDS, trainEvalDS, valDS, testDS := p.cfg.Datasets(p.manifest)
	all := [4]*loader.Dataset{trainDS, trainEvalDS, valDS, testDS}
	p.closers = append(p.closers, all[:]...)
	return all
}

// Close the datasets created by the pipeline.
func (p *pipeline) Close() {
	for _, ds := range p.closers {
		ds.Close()
	}
	p.closers = nil
}

// evaluate the best model on the test split.
func (p *pipeline) evaluate() error {
	if err := p.prepare(); err != nil {
		return err
	}
	bestCtx, err := training.LoadBest(p.cfg.Path(p.cfg.Training.CheckpointDir))
	if err != nil {
		return err
	}
	var classWeights []float64
	if p.cfg.Training.ClassWeights {
		classWeights = p.manifest.Metadata.ClassWeights
	}
	evaluator, err := training.NewEvaluator(p.backend, bestCtx, p.model, classWeights)
	if err != nil {
		return err
	}
	testDS := p.datasets()[3]
	eval, err := evaluator.EvaluateDetailed(testDS, p.manifest.Metadata.TagTypes)
	if err != nil {
		return err
	}
	commandline.ReportEvaluation(p.out, testDS.Name(), eval)
	return nil
}

func (p *pipeline) export(ctx stdcontext.Context) error {
	if err := p.prepare(); err != nil {
		return err
	}
	probe, err := p.probe()
	if err != nil {
		return err
	}
	e := &p.cfg.Export
	report, err := export.Export(ctx, export.Request{
		CheckpointDir:      p.cfg.Path(p.cfg.Training.CheckpointDir),
		Model:              p.model,
		Metadata:           p.manifest.Metadata,
		OutputDir:          p.cfg.Path(e.OutputDir),
		Formats:            e.Formats,
		Quantize:           e.Quantize,
		Tolerance:          e.Tolerance,
		QuantizedTolerance: e.QuantizedTolerance,
		WarmupRuns:         e.WarmupRuns,
		BenchmarkRuns:      e.BenchmarkRuns,
		Probe:              probe,
		Backend:            p.backend,
	})
	if err != nil {
		return err
	}
	commandline.ReportExport(p.out, report)
	return report.Err()
}

// probe returns the first examples of the test split, or nil (a synthetic probe) if it is empty.
func (p *pipeline) probe() ([]*tensors.Tensor, error) {
	records := p.manifest.SplitRecords(2)
	if len(records) == 0 {
		klog.Warningf("test split is empty, the export uses a synthetic probe batch")
		return nil, nil
	}
	records = records[:min(len(records), export.DefaultProbeSize)]
	l := loader.New(p.manifest.Metadata, p.cfg.Path(p.cfg.Data.ImageRoot), p.cfg.Model.ImageSize,
		p.cfg.LoaderAugmentation())
	inputs, _, err := l.LoadBatch(records)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load the export probe batch")
	}
	return inputs, nil
}
