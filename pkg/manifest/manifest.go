// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package manifest turns the raw table of geotagged samples into split manifests and normalization metadata.
//
// The input table has the columns "image_path", "lat", "lon", "type" and "source". Build cleans it,
// fits the coordinates normalization on the whole cleaned table, encodes labels and provenance,
// computes a stratified train/validation/test split and the inverse-frequency class weights, and
// writes everything atomically to the output directory:
//
//   - tags_train.csv, tags_val.csv, tags_test.csv: one row per sample, with the encoded columns.
//   - preprocessing_metadata.json: see Metadata.
//
// The same input and seed always produce byte-identical files.
package manifest

import (
	"github.com/gomlx/accessatlas/pkg/faults"
	"k8s.io/klog/v2"
)

// Config of the Manifest Builder.
type Config struct {
	// Table is the path to the input CSV.
	Table string

	// ImageRoot is the directory against which relative image paths are resolved.
	ImageRoot string

	// OutputDir where manifests and metadata are written. If empty, Build doesn't write anything.
	OutputDir string

	// Vocabulary is the ordered list of labels (the "type" column). The position in the list
	// is the integer label.
	Vocabulary []string

	// AutoExtend appends unknown types to the vocabulary (in sorted order), instead of failing.
	AutoExtend bool

	// Ratios for train, validation and test. They must sum to 1.
	Ratios [3]float64

	// Seed for the split.
	Seed int64
}

// Record is one cleaned sample of the table.
type Record struct {
	// Row is the 1-based row number in the input table (header not counted).
	Row       int
	ImagePath string
	Lat, Lon  float64
	Type      string
	Source    string

	// Label is the index of Type in the vocabulary, set by Build.
	Label int
}

// Split holds the row indices (into the cleaned records) of each split, sorted in ascending order.
type Split struct {
	Train, Val, Test []int
}

// Parts returns the 3 splits in order train, validation, test.
func (s Split) Parts() [3][]int {
	return [3][]int{s.Train, s.Val, s.Test}
}

// Total number of rows in the split.
func (s Split) Total() int {
	return len(s.Train) + len(s.Val) + len(s.Test)
}

// SplitNames used in the manifests file names.
var SplitNames = [3]string{"train", "val", "test"}

// Result of the Manifest Builder.
type Result struct {
	// Records are the cleaned records, in input order.
	Records  []Record
	Metadata *Metadata
	Split    Split
}

// SplitRecords returns the records of the split number part (0 for train, 1 for validation and 2 for test).
func (r *Result) SplitRecords(part int) []Record {
	indices := r.Split.Parts()[part]
	records := make([]Record, len(indices))
	for ii, idx := range indices {
		records[ii] = r.Records[idx]
	}
	return records
}

// Build runs the full algorithm: load, clean, normalize, encode, split, weigh and write.
//
// It returns a *faults.DataValidationError if the table can't be turned into manifests: the error
// enumerates every offending row.
func Build(cfg *Config) (*Result, error) {
	rows, err := LoadTable(cfg.Table)
	if err != nil {
		return nil, err
	}
	records, vocabulary, issues := Clean(rows, cfg)
	if err := checkCleaned(rows, records, issues, cfg); err != nil {
		return nil, err
	}
	klog.Infof("Manifest: %d rows read, %d kept, %d dropped", len(rows), len(records), len(rows)-len(records))

	meta := &Metadata{
		TagTypes:   vocabulary,
		NumClasses: len(vocabulary),
		Seed:       cfg.Seed,
		Ratios:     cfg.Ratios,
		NumRows:    len(records),
	}
	meta.FitNormalization(records)
	meta.SourceTypes = EncodeSources(records)
	labels := EncodeLabels(records, vocabulary)
	for ii := range records {
		records[ii].Label = labels[ii]
	}

	split, err := StratifiedSplit(labels, meta.NumClasses, cfg.Ratios, cfg.Seed)
	if err != nil {
		return nil, err
	}
	trainLabels := make([]int, len(split.Train))
	for ii, idx := range split.Train {
		trainLabels[ii] = labels[idx]
	}
	meta.ClassCounts = CountClasses(trainLabels, meta.NumClasses)
	meta.ClassWeights = ClassWeights(trainLabels, meta.NumClasses)
	meta.SplitSizes = [3]int{len(split.Train), len(split.Val), len(split.Test)}
	klog.Infof("Manifest: split train=%d, val=%d, test=%d (seed=%d)",
		len(split.Train), len(split.Val), len(split.Test), cfg.Seed)
	klog.V(1).Infof("Manifest: class weights %v", meta.ClassWeights)

	result := &Result{Records: records, Metadata: meta, Split: split}
	if cfg.OutputDir != "" {
		if err := Write(cfg.OutputDir, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// checkCleaned decides which issues are fatal: an empty cleaned table or any vocabulary violation.
// The other issues are reported as warnings and the offending rows are dropped.
func checkCleaned(rows []RawRow, records []Record, issues []faults.RowIssue, cfg *Config) error {
	var vocabIssues []faults.RowIssue
	for _, issue := range issues {
		klog.Warningf("Manifest: dropping %s", issue)
		if isVocabularyIssue(issue) {
			vocabIssues = append(vocabIssues, issue)
		}
	}
	if len(vocabIssues) > 0 {
		return &faults.DataValidationError{Stage: "label encoding", Issues: vocabIssues}
	}
	if len(records) == 0 {
		err := &faults.DataValidationError{Stage: "cleaning", Issues: issues}
		if len(rows) == 0 {
			err.Classes = []string{"input table has no rows"}
		}
		return err
	}
	return nil
}
