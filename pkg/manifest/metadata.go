// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"encoding/json"
	"os"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// MetadataFile is the name of the normalization metadata file written next to the manifests.
const MetadataFile = "preprocessing_metadata.json"

// Metadata is the normalization metadata: everything needed to turn a raw sample into model inputs.
// It is immutable once written, and it travels with every exported model.
type Metadata struct {
	// SourceTypes is the sorted provenance vocabulary: it defines the one-hot order.
	SourceTypes []string `json:"source_types"`

	// TagTypes is the label vocabulary: the index is the integer label.
	TagTypes []string `json:"tag_types"`

	LatMean float64 `json:"lat_mean"`
	LatStd  float64 `json:"lat_std"`
	LonMean float64 `json:"lon_mean"`
	LonStd  float64 `json:"lon_std"`

	NumClasses int `json:"num_classes"`

	// ClassWeights[c] = N / (NumClasses * ClassCounts[c]), with counts from the train split.
	ClassWeights []float64 `json:"class_weights"`
	ClassCounts  []int     `json:"class_counts"`

	Seed       int64      `json:"seed"`
	Ratios     [3]float64 `json:"ratios"`
	NumRows    int        `json:"num_rows"`
	SplitSizes [3]int     `json:"split_sizes"`
}

// FitNormalization fits the coordinates normalization (mean and sample standard deviation) over all records.
// A zero standard deviation is replaced by 1.
func (m *Metadata) FitNormalization(records []Record) {
	lats := make([]float64, len(records))
	lons := make([]float64, len(records))
	for ii, rec := range records {
		lats[ii], lons[ii] = rec.Lat, rec.Lon
	}
	m.LatMean, m.LatStd = stat.MeanStdDev(lats, nil)
	m.LonMean, m.LonStd = stat.MeanStdDev(lons, nil)
	if !(m.LatStd > 0) {
		m.LatStd = 1
	}
	if !(m.LonStd > 0) {
		m.LonStd = 1
	}
}

// Normalize lat/lon degrees to model inputs.
func (m *Metadata) Normalize(lat, lon float64) (latNorm, lonNorm float64) {
	return (lat - m.LatMean) / m.LatStd, (lon - m.LonMean) / m.LonStd
}

// Denormalize is the inverse of Normalize.
func (m *Metadata) Denormalize(latNorm, lonNorm float64) (lat, lon float64) {
	return latNorm*m.LatStd + m.LatMean, lonNorm*m.LonStd + m.LonMean
}

// NumSources is the width of the one-hot provenance vector.
func (m *Metadata) NumSources() int { return len(m.SourceTypes) }

// SourceIndex returns the one-hot position of source, or -1 if it is unknown.
// Unknown sources are encoded as an all-zeros vector.
func (m *Metadata) SourceIndex(source string) int {
	return slices.Index(m.SourceTypes, normalizeCategory(source))
}

// OneHotSource returns the one-hot provenance vector for source.
func (m *Metadata) OneHotSource(source string) []float32 {
	v := make([]float32, m.NumSources())
	if idx := m.SourceIndex(source); idx >= 0 {
		v[idx] = 1
	}
	return v
}

// Validate checks the metadata is consistent.
func (m *Metadata) Validate() error {
	if m.NumClasses != len(m.TagTypes) {
		return errors.Errorf("metadata: num_classes=%d but %d tag_types", m.NumClasses, len(m.TagTypes))
	}
	if len(m.ClassWeights) != m.NumClasses {
		return errors.Errorf("metadata: %d class_weights for %d classes", len(m.ClassWeights), m.NumClasses)
	}
	if !(m.LatStd > 0) || !(m.LonStd > 0) {
		return errors.Errorf("metadata: invalid standard deviations lat_std=%g, lon_std=%g", m.LatStd, m.LonStd)
	}
	return nil
}

// JSON encoding of the metadata, as written to MetadataFile.
func (m *Metadata) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode metadata")
	}
	return append(data, '\n'), nil
}

// ParseMetadata from its JSON encoding.
func ParseMetadata(data []byte) (*Metadata, error) {
	m := &Metadata{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, errors.Wrap(err, "failed to parse metadata")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadMetadata from a preprocessing_metadata.json file.
func ReadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read metadata %q", path)
	}
	m, err := ParseMetadata(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "in %q", path)
	}
	return m, nil
}

// EncodeSources returns the sorted list of distinct sources of the records.
func EncodeSources(records []Record) []string {
	var sources []string
	for _, rec := range records {
		if !slices.Contains(sources, rec.Source) {
			sources = append(sources, rec.Source)
		}
	}
	slices.Sort(sources)
	return sources
}

// EncodeLabels maps each record's type to its index in the vocabulary.
// Records must have been cleaned against the same vocabulary.
func EncodeLabels(records []Record, vocabulary []string) []int {
	labels := make([]int, len(records))
	for ii, rec := range records {
		labels[ii] = slices.Index(vocabulary, rec.Type)
	}
	return labels
}
