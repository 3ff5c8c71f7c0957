// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/accessatlas/internal/fsutil"
	"github.com/pkg/errors"
)

// Columns of the split manifests.
const (
	RowCol     = "row"
	LabelCol   = "label"
	LatNormCol = "lat_norm"
	LonNormCol = "lon_norm"
)

var (
	// ManifestFieldNames in the order they are written.
	ManifestFieldNames = []string{RowCol, ImagePathCol, LatCol, LonCol, TypeCol, SourceCol, LabelCol, LatNormCol, LonNormCol}

	// ManifestFieldTypes used when reading the manifests back.
	ManifestFieldTypes = map[string]series.Type{
		RowCol:       series.Int,
		ImagePathCol: series.String,
		LatCol:       series.Float,
		LonCol:       series.Float,
		TypeCol:      series.String,
		SourceCol:    series.String,
		LabelCol:     series.Int,
		LatNormCol:   series.Float,
		LonNormCol:   series.Float,
	}
)

// ManifestFile returns the file name of the manifest of the given split name ("train", "val" or "test").
func ManifestFile(splitName string) string {
	return fmt.Sprintf("tags_%s.csv", splitName)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Write the three manifests and the metadata to dir. Each file is written atomically.
func Write(dir string, result *Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create manifests directory %q", dir)
	}
	meta := result.Metadata
	for part, name := range SplitNames {
		records := result.SplitRecords(part)
		path := filepath.Join(dir, ManifestFile(name))
		err := fsutil.WriteFileAtomic(path, func(f *os.File) error {
			w := csv.NewWriter(f)
			if err := w.Write(ManifestFieldNames); err != nil {
				return err
			}
			for _, rec := range records {
				latNorm, lonNorm := meta.Normalize(rec.Lat, rec.Lon)
				err := w.Write([]string{
					strconv.Itoa(rec.Row), rec.ImagePath, formatFloat(rec.Lat), formatFloat(rec.Lon),
					rec.Type, rec.Source, strconv.Itoa(rec.Label), formatFloat(latNorm), formatFloat(lonNorm),
				})
				if err != nil {
					return err
				}
			}
			w.Flush()
			return w.Error()
		})
		if err != nil {
			return errors.WithMessagef(err, "writing %s manifest", name)
		}
	}
	data, err := meta.JSON()
	if err != nil {
		return err
	}
	return fsutil.WriteBytesAtomic(filepath.Join(dir, MetadataFile), data)
}

// ReadSplit reads one manifest file.
func ReadSplit(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open manifest %q", path)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f, dataframe.WithTypes(ManifestFieldTypes))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "failed to parse manifest %q", path)
	}
	names := df.Names()
	for _, col := range ManifestFieldNames {
		if !slices.Contains(names, col) {
			return nil, errors.Errorf("manifest %q is missing column %q", path, col)
		}
	}
	rows, err := df.Col(RowCol).Int()
	if err != nil {
		return nil, errors.Wrapf(err, "manifest %q: invalid %q column", path, RowCol)
	}
	labels, err := df.Col(LabelCol).Int()
	if err != nil {
		return nil, errors.Wrapf(err, "manifest %q: invalid %q column", path, LabelCol)
	}
	paths := df.Col(ImagePathCol).Records()
	lats := df.Col(LatCol).Float()
	lons := df.Col(LonCol).Float()
	types := df.Col(TypeCol).Records()
	sources := df.Col(SourceCol).Records()
	records := make([]Record, df.Nrow())
	for ii := range records {
		records[ii] = Record{
			Row:       rows[ii],
			ImagePath: paths[ii],
			Lat:       lats[ii],
			Lon:       lons[ii],
			Type:      types[ii],
			Source:    sources[ii],
			Label:     labels[ii],
		}
	}
	return records, nil
}

// Read the manifests and metadata written by Write. The records of the result are ordered by split
// (train, validation then test) and the Split indices point to them.
func Read(dir string) (*Result, error) {
	meta, err := ReadMetadata(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, err
	}
	result := &Result{Metadata: meta}
	var parts [3][]int
	for part, name := range SplitNames {
		records, err := ReadSplit(filepath.Join(dir, ManifestFile(name)))
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if rec.Label < 0 || rec.Label >= meta.NumClasses {
				return nil, errors.Errorf("%s manifest row %d: label %d out of range for %d classes",
					name, rec.Row, rec.Label, meta.NumClasses)
			}
			parts[part] = append(parts[part], len(result.Records))
			result.Records = append(result.Records, rec)
		}
	}
	result.Split = Split{Train: parts[0], Val: parts[1], Test: parts[2]}
	return result, nil
}
