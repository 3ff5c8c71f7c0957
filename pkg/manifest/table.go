// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/accessatlas/internal/fsutil"
	"github.com/gomlx/accessatlas/pkg/faults"
	"github.com/pkg/errors"
)

// Column names of the input table.
const (
	ImagePathCol = "image_path"
	LatCol       = "lat"
	LonCol       = "lon"
	TypeCol      = "type"
	SourceCol    = "source"
)

var (
	// TableFieldNames are the required columns of the input table.
	TableFieldNames = []string{ImagePathCol, LatCol, LonCol, TypeCol, SourceCol}

	// TableFieldTypes maps the column name to its type. Coordinates that don't parse become NaN.
	TableFieldTypes = map[string]series.Type{
		ImagePathCol: series.String,
		LatCol:       series.Float,
		LonCol:       series.Float,
		TypeCol:      series.String,
		SourceCol:    series.String,
	}
)

// reasonUnknownType prefixes the reason of rows whose type is not in the vocabulary.
const reasonUnknownType = "unknown type"

// RawRow is one row of the input table, before cleaning.
type RawRow struct {
	// Row is the 1-based row number, the header is not counted.
	Row       int
	ImagePath string
	Lat, Lon  float64
	Type      string
	Source    string
}

// LoadTable reads the input CSV. Missing or non-numeric coordinates are returned as NaN, and
// flagged later by Clean.
func LoadTable(path string) ([]RawRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open input table %q", path)
	}
	defer func() { _ = f.Close() }()

	df := dataframe.ReadCSV(f, dataframe.WithTypes(TableFieldTypes), dataframe.NaNValues([]string{"NA", "NaN", "nan"}))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "failed to parse input table %q", path)
	}
	var missing []string
	names := df.Names()
	for _, col := range TableFieldNames {
		if !slices.Contains(names, col) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, &faults.DataValidationError{
			Stage:   "loading " + path,
			Classes: []string{fmt.Sprintf("missing required columns %q", missing)},
		}
	}

	numRows := df.Nrow()
	paths := df.Col(ImagePathCol).Records()
	lats := df.Col(LatCol).Float()
	lons := df.Col(LonCol).Float()
	types := df.Col(TypeCol).Records()
	sources := df.Col(SourceCol).Records()
	rows := make([]RawRow, numRows)
	for ii := range rows {
		rows[ii] = RawRow{
			Row:       ii + 1,
			ImagePath: paths[ii],
			Lat:       lats[ii],
			Lon:       lons[ii],
			Type:      types[ii],
			Source:    sources[ii],
		}
	}
	return rows, nil
}

// Clean validates and repairs the raw rows.
//
// Repairs are trimming whitespace and lower-casing "type" and "source". A row is invalid if its image
// path is empty or doesn't resolve to a decodable image, if its coordinates are missing or out of range,
// if its source is empty, or if its type is not in the vocabulary. In the latter case, if cfg.AutoExtend
// is set, the type is instead appended to the vocabulary: new types are appended in sorted order.
//
// It returns the valid records (in input order), the final vocabulary and one issue per problem found.
func Clean(rows []RawRow, cfg *Config) (records []Record, vocabulary []string, issues []faults.RowIssue) {
	vocabulary = make([]string, 0, len(cfg.Vocabulary))
	for _, v := range cfg.Vocabulary {
		vocabulary = append(vocabulary, normalizeCategory(v))
	}
	var newTypes []string
	records = make([]Record, 0, len(rows))
	for _, row := range rows {
		rec := Record{
			Row:       row.Row,
			ImagePath: strings.TrimSpace(row.ImagePath),
			Lat:       row.Lat,
			Lon:       row.Lon,
			Type:      normalizeCategory(row.Type),
			Source:    normalizeCategory(row.Source),
		}
		flag := func(format string, args ...any) {
			issues = append(issues, faults.RowIssue{Row: rec.Row, Path: rec.ImagePath, Reason: fmt.Sprintf(format, args...)})
		}
		numIssues := len(issues)
		if rec.ImagePath == "" || rec.ImagePath == "nan" {
			flag("image_path is empty")
		} else if err := checkImage(cfg.ImageRoot, rec.ImagePath); err != nil {
			flag("%v", err)
		}
		checkCoordinate(flag, LatCol, rec.Lat, 90)
		checkCoordinate(flag, LonCol, rec.Lon, 180)
		if rec.Source == "" || rec.Source == "nan" {
			flag("source is empty")
		}
		if rec.Type == "" || rec.Type == "nan" {
			flag("type is empty")
		} else if !slices.Contains(vocabulary, rec.Type) {
			if cfg.AutoExtend {
				if !slices.Contains(newTypes, rec.Type) {
					newTypes = append(newTypes, rec.Type)
				}
			} else {
				flag("%s %q, vocabulary is %q", reasonUnknownType, rec.Type, vocabulary)
			}
		}
		if len(issues) == numIssues {
			records = append(records, rec)
		}
	}
	slices.Sort(newTypes)
	vocabulary = append(vocabulary, newTypes...)
	return
}

func isVocabularyIssue(issue faults.RowIssue) bool {
	return strings.HasPrefix(issue.Reason, reasonUnknownType)
}

func normalizeCategory(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func checkCoordinate(flag func(format string, args ...any), name string, value, limit float64) {
	if math.IsNaN(value) {
		flag("%s is missing or not a number", name)
		return
	}
	if value < -limit || value > limit || math.IsInf(value, 0) {
		flag("%s %g out of range [%g, %g]", name, value, -limit, limit)
	}
}

// checkImage verifies that the image exists and that its header can be decoded.
func checkImage(imageRoot, imagePath string) error {
	fullPath, err := fsutil.ResolvePath(imageRoot, imagePath)
	if err != nil {
		return err
	}
	f, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errors.Errorf("image not found at %q", fullPath)
		}
		return errors.Wrapf(err, "image %q can't be read", fullPath)
	}
	defer func() { _ = f.Close() }()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return errors.Wrapf(err, "image %q can't be decoded", fullPath)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return errors.Errorf("image %q is empty", fullPath)
	}
	return nil
}
