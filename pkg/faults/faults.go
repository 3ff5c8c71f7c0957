// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package faults defines the error taxonomy of the training pipeline.
//
// Every error type wraps its cause, so errors.As and errors.Is work across the
// wrapping done with github.com/pkg/errors. ExitCode maps them to process exit codes.
package faults

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// RowIssue describes one offending row of the input table.
type RowIssue struct {
	// Row is the 1-based data row number in the input table (the header is not counted).
	Row    int
	Path   string
	Reason string
}

func (r RowIssue) String() string {
	if r.Path == "" {
		return fmt.Sprintf("row %d: %s", r.Row, r.Reason)
	}
	return fmt.Sprintf("row %d (%s): %s", r.Row, r.Path, r.Reason)
}

// DataValidationError is returned when the input table can't be turned into manifests.
// It is always fatal and it lists every offending row, not only the first.
type DataValidationError struct {
	Stage  string
	Issues []RowIssue
	// Classes holds class-level problems (e.g. under-represented classes), if any.
	Classes []string
}

func (e *DataValidationError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "data validation failed at %s", e.Stage)
	if n := len(e.Issues); n > 0 {
		fmt.Fprintf(&sb, ": %d invalid row(s)", n)
		for _, issue := range e.Issues {
			sb.WriteString("\n\t")
			sb.WriteString(issue.String())
		}
	}
	for _, c := range e.Classes {
		sb.WriteString("\n\t")
		sb.WriteString(c)
	}
	return sb.String()
}

// TrainingNumericError is returned when non-finite losses persist beyond the per-epoch retry budget.
type TrainingNumericError struct {
	Epoch, Batch int
	Occurrences  int
	Cause        error
}

func (e *TrainingNumericError) Error() string {
	return fmt.Sprintf("non-finite loss at epoch %d, batch %d: %d occurrence(s) exceeded the retry budget "+
		"(learning rate, precision or data are likely misconfigured): %v", e.Epoch, e.Batch, e.Occurrences, e.Cause)
}

func (e *TrainingNumericError) Unwrap() error { return e.Cause }

// CheckpointIOError is returned when a checkpoint can't be written or read.
// Training does not continue without a durable checkpoint.
type CheckpointIOError struct {
	Epoch int
	Path  string
	Op    string
	Cause error
}

func (e *CheckpointIOError) Error() string {
	return fmt.Sprintf("checkpoint %s failed at epoch %d (%s): %v", e.Op, e.Epoch, e.Path, e.Cause)
}

func (e *CheckpointIOError) Unwrap() error { return e.Cause }

// ExportCompatibilityError is returned when a model can't be expressed in an export format.
// It is fatal only for that format.
type ExportCompatibilityError struct {
	Format    string
	Operation string
	Cause     error
}

func (e *ExportCompatibilityError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("export to %s: unsupported operation %q", e.Format, e.Operation)
	}
	return fmt.Sprintf("export to %s: operation %q: %v", e.Format, e.Operation, e.Cause)
}

func (e *ExportCompatibilityError) Unwrap() error { return e.Cause }

// ConfigurationError signals a configuration that can't work, as opposed to a model that simply
// hasn't improved yet.
type ConfigurationError struct {
	Key    string
	Value  any
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s=%v: %s", e.Key, e.Value, e.Reason)
}

// Exit codes returned by ExitCode.
const (
	ExitOK = iota
	ExitUnknown
	ExitConfiguration
	ExitDataValidation
	ExitTrainingNumeric
	ExitCheckpointIO
	ExitExportCompatibility
)

// ExitCode maps an error to the process exit code of the pipeline binary.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		configErr *ConfigurationError
		dataErr   *DataValidationError
		numErr    *TrainingNumericError
		ckptErr   *CheckpointIOError
		exportErr *ExportCompatibilityError
	)
	switch {
	case errors.As(err, &configErr):
		return ExitConfiguration
	case errors.As(err, &dataErr):
		return ExitDataValidation
	case errors.As(err, &numErr):
		return ExitTrainingNumeric
	case errors.As(err, &ckptErr):
		return ExitCheckpointIO
	case errors.As(err, &exportErr):
		return ExitExportCompatibility
	}
	return ExitUnknown
}
