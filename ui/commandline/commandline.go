// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains the command-line display of the AccessAtlas pipeline: the training
// progress bar and the tables of the training, evaluation and export reports.
package commandline

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/accessatlas/pkg/export"
	"github.com/gomlx/accessatlas/pkg/manifest"
	"github.com/gomlx/accessatlas/pkg/training"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle    = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
	evenRowStyle   = lipgloss.NewStyle().Faint(true).PaddingLeft(1).PaddingRight(1)
	redRowStyle    = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
)

// reportTable is a table with alternating row styles, where some rows can be highlighted in red.
type reportTable struct {
	*lgtable.Table
	count int
	reds  map[int]bool
}

// newReportTable creates a table with the given headers. The columns after the first are right aligned.
func newReportTable(headers ...string) *reportTable {
	t := &reportTable{reds: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row == lgtable.HeaderRow:
				return headerRowStyle
			case t.reds[row]:
				s = redRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col > 0 {
				s = s.Align(lipgloss.Right)
			}
			return s
		})
	t.Headers(headers...)
	return t
}

func (t *reportTable) row(isRed bool, cells ...string) {
	if isRed {
		t.reds[t.count] = true
	}
	t.Row(cells...)
	t.count++
}

// ReportManifest prints the sizes of the splits and the class distribution of the manifest.
func ReportManifest(w io.Writer, result *manifest.Result) {
	meta := result.Metadata
	t := newReportTable("Class", "Count", "Weight")
	for c, name := range meta.TagTypes {
		t.row(false, name, humanizeInt(meta.ClassCounts[c]), fmt.Sprintf("%.3f", meta.ClassWeights[c]))
	}
	fmt.Fprintf(w, "Manifest: %s train, %s val, %s test examples, sources %s\n",
		humanizeInt(len(result.Split.Train)), humanizeInt(len(result.Split.Val)), humanizeInt(len(result.Split.Test)),
		strings.Join(meta.SourceTypes, ", "))
	fmt.Fprintln(w, t.String())
}

// ReportTraining prints the history of the run, highlighting the epochs that produced a new best model.
func ReportTraining(w io.Writer, report *training.Report) {
	t := newReportTable("Epoch", "Train loss", "Train acc", "Val loss", "Val acc", "LR", "Skipped", "Duration")
	for _, rec := range report.History.Epochs {
		t.row(rec.Best,
			fmt.Sprintf("%d", rec.Epoch),
			fmt.Sprintf("%.4f", rec.Train.Loss), fmt.Sprintf("%.2f%%", rec.Train.Accuracy),
			fmt.Sprintf("%.4f", rec.Val.Loss), fmt.Sprintf("%.2f%%", rec.Val.Accuracy),
			fmt.Sprintf("%.3g", rec.LR), fmt.Sprintf("%d", rec.Skipped),
			FormatDuration(secondsDuration(rec.DurationSec)))
	}
	fmt.Fprintf(w, "Training %s after %d epochs: best validation accuracy %.2f%% at epoch %d\n",
		report.StopReason, report.Epochs, report.BestMetric, report.BestEpoch)
	fmt.Fprintln(w, t.String())
}

// ReportEvaluation prints the per-class metrics and the confusion matrix of an evaluation.
func ReportEvaluation(w io.Writer, name string, eval *training.Evaluation) {
	t := newReportTable("Class", "Precision", "Recall", "F1", "Support")
	for _, c := range eval.Classes {
		t.row(c.Support > 0 && c.Recall == 0, c.Name, fmt.Sprintf("%.3f", c.Precision), fmt.Sprintf("%.3f", c.Recall),
			fmt.Sprintf("%.3f", c.F1), humanizeInt(c.Support))
	}
	t.row(false, "macro avg", fmt.Sprintf("%.3f", eval.MacroPrecision), fmt.Sprintf("%.3f", eval.MacroRecall),
		fmt.Sprintf("%.3f", eval.MacroF1), humanizeInt(eval.Total))

	headers := []string{"True \\ Predicted"}
	for _, c := range eval.Classes {
		headers = append(headers, c.Name)
	}
	confusion := newReportTable(headers...)
	for trueClass, counts := range eval.Confusion {
		cells := []string{eval.Classes[trueClass].Name}
		for _, count := range counts {
			cells = append(cells, humanizeInt(count))
		}
		confusion.row(false, cells...)
	}
	fmt.Fprintf(w, "Results on %s: loss %.4f, accuracy %.2f%% over %s examples\n",
		name, eval.Loss, eval.Accuracy, humanizeInt(eval.Total))
	fmt.Fprintln(w, t.String())
	fmt.Fprintln(w, confusion.String())
}

// ReportExport prints the exported artifacts, with their equivalence check and latency. Failed formats
// are highlighted.
func ReportExport(w io.Writer, report *export.Report) {
	t := newReportTable("Format", "Artifact", "Precision", "Size", "Max abs diff", "Latency")
	for _, fr := range report.Formats {
		if fr.Err != nil {
			t.row(true, fr.Format, "failed: "+fr.Error, "", "", "", "")
			continue
		}
		for _, artifact := range fr.Artifacts {
			latency := "-"
			if artifact.Benchmark != nil {
				latency = fmt.Sprintf("%.2f ms (p95 %.2f)", artifact.Benchmark.Mean, artifact.Benchmark.P95)
			}
			t.row(false, fr.Format, artifact.Path, artifact.Precision, artifact.HumanSize,
				fmt.Sprintf("%.2g (≤ %.2g)", artifact.MaxAbsDiff, artifact.Tolerance), latency)
		}
	}
	fmt.Fprintf(w, "Export of epoch %d (val accuracy %.2f%%), probe of %d examples\n",
		report.Epoch, report.BestValAccuracy, report.ProbeSize)
	fmt.Fprintln(w, t.String())
}
