// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"math"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/accessatlas/pkg/training"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// numDurations of the most recent batches used for the median batch duration.
const numDurations = 100

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// ProgressBar displays the progress of the batches of the current epoch, and a table with the running
// metrics and those of the last epoch. Create it with AttachProgressBar.
type ProgressBar struct {
	numEpochs int

	// Owned by the training loop.
	bar        *progressbar.ProgressBar
	epoch      int
	numBatches int
	lossSum    float64
	lossCount  int
	skipped    int
	lastBatch  time.Time
	durations  []time.Duration
	lastEpoch  *training.EpochRecord
	bestVal    float64
	bestEpoch  int

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
	closeOnce        sync.Once
}

type progressBarUpdate struct {
	// newBar is set on the first batch of an epoch.
	newBar *progressbar.ProgressBar
	amount int
	rows   [][2]string
}

// AttachProgressBar creates a commandline progress bar and attaches it to the orchestrator hooks.
// numEpochs is the epoch budget of the run, for display only.
//
// Close must be called once training is over, to flush the pending updates.
func AttachProgressBar(o *training.Orchestrator, numEpochs int) *ProgressBar {
	pBar := &ProgressBar{
		numEpochs:  numEpochs,
		termenv:    termenv.NewOutput(os.Stdout),
		statsStyle: lipgloss.NewStyle().PaddingLeft(8),
		updates:    make(chan progressBarUpdate, 100), // Large buffer so training is not blocked.
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.asyncUpdatesDone.Add(1)
	go pBar.draw()
	o.OnBatch(pBar.onBatch)
	o.OnEpoch(pBar.onEpoch)
	return pBar
}

func (pBar *ProgressBar) onBatch(epoch, batch, numBatches int, loss float64) {
	now := time.Now()
	update := progressBarUpdate{amount: 1}
	if epoch != pBar.epoch || pBar.bar == nil {
		pBar.epoch, pBar.numBatches = epoch, numBatches
		pBar.lossSum, pBar.lossCount, pBar.skipped = 0, 0, 0
		pBar.bar = progressbar.NewOptions(numBatches,
			progressbar.OptionSetDescription(fmt.Sprintf("      [bold]epoch %d", epoch)),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("batches"),
			progressbar.OptionSetTheme(ProgressbarStyle),
		)
		update.newBar = pBar.bar
	} else if !pBar.lastBatch.IsZero() {
		pBar.durations = append(pBar.durations, now.Sub(pBar.lastBatch))
		if len(pBar.durations) > numDurations {
			pBar.durations = pBar.durations[len(pBar.durations)-numDurations:]
		}
	}
	pBar.lastBatch = now
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		pBar.skipped++
	} else {
		pBar.lossSum += loss
		pBar.lossCount++
	}
	update.rows = pBar.rows(batch)
	pBar.updates <- update
}

func (pBar *ProgressBar) onEpoch(rec training.EpochRecord) {
	pBar.lastEpoch = &rec
	if rec.Best {
		pBar.bestVal, pBar.bestEpoch = rec.Val.Accuracy, rec.Epoch
	}
	// The pause between epochs (validation and checkpoints) is not a batch duration.
	pBar.lastBatch = time.Time{}
}

// rows of the statistics table, after batch (0-based) of the current epoch.
func (pBar *ProgressBar) rows(batch int) [][2]string {
	rows := [][2]string{
		{"Epoch", fmt.Sprintf("%d of %d", pBar.epoch, pBar.numEpochs)},
		{"Batch", fmt.Sprintf("%s of %s", humanizeInt(batch+1), humanizeInt(pBar.numBatches))},
		{"Median batch duration", FormatDuration(medianDuration(pBar.durations))},
	}
	loss := "-"
	if pBar.lossCount > 0 {
		loss = fmt.Sprintf("%.4f", pBar.lossSum/float64(pBar.lossCount))
	}
	if pBar.skipped > 0 {
		loss = fmt.Sprintf("%s (%d skipped)", loss, pBar.skipped)
	}
	rows = append(rows, [2]string{"Train loss", loss})
	if rec := pBar.lastEpoch; rec != nil {
		rows = append(rows,
			[2]string{"Last epoch", fmt.Sprintf("train %.2f%%, val %.2f%% (loss %.4f), lr %.3g",
				rec.Train.Accuracy, rec.Val.Accuracy, rec.Val.Loss, rec.LR)})
	}
	if pBar.bestEpoch > 0 {
		rows = append(rows, [2]string{"Best val accuracy", fmt.Sprintf("%.2f%% (epoch %d)", pBar.bestVal, pBar.bestEpoch)})
	}
	return rows
}

// draw asynchronously prints the updates: this is handy if the training is faster than the terminal, in
// particular if running on cloud, with a relatively slow network connection.
func (pBar *ProgressBar) draw() {
	defer pBar.asyncUpdatesDone.Done()
	var bar *progressbar.ProgressBar
	numLines := 0
	for update := range pBar.updates {
		// Exhaust the updates in the buffer, up to the start of a new epoch.
		amount := update.amount
		if update.newBar != nil {
			if bar != nil {
				_ = bar.Finish()
				fmt.Println()
			}
			bar, numLines = update.newBar, 0
		}
	exhaust:
		for len(pBar.updates) > 0 {
			select {
			case next, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				if next.newBar != nil {
					pBar.print(bar, amount, update.rows, &numLines)
					_ = bar.Finish()
					fmt.Println()
					bar, numLines, amount = next.newBar, 0, 0
				}
				amount += next.amount
				update = next
			default:
				break exhaust
			}
		}
		pBar.print(bar, amount, update.rows, &numLines)
		time.Sleep(maxUpdateFrequency)
	}
	if bar != nil {
		_ = bar.Finish()
	}
}

// print the statistics table followed by the progress bar, over the previous print of the same epoch.
func (pBar *ProgressBar) print(bar *progressbar.ProgressBar, amount int, rows [][2]string, numLines *int) {
	pBar.statsTable.Data(lgtable.NewStringData())
	for _, row := range rows {
		pBar.statsTable.Row(row[0], row[1])
	}
	pBar.termenv.HideCursor()
	if *numLines > 0 {
		pBar.termenv.CursorPrevLine(*numLines)
	}
	fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
	_ = bar.Add(amount) // Prints progress bar line.
	fmt.Println()
	pBar.termenv.ShowCursor()
	// Table rows, its top and bottom borders, the bar and the line break.
	*numLines = len(rows) + 2 + 2
}

// Close waits for the pending updates to be printed. It can be called more than once.
func (pBar *ProgressBar) Close() {
	pBar.closeOnce.Do(func() {
		close(pBar.updates)
		pBar.asyncUpdatesDone.Wait()
		pBar.termenv.ShowCursor()
		fmt.Println()
	})
}

func medianDuration(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := slices.Clone(durations)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

func humanizeInt[I interface {
	uint64 | uint32 | uint16 | uint8 | int64 | int32 | int16 | int8 | int
}](nI I) string {
	n := int(nI)
	str := fmt.Sprintf("%d", n)
	result := make([]byte, 0, len(str)+len(str)/3)
	strLen := len(str)
	for i := strLen - 1; i >= 0; i-- {
		if (strLen-i-1)%3 == 0 && i < strLen-1 {
			result = append([]byte{'_'}, result...)
		}
		result = append([]byte{str[i]}, result...)
	}
	return string(result)
}
