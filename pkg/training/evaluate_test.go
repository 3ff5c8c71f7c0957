// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluationReport(t *testing.T) {
	eval := &Evaluation{
		Confusion: [][]int{
			{5, 1, 0},
			{2, 3, 0},
			{0, 0, 0},
		},
		Total: 11,
	}
	eval.fillReport([]string{"curb_ramp", "obstacle"})
	require.Len(t, eval.Classes, 3)
	assert.InDelta(t, 100*8.0/11.0, eval.Accuracy, 1e-9)

	ramp := eval.Classes[0]
	assert.Equal(t, "curb_ramp", ramp.Name)
	assert.Equal(t, 6, ramp.Support)
	assert.InDelta(t, 5.0/7.0, ramp.Precision, 1e-9)
	assert.InDelta(t, 5.0/6.0, ramp.Recall, 1e-9)
	assert.InDelta(t, 2*(5.0/7.0)*(5.0/6.0)/(5.0/7.0+5.0/6.0), ramp.F1, 1e-9)

	obstacle := eval.Classes[1]
	assert.Equal(t, 5, obstacle.Support)
	assert.InDelta(t, 3.0/4.0, obstacle.Precision, 1e-9)
	assert.InDelta(t, 3.0/5.0, obstacle.Recall, 1e-9)

	// A class never seen nor predicted has all metrics 0, and a generated name.
	empty := eval.Classes[2]
	assert.Equal(t, "class_2", empty.Name)
	assert.Zero(t, empty.Support)
	assert.Zero(t, empty.Precision)
	assert.Zero(t, empty.Recall)
	assert.Zero(t, empty.F1)

	assert.InDelta(t, (ramp.Precision+obstacle.Precision)/3, eval.MacroPrecision, 1e-9)
	assert.InDelta(t, (ramp.Recall+obstacle.Recall)/3, eval.MacroRecall, 1e-9)
	assert.InDelta(t, (ramp.F1+obstacle.F1)/3, eval.MacroF1, 1e-9)
}
