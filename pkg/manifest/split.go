// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/accessatlas/pkg/faults"
)

// MinSamplesPerClass is the minimum number of samples of a class present in the table, so that
// it can be represented in all 3 splits.
const MinSamplesPerClass = 3

// StratifiedSplit splits the examples (given by their labels) into train, validation and test.
//
// For each class, its indices are shuffled with a generator seeded by (seed, class) and cut at the
// configured ratios: nTrain = max(1, round(n*ratios[0])), nVal = max(1, round(n*ratios[1])), and the
// remaining go to test, which always keeps at least one. So every class present is represented in all splits.
//
// Classes with fewer than MinSamplesPerClass samples (but at least one) return a *faults.DataValidationError
// listing all of them. The returned indices are sorted in ascending order.
func StratifiedSplit(labels []int, numClasses int, ratios [3]float64, seed int64) (Split, error) {
	perClass := make([][]int, numClasses)
	for idx, label := range labels {
		if label < 0 || label >= numClasses {
			return Split{}, &faults.DataValidationError{
				Stage:   "split",
				Classes: []string{fmt.Sprintf("example %d has label %d, out of range for %d classes", idx, label, numClasses)},
			}
		}
		perClass[label] = append(perClass[label], idx)
	}
	var underRepresented []string
	for class, indices := range perClass {
		if n := len(indices); n > 0 && n < MinSamplesPerClass {
			underRepresented = append(underRepresented,
				fmt.Sprintf("class %d has %d sample(s), at least %d are required", class, n, MinSamplesPerClass))
		}
	}
	if len(underRepresented) > 0 {
		return Split{}, &faults.DataValidationError{Stage: "split", Classes: underRepresented}
	}

	var split Split
	for class, indices := range perClass {
		n := len(indices)
		if n == 0 {
			continue
		}
		rng := rand.New(rand.NewPCG(uint64(seed), uint64(class)))
		rng.Shuffle(n, func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })
		nTrain, nVal := splitSizes(n, ratios)
		split.Train = append(split.Train, indices[:nTrain]...)
		split.Val = append(split.Val, indices[nTrain:nTrain+nVal]...)
		split.Test = append(split.Test, indices[nTrain+nVal:]...)
	}
	slices.Sort(split.Train)
	slices.Sort(split.Val)
	slices.Sort(split.Test)
	return split, nil
}

// splitSizes for a class with n >= 3 samples. Test gets n - nTrain - nVal >= 1.
func splitSizes(n int, ratios [3]float64) (nTrain, nVal int) {
	nTrain = max(1, int(math.Round(float64(n)*ratios[0])))
	nVal = max(1, int(math.Round(float64(n)*ratios[1])))
	for nTrain+nVal > n-1 {
		if nTrain > 1 && nTrain >= nVal {
			nTrain--
		} else {
			nVal--
		}
	}
	return
}

// CountClasses returns the number of examples per class.
func CountClasses(labels []int, numClasses int) []int {
	counts := make([]int, numClasses)
	for _, label := range labels {
		counts[label]++
	}
	return counts
}

// ClassWeights returns the inverse-frequency weights N / (numClasses * count[c]), where N is the number of labels.
// Classes absent from labels are weighted as if they had one example, so weights are always positive.
func ClassWeights(labels []int, numClasses int) []float64 {
	counts := CountClasses(labels, numClasses)
	weights := make([]float64, numClasses)
	total := float64(len(labels))
	for class, count := range counts {
		weights[class] = total / (float64(numClasses) * float64(max(count, 1)))
	}
	return weights
}
