// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package islands implements the connected-component island labeller
// (spec component C5) and the hierarchical deblender (spec component
// C7).
package islands

import (
	"github.com/mlnoga/sourcefind/internal/qsort"
)

// DefaultRMSFloorFraction is the RMS-floor filter fraction (0.001 of
// the median RMS) named as a magic constant in the source this was
// distilled from; exposed as a parameter, defaulting here.
const DefaultRMSFloorFraction = 0.001

// StructuringElement is a 3x3 connectivity mask; element [1][1] (the
// centre) is conventionally true but unused by the flood fill.
type StructuringElement [3][3]bool

// DefaultStructuringElement is the standard 4-connected cross.
var DefaultStructuringElement = StructuringElement{
	{false, true, false},
	{true, true, true},
	{false, true, false},
}

// LabelResult is the output of Label: the relabelled map (0 = not part
// of any surviving island, else a 1-based label in first-encountered
// scan order) and the sorted list of surviving labels.
type LabelResult struct {
	Width, Height int
	LabelMap      []int
	Labels        []int
}

// Label implements spec component C5. bgSubtracted, analysisMap,
// detectionMap and rmsMap are image-sized, row-major. masked marks
// pixels excluded from consideration (1 = masked). rmsFloorFraction is
// the RMS-floor filter fraction (see DefaultRMSFloorFraction).
func Label(bgSubtracted, analysisMap, detectionMap, rmsMap []float32, masked []uint8, width, height int, se StructuringElement, rmsFloorFraction float32) LabelResult {
	n := width * height
	medianRMS := medianOfUnmasked(rmsMap, masked)
	floor := rmsFloorFraction * medianRMS

	clipped := make([]bool, n)
	for i := 0; i < n; i++ {
		if masked != nil && masked[i] != 0 {
			continue
		}
		if bgSubtracted[i] > analysisMap[i] && rmsMap[i] >= floor {
			clipped[i] = true
		}
	}

	offsets := offsetsFromSE(se)

	rawLabels := make([]int, n)
	nextLabel := 0
	stack := make([]int, 0, 256)

	for start := 0; start < n; start++ {
		if !clipped[start] || rawLabels[start] != 0 {
			continue
		}
		nextLabel++
		rawLabels[start] = nextLabel
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			px, py := p%width, p/width
			for _, o := range offsets {
				nx, ny := px+o[0], py+o[1]
				if nx < 0 || nx >= width || ny < 0 || ny >= height {
					continue
				}
				q := ny*width + nx
				if clipped[q] && rawLabels[q] == 0 {
					rawLabels[q] = nextLabel
					stack = append(stack, q)
				}
			}
		}
	}

	peak := make([]float32, nextLabel+1)
	hasPixel := make([]bool, nextLabel+1)
	for i := 0; i < n; i++ {
		l := rawLabels[i]
		if l == 0 {
			continue
		}
		v := bgSubtracted[i] - detectionMap[i]
		if !hasPixel[l] || v > peak[l] {
			peak[l] = v
			hasPixel[l] = true
		}
	}

	survive := make([]bool, nextLabel+1)
	for l := 1; l <= nextLabel; l++ {
		survive[l] = hasPixel[l] && peak[l] > 0
	}

	// renumber surviving labels in first-encountered scan order.
	renumber := make([]int, nextLabel+1)
	count := 0
	for i := 0; i < n; i++ {
		l := rawLabels[i]
		if l == 0 || !survive[l] || renumber[l] != 0 {
			continue
		}
		count++
		renumber[l] = count
	}

	labelMap := make([]int, n)
	for i := 0; i < n; i++ {
		if l := rawLabels[i]; l != 0 && survive[l] {
			labelMap[i] = renumber[l]
		}
	}
	labels := make([]int, count)
	for i := range labels {
		labels[i] = i + 1
	}

	return LabelResult{Width: width, Height: height, LabelMap: labelMap, Labels: labels}
}

func offsetsFromSE(se StructuringElement) [][2]int {
	offsets := make([][2]int, 0, 8)
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			if se[dy+1][dx+1] {
				offsets = append(offsets, [2]int{dx, dy})
			}
		}
	}
	return offsets
}

func medianOfUnmasked(data []float32, masked []uint8) float32 {
	sample := make([]float32, 0, len(data))
	for i, v := range data {
		if masked != nil && masked[i] != 0 {
			continue
		}
		sample = append(sample, v)
	}
	if len(sample) == 0 {
		return 0
	}
	return qsort.QSelectMedianFloat32(sample)
}
