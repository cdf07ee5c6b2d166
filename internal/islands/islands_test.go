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

package islands

import "testing"

func flat(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestLabelSingleIsland(t *testing.T) {
	w, h := 5, 5
	bgSub := flat(w*h, 0)
	bgSub[2*w+2] = 5 // single bright pixel at centre
	analysis := flat(w*h, 1)
	detection := flat(w*h, 3)
	rms := flat(w*h, 1)

	res := Label(bgSub, analysis, detection, rms, nil, w, h, DefaultStructuringElement, DefaultRMSFloorFraction)
	if len(res.Labels) != 1 {
		t.Fatalf("expected 1 surviving island, got %d", len(res.Labels))
	}
	if res.LabelMap[2*w+2] != 1 {
		t.Fatalf("centre pixel should carry label 1, got %d", res.LabelMap[2*w+2])
	}
}

func TestLabelDiscardsBelowDetectionThreshold(t *testing.T) {
	w, h := 5, 5
	bgSub := flat(w*h, 0)
	bgSub[2*w+2] = 1.5 // clears analysis but not detection
	analysis := flat(w*h, 1)
	detection := flat(w*h, 3)
	rms := flat(w*h, 1)

	res := Label(bgSub, analysis, detection, rms, nil, w, h, DefaultStructuringElement, DefaultRMSFloorFraction)
	if len(res.Labels) != 0 {
		t.Fatalf("expected 0 surviving islands, got %d", len(res.Labels))
	}
}

func TestLabelRMSFloorExcludesLowRMSRegion(t *testing.T) {
	w, h := 5, 5
	bgSub := flat(w*h, 0)
	bgSub[2*w+2] = 5
	analysis := flat(w*h, 1)
	detection := flat(w*h, 3)
	rms := flat(w*h, 1)
	rms[2*w+2] = 0 // below the RMS floor relative to median 1

	res := Label(bgSub, analysis, detection, rms, nil, w, h, DefaultStructuringElement, DefaultRMSFloorFraction)
	if len(res.Labels) != 0 {
		t.Fatalf("expected island to be excluded by RMS floor, got %d islands", len(res.Labels))
	}
}

func TestLabelTwoSeparateIslandsNumberedInScanOrder(t *testing.T) {
	w, h := 7, 3
	bgSub := flat(w*h, 0)
	bgSub[0*w+1] = 5 // first island near top-left, encountered first in scan order
	bgSub[2*w+5] = 5 // second island near bottom-right
	analysis := flat(w*h, 1)
	detection := flat(w*h, 3)
	rms := flat(w*h, 1)

	res := Label(bgSub, analysis, detection, rms, nil, w, h, DefaultStructuringElement, DefaultRMSFloorFraction)
	if len(res.Labels) != 2 {
		t.Fatalf("expected 2 islands, got %d", len(res.Labels))
	}
	if res.LabelMap[0*w+1] != 1 {
		t.Fatalf("first-encountered island should carry label 1, got %d", res.LabelMap[0*w+1])
	}
	if res.LabelMap[2*w+5] != 2 {
		t.Fatalf("second island should carry label 2, got %d", res.LabelMap[2*w+5])
	}
}

func TestDeblendSplitsTwoPeaks(t *testing.T) {
	w, h := 9, 3
	values := flat(w*h, 0)
	var parent []int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			parent = append(parent, y*w+x)
		}
	}
	cy := 1
	values[cy*w+2] = 10
	values[cy*w+6] = 10

	sub := Deblend(values, parent, w, h, 0, 10, DefaultStructuringElement, DeblendParams{NThresh: 16, MinContrast: DefaultMinContrast})
	if len(sub) != 2 {
		t.Fatalf("expected 2 deblended sub-islands, got %d", len(sub))
	}
	total := 0
	for _, s := range sub {
		total += len(s)
	}
	if total != len(parent) {
		t.Fatalf("sub-islands should partition the parent: got %d pixels, want %d", total, len(parent))
	}
}

func TestDeblendSinglePeakStaysWhole(t *testing.T) {
	w, h := 5, 5
	values := flat(w*h, 0)
	values[2*w+2] = 10
	var parent []int
	for i := range values {
		parent = append(parent, i)
	}
	sub := Deblend(values, parent, w, h, 0, 10, DefaultStructuringElement, DeblendParams{NThresh: 8, MinContrast: DefaultMinContrast})
	if len(sub) != 1 {
		t.Fatalf("single-peak island should not split, got %d sub-islands", len(sub))
	}
}
