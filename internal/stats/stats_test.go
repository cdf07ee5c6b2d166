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

package stats

import (
	"math"
	"testing"

	"github.com/mlnoga/sourcefind/internal/fits"
)

func TestClipConvergesOnCleanGaussianNoise(t *testing.T) {
	n := 2000
	sample := make([]float32, n)
	// deterministic pseudo-gaussian via Box-Muller on a fixed LCG, avoiding math/rand's seeding.
	seed := uint32(12345)
	next := func() float64 {
		seed = seed*1664525 + 1013904223
		return float64(seed) / float64(1<<32)
	}
	for i := 0; i < n; i++ {
		u1, u2 := next(), next()
		if u1 < 1e-9 {
			u1 = 1e-9
		}
		z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
		sample[i] = float32(z)
	}
	beam := fits.Beam{SemiMajorPx: 2, SemiMinorPx: 2}
	res := Clip(sample, beam)
	if res.Iterations < 1 {
		t.Fatalf("expected at least one iteration, got %d", res.Iterations)
	}
	if math.Abs(float64(res.Median)) > 0.2 {
		t.Fatalf("median should be near zero, got %f", res.Median)
	}
	if res.Sigma <= 0 || res.Sigma > 1.5 {
		t.Fatalf("sigma out of expected range: %f", res.Sigma)
	}
}

func TestClipRejectsOutliers(t *testing.T) {
	sample := make([]float32, 100)
	for i := range sample {
		sample[i] = 0
	}
	sample[0] = 1000 // single gross outlier
	res := Clip(sample, fits.Beam{SemiMajorPx: 1, SemiMinorPx: 1})
	for _, v := range res.Clipped {
		if v == 1000 {
			t.Fatal("outlier should have been clipped")
		}
	}
}

func TestCorrelationKGrowsWithBeamArea(t *testing.T) {
	small := CorrelationK(fits.Beam{SemiMajorPx: 1, SemiMinorPx: 1})
	large := CorrelationK(fits.Beam{SemiMajorPx: 10, SemiMinorPx: 10})
	if large <= small {
		t.Fatalf("expected larger beam to widen k: small=%f large=%f", small, large)
	}
}

func TestMedianOddEven(t *testing.T) {
	if m := Median([]float32{1, 3, 2}); m != 2 {
		t.Fatalf("got %f want 2", m)
	}
	if m := Median([]float32{1, 2, 3, 4}); m != 2 && m != 3 {
		t.Fatalf("got %f want 2 or 3 (quickselect, no averaging)", m)
	}
}
