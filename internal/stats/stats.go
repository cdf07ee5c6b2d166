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

// Package stats implements the iterative sigma-clipping robust
// statistics kernel (spec component C2) that underlies the tile
// estimator.
package stats

import (
	"math"
	"sort"

	"github.com/valyala/fastrand"
	"gonum.org/v1/gonum/stat"

	"github.com/mlnoga/sourcefind/internal/fits"
	"github.com/mlnoga/sourcefind/internal/qsort"
)

// MaxIterations bounds the sigma-clipping loop; in practice it
// converges within a handful of iterations once the sample stabilizes.
const MaxIterations = 30

// Result is the output of an iterative sigma-clip: the clipped sample,
// its standard deviation about the median (the beam enters only through
// the clip width k), its median, and the number of iterations performed.
type Result struct {
	Clipped    []float32
	Sigma      float32
	Median     float32
	Iterations int
}

// CorrelationK derives the clip-window half-width k (in units of sigma)
// from the beam. Neighbouring pixels within one beam are correlated by
// the restoring beam's convolution, so a handful of extreme values
// cluster together rather than occurring independently; a plain
// single-pixel 3-sigma threshold would then reject too aggressively
// near genuine structure. k widens logarithmically with the number of
// pixels per beam (its "correlation length"), matching the qualitative
// behaviour described for the source's undocumented k derivation.
func CorrelationK(beam fits.Beam) float32 {
	const baseK = 3.0
	beamAreaPx := math.Pi * math.Abs(beam.SemiMajorPx) * math.Abs(beam.SemiMinorPx)
	if beamAreaPx < 1 {
		return baseK
	}
	k := baseK + 0.3*math.Log(beamAreaPx)
	if k > 2*baseK {
		k = 2 * baseK
	}
	return float32(k)
}

// Clip performs iterative sigma-clipping of sample (a copy of which is
// modified in place and returned as Result.Clipped) around its running
// median, at k = CorrelationK(beam) sigma on both sides. Iteration
// stops when no further samples are rejected, when 3 or fewer samples
// remain, or after MaxIterations.
func Clip(sample []float32, beam fits.Beam) Result {
	k := CorrelationK(beam)
	remaining := make([]float32, len(sample))
	copy(remaining, sample)

	var median, sigma float32
	iterations := 0
	for ; iterations < MaxIterations; iterations++ {
		if len(remaining) == 0 {
			break
		}
		median = qsort.QSelectMedianFloat32(remaining)

		var variance float64
		for _, v := range remaining {
			d := float64(v - median)
			variance += d * d
		}
		variance /= float64(len(remaining))
		sigma = float32(math.Sqrt(variance))

		lo, hi := median-k*sigma, median+k*sigma
		kept := 0
		for _, v := range remaining {
			if v >= lo && v <= hi {
				remaining[kept] = v
				kept++
			}
		}
		rejected := len(remaining) - kept
		remaining = remaining[:kept]

		if rejected == 0 || len(remaining) <= 3 {
			iterations++
			break
		}
	}

	return Result{Clipped: remaining, Sigma: sigma, Median: median, Iterations: iterations}
}

// Mean returns the arithmetic mean of xs.
func Mean(xs []float32) float32 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += float64(x)
	}
	return float32(sum / float64(len(xs)))
}

// Median returns the median of xs without modifying xs.
func Median(xs []float32) float32 {
	tmp := make([]float32, len(xs))
	copy(tmp, xs)
	return qsort.QSelectMedianFloat32(tmp)
}

// Quantile returns the q-quantile (q in [0,1]) of xs without modifying
// xs, used for the engine's diagnostic summaries (percentile reporting
// on background/RMS maps).
func Quantile(xs []float32, q float64) float32 {
	if len(xs) == 0 {
		return 0
	}
	tmp := make([]float64, len(xs))
	for i, v := range xs {
		tmp[i] = float64(v)
	}
	sort.Float64s(tmp)
	return float32(stat.Quantile(q, stat.Empirical, tmp, nil))
}

// fastClipMaxSamples bounds the subsample size FastClip draws from a
// large input, keeping the diagnostic pass cheap on big images.
const fastClipMaxSamples = 4096

// FastClip is a fast approximation of Clip for diagnostic use: above
// fastClipMaxSamples elements, it draws a uniform random subsample with
// fastrand (matching the teacher's FastApprox* sampling strategy for its
// own robust-statistics estimators) before running the same iterative
// sigma-clip. Below the threshold it clips the full sample.
func FastClip(sample []float32, beam fits.Beam) Result {
	if len(sample) <= fastClipMaxSamples {
		return Clip(sample, beam)
	}
	rng := fastrand.RNG{}
	sub := make([]float32, fastClipMaxSamples)
	for i := range sub {
		sub[i] = sample[rng.Uint32n(uint32(len(sample)))]
	}
	return Clip(sub, beam)
}
