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

// Package fdr implements the False Discovery Rate threshold selector
// (spec component C6), following Hopkins et al. (2002).
package fdr

import (
	"math"
	"sort"

	"github.com/mlnoga/sourcefind/internal/fits"
)

// CorrelationNormalization computes C_N = sum_{k=1..K} 1/k, where K is
// derived from the beam's correlated-pixel count.
func CorrelationNormalization(beam fits.Beam) float64 {
	lambdaLong := math.Abs(beam.SemiMajorPx)
	lambdaShort := math.Abs(beam.SemiMinorPx)
	k := int(math.Round(0.25*math.Pi*lambdaLong*lambdaShort)) + 1
	if k < 1 {
		k = 1
	}
	var cn float64
	for i := 1; i <= k; i++ {
		cn += 1.0 / float64(i)
	}
	return cn
}

// Result is the outcome of an FDR threshold search.
type Result struct {
	Found               bool
	DetectionThresholdSigma float64
	AnalysisThresholdSigma  float64
}

// Select implements spec component C6: given the background-subtracted
// image and RMS map restricted to unmasked pixels, it returns the
// detection threshold in units of local sigma. analysisThresholdSigma
// defaults to the same value as the detection threshold.
func Select(bgSubtracted, rmsMap []float32, masked []uint8, beam fits.Beam, alpha float64) Result {
	cn := CorrelationNormalization(beam)

	z := make([]float64, 0, len(bgSubtracted))
	for i := range bgSubtracted {
		if masked != nil && masked[i] != 0 {
			continue
		}
		if rmsMap[i] <= 0 {
			continue
		}
		z = append(z, float64(bgSubtracted[i])/float64(rmsMap[i]))
	}
	m := len(z)
	if m == 0 {
		return Result{}
	}

	p := make([]float64, m)
	for i, zi := range z {
		p[i] = math.Exp(-zi*zi/2) / math.Sqrt(2*math.Pi)
	}
	sort.Float64s(p)

	star := -1
	for i := 0; i < m; i++ {
		q := (alpha / cn) * float64(i+1) / float64(m)
		if p[i] < q {
			star = i
		}
	}
	if star < 0 {
		return Result{}
	}

	zStar := math.Sqrt(-2 * math.Log(math.Sqrt(2*math.Pi)*p[star]))
	return Result{Found: true, DetectionThresholdSigma: zStar, AnalysisThresholdSigma: zStar}
}
