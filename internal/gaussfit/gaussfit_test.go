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

package gaussfit

import (
	"math"
	"testing"

	"github.com/mlnoga/sourcefind/internal/fits"
)

func syntheticIsland(w, h int, truth Params, noiseSigma float64) Island {
	pixels := make([]float32, w*h)
	rms := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			pixels[idx] = float32(gaussianValue(truth, float64(x), float64(y)))
			rms[idx] = float32(noiseSigma)
		}
	}
	return Island{Width: w, Height: h, Pixels: pixels, RMS: rms}
}

func TestFitRecoversKnownGaussian(t *testing.T) {
	truth := Params{Peak: 1.0, XBar: 12, YBar: 12, SemiMajor: 2, SemiMinor: 2, Theta: 0}
	island := syntheticIsland(25, 25, truth, 0.01)

	res, err := Fit(island, fits.Beam{SemiMajorPx: 2, SemiMinorPx: 2}, FixedNone, Params{})
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	if math.Abs(res.Params.Peak-truth.Peak) > 0.1 {
		t.Errorf("peak: got %f want ~%f", res.Params.Peak, truth.Peak)
	}
	if math.Abs(res.Params.XBar-truth.XBar) > 0.5 {
		t.Errorf("xbar: got %f want ~%f", res.Params.XBar, truth.XBar)
	}
	if math.Abs(res.Params.YBar-truth.YBar) > 0.5 {
		t.Errorf("ybar: got %f want ~%f", res.Params.YBar, truth.YBar)
	}
}

func TestFitFixedPositionPinsCentre(t *testing.T) {
	truth := Params{Peak: 1.0, XBar: 12, YBar: 12, SemiMajor: 2, SemiMinor: 2, Theta: 0}
	island := syntheticIsland(25, 25, truth, 0.01)

	res, err := Fit(island, fits.Beam{SemiMajorPx: 2, SemiMinorPx: 2}, FixedPosition, Params{XBar: 12, YBar: 12})
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	if res.Params.XBar != 12 || res.Params.YBar != 12 {
		t.Fatalf("pinned position should not move: got (%f,%f)", res.Params.XBar, res.Params.YBar)
	}
}

func TestFitFixedPositionAndErrorPinsShapeToBeam(t *testing.T) {
	truth := Params{Peak: 1.0, XBar: 12, YBar: 12, SemiMajor: 3, SemiMinor: 2, Theta: 0.3}
	island := syntheticIsland(25, 25, truth, 0.01)
	beam := fits.Beam{SemiMajorPx: 3, SemiMinorPx: 2, ThetaRad: 0.3}

	res, err := Fit(island, beam, FixedPositionAndError, Params{XBar: 12, YBar: 12, SemiMajor: 3, SemiMinor: 2, Theta: 0.3})
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	if res.Params.SemiMajor != 3 || res.Params.SemiMinor != 2 || res.Params.Theta != 0.3 {
		t.Fatalf("shape should be pinned to beam, got %+v", res.Params)
	}
}

func TestFitMomentsNotApplicableOnEmptyIsland(t *testing.T) {
	island := Island{Width: 5, Height: 5, Pixels: make([]float32, 25), RMS: make([]float32, 25)}
	for i := range island.RMS {
		island.RMS[i] = 1
	}
	_, err := Fit(island, fits.Beam{SemiMajorPx: 1, SemiMinorPx: 1}, FixedNone, Params{})
	if err != ErrMomentsNotApplicable {
		t.Fatalf("expected ErrMomentsNotApplicable, got %v", err)
	}
}
