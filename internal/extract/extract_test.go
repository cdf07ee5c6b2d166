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

package extract

import (
	"testing"

	"github.com/mlnoga/sourcefind/internal/fits"
	"github.com/mlnoga/sourcefind/internal/gaussfit"
	"github.com/mlnoga/sourcefind/internal/mask"
	"github.com/mlnoga/sourcefind/internal/wcs"
)

func centredFit() gaussfit.Result {
	return gaussfit.Result{
		Params: gaussfit.Params{Peak: 1.0, XBar: 10, YBar: 10, SemiMajor: 2, SemiMinor: 2, Theta: 0},
		Errors: gaussfit.Errors{Peak: 0.01, XBar: 0.1, YBar: 0.1, SemiMajor: 0.1, SemiMinor: 0.1, Theta: 0.01},
	}
}

func testWCS() *wcs.WCS {
	return &wcs.WCS{
		Crval: [2]float64{10, 20},
		Crpix: [2]float64{64, 64},
		Cdelt: [2]float64{-1.0 / 3600, 1.0 / 3600},
		Ctype: [2]string{"RA---SIN", "DEC--SIN"},
	}
}

func TestAssembleAcceptsWellInsideSource(t *testing.T) {
	m := mask.New(128, 128)
	fit := centredFit()
	beam := fits.Beam{SemiMajorPx: 2, SemiMinorPx: 2}
	det, err := Assemble(fit, 54, 54, beam, testWCS(), fits.Systematics{}, m, make([]float32, 441), make([]float32, 441))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if det.XPix != 64 || det.YPix != 64 {
		t.Fatalf("expected pixel coords (64,64), got (%f,%f)", det.XPix, det.YPix)
	}
}

func TestAssembleRejectsSemiAxisOffImage(t *testing.T) {
	m := mask.New(10, 10)
	fit := centredFit()
	fit.Params.XBar, fit.Params.YBar = 1, 1 // near the corner
	fit.Params.SemiMajor = 5                // axis extends off a 10x10 image
	beam := fits.Beam{SemiMajorPx: 2, SemiMinorPx: 2}
	_, err := Assemble(fit, 0, 0, beam, testWCS(), fits.Systematics{}, m, nil, nil)
	if err != ErrUnusable {
		t.Fatalf("expected ErrUnusable, got %v", err)
	}
}

func TestAssembleRejectsMaskedEndpoint(t *testing.T) {
	m := mask.New(20, 20)
	for y := 0; y < 20; y++ {
		m.Set(16, y) // mask a vertical strip where the semi-major axis endpoint (10+6, 10) lands
	}
	fit := centredFit()
	fit.Params.XBar, fit.Params.YBar = 10, 10
	fit.Params.SemiMajor = 6
	beam := fits.Beam{SemiMajorPx: 2, SemiMinorPx: 2}
	_, err := Assemble(fit, 0, 0, beam, testWCS(), fits.Systematics{}, m, nil, nil)
	if err != ErrUnusable {
		t.Fatalf("expected ErrUnusable for masked endpoint, got %v", err)
	}
}
