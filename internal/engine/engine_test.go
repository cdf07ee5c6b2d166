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

package engine

import (
	"math"
	"testing"

	"github.com/mlnoga/sourcefind/internal/fits"
	"github.com/mlnoga/sourcefind/internal/wcs"
)

// gaussianSource renders a single elliptical Gaussian with a small
// deterministic pseudo-noise floor, so tile RMS estimation has a
// non-degenerate (non-zero) sample to work with.
func gaussianSource(width, height int, peak float64, cx, cy, sigma float64) []float32 {
	out := make([]float32, width*height)
	state := uint32(12345)
	next := func() float64 {
		state = state*1664525 + 1013904223
		return float64(state)/float64(1<<32) - 0.5
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			v := peak*math.Exp(-0.5*(dx*dx+dy*dy)/(sigma*sigma)) + 0.02*next()
			out[y*width+x] = float32(v)
		}
	}
	return out
}

func testImage(width, height int, pixels []float32) *fits.Image {
	return &fits.Image{
		Width: width, Height: height, Pixels: pixels,
		Beam: fits.Beam{SemiMajorPx: 2, SemiMinorPx: 2},
		WCS: &wcs.WCS{
			Crval: [2]float64{10, 20}, Crpix: [2]float64{float64(width) / 2, float64(height) / 2},
			Cdelt: [2]float64{-1.0 / 3600, 1.0 / 3600}, Ctype: [2]string{"RA---SIN", "DEC--SIN"},
		},
	}
}

func TestExtractBlindRecoversInjectedSource(t *testing.T) {
	w, h := 64, 64
	pixels := gaussianSource(w, h, 5.0, 32, 32, 2.0)
	img := testImage(w, h, pixels)

	eng := New(img, DefaultParams(), nil)
	dt, at := 3.0, 2.0
	detections, err := eng.ExtractBlind(&dt, &at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(detections) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(detections))
	}
	if math.Abs(detections[0].XPix-32) > 1 || math.Abs(detections[0].YPix-32) > 1 {
		t.Errorf("expected source near (32,32), got (%f,%f)", detections[0].XPix, detections[0].YPix)
	}
}

func TestExtractBlindFindsNothingOnFlatImage(t *testing.T) {
	w, h := 32, 32
	img := testImage(w, h, make([]float32, w*h))

	eng := New(img, DefaultParams(), nil)
	dt, at := 10.0, 3.0
	detections, err := eng.ExtractBlind(&dt, &at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(detections) != 0 {
		t.Errorf("expected no detections on a flat image, got %d", len(detections))
	}
}

func TestSetRmsMapRejectsNegativeValues(t *testing.T) {
	w, h := 16, 16
	img := testImage(w, h, make([]float32, w*h))
	eng := New(img, DefaultParams(), nil)

	values := make([]float32, w*h)
	values[0] = -1
	if err := eng.SetRmsMap(values); err != ErrInvalidNoise {
		t.Fatalf("expected ErrInvalidNoise, got %v", err)
	}
}

func TestSetBgMapRejectsShapeMismatch(t *testing.T) {
	w, h := 16, 16
	img := testImage(w, h, make([]float32, w*h))
	eng := New(img, DefaultParams(), nil)

	if err := eng.SetBgMap(make([]float32, 4)); err != ErrShapeMismatch {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestExtractNegativeFindsInjectedNegativeDip(t *testing.T) {
	w, h := 64, 64
	pixels := gaussianSource(w, h, -6.0, 32, 32, 2.0)
	img := testImage(w, h, pixels)

	eng := New(img, DefaultParams(), nil)
	dt := 3.0
	detections, err := eng.ExtractNegative(&dt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(detections) != 1 {
		t.Fatalf("expected 1 detection in the negated image, got %d", len(detections))
	}

	// the engine's own state must not carry the sign flip forward
	again, err := eng.ExtractBlind(&dt, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected no positive detections after ExtractNegative restored state, got %d", len(again))
	}
}

func TestFitAtPositionsRecoversKnownSource(t *testing.T) {
	w, h := 64, 64
	pixels := gaussianSource(w, h, 5.0, 32, 32, 2.0)
	img := testImage(w, h, pixels)

	eng := New(img, DefaultParams(), nil)
	ra, dec, err := img.WCS.P2S(32, 32)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	detections, err := eng.FitAtPositions([][2]float64{{ra, dec}}, 21, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(detections) != 1 {
		t.Fatalf("expected 1 forced detection, got %d", len(detections))
	}
}

func TestClearCacheDropsDerivedProducts(t *testing.T) {
	w, h := 32, 32
	img := testImage(w, h, make([]float32, w*h))
	eng := New(img, DefaultParams(), nil)
	_ = eng.Mask()
	if eng.mask == nil {
		t.Fatal("expected mask to be cached")
	}
	eng.ClearCache()
	if eng.mask != nil {
		t.Error("expected ClearCache to drop the cached mask")
	}
}
