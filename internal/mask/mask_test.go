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

package mask

import (
	"testing"

	"github.com/mlnoga/sourcefind/internal/fits"
	"github.com/mlnoga/sourcefind/internal/wcs"
)

func newTestImage(w, h int) *fits.Image {
	pixels := make([]float32, w*h)
	for i := range pixels {
		pixels[i] = 1.0
	}
	return &fits.Image{
		Width: w, Height: h, Pixels: pixels,
		WCS: &wcs.WCS{
			Crval: [2]float64{10, 20},
			Crpix: [2]float64{float64(w)/2 + 1, float64(h)/2 + 1},
			Cdelt: [2]float64{-1.0 / 3600, 1.0 / 3600},
			Ctype: [2]string{"RA---SIN", "DEC--SIN"},
		},
	}
}

func TestBuildZeroMasksAllZeroPixels(t *testing.T) {
	img := newTestImage(10, 10)
	img.Pixels[5] = 0
	m := Build(img, Params{}, nil)
	if !m.At(5, 0) {
		t.Fatal("zero pixel should be masked")
	}
	if m.At(6, 0) {
		t.Fatal("nonzero pixel should not be masked")
	}
}

func TestBuildMargin(t *testing.T) {
	img := newTestImage(10, 10)
	m := Build(img, Params{Margin: 2}, nil)
	if !m.At(0, 0) || !m.At(1, 5) {
		t.Fatal("margin pixels should be masked")
	}
	if m.At(5, 5) {
		t.Fatal("interior pixel should not be masked by margin")
	}
}

func TestBuildRadius(t *testing.T) {
	img := newTestImage(20, 20)
	m := Build(img, Params{Radius: 5}, nil)
	if m.At(10, 10) {
		t.Fatal("centre pixel should not be masked by radius")
	}
	if !m.At(0, 0) {
		t.Fatal("corner pixel should be masked by radius")
	}
}

func TestBuildAllZeroImageMasksEverything(t *testing.T) {
	img := newTestImage(5, 5)
	for i := range img.Pixels {
		img.Pixels[i] = 0
	}
	m := Build(img, Params{}, nil)
	if m.CountUnmasked() != 0 {
		t.Fatalf("all-zero image should be fully masked, got %d unmasked", m.CountUnmasked())
	}
}
