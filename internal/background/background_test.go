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

package background

import (
	"math"
	"testing"

	"github.com/mlnoga/sourcefind/internal/fits"
	"github.com/mlnoga/sourcefind/internal/mask"
)

func flatImage(w, h int, v float32) *fits.Image {
	pixels := make([]float32, w*h)
	for i := range pixels {
		pixels[i] = v
	}
	return &fits.Image{Width: w, Height: h, Pixels: pixels}
}

func TestFindBBoxFullyUnmasked(t *testing.T) {
	m := mask.New(10, 10)
	b := FindBBox(m)
	if b.X0 != 0 || b.Y0 != 0 || b.X1 != 10 || b.Y1 != 10 {
		t.Fatalf("unexpected bbox %+v", b)
	}
}

func TestEstimateTilesConstantImage(t *testing.T) {
	img := flatImage(16, 16, 5.0)
	m := mask.New(16, 16)
	bbox := FindBBox(m)
	bg, rms := EstimateTiles(img, m, bbox, 8, 8)
	for i, v := range bg.Values {
		if math.Abs(float64(v-5.0)) > 1e-4 {
			t.Fatalf("tile %d bg got %f want 5.0", i, v)
		}
		if rms.Values[i] != 0 {
			t.Fatalf("tile %d rms got %f want 0", i, rms.Values[i])
		}
	}
}

func TestEstimateTilesAllMaskedTile(t *testing.T) {
	img := flatImage(8, 8, 1.0)
	m := mask.New(8, 8)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			m.Set(x, y)
		}
	}
	bbox := BBox{X0: 0, Y0: 0, X1: 8, Y1: 8}
	bg, rms := EstimateTiles(img, m, bbox, 4, 4)
	if !bg.AllMasked() || !rms.AllMasked() {
		t.Fatal("fully masked image should yield fully masked grids")
	}
}

func TestInterpolateConstantGridReproducesValue(t *testing.T) {
	grid := newGrid(4, 4)
	for i := range grid.Values {
		grid.Values[i] = 7.0
	}
	bbox := BBox{X0: 0, Y0: 0, X1: 16, Y1: 16}
	full := Interpolate(grid, 16, 16, bbox, InterpParams{InterpolateOrder: 3})
	for i, v := range full.Values {
		if math.Abs(float64(v-7.0)) > 1e-3 {
			t.Fatalf("cell %d: got %f want 7.0", i, v)
		}
	}
}

func TestInterpolateAllMaskedGridYieldsFullyMaskedOutput(t *testing.T) {
	grid := newGrid(2, 2)
	for i := range grid.Masked {
		grid.Masked[i] = 1
	}
	bbox := BBox{X0: 0, Y0: 0, X1: 8, Y1: 8}
	full := Interpolate(grid, 8, 8, bbox, InterpParams{InterpolateOrder: 3})
	for i, m := range full.Masked {
		if m == 0 {
			t.Fatalf("cell %d should be masked", i)
		}
	}
}

func TestInterpolateRoundUpClampsToMin(t *testing.T) {
	grid := newGrid(2, 2)
	grid.Values = []float32{1, 1, 1, 1}
	bbox := BBox{X0: 0, Y0: 0, X1: 4, Y1: 4}
	full := Interpolate(grid, 4, 4, bbox, InterpParams{InterpolateOrder: 1, RoundUp: true})
	for i, v := range full.Values {
		if v < 1.0-1e-6 {
			t.Fatalf("cell %d: got %f below round-up floor 1.0", i, v)
		}
	}
}
