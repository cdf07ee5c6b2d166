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

package median

import "testing"

func TestFilterGridConstant(t *testing.T) {
	width, height := 5, 5
	data := make([]float32, width*height)
	for i := range data {
		data[i] = 3.0
	}
	output := make([]float32, width*height)
	FilterGrid(output, data, nil, width, height, 3)
	for i, v := range output {
		if v != 3.0 {
			t.Fatalf("cell %d: got %f want 3.0", i, v)
		}
	}
}

func TestFilterGridBorderUnchanged(t *testing.T) {
	width, height := 4, 4
	data := make([]float32, width*height)
	for i := range data {
		data[i] = float32(i)
	}
	output := make([]float32, width*height)
	FilterGrid(output, data, nil, width, height, 3)
	for x := 0; x < width; x++ {
		if output[x] != data[x] {
			t.Fatalf("top row should be unchanged at x=%d", x)
		}
	}
}

func TestFilterGridRemovesSpike(t *testing.T) {
	width, height := 5, 5
	data := make([]float32, width*height)
	output := make([]float32, width*height)
	data[2*width+2] = 1000.0 // single spike in the interior
	FilterGrid(output, data, nil, width, height, 3)
	if output[2*width+2] != 0 {
		t.Fatalf("spike not suppressed: got %f", output[2*width+2])
	}
}

func TestFilterGridRespectsMask(t *testing.T) {
	width, height := 3, 3
	data := []float32{1, 1, 1, 1, 100, 1, 1, 1, 1}
	masked := make([]uint8, width*height)
	masked[4] = 1 // mask out the center cell itself; neighbours still feed the window
	output := make([]float32, width*height)
	FilterGrid(output, data, masked, width, height, 3)
	if output[4] != 1 {
		t.Fatalf("masked center cell should pick median of unmasked neighbours: got %f", output[4])
	}
}
