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

// Package median implements windowed median filtering of 2D float32
// grids, used by the background grid interpolator (spec component C4)
// to smooth the coarse background/RMS grid before interpolation.
package median

import (
	"math"

	"github.com/mlnoga/sourcefind/internal/qsort"
)

// FilterGrid applies a square median filter of the given odd window
// size to a width x height grid stored row-major in data, writing the
// result to output (which must have the same length as data). Pixels
// within window/2 of the border copy the input unchanged, matching the
// "nearest" boundary convention used elsewhere in the interpolator.
// masked, if non-nil, marks cells to exclude from the window (1=masked);
// a window with no unmasked cells copies the input value through.
func FilterGrid(output, data []float32, masked []uint8, width, height, window int) {
	if window <= 1 {
		copy(output, data)
		return
	}
	half := window / 2
	gathered := make([]float32, 0, window*window)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := y*width + x
			if x < half || x >= width-half || y < half || y >= height-half {
				output[idx] = data[idx]
				continue
			}
			gathered = gathered[:0]
			for wy := y - half; wy <= y+half; wy++ {
				for wx := x - half; wx <= x+half; wx++ {
					widx := wy*width + wx
					if masked != nil && masked[widx] != 0 {
						continue
					}
					gathered = append(gathered, data[widx])
				}
			}
			if len(gathered) == 0 {
				output[idx] = data[idx]
				continue
			}
			output[idx] = MedianFloat32(gathered)
		}
	}
}

// MedianFloat32Slice9 calculates the median of a float32 slice of length
// nine, modifying the elements in place.
// From https://stackoverflow.com/questions/45453537/optimal-9-element-sorting-network-that-reduces-to-an-optimal-median-of-9-network
// Array must not contain IEEE NaN.
func MedianFloat32Slice9(a []float32) float32 { // 30x min/max
	if a[0] > a[1] {
		a[0], a[1] = a[1], a[0]
	}
	if a[3] > a[4] {
		a[3], a[4] = a[4], a[3]
	}
	if a[6] > a[7] {
		a[6], a[7] = a[7], a[6]
	}
	if a[1] > a[2] {
		a[1], a[2] = a[2], a[1]
	}
	if a[4] > a[5] {
		a[4], a[5] = a[5], a[4]
	}
	if a[7] > a[8] {
		a[7], a[8] = a[8], a[7]
	}
	if a[0] > a[1] {
		a[0], a[1] = a[1], a[0]
	}
	if a[3] > a[4] {
		a[3], a[4] = a[4], a[3]
	}
	if a[6] > a[7] {
		a[6], a[7] = a[7], a[6]
	}
	if a[0] > a[3] {
		a[3] = a[0]
	}
	if a[3] > a[6] {
		a[6] = a[3]
	}
	if a[1] > a[4] {
		a[1], a[4] = a[4], a[1]
	}
	if a[4] > a[7] {
		a[4] = a[7]
	}
	if a[1] > a[4] {
		a[4] = a[1]
	}
	if a[5] > a[8] {
		a[5] = a[8]
	}
	if a[2] > a[5] {
		a[2] = a[5]
	}
	if a[2] > a[4] {
		a[2], a[4] = a[4], a[2]
	}
	if a[4] > a[6] {
		a[4] = a[6]
	}
	if a[2] > a[4] {
		a[4] = a[2]
	}
	return a[4]
}

// MedianFloat32 calculates the median of a float32 slice, modifying the
// elements in place. Array must not contain IEEE NaN.
func MedianFloat32(a []float32) float32 {
	if len(a) == 0 {
		return float32(math.NaN())
	}
	if len(a) == 9 {
		return MedianFloat32Slice9(a)
	}
	return qsort.QSelectMedianFloat32(a)
}
