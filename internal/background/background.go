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

// Package background implements the tile estimator (spec component C3)
// and the grid interpolator (spec component C4): a coarse background
// and RMS grid built by sigma-clipping tiled sub-blocks, and a
// full-resolution reconstruction via median pre-filtering plus bicubic
// interpolation.
package background

import (
	"math"

	"github.com/mlnoga/sourcefind/internal/fits"
	"github.com/mlnoga/sourcefind/internal/mask"
	"github.com/mlnoga/sourcefind/internal/median"
	"github.com/mlnoga/sourcefind/internal/stats"
)

// BBox is the tightest axis-aligned bounding box of the unmasked
// region, in full-image pixel coordinates, half-open on X1/Y1.
type BBox struct {
	X0, Y0, X1, Y1 int
}

func (b BBox) Width() int  { return b.X1 - b.X0 }
func (b BBox) Height() int { return b.Y1 - b.Y0 }

// Grid is a coarse masked array of per-tile statistics.
type Grid struct {
	Width, Height int
	Values        []float32
	Masked        []uint8 // 1 = tile fully masked/zero
}

func newGrid(w, h int) *Grid {
	return &Grid{Width: w, Height: h, Values: make([]float32, w*h), Masked: make([]uint8, w*h)}
}

// AllMasked reports whether every cell of g is masked.
func (g *Grid) AllMasked() bool {
	for _, m := range g.Masked {
		if m == 0 {
			return false
		}
	}
	return true
}

// MinUnmasked returns the minimum value among unmasked cells, and
// whether any unmasked cell exists.
func (g *Grid) MinUnmasked() (float32, bool) {
	min := float32(math.Inf(1))
	found := false
	for i, v := range g.Values {
		if g.Masked[i] != 0 {
			continue
		}
		if !found || v < min {
			min = v
			found = true
		}
	}
	return min, found
}

// FindBBox computes the tightest axis-aligned bounding box of the
// unmasked region of m. Returns a zero-sized box at the origin if
// everything is masked.
func FindBBox(m *mask.Mask) BBox {
	x0, y0 := m.Width, m.Height
	x1, y1 := 0, 0
	any := false
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if m.At(x, y) {
				continue
			}
			any = true
			if x < x0 {
				x0 = x
			}
			if x+1 > x1 {
				x1 = x + 1
			}
			if y < y0 {
				y0 = y
			}
			if y+1 > y1 {
				y1 = y + 1
			}
		}
	}
	if !any {
		return BBox{}
	}
	return BBox{X0: x0, Y0: y0, X1: x1, Y1: y1}
}

// EstimateTiles partitions bbox into tileW x tileH tiles, row-major,
// left-to-right top-to-bottom, and computes the coarse background and
// RMS grids per spec component C3. Tiles at the right/bottom boundary
// of bbox are truncated to the bounding box.
func EstimateTiles(img *fits.Image, m *mask.Mask, bbox BBox, tileW, tileH int) (bg, rms *Grid) {
	if tileW <= 0 {
		tileW = 1
	}
	if tileH <= 0 {
		tileH = 1
	}
	gw := (bbox.Width() + tileW - 1) / tileW
	gh := (bbox.Height() + tileH - 1) / tileH
	if gw <= 0 {
		gw = 1
	}
	if gh <= 0 {
		gh = 1
	}
	bg, rms = newGrid(gw, gh), newGrid(gw, gh)

	sample := make([]float32, 0, tileW*tileH)
	for ty := 0; ty < gh; ty++ {
		y0 := bbox.Y0 + ty*tileH
		y1 := y0 + tileH
		if y1 > bbox.Y1 {
			y1 = bbox.Y1
		}
		for tx := 0; tx < gw; tx++ {
			x0 := bbox.X0 + tx*tileW
			x1 := x0 + tileW
			if x1 > bbox.X1 {
				x1 = bbox.X1
			}

			sample = sample[:0]
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					if m.At(x, y) {
						continue
					}
					sample = append(sample, img.At(x, y))
				}
			}

			idx := ty*gw + tx
			if len(sample) == 0 {
				bg.Masked[idx] = 1
				rms.Masked[idx] = 1
				continue
			}

			res := stats.Clip(sample, img.Beam)
			rms.Values[idx] = res.Sigma

			mean := stats.Mean(res.Clipped)
			var bgVal float32
			if res.Sigma == 0 || float32(math.Abs(float64(mean-res.Median)))/res.Sigma >= 0.3 {
				bgVal = res.Median // crowded-field heuristic
			} else {
				bgVal = 2.5*res.Median - 1.5*mean // SExtractor skewness-corrected mean
			}
			bg.Values[idx] = bgVal
		}
	}
	return bg, rms
}

// InterpParams configures the grid interpolator.
type InterpParams struct {
	MedianFilter     int     // window size, 0 = off
	MFThreshold      float32 // 0 = replace unconditionally
	InterpolateOrder int     // 1 = bilinear, >=3 = bicubic
	RoundUp          bool    // clamp output >= min(coarse grid), used for RMS
}

// Full is a full-resolution masked array produced by the interpolator.
type Full struct {
	Width, Height int
	Values        []float32
	Masked        []uint8
}

// Interpolate reconstructs a full-image-sized map from a coarse grid
// per spec component C4: optional median pre-filtering, bicubic (or
// bilinear) resampling onto the bounding box, "nearest" boundary
// handling, and an optional round-up clamp.
func Interpolate(grid *Grid, fullW, fullH int, bbox BBox, p InterpParams) *Full {
	out := &Full{Width: fullW, Height: fullH, Values: make([]float32, fullW*fullH), Masked: make([]uint8, fullW*fullH)}
	for i := range out.Masked {
		out.Masked[i] = 1
	}

	if grid.AllMasked() {
		return out
	}

	work := grid.Values
	if p.MedianFilter > 0 {
		filtered := make([]float32, len(grid.Values))
		median.FilterGrid(filtered, grid.Values, grid.Masked, grid.Width, grid.Height, p.MedianFilter)
		if p.MFThreshold > 0 {
			blended := make([]float32, len(grid.Values))
			copy(blended, grid.Values)
			for i := range blended {
				if float32(math.Abs(float64(filtered[i]-grid.Values[i]))) > p.MFThreshold {
					blended[i] = filtered[i]
				}
			}
			work = blended
		} else {
			work = filtered
		}
	}

	// fill masked coarse cells with their nearest unmasked neighbour so
	// the interpolation kernel always has real values to work with; the
	// result is reported unmasked except when the entire grid is masked
	// (handled above).
	filled := fillMasked(work, grid.Masked, grid.Width, grid.Height)

	bboxW, bboxH := bbox.Width(), bbox.Height()
	backSizeX := float64(bboxW) / float64(grid.Width)
	backSizeY := float64(bboxH) / float64(grid.Height)

	sample := bilinearSample
	if p.InterpolateOrder >= 3 {
		sample = bicubicSample
	}

	minVal, haveMin := grid.MinUnmasked()

	for oy := 0; oy < bboxH; oy++ {
		gy := -0.5 + float64(oy)/backSizeY
		for ox := 0; ox < bboxW; ox++ {
			gx := -0.5 + float64(ox)/backSizeX
			v := sample(filled, grid.Width, grid.Height, gx, gy)
			if p.RoundUp && haveMin && v < minVal {
				v = minVal
			}
			fx, fy := bbox.X0+ox, bbox.Y0+oy
			idx := fy*fullW + fx
			out.Values[idx] = v
			out.Masked[idx] = 0
		}
	}
	return out
}

func fillMasked(values []float32, masked []uint8, w, h int) []float32 {
	out := make([]float32, len(values))
	copy(out, values)
	for i, m := range masked {
		if m == 0 {
			continue
		}
		y, x := i/w, i%w
		if v, ok := nearestUnmasked(masked, values, w, h, x, y); ok {
			out[i] = v
		}
	}
	return out
}

func nearestUnmasked(masked []uint8, values []float32, w, h, x, y int) (float32, bool) {
	for radius := 1; radius < w+h; radius++ {
		for dy := -radius; dy <= radius; dy++ {
			ny := y + dy
			if ny < 0 || ny >= h {
				continue
			}
			for dx := -radius; dx <= radius; dx++ {
				if dx != -radius && dx != radius && dy != -radius && dy != radius {
					continue
				}
				nx := x + dx
				if nx < 0 || nx >= w {
					continue
				}
				if masked[ny*w+nx] == 0 {
					return values[ny*w+nx], true
				}
			}
		}
	}
	return 0, false
}

func clampIdx(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func at(grid []float32, w, h, x, y int) float32 {
	x = clampIdx(x, 0, w-1)
	y = clampIdx(y, 0, h-1)
	return grid[y*w+x]
}

func bilinearSample(grid []float32, w, h int, gx, gy float64) float32 {
	x0, y0 := int(math.Floor(gx)), int(math.Floor(gy))
	fx, fy := gx-float64(x0), gy-float64(y0)
	v00 := float64(at(grid, w, h, x0, y0))
	v10 := float64(at(grid, w, h, x0+1, y0))
	v01 := float64(at(grid, w, h, x0, y0+1))
	v11 := float64(at(grid, w, h, x0+1, y0+1))
	top := v00 + (v10-v00)*fx
	bot := v01 + (v11-v01)*fx
	return float32(top + (bot-top)*fy)
}

// cubicKernel implements the Keys (1981) cubic convolution kernel with
// a=-0.5, matching common bicubic interpolation conventions.
func cubicKernel(t float64) float64 {
	const a = -0.5
	t = math.Abs(t)
	switch {
	case t <= 1:
		return (a+2)*t*t*t - (a+3)*t*t + 1
	case t < 2:
		return a*t*t*t - 5*a*t*t + 8*a*t - 4*a
	default:
		return 0
	}
}

func bicubicSample(grid []float32, w, h int, gx, gy float64) float32 {
	x0, y0 := int(math.Floor(gx)), int(math.Floor(gy))
	var sum, wsum float64
	for j := -1; j <= 2; j++ {
		wy := cubicKernel(gy - float64(y0+j))
		for i := -1; i <= 2; i++ {
			wx := cubicKernel(gx - float64(x0+i))
			wgt := wx * wy
			sum += wgt * float64(at(grid, w, h, x0+i, y0+j))
			wsum += wgt
		}
	}
	if wsum == 0 {
		return at(grid, w, h, x0, y0)
	}
	return float32(sum / wsum)
}
