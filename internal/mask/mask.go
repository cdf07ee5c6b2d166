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

// Package mask builds the boolean mask that hides unreliable pixels:
// projection-degraded, margin, radius and zero/NaN pixels (spec
// component C1).
package mask

import (
	"fmt"
	"io"
	"math"

	"github.com/mlnoga/sourcefind/internal/fits"
	"github.com/mlnoga/sourcefind/internal/wcs"
)

// Params configures the masking layer.
type Params struct {
	Margin         int     // border width masked out, pixels
	Radius         float64 // max radial distance from image centre retained, 0=disabled
	MaxDegradation float64 // max tolerated projection distortion, 0=disabled
}

// Mask is a boolean validity bitmap over an image, row-major, one byte
// per pixel: 0 means unmasked/valid, 1 means masked/invalid. It
// implements the masked-array convention used throughout the engine: a
// struct of (conceptual) parallel values+mask rather than NaN
// propagation.
type Mask struct {
	Width, Height int
	Bits          []uint8
}

// New allocates an all-unmasked mask of the given size.
func New(width, height int) *Mask {
	return &Mask{Width: width, Height: height, Bits: make([]uint8, width*height)}
}

// At reports whether pixel (x,y) is masked.
func (m *Mask) At(x, y int) bool {
	return m.Bits[y*m.Width+x] != 0
}

// Set marks pixel (x,y) as masked.
func (m *Mask) Set(x, y int) {
	m.Bits[y*m.Width+x] = 1
}

// OrWith marks every pixel masked in other as masked in m. Both masks
// must have identical dimensions.
func (m *Mask) OrWith(other *Mask) {
	for i, b := range other.Bits {
		if b != 0 {
			m.Bits[i] = 1
		}
	}
}

// CountUnmasked returns the number of unmasked pixels.
func (m *Mask) CountUnmasked() int {
	n := 0
	for _, b := range m.Bits {
		if b == 0 {
			n++
		}
	}
	return n
}

// Build constructs the full C1 mask for img under params, logging the
// non-SIN reliable-window warning (if applicable) to logWriter exactly
// once.
func Build(img *fits.Image, p Params, logWriter io.Writer) *Mask {
	m := New(img.Width, img.Height)

	applyReliableWindow(m, img, p.MaxDegradation, logWriter)
	applyMargin(m, p.Margin)
	applyRadius(m, p.Radius)
	applyZeroNaN(m, img)

	return m
}

// applyReliableWindow masks everything outside the SIN-projection
// reliable window. For non-SIN projections with MaxDegradation set, it
// emits a warning and leaves the window unrestricted (the full image
// remains retained, consistent with the other mask terms still
// applying independently).
func applyReliableWindow(m *Mask, img *fits.Image, maxDegradation float64, logWriter io.Writer) {
	if maxDegradation <= 0 {
		return
	}
	if !img.WCS.IsSIN() {
		if logWriter != nil {
			fmt.Fprintf(logWriter, "mask: max_degradation set on non-SIN projection, retaining full image\n")
		}
		return
	}

	phiMax := math.Acos(1.0 / (1.0 + maxDegradation))
	c := 0.5 * math.Sqrt2 * math.Sin(phiMax)

	dra, ddec := img.WCS.PixelScaleDeg()
	draRad := dra * math.Pi / 180.0
	ddecRad := ddec * math.Pi / 180.0
	if draRad == 0 || ddecRad == 0 {
		return
	}
	deltaRa := int(math.Floor(c / draRad))
	deltaDec := int(math.Floor(c / ddecRad))

	cx, cy := crpixCenter(img)
	xmin, xmax := clamp(cx-deltaRa, 0, img.Width), clamp(cx+deltaRa, 0, img.Width)
	ymin, ymax := clamp(cy-deltaDec, 0, img.Height), clamp(cy+deltaDec, 0, img.Height)

	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			if x < xmin || x >= xmax || y < ymin || y >= ymax {
				m.Set(x, y)
			}
		}
	}
}

// crpixCenter derives the reference pixel in 0-based coordinates by
// probing the image's own sky-to-pixel transform at its declared RA/Dec
// reference value. A fits.WCS implementation other than *wcs.WCS does
// not expose that value, and then the image centre is used instead.
func crpixCenter(img *fits.Image) (int, int) {
	cx, cy := img.Width/2, img.Height/2
	w, ok := img.WCS.(*wcs.WCS)
	if !ok {
		return cx, cy
	}
	px, py, err := w.S2P(w.Crval[0], w.Crval[1])
	if err != nil {
		return cx, cy
	}
	return int(math.Round(px)), int(math.Round(py))
}

func applyMargin(m *Mask, margin int) {
	if margin <= 0 {
		return
	}
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if x < margin || x >= m.Width-margin || y < margin || y >= m.Height-margin {
				m.Set(x, y)
			}
		}
	}
}

func applyRadius(m *Mask, radius float64) {
	if radius <= 0 {
		return
	}
	cx, cy := float64(m.Width)/2.0, float64(m.Height)/2.0
	r2 := radius * radius
	for y := 0; y < m.Height; y++ {
		dy := float64(y) - cy
		for x := 0; x < m.Width; x++ {
			dx := float64(x) - cx
			if dx*dx+dy*dy > r2 {
				m.Set(x, y)
			}
		}
	}
}

func applyZeroNaN(m *Mask, img *fits.Image) {
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			v := img.At(x, y)
			if v == 0 || math.IsNaN(float64(v)) {
				m.Set(x, y)
			}
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
