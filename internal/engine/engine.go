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

// Package engine implements the engine façade (spec component C10): it
// holds one image and its configuration, lazily derives and caches the
// C1-C4 products, and exposes the public extraction operations.
package engine

import (
	"errors"
	"fmt"
	"io"

	"github.com/pbnjay/memory"

	"github.com/mlnoga/sourcefind/internal/background"
	"github.com/mlnoga/sourcefind/internal/extract"
	"github.com/mlnoga/sourcefind/internal/fdr"
	"github.com/mlnoga/sourcefind/internal/fits"
	"github.com/mlnoga/sourcefind/internal/gaussfit"
	"github.com/mlnoga/sourcefind/internal/islands"
	"github.com/mlnoga/sourcefind/internal/mask"
	"github.com/mlnoga/sourcefind/internal/stats"
	"github.com/mlnoga/sourcefind/internal/wcs"
)

// Sentinel errors, per the external error-handling contract.
var (
	ErrShapeMismatch = errors.New("engine: override shape does not match image shape")
	ErrInvalidNoise  = errors.New("engine: rms map contains negative values")
	ErrAllMasked     = errors.New("engine: no usable pixels")
	ErrUnknownOption = errors.New("engine: unknown configuration option")

	// ErrMomentsNotApplicable and ErrFitFailed are re-exported from
	// gaussfit so callers need only import engine's error set.
	ErrMomentsNotApplicable = gaussfit.ErrMomentsNotApplicable
	ErrFitFailed            = gaussfit.ErrFitFailed
	// ErrOutOfProjection is re-exported from wcs.
	ErrOutOfProjection = wcs.ErrOutOfProjection
)

// labelCacheMaxEntries bounds label_maps[threshold] using a physical
// memory fraction heuristic, the same style of sizing the teacher
// applies to its own bounded stacking buffers.
func labelCacheMaxEntries(width, height int) int {
	total := memory.TotalMemory()
	if total == 0 {
		return 16
	}
	bytesPerEntry := uint64(width*height) * 8 // labelMap []int, 8 bytes/cell
	budget := total / 200                     // cap at 0.5% of physical memory
	n := int(budget / bytesPerEntry)
	if n < 4 {
		n = 4
	}
	if n > 256 {
		n = 256
	}
	return n
}

// Engine is the per-image façade holding lazily-derived caches.
type Engine struct {
	Image  *fits.Image
	Params Params

	logWriter io.Writer

	mask         *mask.Mask
	coarseBG     *background.Grid
	coarseRMS    *background.Grid
	bbox         background.BBox
	bgMap        *background.Full
	rmsMap       *background.Full
	bgSubtracted []float32

	labelMaps    map[float64]islands.LabelResult
	labelOrder   []float64
	labelMaxSize int
}

// New constructs an engine over img with the given parameters.
func New(img *fits.Image, p Params, logWriter io.Writer) *Engine {
	return &Engine{
		Image: img, Params: p, logWriter: logWriter,
		labelMaps:    make(map[float64]islands.LabelResult),
		labelMaxSize: labelCacheMaxEntries(img.Width, img.Height),
	}
}

// ClearCache drops all derived products.
func (e *Engine) ClearCache() {
	e.mask = nil
	e.coarseBG, e.coarseRMS = nil, nil
	e.bgMap, e.rmsMap = nil, nil
	e.bgSubtracted = nil
	e.labelMaps = make(map[float64]islands.LabelResult)
	e.labelOrder = nil
}

// Mask returns the lazily-built C1 mask.
func (e *Engine) Mask() *mask.Mask {
	if e.mask == nil {
		e.mask = mask.Build(e.Image, mask.Params{
			Margin: e.Params.Margin, Radius: e.Params.Radius, MaxDegradation: e.Params.MaxDegradation,
		}, e.logWriter)
	}
	return e.mask
}

func (e *Engine) coarseGrids() (*background.Grid, *background.Grid, background.BBox) {
	if e.coarseBG == nil {
		m := e.Mask()
		e.bbox = background.FindBBox(m)
		e.coarseBG, e.coarseRMS = background.EstimateTiles(e.Image, m, e.bbox, e.Params.BackSizeX, e.Params.BackSizeY)
	}
	return e.coarseBG, e.coarseRMS, e.bbox
}

// Maps returns the lazily-interpolated full-resolution background and
// RMS maps (C4).
func (e *Engine) Maps() (*background.Full, *background.Full) {
	if e.bgMap == nil || e.rmsMap == nil {
		bg, rms, bbox := e.coarseGrids()
		e.bgMap = background.Interpolate(bg, e.Image.Width, e.Image.Height, bbox, background.InterpParams{
			MedianFilter: e.Params.MedianFilter, MFThreshold: float32(e.Params.MFThreshold),
			InterpolateOrder: e.Params.InterpolateOrder, RoundUp: false,
		})
		e.rmsMap = background.Interpolate(rms, e.Image.Width, e.Image.Height, bbox, background.InterpParams{
			MedianFilter: e.Params.MedianFilter, MFThreshold: float32(e.Params.MFThreshold),
			InterpolateOrder: e.Params.InterpolateOrder, RoundUp: true,
		})
	}
	return e.bgMap, e.rmsMap
}

// BgSubtracted returns the lazily-computed background-subtracted image.
func (e *Engine) BgSubtracted() []float32 {
	if e.bgSubtracted == nil {
		bgMap, _ := e.Maps()
		out := make([]float32, len(e.Image.Pixels))
		for i, v := range e.Image.Pixels {
			out[i] = v - bgMap.Values[i]
		}
		e.bgSubtracted = out
	}
	return e.bgSubtracted
}

// SetBgMap overrides the background map, validating shape and
// invalidating dependent caches.
func (e *Engine) SetBgMap(values []float32) error {
	if len(values) != e.Image.Width*e.Image.Height {
		return ErrShapeMismatch
	}
	masked := make([]uint8, len(values))
	e.bgMap = &background.Full{Width: e.Image.Width, Height: e.Image.Height, Values: values, Masked: masked}
	e.invalidateDependents()
	return nil
}

// SetRmsMap overrides the RMS map, validating shape and non-negativity,
// and invalidating dependent caches.
func (e *Engine) SetRmsMap(values []float32) error {
	if len(values) != e.Image.Width*e.Image.Height {
		return ErrShapeMismatch
	}
	for _, v := range values {
		if v < 0 {
			return ErrInvalidNoise
		}
	}
	masked := make([]uint8, len(values))
	e.rmsMap = &background.Full{Width: e.Image.Width, Height: e.Image.Height, Values: values, Masked: masked}
	e.invalidateDependents()
	return nil
}

func (e *Engine) invalidateDependents() {
	e.bgSubtracted = nil
	e.labelMaps = make(map[float64]islands.LabelResult)
	e.labelOrder = nil
}

func (e *Engine) labelledAt(analysisThreshold, detectionThreshold float64) islands.LabelResult {
	key := analysisThreshold*1e9 + detectionThreshold
	if lr, ok := e.labelMaps[key]; ok {
		// move key to the most-recently-used end of labelOrder
		for i, k := range e.labelOrder {
			if k == key {
				copy(e.labelOrder[i:], e.labelOrder[i+1:])
				e.labelOrder[len(e.labelOrder)-1] = key
				break
			}
		}
		return lr
	}

	bgSub := e.BgSubtracted()
	_, rms := e.Maps()
	m := e.Mask()

	analysisMap := scaleByRMS(rms.Values, analysisThreshold)
	detectionMap := scaleByRMS(rms.Values, detectionThreshold)

	lr := islands.Label(bgSub, analysisMap, detectionMap, rms.Values, m.Bits, e.Image.Width, e.Image.Height,
		e.Params.StructuringElement, islands.DefaultRMSFloorFraction)

	e.labelMaps[key] = lr
	e.labelOrder = append(e.labelOrder, key)
	if len(e.labelOrder) > e.labelMaxSize {
		oldest := e.labelOrder[0]
		e.labelOrder = e.labelOrder[1:]
		delete(e.labelMaps, oldest)
	}
	return lr
}

func scaleByRMS(rms []float32, multiple float64) []float32 {
	out := make([]float32, len(rms))
	for i, v := range rms {
		out[i] = float32(multiple) * v
	}
	return out
}

// ExtractBlind implements extract_blind: island labelling directly from
// caller-supplied (or default) thresholds.
func (e *Engine) ExtractBlind(detectionThreshold, analysisThreshold *float64) ([]extract.Detection, error) {
	dt := e.Params.DetectionThreshold
	if detectionThreshold != nil {
		dt = *detectionThreshold
	}
	at := e.Params.AnalysisThreshold
	if analysisThreshold != nil {
		at = *analysisThreshold
	}
	return e.extractAtThresholds(at, dt)
}

// ExtractFDR implements extract_fdr: the detection/analysis thresholds
// come from the FDR selector (C6) instead of being supplied directly.
func (e *Engine) ExtractFDR(alpha, analysisThresholdOverride *float64) ([]extract.Detection, error) {
	a := e.Params.FDRAlpha
	if alpha != nil {
		a = *alpha
	}
	bgSub := e.BgSubtracted()
	_, rms := e.Maps()
	res := fdr.Select(bgSub, rms.Values, e.Mask().Bits, e.Image.Beam, a)
	if !res.Found {
		return nil, nil
	}
	at := res.AnalysisThresholdSigma
	if analysisThresholdOverride != nil {
		at = *analysisThresholdOverride
	}
	return e.extractAtThresholds(at, res.DetectionThresholdSigma)
}

func (e *Engine) extractAtThresholds(analysisThreshold, detectionThreshold float64) ([]extract.Detection, error) {
	if e.Mask().CountUnmasked() == 0 {
		return nil, nil
	}
	lr := e.labelledAt(analysisThreshold, detectionThreshold)
	if len(lr.Labels) == 0 {
		return nil, nil
	}

	bgSub := e.BgSubtracted()
	_, rms := e.Maps()
	analysisMap := scaleByRMS(rms.Values, analysisThreshold)

	var detections []extract.Detection
	for _, label := range lr.Labels {
		pixels := pixelsOfLabel(lr, label)
		if e.Params.Deblend && len(pixels) > 0 {
			sub := deblendLabel(bgSub, pixels, lr.Width, lr.Height, analysisMap, e.Params.StructuringElement, e.Params.DeblendNThresh)
			for _, s := range sub {
				if det, ok := e.fitIslandPixels(s, bgSub, rms.Values, analysisMap, gaussfit.FixedNone, gaussfit.Params{}); ok {
					detections = append(detections, det)
				}
			}
			continue
		}
		if det, ok := e.fitIslandPixels(pixels, bgSub, rms.Values, analysisMap, gaussfit.FixedNone, gaussfit.Params{}); ok {
			detections = append(detections, det)
		}
	}
	return detections, nil
}

func pixelsOfLabel(lr islands.LabelResult, label int) []int {
	var out []int
	for i, l := range lr.LabelMap {
		if l == label {
			out = append(out, i)
		}
	}
	return out
}

func deblendLabel(bgSub []float32, pixels []int, width, height int, analysisMap []float32, se islands.StructuringElement, nthresh int) [][]int {
	var peak float32
	var analysisThreshold float32
	first := true
	for _, idx := range pixels {
		if first || bgSub[idx] > peak {
			peak = bgSub[idx]
			first = false
		}
		analysisThreshold = analysisMap[idx]
	}
	return islands.Deblend(bgSub, pixels, width, height, analysisThreshold, peak, se, islands.DeblendParams{
		NThresh: nthresh, MinContrast: islands.DefaultMinContrast,
	})
}

// fitIslandPixels builds an island subarray from a set of full-image
// pixel indices, fits it, and assembles a Detection. Returns ok=false
// when the fit or assembly fails (absorbed per the propagation policy:
// FitFailed and OutOfProjection are logged and the source dropped).
func (e *Engine) fitIslandPixels(pixels []int, bgSub, rmsFull, analysisMap []float32, mode gaussfit.FixedMode, fixedGuess gaussfit.Params) (extract.Detection, bool) {
	if len(pixels) == 0 {
		return extract.Detection{}, false
	}
	minX, minY, maxX, maxY := boundsOf(pixels, e.Image.Width)
	w, h := maxX-minX+1, maxY-minY+1

	island := gaussfit.Island{Width: w, Height: h, Pixels: make([]float32, w*h), RMS: make([]float32, w*h), Masked: make([]uint8, w*h)}
	for i := range island.Masked {
		island.Masked[i] = 1
	}
	for _, idx := range pixels {
		x, y := idx%e.Image.Width, idx/e.Image.Width
		li := (y-minY)*w + (x - minX)
		island.Pixels[li] = bgSub[idx]
		island.RMS[li] = rmsFull[idx]
		island.Masked[li] = 0
	}

	fitted, err := gaussfit.Fit(island, e.Image.Beam, mode, fixedGuess)
	if err != nil {
		if e.logWriter != nil {
			fmt.Fprintf(e.logWriter, "engine: fit failed for island at (%d,%d): %v\n", minX, minY, err)
		}
		return extract.Detection{}, false
	}

	fittedSubarray := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			fittedSubarray[y*w+x] = float32(gaussfit.Eval(fitted.Params, float64(x), float64(y)))
		}
	}

	det, err := extract.Assemble(fitted, minX, minY, e.Image.Beam, e.Image.WCS, e.Image.Systematics, e.Mask(), island.RMS, fittedSubarray)
	if err != nil {
		if e.logWriter != nil {
			fmt.Fprintf(e.logWriter, "engine: detection rejected at (%d,%d): %v\n", minX, minY, err)
		}
		return extract.Detection{}, false
	}
	return det, true
}

func boundsOf(pixels []int, width int) (minX, minY, maxX, maxY int) {
	minX, minY = width, 1<<30
	for _, idx := range pixels {
		x, y := idx%width, idx/width
		if x < minX {
			minX = x
		}
		if x > maxX {
			maxX = x
		}
		if y < minY {
			minY = y
		}
		if y > maxY {
			maxY = y
		}
	}
	return
}

// FitAtPositions implements fit_at_positions: forced photometry at
// caller-supplied sky positions.
func (e *Engine) FitAtPositions(positions [][2]float64, boxSize int, mode gaussfit.FixedMode) ([]extract.Detection, error) {
	bgSub := e.BgSubtracted()
	_, rms := e.Maps()
	analysisMap := scaleByRMS(rms.Values, e.Params.AnalysisThreshold)

	half := 2*(boxSize/2) + 1
	half = half / 2

	var detections []extract.Detection
	for _, pos := range positions {
		px, py, err := e.Image.WCS.S2P(pos[0], pos[1])
		if err != nil {
			if e.logWriter != nil {
				fmt.Fprintf(e.logWriter, "engine: forced fit position (%f,%f) out of projection: %v\n", pos[0], pos[1], err)
			}
			continue
		}
		cx, cy := int(px+0.5), int(py+0.5)
		if cx < 0 || cx >= e.Image.Width || cy < 0 || cy >= e.Image.Height {
			if e.logWriter != nil {
				fmt.Fprintf(e.logWriter, "engine: forced fit position (%f,%f) outside image\n", pos[0], pos[1])
			}
			continue
		}

		minX, minY := cx-half, cy-half
		if minX < 0 {
			minX = 0
		}
		if minY < 0 {
			minY = 0
		}

		var pixels []int
		for y := cy - half; y <= cy+half; y++ {
			if y < 0 || y >= e.Image.Height {
				continue
			}
			for x := cx - half; x <= cx+half; x++ {
				if x < 0 || x >= e.Image.Width {
					continue
				}
				pixels = append(pixels, y*e.Image.Width+x)
			}
		}

		// fixedGuess is expressed in fitIslandPixels' local frame, whose
		// origin is the clipped bounding box of pixels (boundsOf), not
		// cx-half/cy-half when the box is truncated at an image edge.
		fixedGuess := gaussfit.Params{
			XBar: float64(cx - minX), YBar: float64(cy - minY),
			SemiMajor: e.Image.Beam.SemiMajorPx, SemiMinor: e.Image.Beam.SemiMinorPx, Theta: e.Image.Beam.ThetaRad,
		}
		if det, ok := e.fitIslandPixels(pixels, bgSub, rms.Values, analysisMap, mode, fixedGuess); ok {
			detections = append(detections, det)
		}
	}
	return detections, nil
}

// ExtractNegative implements extract_negative: flips the sign of the
// background-subtracted image, re-runs blind extraction, and restores
// state. Caches are cleared before and after so the negated run never
// leaks into subsequent calls.
func (e *Engine) ExtractNegative(detectionThreshold *float64) ([]extract.Detection, error) {
	e.ClearCache()
	bgSub := e.BgSubtracted()
	for i := range bgSub {
		bgSub[i] = -bgSub[i]
	}

	if e.logWriter != nil {
		diag := stats.FastClip(bgSub, e.Image.Beam)
		fmt.Fprintf(e.logWriter, "engine: negative-image diagnostic sigma ~%.4g over %d/%d pixels (%d iterations)\n",
			diag.Sigma, len(diag.Clipped), len(bgSub), diag.Iterations)
	}

	defer func() {
		e.ClearCache()
	}()
	return e.extractAtThresholds(e.Params.AnalysisThreshold, valueOr(detectionThreshold, e.Params.DetectionThreshold))
}

// DiagnosticSummary reports percentile statistics of the RMS map, for
// CLI/REST status output.
func (e *Engine) DiagnosticSummary() string {
	_, rms := e.Maps()
	p10 := stats.Quantile(rms.Values, 0.10)
	p50 := stats.Quantile(rms.Values, 0.50)
	p90 := stats.Quantile(rms.Values, 0.90)
	return fmt.Sprintf("rms map percentiles: p10=%.4g p50=%.4g p90=%.4g", p10, p50, p90)
}

func valueOr(p *float64, def float64) float64 {
	if p != nil {
		return *p
	}
	return def
}

// FluxAtPixel returns the peak background-subtracted flux in a
// (2*numpix+1)^2 box around (x,y), an ambient diagnostic carried over
// from the source this spec was distilled from.
func (e *Engine) FluxAtPixel(x, y, numpix int) float32 {
	bgSub := e.BgSubtracted()
	var peak float32
	first := true
	for dy := -numpix; dy <= numpix; dy++ {
		yy := y + dy
		if yy < 0 || yy >= e.Image.Height {
			continue
		}
		for dx := -numpix; dx <= numpix; dx++ {
			xx := x + dx
			if xx < 0 || xx >= e.Image.Width {
				continue
			}
			v := bgSub[yy*e.Image.Width+xx]
			if first || v > peak {
				peak = v
				first = false
			}
		}
	}
	return peak
}

