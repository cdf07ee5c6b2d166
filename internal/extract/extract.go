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

// Package extract assembles pixel-space Gaussian fits into sky-space
// detections (spec component C9): WCS conversion, error propagation,
// integrated flux, and the physical-plausibility filters that reject
// off-image or non-finite results.
package extract

import (
	"errors"
	"math"

	"github.com/mlnoga/sourcefind/internal/fits"
	"github.com/mlnoga/sourcefind/internal/gaussfit"
	"github.com/mlnoga/sourcefind/internal/mask"
)

// ErrUnusable is returned when a fit fails C9's validation: non-finite
// positional errors, or a semi-axis endpoint landing on a masked or
// off-image pixel.
var ErrUnusable = errors.New("extract: detection failed plausibility checks")

// Detection is the sky-space result of a single fit.
type Detection struct {
	RA, RAErr   float64
	Dec, DecErr float64

	PeakFlux, PeakErr           float64
	IntegratedFlux, FluxErr     float64

	SemiMajor, SemiMinor, Theta float64
	XPix, YPix                  float64

	ChiSq, ReducedChiSq float64
	Sig                 float64
}

// Assemble implements spec component C9 for one island's fit result.
// originX/originY are the island's chunk offset into the full image
// (so fit.Params.XBar/YBar, which are island-local, convert to
// full-image pixel coordinates). rmsSubarray is the island's local RMS
// map, used for Detection.Sig.
func Assemble(fit gaussfit.Result, originX, originY int, beam fits.Beam, wcs fits.WCS, sys fits.Systematics, fullMask *mask.Mask, rmsSubarray []float32, fittedSubarray []float32) (Detection, error) {
	xFull := float64(originX) + fit.Params.XBar
	yFull := float64(originY) + fit.Params.YBar

	ra, dec, err := wcs.P2S(xFull, yFull)
	if err != nil {
		return Detection{}, err
	}

	dRaDx, dRaDy, dDecDx, dDecDy, err := wcs.Jacobian(xFull, yFull)
	if err != nil {
		return Detection{}, err
	}
	raErrDeg := math.Hypot(dRaDx*fit.Errors.XBar, dRaDy*fit.Errors.YBar)
	decErrDeg := math.Hypot(dDecDx*fit.Errors.XBar, dDecDy*fit.Errors.YBar)

	raSysDeg := sys.RASysErrArcsec / 3600.0
	decSysDeg := sys.DecSysErrArcsec / 3600.0
	raErrDeg = math.Hypot(raErrDeg, raSysDeg)
	decErrDeg = math.Hypot(decErrDeg, decSysDeg)

	if math.IsNaN(raErrDeg) || math.IsInf(raErrDeg, 0) || math.IsNaN(decErrDeg) || math.IsInf(decErrDeg, 0) {
		return Detection{}, ErrUnusable
	}

	if !semiAxisEndpointsUnmasked(fit.Params, originX, originY, fullMask) {
		return Detection{}, ErrUnusable
	}

	beamArea := math.Pi * math.Abs(beam.SemiMajorPx) * math.Abs(beam.SemiMinorPx)
	sourceArea := math.Pi * fit.Params.SemiMajor * fit.Params.SemiMinor
	integratedFlux := fit.Params.Peak
	if beamArea > 0 {
		integratedFlux = fit.Params.Peak * sourceArea / beamArea
	}

	relPeak := safeRatio(fit.Errors.Peak, fit.Params.Peak)
	relMaj := safeRatio(fit.Errors.SemiMajor, fit.Params.SemiMajor)
	relMin := safeRatio(fit.Errors.SemiMinor, fit.Params.SemiMinor)
	fluxErr := integratedFlux * math.Sqrt(relPeak*relPeak+relMaj*relMaj+relMin*relMin)

	sig := sigFromSubarrays(fittedSubarray, rmsSubarray)

	return Detection{
		RA: ra, RAErr: raErrDeg,
		Dec: dec, DecErr: decErrDeg,
		PeakFlux: fit.Params.Peak, PeakErr: fit.Errors.Peak,
		IntegratedFlux: integratedFlux, FluxErr: fluxErr,
		SemiMajor: fit.Params.SemiMajor, SemiMinor: fit.Params.SemiMinor, Theta: fit.Params.Theta,
		XPix: xFull, YPix: yFull,
		ChiSq: fit.ChiSq, ReducedChiSq: fit.ReducedChiSq,
		Sig: sig,
	}, nil
}

func safeRatio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// sigFromSubarrays computes the Detection.Sig field: the maximum ratio
// of fitted model flux to local RMS over the island box.
func sigFromSubarrays(fitted, rms []float32) float64 {
	var maxSig float64
	for i := range fitted {
		if i >= len(rms) || rms[i] <= 0 {
			continue
		}
		s := float64(fitted[i]) / float64(rms[i])
		if s > maxSig {
			maxSig = s
		}
	}
	return maxSig
}

// semiAxisEndpointsUnmasked checks the four endpoints (+/-semimajor
// along theta, +/-semiminor perpendicular to theta) against the
// full-image mask and bounds. Both the floor and ceiling of each
// endpoint's coordinates are checked, matching the source's corner
// rounding convention for a pixel-index comparison against a
// continuous fit coordinate.
func semiAxisEndpointsUnmasked(p gaussfit.Params, originX, originY int, fullMask *mask.Mask) bool {
	cx := float64(originX) + p.XBar
	cy := float64(originY) + p.YBar
	ct, st := math.Cos(p.Theta), math.Sin(p.Theta)

	endpoints := [][2]float64{
		{cx + p.SemiMajor*ct, cy + p.SemiMajor*st},
		{cx - p.SemiMajor*ct, cy - p.SemiMajor*st},
		{cx - p.SemiMinor*st, cy + p.SemiMinor*ct},
		{cx + p.SemiMinor*st, cy - p.SemiMinor*ct},
	}

	for _, e := range endpoints {
		if !anyCornerUnmasked(e[0], e[1], fullMask) {
			return false
		}
	}
	return true
}

func anyCornerUnmasked(x, y float64, m *mask.Mask) bool {
	xs := []int{int(math.Floor(x)), int(math.Ceil(x))}
	ys := []int{int(math.Floor(y)), int(math.Ceil(y))}
	for _, px := range xs {
		for _, py := range ys {
			if px < 0 || px >= m.Width || py < 0 || py >= m.Height {
				return false
			}
			if m.At(px, py) {
				return false
			}
		}
	}
	return true
}
