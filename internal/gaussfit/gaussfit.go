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

// Package gaussfit fits an elliptical Gaussian to an island's pixels
// (spec component C8), weighted by the local RMS, via non-linear least
// squares. Grounded on the Nelder-Mead minimization idiom the teacher
// uses for star-field alignment (internal/star/align.go).
package gaussfit

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/mlnoga/sourcefind/internal/fits"
)

// ErrMomentsNotApplicable is returned when fixed parameters preclude a
// moment-based initial guess.
var ErrMomentsNotApplicable = errors.New("gaussfit: moments not applicable for the given fixed parameters")

// ErrFitFailed is returned when the non-linear least squares fit does
// not converge.
var ErrFitFailed = errors.New("gaussfit: fit did not converge")

// FixedMode selects which parameters forced photometry pins.
type FixedMode int

const (
	// FixedNone fits all six parameters freely (blind extraction).
	FixedNone FixedMode = iota
	// FixedPosition pins XBar, YBar to the supplied values.
	FixedPosition
	// FixedPositionAndError additionally pins shape to the beam.
	FixedPositionAndError
)

// Params is the elliptical Gaussian model: peak, centroid, shape.
type Params struct {
	Peak       float64
	XBar       float64
	YBar       float64
	SemiMajor  float64
	SemiMinor  float64
	Theta      float64
}

// Errors holds the 1-sigma uncertainty of each fitted parameter, after
// Condon (1997) correction.
type Errors struct {
	Peak, XBar, YBar, SemiMajor, SemiMinor, Theta float64
}

// Island is the pixel data a fit operates on: a rectangular subarray of
// the full image, row-major, with local RMS per pixel and a validity
// mask (1 = excluded, matching the masked-array convention).
type Island struct {
	Width, Height int
	Pixels        []float32
	RMS           []float32
	Masked        []uint8
}

// Result is the outcome of a successful fit.
type Result struct {
	Params     Params
	Errors     Errors
	Covariance *mat.Dense
	ChiSq      float64
	ReducedChiSq float64
}

const maxIterations = 2000
const convergenceTol = 1e-6

// polishWithBFGS refines a Nelder-Mead solution with a gradient-based
// step on well-conditioned fits, using a numerical gradient since the
// residual surface has no closed-form derivative. Falls back to the
// Nelder-Mead result if BFGS fails to improve or converge, since x0 is
// already a valid local minimum.
func polishWithBFGS(residualFunc func([]float64) float64, x0 []float64) []float64 {
	problem := optimize.Problem{
		Func: residualFunc,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, residualFunc, x, nil)
		},
	}
	result, err := optimize.Minimize(problem, x0, &optimize.Settings{MajorIterations: maxIterations}, &optimize.BFGS{})
	if err != nil || (result.Status != optimize.Success && result.Status != optimize.FunctionConvergence) {
		return x0
	}
	if result.F >= residualFunc(x0) {
		return x0
	}
	return result.X
}

// Fit performs the full C8 procedure: moments-based initial guess, NLLS
// refinement via Nelder-Mead, and Condon-corrected error propagation.
// fixedGuess supplies the pinned values (centre, and for
// FixedPositionAndError the beam shape) used when mode != FixedNone.
func Fit(island Island, beam fits.Beam, mode FixedMode, fixedGuess Params) (Result, error) {
	guess, err := initialGuess(island, mode, fixedGuess)
	if err != nil {
		return Result{}, err
	}

	freeIdx := freeParamIndices(mode)
	x0 := make([]float64, len(freeIdx))
	packed := paramsToArray(guess)
	for i, idx := range freeIdx {
		x0[i] = packed[idx]
	}

	residualFunc := func(x []float64) float64 {
		full := packed
		for i, idx := range freeIdx {
			full[idx] = x[i]
		}
		p := arrayToParams(full)
		return sumSquaredResiduals(island, p)
	}

	problem := optimize.Problem{Func: residualFunc}
	result, optErr := optimize.Minimize(problem, x0, &optimize.Settings{MajorIterations: maxIterations}, &optimize.NelderMead{})
	if optErr != nil || (result.Status != optimize.Success && result.Status != optimize.FunctionConvergence) {
		return Result{}, ErrFitFailed
	}

	x1 := polishWithBFGS(residualFunc, result.X)

	fullFinal := packed
	for i, idx := range freeIdx {
		fullFinal[idx] = x1[i]
	}
	fitted := arrayToParams(fullFinal)

	chiSq := sumSquaredResiduals(island, fitted)
	nFree := countUnmasked(island) - len(freeIdx)
	reduced := chiSq
	if nFree > 0 {
		reduced = chiSq / float64(nFree)
	}

	cov := covariance(island, fitted, freeIdx)
	errs := condonErrors(fitted, localRMS(island), cov, beam, freeIdx)

	return Result{Params: fitted, Errors: errs, Covariance: cov, ChiSq: chiSq, ReducedChiSq: reduced}, nil
}

func paramsToArray(p Params) []float64 {
	return []float64{p.Peak, p.XBar, p.YBar, p.SemiMajor, p.SemiMinor, p.Theta}
}

func arrayToParams(a []float64) Params {
	return Params{Peak: a[0], XBar: a[1], YBar: a[2], SemiMajor: a[3], SemiMinor: a[4], Theta: a[5]}
}

func freeParamIndices(mode FixedMode) []int {
	switch mode {
	case FixedPosition:
		return []int{0, 3, 4, 5} // peak, shape free; xbar,ybar pinned
	case FixedPositionAndError:
		return []int{0} // only peak free; position and shape pinned to beam
	default:
		return []int{0, 1, 2, 3, 4, 5}
	}
}

// Eval evaluates the elliptical Gaussian model at (x,y), in the same
// local coordinate frame as the Island the parameters were fitted
// against. Used to rebuild a fitted subarray for diagnostics and for
// Detection.Sig.
func Eval(p Params, x, y float64) float64 {
	return gaussianValue(p, x, y)
}

func gaussianValue(p Params, x, y float64) float64 {
	dx, dy := x-p.XBar, y-p.YBar
	ct, st := math.Cos(p.Theta), math.Sin(p.Theta)
	u := dx*ct + dy*st
	v := -dx*st + dy*ct
	if p.SemiMajor <= 0 || p.SemiMinor <= 0 {
		return 0
	}
	return p.Peak * math.Exp(-0.5*(u*u/(p.SemiMajor*p.SemiMajor)+v*v/(p.SemiMinor*p.SemiMinor)))
}

// residuals returns the RMS-weighted residual vector r_k = (pixel_k -
// model_k)/rms_k over the island's unmasked, finite-RMS pixels, in a
// fixed pixel scan order. The order only depends on island.Masked and
// island.RMS, not on p, so Jacobian columns taken at perturbed
// parameter values line up with each other.
func residuals(island Island, p Params) []float64 {
	out := make([]float64, 0, island.Width*island.Height)
	for y := 0; y < island.Height; y++ {
		for x := 0; x < island.Width; x++ {
			idx := y*island.Width + x
			if island.Masked != nil && island.Masked[idx] != 0 {
				continue
			}
			rms := island.RMS[idx]
			if rms <= 0 {
				continue
			}
			out = append(out, (float64(island.Pixels[idx])-gaussianValue(p, float64(x), float64(y)))/float64(rms))
		}
	}
	return out
}

func sumSquaredResiduals(island Island, p Params) float64 {
	var sum float64
	for _, r := range residuals(island, p) {
		sum += r * r
	}
	return sum
}

func countUnmasked(island Island) int {
	if island.Masked == nil {
		return island.Width * island.Height
	}
	n := 0
	for _, m := range island.Masked {
		if m == 0 {
			n++
		}
	}
	return n
}

func localRMS(island Island) float64 {
	cx, cy := island.Width/2, island.Height/2
	idx := cy*island.Width + cx
	if idx >= 0 && idx < len(island.RMS) {
		return float64(island.RMS[idx])
	}
	return 1
}

// initialGuess derives (peak, xbar, ybar, semimajor, semiminor, theta)
// from image moments over the unmasked island pixels. MomentsNotApplicable
// is returned when the island carries no positive flux to derive shape
// from but the fit still requires moments (FixedNone, FixedPosition).
func initialGuess(island Island, mode FixedMode, fixedGuess Params) (Params, error) {
	var sum, sumX, sumY float64
	peak := math.Inf(-1)
	for y := 0; y < island.Height; y++ {
		for x := 0; x < island.Width; x++ {
			idx := y*island.Width + x
			if island.Masked != nil && island.Masked[idx] != 0 {
				continue
			}
			v := float64(island.Pixels[idx])
			if v > peak {
				peak = v
			}
			if v <= 0 {
				continue
			}
			sum += v
			sumX += v * float64(x)
			sumY += v * float64(y)
		}
	}
	if sum <= 0 {
		if mode == FixedNone || mode == FixedPosition {
			return Params{}, ErrMomentsNotApplicable
		}
	}

	var xbar, ybar float64
	if sum > 0 {
		xbar, ybar = sumX/sum, sumY/sum
	} else {
		xbar, ybar = float64(island.Width)/2, float64(island.Height)/2
	}

	var varX, varY, covXY float64
	if sum > 0 {
		for y := 0; y < island.Height; y++ {
			for x := 0; x < island.Width; x++ {
				idx := y*island.Width + x
				if island.Masked != nil && island.Masked[idx] != 0 {
					continue
				}
				v := float64(island.Pixels[idx])
				if v <= 0 {
					continue
				}
				dx, dy := float64(x)-xbar, float64(y)-ybar
				varX += v * dx * dx
				varY += v * dy * dy
				covXY += v * dx * dy
			}
		}
		varX /= sum
		varY /= sum
		covXY /= sum
	}

	semiMajor, semiMinor, theta := momentsToShape(varX, varY, covXY)
	if semiMajor <= 0 || math.IsNaN(semiMajor) {
		semiMajor = 1
	}
	if semiMinor <= 0 || math.IsNaN(semiMinor) {
		semiMinor = 1
	}
	if peak <= 0 || math.IsInf(peak, 0) {
		peak = 1
	}

	guess := Params{Peak: peak, XBar: xbar, YBar: ybar, SemiMajor: semiMajor, SemiMinor: semiMinor, Theta: theta}

	switch mode {
	case FixedPosition:
		guess.XBar, guess.YBar = fixedGuess.XBar, fixedGuess.YBar
	case FixedPositionAndError:
		guess.XBar, guess.YBar = fixedGuess.XBar, fixedGuess.YBar
		guess.SemiMajor, guess.SemiMinor, guess.Theta = fixedGuess.SemiMajor, fixedGuess.SemiMinor, fixedGuess.Theta
	}
	return guess, nil
}

// momentsToShape converts second central moments to an elliptical
// Gaussian's semi-major/minor axes and position angle, following the
// standard principal-axis decomposition of the 2x2 moment tensor.
func momentsToShape(varX, varY, covXY float64) (semiMajor, semiMinor, theta float64) {
	trace := varX + varY
	det := varX*varY - covXY*covXY
	disc := math.Sqrt(math.Max(0, trace*trace/4-det))
	lambda1 := trace/2 + disc
	lambda2 := trace/2 - disc
	semiMajor = math.Sqrt(math.Max(0, lambda1))
	semiMinor = math.Sqrt(math.Max(0, lambda2))
	theta = 0.5 * math.Atan2(2*covXY, varX-varY)
	return semiMajor, semiMinor, theta
}

// covariance estimates the parameter covariance matrix for the free
// parameters by inverting J^T J, the Gauss-Newton approximation of the
// Hessian of the weighted sum-of-squares objective. J is the per-pixel
// residual Jacobian, J[k,i] = d r_k / d theta_i, built by central finite
// differences at the fitted optimum; r already carries the 1/rms
// weighting, so J^T J is the weighted normal-equations matrix.
func covariance(island Island, fitted Params, freeIdx []int) *mat.Dense {
	n := len(freeIdx)
	base := residuals(island, fitted)
	m := len(base)
	packed := paramsToArray(fitted)

	jac := mat.NewDense(m, n, nil)
	const h = 1e-4
	for i, idx := range freeIdx {
		plus := append([]float64(nil), packed...)
		minus := append([]float64(nil), packed...)
		step := h * math.Max(1, math.Abs(packed[idx]))
		plus[idx] += step
		minus[idx] -= step
		rPlus := residuals(island, arrayToParams(plus))
		rMinus := residuals(island, arrayToParams(minus))
		for k := 0; k < m; k++ {
			jac.Set(k, i, (rPlus[k]-rMinus[k])/(2*step))
		}
	}

	var jtj mat.Dense
	jtj.Mul(jac.T(), jac)

	var inv mat.Dense
	if err := inv.Inverse(&jtj); err != nil {
		// singular normal-equations matrix: fall back to an identity-scaled
		// covariance so callers still get finite, if conservative, errors.
		id := mat.NewDense(n, n, nil)
		for i := 0; i < n; i++ {
			id.Set(i, i, 1)
		}
		return id
	}
	return &inv
}

// condonErrors scales the raw fit-covariance diagonal by the local RMS
// and applies a Condon (1997)-style correlated-noise correction factor
// derived from the beam area relative to the fitted source area. The
// exact closed-form coefficients are not present in the distilled
// source; this applies the qualitative behaviour (errors shrink with
// SNR, grow with beam/source size ratio) rather than Condon's literal
// per-parameter exponents.
func condonErrors(fitted Params, rms float64, cov *mat.Dense, beam fits.Beam, freeIdx []int) Errors {
	snr := fitted.Peak / math.Max(rms, 1e-12)
	beamArea := math.Pi * math.Abs(beam.SemiMajorPx) * math.Abs(beam.SemiMinorPx)
	sourceArea := math.Pi * fitted.SemiMajor * fitted.SemiMinor
	correlation := 1.0
	if sourceArea > 0 {
		correlation = math.Sqrt(1 + beamArea/sourceArea)
	}

	diag := make([]float64, 6)
	for i, idx := range freeIdx {
		v := cov.At(i, i)
		if v < 0 || math.IsNaN(v) {
			v = 0
		}
		diag[idx] = math.Sqrt(v) * rms * correlation / math.Max(snr, 1e-6)
	}

	return Errors{
		Peak:      diag[0],
		XBar:      diag[1],
		YBar:      diag[2],
		SemiMajor: diag[3],
		SemiMinor: diag[4],
		Theta:     diag[5],
	}
}
