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

// Package rest exposes the engine as a single-image extraction HTTP
// service, for an external distributed-job dispatcher to call into. The
// dispatcher owns scheduling and image staging; this package only runs
// one request's extraction against one in-memory image.
package rest

import (
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/pbnjay/memory"

	"github.com/mlnoga/sourcefind/internal/engine"
	"github.com/mlnoga/sourcefind/internal/fits"
	"github.com/mlnoga/sourcefind/internal/gaussfit"
	"github.com/mlnoga/sourcefind/internal/wcs"
)

// MakeSandbox secures the serving process by chrooting (requires root)
// and dropping to an unprivileged user id, exactly as the CLI's -chroot
// and -setuid flags request.
func MakeSandbox(chroot string, setuid int) {
	if len(chroot) > 0 {
		fmt.Printf("Changing filesystem root to %s...\n", chroot)
		if err := syscall.Chroot(chroot); err != nil {
			panic(fmt.Sprintf("error chroot(%s): %s\n", chroot, err.Error()))
		}
		if err := os.Chdir(chroot); err != nil {
			panic(fmt.Sprintf("error chdir(%s): %s\n", chroot, err.Error()))
		}
	}
	if setuid >= 0 {
		fmt.Printf("Setting user id from %d/%d to %d\n", syscall.Getuid(), syscall.Geteuid(), setuid)
		if err := syscall.Setuid(setuid); err != nil {
			panic(fmt.Sprintf("error setuid(%d): %s\n", setuid, err.Error()))
		}
	}
}

// requestConcurrency caps in-flight extraction requests by the same
// physical-memory-fraction heuristic the engine applies to its label
// cache, so a burst of large images can't exhaust the host.
func requestConcurrency() int {
	totalMiB := memory.TotalMemory() / 1024 / 1024
	n := int(totalMiB / 2048) // budget ~2GiB per concurrent extraction
	if n < 1 {
		n = 1
	}
	if n > 32 {
		n = 32
	}
	return n
}

var requestSlots chan struct{}

// Serve runs the HTTP API and blocks, serving on 0.0.0.0:port.
func Serve(port int64) {
	requestSlots = make(chan struct{}, requestConcurrency())
	r := gin.Default()
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.POST("/extract", postExtract)
			v1.POST("/fdr", postFDR)
			v1.POST("/forced", postForced)
		}
	}
	r.Run(fmt.Sprintf(":%d", port))
}

func getPing(c *gin.Context) {
	c.JSON(200, gin.H{"message": "pong"})
}

// imageDTO is the wire representation of fits.Image for requests that
// carry pixel data inline, since the engine works against an in-memory
// accessor rather than a file path.
type imageDTO struct {
	Width, Height int       `json:"width" binding:"required"`
	Pixels        []float32 `json:"pixels" binding:"required"`

	BeamSemiMajorPx float64 `json:"beam_semi_major_px"`
	BeamSemiMinorPx float64 `json:"beam_semi_minor_px"`
	BeamThetaRad    float64 `json:"beam_theta_rad"`

	Crval [2]float64 `json:"crval"`
	Crpix [2]float64 `json:"crpix"`
	Cdelt [2]float64 `json:"cdelt"`
	Ctype [2]string  `json:"ctype"`

	RASysErrArcsec  float64 `json:"ra_sys_err_arcsec"`
	DecSysErrArcsec float64 `json:"dec_sys_err_arcsec"`
}

func (d imageDTO) toImage() *fits.Image {
	return &fits.Image{
		Width: d.Width, Height: d.Height, Pixels: d.Pixels,
		Beam: fits.Beam{SemiMajorPx: d.BeamSemiMajorPx, SemiMinorPx: d.BeamSemiMinorPx, ThetaRad: d.BeamThetaRad},
		WCS:  &wcs.WCS{Crval: d.Crval, Crpix: d.Crpix, Cdelt: d.Cdelt, Ctype: d.Ctype},
		Systematics: fits.Systematics{
			RASysErrArcsec: d.RASysErrArcsec, DecSysErrArcsec: d.DecSysErrArcsec,
		},
	}
}

type extractRequest struct {
	Image              imageDTO               `json:"image" binding:"required"`
	Options            map[string]interface{} `json:"options"`
	DetectionThreshold *float64               `json:"detection_threshold"`
	AnalysisThreshold  *float64               `json:"analysis_threshold"`
}

type fdrRequest struct {
	Image             imageDTO               `json:"image" binding:"required"`
	Options           map[string]interface{} `json:"options"`
	Alpha             *float64               `json:"alpha"`
	AnalysisThreshold *float64               `json:"analysis_threshold"`
}

type forcedRequest struct {
	Image     imageDTO               `json:"image" binding:"required"`
	Options   map[string]interface{} `json:"options"`
	Positions [][2]float64           `json:"positions" binding:"required"`
	BoxSize   int                    `json:"box_size"`
	Mode      string                 `json:"mode"` // "none", "position", "position_and_error"
}

func decodeOptions(c *gin.Context, opts map[string]interface{}) (engine.Params, bool) {
	p, err := engine.DecodeParams(opts)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return engine.Params{}, false
	}
	return p, true
}

func acquireSlot(c *gin.Context) bool {
	select {
	case requestSlots <- struct{}{}:
		return true
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too many concurrent extractions"})
		return false
	}
}

func releaseSlot() { <-requestSlots }

func postExtract(c *gin.Context) {
	var req extractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	params, ok := decodeOptions(c, req.Options)
	if !ok {
		return
	}
	if !acquireSlot(c) {
		return
	}
	defer releaseSlot()

	eng := engine.New(req.Image.toImage(), params, c.Writer)
	detections, err := eng.ExtractBlind(req.DetectionThreshold, req.AnalysisThreshold)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"detections": detections, "summary": eng.DiagnosticSummary()})
	debug.FreeOSMemory()
}

func postFDR(c *gin.Context) {
	var req fdrRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	params, ok := decodeOptions(c, req.Options)
	if !ok {
		return
	}
	if !acquireSlot(c) {
		return
	}
	defer releaseSlot()

	eng := engine.New(req.Image.toImage(), params, c.Writer)
	detections, err := eng.ExtractFDR(req.Alpha, req.AnalysisThreshold)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"detections": detections, "summary": eng.DiagnosticSummary()})
	debug.FreeOSMemory()
}

func postForced(c *gin.Context) {
	var req forcedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	params, ok := decodeOptions(c, req.Options)
	if !ok {
		return
	}
	if !acquireSlot(c) {
		return
	}
	defer releaseSlot()

	mode := gaussfit.FixedNone
	switch req.Mode {
	case "position":
		mode = gaussfit.FixedPosition
	case "position_and_error":
		mode = gaussfit.FixedPositionAndError
	}
	boxSize := req.BoxSize
	if boxSize <= 0 {
		boxSize = 11
	}

	eng := engine.New(req.Image.toImage(), params, c.Writer)
	detections, err := eng.FitAtPositions(req.Positions, boxSize, mode)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"detections": detections})
	debug.FreeOSMemory()
}
