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

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/mlnoga/sourcefind/internal/engine"
	"github.com/mlnoga/sourcefind/internal/fits"
	"github.com/mlnoga/sourcefind/internal/gaussfit"
	gclog "github.com/mlnoga/sourcefind/internal/log"
	"github.com/mlnoga/sourcefind/internal/rest"
)

const version = "0.1.0"

var port = flag.Int64("port", 8080, "port for serving HTTP API")
var chroot = flag.String("chroot", "", "directory to chroot and chdir to when serving HTTP. must be run as root")
var setuid = flag.Int64("setuid", -1, "user id number to setuid to when serving HTTP. must be run as root")
var job = flag.String("job", "", "JSON job specification overriding engine parameters")

var logFileName = flag.String("log", "%auto", "save log output to `file`. `%auto` replaces suffix of output file with .log")
var out = flag.String("out", "", "write detections as JSON to `file`. blank writes to stdout")

var margin = flag.Int64("margin", 0, "mask out a border this many pixels wide")
var radius = flag.Float64("radius", 0, "mask out pixels beyond this radial distance from the image centre, 0=disabled")
var maxDegradation = flag.Float64("maxDegradation", 0.2, "maximum tolerated projection distortion, 0=disabled")

var backSizeX = flag.Int64("backSizeX", 32, "background tile width in pixels")
var backSizeY = flag.Int64("backSizeY", 32, "background tile height in pixels")
var medianFilter = flag.Int64("medianFilter", 0, "background grid median pre-filter window, 0=off")
var mfThreshold = flag.Float64("mfThreshold", 0, "median filter blend threshold")
var interpolateOrder = flag.Int64("interpolateOrder", 3, "background interpolation order, <3=bilinear, >=3=bicubic")

var detectionThreshold = flag.Float64("detectionThreshold", 10, "detection threshold, multiples of local RMS")
var analysisThreshold = flag.Float64("analysisThreshold", 3, "analysis threshold, multiples of local RMS")
var fdrAlpha = flag.Float64("fdrAlpha", 1e-2, "false discovery rate for threshold selection via the fdr command")

var deblend = flag.Bool("deblend", false, "deblend overlapping islands")
var deblendNThresh = flag.Int64("deblendNThresh", 32, "number of re-threshold levels used for deblending")

var forceBeam = flag.Bool("forceBeam", false, "forced command: pin fitted source shape to the restoring beam and position to the requested one. extract and fdr fit the shape freely regardless")
var boxSize = flag.Int64("boxSize", 11, "box size in pixels for forced photometry")

func main() {
	var logWriter io.Writer = os.Stdout
	flag.Usage = func() {
		fmt.Fprintf(logWriter, `sourcefind Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (extract|fdr|forced|serve|version|legal) (image.fits) [ra dec ...]

Commands:
  extract  Blind-extract sources above the detection/analysis thresholds
  fdr      Blind-extract using an FDR-selected threshold
  forced   Forced photometry at the sky positions given as ra/dec pairs
  serve    Serve the extraction API over HTTP
  legal    Show license and attribution information
  version  Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *logFileName == "%auto" {
		if *out != "" {
			*logFileName = strings.TrimSuffix(*out, filepath.Ext(*out)) + ".log"
		} else {
			*logFileName = ""
		}
	}
	if *logFileName != "" {
		if err := gclog.AlsoToFile(*logFileName); err != nil {
			panic(fmt.Sprintf("unable to open log file %s\n", *logFileName))
		}
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return
	}

	switch args[0] {
	case "version":
		fmt.Fprintf(logWriter, "sourcefind version %s\n", version)
		return
	case "legal":
		fmt.Fprintln(logWriter, legal)
		return
	case "serve":
		rest.MakeSandbox(*chroot, int(*setuid))
		rest.Serve(*port)
		return
	}

	if len(args) < 2 {
		flag.Usage()
		return
	}

	params := engine.DefaultParams()
	if *job != "" {
		var err error
		params, err = loadJobParams(*job)
		if err != nil {
			gclog.Fatalf("error loading job file %s: %s\n", *job, err.Error())
		}
	} else {
		params = flagParams()
	}

	img, err := fits.LoadFile(args[1])
	if err != nil {
		gclog.Fatalf("error reading %s: %s\n", args[1], err.Error())
	}
	gclog.Printf("Loaded %s\n", img.String())

	eng := engine.New(img, params, logWriter)

	var detections interface{}
	switch args[0] {
	case "extract":
		detections, err = eng.ExtractBlind(nil, nil)
	case "fdr":
		detections, err = eng.ExtractFDR(nil, nil)
	case "forced":
		positions, perr := parsePositions(args[2:])
		if perr != nil {
			gclog.Fatalf("error parsing positions: %s\n", perr.Error())
		}
		mode := gaussfitMode(*forceBeam)
		detections, err = eng.FitAtPositions(positions, int(*boxSize), mode)
	default:
		flag.Usage()
		return
	}
	if err != nil {
		gclog.Fatalf("error extracting sources: %s\n", err.Error())
	}

	gclog.Println(eng.DiagnosticSummary())
	writeDetections(detections, *out, logWriter)
	gclog.Sync()
}

func flagParams() engine.Params {
	p := engine.DefaultParams()
	p.Margin = int(*margin)
	p.Radius = *radius
	p.MaxDegradation = *maxDegradation
	p.BackSizeX = int(*backSizeX)
	p.BackSizeY = int(*backSizeY)
	p.MedianFilter = int(*medianFilter)
	p.MFThreshold = *mfThreshold
	p.InterpolateOrder = int(*interpolateOrder)
	p.DetectionThreshold = *detectionThreshold
	p.AnalysisThreshold = *analysisThreshold
	p.FDRAlpha = *fdrAlpha
	p.Deblend = *deblend
	p.DeblendNThresh = int(*deblendNThresh)
	p.ForceBeam = *forceBeam
	return p
}

func loadJobParams(fileName string) (engine.Params, error) {
	data, err := ioutil.ReadFile(fileName)
	if err != nil {
		return engine.Params{}, err
	}
	var opts map[string]interface{}
	if err := json.Unmarshal(data, &opts); err != nil {
		return engine.Params{}, err
	}
	return engine.DecodeParams(opts)
}

func gaussfitMode(forceBeam bool) gaussfit.FixedMode {
	if forceBeam {
		return gaussfit.FixedPositionAndError
	}
	return gaussfit.FixedNone
}

func parsePositions(args []string) ([][2]float64, error) {
	if len(args)%2 != 0 {
		return nil, fmt.Errorf("expected an even number of ra/dec arguments, got %d", len(args))
	}
	var positions [][2]float64
	for i := 0; i < len(args); i += 2 {
		var ra, dec float64
		if _, err := fmt.Sscanf(args[i], "%g", &ra); err != nil {
			return nil, err
		}
		if _, err := fmt.Sscanf(args[i+1], "%g", &dec); err != nil {
			return nil, err
		}
		positions = append(positions, [2]float64{ra, dec})
	}
	return positions, nil
}

func writeDetections(detections interface{}, outFile string, logWriter io.Writer) {
	data, err := json.MarshalIndent(detections, "", "  ")
	if err != nil {
		gclog.Fatalf("error marshalling detections: %s\n", err.Error())
	}
	if outFile == "" {
		gclog.Println(string(data))
		return
	}
	if err := ioutil.WriteFile(outFile, data, 0666); err != nil {
		gclog.Fatalf("error writing %s: %s\n", outFile, err.Error())
	}
	fmt.Fprintf(logWriter, "Wrote detections to %s\n", outFile)
}
