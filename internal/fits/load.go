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

package fits

import (
	"compress/gzip"
	"errors"
	"io"
	"math"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/mlnoga/sourcefind/internal/wcs"
)

// ErrNotFITS is returned when the input lacks the mandatory SIMPLE=T
// header card.
var ErrNotFITS = errors.New("fits: not a valid FITS file, SIMPLE=T missing")

const blockSize = 2880
const headerLineSize = 80

// header holds the decoded FITS header cards, keyed by card name. Only
// the subset the engine's accessor contract needs is promoted to Image
// fields; the rest is kept for ExtraMetadata.
type header struct {
	bools   map[string]bool
	ints    map[string]int64
	floats  map[string]float64
	strings map[string]string
	end     bool
}

func newHeader() header {
	return header{
		bools: make(map[string]bool), ints: make(map[string]int64),
		floats: make(map[string]float64), strings: make(map[string]string),
	}
}

var headerLineRE = compileHeaderRE()

// compileHeaderRE builds the regexp recognizing a FITS header card: a
// boolean, integer, float, string or date-valued keyword, a HISTORY or
// COMMENT line, a blank line, or END.
func compileHeaderRE() *regexp.Regexp {
	white := `\s+`
	whiteOpt := `\s*`

	histLine := "HISTORY" + white + "(?P<H>.*)"
	commLine := "COMMENT" + white + "(?P<C>.*)"
	endLine := "(?P<E>END)" + whiteOpt

	key := "(?P<k>[A-Z0-9_-]+)"
	boo := "(?P<b>[TF])"
	inte := `(?P<i>[+-]?[0-9]+)`
	floa := `(?P<f>[+-]?[0-9]*\.[0-9]*(?:[ED]-?[0-9]+)?)`
	stri := `'(?P<s>[^']*)'`
	val := "(?:" + boo + "|" + inte + "|" + floa + "|" + stri + ")"
	commOpt := `(?:/(?P<c>.*))?`
	keyLine := key + whiteOpt + "=" + whiteOpt + val + whiteOpt + commOpt

	lineRE := "^(?:" + white + "|" + histLine + "|" + commLine + "|" + keyLine + "|" + endLine + ")$"
	return regexp.MustCompile(lineRE)
}

func (h *header) read(r io.Reader) error {
	buf := make([]byte, blockSize)
	re := headerLineRE.Copy()
	for !h.end {
		n, err := io.ReadFull(r, buf)
		if err != nil || n != blockSize {
			return err
		}
		for line := 0; line < blockSize/headerLineSize && !h.end; line++ {
			card := buf[line*headerLineSize : (line+1)*headerLineSize]
			sub := re.FindSubmatch(card)
			if sub == nil {
				continue
			}
			h.readCard(re.SubexpNames(), sub)
		}
	}
	return nil
}

func (h *header) readCard(names []string, values [][]byte) {
	key := ""
	for i := 1; i < len(names); i++ {
		if values[i] == nil || len(names[i]) != 1 {
			continue
		}
		switch names[i][0] {
		case 'E':
			h.end = true
		case 'k':
			key = string(values[i])
		case 'b':
			if len(values[i]) > 0 {
				v := values[i][0]
				h.bools[key] = v == 't' || v == 'T'
			}
		case 'i':
			if v, err := strconv.ParseInt(string(values[i]), 10, 64); err == nil {
				h.ints[key] = v
			}
		case 'f':
			s := strings.ReplaceAll(string(values[i]), "D", "E")
			if v, err := strconv.ParseFloat(s, 64); err == nil {
				h.floats[key] = v
			}
		case 's':
			h.strings[key] = strings.TrimSpace(string(values[i]))
		}
	}
}

func (h *header) float(key string, def float64) float64 {
	if v, ok := h.floats[key]; ok {
		return v
	}
	if v, ok := h.ints[key]; ok {
		return float64(v)
	}
	return def
}

func (h *header) int(key string, def int) int {
	if v, ok := h.ints[key]; ok {
		return int(v)
	}
	if v, ok := h.floats[key]; ok {
		return int(v)
	}
	return def
}

func (h *header) str(key, def string) string {
	if v, ok := h.strings[key]; ok {
		return v
	}
	return def
}

// LoadFile reads a calibrated FITS image from fileName, transparently
// decompressing a .gz/.gzip suffix.
func LoadFile(fileName string) (*Image, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	ext := strings.ToLower(path.Ext(fileName))
	if ext == ".gz" || ext == ".gzip" {
		r, err = gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
	}
	img, err := Load(r)
	if err != nil {
		return nil, err
	}
	img.URL = fileName
	return img, nil
}

// Load decodes a calibrated two-dimensional FITS image from r: header,
// then row-major pixel data converted to float32 with BZERO/BSCALE
// applied, plus the beam, WCS and systematics metadata the engine's
// accessor contract needs.
func Load(r io.Reader) (*Image, error) {
	h := newHeader()
	if err := h.read(r); err != nil {
		return nil, err
	}
	if !h.bools["SIMPLE"] {
		return nil, ErrNotFITS
	}

	naxis := h.int("NAXIS", 0)
	if naxis < 2 {
		return nil, errors.New("fits: image has fewer than 2 axes")
	}
	width := h.int("NAXIS1", 0)
	height := h.int("NAXIS2", 0)
	bitpix := h.int("BITPIX", -32)
	bzero := h.float("BZERO", 0)
	bscale := h.float("BSCALE", 1)

	pixels, err := readPixels(r, bitpix, width*height, bzero, bscale)
	if err != nil {
		return nil, err
	}

	beam := Beam{
		SemiMajorPx: degToPixels(h.float("BMAJ", 0), h.float("CDELT1", 1), h.float("CDELT2", 1)) / 2,
		SemiMinorPx: degToPixels(h.float("BMIN", 0), h.float("CDELT1", 1), h.float("CDELT2", 1)) / 2,
		ThetaRad:    h.float("BPA", 0) * math.Pi / 180.0,
	}

	w := &wcs.WCS{
		Crval: [2]float64{h.float("CRVAL1", 0), h.float("CRVAL2", 0)},
		Crpix: [2]float64{h.float("CRPIX1", 1), h.float("CRPIX2", 1)},
		Cdelt: [2]float64{h.float("CDELT1", 1), h.float("CDELT2", 1)},
		Ctype: [2]string{h.str("CTYPE1", "RA---SIN"), h.str("CTYPE2", "DEC--SIN")},
	}

	return &Image{
		Width: width, Height: height, Pixels: pixels,
		Beam: beam, WCS: w,
		Telescope: h.str("TELESCOP", ""),
		FreqEff:   h.float("RESTFRQ", h.float("CRVAL3", 0)),
		FreqBW:    h.float("BWIDTH", 0),
		TauTime:   h.float("EXPOSURE", h.float("EXPTIME", 0)),
	}, nil
}

// degToPixels converts a FWHM given in degrees (as FITS BMAJ/BMIN carry
// it) to pixels, using the geometric mean of the two axis pixel scales
// for non-square pixels.
func degToPixels(deg, cdelt1, cdelt2 float64) float64 {
	scale := math.Sqrt(math.Abs(cdelt1) * math.Abs(cdelt2))
	if scale == 0 {
		return 0
	}
	return deg / scale
}

const readBufLen = 16 * 1024

func readPixels(r io.Reader, bitpix, n int, bzero, bscale float64) ([]float32, error) {
	switch bitpix {
	case 8:
		return readFixed(r, n, 1, bzero, bscale, func(b []byte) float64 { return float64(b[0]) })
	case 16:
		return readFixed(r, n, 2, bzero, bscale, func(b []byte) float64 {
			return float64(int16(uint16(b[0])<<8 | uint16(b[1])))
		})
	case 32:
		return readFixed(r, n, 4, bzero, bscale, func(b []byte) float64 {
			return float64(int32(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])))
		})
	case -32:
		return readFixed(r, n, 4, bzero, bscale, func(b []byte) float64 {
			bits := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
			return float64(math.Float32frombits(bits))
		})
	case -64:
		return readFixed(r, n, 8, bzero, bscale, func(b []byte) float64 {
			bits := uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
				uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
			return math.Float64frombits(bits)
		})
	default:
		return nil, errors.New("fits: unsupported BITPIX " + strconv.Itoa(bitpix))
	}
}

// readFixed reads n fixed-width big-endian values from r, decodes each
// with decode, and applies bzero/bscale.
func readFixed(r io.Reader, n, width int, bzero, bscale float64, decode func([]byte) float64) ([]float32, error) {
	out := make([]float32, n)
	buf := make([]byte, readBufLen)
	done := 0
	leftover := 0
	for done < n {
		toRead := (n-done)*width - leftover
		if toRead > readBufLen-leftover {
			toRead = readBufLen - leftover
		}
		read, err := r.Read(buf[leftover : leftover+toRead])
		if err != nil {
			return nil, err
		}
		available := leftover + read
		full := available - available%width
		for i := 0; i < full; i += width {
			out[done+i/width] = float32(decode(buf[i:i+width])*bscale + bzero)
		}
		done += full / width
		leftover = available % width
		copy(buf[:leftover], buf[full:available])
	}
	return out, nil
}
