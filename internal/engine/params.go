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

package engine

import (
	"fmt"
	"reflect"

	"github.com/mlnoga/sourcefind/internal/islands"
)

// Params is the engine's flat configuration, as named in the external
// interface's configuration contract. json tags double as the
// recognized option keys for DecodeParams.
type Params struct {
	BackSizeX int `json:"back_size_x"`
	BackSizeY int `json:"back_size_y"`

	Margin         int     `json:"margin"`
	Radius         float64 `json:"radius"`
	MaxDegradation float64 `json:"max_degradation"`

	MedianFilter     int     `json:"median_filter"`
	MFThreshold      float64 `json:"mf_threshold"`
	InterpolateOrder int     `json:"interpolate_order"`

	DetectionThreshold float64 `json:"detection_threshold"`
	AnalysisThreshold  float64 `json:"analysis_threshold"`
	FDRAlpha           float64 `json:"fdr_alpha"`

	StructuringElement islands.StructuringElement `json:"structuring_element"`

	Deblend        bool `json:"deblend"`
	DeblendNThresh int  `json:"deblend_nthresh"`

	ForceBeam bool `json:"force_beam"`
	Residuals bool `json:"residuals"`
}

// DefaultParams returns the engine's default configuration.
func DefaultParams() Params {
	return Params{
		BackSizeX: 32, BackSizeY: 32,
		Margin: 0, Radius: 0, MaxDegradation: 0.2,
		MedianFilter: 0, MFThreshold: 0, InterpolateOrder: 3,
		DetectionThreshold: 10, AnalysisThreshold: 3, FDRAlpha: 1e-2,
		StructuringElement: islands.DefaultStructuringElement,
		Deblend:            false, DeblendNThresh: 32,
		ForceBeam: false, Residuals: false,
	}
}

// optionKeys maps the flat configuration's recognized JSON keys to the
// corresponding field index of Params, built once via reflection.
var optionKeys = buildOptionKeys()

func buildOptionKeys() map[string]int {
	t := reflect.TypeOf(Params{})
	keys := make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if tag != "" {
			keys[tag] = i
		}
	}
	return keys
}

// DecodeParams decodes a flat configuration map into Params, starting
// from defaults, and rejecting unknown keys with ErrUnknownOption.
func DecodeParams(opts map[string]interface{}) (Params, error) {
	p := DefaultParams()
	v := reflect.ValueOf(&p).Elem()

	for key, raw := range opts {
		idx, ok := optionKeys[key]
		if !ok {
			return Params{}, fmt.Errorf("%w: %q", ErrUnknownOption, key)
		}
		field := v.Field(idx)
		if err := assign(field, raw); err != nil {
			return Params{}, fmt.Errorf("option %q: %w", key, err)
		}
	}
	return p, nil
}

func assign(field reflect.Value, raw interface{}) error {
	rv := reflect.ValueOf(raw)
	switch field.Kind() {
	case reflect.Int:
		f, ok := toFloat(raw)
		if !ok {
			return fmt.Errorf("expected numeric value, got %T", raw)
		}
		field.SetInt(int64(f))
	case reflect.Float64:
		f, ok := toFloat(raw)
		if !ok {
			return fmt.Errorf("expected numeric value, got %T", raw)
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, ok := raw.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", raw)
		}
		field.SetBool(b)
	default:
		if rv.Type().AssignableTo(field.Type()) {
			field.Set(rv)
			return nil
		}
		return fmt.Errorf("unsupported option type %T for field %s", raw, field.Type())
	}
	return nil
}

func toFloat(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
