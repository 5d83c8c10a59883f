package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMalformedAOI is returned when an AOI string cannot be parsed or an AOI
// fails validation.
var ErrMalformedAOI = errors.New("malformed AOI")

// AOI is an area of interest in geographic degrees.
type AOI struct {
	North float64 `json:"north" yaml:"north"`
	South float64 `json:"south" yaml:"south"`
	East  float64 `json:"east" yaml:"east"`
	West  float64 `json:"west" yaml:"west"`
}

var aoiKeys = []string{"north", "south", "east", "west"}

// ParseAOI parses "north=..;south=..;east=..;west=..". Every key must appear
// exactly once; empty segments are ignored. Bounds ordering is not checked
// here, see Validate.
func ParseAOI(s string) (AOI, error) {
	values := make(map[string]float64, 4)
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, raw, ok := strings.Cut(part, "=")
		if !ok {
			return AOI{}, fmt.Errorf("%w: segment %q is not key=value", ErrMalformedAOI, part)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if !isAOIKey(key) {
			return AOI{}, fmt.Errorf("%w: unexpected key %q", ErrMalformedAOI, key)
		}
		if _, dup := values[key]; dup {
			return AOI{}, fmt.Errorf("%w: duplicate key %q", ErrMalformedAOI, key)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return AOI{}, fmt.Errorf("%w: %s=%q is not a number", ErrMalformedAOI, key, raw)
		}
		values[key] = v
	}
	for _, k := range aoiKeys {
		if _, ok := values[k]; !ok {
			return AOI{}, fmt.Errorf("%w: missing key %q", ErrMalformedAOI, k)
		}
	}
	return AOI{
		North: values["north"],
		South: values["south"],
		East:  values["east"],
		West:  values["west"],
	}, nil
}

func isAOIKey(k string) bool {
	for _, want := range aoiKeys {
		if k == want {
			return true
		}
	}
	return false
}

// Validate checks ordering (north > south, east > west) and latitude range.
func (a AOI) Validate() error {
	if a.North <= a.South {
		return fmt.Errorf("%w: north %g must be greater than south %g", ErrMalformedAOI, a.North, a.South)
	}
	if a.East <= a.West {
		return fmt.Errorf("%w: east %g must be greater than west %g", ErrMalformedAOI, a.East, a.West)
	}
	if a.North > 90 || a.South < -90 {
		return fmt.Errorf("%w: latitude outside [-90, 90]", ErrMalformedAOI)
	}
	return nil
}

// Bounds returns the AOI as a rectangle with x = longitude, y = latitude.
func (a AOI) Bounds() Bounds {
	return Bounds{Left: a.West, Bottom: a.South, Right: a.East, Top: a.North}
}

// String formats the AOI the way ParseAOI reads it.
func (a AOI) String() string {
	return fmt.Sprintf("north=%s;south=%s;east=%s;west=%s",
		strconv.FormatFloat(a.North, 'g', -1, 64),
		strconv.FormatFloat(a.South, 'g', -1, 64),
		strconv.FormatFloat(a.East, 'g', -1, 64),
		strconv.FormatFloat(a.West, 'g', -1, 64))
}
