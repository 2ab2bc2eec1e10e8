package model

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
)

// Mode is a transport mode.
type Mode int

// Transport modes.
const (
	ModeWalk    Mode = 1
	ModeBike    Mode = 2
	ModeCar     Mode = 3
	ModeTransit Mode = 4
)

var modeNames = map[Mode]string{
	ModeWalk:    "walk",
	ModeBike:    "bike",
	ModeCar:     "car",
	ModeTransit: "transit",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return "unknown"
}

// ParseMode accepts a mode name or its numeric code.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range modeNames {
		if s == name || s == string(rune('0'+int(m))) {
			return m, nil
		}
	}
	return 0, eris.Errorf("model: unknown mode %q", s)
}

// Network is a routing network version.
type Network struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
}

// ModeVariant is a (mode, network) pair matrices are built for. Exactly one
// variant per mode is the default.
type ModeVariant struct {
	ID        int64  `json:"id"`
	Mode      Mode   `json:"mode"`
	NetworkID *int64 `json:"network_id,omitempty"`
	Label     string `json:"label"`
	IsDefault bool   `json:"is_default"`
}

// Stop is a transit stop of a transit mode variant.
type Stop struct {
	ID        int64       `json:"id"`
	HstNr     int64       `json:"hstnr"`
	Name      string      `json:"name"`
	VariantID int64       `json:"variant_id"`
	Geom      *geom.Point `json:"-"`
}

// Location is a routable point in WGS84.
type Location struct {
	ID  int64
	Lon float64
	Lat float64
	// Group partitions destinations, e.g. the infrastructure of a place.
	Group int64
}
