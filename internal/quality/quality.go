// Package quality maps a requested streaming preset and the current network
// connection class to the preset a broadcast actually uses.
package quality

import (
	"fmt"
	"strings"
)

// Preset is a named (resolution, bitrate) pair. Presets are ordered by
// increasing demand; the order is only used for the cellular clamp.
type Preset int

const (
	Preset480 Preset = iota
	Preset640
	Preset640HighBitrate
	Preset960
	Preset1280
	Preset1280HighBitrate
)

// DefaultPreset is used when nothing else is configured.
const DefaultPreset = Preset640

// CellularCeiling is the highest preset permitted on a cellular connection.
const CellularCeiling = Preset640

type presetSpec struct {
	name          string
	width, height int
	kbps          int
}

var presets = [...]presetSpec{
	Preset480:             {"480", 480, 270, 464},
	Preset640:             {"640", 640, 360, 664},
	Preset640HighBitrate:  {"640hb", 640, 360, 1296},
	Preset960:             {"960", 960, 540, 3596},
	Preset1280:            {"1280", 1280, 720, 5128},
	Preset1280HighBitrate: {"1280hb", 1280, 720, 6628},
}

// Valid reports whether p is one of the six defined presets.
func (p Preset) Valid() bool {
	return p >= Preset480 && p <= Preset1280HighBitrate
}

// Resolution returns the frame width and height in pixels.
func (p Preset) Resolution() (width, height int) {
	if !p.Valid() {
		return 0, 0
	}
	s := presets[p]
	return s.width, s.height
}

// Bitrate returns the target video bitrate in bits per second.
func (p Preset) Bitrate() int {
	if !p.Valid() {
		return 0
	}
	return presets[p].kbps * 1000
}

func (p Preset) String() string {
	if !p.Valid() {
		return fmt.Sprintf("Preset(%d)", int(p))
	}
	return presets[p].name
}

// ParsePreset accepts the preset names used in configuration ("480", "640",
// "640hb", "960", "1280", "1280hb"); "high" spellings are tolerated.
func ParsePreset(s string) (Preset, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if strings.HasSuffix(name, "highbitrate") {
		name = strings.TrimSuffix(name, "highbitrate") + "hb"
	}
	for p, spec := range presets {
		if spec.name == name {
			return Preset(p), nil
		}
	}
	return DefaultPreset, fmt.Errorf("unknown quality preset %q", s)
}

// ConnectionClass is the externally observed network type.
type ConnectionClass int

const (
	ConnectionNone ConnectionClass = iota
	ConnectionCellular
	ConnectionWiFi
)

func (c ConnectionClass) String() string {
	switch c {
	case ConnectionCellular:
		return "cellular"
	case ConnectionWiFi:
		return "wifi"
	default:
		return "none"
	}
}

// ParseConnectionClass parses "cellular", "wifi" or "none".
func ParseConnectionClass(s string) (ConnectionClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cellular", "wwan", "mobile":
		return ConnectionCellular, nil
	case "wifi", "wi-fi", "ethernet":
		return ConnectionWiFi, nil
	case "none", "":
		return ConnectionNone, nil
	}
	return ConnectionNone, fmt.Errorf("unknown connection class %q", s)
}

// EffectivePreset clamps requested down to CellularCeiling when the
// connection is cellular. Any other combination returns requested unchanged.
func EffectivePreset(requested Preset, class ConnectionClass) Preset {
	if class == ConnectionCellular && requested > CellularCeiling {
		return CellularCeiling
	}
	return requested
}
