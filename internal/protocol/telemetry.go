// Package protocol implements the pillow's line-based KEY:VALUE wire protocol.
//
// Device to controller frames look like "BPM:72;BAT:90;STATUS:ACTIVE;INTENSITY:40".
// Controller to device commands are one per line: ACTIVATE, DEACTIVATE,
// SENS:<0-100>, MODE:<type>, AUTOBPM:<uint>. Nothing here does I/O.
package protocol

import (
	"strconv"
	"strings"
)

// Telemetry keys, matched case-insensitively.
const (
	KeyBPM       = "BPM"
	KeyBattery   = "BAT"
	KeyStatus    = "STATUS"
	KeyIntensity = "INTENSITY"
)

// Status values. Anything other than StatusActive decodes as inactive.
const (
	StatusActive = "ACTIVE"
	StatusIdle   = "IDLE"
)

const (
	pairSeparator = ";"
	kvSeparator   = ":"
	maxPercent    = 100
)

// TelemetryFrame is the partial update decoded from one telemetry line.
// A nil field means the line carried no usable value for it.
type TelemetryFrame struct {
	BPM       *uint32 `json:"bpm,omitempty"`
	Battery   *uint8  `json:"battery_pct,omitempty"`
	Active    *bool   `json:"active,omitempty"`
	Intensity *uint8  `json:"intensity,omitempty"`
}

// Decode parses one telemetry line. It never fails: pairs without a ':' are
// skipped, unknown keys are ignored, and numeric values that don't parse (or
// percentages above 100) leave their field unset. When a key repeats, the
// last usable value wins.
func Decode(line string) TelemetryFrame {
	var f TelemetryFrame
	for _, pair := range strings.Split(strings.TrimSpace(line), pairSeparator) {
		parts := strings.Split(pair, kvSeparator)
		if len(parts) < 2 {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])

		switch key {
		case KeyBPM:
			if v, err := strconv.ParseUint(value, 10, 32); err == nil {
				bpm := uint32(v)
				f.BPM = &bpm
			}
		case KeyBattery:
			if v, ok := parsePercent(value); ok {
				f.Battery = &v
			}
		case KeyStatus:
			active := strings.EqualFold(value, StatusActive)
			f.Active = &active
		case KeyIntensity:
			if v, ok := parsePercent(value); ok {
				f.Intensity = &v
			}
		}
	}
	return f
}

func parsePercent(s string) (uint8, bool) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil || v > maxPercent {
		return 0, false
	}
	return uint8(v), true
}

// Empty reports whether the frame carries no field at all.
func (f TelemetryFrame) Empty() bool {
	return f.BPM == nil && f.Battery == nil && f.Active == nil && f.Intensity == nil
}

// Merge returns f with every field set in other overriding it.
func (f TelemetryFrame) Merge(other TelemetryFrame) TelemetryFrame {
	if other.BPM != nil {
		f.BPM = other.BPM
	}
	if other.Battery != nil {
		f.Battery = other.Battery
	}
	if other.Active != nil {
		f.Active = other.Active
	}
	if other.Intensity != nil {
		f.Intensity = other.Intensity
	}
	return f
}

// String renders the frame as a telemetry line (without terminator), in
// BPM, BAT, STATUS, INTENSITY order. Unset fields are omitted.
func (f TelemetryFrame) String() string {
	var pairs []string
	if f.BPM != nil {
		pairs = append(pairs, KeyBPM+kvSeparator+strconv.FormatUint(uint64(*f.BPM), 10))
	}
	if f.Battery != nil {
		pairs = append(pairs, KeyBattery+kvSeparator+strconv.Itoa(int(*f.Battery)))
	}
	if f.Active != nil {
		status := StatusIdle
		if *f.Active {
			status = StatusActive
		}
		pairs = append(pairs, KeyStatus+kvSeparator+status)
	}
	if f.Intensity != nil {
		pairs = append(pairs, KeyIntensity+kvSeparator+strconv.Itoa(int(*f.Intensity)))
	}
	return strings.Join(pairs, pairSeparator)
}

// Uint32 returns a pointer to v, for building frames by hand.
func Uint32(v uint32) *uint32 { return &v }

// Uint8 returns a pointer to v.
func Uint8(v uint8) *uint8 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }
