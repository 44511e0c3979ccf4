package session

import (
	"fmt"

	"github.com/travesseiro/pillowlink/internal/protocol"
)

// PillowStatus is the last known device state.
type PillowStatus struct {
	Connected    bool   `json:"connected"`
	Active       bool   `json:"active"`
	BatteryPct   uint8  `json:"battery_pct"`
	IntensityPct uint8  `json:"intensity_pct"`
	BPM          uint32 `json:"bpm"`
	DeviceName   string `json:"device_name,omitempty"`
}

// DefaultStatus is the status before any telemetry arrived.
func DefaultStatus() PillowStatus {
	return PillowStatus{BatteryPct: 100, IntensityPct: 50}
}

// Apply merges the fields present in f. A disconnected pillow is never
// active, whatever the frame says.
func (s PillowStatus) Apply(f protocol.TelemetryFrame) PillowStatus {
	if f.BPM != nil {
		s.BPM = *f.BPM
	}
	if f.Battery != nil {
		s.BatteryPct = *f.Battery
	}
	if f.Active != nil {
		s.Active = *f.Active
	}
	if f.Intensity != nil {
		s.IntensityPct = *f.Intensity
	}
	if !s.Connected {
		s.Active = false
	}
	return s
}

// UserSettings are the user's pillow preferences. The session only reads
// them.
type UserSettings struct {
	TouchSensitivity     uint8                `json:"touch_sensitivity" yaml:"touch_sensitivity"`
	MassageType          protocol.MassageType `json:"massage_type" yaml:"massage_type"`
	AutoActivateBPMLimit uint32               `json:"auto_activate_bpm_limit" yaml:"auto_activate_bpm_limit"`
}

// DefaultSettings returns the factory preferences; auto-activation is off.
func DefaultSettings() UserSettings {
	return UserSettings{
		TouchSensitivity: 50,
		MassageType:      protocol.Vibration,
	}
}

func (u UserSettings) Validate() error {
	if u.TouchSensitivity > 100 {
		return fmt.Errorf("session: touch_sensitivity %d out of range 0-100", u.TouchSensitivity)
	}
	if !u.MassageType.Valid() {
		return fmt.Errorf("session: invalid massage_type %s", u.MassageType)
	}
	return nil
}

// Commands returns the commands that configure a device with u.
func (u UserSettings) Commands() []protocol.Command {
	return []protocol.Command{
		protocol.Sensitivity(u.TouchSensitivity),
		protocol.Mode(u.MassageType),
		protocol.AutoBPM(u.AutoActivateBPMLimit),
	}
}
