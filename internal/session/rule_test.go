package session

import (
	"testing"

	"github.com/travesseiro/pillowlink/internal/protocol"
)

func TestRuleEvaluate(t *testing.T) {
	connected := PillowStatus{Connected: true}

	tests := []struct {
		name   string
		rule   Rule
		frame  string
		status PillowStatus
		want   bool
	}{
		{"below limit", Rule{Limit: 100}, "BPM:99", connected, false},
		{"at limit", Rule{Limit: 100}, "BPM:100", connected, true},
		{"above limit", Rule{Limit: 100}, "BPM:130", connected, true},
		{"disabled", Rule{Limit: 0}, "BPM:180", connected, false},
		{"disconnected", Rule{Limit: 100}, "BPM:120", PillowStatus{}, false},
		{"frame without bpm", Rule{Limit: 100}, "BAT:50", connected, false},
		{"already active", Rule{Limit: 100}, "BPM:120", PillowStatus{Connected: true, Active: true}, false},
		{"already active, repeat", Rule{Limit: 100, Repeat: true}, "BPM:120", PillowStatus{Connected: true, Active: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := protocol.Decode(tt.frame)
			merged := tt.status.Apply(frame)
			if got := tt.rule.Evaluate(frame, merged); got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.frame, got, tt.want)
			}
		})
	}
}

func TestRuleIgnoresUnrelatedFieldsAfterHighBPM(t *testing.T) {
	rule := Rule{Limit: 100, Repeat: true}
	status := PillowStatus{Connected: true}.Apply(protocol.Decode("BPM:120"))

	// BPM is still over the limit, but this frame does not carry it.
	frame := protocol.Decode("BAT:40;INTENSITY:60")
	if rule.Evaluate(frame, status.Apply(frame)) {
		t.Error("a frame without BPM must not trigger the rule")
	}
}

func TestStatusApplyKeepsInactiveWhenDisconnected(t *testing.T) {
	s := DefaultStatus().Apply(protocol.Decode("STATUS:ACTIVE;BPM:80"))
	if s.Active {
		t.Error("a disconnected pillow must never be active")
	}
	if s.BPM != 80 {
		t.Errorf("BPM = %d, want 80", s.BPM)
	}
	if s.BatteryPct != 100 || s.IntensityPct != 50 {
		t.Errorf("defaults changed: %+v", s)
	}
}

func TestStatusApplyPartial(t *testing.T) {
	s := PillowStatus{Connected: true, BatteryPct: 90, IntensityPct: 50, BPM: 70}
	s = s.Apply(protocol.Decode("BPM:72;GARBAGE;BAT:abc;STATUS:active"))
	want := PillowStatus{Connected: true, Active: true, BatteryPct: 90, IntensityPct: 50, BPM: 72}
	if s != want {
		t.Errorf("Apply() = %+v, want %+v", s, want)
	}
}

func TestUserSettings(t *testing.T) {
	def := DefaultSettings()
	if err := def.Validate(); err != nil {
		t.Fatalf("DefaultSettings().Validate() error = %v", err)
	}

	bad := def
	bad.TouchSensitivity = 101
	if bad.Validate() == nil {
		t.Error("Validate() should reject sensitivity above 100")
	}
	bad = def
	bad.MassageType = protocol.MassageType(9)
	if bad.Validate() == nil {
		t.Error("Validate() should reject an unknown massage type")
	}

	s := UserSettings{TouchSensitivity: 40, MassageType: protocol.Circular, AutoActivateBPMLimit: 110}
	var got []string
	for _, cmd := range s.Commands() {
		got = append(got, cmd.String())
	}
	want := []string{"SENS:40", "MODE:Circular", "AUTOBPM:110"}
	if len(got) != len(want) {
		t.Fatalf("Commands() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Commands()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
