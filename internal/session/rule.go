package session

import "github.com/travesseiro/pillowlink/internal/protocol"

// Rule activates the pillow when the heart rate reaches a limit.
type Rule struct {
	Limit  uint32 // 0 disables the rule
	Repeat bool   // fire again while already active
}

// Evaluate reports whether ACTIVATE should be sent after frame was merged
// into status. Only frames carrying BPM are considered, so battery or
// intensity updates never re-trigger it.
func (r Rule) Evaluate(frame protocol.TelemetryFrame, status PillowStatus) bool {
	if frame.BPM == nil || r.Limit == 0 || !status.Connected {
		return false
	}
	if status.BPM < r.Limit {
		return false
	}
	return r.Repeat || !status.Active
}
