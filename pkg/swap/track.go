package swap

import (
	"swapper3d-go/pkg/gcode"
)

// tracker follows the extruder through the lines the stream sends so
// the guard knows how much filament went out since the last swap. The
// coordinate mode (G90/G91) and the extruder mode (M82/M83) are kept
// apart; E is relative when either one is. Zero value is absolute.
type tracker struct {
	relativeCoord   bool
	relativeExtrude bool
	lastE           float64
}

// relativeE reports whether E words are deltas.
func (t tracker) relativeE() bool {
	return t.relativeCoord || t.relativeExtrude
}

// observe updates the session from a non-guarded line. Caller holds o.mu.
func (o *Orchestrator) observe(cmd *gcode.Command) {
	t := &o.track
	switch cmd.Name {
	case "G90":
		t.relativeCoord = false
	case "G91":
		t.relativeCoord = true
	case "M82":
		t.relativeExtrude = false
	case "M83":
		t.relativeExtrude = true
	case "G92":
		if e, ok, err := cmd.Float("E"); ok && err == nil {
			t.lastE = e
		}
	case "G0", "G1":
		e, ok, err := cmd.Float("E")
		if !ok || err != nil {
			return
		}
		delta := e
		if t.relativeE() {
			t.lastE += e
		} else {
			delta = e - t.lastE
			t.lastE = e
		}
		// net of retracts, never below zero
		o.sess.ExtrusionSinceLastSwap = max(0, o.sess.ExtrusionSinceLastSwap+delta)
	case "M104", "M109":
		if s, ok, err := cmd.Float("S"); ok && err == nil && s > 0 {
			o.sess.SavedTargetTemp = s
		}
	case "M106":
		if s, ok, err := cmd.Float("S"); ok && err == nil {
			o.sess.SavedFanSpeed = s
		}
	case "M107":
		o.sess.SavedFanSpeed = 0
	}
}
