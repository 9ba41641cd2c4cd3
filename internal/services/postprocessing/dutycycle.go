package postprocessing

import "time"

// DutyCycle is an optional schedule layered above the engine: each camera is
// processed for an active window, then idles for a sleep window, repeating
// from the camera's first frame.
type DutyCycle struct {
	activeMs int64
	sleepMs  int64
	leadMs   int64
}

// NewDutyCycle returns nil when disabled, which processes every frame
func NewDutyCycle(enabled bool, active, sleep, backupLead time.Duration) *DutyCycle {
	if !enabled || active <= 0 {
		return nil
	}
	return &DutyCycle{
		activeMs: active.Milliseconds(),
		sleepMs:  sleep.Milliseconds(),
		leadMs:   backupLead.Milliseconds(),
	}
}

func (d *DutyCycle) offset(anchor, now int64) int64 {
	period := d.activeMs + d.sleepMs
	off := (now - anchor) % period
	if off < 0 {
		off += period
	}
	return off
}

// Active reports whether now falls in an active window
func (d *DutyCycle) Active(anchor, now int64) bool {
	if d == nil {
		return true
	}
	return d.offset(anchor, now) < d.activeMs
}

// NearWindowEnd reports whether now is within the backup lead of the active
// window's end, when state should be persisted before going idle.
func (d *DutyCycle) NearWindowEnd(anchor, now int64) bool {
	if d == nil {
		return false
	}
	off := d.offset(anchor, now)
	return off < d.activeMs && off >= d.activeMs-d.leadMs
}

// WindowIndex identifies the cycle now belongs to
func (d *DutyCycle) WindowIndex(anchor, now int64) int64 {
	if d == nil {
		return 0
	}
	return (now - anchor) / (d.activeMs + d.sleepMs)
}
