package reassembly

import "time"

// InactivityTimer fires once after a quiet period. Every Restart pushes the
// deadline out again, so it only expires when the line goes silent.
type InactivityTimer struct {
	quiet time.Duration
	timer *time.Timer
}

// NewInactivityTimer creates a stopped timer that calls fire on expiry.
// A zero quiet period yields a timer that never fires on its own; the
// owner then drives expiry by hand.
func NewInactivityTimer(quiet time.Duration, fire func()) *InactivityTimer {
	t := &InactivityTimer{quiet: quiet}
	if quiet <= 0 {
		return t
	}
	t.timer = time.AfterFunc(time.Hour, fire)
	t.timer.Stop()
	return t
}

// Restart re-arms the timer with the full quiet period.
func (t *InactivityTimer) Restart() {
	if t.timer == nil {
		return
	}
	t.timer.Reset(t.quiet)
}

// Stop disarms the timer.
func (t *InactivityTimer) Stop() {
	if t.timer == nil {
		return
	}
	t.timer.Stop()
}
