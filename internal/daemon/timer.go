package daemon

import "time"

// Timer holds at most one armed wake-up deadline. Arming replaces any prior
// deadline, so there is never more than one pending firing outstanding.
// Wake-ups are proportional to schedule changes, not wall-clock ticks.
//
// Not safe for concurrent use: the watch loop is its only owner.
type Timer struct {
	timer    *time.Timer
	armed    bool
	deadline time.Time
}

func NewTimer() *Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return &Timer{timer: t}
}

// Arm sets the deadline, replacing any existing one. A deadline in the past
// fires immediately.
func (t *Timer) Arm(at time.Time) {
	t.drain()
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	t.timer.Reset(d)
	t.armed = true
	t.deadline = at
}

// Disarm clears any pending deadline.
func (t *Timer) Disarm() {
	t.drain()
	t.armed = false
	t.deadline = time.Time{}
}

// C is the firing channel. After receiving, the owner must Arm or Disarm
// before the next wait.
func (t *Timer) C() <-chan time.Time {
	return t.timer.C
}

// Deadline returns the armed deadline, if any.
func (t *Timer) Deadline() (time.Time, bool) {
	return t.deadline, t.armed
}

// Fired tells the timer its firing was consumed from C, so the next Arm
// must not drain the channel.
func (t *Timer) Fired() {
	t.armed = false
}

func (t *Timer) drain() {
	if !t.timer.Stop() && t.armed {
		select {
		case <-t.timer.C:
		default:
		}
	}
}
