package daemon

import (
	"sync"
	"time"
)

// Gate collapses bursts of filesystem change notifications into a single
// rescan trigger. Notify may be called concurrently and arbitrarily often;
// the trigger fires once per quiet period, after the last call.
//
// Bursts are the normal case: writing a multi-file post folder produces one
// event per file, and acting before the burst settles would scan a
// half-written post.
type Gate struct {
	mu      sync.Mutex
	quiet   time.Duration
	timer   *time.Timer
	fire    chan struct{}
	stopped bool
}

func NewGate(quiet time.Duration) *Gate {
	return &Gate{
		quiet: quiet,
		fire:  make(chan struct{}, 1),
	}
}

// Notify records a filesystem change and restarts the quiet-period
// countdown.
func (g *Gate) Notify() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		return
	}
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(g.quiet, func() {
		select {
		case g.fire <- struct{}{}:
		default:
			// A trigger is already pending; it covers this burst too.
		}
	})
}

// C delivers one value per elapsed quiet period.
func (g *Gate) C() <-chan struct{} {
	return g.fire
}

// Stop cancels any pending trigger. Subsequent Notify calls are ignored.
func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.stopped = true
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
