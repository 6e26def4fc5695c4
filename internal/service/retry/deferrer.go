package retry

import (
	"sync"
	"time"
)

// Deferrer arms one pending callback per key. Arming a key again replaces
// the previous callback.
type Deferrer interface {
	Arm(key string, at time.Time, fire func())
	Cancel(key string)
	Stop()
}

// TimerDeferrer implements Deferrer with time.AfterFunc.
type TimerDeferrer struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	now     func() time.Time
	stopped bool
}

// NewTimerDeferrer returns an empty deferrer on the wall clock.
func NewTimerDeferrer() *TimerDeferrer {
	return &TimerDeferrer{timers: make(map[string]*time.Timer), now: time.Now}
}

// Arm replaces any timer already armed under key.
func (d *TimerDeferrer) Arm(key string, at time.Time, fire func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	wait := at.Sub(d.now())
	if wait < 0 {
		wait = 0
	}
	var t *time.Timer
	t = time.AfterFunc(wait, func() {
		d.mu.Lock()
		if d.timers[key] == t {
			delete(d.timers, key)
		}
		d.mu.Unlock()
		fire()
	})
	d.timers[key] = t
}

// Cancel is a no-op for an unknown key.
func (d *TimerDeferrer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[key]; ok {
		t.Stop()
		delete(d.timers, key)
	}
}

// Pending returns the number of armed timers.
func (d *TimerDeferrer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// Stop cancels every timer and rejects further arming.
func (d *TimerDeferrer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for k, t := range d.timers {
		t.Stop()
		delete(d.timers, k)
	}
}
