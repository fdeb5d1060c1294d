package bootloader

import (
	"sync"
	"time"
)

// watchdog fires once after a period of inactivity. Kick restarts the
// period; after firing or Stop it does nothing.
type watchdog struct {
	mu      sync.Mutex
	timeout time.Duration
	timer   *time.Timer
	done    bool
}

func startWatchdog(timeout time.Duration, fire func()) *watchdog {
	w := &watchdog{timeout: timeout}
	w.timer = time.AfterFunc(timeout, func() {
		w.mu.Lock()
		if w.done {
			w.mu.Unlock()
			return
		}
		w.done = true
		w.mu.Unlock()
		fire()
	})
	return w
}

func (w *watchdog) Kick() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.done {
		w.timer.Reset(w.timeout)
	}
}

func (w *watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.done = true
	w.timer.Stop()
}
