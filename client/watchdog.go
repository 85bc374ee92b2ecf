// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"sync"
	"time"
)

// watchdog calls fire once when it is not reset within the interval.
// A reset that happens before the timer callback runs wins over the pending fire.
type watchdog struct {
	sync.Mutex
	interval   time.Duration
	timer      *time.Timer
	generation uint64
	fire       func()
}

func newWatchdog(fire func()) *watchdog {
	return &watchdog{fire: fire}
}

// arm sets the interval and restarts the timer.
func (w *watchdog) arm(interval time.Duration) {
	w.Lock()
	defer w.Unlock()
	w.interval = interval
	w.restart()
}

// reset restarts the timer if armed.
func (w *watchdog) reset() {
	w.Lock()
	defer w.Unlock()
	if w.interval > 0 {
		w.restart()
	}
}

// cancel stops the timer until armed again.
func (w *watchdog) cancel() {
	w.Lock()
	defer w.Unlock()
	w.interval = 0
	w.generation++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// restart requires lock held.
func (w *watchdog) restart() {
	w.generation++
	if w.timer != nil {
		w.timer.Stop()
	}
	if w.interval <= 0 {
		w.timer = nil
		return
	}
	gen := w.generation
	w.timer = time.AfterFunc(w.interval, func() {
		w.Lock()
		if gen != w.generation {
			w.Unlock()
			return
		}
		w.timer = nil
		w.Unlock()
		w.fire()
	})
}

// watchdogInterval returns the interval for the revised publishing interval (ms) and keep-alive count.
func watchdogInterval(publishingInterval float64, maxKeepAliveCount uint32, multiplier float64) time.Duration {
	ms := publishingInterval * float64(maxKeepAliveCount) * multiplier
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}
