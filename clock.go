// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpusched

import "time"

// Clock supplies time and one-shot timers to the filter.
// Timer callbacks must run on the goroutine that owns the filter.
// A Loop is a Clock whose timers fire on the loop goroutine; tests
// substitute a virtual clock.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f once d has elapsed. stop cancels the call and
	// reports whether it was still pending.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

// oneShotTimer holds at most one armed timer on a Clock.
type oneShotTimer struct {
	clock Clock
	stop  func() bool
	gen   uint64
}

// start arms the timer, replacing any armed one.
func (t *oneShotTimer) start(d time.Duration, f func()) {
	t.cancel()
	t.gen++
	gen := t.gen
	t.stop = t.clock.AfterFunc(d, func() {
		if t.gen != gen {
			return
		}
		t.stop = nil
		f()
	})
}

// cancel disarms the timer.
func (t *oneShotTimer) cancel() {
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
	t.gen++
}
