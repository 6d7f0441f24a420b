// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpusched

import (
	"container/heap"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"go.uber.org/zap"
)

var errLoopRunning = errors.New("gpusched: loop already running")

// minIdleWait keeps an overdue timer from turning the idle wait into a
// zero ceiling, which iox.Backoff would replace with its default.
const minIdleWait = 50 * time.Microsecond

// Loop runs tasks and timers on a single goroutine.
//
// Other goroutines reach a loop only through Lanes. Post and AfterFunc
// must be called on the loop goroutine. When nothing is runnable the loop
// waits with adaptive backoff (iox.Backoff) rather than parking on a
// channel. The backoff ceiling follows the nearest timer and never exceeds
// a quarter of the vsync interval.
type Loop struct {
	name string
	cfg  Config
	log  *zap.Logger

	mu       sync.Mutex
	inbound  []*Lane
	outbound []*Lane

	local   []Task
	timers  timerHeap
	seq     uint64
	running atomix.Uint32
}

// NewLoop returns a loop named for logging. Only WithConfig and WithLogger apply.
func NewLoop(name string, opts ...Option) *Loop {
	o := newOptions(opts)
	return newLoop(name, o)
}

func newLoop(name string, o *options) *Loop {
	cfg := o.config
	if cfg.LaneBatch <= 0 {
		cfg.LaneBatch = DefaultConfig().LaneBatch
	}
	if cfg.VsyncInterval <= 0 {
		cfg.VsyncInterval = DefaultVsyncInterval
	}
	return &Loop{
		name: name,
		cfg:  cfg,
		log:  o.logger.With(zap.String("loop", name)),
	}
}

// Name returns the loop's name.
func (l *Loop) Name() string { return l.name }

// Now implements Clock.
func (l *Loop) Now() time.Time { return time.Now() }

// AfterFunc implements Clock. f runs on the loop goroutine.
func (l *Loop) AfterFunc(d time.Duration, f func()) func() bool {
	l.seq++
	t := &loopTimer{when: l.Now().Add(d), seq: l.seq, fn: f}
	heap.Push(&l.timers, t)
	return func() bool {
		if t.fn == nil {
			return false
		}
		t.fn = nil
		return true
	}
}

// Post queues task behind the tasks already queued on this loop.
// Loop goroutine only; other goroutines use a Lane.
func (l *Loop) Post(task Task) {
	l.local = append(l.local, task)
}

// Run drives the loop until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	if l.running.Add(1) != 1 {
		return errLoopRunning
	}
	l.log.Debug("loop started")
	defer l.log.Debug("loop stopped")
	var bo iox.Backoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.tick() {
			bo.Reset()
		} else {
			bo.SetMax(l.idleCeiling())
			bo.Wait()
		}
	}
}

// idleCeiling bounds one idle wait so a timer fires close to its deadline.
func (l *Loop) idleCeiling() time.Duration {
	d := l.cfg.VsyncInterval / 4
	if len(l.timers) > 0 {
		d = min(d, l.timers[0].when.Sub(l.Now()))
	}
	return max(d, minIdleWait)
}

// tick runs one iteration and reports whether anything ran.
func (l *Loop) tick() bool {
	progress := l.runTimers()
	if l.flushOutbound() {
		progress = true
	}

	l.mu.Lock()
	in := l.inbound
	l.mu.Unlock()

	reap := false
	for _, ln := range in {
		if ln.drain(l.cfg.LaneBatch, l.safeRun) > 0 {
			progress = true
		} else if ln.done() {
			reap = true
		}
	}
	if reap {
		l.reapDetached()
	}

	// Tasks posted while running the batch wait for the next tick.
	if batch := l.local; len(batch) > 0 {
		l.local = nil
		for i, t := range batch {
			batch[i] = nil
			l.safeRun(t)
		}
		progress = true
	}
	return progress
}

// flushOutbound moves the overflow of every lane this loop produces into
// its queue. Loop goroutine only, or any single goroutine once Run has
// returned.
func (l *Loop) flushOutbound() bool {
	l.mu.Lock()
	out := l.outbound
	l.mu.Unlock()
	progress := false
	for _, ln := range out {
		if ln.flush() {
			progress = true
		}
	}
	return progress
}

// drainInbound runs every task queued on the lanes into this loop, leaving
// local tasks and timers alone. Only once Run has returned.
func (l *Loop) drainInbound() bool {
	l.mu.Lock()
	in := l.inbound
	l.mu.Unlock()
	progress := false
	for _, ln := range in {
		for ln.drain(l.cfg.LaneBatch, l.safeRun) > 0 {
			progress = true
		}
	}
	return progress
}

func (l *Loop) runTimers() bool {
	ran := false
	now := l.Now()
	for len(l.timers) > 0 && !l.timers[0].when.After(now) {
		t := heap.Pop(&l.timers).(*loopTimer)
		if fn := t.fn; fn != nil {
			t.fn = nil
			l.safeRun(fn)
			ran = true
		}
	}
	return ran
}

func (l *Loop) safeRun(t Task) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("task panicked", zap.Any("panic", r), zap.StackSkip("stack", 1))
		}
	}()
	t()
}

// attachInbound and attachOutbound replace the slices instead of appending
// in place, so a tick holding the previous slice stays consistent.
func (l *Loop) attachInbound(ln *Lane) {
	l.mu.Lock()
	l.inbound = append(slices.Clip(l.inbound), ln)
	l.mu.Unlock()
}

func (l *Loop) attachOutbound(ln *Lane) {
	l.mu.Lock()
	l.outbound = append(slices.Clip(l.outbound), ln)
	l.mu.Unlock()
}

func (l *Loop) reapDetached() {
	l.mu.Lock()
	l.inbound = slices.DeleteFunc(slices.Clone(l.inbound), (*Lane).done)
	l.mu.Unlock()
}

type loopTimer struct {
	when time.Time
	fn   func()
	seq  uint64
}

// timerHeap orders timers by deadline, then by creation.
type timerHeap []*loopTimer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(*loopTimer))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
