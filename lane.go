// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpusched

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
)

// laneCapacity bounds each lane's queue. Overflow beyond it stays with
// the producer, so the bound only limits how much is in flight.
const laneCapacity = 1024

// Task is a unit of work run on a loop goroutine.
type Task func()

// Poster accepts tasks to run on the goroutine that owns its other end.
type Poster interface {
	Post(task Task)
}

// Lane carries tasks from one producer goroutine to one Loop.
// Transport is a bounded lock-free SPSC queue from lfq.
//
// When the producer is itself a Loop, a full queue spills into a
// producer-owned overflow that the producer loop flushes every iteration,
// so two loops posting to each other never block. External producers wait
// past iox.ErrWouldBlock with adaptive backoff instead.
type Lane struct {
	q        lfq.SPSC[Task]
	producer *Loop
	overflow []Task
	posted   atomix.Uint64
	taken    atomix.Uint64
	detached atomix.Uint32
}

// NewLane creates a lane consumed by to. If from is non-nil, from is the
// only goroutine allowed to Post; otherwise the caller must guarantee a
// single producer at a time.
func NewLane(from, to *Loop) *Lane {
	l := &Lane{producer: from}
	l.q.Init(laneCapacity)
	to.attachInbound(l)
	if from != nil {
		from.attachOutbound(l)
	}
	return l
}

// Post enqueues task. Tasks run in posting order.
func (l *Lane) Post(task Task) {
	l.postUntil(task, nil)
}

// postUntil is Post for an external producer that gives up waiting on a
// full queue once stopped reports true. It reports whether task was queued.
func (l *Lane) postUntil(task Task, stopped func() bool) bool {
	if len(l.overflow) == 0 && l.q.Enqueue(&task) == nil {
		l.posted.Add(1)
		return true
	}
	if l.producer != nil {
		l.overflow = append(l.overflow, task)
		l.posted.Add(1)
		return true
	}
	var bo iox.Backoff
	for l.q.Enqueue(&task) != nil {
		if stopped != nil && stopped() {
			return false
		}
		bo.Wait()
	}
	l.posted.Add(1)
	return true
}

// Detach retires an external lane. The consumer drops it once every
// posted task has run. Post must not be called afterwards.
func (l *Lane) Detach() {
	l.detached.Store(1)
}

// flush moves overflow into the queue. Producer goroutine only.
func (l *Lane) flush() bool {
	n := 0
	for n < len(l.overflow) && l.q.Enqueue(&l.overflow[n]) == nil {
		n++
	}
	if n == 0 {
		return false
	}
	clear(l.overflow[:n])
	l.overflow = l.overflow[n:]
	if len(l.overflow) == 0 {
		l.overflow = nil
	}
	return true
}

// drain runs up to max queued tasks. Consumer goroutine only.
func (l *Lane) drain(max int, run func(Task)) int {
	n := 0
	for n < max {
		t, err := l.q.Dequeue()
		if err != nil {
			break
		}
		l.taken.Add(1)
		run(t)
		n++
	}
	return n
}

// done reports whether a detached lane has nothing left to run.
func (l *Lane) done() bool {
	return l.detached.Load() != 0 && l.taken.Load() >= l.posted.Load()
}
