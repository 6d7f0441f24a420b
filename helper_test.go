// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpusched

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// fakeClock is a virtual Clock. Timers fire only inside Advance.
type fakeClock struct {
	now    time.Time
	seq    uint64
	timers []*fakeTimer
}

type fakeTimer struct {
	when    time.Time
	seq     uint64
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) func() bool {
	c.seq++
	t := &fakeTimer{when: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return func() bool {
		if t.stopped || t.fired {
			return false
		}
		t.stopped = true
		return true
	}
}

// Advance moves time forward by d, firing due timers in deadline order
// with the clock set to each timer's deadline.
func (c *fakeClock) Advance(d time.Duration) {
	end := c.now.Add(d)
	for t := c.next(end); t != nil; t = c.next(end) {
		c.now = t.when
		t.fired = true
		t.f()
	}
	c.now = end
}

func (c *fakeClock) next(end time.Time) *fakeTimer {
	var best *fakeTimer
	for _, t := range c.timers {
		if t.stopped || t.fired || t.when.After(end) {
			continue
		}
		if best == nil || t.when.Before(best.when) || (t.when.Equal(best.when) && t.seq < best.seq) {
			best = t
		}
	}
	return best
}

// armed returns the number of timers still pending.
func (c *fakeClock) armed() int {
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// taskQueue is a Poster whose tasks run when the test says so.
type taskQueue struct {
	tasks []Task
}

func (q *taskQueue) Post(task Task) { q.tasks = append(q.tasks, task) }

// run executes the tasks queued at the time of the call, like one loop
// iteration. Tasks they post wait for the next run.
func (q *taskQueue) run() int {
	batch := q.tasks
	q.tasks = nil
	for _, t := range batch {
		t()
	}
	return len(batch)
}

func (q *taskQueue) len() int { return len(q.tasks) }

type recordingSender struct {
	mu   sync.Mutex
	msgs []*Message
	err  error
}

func (s *recordingSender) Send(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, m)
	return nil
}

func (s *recordingSender) messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Message(nil), s.msgs...)
}

func (s *recordingSender) replies(typ MessageType) []*Message {
	var out []*Message
	for _, m := range s.messages() {
		if m.Reply && m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// recordingEndpoint records dispatched messages. Its scheduling answers
// are set by the test.
type recordingEndpoint struct {
	ch    *Channel
	route RouteID

	got         []*Message
	unschedule  bool
	preempted   bool
	preemptBy   *PreemptionFlag
	unprocessed int
	reject      bool
	requeueOnce bool

	syncPoints []SyncPoint
	destroyed  bool
}

func (e *recordingEndpoint) OnMessageReceived(m *Message) bool {
	e.got = append(e.got, m)
	if e.requeueOnce {
		e.requeueOnce = false
		e.ch.RequeueMessage()
		return true
	}
	if m.Type == MsgRescheduled && e.unprocessed > 0 {
		e.unprocessed--
	}
	return !e.reject
}

func (e *recordingEndpoint) IsSchedulable() bool { return !e.unschedule }

func (e *recordingEndpoint) IsPreempted() bool { return e.preempted || e.preemptBy.IsSet() }

func (e *recordingEndpoint) HasUnprocessedWork() bool { return e.unprocessed > 0 }

func (e *recordingEndpoint) SetPreemptByFlag(flag *PreemptionFlag) { e.preemptBy = flag }

func (e *recordingEndpoint) AddSyncPoint(id SyncPoint) { e.syncPoints = append(e.syncPoints, id) }

func (e *recordingEndpoint) Destroy() { e.destroyed = true }

func (e *recordingEndpoint) types() []MessageType {
	out := make([]MessageType, len(e.got))
	for i, m := range e.got {
		out[i] = m.Type
	}
	return out
}

func (e *recordingEndpoint) ids() []uint64 {
	out := make([]uint64, len(e.got))
	for i, m := range e.got {
		out[i] = m.ID
	}
	return out
}

type endpointRecorder struct {
	eps map[RouteID]*recordingEndpoint
}

func (r *endpointRecorder) create(ch *Channel, route RouteID, _ CreateParams) (Endpoint, error) {
	ep := &recordingEndpoint{ch: ch, route: route}
	r.eps[route] = ep
	return ep, nil
}

// testEnv runs a Manager on task queues standing in for the main and I/O
// loops, with a virtual clock for the filters.
type testEnv struct {
	clock    *fakeClock
	main     *taskQueue
	io       *taskQueue
	sender   *recordingSender
	reg      *prometheus.Registry
	metrics  *Metrics
	logs     *observer.ObservedLogs
	manager  *Manager
	recorder *endpointRecorder
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	reg := prometheus.NewRegistry()
	e := &testEnv{
		clock:    newFakeClock(),
		main:     &taskQueue{},
		io:       &taskQueue{},
		sender:   &recordingSender{},
		reg:      reg,
		metrics:  NewMetrics(reg),
		logs:     logs,
		recorder: &endpointRecorder{eps: make(map[RouteID]*recordingEndpoint)},
	}
	w := Wiring{Main: e.main, ToMain: e.main, ToIO: e.io, IOClock: e.clock}
	base := []Option{WithLogger(zap.New(core)), WithMetrics(e.metrics)}
	e.manager = NewManager(w, append(base, opts...)...)
	return e
}

// withRecorder makes channels create recordingEndpoints.
func (e *testEnv) withRecorder() *testEnv {
	e.manager.opts.factory = e.recorder.create
	return e
}

func (e *testEnv) channel(t *testing.T, clientID int32) *Channel {
	t.Helper()
	ch, err := e.manager.EstablishChannel(clientID, e.sender)
	if err != nil {
		t.Fatalf("EstablishChannel(%d): %v", clientID, err)
	}
	return ch
}

func (e *testEnv) endpoint(t *testing.T, ch *Channel) (RouteID, *recordingEndpoint) {
	t.Helper()
	route, err := ch.CreateEndpoint(CreateParams{})
	if err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}
	ep := e.recorder.eps[route]
	if ep == nil {
		t.Fatalf("route %d: no recording endpoint", route)
	}
	return route, ep
}

// deliver passes m through the filter on the I/O side and forwards it to
// the main queue unless the filter consumed it.
func (e *testEnv) deliver(ch *Channel, m *Message) {
	if ch.Filter().OnMessageReceived(m) {
		return
	}
	h := ch.Handle()
	e.main.Post(func() {
		if c := h.Resolve(); c != nil {
			c.OnMessageReceived(m)
		}
	})
}

// tick runs one iteration of each loop.
func (e *testEnv) tick() {
	e.io.run()
	e.main.run()
}

// settle ticks until both queues are empty.
func (e *testEnv) settle(t *testing.T) {
	t.Helper()
	for range 1000 {
		if e.main.len() == 0 && e.io.len() == 0 {
			return
		}
		e.tick()
	}
	t.Fatalf("loops did not settle: main=%d io=%d", e.main.len(), e.io.len())
}

// preemptor returns a channel whose filter holds its preemption flag.
func (e *testEnv) preemptor(t *testing.T, clientID int32) (*Channel, *PreemptionFlag) {
	t.Helper()
	ch := e.channel(t, clientID)
	flag := ch.PreemptionFlag()
	e.io.run()
	return ch, flag
}

func msg(id uint64, typ MessageType, route RouteID) *Message {
	return &Message{ID: id, Type: typ, Route: route}
}
