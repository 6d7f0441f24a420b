// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpusched

import (
	"time"

	"go.uber.org/zap"
)

// preemptionState is the filter's preemption state.
type preemptionState uint8

const (
	// stateIdle: no flag to raise, nothing pending, or a preemption just ended.
	stateIdle preemptionState = iota
	// stateWaiting: holding off PreemptWait before checking.
	stateWaiting
	// stateChecking: preempt as soon as a message has waited PreemptWait.
	stateChecking
	// statePreempting: the flag is raised.
	statePreempting
)

func (s preemptionState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateWaiting:
		return "waiting"
	case stateChecking:
		return "checking"
	case statePreempting:
		return "preempting"
	}
	return "unknown"
}

type pendingMessage struct {
	received time.Time
	number   uint64
}

// Filter sees every inbound message of a channel on the I/O loop before
// the main loop does.
//
// It counts and timestamps messages so that the channel can preempt other
// channels when its own messages wait too long, and it answers
// MsgInsertSyncPoint on the spot. To stay fair the filter waits PreemptWait
// before preempting and preempts for at most MaxPreempt at a time.
//
// All methods run on the I/O loop.
type Filter struct {
	cfg      Config
	log      *zap.Logger
	metrics  *Metrics
	clock    Clock
	sender   Sender
	registry *SyncPointRegistry
	toMain   Poster
	channel  ChannelHandle

	state      preemptionState
	deadline   time.Time
	timer      oneShotTimer
	preempting *PreemptionFlag

	pending  []pendingMessage
	head     int
	received uint64
	removed  bool
}

func newFilter(o *options, clock Clock, sender Sender, toMain Poster, channel ChannelHandle, log *zap.Logger) *Filter {
	return &Filter{
		cfg:      o.config.withPreemptDefaults(),
		log:      log,
		metrics:  o.metrics,
		clock:    clock,
		sender:   sender,
		registry: o.registry,
		toMain:   toMain,
		channel:  channel,
		timer:    oneShotTimer{clock: clock},
	}
}

// OnMessageReceived inspects m and reports whether the filter consumed it.
// Unconsumed messages continue to the channel on the main loop.
func (f *Filter) OnMessageReceived(m *Message) bool {
	if f.removed {
		return true
	}
	if m.Type == MsgRetireSyncPoint {
		// Only the channel itself may retire sync points.
		f.metrics.filterMessage("rejected")
		f.log.Error("rejected RetireSyncPoint from renderer", messageFields(m)...)
		return true
	}

	f.received++
	f.metrics.filterMessage("received")
	if f.preempting != nil {
		f.pending = append(f.pending, pendingMessage{received: f.clock.Now(), number: f.received})
	}
	f.reconsider()

	if m.Type == MsgInsertSyncPoint {
		f.insertSyncPoint(m)
		return true
	}
	return false
}

// MessageProcessed drops pending records up to and including processed.
func (f *Filter) MessageProcessed(processed uint64) {
	for f.head < len(f.pending) && f.pending[f.head].number <= processed {
		f.head++
	}
	switch {
	case f.head == len(f.pending):
		f.pending = f.pending[:0]
		f.head = 0
	case f.head >= 256 && 2*f.head >= len(f.pending):
		n := copy(f.pending, f.pending[f.head:])
		f.pending = f.pending[:n]
		f.head = 0
	}
	f.reconsider()
}

// SetPreemptingFlag installs the flag this filter raises.
// Accounting of pending messages starts with the next message.
func (f *Filter) SetPreemptingFlag(flag *PreemptionFlag) {
	f.preempting = flag
	f.reconsider()
}

// Received returns the number of messages counted so far.
func (f *Filter) Received() uint64 { return f.received }

func (f *Filter) insertSyncPoint(m *Message) {
	id := f.registry.Generate()
	f.metrics.filterMessage("sync_point")
	if err := f.sender.Send(m.NewReply(id)); err != nil {
		f.log.Warn("sync point reply failed", zap.Uint32("sync_point", id), zap.Error(err))
	}
	channel, registry, route := f.channel, f.registry, m.Route
	f.toMain.Post(func() {
		associateSyncPoint(channel, registry, route, id)
	})
}

// associateSyncPoint runs on the main loop. It must leave id either owned
// by an endpoint with a retirement queued behind it, or retired.
func associateSyncPoint(channel ChannelHandle, registry *SyncPointRegistry, route RouteID, id SyncPoint) {
	if ch := channel.Resolve(); ch != nil {
		if ep := ch.LookupEndpoint(route); ep != nil {
			ep.AddSyncPoint(id)
			ch.OnMessageReceived(NewRetireSyncPoint(route, id))
			return
		}
		// The filter counted the insert; nothing else will report it.
		ch.messageProcessed()
	}
	_ = registry.Retire(id)
}

// remove detaches the filter when its channel is destroyed.
func (f *Filter) remove() {
	if f.removed {
		return
	}
	f.removed = true
	f.timer.cancel()
	if f.state == statePreempting {
		f.preempting.Reset()
		f.metrics.Preempting.Dec()
	}
	f.state = stateIdle
	f.pending = nil
	f.head = 0
}

// reconsider is the single entry point of the preemption state machine.
// It runs after every message, every processed report and every timer fire.
func (f *Filter) reconsider() {
	if f.removed {
		return
	}
	for f.step(f.clock.Now()) {
	}
}

// step applies at most one transition and reports whether it did.
func (f *Filter) step(now time.Time) bool {
	switch f.state {
	case stateIdle:
		if f.preempting == nil || f.empty() {
			return false
		}
		f.enter(stateWaiting)
		f.deadline = now.Add(f.cfg.PreemptWait)
		f.timer.start(f.cfg.PreemptWait, f.reconsider)
		return true

	case stateWaiting:
		if now.Before(f.deadline) {
			return false
		}
		f.timer.cancel()
		f.enter(stateChecking)
		return true

	case stateChecking:
		if f.empty() {
			return false
		}
		if age := f.oldestAge(now); age < f.cfg.PreemptWait {
			// Check again when the oldest message would go long.
			f.timer.start(f.cfg.PreemptWait-age, f.reconsider)
			return false
		}
		f.enter(statePreempting)
		f.preempting.Set()
		f.metrics.Preempting.Inc()
		f.deadline = now.Add(f.cfg.MaxPreempt)
		f.timer.start(f.cfg.MaxPreempt, f.reconsider)
		return true

	case statePreempting:
		if !f.empty() && f.oldestAge(now) >= f.cfg.StopPreempt && now.Before(f.deadline) {
			return false
		}
		f.timer.cancel()
		f.preempting.Reset()
		f.metrics.Preempting.Dec()
		f.enter(stateIdle)
		return true
	}
	return false
}

func (f *Filter) enter(s preemptionState) {
	f.log.Debug("preemption state",
		zap.Stringer("from", f.state),
		zap.Stringer("state", s),
		zap.Int("pending", len(f.pending)-f.head),
	)
	f.state = s
	f.metrics.transition(s)
}

func (f *Filter) empty() bool { return f.head == len(f.pending) }

func (f *Filter) oldestAge(now time.Time) time.Duration {
	return now.Sub(f.pending[f.head].received)
}
