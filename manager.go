// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpusched

import (
	"fmt"
	"maps"
	"slices"

	"go.uber.org/zap"
)

// Manager owns the channels of a GPU process, one per renderer.
//
// It designates at most one preempting channel; every other channel,
// including channels established later, is preempted by its flag.
// All methods run on the main loop.
type Manager struct {
	opts     *options
	log      *zap.Logger
	metrics  *Metrics
	wiring   Wiring
	table    *channelTable
	channels map[int32]*Channel

	preemptor *Channel
	closed    bool
}

// NewManager returns a manager whose channels run on w.
func NewManager(w Wiring, opts ...Option) *Manager {
	return newManager(w, newOptions(opts))
}

func newManager(w Wiring, o *options) *Manager {
	return &Manager{
		opts:     o,
		log:      o.logger,
		metrics:  o.metrics,
		wiring:   w,
		table:    newChannelTable(),
		channels: make(map[int32]*Channel),
	}
}

// Registry returns the sync point registry shared by all channels.
func (m *Manager) Registry() *SyncPointRegistry { return m.opts.registry }

// EstablishChannel creates the channel for clientID.
func (m *Manager) EstablishChannel(clientID int32, sender Sender) (*Channel, error) {
	if m.closed {
		return nil, ErrProcessStopped
	}
	if _, ok := m.channels[clientID]; ok {
		return nil, fmt.Errorf("%w: client %d", ErrChannelExists, clientID)
	}
	o := *m.opts
	// Route ids are per channel.
	o.routes = nil
	ch := newChannel(clientID, sender, m.wiring, m.table, &o)
	ch.onRemove = m.removeChannel
	ch.loseAll = m.LoseAllContexts
	if m.preemptor != nil {
		ch.SetPreemptByFlag(m.preemptor.PreemptionFlag())
	}
	m.channels[clientID] = ch
	m.metrics.Channels.Inc()
	ch.log.Info("channel established")
	return ch, nil
}

// LookupChannel returns the channel of clientID, or nil.
func (m *Manager) LookupChannel(clientID int32) *Channel {
	return m.channels[clientID]
}

// Channels returns the client ids of live channels in ascending order.
func (m *Manager) Channels() []int32 {
	return slices.Sorted(maps.Keys(m.channels))
}

// SetPreemptingChannel makes clientID's channel preempt all others.
func (m *Manager) SetPreemptingChannel(clientID int32) error {
	if m.closed {
		return ErrProcessStopped
	}
	ch, ok := m.channels[clientID]
	if !ok {
		return fmt.Errorf("%w: client %d", ErrChannelDestroyed, clientID)
	}
	if m.preemptor == ch {
		return nil
	}
	m.preemptor = ch
	ch.SetPreemptByFlag(nil)
	flag := ch.PreemptionFlag()
	for _, id := range m.Channels() {
		if other := m.channels[id]; other != ch {
			other.SetPreemptByFlag(flag)
		}
	}
	ch.log.Info("channel set as preemptor")
	return nil
}

// RemoveChannel destroys clientID's channel.
func (m *Manager) RemoveChannel(clientID int32) {
	if ch, ok := m.channels[clientID]; ok {
		m.removeChannel(ch)
	}
}

func (m *Manager) removeChannel(ch *Channel) {
	if m.channels[ch.clientID] != ch {
		return
	}
	delete(m.channels, ch.clientID)
	ch.Destroy()
	m.metrics.Channels.Dec()
	if m.preemptor == ch {
		m.preemptor = nil
		for _, other := range m.channels {
			other.SetPreemptByFlag(nil)
		}
	}
}

// LoseAllContexts removes every channel from a later main loop task.
// Unlike Shutdown, renderers may establish channels again afterwards.
func (m *Manager) LoseAllContexts() {
	m.wiring.Main.Post(func() {
		m.removeAll()
		m.log.Warn("all channels removed after context loss")
	})
}

func (m *Manager) removeAll() {
	for _, id := range m.Channels() {
		m.RemoveChannel(id)
	}
}

// Shutdown destroys every channel. Later attempts to establish a channel
// or designate a preemptor fail with ErrProcessStopped.
func (m *Manager) Shutdown() {
	m.closed = true
	m.removeAll()
	m.log.Info("channels shut down")
}
