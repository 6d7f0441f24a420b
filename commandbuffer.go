// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpusched

import (
	"slices"

	"go.uber.org/zap"
)

// DefaultSliceBudget bounds the commands a CommandBuffer processes per dispatch.
const DefaultSliceBudget = 64

// CommandBuffer is the reference Endpoint.
//
// It keeps a get/put offset pair over a virtual command stream. Flushes
// advance put; each dispatch advances get by at most the slice budget, so a
// large flush leaves a backlog that the channel resumes with MsgRescheduled
// ahead of newer messages. A CommandBuffer waiting on a sync point is
// unschedulable until the sync point retires.
type CommandBuffer struct {
	ch       *Channel
	route    RouteID
	params   CreateParams
	registry *SyncPointRegistry
	log      *zap.Logger

	scheduled bool
	destroyed bool
	preemptBy *PreemptionFlag
	budget    int64

	getOffset int64
	putOffset int64

	syncPoints []SyncPoint
}

// NewCommandBuffer returns a schedulable command buffer on route.
func NewCommandBuffer(ch *Channel, route RouteID, params CreateParams) *CommandBuffer {
	budget := params.SliceBudget
	if budget <= 0 {
		budget = DefaultSliceBudget
	}
	return &CommandBuffer{
		ch:        ch,
		route:     route,
		params:    params,
		registry:  ch.registry,
		log:       ch.log.With(zap.Int32("route", int32(route))),
		scheduled: true,
		budget:    int64(budget),
	}
}

func commandBufferFactory(ch *Channel, route RouteID, params CreateParams) (Endpoint, error) {
	return NewCommandBuffer(ch, route, params), nil
}

// Route returns the route the command buffer is registered on.
func (c *CommandBuffer) Route() RouteID { return c.route }

// State returns the current offsets.
func (c *CommandBuffer) State() State {
	return State{GetOffset: c.getOffset, PutOffset: c.putOffset}
}

// OnMessageReceived implements Listener.
func (c *CommandBuffer) OnMessageReceived(m *Message) bool {
	switch m.Type {
	case MsgAsyncFlush:
		if c.IsPreempted() {
			// Preempted between the head check and dispatch.
			c.ch.RequeueMessage()
			return true
		}
		f, _ := m.Payload.(Flush)
		if f.Commands > 0 {
			c.putOffset += int64(f.Commands)
		}
		c.process()
		return true

	case MsgRescheduled:
		c.process()
		return true

	case MsgGetStateFast:
		if m.Sync {
			if err := c.ch.Send(m.NewReply(c.State())); err != nil {
				c.log.Warn("state reply failed", zap.Error(err))
			}
		}
		return true

	case MsgRetireSyncPoint:
		id, ok := m.Payload.(SyncPoint)
		if !ok {
			return false
		}
		c.retire(id)
		return true

	case MsgWaitSyncPoint:
		id, ok := m.Payload.(SyncPoint)
		if !ok {
			return false
		}
		c.wait(id)
		return true
	}
	return false
}

func (c *CommandBuffer) process() {
	if !c.scheduled || c.IsPreempted() {
		return
	}
	c.getOffset += min(c.budget, c.putOffset-c.getOffset)
}

func (c *CommandBuffer) wait(id SyncPoint) {
	if c.registry.IsRetired(id) {
		return
	}
	c.SetScheduled(false)
	// Runs inline if id retired in the meantime.
	c.registry.AddCallback(id, func() { c.SetScheduled(true) })
}

func (c *CommandBuffer) retire(id SyncPoint) {
	i := slices.Index(c.syncPoints, id)
	if i < 0 {
		c.log.Warn("retire of sync point not owned by endpoint", zap.Uint32("sync_point", id))
		return
	}
	c.syncPoints = slices.Delete(c.syncPoints, i, i+1)
	if err := c.registry.Retire(id); err != nil {
		c.log.Error("retire sync point", zap.Error(err))
	}
}

// SetScheduled changes whether the command buffer accepts messages.
// Becoming schedulable requests a dispatch pass on the channel.
func (c *CommandBuffer) SetScheduled(scheduled bool) {
	if c.scheduled == scheduled {
		return
	}
	c.scheduled = scheduled
	if scheduled && !c.destroyed {
		c.ch.OnScheduled()
	}
}

// IsSchedulable implements Endpoint.
func (c *CommandBuffer) IsSchedulable() bool { return c.scheduled }

// IsPreempted implements Endpoint.
func (c *CommandBuffer) IsPreempted() bool { return c.preemptBy.IsSet() }

// HasUnprocessedWork implements Endpoint.
func (c *CommandBuffer) HasUnprocessedWork() bool {
	return !c.destroyed && c.getOffset < c.putOffset
}

// SetPreemptByFlag implements Endpoint.
func (c *CommandBuffer) SetPreemptByFlag(flag *PreemptionFlag) { c.preemptBy = flag }

// AddSyncPoint implements Endpoint.
func (c *CommandBuffer) AddSyncPoint(id SyncPoint) {
	c.syncPoints = append(c.syncPoints, id)
}

// Destroy implements Endpoint.
func (c *CommandBuffer) Destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	for _, id := range c.syncPoints {
		if err := c.registry.Retire(id); err != nil {
			c.log.Error("retire sync point on destroy", zap.Error(err))
		}
	}
	c.syncPoints = nil
}
