// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpusched

import (
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Wiring connects channels to the main and I/O loops.
type Wiring struct {
	// Main runs tasks on the main loop. Used from the main loop only.
	Main Poster
	// ToMain carries tasks from the I/O loop to the main loop.
	ToMain Poster
	// ToIO carries tasks from the main loop to the I/O loop.
	ToIO Poster
	// IOClock fires the filters' timers on the I/O loop.
	IOClock Clock
}

// Channel schedules the messages of one renderer process on the main loop.
//
// Messages are deferred and dispatched one per pass. A pass stops without
// consuming the head message while its endpoint is unschedulable or
// preempted. All methods run on the main loop.
type Channel struct {
	id       string
	clientID int32
	cfg      Config
	log      *zap.Logger
	metrics  *Metrics
	registry *SyncPointRegistry
	factory  EndpointFactory
	routes   *Sequence
	sender   Sender
	wiring   Wiring
	table    *channelTable
	handle   ChannelHandle
	filter   *Filter
	onRemove func(*Channel)
	loseAll  func()

	deferred  []*Message
	endpoints map[RouteID]Endpoint
	router    *Router

	received  uint64
	processed uint64

	// current is the message being dispatched, nil outside dispatch.
	current  *Message
	requeued bool

	dispatchPending bool
	lastFastState   bool
	destroyed       bool

	preempting  *PreemptionFlag
	preemptedBy *PreemptionFlag
}

func newChannel(clientID int32, sender Sender, w Wiring, table *channelTable, o *options) *Channel {
	routes := o.routes
	if routes == nil {
		routes = &Sequence{}
	}
	c := &Channel{
		id:        "gpu." + uuid.NewString(),
		clientID:  clientID,
		cfg:       o.config,
		metrics:   o.metrics,
		registry:  o.registry,
		factory:   o.factory,
		routes:    routes,
		sender:    sender,
		wiring:    w,
		table:     table,
		endpoints: make(map[RouteID]Endpoint),
		router:    NewRouter(),
	}
	c.log = o.logger.With(zap.String("channel", c.id), zap.Int32("client_id", clientID))
	c.handle = table.add(c)
	clock := w.IOClock
	if o.clock != nil {
		clock = o.clock
	}
	c.filter = newFilter(o, clock, sender, w.ToMain, c.handle, c.log)
	return c
}

// ID returns the channel's opaque id.
func (c *Channel) ID() string { return c.id }

// ClientID returns the id of the renderer process.
func (c *Channel) ClientID() int32 { return c.clientID }

// Handle returns a weak reference to c.
func (c *Channel) Handle() ChannelHandle { return c.handle }

// Filter returns the channel's I/O-loop filter. The main loop only passes
// it along; its methods must run on the I/O loop.
func (c *Channel) Filter() *Filter { return c.filter }

// MessagesReceived returns the number of messages accepted for dispatch.
func (c *Channel) MessagesReceived() uint64 { return c.received }

// MessagesProcessed returns the number of messages fully processed.
func (c *Channel) MessagesProcessed() uint64 { return c.processed }

// Deferred returns the number of messages waiting for dispatch.
func (c *Channel) Deferred() int { return len(c.deferred) }

// OnMessageReceived defers m for dispatch. It returns false once the
// channel is destroyed.
func (c *Channel) OnMessageReceived(m *Message) bool {
	if c.destroyed {
		c.log.Debug("dropped message on destroyed channel", messageFields(m)...)
		return false
	}
	c.received++
	if c.cfg.LogMessages {
		c.log.Debug("received message", messageFields(m)...)
	}
	if m.IsFastState() {
		c.deferFastState(m)
	} else {
		c.deferred = append(c.deferred, m)
	}
	c.OnScheduled()
	return true
}

// deferFastState queues a fast-state query. With no fast-state query
// pending it goes to the front. Otherwise it goes right after the message
// following the last pending one, so the renderer cannot starve real work
// by polling.
//
// A query counts as pending while queued and also when it was the last
// message dispatched. The second case breaks the tie for a renderer that
// polls again as soon as its previous query is answered: that poll still
// lets one regular message through first.
func (c *Channel) deferFastState(m *Message) {
	last := -1
	for i := len(c.deferred) - 1; i >= 0; i-- {
		if c.deferred[i].IsFastState() {
			last = i
			break
		}
	}
	if last < 0 && !c.lastFastState {
		c.deferred = slices.Insert(c.deferred, 0, m)
		return
	}
	// Everything after last is a regular message.
	at := min(last+2, len(c.deferred))
	c.deferred = slices.Insert(c.deferred, at, m)
}

// OnScheduled requests a dispatch pass. Requests while one is pending are
// ignored. Endpoints call it when they become schedulable again.
func (c *Channel) OnScheduled() {
	if c.dispatchPending || c.destroyed {
		return
	}
	c.dispatchPending = true
	h := c.handle
	c.wiring.Main.Post(func() {
		if ch := h.Resolve(); ch != nil {
			ch.handleMessage()
		}
	})
}

// handleMessage is one dispatch pass.
func (c *Channel) handleMessage() {
	c.dispatchPending = false
	if len(c.deferred) == 0 {
		return
	}

	m := c.deferred[0]
	ep := c.endpoints[m.Route]
	if ep != nil {
		if !ep.IsSchedulable() {
			// The endpoint calls OnScheduled when it can make progress.
			c.metrics.dispatch("unschedulable")
			return
		}
		if ep.IsPreempted() {
			c.metrics.dispatch("preempted")
			c.OnScheduled()
			return
		}
	}

	c.deferred[0] = nil
	c.deferred = c.deferred[1:]
	c.lastFastState = m.IsFastState()
	if c.cfg.LogMessages {
		c.log.Debug("dispatching message", messageFields(m)...)
	}

	c.current = m
	var handled bool
	if m.Route == RouteControl {
		handled = c.onControlMessage(m)
	} else {
		handled = c.router.RouteMessage(m)
	}
	c.current = nil

	switch {
	case c.requeued:
		c.requeued = false
		c.metrics.dispatch("requeued")
	case !handled:
		c.metrics.dispatch("failed")
		if m.Sync {
			// Unblock the renderer even though nobody handled the message.
			if err := c.Send(m.NewErrorReply()); err != nil {
				c.log.Warn("error reply failed", zap.Error(err))
			}
		} else {
			c.log.Debug("dropped unroutable message", messageFields(m)...)
		}
		c.messageProcessed()
	case ep != nil && c.LookupEndpoint(m.Route) != nil && ep.HasUnprocessedWork():
		// Route ids are never reused, so a registered route still holds ep.
		// Flush the endpoint's backlog before anything queued behind it.
		c.deferred = slices.Insert(c.deferred, 0, NewRescheduled(m.Route))
		c.metrics.dispatch("rescheduled")
	default:
		c.metrics.dispatch("processed")
		c.messageProcessed()
	}

	if len(c.deferred) > 0 {
		c.OnScheduled()
	}
}

// RequeueMessage puts the message being dispatched back at the front of
// the queue. It does not count as processed. Only valid during dispatch.
func (c *Channel) RequeueMessage() {
	if c.current == nil {
		c.log.Error("RequeueMessage outside dispatch")
		return
	}
	cp := *c.current
	c.deferred = slices.Insert(c.deferred, 0, &cp)
	c.current = nil
	c.requeued = true
}

// messageProcessed advances the processed counter and reports it to the
// filter while the channel can preempt others.
func (c *Channel) messageProcessed() {
	c.processed++
	if c.preempting == nil {
		return
	}
	filter, n := c.filter, c.processed
	c.wiring.ToIO.Post(func() {
		filter.MessageProcessed(n)
	})
}

func (c *Channel) onControlMessage(m *Message) bool {
	switch m.Type {
	case MsgCreateOffscreenCommandBuffer:
		params, _ := m.Payload.(CreateParams)
		route, err := c.CreateEndpoint(params)
		if err != nil {
			c.log.Warn("create command buffer failed", zap.Error(err))
			route = RouteNone
		}
		if m.Sync {
			if err := c.Send(m.NewReply(route)); err != nil {
				c.log.Warn("create command buffer reply failed", zap.Error(err))
			}
		}
		return true
	case MsgDestroyCommandBuffer:
		route, ok := m.Payload.(RouteID)
		if !ok {
			return false
		}
		c.DestroyEndpoint(route)
		return true
	}
	c.log.Warn("unhandled control message", messageFields(m)...)
	return false
}

// CreateEndpoint creates an endpoint on a fresh route. The endpoint starts
// preempted-by the channel's incoming flag, if any.
func (c *Channel) CreateEndpoint(params CreateParams) (RouteID, error) {
	if c.destroyed {
		return RouteNone, ErrChannelDestroyed
	}
	route := RouteID(c.routes.Next())
	ep, err := c.factory(c, route, params)
	if err != nil {
		return RouteNone, fmt.Errorf("gpusched: create endpoint on route %d: %w", route, err)
	}
	if c.preemptedBy != nil {
		ep.SetPreemptByFlag(c.preemptedBy)
	}
	if !c.router.AddRoute(route, ep) {
		ep.Destroy()
		return RouteNone, fmt.Errorf("%w: %d", ErrRouteInUse, route)
	}
	c.endpoints[route] = ep
	c.log.Debug("endpoint created", zap.Int32("route", int32(route)), zap.Int32("surface_id", params.SurfaceID))
	return route, nil
}

// CreateViewCommandBuffer creates an endpoint presenting to surfaceID.
func (c *Channel) CreateViewCommandBuffer(surfaceID int32, params CreateParams) (RouteID, error) {
	params.SurfaceID = surfaceID
	return c.CreateEndpoint(params)
}

// DestroyEndpoint removes route and destroys its endpoint. If the endpoint
// was unschedulable the head of the queue may have been waiting on it, so
// a new dispatch pass is requested.
func (c *Channel) DestroyEndpoint(route RouteID) {
	if c.router.ResolveRoute(route) == nil {
		return
	}
	ep := c.endpoints[route]
	reschedule := ep != nil && !ep.IsSchedulable()
	c.router.RemoveRoute(route)
	delete(c.endpoints, route)
	if ep != nil {
		ep.Destroy()
	}
	c.log.Debug("endpoint destroyed", zap.Int32("route", int32(route)))
	if reschedule {
		c.OnScheduled()
	}
}

// LookupEndpoint returns the endpoint on route, or nil.
func (c *Channel) LookupEndpoint(route RouteID) Endpoint {
	return c.endpoints[route]
}

// AddRoute registers a listener that is not an endpoint.
func (c *Channel) AddRoute(route RouteID, l Listener) error {
	if !c.router.AddRoute(route, l) {
		return fmt.Errorf("%w: %d", ErrRouteInUse, route)
	}
	return nil
}

// RemoveRoute unregisters a listener added with AddRoute.
func (c *Channel) RemoveRoute(route RouteID) {
	if _, ok := c.endpoints[route]; ok {
		return
	}
	c.router.RemoveRoute(route)
}

// PreemptionFlag returns the flag this channel raises to preempt others,
// creating it and installing it on the filter on first use.
func (c *Channel) PreemptionFlag() *PreemptionFlag {
	if c.preempting == nil {
		c.preempting = NewPreemptionFlag()
		filter, flag := c.filter, c.preempting
		c.wiring.ToIO.Post(func() {
			filter.SetPreemptingFlag(flag)
		})
	}
	return c.preempting
}

// SetPreemptByFlag installs the flag that preempts this channel's
// endpoints, including endpoints created later. nil removes it.
func (c *Channel) SetPreemptByFlag(flag *PreemptionFlag) {
	c.preemptedBy = flag
	for _, route := range slices.Sorted(maps.Keys(c.endpoints)) {
		c.endpoints[route].SetPreemptByFlag(flag)
	}
}

// Send delivers m to the renderer. The GPU process never sends
// synchronous requests to a renderer, which could deadlock.
func (c *Channel) Send(m *Message) error {
	if m.Sync && !m.Reply {
		return fmt.Errorf("gpusched: synchronous %s sent to renderer", m.Type)
	}
	if c.destroyed {
		return ErrChannelDestroyed
	}
	if c.cfg.LogMessages {
		c.log.Debug("sending message", messageFields(m)...)
	}
	return c.sender.Send(m)
}

// OnChannelError tears the channel down after a transport error.
// The renderer must reconnect.
func (c *Channel) OnChannelError() {
	c.log.Warn("channel error")
	c.remove()
}

// DestroySoon removes the channel from a later main loop task, so an
// endpoint may call it while one of its messages is being dispatched.
func (c *Channel) DestroySoon() {
	h := c.handle
	c.wiring.Main.Post(func() {
		if ch := h.Resolve(); ch != nil {
			ch.remove()
		}
	})
}

// LoseAllContexts asks the manager to drop every channel of the process,
// this one included. Without a manager only this channel goes.
func (c *Channel) LoseAllContexts() {
	c.log.Warn("all contexts lost")
	if c.loseAll != nil {
		c.loseAll()
		return
	}
	c.DestroySoon()
}

// remove hands the channel to its manager for removal, or destroys it.
func (c *Channel) remove() {
	if c.onRemove != nil {
		c.onRemove(c)
		return
	}
	c.Destroy()
}

// Destroy tears the channel down. Further messages are refused, the
// preempting flag is reset, endpoints are destroyed and the weak handle
// stops resolving, so in-flight sync point associations retire at once.
func (c *Channel) Destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.table.remove(c.handle)
	if c.preempting != nil {
		c.preempting.Reset()
	}
	c.wiring.ToIO.Post(c.filter.remove)

	for _, route := range c.router.Routes() {
		ep := c.endpoints[route]
		c.router.RemoveRoute(route)
		delete(c.endpoints, route)
		if ep != nil {
			ep.Destroy()
		}
	}
	dropped := len(c.deferred)
	c.deferred = nil
	c.log.Info("channel destroyed",
		zap.Int("dropped", dropped),
		zap.Uint64("received", c.received),
		zap.Uint64("processed", c.processed),
	)
}
