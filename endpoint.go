// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpusched

import (
	"maps"
	"slices"
)

// Endpoint is a routable command-buffer destination within a channel.
// All methods are called on the main loop.
type Endpoint interface {
	Listener

	// IsSchedulable reports whether the endpoint can accept messages now.
	// An endpoint that becomes schedulable again must call Channel.OnScheduled.
	IsSchedulable() bool

	// IsPreempted reports whether another channel asked this one to yield.
	IsPreempted() bool

	// HasUnprocessedWork reports whether buffered commands remain after a dispatch.
	HasUnprocessedWork() bool

	// SetPreemptByFlag installs the flag that preempts this endpoint.
	SetPreemptByFlag(flag *PreemptionFlag)

	// AddSyncPoint associates id with the endpoint. The endpoint retires it
	// when the matching MsgRetireSyncPoint is dispatched, or on Destroy.
	AddSyncPoint(id SyncPoint)

	// Destroy releases the endpoint and retires its outstanding sync points.
	Destroy()
}

// CreateParams describes a new endpoint.
type CreateParams struct {
	// ShareGroup is the route of an endpoint to share resources with, or RouteNone.
	ShareGroup RouteID
	// SurfaceID is the presentation surface, zero for offscreen endpoints.
	SurfaceID int32
	// SliceBudget bounds the commands processed per dispatch; zero means the default.
	SliceBudget int
}

// EndpointFactory creates the endpoint for route on ch.
type EndpointFactory func(ch *Channel, route RouteID, params CreateParams) (Endpoint, error)

// Router maps route ids to listeners.
type Router struct {
	routes map[RouteID]Listener
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[RouteID]Listener)}
}

// AddRoute registers l for route. It returns false if route is taken.
func (r *Router) AddRoute(route RouteID, l Listener) bool {
	if _, ok := r.routes[route]; ok {
		return false
	}
	r.routes[route] = l
	return true
}

// RemoveRoute unregisters route.
func (r *Router) RemoveRoute(route RouteID) {
	delete(r.routes, route)
}

// ResolveRoute returns the listener for route, or nil.
func (r *Router) ResolveRoute(route RouteID) Listener {
	return r.routes[route]
}

// RouteMessage delivers m to its route's listener. It returns false if
// no listener exists or the listener did not handle m.
func (r *Router) RouteMessage(m *Message) bool {
	l, ok := r.routes[m.Route]
	if !ok {
		return false
	}
	return l.OnMessageReceived(m)
}

// Routes returns the registered routes in ascending order.
func (r *Router) Routes() []RouteID {
	return slices.Sorted(maps.Keys(r.routes))
}
