// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpusched

import (
	"fmt"
	"math"
)

// RouteID addresses a listener within a channel.
type RouteID int32

const (
	// RouteControl addresses the channel itself.
	RouteControl RouteID = math.MaxInt32
	// RouteNone is the invalid route.
	RouteNone RouteID = -2
)

// MessageType identifies the kind of a message.
type MessageType uint16

const (
	_ MessageType = iota
	// MsgInsertSyncPoint asks for a new sync point (sync, answered on the I/O loop).
	MsgInsertSyncPoint
	// MsgRetireSyncPoint retires a sync point. Only the channel may emit it.
	MsgRetireSyncPoint
	// MsgGetStateFast is the lightweight, frequently polled state query (sync).
	MsgGetStateFast
	// MsgRescheduled is synthesized to resume an endpoint's buffered backlog.
	MsgRescheduled
	// MsgAsyncFlush submits commands to an endpoint. Payload is Flush.
	MsgAsyncFlush
	// MsgWaitSyncPoint deschedules an endpoint until a sync point retires.
	MsgWaitSyncPoint
	// MsgCreateOffscreenCommandBuffer creates an endpoint (control, sync). Payload is CreateParams.
	MsgCreateOffscreenCommandBuffer
	// MsgDestroyCommandBuffer destroys an endpoint (control). Payload is RouteID.
	MsgDestroyCommandBuffer
)

var messageTypeNames = [...]string{
	MsgInsertSyncPoint:              "InsertSyncPoint",
	MsgRetireSyncPoint:              "RetireSyncPoint",
	MsgGetStateFast:                 "GetStateFast",
	MsgRescheduled:                  "Rescheduled",
	MsgAsyncFlush:                   "AsyncFlush",
	MsgWaitSyncPoint:                "WaitSyncPoint",
	MsgCreateOffscreenCommandBuffer: "CreateOffscreenCommandBuffer",
	MsgDestroyCommandBuffer:         "DestroyCommandBuffer",
}

func (t MessageType) String() string {
	if int(t) < len(messageTypeNames) && messageTypeNames[t] != "" {
		return messageTypeNames[t]
	}
	return fmt.Sprintf("MessageType(%d)", uint16(t))
}

// Message is one IPC message as seen by the scheduler.
// Wire encoding is the transport's concern; Payload carries the decoded body.
type Message struct {
	Payload any
	ID      uint64
	// ReplyTo is the ID of the message this one answers, for replies.
	ReplyTo uint64
	Route   RouteID
	Type    MessageType
	// Sync marks a message whose sender blocks until a reply arrives.
	Sync bool
	// Reply marks a reply message.
	Reply bool
	// Err marks an error reply.
	Err bool
}

// Flush is the payload of MsgAsyncFlush.
type Flush struct {
	Commands int
}

// State is the reply payload of MsgGetStateFast.
type State struct {
	GetOffset int64
	PutOffset int64
}

// NewReply returns a successful reply to m carrying payload.
func (m *Message) NewReply(payload any) *Message {
	return &Message{
		Payload: payload,
		ReplyTo: m.ID,
		Route:   m.Route,
		Type:    m.Type,
		Reply:   true,
	}
}

// NewErrorReply returns an error reply to m. The caller unblocks without a result.
func (m *Message) NewErrorReply() *Message {
	r := m.NewReply(nil)
	r.Err = true
	return r
}

// IsFastState reports whether m is a fast-state query.
func (m *Message) IsFastState() bool {
	return m.Type == MsgGetStateFast
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(id=%d route=%d)", m.Type, m.ID, m.Route)
}

// NewInsertSyncPoint returns an insert-sync-point request for route.
func NewInsertSyncPoint(route RouteID) *Message {
	return &Message{Type: MsgInsertSyncPoint, Route: route, Sync: true}
}

// NewRetireSyncPoint returns the retirement message for id on route.
func NewRetireSyncPoint(route RouteID, id SyncPoint) *Message {
	return &Message{Type: MsgRetireSyncPoint, Route: route, Payload: id}
}

// NewGetStateFast returns a fast-state query for route.
func NewGetStateFast(route RouteID) *Message {
	return &Message{Type: MsgGetStateFast, Route: route, Sync: true}
}

// NewRescheduled returns the synthetic continue message for route.
func NewRescheduled(route RouteID) *Message {
	return &Message{Type: MsgRescheduled, Route: route}
}

// NewAsyncFlush returns a flush of n commands for route.
func NewAsyncFlush(route RouteID, n int) *Message {
	return &Message{Type: MsgAsyncFlush, Route: route, Payload: Flush{Commands: n}}
}

// NewWaitSyncPoint returns a wait on id for route.
func NewWaitSyncPoint(route RouteID, id SyncPoint) *Message {
	return &Message{Type: MsgWaitSyncPoint, Route: route, Payload: id}
}

// NewCreateOffscreenCommandBuffer returns the control request creating an endpoint.
func NewCreateOffscreenCommandBuffer(params CreateParams) *Message {
	return &Message{Type: MsgCreateOffscreenCommandBuffer, Route: RouteControl, Sync: true, Payload: params}
}

// NewDestroyCommandBuffer returns the control request destroying route.
func NewDestroyCommandBuffer(route RouteID) *Message {
	return &Message{Type: MsgDestroyCommandBuffer, Route: RouteControl, Payload: route}
}

// Sender delivers outbound messages to the renderer.
// Implementations must be safe for use from both the I/O and main loops.
type Sender interface {
	Send(m *Message) error
}

// Listener receives routed messages. It returns false if m was not handled.
type Listener interface {
	OnMessageReceived(m *Message) bool
}
