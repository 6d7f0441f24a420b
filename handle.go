// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpusched

// ChannelHandle is a weak reference to a Channel.
//
// It is a plain value that may be copied to any goroutine, but it is only
// resolved on the main loop. Handle ids are never reused, so a handle to a
// destroyed channel resolves to nil even if a new channel takes its place.
type ChannelHandle struct {
	table *channelTable
	id    uint32
}

// Resolve returns the channel, or nil once it has been destroyed.
// Main loop only.
func (h ChannelHandle) Resolve() *Channel {
	if h.table == nil {
		return nil
	}
	return h.table.live[h.id]
}

// channelTable owns the handle namespace of one main loop.
type channelTable struct {
	ids  Sequence
	live map[uint32]*Channel
}

func newChannelTable() *channelTable {
	return &channelTable{live: make(map[uint32]*Channel)}
}

func (t *channelTable) add(ch *Channel) ChannelHandle {
	id := t.ids.Next()
	t.live[id] = ch
	return ChannelHandle{table: t, id: id}
}

func (t *channelTable) remove(h ChannelHandle) {
	delete(t.live, h.id)
}
