// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package gpusched schedules the IPC messages of a renderer's GPU channel
// and cooperatively preempts channels whose GPU work starves others.
//
// One [Channel] exists per connected renderer process. Messages arrive on
// the I/O loop, pass through the channel's [Filter], and are forwarded to
// the main loop where the channel defers, reorders and routes them to
// command-buffer [Endpoint]s.
//
// # Architecture
//
//   - Threads: two [Loop]s (I/O and main) exchange tasks over [Lane]s, bounded
//     lock-free SPSC queues from [code.hybscloud.com/lfq]. Posting never blocks a loop.
//   - Filter: counts and timestamps inbound messages, answers insert-sync-point
//     requests on the I/O loop, and drives the preemption state machine.
//   - Scheduler: [Channel] dispatches one deferred message per pass. Fast-state
//     queries jump the queue but never twice in a row while real work is pending.
//   - Sync points: [SyncPointRegistry] issues and retires ordering tokens; every
//     issued sync point is retired exactly once.
//   - Preemption: a [PreemptionFlag] raised by one channel's filter withholds
//     dispatch on every channel that observes it, for a bounded duration.
//
// # Weak references
//
// Tasks posted from the I/O loop carry a [ChannelHandle], never the channel.
// The handle is resolved on the main loop and yields nil once the channel is
// destroyed, so sync points addressed to a torn-down channel are retired
// immediately instead of being dropped.
//
// # Example
//
//	p := gpusched.NewProcess(gpusched.WithLogger(log))
//	go p.Run(ctx)
//	conn, _ := p.Connect(ctx, clientID, sender)
//	conn.Deliver(gpusched.NewInsertSyncPoint(route))
package gpusched
