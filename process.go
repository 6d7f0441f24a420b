// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpusched

import (
	"context"
	"errors"
	"sync"

	"code.hybscloud.com/atomix"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Process is a GPU process: an I/O loop running the filters, a main loop
// running the channels, and the lanes between them.
type Process struct {
	log     *zap.Logger
	io      *Loop
	main    *Loop
	manager *Manager

	// control carries requests from API callers to the main loop.
	mu      sync.Mutex
	control *Lane

	stopped atomix.Uint32
}

// NewProcess returns a process. Nothing runs until Run.
func NewProcess(opts ...Option) *Process {
	o := newOptions(opts)
	io := newLoop("io", o)
	main := newLoop("main", o)
	w := Wiring{
		Main:    main,
		ToMain:  NewLane(io, main),
		ToIO:    NewLane(main, io),
		IOClock: io,
	}
	return &Process{
		log:     o.logger,
		io:      io,
		main:    main,
		manager: newManager(w, o),
		control: NewLane(nil, main),
	}
}

// Registry returns the process-wide sync point registry.
func (p *Process) Registry() *SyncPointRegistry { return p.manager.Registry() }

// Run drives both loops until ctx is done or a loop fails.
// Channels still open when the loops exit are destroyed, and every sync
// point already handed to a renderer is retired.
func (p *Process) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.io.Run(ctx)
	})
	g.Go(func() error {
		return p.main.Run(ctx)
	})
	err := g.Wait()

	// Both loops have exited; this goroutine owns their state now.
	p.stopped.Store(1)
	// Waits out a postMain that saw the process running.
	p.mu.Lock()
	p.control.Detach()
	p.mu.Unlock()
	p.manager.Shutdown()
	p.drain()

	p.log.Info("process stopped", zap.Error(err))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// drain runs the tasks still bound for the main loop, including those
// parked in the I/O loop's overflow. Channels are gone by then, so sync
// point associations among them retire their ids.
func (p *Process) drain() {
	for p.io.flushOutbound() || p.main.drainInbound() {
	}
}

func (p *Process) isStopped() bool { return p.stopped.Load() != 0 }

func (p *Process) postMain(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isStopped() || !p.control.postUntil(task, p.isStopped) {
		return ErrProcessStopped
	}
	return nil
}

// call runs fn on the main loop and waits for its result.
func (p *Process) call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	if err := p.postMain(func() { done <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect establishes the channel of renderer clientID. Replies and
// other outbound messages go to sender.
func (p *Process) Connect(ctx context.Context, clientID int32, sender Sender) (*Conn, error) {
	var ch *Channel
	err := p.call(ctx, func() error {
		var err error
		ch, err = p.manager.EstablishChannel(clientID, sender)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Conn{
		p:        p,
		clientID: clientID,
		lane:     NewLane(nil, p.io),
		filter:   ch.Filter(),
		toMain:   p.manager.wiring.ToMain,
		channel:  ch.Handle(),
	}, nil
}

// SetPreemptingChannel makes clientID's channel preempt all others.
func (p *Process) SetPreemptingChannel(ctx context.Context, clientID int32) error {
	return p.call(ctx, func() error {
		return p.manager.SetPreemptingChannel(clientID)
	})
}

// Conn is a renderer's connection to a Process.
// Its methods are safe for concurrent use.
type Conn struct {
	p        *Process
	clientID int32
	filter   *Filter
	toMain   Poster
	channel  ChannelHandle

	mu     sync.Mutex
	lane   *Lane
	closed bool
}

// ClientID returns the renderer's id.
func (c *Conn) ClientID() int32 { return c.clientID }

// Deliver hands an inbound message to the channel. The filter sees it
// first on the I/O loop; messages it does not consume continue to the
// channel on the main loop.
func (c *Conn) Deliver(m *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelDestroyed
	}
	if c.p.isStopped() {
		return ErrProcessStopped
	}
	filter, toMain, h := c.filter, c.toMain, c.channel
	queued := c.lane.postUntil(func() {
		if filter.OnMessageReceived(m) {
			return
		}
		toMain.Post(func() {
			if ch := h.Resolve(); ch != nil {
				ch.OnMessageReceived(m)
			}
		})
	}, c.p.isStopped)
	if !queued {
		return ErrProcessStopped
	}
	return nil
}

// Close destroys the channel. Messages already delivered are still
// filtered but no longer dispatched.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.lane.Detach()
	h, m := c.channel, c.p.manager
	err := c.p.postMain(func() {
		if ch := h.Resolve(); ch != nil {
			m.removeChannel(ch)
		}
	})
	if errors.Is(err, ErrProcessStopped) {
		// Shutdown already destroyed the channel.
		return nil
	}
	return err
}
