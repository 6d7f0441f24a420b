// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpusched_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/gpusched"
)

// chanSender hands outbound messages to the test goroutine.
type chanSender chan *gpusched.Message

func (s chanSender) Send(m *gpusched.Message) error {
	s <- m
	return nil
}

func (s chanSender) next(t *testing.T) *gpusched.Message {
	t.Helper()
	select {
	case m := <-s:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no message from the process")
		return nil
	}
}

func startProcess(t *testing.T, opts ...gpusched.Option) (*gpusched.Process, context.Context) {
	t.Helper()
	p := gpusched.NewProcess(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errc; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	return p, ctx
}

func connect(t *testing.T, ctx context.Context, p *gpusched.Process, clientID int32, s gpusched.Sender) *gpusched.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := p.Connect(ctx, clientID, s)
	if err != nil {
		t.Fatalf("Connect(%d): %v", clientID, err)
	}
	return conn
}

func createCommandBuffer(t *testing.T, conn *gpusched.Conn, s chanSender) gpusched.RouteID {
	t.Helper()
	m := gpusched.NewCreateOffscreenCommandBuffer(gpusched.CreateParams{})
	m.ID = 1
	if err := conn.Deliver(m); err != nil {
		t.Fatal(err)
	}
	r := s.next(t)
	route, ok := r.Payload.(gpusched.RouteID)
	if !ok || r.ReplyTo != 1 || route == gpusched.RouteNone {
		t.Fatalf("create reply: %+v", r)
	}
	return route
}

func TestProcessSyncPointRoundTrip(t *testing.T) {
	skipRace(t)
	p, ctx := startProcess(t)
	s := make(chanSender, 16)
	conn := connect(t, ctx, p, 1, s)
	route := createCommandBuffer(t, conn, s)

	if err := conn.Deliver(gpusched.NewAsyncFlush(route, 100)); err != nil {
		t.Fatal(err)
	}
	ins := gpusched.NewInsertSyncPoint(route)
	ins.ID = 2
	if err := conn.Deliver(ins); err != nil {
		t.Fatal(err)
	}
	r := s.next(t)
	id, ok := r.Payload.(gpusched.SyncPoint)
	if !ok || r.ReplyTo != 2 {
		t.Fatalf("insert reply: %+v", r)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !p.Registry().IsRetired(id) {
		if time.Now().After(deadline) {
			t.Fatalf("sync point %d never retired", id)
		}
		time.Sleep(time.Millisecond)
	}

	q := gpusched.NewGetStateFast(route)
	q.ID = 3
	if err := conn.Deliver(q); err != nil {
		t.Fatal(err)
	}
	r = s.next(t)
	if st, ok := r.Payload.(gpusched.State); !ok || st.GetOffset != 100 || st.PutOffset != 100 {
		t.Fatalf("state reply: %+v", r)
	}
}

func TestProcessConnectDuplicate(t *testing.T) {
	skipRace(t)
	p, ctx := startProcess(t)
	s := make(chanSender, 16)
	connect(t, ctx, p, 1, s)
	if _, err := p.Connect(ctx, 1, s); !errors.Is(err, gpusched.ErrChannelExists) {
		t.Fatalf("duplicate Connect: got %v, want ErrChannelExists", err)
	}
}

func TestProcessReconnectAfterClose(t *testing.T) {
	skipRace(t)
	p, ctx := startProcess(t)
	s := make(chanSender, 16)
	conn := connect(t, ctx, p, 1, s)

	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}
	if err := conn.Deliver(gpusched.NewAsyncFlush(1, 1)); !errors.Is(err, gpusched.ErrChannelDestroyed) {
		t.Fatalf("Deliver after Close: got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	conn = connect(t, ctx, p, 1, s)
	createCommandBuffer(t, conn, s)
}

func TestProcessSetPreemptingChannel(t *testing.T) {
	skipRace(t)
	p, ctx := startProcess(t)
	s := make(chanSender, 16)
	connect(t, ctx, p, 1, s)
	connect(t, ctx, p, 2, s)

	if err := p.SetPreemptingChannel(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := p.SetPreemptingChannel(ctx, 9); !errors.Is(err, gpusched.ErrChannelDestroyed) {
		t.Fatalf("unknown client: got %v", err)
	}
}

// countingSender counts outbound messages.
type countingSender struct{ n atomix.Uint64 }

func (s *countingSender) Send(*gpusched.Message) error {
	s.n.Add(1)
	return nil
}

func TestProcessStopRetiresIssuedSyncPoints(t *testing.T) {
	skipRace(t)
	for i := range 20 {
		p := gpusched.NewProcess()
		ctx, cancel := context.WithCancel(context.Background())
		errc := make(chan error, 1)
		go func() { errc <- p.Run(ctx) }()

		var s countingSender
		conn := connect(t, ctx, p, 1, &s)
		// No route 99: each association retires its sync point on the main loop.
		for range 3000 {
			if conn.Deliver(gpusched.NewInsertSyncPoint(99)) != nil {
				break
			}
		}
		cancel()
		if err := <-errc; err != nil {
			t.Fatalf("Run: %v", err)
		}

		if n := p.Registry().Pending(); n != 0 {
			t.Fatalf("run %d: %d of %d replied sync points never retired", i, n, s.n.Load())
		}
	}
}

func TestProcessStopped(t *testing.T) {
	skipRace(t)
	p := gpusched.NewProcess()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	s := make(chanSender, 16)
	conn := connect(t, ctx, p, 1, s)
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := p.Connect(context.Background(), 2, s); !errors.Is(err, gpusched.ErrProcessStopped) {
		t.Fatalf("Connect after stop: got %v", err)
	}
	if err := conn.Deliver(gpusched.NewAsyncFlush(1, 1)); !errors.Is(err, gpusched.ErrProcessStopped) {
		t.Fatalf("Deliver after stop: got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close after stop: %v", err)
	}
}
