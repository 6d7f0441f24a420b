// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpusched

import (
	"math"
	"testing"
)

func TestSequenceMonotonic(t *testing.T) {
	var s Sequence
	if s.Last() != 0 {
		t.Fatalf("fresh sequence: Last %d", s.Last())
	}
	s1, s2, s3 := s.Next(), s.Next(), s.Next()
	if s1 != 1 || s2 != 2 || s3 != 3 {
		t.Fatalf("values: %d %d %d", s1, s2, s3)
	}
	if s.Last() != 3 {
		t.Fatalf("Last: got %d, want 3", s.Last())
	}
}

func TestSequenceSkipsZero(t *testing.T) {
	s := NewSequence(math.MaxUint32)
	if v := s.Next(); v != math.MaxUint32 {
		t.Fatalf("got %d, want MaxUint32", v)
	}
	if v := s.Next(); v != 1 {
		t.Fatalf("after wrap: got %d, want 1", v)
	}
}

func TestSequencesIndependent(t *testing.T) {
	a, b := NewSequence(1), NewSequence(1)
	a.Next()
	a.Next()
	if v := b.Next(); v != 1 {
		t.Fatalf("sequences share state: got %d", v)
	}
}

func TestPreemptionFlag(t *testing.T) {
	var nilFlag *PreemptionFlag
	if nilFlag.IsSet() {
		t.Fatal("nil flag set")
	}
	f := NewPreemptionFlag()
	if f.IsSet() {
		t.Fatal("new flag set")
	}
	f.Set()
	f.Set()
	if !f.IsSet() {
		t.Fatal("Set did not raise")
	}
	f.Reset()
	if f.IsSet() {
		t.Fatal("Reset did not clear")
	}
}

func TestMessageReplies(t *testing.T) {
	m := NewGetStateFast(3)
	m.ID = 42
	if !m.IsFastState() || !m.Sync {
		t.Fatal("GetStateFast is not a sync fast-state query")
	}
	r := m.NewReply(State{})
	if !r.Reply || r.Sync || r.ReplyTo != 42 || r.Route != 3 {
		t.Fatalf("reply: %+v", r)
	}
	if e := m.NewErrorReply(); !e.Err || e.ReplyTo != 42 {
		t.Fatalf("error reply: %+v", e)
	}
	if got := m.String(); got != "GetStateFast(id=42 route=3)" {
		t.Fatalf("String: %q", got)
	}
	if got := MessageType(999).String(); got != "MessageType(999)" {
		t.Fatalf("unknown type: %q", got)
	}
}
