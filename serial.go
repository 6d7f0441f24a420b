// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpusched

import "code.hybscloud.com/atomix"

// Sequence is an owned, monotonically increasing id generator.
// The zero value starts at 1. Safe for concurrent use.
//
// Route ids, sync point ids and channel handles each draw from their own
// Sequence, so independent channels and registries never share counters.
type Sequence struct {
	n atomix.Uint32
}

// NewSequence returns a sequence whose first Next value is start.
func NewSequence(start uint32) *Sequence {
	s := &Sequence{}
	if start > 0 {
		s.n.Store(start - 1)
	}
	return s
}

// Next returns the next value. Zero is skipped on wrap-around.
func (s *Sequence) Next() uint32 {
	for {
		if v := s.n.Add(1); v != 0 {
			return v
		}
	}
}

// Last returns the most recently issued value, or 0 if none.
func (s *Sequence) Last() uint32 {
	return s.n.Load()
}
