// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpusched

import "code.hybscloud.com/atomix"

// PreemptionFlag is a shared signal asking other channels to yield.
//
// The filter of the channel that owns the flag sets and resets it from the
// I/O loop. Endpoints of every other channel read it from the main loop.
// The owning channel resets it on teardown so no observer stays preempted.
type PreemptionFlag struct {
	v atomix.Uint32
}

// NewPreemptionFlag returns a cleared flag.
func NewPreemptionFlag() *PreemptionFlag {
	return &PreemptionFlag{}
}

// Set raises the flag.
func (f *PreemptionFlag) Set() {
	f.v.Store(1)
}

// Reset clears the flag.
func (f *PreemptionFlag) Reset() {
	f.v.Store(0)
}

// IsSet reports whether the flag is raised. A nil flag is never set.
func (f *PreemptionFlag) IsSet() bool {
	return f != nil && f.v.Load() != 0
}
