// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpusched

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// SyncPoint is a cross-context ordering token.
type SyncPoint = uint32

// SyncPointRegistry issues and retires sync points for a GPU process.
//
// Generate and Retire are safe to call from any goroutine. Callbacks added
// with AddCallback run on the goroutine that retires the sync point; every
// retirement inside this package happens on the main loop.
type SyncPointRegistry struct {
	seq     *Sequence
	base    uint32
	log     *zap.Logger
	metrics *Metrics

	mu      sync.Mutex
	pending map[SyncPoint][]func()
}

// NewSyncPointRegistry returns a registry. Options other than WithLogger,
// WithMetrics and WithSyncPointSequence are ignored.
func NewSyncPointRegistry(opts ...Option) *SyncPointRegistry {
	return newSyncPointRegistry(newOptions(opts))
}

func newSyncPointRegistry(o *options) *SyncPointRegistry {
	return &SyncPointRegistry{
		seq:     o.syncPoints,
		base:    o.syncPoints.Last(),
		log:     o.logger,
		metrics: o.metrics,
		pending: make(map[SyncPoint][]func()),
	}
}

// Generate issues a new sync point. The result is greater than any
// previously issued id until the 32-bit space wraps; zero is never issued.
func (r *SyncPointRegistry) Generate() SyncPoint {
	r.mu.Lock()
	id := r.seq.Next()
	r.pending[id] = nil
	r.mu.Unlock()
	r.metrics.syncPoint("generated")
	return id
}

// Retire marks id retired and runs its callbacks.
// It returns ErrSyncPointRetired if id was already retired and
// ErrUnknownSyncPoint if id was never issued.
func (r *SyncPointRegistry) Retire(id SyncPoint) error {
	r.mu.Lock()
	callbacks, ok := r.pending[id]
	if !ok {
		r.mu.Unlock()
		if r.issued(id) {
			r.log.Error("sync point retired twice", zap.Uint32("sync_point", id))
			return fmt.Errorf("%w: %d", ErrSyncPointRetired, id)
		}
		return fmt.Errorf("%w: %d", ErrUnknownSyncPoint, id)
	}
	delete(r.pending, id)
	r.mu.Unlock()

	r.metrics.syncPoint("retired")
	for _, cb := range callbacks {
		cb()
	}
	return nil
}

// IsRetired reports whether id was issued and has been retired.
func (r *SyncPointRegistry) IsRetired(id SyncPoint) bool {
	r.mu.Lock()
	_, pending := r.pending[id]
	r.mu.Unlock()
	return !pending && r.issued(id)
}

// AddCallback runs cb once id is retired. If id is already retired, or was
// never issued, cb runs immediately on the calling goroutine.
func (r *SyncPointRegistry) AddCallback(id SyncPoint, cb func()) {
	r.mu.Lock()
	if callbacks, ok := r.pending[id]; ok {
		r.pending[id] = append(callbacks, cb)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	cb()
}

// Pending returns the number of issued sync points not yet retired.
func (r *SyncPointRegistry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// issued reports whether id has been handed out by Generate.
// Wrap-around makes this approximate for ids older than 2^32 issues.
func (r *SyncPointRegistry) issued(id SyncPoint) bool {
	return id != 0 && id > r.base && id <= r.seq.Last()
}
