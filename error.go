// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpusched

import "errors"

var (
	// ErrChannelDestroyed is returned by operations on a channel after teardown began.
	ErrChannelDestroyed = errors.New("gpusched: channel destroyed")

	// ErrSyncPointRetired reports a second retirement of the same sync point.
	// Double retirement is a protocol violation; the registry state is unchanged.
	ErrSyncPointRetired = errors.New("gpusched: sync point already retired")

	// ErrUnknownSyncPoint reports a sync point the registry never issued.
	ErrUnknownSyncPoint = errors.New("gpusched: unknown sync point")

	// ErrRouteInUse reports a route id that is already registered.
	ErrRouteInUse = errors.New("gpusched: route already in use")

	// ErrChannelExists reports a second channel for the same client id.
	ErrChannelExists = errors.New("gpusched: channel already established")

	// ErrProcessStopped is returned by Process operations once its loops exited,
	// and by a Manager after Shutdown.
	ErrProcessStopped = errors.New("gpusched: process stopped")
)
