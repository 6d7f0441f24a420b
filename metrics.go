// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpusched

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the scheduler's Prometheus collectors.
type Metrics struct {
	// FilterMessages counts inbound messages seen by filters, by kind:
	// "received", "sync_point" or "rejected".
	FilterMessages *prometheus.CounterVec

	// Dispatches counts dispatch pass outcomes, by result:
	// "processed", "rescheduled", "requeued", "failed", "unschedulable"
	// or "preempted".
	Dispatches *prometheus.CounterVec

	// PreemptionTransitions counts filter state entries, by state.
	PreemptionTransitions *prometheus.CounterVec

	// Preempting is the number of filters currently holding their flag raised.
	Preempting prometheus.Gauge

	// SyncPoints counts sync points by op: "generated" or "retired".
	SyncPoints *prometheus.CounterVec

	// Channels is the number of live channels.
	Channels prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FilterMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpusched_filter_messages_total",
				Help: "Inbound channel messages seen on the I/O loop by kind",
			},
			[]string{"kind"},
		),
		Dispatches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpusched_dispatch_total",
				Help: "Channel dispatch pass outcomes by result",
			},
			[]string{"result"},
		),
		PreemptionTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpusched_preemption_transitions_total",
				Help: "Preemption state machine transitions by entered state",
			},
			[]string{"state"},
		),
		Preempting: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "gpusched_preempting",
				Help: "Channels currently preempting other channels",
			},
		),
		SyncPoints: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpusched_sync_points_total",
				Help: "Sync points by operation",
			},
			[]string{"op"},
		),
		Channels: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "gpusched_channels",
				Help: "Live GPU channels",
			},
		),
	}
}

func (m *Metrics) filterMessage(kind string) { m.FilterMessages.WithLabelValues(kind).Inc() }

func (m *Metrics) dispatch(result string) { m.Dispatches.WithLabelValues(result).Inc() }

func (m *Metrics) syncPoint(op string) { m.SyncPoints.WithLabelValues(op).Inc() }

func (m *Metrics) transition(to preemptionState) {
	m.PreemptionTransitions.WithLabelValues(to.String()).Inc()
}
