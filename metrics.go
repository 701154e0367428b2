// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package docket

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/docket-dev/docket/core/events"
)

// metrics turns scheduler events into prometheus series.
type metrics struct {
	events *prometheus.CounterVec
	leader prometheus.Gauge
}

func newMetrics() *metrics {
	return &metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docket",
			Name:      "events_total",
			Help:      "Scheduler lifecycle events by code and task.",
		}, []string{"code", "task"}),
		leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docket",
			Name:      "leader",
			Help:      "Whether this instance currently runs the planner.",
		}),
	}
}

func (m *metrics) observe(e events.Event) {
	m.events.WithLabelValues(string(e.Code), e.Task).Inc()
}

func (m *metrics) setLeader(leader bool) {
	if leader {
		m.leader.Set(1)
	} else {
		m.leader.Set(0)
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *metrics) Describe(ch chan<- *prometheus.Desc) {
	m.events.Describe(ch)
	m.leader.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *metrics) Collect(ch chan<- prometheus.Metric) {
	m.events.Collect(ch)
	m.leader.Collect(ch)
}

// MetricsCollector returns a prometheus collector exposing the scheduler's
// event counters and leadership gauge, for registration in the embedder's
// registry.
func (s *Scheduler) MetricsCollector() prometheus.Collector {
	return s.metrics
}
