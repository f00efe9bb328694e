// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

package distsql

import "github.com/prometheus/client_golang/prometheus"

// DistSQLMetrics contains pointers to the metrics for monitoring flow
// execution.
type DistSQLMetrics struct {
	FlowsActive   prometheus.Gauge
	FlowsTotal    prometheus.Counter
	StreamsActive prometheus.Gauge
	StreamsTotal  prometheus.Counter
}

// MakeDistSQLMetrics instantiates the metrics holder.
func MakeDistSQLMetrics() DistSQLMetrics {
	return DistSQLMetrics{
		FlowsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "distflow_flows_active",
			Help: "Number of distributed flows currently active",
		}),
		FlowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distflow_flows_total",
			Help: "Number of distributed flows executed",
		}),
		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "distflow_streams_active",
			Help: "Number of inbound streams currently active",
		}),
		StreamsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distflow_streams_total",
			Help: "Number of inbound streams connected",
		}),
	}
}

// RegisterWith registers all the metrics with the given registry.
func (m DistSQLMetrics) RegisterWith(r prometheus.Registerer) {
	r.MustRegister(m.FlowsActive, m.FlowsTotal, m.StreamsActive, m.StreamsTotal)
}

// FlowStart registers the start of a new flow.
func (m DistSQLMetrics) FlowStart() {
	m.FlowsActive.Inc()
	m.FlowsTotal.Inc()
}

// FlowStop registers the end of a flow.
func (m DistSQLMetrics) FlowStop() {
	m.FlowsActive.Dec()
}

// StreamStart registers the start of a new inbound stream.
func (m DistSQLMetrics) StreamStart() {
	m.StreamsActive.Inc()
	m.StreamsTotal.Inc()
}

// StreamStop registers the end of an inbound stream.
func (m DistSQLMetrics) StreamStop() {
	m.StreamsActive.Dec()
}
