// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics defines the Prometheus collectors for workflow and node
// execution. Each Metrics owns its registry so several engines can run in
// one process.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/flowengine/internal/queue"
)

const namespace = "flowengine"

// Metrics records workflow and node outcomes.
type Metrics struct {
	registry *prometheus.Registry

	workflows    *prometheus.CounterVec
	nodes        *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec
}

// New creates a Metrics with its own registry. Go runtime and process
// collectors are included.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Total number of finished workflow executions by status.",
		}, []string{"status"}),
		nodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_total",
			Help:      "Total number of processed node jobs by type and status.",
		}, []string{"node_type", "status"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Node processing duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"node_type"}),
	}

	m.registry.MustRegister(
		m.workflows,
		m.nodes,
		m.nodeDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WorkflowFinished counts a workflow reaching status.
func (m *Metrics) WorkflowFinished(status string) {
	if m == nil {
		return
	}
	m.workflows.WithLabelValues(status).Inc()
}

// NodeFinished counts a processed node and observes its duration.
func (m *Metrics) NodeFinished(nodeType string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.nodes.WithLabelValues(nodeType, status).Inc()
	m.nodeDuration.WithLabelValues(nodeType).Observe(d.Seconds())
}

// CountSource reports per-state job counts for a queue.
type CountSource interface {
	Name() string
	Counts(ctx context.Context) queue.Counts
}

// WatchQueues registers a collector exposing flowengine_queue_jobs for each
// source, read at scrape time.
func (m *Metrics) WatchQueues(sources ...CountSource) error {
	return m.registry.Register(&queueCollector{sources: sources})
}

var queueJobsDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "queue_jobs"),
	"Number of jobs in a queue by state.",
	[]string{"queue", "state"}, nil,
)

type queueCollector struct {
	sources []CountSource
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueJobsDesc
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	for _, src := range c.sources {
		counts := src.Counts(context.Background())
		for state, n := range map[queue.State]int{
			queue.StateWaiting:   counts.Waiting,
			queue.StateActive:    counts.Active,
			queue.StateCompleted: counts.Completed,
			queue.StateFailed:    counts.Failed,
			queue.StateDelayed:   counts.Delayed,
		} {
			ch <- prometheus.MustNewConstMetric(queueJobsDesc, prometheus.GaugeValue,
				float64(n), src.Name(), string(state))
		}
	}
}
