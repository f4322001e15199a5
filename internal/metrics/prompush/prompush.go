// Package prompush implements a Prometheus Pushgateway backend for the
// internal/metrics package.
//
// A load run is a batch job, so nothing scrapes it; cumulative values are
// pushed to the gateway on Flush, replacing the job's previous group.
package prompush

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/vbyelov/turning-pages-etl/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Backend implements metrics.Backend on a private registry.
type Backend struct {
	reg    *prometheus.Registry
	pusher *push.Pusher

	stages   *prometheus.CounterVec
	rows     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewBackend registers the load metrics and prepares a pusher for job at the
// gateway URL. Nothing is sent until Flush.
func NewBackend(job, gatewayURL string) (*Backend, error) {
	if strings.TrimSpace(job) == "" {
		return nil, fmt.Errorf("prompush: empty job name")
	}
	u, err := url.Parse(gatewayURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("prompush: invalid gateway url %q", gatewayURL)
	}

	b := &Backend{
		reg: prometheus.NewRegistry(),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.StageTotal,
			Help: "Finished load stages by status.",
		}, []string{"stage", "status"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RowsTotal,
			Help: "Staged rows by stage and outcome.",
		}, []string{"stage", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metrics.StageDuration,
			Help:    "Stage wall time in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage", "status"}),
	}
	b.reg.MustRegister(b.stages, b.rows, b.duration)
	b.pusher = push.New(gatewayURL, job).Gatherer(b.reg)
	return b, nil
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	switch name {
	case metrics.StageTotal:
		b.stages.WithLabelValues(labels["stage"], labels["status"]).Add(delta)
	case metrics.RowsTotal:
		if labels["outcome"] == "" {
			return
		}
		b.rows.WithLabelValues(labels["stage"], labels["outcome"]).Add(delta)
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != metrics.StageDuration || value < 0 {
		return
	}
	b.duration.WithLabelValues(labels["stage"], labels["status"]).Observe(value)
}

// Flush pushes every collected metric, replacing the job's group.
func (b *Backend) Flush() error {
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: push: %w", err)
	}
	return nil
}

var (
	_ metrics.Backend = (*Backend)(nil)
	_ metrics.Flusher = (*Backend)(nil)
)
