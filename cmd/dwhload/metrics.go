package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vbyelov/turning-pages-etl/internal/config"
	"github.com/vbyelov/turning-pages-etl/internal/metrics"
	"github.com/vbyelov/turning-pages-etl/internal/metrics/datadog"
	"github.com/vbyelov/turning-pages-etl/internal/metrics/prompush"
)

// closingBackend is a metrics backend that owns a background flusher.
type closingBackend interface {
	metrics.Backend
	Close() error
}

// flushingBackend pushes its buffered state once, at shutdown.
type flushingBackend interface {
	metrics.Backend
	Flush() error
}

// Seams for tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (closingBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	newPushBackend = func(job, url string) (flushingBackend, error) {
		return prompush.NewBackend(job, url)
	}
	setMetricsBackend = metrics.SetBackend
)

// initMetrics wires the configured backend into the metrics package. The
// returned cleanup is never nil; it flushes (or closes) the backend and logs a
// failure rather than returning it.
func initMetrics(ctx context.Context, cfg config.MetricsConfig) (func(), error) {
	log := zerolog.Ctx(ctx)
	name := strings.ToLower(strings.TrimSpace(cfg.Backend))

	switch name {
	case "", "none", "noop":
		log.Debug().Str("backend", name).Msg("metrics: disabled")
		return func() {}, nil

	case "pushgateway", "prom", "prometheus":
		b, err := newPushBackend(cfg.Job, cfg.PushgatewayURL)
		if err != nil {
			return func() {}, fmt.Errorf("prometheus push backend: %w", err)
		}
		log.Info().Str("backend", name).Str("url", cfg.PushgatewayURL).Str("job_name", cfg.Job).Msg("metrics: enabled")
		setMetricsBackend(b)
		return func() {
			if err := b.Flush(); err != nil {
				log.Warn().Err(err).Msg("metrics: push flush error")
			}
		}, nil

	case "datadog", "dd":
		tags := datadog.ParseTagsCSV(cfg.Tags)
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    cfg.Job,
			Tags:       tags,
			FlushEvery: cfg.FlushEvery,
		})
		if err != nil {
			return func() {}, fmt.Errorf("datadog backend: %w", err)
		}
		log.Info().Str("backend", name).Str("job_name", cfg.Job).Strs("tags", tags).Msg("metrics: enabled")
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				log.Warn().Err(err).Msg("metrics: datadog close error")
			}
		}, nil

	default:
		return func() {}, fmt.Errorf("unknown metrics backend %q (want none|datadog|pushgateway)", cfg.Backend)
	}
}
