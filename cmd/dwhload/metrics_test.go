package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vbyelov/turning-pages-etl/internal/config"
	"github.com/vbyelov/turning-pages-etl/internal/metrics"
	"github.com/vbyelov/turning-pages-etl/internal/metrics/datadog"
)

// fakeMetricsBackend records Close/Flush calls.
type fakeMetricsBackend struct {
	err     error
	closed  atomic.Int64
	flushed atomic.Int64
}

func (b *fakeMetricsBackend) IncCounter(string, float64, metrics.Labels)       {}
func (b *fakeMetricsBackend) ObserveHistogram(string, float64, metrics.Labels) {}

func (b *fakeMetricsBackend) Close() error {
	b.closed.Add(1)
	return b.err
}

func (b *fakeMetricsBackend) Flush() error {
	b.flushed.Add(1)
	return b.err
}

// swapSeams replaces the metrics seams for one test. Tests using it must not
// run in parallel.
func swapSeams(t *testing.T) *atomic.Int64 {
	t.Helper()
	oldDD, oldPush, oldSet := newDatadogBackend, newPushBackend, setMetricsBackend
	t.Cleanup(func() {
		newDatadogBackend, newPushBackend, setMetricsBackend = oldDD, oldPush, oldSet
	})

	var sets atomic.Int64
	setMetricsBackend = func(metrics.Backend) { sets.Add(1) }
	newDatadogBackend = func(context.Context, datadog.Options) (closingBackend, error) {
		t.Fatalf("newDatadogBackend must not be called")
		return nil, nil
	}
	newPushBackend = func(string, string) (flushingBackend, error) {
		t.Fatalf("newPushBackend must not be called")
		return nil, nil
	}
	return &sets
}

func TestInitMetrics_None_DoesNotMutateGlobalState(t *testing.T) {
	sets := swapSeams(t)

	for _, name := range []string{"", "none", "NOOP"} {
		cleanup, err := initMetrics(context.Background(), config.MetricsConfig{Backend: name})
		if err != nil {
			t.Fatalf("backend %q: err=%v", name, err)
		}
		if cleanup == nil {
			t.Fatalf("backend %q: cleanup=nil", name)
		}
		cleanup()
	}
	if sets.Load() != 0 {
		t.Fatalf("setMetricsBackend called %d times", sets.Load())
	}
}

func TestInitMetrics_Datadog_WiresBackendAndCloses(t *testing.T) {
	sets := swapSeams(t)
	b := &fakeMetricsBackend{}

	var got datadog.Options
	newDatadogBackend = func(_ context.Context, opts datadog.Options) (closingBackend, error) {
		got = opts
		return b, nil
	}

	cleanup, err := initMetrics(context.Background(), config.MetricsConfig{
		Backend:    "datadog",
		Job:        "dwhload",
		Tags:       "team:data, env:dev",
		FlushEvery: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("initMetrics err=%v", err)
	}
	if got.JobName != "dwhload" || got.FlushEvery != 30*time.Second {
		t.Fatalf("options=%+v", got)
	}
	if len(got.Tags) != 2 {
		t.Fatalf("tags=%v, want 2", got.Tags)
	}
	if sets.Load() != 1 {
		t.Fatalf("setMetricsBackend calls=%d, want 1", sets.Load())
	}

	cleanup()
	if b.closed.Load() != 1 {
		t.Fatalf("closed=%d, want 1", b.closed.Load())
	}
}

func TestInitMetrics_Datadog_CloseErrorIsLogged(t *testing.T) {
	swapSeams(t)
	b := &fakeMetricsBackend{err: errors.New("flush failed")}
	newDatadogBackend = func(context.Context, datadog.Options) (closingBackend, error) { return b, nil }

	var logged bytes.Buffer
	ctx := zerolog.New(&logged).WithContext(context.Background())

	cleanup, err := initMetrics(ctx, config.MetricsConfig{Backend: "dd", FlushEvery: time.Minute})
	if err != nil {
		t.Fatalf("initMetrics err=%v", err)
	}
	cleanup()

	if !strings.Contains(logged.String(), "metrics: datadog close error") ||
		!strings.Contains(logged.String(), "flush failed") {
		t.Fatalf("log=%q", logged.String())
	}
}

func TestInitMetrics_Pushgateway_FlushesOnCleanup(t *testing.T) {
	sets := swapSeams(t)
	b := &fakeMetricsBackend{}

	var gotJob, gotURL string
	newPushBackend = func(job, url string) (flushingBackend, error) {
		gotJob, gotURL = job, url
		return b, nil
	}

	cleanup, err := initMetrics(context.Background(), config.MetricsConfig{
		Backend:        "pushgateway",
		Job:            "dwhload",
		PushgatewayURL: "http://gw:9091",
	})
	if err != nil {
		t.Fatalf("initMetrics err=%v", err)
	}
	if gotJob != "dwhload" || gotURL != "http://gw:9091" {
		t.Fatalf("job=%q url=%q", gotJob, gotURL)
	}
	if sets.Load() != 1 {
		t.Fatalf("setMetricsBackend calls=%d, want 1", sets.Load())
	}
	cleanup()
	if b.flushed.Load() != 1 {
		t.Fatalf("flushed=%d, want 1", b.flushed.Load())
	}
}

func TestInitMetrics_ConstructorErrors(t *testing.T) {
	sets := swapSeams(t)
	newPushBackend = func(string, string) (flushingBackend, error) { return nil, errors.New("bad url") }

	cleanup, err := initMetrics(context.Background(), config.MetricsConfig{Backend: "prom"})
	if err == nil || !strings.Contains(err.Error(), "bad url") {
		t.Fatalf("err=%v, want constructor error", err)
	}
	cleanup()
	if sets.Load() != 0 {
		t.Fatalf("backend wired despite constructor error")
	}
}

func TestInitMetrics_UnknownBackendErrors(t *testing.T) {
	swapSeams(t)

	cleanup, err := initMetrics(context.Background(), config.MetricsConfig{Backend: "statsd"})
	if err == nil {
		t.Fatal("initMetrics err=nil, want error")
	}
	if cleanup == nil {
		t.Fatal("cleanup=nil, want non-nil")
	}
	cleanup()
	if !strings.Contains(err.Error(), "unknown metrics backend") {
		t.Fatalf("err=%q", err.Error())
	}
}
