package datadog

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vbyelov/turning-pages-etl/internal/metrics"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
	"github.com/jonboulle/clockwork"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

func newTestBackend(t *testing.T, fs *fakeSubmitter, clock clockwork.Clock) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), Options{
		JobName:    "job1",
		FlushEvery: time.Hour,
		submitter:  fs,
		clock:      clock,
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// TestResolveEnvTag verifies environment-tag precedence and defaults.
func TestResolveEnvTag(t *testing.T) {
	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("ENV", tc.env)
			t.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestWrapInitErr(t *testing.T) {
	if got := wrapInitErr(nil); got != nil {
		t.Fatalf("wrapInitErr(nil)=%v, want nil", got)
	}

	in := errors.New("boom")
	got := wrapInitErr(in)
	if !strings.Contains(got.Error(), "datadog metrics init:") {
		t.Fatalf("wrapInitErr prefix missing: %v", got)
	}
	if !errors.Is(got, in) {
		t.Fatalf("wrapInitErr did not wrap original error: got=%v", got)
	}
}

func TestNewBackend_RequiresAPIKeyWithoutSubmitter(t *testing.T) {
	t.Setenv("DD_API_KEY", " ")
	_, err := NewBackend(context.Background(), Options{})
	if err == nil || !strings.Contains(err.Error(), "DD_API_KEY") {
		t.Fatalf("NewBackend() err=%v, want DD_API_KEY error", err)
	}
}

func TestPairKeyRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{name: "normal", a: "customer", b: "ok"},
		{name: "empty_stage", a: "", b: "ok"},
		{name: "empty_status", a: "fact", b: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, b := splitPairKey(pairKey(tc.a, tc.b))
			if a != tc.a || b != tc.b {
				t.Fatalf("roundtrip got=(%q,%q), want=(%q,%q)", a, b, tc.a, tc.b)
			}
		})
	}

	if a, b := splitPairKey("no-sep"); a != "no-sep" || b != "unknown" {
		t.Fatalf("splitPairKey(no-sep)=(%q,%q)", a, b)
	}
}

func TestWithTags(t *testing.T) {
	base := []string{"env:test", "job:dwhload"}
	got := withTags(base, "stage:book", "status:ok")
	want := []string{"env:test", "job:dwhload", "stage:book", "status:ok"}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("withTags()=%v, want %v", got, want)
	}
	got[0] = "env:mutated"
	if base[0] == "env:mutated" {
		t.Fatalf("withTags output aliases base slice")
	}
}

func TestPercentileNearestRank(t *testing.T) {
	tests := []struct {
		name string
		s    []float64
		p    float64
		want float64
	}{
		{name: "empty", s: nil, p: 0.50, want: 0},
		{name: "single", s: []float64{7}, p: 0.95, want: 7},
		{name: "p_le_0", s: []float64{1, 2, 3}, p: -1, want: 1},
		{name: "p_ge_1", s: []float64{1, 2, 3}, p: 2, want: 3},
		{name: "median", s: []float64{1, 2, 3, 4, 5}, p: 0.50, want: 3},
		{name: "p90_small_n", s: []float64{1, 2, 3, 4, 5}, p: 0.90, want: 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := percentileNearestRank(tc.s, tc.p); got != tc.want {
				t.Fatalf("percentileNearestRank(%v,%v)=%v, want %v", tc.s, tc.p, got, tc.want)
			}
		})
	}
}

func TestAddPercentiles_DoesNotMutateSamples(t *testing.T) {
	orig := []float64{5, 1, 3, 2, 4}
	in := append([]float64(nil), orig...)

	var series []datadogV2.MetricSeries
	addPercentiles(&series, []string{"env:test"}, "dwh.stage.duration_seconds", pairKey("fact", "ok"), in, 999)

	if len(series) != 6 {
		t.Fatalf("series.len=%d, want 6", len(series))
	}
	if !reflect.DeepEqual(in, orig) {
		t.Fatalf("samples mutated: got %v, want %v", in, orig)
	}
	for _, s := range series {
		if !contains(s.Tags, "stage:fact") || !contains(s.Tags, "status:ok") {
			t.Fatalf("series %q tags=%v", s.Metric, s.Tags)
		}
		if s.Metric == "dwh.stage.duration_seconds.samples" && *s.Points[0].Value != 5 {
			t.Fatalf("samples gauge=%v, want 5", *s.Points[0].Value)
		}
	}
}

func TestFlush_SubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	clock := clockwork.NewFakeClockAt(time.Unix(1000, 0))
	b := newTestBackend(t, fs, clock)

	b.IncCounter(metrics.StageTotal, 1, metrics.Labels{"stage": "book", "status": "ok"})
	b.IncCounter(metrics.RowsTotal, 3, metrics.Labels{"stage": "book", "outcome": "inserted"})
	b.IncCounter(metrics.RowsTotal, 2, metrics.Labels{"stage": "book", "outcome": "updated"})
	b.ObserveHistogram(metrics.StageDuration, 0.5, metrics.Labels{"stage": "book", "status": "ok"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
	if len(b.stageCounts) != 0 || len(b.rowCounts) != 0 || len(b.durationSamples) != 0 {
		t.Fatalf("buffers not reset after Flush")
	}

	payload, _ := fs.last()
	var names []string
	for _, s := range payload.Series {
		names = append(names, s.Metric)
		if *s.Points[0].Timestamp != 1000 {
			t.Fatalf("timestamp=%d, want 1000", *s.Points[0].Timestamp)
		}
	}
	if !sort.StringsAreSorted(names) {
		t.Fatalf("series not sorted: %v", names)
	}
	for _, w := range []string{
		"dwh.rows.total",
		"dwh.stage.total",
		"dwh.stage.duration_seconds.p50",
		"dwh.stage.duration_seconds.samples",
	} {
		if !contains(names, w) {
			t.Fatalf("payload missing metric %q; got=%v", w, names)
		}
	}

	var rowSeries int
	for _, s := range payload.Series {
		if s.Metric == "dwh.rows.total" {
			rowSeries++
			if !contains(s.Tags, "stage:book") || !contains(s.Tags, "job:job1") {
				t.Fatalf("rows series tags=%v", s.Tags)
			}
		}
	}
	if rowSeries != 2 {
		t.Fatalf("rows series=%d, want 2 (inserted, updated)", rowSeries)
	}
}

func TestFlush_NoDataDoesNotSubmit(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs, clockwork.NewFakeClock())

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 0 {
		t.Fatalf("unexpected submission count=%d, want 0", fs.count())
	}
}

func TestFlush_WrapsSubmitError(t *testing.T) {
	fs := &fakeSubmitter{err: errors.New("403")}
	b := newTestBackend(t, fs, clockwork.NewFakeClock())

	b.IncCounter(metrics.StageTotal, 1, metrics.Labels{"stage": "fact", "status": "error"})
	err := b.Flush()
	if err == nil || !errors.Is(err, fs.err) {
		t.Fatalf("Flush() err=%v, want wrapped submit error", err)
	}
}

// TestLoopAndClose drives the flush loop with a fake clock: one tick flushes,
// Close flushes the tail.
func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	clock := clockwork.NewFakeClock()
	b, err := NewBackend(context.Background(), Options{
		FlushEvery: time.Minute,
		submitter:  fs,
		clock:      clock,
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("flush loop never started its ticker: %v", err)
	}

	b.IncCounter(metrics.StageTotal, 1, metrics.Labels{"stage": "payment", "status": "ok"})
	clock.Advance(time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for fs.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() != 1 {
		_ = b.Close()
		t.Fatalf("expected one periodic submission; got %d", fs.count())
	}

	b.IncCounter(metrics.StageTotal, 1, metrics.Labels{"stage": "book", "status": "ok"})
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v, want nil", err)
	}
	if fs.count() != 2 {
		t.Fatalf("expected 2 submissions after Close; got %d", fs.count())
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close() err=%v", err)
	}
}

func TestBackend_ConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs, clockwork.NewFakeClock())

	workers := runtime.GOMAXPROCS(0) * 4
	iters := 1000

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				b.IncCounter(metrics.StageTotal, 1, metrics.Labels{"stage": "fact", "status": "ok"})
				b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{"stage": "fact", "outcome": "inserted"})
				b.ObserveHistogram(metrics.StageDuration, 0.01, metrics.Labels{"stage": "fact", "status": "ok"})
			}
		}()
	}
	wg.Wait()

	want := float64(workers * iters)
	if got := b.rowCounts[pairKey("fact", "inserted")]; got != want {
		t.Fatalf("rows=%v, want %v", got, want)
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
}

func TestIncCounterAndObserveHistogram_IgnoredInputs(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs, clockwork.NewFakeClock())

	b.IncCounter(metrics.StageTotal, 0, metrics.Labels{"stage": "book", "status": "ok"})
	b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{"stage": "book"})
	b.IncCounter("unknown_total", 1, metrics.Labels{"x": "y"})
	b.ObserveHistogram(metrics.StageDuration, -1, metrics.Labels{"stage": "book", "status": "ok"})
	b.ObserveHistogram("unknown_seconds", 1, nil)

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 0 {
		t.Fatalf("ignored inputs were submitted: %d payloads", fs.count())
	}
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty_returns_nil", in: "", want: nil},
		{name: "trims_and_skips_empty_segments", in: " env:prod , ,service:dwh,  ,team:data ", want: []string{"env:prod", "service:dwh", "team:data"}},
		{name: "single_tag", in: "service:dwh", want: []string{"service:dwh"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ParseTagsCSV(tc.in); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseTagsCSV(%q)=%v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
