package prompush

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/vbyelov/turning-pages-etl/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewBackend_Validation(t *testing.T) {
	tests := []struct {
		name, job, url string
	}{
		{"empty job", " ", "http://localhost:9091"},
		{"no scheme", "dwhload", "localhost:9091"},
		{"garbage", "dwhload", "::"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewBackend(tc.job, tc.url); err == nil {
				t.Fatalf("NewBackend(%q, %q) err=nil", tc.job, tc.url)
			}
		})
	}
}

func TestBackend_CollectsAndIgnores(t *testing.T) {
	b, err := NewBackend("dwhload", "http://localhost:9091")
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}

	b.IncCounter(metrics.RowsTotal, 4, metrics.Labels{"stage": "fact", "outcome": "inserted"})
	b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{"stage": "fact", "outcome": "inserted"})
	b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{"stage": "fact"})
	b.IncCounter(metrics.StageTotal, 0, metrics.Labels{"stage": "fact", "status": "ok"})
	b.IncCounter("other_total", 1, nil)
	b.ObserveHistogram(metrics.StageDuration, 1.5, metrics.Labels{"stage": "fact", "status": "ok"})
	b.ObserveHistogram(metrics.StageDuration, -1, metrics.Labels{"stage": "fact", "status": "ok"})

	if got := testutil.ToFloat64(b.rows.WithLabelValues("fact", "inserted")); got != 5 {
		t.Fatalf("rows inserted=%v, want 5", got)
	}
	if got := testutil.CollectAndCount(b.rows); got != 1 {
		t.Fatalf("rows series=%d, want 1", got)
	}
	if got := testutil.CollectAndCount(b.stages); got != 0 {
		t.Fatalf("stage series=%d, want 0", got)
	}
	if got := testutil.CollectAndCount(b.duration); got != 1 {
		t.Fatalf("duration series=%d, want 1", got)
	}
}

func TestFlush_PushesToGateway(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		method, path = r.Method, r.URL.Path
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	b, err := NewBackend("dwhload", srv.URL)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	b.IncCounter(metrics.StageTotal, 1, metrics.Labels{"stage": "book", "status": "ok"})

	metrics.SetBackend(b)
	t.Cleanup(func() { metrics.SetBackend(nil) })
	if err := metrics.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut || path != "/metrics/job/dwhload" {
		t.Fatalf("push request = %s %s", method, path)
	}
}

func TestFlush_GatewayErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	b, err := NewBackend("dwhload", srv.URL)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	if err := b.Flush(); err == nil {
		t.Fatal("Flush err=nil, want gateway error")
	}
}
