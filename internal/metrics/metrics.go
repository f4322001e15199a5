// Package metrics is the load engine's backend-neutral metrics facade.
//
// Core code calls IncCounter/ObserveHistogram with one of the metric names
// below; a process installs a concrete backend once at startup with
// SetBackend. Until then every call goes to a no-op backend.
package metrics

import "sync"

// Metric names emitted by the load engine.
const (
	// StageTotal counts finished stages, labels: stage, status.
	StageTotal = "dwh_stage_total"
	// StageDuration observes stage wall time in seconds, labels: stage, status.
	StageDuration = "dwh_stage_duration_seconds"
	// RowsTotal counts classified staged rows, labels: stage, outcome.
	RowsTotal = "dwh_rows_total"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric events. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer and submit explicitly.
type Flusher interface {
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. A nil b restores the
// no-op backend.
func SetBackend(b Backend) {
	if b == nil {
		b = nopBackend{}
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter adds delta to the named counter.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample of the named histogram.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush flushes the installed backend if it buffers; otherwise it is a no-op.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}
