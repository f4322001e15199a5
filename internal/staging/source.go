package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Source lists runs and opens staged files inside a run.
type Source interface {
	// Runs returns run names (directory or prefix names) in any order.
	Runs(ctx context.Context) ([]string, error)
	// Open opens one staged file. A missing file yields an error wrapping
	// ErrDatasetAbsent.
	Open(ctx context.Context, run, name string) (io.ReadCloser, error)
	// Location renders a run for logs, e.g. "data/transform/20240105_101500".
	Location(run string) string
}

// DirSource reads runs from subdirectories of Root on the local filesystem.
type DirSource struct {
	Root string
}

func (s DirSource) Runs(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrNoRuns, s.Root)
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (s DirSource) Open(_ context.Context, run, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.Root, run, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrDatasetAbsent, filepath.Join(s.Root, run, name))
	}
	return f, err
}

func (s DirSource) Location(run string) string { return filepath.Join(s.Root, run) }

// LatestRun returns the lexicographically greatest run name. Run names are
// timestamps (YYYYmmdd_HHMMSS), so this is the most recent run.
func LatestRun(ctx context.Context, src Source) (string, error) {
	runs, err := src.Runs(ctx)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", ErrNoRuns
	}
	sort.Strings(runs)
	return runs[len(runs)-1], nil
}

// Bundle is every dataset of one run. Absent datasets are listed in Absent and
// missing from Datasets.
type Bundle struct {
	Run      string
	Location string
	Datasets map[Entity]*Dataset
	Absent   []Entity
}

// Get returns the dataset for e, or false when the run did not carry it.
func (b *Bundle) Get(e Entity) (*Dataset, bool) {
	if b == nil {
		return nil, false
	}
	ds, ok := b.Datasets[e]
	return ds, ok
}

// ReadBundle reads every entity of run. A missing file is a data-quality
// condition, not an error: the entity is recorded in Bundle.Absent.
func ReadBundle(ctx context.Context, src Source, run string) (*Bundle, error) {
	b := &Bundle{
		Run:      run,
		Location: src.Location(run),
		Datasets: make(map[Entity]*Dataset, len(Entities)),
	}
	for _, e := range Entities {
		ds, err := readOne(ctx, src, run, e)
		if errors.Is(err, ErrDatasetAbsent) {
			b.Absent = append(b.Absent, e)
			continue
		}
		if err != nil {
			return nil, err
		}
		b.Datasets[e] = ds
	}
	return b, nil
}

func readOne(ctx context.Context, src Source, run string, e Entity) (*Dataset, error) {
	rc, err := src.Open(ctx, run, e.FileName())
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return ReadCSV(ctx, e, rc)
}
