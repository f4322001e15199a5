// Package staging reads the run-scoped datasets produced by the upstream
// transform step and resolves their columns.
//
// A run is a directory (or object-store prefix) named after its timestamp,
// e.g. data/transform/20240105_101500/, holding one CSV per entity.
package staging

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingColumn means none of a column's accepted names is present.
	ErrMissingColumn = errors.New("staging: missing column")
	// ErrDatasetAbsent means the run has no file for an entity.
	ErrDatasetAbsent = errors.New("staging: dataset absent")
	// ErrNoRuns means the staging root contains no run directories.
	ErrNoRuns = errors.New("staging: no runs found")
)

// Entity names one staged dataset.
type Entity string

const (
	EntityCustomer      Entity = "customer"
	EntityBook          Entity = "book"
	EntityPaymentMethod Entity = "paymentmethod"
	EntityFact          Entity = "fact_orderitem"
)

// Entities lists every dataset a complete run carries.
var Entities = []Entity{EntityCustomer, EntityBook, EntityPaymentMethod, EntityFact}

// FileName is the CSV file name of the entity inside a run.
func (e Entity) FileName() string { return string(e) + "_stage.csv" }

// Dataset is an immutable, fully-read staged table. Cells are nil when the
// source value was empty or a null token.
type Dataset struct {
	Entity  Entity
	Columns []string
	Rows    [][]*string

	// Malformed counts CSV records that could not be parsed and were skipped.
	Malformed int
}

// Len returns the number of rows.
func (d *Dataset) Len() int { return len(d.Rows) }

// Index returns the position of an exact column name, or -1.
func (d *Dataset) Index(name string) int {
	for i, c := range d.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Optional returns the position of the first accepted name present, or -1.
func (d *Dataset) Optional(accepted ...string) int {
	for _, name := range accepted {
		if i := d.Index(name); i >= 0 {
			return i
		}
	}
	return -1
}

// Resolve is Optional for required columns. The first accepted name present
// wins; if none is present the error wraps ErrMissingColumn.
func (d *Dataset) Resolve(accepted ...string) (int, error) {
	if i := d.Optional(accepted...); i >= 0 {
		return i, nil
	}
	return -1, fmt.Errorf("%w: %s needs one of [%s]; have [%s]",
		ErrMissingColumn, d.Entity, strings.Join(accepted, ", "), strings.Join(d.Columns, ", "))
}

// Cell returns the value at column idx of row. Absent columns (idx < 0), short
// rows and null cells all report ok=false.
func Cell(row []*string, idx int) (string, bool) {
	if idx < 0 || idx >= len(row) || row[idx] == nil {
		return "", false
	}
	return *row[idx], true
}
