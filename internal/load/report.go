package load

import (
	"github.com/rs/zerolog"

	"github.com/vbyelov/turning-pages-etl/internal/storage"
)

// PaymentReport summarizes the fixed-attribute loader. Conflicts counts
// inserts rejected by the uniqueness constraint and is disjoint from Skipped,
// so Read = Inserted + Skipped + Conflicts.
type PaymentReport struct {
	Read      int
	Inserted  int
	Skipped   int
	Conflicts int
}

func (r *PaymentReport) add(o Outcome) {
	switch o.Kind {
	case Inserted:
		r.Inserted++
	default:
		r.Skipped++
	}
}

func (r PaymentReport) MarshalZerologObject(e *zerolog.Event) {
	e.Int("read", r.Read).Int("inserted", r.Inserted).Int("skipped", r.Skipped).Int("conflicts", r.Conflicts)
}

func (r PaymentReport) outcomes() map[string]int {
	return map[string]int{"inserted": r.Inserted, "skipped": r.Skipped, "conflicts": r.Conflicts}
}

// BookReport summarizes the overwrite loader. Rows that were neither updated
// nor inserted count as unchanged.
type BookReport struct {
	Read      int
	Updated   int
	Inserted  int
	Skipped   int
	Conflicts int
}

// Unchanged is read - updated - inserted.
func (r BookReport) Unchanged() int { return r.Read - r.Updated - r.Inserted }

func (r *BookReport) add(o Outcome) {
	switch o.Kind {
	case Updated:
		r.Updated++
	case Inserted:
		r.Inserted++
	default:
		r.Skipped++
	}
}

func (r BookReport) MarshalZerologObject(e *zerolog.Event) {
	e.Int("read", r.Read).Int("updated", r.Updated).Int("inserted", r.Inserted).
		Int("unchanged", r.Unchanged()).Int("conflicts", r.Conflicts)
}

func (r BookReport) outcomes() map[string]int {
	return map[string]int{"updated": r.Updated, "inserted": r.Inserted, "skipped": r.Skipped, "conflicts": r.Conflicts}
}

// CustomerReport summarizes the versioned loader. Every changed row closes
// exactly one old version, so ClosedOld equals Changed. Conflicts is disjoint
// from the other outcome buckets.
type CustomerReport struct {
	Read        int
	InsertedNew int
	Changed     int
	ClosedOld   int
	Unchanged   int
	Skipped     int
	Conflicts   int
}

func (r *CustomerReport) add(o Outcome) {
	switch o.Kind {
	case Inserted:
		r.InsertedNew++
	case Updated:
		r.Changed++
		r.ClosedOld++
	case Unchanged:
		r.Unchanged++
	default:
		r.Skipped++
	}
}

func (r CustomerReport) MarshalZerologObject(e *zerolog.Event) {
	e.Int("read", r.Read).Int("inserted_new", r.InsertedNew).Int("scd2_changed", r.Changed).
		Int("closed_old", r.ClosedOld).Int("unchanged", r.Unchanged).Int("skipped", r.Skipped).
		Int("conflicts", r.Conflicts)
}

func (r CustomerReport) outcomes() map[string]int {
	return map[string]int{
		"inserted_new": r.InsertedNew, "scd2_changed": r.Changed, "unchanged": r.Unchanged,
		"skipped": r.Skipped, "conflicts": r.Conflicts,
	}
}

// FactReport summarizes a fact reload. Inserted, FKMissing, InvalidReq,
// InvalidDate and QtyZero partition Read. The per-dimension misses may add up
// to more than FKMissing because one row can miss several dimensions.
type FactReport struct {
	Read              int
	Inserted          int
	FKMissing         int
	FKMissingPayment  int
	FKMissingBook     int
	FKMissingCustomer int
	InvalidReq        int
	InvalidDate       int
	QtyZero           int
}

func (r *FactReport) add(o Outcome, miss FKMiss) {
	switch o.Reason {
	case "":
		r.Inserted++
	case ReasonInvalidReq:
		r.InvalidReq++
	case ReasonInvalidDate:
		r.InvalidDate++
	case ReasonQtyZero:
		r.QtyZero++
	case ReasonFKMissing:
		r.FKMissing++
		if miss.PaymentMethod {
			r.FKMissingPayment++
		}
		if miss.Book {
			r.FKMissingBook++
		}
		if miss.Customer {
			r.FKMissingCustomer++
		}
	}
}

// Partitioned reports whether the buckets sum to Read.
func (r FactReport) Partitioned() bool {
	return r.Inserted+r.FKMissing+r.InvalidReq+r.InvalidDate+r.QtyZero == r.Read
}

func (r FactReport) MarshalZerologObject(e *zerolog.Event) {
	e.Int("read", r.Read).Int("inserted", r.Inserted).Int("fk_missing", r.FKMissing).
		Dict("fk_missing_by", zerolog.Dict().
			Int("pm", r.FKMissingPayment).Int("book", r.FKMissingBook).Int("cust", r.FKMissingCustomer)).
		Int("invalid_req", r.InvalidReq).Int("invalid_date", r.InvalidDate).Int("qty_zero", r.QtyZero)
}

func (r FactReport) outcomes() map[string]int {
	return map[string]int{
		"inserted": r.Inserted, "fk_missing": r.FKMissing, "invalid_req": r.InvalidReq,
		"invalid_date": r.InvalidDate, "qty_zero": r.QtyZero,
	}
}

// TableCount is one verifier row count.
type TableCount struct {
	Table storage.Table
	Rows  int64
}

// VerifyReport is the post-load summary.
type VerifyReport struct {
	Counts []TableCount
	Recent []storage.FactSample
}

// Count returns the row count recorded for t, or -1.
func (r VerifyReport) Count(t storage.Table) int64 {
	for _, c := range r.Counts {
		if c.Table == t {
			return c.Rows
		}
	}
	return -1
}

// DatasetInfo is one precheck line per staged entity.
type DatasetInfo struct {
	Entity    string
	Rows      int
	Malformed int
	Absent    bool
}

// PrecheckReport describes the connection and the staged run.
type PrecheckReport struct {
	Identity         storage.Identity
	Location         string
	Datasets         []DatasetInfo
	DigestChecked    int
	DigestMismatches int
}
