// Package load applies staged datasets to the warehouse dimensions and fact
// table.
//
// Every loader separates the per-row decision, a pure function returning an
// Outcome, from applying that decision to storage. The engine is single
// threaded and assumes it is the only writer for the duration of a run.
package load

// Kind tags what a loader decided for one staged row.
type Kind uint8

const (
	Inserted Kind = iota + 1
	Updated
	Unchanged
	Skipped
	Rejected
)

func (k Kind) String() string {
	switch k {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Unchanged:
		return "unchanged"
	case Skipped:
		return "skipped"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Reason explains a Skipped or Rejected outcome.
type Reason string

const (
	ReasonEmptyKey     Reason = "empty_key"
	ReasonMissingName  Reason = "missing_name"
	ReasonKnown        Reason = "known"
	ReasonMissingTitle Reason = "missing_title"

	// Fact rejections, checked in this order.
	ReasonInvalidReq  Reason = "invalid_req"
	ReasonInvalidDate Reason = "invalid_date"
	ReasonQtyZero     Reason = "qty_zero"
	ReasonFKMissing   Reason = "fk_missing"
)

// Outcome is the decision for one staged row.
type Outcome struct {
	Kind   Kind
	Reason Reason
}

func skipped(r Reason) Outcome  { return Outcome{Kind: Skipped, Reason: r} }
func rejected(r Reason) Outcome { return Outcome{Kind: Rejected, Reason: r} }

func (o Outcome) String() string {
	if o.Reason == "" {
		return o.Kind.String()
	}
	return o.Kind.String() + "(" + string(o.Reason) + ")"
}
