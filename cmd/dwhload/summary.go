package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/vbyelov/turning-pages-etl/internal/load"
)

// printSummary writes one line per completed stage.
func printSummary(w io.Writer, s *load.Summary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run_id\t%s\n", s.RunID)

	if p := s.Precheck; p != nil {
		fmt.Fprintf(tw, "prechecks\tdatabase=%s login=%s location=%s digest_mismatches=%d/%d\n",
			p.Identity.Database, p.Identity.Login, p.Location, p.DigestMismatches, p.DigestChecked)
	}
	if r := s.Payment; r != nil {
		fmt.Fprintf(tw, "payment\tread=%d inserted=%d skipped=%d conflicts=%d\n",
			r.Read, r.Inserted, r.Skipped, r.Conflicts)
	}
	if r := s.Book; r != nil {
		fmt.Fprintf(tw, "book\tread=%d updated=%d inserted=%d unchanged=%d conflicts=%d\n",
			r.Read, r.Updated, r.Inserted, r.Unchanged(), r.Conflicts)
	}
	if r := s.Customer; r != nil {
		fmt.Fprintf(tw, "customer\tread=%d inserted_new=%d scd2_changed=%d closed_old=%d unchanged=%d skipped=%d conflicts=%d\n",
			r.Read, r.InsertedNew, r.Changed, r.ClosedOld, r.Unchanged, r.Skipped, r.Conflicts)
	}
	if r := s.Fact; r != nil {
		fmt.Fprintf(tw, "fact\tread=%d inserted=%d fk_missing=%d (pm=%d book=%d cust=%d) invalid_req=%d invalid_date=%d qty_zero=%d\n",
			r.Read, r.Inserted, r.FKMissing, r.FKMissingPayment, r.FKMissingBook, r.FKMissingCustomer,
			r.InvalidReq, r.InvalidDate, r.QtyZero)
	}
	if v := s.Verify; v != nil {
		parts := make([]string, len(v.Counts))
		for i, c := range v.Counts {
			parts[i] = fmt.Sprintf("%s=%d", c.Table, c.Rows)
		}
		fmt.Fprintf(tw, "checks\t%s\n", strings.Join(parts, " "))
	}
	if len(s.Skipped) > 0 {
		names := make([]string, len(s.Skipped))
		for i, st := range s.Skipped {
			names[i] = string(st)
		}
		fmt.Fprintf(tw, "skipped\t%s\n", strings.Join(names, " "))
	}
	_ = tw.Flush()
}
