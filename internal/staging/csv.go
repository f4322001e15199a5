package staging

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// nullTokens are the cell values the upstream writer (and its reader) treat as
// missing, in addition to the empty string.
var nullTokens = map[string]struct{}{
	"#N/A": {}, "#N/A N/A": {}, "#NA": {}, "-1.#IND": {}, "-1.#QNAN": {}, "-NaN": {}, "-nan": {},
	"1.#IND": {}, "1.#QNAN": {}, "<NA>": {}, "N/A": {}, "NA": {}, "NULL": {}, "NaN": {},
	"None": {}, "n/a": {}, "nan": {}, "null": {},
}

// ReadCSV reads a whole staged CSV into a Dataset.
//
// Header cells are trimmed and a UTF-8 BOM on the first cell is removed. Values
// are trimmed; empty values and null tokens become nil. Records with fewer
// fields than the header leave trailing cells nil. Records the CSV reader
// rejects are skipped and counted in Dataset.Malformed.
func ReadCSV(ctx context.Context, entity Entity, src io.Reader) (*Dataset, error) {
	cr := csv.NewReader(src)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	hdr, err := cr.Read()
	if err == io.EOF {
		return &Dataset{Entity: entity}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("staging: %s: read header: %w", entity, err)
	}

	ds := &Dataset{Entity: entity, Columns: make([]string, len(hdr))}
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		ds.Columns[i] = strings.TrimSpace(h)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		rec, err := cr.Read()
		if err == io.EOF {
			return ds, nil
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				ds.Malformed++
				continue
			}
			return nil, fmt.Errorf("staging: %s: %w", entity, err)
		}

		row := make([]*string, len(ds.Columns))
		for i := 0; i < len(row) && i < len(rec); i++ {
			v := strings.TrimSpace(rec[i])
			if v == "" {
				continue
			}
			if _, null := nullTokens[v]; null {
				continue
			}
			row[i] = &v
		}
		ds.Rows = append(ds.Rows, row)
	}
}
