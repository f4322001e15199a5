package load

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/vbyelov/turning-pages-etl/internal/staging"
	"github.com/vbyelov/turning-pages-etl/internal/storage"
)

// nullMarker stands in for a missing attribute in the upstream digest.
const nullMarker = "<NULL>"

// customerDigest recomputes the transform step's HashDiff: SHA-256 over
// "DisplayName|Phone" with missing values written as <NULL>.
func customerDigest(displayName, phone *string) [sha256.Size]byte {
	var b strings.Builder
	for i, v := range []*string{displayName, phone} {
		if i > 0 {
			b.WriteByte('|')
		}
		if v == nil {
			b.WriteString(nullMarker)
			continue
		}
		b.WriteString(*v)
	}
	return sha256.Sum256([]byte(b.String()))
}

// Precheck reports the warehouse identity and what the run staged. It never
// writes. Customer digests that do not match their attributes are counted and
// logged as a data-quality warning.
func (e *Engine) Precheck(ctx context.Context, b *staging.Bundle) (PrecheckReport, error) {
	var rep PrecheckReport

	id, err := e.Repo.Identity(ctx)
	if err != nil {
		return rep, fmt.Errorf("precheck identity: %w", err)
	}
	rep.Identity = id
	rep.Location = b.Location

	for _, ent := range staging.Entities {
		info := DatasetInfo{Entity: string(ent)}
		if ds, ok := b.Get(ent); ok {
			info.Rows = ds.Len()
			info.Malformed = ds.Malformed
		} else {
			info.Absent = true
		}
		rep.Datasets = append(rep.Datasets, info)
	}

	if ds, ok := b.Get(staging.EntityCustomer); ok {
		rep.DigestChecked, rep.DigestMismatches = e.checkDigests(ds)
	}
	return rep, nil
}

func (e *Engine) checkDigests(ds *staging.Dataset) (checked, mismatched int) {
	hashCol := ds.Optional(colHashDiff...)
	if hashCol < 0 {
		return 0, 0
	}
	nkCol := ds.Optional(colCustomerNK...)
	nameCol := ds.Optional(colDisplayName...)
	phoneCol := ds.Optional(colPhone...)

	var samples []string
	for _, row := range ds.Rows {
		staged := parseDigest(cellText(row, hashCol))
		if staged == nil {
			continue
		}
		checked++
		want := customerDigest(cellString(row, nameCol), cellString(row, phoneCol))
		if bytes.Equal(staged, want[:]) {
			continue
		}
		mismatched++
		if len(samples) < 3 {
			samples = append(samples, storage.NormalizeKey(cellText(row, nkCol)))
		}
	}
	if mismatched > 0 {
		e.Log.Warn().Int("checked", checked).Int("mismatched", mismatched).Strs("sample", samples).
			Msg("staged HashDiff does not match customer attributes")
	}
	return checked, mismatched
}
