package load

import (
	"encoding/hex"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vbyelov/turning-pages-etl/internal/staging"
)

// cellString returns the trimmed cell at idx, or nil when absent or null.
func cellString(row []*string, idx int) *string {
	v, ok := staging.Cell(row, idx)
	if !ok {
		return nil
	}
	return &v
}

func cellText(row []*string, idx int) string {
	v, _ := staging.Cell(row, idx)
	return v
}

// parseInt accepts integer text and integral float text ("2024.0"). Anything
// else, including fractional values, is treated as missing.
func parseInt(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsInteger() || !d.BigInt().IsInt64() {
		return 0, false
	}
	return d.IntPart(), true
}

// maxDateKey bounds the keys sent to the calendar lookup (int4 on Postgres).
const maxDateKey = 99991231

func dateKeyInRange(k int64) bool { return k > 0 && k <= maxDateKey }

// cellDateKey parses a yyyymmdd key. Any non-zero integral value counts as
// present, even one that cannot be a calendar day; such keys come back as 0
// when they overflow int64.
func cellDateKey(row []*string, idx int) (int64, bool) {
	v, ok := staging.Cell(row, idx)
	if !ok {
		return 0, false
	}
	d, err := decimal.NewFromString(v)
	if err != nil || !d.IsInteger() || d.IsZero() {
		return 0, false
	}
	if !d.BigInt().IsInt64() {
		return 0, true
	}
	return d.IntPart(), true
}

func cellInt(row []*string, idx int) *int64 {
	v, ok := staging.Cell(row, idx)
	if !ok {
		return nil
	}
	n, ok := parseInt(v)
	if !ok {
		return nil
	}
	return &n
}

func cellDecimal(row []*string, idx int) decimal.NullDecimal {
	v, ok := staging.Cell(row, idx)
	if !ok {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// parseDigest decodes a hex digest with an optional 0x prefix. Empty or
// undecodable text yields nil.
func parseDigest(s string) []byte {
	h := strings.ToLower(strings.TrimSpace(s))
	h = strings.TrimPrefix(h, "0x")
	if h == "" {
		return nil
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return nil
	}
	return b
}
