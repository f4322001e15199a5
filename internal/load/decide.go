package load

import (
	"bytes"

	"github.com/shopspring/decimal"

	"github.com/vbyelov/turning-pages-etl/internal/storage"
)

// decidePaymentMethod is the fixed-attribute rule: insert a code only the
// first time its normalized form is seen. known holds normalized codes.
func decidePaymentMethod(code, name string, known map[string]struct{}) Outcome {
	nk := storage.NormalizeKey(code)
	if nk == "" {
		return skipped(ReasonEmptyKey)
	}
	if name == "" {
		return skipped(ReasonMissingName)
	}
	if _, ok := known[nk]; ok {
		return skipped(ReasonKnown)
	}
	return Outcome{Kind: Inserted}
}

// decideBook is the overwrite rule, evaluated after the coalescing update was
// attempted. matched reports whether the update hit a live row.
func decideBook(b storage.Book, matched bool) Outcome {
	switch {
	case b.ISBN == "":
		return skipped(ReasonEmptyKey)
	case matched:
		return Outcome{Kind: Updated}
	case b.Title == nil:
		return skipped(ReasonMissingTitle)
	default:
		return Outcome{Kind: Inserted}
	}
}

// decideCustomer is the versioning rule. Inserted means a first version,
// Updated means the current version is superseded. Without a digest column
// every existing current version counts as matching.
func decideCustomer(email string, current *storage.CustomerVersion, digest []byte, haveDigest bool) Outcome {
	switch {
	case email == "":
		return skipped(ReasonEmptyKey)
	case current == nil:
		return Outcome{Kind: Inserted}
	case !haveDigest || bytes.Equal(current.HashDiff, digest):
		return Outcome{Kind: Unchanged}
	default:
		return Outcome{Kind: Updated}
	}
}

// stagedFact is one parsed fact row. Empty strings, HasDate=false and
// invalid decimals mean the staged value was missing or unparseable.
type stagedFact struct {
	BookNK          string
	CustomerNK      string
	PaymentNK       string
	DateKey         int64
	HasDate         bool
	Quantity        decimal.NullDecimal
	UnitPrice       decimal.NullDecimal
	OrderNumber     string
	ShippingAddress string
}

// FKMiss records which dimensions a fact row failed to resolve.
type FKMiss struct {
	PaymentMethod bool
	Book          bool
	Customer      bool
}

func (m FKMiss) any() bool { return m.PaymentMethod || m.Book || m.Customer }

// classifyFact applies the fact checks in order: required fields, calendar,
// quantity, then key resolution. On Inserted the resolved row is returned.
func classifyFact(sf stagedFact, dates map[int]struct{}, lk *Lookups) (Outcome, FKMiss, storage.Fact) {
	if sf.BookNK == "" || sf.CustomerNK == "" || sf.PaymentNK == "" || !sf.HasDate ||
		!sf.Quantity.Valid || !sf.UnitPrice.Valid || sf.OrderNumber == "" || sf.ShippingAddress == "" {
		return rejected(ReasonInvalidReq), FKMiss{}, storage.Fact{}
	}
	if !dateKeyInRange(sf.DateKey) {
		return rejected(ReasonInvalidDate), FKMiss{}, storage.Fact{}
	}
	if _, ok := dates[int(sf.DateKey)]; !ok {
		return rejected(ReasonInvalidDate), FKMiss{}, storage.Fact{}
	}
	if !sf.Quantity.Decimal.IsPositive() {
		return rejected(ReasonQtyZero), FKMiss{}, storage.Fact{}
	}

	pm, okPM := lk.PaymentMethod[storage.NormalizeKey(sf.PaymentNK)]
	bk, okBK := lk.Book[storage.NormalizeKey(sf.BookNK)]
	cu, okCU := lk.Customer[storage.NormalizeKey(sf.CustomerNK)]
	miss := FKMiss{PaymentMethod: !okPM, Book: !okBK, Customer: !okCU}
	if miss.any() {
		return rejected(ReasonFKMissing), miss, storage.Fact{}
	}

	return Outcome{Kind: Inserted}, FKMiss{}, storage.Fact{
		BookSK:          bk,
		CustomerSK:      cu,
		PaymentMethodSK: pm,
		DateKey:         int(sf.DateKey),
		Quantity:        sf.Quantity.Decimal,
		UnitPrice:       sf.UnitPrice.Decimal,
		OrderNumber:     sf.OrderNumber,
		ShippingAddress: sf.ShippingAddress,
	}
}
