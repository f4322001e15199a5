package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Table names a warehouse table. Backends qualify it with the configured schema.
type Table string

const (
	TablePaymentMethod Table = "Dim_PaymentMethod"
	TableBook          Table = "Dim_Book"
	TableCustomer      Table = "Dim_Customer"
	TableDate          Table = "Dim_Date"
	TableFact          Table = "Fact_Sales"
)

// Tables lists every warehouse table in verification order.
var Tables = []Table{TablePaymentMethod, TableBook, TableCustomer, TableDate, TableFact}

// Dimension identifies a dimension whose natural keys resolve to surrogate keys.
type Dimension string

const (
	DimPaymentMethod Dimension = "payment_method"
	DimBook          Dimension = "book"
	DimCustomer      Dimension = "customer"
)

// Identity is what Identity() reports for prechecks.
type Identity struct {
	Database string
	Login    string
	Version  string
}

// PaymentMethod is a fixed-attribute (type 0) dimension row.
type PaymentMethod struct {
	Code        string
	DisplayName string
}

// Book is an overwrite (type 1) dimension row. Nil fields keep the stored value
// on update.
type Book struct {
	ISBN        string
	Title       *string
	Language    *string
	PublishYear *int64
	Pages       *int64
	ListPrice   decimal.NullDecimal
}

// Customer is the attribute payload of a versioned (type 2) dimension row.
type Customer struct {
	Email       string
	DisplayName *string
	Phone       *string
	Notes       *string
	HashDiff    []byte
}

// CustomerVersion is the stored current version of a customer.
type CustomerVersion struct {
	SK        int64
	Email     string
	HashDiff  []byte
	ValidFrom time.Time
}

// KeyPair is a raw natural key and its surrogate key.
type KeyPair struct {
	NK string
	SK int64
}

// Fact is one resolved Fact_Sales row.
type Fact struct {
	BookSK          int64
	CustomerSK      int64
	PaymentMethodSK int64
	DateKey         int
	Quantity        decimal.Decimal
	UnitPrice       decimal.Decimal
	OrderNumber     string
	ShippingAddress string
}

// FactSample is a stored fact row as shown by verification.
type FactSample struct {
	SalesID     int64
	DateKey     int
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	LineAmount  decimal.Decimal
	OrderNumber string
}

// CalendarDay is one Dim_Date row.
type CalendarDay struct {
	DateKey   int
	Date      time.Time
	Year      int
	Quarter   int
	Month     int
	Day       int
	DayOfWeek int // ISO: Monday=1 .. Sunday=7
}

// DateKey returns the YYYYMMDD key for t's calendar date.
func DateKey(t time.Time) int {
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// CalendarDays expands [from, to] into one CalendarDay per date. Time of day is
// ignored; an inverted range yields nil.
func CalendarDays(from, to time.Time) []CalendarDay {
	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	end := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	if end.Before(start) {
		return nil
	}

	out := make([]CalendarDay, 0, int(end.Sub(start).Hours()/24)+1)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dow := int(d.Weekday())
		if dow == 0 {
			dow = 7
		}
		out = append(out, CalendarDay{
			DateKey:   DateKey(d),
			Date:      d,
			Year:      d.Year(),
			Quarter:   (int(d.Month())-1)/3 + 1,
			Month:     int(d.Month()),
			Day:       d.Day(),
			DayOfWeek: dow,
		})
	}
	return out
}

// NullBytes maps an empty digest to SQL NULL.
func NullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
