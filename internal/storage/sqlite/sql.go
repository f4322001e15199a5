package sqlite

import (
	"fmt"
	"strings"
	"time"

	"github.com/vbyelov/turning-pages-etl/internal/storage"
)

// migrations returns the versioned DDL for the warehouse.
//
// Natural keys use COLLATE NOCASE so uniqueness matches the case-insensitive
// comparison done by the loaders. The partial unique index enforces at most one
// current version per customer.
func migrations() []storage.Migration {
	return []storage.Migration{
		{Version: 1, Statements: []string{
			`CREATE TABLE IF NOT EXISTS "Dim_PaymentMethod" (
	"PaymentMethodSK" INTEGER PRIMARY KEY AUTOINCREMENT,
	"Code" TEXT NOT NULL COLLATE NOCASE,
	"DisplayName" TEXT NOT NULL,
	CONSTRAINT "UQ_Dim_PaymentMethod_Code" UNIQUE ("Code")
)`,
			`CREATE TABLE IF NOT EXISTS "Dim_Book" (
	"BookSK" INTEGER PRIMARY KEY AUTOINCREMENT,
	"ISBN" TEXT NOT NULL COLLATE NOCASE,
	"Title" TEXT NOT NULL,
	"Language" TEXT,
	"PublishYear" INTEGER,
	"Pages" INTEGER,
	"ListPrice" NUMERIC NOT NULL DEFAULT 0,
	"UpdatedAt" TEXT NOT NULL,
	CONSTRAINT "UQ_Dim_Book_ISBN" UNIQUE ("ISBN")
)`,
			`CREATE TABLE IF NOT EXISTS "Dim_Customer" (
	"CustomerSK" INTEGER PRIMARY KEY AUTOINCREMENT,
	"CustomerNK_Email" TEXT NOT NULL COLLATE NOCASE,
	"DisplayName" TEXT,
	"Phone" TEXT,
	"Notes" TEXT,
	"ValidFrom" TEXT NOT NULL,
	"ValidTo" TEXT,
	"IsCurrent" INTEGER NOT NULL DEFAULT 1,
	"HashDiff" BLOB
)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS "UX_Dim_Customer_Current" ON "Dim_Customer" ("CustomerNK_Email") WHERE "IsCurrent" = 1`,
			`CREATE TABLE IF NOT EXISTS "Dim_Date" (
	"DateSK" INTEGER PRIMARY KEY,
	"FullDate" TEXT NOT NULL,
	"Year" INTEGER NOT NULL,
	"Quarter" INTEGER NOT NULL,
	"Month" INTEGER NOT NULL,
	"Day" INTEGER NOT NULL,
	"DayOfWeek" INTEGER NOT NULL
)`,
			`CREATE TABLE IF NOT EXISTS "Fact_Sales" (
	"SalesID" INTEGER PRIMARY KEY AUTOINCREMENT,
	"BookSK" INTEGER NOT NULL REFERENCES "Dim_Book" ("BookSK"),
	"CustomerSK" INTEGER NOT NULL REFERENCES "Dim_Customer" ("CustomerSK"),
	"PaymentMethodSK" INTEGER NOT NULL REFERENCES "Dim_PaymentMethod" ("PaymentMethodSK"),
	"DateSK" INTEGER NOT NULL REFERENCES "Dim_Date" ("DateSK"),
	"Quantity" NUMERIC NOT NULL,
	"UnitPriceAtSale" NUMERIC NOT NULL,
	"OrderNumber" TEXT NOT NULL,
	"ShippingAddress" TEXT NOT NULL,
	"LineAmount" NUMERIC GENERATED ALWAYS AS ("Quantity" * "UnitPriceAtSale") VIRTUAL
)`,
		}},
	}
}

// buildUpdateBookSQL returns the coalescing SCD1 update. Argument order matches
// bookUpdateArgs.
func buildUpdateBookSQL() string {
	return `UPDATE ` + tableIdent(storage.TableBook) + ` SET ` +
		`"Title" = COALESCE(?, "Title"), ` +
		`"Language" = COALESCE(?, "Language"), ` +
		`"PublishYear" = COALESCE(?, "PublishYear"), ` +
		`"Pages" = COALESCE(?, "Pages"), ` +
		`"ListPrice" = COALESCE(?, "ListPrice"), ` +
		`"UpdatedAt" = ? ` +
		`WHERE "ISBN" = ?`
}

func bookUpdateArgs(b storage.Book, at time.Time) []any {
	var price any
	if b.ListPrice.Valid {
		price = b.ListPrice.Decimal.String()
	}
	return []any{b.Title, b.Language, b.PublishYear, b.Pages, price, formatSQLiteTime(at), b.ISBN}
}

func buildSurrogateKeysSQL(dim storage.Dimension) (string, error) {
	switch dim {
	case storage.DimPaymentMethod:
		return `SELECT "Code", "PaymentMethodSK" FROM ` + tableIdent(storage.TablePaymentMethod) + ` ORDER BY "PaymentMethodSK"`, nil
	case storage.DimBook:
		return `SELECT "ISBN", "BookSK" FROM ` + tableIdent(storage.TableBook) + ` ORDER BY "BookSK"`, nil
	case storage.DimCustomer:
		return `SELECT "CustomerNK_Email", "CustomerSK" FROM ` + tableIdent(storage.TableCustomer) +
			` WHERE "IsCurrent" = 1 ORDER BY "CustomerSK"`, nil
	default:
		return "", fmt.Errorf("sqlite: unknown dimension %q", dim)
	}
}

func buildDateKeysSQL(keys []int) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT "DateSK" FROM `)
	b.WriteString(tableIdent(storage.TableDate))
	b.WriteString(` WHERE "DateSK" IN (`)
	args := make([]any, 0, len(keys))
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("?")
		args = append(args, k)
	}
	b.WriteString(")")
	return b.String(), args
}
