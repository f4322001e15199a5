package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/vbyelov/turning-pages-etl/internal/storage"
)

// migrations returns the versioned DDL for schema. Natural keys are unique on
// lower(key) so that uniqueness matches the loaders' case-insensitive compare.
func migrations(schema string) []storage.Migration {
	s := pgIdent(schema)
	t := func(name storage.Table) string { return s + "." + pgIdent(string(name)) }

	return []storage.Migration{
		{Version: 1, Statements: []string{
			`CREATE SCHEMA IF NOT EXISTS ` + s,
			`CREATE TABLE IF NOT EXISTS ` + t(storage.TablePaymentMethod) + ` (
	"PaymentMethodSK" integer GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	"Code" varchar(50) NOT NULL,
	"DisplayName" varchar(100) NOT NULL
)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS "UQ_Dim_PaymentMethod_Code" ON ` + t(storage.TablePaymentMethod) + ` (lower("Code"))`,
			`CREATE TABLE IF NOT EXISTS ` + t(storage.TableBook) + ` (
	"BookSK" integer GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	"ISBN" varchar(32) NOT NULL,
	"Title" varchar(300) NOT NULL,
	"Language" varchar(50),
	"PublishYear" integer,
	"Pages" integer,
	"ListPrice" numeric(10,2) NOT NULL DEFAULT 0,
	"UpdatedAt" timestamptz NOT NULL
)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS "UQ_Dim_Book_ISBN" ON ` + t(storage.TableBook) + ` (lower("ISBN"))`,
			`CREATE TABLE IF NOT EXISTS ` + t(storage.TableCustomer) + ` (
	"CustomerSK" integer GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	"CustomerNK_Email" varchar(320) NOT NULL,
	"DisplayName" varchar(200),
	"Phone" varchar(50),
	"Notes" text,
	"ValidFrom" timestamptz NOT NULL,
	"ValidTo" timestamptz,
	"IsCurrent" boolean NOT NULL DEFAULT true,
	"HashDiff" bytea
)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS "UX_Dim_Customer_Current" ON ` + t(storage.TableCustomer) +
				` (lower("CustomerNK_Email")) WHERE "IsCurrent"`,
			`CREATE TABLE IF NOT EXISTS ` + t(storage.TableDate) + ` (
	"DateSK" integer PRIMARY KEY,
	"FullDate" date NOT NULL,
	"Year" smallint NOT NULL,
	"Quarter" smallint NOT NULL,
	"Month" smallint NOT NULL,
	"Day" smallint NOT NULL,
	"DayOfWeek" smallint NOT NULL
)`,
			`CREATE TABLE IF NOT EXISTS ` + t(storage.TableFact) + ` (
	"SalesID" bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	"BookSK" integer NOT NULL REFERENCES ` + t(storage.TableBook) + ` ("BookSK"),
	"CustomerSK" integer NOT NULL REFERENCES ` + t(storage.TableCustomer) + ` ("CustomerSK"),
	"PaymentMethodSK" integer NOT NULL REFERENCES ` + t(storage.TablePaymentMethod) + ` ("PaymentMethodSK"),
	"DateSK" integer NOT NULL REFERENCES ` + t(storage.TableDate) + ` ("DateSK"),
	"Quantity" numeric(10,2) NOT NULL,
	"UnitPriceAtSale" numeric(10,2) NOT NULL,
	"OrderNumber" varchar(50) NOT NULL,
	"ShippingAddress" varchar(400) NOT NULL,
	"LineAmount" numeric(20,4) GENERATED ALWAYS AS ("Quantity" * "UnitPriceAtSale") STORED
)`,
		}},
	}
}

// buildUpdateBookSQL returns the coalescing SCD1 update. Decimal parameters
// travel as text so pgx never has to guess a numeric encoding.
func buildUpdateBookSQL(table string) string {
	return `UPDATE ` + table + ` SET ` +
		`"Title" = COALESCE($1, "Title"), ` +
		`"Language" = COALESCE($2, "Language"), ` +
		`"PublishYear" = COALESCE($3, "PublishYear"), ` +
		`"Pages" = COALESCE($4, "Pages"), ` +
		`"ListPrice" = COALESCE($5::text::numeric, "ListPrice"), ` +
		`"UpdatedAt" = $6 ` +
		`WHERE lower("ISBN") = lower($7)`
}

func bookUpdateArgs(b storage.Book, at time.Time) []any {
	var price *string
	if b.ListPrice.Valid {
		s := b.ListPrice.Decimal.String()
		price = &s
	}
	return []any{b.Title, b.Language, b.PublishYear, b.Pages, price, at, b.ISBN}
}

func buildInsertCustomerSQL(table string) string {
	return `INSERT INTO ` + table +
		` ("CustomerNK_Email", "DisplayName", "Phone", "Notes", "ValidFrom", "ValidTo", "IsCurrent", "HashDiff")` +
		` VALUES ($1, $2, $3, $4, $5, NULL, true, $6)`
}

func customerInsertArgs(c storage.Customer, at time.Time) []any {
	var digest []byte
	if len(c.HashDiff) > 0 {
		digest = c.HashDiff
	}
	return []any{c.Email, c.DisplayName, c.Phone, c.Notes, at, digest}
}

func buildInsertFactSQL(table string) string {
	return `INSERT INTO ` + table +
		` ("BookSK", "CustomerSK", "PaymentMethodSK", "DateSK", "Quantity", "UnitPriceAtSale", "OrderNumber", "ShippingAddress")` +
		` VALUES ($1, $2, $3, $4, $5::text::numeric, $6::text::numeric, $7, $8)`
}

func (w *Warehouse) buildSurrogateKeysSQL(dim storage.Dimension) (string, error) {
	switch dim {
	case storage.DimPaymentMethod:
		return `SELECT "Code", "PaymentMethodSK" FROM ` + w.table(storage.TablePaymentMethod) + ` ORDER BY "PaymentMethodSK"`, nil
	case storage.DimBook:
		return `SELECT "ISBN", "BookSK" FROM ` + w.table(storage.TableBook) + ` ORDER BY "BookSK"`, nil
	case storage.DimCustomer:
		return `SELECT "CustomerNK_Email", "CustomerSK" FROM ` + w.table(storage.TableCustomer) +
			` WHERE "IsCurrent" ORDER BY "CustomerSK"`, nil
	default:
		return "", fmt.Errorf("postgres: unknown dimension %q", dim)
	}
}

// pgIdent double-quotes an identifier, preserving case.
func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
