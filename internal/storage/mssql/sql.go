package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vbyelov/turning-pages-etl/internal/storage"
)

// migrations returns the versioned DDL for the warehouse in schema.
//
// Every CREATE is guarded so a database provisioned by hand (or by an older
// tool) is adopted rather than rejected.
func migrations(schema string) []storage.Migration {
	t := func(name storage.Table) string { return mssqlTableIdent(schema + "." + string(name)) }
	lit := func(name storage.Table) string { return sqlLiteral(schema + "." + string(name)) }

	return []storage.Migration{
		{Version: 1, Statements: []string{
			fmt.Sprintf(`IF SCHEMA_ID(%s) IS NULL EXEC(N'CREATE SCHEMA %s')`,
				sqlLiteral(schema), strings.ReplaceAll(mssqlIdent(schema), "'", "''")),

			fmt.Sprintf(`IF OBJECT_ID(%s, N'U') IS NULL
CREATE TABLE %s (
	[PaymentMethodSK] INT IDENTITY(1,1) NOT NULL PRIMARY KEY,
	[Code] NVARCHAR(50) NOT NULL,
	[DisplayName] NVARCHAR(100) NOT NULL,
	CONSTRAINT [UQ_Dim_PaymentMethod_Code] UNIQUE ([Code])
)`, lit(storage.TablePaymentMethod), t(storage.TablePaymentMethod)),

			fmt.Sprintf(`IF OBJECT_ID(%s, N'U') IS NULL
CREATE TABLE %s (
	[BookSK] INT IDENTITY(1,1) NOT NULL PRIMARY KEY,
	[ISBN] NVARCHAR(32) NOT NULL,
	[Title] NVARCHAR(300) NOT NULL,
	[Language] NVARCHAR(50) NULL,
	[PublishYear] INT NULL,
	[Pages] INT NULL,
	[ListPrice] DECIMAL(10,2) NOT NULL CONSTRAINT [DF_Dim_Book_ListPrice] DEFAULT (0),
	[UpdatedAt] DATETIME2(3) NOT NULL,
	CONSTRAINT [UQ_Dim_Book_ISBN] UNIQUE ([ISBN])
)`, lit(storage.TableBook), t(storage.TableBook)),

			fmt.Sprintf(`IF OBJECT_ID(%s, N'U') IS NULL
CREATE TABLE %s (
	[CustomerSK] INT IDENTITY(1,1) NOT NULL PRIMARY KEY,
	[CustomerNK_Email] NVARCHAR(320) NOT NULL,
	[DisplayName] NVARCHAR(200) NULL,
	[Phone] NVARCHAR(50) NULL,
	[Notes] NVARCHAR(MAX) NULL,
	[ValidFrom] DATETIME2(3) NOT NULL,
	[ValidTo] DATETIME2(3) NULL,
	[IsCurrent] BIT NOT NULL CONSTRAINT [DF_Dim_Customer_IsCurrent] DEFAULT (1),
	[HashDiff] VARBINARY(32) NULL
)`, lit(storage.TableCustomer), t(storage.TableCustomer)),

			fmt.Sprintf(`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE [name] = N'UX_Dim_Customer_Current' AND [object_id] = OBJECT_ID(%s))
CREATE UNIQUE INDEX [UX_Dim_Customer_Current] ON %s ([CustomerNK_Email]) WHERE [IsCurrent] = 1`,
				lit(storage.TableCustomer), t(storage.TableCustomer)),

			fmt.Sprintf(`IF OBJECT_ID(%s, N'U') IS NULL
CREATE TABLE %s (
	[DateSK] INT NOT NULL PRIMARY KEY,
	[FullDate] DATE NOT NULL,
	[Year] SMALLINT NOT NULL,
	[Quarter] TINYINT NOT NULL,
	[Month] TINYINT NOT NULL,
	[Day] TINYINT NOT NULL,
	[DayOfWeek] TINYINT NOT NULL
)`, lit(storage.TableDate), t(storage.TableDate)),

			fmt.Sprintf(`IF OBJECT_ID(%s, N'U') IS NULL
CREATE TABLE %s (
	[SalesID] BIGINT IDENTITY(1,1) NOT NULL PRIMARY KEY,
	[BookSK] INT NOT NULL REFERENCES %s ([BookSK]),
	[CustomerSK] INT NOT NULL REFERENCES %s ([CustomerSK]),
	[PaymentMethodSK] INT NOT NULL REFERENCES %s ([PaymentMethodSK]),
	[DateSK] INT NOT NULL REFERENCES %s ([DateSK]),
	[Quantity] DECIMAL(10,2) NOT NULL,
	[UnitPriceAtSale] DECIMAL(10,2) NOT NULL,
	[OrderNumber] NVARCHAR(50) NOT NULL,
	[ShippingAddress] NVARCHAR(400) NOT NULL,
	[LineAmount] AS ([Quantity] * [UnitPriceAtSale]) PERSISTED
)`, lit(storage.TableFact), t(storage.TableFact),
				t(storage.TableBook), t(storage.TableCustomer), t(storage.TablePaymentMethod), t(storage.TableDate)),
		}},
	}
}

func buildSeedCalendarSQL(table string) string {
	return `INSERT INTO ` + table + ` ([DateSK], [FullDate], [Year], [Quarter], [Month], [Day], [DayOfWeek])` +
		` SELECT @p1, CAST(@p2 AS DATE), @p3, @p4, @p5, @p6, @p7` +
		` WHERE NOT EXISTS (SELECT 1 FROM ` + table + ` WHERE [DateSK] = @p1)`
}

// buildUpdateBookSQL returns the coalescing SCD1 update. Argument order matches
// bookUpdateArgs.
func buildUpdateBookSQL(table string) string {
	return `UPDATE ` + table + ` SET ` +
		`[Title] = COALESCE(@p1, [Title]), ` +
		`[Language] = COALESCE(@p2, [Language]), ` +
		`[PublishYear] = COALESCE(@p3, [PublishYear]), ` +
		`[Pages] = COALESCE(@p4, [Pages]), ` +
		`[ListPrice] = COALESCE(@p5, [ListPrice]), ` +
		`[UpdatedAt] = @p6 ` +
		`WHERE [ISBN] = @p7`
}

func bookUpdateArgs(b storage.Book, at time.Time) []any {
	var price any
	if b.ListPrice.Valid {
		price = b.ListPrice.Decimal.String()
	}
	return []any{b.Title, b.Language, b.PublishYear, b.Pages, price, at, b.ISBN}
}

// buildInsertCustomerSQL converts the digest explicitly: a NULL parameter is
// sent as NVARCHAR, which SQL Server will not implicitly cast to VARBINARY.
func buildInsertCustomerSQL(table string) string {
	return `INSERT INTO ` + table +
		` ([CustomerNK_Email], [DisplayName], [Phone], [Notes], [ValidFrom], [ValidTo], [IsCurrent], [HashDiff])` +
		` VALUES (@p1, @p2, @p3, @p4, @p5, NULL, 1, CONVERT(VARBINARY(32), @p6))`
}

func customerInsertArgs(c storage.Customer, at time.Time) []any {
	return []any{c.Email, c.DisplayName, c.Phone, c.Notes, at, storage.NullBytes(c.HashDiff)}
}

func buildInsertFactSQL(table string) string {
	return `INSERT INTO ` + table +
		` ([BookSK], [CustomerSK], [PaymentMethodSK], [DateSK], [Quantity], [UnitPriceAtSale], [OrderNumber], [ShippingAddress])` +
		` VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8)`
}

func (w *Warehouse) buildSurrogateKeysSQL(dim storage.Dimension) (string, error) {
	switch dim {
	case storage.DimPaymentMethod:
		return `SELECT [Code], [PaymentMethodSK] FROM ` + w.table(storage.TablePaymentMethod) + ` ORDER BY [PaymentMethodSK]`, nil
	case storage.DimBook:
		return `SELECT [ISBN], [BookSK] FROM ` + w.table(storage.TableBook) + ` ORDER BY [BookSK]`, nil
	case storage.DimCustomer:
		return `SELECT [CustomerNK_Email], [CustomerSK] FROM ` + w.table(storage.TableCustomer) +
			` WHERE [IsCurrent] = 1 ORDER BY [CustomerSK]`, nil
	default:
		return "", fmt.Errorf("mssql: unknown dimension %q", dim)
	}
}

func buildDateKeysSQL(table string, keys []int) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT [DateSK] FROM `)
	b.WriteString(table)
	b.WriteString(` WHERE [DateSK] IN (`)
	args := make([]any, 0, len(keys))
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("@p")
		b.WriteString(strconv.Itoa(i + 1))
		args = append(args, k)
	}
	b.WriteString(")")
	return b.String(), args
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dwh.Dim_Book" -> [dwh].[Dim_Book]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// sqlLiteral returns an N'' string literal.
func sqlLiteral(s string) string {
	return "N'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn models the transactional methods used by customer transitions, the
// calendar seed and the fact reload.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// rowScanner is a narrow adapter over *sql.Row.Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

// compile-time sanity checks (no runtime cost).
var (
	_ dbConn            = (*sqlDB)(nil)
	_ txConn            = (*sql.Tx)(nil)
	_ storage.Warehouse = (*Warehouse)(nil)
)
