package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/vbyelov/turning-pages-etl/internal/storage"
)

// Warehouse implements storage.Warehouse for Microsoft SQL Server.
//
// All tables live in the configured schema (default "dwh"). Type 2 customer
// transitions and the fact reload run in explicit transactions; every other
// method is a single autocommitted statement.
//
// Concurrency:
//   - The close step of a customer transition takes ROWLOCK on the current row.
//     Cross-run exclusion is not attempted; see storage.Warehouse.
type Warehouse struct {
	db     dbConn
	schema string
}

func init() {
	storage.Register("mssql", Open)
}

// Open constructs a Warehouse using database/sql and the "sqlserver" driver
// registered by github.com/microsoft/go-mssqldb.
//
// This method validates connectivity via PingContext.
func Open(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// One writer per run; a small pool covers the lookup reads.
	raw.SetMaxOpenConns(4)
	raw.SetMaxIdleConns(4)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return newWarehouse(&sqlDB{db: raw}, cfg.Schema), nil
}

func newWarehouse(db dbConn, schema string) *Warehouse {
	if schema == "" {
		schema = storage.DefaultSchema
	}
	return &Warehouse{db: db, schema: schema}
}

func (w *Warehouse) Kind() string { return "mssql" }

// Close releases database resources held by this warehouse.
func (w *Warehouse) Close() {
	if w == nil || w.db == nil {
		return
	}
	_ = w.db.Close()
}

func (w *Warehouse) Migrate(ctx context.Context) error {
	raw, ok := w.db.(*sqlDB)
	if !ok {
		return fmt.Errorf("mssql: migrate requires a *sql.DB connection")
	}
	return storage.ApplyMigrations(ctx, raw.db, goose.DialectMSSQL, migrations(w.schema))
}

func (w *Warehouse) Identity(ctx context.Context) (storage.Identity, error) {
	var id storage.Identity
	err := w.db.QueryRowContext(ctx, `SELECT DB_NAME(), SUSER_SNAME(), @@VERSION`).
		Scan(&id.Database, &id.Login, &id.Version)
	if err != nil {
		return id, fmt.Errorf("mssql: identity: %w", err)
	}
	return id, nil
}

func (w *Warehouse) SeedCalendar(ctx context.Context, from, to time.Time) (int64, error) {
	days := storage.CalendarDays(from, to)
	if len(days) == 0 {
		return 0, nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	q := buildSeedCalendarSQL(w.table(storage.TableDate))
	var total int64
	for _, d := range days {
		res, err := tx.ExecContext(ctx, q, d.DateKey, d.Date, d.Year, d.Quarter, d.Month, d.Day, d.DayOfWeek)
		if err != nil {
			return total, fmt.Errorf("mssql: seed calendar %d: %w", d.DateKey, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, tx.Commit()
}

func (w *Warehouse) PaymentMethodCodes(ctx context.Context) ([]string, error) {
	rows, err := w.db.QueryContext(ctx, `SELECT [Code] FROM `+w.table(storage.TablePaymentMethod))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var code sql.NullString
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		if code.Valid {
			out = append(out, code.String)
		}
	}
	return out, rows.Err()
}

func (w *Warehouse) InsertPaymentMethod(ctx context.Context, pm storage.PaymentMethod) error {
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO `+w.table(storage.TablePaymentMethod)+` ([Code], [DisplayName]) VALUES (@p1, @p2)`,
		pm.Code, pm.DisplayName)
	return mapErr(err)
}

func (w *Warehouse) UpdateBook(ctx context.Context, b storage.Book, at time.Time) (bool, error) {
	res, err := w.db.ExecContext(ctx, buildUpdateBookSQL(w.table(storage.TableBook)), bookUpdateArgs(b, at)...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (w *Warehouse) InsertBook(ctx context.Context, b storage.Book, at time.Time) error {
	price := decimal.Zero
	if b.ListPrice.Valid {
		price = b.ListPrice.Decimal
	}
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO `+w.table(storage.TableBook)+
			` ([ISBN], [Title], [Language], [PublishYear], [Pages], [ListPrice], [UpdatedAt])`+
			` VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7)`,
		b.ISBN, b.Title, b.Language, b.PublishYear, b.Pages, price.StringFixed(2), at)
	return mapErr(err)
}

func (w *Warehouse) CurrentCustomer(ctx context.Context, email string) (storage.CustomerVersion, bool, error) {
	var cv storage.CustomerVersion
	err := w.db.QueryRowContext(ctx,
		`SELECT TOP (1) [CustomerSK], [CustomerNK_Email], [HashDiff], [ValidFrom] FROM `+w.table(storage.TableCustomer)+
			` WHERE [CustomerNK_Email] = @p1 AND [IsCurrent] = 1 ORDER BY [CustomerSK] DESC`,
		email,
	).Scan(&cv.SK, &cv.Email, &cv.HashDiff, &cv.ValidFrom)
	if errors.Is(err, sql.ErrNoRows) {
		return cv, false, nil
	}
	if err != nil {
		return cv, false, err
	}
	return cv, true, nil
}

func (w *Warehouse) InsertCustomer(ctx context.Context, c storage.Customer, at time.Time) error {
	_, err := w.db.ExecContext(ctx, buildInsertCustomerSQL(w.table(storage.TableCustomer)), customerInsertArgs(c, at)...)
	return mapErr(err)
}

// SupersedeCustomer closes the current version and inserts the next one in a
// single transaction, so readers never observe a customer with zero current
// versions.
func (w *Warehouse) SupersedeCustomer(ctx context.Context, currentSK int64, next storage.Customer, at time.Time) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE `+w.table(storage.TableCustomer)+` WITH (ROWLOCK) SET [ValidTo] = @p1, [IsCurrent] = 0 WHERE [CustomerSK] = @p2`,
		at, currentSK,
	); err != nil {
		return fmt.Errorf("mssql: close customer %d: %w", currentSK, err)
	}
	if _, err := tx.ExecContext(ctx, buildInsertCustomerSQL(w.table(storage.TableCustomer)), customerInsertArgs(next, at)...); err != nil {
		return mapErr(err)
	}
	return tx.Commit()
}

func (w *Warehouse) SurrogateKeys(ctx context.Context, dim storage.Dimension) ([]storage.KeyPair, error) {
	q, err := w.buildSurrogateKeysSQL(dim)
	if err != nil {
		return nil, err
	}
	rows, err := w.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.KeyPair
	for rows.Next() {
		var nk sql.NullString
		var sk int64
		if err := rows.Scan(&nk, &sk); err != nil {
			return nil, err
		}
		if nk.Valid {
			out = append(out, storage.KeyPair{NK: nk.String, SK: sk})
		}
	}
	return out, rows.Err()
}

// dateKeyChunk keeps each IN list under SQL Server's 2100 parameter limit.
const dateKeyChunk = 1000

func (w *Warehouse) ExistingDateKeys(ctx context.Context, keys []int) (map[int]struct{}, error) {
	out := make(map[int]struct{}, len(keys))
	for start := 0; start < len(keys); start += dateKeyChunk {
		end := min(start+dateKeyChunk, len(keys))
		q, args := buildDateKeysSQL(w.table(storage.TableDate), keys[start:end])

		rows, err := w.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var k int
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return nil, err
			}
			out[k] = struct{}{}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ReloadFacts truncates Fact_Sales and refills it inside one transaction.
// TRUNCATE is transactional in SQL Server and reseeds the identity.
func (w *Warehouse) ReloadFacts(ctx context.Context, fill func(storage.FactWriter) error) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE TABLE `+w.table(storage.TableFact)); err != nil {
		return fmt.Errorf("mssql: truncate facts: %w", err)
	}
	if err := fill(&factWriter{tx: tx, insertSQL: buildInsertFactSQL(w.table(storage.TableFact))}); err != nil {
		return err
	}
	return tx.Commit()
}

type factWriter struct {
	tx        txConn
	insertSQL string
}

func (f *factWriter) InsertFact(ctx context.Context, r storage.Fact) error {
	_, err := f.tx.ExecContext(ctx, f.insertSQL,
		r.BookSK, r.CustomerSK, r.PaymentMethodSK, r.DateKey,
		r.Quantity.String(), r.UnitPrice.String(), r.OrderNumber, r.ShippingAddress)
	return mapErr(err)
}

func (w *Warehouse) CountRows(ctx context.Context, t storage.Table) (int64, error) {
	var n int64
	err := w.db.QueryRowContext(ctx, `SELECT COUNT_BIG(*) FROM `+w.table(t)).Scan(&n)
	return n, err
}

func (w *Warehouse) RecentFacts(ctx context.Context, limit int) ([]storage.FactSample, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT TOP (@p1) [SalesID], [DateSK], CONVERT(NVARCHAR(40), [Quantity]), CONVERT(NVARCHAR(40), [UnitPriceAtSale]),`+
			` CONVERT(NVARCHAR(40), [LineAmount]), [OrderNumber] FROM `+w.table(storage.TableFact)+` ORDER BY [SalesID] DESC`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.FactSample
	for rows.Next() {
		var s storage.FactSample
		var qty, price, amount string
		if err := rows.Scan(&s.SalesID, &s.DateKey, &qty, &price, &amount, &s.OrderNumber); err != nil {
			return nil, err
		}
		if s.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if s.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if s.LineAmount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (w *Warehouse) table(t storage.Table) string {
	return mssqlTableIdent(w.schema + "." + string(t))
}

// Unique index / constraint violation numbers.
const (
	errDuplicateKeyConstraint = 2627
	errDuplicateKeyIndex      = 2601
)

// mapErr translates duplicate-key errors into storage.ErrConflict.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var me mssql.Error
	if errors.As(err, &me) && (me.Number == errDuplicateKeyConstraint || me.Number == errDuplicateKeyIndex) {
		return fmt.Errorf("%w: %v", storage.ErrConflict, err)
	}
	return err
}
