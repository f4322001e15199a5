package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/vbyelov/turning-pages-etl/internal/storage"
)

/*
Warehouse implements storage.Warehouse for Postgres.

It provides:
  - Case-insensitive natural-key uniqueness via lower() unique indexes
  - Transactional type 2 transitions and fact reloads (pgx.Tx)
  - A single ANY($1) round-trip for calendar key validation

Behavior matches the SQL Server and SQLite implementations.
*/
type Warehouse struct {
	pool   *pgxpool.Pool
	schema string
}

func init() {
	storage.Register("postgres", Open)
}

// Open creates the pool and verifies connectivity.
func Open(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	schema := cfg.Schema
	if schema == "" {
		schema = storage.DefaultSchema
	}
	return &Warehouse{pool: pool, schema: schema}, nil
}

func (w *Warehouse) Kind() string { return "postgres" }

// Close closes the connection pool.
func (w *Warehouse) Close() {
	w.pool.Close()
}

// Migrate runs the goose steps over a database/sql handle sharing the pool.
func (w *Warehouse) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(w.pool)
	defer db.Close()
	return storage.ApplyMigrations(ctx, db, goose.DialectPostgres, migrations(w.schema))
}

func (w *Warehouse) Identity(ctx context.Context) (storage.Identity, error) {
	var id storage.Identity
	err := w.pool.QueryRow(ctx, `SELECT current_database(), current_user, version()`).
		Scan(&id.Database, &id.Login, &id.Version)
	if err != nil {
		return id, fmt.Errorf("postgres: identity: %w", err)
	}
	return id, nil
}

func (w *Warehouse) SeedCalendar(ctx context.Context, from, to time.Time) (int64, error) {
	days := storage.CalendarDays(from, to)
	if len(days) == 0 {
		return 0, nil
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	q := `INSERT INTO ` + w.table(storage.TableDate) +
		` ("DateSK", "FullDate", "Year", "Quarter", "Month", "Day", "DayOfWeek") VALUES ($1, $2, $3, $4, $5, $6, $7)` +
		` ON CONFLICT ("DateSK") DO NOTHING`
	var total int64
	for _, d := range days {
		tag, err := tx.Exec(ctx, q, d.DateKey, d.Date, d.Year, d.Quarter, d.Month, d.Day, d.DayOfWeek)
		if err != nil {
			return total, fmt.Errorf("postgres: seed calendar %d: %w", d.DateKey, err)
		}
		total += tag.RowsAffected()
	}
	return total, tx.Commit(ctx)
}

func (w *Warehouse) PaymentMethodCodes(ctx context.Context) ([]string, error) {
	rows, err := w.pool.Query(ctx, `SELECT "Code" FROM `+w.table(storage.TablePaymentMethod)+` WHERE "Code" IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (w *Warehouse) InsertPaymentMethod(ctx context.Context, pm storage.PaymentMethod) error {
	_, err := w.pool.Exec(ctx,
		`INSERT INTO `+w.table(storage.TablePaymentMethod)+` ("Code", "DisplayName") VALUES ($1, $2)`,
		pm.Code, pm.DisplayName)
	return mapErr(err)
}

func (w *Warehouse) UpdateBook(ctx context.Context, b storage.Book, at time.Time) (bool, error) {
	tag, err := w.pool.Exec(ctx, buildUpdateBookSQL(w.table(storage.TableBook)), bookUpdateArgs(b, at)...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (w *Warehouse) InsertBook(ctx context.Context, b storage.Book, at time.Time) error {
	price := decimal.Zero
	if b.ListPrice.Valid {
		price = b.ListPrice.Decimal
	}
	_, err := w.pool.Exec(ctx,
		`INSERT INTO `+w.table(storage.TableBook)+
			` ("ISBN", "Title", "Language", "PublishYear", "Pages", "ListPrice", "UpdatedAt")`+
			` VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7)`,
		b.ISBN, b.Title, b.Language, b.PublishYear, b.Pages, price.StringFixed(2), at)
	return mapErr(err)
}

func (w *Warehouse) CurrentCustomer(ctx context.Context, email string) (storage.CustomerVersion, bool, error) {
	var cv storage.CustomerVersion
	err := w.pool.QueryRow(ctx,
		`SELECT "CustomerSK", "CustomerNK_Email", "HashDiff", "ValidFrom" FROM `+w.table(storage.TableCustomer)+
			` WHERE lower("CustomerNK_Email") = lower($1) AND "IsCurrent" ORDER BY "CustomerSK" DESC LIMIT 1`,
		email,
	).Scan(&cv.SK, &cv.Email, &cv.HashDiff, &cv.ValidFrom)
	if errors.Is(err, pgx.ErrNoRows) {
		return cv, false, nil
	}
	if err != nil {
		return cv, false, err
	}
	return cv, true, nil
}

func (w *Warehouse) InsertCustomer(ctx context.Context, c storage.Customer, at time.Time) error {
	_, err := w.pool.Exec(ctx, buildInsertCustomerSQL(w.table(storage.TableCustomer)), customerInsertArgs(c, at)...)
	return mapErr(err)
}

func (w *Warehouse) SupersedeCustomer(ctx context.Context, currentSK int64, next storage.Customer, at time.Time) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE `+w.table(storage.TableCustomer)+` SET "ValidTo" = $1, "IsCurrent" = false WHERE "CustomerSK" = $2`,
		at, currentSK,
	); err != nil {
		return fmt.Errorf("postgres: close customer %d: %w", currentSK, err)
	}
	if _, err := tx.Exec(ctx, buildInsertCustomerSQL(w.table(storage.TableCustomer)), customerInsertArgs(next, at)...); err != nil {
		return mapErr(err)
	}
	return tx.Commit(ctx)
}

func (w *Warehouse) SurrogateKeys(ctx context.Context, dim storage.Dimension) ([]storage.KeyPair, error) {
	q, err := w.buildSurrogateKeysSQL(dim)
	if err != nil {
		return nil, err
	}
	rows, err := w.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.KeyPair, error) {
		var kp storage.KeyPair
		err := row.Scan(&kp.NK, &kp.SK)
		return kp, err
	})
}

func (w *Warehouse) ExistingDateKeys(ctx context.Context, keys []int) (map[int]struct{}, error) {
	out := make(map[int]struct{}, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	arg := make([]int32, len(keys))
	for i, k := range keys {
		arg[i] = int32(k)
	}

	rows, err := w.pool.Query(ctx, `SELECT "DateSK" FROM `+w.table(storage.TableDate)+` WHERE "DateSK" = ANY($1)`, arg)
	if err != nil {
		return nil, err
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[int32])
	if err != nil {
		return nil, err
	}
	for _, k := range found {
		out[int(k)] = struct{}{}
	}
	return out, nil
}

func (w *Warehouse) ReloadFacts(ctx context.Context, fill func(storage.FactWriter) error) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `TRUNCATE TABLE `+w.table(storage.TableFact)+` RESTART IDENTITY`); err != nil {
		return fmt.Errorf("postgres: truncate facts: %w", err)
	}
	if err := fill(&factWriter{tx: tx, insertSQL: buildInsertFactSQL(w.table(storage.TableFact))}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type factWriter struct {
	tx        pgx.Tx
	insertSQL string
}

func (f *factWriter) InsertFact(ctx context.Context, r storage.Fact) error {
	_, err := f.tx.Exec(ctx, f.insertSQL,
		r.BookSK, r.CustomerSK, r.PaymentMethodSK, r.DateKey,
		r.Quantity.String(), r.UnitPrice.String(), r.OrderNumber, r.ShippingAddress)
	return mapErr(err)
}

func (w *Warehouse) CountRows(ctx context.Context, t storage.Table) (int64, error) {
	var n int64
	err := w.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+w.table(t)).Scan(&n)
	return n, err
}

func (w *Warehouse) RecentFacts(ctx context.Context, limit int) ([]storage.FactSample, error) {
	rows, err := w.pool.Query(ctx,
		`SELECT "SalesID", "DateSK", "Quantity"::text, "UnitPriceAtSale"::text, "LineAmount"::text, "OrderNumber"`+
			` FROM `+w.table(storage.TableFact)+` ORDER BY "SalesID" DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.FactSample, error) {
		var s storage.FactSample
		var qty, price, amount string
		if err := row.Scan(&s.SalesID, &s.DateKey, &qty, &price, &amount, &s.OrderNumber); err != nil {
			return s, err
		}
		var err error
		if s.Quantity, err = decimal.NewFromString(qty); err != nil {
			return s, err
		}
		if s.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return s, err
		}
		s.LineAmount, err = decimal.NewFromString(amount)
		return s, err
	})
}

func (w *Warehouse) table(t storage.Table) string {
	return pgIdent(w.schema) + "." + pgIdent(string(t))
}

// uniqueViolation is SQLSTATE 23505.
const uniqueViolation = "23505"

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %v", storage.ErrConflict, err)
	}
	return err
}

var _ storage.Warehouse = (*Warehouse)(nil)
