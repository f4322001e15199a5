package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/vbyelov/turning-pages-etl/internal/storage"
)

// Warehouse implements storage.Warehouse for SQLite.
//
// Key design points vs SQL Server / Postgres:
//   - SQLite has no schemas; the configured schema name is ignored and tables
//     live in the main database.
//   - SQLite has no native timestamp type. ValidFrom/ValidTo/UpdatedAt are
//     stored as RFC3339Nano strings for reliable round-trips.
//   - The pool is capped at one connection. SQLite allows a single writer and
//     ReloadFacts holds its transaction for the whole reload.
type Warehouse struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", Open)
}

// Open opens (and pings) a SQLite database. DSN examples: "file:dwh.db",
// "file:/tmp/dwh.db?_pragma=busy_timeout(5000)".
func Open(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Warehouse{db: db}, nil
}

func (w *Warehouse) Kind() string { return "sqlite" }

func (w *Warehouse) Close() { _ = w.db.Close() }

func (w *Warehouse) Migrate(ctx context.Context) error {
	return storage.ApplyMigrations(ctx, w.db, goose.DialectSQLite3, migrations())
}

// Identity reports the main database file and the library version. SQLite has
// no logins.
func (w *Warehouse) Identity(ctx context.Context) (storage.Identity, error) {
	var id storage.Identity
	var seq int
	var name string
	if err := w.db.QueryRowContext(ctx, `PRAGMA database_list`).Scan(&seq, &name, &id.Database); err != nil {
		return id, fmt.Errorf("sqlite: identity: %w", err)
	}
	if id.Database == "" {
		id.Database = name
	}
	if err := w.db.QueryRowContext(ctx, `SELECT sqlite_version()`).Scan(&id.Version); err != nil {
		return id, fmt.Errorf("sqlite: version: %w", err)
	}
	id.Login = "(none)"
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

	q := `INSERT OR IGNORE INTO ` + tableIdent(storage.TableDate) +
		` ("DateSK", "FullDate", "Year", "Quarter", "Month", "Day", "DayOfWeek") VALUES (?, ?, ?, ?, ?, ?, ?)`
	var total int64
	for _, d := range days {
		res, err := tx.ExecContext(ctx, q, d.DateKey, d.Date.Format(time.DateOnly), d.Year, d.Quarter, d.Month, d.Day, d.DayOfWeek)
		if err != nil {
			return total, fmt.Errorf("sqlite: seed calendar %d: %w", d.DateKey, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, tx.Commit()
}

func (w *Warehouse) PaymentMethodCodes(ctx context.Context) ([]string, error) {
	rows, err := w.db.QueryContext(ctx, `SELECT "Code" FROM `+tableIdent(storage.TablePaymentMethod))
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
		`INSERT INTO `+tableIdent(storage.TablePaymentMethod)+` ("Code", "DisplayName") VALUES (?, ?)`,
		pm.Code, pm.DisplayName)
	return mapErr(err)
}

func (w *Warehouse) UpdateBook(ctx context.Context, b storage.Book, at time.Time) (bool, error) {
	res, err := w.db.ExecContext(ctx, buildUpdateBookSQL(), bookUpdateArgs(b, at)...)
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
	price := b.ListPrice
	if !price.Valid {
		price.Valid = true
	}
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO `+tableIdent(storage.TableBook)+
			` ("ISBN", "Title", "Language", "PublishYear", "Pages", "ListPrice", "UpdatedAt") VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ISBN, b.Title, b.Language, b.PublishYear, b.Pages, price.Decimal.StringFixed(2), formatSQLiteTime(at))
	return mapErr(err)
}

func (w *Warehouse) CurrentCustomer(ctx context.Context, email string) (storage.CustomerVersion, bool, error) {
	var (
		cv        storage.CustomerVersion
		validFrom string
	)
	err := w.db.QueryRowContext(ctx,
		`SELECT "CustomerSK", "CustomerNK_Email", "HashDiff", "ValidFrom" FROM `+tableIdent(storage.TableCustomer)+
			` WHERE "CustomerNK_Email" = ? AND "IsCurrent" = 1 ORDER BY "CustomerSK" DESC LIMIT 1`,
		email,
	).Scan(&cv.SK, &cv.Email, &cv.HashDiff, &validFrom)
	if errors.Is(err, sql.ErrNoRows) {
		return cv, false, nil
	}
	if err != nil {
		return cv, false, err
	}
	if cv.ValidFrom, err = parseSQLiteTime(validFrom); err != nil {
		return cv, false, fmt.Errorf("sqlite: customer %d ValidFrom: %w", cv.SK, err)
	}
	return cv, true, nil
}

func (w *Warehouse) InsertCustomer(ctx context.Context, c storage.Customer, at time.Time) error {
	return insertCustomer(ctx, w.db, c, at)
}

func (w *Warehouse) SupersedeCustomer(ctx context.Context, currentSK int64, next storage.Customer, at time.Time) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE `+tableIdent(storage.TableCustomer)+` SET "ValidTo" = ?, "IsCurrent" = 0 WHERE "CustomerSK" = ?`,
		formatSQLiteTime(at), currentSK,
	); err != nil {
		return fmt.Errorf("sqlite: close customer %d: %w", currentSK, err)
	}
	if err := insertCustomer(ctx, tx, next, at); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertCustomer(ctx context.Context, db execer, c storage.Customer, at time.Time) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO `+tableIdent(storage.TableCustomer)+
			` ("CustomerNK_Email", "DisplayName", "Phone", "Notes", "ValidFrom", "ValidTo", "IsCurrent", "HashDiff")`+
			` VALUES (?, ?, ?, ?, ?, NULL, 1, ?)`,
		c.Email, c.DisplayName, c.Phone, c.Notes, formatSQLiteTime(at), storage.NullBytes(c.HashDiff))
	return mapErr(err)
}

func (w *Warehouse) SurrogateKeys(ctx context.Context, dim storage.Dimension) ([]storage.KeyPair, error) {
	q, err := buildSurrogateKeysSQL(dim)
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

// dateKeyChunk stays well below SQLITE_MAX_VARIABLE_NUMBER.
const dateKeyChunk = 500

func (w *Warehouse) ExistingDateKeys(ctx context.Context, keys []int) (map[int]struct{}, error) {
	out := make(map[int]struct{}, len(keys))
	for start := 0; start < len(keys); start += dateKeyChunk {
		end := min(start+dateKeyChunk, len(keys))
		q, args := buildDateKeysSQL(keys[start:end])

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

// ReloadFacts empties Fact_Sales (and resets its AUTOINCREMENT counter, which
// is what TRUNCATE does elsewhere) and refills it in one transaction.
func (w *Warehouse) ReloadFacts(ctx context.Context, fill func(storage.FactWriter) error) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+tableIdent(storage.TableFact)); err != nil {
		return fmt.Errorf("sqlite: truncate facts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sqlite_sequence WHERE name = ?`, string(storage.TableFact)); err != nil {
		return fmt.Errorf("sqlite: reset fact sequence: %w", err)
	}

	if err := fill(&factWriter{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type factWriter struct {
	tx *sql.Tx
}

func (f *factWriter) InsertFact(ctx context.Context, r storage.Fact) error {
	_, err := f.tx.ExecContext(ctx,
		`INSERT INTO `+tableIdent(storage.TableFact)+
			` ("BookSK", "CustomerSK", "PaymentMethodSK", "DateSK", "Quantity", "UnitPriceAtSale", "OrderNumber", "ShippingAddress")`+
			` VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.BookSK, r.CustomerSK, r.PaymentMethodSK, r.DateKey, r.Quantity.String(), r.UnitPrice.String(), r.OrderNumber, r.ShippingAddress)
	return mapErr(err)
}

func (w *Warehouse) CountRows(ctx context.Context, t storage.Table) (int64, error) {
	var n int64
	err := w.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+tableIdent(t)).Scan(&n)
	return n, err
}

func (w *Warehouse) RecentFacts(ctx context.Context, limit int) ([]storage.FactSample, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT "SalesID", "DateSK", CAST("Quantity" AS TEXT), CAST("UnitPriceAtSale" AS TEXT), CAST("LineAmount" AS TEXT), "OrderNumber"`+
			` FROM `+tableIdent(storage.TableFact)+` ORDER BY "SalesID" DESC LIMIT ?`,
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

// mapErr translates unique-constraint violations into storage.ErrConflict.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %v", storage.ErrConflict, err)
		}
	}
	return err
}

func tableIdent(t storage.Table) string { return sqlIdent(string(t)) }

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseSQLiteTime parses timestamps returned by SQLite into time.Time.
//
// Supported formats:
//   - RFC3339Nano (what we write)
//   - RFC3339
//   - "2006-01-02 15:04:05" as written by CURRENT_TIMESTAMP (interpreted as UTC)
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	if ts, err := time.ParseInLocation(time.DateTime, s, time.UTC); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}
