package mssql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/shopspring/decimal"

	"github.com/vbyelov/turning-pages-etl/internal/storage"
)

type fakeResult int64

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

// fakeTx records statements and fails the n-th Exec when failAt > 0.
type fakeTx struct {
	stmts      []string
	args       [][]any
	failAt     int
	failErr    error
	committed  bool
	rolledBack bool
}

func (f *fakeTx) ExecContext(_ context.Context, q string, args ...any) (sql.Result, error) {
	f.stmts = append(f.stmts, q)
	f.args = append(f.args, args)
	if f.failAt == len(f.stmts) {
		return nil, f.failErr
	}
	return fakeResult(1), nil
}

func (f *fakeTx) Commit() error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback() error {
	if !f.committed {
		f.rolledBack = true
	}
	return nil
}

type fakeDB struct {
	tx *fakeTx
}

func (f *fakeDB) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return fakeResult(0), nil
}
func (f *fakeDB) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeDB) QueryRowContext(context.Context, string, ...any) rowScanner { return nil }
func (f *fakeDB) BeginTx(context.Context, *sql.TxOptions) (txConn, error) { return f.tx, nil }
func (f *fakeDB) Close() error                                             { return nil }

func TestSupersedeCustomer_ClosesThenInsertsInOneTx(t *testing.T) {
	t.Parallel()

	tx := &fakeTx{}
	w := newWarehouse(&fakeDB{tx: tx}, "dwh")
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	err := w.SupersedeCustomer(context.Background(), 42, storage.Customer{Email: "a@x", HashDiff: []byte{0xAB}}, at)
	if err != nil {
		t.Fatalf("SupersedeCustomer: %v", err)
	}
	if len(tx.stmts) != 2 {
		t.Fatalf("statements=%d want 2", len(tx.stmts))
	}
	if !strings.HasPrefix(tx.stmts[0], "UPDATE [dwh].[Dim_Customer] WITH (ROWLOCK) SET [ValidTo] = @p1, [IsCurrent] = 0") {
		t.Fatalf("first statement=%q", tx.stmts[0])
	}
	if tx.args[0][1] != int64(42) {
		t.Fatalf("close args=%v", tx.args[0])
	}
	if !strings.HasPrefix(tx.stmts[1], "INSERT INTO [dwh].[Dim_Customer]") {
		t.Fatalf("second statement=%q", tx.stmts[1])
	}
	if !tx.committed {
		t.Fatalf("expected commit")
	}
}

func TestSupersedeCustomer_DuplicateRollsBackAsConflict(t *testing.T) {
	t.Parallel()

	tx := &fakeTx{failAt: 2, failErr: mssql.Error{Number: 2601, Message: "Cannot insert duplicate key row"}}
	w := newWarehouse(&fakeDB{tx: tx}, "dwh")

	err := w.SupersedeCustomer(context.Background(), 1, storage.Customer{Email: "a@x"}, time.Now())
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err=%v want ErrConflict", err)
	}
	if tx.committed || !tx.rolledBack {
		t.Fatalf("committed=%v rolledBack=%v", tx.committed, tx.rolledBack)
	}
	if got := tx.args[1][5]; got != nil {
		t.Fatalf("empty digest must be sent as NULL, got %#v", got)
	}
}

func TestReloadFacts_FillErrorRollsBack(t *testing.T) {
	t.Parallel()

	tx := &fakeTx{}
	w := newWarehouse(&fakeDB{tx: tx}, "sales")
	boom := errors.New("boom")

	err := w.ReloadFacts(context.Background(), func(fw storage.FactWriter) error {
		if err := fw.InsertFact(context.Background(), storage.Fact{
			BookSK: 1, CustomerSK: 2, PaymentMethodSK: 3, DateKey: 20240101,
			Quantity: decimal.NewFromInt(1), UnitPrice: decimal.RequireFromString("9.90"),
			OrderNumber: "SO-1", ShippingAddress: "x",
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	if tx.stmts[0] != "TRUNCATE TABLE [sales].[Fact_Sales]" {
		t.Fatalf("first statement=%q", tx.stmts[0])
	}
	if tx.args[1][5] != "9.9" {
		t.Fatalf("unit price arg=%#v", tx.args[1][5])
	}
	if tx.committed || !tx.rolledBack {
		t.Fatalf("committed=%v rolledBack=%v", tx.committed, tx.rolledBack)
	}
}

func TestBuildDateKeysSQL_NumbersParams(t *testing.T) {
	t.Parallel()

	q, args := buildDateKeysSQL("[dwh].[Dim_Date]", []int{20240101, 20240102, 20240103})
	want := "SELECT [DateSK] FROM [dwh].[Dim_Date] WHERE [DateSK] IN (@p1, @p2, @p3)"
	if q != want {
		t.Fatalf("got=%q want=%q", q, want)
	}
	if len(args) != 3 || args[2] != 20240103 {
		t.Fatalf("args=%v", args)
	}
}

func TestBookUpdateArgs_NullsCoalesce(t *testing.T) {
	t.Parallel()

	title := "Go"
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	args := bookUpdateArgs(storage.Book{ISBN: "isbn-1", Title: &title}, at)

	if len(args) != 7 {
		t.Fatalf("len=%d", len(args))
	}
	if args[4] != nil {
		t.Fatalf("absent list price must be NULL so COALESCE keeps the stored value; got %#v", args[4])
	}
	if args[6] != "isbn-1" {
		t.Fatalf("key arg=%#v", args[6])
	}
	if !strings.Contains(buildUpdateBookSQL("[dwh].[Dim_Book]"), "[ListPrice] = COALESCE(@p5, [ListPrice])") {
		t.Fatalf("update must coalesce ListPrice")
	}
}

func TestMigrations_QuoteSchema(t *testing.T) {
	t.Parallel()

	steps := migrations("dw'h")
	if len(steps) != 1 || steps[0].Version != 1 {
		t.Fatalf("steps=%+v", steps)
	}
	first := steps[0].Statements[0]
	if first != `IF SCHEMA_ID(N'dw''h') IS NULL EXEC(N'CREATE SCHEMA [dw''h]')` {
		t.Fatalf("schema statement=%q", first)
	}
	joined := strings.Join(steps[0].Statements, "\n")
	for _, want := range []string{
		"CONSTRAINT [UQ_Dim_PaymentMethod_Code] UNIQUE ([Code])",
		"CONSTRAINT [UQ_Dim_Book_ISBN] UNIQUE ([ISBN])",
		"WHERE [IsCurrent] = 1",
		"[LineAmount] AS ([Quantity] * [UnitPriceAtSale]) PERSISTED",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("migration missing %q", want)
		}
	}
}

func TestMapErr(t *testing.T) {
	t.Parallel()

	if err := mapErr(mssql.Error{Number: 2627}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("2627: err=%v", err)
	}
	other := mssql.Error{Number: 547}
	if err := mapErr(other); errors.Is(err, storage.ErrConflict) {
		t.Fatalf("547 must not be a conflict")
	}
	if mapErr(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}
