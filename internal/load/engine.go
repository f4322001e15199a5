package load

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/vbyelov/turning-pages-etl/internal/staging"
	"github.com/vbyelov/turning-pages-etl/internal/storage"
)

// Engine runs the load stages against one warehouse.
type Engine struct {
	Repo  storage.Warehouse
	Log   zerolog.Logger
	Clock clockwork.Clock
}

// New returns an engine. A nil clock means the real clock.
func New(repo storage.Warehouse, log zerolog.Logger, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{Repo: repo, Log: log, Clock: clock}
}

func (e *Engine) now() time.Time { return e.Clock.Now().UTC() }

// LoadPaymentMethods inserts payment-method codes not yet in the dimension.
// Existing rows are never modified.
func (e *Engine) LoadPaymentMethods(ctx context.Context, ds *staging.Dataset) (PaymentReport, error) {
	var rep PaymentReport

	codeCol, err := ds.Resolve(colPaymentCode...)
	if err != nil {
		return rep, err
	}
	nameCol, err := ds.Resolve(colPaymentName...)
	if err != nil {
		return rep, err
	}

	stored, err := e.Repo.PaymentMethodCodes(ctx)
	if err != nil {
		return rep, fmt.Errorf("load payment methods: %w", err)
	}
	known := make(map[string]struct{}, len(stored)+ds.Len())
	for _, c := range stored {
		known[storage.NormalizeKey(c)] = struct{}{}
	}

	for _, row := range ds.Rows {
		rep.Read++
		code, name := cellText(row, codeCol), cellText(row, nameCol)

		o := decidePaymentMethod(code, name, known)
		if o.Kind != Inserted {
			rep.add(o)
			continue
		}

		pm := storage.PaymentMethod{Code: strings.Join(strings.Fields(code), " "), DisplayName: name}
		if err := e.Repo.InsertPaymentMethod(ctx, pm); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				rep.Conflicts++
				known[storage.NormalizeKey(code)] = struct{}{}
				e.Log.Warn().Str("code", pm.Code).Msg("payment method already stored")
				continue
			}
			return rep, fmt.Errorf("insert payment method %q: %w", pm.Code, err)
		}
		known[storage.NormalizeKey(code)] = struct{}{}
		rep.add(o)
	}
	return rep, nil
}

// LoadBooks upserts books by ISBN: a coalescing update first, then an insert
// for unseen ISBNs that carry a title.
func (e *Engine) LoadBooks(ctx context.Context, ds *staging.Dataset) (BookReport, error) {
	var rep BookReport

	nkCol, err := ds.Resolve(colBookNK...)
	if err != nil {
		return rep, err
	}
	titleCol, err := ds.Resolve(colTitle...)
	if err != nil {
		return rep, err
	}
	langCol := ds.Optional(colLanguage...)
	yearCol := ds.Optional(colPublishYear...)
	pagesCol := ds.Optional(colPages...)
	priceCol := ds.Optional(colListPrice...)

	at := e.now()
	for _, row := range ds.Rows {
		rep.Read++
		b := storage.Book{
			ISBN:        storage.NormalizeKey(cellText(row, nkCol)),
			Title:       cellString(row, titleCol),
			Language:    cellString(row, langCol),
			PublishYear: cellInt(row, yearCol),
			Pages:       cellInt(row, pagesCol),
			ListPrice:   cellDecimal(row, priceCol),
		}
		if b.ISBN == "" {
			rep.add(decideBook(b, false))
			continue
		}

		matched, err := e.Repo.UpdateBook(ctx, b, at)
		if err != nil {
			return rep, fmt.Errorf("update book %q: %w", b.ISBN, err)
		}
		o := decideBook(b, matched)
		if o.Kind == Inserted {
			if err := e.Repo.InsertBook(ctx, b, at); err != nil {
				if errors.Is(err, storage.ErrConflict) {
					rep.Conflicts++
					e.Log.Warn().Str("isbn", b.ISBN).Msg("book insert conflicted")
					continue
				}
				return rep, fmt.Errorf("insert book %q: %w", b.ISBN, err)
			}
		}
		rep.add(o)
	}
	return rep, nil
}

// LoadCustomers versions customers by normalized email, comparing the staged
// HashDiff with the current version's digest.
func (e *Engine) LoadCustomers(ctx context.Context, ds *staging.Dataset) (CustomerReport, error) {
	var rep CustomerReport

	nkCol, err := ds.Resolve(colCustomerNK...)
	if err != nil {
		return rep, err
	}
	nameCol := ds.Optional(colDisplayName...)
	phoneCol := ds.Optional(colPhone...)
	notesCol := ds.Optional(colNotes...)
	hashCol := ds.Optional(colHashDiff...)
	haveDigest := hashCol >= 0

	at := e.now()
	for _, row := range ds.Rows {
		rep.Read++
		c := storage.Customer{
			Email:       storage.NormalizeKey(cellText(row, nkCol)),
			DisplayName: cellString(row, nameCol),
			Phone:       cellString(row, phoneCol),
			Notes:       cellString(row, notesCol),
			HashDiff:    parseDigest(cellText(row, hashCol)),
		}
		if c.Email == "" {
			rep.add(decideCustomer("", nil, nil, haveDigest))
			continue
		}

		cur, found, err := e.Repo.CurrentCustomer(ctx, c.Email)
		if err != nil {
			return rep, fmt.Errorf("read current customer %q: %w", c.Email, err)
		}
		var current *storage.CustomerVersion
		if found {
			current = &cur
		}

		o := decideCustomer(c.Email, current, c.HashDiff, haveDigest)
		switch o.Kind {
		case Inserted:
			err = e.Repo.InsertCustomer(ctx, c, at)
		case Updated:
			err = e.Repo.SupersedeCustomer(ctx, cur.SK, c, at)
		}
		if err != nil {
			if errors.Is(err, storage.ErrConflict) {
				rep.Conflicts++
				e.Log.Warn().Str("email", c.Email).Msg("customer version conflicted")
				continue
			}
			return rep, fmt.Errorf("write customer %q: %w", c.Email, err)
		}
		rep.add(o)
	}
	return rep, nil
}

// Lookups map normalized natural keys to surrogate keys.
type Lookups struct {
	PaymentMethod map[string]int64
	Book          map[string]int64
	Customer      map[string]int64
}

// BuildLookups reads the three key maps. Customer keys come from current
// versions only; when several stored keys normalize alike, the highest
// surrogate key wins.
func (e *Engine) BuildLookups(ctx context.Context) (*Lookups, error) {
	read := func(dim storage.Dimension) (map[string]int64, error) {
		pairs, err := e.Repo.SurrogateKeys(ctx, dim)
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", dim, err)
		}
		m := make(map[string]int64, len(pairs))
		for _, p := range pairs {
			m[storage.NormalizeKey(p.NK)] = p.SK
		}
		return m, nil
	}

	var (
		lk  Lookups
		err error
	)
	if lk.PaymentMethod, err = read(storage.DimPaymentMethod); err != nil {
		return nil, err
	}
	if lk.Book, err = read(storage.DimBook); err != nil {
		return nil, err
	}
	if lk.Customer, err = read(storage.DimCustomer); err != nil {
		return nil, err
	}

	e.Log.Debug().Int("pm", len(lk.PaymentMethod)).Int("book", len(lk.Book)).
		Int("cust", len(lk.Customer)).Msg("lookups built")
	return &lk, nil
}

// ReloadFacts replaces Fact_Sales with the resolvable rows of ds. Columns are
// resolved before anything is deleted; the truncate and all inserts share one
// transaction.
func (e *Engine) ReloadFacts(ctx context.Context, ds *staging.Dataset, lk *Lookups) (FactReport, error) {
	var rep FactReport

	cols := make([]int, 0, 8)
	for _, accepted := range [][]string{
		colBookNK, colCustomerNK, colPaymentCode, colDateKey,
		colQuantity, colUnitPrice, colOrderNumber, colShippingAddress,
	} {
		idx, err := ds.Resolve(accepted...)
		if err != nil {
			return rep, err
		}
		cols = append(cols, idx)
	}

	staged := make([]stagedFact, 0, ds.Len())
	distinct := make(map[int]struct{})
	for _, row := range ds.Rows {
		sf := stagedFact{
			BookNK:          cellText(row, cols[0]),
			CustomerNK:      cellText(row, cols[1]),
			PaymentNK:       cellText(row, cols[2]),
			Quantity:        cellDecimal(row, cols[4]),
			UnitPrice:       cellDecimal(row, cols[5]),
			OrderNumber:     cellText(row, cols[6]),
			ShippingAddress: cellText(row, cols[7]),
		}
		sf.DateKey, sf.HasDate = cellDateKey(row, cols[3])
		if sf.HasDate && dateKeyInRange(sf.DateKey) {
			distinct[int(sf.DateKey)] = struct{}{}
		}
		staged = append(staged, sf)
	}

	keys := make([]int, 0, len(distinct))
	for k := range distinct {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	dates, err := e.Repo.ExistingDateKeys(ctx, keys)
	if err != nil {
		return rep, fmt.Errorf("validate date keys: %w", err)
	}

	err = e.Repo.ReloadFacts(ctx, func(w storage.FactWriter) error {
		rep = FactReport{}
		for i, sf := range staged {
			rep.Read++
			o, miss, f := classifyFact(sf, dates, lk)
			if o.Kind == Inserted {
				if err := w.InsertFact(ctx, f); err != nil {
					return fmt.Errorf("insert fact row %d (order %q): %w", i+1, sf.OrderNumber, err)
				}
			}
			rep.add(o, miss)
		}
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("reload facts: %w", err)
	}
	return rep, nil
}

// Verify reads table counts and the most recent fact rows.
func (e *Engine) Verify(ctx context.Context) (VerifyReport, error) {
	var rep VerifyReport
	for _, t := range storage.Tables {
		n, err := e.Repo.CountRows(ctx, t)
		if err != nil {
			return rep, fmt.Errorf("count %s: %w", t, err)
		}
		rep.Counts = append(rep.Counts, TableCount{Table: t, Rows: n})
	}
	recent, err := e.Repo.RecentFacts(ctx, 5)
	if err != nil {
		return rep, fmt.Errorf("recent facts: %w", err)
	}
	rep.Recent = recent
	return rep, nil
}
