package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrConflict is returned when an insert violates a natural-key uniqueness
// constraint (duplicate code/ISBN, or a second current customer version).
//
// Loaders count conflicts instead of aborting the run.
var ErrConflict = errors.New("storage: natural key conflict")

// Config is the minimal configuration needed to open a warehouse backend.
//
// When to use:
//   - Use Config when constructing a Warehouse via Open.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - Schema defaults to DefaultSchema when empty. Backends without schema
//     support (sqlite) ignore it.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//
// Errors:
//   - Open returns an error if Kind is empty or unsupported.
type Config struct {
	Kind   string
	DSN    string
	Schema string
}

// DefaultSchema is the warehouse schema used when Config.Schema is empty.
const DefaultSchema = "dwh"

// Warehouse is the backend-agnostic surface used by the load engine.
//
// Each method is a single unit of work against the warehouse. Only
// SupersedeCustomer and ReloadFacts span more than one statement, and both run
// inside a transaction.
//
// Concurrency:
//   - A run assumes it is the only writer. Natural-key uniqueness is enforced by
//     constraints created in Migrate; violations surface as ErrConflict.
type Warehouse interface {
	// Kind returns the registered backend kind ("mssql", "postgres", "sqlite").
	Kind() string

	// Close releases connections. Call once at process shutdown.
	Close()

	// Migrate creates the warehouse schema, tables and constraints.
	// It is idempotent and versioned.
	Migrate(ctx context.Context) error

	// Identity reports which database and login the connection resolved to.
	Identity(ctx context.Context) (Identity, error)

	// SeedCalendar inserts Dim_Date rows for every day in [from, to] that does
	// not yet exist and returns the number inserted.
	SeedCalendar(ctx context.Context, from, to time.Time) (int64, error)

	// PaymentMethodCodes returns every stored payment-method code as stored.
	PaymentMethodCodes(ctx context.Context) ([]string, error)
	InsertPaymentMethod(ctx context.Context, pm PaymentMethod) error

	// UpdateBook applies a coalescing update keyed by ISBN and reports whether a
	// row matched.
	UpdateBook(ctx context.Context, b Book, at time.Time) (bool, error)
	InsertBook(ctx context.Context, b Book, at time.Time) error

	// CurrentCustomer returns the current version for a normalized email. When
	// several rows are flagged current, the one with the highest key wins.
	CurrentCustomer(ctx context.Context, email string) (CustomerVersion, bool, error)
	InsertCustomer(ctx context.Context, c Customer, at time.Time) error
	// SupersedeCustomer closes version currentSK and inserts next as the new
	// current version, atomically.
	SupersedeCustomer(ctx context.Context, currentSK int64, next Customer, at time.Time) error

	// SurrogateKeys maps raw stored natural keys to surrogate keys for one
	// dimension. Customer maps only include current versions. Rows are returned
	// in ascending key order so that later (higher) keys overwrite earlier ones.
	SurrogateKeys(ctx context.Context, dim Dimension) ([]KeyPair, error)

	// ExistingDateKeys returns the subset of keys present in Dim_Date.
	ExistingDateKeys(ctx context.Context, keys []int) (map[int]struct{}, error)

	// ReloadFacts truncates Fact_Sales and calls fill with a writer bound to the
	// same transaction. A non-nil error from fill rolls the reload back.
	ReloadFacts(ctx context.Context, fill func(w FactWriter) error) error

	CountRows(ctx context.Context, t Table) (int64, error)
	RecentFacts(ctx context.Context, limit int) ([]FactSample, error)
}

// FactWriter inserts fact rows inside a ReloadFacts transaction.
type FactWriter interface {
	InsertFact(ctx context.Context, f Fact) error
}

type factory func(ctx context.Context, cfg Config) (Warehouse, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a warehouse backend under a kind (e.g. "mssql", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by Open.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// Kinds lists registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open constructs a Warehouse using the registered backend factory.
//
// Edge cases:
//   - If cfg.Kind is empty or not registered, Open returns an error.
//   - An empty cfg.Schema is replaced with DefaultSchema before the factory runs.
//
// Concurrency:
//   - Safe for concurrent use with Register.
//
// Errors:
//   - Returns whatever error the registered factory returns (typically a
//     connectivity failure from the initial ping).
func Open(ctx context.Context, cfg Config) (Warehouse, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}
	if cfg.Schema == "" {
		cfg.Schema = DefaultSchema
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}
