package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

// Migration is one versioned schema step expressed as ordered DDL statements.
//
// Backends build their steps in Go (rather than embedding .sql files) so the
// configured schema name can be spliced into identifiers.
type Migration struct {
	Version    int64
	Statements []string
}

// ApplyMigrations runs steps through a goose provider. Each step executes in its
// own transaction together with the goose version bookkeeping, so a re-run only
// applies steps that have not been recorded yet.
//
// The logger is taken from ctx (zerolog.Ctx); applied steps are logged at info.
func ApplyMigrations(ctx context.Context, db *sql.DB, dialect goose.Dialect, steps []Migration) error {
	gm := make([]*goose.Migration, 0, len(steps))
	for _, s := range steps {
		stmts := s.Statements
		gm = append(gm, goose.NewGoMigration(
			s.Version,
			&goose.GoFunc{
				RunTx: func(ctx context.Context, tx *sql.Tx) error {
					for i, q := range stmts {
						if _, err := tx.ExecContext(ctx, q); err != nil {
							return fmt.Errorf("statement %d: %w", i+1, err)
						}
					}
					return nil
				},
				Mode: goose.TransactionEnabled,
			},
			nil,
		))
	}

	log := zerolog.Ctx(ctx)
	p, err := goose.NewProvider(dialect, db, nil,
		goose.WithGoMigrations(gm...),
		goose.WithLogger(gooseLogger{log: log}),
	)
	if err != nil {
		return fmt.Errorf("storage: goose provider: %w", err)
	}

	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("storage: migrate up: %w", err)
	}

	for _, r := range results {
		log.Info().
			Int64("version", r.Source.Version).
			Dur("duration", r.Duration).
			Msg("migration applied")
	}
	if len(results) == 0 {
		log.Debug().Msg("schema up to date")
	}
	return nil
}

// gooseLogger adapts zerolog to the goose.Logger interface.
type gooseLogger struct {
	log *zerolog.Logger
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.log.Debug().Str("component", "goose").Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.log.Error().Str("component", "goose").Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
