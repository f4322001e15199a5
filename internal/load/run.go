package load

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vbyelov/turning-pages-etl/internal/metrics"
	"github.com/vbyelov/turning-pages-etl/internal/staging"
)

// Summary collects the reports of one Run. Stages that did not run leave
// their report nil.
type Summary struct {
	RunID    string
	Precheck *PrecheckReport
	Payment  *PaymentReport
	Book     *BookReport
	Customer *CustomerReport
	Fact     *FactReport
	Verify   *VerifyReport
	// Skipped lists stages whose staged dataset was absent.
	Skipped []Stage
}

type reporter interface {
	zerolog.LogObjectMarshaler
	outcomes() map[string]int
}

// Run executes the stages selected by stage against bundle. A stage whose
// dataset is absent is skipped with a warning; the next stage still runs. The
// first stage error aborts the run.
func (e *Engine) Run(ctx context.Context, stage Stage, b *staging.Bundle) (*Summary, error) {
	if b == nil {
		b = &staging.Bundle{}
	}
	sum := &Summary{RunID: uuid.NewString()}
	log := e.Log.With().Str("run_id", sum.RunID).Logger()
	log.Info().Str("only", string(stage)).Str("run", b.Run).Str("location", b.Location).Msg("load started")

	for _, st := range stage.Expand() {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		stageLog := log.With().Str("stage", string(st)).Logger()
		start := e.Clock.Now()

		rep, ran, err := e.runStage(ctx, st, b, sum, stageLog)

		status := "ok"
		switch {
		case err != nil:
			status = "error"
		case !ran:
			status = "skipped"
			sum.Skipped = append(sum.Skipped, st)
		}
		elapsed := e.Clock.Since(start)
		metrics.IncCounter(metrics.StageTotal, 1, metrics.Labels{"stage": string(st), "status": status})
		metrics.ObserveHistogram(metrics.StageDuration, elapsed.Seconds(), metrics.Labels{"stage": string(st), "status": status})

		if err != nil {
			stageLog.Error().Err(err).Dur("elapsed", elapsed).Msg("stage failed")
			return sum, fmt.Errorf("stage %s: %w", st, err)
		}
		if rep != nil {
			for outcome, n := range rep.outcomes() {
				if n > 0 {
					metrics.IncCounter(metrics.RowsTotal, float64(n), metrics.Labels{"stage": string(st), "outcome": outcome})
				}
			}
			stageLog.Info().EmbedObject(rep).Dur("elapsed", elapsed).Msg("stage complete")
		}
	}

	log.Info().Strs("skipped", stageNames(sum.Skipped)).Msg("load complete")
	return sum, nil
}

// runStage runs one stage. ran is false when the stage's dataset is absent.
func (e *Engine) runStage(ctx context.Context, st Stage, b *staging.Bundle, sum *Summary, log zerolog.Logger) (reporter, bool, error) {
	dataset := func(ent staging.Entity) (*staging.Dataset, bool) {
		ds, ok := b.Get(ent)
		if !ok {
			log.Warn().Str("dataset", ent.FileName()).Str("location", b.Location).
				Msg("staged dataset absent; stage skipped")
		}
		return ds, ok
	}

	switch st {
	case StagePrechecks:
		rep, err := e.Precheck(ctx, b)
		if err != nil {
			return nil, true, err
		}
		sum.Precheck = &rep
		log.Info().Str("database", rep.Identity.Database).Str("login", rep.Identity.Login).
			Str("location", rep.Location).Msg("connected")
		for _, d := range rep.Datasets {
			if d.Absent {
				log.Warn().Str("dataset", d.Entity).Msg("staged dataset absent")
				continue
			}
			log.Info().Str("dataset", d.Entity).Int("rows", d.Rows).Int("malformed", d.Malformed).Msg("staged dataset")
		}
		return nil, true, nil

	case StagePayment:
		ds, ok := dataset(staging.EntityPaymentMethod)
		if !ok {
			return nil, false, nil
		}
		rep, err := e.LoadPaymentMethods(ctx, ds)
		sum.Payment = &rep
		return rep, true, err

	case StageBook:
		ds, ok := dataset(staging.EntityBook)
		if !ok {
			return nil, false, nil
		}
		rep, err := e.LoadBooks(ctx, ds)
		sum.Book = &rep
		return rep, true, err

	case StageCustomer:
		ds, ok := dataset(staging.EntityCustomer)
		if !ok {
			return nil, false, nil
		}
		rep, err := e.LoadCustomers(ctx, ds)
		sum.Customer = &rep
		return rep, true, err

	case StageFact:
		ds, ok := dataset(staging.EntityFact)
		if !ok {
			return nil, false, nil
		}
		lk, err := e.BuildLookups(ctx)
		if err != nil {
			return nil, true, err
		}
		rep, err := e.ReloadFacts(ctx, ds, lk)
		sum.Fact = &rep
		return rep, true, err

	case StageChecks:
		rep, err := e.Verify(ctx)
		if err != nil {
			return nil, true, err
		}
		sum.Verify = &rep
		for _, c := range rep.Counts {
			log.Info().Str("table", string(c.Table)).Int64("rows", c.Rows).Msg("count")
		}
		for _, f := range rep.Recent {
			log.Info().Int("date_key", f.DateKey).Str("qty", f.Quantity.String()).
				Str("price", f.UnitPrice.String()).Str("line_amount", f.LineAmount.String()).
				Str("order", f.OrderNumber).Msg("recent fact")
		}
		return nil, true, nil
	}
	return nil, false, fmt.Errorf("%w %q", ErrUnknownStage, st)
}

func stageNames(stages []Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}
