// Package execution runs composed descriptors through an adapter with
// bounded retries and shapes the raw rows into a result.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/catalog-insight/server/internal/agent/model"
	errx "github.com/catalog-insight/server/internal/core/error"
	logx "github.com/catalog-insight/server/pkg/logger"
)

// Catalog answers metadata questions.
type Catalog interface {
	ListModels(ctx context.Context) ([]model.CatalogModel, error)
	GetFields(ctx context.Context, modelID string) ([]model.Field, error)
}

type Executor struct {
	adapter model.ExecutionAdapter
	catalog Catalog
	cfg     model.PipelineConfig
	log     zerolog.Logger
}

func NewExecutor(adapter model.ExecutionAdapter, catalog Catalog, cfg model.PipelineConfig) *Executor {
	return &Executor{
		adapter: adapter,
		catalog: catalog,
		cfg:     cfg,
		log:     logx.With("executor"),
	}
}

// Run executes q. Transient adapter failures are retried with exponential
// backoff up to the configured bound, each attempt under its own timeout.
// A no-data answer is never retried. Counting is always done over the rows
// that come back.
func (e *Executor) Run(ctx context.Context, q model.QueryDescriptor, creds model.Credentials) (model.QueryResult, error) {
	if err := q.Validate(); err != nil {
		return model.QueryResult{}, errx.Internal(err)
	}
	if q.Metadata {
		return e.metadata(ctx, q)
	}

	var (
		raw      model.RawResult
		attempts int
	)
	op := func() error {
		attempts++
		actx, cancel := context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
		defer cancel()

		res, err := e.adapter.Run(actx, q, creds)
		if err == nil {
			raw = res
			return nil
		}
		err = classify(ctx, err)
		e.log.Warn().
			Err(err).
			Int("attempt", attempts).
			Str("model_id", q.ModelID).
			Bool("retryable", errx.IsRetryable(err)).
			Msg("execution attempt failed")
		if !errx.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(e.newBackOff(), uint64(max(e.cfg.ExecutionRetries, 0))),
		ctx,
	)
	if err := backoff.Retry(op, bo); err != nil {
		if ctx.Err() != nil && errx.KindOf(err) != errx.KindCancelled {
			err = errx.Cancelled(ctx.Err())
		}
		return model.QueryResult{Attempts: attempts}, err
	}

	result := shape(q, raw)
	result.Attempts = attempts
	if result.Count == 0 && q.Aggregate == model.AggregateNone {
		return result, errx.NoData(fmt.Errorf("no rows for %s", q.ModelID))
	}
	e.log.Debug().
		Str("model_id", q.ModelID).
		Int("count", result.Count).
		Bool("truncated", result.Truncated).
		Int("attempts", attempts).
		Msg("execution complete")
	return result, nil
}

func (e *Executor) newBackOff() *backoff.ExponentialBackOff {
	initial := e.cfg.ExecutionBackoff
	if initial <= 0 {
		initial = backoff.DefaultInitialInterval
	}
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initial),
		backoff.WithMultiplier(2.0),
		backoff.WithMaxInterval(initial*8),
		backoff.WithMaxElapsedTime(0),
	)
}

// classify maps adapter errors onto the execution taxonomy.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errx.Cancelled(ctx.Err())
	}
	switch errx.KindOf(err) {
	case errx.KindNoData, errx.KindCancelled:
		return err
	case errx.KindExecution:
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errx.Execution(fmt.Errorf("attempt timed out: %w", err), true)
	}
	return errx.Execution(err, true)
}

// shape projects, de-duplicates and truncates raw rows.
func shape(q model.QueryDescriptor, raw model.RawResult) model.QueryResult {
	res := model.QueryResult{Columns: q.Fields, Truncated: raw.Truncated}
	seen := make(map[string]struct{})
	for _, row := range raw.Rows {
		projected := project(row, q.Fields)
		if q.Distinct {
			key := rowKey(projected, q.Fields)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		if len(res.Rows) == q.Limit {
			res.Truncated = true
			break
		}
		res.Rows = append(res.Rows, projected)
	}
	res.Count = len(res.Rows)
	return res
}

func project(row map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		out := make(map[string]any, len(row))
		for k, v := range row {
			out[k] = v
		}
		return out
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := row[f]; ok {
			out[f] = v
		}
	}
	return out
}

func rowKey(row map[string]any, fields []string) string {
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(strings.ToLower(fmt.Sprint(row[f])))
		b.WriteByte(0)
	}
	return b.String()
}

func (e *Executor) metadata(ctx context.Context, q model.QueryDescriptor) (model.QueryResult, error) {
	var res model.QueryResult
	if q.ModelID == model.CatalogWide {
		models, err := e.catalog.ListModels(ctx)
		if err != nil {
			return res, errx.Execution(err, false)
		}
		res.Columns = []string{"model_id", "name", "description"}
		for _, m := range models {
			res.Rows = append(res.Rows, map[string]any{"model_id": m.ID, "name": m.Name, "description": m.Description})
		}
	} else {
		fields, err := e.catalog.GetFields(ctx, q.ModelID)
		if err != nil {
			return res, errx.NoData(err)
		}
		res.Columns = []string{"field_id", "name", "type", "description"}
		for _, f := range fields {
			res.Rows = append(res.Rows, map[string]any{"field_id": f.ID, "name": f.Name, "type": string(f.Type), "description": f.Description})
		}
	}
	if len(res.Rows) > q.Limit {
		res.Rows = res.Rows[:q.Limit]
		res.Truncated = true
	}
	res.Count = len(res.Rows)
	res.Attempts = 1
	return res, nil
}
