package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/compose"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/catalog-insight/server/internal/agent/graph/nodes"
	"github.com/catalog-insight/server/internal/agent/graph/observers"
	"github.com/catalog-insight/server/internal/agent/model"
	"github.com/catalog-insight/server/internal/agent/reasoning"
	errx "github.com/catalog-insight/server/internal/core/error"
	logx "github.com/catalog-insight/server/pkg/logger"
)

const turnSummaryLimit = 240

// Runner executes one query at a time through the compiled graph. It is
// safe for concurrent use; every Invoke gets its own state.
type Runner struct {
	runnable   compose.Runnable[model.QueryInput, *model.Outcome]
	deps       *nodes.Deps
	turns      model.TurnRepository
	trails     model.AuditReader
	clock      clockwork.Clock
	priorTurns int
	log        zerolog.Logger
}

func newRunner(runnable compose.Runnable[model.QueryInput, *model.Outcome], deps *nodes.Deps, cfg Config) *Runner {
	trails, _ := cfg.AuditSink.(model.AuditReader)
	return &Runner{
		trails:     trails,
		runnable:   runnable,
		deps:       deps,
		turns:      cfg.Turns,
		clock:      cfg.Clock,
		priorTurns: cfg.Pipeline.PriorTurns,
		log:        logx.With("runner"),
	}
}

// ErrTrailUnavailable is returned by StoredTrail when the audit sink cannot
// be read back.
var ErrTrailUnavailable = errors.New("audit sink does not store trails")

// StoredTrail reads a finished query's audit trail back from the sink.
func (r *Runner) StoredTrail(ctx context.Context, queryID string) ([]model.AuditEvent, error) {
	if r.trails == nil {
		return nil, ErrTrailUnavailable
	}
	return r.trails.Trail(ctx, queryID)
}

// Close stops the resolver's worker pool.
func (r *Runner) Close() {
	r.deps.Resolver.Close()
}

// Invoke runs in through the pipeline and always returns an outcome with a
// user-safe answer and the full state. The error is non-nil only when ctx
// was cancelled before the run finished.
func (r *Runner) Invoke(ctx context.Context, in model.QueryInput) (*model.Outcome, error) {
	if in.QueryID == "" {
		in.QueryID = uuid.NewString()
	}
	in.PriorTurns = r.loadTurns(ctx, in)

	state := model.NewPipelineStateFor(in, r.clock.Now())
	runCtx := nodes.WithState(ctx, state)
	runCtx = reasoning.WithUsageSink(runCtx, state.AddCost)

	out, err := r.invoke(runCtx, in)

	var outcome *model.Outcome
	switch {
	case ctx.Err() != nil && !state.Terminated():
		outcome = r.cancelled(ctx, state)
	case err != nil:
		outcome = r.failed(ctx, state, err)
	case out == nil || !state.Terminated():
		outcome = r.failed(ctx, state, errx.Internal(fmt.Errorf("graph finished without a terminal stage")))
	default:
		outcome = out
	}
	outcome.QueryID = in.QueryID
	outcome.State = state

	r.finish(ctx, in, outcome)
	if outcome.Kind == errx.KindCancelled {
		return outcome, errx.Cancelled(ctx.Err())
	}
	return outcome, nil
}

func (r *Runner) invoke(ctx context.Context, in model.QueryInput) (out *model.Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errx.Internal(fmt.Errorf("pipeline panic: %v", rec))
		}
	}()
	return r.runnable.Invoke(ctx, in, compose.WithCallbacks(observers.NewAllCallbacks()))
}

func (r *Runner) cancelled(ctx context.Context, s *model.PipelineState) *model.Outcome {
	cause := errx.Cancelled(ctx.Err())
	s.SetFailure(cause)
	_ = s.SetResponse(cause.Message)
	if err := r.deps.Auditor.Record(ctx, s, model.StageCancelled, "query cancelled", nil); err != nil {
		r.log.Error().Err(err).Str("query_id", s.QueryID).Msg("cancel event rejected")
	}
	return &model.Outcome{Answer: cause.Message, Kind: errx.KindCancelled}
}

// failed turns a run error into the terminal ERROR event and a safe answer.
// Internal faults log the whole state; the user only sees the apology.
func (r *Runner) failed(ctx context.Context, s *model.PipelineState, runErr error) *model.Outcome {
	cause := s.Failure()
	if cause == nil {
		var ae *errx.AppError
		if errors.As(runErr, &ae) {
			cause = ae
		} else {
			cause = errx.Internal(runErr)
		}
		s.SetFailure(cause)
	}
	kind := errx.KindOf(cause)

	if kind == errx.KindInternal {
		r.logState(s, runErr)
	} else {
		r.log.Info().Str("query_id", s.QueryID).Str("kind", string(kind)).Msg("query ended with error")
	}

	answer, err := r.deps.Responder.Failure(ctx, s.QueryID, cause)
	if err != nil {
		answer = errx.ApologyMessage
	}
	_ = s.SetResponse(answer)
	if !s.Terminated() {
		if err := r.deps.Auditor.Record(ctx, s, model.StageError, "query failed", map[string]string{"kind": string(kind)}); err != nil {
			r.log.Error().Err(err).Str("query_id", s.QueryID).Msg("error event rejected")
		}
	}
	return &model.Outcome{Answer: answer, Kind: kind}
}

func (r *Runner) logState(s *model.PipelineState, runErr error) {
	v, _ := s.Verdict()
	intent, entities := s.Extraction()
	sel, _ := s.SelectedModel()
	q, _ := s.Descriptor()
	stages := make([]string, 0)
	for _, ev := range s.AuditTrail() {
		stages = append(stages, ev.Stage)
	}
	r.log.Error().
		Err(runErr).
		Str("query_id", s.QueryID).
		Str("verdict", string(v.Status)).
		Str("intent", string(intent)).
		Int("entities", len(entities)).
		Str("model_id", sel.ModelID).
		Interface("mappings", s.Mappings()).
		Interface("descriptor", q).
		Strs("trail", stages).
		Msg("internal fault")
}

func (r *Runner) loadTurns(ctx context.Context, in model.QueryInput) []string {
	if len(in.PriorTurns) > 0 || r.turns == nil || in.Identity.Subject == "" || r.priorTurns <= 0 {
		return in.PriorTurns
	}
	turns, err := r.turns.RecentTurns(ctx, in.Identity.Subject, r.priorTurns)
	if err != nil {
		r.log.Warn().Err(err).Str("query_id", in.QueryID).Msg("prior turns unavailable")
		return nil
	}
	return turns
}

func (r *Runner) finish(ctx context.Context, in model.QueryInput, o *model.Outcome) {
	trail := o.State.AuditTrail()
	terminal := ""
	if n := len(trail); n > 0 {
		terminal = trail[n-1].Stage
	}
	observers.RecordOutcome(terminal, string(o.Kind))

	r.log.Info().
		Str("query_id", o.QueryID).
		Str("terminal", terminal).
		Str("kind", string(o.Kind)).
		Int("events", len(trail)).
		Float64("cost_usd", o.State.TotalCostUSD).
		Dur("duration", r.clock.Since(o.State.Started)).
		Msg("query finished")

	if r.turns == nil || in.Identity.Subject == "" || terminal != model.StageResult {
		return
	}
	summary := fmt.Sprintf("Q: %s A: %s", in.Query, o.Answer)
	if len(summary) > turnSummaryLimit {
		summary = strings.ToValidUTF8(summary[:turnSummaryLimit], "")
	}
	if err := r.turns.AddTurn(context.WithoutCancel(ctx), in.Identity.Subject, summary); err != nil {
		r.log.Warn().Err(err).Str("query_id", o.QueryID).Msg("turn not stored")
	}
}
