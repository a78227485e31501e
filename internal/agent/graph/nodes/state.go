package nodes

import (
	"context"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/catalog-insight/server/internal/agent/model"
	logx "github.com/catalog-insight/server/pkg/logger"
)

type stateKey struct{}

// WithState hands the runner's state to the graph's local state generator.
func WithState(ctx context.Context, s *model.PipelineState) context.Context {
	return context.WithValue(ctx, stateKey{}, s)
}

// GenState is the graph's local state generator. A graph invoked without a
// runner-provided state gets a fresh one.
func GenState(ctx context.Context) *model.PipelineState {
	if s, ok := ctx.Value(stateKey{}).(*model.PipelineState); ok && s != nil {
		return s
	}
	return model.NewPipelineState("", model.Identity{}, time.Now())
}

// readState runs fn against the local state from inside a node.
func readState(ctx context.Context, fn func(s *model.PipelineState)) error {
	return compose.ProcessState(ctx, func(_ context.Context, s *model.PipelineState) error {
		fn(s)
		return nil
	})
}

// fail records err as the run's failure and returns it.
func fail(ctx context.Context, err error) error {
	_ = readState(ctx, func(s *model.PipelineState) { s.SetFailure(err) })
	return err
}

// Auditor appends events to the state's trail and forwards them to the sink.
// Sink failures are logged, never fatal.
type Auditor struct {
	sink    model.AuditSink
	clock   clockwork.Clock
	timeout time.Duration
	log     zerolog.Logger
}

func NewAuditor(sink model.AuditSink, clock clockwork.Clock, timeout time.Duration) *Auditor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Auditor{sink: sink, clock: clock, timeout: timeout, log: logx.With("audit")}
}

func (a *Auditor) Now() time.Time { return a.clock.Now() }

// Record appends one event. The sink write survives caller cancellation so
// a CANCELLED event is still delivered.
func (a *Auditor) Record(ctx context.Context, s *model.PipelineState, stage, summary string, fields map[string]string) error {
	ev, err := s.AppendAudit(model.AuditEvent{
		Stage:     stage,
		Timestamp: a.clock.Now(),
		Summary:   summary,
		Fields:    fields,
	})
	if err != nil {
		return err
	}
	a.log.Debug().Str("query_id", ev.QueryID).Int("seq", ev.Seq).Str("stage", stage).Msg(summary)
	if a.sink == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()
	if err := a.sink.Append(sctx, ev); err != nil {
		a.log.Warn().Err(err).Str("query_id", ev.QueryID).Str("stage", stage).Msg("audit sink append failed")
	}
	return nil
}
