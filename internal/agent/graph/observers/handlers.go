// Package observers turns Eino callbacks into logs and metrics.
package observers

import (
	"context"
	"time"

	einocb "github.com/cloudwego/eino/callbacks"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"

	logx "github.com/catalog-insight/server/pkg/logger"
)

// NewAllCallbacks aggregates stage, chat model and prompt handlers into one
// callbacks.Handler.
func NewAllCallbacks() einocb.Handler {
	return callbackHelper.NewHandlerHelper().
		Lambda(newStageHandler()).
		ChatModel(newModelHandler()).
		Prompt(newPromptHandler()).
		Handler()
}

type stageStartKey struct{ name string }

// newStageHandler times every lambda node of the pipeline graph.
func newStageHandler() einocb.Handler {
	log := logx.With("pipeline")
	return einocb.NewHandlerBuilder().
		OnStartFn(func(ctx context.Context, info *einocb.RunInfo, _ einocb.CallbackInput) context.Context {
			return context.WithValue(ctx, stageStartKey{info.Name}, time.Now())
		}).
		OnEndFn(func(ctx context.Context, info *einocb.RunInfo, _ einocb.CallbackOutput) context.Context {
			d := observeStage(ctx, info)
			log.Debug().Str("stage", info.Name).Dur("latency", d).Msg("stage done")
			return ctx
		}).
		OnErrorFn(func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			d := observeStage(ctx, info)
			stageErrorsTotal.WithLabelValues(info.Name).Inc()
			log.Warn().Str("stage", info.Name).Dur("latency", d).Err(err).Msg("stage failed")
			return ctx
		}).
		Build()
}

func observeStage(ctx context.Context, info *einocb.RunInfo) time.Duration {
	start, ok := ctx.Value(stageStartKey{info.Name}).(time.Time)
	if !ok {
		return 0
	}
	d := time.Since(start)
	stageLatencySeconds.WithLabelValues(info.Name).Observe(d.Seconds())
	return d
}
