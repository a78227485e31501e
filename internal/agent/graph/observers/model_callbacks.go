package observers

import (
	"context"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"

	logx "github.com/catalog-insight/server/pkg/logger"
)

// newModelHandler logs reasoning calls. Message content only goes to debug.
func newModelHandler() *callbackHelper.ModelCallbackHandler {
	log := logx.With("reasoning")
	return &callbackHelper.ModelCallbackHandler{
		OnStart: func(ctx context.Context, info *einocb.RunInfo, input *model.CallbackInput) context.Context {
			if input != nil {
				log.Debug().Str("task", info.Name).Str("model", info.Type).Int("messages", len(input.Messages)).Msg("reasoning start")
			}
			return ctx
		},
		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *model.CallbackOutput) context.Context {
			reasoningCallsTotal.WithLabelValues(info.Name, "ok").Inc()
			if output == nil {
				return ctx
			}
			if output.TokenUsage != nil {
				reasoningTokensTotal.WithLabelValues("prompt").Add(float64(output.TokenUsage.PromptTokens))
				reasoningTokensTotal.WithLabelValues("completion").Add(float64(output.TokenUsage.CompletionTokens))
			}
			if output.Message != nil {
				log.Debug().Str("task", info.Name).Str("answer", output.Message.Content).Msg("reasoning end")
			}
			return ctx
		},
		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			reasoningCallsTotal.WithLabelValues(info.Name, "error").Inc()
			log.Warn().Str("task", info.Name).Str("model", info.Type).Err(err).Msg("reasoning call failed")
			return ctx
		},
	}
}

// newPromptHandler logs how large each rendered prompt was.
func newPromptHandler() *callbackHelper.PromptCallbackHandler {
	log := logx.With("prompt")
	return &callbackHelper.PromptCallbackHandler{
		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *prompt.CallbackOutput) context.Context {
			if output == nil {
				return ctx
			}
			size := 0
			for _, m := range output.Result {
				if m != nil {
					size += len(m.Content)
				}
			}
			log.Debug().Str("prompt", info.Name).Int("messages", len(output.Result)).Int("bytes", size).Msg("prompt rendered")
			return ctx
		},
		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			log.Warn().Str("prompt", info.Name).Err(err).Msg("prompt render failed")
			return ctx
		},
	}
}
