package reasoning

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/catalog-insight/server/internal/agent/model"
	logx "github.com/catalog-insight/server/pkg/logger"
)

// Generator is the part of an Eino chat model the service needs.
type Generator interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error)
}

type usageKey struct{}

// WithUsageSink attaches a cost accumulator to ctx. Every judgment made with
// the returned context reports its USD cost to sink.
func WithUsageSink(ctx context.Context, sink func(usd float64)) context.Context {
	return context.WithValue(ctx, usageKey{}, sink)
}

func reportUsage(ctx context.Context, usd float64) {
	if sink, ok := ctx.Value(usageKey{}).(func(float64)); ok && sink != nil {
		sink(usd)
	}
}

// ChatService asks a chat model for judgments in the tuple format.
type ChatService struct {
	gen       Generator
	modelName string
	timeout   time.Duration
}

func NewChatService(gen Generator, modelName string, timeout time.Duration) *ChatService {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &ChatService{gen: gen, modelName: modelName, timeout: timeout}
}

// Judge renders the task prompt, calls the model within the configured
// timeout and returns a validated judgment.
func (s *ChatService) Judge(ctx context.Context, req Request) (Judgment, error) {
	name := "reasoning." + string(req.Task)
	promptCtx := callbacks.ReuseHandlers(ctx, &callbacks.RunInfo{Name: name, Type: "GoTemplate", Component: components.ComponentOfPrompt})
	msgs, err := RenderMessages(promptCtx, req)
	if err != nil {
		return Judgment{}, err
	}

	modelCtx := callbacks.ReuseHandlers(ctx, &callbacks.RunInfo{Name: name, Type: s.modelName, Component: components.ComponentOfChatModel})
	callCtx, cancel := context.WithTimeout(modelCtx, s.timeout)
	defer cancel()

	start := time.Now()
	out, err := s.gen.Generate(callCtx, msgs)
	if err != nil {
		return Judgment{}, fmt.Errorf("reasoning %s: %w", req.Task, err)
	}
	if out == nil {
		return Judgment{}, fmt.Errorf("reasoning %s: empty response", req.Task)
	}

	if out.ResponseMeta != nil && out.ResponseMeta.Usage != nil {
		_, _, total := model.ComputeCost(out.ResponseMeta.Usage, model.ResolvePricing(s.modelName))
		reportUsage(ctx, total)
		logx.Debug().
			Str("component", "reasoning").
			Str("task", string(req.Task)).
			Int("prompt_tokens", out.ResponseMeta.Usage.PromptTokens).
			Int("completion_tokens", out.ResponseMeta.Usage.CompletionTokens).
			Float64("cost_usd", total).
			Msg("reasoning usage")
	}

	j, err := ParseJudgment(out.Content)
	if err != nil {
		return Judgment{}, fmt.Errorf("reasoning %s: %w", req.Task, err)
	}
	if err := Validate(req, j); err != nil {
		return Judgment{}, err
	}

	logx.Debug().
		Str("component", "reasoning").
		Str("task", string(req.Task)).
		Str("judgment", j.Judgment).
		Float64("confidence", j.Confidence).
		Dur("latency", time.Since(start)).
		Msg("reasoning judgment")
	return j, nil
}
