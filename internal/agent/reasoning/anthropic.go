package reasoning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cloudwego/eino/callbacks"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/catalog-insight/server/internal/agent/model"
	logx "github.com/catalog-insight/server/pkg/logger"
)

// AnthropicGenerator implements Generator on the Anthropic messages API.
type AnthropicGenerator struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

func NewAnthropicGenerator(cfg model.ReasoningConfig) *AnthropicGenerator {
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicGenerator{
		client:    anthropic.NewClient(opts...),
		model:     anthropic.Model(cfg.Model),
		maxTokens: int64(cfg.MaxTokens),
	}
}

// IsCallbacksEnabled tells Eino that Generate reports its own callbacks.
func (g *AnthropicGenerator) IsCallbacksEnabled() bool { return true }

// Generate sends system messages as the system prompt and the rest as user turns.
func (g *AnthropicGenerator) Generate(ctx context.Context, input []*schema.Message, _ ...einomodel.Option) (out *schema.Message, err error) {
	ctx = callbacks.OnStart(ctx, &einomodel.CallbackInput{
		Messages: input,
		Config:   &einomodel.Config{Model: string(g.model), MaxTokens: int(g.maxTokens)},
	})
	defer func() {
		if err != nil {
			callbacks.OnError(ctx, err)
		}
	}()

	var system []anthropic.TextBlockParam
	var msgs []anthropic.MessageParam
	for _, m := range input {
		if m == nil {
			continue
		}
		switch m.Role {
		case schema.System:
			system = append(system, anthropic.TextBlockParam{Type: "text", Text: m.Content})
		case schema.Assistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("anthropic: no user message")
	}

	start := time.Now()
	resp, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     g.model,
		MaxTokens: g.maxTokens,
		System:    system,
		Messages:  msgs,
	})
	if err != nil {
		logx.Warn().Err(err).Dur("duration", time.Since(start)).Msg("anthropic call failed")
		return nil, fmt.Errorf("anthropic API error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("anthropic: no text content in response")
	}

	usage := &schema.TokenUsage{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
		TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}
	out = schema.AssistantMessage(text.String(), nil)
	out.ResponseMeta = &schema.ResponseMeta{FinishReason: string(resp.StopReason), Usage: usage}

	callbacks.OnEnd(ctx, &einomodel.CallbackOutput{
		Message: out,
		TokenUsage: &einomodel.TokenUsage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		},
	})
	return out, nil
}
