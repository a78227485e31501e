package reasoning

import (
	"context"
	"embed"
	"fmt"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

//go:embed template/*.txt
var templates embed.FS

func loadTemplate(name string) string {
	b, err := templates.ReadFile("template/" + name)
	if err != nil {
		panic(fmt.Sprintf("reasoning: missing template %s", name))
	}
	return string(b)
}

var (
	formatBlock = loadTemplate("format.txt")
	taskPrompts = map[Task]string{
		TaskThreat:     loadTemplate("threat.txt"),
		TaskApproval:   loadTemplate("approval.txt"),
		TaskEntityRole: loadTemplate("entity_role.txt"),
		TaskFieldMatch: loadTemplate("field_match.txt"),
		TaskModelRank:  loadTemplate("model_rank.txt"),
	}
)

// RenderMessages renders the system and user messages for req via the Eino
// prompt component, which also emits prompt callbacks.
func RenderMessages(ctx context.Context, req Request) ([]*schema.Message, error) {
	system, ok := taskPrompts[req.Task]
	if !ok {
		return nil, fmt.Errorf("reasoning prompt: unknown task %q", req.Task)
	}

	// the format block is rendered first so its delimiters are literal text
	formatMsgs, err := prompt.FromMessages(schema.GoTemplate, schema.SystemMessage(formatBlock)).
		Format(ctx, map[string]any{"TD": tupDelim, "CD": endDelim})
	if err != nil {
		return nil, fmt.Errorf("reasoning prompt format block: %w", err)
	}

	facts := req.Facts
	if facts == nil {
		facts = map[string]string{}
	}
	tpl := prompt.FromMessages(
		schema.GoTemplate,
		schema.SystemMessage(system),
		schema.UserMessage("{{.Subject}}"),
	)
	msgs, err := tpl.Format(ctx, map[string]any{
		"Options": req.Options,
		"Facts":   facts,
		"Subject": req.Subject,
		"Format":  formatMsgs[0].Content,
	})
	if err != nil {
		return nil, fmt.Errorf("reasoning prompt render: %w", err)
	}
	if len(msgs) != 2 || msgs[0] == nil || msgs[1] == nil {
		return nil, fmt.Errorf("reasoning prompt render: unexpected result")
	}
	return msgs, nil
}
