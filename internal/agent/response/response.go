// Package response renders pipeline outcomes as role-appropriate text.
package response

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/catalog-insight/server/internal/agent/model"
	"github.com/catalog-insight/server/internal/agent/policy"
	"github.com/catalog-insight/server/internal/agent/security"
	errx "github.com/catalog-insight/server/internal/core/error"
)

//go:embed template/*.txt
var templates embed.FS

const (
	strategicPreview  = 5
	analyticalPreview = 20
)

// Input is what a successful run hands the composer.
type Input struct {
	Identity   model.Identity
	Descriptor model.QueryDescriptor
	Result     model.QueryResult
	ModelName  string
	Fields     []model.Field
	Notes      []string
}

type Composer struct {
	policy *policy.Policy
}

func New(p *policy.Policy) *Composer {
	return &Composer{policy: p}
}

// Result renders rows or a count in the identity's style. Identities with
// no data access only ever get the access explanation.
func (c *Composer) Result(ctx context.Context, in Input) (string, error) {
	style := c.policy.StyleFor(in.Identity.Role)
	if style == policy.StyleNoAccess || !in.Identity.HasAnyPermission(c.policy.DataAccessPermissions) {
		return render(ctx, "no_access.txt", nil)
	}
	if in.Descriptor.Metadata {
		return c.metadata(ctx, in)
	}

	vars := map[string]any{
		"Model":     displayModel(in),
		"Count":     in.Result.Count,
		"Counting":  in.Descriptor.Aggregate == model.AggregateCount,
		"Distinct":  in.Descriptor.Distinct,
		"Label":     label(firstColumn(in), in.Fields),
		"Filters":   filters(in.Descriptor.Predicates, in.Fields),
		"Truncated": in.Result.Truncated,
		"Notes":     in.Notes,
	}

	name := "strategic.txt"
	preview := strategicPreview
	if style == policy.StyleAnalytical {
		name = "analytical.txt"
		preview = analyticalPreview
		vars["Suggest"] = suggestions(in)
	}
	values := rowTexts(in, style == policy.StyleAnalytical)
	shown, more := limitList(values, preview)
	vars["Preview"] = strings.Join(shown, ", ")
	vars["Records"] = shown
	vars["More"] = more
	return render(ctx, name, vars)
}

// Blocked explains a gate denial without saying what matched.
func (c *Composer) Blocked(ctx context.Context, verdict model.SecurityVerdict) (string, error) {
	if verdict.Category == security.CategoryNoDataAccess {
		return render(ctx, "no_access.txt", nil)
	}
	reason := verdict.BlockedReason
	if reason == "" {
		reason = "Please ask a question about the catalog data."
	}
	return render(ctx, "blocked.txt", map[string]any{"Reason": reason})
}

// Clarify asks the user to restate an ambiguous question.
func (c *Composer) Clarify(ctx context.Context, message string, examples ...string) (string, error) {
	if message == "" {
		message = "I couldn't work out what you're asking. Could you rephrase it as a question about the catalog?"
	}
	quoted := make([]string, len(examples))
	for i, e := range examples {
		quoted[i] = fmt.Sprintf("%q", e)
	}
	return render(ctx, "clarification.txt", map[string]any{
		"Message":  message,
		"Examples": strings.Join(quoted, " or "),
	})
}

// Failure renders an error outcome. Only the error's user message is shown.
func (c *Composer) Failure(ctx context.Context, queryID string, err error) (string, error) {
	kind := errx.KindOf(err)
	switch kind {
	case errx.KindAmbiguousIntent, errx.KindNoConfidentModel, errx.KindUnresolvedEntity:
		return c.Clarify(ctx, errx.UserMessage(err), "How many advertisements do we have?", "Which companies are advertising?")
	}
	return render(ctx, "failure.txt", map[string]any{
		"Message": errx.UserMessage(err),
		"Retry":   kind == errx.KindInternal || kind == errx.KindExecution,
		"QueryID": queryID,
	})
}

func (c *Composer) metadata(ctx context.Context, in Input) (string, error) {
	key := "field_id"
	if in.Descriptor.ModelID == model.CatalogWide {
		key = "name"
	}
	var names []string
	for _, r := range in.Result.Rows {
		names = append(names, fmt.Sprint(r[key]))
	}
	return render(ctx, "metadata.txt", map[string]any{
		"CatalogWide": in.Descriptor.ModelID == model.CatalogWide,
		"Model":       displayModel(in),
		"Count":       in.Result.Count,
		"Preview":     strings.Join(names, ", "),
		"Notes":       in.Notes,
	})
}

func render(ctx context.Context, name string, vars map[string]any) (string, error) {
	b, err := templates.ReadFile("template/" + name)
	if err != nil {
		return "", fmt.Errorf("response template %s: %w", name, err)
	}
	if vars == nil {
		vars = map[string]any{}
	}
	msgs, err := prompt.FromMessages(schema.GoTemplate, schema.AssistantMessage(string(b), nil)).Format(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("response render %s: %w", name, err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("response render %s: empty result", name)
	}
	return strings.TrimSpace(msgs[0].Content), nil
}

func displayModel(in Input) string {
	if in.ModelName != "" {
		return strings.ToLower(in.ModelName)
	}
	return in.Descriptor.ModelID
}

func firstColumn(in Input) string {
	if len(in.Descriptor.Fields) > 0 {
		return in.Descriptor.Fields[0]
	}
	if len(in.Result.Columns) > 0 {
		return in.Result.Columns[0]
	}
	return ""
}

func label(fieldID string, fields []model.Field) string {
	for _, f := range fields {
		if f.ID == fieldID && f.Name != "" {
			return f.Name
		}
	}
	return strings.ReplaceAll(fieldID, "_", " ")
}

func filters(preds []model.Predicate, fields []model.Field) string {
	parts := make([]string, len(preds))
	for i, p := range preds {
		parts[i] = fmt.Sprintf("%s is %s", label(p.FieldID, fields), p.Value)
	}
	return strings.Join(parts, " and ")
}

// rowTexts renders each row: the single value for one-column results,
// labelled pairs otherwise (analytical) or the first column (strategic).
func rowTexts(in Input, detailed bool) []string {
	cols := in.Descriptor.Fields
	if len(cols) == 0 {
		cols = in.Result.Columns
	}
	out := make([]string, 0, len(in.Result.Rows))
	for _, r := range in.Result.Rows {
		if len(cols) == 0 {
			out = append(out, mapText(r, in.Fields))
			continue
		}
		if len(cols) == 1 || !detailed {
			out = append(out, fmt.Sprint(r[cols[0]]))
			continue
		}
		parts := make([]string, 0, len(cols))
		for _, c := range cols {
			if v, ok := r[c]; ok {
				parts = append(parts, fmt.Sprintf("%s: %v", label(c, in.Fields), v))
			}
		}
		out = append(out, strings.Join(parts, ", "))
	}
	return out
}

func mapText(r map[string]any, fields []model.Field) string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %v", label(k, fields), r[k])
	}
	return strings.Join(parts, ", ")
}

// suggestions names sampled fields the query did not already filter on.
func suggestions(in Input) string {
	used := make(map[string]bool)
	for _, p := range in.Descriptor.Predicates {
		used[p.FieldID] = true
	}
	var out []string
	for _, f := range in.Fields {
		if len(f.SampleValues) > 0 && !used[f.ID] {
			out = append(out, label(f.ID, in.Fields))
		}
		if len(out) == 2 {
			break
		}
	}
	return strings.Join(out, " or ")
}

func limitList(items []string, n int) ([]string, int) {
	if len(items) <= n {
		return items, 0
	}
	return items[:n], len(items) - n
}
