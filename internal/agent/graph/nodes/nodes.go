package nodes

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/compose"

	"github.com/catalog-insight/server/internal/agent/catalog"
	"github.com/catalog-insight/server/internal/agent/composer"
	"github.com/catalog-insight/server/internal/agent/execution"
	"github.com/catalog-insight/server/internal/agent/extract"
	"github.com/catalog-insight/server/internal/agent/model"
	"github.com/catalog-insight/server/internal/agent/resolver"
	"github.com/catalog-insight/server/internal/agent/response"
	"github.com/catalog-insight/server/internal/agent/security"
	"github.com/catalog-insight/server/internal/agent/selector"
	errx "github.com/catalog-insight/server/internal/core/error"
	logx "github.com/catalog-insight/server/pkg/logger"
)

// Deps are the stage implementations the nodes call.
type Deps struct {
	Gate      *security.Gate
	Catalog   *catalog.Accessor
	Selector  *selector.Selector
	Resolver  *resolver.Resolver
	Composer  *composer.Composer
	Executor  *execution.Executor
	Responder *response.Composer
	Auditor   *Auditor
}

// Flow is the value passed from stage to stage. Each stage fills its part.
type Flow struct {
	Verdict    model.SecurityVerdict
	Intent     model.Intent
	Entities   []model.Entity
	Selection  selector.Selection
	Model      model.CatalogModel
	Fields     []model.Field
	Mappings   []model.FieldMapping
	Descriptor model.QueryDescriptor
	Result     model.QueryResult
}

// ================ Security gate ================

func NewSecurityGateNode(d *Deps) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in model.QueryInput) (*Flow, error) {
		return &Flow{Verdict: d.Gate.Evaluate(ctx, in.Query, in.Identity)}, nil
	})
}

// NewSecurityGatePostHandler records the verdict. A blocked verdict is the
// run's only and terminal audit event.
func NewSecurityGatePostHandler(d *Deps) func(context.Context, *Flow, *model.PipelineState) (*Flow, error) {
	return func(ctx context.Context, out *Flow, s *model.PipelineState) (*Flow, error) {
		v := out.Verdict
		if err := s.SetVerdict(v); err != nil {
			return nil, err
		}
		fields := map[string]string{"layers": strconv.Itoa(len(v.LayerTrace))}
		if v.Blocked() {
			fields["layer"] = strconv.Itoa(v.BlockedLayer)
			fields["category"] = v.Category
			return out, d.Auditor.Record(ctx, s, model.StageBlocked, fmt.Sprintf("blocked at layer %d (%s)", v.BlockedLayer, v.Category), fields)
		}
		if len(v.Flags) > 0 {
			fields["flags"] = strings.Join(v.Flags, ",")
		}
		return out, d.Auditor.Record(ctx, s, model.StageSecurityGate, "approved", fields)
	}
}

func NewSecurityBranchCondition() func(context.Context, *Flow) (string, error) {
	return func(_ context.Context, f *Flow) (string, error) {
		if f.Verdict.Blocked() {
			return NodeBlocked, nil
		}
		return NodeExtract, nil
	}
}

func NewBlockedNode(d *Deps) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, f *Flow) (*model.Outcome, error) {
		text, err := d.Responder.Blocked(ctx, f.Verdict)
		if err != nil {
			return nil, fail(ctx, errx.Internal(err))
		}
		return &model.Outcome{Answer: text, Kind: errx.KindSecurityBlocked}, nil
	})
}

// ================ Extraction ================

func NewExtractNode(d *Deps) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, f *Flow) (*Flow, error) {
		values, err := d.Catalog.KnownValues(ctx)
		if err != nil {
			logx.Warn().Err(err).Msg("catalog values unavailable, extracting without them")
		}
		f.Intent, f.Entities = extract.Extract(f.Verdict.SanitizedQuery, extract.WithKnownValues(values))
		return f, nil
	})
}

func NewExtractPostHandler(d *Deps) func(context.Context, *Flow, *model.PipelineState) (*Flow, error) {
	return func(ctx context.Context, out *Flow, s *model.PipelineState) (*Flow, error) {
		if err := s.SetExtraction(out.Intent, out.Entities); err != nil {
			return nil, err
		}
		texts := make([]string, len(out.Entities))
		for i, e := range out.Entities {
			texts[i] = fmt.Sprintf("%s:%s", e.Text, e.SemanticRole)
		}
		return out, d.Auditor.Record(ctx, s, model.StageExtract,
			fmt.Sprintf("intent %s with %d entities", out.Intent, len(out.Entities)),
			map[string]string{"intent": string(out.Intent), "entities": strings.Join(texts, "; ")})
	}
}

func NewExtractBranchCondition() func(context.Context, *Flow) (string, error) {
	return func(_ context.Context, f *Flow) (string, error) {
		if f.Intent == model.IntentUnknown {
			return NodeClarify, nil
		}
		return NodeSelect, nil
	}
}

// ================ Model selection ================

func NewSelectNode(d *Deps) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, f *Flow) (*Flow, error) {
		sel, err := d.Selector.Select(ctx, f.Intent, f.Entities)
		if err != nil {
			return nil, fail(ctx, stageError(ctx, err))
		}
		f.Selection = sel
		top, ok := sel.Top()
		if !ok {
			if f.Intent == model.IntentMetadata {
				f.Model = model.CatalogModel{ID: model.CatalogWide, Name: "catalog"}
			}
			return f, nil
		}
		m, err := d.Catalog.Model(ctx, top.ModelID)
		if err != nil {
			return nil, fail(ctx, stageError(ctx, err))
		}
		fields, err := d.Catalog.GetFields(ctx, top.ModelID)
		if err != nil {
			return nil, fail(ctx, stageError(ctx, err))
		}
		f.Model, f.Fields = m, fields
		return f, nil
	})
}

func NewSelectPostHandler(d *Deps) func(context.Context, *Flow, *model.PipelineState) (*Flow, error) {
	return func(ctx context.Context, out *Flow, s *model.PipelineState) (*Flow, error) {
		if out.Model.ID == "" {
			return out, d.Auditor.Record(ctx, s, model.StageSelect, "no candidate model", nil)
		}
		top, ok := out.Selection.Top()
		if !ok {
			top = model.ModelCandidate{ModelID: out.Model.ID, Name: out.Model.Name, Confidence: 1, Rationale: "metadata question about the whole catalog"}
		}
		if err := s.SetSelection(top, out.Selection.Alternates, out.Selection.LowConfidence); err != nil {
			return nil, err
		}
		ids := make([]string, len(out.Selection.Candidates))
		for i, c := range out.Selection.Candidates {
			ids[i] = fmt.Sprintf("%s=%.2f", c.ModelID, c.Confidence)
		}
		return out, d.Auditor.Record(ctx, s, model.StageSelect,
			fmt.Sprintf("selected %s (%.2f)", top.ModelID, top.Confidence),
			map[string]string{
				"model_id":       top.ModelID,
				"candidates":     strings.Join(ids, ","),
				"low_confidence": strconv.FormatBool(out.Selection.LowConfidence),
				"rationale":      top.Rationale,
			})
	}
}

func NewSelectBranchCondition() func(context.Context, *Flow) (string, error) {
	return func(_ context.Context, f *Flow) (string, error) {
		if f.Model.ID == "" {
			return NodeClarify, nil
		}
		return NodeResolve, nil
	}
}

// ================ Clarification ================

// NewClarifyNode answers questions that cannot proceed: no recognisable
// intent, or no model to ask about.
func NewClarifyNode(d *Deps) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, f *Flow) (*model.Outcome, error) {
		var cause error
		if f.Intent == model.IntentUnknown {
			cause = errx.AmbiguousIntent("I couldn't work out what you're asking. Could you rephrase it as a question about the catalog?")
		} else {
			cause = errx.NoConfidentModel("I couldn't tell which part of the catalog your question is about. Could you name it?")
		}
		text, err := d.Responder.Failure(ctx, "", cause)
		if err != nil {
			return nil, fail(ctx, errx.Internal(err))
		}
		return &model.Outcome{Answer: text, Kind: errx.KindOf(cause)}, nil
	})
}

func NewClarifyPostHandler(d *Deps) func(context.Context, *model.Outcome, *model.PipelineState) (*model.Outcome, error) {
	return func(ctx context.Context, out *model.Outcome, s *model.PipelineState) (*model.Outcome, error) {
		if err := s.SetResponse(out.Answer); err != nil {
			return nil, err
		}
		return out, d.Auditor.Record(ctx, s, model.StageError, "clarification requested", map[string]string{"kind": string(out.Kind)})
	}
}

// NewBlockedPostHandler stores the blocked answer. The terminal event was
// already written by the gate.
func NewBlockedPostHandler() func(context.Context, *model.Outcome, *model.PipelineState) (*model.Outcome, error) {
	return func(_ context.Context, out *model.Outcome, s *model.PipelineState) (*model.Outcome, error) {
		return out, s.SetResponse(out.Answer)
	}
}

// ================ Field resolution ================

func NewResolveNode(d *Deps) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, f *Flow) (*Flow, error) {
		if f.Intent == model.IntentMetadata {
			return f, nil
		}
		var prior []string
		if err := readState(ctx, func(s *model.PipelineState) { prior = s.PriorTurns }); err != nil {
			return nil, fail(ctx, errx.Internal(err))
		}
		mappings, err := d.Resolver.Resolve(ctx, resolver.Input{
			Query:      f.Verdict.SanitizedQuery,
			Model:      f.Model,
			Fields:     f.Fields,
			Entities:   f.Entities,
			PriorTurns: prior,
		})
		if err != nil {
			return nil, fail(ctx, stageError(ctx, err))
		}
		f.Mappings = mappings
		return f, nil
	})
}

func NewResolvePostHandler(d *Deps) func(context.Context, *Flow, *model.PipelineState) (*Flow, error) {
	return func(ctx context.Context, out *Flow, s *model.PipelineState) (*Flow, error) {
		if err := s.SetMappings(out.Mappings); err != nil {
			return nil, err
		}
		var parts []string
		uncertain := 0
		for _, m := range out.Mappings {
			field := m.FieldID
			if field == "" {
				field = "-"
			}
			parts = append(parts, fmt.Sprintf("%s->%s:%s:%.2f", m.EntityText, field, m.Role, m.Confidence))
			if m.Uncertain {
				uncertain++
			}
		}
		return out, d.Auditor.Record(ctx, s, model.StageResolve,
			fmt.Sprintf("%d mappings, %d uncertain", len(out.Mappings), uncertain),
			map[string]string{"mappings": strings.Join(parts, "; ")})
	}
}

// ================ Composition ================

func NewComposeNode(d *Deps) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, f *Flow) (*Flow, error) {
		q, err := d.Composer.Compose(composer.Input{
			Intent:   f.Intent,
			ModelID:  f.Model.ID,
			Fields:   f.Fields,
			Entities: f.Entities,
			Mappings: f.Mappings,
		})
		if err != nil {
			return nil, fail(ctx, err)
		}
		f.Descriptor = q
		return f, nil
	})
}

func NewComposePostHandler(d *Deps) func(context.Context, *Flow, *model.PipelineState) (*Flow, error) {
	return func(ctx context.Context, out *Flow, s *model.PipelineState) (*Flow, error) {
		q := out.Descriptor
		if err := s.SetDescriptor(q); err != nil {
			return nil, err
		}
		preds := make([]string, len(q.Predicates))
		for i, p := range q.Predicates {
			preds[i] = fmt.Sprintf("%s%s%s", p.FieldID, p.Op, p.Value)
		}
		return out, d.Auditor.Record(ctx, s, model.StageCompose,
			fmt.Sprintf("%s over %s with %d predicates", q.Mode, q.ModelID, len(q.Predicates)),
			map[string]string{
				"mode":       string(q.Mode),
				"fields":     strings.Join(q.Fields, ","),
				"predicates": strings.Join(preds, ";"),
				"distinct":   strconv.FormatBool(q.Distinct),
				"aggregate":  string(q.Aggregate),
				"limit":      strconv.Itoa(q.Limit),
			})
	}
}

// ================ Execution ================

func NewExecuteNode(d *Deps) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, f *Flow) (*Flow, error) {
		var creds model.Credentials
		if err := readState(ctx, func(s *model.PipelineState) { creds = s.Credentials() }); err != nil {
			return nil, fail(ctx, errx.Internal(err))
		}
		res, err := d.Executor.Run(ctx, f.Descriptor, creds)
		if err != nil {
			return nil, fail(ctx, err)
		}
		f.Result = res
		return f, nil
	})
}

func NewExecutePostHandler(d *Deps) func(context.Context, *Flow, *model.PipelineState) (*Flow, error) {
	return func(ctx context.Context, out *Flow, s *model.PipelineState) (*Flow, error) {
		r := out.Result
		if err := s.SetResult(r); err != nil {
			return nil, err
		}
		return out, d.Auditor.Record(ctx, s, model.StageExecute,
			fmt.Sprintf("%d rows in %d attempts", r.Count, r.Attempts),
			map[string]string{
				"count":     strconv.Itoa(r.Count),
				"attempts":  strconv.Itoa(r.Attempts),
				"truncated": strconv.FormatBool(r.Truncated),
			})
	}
}

// ================ Response ================

func NewRespondNode(d *Deps) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, f *Flow) (*model.Outcome, error) {
		var id model.Identity
		if err := readState(ctx, func(s *model.PipelineState) { id = s.Identity }); err != nil {
			return nil, fail(ctx, errx.Internal(err))
		}
		notes := response.Notes(response.NoteInput{
			ModelName:     f.Model.Name,
			LowConfidence: f.Selection.LowConfidence,
			Alternates:    f.Selection.Alternates,
			Mappings:      f.Mappings,
			Fields:        f.Fields,
		})
		text, err := d.Responder.Result(ctx, response.Input{
			Identity:   id,
			Descriptor: f.Descriptor,
			Result:     f.Result,
			ModelName:  f.Model.Name,
			Fields:     f.Fields,
			Notes:      notes,
		})
		if err != nil {
			return nil, fail(ctx, errx.Internal(err))
		}
		return &model.Outcome{Answer: text}, nil
	})
}

func NewRespondPostHandler(d *Deps) func(context.Context, *model.Outcome, *model.PipelineState) (*model.Outcome, error) {
	return func(ctx context.Context, out *model.Outcome, s *model.PipelineState) (*model.Outcome, error) {
		if err := s.SetResponse(out.Answer); err != nil {
			return nil, err
		}
		r, _ := s.Result()
		return out, d.Auditor.Record(ctx, s, model.StageResult, "answered", map[string]string{"count": strconv.Itoa(r.Count)})
	}
}

// stageError keeps typed errors, turns cancellation into CANCELLED and
// anything else into an internal fault.
func stageError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errx.Cancelled(ctx.Err())
	}
	if errx.KindOf(err) != errx.KindInternal {
		return err
	}
	return errx.Internal(err)
}
