// Package resolver maps each entity to a field of the selected model and
// decides whether it is a value to filter by or a class to enumerate.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/alitto/pond/v2"
	"github.com/rs/zerolog"

	"github.com/catalog-insight/server/internal/agent/lexicon"
	"github.com/catalog-insight/server/internal/agent/model"
	"github.com/catalog-insight/server/internal/agent/policy"
	"github.com/catalog-insight/server/internal/agent/reasoning"
	logx "github.com/catalog-insight/server/pkg/logger"
)

// Mapping sources.
const (
	SourceHeuristic  = "heuristic"
	SourceReasoning  = "reasoning"
	SourceModelRef   = "model_reference"
	SourceQuantifier = "quantifier"
	SourceUnresolved = "unresolved"
)

const (
	modelNameFloor   = 0.9
	fieldFloor       = 0.5
	hintScore        = 0.85
	alternateWindow  = 0.1
	tieWindow        = 0.01
	fallbackGeneric  = 0.4
	failedFilterConf = 0.3
)

// Input is everything one resolution pass may look at.
type Input struct {
	Query      string
	Model      model.CatalogModel
	Fields     []model.Field
	Entities   []model.Entity
	PriorTurns []string
}

type Resolver struct {
	policy   *policy.Policy
	reasoner reasoning.Service
	cfg      model.PipelineConfig
	pool     pond.ResultPool[model.FieldMapping]
	log      zerolog.Logger
}

func New(p *policy.Policy, reasoner reasoning.Service, cfg model.PipelineConfig) *Resolver {
	size := cfg.ResolverConcurrency
	if size <= 0 {
		size = 1
	}
	return &Resolver{
		policy:   p,
		reasoner: reasoner,
		cfg:      cfg,
		pool:     pond.NewResultPool[model.FieldMapping](size),
		log:      logx.With("field_resolver"),
	}
}

// Close waits for in-flight resolutions and stops the worker pool.
func (r *Resolver) Close() {
	r.pool.StopAndWait()
}

// Resolve runs think, act and observe for every entity in parallel and
// returns one mapping per entity, in entity order, once all are done.
func (r *Resolver) Resolve(ctx context.Context, in Input) ([]model.FieldMapping, error) {
	if len(in.Entities) == 0 {
		return nil, nil
	}
	group := r.pool.NewGroupContext(ctx)
	for _, e := range in.Entities {
		e := e
		group.SubmitErr(func() (model.FieldMapping, error) {
			if err := ctx.Err(); err != nil {
				return model.FieldMapping{}, err
			}
			return r.resolveOne(ctx, in, e), nil
		})
	}
	mappings, err := group.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, err
	}
	return mappings, nil
}

type thought struct {
	class      model.EntityClass
	confidence float64
	reason     string
	source     string
	modelRef   bool
}

type action struct {
	fieldID    string
	confidence float64
	reason     string
	source     string
	alternates []string
}

func (r *Resolver) resolveOne(ctx context.Context, in Input, e model.Entity) model.FieldMapping {
	if e.SemanticRole == model.RoleQuantifier {
		return r.observe(e, thought{class: model.ClassGeneric, confidence: 1}, action{
			confidence: 1,
			reason:     fmt.Sprintf("%q sets how many results to return; it does not name a field", e.Text),
			source:     SourceQuantifier,
		})
	}

	th := r.think(ctx, in, e)
	var act action
	if th.class == model.ClassGeneric {
		act = r.actGeneric(in, e, th)
	} else {
		act = r.actSpecific(ctx, in, e, th)
	}
	m := r.observe(e, th, act)
	r.log.Debug().
		Str("entity", e.Text).
		Str("class", string(m.Class)).
		Str("role", string(m.Role)).
		Str("field", m.FieldID).
		Float64("confidence", m.Confidence).
		Str("source", m.Source).
		Msg("entity resolved")
	return m
}

// think decides GENERIC_IDENTIFIER or SPECIFIC_VALUE.
func (r *Resolver) think(ctx context.Context, in Input, e model.Entity) thought {
	names := lexicon.BestSimilarity(e.Text, in.Model.Terms()) >= modelNameFloor

	switch {
	case e.SemanticRole == model.RoleLiteral:
		return thought{class: model.ClassSpecific, confidence: 0.95, reason: "quoted or numeric literal", source: SourceHeuristic}
	case r.policy.IsGenericIdentifier(e.Text):
		return thought{class: model.ClassGeneric, confidence: 0.95, reason: "category noun", source: SourceHeuristic, modelRef: names}
	case names:
		return thought{class: model.ClassGeneric, confidence: 0.95, reason: "names the selected model", source: SourceHeuristic, modelRef: true}
	case e.SemanticRole == model.RoleProperNoun:
		return thought{class: model.ClassSpecific, confidence: 0.9, reason: "capitalised name", source: SourceHeuristic}
	}

	for _, f := range in.Fields {
		if f.HasSample(e.Text) {
			return thought{class: model.ClassSpecific, confidence: 0.9, reason: "known value of " + f.ID, source: SourceHeuristic}
		}
	}
	for _, f := range in.Fields {
		if lexicon.BestSimilarity(e.Text, f.Terms()) >= modelNameFloor {
			return thought{class: model.ClassGeneric, confidence: 0.9, reason: "names field " + f.ID, source: SourceHeuristic}
		}
	}

	if r.reasoner == nil {
		return thought{class: model.ClassGeneric, confidence: fallbackGeneric, reason: "ambiguous; no reasoning available", source: SourceHeuristic}
	}
	j, err := r.reasoner.Judge(ctx, reasoning.Request{
		Task:    reasoning.TaskEntityRole,
		Subject: e.Text,
		Facts: map[string]string{
			"query":    in.Query,
			"entities": entityList(in.Entities),
			"fields":   fieldList(in.Fields),
			"previous": strings.Join(in.PriorTurns, " | "),
		},
	})
	if err != nil {
		r.log.Warn().Err(err).Str("entity", e.Text).Msg("entity role unavailable, treating as generic")
		return thought{class: model.ClassGeneric, confidence: fallbackGeneric, reason: "ambiguous; reasoning unavailable", source: SourceHeuristic}
	}
	class := model.ClassGeneric
	if j.Judgment == reasoning.JudgeSpecific {
		class = model.ClassSpecific
	}
	return thought{class: class, confidence: j.Confidence, reason: "reasoning: " + j.Rationale, source: SourceReasoning}
}

// actGeneric picks the field whose meaning best matches the category.
func (r *Resolver) actGeneric(in Input, e model.Entity, th thought) action {
	if th.modelRef && !r.policy.IsGenericIdentifier(e.Text) {
		return action{
			confidence: th.confidence,
			reason:     fmt.Sprintf("%q names %s itself; its records are enumerated", e.Text, in.Model.Name),
			source:     SourceModelRef,
		}
	}

	hints := r.policy.HintsFor(e.Text)
	scores := make([]float64, len(in.Fields))
	for i, f := range in.Fields {
		s := lexicon.BestSimilarity(e.Text, f.Terms())
		if d := 0.6 * lexicon.PhraseSimilarity(e.Text, f.Description); d > s {
			s = d
		}
		for _, h := range hints {
			if lexicon.BestSimilarity(h, f.Terms()) >= modelNameFloor && hintScore > s {
				s = hintScore
			}
		}
		scores[i] = s
	}
	best := pickField(in.Fields, scores)
	if best < 0 || scores[best] < fieldFloor {
		if th.modelRef {
			return action{confidence: th.confidence, reason: fmt.Sprintf("%q names %s itself; its records are enumerated", e.Text, in.Model.Name), source: SourceModelRef}
		}
		return action{
			confidence: bestOr(scores, best),
			reason:     fmt.Sprintf("no field of %s describes %q", in.Model.Name, e.Text),
			source:     SourceUnresolved,
		}
	}
	f := in.Fields[best]
	return action{
		fieldID:    f.ID,
		confidence: scores[best] * th.confidence,
		reason:     fmt.Sprintf("%q names a class of things; enumerate %s (%s)", e.Text, f.ID, th.reason),
		source:     th.source,
		alternates: alternates(in.Fields, scores, best),
	}
}

// actSpecific picks the field whose values could contain the literal.
func (r *Resolver) actSpecific(ctx context.Context, in Input, e model.Entity, th thought) action {
	var hits []int
	for i, f := range in.Fields {
		if f.HasSample(e.Text) {
			hits = append(hits, i)
		}
	}
	if len(hits) == 1 {
		f := in.Fields[hits[0]]
		return action{fieldID: f.ID, confidence: 0.95, reason: fmt.Sprintf("%q is a known value of %s", e.Text, f.ID), source: SourceHeuristic}
	}
	if len(hits) > 1 {
		f := in.Fields[hits[0]]
		var alts []string
		for _, i := range hits[1:] {
			alts = append(alts, in.Fields[i].ID)
		}
		return action{fieldID: f.ID, confidence: 0.8, reason: fmt.Sprintf("%q is a known value of several fields", e.Text), source: SourceHeuristic, alternates: alts}
	}

	candidates := affinity(in.Fields, e.Text)
	if len(candidates) == 0 {
		return action{confidence: failedFilterConf, reason: fmt.Sprintf("no field of %s can hold %q", in.Model.Name, e.Text), source: SourceUnresolved}
	}
	ids := make([]string, len(candidates))
	for i, f := range candidates {
		ids[i] = f.ID
	}
	if r.reasoner == nil {
		return action{fieldID: ids[0], confidence: failedFilterConf, reason: "unconfirmed guess by field type", source: SourceHeuristic, alternates: ids[1:]}
	}
	j, err := r.reasoner.Judge(ctx, reasoning.Request{
		Task:    reasoning.TaskFieldMatch,
		Subject: e.Text,
		Facts: map[string]string{
			"model":  in.Model.Name,
			"role":   "value to filter by",
			"fields": fieldList(candidates),
		},
		Options: ids,
	})
	if err != nil {
		r.log.Warn().Err(err).Str("entity", e.Text).Msg("field match unavailable")
		return action{fieldID: ids[0], confidence: failedFilterConf, reason: "field match unavailable; unconfirmed guess by field type", source: SourceHeuristic, alternates: ids[1:]}
	}
	if j.Judgment != reasoning.JudgeMatch {
		return action{confidence: 1 - j.Confidence, reason: fmt.Sprintf("no field of %s holds %q (%s)", in.Model.Name, e.Text, j.Rationale), source: SourceUnresolved}
	}
	var alts []string
	for _, id := range ids {
		if !strings.EqualFold(id, j.Mapping) {
			alts = append(alts, id)
		}
	}
	mapping := j.Mapping
	for _, id := range ids {
		if strings.EqualFold(id, j.Mapping) {
			mapping = id
		}
	}
	return action{fieldID: mapping, confidence: j.Confidence, reason: "reasoning: " + j.Rationale, source: SourceReasoning, alternates: alts}
}

// observe records confidence, band and rationale.
func (r *Resolver) observe(e model.Entity, th thought, act action) model.FieldMapping {
	role := model.FieldRoleEnumeration
	if th.class == model.ClassSpecific {
		role = model.FieldRoleFilter
	}
	conf := clamp(act.confidence)
	m := model.FieldMapping{
		EntityText: e.Text,
		FieldID:    act.fieldID,
		Confidence: conf,
		Role:       role,
		Class:      th.class,
		Band:       r.cfg.BandOf(conf),
		Uncertain:  conf < r.cfg.MappingMinConfidence,
		Rationale:  act.reason,
		Source:     act.source,
	}
	if m.Band != model.BandHigh {
		m.Alternates = act.alternates
	}
	return m
}

// affinity orders the fields that could hold a literal: sampled string
// fields first, number fields first for numbers, identifiers last.
func affinity(fields []model.Field, value string) []model.Field {
	numeric := lexicon.IsNumber(value)
	var first, second, last []model.Field
	for _, f := range fields {
		idLike := isIdentifier(f)
		switch {
		case numeric && f.Type == model.FieldNumber:
			first = append(first, f)
		case !numeric && f.Type == model.FieldString && len(f.SampleValues) > 0 && !idLike:
			first = append(first, f)
		case f.Type == model.FieldString && !idLike:
			second = append(second, f)
		case idLike:
			last = append(last, f)
		}
	}
	return append(append(first, second...), last...)
}

func alternates(fields []model.Field, scores []float64, best int) []string {
	var out []string
	for i, s := range scores {
		if i != best && s >= fieldFloor && scores[best]-s <= alternateWindow {
			out = append(out, fields[i].ID)
		}
	}
	return out
}

// pickField returns the highest scoring field. Scores within tieWindow
// of each other are ordered by preference: display fields first,
// identifiers last.
func pickField(fields []model.Field, scores []float64) int {
	best := -1
	for i, s := range scores {
		switch {
		case best < 0 || s > scores[best]+tieWindow:
			best = i
		case s >= scores[best]-tieWindow && preference(fields[i]) > preference(fields[best]):
			best = i
		}
	}
	return best
}

func preference(f model.Field) int {
	switch {
	case isIdentifier(f):
		return 0
	case f.Display:
		return 2
	default:
		return 1
	}
}

func isIdentifier(f model.Field) bool {
	return strings.HasSuffix(f.ID, "_id") || f.ID == "id"
}

func bestOr(scores []float64, i int) float64 {
	if i < 0 {
		return 0
	}
	return scores[i]
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func entityList(es []model.Entity) string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Text
	}
	return strings.Join(out, ", ")
}

func fieldList(fs []model.Field) string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = fmt.Sprintf("%s (%s): %s", f.ID, f.Type, f.Description)
	}
	return strings.Join(out, "; ")
}
