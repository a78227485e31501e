// Package selector ranks catalog models against the extracted entities.
package selector

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/catalog-insight/server/internal/agent/lexicon"
	"github.com/catalog-insight/server/internal/agent/model"
	"github.com/catalog-insight/server/internal/agent/reasoning"
	logx "github.com/catalog-insight/server/pkg/logger"
)

const (
	nameWeight  = 0.65
	fieldWeight = 0.35

	// description overlap counts for less than a name or synonym hit
	descriptionDiscount = 0.6
	fieldMatchFloor     = 0.8
	maxAlternates       = 2
)

// Catalog is the read side of the schema catalog the selector needs.
type Catalog interface {
	ListModels(ctx context.Context) ([]model.CatalogModel, error)
	GetFields(ctx context.Context, modelID string) ([]model.Field, error)
}

type Selection struct {
	Candidates    []model.ModelCandidate
	LowConfidence bool
	Alternates    []model.ModelCandidate
}

// Top returns the best candidate, if any.
func (s Selection) Top() (model.ModelCandidate, bool) {
	if len(s.Candidates) == 0 {
		return model.ModelCandidate{}, false
	}
	return s.Candidates[0], true
}

type Selector struct {
	catalog  Catalog
	reasoner reasoning.Service
	floor    float64
	log      zerolog.Logger
}

func New(catalog Catalog, reasoner reasoning.Service, floor float64) *Selector {
	return &Selector{catalog: catalog, reasoner: reasoner, floor: floor, log: logx.With("model_selector")}
}

// Select scores every model and returns the candidates with a positive
// score, best first. Ties go to the shorter model name.
func (s *Selector) Select(ctx context.Context, intent model.Intent, entities []model.Entity) (Selection, error) {
	models, err := s.catalog.ListModels(ctx)
	if err != nil {
		return Selection{}, fmt.Errorf("select: list models: %w", err)
	}
	phrases := scoringPhrases(entities)

	byID := make(map[string]*model.ModelCandidate, len(models))
	var cands []*model.ModelCandidate
	for _, m := range models {
		fields, err := s.catalog.GetFields(ctx, m.ID)
		if err != nil {
			return Selection{}, fmt.Errorf("select: fields of %s: %w", m.ID, err)
		}
		name, nameHit := nameScore(phrases, m)
		field, fieldHits := fieldScore(phrases, fields)
		c := &model.ModelCandidate{
			ModelID:    m.ID,
			Name:       m.Name,
			Confidence: round(nameWeight*name + fieldWeight*field),
			Rationale:  rationale(name, nameHit, field, fieldHits),
		}
		byID[m.ID] = c
		cands = append(cands, c)
	}

	sortCandidates(cands)
	if len(cands) > 0 && cands[0].Confidence < s.floor && len(phrases) > 0 && s.reasoner != nil {
		s.consult(ctx, intent, phrases, models, byID)
		sortCandidates(cands)
	}

	var sel Selection
	for _, c := range cands {
		if c.Confidence > 0 {
			sel.Candidates = append(sel.Candidates, *c)
		}
	}
	if top, ok := sel.Top(); ok && top.Confidence < s.floor {
		sel.LowConfidence = true
		for i := 1; i < len(sel.Candidates) && len(sel.Alternates) < maxAlternates; i++ {
			sel.Alternates = append(sel.Alternates, sel.Candidates[i])
		}
	}
	return sel, nil
}

// consult asks the reasoning service to pick a model. A failure leaves the
// lexical scores untouched.
func (s *Selector) consult(ctx context.Context, intent model.Intent, phrases []string, models []model.CatalogModel, byID map[string]*model.ModelCandidate) {
	ids := make([]string, len(models))
	descs := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.ID
		descs[i] = fmt.Sprintf("%s: %s", m.ID, m.Description)
	}
	j, err := s.reasoner.Judge(ctx, reasoning.Request{
		Task:    reasoning.TaskModelRank,
		Subject: strings.Join(phrases, ", "),
		Facts: map[string]string{
			"intent":   string(intent),
			"entities": strings.Join(phrases, ", "),
			"models":   strings.Join(descs, "; "),
		},
		Options: ids,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("model ranking unavailable, keeping lexical scores")
		return
	}
	if j.Judgment != reasoning.JudgeMatch {
		return
	}
	for id, c := range byID {
		if strings.EqualFold(id, j.Mapping) && j.Confidence > c.Confidence {
			c.Confidence = round(j.Confidence)
			c.Rationale = fmt.Sprintf("%s; reasoning: %s", c.Rationale, j.Rationale)
		}
	}
}

func scoringPhrases(entities []model.Entity) []string {
	var out []string
	for _, e := range entities {
		if e.SemanticRole == model.RoleQuantifier || lexicon.IsNumber(e.Text) {
			continue
		}
		out = append(out, e.Text)
	}
	return out
}

func nameScore(phrases []string, m model.CatalogModel) (float64, string) {
	best, hit := 0.0, ""
	terms := m.Terms()
	for _, p := range phrases {
		if s := lexicon.BestSimilarity(p, terms); s > best {
			best, hit = s, p
		}
		if s := descriptionDiscount * lexicon.PhraseSimilarity(p, m.Description); s > best {
			best, hit = s, p+" (description)"
		}
	}
	return best, hit
}

// fieldScore is the share of phrases that name a field or one of its
// sample values.
func fieldScore(phrases []string, fields []model.Field) (float64, []string) {
	if len(phrases) == 0 {
		return 0, nil
	}
	var hits []string
	for _, p := range phrases {
		for _, f := range fields {
			if f.HasSample(p) || lexicon.BestSimilarity(p, f.Terms()) >= fieldMatchFloor {
				hits = append(hits, p+"→"+f.ID)
				break
			}
		}
	}
	return float64(len(hits)) / float64(len(phrases)), hits
}

func rationale(name float64, nameHit string, field float64, fieldHits []string) string {
	var b strings.Builder
	if nameHit != "" {
		fmt.Fprintf(&b, "name match %.2f on %q", name, nameHit)
	} else {
		b.WriteString("no name match")
	}
	if len(fieldHits) > 0 {
		fmt.Fprintf(&b, "; field match %.2f (%s)", field, strings.Join(fieldHits, ", "))
	}
	return b.String()
}

func sortCandidates(cands []*model.ModelCandidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if len(a.Name) != len(b.Name) {
			return len(a.Name) < len(b.Name)
		}
		return a.ModelID < b.ModelID
	})
}

func round(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}
