package security

import (
	"context"
	"fmt"
	"strings"

	"github.com/catalog-insight/server/internal/agent/lexicon"
	"github.com/catalog-insight/server/internal/agent/model"
	"github.com/catalog-insight/server/internal/agent/reasoning"
)

// Layer names as they appear in the trace.
const (
	LayerSanitize = "input_sanitization"
	LayerThreat   = "semantic_threat"
	LayerBusiness = "business_context"
	LayerApproval = "final_approval"
)

// Categories recorded for non-threat blocks.
const (
	CategoryMalformed    = "malformed_input"
	CategoryObfuscation  = "obfuscation"
	CategoryNoDataAccess = "no_data_access"
	CategoryForbidden    = "forbidden_request"
	CategoryOffDomain    = "off_domain"
	CategoryNotApproved  = "not_approved"
	CategoryLayerError   = "layer_error"
)

// evaluation carries what later layers may see of earlier ones.
type evaluation struct {
	raw       string
	sanitized Sanitized
	identity  model.Identity
	trace     []model.LayerDecision
}

func approved(layer int, name string, confidence float64, reason string) model.LayerDecision {
	return model.LayerDecision{Layer: layer, Name: name, Decision: model.VerdictApproved, Confidence: confidence, Reason: reason}
}

func blocked(layer int, name, category string, confidence float64, reason string) model.LayerDecision {
	return model.LayerDecision{Layer: layer, Name: name, Decision: model.VerdictBlocked, Category: category, Confidence: confidence, Reason: reason}
}

func (g *Gate) sanitizeLayer(_ context.Context, ev *evaluation) model.LayerDecision {
	ev.sanitized = Sanitize(ev.raw)
	text := ev.sanitized.Text
	switch {
	case text == "":
		return blocked(1, LayerSanitize, CategoryMalformed, 1, "empty after sanitisation")
	case len([]rune(text)) > g.policy.MaxQueryLength:
		return blocked(1, LayerSanitize, CategoryMalformed, 1, fmt.Sprintf("longer than %d characters", g.policy.MaxQueryLength))
	case len(ev.sanitized.Flags) >= g.policy.MaxObfuscationFlags:
		return blocked(1, LayerSanitize, CategoryObfuscation, 1, "obfuscation flags: "+strings.Join(ev.sanitized.Flags, ","))
	}
	return approved(1, LayerSanitize, 1, "flags: "+strings.Join(ev.sanitized.Flags, ","))
}

func (g *Gate) threatLayer(ctx context.Context, ev *evaluation) model.LayerDecision {
	threshold := g.policy.Threshold(ev.identity.Role)

	score, category, reason := 0.0, "", "no lexical match"
	if m := g.policy.MatchThreats(ev.sanitized.Text); len(m) > 0 {
		score, category, reason = m[0].Confidence, m[0].Category, "lexical pattern"
	}
	if score > threshold {
		return blocked(2, LayerThreat, category, score, reason)
	}

	j, err := g.reasoner.Judge(ctx, reasoning.Request{
		Task:    reasoning.TaskThreat,
		Subject: ev.sanitized.Text,
		Facts: map[string]string{
			"role":  ev.identity.Role,
			"flags": strings.Join(ev.sanitized.Flags, ","),
		},
		Options: g.policy.ThreatTaxonomy,
	})
	if err != nil {
		return blocked(2, LayerThreat, CategoryLayerError, 0, "reasoning unavailable: "+err.Error())
	}
	if j.Confidence > score {
		score, reason = j.Confidence, j.Rationale
		if j.Judgment == reasoning.JudgeThreat {
			category = j.Category
		}
	}
	if score > threshold {
		if category == "" {
			category = "unclassified"
		}
		return blocked(2, LayerThreat, category, score, reason)
	}
	return approved(2, LayerThreat, score, fmt.Sprintf("threat score %.2f within threshold %.2f", score, threshold))
}

func (g *Gate) businessLayer(ctx context.Context, ev *evaluation) model.LayerDecision {
	if !ev.identity.HasAnyPermission(g.policy.DataAccessPermissions) {
		return blocked(3, LayerBusiness, CategoryNoDataAccess, 1, "identity holds no data access permission")
	}
	if phrase, ok := g.policy.ForbiddenMatch(ev.sanitized.Text); ok {
		return blocked(3, LayerBusiness, CategoryForbidden, 1, "forbidden request: "+phrase)
	}

	vocab, err := g.vocabulary.Vocabulary(ctx)
	if err != nil {
		return blocked(3, LayerBusiness, CategoryLayerError, 0, "catalog vocabulary unavailable: "+err.Error())
	}
	vocab = append(vocab, g.policy.DomainVocabulary...)

	best, hit := 0.0, ""
	for _, w := range lexicon.ContentWords(ev.sanitized.Text) {
		for _, term := range vocab {
			if s := lexicon.PhraseSimilarity(w, term); s > best {
				best, hit = s, term
			}
		}
	}
	if best < domainMatchFloor {
		return blocked(3, LayerBusiness, CategoryOffDomain, 1-best, "no catalog vocabulary in question")
	}
	return approved(3, LayerBusiness, best, "domain term: "+hit)
}

const domainMatchFloor = 0.8

func (g *Gate) approvalLayer(ctx context.Context, ev *evaluation) model.LayerDecision {
	var layers []string
	for _, d := range ev.trace {
		layers = append(layers, fmt.Sprintf("%d:%s:%s:%.2f", d.Layer, d.Name, d.Decision, d.Confidence))
	}
	j, err := g.reasoner.Judge(ctx, reasoning.Request{
		Task:    reasoning.TaskApproval,
		Subject: ev.sanitized.Text,
		Facts: map[string]string{
			"role":   ev.identity.Role,
			"layers": strings.Join(layers, "; "),
			"flags":  strings.Join(ev.sanitized.Flags, ","),
		},
	})
	if err != nil {
		return blocked(4, LayerApproval, CategoryLayerError, 0, "reasoning unavailable: "+err.Error())
	}
	if j.Judgment != reasoning.JudgeApprove || j.Confidence < g.policy.ApprovalMinConfidence {
		return blocked(4, LayerApproval, CategoryNotApproved, j.Confidence, j.Rationale)
	}
	return approved(4, LayerApproval, j.Confidence, j.Rationale)
}
