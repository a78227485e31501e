package reasoning

import (
	"context"
	"strings"

	"github.com/catalog-insight/server/internal/agent/lexicon"
)

// LocalService is a deterministic judge used when no model provider is
// configured. It never claims more confidence than its heuristics justify.
type LocalService struct{}

func (LocalService) Judge(_ context.Context, req Request) (Judgment, error) {
	switch req.Task {
	case TaskThreat:
		return Judgment{Judgment: JudgeBenign, Confidence: 0.05, Rationale: "no model available; lexical screen only"}, nil
	case TaskApproval:
		if strings.TrimSpace(req.Facts["flags"]) != "" {
			return Judgment{Judgment: JudgeDeny, Confidence: 0.7, Rationale: "sanitisation flags present"}, nil
		}
		return Judgment{Judgment: JudgeApprove, Confidence: 0.75, Rationale: "earlier layers passed"}, nil
	case TaskEntityRole:
		return Judgment{Judgment: JudgeGeneric, Confidence: 0.55, Rationale: "lower-case phrase without a value shape"}, nil
	case TaskFieldMatch, TaskModelRank:
		best, score := "", 0.0
		for _, opt := range req.Options {
			if s := lexicon.PhraseSimilarity(req.Subject, strings.ReplaceAll(opt, "_", " ")); s > score {
				best, score = opt, s
			}
		}
		if best == "" {
			return Judgment{Judgment: JudgeNone, Confidence: 0.3, Rationale: "no option resembles the phrase"}, nil
		}
		return Judgment{Judgment: JudgeMatch, Mapping: best, Confidence: 0.6 * score, Rationale: "closest option by name"}, nil
	}
	return Judgment{Judgment: JudgeNone, Rationale: "unsupported task"}, nil
}
