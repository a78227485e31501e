// Package reasoning is the bounded, fallible judgment service used by the
// gate, the selector and the resolver.
package reasoning

import (
	"context"
	"fmt"
	"strings"
)

type Task string

const (
	TaskThreat     Task = "threat"
	TaskApproval   Task = "approval"
	TaskEntityRole Task = "entity_role"
	TaskFieldMatch Task = "field_match"
	TaskModelRank  Task = "model_rank"
)

// Judgment labels per task.
const (
	JudgeThreat   = "threat"
	JudgeBenign   = "benign"
	JudgeApprove  = "approve"
	JudgeDeny     = "deny"
	JudgeGeneric  = "generic"
	JudgeSpecific = "specific"
	JudgeMatch    = "match"
	JudgeNone     = "none"
)

var allowedJudgments = map[Task][]string{
	TaskThreat:     {JudgeThreat, JudgeBenign},
	TaskApproval:   {JudgeApprove, JudgeDeny},
	TaskEntityRole: {JudgeGeneric, JudgeSpecific},
	TaskFieldMatch: {JudgeMatch, JudgeNone},
	TaskModelRank:  {JudgeMatch, JudgeNone},
}

// Request is the context for a single judgment. Options lists what the
// answer's category or mapping must be drawn from (taxonomy, field ids,
// model ids); an answer outside it is rejected.
type Request struct {
	Task    Task
	Subject string
	Facts   map[string]string
	Options []string
}

type Judgment struct {
	Judgment   string
	Category   string
	Confidence float64
	Mapping    string
	Rationale  string
}

// Service returns a typed judgment or an error. Callers decide the fallback.
type Service interface {
	Judge(ctx context.Context, req Request) (Judgment, error)
}

// Func adapts a function to Service.
type Func func(ctx context.Context, req Request) (Judgment, error)

func (f Func) Judge(ctx context.Context, req Request) (Judgment, error) {
	return f(ctx, req)
}

// Validate checks j against the task's allowed judgments and req.Options.
func Validate(req Request, j Judgment) error {
	allowed, ok := allowedJudgments[req.Task]
	if !ok {
		return fmt.Errorf("reasoning: unknown task %q", req.Task)
	}
	if !contains(allowed, j.Judgment) {
		return fmt.Errorf("reasoning: %s judgment %q not in %v", req.Task, j.Judgment, allowed)
	}
	if j.Confidence < 0 || j.Confidence > 1 {
		return fmt.Errorf("reasoning: confidence %v out of range", j.Confidence)
	}
	switch req.Task {
	case TaskThreat:
		if j.Judgment == JudgeThreat && !contains(req.Options, j.Category) {
			return fmt.Errorf("reasoning: category %q not in taxonomy", j.Category)
		}
	case TaskFieldMatch, TaskModelRank:
		if j.Judgment == JudgeMatch && !contains(req.Options, j.Mapping) {
			return fmt.Errorf("reasoning: mapping %q not among options", j.Mapping)
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
