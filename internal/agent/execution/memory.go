package execution

import (
	"context"
	"fmt"
	"strings"

	"github.com/catalog-insight/server/internal/agent/model"
	errx "github.com/catalog-insight/server/internal/core/error"
)

// RowSource hands out copies of a model's rows.
type RowSource interface {
	Rows(modelID string) ([]map[string]any, bool)
}

// MemoryAdapter evaluates descriptors over in-memory rows. Predicates
// compare case-insensitively on the value's string form.
type MemoryAdapter struct {
	source RowSource
}

func NewMemoryAdapter(source RowSource) *MemoryAdapter {
	return &MemoryAdapter{source: source}
}

func (a *MemoryAdapter) Run(ctx context.Context, q model.QueryDescriptor, _ model.Credentials) (model.RawResult, error) {
	if err := ctx.Err(); err != nil {
		return model.RawResult{}, err
	}
	rows, ok := a.source.Rows(q.ModelID)
	if !ok {
		return model.RawResult{}, errx.NoData(fmt.Errorf("unknown model %q", q.ModelID))
	}
	var out []map[string]any
	for _, row := range rows {
		if matches(row, q.Predicates) {
			out = append(out, row)
		}
	}
	return model.RawResult{Rows: out}, nil
}

func matches(row map[string]any, preds []model.Predicate) bool {
	for _, p := range preds {
		v, ok := row[p.FieldID]
		if !ok || !strings.EqualFold(fmt.Sprint(v), p.Value) {
			return false
		}
	}
	return true
}
