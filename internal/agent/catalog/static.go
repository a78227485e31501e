package catalog

import (
	"context"
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/catalog-insight/server/internal/agent/model"
)

//go:embed demo.yaml
var demoYAML []byte

// DatasetModel is one model with its fields and, for in-memory use, rows.
type DatasetModel struct {
	model.CatalogModel `yaml:",inline"`
	Fields             []model.Field    `yaml:"fields"`
	Rows               []map[string]any `yaml:"rows"`
}

// StaticSource is an in-memory CatalogSource.
type StaticSource struct {
	models []DatasetModel
	byID   map[string]int
}

// NewStaticSource decodes a dataset document.
func NewStaticSource(data []byte) (*StaticSource, error) {
	var doc struct {
		Models []DatasetModel `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalog: decode dataset: %w", err)
	}
	s := &StaticSource{models: doc.Models, byID: make(map[string]int, len(doc.Models))}
	for i, m := range doc.Models {
		if m.ID == "" {
			return nil, fmt.Errorf("catalog: model %d has no id", i)
		}
		if _, dup := s.byID[m.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate model id %q", m.ID)
		}
		s.byID[m.ID] = i
	}
	return s, nil
}

// DemoSource returns the embedded demo catalog.
func DemoSource() (*StaticSource, error) {
	return NewStaticSource(demoYAML)
}

func (s *StaticSource) ListModels(context.Context) ([]model.CatalogModel, error) {
	out := make([]model.CatalogModel, len(s.models))
	for i, m := range s.models {
		out[i] = m.CatalogModel
	}
	return out, nil
}

func (s *StaticSource) GetFields(_ context.Context, modelID string) ([]model.Field, error) {
	i, ok := s.byID[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	return append([]model.Field(nil), s.models[i].Fields...), nil
}

// Rows returns a copy of the model's rows.
func (s *StaticSource) Rows(modelID string) ([]map[string]any, bool) {
	i, ok := s.byID[modelID]
	if !ok {
		return nil, false
	}
	out := make([]map[string]any, len(s.models[i].Rows))
	for j, r := range s.models[i].Rows {
		cp := make(map[string]any, len(r))
		for k, v := range r {
			cp[k] = v
		}
		out[j] = cp
	}
	return out, true
}
