package model

import (
	"context"
	"strings"
)

type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "bool"
	FieldTime   FieldType = "time"
)

// CatalogWide is the model id of a metadata question about the whole catalog.
const CatalogWide = "*"

// CatalogModel is one queryable entity type in the data catalog.
type CatalogModel struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Synonyms    []string `json:"synonyms,omitempty" yaml:"synonyms"`
}

// Terms returns the name and synonyms, lower-cased.
func (m CatalogModel) Terms() []string {
	out := make([]string, 0, len(m.Synonyms)+1)
	out = append(out, strings.ToLower(m.Name))
	for _, s := range m.Synonyms {
		out = append(out, strings.ToLower(s))
	}
	return out
}

type Field struct {
	ID           string    `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	Type         FieldType `json:"type" yaml:"type"`
	Description  string    `json:"description" yaml:"description"`
	Synonyms     []string  `json:"synonyms,omitempty" yaml:"synonyms"`
	SampleValues []string  `json:"sample_values,omitempty" yaml:"sample_values"`
	Display      bool      `json:"display" yaml:"display"`
}

// Terms returns the name and synonyms, lower-cased.
func (f Field) Terms() []string {
	out := make([]string, 0, len(f.Synonyms)+1)
	out = append(out, strings.ToLower(f.Name))
	for _, s := range f.Synonyms {
		out = append(out, strings.ToLower(s))
	}
	return out
}

// HasSample reports whether value matches one of the field's sample values,
// ignoring case.
func (f Field) HasSample(value string) bool {
	for _, s := range f.SampleValues {
		if strings.EqualFold(s, value) {
			return true
		}
	}
	return false
}

// CatalogSource is the read-only metadata provider behind the catalog cache.
type CatalogSource interface {
	ListModels(ctx context.Context) ([]CatalogModel, error)
	GetFields(ctx context.Context, modelID string) ([]Field, error)
}

// ExecutionAdapter runs a validated descriptor against the backing store.
// Implementations must return errx.NoData for an empty-by-definition answer
// so the executor does not retry it.
type ExecutionAdapter interface {
	Run(ctx context.Context, q QueryDescriptor, creds Credentials) (RawResult, error)
}
