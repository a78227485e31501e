// Package composer turns resolved field mappings into a query descriptor.
package composer

import (
	"strconv"
	"strings"

	"github.com/catalog-insight/server/internal/agent/model"
	errx "github.com/catalog-insight/server/internal/core/error"
)

type Input struct {
	Intent   model.Intent
	ModelID  string
	Fields   []model.Field
	Entities []model.Entity
	Mappings []model.FieldMapping
}

type Composer struct {
	cfg model.PipelineConfig
}

func New(cfg model.PipelineConfig) *Composer {
	return &Composer{cfg: cfg}
}

// Compose decides between ENUMERATE and FILTER.
//
// FILTER_VALUE mappings become field = value predicates only when they point
// at a field with at least medium-band confidence and are not uncertain.
// ENUMERATION_TARGET mappings never become predicates; they select the
// distinct columns to return. Filter values that cannot be placed are left
// out rather than failing the query. COUNT composes like LIST and adds the
// aggregate, which execution answers by counting returned rows.
func (c *Composer) Compose(in Input) (model.QueryDescriptor, error) {
	if in.Intent == model.IntentMetadata {
		return c.metadata(in), nil
	}

	var (
		predicates []model.Predicate
		targets    []string
	)
	for _, m := range in.Mappings {
		switch {
		case m.Role == model.FieldRoleFilter && c.usableFilter(m):
			predicates = appendPredicate(predicates, model.Predicate{FieldID: m.FieldID, Op: "=", Value: m.EntityText})
		case m.Role == model.FieldRoleFilter:
			// Unplaced values are dropped and reported as notes.
		case m.Resolved():
			targets = appendUnique(targets, m.FieldID)
		}
	}

	q := model.QueryDescriptor{
		ModelID:      in.ModelID,
		Predicates:   predicates,
		DisplayHints: targets,
		Limit:        c.limit(in),
	}
	if len(predicates) == 0 {
		q.Mode = model.ModeEnumerate
	} else {
		q.Mode = model.ModeFilter
	}
	if len(targets) > 0 {
		q.Fields = targets
		q.Distinct = true
	} else {
		q.Fields = displayFields(in.Fields)
	}
	if in.Intent == model.IntentCount {
		q.Aggregate = model.AggregateCount
	}

	if err := q.Validate(); err != nil {
		return model.QueryDescriptor{}, errx.Internal(err)
	}
	return q, nil
}

func (c *Composer) usableFilter(m model.FieldMapping) bool {
	return m.Resolved() && !m.Uncertain && m.Confidence >= c.cfg.MediumBand
}

func (c *Composer) metadata(in Input) model.QueryDescriptor {
	id := in.ModelID
	if id == "" {
		id = model.CatalogWide
	}
	return model.QueryDescriptor{
		ModelID:  id,
		Mode:     model.ModeEnumerate,
		Metadata: true,
		Limit:    c.cfg.DefaultLimit,
	}
}

// limit is the quantifier when one was given, the count cap for COUNT and
// the default otherwise.
func (c *Composer) limit(in Input) int {
	if in.Intent == model.IntentCount {
		return c.cfg.CountLimit
	}
	for _, e := range in.Entities {
		if e.SemanticRole != model.RoleQuantifier {
			continue
		}
		if n, err := strconv.Atoi(e.Text); err == nil && n > 0 {
			if n > c.cfg.CountLimit {
				return c.cfg.CountLimit
			}
			return n
		}
	}
	return c.cfg.DefaultLimit
}

func displayFields(fields []model.Field) []string {
	var out []string
	for _, f := range fields {
		if f.Display {
			out = append(out, f.ID)
		}
	}
	if len(out) == 0 {
		for _, f := range fields {
			out = append(out, f.ID)
		}
	}
	return out
}

func appendPredicate(ps []model.Predicate, p model.Predicate) []model.Predicate {
	for _, have := range ps {
		if have.FieldID == p.FieldID && strings.EqualFold(have.Value, p.Value) {
			return ps
		}
	}
	return append(ps, p)
}

func appendUnique(list []string, v string) []string {
	for _, have := range list {
		if have == v {
			return list
		}
	}
	return append(list, v)
}
