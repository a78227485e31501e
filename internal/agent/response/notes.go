package response

import (
	"fmt"
	"strings"

	"github.com/catalog-insight/server/internal/agent/model"
	"github.com/catalog-insight/server/internal/agent/resolver"
)

// NoteInput is the non-terminal uncertainty a run collected along the way.
type NoteInput struct {
	ModelName     string
	LowConfidence bool
	Alternates    []model.ModelCandidate
	Mappings      []model.FieldMapping
	Fields        []model.Field
}

// Notes lists what the user should know about how the question was read:
// a weakly selected model, entities that could not be placed, mappings that
// were too uncertain to filter on and medium-confidence alternates.
func Notes(in NoteInput) []string {
	var out []string
	if in.LowConfidence {
		note := fmt.Sprintf("I wasn't sure which data you meant and used %s.", in.ModelName)
		if len(in.Alternates) > 0 {
			names := make([]string, len(in.Alternates))
			for i, a := range in.Alternates {
				names[i] = a.Name
			}
			note += " You may have meant " + strings.Join(names, " or ") + "."
		}
		out = append(out, note)
	}
	for _, m := range in.Mappings {
		switch {
		case m.Source == resolver.SourceUnresolved || (!m.Resolved() && m.Role == model.FieldRoleFilter):
			out = append(out, fmt.Sprintf("I couldn't match %q to anything in %s, so it was not used.", m.EntityText, in.ModelName))
		case m.Role == model.FieldRoleFilter && m.Resolved() && (m.Uncertain || m.Band == model.BandLow):
			out = append(out, fmt.Sprintf("I wasn't confident %q is a %s, so I did not filter on it.", m.EntityText, label(m.FieldID, in.Fields)))
		case m.Resolved() && m.Band == model.BandMedium && len(m.Alternates) > 0:
			alts := make([]string, len(m.Alternates))
			for i, a := range m.Alternates {
				alts[i] = label(a, in.Fields)
			}
			out = append(out, fmt.Sprintf("I read %q as %s; it could also mean %s.", m.EntityText, label(m.FieldID, in.Fields), strings.Join(alts, " or ")))
		}
	}
	return out
}
