package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalog-insight/server/internal/agent/model"
)

func texts(es []model.Entity) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Text
	}
	return out
}

func TestExtractIntent(t *testing.T) {
	tests := []struct {
		query string
		want  model.Intent
	}{
		{"How many advertisements do we have?", model.IntentCount},
		{"which companies are advertising?", model.IntentList},
		{"list advertisements", model.IntentList},
		{"Show advertisements from Sony", model.IntentFiltered},
		{"How many campaigns by Nike?", model.IntentCount},
		{"What fields does the campaign model have?", model.IntentMetadata},
		{"Which models are available?", model.IntentMetadata},
		{"top 5 publishers", model.IntentList},
		{"", model.IntentUnknown},
		{"hmm", model.IntentUnknown},
		{"how many?", model.IntentUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got, _ := Extract(tt.query)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractEntities(t *testing.T) {
	tests := []struct {
		query string
		want  []string
		roles []model.SemanticRole
	}{
		{"which companies are advertising?", []string{"companies", "advertising"}, []model.SemanticRole{model.RoleNoun, model.RoleNoun}},
		{"Show advertisements from Sony", []string{"advertisements", "Sony"}, []model.SemanticRole{model.RoleNoun, model.RoleProperNoun}},
		{"list campaigns for Coca Cola in 2024", []string{"campaigns", "Coca Cola", "2024"}, []model.SemanticRole{model.RoleNoun, model.RoleProperNoun, model.RoleLiteral}},
		{`list ads with brand "acme corp"`, []string{"ads", "brand", "acme corp"}, []model.SemanticRole{model.RoleNoun, model.RoleNoun, model.RoleLiteral}},
		{"top 3 publishers", []string{"3", "publishers"}, []model.SemanticRole{model.RoleQuantifier, model.RoleNoun}},
		{"Advertisements by country", []string{"Advertisements", "country"}, []model.SemanticRole{model.RoleNoun, model.RoleNoun}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			_, es := Extract(tt.query)
			require.Equal(t, tt.want, texts(es))
			for i, e := range es {
				assert.Equal(t, tt.roles[i], e.SemanticRole, e.Text)
			}
		})
	}
}

func TestExtractSplitsNounRuns(t *testing.T) {
	known := WithKnownValues([]string{"tv", "web", "Coca Cola", "tokyo broadcast"})
	tests := []struct {
		query string
		want  []string
	}{
		{"which advertisers run tv ads?", []string{"advertisers", "tv", "ads"}},
		{"which brands sell web banners", []string{"brands", "web", "banners"}},
		{"list ads on tokyo broadcast tv", []string{"ads", "tokyo broadcast", "tv"}},
		{"which companies are advertising?", []string{"companies", "advertising"}},
		{"list tv", []string{"tv"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			_, es := Extract(tt.query, known)
			require.Equal(t, tt.want, texts(es))
			for _, e := range es {
				assert.Equal(t, model.RoleNoun, e.SemanticRole, e.Text)
			}
		})
	}

	_, es := Extract("which advertisers run tv ads?")
	assert.Equal(t, []string{"advertisers", "tv ads"}, texts(es))
}

func TestExtractSpansAreRuneOffsets(t *testing.T) {
	q := "Zeige Anzeigen von Müller GmbH"
	_, es := Extract(q)
	runes := []rune(q)
	require.NotEmpty(t, es)
	for _, e := range es {
		assert.Equal(t, e.Text, string(runes[e.Span.Start:e.Span.End]))
	}
	assert.Contains(t, texts(es), "Müller GmbH")
}

func TestExtractIsDeterministic(t *testing.T) {
	q := "Which brands advertise with Sony in Japan?"
	i1, e1 := Extract(q)
	i2, e2 := Extract(q)
	assert.Equal(t, i1, i2)
	assert.Equal(t, e1, e2)
}
