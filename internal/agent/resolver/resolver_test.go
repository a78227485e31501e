package resolver

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalog-insight/server/internal/agent/catalog"
	"github.com/catalog-insight/server/internal/agent/model"
	"github.com/catalog-insight/server/internal/agent/policy"
	"github.com/catalog-insight/server/internal/agent/reasoning"
)

func newResolver(t *testing.T, svc reasoning.Service) *Resolver {
	t.Helper()
	p, err := policy.Default()
	require.NoError(t, err)
	r := New(p, svc, model.DefaultPipelineConfig())
	t.Cleanup(r.Close)
	return r
}

func adsInput(t *testing.T, query string, entities ...model.Entity) Input {
	t.Helper()
	return modelInput(t, "advertisements", query, entities...)
}

func modelInput(t *testing.T, modelID, query string, entities ...model.Entity) Input {
	t.Helper()
	src, err := catalog.DemoSource()
	require.NoError(t, err)
	ctx := context.Background()
	m, err := src.ListModels(ctx)
	require.NoError(t, err)
	var target model.CatalogModel
	for _, cm := range m {
		if cm.ID == modelID {
			target = cm
		}
	}
	require.NotEmpty(t, target.ID, "model %s", modelID)
	fields, err := src.GetFields(ctx, modelID)
	require.NoError(t, err)
	return Input{Query: query, Model: target, Fields: fields, Entities: entities}
}

func noun(text string) model.Entity   { return model.Entity{Text: text, SemanticRole: model.RoleNoun} }
func proper(text string) model.Entity { return model.Entity{Text: text, SemanticRole: model.RoleProperNoun} }

var failing = reasoning.Func(func(context.Context, reasoning.Request) (reasoning.Judgment, error) {
	return reasoning.Judgment{}, errors.New("reasoning offline")
})

func TestCategoryNounIsEnumerationTarget(t *testing.T) {
	r := newResolver(t, failing)
	in := adsInput(t, "which companies are advertising?", noun("companies"), noun("advertising"))

	got, err := r.Resolve(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, got, 2)

	companies := got[0]
	assert.Equal(t, "companies", companies.EntityText)
	assert.Equal(t, model.FieldRoleEnumeration, companies.Role)
	assert.Equal(t, model.ClassGeneric, companies.Class)
	assert.Equal(t, "advertiser_name", companies.FieldID)
	assert.GreaterOrEqual(t, companies.Confidence, 0.9)
	assert.Equal(t, model.BandHigh, companies.Band)
	assert.False(t, companies.Uncertain)

	advertising := got[1]
	assert.Equal(t, model.FieldRoleEnumeration, advertising.Role)
	assert.False(t, advertising.Resolved())
	assert.Equal(t, SourceModelRef, advertising.Source)
	assert.NotEmpty(t, advertising.Rationale)
}

func TestCategoryNounPrefersDisplayFieldOverIdentifier(t *testing.T) {
	r := newResolver(t, failing)
	cases := []struct {
		model, query, entity, want string
	}{
		{"publishers", "What are the top 2 publishers?", "publishers", "publisher_name"},
		{"campaigns", "list campaigns", "campaigns", "campaign_name"},
	}
	for _, tc := range cases {
		t.Run(tc.model, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), modelInput(t, tc.model, tc.query, noun(tc.entity)))
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, tc.want, got[0].FieldID)
			assert.Equal(t, model.FieldRoleEnumeration, got[0].Role)
		})
	}
}

func TestPickFieldBreaksTiesByPreference(t *testing.T) {
	fields := []model.Field{
		{ID: "publisher_id", Type: model.FieldString},
		{ID: "country", Type: model.FieldString},
		{ID: "publisher_name", Type: model.FieldString, Display: true},
	}
	assert.Equal(t, 2, pickField(fields, []float64{0.9, 0.9, 0.9}))
	assert.Equal(t, 1, pickField(fields, []float64{0.9, 0.9, 0.5}))
	assert.Equal(t, 0, pickField(fields, []float64{0.95, 0.5, 0.9}))
	assert.Equal(t, -1, pickField(nil, nil))
}

func TestKnownValueIsFilter(t *testing.T) {
	r := newResolver(t, failing)
	in := adsInput(t, "show ads by Sony", noun("ads"), proper("Sony"))

	got, err := r.Resolve(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, got, 2)

	sony := got[1]
	assert.Equal(t, model.FieldRoleFilter, sony.Role)
	assert.Equal(t, model.ClassSpecific, sony.Class)
	assert.Equal(t, "advertiser_name", sony.FieldID)
	assert.GreaterOrEqual(t, sony.Confidence, 0.9)
	assert.Equal(t, SourceHeuristic, sony.Source)
}

func TestQuoteLiteralUsesFieldMatch(t *testing.T) {
	var calls atomic.Int32
	svc := reasoning.Func(func(_ context.Context, req reasoning.Request) (reasoning.Judgment, error) {
		calls.Add(1)
		assert.Equal(t, reasoning.TaskFieldMatch, req.Task)
		assert.Contains(t, req.Options, "title")
		return reasoning.Judgment{Judgment: reasoning.JudgeMatch, Mapping: "title", Confidence: 0.82, Rationale: "looks like a headline"}, nil
	})
	r := newResolver(t, svc)
	in := adsInput(t, `ads titled "Run Berlin"`, model.Entity{Text: "Run Berlin", SemanticRole: model.RoleLiteral})

	got, err := r.Resolve(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "title", got[0].FieldID)
	assert.Equal(t, model.BandMedium, got[0].Band)
	assert.Equal(t, SourceReasoning, got[0].Source)
	assert.NotContains(t, got[0].Alternates, "title")
}

func TestFieldMatchFailureIsLowConfidence(t *testing.T) {
	r := newResolver(t, failing)
	in := adsInput(t, `ads titled "Spring Deal"`, model.Entity{Text: "Spring Deal", SemanticRole: model.RoleLiteral})

	got, err := r.Resolve(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.BandLow, got[0].Band)
	assert.True(t, got[0].Uncertain)
	assert.Equal(t, model.FieldRoleFilter, got[0].Role)
}

func TestAmbiguousEntityFallsBackToGeneric(t *testing.T) {
	r := newResolver(t, failing)
	in := adsInput(t, "show ads about widgets", noun("ads"), noun("widgets"))

	got, err := r.Resolve(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, got, 2)

	widgets := got[1]
	assert.Equal(t, model.ClassGeneric, widgets.Class)
	assert.NotEqual(t, model.FieldRoleFilter, widgets.Role)
	assert.True(t, widgets.Uncertain)
	assert.NotEmpty(t, widgets.Rationale)
}

func TestEntityRoleReasoningSeesContext(t *testing.T) {
	var seen reasoning.Request
	svc := reasoning.Func(func(_ context.Context, req reasoning.Request) (reasoning.Judgment, error) {
		if req.Task == reasoning.TaskEntityRole {
			seen = req
			return reasoning.Judgment{Judgment: reasoning.JudgeGeneric, Confidence: 0.8, Rationale: "a kind of thing"}, nil
		}
		return reasoning.Judgment{Judgment: reasoning.JudgeNone, Confidence: 0.9}, nil
	})
	r := newResolver(t, svc)
	in := adsInput(t, "show ads about widgets", noun("ads"), noun("widgets"))
	in.PriorTurns = []string{"how many ads run in Japan?"}

	_, err := r.Resolve(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "widgets", seen.Subject)
	assert.Contains(t, seen.Facts["entities"], "ads")
	assert.Contains(t, seen.Facts["fields"], "advertiser_name")
	assert.Contains(t, seen.Facts["previous"], "Japan")
}

func TestQuantifierHasNoField(t *testing.T) {
	r := newResolver(t, failing)
	in := adsInput(t, "top 5 ads", model.Entity{Text: "5", SemanticRole: model.RoleQuantifier}, noun("ads"))

	got, err := r.Resolve(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.False(t, got[0].Resolved())
	assert.Equal(t, SourceQuantifier, got[0].Source)
	assert.NotEmpty(t, got[0].Rationale)
}

func TestResolveKeepsEntityOrder(t *testing.T) {
	r := newResolver(t, failing)
	in := adsInput(t, "ads by Nike in Japan on tv", noun("ads"), proper("Nike"), proper("Japan"), noun("tv"))

	got, err := r.Resolve(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i, e := range in.Entities {
		assert.Equal(t, e.Text, got[i].EntityText)
	}
	assert.Equal(t, "advertiser_name", got[1].FieldID)
	assert.Equal(t, "country", got[2].FieldID)
	assert.Equal(t, "channel", got[3].FieldID)
	assert.Equal(t, model.FieldRoleFilter, got[3].Role)
}

func TestResolveCancelled(t *testing.T) {
	r := newResolver(t, failing)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Resolve(ctx, adsInput(t, "ads by Sony", proper("Sony")))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEveryMappingCarriesRationale(t *testing.T) {
	r := newResolver(t, failing)
	in := adsInput(t, "list companies advertising in Japan", noun("companies"), noun("advertising"), proper("Japan"), noun("zebras"))

	got, err := r.Resolve(context.Background(), in)
	require.NoError(t, err)
	for _, m := range got {
		assert.NotEmpty(t, m.Rationale, m.EntityText)
		assert.Contains(t, []model.FieldRole{model.FieldRoleFilter, model.FieldRoleEnumeration}, m.Role)
		assert.Equal(t, m.Confidence < 0.5, m.Uncertain)
	}
}
