package reasoning

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJudgment(t *testing.T) {
	j, err := ParseJudgment("(threat<||>instruction_override<||>0.92<||><||>asks to ignore rules)<|COMPLETE|>")
	require.NoError(t, err)
	assert.Equal(t, JudgeThreat, j.Judgment)
	assert.Equal(t, "instruction_override", j.Category)
	assert.InDelta(t, 0.92, j.Confidence, 1e-9)
	assert.Equal(t, "asks to ignore rules", j.Rationale)
}

func TestParseJudgmentSkipsBadRecords(t *testing.T) {
	content := "noise##(match<||>x<||>1.7<||>f<||>r)##(match<||><||>0.8<||>advertiser_name<||>names a company <||> really)"
	j, err := ParseJudgment(content)
	require.NoError(t, err)
	assert.Equal(t, "advertiser_name", j.Mapping)
	assert.Equal(t, "names a company <||> really", j.Rationale)
}

func TestParseJudgmentRejects(t *testing.T) {
	tests := []string{
		"",
		"approve",
		"(approve<||>x)",
		"(approve<||><||>NaN<||><||>r)",
		"(<||><||>0.5<||><||>r)",
		"(approve<||><||>" + strings.Repeat("9", maxTupleLen) + ")",
	}
	for _, in := range tests {
		_, err := ParseJudgment(in)
		assert.Error(t, err, "input %q", safeSnippet(in))
	}
}

func TestValidate(t *testing.T) {
	req := Request{Task: TaskThreat, Options: []string{"instruction_override"}}
	assert.NoError(t, Validate(req, Judgment{Judgment: JudgeThreat, Category: "instruction_override", Confidence: 0.9}))
	assert.NoError(t, Validate(req, Judgment{Judgment: JudgeBenign, Confidence: 0.1}))
	assert.Error(t, Validate(req, Judgment{Judgment: JudgeThreat, Category: "made_up", Confidence: 0.9}))
	assert.Error(t, Validate(req, Judgment{Judgment: "maybe", Confidence: 0.5}))

	fm := Request{Task: TaskFieldMatch, Options: []string{"brand"}}
	assert.Error(t, Validate(fm, Judgment{Judgment: JudgeMatch, Mapping: "other", Confidence: 0.9}))
	assert.NoError(t, Validate(fm, Judgment{Judgment: JudgeNone, Confidence: 0.2}))
}
