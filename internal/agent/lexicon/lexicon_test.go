package lexicon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenizeRuneOffsets(t *testing.T) {
	toks := Tokenize("Which brands, e.g. Sony's, advertise in Zürich?")
	texts := make([]string, 0, len(toks))
	for _, tk := range toks {
		texts = append(texts, tk.Text)
	}
	assert.Equal(t, []string{"Which", "brands", "e.g", "Sony's", "advertise", "in", "Zürich"}, texts)

	last := toks[len(toks)-1]
	assert.Equal(t, "Zürich", string([]rune("Which brands, e.g. Sony's, advertise in Zürich?")[last.Start:last.End]))
}

func TestStemSharesRoots(t *testing.T) {
	tests := []struct{ a, b string }{
		{"advertising", "advertisements"},
		{"advertisers", "advertisement"},
		{"companies", "company"},
		{"campaigns", "campaign"},
		{"publishers", "publisher"},
	}
	for _, tt := range tests {
		assert.Equal(t, Stem(tt.a), Stem(tt.b), "%s vs %s", tt.a, tt.b)
	}
}

func TestWordSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, WordSimilarity("Advertisements", "advertisement"))
	assert.Equal(t, 0.0, WordSimilarity("sony", "country"))
	assert.Greater(t, WordSimilarity("publishing", "publication"), 0.0)
}

func TestPhraseSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, PhraseSimilarity("advertisements", "Advertisements"))
	assert.Equal(t, 0.0, PhraseSimilarity("how many", "advertisements"))
	assert.InDelta(t, 0.5, PhraseSimilarity("campaign budget", "campaign"), 1e-9)
}

func TestIsNumber(t *testing.T) {
	assert.True(t, IsNumber("10"))
	assert.True(t, IsNumber("3.5"))
	assert.False(t, IsNumber(".5"))
	assert.False(t, IsNumber("ten"))
}

func TestStopwords(t *testing.T) {
	assert.True(t, IsStopword("Which"))
	assert.False(t, IsStopword("companies"))
}
