// Package extract turns sanitised question text into an intent and a list of
// entities with rune spans.
package extract

import (
	"strings"

	"github.com/catalog-insight/server/internal/agent/lexicon"
	"github.com/catalog-insight/server/internal/agent/model"
)

var (
	countPhrases    = []string{"how many", "number of", "count of", "total number", "how much"}
	countWords      = set("count", "total", "tally")
	metadataWords   = set("field", "fields", "schema", "schemas", "column", "columns", "attribute", "attributes", "models", "datasets")
	metadataPhrases = []string{"what data", "which data", "describe", "what can i ask"}
	listWords       = set("list", "show", "display", "give", "find", "get", "enumerate", "which", "what", "who", "name")
	filterWords     = set("from", "by", "with", "where", "whose", "owned", "belonging", "named", "called", "in", "for", "than", "above", "below")
	quantifierWords = set("top", "first", "last", "limit", "latest")
	verbWords       = set("run", "runs", "running", "ran", "advertise", "advertises", "sell", "sells", "selling", "sold",
		"buy", "buys", "bought", "own", "owns", "operate", "operates", "publish", "publishes", "published",
		"launch", "launches", "launched", "appear", "appears", "use", "uses", "using")

	// words that carry intent but never entity meaning
	cueWords = union(countWords, metadataWords, listWords, quantifierWords, set("many", "number", "available", "exist", "existing"))
)

func set(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

func union(sets ...map[string]struct{}) map[string]struct{} {
	out := map[string]struct{}{}
	for _, s := range sets {
		for k := range s {
			out[k] = struct{}{}
		}
	}
	return out
}

func has(m map[string]struct{}, w string) bool {
	_, ok := m[w]
	return ok
}

type options struct {
	known  map[string]struct{}
	maxLen int
}

// Option tunes extraction.
type Option func(*options)

// WithKnownValues marks catalog values that stand as entities on their own,
// so "tv ads" yields "tv" and "ads" rather than one noun phrase.
func WithKnownValues(values []string) Option {
	return func(o *options) {
		for _, v := range values {
			words := lexicon.Tokenize(v)
			if len(words) == 0 {
				continue
			}
			o.known[strings.ToLower(strings.Join(tokenTexts(words), " "))] = struct{}{}
			if len(words) > o.maxLen {
				o.maxLen = len(words)
			}
		}
	}
}

// knownAt returns how many tokens starting at i spell a known value.
func (o *options) knownAt(runes []rune, tokens []lexicon.Token, i int) int {
	for n := min(o.maxLen, len(tokens)-i); n > 0; n-- {
		words := make([]string, n)
		ok := true
		for j := 0; j < n; j++ {
			if j > 0 && !adjacent(runes, tokens[i+j-1], tokens[i+j]) {
				ok = false
				break
			}
			words[j] = tokens[i+j].Lower()
		}
		if !ok {
			continue
		}
		if _, hit := o.known[strings.Join(words, " ")]; hit {
			return n
		}
	}
	return 0
}

// Extract classifies intent and extracts entities. Empty or cue-less text
// yields IntentUnknown.
func Extract(text string, opts ...Option) (model.Intent, []model.Entity) {
	o := &options{known: map[string]struct{}{}}
	for _, opt := range opts {
		opt(o)
	}
	runes := []rune(text)
	quoted, inQuote := quotedSpans(runes)
	tokens := lexicon.Tokenize(text)

	var entities []model.Entity
	for _, q := range quoted {
		value := strings.TrimSpace(string(runes[q.Start:q.End]))
		if value != "" {
			entities = append(entities, model.Entity{Text: value, SemanticRole: model.RoleLiteral, Span: q})
		}
	}

	var run []lexicon.Token
	flushRun := func() {
		if len(run) == 0 {
			return
		}
		span := model.Span{Start: run[0].Start, End: run[len(run)-1].End}
		entities = append(entities, model.Entity{
			Text:         string(runes[span.Start:span.End]),
			SemanticRole: model.RoleNoun,
			Span:         span,
		})
		run = nil
	}

	var proper []lexicon.Token
	flushProper := func() {
		if len(proper) == 0 {
			return
		}
		span := model.Span{Start: proper[0].Start, End: proper[len(proper)-1].End}
		entities = append(entities, model.Entity{
			Text:         string(runes[span.Start:span.End]),
			SemanticRole: model.RoleProperNoun,
			Span:         span,
		})
		proper = nil
	}

	skip := 0
	for i, tok := range tokens {
		if skip > 0 {
			skip--
			continue
		}
		if inQuote(tok.Start) {
			flushRun()
			flushProper()
			continue
		}
		lower := tok.Lower()

		switch {
		case lexicon.IsNumber(tok.Text):
			flushRun()
			flushProper()
			role := model.RoleLiteral
			if i > 0 && has(quantifierWords, tokens[i-1].Lower()) {
				role = model.RoleQuantifier
			}
			entities = append(entities, model.Entity{Text: tok.Text, SemanticRole: role, Span: model.Span{Start: tok.Start, End: tok.End}})

		case isProper(tok, runes):
			flushRun()
			// adjacent capitalised words form one name
			if len(proper) > 0 && !adjacent(runes, proper[len(proper)-1], tok) {
				flushProper()
			}
			proper = append(proper, tok)

		case lexicon.IsStopword(lower) || has(cueWords, lower) || has(filterWords, lower) || has(verbWords, lower):
			flushRun()
			flushProper()

		case o.knownAt(runes, tokens, i) > 0:
			flushRun()
			flushProper()
			n := o.knownAt(runes, tokens, i)
			span := model.Span{Start: tok.Start, End: tokens[i+n-1].End}
			entities = append(entities, model.Entity{
				Text:         string(runes[span.Start:span.End]),
				SemanticRole: model.RoleNoun,
				Span:         span,
			})
			skip = n - 1

		default:
			flushProper()
			if len(run) > 0 && !adjacent(runes, run[len(run)-1], tok) {
				flushRun()
			}
			run = append(run, tok)
		}
	}
	flushRun()
	flushProper()

	sortBySpan(entities)
	return classify(text, tokens, entities), entities
}

// isProper treats a capitalised word as a name unless it opens a sentence,
// where only all-caps or inner-caps words count.
func isProper(tok lexicon.Token, runes []rune) bool {
	if !lexicon.IsCapitalized(tok.Text) || lexicon.IsStopword(tok.Text) || has(cueWords, tok.Lower()) {
		return false
	}
	if !sentenceStart(runes, tok.Start) {
		return true
	}
	inner := []rune(tok.Text)[1:]
	for _, r := range inner {
		if r >= 'A' && r <= 'Z' {
			return true
		}
	}
	return false
}

func sentenceStart(runes []rune, start int) bool {
	for i := start - 1; i >= 0; i-- {
		switch r := runes[i]; {
		case r == ' ' || r == '"' || r == '\'' || r == '(':
			continue
		case r == '.' || r == '?' || r == '!' || r == ':':
			return true
		default:
			return false
		}
	}
	return true
}

// adjacent reports whether only whitespace separates a and b.
func adjacent(runes []rune, a, b lexicon.Token) bool {
	for i := a.End; i < b.Start; i++ {
		if runes[i] != ' ' {
			return false
		}
	}
	return true
}

// quotedSpans finds "..." and “...” spans. Single quotes are left alone so
// possessives survive.
func quotedSpans(runes []rune) ([]model.Span, func(int) bool) {
	var spans []model.Span
	open := -1
	var closer rune
	for i, r := range runes {
		switch {
		case open < 0 && (r == '"' || r == '“'):
			open = i + 1
			closer = '"'
			if r == '“' {
				closer = '”'
			}
		case open >= 0 && r == closer:
			if i > open {
				spans = append(spans, model.Span{Start: open, End: i})
			}
			open = -1
		}
	}
	inside := func(pos int) bool {
		for _, s := range spans {
			if pos >= s.Start && pos < s.End {
				return true
			}
		}
		return false
	}
	return spans, inside
}

func sortBySpan(es []model.Entity) {
	for i := 1; i < len(es); i++ {
		for j := i; j > 0 && es[j].Span.Start < es[j-1].Span.Start; j-- {
			es[j], es[j-1] = es[j-1], es[j]
		}
	}
}

// classify applies METADATA > COUNT > FILTERED > LIST.
func classify(text string, tokens []lexicon.Token, entities []model.Entity) model.Intent {
	lower := " " + strings.ToLower(strings.Join(tokenTexts(tokens), " ")) + " "

	hasWord := func(m map[string]struct{}) bool {
		for _, t := range tokens {
			if has(m, t.Lower()) {
				return true
			}
		}
		return false
	}
	hasPhrase := func(ps []string) bool {
		for _, p := range ps {
			if strings.Contains(lower, " "+p+" ") {
				return true
			}
		}
		return false
	}

	if strings.TrimSpace(text) == "" {
		return model.IntentUnknown
	}
	if hasWord(metadataWords) || hasPhrase(metadataPhrases) {
		return model.IntentMetadata
	}
	if len(entities) == 0 {
		return model.IntentUnknown
	}
	if hasPhrase(countPhrases) || hasWord(countWords) {
		return model.IntentCount
	}
	specific := false
	for _, e := range entities {
		if e.SemanticRole == model.RoleProperNoun || e.SemanticRole == model.RoleLiteral {
			specific = true
		}
	}
	if specific && hasWord(filterWords) {
		return model.IntentFiltered
	}
	if hasWord(listWords) || hasWord(quantifierWords) || specific {
		return model.IntentList
	}
	return model.IntentUnknown
}

func tokenTexts(tokens []lexicon.Token) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.Text
	}
	return out
}
