// Package lexicon holds the tokenisation and fuzzy matching shared by the
// extractor, selector, resolver and gate.
package lexicon

import (
	"strings"
	"unicode"
)

// Token is a word with its rune offsets in the source text.
type Token struct {
	Text  string
	Start int
	End   int
}

// Lower returns the lower-cased token text.
func (t Token) Lower() string { return strings.ToLower(t.Text) }

// Tokenize splits text into words. Apostrophes and hyphens inside a word
// are kept; offsets are rune offsets.
func Tokenize(text string) []Token {
	runes := []rune(text)
	var out []Token
	start := -1
	flush := func(end int) {
		if start >= 0 {
			out = append(out, Token{Text: string(runes[start:end]), Start: start, End: end})
			start = -1
		}
	}
	for i, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if start < 0 {
				start = i
			}
		case (r == '\'' || r == '-' || r == '.') && start >= 0 && i+1 < len(runes) && isWordRune(runes[i+1]):
			// inner punctuation: o'neil, e-commerce, 3.5
		default:
			flush(i)
		}
	}
	flush(len(runes))
	return out
}

func isWordRune(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a an the and or but of to in on at by for with from into about as is are was were be been being
		do does did have has had we you they i me my our your their it its this that these those there here
		what which who whom whose when where why how all any each every some no not please show list give tell get find
		many much count number total me us can could would should will shall may might must just also than then
		display return fetch see want need know let lets let's`) {
		stopwords[w] = struct{}{}
	}
}

// IsStopword reports whether w is a function word carrying no entity meaning.
func IsStopword(w string) bool {
	_, ok := stopwords[strings.ToLower(w)]
	return ok
}

// Stem reduces w to a crude common root so that inflections of one word
// compare equal: advertising, advertisers and advertisements share a stem.
func Stem(w string) string {
	w = strings.ToLower(w)
	if len(w) <= 3 {
		return w
	}
	switch {
	case strings.HasSuffix(w, "ies") && len(w) > 4:
		w = w[:len(w)-3] + "y"
	case strings.HasSuffix(w, "sses"):
		w = w[:len(w)-2]
	case strings.HasSuffix(w, "xes") || strings.HasSuffix(w, "ches") || strings.HasSuffix(w, "shes"):
		w = w[:len(w)-2]
	case strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") && !strings.HasSuffix(w, "us"):
		w = w[:len(w)-1]
	}
	for _, suf := range []string{"ments", "ment", "ings", "ing", "ers", "er", "ed"} {
		if strings.HasSuffix(w, suf) && len(w)-len(suf) >= 4 {
			w = w[:len(w)-len(suf)]
			break
		}
	}
	// advertis(e) vs advertis: drop a trailing silent e
	if strings.HasSuffix(w, "e") && len(w) > 4 {
		w = w[:len(w)-1]
	}
	return w
}

// WordSimilarity scores two single words in [0, 1]. Equal stems score 1;
// a shared prefix of at least four runes scores its share of the shorter stem.
func WordSimilarity(a, b string) float64 {
	sa, sb := Stem(a), Stem(b)
	if sa == "" || sb == "" {
		return 0
	}
	if sa == sb {
		return 1
	}
	ra, rb := []rune(sa), []rune(sb)
	n := 0
	for n < len(ra) && n < len(rb) && ra[n] == rb[n] {
		n++
	}
	if n < 4 {
		return 0
	}
	shorter := len(ra)
	if len(rb) < shorter {
		shorter = len(rb)
	}
	return float64(n) / float64(shorter) * 0.9
}

// ContentWords returns the lower-cased non-stopword words of text.
func ContentWords(text string) []string {
	var out []string
	for _, t := range Tokenize(text) {
		if !IsStopword(t.Text) {
			out = append(out, t.Lower())
		}
	}
	return out
}

// PhraseSimilarity scores how well phrase a is covered by phrase b: the mean
// over a's content words of the best word similarity in b.
func PhraseSimilarity(a, b string) float64 {
	wa, wb := ContentWords(a), ContentWords(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	var sum float64
	for _, x := range wa {
		best := 0.0
		for _, y := range wb {
			if s := WordSimilarity(x, y); s > best {
				best = s
			}
		}
		sum += best
	}
	return sum / float64(len(wa))
}

// BestSimilarity returns the highest PhraseSimilarity of a against any term.
func BestSimilarity(a string, terms []string) float64 {
	best := 0.0
	for _, t := range terms {
		if s := PhraseSimilarity(a, t); s > best {
			best = s
		}
	}
	return best
}

// IsNumber reports whether w is a plain integer or decimal literal.
func IsNumber(w string) bool {
	if w == "" {
		return false
	}
	dot := false
	for i, r := range w {
		switch {
		case r >= '0' && r <= '9':
		case r == '.' && !dot && i > 0:
			dot = true
		default:
			return false
		}
	}
	return true
}

// IsCapitalized reports whether w starts with an upper-case letter.
func IsCapitalized(w string) bool {
	for _, r := range w {
		return unicode.IsUpper(r)
	}
	return false
}
