package security

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Obfuscation flags raised by Sanitize.
const (
	FlagPercentEncoding = "percent_encoding"
	FlagEscapeSequences = "escape_sequences"
	FlagZeroWidth       = "zero_width"
	FlagControlChars    = "control_chars"
	FlagHTMLEntities    = "html_entities"
	FlagEncodedRun      = "encoded_run"
	FlagSymbolDensity   = "symbol_density"
	FlagCompatForms     = "compat_forms"
)

var (
	percentRe = regexp.MustCompile(`%[0-9A-Fa-f]{2}`)
	escapeRe  = regexp.MustCompile(`\\(x[0-9A-Fa-f]{2}|u[0-9A-Fa-f]{4}|U[0-9A-Fa-f]{8}|[0-7]{3}|[nrt0])`)
	entityRe  = regexp.MustCompile(`&(#[0-9]{2,6}|#x[0-9A-Fa-f]{2,6}|[A-Za-z]{2,8});`)
	encodedRe = regexp.MustCompile(`[A-Za-z0-9+/]{32,}={0,2}`)
	spaceRe   = regexp.MustCompile(`\s+`)
)

// Sanitized is the Layer 1 output.
type Sanitized struct {
	Text  string
	Flags []string
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff', '\u00ad', '\u180e':
		return true
	}
	return false
}

// Sanitize normalises raw to NFKC, strips control and zero-width runes,
// collapses whitespace and flags obfuscation. It is pure and deterministic.
func Sanitize(raw string) Sanitized {
	var flags []string
	add := func(f string) {
		for _, x := range flags {
			if x == f {
				return
			}
		}
		flags = append(flags, f)
	}

	normalized := norm.NFKC.String(raw)
	if normalized != norm.NFC.String(raw) {
		add(FlagCompatForms)
	}

	var b strings.Builder
	b.Grow(len(normalized))
	for _, r := range normalized {
		switch {
		case isZeroWidth(r):
			add(FlagZeroWidth)
		case r == '\n' || r == '\t' || r == '\r':
			b.WriteRune(' ')
		case unicode.IsControl(r) || unicode.Is(unicode.Cf, r):
			add(FlagControlChars)
		case r == unicode.ReplacementChar:
			add(FlagControlChars)
		default:
			b.WriteRune(r)
		}
	}
	text := strings.TrimSpace(spaceRe.ReplaceAllString(b.String(), " "))

	if len(percentRe.FindAllStringIndex(text, 3)) >= 2 {
		add(FlagPercentEncoding)
	}
	if escapeRe.MatchString(text) {
		add(FlagEscapeSequences)
	}
	if entityRe.MatchString(text) {
		add(FlagHTMLEntities)
	}
	if encodedRe.MatchString(text) {
		add(FlagEncodedRun)
	}
	if symbolDensity(text) > 0.3 {
		add(FlagSymbolDensity)
	}

	return Sanitized{Text: text, Flags: flags}
}

func symbolDensity(s string) float64 {
	total, symbols := 0, 0
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !strings.ContainsRune(`?.,'"-!`, r) {
			symbols++
		}
	}
	if total < 10 {
		return 0
	}
	return float64(symbols) / float64(total)
}
