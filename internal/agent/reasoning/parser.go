package reasoning

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	errx "github.com/catalog-insight/server/internal/core/error"
	logx "github.com/catalog-insight/server/pkg/logger"
)

const (
	recDelim = "##"
	tupDelim = "<||>"
	endDelim = "<|COMPLETE|>"
)

// basic safety limits to avoid pathological inputs
const (
	maxContentLen   = 32 * 1024
	maxRecords      = 20
	maxTupleLen     = 4 * 1024
	maxRationaleLen = 1024
	maxErrSnippet   = 200
)

func parseRawTuple(s string) ([]string, error) {
	if s == "" {
		return nil, fmt.Errorf("empty tuple")
	}
	if len(s) > maxTupleLen {
		return nil, fmt.Errorf("tuple too large")
	}

	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return nil, fmt.Errorf("invalid tuple parens")
	}
	inner := s[1 : len(s)-1]
	// at most 5 segments so the rationale may contain delimiters
	parts := strings.SplitN(inner, tupDelim, 5)
	if len(parts) < 3 {
		return nil, fmt.Errorf("invalid tuple parts")
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
		if !utf8.ValidString(parts[i]) {
			return nil, fmt.Errorf("part %d invalid utf8", i)
		}
	}
	return parts, nil
}

func parseFloatInRange(s, name string, min, max float64) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse: %w", name, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%s invalid number", name)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%s out of range", name)
	}
	return v, nil
}

// ParseJudgment reads the first well-formed
// (judgment<||>category<||>confidence<||>mapping<||>rationale) record.
func ParseJudgment(content string) (j Judgment, err error) {
	defer func() {
		if r := recover(); r != nil {
			logx.Error().Str("component", "judgment_parser").Msgf("panic recovered: %v", r)
			j = Judgment{}
			err = errx.New(fmt.Errorf("judgment parser panic"), http.StatusInternalServerError, errx.SystemErrorMessage)
		}
	}()

	if len(content) > maxContentLen {
		logx.Warn().
			Str("component", "judgment_parser").
			Int("max_len", maxContentLen).
			Int("orig_len", len(content)).
			Msg("content truncated due to size limit")
		content = content[:maxContentLen]
	}
	if idx := strings.Index(content, endDelim); idx >= 0 {
		content = content[:idx]
	}

	var problems []string
	for i, rec := range strings.Split(content, recDelim) {
		if i >= maxRecords {
			break
		}
		rec = strings.TrimSpace(rec)
		if rec == "" {
			continue
		}
		parts, perr := parseRawTuple(rec)
		if perr != nil {
			problems = append(problems, fmt.Sprintf("bad_record %q: %v", safeSnippet(rec), perr))
			continue
		}
		conf, cerr := parseFloatInRange(parts[2], "confidence", 0, 1)
		if cerr != nil {
			problems = append(problems, cerr.Error())
			continue
		}
		out := Judgment{
			Judgment:   strings.ToLower(parts[0]),
			Category:   strings.ToLower(parts[1]),
			Confidence: conf,
		}
		if len(parts) >= 4 {
			out.Mapping = parts[3]
		}
		if len(parts) >= 5 {
			out.Rationale = truncate(parts[4], maxRationaleLen)
		}
		if out.Judgment == "" {
			problems = append(problems, "empty judgment")
			continue
		}
		return out, nil
	}
	if len(problems) == 0 {
		return Judgment{}, fmt.Errorf("judgment parser: no record found")
	}
	return Judgment{}, fmt.Errorf("judgment parser: %s", strings.Join(problems, "; "))
}

func safeSnippet(s string) string {
	return truncate(strings.TrimSpace(s), maxErrSnippet)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// keep valid utf8 at the cut
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
