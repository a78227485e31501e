// Package policy holds the immutable security and resolution policy loaded
// once at start and passed explicitly to the stages that need it.
package policy

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

type Trust string

const (
	TrustHigh   Trust = "high"
	TrustMedium Trust = "medium"
	TrustLow    Trust = "low"
)

type Style string

const (
	StyleStrategic  Style = "strategic"
	StyleAnalytical Style = "analytical"
	StyleNoAccess   Style = "no_access"
)

type Role struct {
	Trust     Trust   `yaml:"trust"`
	Threshold float64 `yaml:"threshold"`
	Style     Style   `yaml:"style"`
}

type ThreatPatterns struct {
	Weight   float64  `yaml:"weight"`
	Patterns []string `yaml:"patterns"`
}

// Policy is the decoded policy document. Treat it as read-only after Load.
type Policy struct {
	Roles                 map[string]Role           `yaml:"roles"`
	DataAccessPermissions []string                  `yaml:"data_access_permissions"`
	MaxQueryLength        int                       `yaml:"max_query_length"`
	MaxObfuscationFlags   int                       `yaml:"max_obfuscation_flags"`
	ApprovalMinConfidence float64                   `yaml:"approval_min_confidence"`
	ThreatTaxonomy        []string                  `yaml:"threat_taxonomy"`
	ThreatPatterns        map[string]ThreatPatterns `yaml:"threat_patterns"`
	ForbiddenRequests     []string                  `yaml:"forbidden_requests"`
	DomainVocabulary      []string                  `yaml:"domain_vocabulary"`
	GenericIdentifiers    []string                  `yaml:"generic_identifiers"`
	CategoryHints         map[string][]string       `yaml:"category_hints"`

	compiled map[string][]*regexp.Regexp
	generic  map[string]struct{}
}

// Default returns the embedded policy.
func Default() (*Policy, error) {
	return Parse(defaultYAML)
}

// Load reads the policy from path, or the embedded default when path is empty.
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a policy document.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("policy: decode: %w", err)
	}
	if err := p.init(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) init() error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.compiled = make(map[string][]*regexp.Regexp, len(p.ThreatPatterns))
	for cat, tp := range p.ThreatPatterns {
		for _, raw := range tp.Patterns {
			re, err := regexp.Compile("(?i)" + raw)
			if err != nil {
				return fmt.Errorf("policy: threat pattern %q: %w", raw, err)
			}
			p.compiled[cat] = append(p.compiled[cat], re)
		}
	}
	p.generic = make(map[string]struct{}, len(p.GenericIdentifiers))
	for _, g := range p.GenericIdentifiers {
		p.generic[strings.ToLower(g)] = struct{}{}
	}
	return nil
}

// Validate checks the structural rules. No role may have a zero threshold.
func (p *Policy) Validate() error {
	if len(p.Roles) == 0 {
		return fmt.Errorf("policy: no roles defined")
	}
	for name, r := range p.Roles {
		if math.IsNaN(r.Threshold) || r.Threshold <= 0 || r.Threshold > 1 {
			return fmt.Errorf("policy: role %q threshold %v must be in (0, 1]", name, r.Threshold)
		}
		switch r.Style {
		case StyleStrategic, StyleAnalytical, StyleNoAccess:
		default:
			return fmt.Errorf("policy: role %q has unknown style %q", name, r.Style)
		}
	}
	if len(p.DataAccessPermissions) == 0 {
		return fmt.Errorf("policy: no data access permissions defined")
	}
	if p.MaxQueryLength <= 0 {
		return fmt.Errorf("policy: max_query_length must be positive")
	}
	if p.MaxObfuscationFlags <= 0 {
		return fmt.Errorf("policy: max_obfuscation_flags must be positive")
	}
	if p.ApprovalMinConfidence <= 0 || p.ApprovalMinConfidence > 1 {
		return fmt.Errorf("policy: approval_min_confidence must be in (0, 1]")
	}
	if len(p.ThreatTaxonomy) == 0 {
		return fmt.Errorf("policy: empty threat taxonomy")
	}
	for cat, tp := range p.ThreatPatterns {
		if !p.InTaxonomy(cat) {
			return fmt.Errorf("policy: threat pattern category %q not in taxonomy", cat)
		}
		if tp.Weight <= 0 || tp.Weight > 1 {
			return fmt.Errorf("policy: threat category %q weight must be in (0, 1]", cat)
		}
	}
	return nil
}

// Threshold returns the blocking threshold for role. Unknown roles get the
// strictest configured threshold.
func (p *Policy) Threshold(role string) float64 {
	if r, ok := p.Roles[role]; ok {
		return r.Threshold
	}
	min := 1.0
	for _, r := range p.Roles {
		if r.Threshold < min {
			min = r.Threshold
		}
	}
	return min
}

// StyleFor returns the response style for role. Unknown roles get no_access.
func (p *Policy) StyleFor(role string) Style {
	if r, ok := p.Roles[role]; ok {
		return r.Style
	}
	return StyleNoAccess
}

// InTaxonomy reports whether category is one of the fixed threat categories.
func (p *Policy) InTaxonomy(category string) bool {
	for _, c := range p.ThreatTaxonomy {
		if c == category {
			return true
		}
	}
	return false
}

// ThreatMatch is a lexical hit of a threat pattern.
type ThreatMatch struct {
	Category   string
	Confidence float64
	Pattern    string
}

// MatchThreats runs the lexical threat patterns over text. Matches are
// ordered by confidence, then category name.
func (p *Policy) MatchThreats(text string) []ThreatMatch {
	var out []ThreatMatch
	for cat, res := range p.compiled {
		for _, re := range res {
			if re.MatchString(text) {
				out = append(out, ThreatMatch{Category: cat, Confidence: p.ThreatPatterns[cat].Weight, Pattern: re.String()})
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Category < out[j].Category
	})
	return out
}

// ForbiddenMatch returns the first forbidden request phrase found in text.
func (p *Policy) ForbiddenMatch(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, f := range p.ForbiddenRequests {
		if containsPhrase(lower, strings.ToLower(f)) {
			return f, true
		}
	}
	return "", false
}

// IsGenericIdentifier reports whether word is a configured category noun.
func (p *Policy) IsGenericIdentifier(word string) bool {
	_, ok := p.generic[strings.ToLower(word)]
	return ok
}

// HintsFor returns field-name hints for a category noun.
func (p *Policy) HintsFor(word string) []string {
	return p.CategoryHints[strings.ToLower(word)]
}

// containsPhrase matches phrase on word boundaries. Phrases containing a
// path separator match as plain substrings.
func containsPhrase(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	if strings.ContainsAny(phrase, "/\\") {
		return strings.Contains(text, phrase)
	}
	from := 0
	for {
		idx := strings.Index(text[from:], phrase)
		if idx < 0 {
			return false
		}
		start := from + idx
		end := start + len(phrase)
		if boundary(text, start-1) && boundary(text, end) {
			return true
		}
		from = start + 1
	}
}

func boundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := s[i]
	return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_')
}
