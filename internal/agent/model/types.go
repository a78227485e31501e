package model

import "time"

// Intent is the closed set of question shapes the extractor recognises.
type Intent string

const (
	IntentCount    Intent = "COUNT"
	IntentList     Intent = "LIST"
	IntentFiltered Intent = "FILTERED"
	IntentMetadata Intent = "METADATA"
	IntentUnknown  Intent = "UNKNOWN"
)

type VerdictStatus string

const (
	VerdictPending  VerdictStatus = "PENDING"
	VerdictApproved VerdictStatus = "APPROVED"
	VerdictBlocked  VerdictStatus = "BLOCKED"
)

// SemanticRole is the lexical role an entity was extracted with.
type SemanticRole string

const (
	RoleNoun       SemanticRole = "NOUN"
	RoleProperNoun SemanticRole = "PROPER_NOUN"
	RoleLiteral    SemanticRole = "LITERAL"
	RoleQuantifier SemanticRole = "QUANTIFIER"
)

// EntityClass is the resolver's "think" outcome.
type EntityClass string

const (
	ClassGeneric  EntityClass = "GENERIC_IDENTIFIER"
	ClassSpecific EntityClass = "SPECIFIC_VALUE"
)

// FieldRole is what a mapped entity does in the query.
type FieldRole string

const (
	FieldRoleFilter      FieldRole = "FILTER_VALUE"
	FieldRoleEnumeration FieldRole = "ENUMERATION_TARGET"
)

type Mode string

const (
	ModeEnumerate Mode = "ENUMERATE"
	ModeFilter    Mode = "FILTER"
	ModeAggregate Mode = "AGGREGATE"
)

type Aggregate string

const (
	AggregateNone  Aggregate = ""
	AggregateCount Aggregate = "COUNT"
)

type Band string

const (
	BandHigh   Band = "high"
	BandMedium Band = "medium"
	BandLow    Band = "low"
)

// Identity is supplied pre-validated by the caller and never mutated.
type Identity struct {
	Subject     string   `json:"subject"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

// HasAnyPermission reports whether the identity holds at least one of perms.
func (i Identity) HasAnyPermission(perms []string) bool {
	for _, have := range i.Permissions {
		for _, want := range perms {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Credentials are forwarded to the execution adapter untouched.
type Credentials struct {
	Token string
}

// String never prints the token.
func (c Credentials) String() string {
	if c.Token == "" {
		return "credentials(none)"
	}
	return "credentials(redacted)"
}

// QueryInput represents the input for processing user queries.
type QueryInput struct {
	QueryID     string      `json:"query_id"`
	Query       string      `json:"query"`
	Identity    Identity    `json:"identity"`
	Credentials Credentials `json:"-"`
	PriorTurns  []string    `json:"prior_turns,omitempty"`
}

// Span is a rune offset range [Start, End) into the sanitised query.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type Entity struct {
	Text         string       `json:"text"`
	SemanticRole SemanticRole `json:"semantic_role"`
	Span         Span         `json:"source_span"`
}

// LayerDecision is one security layer's entry in the layer trace.
type LayerDecision struct {
	Layer      int           `json:"layer"`
	Name       string        `json:"name"`
	Decision   VerdictStatus `json:"decision"`
	Category   string        `json:"category,omitempty"`
	Confidence float64       `json:"confidence"`
	Reason     string        `json:"reason,omitempty"`
	Duration   time.Duration `json:"duration"`
}

type SecurityVerdict struct {
	Status         VerdictStatus   `json:"status"`
	BlockedReason  string          `json:"blocked_reason,omitempty"`
	BlockedLayer   int             `json:"blocked_layer,omitempty"`
	Category       string          `json:"category,omitempty"`
	LayerTrace     []LayerDecision `json:"layer_trace"`
	SanitizedQuery string          `json:"-"`
	Flags          []string        `json:"flags,omitempty"`
}

// Blocked reports whether any layer denied the query.
func (v SecurityVerdict) Blocked() bool {
	return v.Status != VerdictApproved
}

type ModelCandidate struct {
	ModelID    string  `json:"model_id"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

type FieldMapping struct {
	EntityText string      `json:"entity_text"`
	FieldID    string      `json:"field_id,omitempty"` // empty means no field could be resolved
	Confidence float64     `json:"confidence"`
	Role       FieldRole   `json:"role"`
	Class      EntityClass `json:"class"`
	Band       Band        `json:"band"`
	Uncertain  bool        `json:"uncertain"`
	Rationale  string      `json:"rationale"`
	Alternates []string    `json:"alternates,omitempty"`
	Source     string      `json:"source"`
}

// Resolved reports whether the mapping points at a concrete field.
func (m FieldMapping) Resolved() bool {
	return m.FieldID != ""
}

type Predicate struct {
	FieldID string `json:"field_id"`
	Op      string `json:"op"`
	Value   string `json:"value"`
}

type QueryResult struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	Count     int              `json:"count"`
	Truncated bool             `json:"truncated"`
	Attempts  int              `json:"attempts"`
}

// RawResult is what an execution adapter hands back before post-processing.
type RawResult struct {
	Rows      []map[string]any
	Truncated bool
}

// AuditEvent is one append-only record of a stage transition.
type AuditEvent struct {
	QueryID   string            `json:"query_id"`
	Seq       int               `json:"seq"`
	Stage     string            `json:"stage"`
	Timestamp time.Time         `json:"timestamp"`
	Summary   string            `json:"summary"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Audit stages. The upper-case ones are terminal.
const (
	StageSecurityGate = "security_gate"
	StageExtract      = "entity_extractor"
	StageSelect       = "model_selector"
	StageResolve      = "field_resolver"
	StageCompose      = "query_composer"
	StageExecute      = "executor"

	StageBlocked   = "BLOCKED"
	StageError     = "ERROR"
	StageResult    = "RESULT"
	StageCancelled = "CANCELLED"
)

// IsTerminalStage reports whether stage closes a pipeline run.
func IsTerminalStage(stage string) bool {
	switch stage {
	case StageBlocked, StageError, StageResult, StageCancelled:
		return true
	}
	return false
}
