package model

import (
	"fmt"
	"sync"
	"time"

	errx "github.com/catalog-insight/server/internal/core/error"
)

// QueryDescriptor is the abstract, backend-neutral query handed to execution.
type QueryDescriptor struct {
	ModelID      string      `json:"model_id"`
	Fields       []string    `json:"fields"`
	Predicates   []Predicate `json:"predicates,omitempty"`
	Mode         Mode        `json:"mode"`
	Distinct     bool        `json:"distinct,omitempty"`
	Aggregate    Aggregate   `json:"aggregate,omitempty"`
	Limit        int         `json:"limit"`
	Metadata     bool        `json:"metadata,omitempty"`
	DisplayHints []string    `json:"display_hints,omitempty"`
}

// Validate checks the structural rules every descriptor must satisfy before
// it may reach an adapter.
func (q QueryDescriptor) Validate() error {
	if q.ModelID == "" {
		return fmt.Errorf("descriptor: model id is empty")
	}
	if q.Limit <= 0 {
		return fmt.Errorf("descriptor: limit must be positive, got %d", q.Limit)
	}
	switch q.Mode {
	case ModeEnumerate:
		if len(q.Predicates) > 0 {
			return fmt.Errorf("descriptor: enumerate mode carries %d predicates", len(q.Predicates))
		}
	case ModeFilter:
		if len(q.Predicates) == 0 {
			return fmt.Errorf("descriptor: filter mode without predicates")
		}
	case ModeAggregate:
		if q.Aggregate == AggregateNone {
			return fmt.Errorf("descriptor: aggregate mode without an aggregate")
		}
	default:
		return fmt.Errorf("descriptor: unknown mode %q", q.Mode)
	}
	for _, p := range q.Predicates {
		if p.FieldID == "" {
			return fmt.Errorf("descriptor: predicate without field")
		}
		if p.Value == "" {
			return fmt.Errorf("descriptor: predicate on %s without value", p.FieldID)
		}
	}
	if q.Metadata && q.Aggregate != AggregateNone {
		return fmt.Errorf("descriptor: metadata query cannot aggregate")
	}
	return nil
}

// Outcome is what the runner hands back to the caller.
type Outcome struct {
	QueryID string
	Answer  string
	Kind    errx.Kind // empty on success
	State   *PipelineState
}

// PipelineState stores per-invocation state for the Eino Graph.
// Concurrency model:
//   - Registered as Graph Local State via compose.WithGenLocalState.
//   - Stage outputs are written once, from the stage's state post-handler.
//   - The runner reads it after Invoke returns, including after an error or a
//     cancellation, so access goes through the mutex.
type PipelineState struct {
	mu sync.Mutex

	QueryID    string
	Identity   Identity
	Started    time.Time
	RawQuery   string
	PriorTurns []string

	credentials Credentials
	failure     error

	verdict    *SecurityVerdict
	intent     Intent
	entities   []Entity
	extracted  bool
	selected   *ModelCandidate
	alternates []ModelCandidate
	lowConf    bool
	mappings   []FieldMapping
	resolved   bool
	descriptor *QueryDescriptor
	result     *QueryResult
	response   string
	responded  bool

	trail    []AuditEvent
	terminal bool

	// Accumulated total reasoning cost (USD) across model invocations for this query
	TotalCostUSD float64
}

func NewPipelineState(queryID string, id Identity, started time.Time) *PipelineState {
	return &PipelineState{QueryID: queryID, Identity: id, Started: started}
}

// NewPipelineStateFor seeds a state from a query input. Credentials stay
// in memory for the execution stage only.
func NewPipelineStateFor(in QueryInput, started time.Time) *PipelineState {
	s := NewPipelineState(in.QueryID, in.Identity, started)
	s.RawQuery = in.Query
	s.PriorTurns = append([]string(nil), in.PriorTurns...)
	s.credentials = in.Credentials
	return s
}

func (s *PipelineState) Credentials() Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credentials
}

// SetFailure records the error that ended the run. Only the first one sticks.
func (s *PipelineState) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		s.failure = err
	}
}

func (s *PipelineState) Failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func alreadySet(what string) error {
	return errx.Internal(fmt.Errorf("pipeline state: %s already set", what))
}

func (s *PipelineState) SetVerdict(v SecurityVerdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.verdict != nil {
		return alreadySet("security verdict")
	}
	s.verdict = &v
	return nil
}

func (s *PipelineState) Verdict() (SecurityVerdict, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.verdict == nil {
		return SecurityVerdict{Status: VerdictPending}, false
	}
	return *s.verdict, true
}

func (s *PipelineState) SetExtraction(intent Intent, entities []Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.extracted {
		return alreadySet("extraction")
	}
	if s.verdict == nil || s.verdict.Status != VerdictApproved {
		return errx.Internal(fmt.Errorf("pipeline state: entities before an approved verdict"))
	}
	s.intent, s.entities, s.extracted = intent, entities, true
	return nil
}

func (s *PipelineState) Extraction() (Intent, []Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intent, s.entities
}

// SetSelection records the chosen model, the alternates offered to the user
// and whether the choice fell below the confidence floor.
func (s *PipelineState) SetSelection(c ModelCandidate, alternates []ModelCandidate, low bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected != nil {
		return alreadySet("selected model")
	}
	s.selected, s.alternates, s.lowConf = &c, alternates, low
	return nil
}

func (s *PipelineState) Alternates() ([]ModelCandidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alternates, s.lowConf
}

func (s *PipelineState) SelectedModel() (ModelCandidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return ModelCandidate{}, false
	}
	return *s.selected, true
}

func (s *PipelineState) SetMappings(m []FieldMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved {
		return alreadySet("field mappings")
	}
	for _, fm := range m {
		if !s.hasEntity(fm.EntityText) {
			return errx.Internal(fmt.Errorf("pipeline state: mapping for unknown entity %q", fm.EntityText))
		}
	}
	s.mappings, s.resolved = m, true
	return nil
}

func (s *PipelineState) hasEntity(text string) bool {
	for _, e := range s.entities {
		if e.Text == text {
			return true
		}
	}
	return false
}

func (s *PipelineState) Mappings() []FieldMapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mappings
}

func (s *PipelineState) SetDescriptor(q QueryDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.descriptor != nil {
		return alreadySet("query descriptor")
	}
	s.descriptor = &q
	return nil
}

func (s *PipelineState) Descriptor() (QueryDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.descriptor == nil {
		return QueryDescriptor{}, false
	}
	return *s.descriptor, true
}

func (s *PipelineState) SetResult(r QueryResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result != nil {
		return alreadySet("query result")
	}
	s.result = &r
	return nil
}

func (s *PipelineState) Result() (QueryResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return QueryResult{}, false
	}
	return *s.result, true
}

func (s *PipelineState) SetResponse(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.responded {
		return alreadySet("response")
	}
	s.response, s.responded = text, true
	return nil
}

func (s *PipelineState) Response() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.response
}

func (s *PipelineState) AddCost(usd float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalCostUSD += usd
}

// AppendAudit stamps ev with the query id and the next sequence number and
// appends it. Nothing may be appended after a terminal event.
func (s *PipelineState) AppendAudit(ev AuditEvent) (AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return AuditEvent{}, errx.Internal(fmt.Errorf("audit: %s after terminal event", ev.Stage))
	}
	ev.QueryID = s.QueryID
	ev.Seq = len(s.trail) + 1
	s.trail = append(s.trail, ev)
	if IsTerminalStage(ev.Stage) {
		s.terminal = true
	}
	return ev, nil
}

// Terminated reports whether a terminal audit event has been recorded.
func (s *PipelineState) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// AuditTrail returns a copy of the trail.
func (s *PipelineState) AuditTrail() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEvent, len(s.trail))
	copy(out, s.trail)
	return out
}
