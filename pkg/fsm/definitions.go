// Package fsm implements the per-entity finite-state-machine reducer.
//
// Three FSM kinds with disjoint state alphabets advance in parallel:
// ingestion, pattern-learning, and quality-assessment. The reducer is the
// only component permitted to change an FSM row's current_state, and every
// mutation happens under a lease, a time-bounded token granting exclusive
// rights on one (fsm_kind, entity_id) instance.
package fsm

// Kind identifies one of the three FSMs.
type Kind string

// FSM kinds.
const (
	KindIngestion         Kind = "INGESTION"
	KindPatternLearning   Kind = "PATTERN_LEARNING"
	KindQualityAssessment Kind = "QUALITY_ASSESSMENT"
)

// State is an FSM state. Alphabets are disjoint across kinds.
type State string

// Ingestion states: RECEIVED → PROCESSING → {INDEXED, FAILED}.
const (
	StateReceived     State = "RECEIVED"
	StateProcessing   State = "PROCESSING"
	StateIndexed      State = "INDEXED"
	StateIngestFailed State = "INGEST_FAILED"
)

// Pattern-learning states:
// FOUNDATION → MATCHING → VALIDATION → TRACEABILITY → {COMPLETED, FAILED}.
const (
	StateFoundation   State = "FOUNDATION"
	StateMatching     State = "MATCHING"
	StateValidation   State = "VALIDATION"
	StateTraceability State = "TRACEABILITY"
	StateCompleted    State = "COMPLETED"
	StateLearnFailed  State = "LEARN_FAILED"
)

// Quality-assessment states: RAW → ASSESSING → {SCORED, FAILED} → STORED.
const (
	StateRaw       State = "RAW"
	StateAssessing State = "ASSESSING"
	StateScored    State = "SCORED"
	StateQAFailed  State = "QA_FAILED"
	StateStored    State = "STORED"
)

// Action names a transition trigger.
type Action string

// Actions.
const (
	ActionBeginProcessing   Action = "begin_processing"
	ActionCompleteIndexing  Action = "complete_indexing"
	ActionBeginMatching     Action = "begin_matching"
	ActionBeginValidation   Action = "begin_validation"
	ActionBeginTraceability Action = "begin_traceability"
	ActionComplete          Action = "complete"
	ActionBeginAssessment   Action = "begin_assessment"
	ActionCompleteScoring   Action = "complete_scoring"
	ActionStore             Action = "store"
	ActionFail              Action = "fail"
)

// Edge is one legal transition.
type Edge struct {
	From   State
	Action Action
	To     State
}

// Definition is the static edge set of one FSM kind. Built once at
// package init; read-only afterwards.
type Definition struct {
	Kind    Kind
	Initial State
	edges   map[State]map[Action]State
}

func newDefinition(kind Kind, initial State, edges []Edge) Definition {
	d := Definition{Kind: kind, Initial: initial, edges: make(map[State]map[Action]State)}
	for _, e := range edges {
		byAction, ok := d.edges[e.From]
		if !ok {
			byAction = make(map[Action]State)
			d.edges[e.From] = byAction
		}
		byAction[e.Action] = e.To
	}
	return d
}

var definitions = map[Kind]Definition{
	KindIngestion: newDefinition(KindIngestion, StateReceived, []Edge{
		{StateReceived, ActionBeginProcessing, StateProcessing},
		{StateProcessing, ActionCompleteIndexing, StateIndexed},
		{StateProcessing, ActionFail, StateIngestFailed},
	}),
	KindPatternLearning: newDefinition(KindPatternLearning, StateFoundation, []Edge{
		{StateFoundation, ActionBeginMatching, StateMatching},
		{StateMatching, ActionBeginValidation, StateValidation},
		{StateValidation, ActionBeginTraceability, StateTraceability},
		{StateTraceability, ActionComplete, StateCompleted},
		{StateFoundation, ActionFail, StateLearnFailed},
		{StateMatching, ActionFail, StateLearnFailed},
		{StateValidation, ActionFail, StateLearnFailed},
		{StateTraceability, ActionFail, StateLearnFailed},
	}),
	KindQualityAssessment: newDefinition(KindQualityAssessment, StateRaw, []Edge{
		{StateRaw, ActionBeginAssessment, StateAssessing},
		{StateAssessing, ActionCompleteScoring, StateScored},
		{StateAssessing, ActionFail, StateQAFailed},
		{StateScored, ActionStore, StateStored},
		{StateQAFailed, ActionStore, StateStored},
	}),
}

// DefinitionFor returns the static definition for a kind.
func DefinitionFor(kind Kind) (Definition, bool) {
	d, ok := definitions[kind]
	return d, ok
}

// Next returns the target state for (from, action), if the edge exists.
func (d Definition) Next(from State, action Action) (State, bool) {
	byAction, ok := d.edges[from]
	if !ok {
		return "", false
	}
	to, ok := byAction[action]
	return to, ok
}

// CanTransition reports whether (from, action, to) is in the edge set.
func (d Definition) CanTransition(from State, action Action, to State) bool {
	next, ok := d.Next(from, action)
	return ok && next == to
}

// Terminal reports whether a state has no outgoing edges.
func (d Definition) Terminal(s State) bool {
	return len(d.edges[s]) == 0
}
