package envelope

import (
	"fmt"
	"regexp"
)

// Finding severities. Closed set; anything else is a schema violation.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
	SeverityHint    = "hint"
)

// Pairing types, ordered by decreasing initial confidence.
const (
	PairingAutofix    = "autofix"
	PairingSameCommit = "same_commit"
	PairingSamePR     = "same_pr"
	PairingTemporal   = "temporal"
	PairingInferred   = "inferred"
)

var commitShaRe = regexp.MustCompile(`^[0-9a-f]{7,40}$`)

// ValidCommitSHA reports whether s is a 7-40 char lowercase hex commit sha.
func ValidCommitSHA(s string) bool {
	return commitShaRe.MatchString(s)
}

// FindingObservedPayload is the payload for finding_observed.v1. A review
// tool flagged a location in a PR.
type FindingObservedPayload struct {
	FindingID         string `json:"finding_id"`
	Repo              string `json:"repo"`
	PRID              int64  `json:"pr_id"`
	RuleID            string `json:"rule_id"`
	Severity          string `json:"severity"`
	FilePath          string `json:"file_path"`
	LineStart         int    `json:"line_start"`
	LineEnd           *int   `json:"line_end,omitempty"`
	ToolName          string `json:"tool_name"`
	ToolVersion       string `json:"tool_version"`
	NormalizedMessage string `json:"normalized_message"`
	RawMessage        string `json:"raw_message"`
	CommitSHAObserved string `json:"commit_sha_observed"`
	ObservedAt        string `json:"observed_at"`
}

// Validate checks the schema constraints bit-exact with the wire contract.
func (p *FindingObservedPayload) Validate() error {
	switch {
	case p.FindingID == "":
		return fmt.Errorf("finding_id is required")
	case p.Repo == "":
		return fmt.Errorf("repo is required")
	case p.PRID <= 0:
		return fmt.Errorf("pr_id must be > 0, got %d", p.PRID)
	case p.RuleID == "":
		return fmt.Errorf("rule_id is required")
	case p.Severity != SeverityError && p.Severity != SeverityWarning && p.Severity != SeverityInfo && p.Severity != SeverityHint:
		return fmt.Errorf("severity %q is not one of error|warning|info|hint", p.Severity)
	case p.FilePath == "":
		return fmt.Errorf("file_path is required")
	case p.LineStart < 1:
		return fmt.Errorf("line_start must be >= 1, got %d", p.LineStart)
	case p.LineEnd != nil && *p.LineEnd < p.LineStart:
		return fmt.Errorf("line_end %d is before line_start %d", *p.LineEnd, p.LineStart)
	case p.ToolName == "":
		return fmt.Errorf("tool_name is required")
	case !ValidCommitSHA(p.CommitSHAObserved):
		return fmt.Errorf("commit_sha_observed %q is not 7-40 hex chars", p.CommitSHAObserved)
	}
	if _, err := ParseTime(p.ObservedAt); err != nil {
		return fmt.Errorf("observed_at: %v", err)
	}
	return nil
}

// EffectiveLineEnd returns line_end, or line_start when the finding is
// single-line (line_end absent).
func (p *FindingObservedPayload) EffectiveLineEnd() int {
	if p.LineEnd != nil {
		return *p.LineEnd
	}
	return p.LineStart
}

// FixAppliedPayload is the payload for fix_applied.v1. A commit touched
// the area a finding flagged.
type FixAppliedPayload struct {
	FixID            string   `json:"fix_id"`
	FindingID        string   `json:"finding_id"`
	FixCommitSHA     string   `json:"fix_commit_sha"`
	FilePath         string   `json:"file_path"`
	DiffHunks        []string `json:"diff_hunks"`
	TouchedLineRange [2]int   `json:"touched_line_range"`
	ToolAutofix      bool     `json:"tool_autofix"`
	AppliedAt        string   `json:"applied_at"`
}

// Validate checks the fix_applied wire contract.
func (p *FixAppliedPayload) Validate() error {
	switch {
	case p.FixID == "":
		return fmt.Errorf("fix_id is required")
	case p.FindingID == "":
		return fmt.Errorf("finding_id is required")
	case !ValidCommitSHA(p.FixCommitSHA):
		return fmt.Errorf("fix_commit_sha %q is not 7-40 hex chars", p.FixCommitSHA)
	case p.FilePath == "":
		return fmt.Errorf("file_path is required")
	case p.TouchedLineRange[0] < 1 || p.TouchedLineRange[1] < p.TouchedLineRange[0]:
		return fmt.Errorf("touched_line_range [%d,%d] is not a valid range", p.TouchedLineRange[0], p.TouchedLineRange[1])
	}
	if _, err := ParseTime(p.AppliedAt); err != nil {
		return fmt.Errorf("applied_at: %v", err)
	}
	return nil
}

// FindingResolvedPayload is the payload for finding_resolved.v1. A later
// scan confirmed the finding no longer flags (disappearance evidence).
type FindingResolvedPayload struct {
	ResolutionID        string `json:"resolution_id"`
	FindingID           string `json:"finding_id"`
	FixCommitSHA        string `json:"fix_commit_sha"`
	VerifiedAtCommitSHA string `json:"verified_at_commit_sha"`
	CIRunID             string `json:"ci_run_id"`
	ResolvedAt          string `json:"resolved_at"`
}

// Validate checks the finding_resolved wire contract.
func (p *FindingResolvedPayload) Validate() error {
	switch {
	case p.ResolutionID == "":
		return fmt.Errorf("resolution_id is required")
	case p.FindingID == "":
		return fmt.Errorf("finding_id is required")
	case !ValidCommitSHA(p.FixCommitSHA):
		return fmt.Errorf("fix_commit_sha %q is not 7-40 hex chars", p.FixCommitSHA)
	}
	if _, err := ParseTime(p.ResolvedAt); err != nil {
		return fmt.Errorf("resolved_at: %v", err)
	}
	return nil
}

// PairCreatedPayload is the payload for pair_created.v1, emitted when a
// finding-fix pair is confirmed by disappearance evidence.
type PairCreatedPayload struct {
	PairID                 string   `json:"pair_id"`
	FindingID              string   `json:"finding_id"`
	FixCommitSHA           string   `json:"fix_commit_sha"`
	DiffHunks              []string `json:"diff_hunks"`
	ConfidenceScore        float64  `json:"confidence_score"`
	DisappearanceConfirmed bool     `json:"disappearance_confirmed"`
	PairingType            string   `json:"pairing_type"`
	CreatedAt              string   `json:"created_at"`
}

// Validate checks the pair_created wire contract.
func (p *PairCreatedPayload) Validate() error {
	switch {
	case p.PairID == "":
		return fmt.Errorf("pair_id is required")
	case p.FindingID == "":
		return fmt.Errorf("finding_id is required")
	case !ValidCommitSHA(p.FixCommitSHA):
		return fmt.Errorf("fix_commit_sha %q is not 7-40 hex chars", p.FixCommitSHA)
	case p.ConfidenceScore < 0 || p.ConfidenceScore > 1:
		return fmt.Errorf("confidence_score %v is outside [0,1]", p.ConfidenceScore)
	}
	switch p.PairingType {
	case PairingAutofix, PairingSameCommit, PairingSamePR, PairingTemporal, PairingInferred:
	default:
		return fmt.Errorf("pairing_type %q is unknown", p.PairingType)
	}
	if _, err := ParseTime(p.CreatedAt); err != nil {
		return fmt.Errorf("created_at: %v", err)
	}
	return nil
}

// SessionOutcomePayload is the payload for session_outcome.v1, the
// per-session routing outcome the feedback scorer consumes.
type SessionOutcomePayload struct {
	SessionID             string  `json:"session_id"`
	RunID                 string  `json:"run_id"`
	AgentSelected         string  `json:"agent_selected"`
	AgentRecommended      string  `json:"agent_recommended"`
	RoutingConfidence     float64 `json:"routing_confidence"`
	InjectionOccurred     bool    `json:"injection_occurred"`
	PatternsInjectedCount int     `json:"patterns_injected_count"`
	// InjectedPatternIDs names the patterns routed into the session, so
	// the scorer can record the injection it is about to join against.
	InjectedPatternIDs []string `json:"injected_pattern_ids,omitempty"`
	ToolCallsCount     int      `json:"tool_calls_count"`
	DurationMs         int64    `json:"duration_ms"`
	ProcessedAt        string   `json:"processed_at"`
}

// Validate checks the session_outcome wire contract.
func (p *SessionOutcomePayload) Validate() error {
	switch {
	case p.SessionID == "":
		return fmt.Errorf("session_id is required")
	case p.RoutingConfidence < 0 || p.RoutingConfidence > 1:
		return fmt.Errorf("routing_confidence %v is outside [0,1]", p.RoutingConfidence)
	case p.PatternsInjectedCount < 0:
		return fmt.Errorf("patterns_injected_count must be >= 0")
	case p.ToolCallsCount < 0:
		return fmt.Errorf("tool_calls_count must be >= 0")
	case p.DurationMs < 0:
		return fmt.Errorf("duration_ms must be >= 0")
	}
	for _, id := range p.InjectedPatternIDs {
		if id == "" {
			return fmt.Errorf("injected_pattern_ids must not contain empty ids")
		}
	}
	if _, err := ParseTime(p.ProcessedAt); err != nil {
		return fmt.Errorf("processed_at: %v", err)
	}
	return nil
}

// ClaudeHookEventPayload is the payload for claude_hook_event.v1,
// a raw developer-activity event (code-edit hook, tool invocation,
// session boundary).
type ClaudeHookEventPayload struct {
	EventID    string         `json:"event_id"`
	SessionID  string         `json:"session_id"`
	HookType   string         `json:"hook_type"`
	ToolName   string         `json:"tool_name,omitempty"`
	FilePath   string         `json:"file_path,omitempty"`
	Command    string         `json:"command,omitempty"`
	ExitCode   *int           `json:"exit_code,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt string         `json:"occurred_at"`
}

// Validate checks the claude_hook_event wire contract.
func (p *ClaudeHookEventPayload) Validate() error {
	switch {
	case p.EventID == "":
		return fmt.Errorf("event_id is required")
	case p.SessionID == "":
		return fmt.Errorf("session_id is required")
	case p.HookType == "":
		return fmt.Errorf("hook_type is required")
	}
	if _, err := ParseTime(p.OccurredAt); err != nil {
		return fmt.Errorf("occurred_at: %v", err)
	}
	return nil
}

// IntentClassifiedPayload is the payload for intent_classified.v1.
type IntentClassifiedPayload struct {
	EventID    string  `json:"event_id"`
	SessionID  string  `json:"session_id"`
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	OccurredAt string  `json:"occurred_at"`
}

// LearnPatternsPayload is the payload for the learn_patterns command,
// emitted when a session ends. Trace is the session's recorded tool/event
// stream, in occurrence order.
type LearnPatternsPayload struct {
	SessionID  string                   `json:"session_id"`
	RunID      string                   `json:"run_id"`
	DomainID   string                   `json:"domain_id"`
	Trace      []ClaudeHookEventPayload `json:"trace"`
	OccurredAt string                   `json:"occurred_at"`
}

// Validate checks the learn_patterns wire contract.
func (p *LearnPatternsPayload) Validate() error {
	switch {
	case p.SessionID == "":
		return fmt.Errorf("session_id is required")
	case p.DomainID == "":
		return fmt.Errorf("domain_id is required")
	}
	if _, err := ParseTime(p.OccurredAt); err != nil {
		return fmt.Errorf("occurred_at: %v", err)
	}
	return nil
}

// LifecycleTransitionPayload is the payload for
// pattern_lifecycle_transition.v1, one per successful status change.
type LifecycleTransitionPayload struct {
	PatternID  string `json:"pattern_id"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	Actor      string `json:"actor"`
	Reason     string `json:"reason"`
	OccurredAt string `json:"occurred_at"`
}

// PatternEventPayload is the shared payload shape for pattern_learned.v1,
// pattern_stored.v1, pattern_promoted.v1 and pattern_deprecated.v1.
type PatternEventPayload struct {
	PatternID     string  `json:"pattern_id"`
	PatternType   string  `json:"pattern_type"`
	Name          string  `json:"name"`
	DomainID      string  `json:"domain_id"`
	SignatureHash string  `json:"signature_hash"`
	Version       int     `json:"version"`
	Status        string  `json:"status"`
	SuccessRate   float64 `json:"success_rate"`
	OccurredAt    string  `json:"occurred_at"`
}

// HandlerFailurePayload is the payload for handler_failure events, the
// failure half of the "every accepted command produces a success or
// failure event" guarantee.
type HandlerFailurePayload struct {
	Kind       string `json:"kind"`
	MessageID  string `json:"message_id"`
	ErrorKind  string `json:"error_kind"`
	Reason     string `json:"reason"`
	OccurredAt string `json:"occurred_at"`
}

// HandlerDisabledPayload is the human-visible payload emitted when a
// handler's failure budget trips its circuit breaker.
type HandlerDisabledPayload struct {
	Kind          string `json:"kind"`
	SchemaVersion int    `json:"schema_version"`
	Failures      int    `json:"failures"`
	WindowSeconds int    `json:"window_seconds"`
	OccurredAt    string `json:"occurred_at"`
}
