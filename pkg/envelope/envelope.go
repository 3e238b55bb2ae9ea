// Package envelope defines the frozen wire format for every
// inter-component message, the topic naming codec, and the typed payload
// schemas for all event kinds this service produces or consumes.
//
// An Envelope is immutable after emission: consumers decode it, never
// mutate it. Decoding is strict: unknown top-level fields or a
// schema_version newer than the binary understands are schema violations,
// not warnings.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/patternops/patternops/pkg/domainerr"
)

// Message kinds. The routing discriminator for dispatch; one handler per
// (kind, schema_version) pair.
const (
	KindFindingObserved     = "finding_observed"
	KindFixApplied          = "fix_applied"
	KindFindingResolved     = "finding_resolved"
	KindPairCreated         = "pair_created"
	KindLifecycleTransition = "pattern_lifecycle_transition"
	KindPatternLearned      = "pattern_learned"
	KindPatternStored       = "pattern_stored"
	KindPatternPromoted     = "pattern_promoted"
	KindPatternDeprecated   = "pattern_deprecated"
	KindSessionOutcome      = "session_outcome"
	KindClaudeHookEvent     = "claude_hook_event"
	KindIntentClassified    = "intent_classified"
	KindLearnPatterns       = "learn_patterns"
	KindHandlerDisabled     = "handler_disabled"
	KindHandlerFailure      = "handler_failure"
)

// SchemaVersion is the current schema version for all kinds. Bumping it is
// a breaking change; consumers reading a newer version halt that partition.
const SchemaVersion = 1

// Envelope is the frozen wrapper around every inter-component message.
type Envelope struct {
	MessageID     string          `json:"message_id"`
	Kind          string          `json:"kind"`
	SchemaVersion int             `json:"schema_version"`
	CorrelationID string          `json:"correlation_id"`
	ProducerID    string          `json:"producer_id"`
	OccurredAt    string          `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

var uuidRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// New builds an envelope around an already-marshaled payload. The caller
// injects occurredAt explicitly; there is no implicit now().
func New(kind, correlationID, producerID string, occurredAt time.Time, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", kind, err)
	}
	return &Envelope{
		MessageID:     uuid.NewString(),
		Kind:          kind,
		SchemaVersion: SchemaVersion,
		CorrelationID: correlationID,
		ProducerID:    producerID,
		OccurredAt:    FormatTime(occurredAt),
		Payload:       raw,
	}, nil
}

// Marshal serializes the envelope for publication.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Parse decodes raw bytes into an Envelope with strict field checking.
// Any failure is a SchemaViolation: the message can never succeed on
// redelivery and must be quarantined.
func Parse(data []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var e Envelope
	if err := dec.Decode(&e); err != nil {
		return nil, domainerr.SchemaViolation("", "envelope decode: %v", err)
	}
	// Reject trailing garbage after the envelope object.
	if dec.More() {
		return nil, domainerr.SchemaViolation(e.CorrelationID, "envelope decode: trailing data")
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate checks the envelope's own fields (not the payload schema).
func (e *Envelope) Validate() error {
	switch {
	case !uuidRe.MatchString(e.MessageID):
		return domainerr.SchemaViolation(e.CorrelationID, "message_id %q is not a lowercase RFC 4122 uuid", e.MessageID)
	case e.Kind == "":
		return domainerr.SchemaViolation(e.CorrelationID, "kind is required")
	case e.SchemaVersion < 1:
		return domainerr.SchemaViolation(e.CorrelationID, "schema_version %d is invalid", e.SchemaVersion)
	case e.SchemaVersion > SchemaVersion:
		return domainerr.SchemaViolation(e.CorrelationID,
			"schema_version %d is newer than supported version %d", e.SchemaVersion, SchemaVersion)
	case !uuidRe.MatchString(e.CorrelationID):
		return domainerr.SchemaViolation(e.CorrelationID, "correlation_id %q is not a lowercase RFC 4122 uuid", e.CorrelationID)
	case e.ProducerID == "":
		return domainerr.SchemaViolation(e.CorrelationID, "producer_id is required")
	case len(e.Payload) == 0 || string(e.Payload) == "null":
		return domainerr.SchemaViolation(e.CorrelationID, "payload is required")
	}
	if _, err := ParseTime(e.OccurredAt); err != nil {
		return domainerr.SchemaViolation(e.CorrelationID, "occurred_at: %v", err)
	}
	return nil
}

// DecodePayload unmarshals the payload into dst with strict field checking.
func (e *Envelope) DecodePayload(dst any) error {
	dec := json.NewDecoder(bytes.NewReader(e.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domainerr.SchemaViolation(e.CorrelationID, "%s payload decode: %v", e.Kind, err)
	}
	return nil
}

// FormatTime renders a timestamp as ISO-8601 UTC with a trailing Z.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses an ISO-8601 UTC timestamp. Offsets other than Z are
// rejected: timestamps are explicit UTC at every boundary.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q is not RFC3339: %v", s, err)
	}
	if len(s) == 0 || s[len(s)-1] != 'Z' {
		return time.Time{}, fmt.Errorf("timestamp %q must be UTC with trailing Z", s)
	}
	return t, nil
}

// ValidUUID reports whether s is a lowercase RFC 4122 uuid string.
func ValidUUID(s string) bool {
	return uuidRe.MatchString(s)
}
