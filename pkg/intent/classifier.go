// Package intent classifies claude_hook_event payloads into coarse intent
// buckets. Classification is a pure transform with no I/O.
package intent

import (
	"strings"
	"time"

	"github.com/patternops/patternops/pkg/envelope"
)

// Intent buckets.
const (
	IntentEdit            = "edit"
	IntentSearch          = "search"
	IntentCommand         = "command"
	IntentSessionBoundary = "session_boundary"
	IntentOther           = "other"
)

var editTools = map[string]bool{
	"Edit":         true,
	"Write":        true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

var searchTools = map[string]bool{
	"Grep":      true,
	"Glob":      true,
	"Read":      true,
	"WebSearch": true,
}

// Classification is the result of classifying one hook event.
type Classification struct {
	Intent     string
	Confidence float64
}

// Classify buckets one hook event. Session boundaries are recognized by
// hook type; tool events by tool name, with a shell fallback that sniffs
// the command text.
func Classify(p envelope.ClaudeHookEventPayload) Classification {
	switch strings.ToLower(p.HookType) {
	case "sessionstart", "sessionend", "session_start", "session_end", "stop":
		return Classification{Intent: IntentSessionBoundary, Confidence: 1.0}
	}

	switch {
	case editTools[p.ToolName]:
		return Classification{Intent: IntentEdit, Confidence: 0.95}
	case searchTools[p.ToolName]:
		return Classification{Intent: IntentSearch, Confidence: 0.95}
	case p.ToolName == "Bash":
		return classifyCommand(p.Command)
	case p.ToolName != "":
		return Classification{Intent: IntentCommand, Confidence: 0.6}
	default:
		return Classification{Intent: IntentOther, Confidence: 0.5}
	}
}

func classifyCommand(command string) Classification {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return Classification{Intent: IntentCommand, Confidence: 0.5}
	}
	first := strings.Fields(cmd)[0]
	switch first {
	case "grep", "rg", "find", "ag", "fd":
		return Classification{Intent: IntentSearch, Confidence: 0.8}
	case "sed", "awk", "patch":
		return Classification{Intent: IntentEdit, Confidence: 0.7}
	default:
		return Classification{Intent: IntentCommand, Confidence: 0.9}
	}
}

// ClassifyEvent wraps Classify into an intent_classified.v1 envelope.
func ClassifyEvent(p envelope.ClaudeHookEventPayload, correlationID, producerID string, now time.Time) (*envelope.Envelope, error) {
	c := Classify(p)
	return envelope.New(envelope.KindIntentClassified, correlationID, producerID, now,
		envelope.IntentClassifiedPayload{
			EventID:    p.EventID,
			SessionID:  p.SessionID,
			Intent:     c.Intent,
			Confidence: c.Confidence,
			OccurredAt: envelope.FormatTime(now),
		})
}
