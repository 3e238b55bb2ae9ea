// Package learning implements the pattern-learning pipeline: trace
// parsing and pattern extraction are pure transforms; only the learning
// stage touches storage.
package learning

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/patternops/patternops/pkg/envelope"
	"github.com/patternops/patternops/pkg/intent"
)

// Event is one normalized entry of a session trace.
type Event struct {
	EventID  string
	Kind     string // intent bucket
	Tool     string
	FilePath string
	Command  string
	ExitCode *int
	At       time.Time
}

// FileExt returns the lowercased extension of the touched file, without
// the dot, or "none".
func (e Event) FileExt() string {
	ext := strings.TrimPrefix(filepath.Ext(e.FilePath), ".")
	if ext == "" {
		return "none"
	}
	return strings.ToLower(ext)
}

// CommandVerb returns the first word of the command, or "".
func (e Event) CommandVerb() string {
	fields := strings.Fields(e.Command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Succeeded reports whether a command event finished with exit code 0.
// Events without an exit code are treated as successful.
func (e Event) Succeeded() bool {
	return e.ExitCode == nil || *e.ExitCode == 0
}

// ParseTrace normalizes a raw hook-event stream into a time-ordered event
// sequence. Ordering is stable: events with equal timestamps keep their
// input order, so reparsing the same trace yields the same sequence.
func ParseTrace(raw []envelope.ClaudeHookEventPayload) ([]Event, error) {
	events := make([]Event, 0, len(raw))
	for i, h := range raw {
		at, err := envelope.ParseTime(h.OccurredAt)
		if err != nil {
			return nil, fmt.Errorf("trace event %d (%s): occurred_at: %w", i, h.EventID, err)
		}
		events = append(events, Event{
			EventID:  h.EventID,
			Kind:     intent.Classify(h).Intent,
			Tool:     h.ToolName,
			FilePath: h.FilePath,
			Command:  h.Command,
			ExitCode: h.ExitCode,
			At:       at,
		})
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].At.Before(events[j].At)
	})
	return events, nil
}
