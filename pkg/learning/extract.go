package learning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/patternops/patternops/pkg/intent"
	"github.com/patternops/patternops/pkg/patterns"
)

// Pattern types produced by extraction.
const (
	TypeEditVerify      = "edit_verify"
	TypeSessionWorkflow = "session_workflow"
)

// Extracted is a candidate pattern plus the signature it was hashed from.
type Extracted struct {
	Candidate patterns.Candidate
	Signature patterns.Signature
}

// Extract walks a normalized event sequence and produces candidate
// patterns. It is a pure transform: the same sequence always yields the
// same candidates with the same signature hashes.
//
// Two shapes are recognized:
//   - edit_verify: a run of edits on one file extension followed by a
//     command that exits zero.
//   - session_workflow: the whole session's intent sequence, collapsed,
//     when the session's final command succeeded.
func Extract(domainID string, events []Event) ([]Extracted, error) {
	var out []Extracted

	editVerify, err := extractEditVerify(domainID, events)
	if err != nil {
		return nil, err
	}
	out = append(out, editVerify...)

	workflow, err := extractWorkflow(domainID, events)
	if err != nil {
		return nil, err
	}
	out = append(out, workflow...)
	return out, nil
}

func extractEditVerify(domainID string, events []Event) ([]Extracted, error) {
	var (
		out      []Extracted
		editExts []string
		seen     = map[string]bool{} // one candidate per (ext, verb)
	)
	for _, e := range events {
		switch e.Kind {
		case intent.IntentEdit:
			editExts = append(editExts, e.FileExt())
		case intent.IntentCommand:
			if len(editExts) == 0 || !e.Succeeded() || e.CommandVerb() == "" {
				editExts = nil
				continue
			}
			ext := dominantExt(editExts)
			verb := e.CommandVerb()
			key := ext + "/" + verb
			if !seen[key] {
				seen[key] = true
				x, err := buildExtracted(domainID, TypeEditVerify,
					fmt.Sprintf("edit-%s-then-%s", ext, verb),
					[]string{"edit:" + ext, "command:" + verb},
					map[string]string{"exit_code": "0"},
					len(editExts))
				if err != nil {
					return nil, err
				}
				out = append(out, x)
			}
			editExts = nil
		case intent.IntentSessionBoundary:
			editExts = nil
		}
	}
	return out, nil
}

func extractWorkflow(domainID string, events []Event) ([]Extracted, error) {
	if len(events) == 0 {
		return nil, nil
	}
	var lastCommand *Event
	for i := range events {
		if events[i].Kind == intent.IntentCommand {
			lastCommand = &events[i]
		}
	}
	if lastCommand == nil || !lastCommand.Succeeded() {
		return nil, nil
	}

	seq := collapseKinds(events)
	if len(seq) < 2 {
		return nil, nil
	}
	x, err := buildExtracted(domainID, TypeSessionWorkflow,
		"workflow-"+strings.Join(seq, "-"),
		seq,
		map[string]string{"final_command_exit": "0"},
		len(events))
	if err != nil {
		return nil, err
	}
	return []Extracted{x}, nil
}

func buildExtracted(domainID, patternType, name string, seq []string, criteria map[string]string, eventCount int) (Extracted, error) {
	sig := patterns.Signature{
		PatternType:     patternType,
		DomainID:        domainID,
		EventSequence:   seq,
		SuccessCriteria: criteria,
	}
	hash, err := sig.Hash()
	if err != nil {
		return Extracted{}, fmt.Errorf("hashing %s candidate %q: %w", patternType, name, err)
	}
	criteriaJSON, err := json.Marshal(criteria)
	if err != nil {
		return Extracted{}, fmt.Errorf("encoding criteria for %q: %w", name, err)
	}
	metrics, err := json.Marshal(map[string]int{"source_event_count": eventCount})
	if err != nil {
		return Extracted{}, fmt.Errorf("encoding metrics for %q: %w", name, err)
	}
	return Extracted{
		Candidate: patterns.Candidate{
			PatternType:     patternType,
			Name:            name,
			DomainID:        domainID,
			SignatureHash:   hash,
			SuccessCriteria: criteriaJSON,
			QualityMetrics:  metrics,
		},
		Signature: sig,
	}, nil
}

// dominantExt picks the most frequent extension; ties go to the first
// seen, keeping extraction deterministic.
func dominantExt(exts []string) string {
	counts := map[string]int{}
	best, bestCount := exts[0], 0
	for _, e := range exts {
		counts[e]++
		if counts[e] > bestCount {
			best, bestCount = e, counts[e]
		}
	}
	return best
}

// collapseKinds reduces the event stream to its intent sequence with
// consecutive duplicates and boundary markers removed.
func collapseKinds(events []Event) []string {
	var out []string
	for _, e := range events {
		if e.Kind == intent.IntentSessionBoundary {
			continue
		}
		if len(out) > 0 && out[len(out)-1] == e.Kind {
			continue
		}
		out = append(out, e.Kind)
	}
	return out
}
