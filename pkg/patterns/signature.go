// Package patterns owns learned patterns: the repository over
// learned_patterns, the content-addressed signature hash, and the
// lifecycle reducer that is the sole writer of pattern status.
package patterns

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Signature is the essential structure of a pattern: the fields that
// define its identity. Two patterns with the same signature are the same
// pattern regardless of formatting or field ordering in their source.
type Signature struct {
	PatternType     string            `json:"pattern_type"`
	DomainID        string            `json:"domain_id"`
	RuleID          string            `json:"rule_id,omitempty"`
	EventSequence   []string          `json:"event_sequence,omitempty"`
	SuccessCriteria map[string]string `json:"success_criteria,omitempty"`
}

// Hash returns the 64-char lowercase hex sha256 over the canonical form.
// Canonicalization sorts map keys, trims and whitespace-normalizes every
// string, and serializes with no insignificant whitespace, so permuting
// field order or reformatting the source never changes the hash.
func (s Signature) Hash() (string, error) {
	canonical, err := canonicalize(s)
	if err != nil {
		return "", fmt.Errorf("canonicalizing signature: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalize(s Signature) ([]byte, error) {
	criteria := make(map[string]string, len(s.SuccessCriteria))
	for k, v := range s.SuccessCriteria {
		criteria[normalizeWS(k)] = normalizeWS(v)
	}
	keys := make([]string, 0, len(criteria))
	for k := range criteria {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	seq := make([]string, len(s.EventSequence))
	for i, e := range s.EventSequence {
		seq[i] = normalizeWS(e)
	}

	// encoding/json writes struct fields in declaration order and map
	// keys sorted, but the explicit ordered build keeps the canonical
	// form independent of the struct definition.
	var b strings.Builder
	b.WriteString(`{"domain_id":`)
	writeJSONString(&b, normalizeWS(s.DomainID))
	b.WriteString(`,"event_sequence":[`)
	for i, e := range seq {
		if i > 0 {
			b.WriteByte(',')
		}
		writeJSONString(&b, e)
	}
	b.WriteString(`],"pattern_type":`)
	writeJSONString(&b, normalizeWS(s.PatternType))
	b.WriteString(`,"rule_id":`)
	writeJSONString(&b, normalizeWS(s.RuleID))
	b.WriteString(`,"success_criteria":{`)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		writeJSONString(&b, k)
		b.WriteByte(':')
		writeJSONString(&b, criteria[k])
	}
	b.WriteString(`}}`)
	return []byte(b.String()), nil
}

func writeJSONString(b *strings.Builder, s string) {
	enc, _ := json.Marshal(s)
	b.Write(enc)
}

// normalizeWS collapses internal whitespace runs to a single space and
// trims the ends.
func normalizeWS(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
