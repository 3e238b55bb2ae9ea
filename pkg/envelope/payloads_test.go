package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validFinding() FindingObservedPayload {
	return FindingObservedPayload{
		FindingID:         "F1",
		Repo:              "acme/widget",
		PRID:              42,
		RuleID:            "r1",
		Severity:          SeverityWarning,
		FilePath:          "pkg/widget/widget.go",
		LineStart:         10,
		ToolName:          "golangci-lint",
		ToolVersion:       "1.62.0",
		NormalizedMessage: "unused variable",
		RawMessage:        "x declared and not used",
		CommitSHAObserved: "a3f8c2d",
		ObservedAt:        "2026-03-14T09:00:00Z",
	}
}

func TestFindingObservedValidate(t *testing.T) {
	p := validFinding()
	require.NoError(t, p.Validate())

	tests := []struct {
		name   string
		mutate func(*FindingObservedPayload)
	}{
		{"pr_id zero", func(p *FindingObservedPayload) { p.PRID = 0 }},
		{"line_start zero", func(p *FindingObservedPayload) { p.LineStart = 0 }},
		{"line_end before start", func(p *FindingObservedPayload) { end := 5; p.LineEnd = &end }},
		{"bad severity", func(p *FindingObservedPayload) { p.Severity = "critical" }},
		{"short sha", func(p *FindingObservedPayload) { p.CommitSHAObserved = "abc12" }},
		{"uppercase sha", func(p *FindingObservedPayload) { p.CommitSHAObserved = "A3F8C2D" }},
		{"offset timestamp", func(p *FindingObservedPayload) { p.ObservedAt = "2026-03-14T09:00:00+01:00" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validFinding()
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestEffectiveLineEndDefaultsToLineStart(t *testing.T) {
	p := validFinding()
	assert.Equal(t, 10, p.EffectiveLineEnd())

	end := 12
	p.LineEnd = &end
	assert.Equal(t, 12, p.EffectiveLineEnd())
}

func TestFixAppliedValidate(t *testing.T) {
	p := FixAppliedPayload{
		FixID:            "X1",
		FindingID:        "F1",
		FixCommitSHA:     "b4e9d3c2a1f8e7d6c5b4a3f2e1d0c9b8a7f6e5d4",
		FilePath:         "pkg/widget/widget.go",
		DiffHunks:        []string{"@@ -10,3 +10,2 @@"},
		TouchedLineRange: [2]int{9, 13},
		ToolAutofix:      true,
		AppliedAt:        "2026-03-14T09:05:00Z",
	}
	require.NoError(t, p.Validate())

	p.TouchedLineRange = [2]int{13, 9}
	assert.Error(t, p.Validate())

	p.TouchedLineRange = [2]int{0, 5}
	assert.Error(t, p.Validate())
}

func TestPairCreatedValidate(t *testing.T) {
	p := PairCreatedPayload{
		PairID:                 "P1",
		FindingID:              "F1",
		FixCommitSHA:           "b4e9d3c",
		ConfidenceScore:        0.95,
		DisappearanceConfirmed: true,
		PairingType:            PairingAutofix,
		CreatedAt:              "2026-03-14T09:10:00Z",
	}
	require.NoError(t, p.Validate())

	p.ConfidenceScore = 1.2
	assert.Error(t, p.Validate())

	p.ConfidenceScore = 0.5
	p.PairingType = "guesswork"
	assert.Error(t, p.Validate())
}

func TestSessionOutcomeValidate(t *testing.T) {
	p := SessionOutcomePayload{
		SessionID:         "S1",
		AgentSelected:     "refactor",
		AgentRecommended:  "refactor",
		RoutingConfidence: 0.8,
		ToolCallsCount:    3,
		DurationMs:        1200,
		ProcessedAt:       "2026-03-14T09:00:00Z",
	}
	require.NoError(t, p.Validate())

	p.RoutingConfidence = -0.1
	assert.Error(t, p.Validate())
}
