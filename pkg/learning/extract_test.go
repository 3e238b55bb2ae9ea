package learning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patternops/patternops/pkg/intent"
)

func seq(events ...Event) []Event {
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	for i := range events {
		events[i].At = at.Add(time.Duration(i) * time.Minute)
	}
	return events
}

func edit(file string) Event {
	return Event{Kind: intent.IntentEdit, Tool: "Edit", FilePath: file}
}

func command(cmd string, exit int) Event {
	return Event{Kind: intent.IntentCommand, Tool: "Bash", Command: cmd, ExitCode: &exit}
}

func TestExtractEditVerify(t *testing.T) {
	events := seq(
		edit("a.go"),
		edit("b.go"),
		command("go test ./...", 0),
	)
	out, err := Extract("backend", events)
	require.NoError(t, err)
	require.NotEmpty(t, out)

	assert.Equal(t, TypeEditVerify, out[0].Candidate.PatternType)
	assert.Equal(t, "edit-go-then-go", out[0].Candidate.Name)
	assert.Equal(t, "backend", out[0].Candidate.DomainID)
	assert.Regexp(t, "^[0-9a-f]{64}$", out[0].Candidate.SignatureHash)
}

func TestExtractSkipsFailedVerification(t *testing.T) {
	events := seq(
		edit("a.go"),
		command("go test ./...", 1),
	)
	out, err := Extract("backend", events)
	require.NoError(t, err)
	for _, x := range out {
		assert.NotEqual(t, TypeEditVerify, x.Candidate.PatternType)
	}
}

func TestExtractWorkflowRequiresSuccessfulFinalCommand(t *testing.T) {
	success := seq(
		Event{Kind: intent.IntentSearch},
		edit("a.go"),
		command("make build", 0),
	)
	out, err := Extract("backend", success)
	require.NoError(t, err)
	var found bool
	for _, x := range out {
		if x.Candidate.PatternType == TypeSessionWorkflow {
			found = true
			assert.Equal(t, []string{"search", "edit", "command"}, x.Signature.EventSequence)
		}
	}
	assert.True(t, found)

	failed := seq(
		Event{Kind: intent.IntentSearch},
		edit("a.go"),
		command("make build", 2),
	)
	out, err = Extract("backend", failed)
	require.NoError(t, err)
	for _, x := range out {
		assert.NotEqual(t, TypeSessionWorkflow, x.Candidate.PatternType)
	}
}

func TestExtractIsDeterministic(t *testing.T) {
	events := seq(
		edit("a.go"),
		edit("b.py"),
		edit("c.go"),
		command("go test ./...", 0),
		Event{Kind: intent.IntentSearch},
		command("git commit -m x", 0),
	)
	first, err := Extract("backend", events)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := Extract("backend", events)
		require.NoError(t, err)
		require.Equal(t, len(first), len(again))
		for j := range first {
			assert.Equal(t, first[j].Candidate.SignatureHash, again[j].Candidate.SignatureHash)
			assert.Equal(t, first[j].Candidate.Name, again[j].Candidate.Name)
		}
	}
}

func TestExtractDominantExtension(t *testing.T) {
	events := seq(
		edit("a.go"),
		edit("b.py"),
		edit("c.go"),
		command("go test ./...", 0),
	)
	out, err := Extract("backend", events)
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Equal(t, "edit-go-then-go", out[0].Candidate.Name)
}

func TestExtractEmptyTrace(t *testing.T) {
	out, err := Extract("backend", nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestExtractDeduplicatesRepeatedShapes(t *testing.T) {
	events := seq(
		edit("a.go"),
		command("go test ./...", 0),
		edit("b.go"),
		command("go test ./...", 0),
	)
	out, err := Extract("backend", events)
	require.NoError(t, err)

	var editVerify int
	for _, x := range out {
		if x.Candidate.PatternType == TypeEditVerify {
			editVerify++
		}
	}
	assert.Equal(t, 1, editVerify)
}
