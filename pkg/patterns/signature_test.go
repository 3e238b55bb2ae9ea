package patterns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashIsStableHex(t *testing.T) {
	sig := Signature{
		PatternType:   "edit_sequence",
		DomainID:      "backend",
		RuleID:        "r1",
		EventSequence: []string{"edit", "test", "commit"},
		SuccessCriteria: map[string]string{
			"tests_pass": "true",
			"no_revert":  "true",
		},
	}
	h1, err := sig.Hash()
	require.NoError(t, err)
	assert.Regexp(t, "^[0-9a-f]{64}$", h1)

	h2, err := sig.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHashIgnoresWhitespace(t *testing.T) {
	a := Signature{
		PatternType:     "edit_sequence",
		DomainID:        "backend",
		EventSequence:   []string{"edit   file", "run  tests"},
		SuccessCriteria: map[string]string{"tests_pass": "  true "},
	}
	b := Signature{
		PatternType:     "edit_sequence",
		DomainID:        "backend",
		EventSequence:   []string{"edit file", "run tests"},
		SuccessCriteria: map[string]string{"tests_pass": "true"},
	}
	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestHashIgnoresMapInsertionOrder(t *testing.T) {
	a := Signature{PatternType: "t", DomainID: "d", SuccessCriteria: map[string]string{}}
	b := Signature{PatternType: "t", DomainID: "d", SuccessCriteria: map[string]string{}}
	for _, k := range []string{"alpha", "beta", "gamma"} {
		a.SuccessCriteria[k] = "1"
	}
	for _, k := range []string{"gamma", "alpha", "beta"} {
		b.SuccessCriteria[k] = "1"
	}
	ha, _ := a.Hash()
	hb, _ := b.Hash()
	assert.Equal(t, ha, hb)
}

func TestHashDistinguishesContent(t *testing.T) {
	base := Signature{PatternType: "t", DomainID: "d", EventSequence: []string{"a", "b"}}
	variants := []Signature{
		{PatternType: "t2", DomainID: "d", EventSequence: []string{"a", "b"}},
		{PatternType: "t", DomainID: "d2", EventSequence: []string{"a", "b"}},
		{PatternType: "t", DomainID: "d", EventSequence: []string{"b", "a"}},
		{PatternType: "t", DomainID: "d", EventSequence: []string{"a"}},
	}
	hb, _ := base.Hash()
	for _, v := range variants {
		hv, _ := v.Hash()
		assert.NotEqual(t, hb, hv, "variant %+v must hash differently", v)
	}
}

func TestHashEmptySequenceDiffersFromNil(t *testing.T) {
	// Empty and nil sequences canonicalize identically.
	a := Signature{PatternType: "t", DomainID: "d", EventSequence: nil}
	b := Signature{PatternType: "t", DomainID: "d", EventSequence: []string{}}
	ha, _ := a.Hash()
	hb, _ := b.Hash()
	assert.Equal(t, ha, hb)
}
