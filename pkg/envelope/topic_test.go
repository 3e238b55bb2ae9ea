package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTopic(t *testing.T) {
	topic, err := ParseTopic("prod.patternops.evt.review-ingest.finding_observed.v1")
	require.NoError(t, err)
	assert.Equal(t, "prod", topic.Env)
	assert.Equal(t, "patternops", topic.System)
	assert.Equal(t, "evt", topic.Qualifier)
	assert.Equal(t, "review-ingest", topic.Producer)
	assert.Equal(t, "finding_observed", topic.EventName)
	assert.Equal(t, 1, topic.Version)
	assert.False(t, topic.IsCommand())
}

func TestParseTopicCommand(t *testing.T) {
	topic, err := ParseTopic("staging.patternops.cmd.sessions.learn_patterns.v2")
	require.NoError(t, err)
	assert.True(t, topic.IsCommand())
	assert.Equal(t, 2, topic.Version)
}

func TestTopicRoundTrip(t *testing.T) {
	raw := "prod.patternops.evt.pairing.pair_created.v1"
	topic, err := ParseTopic(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, topic.String())
}

func TestParseTopicRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"too.few.segments.v1",
		"prod.patternops.evt.pairing.pair_created.v1.extra",
		"prod.patternops.rpc.pairing.pair_created.v1",
		"prod.patternops.evt.pairing.pair_created.1",
		"prod.patternops.evt.pairing.pair_created.v0",
		"prod.patternops.evt.pairing.pair_created.vx",
		"Prod.patternops.evt.pairing.pair_created.v1",
		"prod..evt.pairing.pair_created.v1",
	}
	for _, raw := range bad {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseTopic(raw)
			assert.Error(t, err)
		})
	}
}
