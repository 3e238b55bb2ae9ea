package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patternops/patternops/pkg/domainerr"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv(EnvDBURL, "postgres://pop:pop@db:5432/patternops")
	// Keep tests hermetic against ambient environment.
	for _, key := range []string{
		EnvBusBootstrap, EnvActivationGate, EnvLeaseTTLSeconds,
		EnvHandlerTimeoutSeconds, EnvMemoryServiceURL,
		EnvPairingConfidenceFloor, EnvRetentionDaysFSM,
		EnvSessionCeilingSeconds, EnvHTTPPort, EnvContractDir,
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	s, err := Load()
	require.NoError(t, err)
	assert.False(t, s.ConsumersEnabled)
	assert.Equal(t, 5*time.Minute, s.LeaseTTL)
	assert.Equal(t, 60*time.Second, s.HandlerTimeout)
	assert.Equal(t, 0.5, s.PairingConfidenceFloor)
	assert.Equal(t, 90, s.RetentionDaysFSMHistory)
	assert.Equal(t, 30*time.Minute, s.SessionDurationCeiling)
	assert.Equal(t, "8080", s.HTTPPort)
}

func TestLoadMissingDBURLIsFatal(t *testing.T) {
	t.Setenv(EnvDBURL, "")

	_, err := Load()
	require.Error(t, err)
	assert.Equal(t, domainerr.KindFatalConfig, domainerr.KindOf(err))
}

func TestLoadActivationGateRequiresBus(t *testing.T) {
	setRequired(t)
	t.Setenv(EnvActivationGate, "on")

	_, err := Load()
	require.Error(t, err)
	assert.Equal(t, domainerr.KindFatalConfig, domainerr.KindOf(err))
	assert.Contains(t, err.Error(), EnvBusBootstrap)
}

func TestLoadActivationGateRequiresContractDir(t *testing.T) {
	setRequired(t)
	t.Setenv(EnvActivationGate, "on")
	t.Setenv(EnvBusBootstrap, "amqp://bus:5672")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvContractDir)
}

func TestLoadActivationGateRequiresMemoryService(t *testing.T) {
	setRequired(t)
	t.Setenv(EnvActivationGate, "on")
	t.Setenv(EnvBusBootstrap, "amqp://bus:5672")
	t.Setenv(EnvContractDir, t.TempDir())

	_, err := Load()
	require.Error(t, err)
	assert.Equal(t, domainerr.KindFatalConfig, domainerr.KindOf(err))
	assert.Contains(t, err.Error(), EnvMemoryServiceURL)
}

func TestLoadFullConsumerConfig(t *testing.T) {
	setRequired(t)
	t.Setenv(EnvActivationGate, "on")
	t.Setenv(EnvBusBootstrap, "amqp://bus:5672")
	t.Setenv(EnvContractDir, t.TempDir())
	t.Setenv(EnvMemoryServiceURL, "http://memory:8090")
	t.Setenv(EnvLeaseTTLSeconds, "120")
	t.Setenv(EnvHandlerTimeoutSeconds, "15")
	t.Setenv(EnvPairingConfidenceFloor, "0.7")
	t.Setenv(EnvRetentionDaysFSM, "30")

	s, err := Load()
	require.NoError(t, err)
	assert.True(t, s.ConsumersEnabled)
	assert.Equal(t, 2*time.Minute, s.LeaseTTL)
	assert.Equal(t, 15*time.Second, s.HandlerTimeout)
	assert.Equal(t, 0.7, s.PairingConfidenceFloor)
	assert.Equal(t, 30, s.RetentionDaysFSMHistory)
}

func TestLoadRejectsMalformedNumbers(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"lease ttl not a number", EnvLeaseTTLSeconds, "five"},
		{"lease ttl zero", EnvLeaseTTLSeconds, "0"},
		{"handler timeout negative", EnvHandlerTimeoutSeconds, "-3"},
		{"floor above one", EnvPairingConfidenceFloor, "1.5"},
		{"floor not a float", EnvPairingConfidenceFloor, "half"},
		{"retention zero", EnvRetentionDaysFSM, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.Equal(t, domainerr.KindFatalConfig, domainerr.KindOf(err))
		})
	}
}
