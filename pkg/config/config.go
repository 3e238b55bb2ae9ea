// Package config loads and validates service configuration.
//
// All configuration comes from environment variables (the closed option
// set below) plus declarative contract files describing the topics and
// message kinds the consumer fleet handles. There are no localhost
// defaults: endpoints must be configured explicitly or the affected
// subsystem stays off.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/patternops/patternops/pkg/domainerr"
)

// Recognized environment variables. The set is closed; new options are a
// deliberate change, not an accretion.
const (
	EnvDBURL                  = "DB_URL"
	EnvBusBootstrap           = "BUS_BOOTSTRAP"
	EnvActivationGate         = "ACTIVATION_GATE"
	EnvLeaseTTLSeconds        = "LEASE_TTL_SECONDS"
	EnvHandlerTimeoutSeconds  = "HANDLER_TIMEOUT_SECONDS"
	EnvMemoryServiceURL       = "MEMORY_SERVICE_URL"
	EnvPairingConfidenceFloor = "PAIRING_CONFIDENCE_FLOOR"
	EnvRetentionDaysFSM       = "RETENTION_DAYS_FSM_HISTORY"
	EnvSessionCeilingSeconds  = "SESSION_DURATION_CEILING_SECONDS"
	EnvHTTPPort               = "HTTP_PORT"
	EnvContractDir            = "CONTRACT_DIR"
)

// Defaults for the optional knobs.
const (
	DefaultLeaseTTL               = 5 * time.Minute
	DefaultHandlerTimeout         = 60 * time.Second
	DefaultPairingConfidenceFloor = 0.5
	DefaultRetentionDaysFSM       = 90
	DefaultSessionCeiling         = 30 * time.Minute
	DefaultHTTPPort               = "8080"
)

// Settings is the validated, immutable runtime configuration.
type Settings struct {
	// DBURL is the OLTP store connection string. Required.
	DBURL string

	// BusBootstrap is the message bus endpoint. Required when consumers
	// are enabled (ConsumersEnabled).
	BusBootstrap string

	// ConsumersEnabled mirrors ACTIVATION_GATE: when the gate is unset the
	// service runs in read-only / health-only mode with no consumers.
	ConsumersEnabled bool

	// LeaseTTL bounds FSM lease validity.
	LeaseTTL time.Duration

	// HandlerTimeout is the per-handler deadline.
	HandlerTimeout time.Duration

	// MemoryServiceURL is the external memory service endpoint. Required
	// when consumers are enabled: the learning pipeline mirrors patterns
	// through it. With consumers off there is nothing to mirror and it
	// may stay empty.
	MemoryServiceURL string

	// PairingConfidenceFloor excludes weak pairs from promotion inputs.
	PairingConfidenceFloor float64

	// RetentionDaysFSMHistory is the fsm_state_history cleanup threshold.
	RetentionDaysFSMHistory int

	// SessionDurationCeiling bounds "successful session" duration for the
	// feedback scorer's success predicate.
	SessionDurationCeiling time.Duration

	// HTTPPort is the health/readiness listen port.
	HTTPPort string

	// ContractDir holds the contract YAML files.
	ContractDir string
}

// Load reads and validates settings from the environment. Missing required
// configuration is a FatalConfig error: the caller should exit non-zero.
func Load() (*Settings, error) {
	s := &Settings{
		DBURL:                   os.Getenv(EnvDBURL),
		BusBootstrap:            os.Getenv(EnvBusBootstrap),
		ConsumersEnabled:        os.Getenv(EnvActivationGate) != "",
		LeaseTTL:                DefaultLeaseTTL,
		HandlerTimeout:          DefaultHandlerTimeout,
		MemoryServiceURL:        os.Getenv(EnvMemoryServiceURL),
		PairingConfidenceFloor:  DefaultPairingConfidenceFloor,
		RetentionDaysFSMHistory: DefaultRetentionDaysFSM,
		SessionDurationCeiling:  DefaultSessionCeiling,
		HTTPPort:                DefaultHTTPPort,
		ContractDir:             os.Getenv(EnvContractDir),
	}

	if v := os.Getenv(EnvHTTPPort); v != "" {
		s.HTTPPort = v
	}

	var err error
	if s.LeaseTTL, err = secondsVar(EnvLeaseTTLSeconds, DefaultLeaseTTL); err != nil {
		return nil, err
	}
	if s.HandlerTimeout, err = secondsVar(EnvHandlerTimeoutSeconds, DefaultHandlerTimeout); err != nil {
		return nil, err
	}
	if s.SessionDurationCeiling, err = secondsVar(EnvSessionCeilingSeconds, DefaultSessionCeiling); err != nil {
		return nil, err
	}
	if v := os.Getenv(EnvPairingConfidenceFloor); v != "" {
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil || f < 0 || f > 1 {
			return nil, domainerr.FatalConfig("%s=%q must be a float in [0,1]", EnvPairingConfidenceFloor, v)
		}
		s.PairingConfidenceFloor = f
	}
	if v := os.Getenv(EnvRetentionDaysFSM); v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil || n < 1 {
			return nil, domainerr.FatalConfig("%s=%q must be a positive integer", EnvRetentionDaysFSM, v)
		}
		s.RetentionDaysFSMHistory = n
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate enforces required settings and cross-field constraints.
func (s *Settings) Validate() error {
	if s.DBURL == "" {
		return domainerr.FatalConfig("%s is required", EnvDBURL)
	}
	if s.ConsumersEnabled {
		if s.BusBootstrap == "" {
			return domainerr.FatalConfig("%s is required when %s is set", EnvBusBootstrap, EnvActivationGate)
		}
		if s.ContractDir == "" {
			return domainerr.FatalConfig("%s is required when %s is set", EnvContractDir, EnvActivationGate)
		}
		if s.MemoryServiceURL == "" {
			return domainerr.FatalConfig("%s is required when %s is set", EnvMemoryServiceURL, EnvActivationGate)
		}
	}
	if s.LeaseTTL <= 0 {
		return domainerr.FatalConfig("lease TTL must be positive, got %v", s.LeaseTTL)
	}
	if s.HandlerTimeout <= 0 {
		return domainerr.FatalConfig("handler timeout must be positive, got %v", s.HandlerTimeout)
	}
	return nil
}

// secondsVar parses an integer-seconds environment variable.
func secondsVar(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, domainerr.FatalConfig("%s=%q must be a positive integer of seconds", name, v)
	}
	return time.Duration(n) * time.Second, nil
}

// String renders settings for startup logging with secrets elided.
func (s *Settings) String() string {
	return fmt.Sprintf(
		"consumers_enabled=%t lease_ttl=%v handler_timeout=%v pairing_floor=%v retention_days_fsm=%d session_ceiling=%v http_port=%s",
		s.ConsumersEnabled, s.LeaseTTL, s.HandlerTimeout,
		s.PairingConfidenceFloor, s.RetentionDaysFSMHistory, s.SessionDurationCeiling, s.HTTPPort,
	)
}
