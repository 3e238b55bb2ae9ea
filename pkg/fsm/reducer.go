package fsm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/patternops/patternops/pkg/domainerr"
)

// LeaseToken grants exclusive mutation rights on one FSM instance until
// ExpiresAt. A transition must present the matching (LeaseID, Epoch).
type LeaseToken struct {
	Kind          Kind
	EntityID      string
	LeaseID       string
	Epoch         int64
	ExpiresAt     time.Time
	From          State
	Action        Action
	CorrelationID string
}

// TransitionInput describes the state change applied under a lease.
type TransitionInput struct {
	To       State
	Metadata map[string]any
	// ErrorMessage is recorded in history; transitions into a failed
	// state carry the cause. Empty means success.
	ErrorMessage string
}

// Instance is a read model of one FSM row.
type Instance struct {
	Kind          Kind
	EntityID      string
	CurrentState  State
	PreviousState State
	TransitionAt  time.Time
	Metadata      json.RawMessage
	LeaseID       string
	LeaseEpoch    int64
	LeaseExpires  time.Time
}

// Reducer mediates all writes to fsm_state. Propose acquires the lease
// and validates the intended action; Transition applies the state change
// and appends history in the same transaction.
type Reducer struct {
	db       *sql.DB
	leaseTTL time.Duration
	now      func() time.Time
}

// NewReducer creates a reducer with the given lease TTL.
func NewReducer(db *sql.DB, leaseTTL time.Duration) *Reducer {
	return &Reducer{db: db, leaseTTL: leaseTTL, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (r *Reducer) WithClock(now func() time.Time) *Reducer {
	r.now = now
	return r
}

// Propose attempts to acquire the lease on (kind, entityID) and validates
// that action is legal from the entity's current state. The instance is
// created in the kind's initial state on first contact.
//
// Outcomes map onto the error taxonomy: a held, unexpired lease is
// Conflict (the loser must not retry within the same delivery); an action
// with no edge from the current state is InvalidTransition. A lease whose
// expiry is at or before the proposal instant counts as expired and is
// harvested; the new proposer wins.
func (r *Reducer) Propose(ctx context.Context, kind Kind, entityID string, action Action, correlationID, requesterID string) (*LeaseToken, error) {
	def, ok := DefinitionFor(kind)
	if !ok {
		return nil, domainerr.InvalidTransition(correlationID, "unknown fsm kind %q", kind)
	}
	now := r.now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domainerr.TransientIO(correlationID, err, "beginning propose tx")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fsm_state (fsm_kind, entity_id, current_state, transition_at, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, '{}', $4, $4)
		ON CONFLICT (fsm_kind, entity_id) DO NOTHING`,
		string(kind), entityID, string(def.Initial), now,
	); err != nil {
		return nil, domainerr.TransientIO(correlationID, err, "creating fsm instance %s/%s", kind, entityID)
	}

	var (
		currentState string
		leaseID      sql.NullString
		leaseEpoch   int64
		leaseExpires sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `
		SELECT current_state, lease_id, lease_epoch, lease_expires_at
		FROM fsm_state
		WHERE fsm_kind = $1 AND entity_id = $2
		FOR UPDATE`,
		string(kind), entityID,
	).Scan(&currentState, &leaseID, &leaseEpoch, &leaseExpires)
	if err != nil {
		return nil, domainerr.TransientIO(correlationID, err, "loading fsm instance %s/%s", kind, entityID)
	}

	next, ok := def.Next(State(currentState), action)
	if !ok {
		return nil, domainerr.InvalidTransition(correlationID,
			"fsm %s/%s: no edge for action %q from state %q", kind, entityID, action, currentState)
	}

	if leaseID.Valid && leaseExpires.Valid && leaseExpires.Time.After(now) {
		return nil, domainerr.Conflict(correlationID,
			"fsm %s/%s: lease %s held until %s", kind, entityID, leaseID.String, leaseExpires.Time.Format(time.RFC3339))
	}

	newLease := uuid.NewString()
	newEpoch := leaseEpoch + 1
	expiresAt := now.Add(r.leaseTTL)
	if _, err := tx.ExecContext(ctx, `
		UPDATE fsm_state
		SET lease_id = $1, lease_epoch = $2, lease_expires_at = $3, updated_at = $4
		WHERE fsm_kind = $5 AND entity_id = $6`,
		newLease, newEpoch, expiresAt, now, string(kind), entityID,
	); err != nil {
		return nil, domainerr.TransientIO(correlationID, err, "acquiring lease on %s/%s", kind, entityID)
	}

	if err := tx.Commit(); err != nil {
		return nil, domainerr.TransientIO(correlationID, err, "committing propose on %s/%s", kind, entityID)
	}

	slog.Debug("Lease acquired",
		"fsm_kind", kind, "entity_id", entityID, "lease_epoch", newEpoch,
		"action", action, "requester_id", requesterID, "correlation_id", correlationID)

	_ = next // target state is re-validated at Transition time
	return &LeaseToken{
		Kind:          kind,
		EntityID:      entityID,
		LeaseID:       newLease,
		Epoch:         newEpoch,
		ExpiresAt:     expiresAt,
		From:          State(currentState),
		Action:        action,
		CorrelationID: correlationID,
	}, nil
}

// Transition applies the proposed state change atomically: the fsm_state
// update and the history append happen in one transaction, so no history
// without a state change, no state change without history.
func (r *Reducer) Transition(ctx context.Context, token *LeaseToken, in TransitionInput) error {
	def, ok := DefinitionFor(token.Kind)
	if !ok {
		return domainerr.InvalidTransition(token.CorrelationID, "unknown fsm kind %q", token.Kind)
	}
	if !def.CanTransition(token.From, token.Action, in.To) {
		return domainerr.InvalidTransition(token.CorrelationID,
			"fsm %s/%s: edge (%s, %s, %s) is not in the static edge set",
			token.Kind, token.EntityID, token.From, token.Action, in.To)
	}

	metadata := in.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshaling transition metadata: %w", err)
	}

	now := r.now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domainerr.TransientIO(token.CorrelationID, err, "beginning transition tx")
	}
	defer func() { _ = tx.Rollback() }()

	var (
		currentState     string
		leaseID          sql.NullString
		leaseEpoch       int64
		leaseExpires     sql.NullTime
		prevTransitionAt time.Time
	)
	err = tx.QueryRowContext(ctx, `
		SELECT current_state, lease_id, lease_epoch, lease_expires_at, transition_at
		FROM fsm_state
		WHERE fsm_kind = $1 AND entity_id = $2
		FOR UPDATE`,
		string(token.Kind), token.EntityID,
	).Scan(&currentState, &leaseID, &leaseEpoch, &leaseExpires, &prevTransitionAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainerr.InvalidTransition(token.CorrelationID,
				"fsm %s/%s: instance does not exist", token.Kind, token.EntityID)
		}
		return domainerr.TransientIO(token.CorrelationID, err, "loading fsm instance %s/%s", token.Kind, token.EntityID)
	}

	leaseValid := leaseID.Valid && leaseID.String == token.LeaseID &&
		leaseEpoch == token.Epoch &&
		leaseExpires.Valid && leaseExpires.Time.After(now)
	if !leaseValid {
		return domainerr.StaleLease(token.CorrelationID,
			"fsm %s/%s: lease %s epoch %d expired or superseded",
			token.Kind, token.EntityID, token.LeaseID, token.Epoch)
	}
	if State(currentState) != token.From {
		return domainerr.InvalidTransition(token.CorrelationID,
			"fsm %s/%s: state moved to %q since propose", token.Kind, token.EntityID, currentState)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE fsm_state
		SET current_state = $1,
		    previous_state = $2,
		    transition_at = $3,
		    metadata = metadata || $4,
		    updated_at = $3
		WHERE fsm_kind = $5 AND entity_id = $6`,
		string(in.To), string(token.From), now, metaJSON,
		string(token.Kind), token.EntityID,
	); err != nil {
		return domainerr.TransientIO(token.CorrelationID, err, "applying transition on %s/%s", token.Kind, token.EntityID)
	}

	durationMs := now.Sub(prevTransitionAt).Milliseconds()
	if durationMs < 0 {
		durationMs = 0
	}
	var errMsg sql.NullString
	if in.ErrorMessage != "" {
		errMsg = sql.NullString{String: in.ErrorMessage, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fsm_state_history
			(fsm_kind, entity_id, from_state, to_state, action, duration_ms, success, error_message, correlation_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(token.Kind), token.EntityID, string(token.From), string(in.To), string(token.Action),
		durationMs, in.ErrorMessage == "", errMsg, token.CorrelationID, now,
	); err != nil {
		return domainerr.TransientIO(token.CorrelationID, err, "appending fsm history for %s/%s", token.Kind, token.EntityID)
	}

	if err := tx.Commit(); err != nil {
		return domainerr.TransientIO(token.CorrelationID, err, "committing transition on %s/%s", token.Kind, token.EntityID)
	}

	slog.Info("FSM transition applied",
		"fsm_kind", token.Kind, "entity_id", token.EntityID,
		"from", token.From, "to", in.To, "action", token.Action,
		"duration_ms", durationMs, "correlation_id", token.CorrelationID)
	return nil
}

// Renew extends the lease TTL. Long-running handlers call this before
// expiry; a renewal after expiry is StaleLease.
func (r *Reducer) Renew(ctx context.Context, token *LeaseToken) error {
	now := r.now().UTC()
	expiresAt := now.Add(r.leaseTTL)
	res, err := r.db.ExecContext(ctx, `
		UPDATE fsm_state
		SET lease_expires_at = $1, updated_at = $2
		WHERE fsm_kind = $3 AND entity_id = $4
		  AND lease_id = $5 AND lease_epoch = $6 AND lease_expires_at > $2`,
		expiresAt, now, string(token.Kind), token.EntityID, token.LeaseID, token.Epoch,
	)
	if err != nil {
		return domainerr.TransientIO(token.CorrelationID, err, "renewing lease on %s/%s", token.Kind, token.EntityID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domainerr.TransientIO(token.CorrelationID, err, "renewing lease on %s/%s", token.Kind, token.EntityID)
	}
	if n == 0 {
		return domainerr.StaleLease(token.CorrelationID,
			"fsm %s/%s: lease %s epoch %d cannot be renewed", token.Kind, token.EntityID, token.LeaseID, token.Epoch)
	}
	token.ExpiresAt = expiresAt
	return nil
}

// Release clears the lease if the token still holds it. Releasing a lost
// lease is a no-op: the next holder already owns the row.
func (r *Reducer) Release(ctx context.Context, token *LeaseToken) error {
	now := r.now().UTC()
	_, err := r.db.ExecContext(ctx, `
		UPDATE fsm_state
		SET lease_id = NULL, lease_expires_at = NULL, updated_at = $1
		WHERE fsm_kind = $2 AND entity_id = $3 AND lease_id = $4 AND lease_epoch = $5`,
		now, string(token.Kind), token.EntityID, token.LeaseID, token.Epoch,
	)
	if err != nil {
		return domainerr.TransientIO(token.CorrelationID, err, "releasing lease on %s/%s", token.Kind, token.EntityID)
	}
	return nil
}

// Get loads one FSM instance, for read paths and tests.
func (r *Reducer) Get(ctx context.Context, kind Kind, entityID string) (*Instance, error) {
	var (
		inst         Instance
		prev         sql.NullString
		leaseID      sql.NullString
		leaseExpires sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT fsm_kind, entity_id, current_state, previous_state, transition_at, metadata,
		       lease_id, lease_epoch, lease_expires_at
		FROM fsm_state
		WHERE fsm_kind = $1 AND entity_id = $2`,
		string(kind), entityID,
	).Scan(&inst.Kind, &inst.EntityID, &inst.CurrentState, &prev, &inst.TransitionAt,
		&inst.Metadata, &leaseID, &inst.LeaseEpoch, &leaseExpires)
	if err != nil {
		return nil, err
	}
	inst.PreviousState = State(prev.String)
	inst.LeaseID = leaseID.String
	if leaseExpires.Valid {
		inst.LeaseExpires = leaseExpires.Time
	}
	return &inst, nil
}

// HarvestExpiredLeases clears leases whose expiry is at or before now.
// Run periodically by the cleanup service; expired leases are otherwise
// harvested lazily on the next propose.
func (r *Reducer) HarvestExpiredLeases(ctx context.Context) (int64, error) {
	now := r.now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE fsm_state
		SET lease_id = NULL, lease_expires_at = NULL, updated_at = $1
		WHERE lease_id IS NOT NULL AND lease_expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("harvesting expired leases: %w", err)
	}
	return res.RowsAffected()
}
