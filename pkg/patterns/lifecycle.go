package patterns

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/patternops/patternops/pkg/domainerr"
	"github.com/patternops/patternops/pkg/envelope"
)

// Lifecycle is the sole writer of learned_patterns.status,
// pattern_lifecycle_transitions, pattern_disable_events and the
// disabled_patterns_current refresh. Every transition applies all of its
// writes in one transaction; a failure rolls back all of them.
type Lifecycle struct {
	db         *sql.DB
	producerID string
	now        func() time.Time
}

// NewLifecycle creates the lifecycle reducer.
func NewLifecycle(db *sql.DB, producerID string) *Lifecycle {
	return &Lifecycle{db: db, producerID: producerID, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (l *Lifecycle) WithClock(now func() time.Time) *Lifecycle {
	l.now = now
	return l
}

// TransitionRequest asks for one status change.
type TransitionRequest struct {
	PatternID     string
	To            Status
	Actor         string
	Reason        string
	CorrelationID string
}

// Transition applies a status change and returns the events to publish:
// always a pattern_lifecycle_transition.v1, plus pattern_promoted.v1 when
// the target is VALIDATED and pattern_deprecated.v1 when it is DEPRECATED.
func (l *Lifecycle) Transition(ctx context.Context, req TransitionRequest) ([]*envelope.Envelope, error) {
	now := l.now().UTC()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domainerr.TransientIO(req.CorrelationID, err, "beginning lifecycle tx")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+patternColumns+` FROM learned_patterns WHERE id = $1 FOR UPDATE`,
		req.PatternID)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainerr.InvalidTransition(req.CorrelationID, "pattern %s does not exist", req.PatternID)
	}
	if err != nil {
		return nil, domainerr.TransientIO(req.CorrelationID, err, "loading pattern %s", req.PatternID)
	}

	if p.Status == req.To {
		return nil, domainerr.InvalidTransition(req.CorrelationID,
			"pattern %s is already %s", req.PatternID, req.To)
	}
	if !LegalTransition(p.Status, req.To) {
		return nil, domainerr.InvalidTransition(req.CorrelationID,
			"pattern %s: %s -> %s is not a legal lifecycle edge", req.PatternID, p.Status, req.To)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE learned_patterns SET status = $1, updated_at = $2 WHERE id = $3`,
		string(req.To), now, req.PatternID,
	); err != nil {
		return nil, domainerr.TransientIO(req.CorrelationID, err, "updating status on %s", req.PatternID)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pattern_lifecycle_transitions
			(pattern_id, from_status, to_status, actor, reason, correlation_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.PatternID, string(p.Status), string(req.To), req.Actor, req.Reason,
		req.CorrelationID, now,
	); err != nil {
		return nil, domainerr.TransientIO(req.CorrelationID, err, "appending transition audit for %s", req.PatternID)
	}

	if err := l.upsertLifecycleRow(ctx, tx, req.PatternID, req.To, now); err != nil {
		return nil, domainerr.TransientIO(req.CorrelationID, err, "updating lifecycle summary for %s", req.PatternID)
	}

	if isDisable(req.To) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pattern_disable_events
				(event_id, pattern_id, pattern_class, actor, reason, correlation_id, event_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
			uuid.NewString(), req.PatternID, p.PatternType, req.Actor, req.Reason,
			req.CorrelationID, now,
		); err != nil {
			return nil, domainerr.TransientIO(req.CorrelationID, err, "appending disable event for %s", req.PatternID)
		}
		// CONCURRENTLY is not allowed inside a transaction block; the
		// plain refresh keeps the view change atomic with the disable
		// event at the cost of a short reader lock.
		if _, err := tx.ExecContext(ctx,
			`REFRESH MATERIALIZED VIEW disabled_patterns_current`,
		); err != nil {
			return nil, domainerr.TransientIO(req.CorrelationID, err, "refreshing disabled_patterns_current")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, domainerr.TransientIO(req.CorrelationID, err, "committing lifecycle transition on %s", req.PatternID)
	}

	slog.Info("Pattern lifecycle transition",
		"pattern_id", req.PatternID, "from", p.Status, "to", req.To,
		"actor", req.Actor, "correlation_id", req.CorrelationID)

	return l.buildEvents(p, req, now)
}

func isDisable(to Status) bool {
	return to == StatusDeprecated || to == StatusArchived
}

func (l *Lifecycle) upsertLifecycleRow(ctx context.Context, tx *sql.Tx, patternID string, to Status, now time.Time) error {
	var promotedAt, deprecatedAt any
	if to == StatusValidated {
		promotedAt = now
	}
	if to == StatusDeprecated {
		deprecatedAt = now
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pattern_lifecycle (pattern_id, status, transition_count, promoted_at, deprecated_at, last_transition_at)
		VALUES ($1, $2, 1, $3, $4, $5)
		ON CONFLICT (pattern_id) DO UPDATE SET
			status = EXCLUDED.status,
			transition_count = pattern_lifecycle.transition_count + 1,
			promoted_at = COALESCE(EXCLUDED.promoted_at, pattern_lifecycle.promoted_at),
			deprecated_at = COALESCE(EXCLUDED.deprecated_at, pattern_lifecycle.deprecated_at),
			last_transition_at = EXCLUDED.last_transition_at`,
		patternID, string(to), promotedAt, deprecatedAt, now)
	return err
}

func (l *Lifecycle) buildEvents(p *Pattern, req TransitionRequest, now time.Time) ([]*envelope.Envelope, error) {
	transitionEvt, err := envelope.New(envelope.KindLifecycleTransition, req.CorrelationID, l.producerID, now,
		envelope.LifecycleTransitionPayload{
			PatternID:  req.PatternID,
			FromStatus: string(p.Status),
			ToStatus:   string(req.To),
			Actor:      req.Actor,
			Reason:     req.Reason,
			OccurredAt: envelope.FormatTime(now),
		})
	if err != nil {
		return nil, fmt.Errorf("building lifecycle transition event: %w", err)
	}
	events := []*envelope.Envelope{transitionEvt}

	var kind string
	switch req.To {
	case StatusValidated:
		kind = envelope.KindPatternPromoted
	case StatusDeprecated:
		kind = envelope.KindPatternDeprecated
	default:
		return events, nil
	}
	evt, err := envelope.New(kind, req.CorrelationID, l.producerID, now,
		envelope.PatternEventPayload{
			PatternID:     p.ID,
			PatternType:   p.PatternType,
			Name:          p.Name,
			DomainID:      p.DomainID,
			SignatureHash: p.SignatureHash,
			Version:       p.Version,
			Status:        string(req.To),
			SuccessRate:   p.SuccessRate,
			OccurredAt:    envelope.FormatTime(now),
		})
	if err != nil {
		return nil, fmt.Errorf("building %s event: %w", kind, err)
	}
	return append(events, evt), nil
}

// UpdateMetrics writes success_rate and match_count rollups. The feedback
// scorer routes its writes through here so learned_patterns keeps a single
// writer for everything beyond the initial upsert.
func (l *Lifecycle) UpdateMetrics(ctx context.Context, patternID string, successRate float64, correlationID string) error {
	if successRate < 0 || successRate > 1 {
		return domainerr.SchemaViolation(correlationID,
			"success_rate %v for pattern %s is outside [0,1]", successRate, patternID)
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE learned_patterns SET success_rate = $1, updated_at = $2 WHERE id = $3`,
		successRate, l.now().UTC(), patternID)
	if err != nil {
		return domainerr.TransientIO(correlationID, err, "updating metrics on %s", patternID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domainerr.TransientIO(correlationID, err, "updating metrics on %s", patternID)
	}
	if n == 0 {
		// Injections reference patterns without FKs; a stale id is logged,
		// not fatal.
		slog.Warn("Metrics update targeted a missing pattern",
			"pattern_id", patternID, "correlation_id", correlationID)
	}
	return nil
}

// DisabledPatterns reads the materialized view of currently-disabled
// patterns.
func (l *Lifecycle) DisabledPatterns(ctx context.Context) (map[string]time.Time, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT pattern_id, event_at FROM disabled_patterns_current`)
	if err != nil {
		return nil, fmt.Errorf("reading disabled_patterns_current: %w", err)
	}
	defer rows.Close()

	out := map[string]time.Time{}
	for rows.Next() {
		var (
			id string
			at time.Time
		)
		if err := rows.Scan(&id, &at); err != nil {
			return nil, err
		}
		out[id] = at
	}
	return out, rows.Err()
}
