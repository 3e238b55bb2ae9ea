// Package feedback joins per-session routing outcomes with the patterns
// injected into those sessions and rolls the results up into per-pattern
// success rates.
package feedback

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/patternops/patternops/pkg/domainerr"
	"github.com/patternops/patternops/pkg/envelope"
	"github.com/patternops/patternops/pkg/patterns"
)

// Scorer consumes session_outcome.v1. Rollup writes go through the
// lifecycle reducer so learned_patterns keeps its single writer.
type Scorer struct {
	db              *sql.DB
	lifecycle       *patterns.Lifecycle
	injections      *patterns.Repository
	durationCeiling time.Duration
	now             func() time.Time
}

// NewScorer creates the feedback scorer. durationCeiling is the session
// duration above which a session never counts as a success.
func NewScorer(db *sql.DB, lifecycle *patterns.Lifecycle, durationCeiling time.Duration) *Scorer {
	return &Scorer{
		db:              db,
		lifecycle:       lifecycle,
		injections:      patterns.NewRepository(db),
		durationCeiling: durationCeiling,
		now:             time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	s.now = now
	return s
}

// SessionSuccess is the success predicate: the routed agent matched the
// recommendation, the session did work, and it finished under the ceiling.
func (s *Scorer) SessionSuccess(p envelope.SessionOutcomePayload) bool {
	return p.AgentSelected == p.AgentRecommended &&
		p.ToolCallsCount > 0 &&
		p.DurationMs < s.durationCeiling.Milliseconds()
}

// HandleSessionOutcome records the patterns the payload says were
// injected, upserts the session's score row, and refreshes the success
// rate of every pattern injected into the session. Redeliveries rewrite
// the same rows and recompute the same rollups.
func (s *Scorer) HandleSessionOutcome(ctx context.Context, p envelope.SessionOutcomePayload, correlationID string) error {
	success := s.SessionSuccess(p)
	processedAt, err := envelope.ParseTime(p.ProcessedAt)
	if err != nil {
		return domainerr.SchemaViolation(correlationID, "session %s: processed_at: %v", p.SessionID, err)
	}

	if len(p.InjectedPatternIDs) > 0 {
		if err := s.injections.RecordInjection(ctx, patterns.Injection{
			SessionID:  p.SessionID,
			RunID:      p.RunID,
			PatternIDs: p.InjectedPatternIDs,
			OccurredAt: processedAt,
		}); err != nil {
			return domainerr.TransientIO(correlationID, err, "recording injection for session %s", p.SessionID)
		}
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO routing_feedback_scores
			(session_id, run_id, agent_selected, agent_recommended, routing_confidence,
			 injection_occurred, patterns_injected_count, tool_calls_count, duration_ms,
			 success, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			agent_selected = EXCLUDED.agent_selected,
			agent_recommended = EXCLUDED.agent_recommended,
			routing_confidence = EXCLUDED.routing_confidence,
			injection_occurred = EXCLUDED.injection_occurred,
			patterns_injected_count = EXCLUDED.patterns_injected_count,
			tool_calls_count = EXCLUDED.tool_calls_count,
			duration_ms = EXCLUDED.duration_ms,
			success = EXCLUDED.success,
			processed_at = EXCLUDED.processed_at`,
		p.SessionID, p.RunID, p.AgentSelected, p.AgentRecommended, p.RoutingConfidence,
		p.InjectionOccurred, p.PatternsInjectedCount, p.ToolCallsCount, p.DurationMs,
		success, processedAt.UTC(),
	); err != nil {
		return domainerr.TransientIO(correlationID, err, "upserting feedback score for session %s", p.SessionID)
	}

	patternIDs, err := s.injectedPatterns(ctx, p.SessionID)
	if err != nil {
		return domainerr.TransientIO(correlationID, err, "loading injections for session %s", p.SessionID)
	}

	for _, id := range patternIDs {
		rate, sessions, err := s.successRate(ctx, id)
		if err != nil {
			return domainerr.TransientIO(correlationID, err, "computing success rate for pattern %s", id)
		}
		if sessions == 0 {
			continue
		}
		if err := s.lifecycle.UpdateMetrics(ctx, id, rate, correlationID); err != nil {
			return err
		}
	}

	slog.Info("Session outcome scored",
		"session_id", p.SessionID, "success", success,
		"patterns_updated", len(patternIDs), "correlation_id", correlationID)
	return nil
}

func (s *Scorer) injectedPatterns(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT unnest(pattern_ids)
		FROM pattern_injections
		WHERE session_id = $1
		ORDER BY 1`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// successRate computes successes/(successes+failures) over every scored
// session the pattern was injected into.
func (s *Scorer) successRate(ctx context.Context, patternID string) (float64, int, error) {
	var successes, total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE rfs.success), COUNT(*)
		FROM routing_feedback_scores rfs
		JOIN pattern_injections pi ON pi.session_id = rfs.session_id
		WHERE $1::uuid = ANY (pi.pattern_ids)`,
		patternID,
	).Scan(&successes, &total)
	if err != nil {
		return 0, 0, err
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(successes) / float64(total), total, nil
}
