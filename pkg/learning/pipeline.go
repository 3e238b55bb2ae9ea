package learning

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/patternops/patternops/pkg/domainerr"
	"github.com/patternops/patternops/pkg/envelope"
	"github.com/patternops/patternops/pkg/fsm"
	"github.com/patternops/patternops/pkg/patterns"
)

// Sequencer serializes pipeline runs per session through FSM leases.
type Sequencer interface {
	Propose(ctx context.Context, kind fsm.Kind, entityID string, action fsm.Action, correlationID, requesterID string) (*fsm.LeaseToken, error)
	Transition(ctx context.Context, token *fsm.LeaseToken, in fsm.TransitionInput) error
	Release(ctx context.Context, token *fsm.LeaseToken) error
	Get(ctx context.Context, kind fsm.Kind, entityID string) (*fsm.Instance, error)
}

// stageRank orders the pattern-learning stages so a resumed run can
// skip transitions an earlier attempt already made. LEARN_FAILED is
// deliberately absent: a session that failed permanently stays failed.
var stageRank = map[fsm.State]int{
	fsm.StateFoundation:   0,
	fsm.StateMatching:     1,
	fsm.StateValidation:   2,
	fsm.StateTraceability: 3,
	fsm.StateCompleted:    4,
}

// VectorMirror is the slice of the memory-service client the pipeline
// uses. The mirror is best-effort: a broken circuit degrades the run
// instead of failing it.
type VectorMirror interface {
	Available() bool
	UpsertVector(ctx context.Context, payload any, correlationID string) error
}

// Pipeline runs trace parsing, extraction and learning for one
// learn_patterns command.
type Pipeline struct {
	db         *sql.DB
	repo       *patterns.Repository
	mirror     VectorMirror
	seq        Sequencer
	producerID string
	now        func() time.Time
}

// NewPipeline creates the learning pipeline. mirror and seq may be nil:
// without a mirror patterns are not replicated into the memory service,
// and without a sequencer runs are not serialized per session.
func NewPipeline(db *sql.DB, repo *patterns.Repository, mirror VectorMirror, seq Sequencer, producerID string) *Pipeline {
	return &Pipeline{db: db, repo: repo, mirror: mirror, seq: seq, producerID: producerID, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (pl *Pipeline) WithClock(now func() time.Time) *Pipeline {
	pl.now = now
	return pl
}

// Run executes the pipeline end-to-end. The run is retry-safe: the same
// command produces the same upserts, the workflow_executions row
// collapses on the triggering message id, and a redelivery of an
// already-completed command is a no-op that leaves the completed row
// untouched.
func (pl *Pipeline) Run(ctx context.Context, messageID string, p envelope.LearnPatternsPayload, correlationID string) ([]*envelope.Envelope, error) {
	now := pl.now().UTC()

	if err := pl.repo.EnsureDomain(ctx, p.DomainID, p.DomainID, now); err != nil {
		return nil, domainerr.TransientIO(correlationID, err, "ensuring domain %s", p.DomainID)
	}

	execID, prior, err := pl.beginExecution(ctx, messageID, p, correlationID, now)
	if err != nil {
		return nil, err
	}
	switch prior {
	case "completed":
		// Events were already published before the lost ack; downstream
		// collapses on message_id.
		slog.Info("Redelivery of a completed command, nothing to do",
			"execution_id", execID, "session_id", p.SessionID, "correlation_id", correlationID)
		return nil, nil
	case "failed":
		if err := pl.resumeExecution(ctx, execID); err != nil {
			return nil, domainerr.TransientIO(correlationID, err, "resuming execution %s", execID)
		}
	}

	events, runErr := pl.run(ctx, p, correlationID)
	if runErr != nil {
		if err := pl.finishExecution(ctx, execID, "failed", 0, 0, runErr.Error()); err != nil {
			slog.Error("Failed to record failed execution", "execution_id", execID, "error", err)
		}
		return nil, runErr
	}

	extracted, learned := countOutcomes(events)
	if err := pl.finishExecution(ctx, execID, "completed", extracted, learned, ""); err != nil {
		return nil, domainerr.TransientIO(correlationID, err, "completing execution %s", execID)
	}
	return events, nil
}

func (pl *Pipeline) run(ctx context.Context, p envelope.LearnPatternsPayload, correlationID string) ([]*envelope.Envelope, error) {
	entity := p.SessionID

	if err := pl.advance(ctx, entity, fsm.ActionBeginMatching, fsm.StateMatching, correlationID); err != nil {
		return nil, err
	}

	trace, err := ParseTrace(p.Trace)
	if err != nil {
		pl.fail(ctx, entity, correlationID, err)
		return nil, domainerr.SchemaViolation(correlationID, "parsing trace for session %s: %v", p.SessionID, err)
	}
	candidates, err := Extract(p.DomainID, trace)
	if err != nil {
		pl.fail(ctx, entity, correlationID, err)
		return nil, domainerr.SchemaViolation(correlationID, "extracting patterns for session %s: %v", p.SessionID, err)
	}

	if err := pl.advance(ctx, entity, fsm.ActionBeginValidation, fsm.StateValidation, correlationID); err != nil {
		return nil, err
	}

	now := pl.now().UTC()
	var events []*envelope.Envelope
	var stored []*patterns.Pattern
	for _, x := range candidates {
		// No fail() here: a storage error is transient, and the FSM
		// staying mid-state lets the redelivery resume where it stopped.
		res, err := pl.repo.Upsert(ctx, x.Candidate, now)
		if err != nil {
			return nil, domainerr.TransientIO(correlationID, err, "upserting candidate %q", x.Candidate.Name)
		}
		stored = append(stored, res.Pattern)

		kind := envelope.KindPatternStored
		if res.Created {
			kind = envelope.KindPatternLearned
		}
		evt, err := envelope.New(kind, correlationID, pl.producerID, now, patternEventPayload(res.Pattern, now))
		if err != nil {
			return nil, domainerr.SchemaViolation(correlationID, "building %s event: %v", kind, err)
		}
		events = append(events, evt)
	}

	if err := pl.advance(ctx, entity, fsm.ActionBeginTraceability, fsm.StateTraceability, correlationID); err != nil {
		return nil, err
	}

	pl.mirrorPatterns(ctx, stored, correlationID)

	if err := pl.advance(ctx, entity, fsm.ActionComplete, fsm.StateCompleted, correlationID); err != nil {
		return nil, err
	}

	slog.Info("Learning pipeline completed",
		"session_id", p.SessionID, "domain_id", p.DomainID,
		"candidates", len(candidates), "correlation_id", correlationID)
	return events, nil
}

// mirrorPatterns replicates stored patterns into the memory service.
// Failures degrade the run, they never fail it.
func (pl *Pipeline) mirrorPatterns(ctx context.Context, stored []*patterns.Pattern, correlationID string) {
	if pl.mirror == nil {
		return
	}
	if !pl.mirror.Available() {
		slog.Warn("Memory service circuit open, skipping vector mirror",
			"patterns", len(stored), "correlation_id", correlationID)
		return
	}
	for _, p := range stored {
		err := pl.mirror.UpsertVector(ctx, map[string]any{
			"pattern_id":     p.ID,
			"pattern_type":   p.PatternType,
			"name":           p.Name,
			"domain_id":      p.DomainID,
			"signature_hash": p.SignatureHash,
			"version":        p.Version,
		}, correlationID)
		if err != nil {
			slog.Warn("Vector mirror failed",
				"pattern_id", p.ID, "error", err, "correlation_id", correlationID)
		}
	}
}

// advance moves the session's PATTERN_LEARNING FSM one step under a
// fresh lease. A step an earlier attempt already took is skipped, so a
// resumed run never re-proposes an edge behind the current state.
func (pl *Pipeline) advance(ctx context.Context, entity string, action fsm.Action, to fsm.State, correlationID string) error {
	if pl.seq == nil {
		return nil
	}
	if inst, err := pl.seq.Get(ctx, fsm.KindPatternLearning, entity); err == nil {
		if rank, ok := stageRank[inst.CurrentState]; ok && rank >= stageRank[to] {
			slog.Debug("FSM already at or past stage, skipping",
				"entity_id", entity, "current", inst.CurrentState, "target", to,
				"correlation_id", correlationID)
			return nil
		}
	}
	token, err := pl.seq.Propose(ctx, fsm.KindPatternLearning, entity, action, correlationID, pl.producerID)
	if err != nil {
		return err
	}
	if err := pl.seq.Transition(ctx, token, fsm.TransitionInput{To: to}); err != nil {
		_ = pl.seq.Release(ctx, token)
		return err
	}
	return pl.seq.Release(ctx, token)
}

// fail moves the FSM to LEARN_FAILED, best effort.
func (pl *Pipeline) fail(ctx context.Context, entity string, correlationID string, cause error) {
	if pl.seq == nil {
		return
	}
	token, err := pl.seq.Propose(ctx, fsm.KindPatternLearning, entity, fsm.ActionFail, correlationID, pl.producerID)
	if err != nil {
		slog.Warn("Could not lease FSM for failure transition",
			"entity_id", entity, "error", err, "correlation_id", correlationID)
		return
	}
	defer func() { _ = pl.seq.Release(ctx, token) }()
	if err := pl.seq.Transition(ctx, token, fsm.TransitionInput{
		To:           fsm.StateLearnFailed,
		ErrorMessage: cause.Error(),
	}); err != nil {
		slog.Warn("Failure transition did not apply",
			"entity_id", entity, "error", err, "correlation_id", correlationID)
	}
}

// beginExecution records the run, collapsing on the triggering message
// id. For a redelivery it returns the original row's id and status so
// the caller can short-circuit a completed run or resume a broken one.
func (pl *Pipeline) beginExecution(ctx context.Context, messageID string, p envelope.LearnPatternsPayload, correlationID string, now time.Time) (string, string, error) {
	execID := uuid.NewString()
	res, err := pl.db.ExecContext(ctx, `
		INSERT INTO workflow_executions
			(execution_id, trigger_message_id, session_id, run_id, domain_id, status, correlation_id, started_at)
		VALUES ($1, $2, $3, $4, $5, 'running', $6, $7)
		ON CONFLICT (trigger_message_id) DO NOTHING`,
		execID, messageID, p.SessionID, p.RunID, p.DomainID, correlationID, now)
	if err != nil {
		return "", "", domainerr.TransientIO(correlationID, err, "recording execution for message %s", messageID)
	}
	var prior string
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if err := pl.db.QueryRowContext(ctx,
			`SELECT execution_id, status FROM workflow_executions WHERE trigger_message_id = $1`,
			messageID).Scan(&execID, &prior); err != nil {
			return "", "", domainerr.TransientIO(correlationID, err, "loading execution for message %s", messageID)
		}
	}
	return execID, prior, nil
}

// resumeExecution reopens a failed run for retry. Completed rows are
// never rewritten; the status guard keeps them immutable.
func (pl *Pipeline) resumeExecution(ctx context.Context, execID string) error {
	_, err := pl.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = 'running', error_message = NULL, completed_at = NULL
		WHERE execution_id = $1 AND status <> 'completed'`,
		execID)
	return err
}

func (pl *Pipeline) finishExecution(ctx context.Context, execID, status string, extracted, learned int, errMsg string) error {
	var errArg any
	if errMsg != "" {
		errArg = errMsg
	}
	// Completed rows are terminal; nothing rewrites them.
	_, err := pl.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = $1, patterns_extracted = $2, patterns_learned = $3,
		    error_message = $4, completed_at = $5
		WHERE execution_id = $6 AND status <> 'completed'`,
		status, extracted, learned, errArg, pl.now().UTC(), execID)
	return err
}

func countOutcomes(events []*envelope.Envelope) (extracted, learned int) {
	for _, e := range events {
		extracted++
		if e.Kind == envelope.KindPatternLearned {
			learned++
		}
	}
	return extracted, learned
}

func patternEventPayload(p *patterns.Pattern, now time.Time) envelope.PatternEventPayload {
	return envelope.PatternEventPayload{
		PatternID:     p.ID,
		PatternType:   p.PatternType,
		Name:          p.Name,
		DomainID:      p.DomainID,
		SignatureHash: p.SignatureHash,
		Version:       p.Version,
		Status:        string(p.Status),
		SuccessRate:   p.SuccessRate,
		OccurredAt:    envelope.FormatTime(now),
	}
}
