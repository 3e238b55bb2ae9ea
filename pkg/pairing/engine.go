package pairing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/patternops/patternops/pkg/domainerr"
	"github.com/patternops/patternops/pkg/envelope"
)

// Pair confidence by pairing type.
const (
	ConfidenceAutofix    = 0.95
	ConfidenceSameCommit = 0.85
	ConfidenceSamePR     = 0.70
	ConfidenceTemporal   = 0.50
	ConfidenceInferred   = 0.30
)

// temporalWindow bounds how long after the observation a fix still counts
// as temporally paired.
const temporalWindow = 24 * time.Hour

// Engine implements the finding/fix correlation algorithm. It consumes
// finding_observed, fix_applied and finding_resolved and emits
// pair_created once disappearance is confirmed.
type Engine struct {
	repo       *Repository
	producerID string
	floor      float64
	now        func() time.Time
}

// NewEngine creates the pairing engine. floor is the confidence below
// which pairs are excluded from promotion inputs.
func NewEngine(repo *Repository, producerID string, floor float64) *Engine {
	return &Engine{repo: repo, producerID: producerID, floor: floor, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// HandleFindingObserved persists the finding. Duplicate deliveries are
// no-ops.
func (e *Engine) HandleFindingObserved(ctx context.Context, p envelope.FindingObservedPayload, correlationID string) error {
	observedAt, err := envelope.ParseTime(p.ObservedAt)
	if err != nil {
		return domainerr.SchemaViolation(correlationID, "finding %s: observed_at: %v", p.FindingID, err)
	}
	var lineEnd int
	if p.LineEnd != nil {
		lineEnd = *p.LineEnd
	}
	f := Finding{
		FindingID:         p.FindingID,
		Repo:              p.Repo,
		PRID:              p.PRID,
		RuleID:            p.RuleID,
		Severity:          p.Severity,
		FilePath:          p.FilePath,
		LineStart:         p.LineStart,
		LineEnd:           lineEnd,
		ToolName:          p.ToolName,
		ToolVersion:       p.ToolVersion,
		NormalizedMessage: p.NormalizedMessage,
		RawMessage:        p.RawMessage,
		CommitSHAObserved: p.CommitSHAObserved,
		CorrelationID:     correlationID,
		ObservedAt:        observedAt,
	}
	if err := e.repo.SaveFinding(ctx, f); err != nil {
		return domainerr.TransientIO(correlationID, err, "persisting finding %s", p.FindingID)
	}
	return nil
}

// HandleFixApplied records the fix and creates or updates the candidate
// pair for (finding_id, fix_commit_sha). A fix for an unknown finding is
// acked and dropped with a warning: review_fixes.finding_id references
// review_findings, so the row cannot be stored before its finding. If
// the finding arrives later, its resolution still pairs through the
// inferred path.
func (e *Engine) HandleFixApplied(ctx context.Context, p envelope.FixAppliedPayload, correlationID string) error {
	appliedAt, err := envelope.ParseTime(p.AppliedAt)
	if err != nil {
		return domainerr.SchemaViolation(correlationID, "fix %s: applied_at: %v", p.FixID, err)
	}

	finding, err := e.repo.GetFinding(ctx, p.FindingID)
	if errors.Is(err, ErrNotFound) {
		slog.Warn("Fix references an unknown finding",
			"fix_id", p.FixID, "finding_id", p.FindingID, "correlation_id", correlationID)
		return nil
	}
	if err != nil {
		return domainerr.TransientIO(correlationID, err, "loading finding %s", p.FindingID)
	}

	fx := Fix{
		FixID:            p.FixID,
		FindingID:        p.FindingID,
		FixCommitSHA:     p.FixCommitSHA,
		FilePath:         p.FilePath,
		DiffHunks:        p.DiffHunks,
		TouchedLineStart: p.TouchedLineRange[0],
		TouchedLineEnd:   p.TouchedLineRange[1],
		ToolAutofix:      p.ToolAutofix,
		AppliedAt:        appliedAt,
	}
	if err := e.repo.SaveFix(ctx, fx); err != nil {
		return domainerr.TransientIO(correlationID, err, "persisting fix %s", p.FixID)
	}

	winner, err := e.electWinner(ctx, finding, fx)
	if err != nil {
		return domainerr.TransientIO(correlationID, err, "electing winning fix for %s", p.FindingID)
	}

	pairType := classify(finding, winner)
	pair := Pair{
		PairID:                 uuid.NewString(),
		FindingID:              finding.FindingID,
		FixCommitSHA:           winner.FixCommitSHA,
		DiffHunks:              winner.DiffHunks,
		ConfidenceScore:        confidenceFor(pairType),
		DisappearanceConfirmed: false,
		PairingType:            pairType,
		CreatedAt:              e.now().UTC(),
	}
	if err := e.repo.UpsertPair(ctx, pair); err != nil {
		return domainerr.TransientIO(correlationID, err, "upserting pair (%s, %s)", finding.FindingID, winner.FixCommitSHA)
	}

	if err := e.repo.RefreshCandidate(ctx, finding.RuleID, finding.Repo, e.floor, e.now()); err != nil {
		return domainerr.TransientIO(correlationID, err, "refreshing candidate rollup for rule %s", finding.RuleID)
	}
	return nil
}

// HandleFindingResolved confirms disappearance. An existing candidate
// pair is confirmed; a resolution without one creates an inferred pair.
// pair_created is emitted exactly once per pair.
func (e *Engine) HandleFindingResolved(ctx context.Context, p envelope.FindingResolvedPayload, correlationID string) ([]*envelope.Envelope, error) {
	pair, err := e.repo.GetPair(ctx, p.FindingID, p.FixCommitSHA)
	switch {
	case errors.Is(err, ErrNotFound):
		pair = &Pair{
			PairID:                 uuid.NewString(),
			FindingID:              p.FindingID,
			FixCommitSHA:           p.FixCommitSHA,
			ConfidenceScore:        ConfidenceInferred,
			DisappearanceConfirmed: true,
			PairingType:            envelope.PairingInferred,
			CreatedAt:              e.now().UTC(),
		}
		if err := e.repo.UpsertPair(ctx, *pair); err != nil {
			return nil, domainerr.TransientIO(correlationID, err, "creating inferred pair (%s, %s)", p.FindingID, p.FixCommitSHA)
		}
	case err != nil:
		return nil, domainerr.TransientIO(correlationID, err, "loading pair (%s, %s)", p.FindingID, p.FixCommitSHA)
	default:
		changed, err := e.repo.ConfirmPair(ctx, p.FindingID, p.FixCommitSHA)
		if err != nil {
			return nil, domainerr.TransientIO(correlationID, err, "confirming pair (%s, %s)", p.FindingID, p.FixCommitSHA)
		}
		if !changed {
			// Already confirmed: redelivery, nothing to emit.
			return nil, nil
		}
		pair.DisappearanceConfirmed = true
	}

	if finding, err := e.repo.GetFinding(ctx, p.FindingID); err == nil {
		if err := e.repo.RefreshCandidate(ctx, finding.RuleID, finding.Repo, e.floor, e.now()); err != nil {
			return nil, domainerr.TransientIO(correlationID, err, "refreshing candidate rollup for rule %s", finding.RuleID)
		}
	}

	now := e.now().UTC()
	evt, err := envelope.New(envelope.KindPairCreated, correlationID, e.producerID, now,
		envelope.PairCreatedPayload{
			PairID:                 pair.PairID,
			FindingID:              pair.FindingID,
			FixCommitSHA:           pair.FixCommitSHA,
			DiffHunks:              pair.DiffHunks,
			ConfidenceScore:        pair.ConfidenceScore,
			DisappearanceConfirmed: true,
			PairingType:            pair.PairingType,
			CreatedAt:              envelope.FormatTime(pair.CreatedAt),
		})
	if err != nil {
		return nil, domainerr.SchemaViolation(correlationID, "building pair_created: %v", err)
	}

	slog.Info("Pair confirmed",
		"pair_id", pair.PairID, "finding_id", pair.FindingID,
		"fix_commit_sha", pair.FixCommitSHA, "pairing_type", pair.PairingType,
		"confidence", pair.ConfidenceScore, "correlation_id", correlationID)
	return []*envelope.Envelope{evt}, nil
}

// electWinner picks among all fixes targeting the finding in the same
// commit: largest overlap with the finding's line range wins, ties broken
// by smallest fix_id.
func (e *Engine) electWinner(ctx context.Context, finding *Finding, latest Fix) (Fix, error) {
	fixes, err := e.repo.FixesForCommit(ctx, finding.FindingID, latest.FixCommitSHA)
	if err != nil {
		return Fix{}, err
	}
	if len(fixes) == 0 {
		// SaveFix collapsed on a duplicate fix_id; the incoming fix still
		// competes.
		fixes = []Fix{latest}
	}

	winner := fixes[0]
	best := overlap(finding, winner)
	for _, fx := range fixes[1:] {
		o := overlap(finding, fx)
		// fixes are ordered by fix_id, so strict improvement implements
		// the smallest-fix_id tie-break.
		if o > best {
			winner, best = fx, o
		}
	}
	return winner, nil
}

// overlap computes |touched_line_range ∩ [line_start, line_end]| in
// lines. A missing line_end means single-line.
func overlap(f *Finding, fx Fix) int {
	lineEnd := f.LineEnd
	if lineEnd == 0 {
		lineEnd = f.LineStart
	}
	lo := max(f.LineStart, fx.TouchedLineStart)
	hi := min(lineEnd, fx.TouchedLineEnd)
	if hi < lo {
		return 0
	}
	return hi - lo + 1
}

// classify derives the pairing type from the strongest available signal.
func classify(f *Finding, fx Fix) string {
	switch {
	case fx.ToolAutofix:
		return envelope.PairingAutofix
	case fx.FixCommitSHA == f.CommitSHAObserved:
		return envelope.PairingSameCommit
	case fx.FilePath == f.FilePath:
		return envelope.PairingSamePR
	case fx.AppliedAt.Sub(f.ObservedAt) >= 0 && fx.AppliedAt.Sub(f.ObservedAt) <= temporalWindow:
		return envelope.PairingTemporal
	default:
		return envelope.PairingInferred
	}
}

func confidenceFor(pairingType string) float64 {
	switch pairingType {
	case envelope.PairingAutofix:
		return ConfidenceAutofix
	case envelope.PairingSameCommit:
		return ConfidenceSameCommit
	case envelope.PairingSamePR:
		return ConfidenceSamePR
	case envelope.PairingTemporal:
		return ConfidenceTemporal
	default:
		return ConfidenceInferred
	}
}
