package patterns

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/patternops/patternops/pkg/envelope"
)

// TypeReviewFix is the pattern type materialized from pairing evidence:
// a recurring (rule_id, repo) finding-fix correlation.
const TypeReviewFix = "review_fix"

// PromotionPolicy holds the evaluator's thresholds.
type PromotionPolicy struct {
	// MinConfirmedPairs is how many confirmed finding-fix pairs a
	// candidate needs before a promotion step.
	MinConfirmedPairs int

	// MinAvgConfidence is the pair-confidence floor for promotion.
	MinAvgConfidence float64

	// MaxSuccessRate is the feedback success rate at or under which a
	// pattern is deprecated.
	MaxSuccessRate float64

	// MinMatchCount is how many matches a pattern needs before its
	// success rate is trusted enough to deprecate on.
	MinMatchCount int
}

// DefaultPromotionPolicy returns the standing thresholds.
func DefaultPromotionPolicy() PromotionPolicy {
	return PromotionPolicy{
		MinConfirmedPairs: 3,
		MinAvgConfidence:  0.7,
		MaxSuccessRate:    0.3,
		MinMatchCount:     5,
	}
}

// Promoter evaluates pattern_candidates rollups and feedback success
// rates, and issues lifecycle transitions through the reducer. It never
// writes status itself. Rollups with enough evidence and no learned
// pattern yet get one materialized through the repository before the
// promotion pass, so pairing evidence always has a lifecycle to climb.
type Promoter struct {
	db        *sql.DB
	repo      *Repository
	lifecycle *Lifecycle
	policy    PromotionPolicy
	now       func() time.Time
}

// NewPromoter creates an evaluator over the lifecycle reducer.
func NewPromoter(db *sql.DB, repo *Repository, lifecycle *Lifecycle, policy PromotionPolicy) *Promoter {
	return &Promoter{db: db, repo: repo, lifecycle: lifecycle, policy: policy, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (p *Promoter) WithClock(now func() time.Time) *Promoter {
	p.now = now
	return p
}

// promotionStep is one lifecycle step up; patterns climb one edge per
// evaluation pass so each step leaves an audit row.
var promotionStep = map[Status]Status{
	StatusCandidate:   StatusProvisional,
	StatusProvisional: StatusValidated,
}

// Evaluate runs one pass: promote candidates whose pairing evidence
// clears the policy, deprecate patterns whose feedback success rate
// fell through the floor. A transition that fails (conflict, racing
// evaluator) is logged and skipped; the next pass retries it.
func (p *Promoter) Evaluate(ctx context.Context, correlationID string) ([]*envelope.Envelope, error) {
	var events []*envelope.Envelope

	if err := p.linkCandidates(ctx, correlationID); err != nil {
		return nil, err
	}

	promote, err := p.promotable(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range promote {
		to, ok := promotionStep[c.status]
		if !ok {
			continue
		}
		evts, terr := p.lifecycle.Transition(ctx, TransitionRequest{
			PatternID: c.patternID,
			To:        to,
			Actor:     "promotion-evaluator",
			Reason: fmt.Sprintf("confirmed_pairs=%d avg_confidence=%.2f",
				c.confirmedCount, c.avgConfidence),
			CorrelationID: correlationID,
		})
		if terr != nil {
			slog.Warn("Promotion skipped",
				"pattern_id", c.patternID, "to", to,
				"error", terr, "correlation_id", correlationID)
			continue
		}
		events = append(events, evts...)
	}

	demote, err := p.deprecable(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range demote {
		evts, terr := p.lifecycle.Transition(ctx, TransitionRequest{
			PatternID: d.patternID,
			To:        StatusDeprecated,
			Actor:     "promotion-evaluator",
			Reason: fmt.Sprintf("success_rate=%.2f over %d matches",
				d.successRate, d.matchCount),
			CorrelationID: correlationID,
		})
		if terr != nil {
			slog.Warn("Deprecation skipped",
				"pattern_id", d.patternID,
				"error", terr, "correlation_id", correlationID)
			continue
		}
		events = append(events, evts...)
	}
	return events, nil
}

// linkCandidates materializes a review_fix pattern for every unlinked
// rollup whose pairing evidence already clears the promotion policy, and
// writes the rollup's pattern_id. The signature is content-addressed on
// (rule_id, repo), so a redelivered pass resolves the same pattern
// instead of creating another.
func (p *Promoter) linkCandidates(ctx context.Context, correlationID string) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT rule_id, repo
		FROM pattern_candidates
		WHERE pattern_id IS NULL
		  AND confirmed_count >= $1
		  AND avg_confidence >= $2`,
		p.policy.MinConfirmedPairs, p.policy.MinAvgConfidence)
	if err != nil {
		return fmt.Errorf("querying unlinked candidates: %w", err)
	}
	defer rows.Close()

	type unlinked struct{ ruleID, repo string }
	var pending []unlinked
	for rows.Next() {
		var u unlinked
		if err := rows.Scan(&u.ruleID, &u.repo); err != nil {
			return err
		}
		pending = append(pending, u)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, u := range pending {
		patternID, err := p.materializePattern(ctx, u.ruleID, u.repo)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, `
			UPDATE pattern_candidates
			SET pattern_id = $1, updated_at = $2
			WHERE rule_id = $3 AND repo = $4 AND pattern_id IS NULL`,
			patternID, p.now().UTC(), u.ruleID, u.repo,
		); err != nil {
			return fmt.Errorf("linking candidate (%s, %s): %w", u.ruleID, u.repo, err)
		}
		slog.Info("Candidate rollup linked to pattern",
			"rule_id", u.ruleID, "repo", u.repo,
			"pattern_id", patternID, "correlation_id", correlationID)
	}
	return nil
}

func (p *Promoter) materializePattern(ctx context.Context, ruleID, repo string) (string, error) {
	now := p.now().UTC()
	criteria := map[string]string{"finding_resolved": "true"}
	sig := Signature{
		PatternType:     TypeReviewFix,
		DomainID:        repo,
		RuleID:          ruleID,
		SuccessCriteria: criteria,
	}
	hash, err := sig.Hash()
	if err != nil {
		return "", fmt.Errorf("hashing review_fix signature for rule %s: %w", ruleID, err)
	}
	criteriaJSON, err := json.Marshal(criteria)
	if err != nil {
		return "", fmt.Errorf("encoding review_fix criteria: %w", err)
	}

	if err := p.repo.EnsureDomain(ctx, repo, repo, now); err != nil {
		return "", err
	}
	res, err := p.repo.Upsert(ctx, Candidate{
		PatternType:     TypeReviewFix,
		Name:            "fix-" + ruleID,
		DomainID:        repo,
		SignatureHash:   hash,
		SuccessCriteria: criteriaJSON,
	}, now)
	if err != nil {
		return "", fmt.Errorf("materializing review_fix pattern for rule %s: %w", ruleID, err)
	}
	return res.Pattern.ID, nil
}

type promotionCandidate struct {
	patternID      string
	status         Status
	confirmedCount int
	avgConfidence  float64
}

func (p *Promoter) promotable(ctx context.Context) ([]promotionCandidate, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT pc.pattern_id, lp.status, pc.confirmed_count, pc.avg_confidence
		FROM pattern_candidates pc
		JOIN learned_patterns lp ON lp.id = pc.pattern_id
		WHERE pc.pattern_id IS NOT NULL
		  AND pc.confirmed_count >= $1
		  AND pc.avg_confidence >= $2
		  AND lp.status IN ('CANDIDATE', 'PROVISIONAL')
		  AND lp.superseded_by IS NULL
		ORDER BY pc.avg_confidence DESC`,
		p.policy.MinConfirmedPairs, p.policy.MinAvgConfidence)
	if err != nil {
		return nil, fmt.Errorf("querying promotable candidates: %w", err)
	}
	defer rows.Close()

	var out []promotionCandidate
	for rows.Next() {
		var c promotionCandidate
		var status string
		if err := rows.Scan(&c.patternID, &status, &c.confirmedCount, &c.avgConfidence); err != nil {
			return nil, err
		}
		c.status = Status(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

type deprecationCandidate struct {
	patternID   string
	successRate float64
	matchCount  int
}

func (p *Promoter) deprecable(ctx context.Context) ([]deprecationCandidate, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, success_rate, match_count
		FROM learned_patterns
		WHERE status IN ('PROVISIONAL', 'VALIDATED')
		  AND match_count >= $1
		  AND success_rate <= $2
		  AND superseded_by IS NULL
		ORDER BY success_rate ASC`,
		p.policy.MinMatchCount, p.policy.MaxSuccessRate)
	if err != nil {
		return nil, fmt.Errorf("querying deprecable patterns: %w", err)
	}
	defer rows.Close()

	var out []deprecationCandidate
	for rows.Next() {
		var d deprecationCandidate
		if err := rows.Scan(&d.patternID, &d.successRate, &d.matchCount); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
