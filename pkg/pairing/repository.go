// Package pairing correlates review findings with fix commits, confirms
// disappearance, scores pair confidence, and maintains the per-rule
// candidate rollup the promotion evaluator reads.
package pairing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/patternops/patternops/pkg/database"
)

// Finding is one row of review_findings. LineEnd zero means the finding
// is single-line.
type Finding struct {
	FindingID         string
	Repo              string
	PRID              int64
	RuleID            string
	Severity          string
	FilePath          string
	LineStart         int
	LineEnd           int
	ToolName          string
	ToolVersion       string
	NormalizedMessage string
	RawMessage        string
	CommitSHAObserved string
	CorrelationID     string
	ObservedAt        time.Time
}

// Fix is one row of review_fixes.
type Fix struct {
	FixID            string
	FindingID        string
	FixCommitSHA     string
	FilePath         string
	DiffHunks        []string
	TouchedLineStart int
	TouchedLineEnd   int
	ToolAutofix      bool
	AppliedAt        time.Time
}

// Pair is one row of finding_fix_pairs.
type Pair struct {
	PairID                 string
	FindingID              string
	FixCommitSHA           string
	DiffHunks              []string
	ConfidenceScore        float64
	DisappearanceConfirmed bool
	PairingType            string
	CreatedAt              time.Time
}

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Repository provides access to the pairing tables. The pairing engine
// writes them, except pattern_candidates.pattern_id, which the promotion
// evaluator fills once a rollup earns a learned pattern.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a pairing repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// SaveFinding persists a finding. Redeliveries collapse on finding_id.
func (r *Repository) SaveFinding(ctx context.Context, f Finding) error {
	var lineEnd any
	if f.LineEnd > 0 {
		lineEnd = f.LineEnd
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO review_findings
			(finding_id, repo, pr_id, rule_id, severity, file_path, line_start, line_end,
			 tool_name, tool_version, normalized_message, raw_message, commit_sha_observed,
			 correlation_id, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (finding_id) DO NOTHING`,
		f.FindingID, f.Repo, f.PRID, f.RuleID, f.Severity, f.FilePath, f.LineStart, lineEnd,
		f.ToolName, f.ToolVersion, f.NormalizedMessage, f.RawMessage, f.CommitSHAObserved,
		f.CorrelationID, f.ObservedAt.UTC())
	if err != nil {
		return fmt.Errorf("saving finding %s: %w", f.FindingID, err)
	}
	return nil
}

// GetFinding loads one finding.
func (r *Repository) GetFinding(ctx context.Context, findingID string) (*Finding, error) {
	var (
		f       Finding
		lineEnd sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT finding_id, repo, pr_id, rule_id, severity, file_path, line_start, line_end,
		       tool_name, tool_version, normalized_message, raw_message, commit_sha_observed,
		       correlation_id, observed_at
		FROM review_findings
		WHERE finding_id = $1`,
		findingID,
	).Scan(&f.FindingID, &f.Repo, &f.PRID, &f.RuleID, &f.Severity, &f.FilePath,
		&f.LineStart, &lineEnd, &f.ToolName, &f.ToolVersion, &f.NormalizedMessage,
		&f.RawMessage, &f.CommitSHAObserved, &f.CorrelationID, &f.ObservedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("finding %s: %w", findingID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading finding %s: %w", findingID, err)
	}
	f.LineEnd = int(lineEnd.Int64)
	return &f, nil
}

// SaveFix persists a fix. Redeliveries collapse on fix_id.
func (r *Repository) SaveFix(ctx context.Context, fx Fix) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO review_fixes
			(fix_id, finding_id, fix_commit_sha, file_path, diff_hunks,
			 touched_line_start, touched_line_end, tool_autofix, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (fix_id) DO NOTHING`,
		fx.FixID, fx.FindingID, fx.FixCommitSHA, fx.FilePath,
		database.StringArray(fx.DiffHunks), fx.TouchedLineStart, fx.TouchedLineEnd,
		fx.ToolAutofix, fx.AppliedAt.UTC())
	if err != nil {
		return fmt.Errorf("saving fix %s: %w", fx.FixID, err)
	}
	return nil
}

// FixesForCommit returns every fix targeting a finding in one commit,
// ordered by fix_id for deterministic tie-breaking downstream.
func (r *Repository) FixesForCommit(ctx context.Context, findingID, fixCommitSHA string) ([]Fix, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT fix_id, finding_id, fix_commit_sha, file_path, diff_hunks,
		       touched_line_start, touched_line_end, tool_autofix, applied_at
		FROM review_fixes
		WHERE finding_id = $1 AND fix_commit_sha = $2
		ORDER BY fix_id`,
		findingID, fixCommitSHA)
	if err != nil {
		return nil, fmt.Errorf("loading fixes for finding %s commit %s: %w", findingID, fixCommitSHA, err)
	}
	defer rows.Close()

	var out []Fix
	for rows.Next() {
		var (
			fx    Fix
			hunks database.StringArray
		)
		if err := rows.Scan(&fx.FixID, &fx.FindingID, &fx.FixCommitSHA, &fx.FilePath,
			&hunks, &fx.TouchedLineStart, &fx.TouchedLineEnd, &fx.ToolAutofix, &fx.AppliedAt); err != nil {
			return nil, err
		}
		fx.DiffHunks = hunks
		out = append(out, fx)
	}
	return out, rows.Err()
}

// UpsertPair writes the candidate pair for (finding_id, fix_commit_sha).
// A re-run with the same winner leaves the row unchanged; a better winner
// replaces hunks and score. disappearance_confirmed is never regressed.
func (r *Repository) UpsertPair(ctx context.Context, p Pair) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO finding_fix_pairs
			(pair_id, finding_id, fix_commit_sha, diff_hunks, confidence_score,
			 disappearance_confirmed, pairing_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (finding_id, fix_commit_sha) DO UPDATE SET
			diff_hunks = EXCLUDED.diff_hunks,
			confidence_score = EXCLUDED.confidence_score,
			pairing_type = EXCLUDED.pairing_type,
			disappearance_confirmed = finding_fix_pairs.disappearance_confirmed OR EXCLUDED.disappearance_confirmed`,
		p.PairID, p.FindingID, p.FixCommitSHA, database.StringArray(p.DiffHunks),
		p.ConfidenceScore, p.DisappearanceConfirmed, p.PairingType, p.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upserting pair (%s, %s): %w", p.FindingID, p.FixCommitSHA, err)
	}
	return nil
}

// GetPair loads the pair for (finding_id, fix_commit_sha).
func (r *Repository) GetPair(ctx context.Context, findingID, fixCommitSHA string) (*Pair, error) {
	var (
		p     Pair
		hunks database.StringArray
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT pair_id, finding_id, fix_commit_sha, diff_hunks, confidence_score,
		       disappearance_confirmed, pairing_type, created_at
		FROM finding_fix_pairs
		WHERE finding_id = $1 AND fix_commit_sha = $2`,
		findingID, fixCommitSHA,
	).Scan(&p.PairID, &p.FindingID, &p.FixCommitSHA, &hunks, &p.ConfidenceScore,
		&p.DisappearanceConfirmed, &p.PairingType, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pair (%s, %s): %w", findingID, fixCommitSHA, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading pair (%s, %s): %w", findingID, fixCommitSHA, err)
	}
	p.DiffHunks = hunks
	return &p, nil
}

// ConfirmPair marks disappearance confirmed. Reports whether the row
// changed, so redeliveries do not re-emit pair_created.
func (r *Repository) ConfirmPair(ctx context.Context, findingID, fixCommitSHA string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE finding_fix_pairs
		SET disappearance_confirmed = TRUE
		WHERE finding_id = $1 AND fix_commit_sha = $2 AND disappearance_confirmed = FALSE`,
		findingID, fixCommitSHA)
	if err != nil {
		return false, fmt.Errorf("confirming pair (%s, %s): %w", findingID, fixCommitSHA, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RefreshCandidate recomputes the pattern_candidates rollup for one
// (rule_id, repo) from its pairs at or above the confidence floor.
// Below-floor pairs never reach promotion inputs.
func (r *Repository) RefreshCandidate(ctx context.Context, ruleID, repo string, floor float64, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pattern_candidates
			(rule_id, repo, pair_count, confirmed_count, avg_confidence, max_confidence, last_pair_at, updated_at)
		SELECT $1, $2,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE p.disappearance_confirmed),
		       COALESCE(AVG(p.confidence_score), 0),
		       COALESCE(MAX(p.confidence_score), 0),
		       COALESCE(MAX(p.created_at), $4),
		       $4
		FROM finding_fix_pairs p
		JOIN review_findings f ON f.finding_id = p.finding_id
		WHERE f.rule_id = $1 AND f.repo = $2 AND p.confidence_score >= $3
		ON CONFLICT (rule_id, repo) DO UPDATE SET
			pair_count = EXCLUDED.pair_count,
			confirmed_count = EXCLUDED.confirmed_count,
			avg_confidence = EXCLUDED.avg_confidence,
			max_confidence = EXCLUDED.max_confidence,
			last_pair_at = EXCLUDED.last_pair_at,
			updated_at = EXCLUDED.updated_at`,
		ruleID, repo, floor, now.UTC())
	if err != nil {
		return fmt.Errorf("refreshing candidate rollup (%s, %s): %w", ruleID, repo, err)
	}
	return nil
}
