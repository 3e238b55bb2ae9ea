package patterns

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/patternops/patternops/pkg/database"
)

// Status is a pattern lifecycle status.
type Status string

// Lifecycle statuses.
const (
	StatusCandidate   Status = "CANDIDATE"
	StatusProvisional Status = "PROVISIONAL"
	StatusValidated   Status = "VALIDATED"
	StatusDeprecated  Status = "DEPRECATED"
	StatusArchived    Status = "ARCHIVED"
)

// legalStatusEdges is the closed lifecycle edge set. Self-transitions are
// absent on purpose: (any) → (same) is rejected.
var legalStatusEdges = map[Status][]Status{
	StatusCandidate:   {StatusProvisional},
	StatusProvisional: {StatusValidated, StatusDeprecated},
	StatusValidated:   {StatusDeprecated},
	StatusDeprecated:  {StatusArchived},
}

// LegalTransition reports whether from → to is in the lifecycle edge set.
func LegalTransition(from, to Status) bool {
	for _, next := range legalStatusEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Pattern is one row of learned_patterns.
type Pattern struct {
	ID              string
	PatternType     string
	Name            string
	DomainID        string
	SignatureHash   string
	Version         int
	Status          Status
	SuccessCriteria json.RawMessage
	MatchCount      int
	SuccessRate     float64
	Supersedes      string
	SupersededBy    string
	QualityMetrics  json.RawMessage
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ErrNotFound is returned when a pattern lookup matches no row.
var ErrNotFound = errors.New("pattern not found")

// Repository provides access to learned_patterns and domain_taxonomy.
// Status writes are NOT exposed here; those belong to the lifecycle
// reducer.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a pattern repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const patternColumns = `id, pattern_type, name, domain_id, signature_hash, version, status,
	success_criteria, match_count, success_rate, supersedes, superseded_by,
	quality_metrics, created_at, updated_at`

func scanPattern(row interface{ Scan(...any) error }) (*Pattern, error) {
	var (
		p            Pattern
		supersedes   sql.NullString
		supersededBy sql.NullString
	)
	err := row.Scan(&p.ID, &p.PatternType, &p.Name, &p.DomainID, &p.SignatureHash,
		&p.Version, &p.Status, &p.SuccessCriteria, &p.MatchCount, &p.SuccessRate,
		&supersedes, &supersededBy, &p.QualityMetrics, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Supersedes = supersedes.String
	p.SupersededBy = supersededBy.String
	return &p, nil
}

// GetByID loads one pattern.
func (r *Repository) GetByID(ctx context.Context, id string) (*Pattern, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+patternColumns+` FROM learned_patterns WHERE id = $1`, id)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pattern %s: %w", id, ErrNotFound)
	}
	return p, err
}

// LatestBySignature loads the highest version for (signatureHash, domainID).
func (r *Repository) LatestBySignature(ctx context.Context, signatureHash, domainID string) (*Pattern, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+patternColumns+` FROM learned_patterns
		 WHERE signature_hash = $1 AND domain_id = $2
		 ORDER BY version DESC LIMIT 1`,
		signatureHash, domainID)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("signature %s in domain %s: %w", signatureHash, domainID, ErrNotFound)
	}
	return p, err
}

// ListByDomainStatus returns patterns in one domain with the given status.
func (r *Repository) ListByDomainStatus(ctx context.Context, domainID string, status Status) ([]*Pattern, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+patternColumns+` FROM learned_patterns
		 WHERE domain_id = $1 AND status = $2
		 ORDER BY updated_at DESC`,
		domainID, string(status))
	if err != nil {
		return nil, fmt.Errorf("listing patterns for domain %s: %w", domainID, err)
	}
	defer rows.Close()

	var out []*Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Candidate is the input to Upsert: a pattern extracted from a session
// trace, before versioning decisions.
type Candidate struct {
	PatternType     string
	Name            string
	DomainID        string
	SignatureHash   string
	SuccessCriteria json.RawMessage
	QualityMetrics  json.RawMessage
}

// UpsertResult describes what an upsert did.
type UpsertResult struct {
	Pattern    *Pattern
	Created    bool
	Superseded string // prior version's id when a new version was created
}

// contentEqual compares the mutable content of a candidate against an
// existing version. Signature identity is already guaranteed by the
// lookup key.
func contentEqual(prev *Pattern, c Candidate) bool {
	return prev.Name == c.Name &&
		prev.PatternType == c.PatternType &&
		jsonEqual(prev.SuccessCriteria, c.SuccessCriteria) &&
		jsonEqual(prev.QualityMetrics, c.QualityMetrics)
}

func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(orEmpty(a), &av); err != nil {
		return false
	}
	if err := json.Unmarshal(orEmpty(b), &bv); err != nil {
		return false
	}
	ac, _ := json.Marshal(av)
	bc, _ := json.Marshal(bv)
	return string(ac) == string(bc)
}

func orEmpty(m json.RawMessage) json.RawMessage {
	if len(m) == 0 {
		return json.RawMessage(`{}`)
	}
	return m
}

// Upsert stores a candidate. First contact creates version 1 in status
// CANDIDATE. An unchanged re-extraction bumps match_count only, keeping
// retries observationally idempotent. Changed content creates version+1
// with a supersedes link and marks the prior version superseded. The whole
// decision runs in one transaction under a row lock on the latest version.
func (r *Repository) Upsert(ctx context.Context, c Candidate, now time.Time) (*UpsertResult, error) {
	if c.SignatureHash == "" {
		return nil, fmt.Errorf("candidate %q has no signature hash", c.Name)
	}
	now = now.UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+patternColumns+` FROM learned_patterns
		 WHERE signature_hash = $1 AND domain_id = $2
		 ORDER BY version DESC LIMIT 1
		 FOR UPDATE`,
		c.SignatureHash, c.DomainID)
	prev, err := scanPattern(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		p, err := insertVersion(ctx, tx, c, 1, "", now)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("committing upsert: %w", err)
		}
		return &UpsertResult{Pattern: p, Created: true}, nil
	case err != nil:
		return nil, fmt.Errorf("loading latest version: %w", err)
	}

	if contentEqual(prev, c) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE learned_patterns SET match_count = match_count + 1, updated_at = $1 WHERE id = $2`,
			now, prev.ID,
		); err != nil {
			return nil, fmt.Errorf("bumping match_count on %s: %w", prev.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("committing upsert: %w", err)
		}
		prev.MatchCount++
		prev.UpdatedAt = now
		return &UpsertResult{Pattern: prev}, nil
	}

	next, err := insertVersion(ctx, tx, c, prev.Version+1, prev.ID, now)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE learned_patterns SET superseded_by = $1, updated_at = $2 WHERE id = $3`,
		next.ID, now, prev.ID,
	); err != nil {
		return nil, fmt.Errorf("marking %s superseded: %w", prev.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing upsert: %w", err)
	}
	return &UpsertResult{Pattern: next, Created: true, Superseded: prev.ID}, nil
}

func insertVersion(ctx context.Context, tx *sql.Tx, c Candidate, version int, supersedes string, now time.Time) (*Pattern, error) {
	p := &Pattern{
		ID:              uuid.NewString(),
		PatternType:     c.PatternType,
		Name:            c.Name,
		DomainID:        c.DomainID,
		SignatureHash:   c.SignatureHash,
		Version:         version,
		Status:          StatusCandidate,
		SuccessCriteria: orEmpty(c.SuccessCriteria),
		QualityMetrics:  orEmpty(c.QualityMetrics),
		Supersedes:      supersedes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	var supersedesArg any
	if supersedes != "" {
		// The superseded row is already locked by the caller; a fresh
		// uuid can never close a supersedes cycle, but the link target
		// must exist.
		supersedesArg = supersedes
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO learned_patterns
			(id, pattern_type, name, domain_id, signature_hash, version, status,
			 success_criteria, match_count, success_rate, supersedes, quality_metrics,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, 0, $9, $10, $11, $11)`,
		p.ID, p.PatternType, p.Name, p.DomainID, p.SignatureHash, p.Version,
		string(p.Status), []byte(p.SuccessCriteria), supersedesArg,
		[]byte(p.QualityMetrics), now,
	); err != nil {
		return nil, fmt.Errorf("inserting pattern %s v%d: %w", c.Name, version, err)
	}
	p.MatchCount = 1
	return p, nil
}

// SetSupersedes writes an explicit supersedes edge, refusing edges that
// would close a cycle. The chain walk is bounded; a chain longer than the
// bound is itself treated as corrupt.
func (r *Repository) SetSupersedes(ctx context.Context, patternID, supersedesID string, now time.Time) error {
	if patternID == supersedesID {
		return fmt.Errorf("pattern %s cannot supersede itself", patternID)
	}
	const maxChain = 1000
	cur := patternID
	for i := 0; i < maxChain; i++ {
		var next sql.NullString
		err := r.db.QueryRowContext(ctx,
			`SELECT superseded_by FROM learned_patterns WHERE id = $1`, cur).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) || !next.Valid {
			break
		}
		if err != nil {
			return fmt.Errorf("walking supersedes chain from %s: %w", patternID, err)
		}
		if next.String == supersedesID {
			return fmt.Errorf("supersedes edge %s -> %s would close a cycle", patternID, supersedesID)
		}
		cur = next.String
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning supersedes tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx,
		`UPDATE learned_patterns SET supersedes = $1, updated_at = $2 WHERE id = $3`,
		supersedesID, now.UTC(), patternID,
	); err != nil {
		return fmt.Errorf("writing supersedes on %s: %w", patternID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE learned_patterns SET superseded_by = $1, updated_at = $2 WHERE id = $3`,
		patternID, now.UTC(), supersedesID,
	); err != nil {
		return fmt.Errorf("writing superseded_by on %s: %w", supersedesID, err)
	}
	return tx.Commit()
}

// EnsureDomain registers a domain in the taxonomy if absent.
func (r *Repository) EnsureDomain(ctx context.Context, domainID, name string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO domain_taxonomy (domain_id, name, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (domain_id) DO NOTHING`,
		domainID, name, now.UTC())
	if err != nil {
		return fmt.Errorf("ensuring domain %s: %w", domainID, err)
	}
	return nil
}

// Injection is one row of pattern_injections.
type Injection struct {
	SessionID  string
	RunID      string
	PatternIDs []string
	OccurredAt time.Time
}

// RecordInjection persists that patterns were surfaced to a session.
// Duplicate (session_id, run_id) deliveries collapse. An empty pattern
// set is a valid injection.
func (r *Repository) RecordInjection(ctx context.Context, inj Injection) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pattern_injections (session_id, run_id, pattern_ids, occurred_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, run_id) DO NOTHING`,
		inj.SessionID, inj.RunID, database.StringArray(inj.PatternIDs), inj.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("recording injection for session %s: %w", inj.SessionID, err)
	}
	return nil
}

// InjectionsForSession returns all injections recorded for a session.
func (r *Repository) InjectionsForSession(ctx context.Context, sessionID string) ([]Injection, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, run_id, pattern_ids, occurred_at
		FROM pattern_injections
		WHERE session_id = $1
		ORDER BY occurred_at`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading injections for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []Injection
	for rows.Next() {
		var (
			inj Injection
			ids database.StringArray
		)
		if err := rows.Scan(&inj.SessionID, &inj.RunID, &ids, &inj.OccurredAt); err != nil {
			return nil, err
		}
		inj.PatternIDs = ids
		out = append(out, inj)
	}
	return out, rows.Err()
}
