package patterns

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patternops/patternops/pkg/envelope"
)

func newTestPromoter(t *testing.T) (*Promoter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	l := NewLifecycle(db, "patternops-test").WithClock(func() time.Time { return lifecycleNow })
	p := NewPromoter(db, NewRepository(db), l, DefaultPromotionPolicy()).
		WithClock(func() time.Time { return lifecycleNow })
	return p, mock
}

func unlinkedRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"rule_id", "repo"})
}

func promotableRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"pattern_id", "status", "confirmed_count", "avg_confidence"})
}

func deprecableRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "success_rate", "match_count"})
}

// expectNoUnlinked matches an empty linking pass.
func expectNoUnlinked(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT rule_id, repo").
		WithArgs(3, 0.7).
		WillReturnRows(unlinkedRows())
}

// expectTransitionTx matches one lifecycle reducer transaction; disable
// covers the extra disable-event insert and view refresh.
func expectTransitionTx(mock sqlmock.Sqlmock, from Status, disable bool) {
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM learned_patterns WHERE id").
		WillReturnRows(patternRow(from))
	mock.ExpectExec("UPDATE learned_patterns SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO pattern_lifecycle_transitions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO pattern_lifecycle").
		WillReturnResult(sqlmock.NewResult(1, 1))
	if disable {
		mock.ExpectExec("INSERT INTO pattern_disable_events").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("REFRESH MATERIALIZED VIEW disabled_patterns_current").
			WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectCommit()
}

func TestEvaluatePromotesQualifiedCandidate(t *testing.T) {
	p, mock := newTestPromoter(t)

	expectNoUnlinked(mock)
	mock.ExpectQuery("SELECT pc.pattern_id, lp.status").
		WithArgs(3, 0.7).
		WillReturnRows(promotableRows().AddRow(testPatternID, "PROVISIONAL", 4, 0.88))
	expectTransitionTx(mock, StatusProvisional, false)
	mock.ExpectQuery("SELECT id, success_rate, match_count").
		WithArgs(5, 0.3).
		WillReturnRows(deprecableRows())

	events, err := p.Evaluate(context.Background(), testCorrID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, envelope.KindLifecycleTransition, events[0].Kind)
	assert.Equal(t, envelope.KindPatternPromoted, events[1].Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

// A rollup with confirmed pairing evidence but no learned pattern yet
// gets one materialized and linked, and the fresh CANDIDATE climbs its
// first lifecycle edge in the same pass.
func TestEvaluateLinksRollupAndPromotesIt(t *testing.T) {
	p, mock := newTestPromoter(t)

	mock.ExpectQuery("SELECT rule_id, repo").
		WithArgs(3, 0.7).
		WillReturnRows(unlinkedRows().AddRow("gosec-G104", "acme/api"))
	mock.ExpectExec("INSERT INTO domain_taxonomy").
		WithArgs("acme/api", "acme/api", lifecycleNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	// First contact: the repository creates review_fix version 1.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM learned_patterns").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO learned_patterns").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE pattern_candidates").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery("SELECT pc.pattern_id, lp.status").
		WillReturnRows(promotableRows().AddRow(testPatternID, "CANDIDATE", 4, 0.88))
	expectTransitionTx(mock, StatusCandidate, false)
	mock.ExpectQuery("SELECT id, success_rate, match_count").
		WillReturnRows(deprecableRows())

	events, err := p.Evaluate(context.Background(), testCorrID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, envelope.KindLifecycleTransition, events[0].Kind)
	assert.Equal(t, envelope.KindPatternPromoted, events[1].Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

// The review_fix signature is content-addressed on (rule_id, repo): a
// re-run resolves the already-materialized pattern instead of minting a
// second one.
func TestEvaluateRelinksToExistingPattern(t *testing.T) {
	p, mock := newTestPromoter(t)

	mock.ExpectQuery("SELECT rule_id, repo").
		WillReturnRows(unlinkedRows().AddRow("gosec-G104", "acme/api"))
	mock.ExpectExec("INSERT INTO domain_taxonomy").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// Unchanged content: the repository bumps match_count on the
	// existing version instead of inserting a new one.
	existing := sqlmock.NewRows([]string{
		"id", "pattern_type", "name", "domain_id", "signature_hash", "version", "status",
		"success_criteria", "match_count", "success_rate", "supersedes", "superseded_by",
		"quality_metrics", "created_at", "updated_at",
	}).AddRow(testPatternID, TypeReviewFix, "fix-gosec-G104", "acme/api",
		"0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", 1,
		"CANDIDATE", []byte(`{"finding_resolved":"true"}`), 5, 0, nil, nil,
		[]byte(`{}`), lifecycleNow, lifecycleNow)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM learned_patterns").
		WillReturnRows(existing)
	mock.ExpectExec("UPDATE learned_patterns SET match_count").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE pattern_candidates").
		WithArgs(testPatternID, lifecycleNow, "gosec-G104", "acme/api").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery("SELECT pc.pattern_id, lp.status").
		WillReturnRows(promotableRows())
	mock.ExpectQuery("SELECT id, success_rate, match_count").
		WillReturnRows(deprecableRows())

	_, err := p.Evaluate(context.Background(), testCorrID)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEvaluateDeprecatesFailingPattern(t *testing.T) {
	p, mock := newTestPromoter(t)

	expectNoUnlinked(mock)
	mock.ExpectQuery("SELECT pc.pattern_id, lp.status").
		WillReturnRows(promotableRows())
	mock.ExpectQuery("SELECT id, success_rate, match_count").
		WillReturnRows(deprecableRows().AddRow(testPatternID, 0.1, 12))
	expectTransitionTx(mock, StatusValidated, true)

	events, err := p.Evaluate(context.Background(), testCorrID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, envelope.KindLifecycleTransition, events[0].Kind)
	assert.Equal(t, envelope.KindPatternDeprecated, events[1].Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEvaluateSkipsFailedTransition(t *testing.T) {
	p, mock := newTestPromoter(t)

	expectNoUnlinked(mock)
	mock.ExpectQuery("SELECT pc.pattern_id, lp.status").
		WillReturnRows(promotableRows().AddRow(testPatternID, "PROVISIONAL", 4, 0.88))
	// Racing evaluator already moved the pattern: the lifecycle load
	// shows VALIDATED, making PROVISIONAL->VALIDATED a self-edge.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM learned_patterns WHERE id").
		WillReturnRows(patternRow(StatusValidated))
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT id, success_rate, match_count").
		WillReturnRows(deprecableRows())

	events, err := p.Evaluate(context.Background(), testCorrID)
	require.NoError(t, err, "a lost race is not an evaluation failure")
	assert.Empty(t, events)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEvaluateNoWork(t *testing.T) {
	p, mock := newTestPromoter(t)

	expectNoUnlinked(mock)
	mock.ExpectQuery("SELECT pc.pattern_id, lp.status").
		WillReturnRows(promotableRows())
	mock.ExpectQuery("SELECT id, success_rate, match_count").
		WillReturnRows(deprecableRows())

	events, err := p.Evaluate(context.Background(), testCorrID)
	require.NoError(t, err)
	assert.Empty(t, events)
}
