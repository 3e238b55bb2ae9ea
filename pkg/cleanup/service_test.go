package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patternops/patternops/pkg/fsm"
)

var cleanNow = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reducer := fsm.NewReducer(db, 5*time.Minute).
		WithClock(func() time.Time { return cleanNow })
	svc := NewService(DefaultConfig(90), db, reducer).
		WithClock(func() time.Time { return cleanNow })
	return svc, mock
}

func TestPruneFSMHistoryUsesRetentionCutoff(t *testing.T) {
	svc, mock := newTestService(t)

	cutoff := cleanNow.AddDate(0, 0, -90)
	mock.ExpectExec("DELETE FROM fsm_state_history").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 12))

	svc.pruneFSMHistory(context.Background())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHarvestLeasesDelegatesToReducer(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectExec("UPDATE fsm_state").
		WithArgs(cleanNow).
		WillReturnResult(sqlmock.NewResult(0, 3))

	svc.harvestLeases(context.Background())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunAllToleratesFailures(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectExec("DELETE FROM fsm_state_history").
		WillReturnError(assert.AnError)
	mock.ExpectExec("UPDATE fsm_state").
		WillReturnResult(sqlmock.NewResult(0, 0))

	// A failed prune must not stop the lease harvest.
	svc.runAll(context.Background())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverStartupOrphans(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectExec("UPDATE fsm_state").
		WithArgs(cleanNow).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE workflow_executions").
		WithArgs(cleanNow, cleanNow.Add(-time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.RecoverStartupOrphans(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverStartupOrphansPropagatesHarvestError(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectExec("UPDATE fsm_state").
		WillReturnError(assert.AnError)

	assert.Error(t, svc.RecoverStartupOrphans(context.Background()))
}

func TestStartStopLifecycle(t *testing.T) {
	svc, mock := newTestService(t)

	// The initial runAll fires on Start.
	mock.ExpectExec("DELETE FROM fsm_state_history").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE fsm_state").
		WillReturnResult(sqlmock.NewResult(0, 0))

	svc.Start(context.Background())
	svc.Stop()
	require.NoError(t, mock.ExpectationsWereMet())
}
