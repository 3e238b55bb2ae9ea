package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patternops/patternops/pkg/bus"
	"github.com/patternops/patternops/pkg/database"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeFleet struct {
	degraded bool
	workers  []bus.WorkerHealth
}

func (f *fakeFleet) Degraded() bool             { return f.degraded }
func (f *fakeFleet) Health() []bus.WorkerHealth { return f.workers }

type fakeDispatch struct {
	disabled []string
}

func (f *fakeDispatch) Degraded() bool             { return len(f.disabled) > 0 }
func (f *fakeDispatch) DisabledHandlers() []string { return f.disabled }

func newTestServer(t *testing.T, fleet FleetStatus, dispatch DispatchStatus) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
		sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewServer(database.NewClientFromDB(db), fleet, dispatch), mock
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Router().ServeHTTP(rec, req)
	var body HealthResponse
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthAllComponentsHealthy(t *testing.T) {
	fleet := &fakeFleet{workers: []bus.WorkerHealth{{Topic: "t1", Running: true}}}
	s, mock := newTestServer(t, fleet, &fakeDispatch{})
	mock.ExpectPing()

	rec, body := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, statusHealthy, body.Status)
	assert.Equal(t, statusHealthy, body.Checks["database"].Status)
	assert.Equal(t, statusHealthy, body.Checks["consumer_fleet"].Status)
	require.Len(t, body.Workers, 1)
	assert.Equal(t, "t1", body.Workers[0].Topic)
}

func TestHealthDegradedFleet(t *testing.T) {
	s, mock := newTestServer(t, &fakeFleet{degraded: true}, &fakeDispatch{})
	mock.ExpectPing()

	rec, body := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code, "degraded stays 200: the process itself is fine")
	assert.Equal(t, statusDegraded, body.Status)
	assert.Equal(t, statusDegraded, body.Checks["consumer_fleet"].Status)
}

func TestHealthDisabledHandlers(t *testing.T) {
	s, mock := newTestServer(t, &fakeFleet{}, &fakeDispatch{disabled: []string{"learn_patterns.v1"}})
	mock.ExpectPing()

	rec, body := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, statusDegraded, body.Status)
	assert.Equal(t, []string{"learn_patterns.v1"}, body.Disabled)
}

func TestHealthDatabaseDown(t *testing.T) {
	s, mock := newTestServer(t, nil, nil)
	mock.ExpectPing().WillReturnError(assert.AnError)

	rec, body := get(t, s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, statusUnhealthy, body.Status)
}

func TestHealthWithoutConsumers(t *testing.T) {
	// ACTIVATION_GATE unset: no fleet, no dispatcher, database only.
	s, mock := newTestServer(t, nil, nil)
	mock.ExpectPing()

	rec, body := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, statusHealthy, body.Status)
	assert.NotContains(t, body.Checks, "consumer_fleet")
}

func TestReady(t *testing.T) {
	s, mock := newTestServer(t, nil, nil)
	mock.ExpectPing()

	rec, _ := get(t, s, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyDatabaseDown(t *testing.T) {
	s, mock := newTestServer(t, nil, nil)
	mock.ExpectPing().WillReturnError(assert.AnError)

	rec, _ := get(t, s, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
