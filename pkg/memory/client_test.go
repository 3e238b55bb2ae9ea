package memory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patternops/patternops/pkg/domainerr"
)

const memCorrID = "99999999-9999-4999-8999-999999999999"

func fastClient(baseURL string) *Client {
	return NewClient(baseURL, WithRetry(2, time.Millisecond))
}

func TestCallSendsEnvelopeAndReturnsResult(t *testing.T) {
	var got request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rpc", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(response{OK: true, Result: json.RawMessage(`{"stored":true}`)})
	}))
	defer srv.Close()

	result, err := fastClient(srv.URL).Call(context.Background(), OpUpsertVector,
		map[string]string{"pattern_id": "p1"}, memCorrID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"stored":true}`, string(result))
	assert.Equal(t, OpUpsertVector, got.Op)
	assert.Equal(t, memCorrID, got.CorrelationID)
	assert.JSONEq(t, `{"pattern_id":"p1"}`, string(got.Payload))
}

func TestCallRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(response{OK: true})
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL).Call(context.Background(), OpQuerySimilar, nil, memCorrID)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCallDoesNotRetryRemoteRejection(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(response{OK: false, ErrorCode: "bad_payload", ErrorMessage: "missing field"})
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL).Call(context.Background(), OpGraphUpsert, nil, memCorrID)
	require.Error(t, err)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "bad_payload", remote.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCallExhaustedRetriesIsTransientIO(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL).Call(context.Background(), OpQuerySimilar, nil, memCorrID)
	require.Error(t, err)
	assert.True(t, domainerr.Is(err, domainerr.KindTransientIO))
	assert.Equal(t, memCorrID, domainerr.CorrelationOf(err))
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := fastClient(srv.URL)
	for i := 0; i < 5; i++ {
		_, _ = c.Call(context.Background(), OpQuerySimilar, nil, memCorrID)
	}
	require.False(t, c.Available())

	_, err := c.Call(context.Background(), OpQuerySimilar, nil, memCorrID)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestRemoteRejectionsDoNotTripCircuit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(response{OK: false, ErrorCode: "nope"})
	}))
	defer srv.Close()

	c := fastClient(srv.URL)
	for i := 0; i < 10; i++ {
		_, _ = c.Call(context.Background(), OpGraphQuery, nil, memCorrID)
	}
	assert.True(t, c.Available())
}
