package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docqueue/docq/internal/clock"
	"github.com/docqueue/docq/internal/queue"
	"github.com/docqueue/docq/internal/queue/store/memory"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	clk := clock.RealClock{}
	registry := queue.NewRegistry(func(ctx context.Context, name string) (*queue.Queue, error) {
		return queue.New(memory.New(), clk, queue.Options{
			Name:       name,
			Visibility: 30 * time.Second,
		}), nil
	})

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	srv := NewServer(":0", registry, log)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestEnqueueClaimAckFlow(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/queues/orders/messages", map[string]any{
		"payload": map[string]string{"task": "process-order"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var enq struct {
		ID int64 `json:"id"`
	}
	decode(t, resp, &enq)
	assert.Greater(t, enq.ID, int64(0))

	resp = postJSON(t, ts.URL+"/v1/queues/orders:claim", map[string]any{
		"claimant": "test-worker",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var claimed struct {
		ID         int64           `json:"id"`
		Payload    json.RawMessage `json:"payload"`
		LeaseToken string          `json:"lease_token"`
		Tries      int             `json:"tries"`
		ClaimedBy  *string         `json:"claimed_by"`
	}
	decode(t, resp, &claimed)
	assert.Equal(t, enq.ID, claimed.ID)
	assert.JSONEq(t, `{"task":"process-order"}`, string(claimed.Payload))
	assert.NotEmpty(t, claimed.LeaseToken)
	assert.Equal(t, 1, claimed.Tries)
	require.NotNil(t, claimed.ClaimedBy)
	assert.Equal(t, "test-worker", *claimed.ClaimedBy)

	resp = postJSON(t, ts.URL+"/v1/queues/orders:ack", map[string]any{
		"lease_token": claimed.LeaseToken,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// The queue is empty now.
	resp = postJSON(t, ts.URL+"/v1/queues/orders:claim", map[string]any{})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
}

func TestClaimEmptyReturnsNoContent(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/queues/empty:claim", map[string]any{})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
}

func TestRenewUnknownLeaseReturns404(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/queues/orders:renew", map[string]any{
		"lease_token": "no-such-token",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAckTwiceReturns404(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/queues/orders/messages", map[string]any{
		"payload": 1,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/v1/queues/orders:claim", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var claimed struct {
		LeaseToken string `json:"lease_token"`
	}
	decode(t, resp, &claimed)

	resp = postJSON(t, ts.URL+"/v1/queues/orders:ack", map[string]any{"lease_token": claimed.LeaseToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/v1/queues/orders:ack", map[string]any{"lease_token": claimed.LeaseToken})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestRenewKeepsLease(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/queues/orders/messages", map[string]any{"payload": "x"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/v1/queues/orders:claim", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var claimed struct {
		ID         int64  `json:"id"`
		LeaseToken string `json:"lease_token"`
	}
	decode(t, resp, &claimed)

	resp = postJSON(t, ts.URL+"/v1/queues/orders:renew", map[string]any{
		"lease_token":   claimed.LeaseToken,
		"visibility_ms": 60000,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var renewed struct {
		ID int64 `json:"id"`
	}
	decode(t, resp, &renewed)
	assert.Equal(t, claimed.ID, renewed.ID)
}

func TestStatsAndPurge(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 2; i++ {
		resp := postJSON(t, ts.URL+"/v1/queues/orders/messages", map[string]any{"payload": i})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	resp := postJSON(t, ts.URL+"/v1/queues/orders:claim", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var claimed struct {
		LeaseToken string `json:"lease_token"`
	}
	decode(t, resp, &claimed)
	resp = postJSON(t, ts.URL+"/v1/queues/orders:ack", map[string]any{"lease_token": claimed.LeaseToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	statsResp, err := http.Get(ts.URL + "/v1/queues/orders/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, statsResp.StatusCode)
	var stats queue.Stats
	decode(t, statsResp, &stats)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.Done)

	resp = postJSON(t, ts.URL+"/v1/queues/orders:purge", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var purge struct {
		Purged int64 `json:"purged"`
	}
	decode(t, resp, &purge)
	assert.Equal(t, int64(1), purge.Purged)
}

func TestEnqueueValidation(t *testing.T) {
	ts := newTestServer(t)

	// Missing payload
	resp := postJSON(t, ts.URL+"/v1/queues/orders/messages", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Bad queue name
	resp = postJSON(t, ts.URL+fmt.Sprintf("/v1/queues/%s/messages", "Bad.Name"), map[string]any{"payload": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestDelayedMessageNotClaimable(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/queues/orders/messages", map[string]any{
		"payload":  "later",
		"delay_ms": 60000,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/v1/queues/orders:claim", map[string]any{})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
}
