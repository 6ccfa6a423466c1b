package apiserver

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/lartpang/runit/internal/device"
	"github.com/lartpang/runit/internal/jobtable"
	"github.com/lartpang/runit/internal/ledger"
	"github.com/lartpang/runit/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	tbl := jobtable.New([]jobtable.Job{{Command: "true", NumGPUs: 1}})
	led := ledger.New(ledger.Exclusive, []device.GPU{{ID: "0"}})
	return New(tbl, led, telemetry.NewAggregator())
}

func TestHealthzReportsOK(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	assert.Equal(t, 200, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestJobsListsSubmittedJobs(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/jobs", nil))

	var views []jobView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "WAITING", views[0].Status)
	assert.Equal(t, 1, views[0].NumGPUs)
}

func TestGPUsReportsLedgerSnapshot(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/gpus", nil))

	var snap ledger.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.Free["0"])
}

func TestStatsReportsJobsByStatus(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/stats", nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	byStatus, ok := body["jobs_by_status"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), byStatus["WAITING"])
}
