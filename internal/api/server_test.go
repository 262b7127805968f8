package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fringe-data/visibility.report/internal/config"
	"github.com/fringe-data/visibility.report/internal/db"
	"github.com/fringe-data/visibility.report/internal/orchestrator"
)

type stubSource struct {
	status    orchestrator.Status
	histogram []uint64
}

func (s *stubSource) Status() orchestrator.Status { return s.status }
func (s *stubSource) Histogram() []uint64         { return s.histogram }

type stubStore struct {
	runs    []db.Run
	samples []db.Sample
	err     error
}

func (s *stubStore) ListRuns() ([]db.Run, error) { return s.runs, s.err }
func (s *stubStore) ListSamples(runID string) ([]db.Sample, error) {
	return s.samples, s.err
}

func newTestServer(store RunStore) (*Server, *stubSource) {
	src := &stubSource{
		status: orchestrator.Status{
			Step:              "AnalyzeData",
			CurrentVisibility: 0.84,
			TotalCoincidences: 1234,
		},
		histogram: []uint64{3, 1, 4, 1, 5},
	}
	return NewServer(src, store, config.EmptyTuningConfig()), src
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, req)
	return rec
}

func TestShowStatus(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(nil)

	rec := get(t, s, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got orchestrator.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "AnalyzeData", got.Step)
	assert.Equal(t, 0.84, got.CurrentVisibility)
	assert.Equal(t, uint64(1234), got.TotalCoincidences)
}

func TestShowHistogram(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(nil)

	rec := get(t, s, "/api/histogram")
	require.Equal(t, http.StatusOK, rec.Code)

	var got histogramResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 5.0, got.DegreeStep)
	assert.Equal(t, []uint64{3, 1, 4, 1, 5}, got.Bins)
}

func TestListRuns(t *testing.T) {
	t.Parallel()
	finished := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	vis := 0.97
	store := &stubStore{runs: []db.Run{{
		RunID:           "run-1",
		StartedAt:       finished.Add(-time.Hour),
		FinishedAt:      &finished,
		FinalVisibility: &vis,
	}}}
	s, _ := newTestServer(store)

	rec := get(t, s, "/api/runs")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []db.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "run-1", got[0].RunID)
	require.NotNil(t, got[0].FinalVisibility)
	assert.Equal(t, 0.97, *got[0].FinalVisibility)
}

func TestListRunsEmptyIsArray(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(&stubStore{})

	rec := get(t, s, "/api/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestListRunsWithoutStore(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(nil)

	rec := get(t, s, "/api/runs")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListRunsStoreFailure(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(&stubStore{err: errors.New("disk on fire")})

	rec := get(t, s, "/api/runs")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestListSamplesRequiresRunID(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(&stubStore{})

	rec := get(t, s, "/api/samples")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, s, "/api/samples?run_id=run-1")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestShowConfigEchoesDefaults(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(nil)

	rec := get(t, s, "/api/config")
	require.Equal(t, http.StatusOK, rec.Code)

	var got configResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 5.0, got.DegreeStep)
	assert.Equal(t, int64(10000), got.CoincidenceTolerancePicos)
	assert.Equal(t, int64(50), got.TauPicos)
	assert.Equal(t, 1<<16, got.BufferSize)
	assert.Equal(t, "bme", got.LocalTag)
	assert.Equal(t, "wigner", got.RemoteTag)
}

func TestShowVersion(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(nil)

	rec := get(t, s, "/api/version")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "dev", got["version"])
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(nil)

	req := httptest.NewRequest(http.MethodPost, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
