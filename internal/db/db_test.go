package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), t.Name()+".db")
	db, err := NewDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunLifecycle(t *testing.T) {
	db := setupTestDB(t)

	runID, err := db.CreateRun()
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	require.NoError(t, db.RecordSample(runID, "AnalyzeData", 0.42, 1200, 9800))
	require.NoError(t, db.RecordSample(runID, "CheckConvergence", 0.97, 1500, 9800))
	require.NoError(t, db.RecordDelay(runID, 9800, 196, 12.5))
	require.NoError(t, db.FinishRun(runID, 0.97))

	runs, err := db.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].RunID)
	require.NotNil(t, runs[0].FinishedAt)
	require.NotNil(t, runs[0].FinalVisibility)
	assert.Equal(t, 0.97, *runs[0].FinalVisibility)

	samples, err := db.ListSamples(runID)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, "AnalyzeData", samples[0].Step)
	assert.Equal(t, 0.42, samples[0].Visibility)
	assert.Equal(t, uint64(1200), samples[0].Coincidences)
	assert.Equal(t, int64(9800), samples[0].OffsetPicos)
	assert.Equal(t, "CheckConvergence", samples[1].Step)
}

func TestFinishRunUnknownID(t *testing.T) {
	db := setupTestDB(t)
	assert.Error(t, db.FinishRun("no-such-run", 0.5))
}

func TestListRunsNewestFirst(t *testing.T) {
	db := setupTestDB(t)

	first, err := db.CreateRun()
	require.NoError(t, err)
	second, err := db.CreateRun()
	require.NoError(t, err)

	// Same-second timestamps tie; force distinct start times.
	_, err = db.Exec(`UPDATE runs SET started_at = datetime(started_at, '-1 hour') WHERE run_id = ?`, first)
	require.NoError(t, err)

	runs, err := db.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].RunID)
	assert.Equal(t, first, runs[1].RunID)
}

func TestListSamplesEmptyRun(t *testing.T) {
	db := setupTestDB(t)

	runID, err := db.CreateRun()
	require.NoError(t, err)

	samples, err := db.ListSamples(runID)
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestMigrateUpAndDown(t *testing.T) {
	db := setupTestDB(t)

	dir := filepath.Join(t.TempDir(), "migrations")
	require.NoError(t, os.MkdirAll(dir, 0755))

	migrations := map[string]string{
		"000001_create_calibrations.up.sql": `
			CREATE TABLE IF NOT EXISTS calibrations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				label TEXT NOT NULL
			);`,
		"000001_create_calibrations.down.sql": `
			DROP TABLE IF EXISTS calibrations;`,
	}
	for name, content := range migrations {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}

	require.NoError(t, db.MigrateUp(dir))

	version, dirty, err := db.MigrateVersion(dir)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)

	_, err = db.Exec(`INSERT INTO calibrations (label) VALUES ('qwp sweep')`)
	require.NoError(t, err)

	// Up again is a no-op.
	require.NoError(t, db.MigrateUp(dir))

	require.NoError(t, db.MigrateDown(dir))
	_, err = db.Exec(`INSERT INTO calibrations (label) VALUES ('gone')`)
	assert.Error(t, err)
}
