package orchestrator

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fringe-data/visibility.report/internal/config"
	"github.com/fringe-data/visibility.report/internal/correlator"
	"github.com/fringe-data/visibility.report/internal/fsutil"
	"github.com/fringe-data/visibility.report/internal/gpsclock"
	"github.com/fringe-data/visibility.report/internal/stage"
	"github.com/fringe-data/visibility.report/internal/timestamp"
	"github.com/fringe-data/visibility.report/internal/timeutil"
)

func newCorrelatingMachine(t *testing.T, tshift int64) (*Machine, *fsutil.MemoryFileSystem) {
	t.Helper()
	fsys := fsutil.NewMemoryFileSystem()
	gps := gpsclock.NewMockClock(1000 * gpsclock.PicosPerSecond)
	cfg := config.EmptyTuningConfig()

	corr := correlator.New(fsys, timeutil.NewMockClock(time.Unix(1700000000, 0)), correlator.Config{
		Tau:          50,
		N:            1024,
		Tshift:       tshift,
		WorkingFileA: "work/ts1.bin",
		WorkingFileB: "work/ts2.bin",
	})
	return New(fsys, gps, stage.NewMock(), stage.NewMock(), corr, cfg, "data"), fsys
}

func writeBurst(t *testing.T, fsys fsutil.FileSystem, tag string, picos []int64) {
	t.Helper()
	recs := make([]timestamp.Record, len(picos))
	for i, p := range picos {
		recs[i] = timestamp.FromAbsolutePicos(p)
	}
	name := fmt.Sprintf("burst_%s_01.bin", tag)
	require.NoError(t, timestamp.WriteAll(fsys, filepath.Join("data", name), recs))
}

// The full-phase analysis must recover the true inter-station offset from
// the raw correlation lag even when the bucketing pre-shift is nonzero,
// and report each accepted refresh to the delay observer.
func TestAnalyzeDataRefreshesStationOffset(t *testing.T) {
	t.Parallel()

	// 123450 is deliberately not a multiple of the 51200 ps buffer span.
	m, fsys := newCorrelatingMachine(t, 123_450)

	var (
		calls    int
		gotDelay int64
		gotZ     float64
	)
	m.SetDelayObserver(func(offsetPicos int64, lag int, peakZ float64) {
		calls++
		gotDelay = offsetPicos
		gotZ = peakZ
	})

	m.RunNextStep() // home
	m.RunNextStep() // setup
	m.RunNextStep() // measure full phase
	m.RunNextStep() // read data

	client := make([]int64, 100)
	server := make([]int64, 100)
	for i := range client {
		client[i] = 1_000_000 + int64(i)*97_531
		server[i] = client[i] + 500
	}
	writeBurst(t, fsys, "bme", client)
	writeBurst(t, fsys, "wigner", server)

	assert.Equal(t, NoCommand, m.RunNextStep()) // analyze

	assert.Equal(t, int64(500), m.Status().StationTimeOffset)
	require.Equal(t, 1, calls)
	assert.Equal(t, int64(500), gotDelay)
	assert.Greater(t, gotZ, m.cfg.GetMinPeakZ())
}

func TestWeakCorrelationKeepsPreviousOffset(t *testing.T) {
	t.Parallel()
	m, fsys := newCorrelatingMachine(t, 0)

	var calls int
	m.SetDelayObserver(func(offsetPicos int64, lag int, peakZ float64) {
		calls++
	})

	m.RunNextStep() // home
	m.RunNextStep() // setup
	m.RunNextStep() // measure full phase
	m.RunNextStep() // read data

	m.stationTimeOffset = 9800
	writeBurst(t, fsys, "bme", nil)
	writeBurst(t, fsys, "wigner", nil)

	assert.Equal(t, NoCommand, m.RunNextStep()) // analyze

	assert.Equal(t, int64(9800), m.Status().StationTimeOffset)
	assert.Zero(t, calls)
}
