package correlator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fringe-data/visibility.report/internal/fsutil"
	"github.com/fringe-data/visibility.report/internal/timestamp"
	"github.com/fringe-data/visibility.report/internal/timeutil"
)

func newTestCorrelator(t *testing.T, cfg Config) (*Correlator, fsutil.FileSystem) {
	t.Helper()
	fsys := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	return New(fsys, clock, cfg), fsys
}

func TestLoadAndBucket(t *testing.T) {
	t.Parallel()

	t.Run("events land in the right bins", func(t *testing.T) {
		t.Parallel()
		fsys := fsutil.NewMemoryFileSystem()
		require.NoError(t, timestamp.WriteAll(fsys, "ts.bin",
			recordsAt(0, 49, 50, 120, 50*8+3)))

		buf, _, count := LoadAndBucket(fsys, "ts.bin", 50, 16, 0)
		require.Equal(t, 5, count)
		assert.Equal(t, complex(2, 0), buf[0])
		assert.Equal(t, complex(1, 0), buf[1])
		assert.Equal(t, complex(1, 0), buf[2])
		assert.Equal(t, complex(1, 0), buf[8])
	})

	t.Run("bucketing wraps modulo n", func(t *testing.T) {
		t.Parallel()
		fsys := fsutil.NewMemoryFileSystem()
		require.NoError(t, timestamp.WriteAll(fsys, "ts.bin",
			recordsAt(50*16, 50*17)))

		buf, _, count := LoadAndBucket(fsys, "ts.bin", 50, 16, 0)
		require.Equal(t, 2, count)
		assert.Equal(t, complex(1, 0), buf[0])
		assert.Equal(t, complex(1, 0), buf[1])
	})

	t.Run("tshift moves events forward", func(t *testing.T) {
		t.Parallel()
		fsys := fsutil.NewMemoryFileSystem()
		require.NoError(t, timestamp.WriteAll(fsys, "ts.bin", recordsAt(0)))

		buf, _, count := LoadAndBucket(fsys, "ts.bin", 50, 16, 150)
		require.Equal(t, 1, count)
		assert.Equal(t, complex(1, 0), buf[3])
	})

	t.Run("missing file yields zero buffer", func(t *testing.T) {
		t.Parallel()
		fsys := fsutil.NewMemoryFileSystem()

		buf, diag, count := LoadAndBucket(fsys, "missing.bin", 50, 16, 0)
		assert.Equal(t, 0, count)
		assert.Equal(t, 0, diag.Records)
		for _, c := range buf {
			assert.Equal(t, complex(0, 0), c)
		}
	})
}

func TestDiagnosticHistogram(t *testing.T) {
	t.Parallel()

	fsys := fsutil.NewMemoryFileSystem()
	// Inter-arrivals of 1500ps land in bin 1 with the default 1000ps width.
	require.NoError(t, timestamp.WriteAll(fsys, "ts.bin",
		recordsAt(0, 1500, 3000, 4500)))

	_, diag, count := LoadAndBucket(fsys, "ts.bin", 50, 1024, 0)
	require.Equal(t, 4, count)
	assert.Equal(t, uint64(3), diag.Bins[1])
	assert.InDelta(t, 1500.0, diag.MeanInterarrival, 1e-9)

	norm := diag.Normalized()
	assert.InDelta(t, 1.0, norm[1], 1e-9)
}

func TestRunRecoversKnownOffset(t *testing.T) {
	t.Parallel()

	c, fsys := newTestCorrelator(t, Config{Tau: 50, N: 1024})

	// 100 events per station; station 2 sees every event 500ps later.
	const offset = int64(500)
	recsA := make([]timestamp.Record, 100)
	recsB := make([]timestamp.Record, 100)
	for i := range recsA {
		t0 := int64(1_000_000) + int64(i)*97_531
		recsA[i] = timestamp.FromAbsolutePicos(t0)
		recsB[i] = timestamp.FromAbsolutePicos(t0 + offset)
	}
	require.NoError(t, timestamp.WriteAll(fsys, "a.bin", recsA))
	require.NoError(t, timestamp.WriteAll(fsys, "b.bin", recsB))

	est, err := c.Run(false, []string{"a.bin"}, []string{"b.bin"}, 50)
	require.NoError(t, err)

	assert.Equal(t, 100, est.CountA)
	assert.Equal(t, 100, est.CountB)
	assert.Greater(t, est.PeakZ, 3.0)
	assert.InDelta(t, float64(offset), float64(est.DelayPicos), 50)
}

func TestRunEmptyInputsYieldZeroEstimate(t *testing.T) {
	t.Parallel()

	c, _ := newTestCorrelator(t, Config{Tau: 50, N: 256})

	est, err := c.Run(false, nil, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), est.DelayPicos)
	assert.Equal(t, 0, est.Lag)
	assert.Equal(t, 0.0, est.PeakZ)
	assert.Equal(t, 0, est.CountA)
	assert.Equal(t, 0, est.CountB)
}

func TestRunWithNoiseFilter(t *testing.T) {
	t.Parallel()

	c, fsys := newTestCorrelator(t, Config{
		Tau:           50,
		N:             1024,
		DelayEstimate: 500,
		NoiseWindow:   100,
	})

	// Station 2 sees every signal event 500ps after station 1. Station 1
	// additionally records uncorrelated dark counts that have no partner at
	// station 2; the filter strips them from the larger dataset before
	// correlation.
	const offset = int64(500)
	recsB := make([]timestamp.Record, 80)
	recsA := make([]timestamp.Record, 0, 160)
	for i := range recsB {
		t0 := int64(1_000_000) + int64(i)*97_531
		recsA = append(recsA, timestamp.FromAbsolutePicos(t0))
		recsA = append(recsA, timestamp.FromAbsolutePicos(t0+40_000))
		recsB[i] = timestamp.FromAbsolutePicos(t0 + offset)
	}
	require.NoError(t, timestamp.WriteAll(fsys, "a.bin", recsA))
	require.NoError(t, timestamp.WriteAll(fsys, "b.bin", recsB))

	est, err := c.Run(true, []string{"a.bin"}, []string{"b.bin"}, 50)
	require.NoError(t, err)

	// Half of station 1's events are dark counts and get filtered out.
	assert.Equal(t, 80, est.CountA)
	assert.Equal(t, 80, est.CountB)
	assert.InDelta(t, float64(offset), float64(est.DelayPicos), 50)
}

func TestRunMergesMultipleInputFiles(t *testing.T) {
	t.Parallel()

	c, fsys := newTestCorrelator(t, Config{Tau: 50, N: 512})

	require.NoError(t, timestamp.WriteAll(fsys, "a1.bin",
		recordsAt(1_000, 2_000, 3_000)))
	require.NoError(t, timestamp.WriteAll(fsys, "a2.bin",
		recordsAt(4_000, 5_000)))
	require.NoError(t, timestamp.WriteAll(fsys, "b1.bin",
		recordsAt(1_100, 2_100, 3_100, 4_100, 5_100)))

	est, err := c.Run(false, []string{"a1.bin", "a2.bin"}, []string{"b1.bin"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, est.CountA)
	assert.Equal(t, 5, est.CountB)
	assert.Equal(t, int64(100), est.DelayPicos)
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	c, _ := newTestCorrelator(t, Config{})
	cfg := c.Config()
	assert.Equal(t, DefaultTau, cfg.Tau)
	assert.Equal(t, DefaultN, cfg.N)
	assert.Equal(t, DefaultDelayEstimate, cfg.DelayEstimate)
	assert.Equal(t, DefaultNoiseWindow, cfg.NoiseWindow)
	assert.NotEmpty(t, cfg.WorkingFileA)
	assert.NotEmpty(t, cfg.WorkingFileB)
}
