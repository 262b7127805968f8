package correlator

import (
	"fmt"
	"log"

	"github.com/fringe-data/visibility.report/internal/fsutil"
	"github.com/fringe-data/visibility.report/internal/timestamp"
	"github.com/fringe-data/visibility.report/internal/timeutil"
)

// Config carries the tunable parameters of a correlation run. Zero values
// fall back to the defaults the instruments were commissioned with.
type Config struct {
	// Tau is the coarse bucket width in picoseconds. It must under-estimate
	// the expected station offset for the peak to land inside the buffer.
	Tau uint64

	// N is the correlation buffer length; a power of two (2^16–2^24).
	N int

	// Tshift is added to every dataset-1 timestamp before bucketing.
	Tshift int64

	// DelayEstimate centers the noise-filter acceptance windows.
	DelayEstimate int64

	// NoiseWindow is the acceptance half-width around each reference event.
	NoiseWindow int64

	// AddedDelay shifts dataset-1 events during concatenation. Test hook,
	// normally zero.
	AddedDelay int64

	// WorkingFileA/B are the scratch paths the input file lists are merged
	// into. Callers own these; nothing else may share them concurrently.
	WorkingFileA string
	WorkingFileB string

	// PlotPath, when set, receives a PNG of the z-score curve after each
	// run for offline inspection.
	PlotPath string
}

const (
	// DefaultTau matches the commissioning configuration.
	DefaultTau = uint64(50)

	// DefaultN is the commissioning buffer size (2^16).
	DefaultN = 1 << 16

	// DefaultTshift is the dataset-1 pre-shift in picoseconds.
	DefaultTshift = int64(100000000)

	// DefaultDelayEstimate centers noise bounds when no measured offset is
	// available yet.
	DefaultDelayEstimate = int64(10000)
)

func (c *Config) applyDefaults() {
	if c.Tau == 0 {
		c.Tau = DefaultTau
	}
	if c.N == 0 {
		c.N = DefaultN
	}
	if c.DelayEstimate == 0 {
		c.DelayEstimate = DefaultDelayEstimate
	}
	if c.NoiseWindow == 0 {
		c.NoiseWindow = DefaultNoiseWindow
	}
	if c.WorkingFileA == "" {
		c.WorkingFileA = "ts1.bin"
	}
	if c.WorkingFileB == "" {
		c.WorkingFileB = "ts2.bin"
	}
}

// Estimate is the outcome of one correlation run.
type Estimate struct {
	// DelayPicos is tau × bestLag, the estimated station time offset.
	DelayPicos int64

	// Lag is the winning buffer index.
	Lag int

	// PeakZ is the z-score at the winning lag. Near-zero means the run
	// found no reliable peak and DelayPicos must not be trusted.
	PeakZ float64

	// CountA and CountB are the event counts bucketed per dataset.
	CountA int
	CountB int

	// DiagnosticA and DiagnosticB are the per-dataset inter-arrival
	// histograms for quality inspection.
	DiagnosticA *Diagnostic
	DiagnosticB *Diagnostic
}

// Correlator runs the full file-to-delay pipeline. The two working-file
// buffers exist only for the duration of one Run call, bounding peak
// memory to 2 × N × sizeof(complex128).
type Correlator struct {
	fsys  fsutil.FileSystem
	clock timeutil.Clock
	cfg   Config
}

// New returns a Correlator over the given filesystem and clock.
func New(fsys fsutil.FileSystem, clock timeutil.Clock, cfg Config) *Correlator {
	cfg.applyDefaults()
	return &Correlator{fsys: fsys, clock: clock, cfg: cfg}
}

// Config returns the effective (defaulted) configuration.
func (c *Correlator) Config() Config { return c.cfg }

// Run concatenates each file list into one working file, optionally
// applies the noise filter to the larger of the two, buckets both, and
// cross-correlates. A tau of zero uses the configured default. This is
// the only entry point the orchestrator calls.
func (c *Correlator) Run(useNoiseFilter bool, filesA, filesB []string, tau uint64) (Estimate, error) {
	if tau == 0 {
		tau = c.cfg.Tau
	}

	if err := timestamp.Concat(c.fsys, filesA, c.cfg.WorkingFileA, c.cfg.AddedDelay); err != nil {
		return Estimate{}, fmt.Errorf("merging dataset 1: %w", err)
	}
	if err := timestamp.Concat(c.fsys, filesB, c.cfg.WorkingFileB, 0); err != nil {
		return Estimate{}, fmt.Errorf("merging dataset 2: %w", err)
	}

	if useNoiseFilter {
		larger, smaller := c.orderBySize(c.cfg.WorkingFileA, c.cfg.WorkingFileB)
		if err := NoiseFilter(c.fsys, c.clock, larger, smaller, c.cfg.DelayEstimate, c.cfg.NoiseWindow); err != nil {
			// The originals are intact; correlate the unfiltered data.
			log.Printf("noise filter skipped: %v", err)
		}
	}

	bufA, diagA, countA := LoadAndBucket(c.fsys, c.cfg.WorkingFileA, tau, c.cfg.N, c.cfg.Tshift)
	bufB, diagB, countB := LoadAndBucket(c.fsys, c.cfg.WorkingFileB, tau, c.cfg.N, 0)

	est := Estimate{
		CountA:      countA,
		CountB:      countB,
		DiagnosticA: diagA,
		DiagnosticB: diagB,
	}

	scores, err := correlationScores(bufA, bufB)
	if err != nil {
		return est, err
	}
	if scores == nil {
		// Flat correlation: defined zero result, not an error.
		log.Printf("flat correlation (%d/%d events); no reliable lag", countA, countB)
		return est, nil
	}

	for i, s := range scores {
		if s > est.PeakZ || i == 0 {
			est.PeakZ = s
			est.Lag = i
		}
	}
	est.DelayPicos = int64(tau) * int64(est.Lag)

	if c.cfg.PlotPath != "" {
		if err := writeScorePlot(c.cfg.PlotPath, scores); err != nil {
			log.Printf("diagnostic plot failed: %v", err)
		}
	}

	log.Printf("correlation peak z=%.2f at lag %d (delay %d ps, %d/%d events)",
		est.PeakZ, est.Lag, est.DelayPicos, countA, countB)
	return est, nil
}

func (c *Correlator) orderBySize(a, b string) (larger, smaller string) {
	sa, sb := c.fileSize(a), c.fileSize(b)
	if sa >= sb {
		return a, b
	}
	return b, a
}

func (c *Correlator) fileSize(path string) int64 {
	info, err := c.fsys.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
