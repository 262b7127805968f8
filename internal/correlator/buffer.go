// Package correlator reconstructs event streams from raw timestamp files,
// filters mismatched noise events, and estimates the time offset between
// the two stations via FFT cross-correlation.
package correlator

import (
	"io"
	"log"

	"github.com/fringe-data/visibility.report/internal/fsutil"
	"github.com/fringe-data/visibility.report/internal/timestamp"
)

const (
	// DiagnosticBins is the number of inter-arrival histogram bins kept
	// per loaded file, purely for quality inspection.
	DiagnosticBins = 200

	// DefaultDiagnosticBinWidth is the inter-arrival histogram bin width
	// in picoseconds.
	DefaultDiagnosticBinWidth = int64(1000)

	// interarrivalCutoff excludes second-boundary jumps from the mean
	// inter-arrival figure.
	interarrivalCutoff = int64(5e7)
)

// Diagnostic is an inter-arrival quality histogram for one loaded file.
type Diagnostic struct {
	Bins             [DiagnosticBins]uint64
	BinWidth         int64
	MeanInterarrival float64
	Records          int
}

// Normalized returns the histogram as a unit-area distribution. An empty
// histogram normalizes to all zeros.
func (d *Diagnostic) Normalized() []float64 {
	out := make([]float64, DiagnosticBins)
	var area float64
	for _, c := range d.Bins {
		area += float64(c)
	}
	if area == 0 {
		return out
	}
	for i, c := range d.Bins {
		out[i] = float64(c) / area
	}
	return out
}

func (d *Diagnostic) observe(prev, cur int64) {
	dt := cur - prev
	if dt < 0 {
		return
	}
	if r := dt / d.BinWidth; r >= 0 && r < DiagnosticBins {
		d.Bins[r]++
	}
}

// LoadAndBucket streams the timestamp file at path and accumulates its
// events into an n-element correlation buffer: each event increments the
// real part of bin ((abs+tshift)/tau) mod n. It also builds the diagnostic
// inter-arrival histogram. A file that cannot be read yields a zeroed
// buffer and a zero count; loading never fails the caller.
func LoadAndBucket(fsys fsutil.FileSystem, path string, tau uint64, n int, tshift int64) ([]complex128, *Diagnostic, int) {
	buf := make([]complex128, n)
	diag := &Diagnostic{BinWidth: DefaultDiagnosticBinWidth}
	if tau == 0 || n == 0 {
		log.Printf("bucket parameters unusable for %s (tau=%d, n=%d)", path, tau, n)
		return buf, diag, 0
	}

	f, err := fsys.Open(path)
	if err != nil {
		log.Printf("cannot open timestamp file %s: %v", path, err)
		return buf, diag, 0
	}
	defer f.Close()

	rd := timestamp.NewReader(f)
	var (
		count    int
		prev     int64
		dtSum    float64
		dtCount  int
		havePrev bool
	)
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Printf("read error in %s after %d records: %v", path, count, err)
			break
		}

		abs := rec.AbsolutePicos() + tshift
		if abs < 0 {
			abs = 0
		}
		idx := int((uint64(abs) / tau) % uint64(n))
		buf[idx] += complex(1, 0)
		count++

		if havePrev {
			diag.observe(prev, abs)
			if dt := abs - prev; dt >= 0 && dt < interarrivalCutoff {
				dtSum += float64(dt)
				dtCount++
			}
		}
		prev = abs
		havePrev = true
	}

	diag.Records = count
	if dtCount > 0 {
		diag.MeanInterarrival = dtSum / float64(dtCount)
	}
	return buf, diag, count
}
