package correlator

import (
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"github.com/fringe-data/visibility.report/internal/fsutil"
	"github.com/fringe-data/visibility.report/internal/timestamp"
	"github.com/fringe-data/visibility.report/internal/timeutil"
)

// DefaultNoiseWindow is the half-width of the acceptance window around
// each reference event, in picoseconds.
const DefaultNoiseWindow = int64(10000)

// replaceAttempts bounds retries of the final rename; transient locks on
// the working file (antivirus, lagging close) clear within a few tries.
const replaceAttempts = 5

// bound is a picosecond acceptance window derived from one reference
// event. Bounds are sorted by construction because the reference file is
// time-ordered.
type bound struct {
	lower int64
	upper int64
}

func inAnyBound(bounds []bound, target int64) bool {
	i := sort.Search(len(bounds), func(i int) bool {
		return bounds[i].upper >= target
	})
	return i < len(bounds) && bounds[i].lower <= target
}

// NoiseFilter removes events from largerPath that have no plausible
// partner in smallerPath: for every reference event e it accepts larger
// file events inside [e−delay−window, e−delay+window] and drops the rest.
// The filtered stream is written to a temp file and renamed over the
// original, so a crash mid-filter loses only the temp file. The reference
// file is never modified and the operation is idempotent.
func NoiseFilter(fsys fsutil.FileSystem, clock timeutil.Clock, largerPath, smallerPath string, delayEstimate, window int64) error {
	bounds, err := buildBounds(fsys, smallerPath, delayEstimate, window)
	if err != nil {
		return fmt.Errorf("building noise bounds: %w", err)
	}

	tmpPath := largerPath + ".filtered"
	kept, dropped, err := filterToTemp(fsys, largerPath, tmpPath, bounds)
	if err != nil {
		fsys.Remove(tmpPath)
		return fmt.Errorf("filtering %s: %w", largerPath, err)
	}
	log.Printf("noise filter on %s: kept %d, dropped %d", largerPath, kept, dropped)

	if err := replaceWithRetry(fsys, clock, tmpPath, largerPath); err != nil {
		fsys.Remove(tmpPath)
		return fmt.Errorf("replacing %s: %w (original preserved)", largerPath, err)
	}
	return nil
}

func buildBounds(fsys fsutil.FileSystem, path string, delayEstimate, window int64) ([]bound, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rd := timestamp.NewReader(f)
	var bounds []bound
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		center := rec.AbsolutePicos() - delayEstimate
		lo := center - window
		if lo < 0 {
			lo = 0
		}
		bounds = append(bounds, bound{lower: lo, upper: center + window})
	}
	return bounds, nil
}

func filterToTemp(fsys fsutil.FileSystem, srcPath, tmpPath string, bounds []bound) (kept, dropped int, err error) {
	in, err := fsys.Open(srcPath)
	if err != nil {
		return 0, 0, err
	}
	defer in.Close()

	out, err := fsys.Create(tmpPath)
	if err != nil {
		return 0, 0, err
	}

	rd := timestamp.NewReader(in)
	var buf []byte
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			out.Close()
			return kept, dropped, err
		}
		if inAnyBound(bounds, rec.AbsolutePicos()) {
			buf = timestamp.AppendEncode(buf, rec)
			kept++
		} else {
			dropped++
		}
		if len(buf) >= 64*1024 {
			if _, err := out.Write(buf); err != nil {
				out.Close()
				return kept, dropped, err
			}
			buf = buf[:0]
		}
	}
	if len(buf) > 0 {
		if _, err := out.Write(buf); err != nil {
			out.Close()
			return kept, dropped, err
		}
	}
	return kept, dropped, out.Close()
}

func replaceWithRetry(fsys fsutil.FileSystem, clock timeutil.Clock, tmpPath, dstPath string) error {
	var err error
	for attempt := 0; attempt < replaceAttempts; attempt++ {
		if attempt > 0 {
			clock.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
		if err = fsys.Rename(tmpPath, dstPath); err == nil {
			return nil
		}
	}
	return err
}
