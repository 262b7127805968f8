package timestamp

import (
	"fmt"
	"io"
	"log"
	"path/filepath"

	"github.com/fringe-data/visibility.report/internal/fsutil"
)

// LoadAbsolutePicos reads every complete record from path and returns the
// absolute event times in picoseconds, in file order.
func LoadAbsolutePicos(fsys fsutil.FileSystem, path string) ([]int64, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening timestamp file: %w", err)
	}
	defer f.Close()

	recs, err := ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading timestamp file %s: %w", path, err)
	}

	times := make([]int64, len(recs))
	for i, r := range recs {
		times[i] = r.AbsolutePicos()
	}
	return times, nil
}

// WriteAll encodes recs to path, replacing any existing file.
func WriteAll(fsys fsutil.FileSystem, path string, recs []Record) error {
	buf := make([]byte, 0, len(recs)*RecordSize)
	for _, r := range recs {
		buf = AppendEncode(buf, r)
	}
	return fsys.WriteFile(path, buf, 0644)
}

// Concat merges the input burst files into one working file. A non-zero
// addedDelayPicos shifts every event's absolute time; it exists as a test
// hook and is zero in normal operation. Inputs that cannot be opened are
// skipped with a warning so a missing burst degrades rather than aborts.
func Concat(fsys fsutil.FileSystem, inputs []string, output string, addedDelayPicos int64) error {
	out, err := fsys.Create(output)
	if err != nil {
		return fmt.Errorf("creating working file %s: %w", output, err)
	}
	defer out.Close()

	buf := make([]byte, 0, defaultChunkBytes)
	for _, input := range inputs {
		in, err := fsys.Open(input)
		if err != nil {
			log.Printf("skipping unreadable input %s: %v", input, err)
			continue
		}

		rd := NewReader(in)
		for {
			rec, err := rd.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				in.Close()
				return fmt.Errorf("reading %s: %w", input, err)
			}
			if addedDelayPicos != 0 {
				rec = FromAbsolutePicos(rec.AbsolutePicos() + addedDelayPicos)
			}
			buf = AppendEncode(buf, rec)
			if len(buf) >= defaultChunkBytes {
				if _, err := out.Write(buf); err != nil {
					in.Close()
					return fmt.Errorf("writing %s: %w", output, err)
				}
				buf = buf[:0]
			}
		}
		in.Close()
	}

	if len(buf) > 0 {
		if _, err := out.Write(buf); err != nil {
			return fmt.Errorf("writing %s: %w", output, err)
		}
	}
	return nil
}

// ClampDir rewrites every file in dir, keeping only records whose absolute
// time is at or before elapsedPicos. The acquisition script keeps recording
// slightly past the commanded duration; clamping keeps the angle binning
// honest. Each file is rewritten through a temp file and renamed into place.
func ClampDir(fsys fsutil.FileSystem, dir string, elapsedPicos int64) error {
	if !fsys.Exists(dir) {
		return nil
	}
	names, err := fsys.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("listing %s: %w", dir, err)
	}

	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := clampFile(fsys, path, elapsedPicos); err != nil {
			log.Printf("clamp failed for %s: %v", path, err)
		}
	}
	return nil
}

func clampFile(fsys fsutil.FileSystem, path string, elapsedPicos int64) error {
	in, err := fsys.Open(path)
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	out, err := fsys.Create(tmpPath)
	if err != nil {
		in.Close()
		return err
	}

	rd := NewReader(in)
	buf := make([]byte, 0, defaultChunkBytes)
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			in.Close()
			out.Close()
			return err
		}
		if rec.AbsolutePicos() <= elapsedPicos {
			buf = AppendEncode(buf, rec)
		}
		if len(buf) >= defaultChunkBytes {
			if _, err := out.Write(buf); err != nil {
				in.Close()
				out.Close()
				return err
			}
			buf = buf[:0]
		}
	}
	in.Close()

	if len(buf) > 0 {
		if _, err := out.Write(buf); err != nil {
			out.Close()
			return err
		}
	}
	if err := out.Close(); err != nil {
		return err
	}

	return fsys.Rename(tmpPath, path)
}
