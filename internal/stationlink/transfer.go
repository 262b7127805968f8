package stationlink

import (
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/fringe-data/visibility.report/internal/fsutil"
)

// receivingTempName holds an in-flight file until its EOF frame names it.
const receivingTempName = ".receiving.tmp"

// SendFile streams one file as FileChunkSize-byte data frames followed by
// an "EOF <basename>" frame. The receiver only learns the name at the end,
// so a truncated transfer never leaves a plausibly-named file behind.
func (l *Link) SendFile(fsys fsutil.FileSystem, path string) error {
	f, err := fsys.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s for transfer: %w", path, err)
	}
	defer f.Close()

	var sent uint64
	buf := make([]byte, FileChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := WriteFrame(l.rw, buf[:n]); werr != nil {
				return fmt.Errorf("sending chunk of %s: %w", path, werr)
			}
			sent += uint64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
	}

	name := filepath.Base(path)
	if err := WriteFrame(l.rw, []byte(eofPrefix+name)); err != nil {
		return fmt.Errorf("sending EOF for %s: %w", path, err)
	}
	log.Printf("[Link] sent %s (%s)", name, humanize.Bytes(sent))
	return nil
}

// SendFiles transfers every file in order and terminates the batch with an
// EOT frame. Files that cannot be sent abort the batch; the peer sees the
// protocol error on its next read.
func (l *Link) SendFiles(fsys fsutil.FileSystem, paths []string) error {
	for _, p := range paths {
		if err := l.SendFile(fsys, p); err != nil {
			return err
		}
	}
	if err := WriteFrame(l.rw, []byte(eotMarker)); err != nil {
		return fmt.Errorf("sending EOT: %w", err)
	}
	return nil
}

// ReceiveFiles drains one file batch into dataDir and returns the received
// base names. Each file accumulates in a temp file and is renamed into
// place when its EOF frame arrives.
func (l *Link) ReceiveFiles(fsys fsutil.FileSystem, dataDir string) ([]string, error) {
	if err := fsys.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("preparing data dir %s: %w", dataDir, err)
	}

	var names []string
	for {
		payload, err := l.ReadFrame()
		if err != nil {
			return names, fmt.Errorf("receiving file batch: %w", err)
		}
		if string(payload) == eotMarker {
			return names, nil
		}

		// An EOF frame with no preceding data frames is an empty file.
		if s := string(payload); strings.HasPrefix(s, eofPrefix) {
			name := filepath.Base(strings.TrimPrefix(s, eofPrefix))
			if err := fsys.WriteFile(filepath.Join(dataDir, name), nil, 0644); err != nil {
				return names, fmt.Errorf("placing empty %s: %w", name, err)
			}
			names = append(names, name)
			continue
		}

		name, err := l.receiveOneFile(fsys, dataDir, payload)
		if err != nil {
			return names, err
		}
		names = append(names, name)
	}
}

// receiveOneFile consumes data frames starting with firstChunk until the
// EOF frame, then renames the temp file to the transmitted name.
func (l *Link) receiveOneFile(fsys fsutil.FileSystem, dataDir string, firstChunk []byte) (string, error) {
	tmpPath := filepath.Join(dataDir, receivingTempName)
	out, err := fsys.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating receive temp: %w", err)
	}

	var received uint64
	write := func(chunk []byte) error {
		n, err := out.Write(chunk)
		received += uint64(n)
		return err
	}

	if err := write(firstChunk); err != nil {
		out.Close()
		return "", fmt.Errorf("writing receive temp: %w", err)
	}

	for {
		payload, err := l.ReadFrame()
		if err != nil {
			out.Close()
			fsys.Remove(tmpPath)
			return "", fmt.Errorf("mid-file receive: %w", err)
		}

		if s := string(payload); strings.HasPrefix(s, eofPrefix) {
			name := filepath.Base(strings.TrimPrefix(s, eofPrefix))
			if err := out.Close(); err != nil {
				return "", fmt.Errorf("closing receive temp: %w", err)
			}
			dest := filepath.Join(dataDir, name)
			if err := fsys.Rename(tmpPath, dest); err != nil {
				return "", fmt.Errorf("placing %s: %w", dest, err)
			}
			log.Printf("[Link] received %s (%s)", name, humanize.Bytes(received))
			return name, nil
		}

		if err := write(payload); err != nil {
			out.Close()
			return "", fmt.Errorf("writing receive temp: %w", err)
		}
	}
}
