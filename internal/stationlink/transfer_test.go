package stationlink

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fringe-data/visibility.report/internal/fsutil"
)

func pipePair() (*Link, *Link, func()) {
	a, b := net.Pipe()
	return New(a, 0), New(b, 0), func() {
		a.Close()
		b.Close()
	}
}

func TestSendFileFrameLayout(t *testing.T) {
	t.Parallel()

	// A 1500-byte file crosses the 512-byte chunk size three times:
	// 512 + 512 + 476, then the EOF frame.
	content := bytes.Repeat([]byte{0xab}, 1500)
	fsys := fsutil.NewMemoryFileSystem()
	require.NoError(t, fsys.WriteFile("burst_bme_01.bin", content, 0644))

	var wire bytes.Buffer
	link := New(readWriter{&wire, &wire}, 0)
	require.NoError(t, link.SendFile(fsys, "burst_bme_01.bin"))

	var frames [][]byte
	for {
		f, err := ReadFrame(&wire)
		if err != nil {
			break
		}
		frames = append(frames, f)
	}

	require.Len(t, frames, 4)
	assert.Len(t, frames[0], 512)
	assert.Len(t, frames[1], 512)
	assert.Len(t, frames[2], 476)
	assert.Equal(t, "EOF burst_bme_01.bin", string(frames[3]))
}

type readWriter struct {
	r *bytes.Buffer
	w *bytes.Buffer
}

func (rw readWriter) Read(p []byte) (int, error)  { return rw.r.Read(p) }
func (rw readWriter) Write(p []byte) (int, error) { return rw.w.Write(p) }

func TestFileBatchRoundTrip(t *testing.T) {
	t.Parallel()

	sender, receiver, cleanup := pipePair()
	defer cleanup()

	sendFS := fsutil.NewMemoryFileSystem()
	recvFS := fsutil.NewMemoryFileSystem()

	fileA := bytes.Repeat([]byte{0x01, 0x02}, 750) // 1500 bytes
	fileB := []byte("short burst")
	require.NoError(t, sendFS.WriteFile("run_bme_01.bin", fileA, 0644))
	require.NoError(t, sendFS.WriteFile("run_bme_02.bin", fileB, 0644))

	errc := make(chan error, 1)
	go func() {
		errc <- sender.SendFiles(sendFS, []string{"run_bme_01.bin", "run_bme_02.bin"})
	}()

	names, err := receiver.ReceiveFiles(recvFS, "data")
	require.NoError(t, err)
	require.NoError(t, <-errc)

	assert.Equal(t, []string{"run_bme_01.bin", "run_bme_02.bin"}, names)

	gotA, err := recvFS.ReadFile("data/run_bme_01.bin")
	require.NoError(t, err)
	assert.Equal(t, fileA, gotA)

	gotB, err := recvFS.ReadFile("data/run_bme_02.bin")
	require.NoError(t, err)
	assert.Equal(t, fileB, gotB)

	// No stale temp file left behind.
	assert.False(t, recvFS.Exists("data/.receiving.tmp"))
}

func TestReceiveEmptyBatch(t *testing.T) {
	t.Parallel()

	sender, receiver, cleanup := pipePair()
	defer cleanup()

	sendFS := fsutil.NewMemoryFileSystem()
	recvFS := fsutil.NewMemoryFileSystem()

	errc := make(chan error, 1)
	go func() {
		errc <- sender.SendFiles(sendFS, nil)
	}()

	names, err := receiver.ReceiveFiles(recvFS, "data")
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Empty(t, names)
}

func TestReceiveEmptyFile(t *testing.T) {
	t.Parallel()

	sender, receiver, cleanup := pipePair()
	defer cleanup()

	sendFS := fsutil.NewMemoryFileSystem()
	recvFS := fsutil.NewMemoryFileSystem()
	require.NoError(t, sendFS.WriteFile("empty_bme.bin", nil, 0644))

	errc := make(chan error, 1)
	go func() {
		errc <- sender.SendFiles(sendFS, []string{"empty_bme.bin"})
	}()

	names, err := receiver.ReceiveFiles(recvFS, "data")
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, []string{"empty_bme.bin"}, names)

	got, err := recvFS.ReadFile("data/empty_bme.bin")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReceiveFilesRejectsPathEscapes(t *testing.T) {
	t.Parallel()

	sender, receiver, cleanup := pipePair()
	defer cleanup()

	recvFS := fsutil.NewMemoryFileSystem()

	go func() {
		sender.WriteFrame([]byte("payload"))
		sender.WriteFrame([]byte("EOF ../../escape.bin"))
		sender.WriteFrame([]byte("EOT"))
	}()

	names, err := receiver.ReceiveFiles(recvFS, "data")
	require.NoError(t, err)
	require.Equal(t, []string{"escape.bin"}, names)
	assert.True(t, recvFS.Exists("data/escape.bin"))
}

func TestReceiveFilesSurfacesMidFileLoss(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	defer a.Close()

	sender := New(a, 0)
	receiver := New(b, 0)
	recvFS := fsutil.NewMemoryFileSystem()

	go func() {
		sender.WriteFrame([]byte("first chunk"))
		a.Close()
	}()

	_, err := receiver.ReceiveFiles(recvFS, "data")
	assert.Error(t, err)
	b.Close()
}
