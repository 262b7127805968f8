package station

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fringe-data/visibility.report/internal/config"
	"github.com/fringe-data/visibility.report/internal/fsutil"
	"github.com/fringe-data/visibility.report/internal/gpsclock"
	"github.com/fringe-data/visibility.report/internal/orchestrator"
	"github.com/fringe-data/visibility.report/internal/stage"
	"github.com/fringe-data/visibility.report/internal/stationlink"
	"github.com/fringe-data/visibility.report/internal/timeutil"
)

// scriptedPeer plays the responder's protocol role: acknowledge every
// command, answer read_data_file with an empty batch. It returns the
// received command log once the conversation ends.
func scriptedPeer(t *testing.T, conn net.Conn) <-chan []string {
	t.Helper()
	link := stationlink.New(conn, 0)
	fsys := fsutil.NewMemoryFileSystem()

	out := make(chan []string, 1)
	go func() {
		var cmds []string
		defer func() { out <- cmds }()
		for {
			cmd, err := link.ReadCommand()
			if err != nil {
				return
			}
			cmds = append(cmds, cmd)
			if cmd == "read_data_file" {
				if err := link.SendFiles(fsys, nil); err != nil {
					return
				}
			}
			if err := link.SendDone(); err != nil {
				return
			}
			if cmd == "exit" {
				return
			}
		}
	}()
	return out
}

type memRecorder struct {
	mu      sync.Mutex
	samples []string
	delays  []int64
}

func (r *memRecorder) RecordSample(runID, step string, visibility float64, coincidences uint64, offsetPicos int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, runID+" "+step)
	return nil
}

func (r *memRecorder) RecordDelay(runID string, delayPicos int64, lag int, peakZ float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, delayPicos)
	return nil
}

func newTestController(t *testing.T, conn net.Conn) (*Controller, *gpsclock.MockRunner) {
	t.Helper()

	fsys := fsutil.NewMemoryFileSystem()
	gps := gpsclock.NewMockClock(1000 * gpsclock.PicosPerSecond)
	cfg := config.EmptyTuningConfig()
	runner := &gpsclock.MockRunner{}

	orch := orchestrator.New(fsys, gps, stage.NewMock(), stage.NewMock(), nil, cfg, "data")
	ctrl := NewController(
		stationlink.New(conn, 0),
		orch,
		fsys,
		timeutil.NewMockClock(time.Unix(1700000000, 0)),
		gps,
		runner,
		cfg,
		"data",
	)
	return ctrl, runner
}

// With no coincidence data every visibility is zero, so the experiment
// runs one full QWP optimization pass and converges immediately.
func TestControllerRunsExperimentToConvergence(t *testing.T) {
	t.Parallel()

	ctrlConn, peerConn := net.Pipe()
	t.Cleanup(func() {
		ctrlConn.Close()
		peerConn.Close()
	})

	peerCmds := scriptedPeer(t, peerConn)
	ctrl, runner := newTestController(t, ctrlConn)
	rec := &memRecorder{}
	ctrl.WithRecorder(rec, "run-42")

	require.NoError(t, ctrl.Run())
	cmds := <-peerCmds

	require.NotEmpty(t, cmds)
	assert.Equal(t, "home", cmds[0])
	assert.Equal(t, "setup", cmds[1])
	assert.Equal(t, "exit", cmds[len(cmds)-1])

	var fullPhase, fineScan, readData, qwpMoves int
	for _, cmd := range cmds {
		switch {
		case strings.HasPrefix(cmd, "rotate wigner2 full_phase "):
			fullPhase++
		case strings.HasPrefix(cmd, "rotate wigner2 fine_scan "):
			fineScan++
		case cmd == "read_data_file":
			readData++
		case strings.HasPrefix(cmd, "rotate bme4 ") || strings.HasPrefix(cmd, "rotate wigner4 "):
			qwpMoves++
		}
	}

	// One full-phase measurement, then an 11-angle coarse scan per side.
	assert.Equal(t, 1, fullPhase)
	assert.Equal(t, 22, fineScan)
	assert.Equal(t, 23, readData)
	assert.Equal(t, 22, qwpMoves)

	// Local setup plus one acquisition per measurement.
	runs := runner.Runs()
	require.NotEmpty(t, runs)
	assert.Equal(t, setupScript, runs[0])
	assert.Len(t, runs, 24)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.NotEmpty(t, rec.samples)
	assert.True(t, strings.HasPrefix(rec.samples[0], "run-42 "))
}

func TestControllerManualMode(t *testing.T) {
	t.Parallel()

	ctrlConn, peerConn := net.Pipe()
	t.Cleanup(func() {
		ctrlConn.Close()
		peerConn.Close()
	})

	peerCmds := scriptedPeer(t, peerConn)
	ctrl, _ := newTestController(t, ctrlConn)

	input := strings.NewReader("home\n\nread_data_file\nexit\n")
	require.NoError(t, ctrl.RunManual(input))

	assert.Equal(t, []string{"home", "read_data_file", "exit"}, <-peerCmds)
}

func TestParseMeasurement(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		cmd          string
		wantOK       bool
		wantMode     string
		wantDuration float64
		wantStart    string
	}{
		{
			name:         "full phase",
			cmd:          "rotate wigner2 full_phase 30 0,16,42.650000000000",
			wantOK:       true,
			wantMode:     "full_phase",
			wantDuration: 30,
			wantStart:    "0,16,42.650000000000",
		},
		{
			name:         "fine scan",
			cmd:          "rotate wigner2 fine_scan 5 1,2,3.000000000000",
			wantOK:       true,
			wantMode:     "fine_scan",
			wantDuration: 5,
			wantStart:    "1,2,3.000000000000",
		},
		{name: "plain angle rotate", cmd: "rotate wigner2 45.00"},
		{name: "qwp rotate", cmd: "rotate bme4 12.50"},
		{name: "missing start time", cmd: "rotate wigner2 full_phase 30"},
		{name: "zero duration", cmd: "rotate wigner2 full_phase 0 0,0,1.000000000000"},
		{name: "bad duration", cmd: "rotate wigner2 full_phase soon 0,0,1.000000000000"},
		{name: "not a rotate", cmd: "read_data_file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mode, duration, start, ok := parseMeasurement(tt.cmd)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantMode, mode)
				assert.Equal(t, tt.wantDuration, duration)
				assert.Equal(t, tt.wantStart, start)
			}
		})
	}
}
