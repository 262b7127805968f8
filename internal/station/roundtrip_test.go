package station

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fringe-data/visibility.report/internal/config"
	"github.com/fringe-data/visibility.report/internal/fsutil"
	"github.com/fringe-data/visibility.report/internal/gpsclock"
	"github.com/fringe-data/visibility.report/internal/stage"
	"github.com/fringe-data/visibility.report/internal/stationlink"
	"github.com/fringe-data/visibility.report/internal/timeutil"
)

// A full experiment between the real controller and the real responder.
// The responder runs on swapped station tags, as cmd/station wires it;
// with matching tags on both ends it would ignore every measurement
// command, so this pins the pairing down.
func TestControllerResponderRoundTrip(t *testing.T) {
	t.Parallel()

	ctrlConn, respConn := net.Pipe()
	t.Cleanup(func() {
		ctrlConn.Close()
		respConn.Close()
	})

	ctrl, _ := newTestController(t, ctrlConn)

	halfwave := stage.NewMock()
	quarter := stage.NewMock()
	runner := &gpsclock.MockRunner{}
	responder := NewResponder(
		stationlink.New(respConn, 0),
		fsutil.NewMemoryFileSystem(),
		timeutil.NewMockClock(time.Unix(1700000000, 0)),
		gpsclock.NewMockClock(1000*gpsclock.PicosPerSecond),
		runner,
		halfwave,
		quarter,
		config.EmptyTuningConfig().SwapStationTags(),
		"data",
	)

	respDone := make(chan error, 1)
	go func() { respDone <- responder.Run() }()

	require.NoError(t, ctrl.Run())
	require.NoError(t, <-respDone)

	// Every measurement the orchestrator commanded ran on the responder:
	// setup, one full-phase burst, and 22 fine scans.
	runs := runner.Runs()
	require.NotEmpty(t, runs)
	assert.Equal(t, setupScript, runs[0])
	assert.Len(t, runs, 24)

	// The half-wave plate homed, swept +180 once, and the fine-scan
	// pre-rolls cancelled out.
	assert.Contains(t, halfwave.Calls(), "home")
	pos, err := halfwave.Position()
	require.NoError(t, err)
	assert.Equal(t, 180.0, pos)

	// The remote-side QWP scan drove this station's quarter-wave plate
	// through all 11 coarse angles; the controller's own scan did not.
	var quarterMoves int
	for _, call := range quarter.Calls() {
		if call == "move_to" {
			quarterMoves++
		}
	}
	assert.Equal(t, 11, quarterMoves)
	pos, err = quarter.Position()
	require.NoError(t, err)
	assert.Equal(t, 10.0, pos)
}

func TestSwappedTagsAddressThisStation(t *testing.T) {
	t.Parallel()

	cfg := config.EmptyTuningConfig().SwapStationTags()
	assert.Equal(t, "wigner", cfg.GetLocalTag())
	assert.Equal(t, "bme", cfg.GetRemoteTag())

	// Swapping twice restores the controller's view.
	back := cfg.SwapStationTags()
	assert.Equal(t, "bme", back.GetLocalTag())
	assert.Equal(t, "wigner", back.GetRemoteTag())
}
