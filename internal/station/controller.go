// Package station glues the orchestrator, the link protocol, and the
// instrument capabilities into the two runtime roles: the controller that
// drives the experiment and the responder that executes commands on the
// peer station.
package station

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/fringe-data/visibility.report/internal/config"
	"github.com/fringe-data/visibility.report/internal/fsutil"
	"github.com/fringe-data/visibility.report/internal/gpsclock"
	"github.com/fringe-data/visibility.report/internal/orchestrator"
	"github.com/fringe-data/visibility.report/internal/stationlink"
	"github.com/fringe-data/visibility.report/internal/timeutil"
)

// Acquisition scripts provisioned next to the binaries on the instrument
// machines.
const (
	setupScript       = "timetagger_setup.py"
	acquisitionScript = "timestamps_acquisition.py"
)

// Recorder persists experiment progress for post-hoc review. Recording
// failures are logged, never allowed to stall a running experiment.
type Recorder interface {
	RecordSample(runID, step string, visibility float64, coincidences uint64, offsetPicos int64) error
	RecordDelay(runID string, delayPicos int64, lag int, peakZ float64) error
}

// Controller runs the orchestrator loop over one station link.
type Controller struct {
	link    *stationlink.Link
	orch    *orchestrator.Machine
	fsys    fsutil.FileSystem
	clock   timeutil.Clock
	gps     gpsclock.Clock
	runner  gpsclock.Runner
	cfg     *config.TuningConfig
	dataDir string

	// Optional run persistence.
	store Recorder
	runID string
}

// NewController wires a controller role together.
func NewController(
	link *stationlink.Link,
	orch *orchestrator.Machine,
	fsys fsutil.FileSystem,
	clock timeutil.Clock,
	gps gpsclock.Clock,
	runner gpsclock.Runner,
	cfg *config.TuningConfig,
	dataDir string,
) *Controller {
	return &Controller{
		link:    link,
		orch:    orch,
		fsys:    fsys,
		clock:   clock,
		gps:     gps,
		runner:  runner,
		cfg:     cfg,
		dataDir: dataDir,
	}
}

// WithRecorder attaches run persistence under the given run ID. Every
// accepted station offset refresh is stored alongside the step samples.
func (c *Controller) WithRecorder(store Recorder, runID string) *Controller {
	c.store = store
	c.runID = runID
	c.orch.SetDelayObserver(func(offsetPicos int64, lag int, peakZ float64) {
		if err := store.RecordDelay(runID, offsetPicos, lag, peakZ); err != nil {
			log.Printf("[Controller] recording delay estimate failed: %v", err)
		}
	})
	return c
}

// Run drives the experiment to completion. Only link failures end the run
// abnormally; every local failure degrades and the machine keeps stepping.
func (c *Controller) Run() error {
	for {
		cmd := c.orch.RunNextStep()
		c.recordProgress()

		if cmd == orchestrator.NoCommand {
			continue
		}

		if cmd == "setup" {
			c.localSetup()
		}

		if err := c.link.SendCommand(cmd); err != nil {
			return fmt.Errorf("controller: %w", err)
		}
		log.Printf("[Controller] sent: %s", cmd)

		if strings.Contains(cmd, "read_data_file") {
			names, err := c.link.ReceiveFiles(c.fsys, c.dataDir)
			if err != nil {
				return fmt.Errorf("controller: %w", err)
			}
			log.Printf("[Controller] received %d files", len(names))
		} else if strings.HasPrefix(cmd, "rotate") {
			c.localAcquisition(cmd)
		}

		if err := c.link.WaitDone(); err != nil {
			return fmt.Errorf("controller: %w", err)
		}

		if cmd == "exit" {
			log.Printf("[Controller] experiment finished")
			return nil
		}
	}
}

// RunManual replaces the orchestrator with operator-typed commands, one
// per line. The protocol discipline is unchanged.
func (c *Controller) RunManual(input io.Reader) error {
	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())
		if cmd == "" {
			continue
		}

		if err := c.link.SendCommand(cmd); err != nil {
			return fmt.Errorf("manual: %w", err)
		}

		if strings.Contains(cmd, "read_data_file") {
			if _, err := c.link.ReceiveFiles(c.fsys, c.dataDir); err != nil {
				return fmt.Errorf("manual: %w", err)
			}
		}

		if err := c.link.WaitDone(); err != nil {
			return fmt.Errorf("manual: %w", err)
		}

		if cmd == "exit" {
			return nil
		}
	}
	return scanner.Err()
}

func (c *Controller) localSetup() {
	if err := c.fsys.MkdirAll(c.dataDir, 0755); err != nil {
		log.Printf("[Controller] cannot prepare data dir: %v", err)
	}
	if err := c.runner.Run(setupScript); err != nil {
		log.Printf("[Controller] setup script failed: %v", err)
	}
}

// localAcquisition mirrors measurement commands on this station: both
// stations must record the same GPS-timed burst for the coincidence
// analysis to pair files.
func (c *Controller) localAcquisition(cmd string) {
	mode, duration, start, ok := parseMeasurement(cmd)
	if !ok {
		return
	}
	log.Printf("[Controller] local %s acquisition, %ss at %s", mode, formatDuration(duration), start)

	if err := c.gps.WaitUntil(start); err != nil {
		log.Printf("[Controller] start wait failed: %v", err)
		return
	}
	if err := c.runner.Run(acquisitionScript, "--duration", formatDuration(duration)); err != nil {
		log.Printf("[Controller] acquisition failed: %v", err)
		return
	}
	// The script runs detached; hold the loop until the burst file is
	// written out.
	c.clock.Sleep(time.Duration((duration + 1) * float64(time.Second)))
}

// parseMeasurement extracts mode, duration and GPS start from a rotate
// command. Only full_phase and fine_scan trigger acquisitions.
func parseMeasurement(cmd string) (mode string, duration float64, start string, ok bool) {
	fields := strings.Fields(cmd)
	if len(fields) < 5 || fields[0] != "rotate" {
		return "", 0, "", false
	}
	mode = fields[2]
	if mode != "full_phase" && mode != "fine_scan" {
		return "", 0, "", false
	}
	duration, err := strconv.ParseFloat(fields[3], 64)
	if err != nil || duration <= 0 {
		return "", 0, "", false
	}
	return mode, duration, fields[4], true
}

func formatDuration(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func (c *Controller) recordProgress() {
	if c.store == nil {
		return
	}
	st := c.orch.Status()
	if err := c.store.RecordSample(c.runID, st.Step, st.CurrentVisibility,
		st.TotalCoincidences, st.StationTimeOffset); err != nil {
		log.Printf("[Controller] recording failed: %v", err)
	}
}
