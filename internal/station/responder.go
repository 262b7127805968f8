package station

import (
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fringe-data/visibility.report/internal/config"
	"github.com/fringe-data/visibility.report/internal/fsutil"
	"github.com/fringe-data/visibility.report/internal/gpsclock"
	"github.com/fringe-data/visibility.report/internal/stage"
	"github.com/fringe-data/visibility.report/internal/stationlink"
	"github.com/fringe-data/visibility.report/internal/timestamp"
	"github.com/fringe-data/visibility.report/internal/timeutil"
)

// fineScanPreRoll is how far the half-wave plate backs up before a fine
// scan so the sweep crosses the working point symmetrically.
const fineScanPreRoll = 10.0

// Responder executes peer commands on the local instruments. Every
// received command is acknowledged with "done", including ones this
// station ignores; the controller's strict request/reply loop depends
// on it.
type Responder struct {
	link     *stationlink.Link
	fsys     fsutil.FileSystem
	clock    timeutil.Clock
	gps      gpsclock.Clock
	runner   gpsclock.Runner
	halfwave stage.Controller
	quarter  stage.Controller
	cfg      *config.TuningConfig
	dataDir  string
}

// NewResponder wires a responder role together.
func NewResponder(
	link *stationlink.Link,
	fsys fsutil.FileSystem,
	clock timeutil.Clock,
	gps gpsclock.Clock,
	runner gpsclock.Runner,
	halfwave, quarter stage.Controller,
	cfg *config.TuningConfig,
	dataDir string,
) *Responder {
	return &Responder{
		link:     link,
		fsys:     fsys,
		clock:    clock,
		gps:      gps,
		runner:   runner,
		halfwave: halfwave,
		quarter:  quarter,
		cfg:      cfg,
		dataDir:  dataDir,
	}
}

// Run serves commands until the peer sends exit or the connection ends.
func (r *Responder) Run() error {
	for {
		cmd, err := r.link.ReadCommand()
		if errors.Is(err, io.EOF) {
			log.Printf("[Responder] peer closed the connection")
			return nil
		}
		if err != nil {
			return fmt.Errorf("responder: %w", err)
		}
		log.Printf("[Responder] received: %s", cmd)

		exit, err := r.execute(cmd)
		if err != nil {
			return fmt.Errorf("responder: %w", err)
		}
		if exit {
			return nil
		}
	}
}

// execute runs one command and acknowledges it. Only link errors
// propagate; instrument failures are logged and the command still
// acknowledged so the experiment keeps moving.
func (r *Responder) execute(cmd string) (exit bool, err error) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return false, r.link.SendDone()
	}

	switch fields[0] {
	case "home":
		r.homeAll()

	case "setup":
		r.setup()

	case "read_data_file":
		if err := r.uploadDataFiles(); err != nil {
			return false, err
		}

	case "rotate":
		r.handleRotate(fields)

	case "activate":
		r.setGroupEnabled(fields, true)

	case "deactivate":
		r.setGroupEnabled(fields, false)

	case "exit":
		return true, r.link.SendDone()

	default:
		// Accepted design looseness: unknown commands are ignored, but
		// still acknowledged to keep the request/reply loop alive.
		log.Printf("[Responder] ignoring unknown command %q", fields[0])
	}

	return false, r.link.SendDone()
}

func (r *Responder) homeAll() {
	if err := r.halfwave.Home(); err != nil {
		log.Printf("[Responder] halfwave home failed: %v", err)
	}
	if err := r.quarter.Home(); err != nil {
		log.Printf("[Responder] quarter home failed: %v", err)
	}
}

func (r *Responder) setup() {
	if err := r.fsys.MkdirAll(r.dataDir, 0755); err != nil {
		log.Printf("[Responder] cannot prepare data dir: %v", err)
	}
	if err := r.runner.Run(setupScript); err != nil {
		log.Printf("[Responder] setup script failed: %v", err)
	}
}

// uploadDataFiles streams every local-tag burst file to the peer and
// terminates the batch. Link errors are fatal to the connection.
func (r *Responder) uploadDataFiles() error {
	var paths []string
	if r.fsys.Exists(r.dataDir) {
		names, err := r.fsys.ReadDir(r.dataDir)
		if err != nil {
			log.Printf("[Responder] cannot list data dir: %v", err)
		}
		for _, name := range names {
			if strings.Contains(name, r.cfg.GetLocalTag()) {
				paths = append(paths, filepath.Join(r.dataDir, name))
			}
		}
	}
	return r.link.SendFiles(r.fsys, paths)
}

func (r *Responder) handleRotate(fields []string) {
	if len(fields) < 3 {
		log.Printf("[Responder] malformed rotate command")
		return
	}
	device, mode := fields[1], fields[2]

	switch device {
	case r.cfg.GetLocalTag() + "4":
		angle, err := strconv.ParseFloat(mode, 64)
		if err != nil {
			log.Printf("[Responder] invalid QWP angle %q", mode)
			return
		}
		if err := r.quarter.MoveTo(angle); err != nil {
			log.Printf("[Responder] QWP move failed: %v", err)
		}

	case r.cfg.GetLocalTag() + "2":
		r.handleHalfwave(fields, mode)

	default:
		// The peer addresses its own stages through the same command
		// stream; those are not ours to move.
	}
}

func (r *Responder) handleHalfwave(fields []string, mode string) {
	if mode != "full_phase" && mode != "fine_scan" {
		angle, err := strconv.ParseFloat(mode, 64)
		if err != nil {
			log.Printf("[Responder] invalid halfwave angle %q", mode)
			return
		}
		if err := r.halfwave.MoveTo(angle); err != nil {
			log.Printf("[Responder] halfwave move failed: %v", err)
		}
		return
	}

	if len(fields) < 5 {
		log.Printf("[Responder] %s without duration and start time", mode)
		return
	}
	duration, err := strconv.ParseFloat(fields[3], 64)
	if err != nil || duration <= 0 {
		log.Printf("[Responder] invalid duration %q", fields[3])
		return
	}
	start := fields[4]

	r.runMeasurement(mode, duration, start)
}

// runMeasurement arms the sweep, waits for the shared GPS start, records
// the burst, and clamps the captured files to the commanded window.
func (r *Responder) runMeasurement(mode string, duration float64, start string) {
	if mode == "fine_scan" {
		if err := r.halfwave.MoveBy(-fineScanPreRoll); err != nil {
			log.Printf("[Responder] fine scan pre-roll failed: %v", err)
		}
	}

	if err := r.gps.WaitUntil(start); err != nil {
		log.Printf("[Responder] start wait failed: %v", err)
		return
	}

	if err := r.runner.Run(acquisitionScript, "--duration", formatDuration(duration)); err != nil {
		log.Printf("[Responder] acquisition failed: %v", err)
		return
	}
	r.clock.Sleep(time.Duration((duration + 1) * float64(time.Second)))

	switch mode {
	case "full_phase":
		if err := r.halfwave.MoveBy(180); err != nil {
			log.Printf("[Responder] full phase sweep failed: %v", err)
		}
	case "fine_scan":
		if err := r.halfwave.MoveBy(fineScanPreRoll); err != nil {
			log.Printf("[Responder] fine scan return failed: %v", err)
		}
	}

	r.clampToWindow(start)
}

// clampToWindow trims captured records past the commanded acquisition
// window so the angle binning stays honest.
func (r *Responder) clampToWindow(start string) {
	end, err := r.gps.Now()
	if err != nil {
		log.Printf("[Responder] cannot read end time: %v", err)
		return
	}
	elapsed, err := gpsclock.Diff(end, start)
	if err != nil {
		log.Printf("[Responder] cannot compute elapsed window: %v", err)
		return
	}
	if err := timestamp.ClampDir(r.fsys, r.dataDir, elapsed); err != nil {
		log.Printf("[Responder] clamp failed: %v", err)
	}
}

func (r *Responder) setGroupEnabled(fields []string, enabled bool) {
	if len(fields) < 2 {
		log.Printf("[Responder] activate/deactivate without device group")
		return
	}
	group := fields[1]

	apply := func(s stage.Controller, name string) {
		var err error
		if enabled {
			err = s.Enable()
		} else {
			err = s.Disable()
		}
		if err != nil {
			log.Printf("[Responder] %s enable state change failed: %v", name, err)
		}
	}

	switch group {
	case "all":
		apply(r.halfwave, "halfwave")
		apply(r.quarter, "quarter")
	case r.cfg.GetLocalTag() + "2":
		apply(r.halfwave, "halfwave")
	case r.cfg.GetLocalTag() + "4":
		apply(r.quarter, "quarter")
	default:
		// Peer-station groups pass through untouched.
	}
}
