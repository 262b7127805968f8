// Package orchestrator owns the experiment plan: stage homing, the
// full-phase visibility scan, the dark-fringe working point, the two-level
// QWP angle optimization, and the convergence check that ends a run. Each
// call to RunNextStep performs one step's local work and returns the
// command the controller must send to the peer station.
package orchestrator

import (
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/fringe-data/visibility.report/internal/config"
	"github.com/fringe-data/visibility.report/internal/correlator"
	"github.com/fringe-data/visibility.report/internal/fsutil"
	"github.com/fringe-data/visibility.report/internal/gpsclock"
	"github.com/fringe-data/visibility.report/internal/stage"
)

// Machine is the experiment state machine. It is driven from the single
// controller loop; the mutex only guards the Status snapshots served to
// the HTTP API.
type Machine struct {
	mu sync.Mutex

	fsys     fsutil.FileSystem
	gps      gpsclock.Clock
	halfwave stage.Controller
	quarter  stage.Controller
	corr     *correlator.Correlator
	cfg      *config.TuningConfig
	dataDir  string

	currentStep Step

	// Measurement bookkeeping
	lastMeasurementType      measurementType
	lastMeasurementStart     string
	lastMeasurementStartPico int64

	// Analysis results
	coincidenceBins   []uint64
	totalCoincidences uint64
	stationTimeOffset int64

	// Visibility tracking
	currentVisibility  float64
	previousVisibility float64

	// Server-side logical angles, mirrored from the commands we issue.
	serverHalfAngle float64

	qwp qwpState

	// onDelay, when set, receives every accepted station offset refresh.
	onDelay func(offsetPicos int64, lag int, peakZ float64)
}

// New returns a Machine at HomeAll. The correlator's configured pre-shift
// is compensated when its estimates are converted to station offsets.
func New(
	fsys fsutil.FileSystem,
	gps gpsclock.Clock,
	halfwave, quarter stage.Controller,
	corr *correlator.Correlator,
	cfg *config.TuningConfig,
	dataDir string,
) *Machine {
	m := &Machine{
		fsys:        fsys,
		gps:         gps,
		halfwave:    halfwave,
		quarter:     quarter,
		corr:        corr,
		cfg:         cfg,
		dataDir:     dataDir,
		currentStep: StepHomeAll,
	}
	m.coincidenceBins = make([]uint64, m.numAngleBins())
	m.qwp.improvedLastScan = true
	return m
}

func (m *Machine) numAngleBins() int {
	return int(180.0 / m.cfg.GetDegreeStep())
}

// SetDelayObserver registers a callback invoked with each accepted station
// offset refresh, for persistence or monitoring.
func (m *Machine) SetDelayObserver(f func(offsetPicos int64, lag int, peakZ float64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDelay = f
}

// CurrentStep reports the step the next RunNextStep call will execute.
func (m *Machine) CurrentStep() Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentStep
}

// RunNextStep executes one state machine step and returns the command to
// transmit. NoCommand means the step was purely local.
func (m *Machine) RunNextStep() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.currentStep {
	case StepHomeAll:
		return m.stepHomeAll()
	case StepSetup:
		return m.stepSetup()
	case StepMeasureFullPhase:
		return m.stepMeasureFullPhase()
	case StepReadData:
		return m.stepReadData()
	case StepAnalyzeData:
		return m.stepAnalyzeData()
	case StepRotateToMinVis:
		return m.stepRotateToMinVis()
	case StepAdjustQWP:
		return m.stepAdjustQWP()
	case StepMeasureWithQWP:
		return m.stepMeasureWithQWP()
	case StepAnalyzeQWPData:
		return m.stepAnalyzeQWPData()
	case StepProcessQWPResults:
		return m.stepProcessQWPResults()
	case StepCheckConvergence:
		return m.stepCheckConvergence()
	case StepExit:
		return "exit"
	default:
		log.Printf("[Orchestrator] unknown step %d, exiting", m.currentStep)
		m.currentStep = StepExit
		return "exit"
	}
}

func (m *Machine) stepHomeAll() string {
	if err := m.halfwave.Home(); err != nil {
		log.Printf("[Orchestrator] halfwave home failed: %v", err)
	}
	if err := m.quarter.Home(); err != nil {
		log.Printf("[Orchestrator] quarter home failed: %v", err)
	}

	m.serverHalfAngle = 0
	m.qwp.currentAngle[0] = 0
	m.qwp.currentAngle[1] = 0

	m.currentStep = StepSetup
	return "home"
}

func (m *Machine) stepSetup() string {
	m.clearDataDir()
	m.currentStep = StepMeasureFullPhase
	return "setup"
}

func (m *Machine) stepMeasureFullPhase() string {
	if !m.recordMeasurementStart(fullPhase) {
		return NoCommand
	}
	m.currentStep = StepReadData
	return fmt.Sprintf("rotate %s full_phase %s %s",
		m.remoteHalfDevice(), formatSeconds(m.cfg.GetFullPhaseDurationSec()), m.lastMeasurementStart)
}

func (m *Machine) stepReadData() string {
	if m.lastMeasurementType == fullPhase {
		m.currentStep = StepAnalyzeData
	} else {
		m.currentStep = StepAnalyzeQWPData
	}
	return "read_data_file"
}

func (m *Machine) stepAnalyzeData() string {
	m.refreshStationOffset()
	m.analyzeCoincidences()

	log.Printf("[Orchestrator] full phase: %d coincidences, visibility %.4f",
		m.totalCoincidences, m.currentVisibility)

	m.currentStep = StepRotateToMinVis
	return NoCommand
}

func (m *Machine) stepRotateToMinVis() string {
	if m.totalCoincidences == 0 {
		log.Printf("[Orchestrator] no coincidence data, skipping to QWP adjustment")
		m.currentStep = StepAdjustQWP
		return NoCommand
	}

	minBin := m.findMinVisibilityBin()
	targetAngle := (float64(minBin) + 0.5) * m.cfg.GetDegreeStep()

	log.Printf("[Orchestrator] rotating halfwave to dark fringe at %.2f° (bin %d)",
		targetAngle, minBin)

	m.serverHalfAngle = targetAngle
	m.currentStep = StepAdjustQWP
	return fmt.Sprintf("rotate %s %.2f", m.remoteHalfDevice(), targetAngle)
}

func (m *Machine) stepAdjustQWP() string {
	if m.qwp.testIndex == 0 && len(m.qwp.testAngles) == 0 {
		m.initQWPScan(m.qwp.phase == scanFine)
	}

	if m.qwpScanComplete() {
		m.currentStep = StepProcessQWPResults
		return NoCommand
	}

	testAngle := m.qwp.testAngles[m.qwp.testIndex]
	m.qwp.currentAngle[m.qwp.side] = testAngle
	m.currentStep = StepMeasureWithQWP

	if m.qwp.side == sideLocal {
		if err := m.quarter.MoveTo(testAngle); err != nil {
			log.Printf("[Orchestrator] local QWP move failed: %v", err)
		}
	}

	return fmt.Sprintf("rotate %s %.2f", m.qwpDevice(), testAngle)
}

func (m *Machine) stepMeasureWithQWP() string {
	if !m.recordMeasurementStart(fineScan) {
		return NoCommand
	}
	m.currentStep = StepReadData
	return fmt.Sprintf("rotate %s fine_scan %s %s",
		m.remoteHalfDevice(), formatSeconds(m.cfg.GetFineScanDurationSec()), m.lastMeasurementStart)
}

func (m *Machine) stepAnalyzeQWPData() string {
	m.analyzeCoincidences()

	log.Printf("[Orchestrator] QWP angle %.2f° gave visibility %.4f",
		m.qwp.currentAngle[m.qwp.side], m.currentVisibility)

	m.qwp.testVisibilities = append(m.qwp.testVisibilities, m.currentVisibility)
	m.qwp.testIndex++

	if m.qwpScanComplete() {
		m.currentStep = StepProcessQWPResults
	} else {
		m.currentStep = StepAdjustQWP
	}
	return NoCommand
}

func (m *Machine) stepProcessQWPResults() string {
	m.updateQWPBest()
	m.advanceQWPOptimization()
	return NoCommand
}

func (m *Machine) stepCheckConvergence() string {
	if m.hasConverged() {
		log.Printf("[Orchestrator] converged, final visibility %.4f", m.currentVisibility)
		m.currentStep = StepExit
		return "exit"
	}

	log.Printf("[Orchestrator] not converged (%.4f -> %.4f), measuring again",
		m.previousVisibility, m.currentVisibility)
	m.previousVisibility = m.currentVisibility
	m.resetQWPScan()
	m.clearDataDir()
	m.currentStep = StepMeasureFullPhase
	return NoCommand
}

// resetQWPScan rearms the optimization sub-loop for the next full-phase
// iteration. The running best visibility is kept; only the scan cursor
// returns to the local coarse phase.
func (m *Machine) resetQWPScan() {
	m.qwp.side = sideLocal
	m.qwp.phase = scanCoarse
	m.qwp.testIndex = 0
	m.qwp.testAngles = m.qwp.testAngles[:0]
	m.qwp.testVisibilities = m.qwp.testVisibilities[:0]
	m.qwp.improvedLastScan = true
}

// recordMeasurementStart captures a shared GPS start time for the next
// acquisition. A clock failure keeps the machine on the current step so
// the measurement is retried rather than run unsynchronized.
func (m *Machine) recordMeasurementStart(t measurementType) bool {
	start, err := m.gps.StartTime()
	if err != nil {
		log.Printf("[Orchestrator] GPS start time unavailable: %v", err)
		return false
	}
	pico, err := gpsclock.ParseTimeOfDay(start)
	if err != nil {
		log.Printf("[Orchestrator] unparseable GPS start time %q: %v", start, err)
		return false
	}
	m.lastMeasurementType = t
	m.lastMeasurementStart = start
	m.lastMeasurementStartPico = pico
	return true
}

func (m *Machine) hasConverged() bool {
	change := m.currentVisibility - m.previousVisibility
	if change < 0 {
		change = -change
	}
	return change < m.cfg.GetVisibilityThreshold()
}

func (m *Machine) remoteHalfDevice() string {
	return m.cfg.GetRemoteTag() + "2"
}

func (m *Machine) qwpDevice() string {
	if m.qwp.side == sideLocal {
		return m.cfg.GetLocalTag() + "4"
	}
	return m.cfg.GetRemoteTag() + "4"
}

func (m *Machine) clearDataDir() {
	if !m.fsys.Exists(m.dataDir) {
		if err := m.fsys.MkdirAll(m.dataDir, 0755); err != nil {
			log.Printf("[Orchestrator] cannot create data dir %s: %v", m.dataDir, err)
		}
		return
	}

	names, err := m.fsys.ReadDir(m.dataDir)
	if err != nil {
		log.Printf("[Orchestrator] cannot list data dir %s: %v", m.dataDir, err)
		return
	}
	for _, name := range names {
		if err := m.fsys.Remove(filepath.Join(m.dataDir, name)); err != nil {
			log.Printf("[Orchestrator] cannot remove %s: %v", name, err)
		}
	}
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
