package orchestrator

import "log"

// QWP sides. The local station's quarter-wave plate is optimized first,
// then the peer's.
const (
	sideLocal  = 0
	sideRemote = 1
)

// QWP scan phases.
const (
	scanCoarse = 0
	scanFine   = 1
)

// qwpState is the two-level hill-climb over quarter-wave-plate angles: a
// coarse sweep locates the neighborhood, fine sweeps repeat around the
// best point until no test beats it by the minimum improvement.
type qwpState struct {
	side             int
	phase            int
	currentAngle     [2]float64
	testIndex        int
	testAngles       []float64
	testVisibilities []float64
	bestVisibility   float64
	bestAngle        float64
	improvedLastScan bool
}

// initQWPScan builds the test angle ladder around the active side's
// current angle.
func (m *Machine) initQWPScan(fine bool) {
	m.qwp.testAngles = m.qwp.testAngles[:0]
	m.qwp.testVisibilities = m.qwp.testVisibilities[:0]
	m.qwp.testIndex = 0

	center := m.qwp.currentAngle[m.qwp.side]
	step := m.cfg.GetQWPCoarseStep()
	scanRange := m.cfg.GetQWPCoarseRange()
	if fine {
		step = m.cfg.GetQWPFineStep()
		scanRange = m.cfg.GetQWPFineRange()
	}

	// The epsilon keeps the +range endpoint in the ladder despite float
	// accumulation.
	for delta := -scanRange; delta <= scanRange+0.001; delta += step {
		m.qwp.testAngles = append(m.qwp.testAngles, center+delta)
	}

	log.Printf("[Orchestrator] QWP %s scan on side %d: %d angles around %.2f°",
		scanName(fine), m.qwp.side, len(m.qwp.testAngles), center)
}

func scanName(fine bool) string {
	if fine {
		return "fine"
	}
	return "coarse"
}

func (m *Machine) qwpScanComplete() bool {
	return m.qwp.testIndex >= len(m.qwp.testAngles)
}

// updateQWPBest adopts the scan's best angle when it beats the running
// best by more than the minimum improvement. The running best never
// regresses across the whole run.
func (m *Machine) updateQWPBest() {
	if len(m.qwp.testVisibilities) == 0 {
		log.Printf("[Orchestrator] QWP scan produced no results")
		m.qwp.improvedLastScan = false
		return
	}

	maxIdx := 0
	for i, v := range m.qwp.testVisibilities {
		if v > m.qwp.testVisibilities[maxIdx] {
			maxIdx = i
		}
	}
	newBest := m.qwp.testVisibilities[maxIdx]
	newAngle := m.qwp.testAngles[maxIdx]

	if newBest > m.qwp.bestVisibility+m.cfg.GetQWPMinImprovement() {
		m.qwp.improvedLastScan = true
		m.qwp.bestVisibility = newBest
		m.qwp.bestAngle = newAngle
		m.qwp.currentAngle[m.qwp.side] = newAngle
		log.Printf("[Orchestrator] QWP improvement: %.2f° at visibility %.4f",
			newAngle, newBest)
	} else {
		m.qwp.improvedLastScan = false
	}
}

// advanceQWPOptimization decides the next scan after a result batch:
// coarse improvement refines the same side; fine improvement repeats the
// fine scan around the new best; a scan without improvement moves to the
// other side, or on the remote side hands off to the convergence check.
func (m *Machine) advanceQWPOptimization() {
	if m.qwp.phase == scanCoarse {
		if m.qwp.improvedLastScan {
			m.qwp.phase = scanFine
			m.initQWPScan(true)
			m.currentStep = StepAdjustQWP
			return
		}
		if m.qwp.side == sideLocal {
			m.qwp.side = sideRemote
			m.qwp.phase = scanCoarse
			m.initQWPScan(false)
			m.currentStep = StepAdjustQWP
			return
		}
		m.currentStep = StepCheckConvergence
		return
	}

	if m.qwp.improvedLastScan {
		m.initQWPScan(true)
		m.currentStep = StepAdjustQWP
		return
	}
	if m.qwp.side == sideLocal {
		m.qwp.side = sideRemote
		m.qwp.phase = scanCoarse
		m.initQWPScan(false)
		m.currentStep = StepAdjustQWP
		return
	}
	m.currentStep = StepCheckConvergence
}
