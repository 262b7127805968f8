package orchestrator

import (
	"log"
	"path/filepath"
	"strings"

	"github.com/fringe-data/visibility.report/internal/correlator"
	"github.com/fringe-data/visibility.report/internal/timestamp"
)

// analyzeCoincidences rebuilds the angle histogram from the current data
// directory. Client and server files are matched by sorted directory
// order; any missing data degrades to zero visibility, never an abort.
func (m *Machine) analyzeCoincidences() {
	for i := range m.coincidenceBins {
		m.coincidenceBins[i] = 0
	}
	m.totalCoincidences = 0

	clientFiles := m.collectDataFiles(m.cfg.GetLocalTag())
	serverFiles := m.collectDataFiles(m.cfg.GetRemoteTag())

	if len(clientFiles) == 0 || len(serverFiles) == 0 {
		log.Printf("[Orchestrator] no data files found (%d client, %d server)",
			len(clientFiles), len(serverFiles))
		m.currentVisibility = 0.0
		return
	}

	numPairs := len(clientFiles)
	if len(serverFiles) < numPairs {
		numPairs = len(serverFiles)
	}

	speed := m.rotationSpeed(m.lastMeasurementType)
	for i := 0; i < numPairs; i++ {
		clientTS := m.loadTimestamps(clientFiles[i])
		serverTS := m.loadTimestamps(serverFiles[i])

		coincidences := m.findCoincidences(clientTS, serverTS, m.cfg.GetCoincidenceTolerancePicos())
		m.binCoincidencesByAngle(coincidences, speed)
	}

	m.currentVisibility = m.computeVisibility()
}

// collectDataFiles returns the data-dir file names containing the station
// tag, in the sorted order the filesystem reports. Pairing by this order
// assumes both stations emit bursts in lockstep; the tag rule is
// configurable but the ordering assumption is inherited.
func (m *Machine) collectDataFiles(tag string) []string {
	if !m.fsys.Exists(m.dataDir) {
		log.Printf("[Orchestrator] data dir missing: %s", m.dataDir)
		return nil
	}
	names, err := m.fsys.ReadDir(m.dataDir)
	if err != nil {
		log.Printf("[Orchestrator] cannot list data dir: %v", err)
		return nil
	}

	var files []string
	for _, name := range names {
		if strings.Contains(name, tag) {
			files = append(files, name)
		}
	}
	return files
}

func (m *Machine) dataFilePaths(tag string) []string {
	names := m.collectDataFiles(tag)
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(m.dataDir, name)
	}
	return paths
}

func (m *Machine) loadTimestamps(name string) []int64 {
	times, err := timestamp.LoadAbsolutePicos(m.fsys, filepath.Join(m.dataDir, name))
	if err != nil {
		log.Printf("[Orchestrator] cannot load %s: %v", name, err)
		return nil
	}
	return times
}

// findCoincidences runs a two-pointer sweep over the time-ordered event
// lists. A client event adjusted by the station time offset matches the
// first server event within the tolerance; the coincidence time is the
// midpoint of the pair.
func (m *Machine) findCoincidences(clientTS, serverTS []int64, tolerancePico int64) []int64 {
	if len(clientTS) == 0 || len(serverTS) == 0 {
		return nil
	}

	var coincidences []int64
	j := 0
	for _, clientTime := range clientTS {
		adjusted := clientTime + m.stationTimeOffset

		for j < len(serverTS) && serverTS[j] < adjusted-tolerancePico {
			j++
		}

		if j < len(serverTS) {
			diff := serverTS[j] - adjusted
			if diff < 0 {
				diff = -diff
			}
			if diff <= tolerancePico {
				coincidences = append(coincidences, (adjusted+serverTS[j])/2)
			}
		}
	}
	return coincidences
}

// binCoincidencesByAngle converts each coincidence's elapsed time since the
// measurement start into a stage angle and accumulates the histogram.
// Out-of-range angles are dropped, not clamped.
func (m *Machine) binCoincidencesByAngle(coincidences []int64, rotationSpeed float64) {
	for _, ts := range coincidences {
		elapsedPico := ts - m.lastMeasurementStartPico
		elapsedSec := float64(elapsedPico) / 1e12
		angle := elapsedSec * rotationSpeed

		if angle < 0 {
			continue
		}
		binIndex := int(angle / m.cfg.GetDegreeStep())
		if binIndex < len(m.coincidenceBins) {
			m.coincidenceBins[binIndex]++
			m.totalCoincidences++
		}
	}
}

// computeVisibility is (Cmax − Cmin) / (Cmax + Cmin) over the histogram,
// defined as zero when there is no information.
func (m *Machine) computeVisibility() float64 {
	if len(m.coincidenceBins) == 0 || m.totalCoincidences == 0 {
		return 0.0
	}

	cMin, cMax := m.coincidenceBins[0], m.coincidenceBins[0]
	for _, c := range m.coincidenceBins[1:] {
		if c < cMin {
			cMin = c
		}
		if c > cMax {
			cMax = c
		}
	}

	if cMax+cMin == 0 {
		return 0.0
	}
	return float64(cMax-cMin) / float64(cMax+cMin)
}

func (m *Machine) findMinVisibilityBin() int {
	minIdx := 0
	for i, c := range m.coincidenceBins {
		if c < m.coincidenceBins[minIdx] {
			minIdx = i
		}
	}
	return minIdx
}

func (m *Machine) rotationSpeed(t measurementType) float64 {
	if t == fullPhase {
		return m.cfg.GetFullPhaseRotationSpeed()
	}
	return m.cfg.GetFineScanRotationSpeed()
}

// refreshStationOffset re-estimates the inter-station time offset from the
// full-phase file pair via cross-correlation. A weak peak keeps the
// previous offset; a wrong offset is worse than a stale one.
func (m *Machine) refreshStationOffset() {
	if m.corr == nil {
		return
	}

	clientPaths := m.dataFilePaths(m.cfg.GetLocalTag())
	serverPaths := m.dataFilePaths(m.cfg.GetRemoteTag())
	if len(clientPaths) == 0 || len(serverPaths) == 0 {
		return
	}

	est, err := m.corr.Run(true, clientPaths, serverPaths, uint64(m.cfg.GetTau()))
	if err != nil {
		log.Printf("[Orchestrator] offset correlation failed: %v", err)
		return
	}
	if est.PeakZ < m.cfg.GetMinPeakZ() {
		log.Printf("[Orchestrator] offset peak too weak (z=%.2f), keeping %d ps",
			est.PeakZ, m.stationTimeOffset)
		return
	}

	m.stationTimeOffset = m.recoverOffset(est)
	log.Printf("[Orchestrator] station time offset now %d ps (z=%.2f)",
		m.stationTimeOffset, est.PeakZ)

	if m.onDelay != nil {
		m.onDelay(m.stationTimeOffset, est.Lag, est.PeakZ)
	}
}

// recoverOffset converts a raw correlation estimate into a signed station
// offset: the dataset-1 pre-shift is undone modulo the buffer span and the
// result mapped into (−span/2, span/2].
func (m *Machine) recoverOffset(est correlator.Estimate) int64 {
	span := m.cfg.GetTau() * int64(m.corr.Config().N)
	if span <= 0 {
		return est.DelayPicos
	}

	d := (est.DelayPicos + m.corr.Config().Tshift) % span
	if d < 0 {
		d += span
	}
	if d > span/2 {
		d -= span
	}
	return d
}
