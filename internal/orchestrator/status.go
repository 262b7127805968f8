package orchestrator

// Status is a point-in-time snapshot of the experiment for monitoring.
type Status struct {
	Step               string     `json:"step"`
	CurrentVisibility  float64    `json:"current_visibility"`
	PreviousVisibility float64    `json:"previous_visibility"`
	TotalCoincidences  uint64     `json:"total_coincidences"`
	StationTimeOffset  int64      `json:"station_time_offset_picos"`
	ServerHalfAngle    float64    `json:"server_half_angle"`
	QWPSide            int        `json:"qwp_side"`
	QWPPhase           int        `json:"qwp_phase"`
	QWPBestVisibility  float64    `json:"qwp_best_visibility"`
	QWPBestAngle       float64    `json:"qwp_best_angle"`
	QWPCurrentAngles   [2]float64 `json:"qwp_current_angles"`
}

// Status returns a snapshot safe to serve while the machine runs.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Step:               m.currentStep.String(),
		CurrentVisibility:  m.currentVisibility,
		PreviousVisibility: m.previousVisibility,
		TotalCoincidences:  m.totalCoincidences,
		StationTimeOffset:  m.stationTimeOffset,
		ServerHalfAngle:    m.serverHalfAngle,
		QWPSide:            m.qwp.side,
		QWPPhase:           m.qwp.phase,
		QWPBestVisibility:  m.qwp.bestVisibility,
		QWPBestAngle:       m.qwp.bestAngle,
		QWPCurrentAngles:   m.qwp.currentAngle,
	}
}

// Histogram returns a copy of the coincidence angle bins.
func (m *Machine) Histogram() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, len(m.coincidenceBins))
	copy(out, m.coincidenceBins)
	return out
}
