package orchestrator

// Step enumerates the experiment state machine. The sequence is linear
// except for the QWP optimization sub-loop between AdjustQWP and
// ProcessQWPResults.
type Step int

const (
	StepHomeAll Step = iota
	StepSetup
	StepMeasureFullPhase
	StepReadData
	StepAnalyzeData
	StepRotateToMinVis
	StepAdjustQWP
	StepMeasureWithQWP
	StepAnalyzeQWPData
	StepProcessQWPResults
	StepCheckConvergence
	StepExit
)

var stepNames = map[Step]string{
	StepHomeAll:           "HomeAll",
	StepSetup:             "Setup",
	StepMeasureFullPhase:  "MeasureFullPhase",
	StepReadData:          "ReadData",
	StepAnalyzeData:       "AnalyzeData",
	StepRotateToMinVis:    "RotateToMinVis",
	StepAdjustQWP:         "AdjustQWP",
	StepMeasureWithQWP:    "MeasureWithQWP",
	StepAnalyzeQWPData:    "AnalyzeQWPData",
	StepProcessQWPResults: "ProcessQWPResults",
	StepCheckConvergence:  "CheckConvergence",
	StepExit:              "Exit",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return "Unknown"
}

// measurementType distinguishes the two acquisition profiles; it selects
// the rotation speed used to map coincidence times back to angles.
type measurementType int

const (
	fullPhase measurementType = iota
	fineScan
)

// NoCommand is returned by steps that only do local work; the controller
// loop must not transmit it.
const NoCommand = "no_command"
