// Package config loads the experiment tuning parameters from JSON. Fields
// omitted from the file fall back to the commissioning defaults through the
// Get* accessors, so partial configs are safe.
package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fringe-data/visibility.report/internal/fsutil"
)

// TuningConfig is the root configuration for one experiment run. The same
// schema is served back by /api/config so an operator can confirm what a
// running station actually loaded.
type TuningConfig struct {
	// Analysis params
	DegreeStep                *float64 `json:"degree_step,omitempty"`
	CoincidenceTolerancePicos *int64   `json:"coincidence_tolerance_picos,omitempty"`
	VisibilityThreshold       *float64 `json:"visibility_threshold,omitempty"`
	MinPeakZ                  *float64 `json:"min_peak_z,omitempty"`

	// Measurement params
	FullPhaseDurationSec *float64 `json:"full_phase_duration_sec,omitempty"`
	FineScanDurationSec  *float64 `json:"fine_scan_duration_sec,omitempty"`

	// QWP optimization params
	QWPCoarseStep     *float64 `json:"qwp_coarse_step,omitempty"`
	QWPCoarseRange    *float64 `json:"qwp_coarse_range,omitempty"`
	QWPFineStep       *float64 `json:"qwp_fine_step,omitempty"`
	QWPFineRange      *float64 `json:"qwp_fine_range,omitempty"`
	QWPMinImprovement *float64 `json:"qwp_min_improvement,omitempty"`

	// Correlator params
	Tau                *int64 `json:"tau_picos,omitempty"`
	BufferSize         *int   `json:"buffer_size,omitempty"`
	Tshift             *int64 `json:"tshift_picos,omitempty"`
	DelayEstimatePicos *int64 `json:"delay_estimate_picos,omitempty"`
	NoiseWindowPicos   *int64 `json:"noise_window_picos,omitempty"`

	// Station params
	LocalTag        *string `json:"local_tag,omitempty"`
	RemoteTag       *string `json:"remote_tag,omitempty"`
	LinkReadTimeout *string `json:"link_read_timeout,omitempty"` // duration string like "90s"; empty = block forever
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrInt64(v int64) *int64       { return &v }
func ptrString(v string) *string    { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields unset; every
// accessor then reports its default.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// SwapStationTags returns a copy with the local and remote station tags
// exchanged. Both stations share one config file; the responder sees the
// controller's remote tag as its own.
func (c *TuningConfig) SwapStationTags() *TuningConfig {
	out := *c
	out.LocalTag = ptrString(c.GetRemoteTag())
	out.RemoteTag = ptrString(c.GetLocalTag())
	return &out
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
func LoadTuningConfig(fsys fsutil.FileSystem, path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate rejects values that would make the analysis meaningless. Only
// set fields are checked; unset fields use known-good defaults.
func (c *TuningConfig) Validate() error {
	if c.DegreeStep != nil {
		if *c.DegreeStep <= 0 || *c.DegreeStep > 180 {
			return fmt.Errorf("degree_step must be in (0, 180], got %f", *c.DegreeStep)
		}
	}

	if c.CoincidenceTolerancePicos != nil && *c.CoincidenceTolerancePicos <= 0 {
		return fmt.Errorf("coincidence_tolerance_picos must be positive, got %d", *c.CoincidenceTolerancePicos)
	}

	if c.VisibilityThreshold != nil {
		if *c.VisibilityThreshold <= 0 || *c.VisibilityThreshold >= 1 {
			return fmt.Errorf("visibility_threshold must be in (0, 1), got %f", *c.VisibilityThreshold)
		}
	}

	if c.FullPhaseDurationSec != nil && *c.FullPhaseDurationSec <= 0 {
		return fmt.Errorf("full_phase_duration_sec must be positive, got %f", *c.FullPhaseDurationSec)
	}
	if c.FineScanDurationSec != nil && *c.FineScanDurationSec <= 0 {
		return fmt.Errorf("fine_scan_duration_sec must be positive, got %f", *c.FineScanDurationSec)
	}

	if c.QWPCoarseStep != nil && *c.QWPCoarseStep <= 0 {
		return fmt.Errorf("qwp_coarse_step must be positive, got %f", *c.QWPCoarseStep)
	}
	if c.QWPFineStep != nil && *c.QWPFineStep <= 0 {
		return fmt.Errorf("qwp_fine_step must be positive, got %f", *c.QWPFineStep)
	}

	if c.Tau != nil && *c.Tau <= 0 {
		return fmt.Errorf("tau_picos must be positive, got %d", *c.Tau)
	}

	if c.BufferSize != nil {
		n := *c.BufferSize
		if n < 2 || n&(n-1) != 0 {
			return fmt.Errorf("buffer_size must be a power of two >= 2, got %d", n)
		}
	}

	if c.LinkReadTimeout != nil && *c.LinkReadTimeout != "" {
		if _, err := time.ParseDuration(*c.LinkReadTimeout); err != nil {
			return fmt.Errorf("invalid link_read_timeout '%s': %w", *c.LinkReadTimeout, err)
		}
	}

	return nil
}

func (c *TuningConfig) GetDegreeStep() float64 {
	if c.DegreeStep == nil {
		return 5.0 // default
	}
	return *c.DegreeStep
}

func (c *TuningConfig) GetCoincidenceTolerancePicos() int64 {
	if c.CoincidenceTolerancePicos == nil {
		return 10000 // default
	}
	return *c.CoincidenceTolerancePicos
}

func (c *TuningConfig) GetVisibilityThreshold() float64 {
	if c.VisibilityThreshold == nil {
		return 0.01 // default
	}
	return *c.VisibilityThreshold
}

// GetMinPeakZ is the smallest correlation peak z-score trusted as a real
// station time offset.
func (c *TuningConfig) GetMinPeakZ() float64 {
	if c.MinPeakZ == nil {
		return 5.0 // default
	}
	return *c.MinPeakZ
}

func (c *TuningConfig) GetFullPhaseDurationSec() float64 {
	if c.FullPhaseDurationSec == nil {
		return 30.0 // default
	}
	return *c.FullPhaseDurationSec
}

func (c *TuningConfig) GetFineScanDurationSec() float64 {
	if c.FineScanDurationSec == nil {
		return 5.0 // default
	}
	return *c.FineScanDurationSec
}

// GetFullPhaseRotationSpeed is degrees per second during the 180° sweep.
func (c *TuningConfig) GetFullPhaseRotationSpeed() float64 {
	return 180.0 / c.GetFullPhaseDurationSec()
}

// GetFineScanRotationSpeed is degrees per second during the ±10° sweep.
func (c *TuningConfig) GetFineScanRotationSpeed() float64 {
	return 20.0 / c.GetFineScanDurationSec()
}

func (c *TuningConfig) GetQWPCoarseStep() float64 {
	if c.QWPCoarseStep == nil {
		return 2.0 // default
	}
	return *c.QWPCoarseStep
}

func (c *TuningConfig) GetQWPCoarseRange() float64 {
	if c.QWPCoarseRange == nil {
		return 10.0 // default
	}
	return *c.QWPCoarseRange
}

func (c *TuningConfig) GetQWPFineStep() float64 {
	if c.QWPFineStep == nil {
		return 0.5 // default
	}
	return *c.QWPFineStep
}

func (c *TuningConfig) GetQWPFineRange() float64 {
	if c.QWPFineRange == nil {
		return 2.0 // default
	}
	return *c.QWPFineRange
}

func (c *TuningConfig) GetQWPMinImprovement() float64 {
	if c.QWPMinImprovement == nil {
		return 0.001 // default
	}
	return *c.QWPMinImprovement
}

func (c *TuningConfig) GetTau() int64 {
	if c.Tau == nil {
		return 50 // default
	}
	return *c.Tau
}

func (c *TuningConfig) GetBufferSize() int {
	if c.BufferSize == nil {
		return 1 << 16 // default
	}
	return *c.BufferSize
}

func (c *TuningConfig) GetTshift() int64 {
	if c.Tshift == nil {
		return 100000000 // default
	}
	return *c.Tshift
}

func (c *TuningConfig) GetDelayEstimatePicos() int64 {
	if c.DelayEstimatePicos == nil {
		return 10000 // default
	}
	return *c.DelayEstimatePicos
}

func (c *TuningConfig) GetNoiseWindowPicos() int64 {
	if c.NoiseWindowPicos == nil {
		return 10000 // default
	}
	return *c.NoiseWindowPicos
}

// GetLocalTag is the filename substring marking this station's timestamp
// files.
func (c *TuningConfig) GetLocalTag() string {
	if c.LocalTag == nil {
		return "bme" // default
	}
	return *c.LocalTag
}

// GetRemoteTag is the filename substring marking the peer station's files.
func (c *TuningConfig) GetRemoteTag() string {
	if c.RemoteTag == nil {
		return "wigner" // default
	}
	return *c.RemoteTag
}

// GetLinkReadTimeout returns the per-read deadline on the station link.
// Zero preserves the historical block-forever behavior.
func (c *TuningConfig) GetLinkReadTimeout() time.Duration {
	if c.LinkReadTimeout == nil || *c.LinkReadTimeout == "" {
		return 0 // default: no deadline
	}
	d, err := time.ParseDuration(*c.LinkReadTimeout)
	if err != nil {
		return 0
	}
	return d
}
