// Package stage abstracts the motorized rotation mounts holding the wave
// plates. The real hardware sits behind a vendor SDK on the instrument
// machines; everything above this interface is testable without it.
package stage

import "sync"

// Controller drives one rotation stage. Angles are degrees; relative moves
// accumulate on the device's logical position, which Home resets to zero.
type Controller interface {
	Home() error
	MoveTo(angleDeg float64) error
	MoveBy(deltaDeg float64) error
	Position() (float64, error)
	Enable() error
	Disable() error
}

// Mock is an in-memory Controller that tracks position and records every
// call for assertions.
type Mock struct {
	mu       sync.Mutex
	position float64
	enabled  bool
	calls    []string

	// HomeErr, MoveErr force failures when set.
	HomeErr error
	MoveErr error
}

// NewMock returns an enabled mock stage at position zero.
func NewMock() *Mock {
	return &Mock{enabled: true}
}

func (m *Mock) record(call string) {
	m.calls = append(m.calls, call)
}

func (m *Mock) Home() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("home")
	if m.HomeErr != nil {
		return m.HomeErr
	}
	m.position = 0
	return nil
}

func (m *Mock) MoveTo(angleDeg float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("move_to")
	if m.MoveErr != nil {
		return m.MoveErr
	}
	m.position = angleDeg
	return nil
}

func (m *Mock) MoveBy(deltaDeg float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("move_by")
	if m.MoveErr != nil {
		return m.MoveErr
	}
	m.position += deltaDeg
	return nil
}

func (m *Mock) Position() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position, nil
}

func (m *Mock) Enable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("enable")
	m.enabled = true
	return nil
}

func (m *Mock) Disable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("disable")
	m.enabled = false
	return nil
}

// Enabled reports the current enable state.
func (m *Mock) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// Calls returns the recorded call names in order.
func (m *Mock) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}
