package gpsclock

import "sync"

// MockClock is a scriptable Clock for orchestrator and responder tests.
// Time only moves when the test advances it.
type MockClock struct {
	mu       sync.Mutex
	nowPicos int64
	waits    []string

	// NowErr forces Now and StartTime to fail when set.
	NowErr error
}

// NewMockClock returns a MockClock reading the given picoseconds since
// midnight.
func NewMockClock(nowPicos int64) *MockClock {
	return &MockClock{nowPicos: nowPicos}
}

func (c *MockClock) Now() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.NowErr != nil {
		return "", c.NowErr
	}
	return FormatTimeOfDay(c.nowPicos), nil
}

func (c *MockClock) StartTime() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.NowErr != nil {
		return "", c.NowErr
	}
	return FormatTimeOfDay(c.nowPicos + startLeadSeconds*PicosPerSecond), nil
}

// WaitUntil jumps the mock clock to the target and records the wait.
func (c *MockClock) WaitUntil(t string) error {
	picos, err := ParseTimeOfDay(t)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits = append(c.waits, t)
	if picos > c.nowPicos {
		c.nowPicos = picos
	}
	return nil
}

// Advance moves the mock clock forward.
func (c *MockClock) Advance(picos int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nowPicos += picos
}

// Waits returns every WaitUntil target in order.
func (c *MockClock) Waits() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.waits))
	copy(out, c.waits)
	return out
}
