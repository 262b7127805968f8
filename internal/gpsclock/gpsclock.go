// Package gpsclock provides GPS-disciplined time-of-day strings for
// synchronizing acquisitions between the two stations. The wire format is
// "H,M,S.pppppppppppp" with a 12-digit picosecond fraction, the same string
// the reference clock's SCPI interface returns.
package gpsclock

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fringe-data/visibility.report/internal/timeutil"
)

// PicosPerSecond converts between the two time units the system uses.
const PicosPerSecond = int64(1_000_000_000_000)

// startLeadSeconds is how far in the future StartTime schedules a
// measurement so both stations have time to receive and arm.
const startLeadSeconds = 2

// startFraction is the fixed sub-second part of scheduled start times,
// chosen to land close to the start of a fresh second on the instruments.
const startFraction = "650000000000"

// Clock is the capability the orchestrator and responder need from the
// timing hardware.
type Clock interface {
	// Now returns the current time of day in wire format.
	Now() (string, error)

	// StartTime returns a wire-format time a fixed lead in the future,
	// suitable as a shared measurement start.
	StartTime() (string, error)

	// WaitUntil blocks until the clock reads at or past t.
	WaitUntil(t string) error
}

// ParseTimeOfDay converts a wire-format time string into picoseconds since
// midnight. Fractions shorter than 12 digits are right-padded with zeros.
func ParseTimeOfDay(s string) (int64, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ",", 3)
	if len(parts) != 3 {
		return 0, fmt.Errorf("malformed time of day %q", s)
	}

	hour, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, fmt.Errorf("malformed hour in %q: %v", s, err)
	}
	minute, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, fmt.Errorf("malformed minute in %q: %v", s, err)
	}

	secPart := strings.TrimSpace(parts[2])
	secStr, frac, hasFrac := strings.Cut(secPart, ".")
	second, err := strconv.Atoi(secStr)
	if err != nil {
		return 0, fmt.Errorf("malformed second in %q: %v", s, err)
	}

	var picos int64
	if hasFrac {
		if len(frac) > 12 {
			frac = frac[:12]
		}
		for len(frac) < 12 {
			frac += "0"
		}
		picos, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed fraction in %q: %v", s, err)
		}
	}

	total := (int64(hour)*3600 + int64(minute)*60 + int64(second)) * PicosPerSecond
	return total + picos, nil
}

// FormatTimeOfDay renders picoseconds since midnight in wire format.
func FormatTimeOfDay(picos int64) string {
	if picos < 0 {
		picos = 0
	}
	frac := picos % PicosPerSecond
	secs := picos / PicosPerSecond
	return fmt.Sprintf("%d,%d,%d.%012d", secs/3600, (secs/60)%60, secs%60, frac)
}

// Diff returns a−b in picoseconds, both wire-format times of day.
func Diff(a, b string) (int64, error) {
	pa, err := ParseTimeOfDay(a)
	if err != nil {
		return 0, err
	}
	pb, err := ParseTimeOfDay(b)
	if err != nil {
		return 0, err
	}
	return pa - pb, nil
}

// SystemClock satisfies Clock from the host clock. Stations without a
// reachable reference instrument fall back to this; it assumes NTP keeps
// the hosts close enough for the coincidence tolerance in use.
type SystemClock struct {
	clock timeutil.Clock
}

// NewSystemClock returns a SystemClock over the given time source.
func NewSystemClock(clock timeutil.Clock) *SystemClock {
	return &SystemClock{clock: clock}
}

func (c *SystemClock) timeOfDay(t time.Time) string {
	t = t.UTC()
	picos := int64(t.Nanosecond()) * 1000
	return fmt.Sprintf("%d,%d,%d.%012d", t.Hour(), t.Minute(), t.Second(), picos)
}

func (c *SystemClock) Now() (string, error) {
	return c.timeOfDay(c.clock.Now()), nil
}

func (c *SystemClock) StartTime() (string, error) {
	t := c.clock.Now().UTC().Add(startLeadSeconds * time.Second)
	return fmt.Sprintf("%d,%d,%d.%s", t.Hour(), t.Minute(), t.Second(), startFraction), nil
}

func (c *SystemClock) WaitUntil(target string) error {
	targetPicos, err := ParseTimeOfDay(target)
	if err != nil {
		return fmt.Errorf("bad wait target: %w", err)
	}
	for {
		now, err := c.Now()
		if err != nil {
			return err
		}
		nowPicos, err := ParseTimeOfDay(now)
		if err != nil {
			return err
		}
		remaining := targetPicos - nowPicos
		if remaining <= 0 {
			return nil
		}
		// Midnight wraps make the remainder look like most of a day;
		// treat anything past half a day as already elapsed.
		if remaining > 12*3600*PicosPerSecond {
			return nil
		}
		sleep := time.Duration(remaining/2/1000) * time.Nanosecond
		if sleep < time.Millisecond {
			sleep = time.Millisecond
		}
		c.clock.Sleep(sleep)
	}
}
