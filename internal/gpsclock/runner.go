package gpsclock

import (
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"
)

// Runner launches the external acquisition scripts that talk to the time
// tagger. Scripts run asynchronously; the caller sleeps out the acquisition
// duration itself.
type Runner interface {
	Run(command string, args ...string) error
}

// ExecRunner starts real processes. Python scripts are run through the
// interpreter, matching how the instrument machines are provisioned.
type ExecRunner struct{}

func (ExecRunner) Run(command string, args ...string) error {
	name := command
	argv := args
	if strings.HasSuffix(command, ".py") {
		name = "python"
		argv = append([]string{command}, args...)
	}

	cmd := exec.Command(name, argv...)
	log.Printf("[Runner] starting %s %s", name, strings.Join(argv, " "))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", command, err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Printf("[Runner] %s exited: %v", command, err)
		}
	}()
	return nil
}

// MockRunner records launched commands for assertions.
type MockRunner struct {
	mu   sync.Mutex
	runs []string

	// Err forces Run to fail when set.
	Err error
}

func (m *MockRunner) Run(command string, args ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, strings.Join(append([]string{command}, args...), " "))
	return m.Err
}

// Runs returns the launched command lines in order.
func (m *MockRunner) Runs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.runs))
	copy(out, m.runs)
	return out
}
