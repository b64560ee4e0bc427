package proc

import (
	"fmt"
	"os"
	"syscall"
)

// ExitState classifies how a child left the running state.
type ExitState int

const (
	StateExited ExitState = iota
	StateSignalled
	StateStopped
)

// NeverStartedCode is the conventional exit code for a command that
// could not be executed at all.
const NeverStartedCode = 127

// ExitStatus records the terminal status of a reaped child. It is set
// exactly once, by the manager's reaper, and never overwritten.
type ExitStatus struct {
	Name   string
	State  ExitState
	Code   int
	Signal syscall.Signal
}

// statusFromState maps the wait status of a finished child.
func statusFromState(ps *os.ProcessState, name string) *ExitStatus {
	st := &ExitStatus{Name: name}
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok {
		st.Code = ps.ExitCode()
		return st
	}
	switch {
	case ws.Signaled():
		st.State = StateSignalled
		st.Signal = ws.Signal()
		st.Code = 128 + int(ws.Signal())
	case ws.Stopped():
		st.State = StateStopped
		st.Signal = ws.StopSignal()
	default:
		st.State = StateExited
		st.Code = ws.ExitStatus()
	}
	return st
}

// Success reports a clean zero-status exit.
func (e *ExitStatus) Success() bool {
	return e.State == StateExited && e.Code == 0
}

// NeverStarted reports the conventional exec-failure exit code,
// distinguishing "could not start" from "started and failed".
func (e *ExitStatus) NeverStarted() bool {
	return e.State == StateExited && e.Code == NeverStartedCode
}

func (e *ExitStatus) String() string {
	switch e.State {
	case StateSignalled:
		return fmt.Sprintf("%s: terminated by signal %d (%s)", e.Name, int(e.Signal), e.Signal)
	case StateStopped:
		return fmt.Sprintf("%s: stopped by signal %d (%s)", e.Name, int(e.Signal), e.Signal)
	default:
		return fmt.Sprintf("%s: exited with status %d", e.Name, e.Code)
	}
}
