package proc

import (
	"fmt"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/tetherops/tether/internal/logging"
	"github.com/tetherops/tether/internal/sched"
)

var log = logging.L("proc")

// DefaultRespawnDelay is how long a dead persistent child rests before
// it is restarted.
const DefaultRespawnDelay = 1 * time.Second

// Manager tracks spawned children, reaps them as they die, and applies
// the respawn policy for persistent processes. Each child gets a
// monitor goroutine; registration always completes before the monitor
// starts, so a death can never outrun its bookkeeping.
type Manager struct {
	mu           sync.Mutex
	procs        map[int]*Process
	sched        *sched.Scheduler
	respawnDelay time.Duration
}

// NewManager returns a Manager using s to schedule delayed respawns.
func NewManager(s *sched.Scheduler) *Manager {
	return &Manager{
		procs:        make(map[int]*Process),
		sched:        s,
		respawnDelay: DefaultRespawnDelay,
	}
}

// SetRespawnDelay changes the rest period before a persistent child is
// restarted.
func (m *Manager) SetRespawnDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.respawnDelay = d
	}
}

// Spawn starts cmdline over pipes, or as a two-command pipeline when the
// command line contains a "|".
func (m *Manager) Spawn(cmdline string, options ...Option) (*Process, error) {
	if strings.Contains(cmdline, "|") {
		return m.spawn(cmdline, newPipelineProcess, options)
	}
	return m.spawn(cmdline, newPipeProcess, options)
}

// SpawnPipe starts cmdline with its stdio over anonymous pipes.
func (m *Manager) SpawnPipe(cmdline string, options ...Option) (*Process, error) {
	return m.spawn(cmdline, newPipeProcess, options)
}

// SpawnPty starts cmdline under a pseudo-terminal. The child becomes a
// session leader with the pty slave as its controlling terminal.
func (m *Manager) SpawnPty(cmdline string, options ...Option) (*Process, error) {
	return m.spawn(cmdline, newPtyProcess, options)
}

// SpawnEntry re-executes this binary to run a registered entry point as
// a coprocess, connected over pipes.
func (m *Manager) SpawnEntry(name string, options ...Option) (*Process, error) {
	return m.spawn(name, func(n string, o spawnOptions) (*Process, error) {
		return newEntryProcess(n, o)
	}, options)
}

func (m *Manager) spawn(cmdline string, ctor func(string, spawnOptions) (*Process, error), options []Option) (*Process, error) {
	opts := defaultSpawnOptions()
	for _, o := range options {
		o(&opts)
	}
	if opts.persistent && opts.callback == nil {
		opts.callback = m.respawnCallback
	}

	p, err := ctor(cmdline, opts)
	if err != nil {
		return nil, err
	}

	m.register(p)
	go m.monitor(p)

	log.Debug("spawned process",
		logging.KeyCommand, p.Cmdline(),
		logging.KeyPID, p.Pid())
	return p, nil
}

func (m *Manager) register(p *Process) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procs[p.pid] = p
	if p.pid2 != 0 {
		m.procs[p.pid2] = p
	}
}

// monitor waits for the child to die and reaps it. For a pipeline both
// children are waited; the pipeline's status is the tail command's.
func (m *Manager) monitor(p *Process) {
	p.cmd.Wait() //nolint:errcheck // the status is read from ProcessState
	ps := p.cmd.ProcessState
	if p.cmd2 != nil {
		p.cmd2.Wait() //nolint:errcheck
		ps = p.cmd2.ProcessState
	}
	if ps == nil {
		m.reap(p, &ExitStatus{Name: p.Basename(), State: StateExited, Code: NeverStartedCode})
		return
	}
	m.reap(p, statusFromState(ps, p.Basename()))
}

// reap deregisters the child, records its exit status, and fires the
// death callback. The callback runs outside the registry lock so it may
// spawn freely.
func (m *Manager) reap(p *Process, st *ExitStatus) {
	m.mu.Lock()
	delete(m.procs, p.pid)
	if p.pid2 != 0 {
		delete(m.procs, p.pid2)
	}
	m.mu.Unlock()

	cb := p.finish(st)

	log.Debug("reaped process",
		logging.KeyCommand, p.Cmdline(),
		logging.KeyPID, p.Pid(),
		"status", st.String())

	if cb != nil {
		cb(p)
	}
}

// WaitProc blocks until p dies and returns its exit status. Only
// processes spawned by this manager are waitable.
func (m *Manager) WaitProc(p *Process) (*ExitStatus, error) {
	if p == nil || p.cmd == nil {
		return nil, ErrNotManaged
	}
	return p.Wait()
}

// respawnCallback is the death callback installed on persistent
// children. A child that never started is not retried; a clean exit is
// honored; anything else earns a delayed restart.
func (m *Manager) respawnCallback(p *Process) {
	st := p.ExitStatus()
	switch {
	case st.NeverStarted():
		log.Error("persistent process never started, not respawning",
			logging.KeyCommand, p.Cmdline())
	case !st.Success():
		log.Warn("persistent process died, respawning",
			logging.KeyCommand, p.Cmdline(),
			logging.KeyPID, p.Pid(),
			"status", st.String())
		m.mu.Lock()
		delay := m.respawnDelay
		m.mu.Unlock()
		_, err := m.sched.Add(func() { m.respawn(p) }, delay, 0)
		if err != nil {
			log.Error("cannot schedule respawn",
				logging.KeyCommand, p.Cmdline(),
				logging.KeyError, err)
		}
	default:
		log.Info("persistent process exited cleanly",
			logging.KeyCommand, p.Cmdline(),
			logging.KeyPID, p.Pid())
	}
}

func (m *Manager) respawn(dead *Process) {
	p, err := m.Clone(dead)
	if err != nil {
		log.Error("respawn failed",
			logging.KeyCommand, dead.Cmdline(),
			logging.KeyError, err)
		return
	}
	if w := dead.Log(); w != nil {
		p.SetLog(w)
	}
	log.Info("respawned process",
		logging.KeyCommand, p.Cmdline(),
		logging.KeyPID, p.Pid())
}

// Clone starts a fresh child with the same command line and spawn
// options as p. The callback and persistence carry over; descriptors do
// not.
func (m *Manager) Clone(p *Process) (*Process, error) {
	switch p.kind {
	case KindPty:
		return m.spawn(p.cmdline, newPtyProcess, []Option{withOptions(p.opts)})
	case KindPipeline:
		return m.spawn(p.cmdline, newPipelineProcess, []Option{withOptions(p.opts)})
	case KindEntry:
		return m.SpawnEntry(p.entry, withOptions(p.opts))
	default:
		return m.spawn(p.cmdline, newPipeProcess, []Option{withOptions(p.opts)})
	}
}

// Procs returns all currently managed processes.
func (m *Manager) Procs() []*Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[*Process]bool, len(m.procs))
	out := make([]*Process, 0, len(m.procs))
	for _, p := range m.procs {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Pids returns the PIDs of all managed processes.
func (m *Manager) Pids() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.procs))
	for pid := range m.procs {
		out = append(out, pid)
	}
	return out
}

// ByPid returns the managed process with the given PID, or nil.
func (m *Manager) ByPid(pid int) *Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.procs[pid]
}

// ByName returns all managed processes whose program base name matches.
func (m *Manager) ByName(name string) []*Process {
	var out []*Process
	for _, p := range m.Procs() {
		if p.Basename() == name {
			out = append(out, p)
		}
	}
	return out
}

// KillAll sends sig to every managed process matching name, or to every
// managed process when name is empty.
func (m *Manager) KillAll(name string, sig syscall.Signal) error {
	var first error
	for _, p := range m.Procs() {
		if name != "" && p.Basename() != name {
			continue
		}
		if err := p.Kill(sig); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// StopAll suspends every managed process.
func (m *Manager) StopAll() error {
	var first error
	for _, p := range m.Procs() {
		if err := p.Stop(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Stats returns live kernel process information for every managed
// child, keyed by PID.
func (m *Manager) Stats() (map[int]*process.Process, error) {
	out := make(map[int]*process.Process)
	var first error
	for _, p := range m.Procs() {
		st, err := p.Stat()
		if err != nil {
			if first == nil {
				first = fmt.Errorf("proc: stat pid %d: %w", p.Pid(), err)
			}
			continue
		}
		out[p.Pid()] = st
	}
	return out, first
}

// Shutdown kills every managed process and waits for each to be reaped.
func (m *Manager) Shutdown() {
	procs := m.Procs()
	for _, p := range procs {
		p.Kill(syscall.SIGTERM) //nolint:errcheck // already-dead children are fine
	}
	for _, p := range procs {
		p.Wait() //nolint:errcheck
		p.Close()
	}
}
