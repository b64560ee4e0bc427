package proc

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// newPtyProcess forks the command with a fresh pseudo-terminal pair as
// its controlling terminal and combined stdio. The master side is the
// single descriptor the parent reads and writes.
func newPtyProcess(cmdline string, opts spawnOptions) (*Process, error) {
	argv, err := SplitCommandLine(cmdline)
	if err != nil {
		return nil, fmt.Errorf("proc: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("proc: empty command line")
	}

	master, tty, err := openPty()
	if err != nil {
		return nil, fmt.Errorf("proc: open pty: %w", err)
	}
	if err := setWinsize(master.Fd(), 80, 24); err != nil {
		master.Close()
		tty.Close()
		return nil, fmt.Errorf("proc: set pty size: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.dir
	cmd.Env = ptyEnv(opts.env)
	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
	}
	if err := configureRunAs(cmd, opts.runAs); err != nil {
		master.Close()
		tty.Close()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		master.Close()
		tty.Close()
		return nil, fmt.Errorf("proc: spawn %q: %w", cmdline, err)
	}

	// The child holds its own reference to the tty.
	tty.Close()

	return &Process{
		cmdline: cmdline,
		kind:    KindPty,
		opts:    opts,
		pid:     cmd.Process.Pid,
		cmd:     cmd,
		stdout:  master,
		dead:    make(chan struct{}),
		cb:      opts.callback,
		logw:    opts.log,
	}, nil
}

// ptyEnv guarantees a TERM setting for interactive children.
func ptyEnv(env []string) []string {
	if env == nil {
		env = os.Environ()
	}
	for _, kv := range env {
		if strings.HasPrefix(kv, "TERM=") {
			return env
		}
	}
	return append(append([]string{}, env...), "TERM=xterm-256color")
}

// controlChars returns the pty's configured INTR and EOF characters,
// cached after the first lookup.
func (p *Process) controlChars() (intr, eof byte, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.kind != KindPty {
		return 0, 0, fmt.Errorf("proc: not a terminal")
	}
	if p.closed || p.stdout == nil {
		return 0, 0, ErrClosed
	}
	if !p.ctrlc {
		p.intr, p.eofc, err = termiosControlChars(p.stdout.Fd())
		if err != nil {
			return 0, 0, err
		}
		p.ctrlc = true
	}
	return p.intr, p.eofc, nil
}

// SetWinsize resizes the pty window. No-op error for non-pty spawns.
func (p *Process) SetWinsize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.kind != KindPty {
		return fmt.Errorf("proc: not a terminal")
	}
	if p.closed || p.stdout == nil {
		return ErrClosed
	}
	return setWinsize(p.stdout.Fd(), cols, rows)
}
