package proc

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// newPipeProcess forks the command with its stdio connected through
// anonymous pipes. By default stderr is merged into stdout; with split
// stderr it gets its own pipe readable through ReadErr.
func newPipeProcess(cmdline string, opts spawnOptions) (*Process, error) {
	argv, err := SplitCommandLine(cmdline)
	if err != nil {
		return nil, fmt.Errorf("proc: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("proc: empty command line")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.dir
	if opts.env != nil {
		cmd.Env = opts.env
	}
	setProcessGroup(cmd)
	if err := configureRunAs(cmd, opts.runAs); err != nil {
		return nil, err
	}

	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("proc: stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return nil, fmt.Errorf("proc: stdout pipe: %w", err)
	}
	cmd.Stdin = inR
	cmd.Stdout = outW

	var errR, errW *os.File
	if opts.merge {
		cmd.Stderr = outW
	} else {
		errR, errW, err = os.Pipe()
		if err != nil {
			inR.Close()
			inW.Close()
			outR.Close()
			outW.Close()
			return nil, fmt.Errorf("proc: stderr pipe: %w", err)
		}
		cmd.Stderr = errW
	}

	if err := cmd.Start(); err != nil {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
		if errR != nil {
			errR.Close()
			errW.Close()
		}
		return nil, fmt.Errorf("proc: spawn %q: %w", cmdline, err)
	}

	// Close the child-side ends in the parent so EOF propagates.
	inR.Close()
	outW.Close()
	if errW != nil {
		errW.Close()
	}

	return &Process{
		cmdline: cmdline,
		kind:    KindPipe,
		opts:    opts,
		pid:     cmd.Process.Pid,
		cmd:     cmd,
		stdin:   inW,
		stdout:  outR,
		stderr:  errR,
		dead:    make(chan struct{}),
		cb:      opts.callback,
		logw:    opts.log,
	}, nil
}

// newPipelineProcess spawns "cmd1 | cmd2" joined by an internal pipe,
// presented as a single Process carrying both PIDs. The exit status of
// the pipeline is the tail command's. Stderr of both children is not
// captured.
func newPipelineProcess(cmdline string, opts spawnOptions) (*Process, error) {
	parts := strings.SplitN(cmdline, "|", 2)
	if len(parts) != 2 || strings.Contains(parts[1], "|") {
		return nil, fmt.Errorf("proc: pipeline must have exactly two commands: %q", cmdline)
	}
	argv1, err := SplitCommandLine(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, fmt.Errorf("proc: %w", err)
	}
	argv2, err := SplitCommandLine(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, fmt.Errorf("proc: %w", err)
	}
	if len(argv1) == 0 || len(argv2) == 0 {
		return nil, fmt.Errorf("proc: empty command in pipeline: %q", cmdline)
	}

	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("proc: stdin pipe: %w", err)
	}
	joinR, joinW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return nil, fmt.Errorf("proc: join pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		joinR.Close()
		joinW.Close()
		return nil, fmt.Errorf("proc: stdout pipe: %w", err)
	}

	closeAll := func() {
		for _, f := range []*os.File{inR, inW, joinR, joinW, outR, outW} {
			f.Close()
		}
	}

	cmd1 := exec.Command(argv1[0], argv1[1:]...)
	cmd1.Dir = opts.dir
	cmd1.Stdin = inR
	cmd1.Stdout = joinW
	setProcessGroup(cmd1)

	cmd2 := exec.Command(argv2[0], argv2[1:]...)
	cmd2.Dir = opts.dir
	cmd2.Stdin = joinR
	cmd2.Stdout = outW
	setProcessGroup(cmd2)

	if opts.env != nil {
		cmd1.Env = opts.env
		cmd2.Env = opts.env
	}
	if err := configureRunAs(cmd1, opts.runAs); err != nil {
		closeAll()
		return nil, err
	}
	if err := configureRunAs(cmd2, opts.runAs); err != nil {
		closeAll()
		return nil, err
	}

	if err := cmd1.Start(); err != nil {
		closeAll()
		return nil, fmt.Errorf("proc: spawn %q: %w", parts[0], err)
	}
	if err := cmd2.Start(); err != nil {
		// Head already running; take it down before reporting.
		cmd1.Process.Kill()
		cmd1.Wait()
		closeAll()
		return nil, fmt.Errorf("proc: spawn %q: %w", parts[1], err)
	}

	// Parent keeps only the outer ends.
	inR.Close()
	joinR.Close()
	joinW.Close()
	outW.Close()

	return &Process{
		cmdline: cmdline,
		kind:    KindPipeline,
		opts:    opts,
		pid:     cmd1.Process.Pid,
		pid2:    cmd2.Process.Pid,
		cmd:     cmd1,
		cmd2:    cmd2,
		stdin:   inW,
		stdout:  outR,
		dead:    make(chan struct{}),
		cb:      opts.callback,
		logw:    opts.log,
	}, nil
}
