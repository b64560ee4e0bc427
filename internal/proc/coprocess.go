package proc

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// entryEnv names the registered entry point a re-exec'ed child should
// run instead of the normal main path.
const entryEnv = "TETHER_ENTRY"

var (
	entryMu sync.Mutex
	entries = map[string]func() int{}
)

// RegisterEntry registers an in-process function as a spawnable entry
// point. Entry names must be registered before MaybeRunEntry is called,
// typically from init functions or early in main.
func RegisterEntry(name string, fn func() int) {
	entryMu.Lock()
	defer entryMu.Unlock()
	if _, dup := entries[name]; dup {
		panic(fmt.Sprintf("proc: duplicate entry %q", name))
	}
	entries[name] = fn
}

// MaybeRunEntry dispatches to a registered entry point when this
// process was spawned as a coprocess, and never returns in that case.
// Call it at the top of main, before any other setup: the child must
// not fall through into the parent's normal startup, and it starts with
// its own empty process registry. An unknown entry name exits with the
// never-started code.
func MaybeRunEntry() {
	name := os.Getenv(entryEnv)
	if name == "" {
		return
	}
	entryMu.Lock()
	fn, ok := entries[name]
	entryMu.Unlock()
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown entry point %q\n", name)
		os.Exit(NeverStartedCode)
	}
	os.Exit(fn())
}

// newEntryProcess re-executes the current binary, dispatching to the
// named registered entry point, with stdio over pipes. The functional
// equivalent of forking off an in-process function.
func newEntryProcess(name string, opts spawnOptions) (*Process, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("proc: self path: %w", err)
	}

	cmd := exec.Command(exe)
	cmd.Dir = opts.dir
	env := opts.env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(append([]string{}, env...), entryEnv+"="+name)
	setProcessGroup(cmd)

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
	cmd.Stderr = outW

	if err := cmd.Start(); err != nil {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("proc: spawn entry %q: %w", name, err)
	}

	inR.Close()
	outW.Close()

	return &Process{
		cmdline: "entry: " + name,
		kind:    KindEntry,
		entry:   name,
		opts:    opts,
		pid:     cmd.Process.Pid,
		cmd:     cmd,
		stdin:   inW,
		stdout:  outR,
		dead:    make(chan struct{}),
		cb:      opts.callback,
		logw:    opts.log,
	}, nil
}
