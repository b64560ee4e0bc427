// Package proc spawns and manages child processes connected by pipes or
// pseudo-terminals, with asynchronous death notification, buffered
// stream I/O, and an automatic respawn policy for persistent children.
package proc

import (
	"bytes"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// Kind identifies the transport connecting a Process to its child.
type Kind int

const (
	KindPipe Kind = iota
	KindPty
	KindPipeline
	KindEntry
)

var (
	// ErrClosed is returned for I/O on a closed process.
	ErrClosed = errors.New("proc: I/O on closed process")

	// ErrNotManaged is returned for operations on a process this
	// manager did not spawn.
	ErrNotManaged = errors.New("proc: process not managed here")
)

const readChunk = 4096

// Process is one spawned child: its command line, the descriptors
// connecting to it, buffered stream I/O, and its eventual exit status.
// A Process is created by a Manager spawn call and deregistered when
// reaped.
type Process struct {
	cmdline string
	kind    Kind
	entry   string
	opts    spawnOptions

	pid  int
	pid2 int // pipeline tail, 0 otherwise
	cmd  *exec.Cmd
	cmd2 *exec.Cmd

	stdin  *os.File // write side to child stdin; nil for pty
	stdout *os.File // read side of child stdout, or the pty master
	stderr *os.File // nil when merged

	// mu guards lifecycle state; rmu and wmu serialize the read and
	// write paths so a blocked read never stalls writes, signals, or
	// Close.
	mu      sync.Mutex
	closed  bool
	stopped bool
	status  *ExitStatus
	cb      DeathFunc
	dead    chan struct{}

	rmu  sync.Mutex
	rbuf []byte
	ebuf []byte

	wmu  sync.Mutex
	wbuf []byte

	logw io.Writer

	// pty control characters, fetched lazily from the terminal.
	intr  byte
	eofc  byte
	ctrlc bool
}

// Cmdline returns the command line the process was spawned with.
func (p *Process) Cmdline() string { return p.cmdline }

// Kind returns the transport variant.
func (p *Process) Kind() Kind { return p.kind }

// Pid returns the child's process ID.
func (p *Process) Pid() int { return p.pid }

// Pid2 returns the second PID of a pipeline, or 0.
func (p *Process) Pid2() int { return p.pid2 }

// Basename returns the base name of the spawned program.
func (p *Process) Basename() string {
	fields := strings.Fields(p.cmdline)
	if len(fields) == 0 {
		return ""
	}
	return filepath.Base(fields[0])
}

// Environment returns the environment the child was spawned with.
func (p *Process) Environment() []string {
	if p.opts.env != nil {
		return p.opts.env
	}
	return os.Environ()
}

// IsAlive reports whether the child has not yet been reaped.
func (p *Process) IsAlive() bool {
	return p.ExitStatus() == nil
}

// IsStopped reports whether the child was last sent SIGSTOP.
func (p *Process) IsStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// ExitStatus returns the terminal status, or nil while running.
func (p *Process) ExitStatus() *ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// SetCallback replaces the death callback. A nil callback disables
// death notification (and the respawn policy).
func (p *Process) SetCallback(fn DeathFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb = fn
}

// SetLog attaches a sink receiving a copy of all bytes read from the
// child. Sink write failures never disturb the reads themselves.
func (p *Process) SetLog(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logw = w
}

// Log returns the current transcript sink, if any.
func (p *Process) Log() io.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logw
}

// Stat returns live kernel-level information for the child.
func (p *Process) Stat() (*process.Process, error) {
	return process.NewProcess(int32(p.pid))
}

// finish records the terminal status exactly once and returns the death
// callback to invoke, or nil if the process was already reaped.
func (p *Process) finish(st *ExitStatus) DeathFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != nil {
		return nil
	}
	p.status = st
	p.stopped = false
	cb := p.cb
	p.cb = nil
	close(p.dead)
	return cb
}

// Fd returns the descriptor used for reading from the child (the pty
// master for pty spawns).
func (p *Process) Fd() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.stdout == nil {
		return ^uintptr(0)
	}
	return p.stdout.Fd()
}

// IsATTY reports whether the child is connected through a terminal.
func (p *Process) IsATTY() bool {
	return p.kind == KindPty
}

// SetReadDeadline bounds the next raw read from the child. Used by the
// expect layer's timeout machinery.
func (p *Process) SetReadDeadline(t time.Time) error {
	p.mu.Lock()
	f := p.stdout
	closed := p.closed
	p.mu.Unlock()
	if closed || f == nil {
		return ErrClosed
	}
	return f.SetReadDeadline(t)
}

// readFd returns the descriptor carrying child output, or ErrClosed.
func (p *Process) readFd() (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.stdout == nil {
		return nil, ErrClosed
	}
	return p.stdout, nil
}

// Read serves buffered child output: anything already aggregated first,
// otherwise one underlying read. Implements io.Reader; the expect layer
// relies on this for its unit reads.
func (p *Process) Read(b []byte) (int, error) {
	p.rmu.Lock()
	defer p.rmu.Unlock()
	if len(p.rbuf) == 0 {
		if err := p.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(b, p.rbuf)
	p.rbuf = p.rbuf[n:]
	return n, nil
}

// ReadN aggregates short kernel reads up to n bytes. It returns fewer
// than n only at genuine EOF, and io.EOF only once the stream is fully
// drained.
func (p *Process) ReadN(n int) ([]byte, error) {
	p.rmu.Lock()
	defer p.rmu.Unlock()
	for len(p.rbuf) < n {
		if err := p.fill(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
	}
	if len(p.rbuf) == 0 {
		return nil, io.EOF
	}
	if n > len(p.rbuf) {
		n = len(p.rbuf)
	}
	data := p.rbuf[:n:n]
	p.rbuf = p.rbuf[n:]
	return data, nil
}

// ReadAll drains the child's output until EOF.
func (p *Process) ReadAll() ([]byte, error) {
	var out []byte
	for {
		chunk, err := p.ReadN(readChunk)
		out = append(out, chunk...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
	}
}

// ReadLine returns the next line including its terminator. At EOF a
// final unterminated line is returned as-is; after that, io.EOF.
func (p *Process) ReadLine() ([]byte, error) {
	p.rmu.Lock()
	defer p.rmu.Unlock()
	for {
		if i := bytes.IndexByte(p.rbuf, '\n'); i >= 0 {
			line := p.rbuf[: i+1 : i+1]
			p.rbuf = p.rbuf[i+1:]
			return line, nil
		}
		if err := p.fill(); err != nil {
			if errors.Is(err, io.EOF) && len(p.rbuf) > 0 {
				line := p.rbuf
				p.rbuf = nil
				return line, nil
			}
			return nil, err
		}
	}
}

// ReadLines reads whole lines until EOF.
func (p *Process) ReadLines() ([][]byte, error) {
	var lines [][]byte
	for {
		line, err := p.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return lines, nil
			}
			return lines, err
		}
		lines = append(lines, line)
	}
}

// ReadErr reads up to n bytes from the separate stderr channel. Only
// available when the process was spawned with split stderr.
func (p *Process) ReadErr(n int) ([]byte, error) {
	p.mu.Lock()
	closed := p.closed
	errFd := p.stderr
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if errFd == nil {
		return nil, io.EOF
	}
	p.rmu.Lock()
	defer p.rmu.Unlock()
	for len(p.ebuf) < n {
		chunk := make([]byte, readChunk)
		k, err := errFd.Read(chunk)
		if k > 0 {
			p.ebuf = append(p.ebuf, chunk[:k]...)
		}
		if err != nil {
			break
		}
	}
	if len(p.ebuf) == 0 {
		return nil, io.EOF
	}
	if n > len(p.ebuf) {
		n = len(p.ebuf)
	}
	data := p.ebuf[:n:n]
	p.ebuf = p.ebuf[n:]
	return data, nil
}

// fill appends one raw read to the read buffer. Caller holds rmu; the
// blocking read itself runs without the state lock.
func (p *Process) fill() error {
	f, err := p.readFd()
	if err != nil {
		return err
	}
	chunk := make([]byte, readChunk)
	n, err := f.Read(chunk)
	if n > 0 {
		p.rbuf = append(p.rbuf, chunk[:n]...)
		if w := p.Log(); w != nil {
			w.Write(chunk[:n]) //nolint:errcheck // sink failure must not disturb reads
		}
		return nil
	}
	if err != nil {
		return mapReadError(err)
	}
	return nil
}

// mapReadError normalizes child-side hangups. A pty master raises EIO
// once the slave side is gone; that is EOF for our purposes.
func mapReadError(err error) error {
	if errors.Is(err, unix.EIO) {
		return io.EOF
	}
	return err
}

// Write queues data for the child and flushes as much as the descriptor
// will take. Bytes a blocked descriptor could not accept stay buffered
// and are flushed by later Write or Flush calls.
func (p *Process) Write(b []byte) (int, error) {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.wbuf = append(p.wbuf, b...)
	if err := p.flush(); err != nil {
		return len(b), err
	}
	return len(b), nil
}

// Send is an alias for Write, for symmetry with the expect layer.
func (p *Process) Send(b []byte) (int, error) {
	return p.Write(b)
}

// Flush retries any writes a blocked descriptor previously refused.
func (p *Process) Flush() error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.flush()
}

// flush drains the write buffer. Caller holds wmu. A would-block or
// deadline interruption leaves the remainder buffered without error.
func (p *Process) flush() error {
	f := p.writeFd()
	if f == nil {
		return ErrClosed
	}
	for len(p.wbuf) > 0 {
		n, err := f.Write(p.wbuf)
		p.wbuf = p.wbuf[n:]
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) ||
				errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				return nil
			}
			return err
		}
	}
	return nil
}

// writeFd returns the descriptor carrying data to the child's stdin, or
// nil once that path is gone: the process was closed, or SendEOF shut
// the stdin pipe.
func (p *Process) writeFd() *os.File {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if p.kind == KindPty {
		return p.stdout // pty master is bidirectional
	}
	return p.stdin
}

// Kill sends sig to the child (both children, for a pipeline) and
// clears the death callback: an explicit kill must not trigger the
// respawn policy.
func (p *Process) Kill(sig syscall.Signal) error {
	p.mu.Lock()
	p.cb = nil
	dead := p.status != nil
	p.mu.Unlock()
	if dead {
		return nil
	}
	return p.signal(sig)
}

// KillWait kills the child and blocks until it is reaped.
func (p *Process) KillWait(sig syscall.Signal) (*ExitStatus, error) {
	if err := p.Kill(sig); err != nil {
		return nil, err
	}
	return p.Wait()
}

// signal delivers sig to the child's process group (each child leads
// its own, via Setpgid or Setsid), falling back to the bare pid, and to
// a pipeline's second child likewise. Does not touch the callback.
func (p *Process) signal(sig syscall.Signal) error {
	if err := signalGroup(p.pid, sig); err != nil {
		return err
	}
	if p.pid2 != 0 {
		return signalGroup(p.pid2, sig)
	}
	return nil
}

func signalGroup(pid int, sig syscall.Signal) error {
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	return unix.Kill(pid, sig)
}

// Interrupt interrupts the child. On a pty this writes the terminal's
// configured INTR character; elsewhere it sends SIGINT.
func (p *Process) Interrupt() error {
	if p.kind == KindPty {
		c, _, err := p.controlChars()
		if err == nil {
			_, err = p.Write([]byte{c})
			return err
		}
	}
	return p.signal(unix.SIGINT)
}

// SendEOF signals end-of-input: the terminal's EOF character on a pty,
// closing the stdin pipe otherwise.
func (p *Process) SendEOF() error {
	if p.kind == KindPty {
		_, c, err := p.controlChars()
		if err != nil {
			return err
		}
		_, err = p.Write([]byte{c})
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return nil
	}
	err := p.stdin.Close()
	p.stdin = nil
	return err
}

// Stop suspends the child with SIGSTOP.
func (p *Process) Stop() error {
	if err := p.signal(unix.SIGSTOP); err != nil {
		return err
	}
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	return nil
}

// Cont resumes a stopped child with SIGCONT.
func (p *Process) Cont() error {
	if err := p.signal(unix.SIGCONT); err != nil {
		return err
	}
	p.mu.Lock()
	p.stopped = false
	p.mu.Unlock()
	return nil
}

// Hangup sends SIGHUP to the child.
func (p *Process) Hangup() error {
	return p.signal(unix.SIGHUP)
}

// Wait blocks until the child is reaped and returns its exit status.
// Returns immediately if the child is already dead.
func (p *Process) Wait() (*ExitStatus, error) {
	<-p.dead
	return p.ExitStatus(), nil
}

// Close releases all descriptors exactly once. Further I/O returns
// ErrClosed; a second Close is a no-op.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cb = nil
	files := make([]*os.File, 0, 3)
	if p.stdin != nil {
		files = append(files, p.stdin)
		p.stdin = nil
	}
	if p.stdout != nil {
		files = append(files, p.stdout)
		p.stdout = nil
	}
	if p.stderr != nil {
		files = append(files, p.stderr)
		p.stderr = nil
	}
	p.mu.Unlock()

	var first error
	for _, f := range files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
