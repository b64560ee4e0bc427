package expect

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/tetherops/tether/internal/logging"
	"github.com/tetherops/tether/internal/sched"
)

var log = logging.L("expect")

var (
	// ErrEOF is returned when the stream ends before any pattern
	// matches.
	ErrEOF = errors.New("expect: end of stream before match")

	// ErrEmptySearch is returned when Expect is called with no
	// patterns.
	ErrEmptySearch = errors.New("expect: no patterns to search for")

	// ErrTimeout is returned when no pattern matches within the
	// deadline. It wraps the scheduler's deadline error so callers can
	// test for either.
	ErrTimeout = fmt.Errorf("expect: %w", sched.ErrTimeout)
)

const (
	// DefaultTimeout bounds waits when no explicit timeout is given.
	DefaultTimeout = 90 * time.Second

	// DefaultPrompt is the prompt ReadUntil falls back to.
	DefaultPrompt = "$"

	sendChunk = 4096
)

// Option configures a session at construction time.
type Option func(*Expect)

// WithTimeout sets the session's default deadline for waits.
func WithTimeout(d time.Duration) Option {
	return func(e *Expect) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithPrompt sets the prompt string ReadUntil and WaitForPrompt use.
func WithPrompt(prompt string) Option {
	return func(e *Expect) {
		if prompt != "" {
			e.prompt = prompt
		}
	}
}

// WithLog attaches a transcript sink from the start of the session.
func WithLog(w io.Writer) Option {
	return func(e *Expect) { e.logw = w }
}

// Expect drives a dialogue over a Stream. Reads accumulate one byte at
// a time so a pattern is recognized the instant its last byte arrives,
// never waiting out a read buffer. Not safe for concurrent use.
type Expect struct {
	stream  Stream
	sched   *sched.Scheduler
	timeout time.Duration
	prompt  string

	cache     map[cacheKey]*compiled
	lastIndex int
	logw      io.Writer
	logOwned  bool
}

// New wraps stream in an expect session using s for deadlines.
func New(stream Stream, s *sched.Scheduler, opts ...Option) *Expect {
	e := &Expect{
		stream:    stream,
		sched:     s,
		timeout:   DefaultTimeout,
		prompt:    DefaultPrompt,
		cache:     make(map[cacheKey]*compiled),
		lastIndex: -1,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Stream returns the underlying transport.
func (e *Expect) Stream() Stream { return e.stream }

// Prompt returns the configured prompt.
func (e *Expect) Prompt() string { return e.prompt }

// SetPrompt changes the prompt used by ReadUntil and WaitForPrompt.
func (e *Expect) SetPrompt(prompt string) {
	if prompt != "" {
		e.prompt = prompt
	}
}

// LastIndex returns the pattern index of the most recent match, or -1.
func (e *Expect) LastIndex() int { return e.lastIndex }

func (e *Expect) deadline(timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	return e.timeout
}

// compiled returns the compiled form of p, reusing the session cache.
func (e *Expect) compiledPattern(p Pattern) (*compiled, error) {
	key := cacheKey{text: p.Text, kind: p.Kind}
	if c, ok := e.cache[key]; ok {
		if p.Callback != nil {
			c.callback = p.Callback
		}
		return c, nil
	}
	c, err := compile(p)
	if err != nil {
		return nil, err
	}
	e.cache[key] = c
	return c, nil
}

// ClearCache drops all compiled patterns.
func (e *Expect) ClearCache() {
	e.cache = make(map[cacheKey]*compiled)
}

// readByte performs one bounded unit read from the stream. When the
// stream supports read deadlines the pending read is interrupted in
// place; otherwise the read runs in a goroutine that is abandoned on
// timeout.
func (e *Expect) readByte(buf []byte, timeout time.Duration) (int, error) {
	rd, ok := e.stream.(readDeadliner)
	if !ok {
		return e.readByteDetached(buf, timeout)
	}

	// Clear any stale deadline before arming the timer. Clearing it
	// inside the retry loop instead would lose an interrupt that fires
	// between the clear and the next blocking read.
	if err := rd.SetReadDeadline(time.Time{}); err != nil {
		return e.readByteDetached(buf, timeout)
	}

	var n int
	err := e.sched.IOTimeout(
		func() error {
			var err error
			n, err = e.stream.Read(buf)
			return err
		},
		func() {
			rd.SetReadDeadline(time.Now()) //nolint:errcheck // the retry loop resolves a failed poke
		},
		timeout,
	)
	rd.SetReadDeadline(time.Time{}) //nolint:errcheck
	if errors.Is(err, sched.ErrTimeout) {
		return n, ErrTimeout
	}
	return n, err
}

// readByteDetached bounds a read on a stream that cannot be interrupted.
// On timeout the reader goroutine keeps running until the stream closes;
// its result is discarded.
func (e *Expect) readByteDetached(buf []byte, timeout time.Duration) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	inner := make([]byte, len(buf))
	go func() {
		n, err := e.stream.Read(inner)
		ch <- result{n, err}
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	select {
	case r := <-ch:
		copy(buf, inner[:r.n])
		return r.n, r.err
	case <-deadline.C:
		return 0, ErrTimeout
	}
}

// Expect reads the stream until one of the patterns matches and returns
// the match. Patterns are checked in order after every byte, so when
// several could match the earliest-listed one wins at the earliest
// possible point in the stream. The winning pattern's callback, if any,
// runs before returning.
func (e *Expect) Expect(patterns []Pattern, timeout time.Duration) (*Match, error) {
	if len(patterns) == 0 {
		return nil, ErrEmptySearch
	}
	compiledPats := make([]*compiled, len(patterns))
	for i, p := range patterns {
		c, err := e.compiledPattern(p)
		if err != nil {
			return nil, err
		}
		compiledPats[i] = c
	}

	d := e.deadline(timeout)
	var acc []byte
	one := make([]byte, 1)
	for {
		for i, c := range compiledPats {
			if start, end, ok := c.search(acc); ok {
				m := &Match{
					Index:  i,
					Text:   string(acc[start:end]),
					Before: string(acc[:start]),
				}
				e.lastIndex = i
				e.logRead(acc)
				if c.callback != nil {
					c.callback(m)
				}
				return m, nil
			}
		}

		n, err := e.readByte(one, d)
		if n > 0 {
			acc = append(acc, one[:n]...)
		}
		if err != nil {
			e.logRead(acc)
			e.lastIndex = -1
			if errors.Is(err, io.EOF) {
				return nil, ErrEOF
			}
			return nil, err
		}
	}
}

// ExpectExact waits for text as a literal substring.
func (e *Expect) ExpectExact(text string, timeout time.Duration) (*Match, error) {
	return e.Expect([]Pattern{{Text: text, Kind: Exact}}, timeout)
}

// ExpectGlob waits for a shell-style glob.
func (e *Expect) ExpectGlob(pattern string, timeout time.Duration) (*Match, error) {
	return e.Expect([]Pattern{{Text: pattern, Kind: Glob}}, timeout)
}

// ExpectRegex waits for a regular expression.
func (e *Expect) ExpectRegex(pattern string, timeout time.Duration) (*Match, error) {
	return e.Expect([]Pattern{{Text: pattern, Kind: Regex}}, timeout)
}

// ReadUntil reads until the delimiter appears and returns everything
// before it. An empty delimiter means the session prompt.
func (e *Expect) ReadUntil(delim string, timeout time.Duration) (string, error) {
	if delim == "" {
		delim = e.prompt
	}
	m, err := e.Expect([]Pattern{{Text: delim, Kind: Exact}}, timeout)
	if err != nil {
		return "", err
	}
	return m.Before, nil
}

// WaitForPrompt discards stream output up to the next prompt.
func (e *Expect) WaitForPrompt(timeout time.Duration) error {
	_, err := e.ReadUntil(e.prompt, timeout)
	return err
}

// ReadLine reads one line, excluding the line terminator.
func (e *Expect) ReadLine(timeout time.Duration) (string, error) {
	m, err := e.Expect([]Pattern{{Text: "\n", Kind: Exact}}, timeout)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(m.Before, "\r"), nil
}

// ReadLines reads n lines.
func (e *Expect) ReadLines(n int, timeout time.Duration) ([]string, error) {
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		line, err := e.ReadLine(timeout)
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// Read returns up to n bytes from the stream, waiting at most the
// timeout for the first byte.
func (e *Expect) Read(n int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, n)
	k, err := e.readByte(buf, e.deadline(timeout))
	if k > 0 {
		e.logRead(buf[:k])
		return buf[:k], nil
	}
	return nil, err
}

// Write sends data to the stream.
func (e *Expect) Write(data []byte) (int, error) {
	return e.stream.Write(data)
}

// Send sends a string.
func (e *Expect) Send(s string) error {
	_, err := e.stream.Write([]byte(s))
	return err
}

// WriteLine sends a string followed by a carriage return.
func (e *Expect) WriteLine(s string) error {
	return e.Send(s + "\r")
}

// SendSlow sends the string one byte at a time with a pause between
// bytes, for peers that drop input arriving faster than a human types.
func (e *Expect) SendSlow(s string, delay time.Duration) error {
	for i := 0; i < len(s); i++ {
		if _, err := e.stream.Write([]byte{s[i]}); err != nil {
			return err
		}
		e.sched.Sleep(delay)
	}
	return nil
}

// SendFile streams the named file to the peer.
func (e *Expect) SendFile(path string, wait bool, timeout time.Duration) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("expect: %w", err)
	}
	defer f.Close()
	return e.SendFileObject(f, wait, timeout)
}

// SendFileObject streams r to the peer in chunks. With wait set, each
// chunk is followed by a wait for the prompt, pacing bulk input to an
// interactive peer.
func (e *Expect) SendFileObject(r io.Reader, wait bool, timeout time.Duration) error {
	buf := make([]byte, sendChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := e.stream.Write(buf[:n]); werr != nil {
				return werr
			}
			if wait {
				if perr := e.WaitForPrompt(timeout); perr != nil {
					return perr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Interrupt forwards an interrupt to the peer when the stream supports
// it.
func (e *Expect) Interrupt() error {
	if in, ok := e.stream.(Interrupter); ok {
		return in.Interrupt()
	}
	return nil
}

// SendEOF signals end-of-input when the stream supports it.
func (e *Expect) SendEOF() error {
	if s, ok := e.stream.(EOFSender); ok {
		return s.SendEOF()
	}
	return nil
}

// OpenLog starts a transcript of everything read from the stream. Only
// reads are recorded; secrets typed at hidden prompts never land in the
// transcript. Long-running sessions rotate the file by size.
func (e *Expect) OpenLog(path string) error {
	w, err := logging.NewRotatingWriter(path, 0, 0)
	if err != nil {
		return fmt.Errorf("expect: open transcript: %w", err)
	}
	e.closeLogFile()
	e.logw = w
	e.logOwned = true
	log.Debug("transcript opened", "path", path)
	return nil
}

// SetLog attaches an externally owned transcript sink.
func (e *Expect) SetLog(w io.Writer) {
	e.closeLogFile()
	e.logw = w
	e.logOwned = false
}

// FlushLog flushes the transcript sink if it supports syncing.
func (e *Expect) FlushLog() error {
	if f, ok := e.logw.(interface{ Sync() error }); ok {
		return f.Sync()
	}
	return nil
}

// CloseLog stops the transcript.
func (e *Expect) CloseLog() {
	e.closeLogFile()
	e.logw = nil
}

func (e *Expect) closeLogFile() {
	if e.logOwned {
		if c, ok := e.logw.(io.Closer); ok {
			c.Close()
		}
		e.logOwned = false
	}
}

// logRead copies read bytes to the transcript. Sink failures never
// disturb the session.
func (e *Expect) logRead(data []byte) {
	if e.logw == nil || len(data) == 0 {
		return
	}
	e.logw.Write(data) //nolint:errcheck
}

// Close closes the transcript and the underlying stream.
func (e *Expect) Close() error {
	e.CloseLog()
	return e.stream.Close()
}

// Detach releases the stream without closing it and returns it.
func (e *Expect) Detach() Stream {
	e.CloseLog()
	s := e.stream
	e.stream = nil
	return s
}
