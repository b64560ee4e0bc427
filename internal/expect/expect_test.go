package expect

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tetherops/tether/internal/sched"
)

// pipeStream adapts a pair of OS pipes to the Stream interface, with
// the peer ends handed to the test.
type pipeStream struct {
	r *os.File
	w *os.File
}

func (p *pipeStream) Read(b []byte) (int, error)        { return p.r.Read(b) }
func (p *pipeStream) Write(b []byte) (int, error)       { return p.w.Write(b) }
func (p *pipeStream) Fd() uintptr                       { return p.r.Fd() }
func (p *pipeStream) SetReadDeadline(t time.Time) error { return p.r.SetReadDeadline(t) }

func (p *pipeStream) Close() error {
	p.r.Close()
	return p.w.Close()
}

// newPipeSession returns a session plus the peer's ends: feed is
// written to produce session input, sink is read to observe session
// output.
func newPipeSession(t *testing.T, opts ...Option) (e *Expect, feed *os.File, sink *os.File) {
	t.Helper()
	sessR, feed, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	sink, sessW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	s := sched.New(sched.DefaultSlots)
	t.Cleanup(s.Stop)
	e = New(&pipeStream{r: sessR, w: sessW}, s, opts...)
	t.Cleanup(func() {
		e.Close()
		feed.Close()
		sink.Close()
	})
	return e, feed, sink
}

func TestExpectExact(t *testing.T) {
	e, feed, _ := newPipeSession(t)
	if _, err := feed.WriteString("xxbarxx"); err != nil {
		t.Fatalf("feed: %v", err)
	}
	m, err := e.ExpectExact("bar", time.Second)
	if err != nil {
		t.Fatalf("ExpectExact: %v", err)
	}
	if m.Text != "bar" {
		t.Errorf("Text = %q, want %q", m.Text, "bar")
	}
	if m.Before != "xx" {
		t.Errorf("Before = %q, want %q", m.Before, "xx")
	}
	if e.LastIndex() != 0 {
		t.Errorf("LastIndex = %d, want 0", e.LastIndex())
	}
}

func TestExpectSecondPatternMatches(t *testing.T) {
	e, feed, _ := newPipeSession(t)
	feed.WriteString("xxbarxx") //nolint:errcheck
	m, err := e.Expect([]Pattern{
		{Text: "foo", Kind: Exact},
		{Text: "bar", Kind: Exact},
	}, time.Second)
	if err != nil {
		t.Fatalf("Expect: %v", err)
	}
	if m.Index != 1 {
		t.Errorf("Index = %d, want 1", m.Index)
	}
	if e.LastIndex() != 1 {
		t.Errorf("LastIndex = %d, want 1", e.LastIndex())
	}
	// The consumed boundary sits exactly after "bar": the trailing
	// bytes are still unread in the stream.
	if m.Before+m.Text != "xxbar" {
		t.Errorf("consumed = %q, want %q", m.Before+m.Text, "xxbar")
	}
}

func TestExpectEarliestMatchWins(t *testing.T) {
	e, feed, _ := newPipeSession(t)
	feed.WriteString("xbar") //nolint:errcheck

	// Patterns are re-checked after every byte, so "ba" completes one
	// byte before "bar" can, regardless of list order.
	m, err := e.Expect([]Pattern{
		{Text: "zzz", Kind: Exact},
		{Text: "bar", Kind: Exact},
		{Text: "ba", Kind: Exact},
	}, time.Second)
	if err != nil {
		t.Fatalf("Expect: %v", err)
	}
	if m.Index != 2 {
		t.Errorf("Index = %d, want 2", m.Index)
	}
	if m.Text != "ba" {
		t.Errorf("Text = %q, want %q", m.Text, "ba")
	}
}

func TestExpectListOrderBreaksTies(t *testing.T) {
	e, feed, _ := newPipeSession(t)
	feed.WriteString("abc") //nolint:errcheck

	// Both patterns complete on the same byte; the earlier-listed one
	// wins.
	m, err := e.Expect([]Pattern{
		{Text: "bc", Kind: Exact},
		{Text: "abc", Kind: Exact},
	}, time.Second)
	if err != nil {
		t.Fatalf("Expect: %v", err)
	}
	if m.Index != 0 {
		t.Errorf("Index = %d, want 0", m.Index)
	}
}

func TestExpectTimeout(t *testing.T) {
	e, _, _ := newPipeSession(t)
	start := time.Now()
	_, err := e.ExpectExact("never", 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("ExpectExact = %v, want ErrTimeout", err)
	}
	if !errors.Is(err, sched.ErrTimeout) {
		t.Error("ErrTimeout does not wrap the scheduler's deadline error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v, the blocked read was not interrupted", elapsed)
	}
}

func TestExpectEOF(t *testing.T) {
	e, feed, _ := newPipeSession(t)
	feed.WriteString("partial") //nolint:errcheck
	feed.Close()
	if _, err := e.ExpectExact("whole", time.Second); !errors.Is(err, ErrEOF) {
		t.Fatalf("ExpectExact = %v, want ErrEOF", err)
	}
	if e.LastIndex() != -1 {
		t.Errorf("LastIndex = %d after failed match, want -1", e.LastIndex())
	}
}

func TestExpectEmptySearch(t *testing.T) {
	e, _, _ := newPipeSession(t)
	if _, err := e.Expect(nil, time.Second); !errors.Is(err, ErrEmptySearch) {
		t.Fatalf("Expect(nil) = %v, want ErrEmptySearch", err)
	}
}

func TestExpectCallback(t *testing.T) {
	e, feed, _ := newPipeSession(t)
	feed.WriteString("ok\n") //nolint:errcheck

	var got *Match
	_, err := e.Expect([]Pattern{
		{Text: "ok", Kind: Exact, Callback: func(m *Match) { got = m }},
	}, time.Second)
	if err != nil {
		t.Fatalf("Expect: %v", err)
	}
	if got == nil || got.Text != "ok" {
		t.Errorf("callback match = %+v, want Text %q", got, "ok")
	}
}

func TestExpectRegex(t *testing.T) {
	e, feed, _ := newPipeSession(t)
	feed.WriteString("status code=1234 done") //nolint:errcheck
	m, err := e.ExpectRegex(`code=\d+`, time.Second)
	if err != nil {
		t.Fatalf("ExpectRegex: %v", err)
	}
	// Byte-at-a-time matching stops at the first byte that completes
	// the pattern.
	if m.Text != "code=1" {
		t.Errorf("Text = %q, want %q", m.Text, "code=1")
	}
	if m.Before != "status " {
		t.Errorf("Before = %q, want %q", m.Before, "status ")
	}
}

func TestExpectGlob(t *testing.T) {
	e, feed, _ := newPipeSession(t)
	feed.WriteString("error: disk full end\n") //nolint:errcheck
	m, err := e.ExpectGlob("error: * end", time.Second)
	if err != nil {
		t.Fatalf("ExpectGlob: %v", err)
	}
	if m.Text != "error: disk full end" {
		t.Errorf("Text = %q, want %q", m.Text, "error: disk full end")
	}
}

func TestGlobDoesNotCrossLines(t *testing.T) {
	e, feed, _ := newPipeSession(t)
	feed.WriteString("begin\nmiddle end\n") //nolint:errcheck

	// "begin" and "end" sit on different lines, and * must not bridge
	// the newline between them.
	if _, err := e.ExpectGlob("begin* end", 100*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("ExpectGlob = %v, want ErrTimeout", err)
	}
}

func TestReadUntilPrompt(t *testing.T) {
	e, feed, _ := newPipeSession(t)
	feed.WriteString("prompt$") //nolint:errcheck
	out, err := e.ReadUntil("", time.Second)
	if err != nil {
		t.Fatalf("ReadUntil: %v", err)
	}
	if out != "prompt" {
		t.Errorf("ReadUntil = %q, want %q", out, "prompt")
	}
}

func TestReadLine(t *testing.T) {
	e, feed, _ := newPipeSession(t)
	feed.WriteString("hello\r\nworld\n") //nolint:errcheck

	line, err := e.ReadLine(time.Second)
	if err != nil {
		t.Fatalf("ReadLine #1: %v", err)
	}
	if line != "hello" {
		t.Errorf("line #1 = %q, want %q", line, "hello")
	}
	line, err = e.ReadLine(time.Second)
	if err != nil {
		t.Fatalf("ReadLine #2: %v", err)
	}
	if line != "world" {
		t.Errorf("line #2 = %q, want %q", line, "world")
	}
}

func TestReadLines(t *testing.T) {
	e, feed, _ := newPipeSession(t)
	feed.WriteString("a\nb\nc\n") //nolint:errcheck
	lines, err := e.ReadLines(3, time.Second)
	if err != nil {
		t.Fatalf("ReadLines: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(lines) != len(want) {
		t.Fatalf("ReadLines = %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line #%d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestSendSlow(t *testing.T) {
	e, _, sink := newPipeSession(t)
	done := make(chan error, 1)
	go func() {
		done <- e.SendSlow("hi", time.Millisecond)
	}()
	buf := make([]byte, 2)
	if _, err := io.ReadFull(sink, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendSlow: %v", err)
	}
	if string(buf) != "hi" {
		t.Errorf("sent = %q, want %q", buf, "hi")
	}
}

func TestWriteLine(t *testing.T) {
	e, _, sink := newPipeSession(t)
	if err := e.WriteLine("cmd"); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(sink, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "cmd\r" {
		t.Errorf("sent = %q, want %q", buf, "cmd\r")
	}
}

func TestTranscriptRecordsReadsOnly(t *testing.T) {
	e, feed, sink := newPipeSession(t)
	var transcript bytes.Buffer
	e.SetLog(&transcript)

	feed.WriteString("login ok$") //nolint:errcheck
	if err := e.WaitForPrompt(time.Second); err != nil {
		t.Fatalf("WaitForPrompt: %v", err)
	}
	if err := e.Send("s3cret\r"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	drain := make([]byte, 16)
	sink.Read(drain) //nolint:errcheck

	got := transcript.String()
	if got != "login ok$" {
		t.Errorf("transcript = %q, want %q", got, "login ok$")
	}
	if bytes.Contains(transcript.Bytes(), []byte("s3cret")) {
		t.Error("transcript contains sent secret")
	}
}

func TestOpenLogTranscriptFile(t *testing.T) {
	e, feed, _ := newPipeSession(t)
	path := filepath.Join(t.TempDir(), "session.log")
	if err := e.OpenLog(path); err != nil {
		t.Fatalf("OpenLog: %v", err)
	}

	feed.WriteString("motd line$") //nolint:errcheck
	if err := e.WaitForPrompt(time.Second); err != nil {
		t.Fatalf("WaitForPrompt: %v", err)
	}
	if err := e.FlushLog(); err != nil {
		t.Fatalf("FlushLog: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if string(data) != "motd line$" {
		t.Errorf("transcript = %q, want %q", data, "motd line$")
	}
	e.CloseLog()
}

func TestGlobToRegexp(t *testing.T) {
	tests := []struct {
		glob string
		want string
	}{
		{"foo", "foo"},
		{"foo*bar", `foo[^\n]*bar`},
		{"a?c", `a[^\n]c`},
		{"[abc]x", `[abc]x`},
		{"[!abc]x", `[^abc]x`},
		{"a.b", `a\.b`},
		{"a+b", `a\+b`},
	}
	for _, tt := range tests {
		if got := globToRegexp(tt.glob); got != tt.want {
			t.Errorf("globToRegexp(%q) = %q, want %q", tt.glob, got, tt.want)
		}
	}
}

func TestPatternCacheReuse(t *testing.T) {
	e, feed, _ := newPipeSession(t)
	feed.WriteString("one$two$") //nolint:errcheck
	if _, err := e.ExpectExact("$", time.Second); err != nil {
		t.Fatalf("first ExpectExact: %v", err)
	}
	if len(e.cache) != 1 {
		t.Fatalf("cache size = %d, want 1", len(e.cache))
	}
	if _, err := e.ExpectExact("$", time.Second); err != nil {
		t.Fatalf("second ExpectExact: %v", err)
	}
	if len(e.cache) != 1 {
		t.Fatalf("cache size after reuse = %d, want 1", len(e.cache))
	}
	e.ClearCache()
	if len(e.cache) != 0 {
		t.Fatalf("cache size after ClearCache = %d, want 0", len(e.cache))
	}
}
