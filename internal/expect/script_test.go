package expect

import (
	"bufio"
	"io"
	"strings"
	"testing"
	"time"
)

const loginScript = `
prompt: "$ "
timeout: 5
steps:
  - expect: "login:"
    send: "admin\r"
  - expect: "assword:"
    send: "hunter2\r"
  - expect: "$ "
`

func TestParseScript(t *testing.T) {
	s, err := ParseScript([]byte(loginScript))
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	if got, want := s.Prompt, "$ "; got != want {
		t.Errorf("Prompt = %q, want %q", got, want)
	}
	if got, want := len(s.Steps), 3; got != want {
		t.Fatalf("steps = %d, want %d", got, want)
	}
	if got, want := s.Steps[0].Send, "admin\r"; got != want {
		t.Errorf("step 1 send = %q, want %q", got, want)
	}
	if got, want := s.Steps[2].Expect, "$ "; got != want {
		t.Errorf("step 3 expect = %q, want %q", got, want)
	}
}

func TestParseScriptRejectsBadKind(t *testing.T) {
	_, err := ParseScript([]byte("steps:\n  - expect: x\n    kind: fancy\n"))
	if err == nil {
		t.Fatal("ParseScript accepted an unknown pattern kind")
	}
}

func TestParseScriptRejectsEmpty(t *testing.T) {
	if _, err := ParseScript([]byte("prompt: '$'\n")); err == nil {
		t.Fatal("ParseScript accepted a script with no steps")
	}
}

func TestParseScriptRejectsSendConflict(t *testing.T) {
	_, err := ParseScript([]byte("steps:\n  - send: a\n    sendfile: /tmp/f\n"))
	if err == nil {
		t.Fatal("ParseScript accepted send together with sendfile")
	}
}

func TestRunScript(t *testing.T) {
	e, feed, sink := newPipeSession(t)
	s, err := ParseScript([]byte(loginScript))
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}

	// The peer side of the dialogue: present each prompt, check each
	// response.
	peerErr := make(chan error, 1)
	go func() {
		peerErr <- func() error {
			r := bufio.NewReader(sink)
			readBack := func(want string) error {
				buf := make([]byte, len(want))
				if _, err := io.ReadFull(r, buf); err != nil {
					return err
				}
				if string(buf) != want {
					t.Errorf("peer got %q, want %q", buf, want)
				}
				return nil
			}
			if _, err := feed.WriteString("login:"); err != nil {
				return err
			}
			if err := readBack("admin\r"); err != nil {
				return err
			}
			if _, err := feed.WriteString("Password:"); err != nil {
				return err
			}
			if err := readBack("hunter2\r"); err != nil {
				return err
			}
			_, err := feed.WriteString("$ ")
			return err
		}()
	}()

	if err := e.RunScript(s); err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	if err := <-peerErr; err != nil {
		t.Fatalf("peer: %v", err)
	}
	if got, want := e.Prompt(), "$ "; got != want {
		t.Errorf("session prompt = %q, want %q", got, want)
	}
}

func TestRunScriptStepTimeout(t *testing.T) {
	e, _, _ := newPipeSession(t)
	s, err := ParseScript([]byte("steps:\n  - expect: never\n    timeout: 0.05\n"))
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	start := time.Now()
	err = e.RunScript(s)
	if err == nil {
		t.Fatal("RunScript succeeded, want step timeout")
	}
	if !strings.Contains(err.Error(), "step 1") {
		t.Errorf("error = %v, want it to name the failing step", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("step timeout took %v", elapsed)
	}
}
