package sshcli

import (
	"encoding/base64"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tetherops/tether/internal/config"
	"github.com/tetherops/tether/internal/expect"
	"github.com/tetherops/tether/internal/proc"
	"github.com/tetherops/tether/internal/sched"
)

type fakeStream struct {
	r *os.File
	w *os.File
}

func (f *fakeStream) Read(b []byte) (int, error)        { return f.r.Read(b) }
func (f *fakeStream) Write(b []byte) (int, error)       { return f.w.Write(b) }
func (f *fakeStream) Fd() uintptr                       { return f.r.Fd() }
func (f *fakeStream) SetReadDeadline(t time.Time) error { return f.r.SetReadDeadline(t) }

func (f *fakeStream) Close() error {
	f.r.Close()
	return f.w.Close()
}

// newFakeSession returns a session over pipes plus the peer ends.
func newFakeSession(t *testing.T) (sess *Session, feed *os.File, sink *os.File) {
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
	sess = &Session{
		Expect: expect.New(&fakeStream{r: sessR, w: sessW}, s),
		host:   "testhost",
	}
	t.Cleanup(func() {
		sess.Close()
		feed.Close()
		sink.Close()
	})
	return sess, feed, sink
}

// shortLoginTimeout shrinks the quiet period that resolves a login, so
// the success branches finish fast.
func shortLoginTimeout(t *testing.T) {
	t.Helper()
	saved := loginTimeout
	loginTimeout = 100 * time.Millisecond
	t.Cleanup(func() { loginTimeout = saved })
}

func TestLoginSendsPassword(t *testing.T) {
	shortLoginTimeout(t)
	sess, feed, sink := newFakeSession(t)
	feed.WriteString("user@testhost's password:") //nolint:errcheck

	done := make(chan error, 1)
	go func() { done <- sess.Login("hunter2") }()

	buf := make([]byte, len("hunter2\r"))
	if _, err := io.ReadFull(sink, buf); err != nil {
		t.Fatalf("read sent password: %v", err)
	}
	if got, want := string(buf), "hunter2\r"; got != want {
		t.Errorf("sent = %q, want %q", got, want)
	}

	// Quiet after the password means it was accepted.
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Login: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Login did not return")
	}
}

func TestLoginKeyAuthSucceedsQuietly(t *testing.T) {
	shortLoginTimeout(t)
	sess, _, _ := newFakeSession(t)
	if err := sess.Login(""); err != nil {
		t.Fatalf("Login with no password = %v, want nil on quiet stream", err)
	}
}

func TestLoginHostKeyChanged(t *testing.T) {
	sess, feed, _ := newFakeSession(t)
	feed.WriteString("@@@@\nWARNING: REMOTE HOST IDENTIFICATION HAS CHANGED!\n") //nolint:errcheck
	if err := sess.Login("pw"); !errors.Is(err, ErrRetry) {
		t.Fatalf("Login = %v, want ErrRetry", err)
	}
}

func TestLoginRejectedPassword(t *testing.T) {
	sess, feed, sink := newFakeSession(t)
	feed.WriteString("password:") //nolint:errcheck

	done := make(chan error, 1)
	go func() { done <- sess.Login("wrong") }()

	buf := make([]byte, len("wrong\r"))
	if _, err := io.ReadFull(sink, buf); err != nil {
		t.Fatalf("read sent password: %v", err)
	}
	feed.WriteString("Permission denied, please try again.\n") //nolint:errcheck

	err := <-done
	if err == nil || errors.Is(err, ErrRetry) {
		t.Fatalf("Login = %v, want authentication failure", err)
	}
}

// stubClient builds a client whose ssh binary is a shell script, so
// Command runs locally.
func stubClient(t *testing.T, body string) *Client {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ssh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	s := sched.New(sched.DefaultSlots)
	t.Cleanup(s.Stop)
	m := proc.NewManager(s)
	t.Cleanup(m.Shutdown)
	cfg := config.Default()
	cfg.SSHPath = path
	return NewClient(m, s, cfg)
}

func TestCommandDrainsLargeOutput(t *testing.T) {
	// Well past the kernel pipe buffer, so the child can only finish
	// once the parent reads.
	c := stubClient(t, "head -c 262144 /dev/zero")

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := c.Command("db1", "true", Options{})
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Command: %v", r.err)
		}
		if len(r.out) != 262144 {
			t.Fatalf("output = %d bytes, want 262144", len(r.out))
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Command did not return with 256KiB of child output pending")
	}
}

func TestCommandReportsRemoteFailure(t *testing.T) {
	c := stubClient(t, "echo oops; exit 3")
	out, err := c.Command("db1", "true", Options{})
	if err == nil {
		t.Fatal("Command on failing remote = nil error")
	}
	if out != "oops\n" {
		t.Errorf("output = %q, want %q", out, "oops\n")
	}
}

func TestSSHArgs(t *testing.T) {
	c := &Client{ssh: "ssh", configFile: "/etc/tether/ssh_config"}
	got := c.sshArgs("db1", Options{User: "ops", Port: 2222})
	want := "ssh -F /etc/tether/ssh_config -p 2222 -l ops db1"
	if got != want {
		t.Errorf("sshArgs = %q, want %q", got, want)
	}

	c = &Client{ssh: "ssh"}
	if got, want := c.sshArgs("db1", Options{}), "ssh db1"; got != want {
		t.Errorf("sshArgs = %q, want %q", got, want)
	}
}

func TestNewClientDefaults(t *testing.T) {
	cfg := config.Default()
	c := NewClient(nil, nil, cfg)
	if c.ssh != "ssh" || c.scp != "scp" || c.keygen != "ssh-keygen" || c.keyscan != "ssh-keyscan" {
		t.Errorf("tool paths = %q %q %q %q, want bare tool names",
			c.ssh, c.scp, c.keygen, c.keyscan)
	}
}

func TestLocationString(t *testing.T) {
	tests := []struct {
		loc  Location
		want string
	}{
		{Local("/tmp/file"), "/tmp/file"},
		{Remote("db1", "", "/var/log"), "db1:/var/log"},
		{Remote("db1", "ops", "/var/log"), "ops@db1:/var/log"},
	}
	for _, tt := range tests {
		if got := tt.loc.String(); got != tt.want {
			t.Errorf("Location%+v = %q, want %q", tt.loc, got, tt.want)
		}
	}
}

func TestKnownHostsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	kh, err := LoadKnownHosts(path)
	if err != nil {
		t.Fatalf("LoadKnownHosts on missing file: %v", err)
	}
	if kh.Len() != 0 {
		t.Fatalf("Len = %d for missing file, want 0", kh.Len())
	}

	kh.Add("db1", "ssh-ed25519", "AAAAC3fake")
	kh.Add("db2,10.0.0.2", "ssh-ed25519", "AAAAC3other")
	if err := kh.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	kh2, err := LoadKnownHosts(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !kh2.Has("db1") || !kh2.Has("db2") || !kh2.Has("10.0.0.2") {
		t.Fatal("reloaded known_hosts is missing entries")
	}

	if got := kh2.Remove("10.0.0.2"); got != 1 {
		t.Fatalf("Remove = %d, want 1", got)
	}
	if kh2.Has("db2") {
		t.Error("entry listing the removed host alias should be dropped whole")
	}
	if !kh2.Has("db1") {
		t.Error("unrelated entry was dropped")
	}
	if err := kh2.Save(); err != nil {
		t.Fatalf("Save after Remove: %v", err)
	}

	kh3, err := LoadKnownHosts(path)
	if err != nil {
		t.Fatalf("final reload: %v", err)
	}
	if kh3.Len() != 1 {
		t.Fatalf("Len = %d after removal, want 1", kh3.Len())
	}
}

func TestKnownHostsPreservesComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	content := "# managed file\ndb1 ssh-ed25519 AAAAC3fake\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	kh, err := LoadKnownHosts(path)
	if err != nil {
		t.Fatalf("LoadKnownHosts: %v", err)
	}
	if got := kh.Remove("nothere"); got != 0 {
		t.Fatalf("Remove = %d, want 0", got)
	}
	if err := kh.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != content {
		t.Errorf("file = %q, want unchanged %q", data, content)
	}
}

// wireKey builds a valid base64 key blob whose embedded name matches
// keyType.
func wireKey(keyType string) string {
	blob := make([]byte, 4+len(keyType))
	blob[3] = byte(len(keyType))
	copy(blob[4:], keyType)
	return base64.StdEncoding.EncodeToString(blob)
}

func TestParsePublicKey(t *testing.T) {
	line := "ssh-ed25519 " + wireKey("ssh-ed25519") + " ops@bastion"
	k, err := ParsePublicKey(line)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if k.Type != "ssh-ed25519" {
		t.Errorf("Type = %q, want ssh-ed25519", k.Type)
	}
	if k.Comment != "ops@bastion" {
		t.Errorf("Comment = %q, want ops@bastion", k.Comment)
	}
}

func TestParsePublicKeyRSA1(t *testing.T) {
	k, err := ParsePublicKey("2048 65537 123456789 legacy@host")
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if k.Type != "rsa1" || k.Bits != 2048 {
		t.Errorf("Type/Bits = %q/%d, want rsa1/2048", k.Type, k.Bits)
	}
	if string(k.Blob) != "123456789" {
		t.Errorf("Blob = %q, want the modulus field", k.Blob)
	}
}

func TestParsePublicKeyRejectsMismatchedBlob(t *testing.T) {
	line := "ssh-rsa " + wireKey("ssh-ed25519")
	if _, err := ParsePublicKey(line); err == nil {
		t.Fatal("ParsePublicKey accepted a blob carrying a different type")
	}
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	for _, line := range []string{"", "one-field", "what even AAAA"} {
		if _, err := ParsePublicKey(line); err == nil {
			t.Errorf("ParsePublicKey(%q) = nil error, want error", line)
		}
	}
}

func TestParseKeyscan(t *testing.T) {
	out := "# db1:22 SSH-2.0-OpenSSH_9.6\n" +
		"db1 ssh-ed25519 " + wireKey("ssh-ed25519") + "\n" +
		"db1 ssh-rsa " + wireKey("ssh-rsa") + "\n"
	keys := ParseKeyscan([]byte(out))
	if len(keys) != 2 {
		t.Fatalf("parsed %d keys, want 2", len(keys))
	}
	if keys[0].Type != "ssh-ed25519" || keys[1].Type != "ssh-rsa" {
		t.Errorf("types = %q, %q", keys[0].Type, keys[1].Type)
	}
	if keys[0].Comment != "db1" {
		t.Errorf("host = %q, want db1", keys[0].Comment)
	}
}
