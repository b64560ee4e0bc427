// Package sshcli automates the OpenSSH command-line tools: interactive
// ssh sessions driven through the expect engine, one-shot remote
// commands, scp transfers, key generation and scanning, and
// known_hosts editing.
package sshcli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/tetherops/tether/internal/config"
	"github.com/tetherops/tether/internal/expect"
	"github.com/tetherops/tether/internal/logging"
	"github.com/tetherops/tether/internal/proc"
	"github.com/tetherops/tether/internal/sched"
	"github.com/tetherops/tether/internal/workerpool"
)

var log = logging.L("sshcli")

// ErrRetry is returned when the remote host key does not match the
// known_hosts entry. The caller decides whether to drop the stale entry
// and try again; it is never dropped silently.
var ErrRetry = errors.New("sshcli: remote host key changed")

// loginTimeout bounds each step of the login dialogue. Silence for a
// whole step after the password was sent (or when none is needed) means
// authentication succeeded without further chatter.
var loginTimeout = 20 * time.Second

// Options configures a single connection.
type Options struct {
	User     string
	Port     int
	Password string

	// Prompt is the remote shell prompt to synchronize on.
	Prompt string

	// Timeout is the session's default expect deadline.
	Timeout time.Duration

	// Transcript receives a copy of everything read from the remote.
	Transcript io.Writer
}

// Client runs the OpenSSH tools with configured binary paths.
type Client struct {
	mgr   *proc.Manager
	sched *sched.Scheduler

	ssh        string
	scp        string
	keygen     string
	keyscan    string
	configFile string
	prompt     string
	timeout    time.Duration
}

// NewClient builds a client on the given process manager and scheduler,
// taking tool paths and session defaults from cfg.
func NewClient(mgr *proc.Manager, s *sched.Scheduler, cfg *config.Config) *Client {
	return &Client{
		mgr:        mgr,
		sched:      s,
		ssh:        orDefault(cfg.SSHPath, "ssh"),
		scp:        orDefault(cfg.SCPPath, "scp"),
		keygen:     orDefault(cfg.KeygenPath, "ssh-keygen"),
		keyscan:    orDefault(cfg.KeyscanPath, "ssh-keyscan"),
		configFile: cfg.SSHConfigFile,
		prompt:     cfg.DefaultPrompt,
		timeout:    time.Duration(cfg.ExpectTimeoutSeconds) * time.Second,
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Session is an interactive ssh connection driven through the expect
// engine. The embedded Expect exposes the full dialogue API.
type Session struct {
	*expect.Expect
	proc *proc.Process
	host string
}

// Host returns the remote host this session is connected to.
func (s *Session) Host() string { return s.host }

// Process returns the underlying ssh child process.
func (s *Session) Process() *proc.Process { return s.proc }

// Exit requests a clean disconnect using the ssh escape sequence, then
// closes the session.
func (s *Session) Exit() error {
	s.Send("\r~.\r") //nolint:errcheck // a dead transport is fine, Close settles it
	return s.Close()
}

// Login drives the authentication dialogue. A changed host key aborts
// with ErrRetry; a password prompt answers with the given password; a
// second prompt or a rejection notice after the password was sent is an
// authentication failure. With no password configured, a quiet
// connection is presumed key-authenticated.
func (s *Session) Login(password string) error {
	patterns := []expect.Pattern{
		{Text: "WARNING:", Kind: expect.Exact},
		{Text: "assword:", Kind: expect.Exact},
		{Text: "try again", Kind: expect.Exact},
	}
	sent := false
	for {
		m, err := s.Expect.Expect(patterns, loginTimeout)
		if err != nil {
			if errors.Is(err, expect.ErrTimeout) && (password == "" || sent) {
				// No prompt appeared: key auth, or the password was
				// accepted without further chatter.
				return nil
			}
			return fmt.Errorf("sshcli: login: %w", err)
		}
		switch m.Index {
		case 0:
			return ErrRetry
		case 1:
			if sent {
				return fmt.Errorf("sshcli: login: password rejected")
			}
			if err := s.Send(password + "\r"); err != nil {
				return fmt.Errorf("sshcli: login: %w", err)
			}
			sent = true
		case 2:
			if sent {
				return fmt.Errorf("sshcli: login: authentication failed")
			}
		}
	}
}

// sshArgs assembles the common ssh argument prefix.
func (c *Client) sshArgs(host string, opts Options) string {
	var b strings.Builder
	b.WriteString(c.ssh)
	if c.configFile != "" {
		fmt.Fprintf(&b, " -F %s", c.configFile)
	}
	if opts.Port > 0 {
		fmt.Fprintf(&b, " -p %d", opts.Port)
	}
	if opts.User != "" {
		fmt.Fprintf(&b, " -l %s", opts.User)
	}
	b.WriteString(" " + host)
	return b.String()
}

// Dial connects to host over a pty and authenticates. The returned
// session is synchronized on nothing; callers typically follow with
// WaitForPrompt.
func (c *Client) Dial(host string, opts Options) (*Session, error) {
	p, err := c.mgr.SpawnPty(c.sshArgs(host, opts))
	if err != nil {
		return nil, fmt.Errorf("sshcli: dial %s: %w", host, err)
	}

	eopts := []expect.Option{
		expect.WithPrompt(orDefault(opts.Prompt, c.prompt)),
	}
	if opts.Timeout > 0 {
		eopts = append(eopts, expect.WithTimeout(opts.Timeout))
	} else if c.timeout > 0 {
		eopts = append(eopts, expect.WithTimeout(c.timeout))
	}
	if opts.Transcript != nil {
		eopts = append(eopts, expect.WithLog(opts.Transcript))
	}

	sess := &Session{
		Expect: expect.New(p, c.sched, eopts...),
		proc:   p,
		host:   host,
	}
	if err := sess.Login(opts.Password); err != nil {
		sess.Close() //nolint:errcheck
		return nil, err
	}
	log.Info("ssh session established", "host", host, logging.KeyPID, p.Pid())
	return sess, nil
}

// DialUnsafe connects like Dial, but when the host key has changed it
// drops the stale known_hosts entry and retries once. Only for targets
// whose keys legitimately churn, such as lab machines reinstalled in
// place.
func (c *Client) DialUnsafe(host string, opts Options) (*Session, error) {
	sess, err := c.Dial(host, opts)
	if !errors.Is(err, ErrRetry) {
		return sess, err
	}

	kh, lerr := LoadKnownHosts("")
	if lerr != nil {
		return nil, fmt.Errorf("sshcli: dial %s: %w", host, lerr)
	}
	if removed := kh.Remove(host); removed > 0 {
		if serr := kh.Save(); serr != nil {
			return nil, fmt.Errorf("sshcli: dial %s: %w", host, serr)
		}
		log.Warn("dropped stale host key", "host", host, "entries", removed)
	}
	return c.Dial(host, opts)
}

// Command runs one remote command non-interactively and returns its
// output. The remote exit status is the local ssh exit status.
func (c *Client) Command(host, command string, opts Options) (string, error) {
	cmdline := c.sshArgs(host, opts) + " " + command
	p, err := c.mgr.SpawnPipe(cmdline)
	if err != nil {
		return "", fmt.Errorf("sshcli: command on %s: %w", host, err)
	}
	defer p.Close()

	// Drain before reaping. The child blocks writing once the kernel
	// pipe buffer fills, so waiting first wedges both sides.
	out, rerr := p.ReadAll()
	st, err := c.mgr.WaitProc(p)
	if err != nil {
		return string(out), err
	}
	if rerr != nil {
		return string(out), rerr
	}
	if !st.Success() {
		return string(out), fmt.Errorf("sshcli: command on %s: %s", host, st)
	}
	return string(out), nil
}

// Scp copies between locations with scp. Remote ends may need a
// password, so the transfer runs under a pty and answers prompts the
// way Login does.
func (c *Client) Scp(src, dst Location, opts Options) error {
	var b strings.Builder
	b.WriteString(c.scp)
	b.WriteString(" -q")
	if c.configFile != "" {
		fmt.Fprintf(&b, " -F %s", c.configFile)
	}
	if opts.Port > 0 {
		fmt.Fprintf(&b, " -P %d", opts.Port)
	}
	fmt.Fprintf(&b, " %s %s", src, dst)

	p, err := c.mgr.SpawnPty(b.String())
	if err != nil {
		return fmt.Errorf("sshcli: scp: %w", err)
	}
	sess := &Session{Expect: expect.New(p, c.sched), proc: p}
	defer sess.Close()

	if err := sess.Login(opts.Password); err != nil {
		return fmt.Errorf("sshcli: scp: %w", err)
	}
	p.ReadAll() //nolint:errcheck // drain progress chatter so the child never blocks writing
	st, err := c.mgr.WaitProc(p)
	if err != nil {
		return err
	}
	if !st.Success() {
		return fmt.Errorf("sshcli: scp: %s", st)
	}
	return nil
}

// Keygen generates a key pair non-interactively.
func (c *Client) Keygen(keyType, file, comment, passphrase string) error {
	cmdline := fmt.Sprintf("%s -q -t %s -f %s -C %q -N %q",
		c.keygen, keyType, file, comment, passphrase)
	p, err := c.mgr.SpawnPipe(cmdline)
	if err != nil {
		return fmt.Errorf("sshcli: keygen: %w", err)
	}
	defer p.Close()

	out, _ := p.ReadAll()
	st, err := c.mgr.WaitProc(p)
	if err != nil {
		return err
	}
	if !st.Success() {
		return fmt.Errorf("sshcli: keygen: %s: %s", st, strings.TrimSpace(string(out)))
	}
	return nil
}

// Keyscan fetches host keys of the given type from one host.
func (c *Client) Keyscan(host, keyType string) ([]PublicKey, error) {
	cmdline := fmt.Sprintf("%s -t %s %s", c.keyscan, keyType, host)
	p, err := c.mgr.SpawnPipe(cmdline, proc.WithSplitStderr())
	if err != nil {
		return nil, fmt.Errorf("sshcli: keyscan %s: %w", host, err)
	}
	defer p.Close()

	out, rerr := p.ReadAll()
	st, err := c.mgr.WaitProc(p)
	if err != nil {
		return nil, err
	}
	if rerr != nil {
		return nil, rerr
	}
	keys := ParseKeyscan(out)
	if !st.Success() && len(keys) == 0 {
		return nil, fmt.Errorf("sshcli: keyscan %s: %s", host, st)
	}
	return keys, nil
}

// KeyscanAll scans many hosts in parallel through a bounded worker
// pool. The result maps each host to its keys; hosts that failed are
// reported in errs and absent from the map.
func (c *Client) KeyscanAll(keyType string, hosts []string) (map[string][]PublicKey, map[string]error) {
	const maxParallel = 8
	workers := len(hosts)
	if workers > maxParallel {
		workers = maxParallel
	}
	pool := workerpool.New(workers, len(hosts))

	var mu sync.Mutex
	keys := make(map[string][]PublicKey)
	errs := make(map[string]error)

	for _, host := range hosts {
		host := host
		pool.Submit(func() {
			k, err := c.Keyscan(host, keyType)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[host] = err
				return
			}
			keys[host] = k
		})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	pool.Shutdown(ctx)
	return keys, errs
}

// Version returns the local OpenSSH version banner.
func (c *Client) Version() (string, error) {
	p, err := c.mgr.SpawnPipe(c.ssh + " -V")
	if err != nil {
		return "", fmt.Errorf("sshcli: version: %w", err)
	}
	defer p.Close()

	out, rerr := p.ReadAll()
	if _, err := c.mgr.WaitProc(p); err != nil {
		return "", err
	}
	if rerr != nil {
		return "", rerr
	}
	return strings.TrimSpace(string(out)), nil
}

// Procs returns the ssh child processes currently managed.
func (c *Client) Procs() []*proc.Process {
	base := c.ssh
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	return c.mgr.ByName(base)
}

// CheckTools verifies the configured OpenSSH binaries are present.
func (c *Client) CheckTools() error {
	for _, tool := range []string{c.ssh, c.scp, c.keygen, c.keyscan} {
		if _, err := exec.LookPath(tool); err != nil {
			return fmt.Errorf("sshcli: %w", err)
		}
	}
	return nil
}

// Location names a file endpoint for scp: a local path, or a path on a
// remote host as a user.
type Location struct {
	Host string
	User string
	Path string
}

// Local returns a location on this machine.
func Local(path string) Location {
	return Location{Path: path}
}

// Remote returns a location on another host.
func Remote(host, user, path string) Location {
	return Location{Host: host, User: user, Path: path}
}

// String renders the scp argument form: path, host:path, or
// user@host:path.
func (l Location) String() string {
	if l.Host == "" {
		return l.Path
	}
	if l.User == "" {
		return l.Host + ":" + l.Path
	}
	return l.User + "@" + l.Host + ":" + l.Path
}
