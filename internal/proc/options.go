package proc

import "io"

// DeathFunc is invoked exactly once when a managed process is reaped.
type DeathFunc func(*Process)

type spawnOptions struct {
	env        []string
	dir        string
	merge      bool
	runAs      string
	persistent bool
	callback   DeathFunc
	log        io.Writer
}

func defaultSpawnOptions() spawnOptions {
	return spawnOptions{merge: true}
}

// Option configures a spawn call.
type Option func(*spawnOptions)

// withOptions replays a previously captured option set, used when
// cloning a dead persistent process.
func withOptions(opts spawnOptions) Option {
	return func(o *spawnOptions) { *o = opts }
}

// WithEnv sets the child's environment (replacing the inherited one).
func WithEnv(env []string) Option {
	return func(o *spawnOptions) { o.env = env }
}

// WithDir sets the child's working directory.
func WithDir(dir string) Option {
	return func(o *spawnOptions) { o.dir = dir }
}

// WithSplitStderr keeps stderr on its own channel instead of merging it
// into stdout. Only meaningful for pipe spawns; a pty always merges.
func WithSplitStderr() Option {
	return func(o *spawnOptions) { o.merge = false }
}

// WithRunAs runs the child as another OS user via sudo.
func WithRunAs(user string) Option {
	return func(o *spawnOptions) { o.runAs = user }
}

// WithPersistent marks the process for the automatic respawn policy:
// abnormal death schedules a restart, a clean exit or an exec failure
// does not.
func WithPersistent() Option {
	return func(o *spawnOptions) { o.persistent = true }
}

// WithCallback sets the death callback.
func WithCallback(fn DeathFunc) Option {
	return func(o *spawnOptions) { o.callback = fn }
}

// WithLog attaches a sink that receives a copy of everything read from
// the child.
func WithLog(w io.Writer) Option {
	return func(o *spawnOptions) { o.log = w }
}
