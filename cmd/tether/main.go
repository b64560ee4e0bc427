package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tetherops/tether/internal/config"
	"github.com/tetherops/tether/internal/expect"
	"github.com/tetherops/tether/internal/logging"
	"github.com/tetherops/tether/internal/proc"
	"github.com/tetherops/tether/internal/sched"
	"github.com/tetherops/tether/internal/sshcli"
)

var (
	version = "0.1.0"
	cfgFile string

	usePty     bool
	persistent bool
	transcript bool
	sshUser    string
	sshPort    int
	sshPass    string
	scriptFile string
)

var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Tether process and terminal automation",
	Long:  `Tether drives child processes and remote terminals: spawn commands over pipes or ptys, script interactive dialogues, and automate ssh sessions.`,
}

var runCmd = &cobra.Command{
	Use:   "run [command...]",
	Short: "Spawn a command and stream its output",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runCommand(joinArgs(args))
	},
}

var sshCmd = &cobra.Command{
	Use:   "ssh [host]",
	Short: "Open an interactive ssh session",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runSSH(args[0])
	},
}

var scriptCmd = &cobra.Command{
	Use:   "script [command...]",
	Short: "Run a YAML expect script against a command",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runScript(joinArgs(args))
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tether v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.config/tether/tether.yaml)")

	runCmd.Flags().BoolVar(&usePty, "pty", false, "run under a pseudo-terminal")
	runCmd.Flags().BoolVar(&persistent, "persistent", false, "respawn on abnormal death")

	sshCmd.Flags().StringVarP(&sshUser, "login", "l", "", "remote user")
	sshCmd.Flags().IntVarP(&sshPort, "port", "p", 0, "remote port")
	sshCmd.Flags().StringVar(&sshPass, "password", "", "password (prompted when empty and needed)")
	sshCmd.Flags().BoolVar(&transcript, "transcript", false, "record the session transcript")

	scriptCmd.Flags().StringVarP(&scriptFile, "file", "f", "", "script file (required)")
	scriptCmd.Flags().BoolVar(&usePty, "pty", true, "run the target under a pseudo-terminal")
	scriptCmd.MarkFlagRequired("file") //nolint:errcheck

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sshCmd)
	rootCmd.AddCommand(scriptCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	// A re-exec'ed coprocess must dispatch before any CLI setup runs.
	proc.MaybeRunEntry()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}

// setup loads config, initializes logging, and builds the scheduler and
// process manager every command shares.
func setup() (*config.Config, *sched.Scheduler, *proc.Manager) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)
	cfg.Validate()

	s := sched.New(cfg.TimerSlots)
	m := proc.NewManager(s)
	m.SetRespawnDelay(time.Duration(cfg.RespawnDelaySeconds) * time.Second)
	return cfg, s, m
}

func runCommand(cmdline string) {
	_, s, m := setup()
	defer s.Stop()

	spawn := m.Spawn
	if usePty {
		spawn = m.SpawnPty
	}
	var opts []proc.Option
	if persistent {
		opts = append(opts, proc.WithPersistent())
	}

	p, err := spawn(cmdline, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spawn: %v\n", err)
		os.Exit(1)
	}

	// Forward local interrupts to the child instead of dying with it.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sigChan {
			p.Interrupt() //nolint:errcheck
		}
	}()

	go func() {
		for {
			line, err := p.ReadLine()
			if err != nil {
				return
			}
			os.Stdout.Write(line) //nolint:errcheck
		}
	}()

	st, err := m.WaitProc(p)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wait: %v\n", err)
		os.Exit(1)
	}
	// Give the output pump a moment to drain the tail.
	time.Sleep(50 * time.Millisecond)
	if !st.Success() {
		fmt.Fprintln(os.Stderr, st)
		os.Exit(st.Code)
	}
}

func runSSH(host string) {
	cfg, s, m := setup()
	defer s.Stop()
	defer m.Shutdown()

	client := sshcli.NewClient(m, s, cfg)
	opts := sshcli.Options{
		User:     sshUser,
		Port:     sshPort,
		Password: sshPass,
	}

	var transcriptPath string
	if transcript {
		if err := os.MkdirAll(cfg.TranscriptDir, 0o700); err != nil {
			fmt.Fprintf(os.Stderr, "transcript dir: %v\n", err)
			os.Exit(1)
		}
		transcriptPath = filepath.Join(cfg.TranscriptDir, uuid.NewString()+".log")
	}

	sess, err := client.Dial(host, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ssh %s: %v\n", host, err)
		os.Exit(1)
	}
	defer sess.Close()

	if transcriptPath != "" {
		if err := sess.OpenLog(transcriptPath); err != nil {
			fmt.Fprintf(os.Stderr, "transcript: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "transcript: %s\n", transcriptPath)
		}
	}

	interact(sess.Process())
}

// interact couples the local terminal to the remote session in raw
// mode until either side closes.
func interact(p *proc.Process) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "raw mode: %v\n", err)
			os.Exit(1)
		}
		defer term.Restore(fd, state) //nolint:errcheck

		if cols, rows, err := term.GetSize(fd); err == nil {
			p.SetWinsize(uint16(cols), uint16(rows)) //nolint:errcheck
		}
	}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if _, werr := p.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		data, err := p.ReadN(4096)
		if len(data) > 0 {
			os.Stdout.Write(data) //nolint:errcheck
		}
		if err != nil {
			return
		}
	}
}

func runScript(cmdline string) {
	cfg, s, m := setup()
	defer s.Stop()
	defer m.Shutdown()

	script, err := expect.LoadScript(scriptFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	spawn := m.Spawn
	if usePty {
		spawn = m.SpawnPty
	}
	p, err := spawn(cmdline)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spawn: %v\n", err)
		os.Exit(1)
	}

	e := expect.New(p, s,
		expect.WithPrompt(cfg.DefaultPrompt),
		expect.WithTimeout(time.Duration(cfg.ExpectTimeoutSeconds)*time.Second),
	)
	e.SetLog(os.Stdout)
	defer e.Close()

	if err := e.RunScript(script); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
