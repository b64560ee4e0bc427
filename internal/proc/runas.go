package proc

import (
	"fmt"
	"os/exec"
)

// configureRunAs rewrites the command to run as another OS user via a
// non-interactive sudo. Requires a matching sudoers entry; sudo must
// never be allowed to prompt here since stdin belongs to the
// automation session.
func configureRunAs(cmd *exec.Cmd, runAs string) error {
	if runAs == "" {
		return nil
	}

	sudo, err := exec.LookPath("sudo")
	if err != nil {
		return fmt.Errorf("proc: runAs %q: %w", runAs, err)
	}

	target, err := exec.LookPath(cmd.Args[0])
	if err != nil {
		return fmt.Errorf("proc: runAs %q: %w", runAs, err)
	}

	args := append([]string{"sudo", "-n", "-u", runAs, target}, cmd.Args[1:]...)
	cmd.Path = sudo
	cmd.Args = args
	return nil
}
