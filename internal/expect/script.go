package expect

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Step is one exchange in a scripted dialogue: optionally wait for a
// pattern, then send a response, then optionally pause.
type Step struct {
	// Expect is the pattern to wait for before acting. Empty means act
	// immediately.
	Expect string `yaml:"expect,omitempty"`

	// Kind selects the pattern type: exact (default), glob, or regex.
	Kind string `yaml:"kind,omitempty"`

	// Send is written to the stream after the pattern matches. A
	// trailing newline is not implied; scripts spell out "\r" or "\n".
	Send string `yaml:"send,omitempty"`

	// SendFile streams the named file instead of a literal string.
	SendFile string `yaml:"sendfile,omitempty"`

	// SleepSeconds pauses after sending.
	SleepSeconds float64 `yaml:"sleep,omitempty"`

	// TimeoutSeconds overrides the script deadline for this step.
	TimeoutSeconds float64 `yaml:"timeout,omitempty"`
}

// Script is a sequence of expect/send steps with a shared prompt and
// deadline.
type Script struct {
	Prompt         string  `yaml:"prompt,omitempty"`
	TimeoutSeconds float64 `yaml:"timeout,omitempty"`
	Steps          []Step  `yaml:"steps"`
}

// LoadScript reads a script from a YAML file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("expect: read script: %w", err)
	}
	return ParseScript(data)
}

// ParseScript decodes a YAML script.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("expect: parse script: %w", err)
	}
	if len(s.Steps) == 0 {
		return nil, fmt.Errorf("expect: script has no steps")
	}
	for i, step := range s.Steps {
		switch step.Kind {
		case "", "exact", "glob", "regex":
		default:
			return nil, fmt.Errorf("expect: step %d: unknown pattern kind %q", i+1, step.Kind)
		}
		if step.Send != "" && step.SendFile != "" {
			return nil, fmt.Errorf("expect: step %d: send and sendfile are mutually exclusive", i+1)
		}
	}
	return &s, nil
}

func stepKind(kind string) Kind {
	switch kind {
	case "glob":
		return Glob
	case "regex":
		return Regex
	default:
		return Exact
	}
}

// RunScript plays the script against the session: each step waits for
// its pattern, sends its response, and pauses, in order. The script's
// prompt and timeout override the session's for the duration of the
// run.
func (e *Expect) RunScript(s *Script) error {
	if s.Prompt != "" {
		e.SetPrompt(s.Prompt)
	}
	deadline := e.timeout
	if s.TimeoutSeconds > 0 {
		deadline = time.Duration(s.TimeoutSeconds * float64(time.Second))
	}

	for i, step := range s.Steps {
		stepTimeout := deadline
		if step.TimeoutSeconds > 0 {
			stepTimeout = time.Duration(step.TimeoutSeconds * float64(time.Second))
		}

		if step.Expect != "" {
			p := Pattern{Text: step.Expect, Kind: stepKind(step.Kind)}
			if _, err := e.Expect([]Pattern{p}, stepTimeout); err != nil {
				return fmt.Errorf("expect: step %d (%q): %w", i+1, step.Expect, err)
			}
		}
		if step.Send != "" {
			if err := e.Send(step.Send); err != nil {
				return fmt.Errorf("expect: step %d: send: %w", i+1, err)
			}
		}
		if step.SendFile != "" {
			if err := e.SendFile(step.SendFile, false, stepTimeout); err != nil {
				return fmt.Errorf("expect: step %d: %w", i+1, err)
			}
		}
		if step.SleepSeconds > 0 {
			e.sched.Sleep(time.Duration(step.SleepSeconds * float64(time.Second)))
		}
	}
	return nil
}
