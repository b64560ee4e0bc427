package config

import (
	"fmt"
	"log/slog"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate checks the config for invalid values and returns all errors
// found. Dangerous zero-values are clamped to safe defaults; other
// validation errors are logged as warnings but do not prevent startup.
func (c *Config) Validate() []error {
	var errs []error

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.ExpectTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("expect_timeout_seconds %d is below minimum 1, clamping", c.ExpectTimeoutSeconds))
		c.ExpectTimeoutSeconds = 1
	} else if c.ExpectTimeoutSeconds > 86400 {
		errs = append(errs, fmt.Errorf("expect_timeout_seconds %d exceeds maximum 86400, clamping", c.ExpectTimeoutSeconds))
		c.ExpectTimeoutSeconds = 86400
	}

	if c.RespawnDelaySeconds < 1 {
		errs = append(errs, fmt.Errorf("respawn_delay_seconds %d is below minimum 1, clamping", c.RespawnDelaySeconds))
		c.RespawnDelaySeconds = 1
	} else if c.RespawnDelaySeconds > 300 {
		errs = append(errs, fmt.Errorf("respawn_delay_seconds %d exceeds maximum 300, clamping", c.RespawnDelaySeconds))
		c.RespawnDelaySeconds = 300
	}

	if c.TimerSlots < 1 {
		errs = append(errs, fmt.Errorf("timer_slots %d is below minimum 1, clamping", c.TimerSlots))
		c.TimerSlots = 1
	} else if c.TimerSlots > 1024 {
		errs = append(errs, fmt.Errorf("timer_slots %d exceeds maximum 1024, clamping", c.TimerSlots))
		c.TimerSlots = 1024
	}

	if c.DefaultPrompt == "" {
		errs = append(errs, fmt.Errorf("default_prompt is empty, using %q", "$"))
		c.DefaultPrompt = "$"
	}

	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}
