package proc

import (
	"fmt"
	"strings"
)

// SplitCommandLine splits a command line into argv, honoring single
// quotes, double quotes, and backslash escapes outside single quotes.
func SplitCommandLine(s string) ([]string, error) {
	var argv []string
	var cur strings.Builder
	inWord := false

	const (
		stateBare = iota
		stateSingle
		stateDouble
	)
	state := stateBare
	escaped := false

	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case state == stateSingle:
			if r == '\'' {
				state = stateBare
			} else {
				cur.WriteRune(r)
			}
		case r == '\\':
			escaped = true
			inWord = true
		case state == stateDouble:
			if r == '"' {
				state = stateBare
			} else {
				cur.WriteRune(r)
			}
		case r == '\'':
			state = stateSingle
			inWord = true
		case r == '"':
			state = stateDouble
			inWord = true
		case r == ' ' || r == '\t' || r == '\n':
			if inWord {
				argv = append(argv, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}

	if escaped {
		return nil, fmt.Errorf("trailing backslash in command line")
	}
	if state != stateBare {
		return nil, fmt.Errorf("unterminated quote in command line")
	}
	if inWord {
		argv = append(argv, cur.String())
	}
	return argv, nil
}
