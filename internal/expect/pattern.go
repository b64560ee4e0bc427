package expect

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind selects how a pattern's text is matched against the stream.
type Kind int

const (
	// Exact matches the text as a literal substring.
	Exact Kind = iota
	// Glob matches shell-style wildcards (* ? [...]) anywhere in the
	// stream.
	Glob
	// Regex matches a regular expression.
	Regex
)

// Pattern is one thing to wait for. An optional Callback runs when the
// pattern is the one that matched.
type Pattern struct {
	Text     string
	Kind     Kind
	Callback func(*Match)
}

// Match describes a successful pattern hit.
type Match struct {
	// Index is the position of the winning pattern in the list given to
	// Expect.
	Index int
	// Text is the matched region itself.
	Text string
	// Before is everything read ahead of the match.
	Before string
}

type compiled struct {
	lit      string
	re       *regexp.Regexp
	callback func(*Match)
}

// search finds the earliest occurrence in buf, returning the match
// bounds.
func (c *compiled) search(buf []byte) (start, end int, ok bool) {
	if c.re != nil {
		loc := c.re.FindIndex(buf)
		if loc == nil {
			return 0, 0, false
		}
		return loc[0], loc[1], true
	}
	i := strings.Index(string(buf), c.lit)
	if i < 0 {
		return 0, 0, false
	}
	return i, i + len(c.lit), true
}

type cacheKey struct {
	text string
	kind Kind
}

func compile(p Pattern) (*compiled, error) {
	c := &compiled{callback: p.Callback}
	switch p.Kind {
	case Exact:
		c.lit = p.Text
	case Glob:
		re, err := regexp.Compile(globToRegexp(p.Text))
		if err != nil {
			return nil, fmt.Errorf("expect: bad glob %q: %w", p.Text, err)
		}
		c.re = re
	case Regex:
		re, err := regexp.Compile(p.Text)
		if err != nil {
			return nil, fmt.Errorf("expect: bad pattern %q: %w", p.Text, err)
		}
		c.re = re
	default:
		return nil, fmt.Errorf("expect: unknown pattern kind %d", p.Kind)
	}
	return c, nil
}

// globToRegexp translates a shell glob into an unanchored regular
// expression. Unlike filename matching, the glob may land anywhere in
// the stream, and * must not run across line boundaries.
func globToRegexp(glob string) string {
	var b strings.Builder
	inClass := false
	for i := 0; i < len(glob); i++ {
		ch := glob[i]
		if inClass {
			if ch == ']' {
				inClass = false
			}
			b.WriteByte(ch)
			continue
		}
		switch ch {
		case '*':
			b.WriteString(`[^\n]*`)
		case '?':
			b.WriteString(`[^\n]`)
		case '[':
			inClass = true
			b.WriteByte('[')
			if i+1 < len(glob) && glob[i+1] == '!' {
				b.WriteByte('^')
				i++
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	if inClass {
		// Unterminated class; treat the bracket literally.
		s := b.String()
		if j := strings.LastIndexByte(s, '['); j >= 0 {
			s = s[:j] + `\[` + s[j+1:]
		}
		return s
	}
	return b.String()
}
