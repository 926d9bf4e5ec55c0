// Package gcode parses the G-code lines that pass through the host:
// enough to read command names and word arguments, nothing more.
package gcode

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Command is one parsed line.
type Command struct {
	Name string
	Args map[string]string
	Raw  string
}

var reParenComment = regexp.MustCompile(`\([^)]*\)`)

// StripComment removes ";" and "(...)" comments and surrounding space.
func StripComment(line string) string {
	ln := line
	if idx := strings.IndexByte(ln, ';'); idx >= 0 {
		ln = ln[:idx]
	}
	if strings.IndexByte(ln, '(') >= 0 {
		ln = reParenComment.ReplaceAllString(ln, " ")
	}
	return strings.TrimSpace(ln)
}

// Parse splits line into a command name and its arguments. It returns
// nil for blank or comment-only lines. Both "X10" words and "KEY=value"
// extended parameters are accepted; a bare letter maps to "".
func Parse(line string) *Command {
	ln := StripComment(line)
	if ln == "" {
		return nil
	}
	fields := strings.Fields(ln)

	name := strings.ToUpper(fields[0])
	args := map[string]string{}
	for _, f := range fields[1:] {
		if strings.Contains(f, "=") {
			kv := strings.SplitN(f, "=", 2)
			k := strings.ToUpper(strings.TrimSpace(kv[0]))
			if k != "" {
				args[k] = strings.TrimSpace(kv[1])
			}
			continue
		}
		if len(f) == 1 {
			args[strings.ToUpper(f)] = ""
			continue
		}
		args[strings.ToUpper(f[:1])] = strings.TrimSpace(f[1:])
	}
	return &Command{Name: name, Args: args, Raw: line}
}

// Has reports whether the argument is present.
func (c *Command) Has(key string) bool {
	_, ok := c.Args[strings.ToUpper(key)]
	return ok
}

// Float returns the argument as a number. ok is false when it is absent.
func (c *Command) Float(key string) (v float64, ok bool, err error) {
	raw, present := c.Args[strings.ToUpper(key)]
	if !present {
		return 0, false, nil
	}
	if raw == "" {
		return 0, true, fmt.Errorf("empty arg %s", key)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, true, fmt.Errorf("bad float %s=%q", key, raw)
	}
	return f, true, nil
}

// FloatOr returns the argument or def when it is absent or malformed.
func (c *Command) FloatOr(key string, def float64) float64 {
	v, ok, err := c.Float(key)
	if !ok || err != nil {
		return def
	}
	return v
}

// Tool returns n for a "T<n>" command.
func (c *Command) Tool() (int, bool) {
	if len(c.Name) < 2 || c.Name[0] != 'T' {
		return 0, false
	}
	n, err := strconv.Atoi(c.Name[1:])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
