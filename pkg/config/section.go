package config

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Section holds one "[name]" block. Option names are case-insensitive.
type Section struct {
	name string

	mu       sync.RWMutex
	options  map[string]string
	accessed map[string]struct{}
}

func newSection(name string) *Section {
	return &Section{
		name:     name,
		options:  make(map[string]string),
		accessed: make(map[string]struct{}),
	}
}

// Name returns the section name.
func (s *Section) Name() string {
	return s.name
}

func (s *Section) set(option, value string) {
	s.mu.Lock()
	s.options[strings.ToLower(option)] = value
	s.mu.Unlock()
}

// lookup returns the raw value and marks the option as read.
func (s *Section) lookup(option string) (string, bool) {
	key := strings.ToLower(option)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessed[key] = struct{}{}
	v, ok := s.options[key]
	return v, ok
}

func (s *Section) unused() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for opt := range s.options {
		if _, ok := s.accessed[opt]; !ok {
			out = append(out, opt)
		}
	}
	sort.Strings(out)
	return out
}

// HasOption reports whether option is set.
func (s *Section) HasOption(option string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

// Options returns a copy of the raw option map.
func (s *Section) Options() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.options))
	for k, v := range s.options {
		out[k] = v
	}
	return out
}

// get is the shared lookup: parse the value when present, else use the
// fallback, else fail as missing.
func get[T any](s *Section, option string, parse func(string) (T, bool), expected string, fallback []T) (T, error) {
	var zero T
	if raw, ok := s.lookup(option); ok {
		v, ok := parse(strings.TrimSpace(raw))
		if !ok {
			return zero, ErrInvalidValue(s.name, option, raw, expected)
		}
		return v, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return zero, ErrMissingOption(s.name, option)
}

// Get returns a string option.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	return get(s, option, func(v string) (string, bool) { return v, true }, "string", fallback)
}

// GetInt returns an integer option.
func (s *Section) GetInt(option string, fallback ...int) (int, error) {
	return get(s, option, func(v string) (int, bool) {
		i, err := strconv.Atoi(v)
		return i, err == nil
	}, "integer", fallback)
}

// GetFloat returns a float option.
func (s *Section) GetFloat(option string, fallback ...float64) (float64, error) {
	return get(s, option, func(v string) (float64, bool) {
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}, "float", fallback)
}

// GetBool accepts 1/true/yes/on and 0/false/no/off.
func (s *Section) GetBool(option string, fallback ...bool) (bool, error) {
	return get(s, option, func(v string) (bool, bool) {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true, true
		case "0", "false", "no", "off":
			return false, true
		}
		return false, false
	}, "boolean (true/false/yes/no/on/off/1/0)", fallback)
}

// GetDuration accepts Go durations ("200ms", "5m") or a bare number of
// milliseconds.
func (s *Section) GetDuration(option string, fallback ...time.Duration) (time.Duration, error) {
	return get(s, option, func(v string) (time.Duration, bool) {
		if ms, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(ms * float64(time.Millisecond)), true
		}
		d, err := time.ParseDuration(v)
		return d, err == nil
	}, "duration", fallback)
}

// FloatBounds limits GetFloatWithBounds. Nil fields are unchecked.
type FloatBounds struct {
	MinVal *float64
	MaxVal *float64
	Above  *float64
}

// Min is shorthand for a FloatBounds lower limit.
func Min(v float64) *float64 { return &v }

// GetFloatWithBounds returns a float option and checks it against bounds.
func (s *Section) GetFloatWithBounds(option string, bounds FloatBounds, fallback ...float64) (float64, error) {
	v, err := s.GetFloat(option, fallback...)
	if err != nil {
		return 0, err
	}
	format := func(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
	switch {
	case bounds.MinVal != nil && v < *bounds.MinVal:
		return 0, ErrOutOfRange(s.name, option, v, "must have minimum of "+format(*bounds.MinVal))
	case bounds.MaxVal != nil && v > *bounds.MaxVal:
		return 0, ErrOutOfRange(s.name, option, v, "must have maximum of "+format(*bounds.MaxVal))
	case bounds.Above != nil && v <= *bounds.Above:
		return 0, ErrOutOfRange(s.name, option, v, "must be above "+format(*bounds.Above))
	}
	return v, nil
}

// GetIntMin returns an integer option that must be at least minVal.
func (s *Section) GetIntMin(option string, minVal int, fallback ...int) (int, error) {
	v, err := s.GetInt(option, fallback...)
	if err != nil {
		return 0, err
	}
	if v < minVal {
		return 0, ErrOutOfRange(s.name, option, float64(v), "must have minimum of "+strconv.Itoa(minVal))
	}
	return v, nil
}

// GetChoice returns the canonical spelling of one of choices.
func (s *Section) GetChoice(option string, choices []string, fallback ...string) (string, error) {
	v, err := s.Get(option, fallback...)
	if err != nil {
		return "", err
	}
	for _, c := range choices {
		if strings.EqualFold(v, c) {
			return c, nil
		}
	}
	return "", ErrInvalidChoice(s.name, option, v, choices)
}

// GetList splits an option on sep, dropping empty items.
func (s *Section) GetList(option, sep string, fallback ...[]string) ([]string, error) {
	return get(s, option, func(v string) ([]string, bool) {
		out := []string{}
		for _, p := range strings.Split(v, sep) {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, true
	}, "list", fallback)
}
