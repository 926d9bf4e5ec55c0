package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Config is a parsed settings file. Sections keep file order.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string
}

// New creates an empty Config.
func New() *Config {
	return &Config{sections: make(map[string]*Section)}
}

// Load reads path. "[include other.cfg]" headers pull in further files,
// relative to the including file; glob patterns are allowed.
func Load(path string) (*Config, error) {
	c := New()
	p := &parser{cfg: c, visited: make(map[string]bool)}
	if err := p.file(path); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadString parses data. Include headers are rejected.
func LoadString(data string) (*Config, error) {
	c := New()
	p := &parser{cfg: c}
	if err := p.parse(strings.NewReader(data), "", "<string>"); err != nil {
		return nil, err
	}
	return c, nil
}

type parser struct {
	cfg     *Config
	visited map[string]bool
}

func (p *parser) file(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: invalid path %s: %w", path, err)
	}
	if p.visited[abs] {
		return fmt.Errorf("config: recursive include: %s", path)
	}
	p.visited[abs] = true
	defer func() { p.visited[abs] = false }()

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("config: unable to open %s: %w", path, err)
	}
	defer f.Close()
	return p.parse(f, filepath.Dir(abs), path)
}

func (p *parser) include(dir, spec, origin string, lineNum int) error {
	if dir == "" {
		return fmt.Errorf("config: include not allowed at line %d in %s", lineNum, origin)
	}
	if spec == "" {
		return fmt.Errorf("config: empty include at line %d in %s", lineNum, origin)
	}
	pattern := filepath.Join(dir, spec)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("config: invalid include pattern %q: %w", spec, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
		return fmt.Errorf("config: include file does not exist: %s", pattern)
	}
	sort.Strings(matches)
	for _, m := range matches {
		if err := p.file(m); err != nil {
			return err
		}
	}
	return nil
}

// parse reads "[section]" headers and "key: value" or "key = value"
// options. "#" and ";" start comments.
func (p *parser) parse(r io.Reader, dir, origin string) error {
	section := ""
	scanner := bufio.NewScanner(r)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := strings.TrimSpace(scanner.Text())
		if idx := strings.IndexAny(line, "#;"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			header := strings.TrimSpace(line[1 : len(line)-1])
			switch {
			case header == "":
				return fmt.Errorf("config: empty section header at line %d in %s", lineNum, origin)
			case strings.HasPrefix(header, "include "):
				if err := p.include(dir, strings.TrimSpace(header[len("include "):]), origin, lineNum); err != nil {
					return err
				}
				section = ""
			default:
				section = header
				p.cfg.section(section)
			}
			continue
		}

		if section == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			key, value, ok = strings.Cut(line, "=")
		}
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		p.cfg.set(section, key, strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("config: error reading %s: %w", origin, err)
	}
	return nil
}

// section returns the named section, creating it.
func (c *Config) section(name string) *Section {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sec, ok := c.sections[name]; ok {
		return sec
	}
	sec := newSection(name)
	c.sections[name] = sec
	c.order = append(c.order, name)
	return sec
}

func (c *Config) set(section, option, value string) {
	c.section(section).set(option, value)
}

// Section returns the named section. A missing section yields an empty
// one, so every getter falls back to its default.
func (c *Config) Section(name string) *Section {
	c.mu.RLock()
	sec, ok := c.sections[name]
	c.mu.RUnlock()
	if ok {
		return sec
	}
	return newSection(name)
}

// GetSection returns the named section or an error when it is absent.
func (c *Config) GetSection(name string) (*Section, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sec, ok := c.sections[name]
	if !ok {
		return nil, ErrMissingSection(name)
	}
	return sec, nil
}

// HasSection reports whether the file declared name.
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// SectionNames returns the section names in file order.
func (c *Config) SectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// UnusedOptions lists "section.option" entries nobody read, sorted.
func (c *Config) UnusedOptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for _, name := range c.order {
		for _, opt := range c.sections[name].unused() {
			out = append(out, name+"."+opt)
		}
	}
	sort.Strings(out)
	return out
}
