package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// AutosaveConfig is a Config that records runtime changes and writes them
// back to its file.
type AutosaveConfig struct {
	*Config

	mu       sync.Mutex
	path     string
	modified map[string]map[string]string
	backedUp bool
}

// NewAutosaveConfig wraps cfg; path is where SaveChanges("") writes.
func NewAutosaveConfig(cfg *Config, path string) *AutosaveConfig {
	return &AutosaveConfig{
		Config:   cfg,
		path:     path,
		modified: make(map[string]map[string]string),
	}
}

// LoadAutosave loads path for reading and later saving. A missing file
// yields an empty config that is created on the first save.
func LoadAutosave(path string) (*AutosaveConfig, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = New(), nil
	}
	if err != nil {
		return nil, err
	}
	return NewAutosaveConfig(cfg, path), nil
}

// Path returns the file SaveChanges("") writes to.
func (c *AutosaveConfig) Path() string {
	return c.path
}

// SetOption sets option in section, creating the section if needed.
func (c *AutosaveConfig) SetOption(section, option, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Config.set(section, option, value)
	if c.modified[section] == nil {
		c.modified[section] = make(map[string]string)
	}
	c.modified[section][strings.ToLower(option)] = value
}

// ModifiedSections lists sections changed since the last save.
func (c *AutosaveConfig) ModifiedSections() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.modified))
	for sec := range c.modified {
		out = append(out, sec)
	}
	sort.Strings(out)
	return out
}

// HasChanges reports unsaved changes.
func (c *AutosaveConfig) HasChanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.modified) > 0
}

// SaveChanges writes the whole config to path (the loaded file when
// empty) through a temp file and rename. The first save over the loaded
// file keeps a timestamped copy of the hand-written version.
func (c *AutosaveConfig) SaveChanges(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if path == "" {
		path = c.path
	}
	if path == "" {
		return fmt.Errorf("config: no path to save to")
	}
	if path == c.path && !c.backedUp {
		if err := backup(path); err != nil {
			return fmt.Errorf("config: backup: %w", err)
		}
		c.backedUp = true
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	if _, err := tmp.WriteString(c.render()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("config: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("config: rename: %w", err)
	}
	c.modified = make(map[string]map[string]string)
	return nil
}

// backup copies path to "name-YYYYMMDD_HHMMSS.ext" if it exists.
func backup(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	ext := filepath.Ext(path)
	name := fmt.Sprintf("%s-%s%s", strings.TrimSuffix(path, ext), time.Now().Format("20060102_150405"), ext)
	return os.WriteFile(name, data, 0644)
}

// render writes sections in file order with sorted options.
func (c *AutosaveConfig) render() string {
	var sb strings.Builder
	for i, name := range c.Config.SectionNames() {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "[%s]\n", name)
		opts := c.Config.Section(name).Options()
		keys := make([]string, 0, len(opts))
		for k := range opts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "%s: %s\n", k, opts[k])
		}
	}
	return sb.String()
}
