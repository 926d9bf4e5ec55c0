// Log file rotation for the swapper daemon
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotationConfig configures log file rotation.
type RotationConfig struct {
	// Filename is the path to the log file.
	Filename string

	// MaxSize is the size in megabytes that triggers a rotation. Default 10.
	MaxSize int

	// MaxBackups is the number of rotated files kept. Default 5.
	MaxBackups int
}

// RotatingFileWriter is an io.Writer that renames the file to
// name.YYYYMMDD-HHMMSS.ext once it grows past MaxSize.
type RotatingFileWriter struct {
	mu         sync.Mutex
	filename   string
	maxSize    int64
	maxBackups int
	size       int64
	file       *os.File
}

// NewRotatingFileWriter opens (or creates) the log file in append mode.
func NewRotatingFileWriter(cfg RotationConfig) (*RotatingFileWriter, error) {
	if cfg.Filename == "" {
		return nil, fmt.Errorf("log: filename is required")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	w := &RotatingFileWriter{
		filename:   cfg.Filename,
		maxSize:    int64(cfg.MaxSize) * 1024 * 1024,
		maxBackups: cfg.MaxBackups,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingFileWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(w.filename), 0755); err != nil {
		return fmt.Errorf("log: create directory: %w", err)
	}
	f, err := os.OpenFile(w.filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("log: open %s: %w", w.filename, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("log: stat %s: %w", w.filename, err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (w *RotatingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingFileWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("log: close for rotation: %w", err)
	}
	ext := filepath.Ext(w.filename)
	rotated := fmt.Sprintf("%s.%s%s", strings.TrimSuffix(w.filename, ext),
		time.Now().Format("20060102-150405"), ext)
	if err := os.Rename(w.filename, rotated); err != nil {
		w.open()
		return fmt.Errorf("log: rotate: %w", err)
	}
	w.pruneBackups()
	return w.open()
}

// pruneBackups keeps the newest maxBackups rotated files.
func (w *RotatingFileWriter) pruneBackups() {
	ext := filepath.Ext(w.filename)
	pattern := strings.TrimSuffix(w.filename, ext) + ".*" + ext
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return
	}
	var backups []string
	for _, m := range matches {
		if isRotatedFile(filepath.Base(m), filepath.Base(w.filename)) {
			backups = append(backups, m)
		}
	}
	// Timestamped names sort chronologically.
	sort.Strings(backups)
	for len(backups) > w.maxBackups {
		os.Remove(backups[0])
		backups = backups[1:]
	}
}

// isRotatedFile reports whether name is base with a rotation timestamp.
func isRotatedFile(name, base string) bool {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if !strings.HasPrefix(name, stem+".") || !strings.HasSuffix(name, ext) {
		return false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, stem+"."), ext)
	_, err := time.Parse("20060102-150405", stamp)
	return err == nil
}

// Close closes the current file.
func (w *RotatingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// AttachFile makes l (and every logger sharing its output) write to a
// rotating file in addition to stderr. Colors are turned off.
func AttachFile(l *Logger, cfg RotationConfig) (io.Closer, error) {
	fw, err := NewRotatingFileWriter(cfg)
	if err != nil {
		return nil, err
	}
	l.SetColorize(false)
	l.SetWriter(io.MultiWriter(os.Stderr, fw))
	return fw, nil
}
