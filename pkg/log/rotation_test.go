// Log rotation tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingFileWriterAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swapperd.log")
	w, err := NewRotatingFileWriter(RotationConfig{Filename: path})
	if err != nil {
		t.Fatalf("NewRotatingFileWriter: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("first line\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "first line\n" {
		t.Errorf("file content = %q", data)
	}
}

func TestRotatingFileWriterRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swapperd.log")
	w, err := NewRotatingFileWriter(RotationConfig{Filename: path, MaxSize: 1})
	if err != nil {
		t.Fatalf("NewRotatingFileWriter: %v", err)
	}
	defer w.Close()

	chunk := []byte(strings.Repeat("x", 700*1024))
	w.Write(chunk)
	w.Write(chunk)

	entries, _ := os.ReadDir(dir)
	rotated := 0
	for _, e := range entries {
		if isRotatedFile(e.Name(), "swapperd.log") {
			rotated++
		}
	}
	if rotated != 1 {
		t.Errorf("expected 1 rotated file, found %d", rotated)
	}
}

func TestIsRotatedFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"swapperd.20261016-120000.log", true},
		{"swapperd.log", false},
		{"swapperd.backup.log", false},
		{"other.20261016-120000.log", false},
	}
	for _, tt := range tests {
		if got := isRotatedFile(tt.name, "swapperd.log"); got != tt.want {
			t.Errorf("isRotatedFile(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRotationConfigEmptyFilename(t *testing.T) {
	if _, err := NewRotatingFileWriter(RotationConfig{}); err == nil {
		t.Error("expected error for empty filename")
	}
}
