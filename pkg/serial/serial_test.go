package serial

import (
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.bug.st/serial/enumerator"
)

func TestListPortsDescriptions(t *testing.T) {
	orig := detailedPorts
	defer func() { detailedPorts = orig }()

	detailedPorts = func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "/dev/ttyUSB0", IsUSB: true, VID: "1a86", PID: "7523"},
			{Name: "/dev/ttyACM1", IsUSB: true, VID: "2341", PID: "0043"},
			{Name: "/dev/ttyACM0", IsUSB: true, VID: "2341", PID: "0043", Product: "Arduino Uno"},
			{Name: "/dev/ttyS0"},
		}, nil
	}

	ports, err := ListPorts()
	if err != nil {
		t.Fatalf("ListPorts: %v", err)
	}
	if len(ports) != 4 {
		t.Fatalf("expected 4 ports, got %d", len(ports))
	}
	want := map[string]string{
		"/dev/ttyACM0": "Arduino Uno",
		"/dev/ttyACM1": "Arduino Uno",
		"/dev/ttyS0":   "",
		"/dev/ttyUSB0": "USB VID:PID=1A86:7523",
	}
	for _, p := range ports {
		if p.Description != want[p.Device] {
			t.Errorf("%s: description %q, want %q", p.Device, p.Description, want[p.Device])
		}
	}
	if ports[0].Device != "/dev/ttyACM0" {
		t.Errorf("ports not sorted: %v", ports)
	}
}

func TestListPortsFallsBackToGlob(t *testing.T) {
	origPorts, origGlob := detailedPorts, globPatterns
	defer func() { detailedPorts, globPatterns = origPorts, origGlob }()

	dir := t.TempDir()
	detailedPorts = func() ([]*enumerator.PortDetails, error) {
		return nil, errors.New("no sysfs")
	}
	globPatterns = func() []string { return []string{filepath.Join(dir, "tty*")} }

	ports, err := ListPorts()
	if err != nil {
		t.Fatalf("ListPorts: %v", err)
	}
	if len(ports) != 0 {
		t.Errorf("expected no ports, got %v", ports)
	}
}

func TestBaudRateToSpeed(t *testing.T) {
	if _, err := baudRateToSpeed(9600); err != nil {
		t.Errorf("9600 should be supported: %v", err)
	}
	if _, err := baudRateToSpeed(12345); err == nil {
		t.Error("expected error for unsupported baud")
	}
}

func TestOpenRequiresDevice(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Error("expected error for empty device")
	}
}

func TestSocketRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swapper.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		conn.Write(buf[:n])
	}()

	port, err := Dial(Config{Device: SocketPrefix + path, BaudRate: 9600, ReadTimeout: time.Second})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer port.Close()

	if _, err := port.Write([]byte("ping\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 64)
	n, err := port.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "ping\n" {
		t.Errorf("echo = %q", buf[:n])
	}
	if port.BaudRate() != 9600 {
		t.Errorf("BaudRate = %d", port.BaudRate())
	}

	port.SetReadTimeout(50 * time.Millisecond)
	if _, err := port.Read(buf); err != ErrTimeout && err == nil {
		t.Errorf("expected timeout or EOF, got %v", err)
	}
}
