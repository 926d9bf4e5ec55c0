package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swapper3d-go/pkg/config"
	"swapper3d-go/pkg/device"
	"swapper3d-go/pkg/serial"
	"swapper3d-go/pkg/simulator"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "swapper.cfg")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadSettings(t *testing.T) {
	cfg, settings, err := loadSettings("")
	require.NoError(t, err)
	assert.Equal(t, "", cfg.Path())
	assert.Equal(t, config.DefaultSettings(), settings)

	path := writeConfig(t, `
[swapper]
failure_policy: abort

[swapper device]
serial_port: /dev/ttyACM3
baudrate: 115200

[server]
listen: 127.0.0.1:8130
`)
	cfg, settings, err = loadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path())
	assert.Equal(t, "abort", settings.Swapper.FailurePolicy)
	assert.Equal(t, "/dev/ttyACM3", settings.Device.Port)
	assert.Equal(t, 115200, settings.Device.BaudRate)
	assert.Equal(t, "127.0.0.1:8130", settings.Server.Listen)

	_, _, err = loadSettings(writeConfig(t, "[swapper]\nfailure_policy: maybe\n"))
	assert.Error(t, err)
}

func TestDaemonOptionsApply(t *testing.T) {
	s := config.DefaultSettings()
	daemonOptions{
		Device:       "unix:/tmp/swapper3d",
		MoonrakerURL: "ws://printer:7125/websocket",
		Listen:       ":7131",
		Metrics:      "off",
	}.apply(&s)

	assert.Equal(t, "unix:/tmp/swapper3d", s.Device.Port)
	assert.Equal(t, "ws://printer:7125/websocket", s.Server.MoonrakerURL)
	assert.Equal(t, ":7131", s.Server.Listen)
	assert.Empty(t, s.Server.MetricsListen)

	s = config.DefaultSettings()
	daemonOptions{Metrics: ":9200"}.apply(&s)
	assert.Equal(t, ":9200", s.Server.MetricsListen)
	assert.Equal(t, config.DefaultSettings().Server.Listen, s.Server.Listen)
}

func TestDeviceConfig(t *testing.T) {
	s := config.DefaultSettings().Device
	s.Port = "/dev/ttyUSB1"
	s.HandshakeAttempts = 5
	s.ReadyDelay = time.Second

	cfg := deviceConfig(s)
	assert.Equal(t, "/dev/ttyUSB1", cfg.Device)
	assert.Equal(t, "Arduino Uno", cfg.ControllerID)
	assert.Equal(t, 9600, cfg.BaudRate)
	assert.Equal(t, 5, cfg.HandshakeAttempts)
	assert.Equal(t, time.Second, cfg.ReadyDelay)
	assert.Equal(t, device.DefaultConfig().HandshakePayload, cfg.HandshakePayload)
}

func memorySettings() config.Settings {
	s := config.DefaultSettings()
	s.Stats.Backend = "memory"
	s.Server.MetricsListen = ""
	return s
}

func TestNewDaemon(t *testing.T) {
	cfg := config.NewAutosaveConfig(config.New(), "")

	d, err := newDaemon(cfg, memorySettings(), "")
	require.NoError(t, err)
	t.Cleanup(d.close)
	assert.Nil(t, d.metricsServer)
	assert.Equal(t, memorySettings().Server.Listen, d.http.Addr)
	assert.False(t, d.ready())

	s := memorySettings()
	s.Server.MetricsListen = "127.0.0.1:0"
	s.Server.MetricsUser = "admin"
	d2, err := newDaemon(cfg, s, QueueMoonraker)
	require.NoError(t, err)
	t.Cleanup(d2.close)
	require.NotNil(t, d2.metricsServer)
	assert.Equal(t, "127.0.0.1:0", d2.metricsServer.Address())

	_, err = newDaemon(cfg, memorySettings(), "usb")
	assert.ErrorContains(t, err, `unknown print queue "usb"`)

	bad := memorySettings()
	bad.Swapper.FailurePolicy = "retry"
	_, err = newDaemon(cfg, bad, "")
	assert.Error(t, err)
}

func TestDaemonRunStopsOnCancel(t *testing.T) {
	s := memorySettings()
	s.Server.Listen = "127.0.0.1:0"
	s.Server.MoonrakerURL = "ws://127.0.0.1:1/websocket"
	d, err := newDaemon(config.NewAutosaveConfig(config.New(), ""), s, "")
	require.NoError(t, err)
	t.Cleanup(d.close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestWaitPrinterTimesOut(t *testing.T) {
	d, err := newDaemon(config.NewAutosaveConfig(config.New(), ""), memorySettings(), "")
	require.NoError(t, err)
	t.Cleanup(d.close)

	err = d.waitPrinter(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "klippy disconnected")
}

func testCommand() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	return cmd, &buf
}

func TestListPorts(t *testing.T) {
	cfg := config.NewAutosaveConfig(config.New(), "")
	cfg.SetOption(config.SectionDevice, config.OptionLastPort, "/dev/ttyACM1")
	list := func() ([]serial.PortInfo, error) {
		return []serial.PortInfo{
			{Device: "/dev/ttyS0"},
			{Device: "/dev/ttyACM0", Description: "Arduino Uno", IsUSB: true, VID: "2341", PID: "0043"},
			{Device: "/dev/ttyACM1", Description: "USB Serial"},
		}, nil
	}

	cmd, out := testCommand()
	require.NoError(t, listPorts(cmd, cfg, config.DefaultSettings().Device, list))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[1], "/dev/ttyACM1")
	assert.Contains(t, lines[1], "last used")
	assert.Contains(t, lines[2], "/dev/ttyACM0")
	assert.Contains(t, lines[2], "2341:0043")
	assert.Contains(t, lines[3], "/dev/ttyS0")
}

func TestListPortsEmpty(t *testing.T) {
	cmd, out := testCommand()
	none := func() ([]serial.PortInfo, error) { return nil, nil }
	require.NoError(t, listPorts(cmd, config.NewAutosaveConfig(config.New(), ""), config.DefaultSettings().Device, none))
	assert.Equal(t, "no serial ports found\n", out.String())
}

func simulatedDialer(t *testing.T, sim *simulator.Device) device.Option {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return device.WithDialer(func(cfg serial.Config) (serial.Conn, error) {
		host, remote := net.Pipe()
		go sim.Serve(ctx, remote)
		return serial.NewNetPort(host, cfg.Device), nil
	})
}

func TestSendOnce(t *testing.T) {
	s := config.DefaultSettings().Device
	s.Port = "sim0"
	s.SettleDelay = 0
	s.ReadyDelay = 0
	s.ReadTimeout = 100 * time.Millisecond
	s.ResponseTimeout = time.Second

	sim := simulator.New()
	sim.Noise("cutter_cut", "cutter_moving")
	cfg := config.NewAutosaveConfig(config.New(), "")

	cmd, out := testCommand()
	err := sendOnce(context.Background(), cmd, cfg, s, "cutter_cut", false, simulatedDialer(t, sim))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "connected to sim0")
	assert.Contains(t, out.String(), "cutter_cut_ok (attempts 1, parity retries 0)")
	assert.Contains(t, out.String(), "ignored: cutter_moving")
	assert.Equal(t, 1, sim.Count("cutter_cut"))

	dev, _, ok := config.NewPortMemory(cfg).LoadPort()
	assert.True(t, ok)
	assert.Equal(t, "sim0", dev)
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.True(t, strings.HasPrefix(buf.String(), "swapperd version dev "), buf.String())
}
