package config

import (
	"testing"
	"time"
)

func TestParseSettingsDefaults(t *testing.T) {
	s, err := ParseSettings(New())
	if err != nil {
		t.Fatalf("ParseSettings failed: %v", err)
	}
	want := DefaultSettings()
	if s != want {
		t.Errorf("empty config should yield defaults\n got %+v\nwant %+v", s, want)
	}
	if s.Swapper.DockZ != 95 || s.Device.BaudRate != 9600 || s.Swapper.BarrierTimeout != 5*time.Minute {
		t.Errorf("unexpected defaults %+v", s.Swapper)
	}
}

func TestParseSettingsOverrides(t *testing.T) {
	cfg, err := LoadString(`
[swapper]
dock_z: 80
failure_policy: abort
filament_switcher_type: palette
barrier_timeout: 90s

[swapper device]
serial_port: /dev/ttyUSB0
ready_delay: 0

[swapper wipe]
enabled: false
x_min: 200
x_max: 210

[stats]
backend: redis
redis_addr: 10.0.0.2:6379
`)
	if err != nil {
		t.Fatal(err)
	}
	s, err := ParseSettings(cfg)
	if err != nil {
		t.Fatalf("ParseSettings failed: %v", err)
	}
	if s.Swapper.DockZ != 80 || s.Swapper.FailurePolicy != "abort" || s.Swapper.SwitcherType != "palette" {
		t.Errorf("swapper = %+v", s.Swapper)
	}
	if s.Swapper.BarrierTimeout != 90*time.Second {
		t.Errorf("barrier_timeout = %v", s.Swapper.BarrierTimeout)
	}
	if s.Device.Port != "/dev/ttyUSB0" || s.Device.ReadyDelay != 0 {
		t.Errorf("device = %+v", s.Device)
	}
	if s.Wipe.Enabled || s.Wipe.XMin != 200 || s.Wipe.XMax != 210 {
		t.Errorf("wipe = %+v", s.Wipe)
	}
	if s.Stats.Backend != "redis" || s.Stats.RedisAddr != "10.0.0.2:6379" {
		t.Errorf("stats = %+v", s.Stats)
	}
	if len(cfg.UnusedOptions()) != 0 {
		t.Errorf("all options should be consumed, unused %v", cfg.UnusedOptions())
	}
}

func TestParseSettingsRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"policy":   "[swapper]\nfailure_policy: retry\n",
		"dock_z":   "[swapper]\ndock_z: -5\n",
		"baud":     "[swapper device]\nbaudrate: 300\n",
		"wipeband": "[swapper wipe]\nx_min: 230\nx_max: 215\n",
		"backend":  "[stats]\nbackend: postgres\n",
	}
	for name, data := range cases {
		cfg, err := LoadString(data)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if _, err := ParseSettings(cfg); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
