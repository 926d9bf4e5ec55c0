package config

import (
	"time"
)

// Section names used by the swapper daemon.
const (
	SectionSwapper = "swapper"
	SectionDevice  = "swapper device"
	SectionWipe    = "swapper wipe"
	SectionUnload  = "swapper unload"
	SectionServer  = "server"
	SectionStats   = "stats"
)

// Settings is the typed view of the daemon configuration. Zero-value
// sections in the file fall back to the defaults of DefaultSettings.
type Settings struct {
	Swapper SwapperSettings
	Device  DeviceSettings
	Wipe    WipeSettings
	Unload  UnloadSettings
	Server  ServerSettings
	Stats   StatsSettings
}

// SwapperSettings positions the printer and gates swaps.
type SwapperSettings struct {
	DockX, DockY, DockZ    float64
	HomeBeforeSwap         bool
	MinExtrusionBeforeSwap float64
	// FailurePolicy is "continue" or "abort".
	FailurePolicy  string
	BarrierTimeout time.Duration
	// SwitcherType is "parallel" or "palette"; palette adds extra cuts.
	SwitcherType string

	BreakString          bool
	BreakStringY         float64
	BreakStringFeedrate  float64
	StockMaxFeedrate     float64
	SwapMaxFeedrate      float64
	StockMaxAcceleration float64
	SwapMaxAcceleration  float64
	DefaultHotendTemp    float64
}

// DeviceSettings describes the serial link.
type DeviceSettings struct {
	// Port pins the device; empty means discover.
	Port              string
	ControllerID      string
	BaudRate          int
	SettleDelay       time.Duration
	ReadyDelay        time.Duration
	ReadTimeout       time.Duration
	ResponseTimeout   time.Duration
	HandshakeAttempts int
	MaxParityRetries  int
}

// WipeSettings controls the nozzle wipe after a load.
type WipeSettings struct {
	Enabled        bool
	XMin, XMax     float64
	Y              float64
	SettleDelay    time.Duration
	XOffWiper      float64
	XAfterWipe     float64
	ExtraExtrusion float64
	RetractLength  float64
	RetractSpeed   float64
	TravelFeedrate float64
}

// UnloadSettings drives the pulldown and cutting of the old filament.
type UnloadSettings struct {
	ExtrudeSpeedPulldown       float64
	ExtrudeLengthLockingHeight float64
	ExtrudeLengthCuttingHeight float64
	RetractLengthAfterCut      float64
	RetractSpeed               float64
	DelayAfterExtrude          time.Duration
	PaletteCuts                int
	PaletteCutSpeed            float64
	LengthAdditionalCut        float64
	DelayAfterCut              time.Duration
}

// ServerSettings configures the HTTP endpoints and the printer link.
type ServerSettings struct {
	Listen        string
	MetricsListen string
	MetricsUser   string
	MetricsPass   string
	MoonrakerURL  string
	MoonrakerKey  string
}

// StatsSettings selects where swap counters live.
type StatsSettings struct {
	// Backend is "config", "redis" or "memory".
	Backend     string
	RedisAddr   string
	RedisPrefix string
}

// DefaultSettings returns the stock values.
func DefaultSettings() Settings {
	return Settings{
		Swapper: SwapperSettings{
			DockX:                  250,
			DockY:                  0.5,
			DockZ:                  95,
			MinExtrusionBeforeSwap: 10,
			FailurePolicy:          "continue",
			BarrierTimeout:         5 * time.Minute,
			SwitcherType:           "parallel",
			BreakString:            true,
			BreakStringY:           175,
			BreakStringFeedrate:    10200,
			StockMaxFeedrate:       120,
			SwapMaxFeedrate:        500,
			StockMaxAcceleration:   5000,
			SwapMaxAcceleration:    15000,
			DefaultHotendTemp:      215,
		},
		Device: DeviceSettings{
			ControllerID:      "Arduino Uno",
			BaudRate:          9600,
			SettleDelay:       2 * time.Second,
			ReadyDelay:        3 * time.Second,
			ReadTimeout:       2 * time.Second,
			ResponseTimeout:   30 * time.Second,
			HandshakeAttempts: 3,
			MaxParityRetries:  3,
		},
		Wipe: WipeSettings{
			Enabled:        true,
			XMin:           215,
			XMax:           230,
			Y:              125,
			SettleDelay:    200 * time.Millisecond,
			XOffWiper:      175,
			XAfterWipe:     100,
			ExtraExtrusion: 0,
			RetractLength:  -45,
			RetractSpeed:   1200,
			TravelFeedrate: 6000,
		},
		Unload: UnloadSettings{
			ExtrudeSpeedPulldown:       12000,
			ExtrudeLengthLockingHeight: 18.2,
			ExtrudeLengthCuttingHeight: 39.8,
			RetractLengthAfterCut:      -70,
			RetractSpeed:               10000,
			DelayAfterExtrude:          115 * time.Millisecond,
			PaletteCuts:                3,
			PaletteCutSpeed:            12000,
			LengthAdditionalCut:        15,
			DelayAfterCut:              100 * time.Millisecond,
		},
		Server: ServerSettings{
			Listen:        "127.0.0.1:7130",
			MetricsListen: "127.0.0.1:9108",
			MoonrakerURL:  "ws://127.0.0.1:7125/websocket",
		},
		Stats: StatsSettings{
			Backend:     "config",
			RedisAddr:   "127.0.0.1:6379",
			RedisPrefix: "swapper3d",
		},
	}
}

// ParseSettings reads every known section of cfg over the defaults.
func ParseSettings(cfg *Config) (Settings, error) {
	s := DefaultSettings()
	steps := []func(*Config, *Settings) error{
		parseSwapper, parseDevice, parseWipe, parseUnload, parseServer, parseStats,
	}
	for _, step := range steps {
		if err := step(cfg, &s); err != nil {
			return Settings{}, err
		}
	}
	return s, nil
}

// reader keeps the first error so a section parses in straight-line code.
type reader struct {
	sec *Section
	err error
}

func (r *reader) float(dst *float64, option string, bounds ...FloatBounds) {
	if r.err != nil {
		return
	}
	var b FloatBounds
	if len(bounds) > 0 {
		b = bounds[0]
	}
	*dst, r.err = r.sec.GetFloatWithBounds(option, b, *dst)
}

func (r *reader) int(dst *int, option string, minVal int) {
	if r.err == nil {
		*dst, r.err = r.sec.GetIntMin(option, minVal, *dst)
	}
}

func (r *reader) bool(dst *bool, option string) {
	if r.err == nil {
		*dst, r.err = r.sec.GetBool(option, *dst)
	}
}

func (r *reader) str(dst *string, option string) {
	if r.err == nil {
		*dst, r.err = r.sec.Get(option, *dst)
	}
}

func (r *reader) choice(dst *string, option string, choices ...string) {
	if r.err == nil {
		*dst, r.err = r.sec.GetChoice(option, choices, *dst)
	}
}

func (r *reader) duration(dst *time.Duration, option string) {
	if r.err == nil {
		*dst, r.err = r.sec.GetDuration(option, *dst)
	}
}

func parseSwapper(cfg *Config, s *Settings) error {
	r := &reader{sec: cfg.Section(SectionSwapper)}
	sw := &s.Swapper
	r.float(&sw.DockX, "dock_x")
	r.float(&sw.DockY, "dock_y")
	r.float(&sw.DockZ, "dock_z", FloatBounds{MinVal: Min(0)})
	r.bool(&sw.HomeBeforeSwap, "home_before_swap")
	r.float(&sw.MinExtrusionBeforeSwap, "min_extrusion_before_swap", FloatBounds{MinVal: Min(0)})
	r.choice(&sw.FailurePolicy, "failure_policy", "continue", "abort")
	r.duration(&sw.BarrierTimeout, "barrier_timeout")
	r.choice(&sw.SwitcherType, "filament_switcher_type", "parallel", "palette")
	r.bool(&sw.BreakString, "break_string")
	r.float(&sw.BreakStringY, "break_string_y")
	r.float(&sw.BreakStringFeedrate, "break_string_feedrate", FloatBounds{Above: Min(0)})
	r.float(&sw.StockMaxFeedrate, "stock_extruder_max_feedrate", FloatBounds{Above: Min(0)})
	r.float(&sw.SwapMaxFeedrate, "swap_extruder_max_feedrate", FloatBounds{Above: Min(0)})
	r.float(&sw.StockMaxAcceleration, "stock_extruder_max_acceleration", FloatBounds{Above: Min(0)})
	r.float(&sw.SwapMaxAcceleration, "swap_extruder_max_acceleration", FloatBounds{Above: Min(0)})
	r.float(&sw.DefaultHotendTemp, "default_hotend_temp", FloatBounds{MinVal: Min(0)})
	return r.err
}

func parseDevice(cfg *Config, s *Settings) error {
	r := &reader{sec: cfg.Section(SectionDevice)}
	d := &s.Device
	r.str(&d.Port, "serial_port")
	r.str(&d.ControllerID, "controller_id")
	r.int(&d.BaudRate, "baudrate", 1200)
	r.duration(&d.SettleDelay, "settle_delay")
	r.duration(&d.ReadyDelay, "ready_delay")
	r.duration(&d.ReadTimeout, "read_timeout")
	r.duration(&d.ResponseTimeout, "response_timeout")
	r.int(&d.HandshakeAttempts, "handshake_attempts", 1)
	r.int(&d.MaxParityRetries, "max_parity_retries", 1)
	return r.err
}

func parseWipe(cfg *Config, s *Settings) error {
	r := &reader{sec: cfg.Section(SectionWipe)}
	w := &s.Wipe
	r.bool(&w.Enabled, "enabled")
	r.float(&w.XMin, "x_min")
	r.float(&w.XMax, "x_max")
	r.float(&w.Y, "y")
	r.duration(&w.SettleDelay, "settle_delay")
	r.float(&w.XOffWiper, "x_off_wiper")
	r.float(&w.XAfterWipe, "x_after_wipe")
	r.float(&w.ExtraExtrusion, "extra_extrusion", FloatBounds{MinVal: Min(0)})
	r.float(&w.RetractLength, "retract_length")
	r.float(&w.RetractSpeed, "retract_speed", FloatBounds{Above: Min(0)})
	r.float(&w.TravelFeedrate, "travel_feedrate", FloatBounds{Above: Min(0)})
	if r.err == nil && w.XMax < w.XMin {
		return ErrOutOfRange(SectionWipe, "x_max", w.XMax, "must not be below x_min")
	}
	return r.err
}

func parseUnload(cfg *Config, s *Settings) error {
	r := &reader{sec: cfg.Section(SectionUnload)}
	u := &s.Unload
	r.float(&u.ExtrudeSpeedPulldown, "extrude_speed_pulldown", FloatBounds{Above: Min(0)})
	r.float(&u.ExtrudeLengthLockingHeight, "extrude_length_locking_height")
	r.float(&u.ExtrudeLengthCuttingHeight, "extrude_length_cutting_height")
	r.float(&u.RetractLengthAfterCut, "retract_length_after_cut")
	r.float(&u.RetractSpeed, "retract_speed", FloatBounds{Above: Min(0)})
	r.duration(&u.DelayAfterExtrude, "delay_after_extrude")
	r.int(&u.PaletteCuts, "palette_cuts", 0)
	r.float(&u.PaletteCutSpeed, "palette_cut_speed", FloatBounds{Above: Min(0)})
	r.float(&u.LengthAdditionalCut, "length_additional_cut")
	r.duration(&u.DelayAfterCut, "delay_after_cut")
	return r.err
}

func parseServer(cfg *Config, s *Settings) error {
	r := &reader{sec: cfg.Section(SectionServer)}
	sv := &s.Server
	r.str(&sv.Listen, "listen")
	r.str(&sv.MetricsListen, "metrics_listen")
	r.str(&sv.MetricsUser, "metrics_user")
	r.str(&sv.MetricsPass, "metrics_password")
	r.str(&sv.MoonrakerURL, "moonraker_url")
	r.str(&sv.MoonrakerKey, "moonraker_api_key")
	return r.err
}

func parseStats(cfg *Config, s *Settings) error {
	r := &reader{sec: cfg.Section(SectionStats)}
	st := &s.Stats
	r.choice(&st.Backend, "backend", "config", "redis", "memory")
	r.str(&st.RedisAddr, "redis_addr")
	r.str(&st.RedisPrefix, "redis_prefix")
	return r.err
}
