package config

import "strconv"

// Options under [swapper device] that record the last working port.
const (
	OptionLastPort = "last_port"
	OptionLastBaud = "last_baudrate"
)

// PortMemory remembers the port that last completed a handshake in the
// settings file, so the next connect tries it first.
type PortMemory struct {
	cfg *AutosaveConfig
}

// NewPortMemory stores into cfg.
func NewPortMemory(cfg *AutosaveConfig) *PortMemory {
	return &PortMemory{cfg: cfg}
}

// LoadPort returns the remembered port.
func (m *PortMemory) LoadPort() (string, int, bool) {
	sec := m.cfg.Section(SectionDevice)
	dev, err := sec.Get(OptionLastPort, "")
	if err != nil || dev == "" {
		return "", 0, false
	}
	baud, err := sec.GetInt(OptionLastBaud, 0)
	if err != nil {
		baud = 0
	}
	return dev, baud, true
}

// SavePort records device and baud and writes the file when it has one.
func (m *PortMemory) SavePort(device string, baud int) error {
	if last, lastBaud, ok := m.LoadPort(); ok && last == device && lastBaud == baud {
		return nil
	}
	m.cfg.SetOption(SectionDevice, OptionLastPort, device)
	m.cfg.SetOption(SectionDevice, OptionLastBaud, strconv.Itoa(baud))
	if m.cfg.Path() == "" {
		return nil
	}
	return m.cfg.SaveChanges("")
}
