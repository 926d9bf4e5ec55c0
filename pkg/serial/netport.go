package serial

import (
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// TCPPrefix marks a device string as a TCP serial bridge (ser2net and the like).
const TCPPrefix = "tcp:"

// NetPort adapts a net.Conn to the Port read/write contract: Read
// returns ErrTimeout after the read timeout instead of a net error.
type NetPort struct {
	conn net.Conn

	mu      sync.Mutex
	name    string
	baud    int
	timeout time.Duration
	closed  bool
}

// NewNetPort wraps conn. name is reported by Device.
func NewNetPort(conn net.Conn, name string) *NetPort {
	return &NetPort{conn: conn, name: name, timeout: 2 * time.Second}
}

// DialTCP connects to a "host:port" serial bridge.
func DialTCP(address string, cfg Config) (*NetPort, error) {
	conn, err := net.DialTimeout("tcp", address, 5*time.Second)
	if err != nil {
		return nil, err
	}
	p := NewNetPort(conn, TCPPrefix+address)
	p.baud = cfg.BaudRate
	if cfg.ReadTimeout > 0 {
		p.timeout = cfg.ReadTimeout
	}
	return p, nil
}

// IsNetDevice reports whether device names a TCP bridge.
func IsNetDevice(device string) bool {
	return strings.HasPrefix(device, TCPPrefix)
}

func (p *NetPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	timeout := p.timeout
	p.mu.Unlock()

	p.conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := p.conn.Read(buf)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, ErrTimeout
	}
	return n, err
}

func (p *NetPort) Write(buf []byte) (int, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	return p.conn.Write(buf)
}

func (p *NetPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.conn.Close()
}

func (p *NetPort) SetReadTimeout(d time.Duration) {
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
}

func (p *NetPort) Device() string { return p.name }

func (p *NetPort) BaudRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baud
}
