// Package serial provides the byte transport to the swapper controller:
// a raw termios serial port, a unix socket for the simulator, or a TCP
// serial bridge.
package serial

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
	"unsafe"

	"go.bug.st/serial/enumerator"
	"golang.org/x/sys/unix"
)

// Common errors
var (
	ErrTimeout = errors.New("serial: operation timed out")
	ErrClosed  = errors.New("serial: port closed")
)

// SocketPrefix marks a device string as a unix socket path.
const SocketPrefix = "unix:"

// Config holds serial port configuration.
type Config struct {
	// Device path (e.g., /dev/ttyACM0) or "unix:/path/to/socket"
	Device string

	// Baud rate (default: 9600)
	BaudRate int

	// Read timeout for individual Read calls (default: 2 seconds)
	ReadTimeout time.Duration

	// RTS/DTR control
	RTSOnConnect bool
	DTROnConnect bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		BaudRate:     9600,
		ReadTimeout:  2 * time.Second,
		RTSOnConnect: true,
		DTROnConnect: true,
	}
}

// Port represents an open serial port or socket.
type Port struct {
	mu         sync.Mutex
	fd         int
	device     string
	config     Config
	closed     bool
	oldTermios *unix.Termios
	isSocket   bool
}

// PortInfo describes an enumerated serial port.
type PortInfo struct {
	Device       string
	Description  string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
}

// USB ids of boards whose product string is not always exported.
var knownProducts = map[string]string{
	"2341:0043": "Arduino Uno",
	"2341:0001": "Arduino Uno",
	"2A03:0043": "Arduino Uno",
	"2341:0243": "Arduino Uno",
}

// Overridable for tests.
var (
	detailedPorts = enumerator.GetDetailedPortsList
	globPatterns  = platformPatterns
)

func platformPatterns() []string {
	switch runtime.GOOS {
	case "linux":
		return []string{"/dev/ttyUSB*", "/dev/ttyACM*", "/dev/ttyS*"}
	case "darwin":
		return []string{"/dev/cu.usbserial*", "/dev/cu.usbmodem*"}
	default:
		return nil
	}
}

// ListPorts returns the available serial ports with their USB product
// descriptions. When enumeration fails it falls back to globbing device
// nodes, which yields ports without descriptions.
func ListPorts() ([]PortInfo, error) {
	details, err := detailedPorts()
	if err == nil {
		ports := make([]PortInfo, 0, len(details))
		for _, d := range details {
			info := PortInfo{
				Device:       d.Name,
				Description:  d.Product,
				IsUSB:        d.IsUSB,
				VID:          strings.ToUpper(d.VID),
				PID:          strings.ToUpper(d.PID),
				SerialNumber: d.SerialNumber,
			}
			if info.Description == "" && info.IsUSB {
				if name, ok := knownProducts[info.VID+":"+info.PID]; ok {
					info.Description = name
				} else {
					info.Description = fmt.Sprintf("USB VID:PID=%s:%s", info.VID, info.PID)
				}
			}
			ports = append(ports, info)
		}
		sort.Slice(ports, func(i, j int) bool { return ports[i].Device < ports[j].Device })
		return ports, nil
	}

	patterns := globPatterns()
	if len(patterns) == 0 {
		return nil, fmt.Errorf("serial: enumerate ports: %w", err)
	}
	seen := make(map[string]bool)
	var ports []PortInfo
	for _, pattern := range patterns {
		matches, _ := filepath.Glob(pattern)
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				ports = append(ports, PortInfo{Device: m})
			}
		}
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Device < ports[j].Device })
	return ports, nil
}

// Conn is an open link to the device, whatever carries it.
type Conn interface {
	io.ReadWriteCloser
	SetReadTimeout(d time.Duration)
	Device() string
	BaudRate() int
}

// Dial opens cfg.Device: "unix:" paths go to OpenSocket, "tcp:"
// addresses to DialTCP, anything else is a serial device.
func Dial(cfg Config) (Conn, error) {
	switch {
	case strings.HasPrefix(cfg.Device, SocketPrefix):
		p, err := OpenSocket(strings.TrimPrefix(cfg.Device, SocketPrefix), 5*time.Second)
		if err != nil {
			return nil, err
		}
		if cfg.ReadTimeout > 0 {
			p.SetReadTimeout(cfg.ReadTimeout)
		}
		p.config.BaudRate = cfg.BaudRate
		return p, nil
	case IsNetDevice(cfg.Device):
		p, err := DialTCP(strings.TrimPrefix(cfg.Device, TCPPrefix), cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		p, err := Open(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Open opens a serial port with the given configuration (raw 8N1).
func Open(cfg Config) (*Port, error) {
	if cfg.Device == "" {
		return nil, errors.New("serial: device path required")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 2 * time.Second
	}

	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", cfg.Device, err)
	}

	oldTermios, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: get termios: %w", err)
	}

	termios := *oldTermios
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	termios.Oflag &^= unix.OPOST
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN

	speed, err := baudRateToSpeed(cfg.BaudRate)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	setSpeed(&termios, speed)

	termios.Cc[unix.VMIN] = 0
	termios.Cc[unix.VTIME] = 1

	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &termios); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set termios: %w", err)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set blocking: %w", err)
	}

	port := &Port{
		fd:         fd,
		device:     cfg.Device,
		config:     cfg,
		oldTermios: oldTermios,
	}
	// Opening resets an Uno through DTR; the caller owns the settle delay.
	port.setModemControl(cfg.RTSOnConnect, cfg.DTROnConnect)
	return port, nil
}

// OpenSocket connects to a unix stream socket, retrying until timeout
// while the listener is not up yet.
func OpenSocket(socketPath string, timeout time.Duration) (*Port, error) {
	if socketPath == "" {
		return nil, errors.New("serial: socket path required")
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: create socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: socketPath}

	deadline := time.Now().Add(timeout)
	for {
		err = unix.Connect(fd, addr)
		if err == nil {
			break
		}
		retryable := errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ECONNREFUSED)
		if !retryable || time.Now().After(deadline) {
			unix.Close(fd)
			return nil, fmt.Errorf("serial: connect to %s: %w", socketPath, err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	return &Port{
		fd:       fd,
		device:   SocketPrefix + socketPath,
		config:   Config{ReadTimeout: 2 * time.Second},
		isSocket: true,
	}, nil
}

// Read reads up to len(buf) bytes, waiting at most the read timeout.
// It returns ErrTimeout when nothing arrived in time.
func (p *Port) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd := p.fd
	timeout := p.config.ReadTimeout
	p.mu.Unlock()

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("serial: poll: %w", err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	if pfd[0].Revents&unix.POLLIN == 0 && pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return 0, io.EOF
	}

	n, err = unix.Read(fd, buf)
	if err != nil {
		return 0, fmt.Errorf("serial: read: %w", err)
	}
	if n == 0 {
		// Readable with no data: the peer hung up.
		return 0, io.EOF
	}
	return n, nil
}

// Write writes buf to the port.
func (p *Port) Write(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd := p.fd
	p.mu.Unlock()

	written := 0
	for written < len(buf) {
		n, err := unix.Write(fd, buf[written:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return written, fmt.Errorf("serial: write: %w", err)
		}
		written += n
	}
	return written, nil
}

// Close closes the port, restoring the original termios settings.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.oldTermios != nil && !p.isSocket {
		_ = unix.IoctlSetTermios(p.fd, ioctlSetTermios, p.oldTermios)
	}
	return unix.Close(p.fd)
}

// Device returns the device path.
func (p *Port) Device() string {
	return p.device
}

// BaudRate returns the configured baud rate.
func (p *Port) BaudRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config.BaudRate
}

// SetReadTimeout sets the read timeout.
func (p *Port) SetReadTimeout(d time.Duration) {
	p.mu.Lock()
	p.config.ReadTimeout = d
	p.mu.Unlock()
}

// Flush discards any data in the input and output buffers.
func (p *Port) Flush() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	fd, isSocket := p.fd, p.isSocket
	p.mu.Unlock()

	if isSocket {
		return nil
	}
	return unix.IoctlSetInt(fd, ioctlTCFlush, unix.TCIOFLUSH)
}

// setModemControl sets RTS and DTR. Adapters without modem control are
// left alone.
func (p *Port) setModemControl(rts, dtr bool) {
	var status int32
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(p.fd), uintptr(unix.TIOCMGET), uintptr(unsafe.Pointer(&status)))
	if errno != 0 {
		return
	}
	if rts {
		status |= unix.TIOCM_RTS
	} else {
		status &^= unix.TIOCM_RTS
	}
	if dtr {
		status |= unix.TIOCM_DTR
	} else {
		status &^= unix.TIOCM_DTR
	}
	unix.Syscall(unix.SYS_IOCTL, uintptr(p.fd), uintptr(unix.TIOCMSET), uintptr(unsafe.Pointer(&status)))
}

// baudRateToSpeed converts a baud rate to a termios speed constant.
func baudRateToSpeed(baud int) (uint32, error) {
	speeds := map[int]uint32{
		1200:   unix.B1200,
		2400:   unix.B2400,
		4800:   unix.B4800,
		9600:   unix.B9600,
		19200:  unix.B19200,
		38400:  unix.B38400,
		57600:  unix.B57600,
		115200: unix.B115200,
		230400: unix.B230400,
	}
	if speed, ok := speeds[baud]; ok {
		return speed, nil
	}
	return 0, fmt.Errorf("serial: unsupported baud rate %d", baud)
}
