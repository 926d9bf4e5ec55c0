// Package device owns the link to the swapper controller: discovery,
// handshake, serialized command exchange and connection state.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package device

import (
	"context"
	"sync"
	"time"

	swerrors "swapper3d-go/pkg/errors"
	"swapper3d-go/pkg/log"
	"swapper3d-go/pkg/protocol"
	"swapper3d-go/pkg/serial"
)

var logger = log.GetLogger("device")

// Config controls discovery and command exchange.
type Config struct {
	// Device pins the session to one port ("/dev/ttyACM0", "unix:/tmp/swapper3d").
	// Empty means discover.
	Device string
	// ControllerID is matched against port descriptions to order candidates.
	ControllerID string
	BaudRate     int
	// SettleDelay is waited after opening a port; the board resets on open.
	// Zero skips it.
	SettleDelay time.Duration
	// ReadyDelay is how long after connecting the ready message is published.
	ReadyDelay time.Duration

	HandshakePayload  string
	HandshakeAttempts int
	ReadTimeout       time.Duration
	ResponseTimeout   time.Duration
	MaxParityRetries  int
}

// DefaultConfig returns the controller's stock link settings.
func DefaultConfig() Config {
	return Config{
		ControllerID:      "Arduino Uno",
		BaudRate:          9600,
		SettleDelay:       2 * time.Second,
		ReadyDelay:        3 * time.Second,
		HandshakePayload:  "octoprint",
		HandshakeAttempts: 3,
		ReadTimeout:       2 * time.Second,
		ResponseTimeout:   30 * time.Second,
		MaxParityRetries:  3,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BaudRate <= 0 {
		c.BaudRate = def.BaudRate
	}
	if c.HandshakePayload == "" {
		c.HandshakePayload = def.HandshakePayload
	}
	if c.HandshakeAttempts <= 0 {
		c.HandshakeAttempts = def.HandshakeAttempts
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = def.ResponseTimeout
	}
	if c.MaxParityRetries <= 0 {
		c.MaxParityRetries = def.MaxParityRetries
	}
	return c
}

// Option customizes a Session.
type Option func(*Session)

// WithPortStore persists the port that completes a handshake.
func WithPortStore(store PortStore) Option {
	return func(s *Session) { s.store = store }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Session) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithDialer replaces how ports are opened.
func WithDialer(dial func(serial.Config) (serial.Conn, error)) Option {
	return func(s *Session) { s.dial = dial }
}

// WithLister replaces port enumeration.
func WithLister(list func() ([]serial.PortInfo, error)) Option {
	return func(s *Session) { s.list = list }
}

// Session is the single link to the controller. Connect, Issue and
// Disconnect are safe for concurrent use; device I/O is serialized.
type Session struct {
	cfg      Config
	store    PortStore
	recorder Recorder
	dial     func(serial.Config) (serial.Conn, error)
	list     func() ([]serial.PortInfo, error)

	// ioMu serializes exchanges on the channel.
	ioMu sync.Mutex

	mu     sync.Mutex
	state  State
	conn   serial.Conn
	ch     *protocol.Channel
	ready  *time.Timer
	subs   map[int]func(Event)
	nextID int
}

// New creates a disconnected session.
func New(cfg Config, opts ...Option) *Session {
	s := &Session{
		cfg:      cfg.withDefaults(),
		recorder: nopRecorder{},
		dial:     serial.Dial,
		list:     serial.ListPorts,
		subs:     make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers fn for session events and returns a function that
// removes it. fn runs on the goroutine that caused the event and must not
// call back into the session.
func (s *Session) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Session) publish(ev Event) {
	ev.Time = time.Now()
	s.mu.Lock()
	subs := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// State returns the connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether commands can be issued.
func (s *Session) IsConnected() bool {
	return s.State() == Connected
}

// Status returns the state and bound port.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state}
	if s.conn != nil {
		st.Device = s.conn.Device()
		st.BaudRate = s.conn.BaudRate()
		if st.BaudRate == 0 {
			st.BaudRate = s.cfg.BaudRate
		}
	}
	return st
}

// Connect discovers the controller and performs the handshake.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Connected:
		dev := s.conn.Device()
		s.mu.Unlock()
		return swerrors.New(swerrors.ErrAlreadyConnected, "already connected").SetDevice(dev)
	case Handshaking:
		s.mu.Unlock()
		return swerrors.New(swerrors.ErrAlreadyConnected, "connection attempt in progress")
	}
	s.state = Handshaking
	s.mu.Unlock()
	s.publish(Event{State: Handshaking, Message: "Connecting"})

	conn, ch, err := s.discover(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = Disconnected
		s.mu.Unlock()
		logger.WithError(err).Warn("connect failed")
		s.publish(Event{State: Disconnected, Message: MessageDisconnected, Err: err})
		return err
	}

	s.mu.Lock()
	s.state = Connected
	s.conn = conn
	s.ch = ch
	if s.cfg.ReadyDelay > 0 {
		s.ready = time.AfterFunc(s.cfg.ReadyDelay, func() { s.announceReady(ch) })
	}
	s.mu.Unlock()

	baud := conn.BaudRate()
	if baud == 0 {
		baud = s.cfg.BaudRate
	}
	if s.store != nil {
		if err := s.store.SavePort(conn.Device(), baud); err != nil {
			logger.WithError(err).Warn("could not persist serial port")
		}
	}
	s.recorder.SetConnected(true)
	logger.WithFields(log.Fields{"device": conn.Device(), "baud": baud}).Info("connected")
	s.publish(Event{State: Connected, Device: conn.Device(), Message: MessageConnected})
	if s.cfg.ReadyDelay <= 0 {
		s.publish(Event{State: Connected, Device: conn.Device(), Message: MessageReady})
	}
	return nil
}

func (s *Session) announceReady(ch *protocol.Channel) {
	s.mu.Lock()
	current := s.ch == ch && s.state == Connected
	dev := ""
	if current {
		dev = s.conn.Device()
	}
	s.mu.Unlock()
	if current {
		s.publish(Event{State: Connected, Device: dev, Message: MessageReady})
	}
}

// Disconnect closes the link. It is a no-op when not connected. While a
// Connect is still handshaking it fails; that Connect settles the state.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state == Handshaking {
		s.mu.Unlock()
		return swerrors.New(swerrors.ErrInvalidRequest, "connection attempt in progress")
	}
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil
	}
	s.reset()
	s.mu.Unlock()

	err := conn.Close()
	s.recorder.SetConnected(false)
	logger.WithField("device", conn.Device()).Info("disconnected")
	s.publish(Event{State: Disconnected, Device: conn.Device(), Message: MessageDisconnected})
	return err
}

// reset clears the link; s.mu must be held.
func (s *Session) reset() {
	if s.ready != nil {
		s.ready.Stop()
		s.ready = nil
	}
	s.conn = nil
	s.ch = nil
	s.state = Disconnected
}

// lost drops ch after an I/O fault unless it was already replaced.
func (s *Session) lost(ch *protocol.Channel, cause error) {
	s.mu.Lock()
	if s.ch != ch {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.reset()
	s.mu.Unlock()

	conn.Close()
	s.recorder.SetConnected(false)
	logger.WithError(cause).WithField("device", conn.Device()).Error("connection lost")
	s.publish(Event{State: Disconnected, Device: conn.Device(), Message: MessageDisconnected, Err: cause})
}

func (s *Session) channel() (*protocol.Channel, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected {
		return nil, ""
	}
	return s.ch, s.conn.Device()
}

func (s *Session) commandOptions() protocol.Options {
	opts := protocol.CommandOptions()
	opts.ReadTimeout = s.cfg.ReadTimeout
	opts.ResponseTimeout = s.cfg.ResponseTimeout
	opts.MaxAttempts = s.cfg.MaxParityRetries
	return opts
}

// Issue sends cmd and waits for its acknowledgement when it asks for one.
// Failures are returned as is; an I/O fault also drops the connection.
func (s *Session) Issue(ctx context.Context, cmd protocol.Command) (protocol.Reply, error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	ch, dev := s.channel()
	if ch == nil {
		return protocol.Reply{}, swerrors.New(swerrors.ErrNotConnected, "device not connected").SetCommand(cmd.Name)
	}

	start := time.Now()
	reply, err := protocol.Exchange(ctx, ch, cmd, s.commandOptions())
	s.recorder.ObserveCommand(cmd.Name, err, time.Since(start))

	entry := logger.WithFields(log.Fields{"command": cmd.Name, "device": dev})
	switch {
	case err == nil:
		if reply.ParityRetries > 0 {
			entry.WithField("retries", reply.ParityRetries).Info("acknowledged after parity retries")
		} else {
			entry.Debug("acknowledged")
		}
	case swerrors.Is(err, swerrors.ErrConnectionLost):
		s.lost(ch, err)
		return reply, swerrors.ConnectionLost(dev, err)
	default:
		entry.WithError(err).Warn("command failed")
	}
	return reply, err
}

// SendRaw writes message to the device verbatim, without parity or newline.
func (s *Session) SendRaw(ctx context.Context, message string) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	ch, dev := s.channel()
	if ch == nil {
		return swerrors.New(swerrors.ErrNotConnected, "device not connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ch.WriteRaw([]byte(message)); err != nil {
		s.lost(ch, err)
		return swerrors.ConnectionLost(dev, err)
	}
	logger.WithField("message", message).Debug("raw message sent")
	return nil
}
