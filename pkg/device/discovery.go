package device

import (
	"context"
	"strings"
	"time"

	swerrors "swapper3d-go/pkg/errors"
	"swapper3d-go/pkg/log"
	"swapper3d-go/pkg/protocol"
	"swapper3d-go/pkg/serial"
)

// Candidates returns the ports Connect will try, in order: the pinned
// device alone if one is configured, otherwise the remembered port, then
// ports whose description names the controller, then the rest.
func (s *Session) Candidates() ([]string, error) {
	if s.cfg.Device != "" {
		return []string{s.cfg.Device}, nil
	}

	var ordered []string
	seen := make(map[string]bool)
	add := func(dev string) {
		if dev != "" && !seen[dev] {
			seen[dev] = true
			ordered = append(ordered, dev)
		}
	}

	if s.store != nil {
		if dev, _, ok := s.store.LoadPort(); ok {
			add(dev)
		}
	}

	ports, err := s.list()
	if err != nil && len(ordered) == 0 {
		return nil, swerrors.Wrap(err, swerrors.ErrNoDeviceFound, "cannot enumerate serial ports")
	}
	var others []string
	for _, p := range ports {
		if s.cfg.ControllerID != "" && strings.Contains(p.Description, s.cfg.ControllerID) {
			add(p.Device)
		} else {
			others = append(others, p.Device)
		}
	}
	for _, dev := range others {
		add(dev)
	}
	return ordered, nil
}

// discover walks the candidates until one completes the handshake.
func (s *Session) discover(ctx context.Context) (serial.Conn, *protocol.Channel, error) {
	candidates, err := s.Candidates()
	if err != nil {
		return nil, nil, err
	}
	if len(candidates) == 0 {
		return nil, nil, swerrors.NoDeviceFound("no serial ports found")
	}

	var lastErr error
	for _, dev := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		s.publish(Event{State: Handshaking, Device: dev, Message: "Trying to connect to " + dev})
		conn, ch, err := s.handshake(ctx, dev)
		if err == nil {
			return conn, ch, nil
		}
		logger.WithFields(log.Fields{"device": dev}).WithError(err).Warn("handshake failed")
		lastErr = err
	}
	return nil, nil, swerrors.Wrap(lastErr, swerrors.ErrNoDeviceFound, "failed to connect to any port")
}

// handshake opens dev, lets the board settle and sends the greeting with
// the resend policy. The port is closed again on failure.
func (s *Session) handshake(ctx context.Context, dev string) (serial.Conn, *protocol.Channel, error) {
	scfg := serial.DefaultConfig()
	scfg.Device = dev
	scfg.BaudRate = s.cfg.BaudRate
	scfg.ReadTimeout = s.cfg.ReadTimeout

	conn, err := s.dial(scfg)
	if err != nil {
		return nil, nil, swerrors.HandshakeFailed(dev, 0, err)
	}

	if s.cfg.SettleDelay > 0 {
		t := time.NewTimer(s.cfg.SettleDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			conn.Close()
			return nil, nil, ctx.Err()
		}
	}

	ch := protocol.NewChannel(conn, s.cfg.ReadTimeout)
	opts := protocol.HandshakeOptions()
	opts.ReadTimeout = s.cfg.ReadTimeout
	opts.MaxAttempts = s.cfg.HandshakeAttempts

	reply, err := protocol.Exchange(ctx, ch, protocol.Cmd(s.cfg.HandshakePayload), opts)
	if err != nil {
		conn.Close()
		return nil, nil, swerrors.HandshakeFailed(dev, reply.Attempts, err)
	}
	logger.WithFields(log.Fields{"device": dev, "attempt": reply.Attempts, "reply": reply.Payload}).Info("handshake successful")
	return conn, ch, nil
}
