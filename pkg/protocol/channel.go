package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"swapper3d-go/pkg/serial"
)

// ErrReadTimeout is returned by ReadLine when no complete line arrived
// within the timeout. Bytes of a partial line stay buffered.
var ErrReadTimeout = errors.New("protocol: read timed out")

// pollInterval bounds each transport read so context cancellation is
// noticed promptly.
const pollInterval = 100 * time.Millisecond

// maxLineLength caps a line without a newline before it is dropped.
const maxLineLength = 1024

// Transport is the byte stream under a Channel. *serial.Port implements it.
type Transport interface {
	io.ReadWriteCloser
	SetReadTimeout(d time.Duration)
}

// Channel frames a Transport into newline-terminated ASCII lines.
// It is not safe for concurrent use; the device session serializes access.
type Channel struct {
	t       Transport
	timeout time.Duration
	pending []byte
	chunk   [256]byte
}

// NewChannel wraps t. timeout is the default for ReadLine.
func NewChannel(t Transport, timeout time.Duration) *Channel {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Channel{t: t, timeout: timeout}
}

// Timeout returns the default line timeout.
func (c *Channel) Timeout() time.Duration {
	return c.timeout
}

// SetTimeout changes the default line timeout.
func (c *Channel) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// WriteLine writes s followed by "\n".
func (c *Channel) WriteLine(s string) error {
	if _, err := c.t.Write([]byte(s + "\n")); err != nil {
		return fmt.Errorf("protocol: write: %w", err)
	}
	return nil
}

// WriteRaw writes b unframed.
func (c *Channel) WriteRaw(b []byte) error {
	if _, err := c.t.Write(b); err != nil {
		return fmt.Errorf("protocol: write: %w", err)
	}
	return nil
}

// ReadLine returns the next line with surrounding whitespace (including
// "\r") removed. Blank lines are skipped. A zero timeout uses the
// channel default.
func (c *Channel) ReadLine(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	deadline := time.Now().Add(timeout)
	for {
		if line, ok := c.nextBuffered(); ok {
			return line, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrReadTimeout
		}
		if remaining > pollInterval {
			remaining = pollInterval
		}
		c.t.SetReadTimeout(remaining)
		n, err := c.t.Read(c.chunk[:])
		if n > 0 {
			c.pending = append(c.pending, c.chunk[:n]...)
			if len(c.pending) > maxLineLength && bytes.IndexByte(c.pending, '\n') < 0 {
				c.pending = c.pending[:0]
			}
		}
		if err != nil && !errors.Is(err, serial.ErrTimeout) {
			return "", fmt.Errorf("protocol: read: %w", err)
		}
	}
}

func (c *Channel) nextBuffered() (string, bool) {
	for {
		i := bytes.IndexByte(c.pending, '\n')
		if i < 0 {
			return "", false
		}
		line := strings.TrimSpace(string(c.pending[:i]))
		c.pending = c.pending[i+1:]
		if line != "" {
			return line, true
		}
	}
}

// Discard drops buffered input, e.g. boot noise after opening a port.
func (c *Channel) Discard() {
	c.pending = c.pending[:0]
}

// Close closes the transport.
func (c *Channel) Close() error {
	return c.t.Close()
}
