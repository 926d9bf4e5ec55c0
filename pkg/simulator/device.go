// Package simulator emulates the swapper controller firmware: it echoes
// the handshake and acknowledges every command with "<command>_ok", with
// hooks to inject corrupted, failing, noisy or missing replies.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package simulator

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"swapper3d-go/pkg/protocol"
)

// HandshakePayload is what the host sends to open a session.
const HandshakePayload = "octoprint"

// Device is a scripted swapper controller.
type Device struct {
	mu       sync.Mutex
	received []string
	corrupt  map[string]int
	failures map[string]string
	silent   map[string]bool
	noise    map[string][]string
	delay    time.Duration
	state    State
}

// State is the mechanical state the simulator tracks from commands.
type State struct {
	LoadedInsert   int
	CutterDeployed bool
	WiperDeployed  bool
	BoreAlign      bool
	Homed          bool
}

// New returns a device that acknowledges everything.
func New() *Device {
	return &Device{
		corrupt:  make(map[string]int),
		failures: make(map[string]string),
		silent:   make(map[string]bool),
		noise:    make(map[string][]string),
		state:    State{LoadedInsert: -1},
	}
}

// CorruptReplies makes the next n replies to command carry a wrong parity bit.
func (d *Device) CorruptReplies(command string, n int) {
	d.mu.Lock()
	d.corrupt[command] = n
	d.mu.Unlock()
}

// FailCommand makes command answer with reply instead of "<command>_ok".
func (d *Device) FailCommand(command, reply string) {
	d.mu.Lock()
	d.failures[command] = reply
	d.mu.Unlock()
}

// Silence makes command get no reply at all.
func (d *Device) Silence(command string) {
	d.mu.Lock()
	d.silent[command] = true
	d.mu.Unlock()
}

// Noise makes the device emit unrelated lines before answering command.
func (d *Device) Noise(command string, lines ...string) {
	d.mu.Lock()
	d.noise[command] = append(d.noise[command], lines...)
	d.mu.Unlock()
}

// SetDelay delays every reply, like a mechanism taking time to move.
func (d *Device) SetDelay(delay time.Duration) {
	d.mu.Lock()
	d.delay = delay
	d.mu.Unlock()
}

// Received returns the payloads received so far, parity stripped.
func (d *Device) Received() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.received))
	copy(out, d.received)
	return out
}

// Count returns how often payload was received.
func (d *Device) Count(payload string) int {
	n := 0
	for _, r := range d.Received() {
		if r == payload {
			n++
		}
	}
	return n
}

// State returns the tracked mechanical state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Reply returns the framed lines the device sends for one received line.
// Lines with a bad parity bit get no answer.
func (d *Device) Reply(line string) []string {
	payload, ok := protocol.SplitParity(strings.TrimSpace(line))
	if !ok {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.received = append(d.received, payload)

	var out []string
	for _, n := range d.noise[payload] {
		out = append(out, protocol.AppendParity(n))
	}
	if d.silent[payload] {
		return out
	}
	if d.corrupt[payload] > 0 {
		d.corrupt[payload]--
		bad := protocol.AppendParity(payload + "_ok")
		last := bad[len(bad)-1]
		flipped := byte('0')
		if last == '0' {
			flipped = '1'
		}
		return append(out, bad[:len(bad)-1]+string(flipped))
	}
	if reply, failed := d.failures[payload]; failed {
		return append(out, protocol.AppendParity(reply))
	}
	if payload == HandshakePayload {
		return append(out, protocol.AppendParity(HandshakePayload))
	}
	d.apply(payload)
	return append(out, protocol.AppendParity(payload+"_ok"))
}

func (d *Device) apply(payload string) {
	switch {
	case strings.HasPrefix(payload, "load_insert"):
		var n int
		for _, c := range strings.TrimPrefix(payload, "load_insert") {
			if c < '0' || c > '9' {
				return
			}
			n = n*10 + int(c-'0')
		}
		d.state.LoadedInsert = n
	case payload == "unload_stow_insert":
		d.state.LoadedInsert = -1
	case payload == "cutter_deploy":
		d.state.CutterDeployed = true
	case payload == "cutter_stow":
		d.state.CutterDeployed = false
	case payload == "wiper_deploy":
		d.state.WiperDeployed = true
	case payload == "wiper_stow":
		d.state.WiperDeployed = false
	case payload == "borealignon":
		d.state.BoreAlign = true
	case payload == "borealignoff":
		d.state.BoreAlign = false
	case payload == "hometoolrotate":
		d.state.Homed = true
	}
}

// Serve answers lines read from rw until ctx is done or rw fails.
func (d *Device) Serve(ctx context.Context, rw io.ReadWriter) error {
	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(rw)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errCh <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case line := <-lines:
			replies := d.Reply(line)
			d.mu.Lock()
			delay := d.delay
			d.mu.Unlock()
			if delay > 0 && len(replies) > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			for _, r := range replies {
				if _, err := io.WriteString(rw, r+"\n"); err != nil {
					return err
				}
			}
		}
	}
}
