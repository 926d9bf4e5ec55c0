package moonraker

import (
	"encoding/json"
	"strings"
)

// printerStatus caches the subscribed printer objects.
type printerStatus struct {
	klippyState string // webhooks.state
	printState  string // print_stats.state
	position    []float64
	homedAxes   string
	homedKnown  bool
}

func (c *Client) setKlippyState(state string) {
	c.statusMu.Lock()
	c.status.klippyState = state
	c.statusMu.Unlock()
}

// applyStatus merges a partial status update.
func (c *Client) applyStatus(objects map[string]json.RawMessage) {
	var toolhead struct {
		Position  []float64 `json:"position"`
		HomedAxes *string   `json:"homed_axes"`
	}
	var stats, hooks struct {
		State string `json:"state"`
	}

	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	if raw, ok := objects["toolhead"]; ok && json.Unmarshal(raw, &toolhead) == nil {
		if len(toolhead.Position) > 0 {
			c.status.position = toolhead.Position
		}
		if toolhead.HomedAxes != nil {
			c.status.homedAxes = *toolhead.HomedAxes
			c.status.homedKnown = true
		}
	}
	if raw, ok := objects["print_stats"]; ok && json.Unmarshal(raw, &stats) == nil && stats.State != "" {
		c.status.printState = stats.State
	}
	if raw, ok := objects["webhooks"]; ok && json.Unmarshal(raw, &hooks) == nil && hooks.State != "" {
		c.status.klippyState = hooks.State
	}
}

// CurrentZ implements host.StatusSource. Z is unknown until the printer
// reports a position, and while Z is not homed.
func (c *Client) CurrentZ() (float64, bool) {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	if len(c.status.position) < 3 {
		return 0, false
	}
	if c.status.homedKnown && !strings.Contains(c.status.homedAxes, "z") {
		return 0, false
	}
	return c.status.position[2], true
}

// IsReady implements host.StatusSource.
func (c *Client) IsReady() bool {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status.klippyState == "ready"
}

// IsPrinting implements host.PrintQueue.
func (c *Client) IsPrinting() bool {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status.printState == "printing" || c.status.printState == "paused"
}

// KlippyState returns the last reported Klippy state.
func (c *Client) KlippyState() string {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	if c.status.klippyState == "" {
		return "disconnected"
	}
	return c.status.klippyState
}

// PrintState returns the last reported print_stats state.
func (c *Client) PrintState() string {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status.printState
}
