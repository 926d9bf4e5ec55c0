// Package moonraker connects the swapper daemon to a Klipper printer
// through Moonraker's websocket JSON-RPC API. The client sends G-code,
// pauses and resumes prints, follows printer status and hands every
// G-code response line to a handler.
package moonraker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"swapper3d-go/pkg/host"
	"swapper3d-go/pkg/log"
)

var logger = log.GetLogger("moonraker")

// ErrNotConnected is returned by calls made without a live websocket.
var ErrNotConnected = errors.New("moonraker: not connected")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMessage = 512 * 1024
)

// Config holds client configuration.
type Config struct {
	// URL of the websocket endpoint, e.g. ws://127.0.0.1:7125/websocket
	URL string

	// APIKey is sent as X-Api-Key when set.
	APIKey string

	// OnLine receives every line of notify_gcode_response.
	OnLine host.LineHandler

	// CallTimeout bounds a single JSON-RPC call. Zero means 30s.
	CallTimeout time.Duration

	// ReconnectDelay is the pause between dial attempts in Run. Zero
	// means 2s.
	ReconnectDelay time.Duration
}

// JSON-RPC 2.0 structures

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

// jsonRPCMessage is anything the server sends: a response carries an ID,
// a notification carries a Method.
type jsonRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
	ID      *int64          `json:"id,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RPCError is an error reply from Moonraker.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("moonraker: %s: %s (code %d)", e.Method, e.Message, e.Code)
}

// wsConn is one websocket connection and its pumps.
type wsConn struct {
	conn      *websocket.Conn
	sendCh    chan jsonRPCRequest
	done      chan struct{}
	closeOnce sync.Once
}

func (w *wsConn) close() {
	w.closeOnce.Do(func() {
		close(w.done)
		w.conn.Close()
	})
}

// Client is a Moonraker websocket client. It implements host.Sink,
// host.StatusSource and host.PrintQueue.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	mu sync.Mutex
	ws *wsConn

	pendingMu sync.Mutex
	pending   map[int64]chan jsonRPCMessage
	nextID    atomic.Int64

	statusMu sync.RWMutex
	status   printerStatus
}

// New creates a client. Call Connect or Run to open the websocket.
func New(cfg Config) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	return &Client{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pending: make(map[int64]chan jsonRPCMessage),
	}
}

// Connected reports whether a websocket is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Connect dials Moonraker, identifies and subscribes to printer status.
// The returned channel closes when the connection drops.
func (c *Client) Connect(ctx context.Context) (<-chan struct{}, error) {
	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("X-Api-Key", c.cfg.APIKey)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("moonraker: dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("moonraker: dial %s: %w", c.cfg.URL, err)
	}

	ws := &wsConn{
		conn:   conn,
		sendCh: make(chan jsonRPCRequest, 64),
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	if c.ws != nil {
		c.ws.close()
	}
	c.ws = ws
	c.mu.Unlock()

	go c.writePump(ws)
	go c.readPump(ws)

	if err := c.identify(ctx); err != nil {
		logger.WithError(err).Warn("identify rejected")
	}
	if err := c.subscribe(ctx); err != nil {
		c.drop(ws)
		return nil, err
	}
	logger.WithField("url", c.cfg.URL).Info("connected to Moonraker")
	return ws.done, nil
}

// Run keeps the client connected until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	for {
		done, err := c.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.WithError(err).Debug("connect failed, retrying")
		} else {
			select {
			case <-done:
				logger.Warn("Moonraker connection lost")
			case <-ctx.Done():
				c.Close()
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// Close closes the current connection.
func (c *Client) Close() error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		c.drop(ws)
	}
	return nil
}

// drop closes ws and forgets it if it is still the current connection.
func (c *Client) drop(ws *wsConn) {
	ws.close()
	c.mu.Lock()
	current := c.ws == ws
	if current {
		c.ws = nil
	}
	c.mu.Unlock()

	if current {
		c.setKlippyState("disconnected")
	}
}

// Call issues a JSON-RPC request and returns the raw result.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil, ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	id := c.nextID.Add(1)
	replyCh := make(chan jsonRPCMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = replyCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	req := jsonRPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}
	select {
	case ws.sendCh <- req:
	case <-ws.done:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, fmt.Errorf("moonraker: %s: %w", method, ctx.Err())
	}

	select {
	case msg := <-replyCh:
		if msg.Error != nil {
			return nil, &RPCError{Method: method, Code: msg.Error.Code, Message: msg.Error.Message}
		}
		return msg.Result, nil
	case <-ws.done:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, fmt.Errorf("moonraker: %s: %w", method, ctx.Err())
	}
}

func (c *Client) identify(ctx context.Context) error {
	_, err := c.Call(ctx, "server.connection.identify", map[string]any{
		"client_name": "swapper3d",
		"version":     "1.0",
		"type":        "agent",
		"url":         "https://github.com/swapper3d",
	})
	return err
}

func (c *Client) subscribe(ctx context.Context) error {
	res, err := c.Call(ctx, "printer.objects.subscribe", map[string]any{
		"objects": map[string]any{
			"toolhead":    []string{"position", "homed_axes"},
			"print_stats": []string{"state"},
			"webhooks":    []string{"state"},
		},
	})
	if err != nil {
		return err
	}
	var reply struct {
		Status map[string]json.RawMessage `json:"status"`
	}
	if err := json.Unmarshal(res, &reply); err != nil {
		return fmt.Errorf("moonraker: subscribe reply: %w", err)
	}
	c.applyStatus(reply.Status)
	return nil
}

// Send implements host.Sink: one line through printer.gcode.script.
func (c *Client) Send(ctx context.Context, line string) error {
	_, err := c.Call(ctx, "printer.gcode.script", map[string]string{"script": line})
	return err
}

// Submit implements host.PrintQueue.
func (c *Client) Submit(ctx context.Context, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	_, err := c.Call(ctx, "printer.gcode.script", map[string]string{"script": strings.Join(lines, "\n")})
	return err
}

// Pause implements host.PrintQueue for prints Klipper runs itself.
func (c *Client) Pause(ctx context.Context) error {
	_, err := c.Call(ctx, "printer.print.pause", nil)
	return err
}

// Resume implements host.PrintQueue.
func (c *Client) Resume(ctx context.Context) error {
	_, err := c.Call(ctx, "printer.print.resume", nil)
	return err
}

// writePump sends queued requests and keeps the connection alive.
func (c *Client) writePump(ws *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.drop(ws)
	}()

	for {
		select {
		case req := <-ws.sendCh:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteJSON(req); err != nil {
				logger.WithError(err).Warn("websocket write failed")
				return
			}

		case <-ticker.C:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ws.done:
			return
		}
	}
}

// readPump dispatches replies and notifications until the connection
// closes.
func (c *Client) readPump(ws *wsConn) {
	defer c.drop(ws)

	ws.conn.SetReadLimit(maxMessage)
	ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	ws.conn.SetPongHandler(func(string) error {
		ws.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithError(err).Warn("websocket read failed")
			}
			return
		}
		ws.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg jsonRPCMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.WithError(err).Debug("dropping malformed message")
			continue
		}
		if msg.Method != "" {
			c.handleNotification(msg.Method, msg.Params)
			continue
		}
		if msg.ID == nil {
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[*msg.ID]
		c.pendingMu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

func (c *Client) handleNotification(method string, params json.RawMessage) {
	switch method {
	case "notify_gcode_response":
		var lines []string
		if err := json.Unmarshal(params, &lines); err != nil {
			return
		}
		if c.cfg.OnLine == nil {
			return
		}
		for _, chunk := range lines {
			for _, line := range strings.Split(chunk, "\n") {
				if line != "" {
					c.cfg.OnLine(line)
				}
			}
		}

	case "notify_status_update":
		var args []json.RawMessage
		if err := json.Unmarshal(params, &args); err != nil || len(args) == 0 {
			return
		}
		var status map[string]json.RawMessage
		if err := json.Unmarshal(args[0], &status); err != nil {
			return
		}
		c.applyStatus(status)

	case "notify_klippy_ready":
		c.setKlippyState("ready")
	case "notify_klippy_shutdown":
		c.setKlippyState("shutdown")
	case "notify_klippy_disconnected":
		c.setKlippyState("disconnected")
	}
}
