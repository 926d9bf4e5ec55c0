// Package api serves the swapper command endpoint: the plugin-style
// POST /api/command, REST aliases for each command, a status document
// and a websocket stream of swapper events.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"swapper3d-go/pkg/device"
	swerrors "swapper3d-go/pkg/errors"
	"swapper3d-go/pkg/log"
	"swapper3d-go/pkg/stats"
	"swapper3d-go/pkg/swap"
)

var logger = log.GetLogger("api")

const maxBodyBytes = 64 << 10

// Device is the controller link as the endpoint drives it.
type Device interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	SendRaw(ctx context.Context, message string) error
	Status() device.Status
	Subscribe(fn func(device.Event)) func()
}

// Swapper runs swap cycles.
type Swapper interface {
	RequestLoad(ctx context.Context, insert int) error
	RequestUnload(ctx context.Context) error
	BoreAlign(ctx context.Context, on bool) error
	Snapshot() swap.Session
	Subscribe(fn func(swap.Event)) func()
}

// StatsReader exposes lifetime counters.
type StatsReader interface {
	Snapshot(ctx context.Context) (stats.Snapshot, error)
}

// Option configures a Server.
type Option func(*Server)

// WithStats adds counters to the status document.
func WithStats(st StatsReader) Option {
	return func(s *Server) { s.stats = st }
}

// Server is the HTTP command endpoint.
type Server struct {
	dev    Device
	sw     Swapper
	stats  StatsReader
	hub    *Hub
	router chi.Router
	unsubs []func()
}

// CommandRequest is the body of POST /api/command.
type CommandRequest struct {
	Command      string          `json:"command"`
	InsertNumber json.RawMessage `json:"insert_number,omitempty"`
	Message      *string         `json:"message,omitempty"`
}

// CommandResponse mirrors the plugin's reply: result is "True" or "False".
type CommandResponse struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// New builds the endpoint and subscribes to device and swapper events.
func New(dev Device, sw Swapper, opts ...Option) *Server {
	s := &Server{dev: dev, sw: sw}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = NewHub(s.greeting)
	s.unsubs = append(s.unsubs,
		dev.Subscribe(s.onDeviceEvent),
		sw.Subscribe(s.onSwapEvent),
	)
	s.router = s.routes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the event hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close unsubscribes and drops event listeners.
func (s *Server) Close() {
	for _, u := range s.unsubs {
		u()
	}
	s.unsubs = nil
	s.hub.Close()
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/command", s.handleCommand)
		r.Post("/connect", s.adapt(s.connect))
		r.Post("/disconnect", s.adapt(s.disconnect))
		r.Post("/unload", s.adapt(s.unload))
		r.Post("/load/{insert}", func(w http.ResponseWriter, r *http.Request) {
			s.reply(w, s.loadInsert(r.Context(), chi.URLParam(r, "insert")))
		})
		r.Post("/bore-align/{state}", func(w http.ResponseWriter, r *http.Request) {
			switch chi.URLParam(r, "state") {
			case "on":
				s.reply(w, s.boreAlign(r.Context(), true))
			case "off":
				s.reply(w, s.boreAlign(r.Context(), false))
			default:
				s.reply(w, invalid("bore alignment state must be on or off"))
			}
		})
		r.Post("/send", func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				Message *string `json:"message"`
			}
			if err := decode(w, r, &body); err != nil {
				s.reply(w, err)
				return
			}
			s.reply(w, s.send(r.Context(), body.Message))
		})
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.hub.ServeHTTP)
	})
	return r
}

func (s *Server) adapt(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.reply(w, fn(r.Context()))
	}
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := decode(w, r, &req); err != nil {
		s.reply(w, err)
		return
	}
	ctx := r.Context()

	var err error
	switch req.Command {
	case "connect":
		err = s.connect(ctx)
	case "disconnect":
		err = s.disconnect(ctx)
	case "send":
		err = s.send(ctx, req.Message)
	case "load_insert":
		err = s.loadInsert(ctx, rawInsert(req.InsertNumber))
	case "unload":
		err = s.unload(ctx)
	case "borealignon":
		err = s.boreAlign(ctx, true)
	case "borealignoff":
		err = s.boreAlign(ctx, false)
	default:
		s.log(fmt.Sprintf("Command not recognized: %s", req.Command))
		s.fail(w, http.StatusInternalServerError, "Command not recognized.")
		return
	}
	s.reply(w, err)
}

func (s *Server) connect(ctx context.Context) error {
	s.log("Received command: connect")
	if err := s.dev.Connect(ctx); err != nil {
		if swerrors.Is(err, swerrors.ErrAlreadyConnected) {
			s.log("Already connected.")
			return err
		}
		s.log(fmt.Sprintf("Handshake failed: %v", err))
		return err
	}
	return nil
}

func (s *Server) disconnect(context.Context) error {
	if !s.dev.IsConnected() {
		s.log("No connection to close.")
		return swerrors.New(swerrors.ErrNotConnected, "No connection to close.")
	}
	s.log("Disconnecting.")
	if err := s.dev.Disconnect(); err != nil {
		s.log(fmt.Sprintf("Failed to disconnect: %v", err))
		return err
	}
	s.log("Disconnected.")
	return nil
}

func (s *Server) send(ctx context.Context, message *string) error {
	if message == nil {
		return invalid("message is required")
	}
	s.log(fmt.Sprintf("Sending message: %s", *message))
	if err := s.dev.SendRaw(ctx, *message); err != nil {
		s.log(fmt.Sprintf("Failed to send message: %v", err))
		return err
	}
	s.log("Message sent.")
	return nil
}

func (s *Server) loadInsert(ctx context.Context, raw string) error {
	s.log(fmt.Sprintf("Raw insert_number received: %s", raw))
	insert, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		s.log("Invalid insert_number: cannot convert to integer")
		return invalid("Invalid insert_number: cannot convert to integer")
	}
	s.log(fmt.Sprintf("Attempting to swap to insert#: %d", insert))
	if err := s.sw.RequestLoad(ctx, insert); err != nil {
		s.log(fmt.Sprintf("Failed to swap to insert: %v", err))
		return err
	}
	return nil
}

func (s *Server) unload(ctx context.Context) error {
	s.log("Received command: unload")
	if err := s.sw.RequestUnload(ctx); err != nil {
		s.log(fmt.Sprintf("Unload failed: %v", err))
		return err
	}
	s.log("Unload successful")
	return nil
}

func (s *Server) boreAlign(ctx context.Context, on bool) error {
	cmd, state := "borealignoff", "off"
	if on {
		cmd, state = "borealignon", "on"
	}
	s.log("Received command: " + cmd)
	if err := s.sw.BoreAlign(ctx, on); err != nil {
		s.log(fmt.Sprintf("Bore alignment %s failed: %v", state, err))
		return err
	}
	if !on {
		s.log("Bore alignment off successful")
	}
	return nil
}

// rawInsert accepts insert_number as a JSON number or string.
func rawInsert(raw json.RawMessage) string {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return string(raw)
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Device struct {
		State    string `json:"state"`
		Port     string `json:"port,omitempty"`
		BaudRate int    `json:"baudrate,omitempty"`
	} `json:"device"`
	Swap  swap.Session    `json:"swap"`
	State string          `json:"swap_state"`
	Stats *stats.Snapshot `json:"stats,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp StatusResponse
	st := s.dev.Status()
	resp.Device.State = st.State.String()
	resp.Device.Port = st.Device
	resp.Device.BaudRate = st.BaudRate
	resp.Swap = s.sw.Snapshot()
	resp.State = resp.Swap.State.String()
	if s.stats != nil {
		snap, err := s.stats.Snapshot(r.Context())
		if err != nil {
			logger.WithError(err).Warn("stats unavailable")
		} else {
			resp.Stats = &snap
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) greeting() []Message {
	out := []Message{{Type: string(swap.EventConnectionState), Message: device.MessageDisconnected}}
	if s.dev.IsConnected() {
		out[0].Message = device.MessageConnected
	}
	if sess := s.sw.Snapshot(); sess.CurrentInsert >= 0 {
		out = append(out, Message{
			Type:    string(swap.EventLoadedInsert),
			Message: strconv.Itoa(sess.CurrentInsert),
		})
	}
	return out
}

func (s *Server) onDeviceEvent(ev device.Event) {
	switch ev.Message {
	case device.MessageConnected, device.MessageReady, device.MessageDisconnected:
		s.hub.Broadcast(Message{Type: string(swap.EventConnectionState), Message: ev.Message, Time: ev.Time})
	default:
		if ev.Message != "" {
			s.hub.Broadcast(Message{Type: string(swap.EventLog), Message: ev.Message, Time: ev.Time})
		}
	}
	if ev.Err != nil {
		s.hub.Broadcast(Message{Type: string(swap.EventLog), Message: ev.Err.Error(), Time: ev.Time})
	}
}

func (s *Server) onSwapEvent(ev swap.Event) {
	s.hub.Broadcast(Message{Type: string(ev.Type), Message: ev.Message, Time: ev.Time})
}

func (s *Server) log(msg string) {
	s.hub.Broadcast(Message{Type: string(swap.EventLog), Message: msg})
}

func (s *Server) reply(w http.ResponseWriter, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, CommandResponse{Result: "True"})
		return
	}
	s.fail(w, statusFor(err), messageFor(err))
}

func (s *Server) fail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, CommandResponse{Result: "False", Error: msg})
}

func invalid(msg string) error {
	return swerrors.New(swerrors.ErrInvalidRequest, msg)
}

func statusFor(err error) int {
	if swerrors.Is(err, swerrors.ErrInvalidRequest) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// messageFor drops the code prefix from plain HostErrors.
func messageFor(err error) string {
	if swerrors.Is(err, swerrors.ErrAlreadyConnected) {
		return "Already connected."
	}
	var he *swerrors.HostError
	if stderrors.As(err, &he) && he.Err == nil && he.Message != "" {
		return he.Message
	}
	return err.Error()
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return invalid("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.WithFields(log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"elapsed":    time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}

// cors allows the printer web UI, served from another origin, to call in.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
