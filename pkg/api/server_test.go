package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swapper3d-go/pkg/device"
	swerrors "swapper3d-go/pkg/errors"
	"swapper3d-go/pkg/stats"
	"swapper3d-go/pkg/swap"
)

var (
	_ Device  = (*device.Session)(nil)
	_ Swapper = (*swap.Orchestrator)(nil)
)

type fakeDevice struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	sent       []string
	subs       []func(device.Event)
}

func (d *fakeDevice) Connect(context.Context) error {
	d.mu.Lock()
	if d.connected {
		d.mu.Unlock()
		return swerrors.New(swerrors.ErrAlreadyConnected, "already connected")
	}
	if d.connectErr != nil {
		d.mu.Unlock()
		return d.connectErr
	}
	d.connected = true
	subs := append([]func(device.Event){}, d.subs...)
	d.mu.Unlock()
	for _, fn := range subs {
		fn(device.Event{State: device.Connected, Message: device.MessageConnected, Time: time.Now()})
	}
	return nil
}

func (d *fakeDevice) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

func (d *fakeDevice) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDevice) SendRaw(_ context.Context, msg string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, msg)
	return nil
}

func (d *fakeDevice) Status() device.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		return device.Status{State: device.Connected, Device: "/dev/ttyACM0", BaudRate: 9600}
	}
	return device.Status{State: device.Disconnected}
}

func (d *fakeDevice) Subscribe(fn func(device.Event)) func() {
	d.mu.Lock()
	d.subs = append(d.subs, fn)
	d.mu.Unlock()
	return func() {}
}

type fakeSwapper struct {
	mu      sync.Mutex
	loads   []int
	unloads int
	bore    []bool
	err     error
	sess    swap.Session
	subs    []func(swap.Event)
}

func (s *fakeSwapper) RequestLoad(_ context.Context, insert int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads = append(s.loads, insert)
	return s.err
}

func (s *fakeSwapper) RequestUnload(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unloads++
	return s.err
}

func (s *fakeSwapper) BoreAlign(_ context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bore = append(s.bore, on)
	return s.err
}

func (s *fakeSwapper) Snapshot() swap.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

func (s *fakeSwapper) Subscribe(fn func(swap.Event)) func() {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
	return func() {}
}

func (s *fakeSwapper) emit(ev swap.Event) {
	s.mu.Lock()
	subs := append([]func(swap.Event){}, s.subs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

type rig struct {
	dev *fakeDevice
	sw  *fakeSwapper
	srv *Server
}

func newRig(t *testing.T, opts ...Option) *rig {
	t.Helper()
	r := &rig{dev: &fakeDevice{}, sw: &fakeSwapper{sess: swap.NewSession()}}
	r.srv = New(r.dev, r.sw, opts...)
	t.Cleanup(r.srv.Close)
	return r
}

func (r *rig) post(t *testing.T, path, body string) (int, CommandResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.srv.Handler().ServeHTTP(w, req)
	var resp CommandResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func TestCommandConnect(t *testing.T) {
	r := newRig(t)

	code, resp := r.post(t, "/api/command", `{"command":"connect"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "True", resp.Result)
	assert.True(t, r.dev.IsConnected())

	code, resp = r.post(t, "/api/command", `{"command":"connect"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "False", resp.Result)
	assert.Equal(t, "Already connected.", resp.Error)
}

func TestCommandConnectFailure(t *testing.T) {
	r := newRig(t)
	r.dev.connectErr = swerrors.NoDeviceFound("no candidate port answered")

	code, resp := r.post(t, "/api/connect", "")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "False", resp.Result)
	assert.Contains(t, resp.Error, "no candidate port answered")
}

func TestCommandDisconnect(t *testing.T) {
	r := newRig(t)

	code, resp := r.post(t, "/api/command", `{"command":"disconnect"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "No connection to close.", resp.Error)

	r.dev.connected = true
	code, resp = r.post(t, "/api/disconnect", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "True", resp.Result)
	assert.False(t, r.dev.IsConnected())
}

func TestCommandLoadInsert(t *testing.T) {
	r := newRig(t)

	tests := []struct {
		name string
		path string
		body string
		code int
	}{
		{"number", "/api/command", `{"command":"load_insert","insert_number":3}`, http.StatusOK},
		{"string", "/api/command", `{"command":"load_insert","insert_number":"4"}`, http.StatusOK},
		{"rest", "/api/load/5", "", http.StatusOK},
		{"not a number", "/api/command", `{"command":"load_insert","insert_number":"abc"}`, http.StatusBadRequest},
		{"missing", "/api/command", `{"command":"load_insert"}`, http.StatusBadRequest},
		{"fraction", "/api/load/2.5", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := r.post(t, tt.path, tt.body)
			assert.Equal(t, tt.code, code)
		})
	}
	assert.Equal(t, []int{3, 4, 5}, r.sw.loads)
}

func TestCommandErrorsPropagate(t *testing.T) {
	r := newRig(t)
	r.sw.err = swerrors.New(swerrors.ErrSwapInProgress, "a swap is already in progress")

	code, resp := r.post(t, "/api/command", `{"command":"unload"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "a swap is already in progress", resp.Error)

	r.sw.err = swerrors.New(swerrors.ErrInvalidRequest, "invalid insert -1")
	code, _ = r.post(t, "/api/load/-1", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCommandBoreAlign(t *testing.T) {
	r := newRig(t)

	code, _ := r.post(t, "/api/command", `{"command":"borealignon"}`)
	assert.Equal(t, http.StatusOK, code)
	code, _ = r.post(t, "/api/bore-align/off", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = r.post(t, "/api/bore-align/sideways", "")
	assert.Equal(t, http.StatusBadRequest, code)

	assert.Equal(t, []bool{true, false}, r.sw.bore)
}

func TestCommandSend(t *testing.T) {
	r := newRig(t)

	code, _ := r.post(t, "/api/command", `{"command":"send","message":"cutter_open1"}`)
	assert.Equal(t, http.StatusOK, code)
	code, _ = r.post(t, "/api/send", `{"message":"cutter_cut0"}`)
	assert.Equal(t, http.StatusOK, code)
	code, _ = r.post(t, "/api/send", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)

	assert.Equal(t, []string{"cutter_open1", "cutter_cut0"}, r.dev.sent)
}

func TestCommandUnknownAndMalformed(t *testing.T) {
	r := newRig(t)

	code, resp := r.post(t, "/api/command", `{"command":"explode"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "Command not recognized.", resp.Error)

	code, resp = r.post(t, "/api/command", `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid JSON body", resp.Error)
}

func TestStatus(t *testing.T) {
	mem := stats.NewMemoryStore()
	require.NoError(t, mem.IncSwaps(context.Background()))
	r := newRig(t, WithStats(mem))
	r.dev.connected = true
	r.sw.sess.CurrentInsert = 2
	r.sw.sess.State = swap.ActuatingLoad

	w := httptest.NewRecorder()
	r.srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var got StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "Connected", got.Device.State)
	assert.Equal(t, "/dev/ttyACM0", got.Device.Port)
	assert.Equal(t, 2, got.Swap.CurrentInsert)
	assert.Equal(t, "actuating_load", got.State)
	require.NotNil(t, got.Stats)
	assert.Equal(t, int64(1), got.Stats.Swaps)
}

func TestHealthzAndCORS(t *testing.T) {
	r := newRig(t)

	w := httptest.NewRecorder()
	r.srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/command", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m Message
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestEventStream(t *testing.T) {
	r := newRig(t)
	r.sw.sess.CurrentInsert = 4
	ts := httptest.NewServer(r.srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	assert.Equal(t, Message{Type: "connectionState", Message: "Disconnected"}, stripTime(readMessage(t, conn)))
	second := readMessage(t, conn)
	assert.Equal(t, "currentlyLoadedInsert", second.Type)
	assert.Equal(t, "4", second.Message)

	require.Eventually(t, func() bool { return r.srv.Hub().Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	r.sw.emit(swap.Event{Type: swap.EventLoadedInsert, Message: "2", Time: time.Now()})
	m := readMessage(t, conn)
	assert.Equal(t, "currentlyLoadedInsert", m.Type)
	assert.Equal(t, "2", m.Message)

	// a connect command logs, then the device reports its state
	code, _ := r.post(t, "/api/connect", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, Message{Type: "log", Message: "Received command: connect"}, stripTime(readMessage(t, conn)))
	assert.Equal(t, Message{Type: "connectionState", Message: "Connected"}, stripTime(readMessage(t, conn)))
}

func stripTime(m Message) Message {
	m.Time = time.Time{}
	return m
}
