package device

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	swerrors "swapper3d-go/pkg/errors"
	"swapper3d-go/pkg/protocol"
	"swapper3d-go/pkg/serial"
	"swapper3d-go/pkg/simulator"
)

// bench wires simulated controllers to device names over net.Pipe.
type bench struct {
	t       *testing.T
	ctx     context.Context
	mu      sync.Mutex
	devices map[string]*simulator.Device
	remotes map[string]net.Conn
	dials   []string
}

func newBench(t *testing.T) *bench {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &bench{
		t:       t,
		ctx:     ctx,
		devices: make(map[string]*simulator.Device),
		remotes: make(map[string]net.Conn),
	}
}

func (b *bench) add(name string) *simulator.Device {
	d := simulator.New()
	b.devices[name] = d
	return d
}

func (b *bench) dial(cfg serial.Config) (serial.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials = append(b.dials, cfg.Device)
	dev, ok := b.devices[cfg.Device]
	if !ok {
		return nil, serial.ErrClosed
	}
	host, remote := net.Pipe()
	b.remotes[cfg.Device] = remote
	go dev.Serve(b.ctx, remote)
	return serial.NewNetPort(host, cfg.Device), nil
}

func (b *bench) dialed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.dials...)
}

func (b *bench) hangUp(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remotes[name].Close()
}

func listOf(ports ...serial.PortInfo) func() ([]serial.PortInfo, error) {
	return func() ([]serial.PortInfo, error) { return ports, nil }
}

type memStore struct {
	mu     sync.Mutex
	device string
	baud   int
}

func (m *memStore) LoadPort() (string, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device, m.baud, m.device != ""
}

func (m *memStore) SavePort(device string, baud int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.device, m.baud = device, baud
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SettleDelay = 0
	cfg.ReadyDelay = 0
	cfg.ReadTimeout = 100 * time.Millisecond
	cfg.ResponseTimeout = time.Second
	return cfg
}

func TestConnectScenarioB(t *testing.T) {
	b := newBench(t)
	first := b.add("/dev/ttyACM0")
	first.CorruptReplies(simulator.HandshakePayload, 100)
	second := b.add("/dev/ttyACM1")
	second.CorruptReplies(simulator.HandshakePayload, 1)
	b.add("/dev/ttyACM2")

	store := &memStore{}
	s := New(testConfig(),
		WithDialer(b.dial),
		WithLister(listOf(
			serial.PortInfo{Device: "/dev/ttyACM0"},
			serial.PortInfo{Device: "/dev/ttyACM1"},
			serial.PortInfo{Device: "/dev/ttyACM2"},
		)),
		WithPortStore(store))

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, Connected, s.State())
	assert.Equal(t, "/dev/ttyACM1", s.Status().Device)
	assert.Equal(t, []string{"/dev/ttyACM0", "/dev/ttyACM1"}, b.dialed())
	assert.Equal(t, 3, first.Count(simulator.HandshakePayload))
	assert.Equal(t, 2, second.Count(simulator.HandshakePayload))

	dev, baud, ok := store.LoadPort()
	require.True(t, ok)
	assert.Equal(t, "/dev/ttyACM1", dev)
	assert.Equal(t, 9600, baud)
}

func TestCandidatesOrder(t *testing.T) {
	store := &memStore{device: "/dev/ttyUSB9", baud: 9600}
	s := New(testConfig(),
		WithPortStore(store),
		WithLister(listOf(
			serial.PortInfo{Device: "/dev/ttyACM0", Description: "CP2102"},
			serial.PortInfo{Device: "/dev/ttyACM1", Description: "Arduino Uno"},
			serial.PortInfo{Device: "/dev/ttyUSB9", Description: "Arduino Uno"},
		)))

	got, err := s.Candidates()
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/ttyUSB9", "/dev/ttyACM1", "/dev/ttyACM0"}, got)
}

func TestCandidatesPinnedDevice(t *testing.T) {
	cfg := testConfig()
	cfg.Device = "unix:/tmp/swapper3d"
	s := New(cfg, WithLister(func() ([]serial.PortInfo, error) {
		t.Fatal("lister must not run for a pinned device")
		return nil, nil
	}))
	got, err := s.Candidates()
	require.NoError(t, err)
	assert.Equal(t, []string{"unix:/tmp/swapper3d"}, got)
}

func TestConnectNoPorts(t *testing.T) {
	s := New(testConfig(), WithLister(listOf()))
	err := s.Connect(context.Background())
	assert.True(t, swerrors.Is(err, swerrors.ErrNoDeviceFound), "err = %v", err)
	assert.Equal(t, Disconnected, s.State())
}

func TestConnectAllHandshakesFail(t *testing.T) {
	b := newBench(t)
	b.add("/dev/ttyACM0").Silence(simulator.HandshakePayload)
	s := New(testConfig(), WithDialer(b.dial), WithLister(listOf(serial.PortInfo{Device: "/dev/ttyACM0"})))

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, swerrors.Is(err, swerrors.ErrNoDeviceFound))
	assert.True(t, swerrors.Is(err, swerrors.ErrHandshakeFailed))
	assert.Equal(t, Disconnected, s.State())
}

func connected(t *testing.T) (*Session, *bench, *simulator.Device) {
	t.Helper()
	b := newBench(t)
	dev := b.add("/dev/ttyACM0")
	s := New(testConfig(), WithDialer(b.dial), WithLister(listOf(serial.PortInfo{Device: "/dev/ttyACM0"})))
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { s.Disconnect() })
	return s, b, dev
}

func TestConnectTwiceRejected(t *testing.T) {
	s, _, _ := connected(t)
	err := s.Connect(context.Background())
	assert.True(t, swerrors.Is(err, swerrors.ErrAlreadyConnected), "err = %v", err)
	assert.Equal(t, Connected, s.State())
}

func TestDisconnectIdempotent(t *testing.T) {
	s, _, _ := connected(t)
	require.NoError(t, s.Disconnect())
	require.NoError(t, s.Disconnect())
	assert.Equal(t, Disconnected, s.State())

	_, err := s.Issue(context.Background(), protocol.Cmd("cutter_open"))
	assert.True(t, swerrors.Is(err, swerrors.ErrNotConnected))
}

func TestDisconnectDuringHandshakeRejected(t *testing.T) {
	release := make(chan struct{})
	dialing := make(chan struct{})
	dial := func(serial.Config) (serial.Conn, error) {
		close(dialing)
		<-release
		return nil, serial.ErrClosed
	}
	cfg := testConfig()
	cfg.Device = "/dev/ttyACM0"
	s := New(cfg, WithDialer(dial), WithLister(listOf()))

	done := make(chan error, 1)
	go func() { done <- s.Connect(context.Background()) }()
	<-dialing
	require.Equal(t, Handshaking, s.State())

	err := s.Disconnect()
	assert.True(t, swerrors.Is(err, swerrors.ErrInvalidRequest), "err = %v", err)
	assert.Equal(t, Handshaking, s.State())

	close(release)
	select {
	case err := <-done:
		assert.True(t, swerrors.Is(err, swerrors.ErrNoDeviceFound), "err = %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return")
	}
	assert.Equal(t, Disconnected, s.State())
	assert.NoError(t, s.Disconnect())
}

func TestIssueAcknowledged(t *testing.T) {
	s, _, dev := connected(t)
	reply, err := s.Issue(context.Background(), protocol.Cmd("load_insert4"))
	require.NoError(t, err)
	assert.Equal(t, "load_insert4_ok", reply.Payload)
	assert.Equal(t, 4, dev.State().LoadedInsert)
}

func TestIssueStepFailureKeepsConnection(t *testing.T) {
	s, _, dev := connected(t)
	dev.FailCommand("cutter_cut", "cutter_cut_jam")
	_, err := s.Issue(context.Background(), protocol.Cmd("cutter_cut"))
	assert.True(t, swerrors.Is(err, swerrors.ErrActuatorStepFailed))
	assert.Equal(t, Connected, s.State())
}

func TestIssueConnectionLost(t *testing.T) {
	s, b, _ := connected(t)
	var events []Event
	var mu sync.Mutex
	s.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	b.hangUp("/dev/ttyACM0")
	_, err := s.Issue(context.Background(), protocol.Cmd("cutter_open"))
	assert.True(t, swerrors.Is(err, swerrors.ErrConnectionLost), "err = %v", err)
	assert.Equal(t, Disconnected, s.State())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	assert.Equal(t, Disconnected, events[len(events)-1].State)
}

func TestIssueSerialized(t *testing.T) {
	s, _, dev := connected(t)
	dev.SetDelay(30 * time.Millisecond)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for _, name := range []string{"cutter_open", "cutter_deploy", "cutter_cut", "cutter_stow"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, err := s.Issue(context.Background(), protocol.Cmd(name))
			errs <- err
		}(name)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, dev.Received(), 5)
}

func TestSendRaw(t *testing.T) {
	s, _, dev := connected(t)
	require.NoError(t, s.SendRaw(context.Background(), protocol.AppendParity("wiper_deploy")+"\n"))
	require.Eventually(t, func() bool { return dev.Count("wiper_deploy") == 1 }, time.Second, 10*time.Millisecond)
}

func TestConnectPublishesEvents(t *testing.T) {
	b := newBench(t)
	b.add("/dev/ttyACM0")
	s := New(testConfig(), WithDialer(b.dial), WithLister(listOf(serial.PortInfo{Device: "/dev/ttyACM0"})))

	var messages []string
	s.Subscribe(func(ev Event) { messages = append(messages, ev.Message) })
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	assert.Contains(t, messages, MessageConnected)
	assert.Contains(t, messages, MessageReady)
}
