package device

import "time"

// State is the connection state of the session.
type State int

const (
	Disconnected State = iota
	Handshaking
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Handshaking:
		return "Handshaking"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// Messages published with state events.
const (
	MessageConnected    = "Connected"
	MessageReady        = "Ready to Swap!"
	MessageDisconnected = "Disconnected"
)

// Event reports a connection change or a noteworthy session message.
type Event struct {
	State   State
	Device  string
	Message string
	Err     error
	Time    time.Time
}

// Status is a snapshot of the session.
type Status struct {
	State    State
	Device   string
	BaudRate int
}

// PortStore remembers the last port that completed a handshake.
type PortStore interface {
	LoadPort() (device string, baud int, ok bool)
	SavePort(device string, baud int) error
}

// Recorder receives device metrics.
type Recorder interface {
	SetConnected(connected bool)
	ObserveCommand(command string, err error, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) SetConnected(bool)                            {}
func (nopRecorder) ObserveCommand(string, error, time.Duration) {}
