package protocol

import (
	"io"
	"strings"
	"sync"
	"time"

	"swapper3d-go/pkg/serial"
)

// fakeTransport serves scripted input chunks and records writes. When a
// reply script is set, every write queues the next scripted reply.
type fakeTransport struct {
	mu      sync.Mutex
	in      chan []byte
	writes  []string
	timeout time.Duration
	onWrite func(line string) []string
	failRd  error
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 64), timeout: time.Second}
}

func (f *fakeTransport) feed(lines ...string) {
	for _, l := range lines {
		f.in <- []byte(l + "\n")
	}
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	f.mu.Lock()
	timeout, failErr := f.timeout, f.failRd
	f.mu.Unlock()
	if failErr != nil {
		return 0, failErr
	}
	select {
	case chunk := <-f.in:
		return copy(p, chunk), nil
	case <-time.After(timeout):
		return 0, serial.ErrTimeout
	}
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	line := strings.TrimSuffix(string(p), "\n")
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	f.writes = append(f.writes, line)
	hook := f.onWrite
	f.mu.Unlock()
	if hook != nil {
		f.feed(hook(line)...)
	}
	return len(p), nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SetReadTimeout(d time.Duration) {
	f.mu.Lock()
	f.timeout = d
	f.mu.Unlock()
}

func (f *fakeTransport) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func corrupt(payload string) string {
	framed := AppendParity(payload)
	if framed[len(framed)-1] == '0' {
		return payload + "1"
	}
	return payload + "0"
}
