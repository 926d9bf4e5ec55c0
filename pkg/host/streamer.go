package host

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"swapper3d-go/pkg/gcode"
	"swapper3d-go/pkg/log"
)

var logger = log.GetLogger("host")

// ErrJobActive is returned when a job is started while another runs.
var ErrJobActive = errors.New("host: a print job is already streaming")

// Sink delivers lines to the printer.
type Sink interface {
	Send(ctx context.Context, line string) error
}

// StatusSource is implemented by sinks that know the live printer state.
type StatusSource interface {
	CurrentZ() (float64, bool)
	IsReady() bool
}

// Streamer feeds G-code to a Sink. Submitted lines go first and are sent
// even while paused; job lines are held back while paused. Every line
// passes through the intercept hook before it is sent.
type Streamer struct {
	sink      Sink
	intercept InterceptFunc

	mu       sync.Mutex
	wake     chan struct{}
	priority []string
	job      *job
	paused   bool

	relative bool
	z        float64
	zKnown   bool
	sent     int
}

type job struct {
	name    string
	scanner *bufio.Scanner
	closer  io.Closer
	done    chan error
	lines   int
}

// NewStreamer creates a streamer. Call Run to start delivering lines.
func NewStreamer(sink Sink) *Streamer {
	return &Streamer{sink: sink, wake: make(chan struct{}, 1)}
}

// SetIntercept installs the hook consulted for every outbound line.
func (s *Streamer) SetIntercept(fn InterceptFunc) {
	s.mu.Lock()
	s.intercept = fn
	s.mu.Unlock()
}

func (s *Streamer) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Submit implements PrintQueue.
func (s *Streamer) Submit(_ context.Context, lines []string) error {
	s.mu.Lock()
	s.priority = append(s.priority, lines...)
	s.mu.Unlock()
	s.signal()
	return nil
}

// Pause implements PrintQueue.
func (s *Streamer) Pause(context.Context) error {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	logger.Debug("stream paused")
	return nil
}

// Resume implements PrintQueue.
func (s *Streamer) Resume(context.Context) error {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.signal()
	logger.Debug("stream resumed")
	return nil
}

// Paused reports whether job lines are held back.
func (s *Streamer) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// CurrentZ implements PrintQueue. A sink with live state wins over the
// position tracked from sent lines.
func (s *Streamer) CurrentZ() (float64, bool) {
	if src, ok := s.sink.(StatusSource); ok {
		if z, ok := src.CurrentZ(); ok {
			return z, true
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.z, s.zKnown
}

// IsReady implements PrintQueue.
func (s *Streamer) IsReady() bool {
	if src, ok := s.sink.(StatusSource); ok {
		return src.IsReady()
	}
	return true
}

// IsPrinting implements PrintQueue.
func (s *Streamer) IsPrinting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job != nil
}

// Sent returns how many lines reached the sink.
func (s *Streamer) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// PrintFile starts streaming path. The returned channel yields the job
// result once the last line was sent.
func (s *Streamer) PrintFile(path string) (<-chan error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open gcode file: %w", err)
	}
	done, err := s.Start(path, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return done, nil
}

// Start streams r as a print job. r is closed at the end when it is an
// io.Closer.
func (s *Streamer) Start(name string, r io.Reader) (<-chan error, error) {
	s.mu.Lock()
	if s.job != nil {
		s.mu.Unlock()
		return nil, ErrJobActive
	}
	j := &job{name: name, scanner: bufio.NewScanner(r), done: make(chan error, 1)}
	if c, ok := r.(io.Closer); ok {
		j.closer = c
	}
	s.job = j
	s.mu.Unlock()
	s.signal()
	logger.WithField("job", name).Info("print job started")
	return j.done, nil
}

// Cancel stops the running job, if any.
func (s *Streamer) Cancel() {
	s.mu.Lock()
	j := s.job
	s.job = nil
	s.mu.Unlock()
	if j != nil {
		s.finish(j, context.Canceled)
	}
}

func (s *Streamer) finish(j *job, err error) {
	if j.closer != nil {
		j.closer.Close()
	}
	entry := logger.WithFields(log.Fields{"job": j.name, "lines": j.lines})
	if err != nil {
		entry.WithError(err).Warn("print job ended")
	} else {
		entry.Info("print job complete")
	}
	j.done <- err
}

// next returns the next line to send. fromJob is the job it came from.
func (s *Streamer) next() (line string, fromJob *job, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.priority) > 0 {
		line = s.priority[0]
		s.priority = s.priority[1:]
		return line, nil, true
	}
	for !s.paused && s.job != nil {
		j := s.job
		if !j.scanner.Scan() {
			s.job = nil
			err := j.scanner.Err()
			go s.finish(j, err)
			return "", nil, false
		}
		if ln := gcode.StripComment(j.scanner.Text()); ln != "" {
			j.lines++
			return ln, j, true
		}
	}
	return "", nil, false
}

// Run delivers lines until ctx is done.
func (s *Streamer) Run(ctx context.Context) error {
	for {
		line, j, ok := s.next()
		if !ok {
			select {
			case <-ctx.Done():
				s.Cancel()
				return ctx.Err()
			case <-s.wake:
			}
			continue
		}

		s.mu.Lock()
		intercept := s.intercept
		s.mu.Unlock()
		if intercept != nil && intercept(line) == Suppress {
			continue
		}

		if err := s.sink.Send(ctx, line); err != nil {
			if ctx.Err() != nil {
				s.Cancel()
				return ctx.Err()
			}
			logger.WithError(err).WithField("line", line).Error("send failed")
			if j != nil {
				s.mu.Lock()
				current := s.job == j
				if current {
					s.job = nil
				}
				s.mu.Unlock()
				if current {
					s.finish(j, err)
				}
			}
			continue
		}
		s.track(line)
	}
}

// track follows Z through absolute and relative moves.
func (s *Streamer) track(line string) {
	cmd := gcode.Parse(line)
	if cmd == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	switch cmd.Name {
	case "G90":
		s.relative = false
	case "G91":
		s.relative = true
	case "G28":
		if len(cmd.Args) == 0 || cmd.Has("Z") {
			s.z, s.zKnown = 0, true
		}
	case "G92":
		if z, ok, err := cmd.Float("Z"); ok && err == nil {
			s.z, s.zKnown = z, true
		}
	case "G0", "G1":
		z, ok, err := cmd.Float("Z")
		if !ok || err != nil {
			return
		}
		if s.relative {
			s.z += z
		} else {
			s.z, s.zKnown = z, true
		}
	}
}
