// Package barrier implements the motion barrier: a flush followed by an
// echo carrying a token, so the host learns when queued printer motion
// has finished.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	swerrors "swapper3d-go/pkg/errors"
	"swapper3d-go/pkg/host"
	"swapper3d-go/pkg/log"
)

var logger = log.GetLogger("barrier")

// DefaultTimeout bounds how long a barrier waits for its echo.
const DefaultTimeout = 5 * time.Minute

// FlushCommand waits for all queued moves to finish. A bare G4 is a
// zero-length dwell on Klipper and does not wait.
const FlushCommand = "M400"

// ErrPending is returned when a token is registered twice.
var ErrPending = errors.New("barrier: token already pending")

// EchoCommand returns the printer command that echoes token back.
func EchoCommand(token string) string {
	return fmt.Sprintf("M118 E1 %q", token)
}

// Continuation runs once when the echo arrives (err nil) or the deadline
// passes (err is a BARRIER_TIMEOUT error).
type Continuation func(err error)

// Recorder receives barrier metrics.
type Recorder interface {
	ObserveSignal(token, result string)
}

// Signal results.
const (
	ResultSignaled  = "signaled"
	ResultTimeout   = "timeout"
	ResultCancelled = "cancelled"
)

type pending struct {
	token string
	cont  Continuation
	timer *time.Timer
}

// Barrier is the token to continuation table.
type Barrier struct {
	timeout  time.Duration
	recorder Recorder

	mu      sync.Mutex
	pending []*pending
}

// New returns a barrier table whose entries expire after timeout
// (DefaultTimeout when zero).
func New(timeout time.Duration) *Barrier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Barrier{timeout: timeout}
}

// SetRecorder attaches a metrics recorder.
func (b *Barrier) SetRecorder(r Recorder) {
	b.mu.Lock()
	b.recorder = r
	b.mu.Unlock()
}

// Timeout returns the per-barrier deadline.
func (b *Barrier) Timeout() time.Duration {
	return b.timeout
}

// Sequence returns motion followed by the flush and the echo.
func Sequence(motion []string, token string) []string {
	lines := make([]string, 0, len(motion)+2)
	lines = append(lines, motion...)
	return append(lines, FlushCommand, EchoCommand(token))
}

// Register adds cont for token.
func (b *Barrier) Register(token string, cont Continuation) error {
	if token == "" {
		return swerrors.New(swerrors.ErrInvalidRequest, "empty barrier token")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.pending {
		if p.token == token {
			return fmt.Errorf("%w: %s", ErrPending, token)
		}
	}
	p := &pending{token: token, cont: cont}
	p.timer = time.AfterFunc(b.timeout, func() { b.expire(p) })
	b.pending = append(b.pending, p)
	return nil
}

// remove takes p out of the table; false means someone else already did.
// b.mu must be held.
func (b *Barrier) remove(p *pending) bool {
	for i, q := range b.pending {
		if q == p {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			p.timer.Stop()
			return true
		}
	}
	return false
}

func (b *Barrier) expire(p *pending) {
	b.mu.Lock()
	ok := b.remove(p)
	rec := b.recorder
	b.mu.Unlock()
	if !ok {
		return
	}
	logger.WithFields(log.Fields{"token": p.token, "timeout": b.timeout.String()}).Error("barrier timed out")
	if rec != nil {
		rec.ObserveSignal(p.token, ResultTimeout)
	}
	p.cont(swerrors.New(swerrors.ErrBarrierTimeout, "no echo for barrier").SetContext("token", p.token))
}

// Arm registers cont for token, pauses the print stream, then submits
// motion plus flush and echo. The continuation owns the matching resume.
// The pause goes first because Submit may block until the echo has run.
func (b *Barrier) Arm(ctx context.Context, q host.PrintQueue, motion []string, token string, cont Continuation) error {
	if err := b.Register(token, cont); err != nil {
		return err
	}
	if err := q.Pause(ctx); err != nil {
		b.Cancel(token)
		return fmt.Errorf("barrier %s: pause: %w", token, err)
	}
	if err := q.Submit(ctx, Sequence(motion, token)); err != nil {
		if !b.Cancel(token) {
			// the echo or deadline already handed the stream to cont
			return nil
		}
		if rerr := q.Resume(ctx); rerr != nil {
			logger.WithError(rerr).WithField("token", token).Warn("resume after failed submit")
		}
		return fmt.Errorf("barrier %s: submit: %w", token, err)
	}
	logger.WithField("token", token).Debug("barrier armed")
	return nil
}

// Wait submits motion plus flush and echo and blocks until the echo
// arrives, the deadline passes or ctx is done. The stream is not paused;
// callers use it while they already hold it suspended.
func (b *Barrier) Wait(ctx context.Context, q host.PrintQueue, motion []string, token string) error {
	done := make(chan error, 1)
	if err := b.Register(token, func(err error) { done <- err }); err != nil {
		return err
	}
	if err := q.Submit(ctx, Sequence(motion, token)); err != nil {
		b.Cancel(token)
		return fmt.Errorf("barrier %s: submit: %w", token, err)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		b.Cancel(token)
		return ctx.Err()
	}
}

// OnLine dispatches a printer line. The oldest pending token contained in
// line fires; its continuation runs on its own goroutine. It reports
// whether a token matched.
func (b *Barrier) OnLine(line string) bool {
	b.mu.Lock()
	var hit *pending
	for _, p := range b.pending {
		if strings.Contains(line, p.token) {
			hit = p
			break
		}
	}
	if hit == nil || !b.remove(hit) {
		b.mu.Unlock()
		return false
	}
	rec := b.recorder
	b.mu.Unlock()

	if rec != nil {
		rec.ObserveSignal(hit.token, ResultSignaled)
	}
	logger.WithField("token", hit.token).Debug("barrier signaled")
	go hit.cont(nil)
	return true
}

// Cancel drops token without running its continuation.
func (b *Barrier) Cancel(token string) bool {
	b.mu.Lock()
	var hit *pending
	for _, p := range b.pending {
		if p.token == token {
			hit = p
			break
		}
	}
	ok := hit != nil && b.remove(hit)
	rec := b.recorder
	b.mu.Unlock()
	if ok && rec != nil {
		rec.ObserveSignal(token, ResultCancelled)
	}
	return ok
}

// Pending lists the outstanding tokens in registration order.
func (b *Barrier) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.pending))
	for i, p := range b.pending {
		out[i] = p.token
	}
	return out
}
