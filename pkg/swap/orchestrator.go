// Package swap runs tool changes. It guards the G-code stream, parks the
// printer behind a motion barrier and drives the actuator through the
// unload, load and wipe stages while the stream is held.
package swap

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"swapper3d-go/pkg/barrier"
	"swapper3d-go/pkg/config"
	swerrors "swapper3d-go/pkg/errors"
	"swapper3d-go/pkg/gcode"
	"swapper3d-go/pkg/host"
	"swapper3d-go/pkg/log"
	"swapper3d-go/pkg/protocol"
)

var logger = log.GetLogger("swap")

// Echo tokens that start a cycle.
const (
	TokenReadyForSwap           = "readyForSwap"
	TokenReadyForFilamentUnload = "readyForFilamentUnload"
	TokenReadyForBoreAlignment  = "readyforborealignment"
)

// FailurePolicy decides what a failed actuator step does to its stage.
type FailurePolicy int

const (
	// Continue logs the failure and runs the remaining steps.
	Continue FailurePolicy = iota
	// Abort skips the rest of the stage. Stow and restore steps still run.
	Abort
)

func (p FailurePolicy) String() string {
	if p == Abort {
		return "abort"
	}
	return "continue"
}

// ParseFailurePolicy accepts "continue" and "abort".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "continue":
		return Continue, nil
	case "abort":
		return Abort, nil
	}
	return Continue, swerrors.New(swerrors.ErrInvalidRequest, fmt.Sprintf("unknown failure policy %q", s))
}

// Actuator is the device side of a swap.
type Actuator interface {
	Issue(ctx context.Context, cmd protocol.Command) (protocol.Reply, error)
	IsConnected() bool
}

// Recorder receives swap metrics.
type Recorder interface {
	SetInProgress(bool)
	GuardRejected(reason string)
	SwapFinished(kind, outcome string, d time.Duration)
}

// Stats persists lifetime counters.
type Stats interface {
	IncSwaps(ctx context.Context) error
	IncActuations(ctx context.Context, command string) error
}

type nopRecorder struct{}

func (nopRecorder) SetInProgress(bool)                         {}
func (nopRecorder) GuardRejected(string)                       {}
func (nopRecorder) SwapFinished(string, string, time.Duration) {}

// Config holds the motion and actuator parameters of a cycle.
type Config struct {
	Swapper config.SwapperSettings
	Wipe    config.WipeSettings
	Unload  config.UnloadSettings
	Policy  FailurePolicy
}

// DefaultConfig returns the stock parameters.
func DefaultConfig() Config {
	s := config.DefaultSettings()
	return Config{Swapper: s.Swapper, Wipe: s.Wipe, Unload: s.Unload, Policy: Continue}
}

// ConfigFromSettings picks the swap parameters out of s.
func ConfigFromSettings(s config.Settings) (Config, error) {
	policy, err := ParseFailurePolicy(s.Swapper.FailurePolicy)
	if err != nil {
		return Config{}, err
	}
	return Config{Swapper: s.Swapper, Wipe: s.Wipe, Unload: s.Unload, Policy: policy}, nil
}

// EventType names the kind of an Event.
type EventType string

const (
	EventLog             EventType = "log"
	EventLoadedInsert    EventType = "currentlyLoadedInsert"
	EventConnectionState EventType = "connectionState"
	EventSwapState       EventType = "swapState"
)

// Messages published as connectionState events.
const (
	MessageBoreAlignOn = "Bore alignment ON"
	MessageReady       = "Ready to Swap!"
)

// Event is published to subscribers as a cycle progresses.
type Event struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

type kind int

const (
	kindSwap kind = iota
	kindUnload
	kindBoreAlign
)

func (k kind) String() string {
	switch k {
	case kindSwap:
		return "swap"
	case kindUnload:
		return "unload"
	default:
		return "bore_align"
	}
}

func (k kind) token() string {
	switch k {
	case kindSwap:
		return TokenReadyForSwap
	case kindUnload:
		return TokenReadyForFilamentUnload
	default:
		return TokenReadyForBoreAlignment
	}
}

// cycle is one admitted swap, unload or bore alignment.
type cycle struct {
	kind    kind
	insert  int
	line    string
	lease   Lease
	started time.Time

	passed   bool
	loaded   bool
	failures int
	err      error

	released chan struct{}
	done     chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder reports metrics to r.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithStats counts swaps and actuations in s.
func WithStats(s Stats) Option {
	return func(o *Orchestrator) { o.stats = s }
}

// WithSession starts from s instead of an empty session.
func WithSession(s Session) Option {
	return func(o *Orchestrator) {
		s.InProgress = false
		s.State = Idle
		o.sess = s
	}
}

// WithRand replaces the source of wipe positions. fn returns [0, 1).
func WithRand(fn func() float64) Option {
	return func(o *Orchestrator) { o.rand = fn }
}

// Orchestrator owns the swap session. Intercept is called by the stream
// for every outbound line; the actuator work runs on one worker goroutine
// per admitted cycle.
type Orchestrator struct {
	cfg      Config
	dev      Actuator
	queue    host.PrintQueue
	barrier  *barrier.Barrier
	recorder Recorder
	stats    Stats
	rand     func() float64

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	token Token

	mu    sync.Mutex
	sess  Session
	track tracker
	cur   *cycle

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

// New creates an orchestrator driving dev and q. b must be the barrier
// that receives the printer's lines.
func New(cfg Config, dev Actuator, q host.PrintQueue, b *barrier.Barrier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		dev:      dev,
		queue:    q,
		barrier:  b,
		recorder: nopRecorder{},
		rand:     rand.Float64,
		sess:     NewSession(),
		subs:     make(map[int]func(Event)),
	}
	o.base, o.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Close stops waiting for a pending barrier and waits for the worker.
func (o *Orchestrator) Close() {
	o.cancel()
	o.mu.Lock()
	c := o.cur
	awaiting := c != nil && o.sess.State == AwaitingBarrier
	o.mu.Unlock()
	if awaiting && o.barrier.Cancel(c.kind.token()) {
		o.wg.Done()
		c.err = context.Canceled
		o.complete(c)
		close(c.done)
	}
	o.wg.Wait()
}

// Subscribe registers fn for events and returns a function removing it.
func (o *Orchestrator) Subscribe(fn func(Event)) func() {
	o.subMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	o.subMu.Unlock()
	return func() {
		o.subMu.Lock()
		delete(o.subs, id)
		o.subMu.Unlock()
	}
}

func (o *Orchestrator) emit(t EventType, msg string) {
	ev := Event{Type: t, Message: msg, Time: time.Now()}
	o.subMu.Lock()
	fns := make([]func(Event), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	o.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Snapshot returns a copy of the session.
func (o *Orchestrator) Snapshot() Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess
}

// State returns the current cycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess.State
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.sess.State = s
	o.mu.Unlock()
	o.emit(EventSwapState, s.String())
}

// Intercept classifies an outbound line. Tool changes and M702 go through
// the admission guard; everything else passes and feeds the extrusion,
// temperature and fan tracking. It never blocks on the device.
func (o *Orchestrator) Intercept(line string) host.Verdict {
	cmd := gcode.Parse(line)
	if cmd == nil {
		return host.Pass
	}
	k, insert, guarded := classify(cmd)
	if !guarded {
		o.mu.Lock()
		o.observe(cmd)
		o.mu.Unlock()
		return host.Pass
	}
	if o.passReinjected(line) {
		return host.Pass
	}
	// Admitted lines are deferred and re-injected by the worker.
	o.admit(o.base, k, insert, line)
	return host.Suppress
}

func classify(cmd *gcode.Command) (kind, int, bool) {
	if n, ok := cmd.Tool(); ok {
		return kindSwap, n, true
	}
	if cmd.Name == "M702" {
		return kindUnload, -1, true
	}
	return 0, 0, false
}

// passReinjected lets the cycle's own deferred line through. Without a
// wipe stage its passage ends the cycle.
func (o *Orchestrator) passReinjected(line string) bool {
	o.mu.Lock()
	c := o.cur
	if c == nil || c.passed || c.line == "" || line != c.line ||
		(o.sess.State != Resuming && o.sess.State != ActuatingWipe) {
		o.mu.Unlock()
		return false
	}
	c.passed = true
	resuming := o.sess.State == Resuming
	o.mu.Unlock()

	if resuming {
		o.complete(c)
	}
	return true
}

// guard returns a rejection reason and error, or "" and nil to admit.
// Caller holds o.mu.
func (o *Orchestrator) guard(k kind, insert int, fromStream bool) (string, error) {
	if o.sess.InProgress {
		return "in_progress", swerrors.New(swerrors.ErrSwapInProgress, "a swap is already in progress")
	}
	if !o.queue.IsReady() {
		return "printer_not_ready", swerrors.New(swerrors.ErrPrinterNotOperational, "printer is not ready")
	}
	if k == kindBoreAlign {
		return "", nil
	}
	if k == kindSwap && insert == o.sess.CurrentInsert && o.sess.InitialLoadDone {
		return "same_insert", swerrors.New(swerrors.ErrInvalidRequest, fmt.Sprintf("insert %d is already loaded", insert))
	}
	if k == kindUnload && !o.sess.InsertLoaded {
		return "no_insert", swerrors.New(swerrors.ErrInvalidRequest, "no insert is loaded")
	}
	checkExtrusion := fromStream || o.queue.IsPrinting()
	if checkExtrusion && o.sess.CurrentInsert >= 0 && o.sess.ExtrusionSinceLastSwap < o.cfg.Swapper.MinExtrusionBeforeSwap {
		return "min_extrusion", swerrors.New(swerrors.ErrInvalidRequest, fmt.Sprintf(
			"only %.1fmm extruded since the last swap, need %.1fmm",
			o.sess.ExtrusionSinceLastSwap, o.cfg.Swapper.MinExtrusionBeforeSwap))
	}
	return "", nil
}

// admit runs the guard and, when it passes, takes the token and arms the
// docking barrier. line is the deferred stream line, empty for requests
// made through the command endpoint.
func (o *Orchestrator) admit(ctx context.Context, k kind, insert int, line string) (*cycle, error) {
	o.mu.Lock()
	reason, err := o.guard(k, insert, line != "")
	var lease Lease
	if err == nil {
		var ok bool
		if lease, ok = o.token.Acquire(); !ok {
			reason, err = "in_progress", swerrors.New(swerrors.ErrSwapInProgress, "a swap is already in progress")
		}
	}
	if err != nil {
		o.mu.Unlock()
		logger.WithFields(log.Fields{"kind": k.String(), "insert": insert, "reason": reason}).
			Info("request rejected: " + err.Error())
		o.recorder.GuardRejected(reason)
		return nil, err
	}
	c := &cycle{
		kind:     k,
		insert:   insert,
		line:     line,
		lease:    lease,
		started:  time.Now(),
		released: make(chan struct{}),
		done:     make(chan struct{}),
	}
	o.cur = c
	o.sess.InProgress = true
	o.sess.State = AwaitingBarrier
	if k == kindSwap {
		o.sess.NextInsert = insert
	}
	o.mu.Unlock()

	o.recorder.SetInProgress(true)
	o.emit(EventSwapState, AwaitingBarrier.String())
	logger.WithFields(log.Fields{"kind": k.String(), "insert": insert, "token": k.token()}).Info("request admitted")

	z, zKnown := o.queue.CurrentZ()
	home := o.cfg.Swapper.HomeBeforeSwap && !o.queue.IsPrinting()
	if k == kindBoreAlign {
		home, z, zKnown = true, 0, true
	}

	o.wg.Add(1)
	err = o.barrier.Arm(ctx, o.queue, o.dockingMotion(home, z, zKnown), k.token(), func(err error) {
		defer o.wg.Done()
		o.run(c, err)
	})
	if err != nil {
		o.wg.Done()
		logger.WithError(err).WithField("token", k.token()).Error("failed to arm barrier")
		c.err = err
		o.complete(c)
		close(c.done)
		return nil, err
	}
	return c, nil
}

// complete ends the cycle: clears the session, releases the token and
// resumes the stream. It is a no-op once the cycle's lease is stale.
func (o *Orchestrator) complete(c *cycle) bool {
	o.mu.Lock()
	if !c.lease.Valid() {
		o.mu.Unlock()
		return false
	}
	if c.loaded {
		o.sess.ExtrusionSinceLastSwap = 0
	}
	o.sess.InProgress = false
	o.sess.State = Idle
	o.cur = nil
	c.lease.Release()
	o.mu.Unlock()

	close(c.released)
	o.recorder.SetInProgress(false)
	o.emit(EventSwapState, Idle.String())
	if err := o.queue.Resume(o.base); err != nil {
		logger.WithError(err).Error("failed to resume print stream")
	}
	return true
}

// wait blocks until the worker of c is done or ctx ends.
func wait(ctx context.Context, c *cycle) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func notConnected() error {
	return swerrors.New(swerrors.ErrNotConnected, "swapper is not connected")
}

// RequestLoad swaps to insert through the admission guard and barrier
// and waits for the cycle. The cycle keeps running if ctx ends first.
func (o *Orchestrator) RequestLoad(ctx context.Context, insert int) error {
	if insert < 0 {
		return swerrors.New(swerrors.ErrInvalidRequest, fmt.Sprintf("invalid insert %d", insert))
	}
	if !o.dev.IsConnected() {
		return notConnected()
	}
	c, err := o.admit(ctx, kindSwap, insert, "")
	if err != nil {
		return err
	}
	return wait(ctx, c)
}

// RequestUnload unloads the current insert and waits for the cycle.
func (o *Orchestrator) RequestUnload(ctx context.Context) error {
	if !o.dev.IsConnected() {
		return notConnected()
	}
	c, err := o.admit(ctx, kindUnload, -1, "")
	if err != nil {
		return err
	}
	return wait(ctx, c)
}

// BoreAlign with on parks the printer (homing first) and turns bore
// alignment on, leaving the stream held. With on false it turns it off
// and resumes the stream.
func (o *Orchestrator) BoreAlign(ctx context.Context, on bool) error {
	if !o.dev.IsConnected() {
		return notConnected()
	}
	if on {
		c, err := o.admit(ctx, kindBoreAlign, -1, "")
		if err != nil {
			return err
		}
		return wait(ctx, c)
	}

	err := o.issue(ctx, protocol.Cmd("borealignoff"))
	o.mu.Lock()
	c := o.cur
	if err == nil {
		o.sess.BoreAlignOn = false
	}
	o.mu.Unlock()

	if c != nil && c.kind == kindBoreAlign {
		o.complete(c)
	} else if rerr := o.queue.Resume(ctx); rerr != nil {
		logger.WithError(rerr).Error("failed to resume print stream")
	}
	if err != nil {
		logger.WithError(err).Error("bore alignment off failed")
		return err
	}
	o.emit(EventConnectionState, MessageReady)
	return nil
}
