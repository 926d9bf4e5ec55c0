package swap

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	swerrors "swapper3d-go/pkg/errors"
	"swapper3d-go/pkg/log"
	"swapper3d-go/pkg/protocol"
)

// Echo tokens for the printer moves inside a cycle.
const (
	tokenPulldownLocking = "swapperPulldownLocking"
	tokenPulldownCutting = "swapperPulldownCutting"
	tokenPaletteCut      = "swapperPaletteCut"
	tokenRetract         = "swapperRetract"
	tokenBreakString     = "swapperBreakString"
	tokenRestoreFeed     = "swapperRestoreFeed"
	tokenWipePosition    = "swapperWipePosition"
	tokenWipe            = "swapperWipe"
	tokenAfterWipe       = "swapperAfterWipe"
)

// step is one unit of a stage. Mandatory steps run even after the Abort
// policy skipped the rest of their stage.
type step struct {
	name      string
	mandatory bool
	run       func(ctx context.Context) error
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dockingMotion moves the toolhead to the actuator. X stays energized
// while the actuator pushes against the carriage.
func (o *Orchestrator) dockingMotion(home bool, z float64, zKnown bool) []string {
	sw := o.cfg.Swapper
	lines := []string{"M84 X S999"}
	if home {
		lines = append(lines, "G28 XYZ")
	}
	lines = append(lines, fmt.Sprintf("G1 X%s Y%s", num(sw.DockX), num(sw.DockY)))
	if !zKnown || z < sw.DockZ {
		lines = append(lines, "G1 Z"+num(sw.DockZ))
	}
	return lines
}

// issue sends cmd to the actuator and counts it when it succeeded.
func (o *Orchestrator) issue(ctx context.Context, cmd protocol.Command) error {
	if _, err := o.dev.Issue(ctx, cmd); err != nil {
		return err
	}
	if o.stats != nil {
		if err := o.stats.IncActuations(ctx, cmd.Name); err != nil {
			logger.WithError(err).WithField("step", cmd.Name).Warn("failed to count actuation")
		}
	}
	return nil
}

func (o *Orchestrator) device(name string) step {
	return step{name: name, run: func(ctx context.Context) error {
		return o.issue(ctx, protocol.Cmd(name))
	}}
}

func (o *Orchestrator) stow(name string) step {
	s := o.device(name)
	s.mandatory = true
	return s
}

// printer submits lines behind a barrier and waits for them to finish,
// then waits delay.
func (o *Orchestrator) printer(name, token string, delay time.Duration, lines ...string) step {
	return step{name: name, run: func(ctx context.Context) error {
		if err := o.barrier.Wait(ctx, o.queue, lines, token); err != nil {
			return err
		}
		return sleep(ctx, delay)
	}}
}

func pause(name string, d time.Duration) step {
	return step{name: name, run: func(ctx context.Context) error { return sleep(ctx, d) }}
}

// fatal reports whether err ends the cycle instead of one step.
func fatal(err error) bool {
	return swerrors.IsConnection(err) || errors.Is(err, context.Canceled)
}

// runStage runs steps in order. Step failures are logged and counted; a
// lost device link stops the stage and is returned.
func (o *Orchestrator) runStage(ctx context.Context, c *cycle, stage string, steps []step) (failed []error, fatalErr error) {
	skipping := false
	for _, s := range steps {
		if skipping && !s.mandatory {
			continue
		}
		err := s.run(ctx)
		if err == nil {
			continue
		}
		entry := logger.WithFields(log.Fields{"stage": stage, "step": s.name, "insert": c.insert}).WithError(err)
		if fatal(err) {
			entry.Error("device link lost during " + stage)
			return failed, err
		}
		c.failures++
		failed = append(failed, err)
		o.emit(EventLog, fmt.Sprintf("%s step %s failed: %v", stage, s.name, err))
		if o.cfg.Policy == Abort && !skipping {
			entry.Warn("step failed, skipping rest of stage")
			skipping = true
		} else {
			entry.Warn("step failed, continuing")
		}
	}
	return failed, nil
}

// extrudeMode wraps lines in relative extrusion and restores the
// stream's mode and logical E position afterwards.
func (o *Orchestrator) extrudeMode() (enter, restore []string) {
	o.mu.Lock()
	t := o.track
	o.mu.Unlock()
	if t.relativeExtrude {
		return []string{"M83"}, nil
	}
	return []string{"M83"}, []string{"M82", "G92 E" + num(t.lastE)}
}

func (o *Orchestrator) unloadSteps() []step {
	u, sw := o.cfg.Unload, o.cfg.Swapper
	enter, restore := o.extrudeMode()

	locking := append(enter,
		"M203 E"+num(sw.SwapMaxFeedrate),
		"M201 E"+num(sw.SwapMaxAcceleration),
		fmt.Sprintf("G1 E%s F%s", num(u.ExtrudeLengthLockingHeight), num(u.ExtrudeSpeedPulldown)))
	steps := []step{
		o.device("unload_connect"),
		o.printer("pulldown_locking", tokenPulldownLocking, u.DelayAfterExtrude, locking...),
		o.device("unload_pulldown_locking"),
		o.printer("pulldown_cutting", tokenPulldownCutting, u.DelayAfterExtrude,
			fmt.Sprintf("G1 E%s F%s", num(u.ExtrudeLengthCuttingHeight), num(u.ExtrudeSpeedPulldown))),
		o.device("unload_pulldown_cutting"),
		o.device("cutter_open"),
		o.device("cutter_deploy"),
		o.device("cutter_cut"),
	}
	if sw.SwitcherType == "palette" {
		for i := 0; i < u.PaletteCuts; i++ {
			steps = append(steps,
				o.device("cutter_open"),
				o.printer("palette_cut", tokenPaletteCut, u.DelayAfterExtrude,
					fmt.Sprintf("G1 E%s F%s", num(u.LengthAdditionalCut), num(u.PaletteCutSpeed))),
				o.device("cutter_cut"),
				pause("palette_cut_delay", u.DelayAfterCut),
			)
		}
	}
	steps = append(steps,
		o.printer("retract", tokenRetract, 0,
			fmt.Sprintf("G1 E%s F%s", num(u.RetractLengthAfterCut), num(u.RetractSpeed))),
		o.stow("cutter_stow"),
		o.stow("unload_stow_insert"),
	)
	if sw.BreakString {
		steps = append(steps, o.printer("break_string", tokenBreakString, 0,
			fmt.Sprintf("G1 Y%s F%s", num(sw.BreakStringY), num(sw.BreakStringFeedrate)),
			fmt.Sprintf("G1 X%s Y%s F%s", num(sw.DockX), num(sw.DockY), num(sw.BreakStringFeedrate))))
	}
	restoreFeed := o.printer("restore_feed", tokenRestoreFeed, 0, append([]string{
		"M203 E" + num(sw.StockMaxFeedrate),
		"M201 E" + num(sw.StockMaxAcceleration),
	}, restore...)...)
	restoreFeed.mandatory = true
	return append(steps, restoreFeed)
}

// loadSteps loads c.insert. The first load homes the tool rotation first.
func (o *Orchestrator) loadSteps(c *cycle, loaded *bool) []step {
	o.mu.Lock()
	first := !o.sess.InitialLoadDone
	o.mu.Unlock()

	var steps []step
	if first {
		steps = append(steps, step{name: "hometoolrotate", run: func(ctx context.Context) error {
			return o.issue(ctx, protocol.NoWait("hometoolrotate"))
		}})
	}
	name := fmt.Sprintf("load_insert%d", c.insert)
	return append(steps, step{name: name, run: func(ctx context.Context) error {
		err := o.issue(ctx, protocol.Cmd(name))
		*loaded = err == nil
		return err
	}})
}

// wipeSteps parks over a random spot of the wiper, runs the tool change
// and purge there, and moves off again.
func (o *Orchestrator) wipeSteps(c *cycle) []step {
	w := o.cfg.Wipe
	o.mu.Lock()
	temp, fan := o.sess.SavedTargetTemp, o.sess.SavedFanSpeed
	o.mu.Unlock()
	if temp <= 0 {
		temp = o.cfg.Swapper.DefaultHotendTemp
	}
	x := w.XMin + o.rand()*(w.XMax-w.XMin)
	enter, restore := o.extrudeMode()

	purge := append([]string{}, enter...)
	if c.line != "" {
		purge = append(purge, c.line)
	}
	purge = append(purge, "M109 S"+num(temp))
	if w.ExtraExtrusion > 0 {
		purge = append(purge, fmt.Sprintf("G1 E%s F%s", num(w.ExtraExtrusion), num(w.RetractSpeed)))
	}
	purge = append(purge,
		fmt.Sprintf("G1 E%s F%s", num(w.RetractLength), num(w.RetractSpeed)),
		fmt.Sprintf("G1 X%s F%s", num(w.XOffWiper), num(w.TravelFeedrate)))
	purge = append(purge, restore...)

	after := []string{fmt.Sprintf("G1 X%s F%s", num(w.XAfterWipe), num(w.TravelFeedrate))}
	if fan > 0 {
		after = append(after, "M106 S"+num(fan))
	}

	return []step{
		o.printer("wipe_position", tokenWipePosition, w.SettleDelay,
			fmt.Sprintf("G1 X%s Y%s F%s", num(x), num(w.Y), num(w.TravelFeedrate))),
		o.device("wiper_deploy"),
		o.printer("wipe", tokenWipe, 0, purge...),
		o.stow("wiper_stow"),
		o.printer("after_wipe", tokenAfterWipe, 0, after...),
	}
}

// run is the worker for an admitted cycle, started by its barrier.
func (o *Orchestrator) run(c *cycle, armErr error) {
	defer close(c.done)
	if armErr != nil {
		o.abort(c, armErr)
		o.finished(c)
		return
	}
	ctx := o.base
	switch c.kind {
	case kindSwap:
		o.runSwap(ctx, c)
	case kindUnload:
		o.runUnload(ctx, c)
	case kindBoreAlign:
		o.runBoreAlign(ctx, c)
	}
	o.finished(c)
}

// abort force-resumes the stream. The deferred line is dropped.
func (o *Orchestrator) abort(c *cycle, err error) {
	c.err = err
	logger.WithFields(log.Fields{"kind": c.kind.String(), "insert": c.insert}).WithError(err).
		Error("cycle aborted, resuming print")
	o.emit(EventLog, fmt.Sprintf("%s aborted: %v", c.kind, err))
	o.complete(c)
}

func (o *Orchestrator) unload(ctx context.Context, c *cycle) error {
	o.mu.Lock()
	loaded := o.sess.InsertLoaded
	o.mu.Unlock()
	if !loaded {
		return nil
	}
	o.setState(ActuatingUnload)
	failed, err := o.runStage(ctx, c, "unload", o.unloadSteps())
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.sess.InsertLoaded = false
	o.mu.Unlock()
	if len(failed) > 0 && c.kind == kindUnload {
		c.err = failed[0]
	}
	return nil
}

func (o *Orchestrator) runSwap(ctx context.Context, c *cycle) {
	o.emit(EventLog, fmt.Sprintf("Swapping to insert %d", c.insert))
	if err := o.unload(ctx, c); err != nil {
		o.abort(c, err)
		return
	}

	o.setState(ActuatingLoad)
	loaded := false
	failed, err := o.runStage(ctx, c, "load", o.loadSteps(c, &loaded))
	if err != nil {
		o.abort(c, err)
		return
	}
	if loaded {
		o.mu.Lock()
		o.sess.InsertLoaded = true
		o.sess.CurrentInsert = c.insert
		o.sess.InitialLoadDone = true
		c.loaded = true
		o.mu.Unlock()
		o.emit(EventLoadedInsert, strconv.Itoa(c.insert))
	} else if len(failed) > 0 {
		c.err = failed[len(failed)-1]
	}

	if c.loaded && o.cfg.Wipe.Enabled {
		o.setState(ActuatingWipe)
		if _, err := o.runStage(ctx, c, "wipe", o.wipeSteps(c)); err != nil {
			o.abort(c, err)
			return
		}
		o.complete(c)
		return
	}
	o.resume(ctx, c)
}

// resume re-injects the deferred line. The cycle ends when the stream
// lets it through; if it never shows up the cycle ends after the barrier
// timeout.
func (o *Orchestrator) resume(ctx context.Context, c *cycle) {
	o.setState(Resuming)
	if c.line != "" {
		if err := o.queue.Submit(ctx, []string{c.line}); err != nil {
			logger.WithError(err).WithField("line", c.line).Error("failed to re-inject tool change")
		} else {
			t := time.NewTimer(o.barrier.Timeout())
			defer t.Stop()
			select {
			case <-c.released:
				return
			case <-t.C:
				logger.WithField("line", c.line).Warn("re-injected tool change never passed the stream")
			case <-ctx.Done():
			}
		}
	}
	o.complete(c)
}

func (o *Orchestrator) runUnload(ctx context.Context, c *cycle) {
	o.emit(EventLog, "Unloading insert")
	if err := o.unload(ctx, c); err != nil {
		o.abort(c, err)
		return
	}
	o.complete(c)
}

// runBoreAlign turns bore alignment on and keeps the cycle open until
// BoreAlign(ctx, false) ends it.
func (o *Orchestrator) runBoreAlign(ctx context.Context, c *cycle) {
	if err := o.issue(ctx, protocol.Cmd("borealignon")); err != nil {
		o.abort(c, err)
		return
	}
	o.mu.Lock()
	o.sess.BoreAlignOn = true
	o.sess.State = Idle
	o.mu.Unlock()
	o.emit(EventConnectionState, MessageBoreAlignOn)
}

func (o *Orchestrator) finished(c *cycle) {
	outcome := "ok"
	switch {
	case c.err != nil:
		outcome = "failed"
	case c.failures > 0:
		outcome = "degraded"
	}
	d := time.Since(c.started)
	entry := logger.WithFields(log.Fields{
		"kind":     c.kind.String(),
		"insert":   c.insert,
		"outcome":  outcome,
		"failures": c.failures,
		"duration": d.Round(time.Millisecond).String(),
	})
	if c.err != nil {
		entry.WithError(c.err).Warn("cycle finished")
	} else {
		entry.Info("cycle finished")
	}
	if c.kind == kindSwap && c.loaded {
		o.emit(EventLog, fmt.Sprintf("Swapped to insert: %d", c.insert))
		if o.stats != nil {
			if err := o.stats.IncSwaps(o.base); err != nil {
				logger.WithError(err).Warn("failed to count swap")
			}
		}
	}
	o.recorder.SwapFinished(c.kind.String(), outcome, d)
}
