// Package host defines the print-queue boundary the swapper drives and a
// G-code file streamer that implements it.
package host

import "context"

// Verdict is what the intercept hook decides for an outbound line.
type Verdict int

const (
	Pass Verdict = iota
	Suppress
)

func (v Verdict) String() string {
	if v == Suppress {
		return "suppress"
	}
	return "pass"
}

// InterceptFunc sees every line before it reaches the printer.
type InterceptFunc func(line string) Verdict

// PrintQueue is the printer-side collaborator: it accepts ordered G-code,
// can hold back the print stream and reports printer position and state.
type PrintQueue interface {
	// Submit queues lines ahead of the print stream, even while paused.
	Submit(ctx context.Context, lines []string) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	// CurrentZ returns the toolhead Z when it is known.
	CurrentZ() (float64, bool)
	IsReady() bool
	IsPrinting() bool
}

// LineHandler receives every line the printer emits.
type LineHandler func(line string)
