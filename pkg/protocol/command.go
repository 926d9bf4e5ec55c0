package protocol

import (
	"context"
	"errors"
	"strings"
	"time"

	swerrors "swapper3d-go/pkg/errors"
	"swapper3d-go/pkg/log"
)

var logger = log.GetLogger("protocol")

// Command is one actuator request.
type Command struct {
	Name string
	// WaitForResponse false means the caller returns right after the write.
	WaitForResponse bool
}

// Cmd returns a command that waits for its "_ok" reply.
func Cmd(name string) Command {
	return Command{Name: name, WaitForResponse: true}
}

// NoWait returns a fire-and-forget command.
func NoWait(name string) Command {
	return Command{Name: name}
}

// ExpectedToken is the success reply payload.
func (c Command) ExpectedToken() string {
	return c.Name + "_ok"
}

// Frame is the wire form without the trailing newline.
func (c Command) Frame() string {
	return AppendParity(c.Name)
}

func (c Command) String() string {
	return c.Name
}

// RetryPolicy says what an exchange does after a corrupted reply.
type RetryPolicy int

const (
	// RetryReread keeps reading without resending. Used for actuator
	// commands, which must not run twice.
	RetryReread RetryPolicy = iota
	// RetryResend writes the request again before each read. Used for
	// the handshake, which is idempotent.
	RetryResend
)

func (p RetryPolicy) String() string {
	switch p {
	case RetryReread:
		return "reread"
	case RetryResend:
		return "resend"
	default:
		return "unknown"
	}
}

// Verdict is what an Accept function decides about a parity-valid reply.
type Verdict int

const (
	Ignore Verdict = iota
	Accept
	Reject
)

// Options tune an exchange.
type Options struct {
	Policy RetryPolicy
	// ReadTimeout bounds each line read.
	ReadTimeout time.Duration
	// ResponseTimeout bounds the whole exchange for RetryReread.
	ResponseTimeout time.Duration
	// MaxAttempts is the parity retry budget for RetryReread and the
	// attempt count for RetryResend.
	MaxAttempts int
	// Match classifies parity-valid payloads. Nil means MatchToken.
	Match func(cmd Command, payload string) Verdict
}

// CommandOptions returns the options used for actuator commands.
func CommandOptions() Options {
	return Options{
		Policy:          RetryReread,
		ReadTimeout:     2 * time.Second,
		ResponseTimeout: 30 * time.Second,
		MaxAttempts:     3,
	}
}

// HandshakeOptions returns the options used for the connect handshake:
// three resends, two seconds each, any parity-valid reply accepted.
func HandshakeOptions() Options {
	return Options{
		Policy:      RetryResend,
		ReadTimeout: 2 * time.Second,
		MaxAttempts: 3,
		Match:       func(Command, string) Verdict { return Accept },
	}
}

// MatchToken accepts the expected token, rejects "<name>_<other>"
// replies and ignores everything else as echo noise.
func MatchToken(cmd Command, payload string) Verdict {
	switch {
	case payload == cmd.ExpectedToken():
		return Accept
	case strings.HasPrefix(payload, cmd.Name+"_"):
		return Reject
	default:
		return Ignore
	}
}

// Reply describes how an exchange ended.
type Reply struct {
	Payload string
	// ParityRetries counts corrupted lines discarded on the way.
	ParityRetries int
	// Ignored holds parity-valid lines that did not concern the command.
	Ignored []string
	// Attempts counts writes (always 1 for RetryReread).
	Attempts int
}

// Send writes the parity-framed command.
func Send(ch *Channel, cmd Command) error {
	return ch.WriteLine(cmd.Frame())
}

// Exchange sends cmd and, when it waits for a response, reads replies
// according to opts.
func Exchange(ctx context.Context, ch *Channel, cmd Command, opts Options) (Reply, error) {
	if opts.Policy == RetryResend {
		return exchangeResend(ctx, ch, cmd, opts)
	}
	if err := Send(ch, cmd); err != nil {
		return Reply{}, ioFailure(err)
	}
	if !cmd.WaitForResponse {
		return Reply{Attempts: 1}, nil
	}
	reply, err := AwaitOK(ctx, ch, cmd, opts)
	reply.Attempts = 1
	return reply, err
}

// AwaitOK reads replies for an already sent command. Corrupted lines are
// counted and re-read, never resent; the count reaching MaxAttempts fails
// with a parity error. The whole wait is bounded by ResponseTimeout.
func AwaitOK(ctx context.Context, ch *Channel, cmd Command, opts Options) (Reply, error) {
	var reply Reply
	if !cmd.WaitForResponse {
		return reply, nil
	}
	opts = withDefaults(opts)
	ctx, cancel := context.WithTimeout(ctx, opts.ResponseTimeout)
	defer cancel()

	for {
		line, err := ch.ReadLine(ctx, opts.ReadTimeout)
		switch {
		case errors.Is(err, ErrReadTimeout):
			logger.Debug("%s: still waiting for %s", cmd.Name, cmd.ExpectedToken())
			continue
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			return reply, swerrors.CommandTimeout(cmd.Name, err)
		case err != nil:
			return reply, ioFailure(err)
		}

		payload, ok := SplitParity(line)
		if !ok {
			reply.ParityRetries++
			logger.WithFields(log.Fields{"command": cmd.Name, "line": line, "retry": reply.ParityRetries}).
				Warn("parity check failed")
			if reply.ParityRetries >= opts.MaxAttempts {
				return reply, swerrors.ParityExhausted(cmd.Name, reply.ParityRetries)
			}
			continue
		}

		switch opts.Match(cmd, payload) {
		case Accept:
			reply.Payload = payload
			return reply, nil
		case Reject:
			reply.Payload = payload
			return reply, swerrors.StepFailed(cmd.Name, payload)
		default:
			reply.Ignored = append(reply.Ignored, payload)
			logger.Debug("%s: ignoring %q", cmd.Name, payload)
		}
	}
}

// exchangeResend writes the request once per attempt and gives each
// attempt one read timeout to produce an accepted reply.
func exchangeResend(ctx context.Context, ch *Channel, cmd Command, opts Options) (Reply, error) {
	opts = withDefaults(opts)
	var reply Reply
	var lastErr error
	for reply.Attempts < opts.MaxAttempts {
		reply.Attempts++
		if err := Send(ch, cmd); err != nil {
			return reply, ioFailure(err)
		}
		line, err := ch.ReadLine(ctx, opts.ReadTimeout)
		switch {
		case errors.Is(err, ErrReadTimeout):
			lastErr = swerrors.CommandTimeout(cmd.Name, err)
			continue
		case ctx.Err() != nil:
			return reply, swerrors.CommandTimeout(cmd.Name, ctx.Err())
		case err != nil:
			return reply, ioFailure(err)
		}

		payload, ok := SplitParity(line)
		if !ok {
			reply.ParityRetries++
			lastErr = swerrors.ParityExhausted(cmd.Name, reply.ParityRetries)
			logger.WithFields(log.Fields{"command": cmd.Name, "line": line, "attempt": reply.Attempts}).
				Warn("parity check failed, resending")
			continue
		}
		switch opts.Match(cmd, payload) {
		case Accept:
			reply.Payload = payload
			return reply, nil
		case Reject:
			reply.Payload = payload
			return reply, swerrors.StepFailed(cmd.Name, payload)
		default:
			reply.Ignored = append(reply.Ignored, payload)
			lastErr = swerrors.StepFailed(cmd.Name, payload)
		}
	}
	return reply, lastErr
}

func withDefaults(opts Options) Options {
	def := CommandOptions()
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = def.ResponseTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.Match == nil {
		opts.Match = MatchToken
	}
	return opts
}

func ioFailure(err error) error {
	return swerrors.ConnectionLost("", err)
}
