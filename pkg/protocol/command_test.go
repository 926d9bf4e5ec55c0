package protocol

import (
	"context"
	"testing"
	"time"

	swerrors "swapper3d-go/pkg/errors"
)

func fastOptions() Options {
	opts := CommandOptions()
	opts.ReadTimeout = 50 * time.Millisecond
	opts.ResponseTimeout = 500 * time.Millisecond
	return opts
}

func TestExchangeRetriesParityWithoutResending(t *testing.T) {
	ft := newFakeTransport()
	ch := NewChannel(ft, time.Second)
	ft.feed(corrupt("cutter_cut_ok"), corrupt("cutter_cut_ok"), AppendParity("cutter_cut_ok"))

	reply, err := Exchange(context.Background(), ch, Cmd("cutter_cut"), fastOptions())
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if reply.ParityRetries != 2 {
		t.Errorf("ParityRetries = %d, want 2", reply.ParityRetries)
	}
	if reply.Payload != "cutter_cut_ok" {
		t.Errorf("Payload = %q", reply.Payload)
	}
	if w := ft.written(); len(w) != 1 || w[0] != AppendParity("cutter_cut") {
		t.Errorf("writes = %v, want a single framed cutter_cut", w)
	}
}

func TestExchangeParityExhausted(t *testing.T) {
	ft := newFakeTransport()
	ch := NewChannel(ft, time.Second)
	for i := 0; i < 3; i++ {
		ft.feed(corrupt("cutter_cut_ok"))
	}
	reply, err := Exchange(context.Background(), ch, Cmd("cutter_cut"), fastOptions())
	if !swerrors.Is(err, swerrors.ErrParityMismatch) {
		t.Fatalf("err = %v, want parity mismatch", err)
	}
	if reply.ParityRetries != 3 {
		t.Errorf("ParityRetries = %d, want 3", reply.ParityRetries)
	}
}

func TestExchangeIgnoresNoise(t *testing.T) {
	ft := newFakeTransport()
	ch := NewChannel(ft, time.Second)
	ft.feed(AppendParity("echo: busy"), AppendParity("load_insert2_ok"))

	reply, err := Exchange(context.Background(), ch, Cmd("load_insert2"), fastOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(reply.Ignored) != 1 || reply.Ignored[0] != "echo: busy" {
		t.Errorf("Ignored = %v", reply.Ignored)
	}
}

func TestExchangeRejectsFailureReply(t *testing.T) {
	ft := newFakeTransport()
	ch := NewChannel(ft, time.Second)
	ft.feed(AppendParity("cutter_cut_jam"))

	reply, err := Exchange(context.Background(), ch, Cmd("cutter_cut"), fastOptions())
	if !swerrors.Is(err, swerrors.ErrActuatorStepFailed) {
		t.Fatalf("err = %v, want step failed", err)
	}
	if reply.Payload != "cutter_cut_jam" {
		t.Errorf("Payload = %q", reply.Payload)
	}
}

func TestExchangeNoWaitSkipsRead(t *testing.T) {
	ft := newFakeTransport()
	ch := NewChannel(ft, time.Second)

	start := time.Now()
	reply, err := Exchange(context.Background(), ch, NoWait("hometoolrotate"), fastOptions())
	if err != nil {
		t.Fatal(err)
	}
	if reply.Attempts != 1 || time.Since(start) > 40*time.Millisecond {
		t.Errorf("reply = %+v after %v", reply, time.Since(start))
	}
}

func TestExchangeResponseTimeout(t *testing.T) {
	ft := newFakeTransport()
	ch := NewChannel(ft, time.Second)
	opts := fastOptions()
	opts.ResponseTimeout = 200 * time.Millisecond

	_, err := Exchange(context.Background(), ch, Cmd("wiper_stow"), opts)
	if !swerrors.Is(err, swerrors.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestExchangeWriteFailureIsConnectionLost(t *testing.T) {
	ft := newFakeTransport()
	ft.Close()
	ch := NewChannel(ft, time.Second)
	_, err := Exchange(context.Background(), ch, Cmd("cutter_open"), fastOptions())
	if !swerrors.Is(err, swerrors.ErrConnectionLost) {
		t.Fatalf("err = %v, want connection lost", err)
	}
}

func TestHandshakeResendsUntilValid(t *testing.T) {
	ft := newFakeTransport()
	writes := 0
	ft.onWrite = func(string) []string {
		writes++
		if writes == 1 {
			return []string{corrupt("octoprint_ok")}
		}
		return []string{AppendParity("swapper ready")}
	}
	ch := NewChannel(ft, time.Second)
	opts := HandshakeOptions()
	opts.ReadTimeout = 50 * time.Millisecond

	reply, err := Exchange(context.Background(), ch, Cmd("octoprint"), opts)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Attempts != 2 || reply.ParityRetries != 1 {
		t.Errorf("reply = %+v, want 2 attempts and 1 parity retry", reply)
	}
	if reply.Payload != "swapper ready" {
		t.Errorf("Payload = %q", reply.Payload)
	}
}

func TestHandshakeGivesUpAfterAttempts(t *testing.T) {
	ft := newFakeTransport()
	ch := NewChannel(ft, time.Second)
	opts := HandshakeOptions()
	opts.ReadTimeout = 30 * time.Millisecond

	reply, err := Exchange(context.Background(), ch, Cmd("octoprint"), opts)
	if err == nil {
		t.Fatal("expected failure from a silent port")
	}
	if reply.Attempts != 3 || len(ft.written()) != 3 {
		t.Errorf("attempts = %d, writes = %d; want 3", reply.Attempts, len(ft.written()))
	}
}

func TestMatchToken(t *testing.T) {
	cmd := Cmd("cutter_cut")
	cases := map[string]Verdict{
		"cutter_cut_ok":   Accept,
		"cutter_cut_fail": Reject,
		"cutter_open_ok":  Ignore,
		"ok":              Ignore,
	}
	for payload, want := range cases {
		if got := MatchToken(cmd, payload); got != want {
			t.Errorf("MatchToken(%q) = %v, want %v", payload, got, want)
		}
	}
}
