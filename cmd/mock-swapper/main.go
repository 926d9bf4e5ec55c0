// mock-swapper simulates the swapper controller for testing the host
// without hardware. It echoes the handshake and acknowledges each command
// with "<command>_ok" plus the parity bit.
//
// Usage:
//
//	mock-swapper -socket /tmp/swapper3d [-trace] [-corrupt cutter_cut=2] [-fail cutter_cut=cutter_cut_jam]
//
// Point the host at it with device "unix:/tmp/swapper3d".
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"swapper3d-go/pkg/simulator"
)

type listFlag []string

func (l *listFlag) String() string     { return strings.Join(*l, ",") }
func (l *listFlag) Set(v string) error { *l = append(*l, v); return nil }

func main() {
	socketPath := flag.String("socket", "/tmp/swapper3d", "Unix socket path")
	trace := flag.Bool("trace", false, "Print every received command")
	delay := flag.Duration("delay", 50*time.Millisecond, "Delay before each reply")
	var corrupt, fail listFlag
	flag.Var(&corrupt, "corrupt", "command=N: corrupt the next N replies to command (repeatable)")
	flag.Var(&fail, "fail", "command=reply: answer command with reply (repeatable)")
	flag.Parse()

	os.Remove(*socketPath)

	listener, err := net.Listen("unix", *socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating socket: %v\n", err)
		os.Exit(1)
	}
	defer listener.Close()
	defer os.Remove(*socketPath)

	fmt.Printf("Mock swapper listening on %s\n", *socketPath)
	fmt.Println("Press Ctrl+C to stop")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connCh := make(chan net.Conn, 1)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			connCh <- conn
		}
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down...")
			return
		case conn := <-connCh:
			fmt.Println("Client connected")
			dev, err := newDevice(corrupt, fail, *delay)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				conn.Close()
				continue
			}
			go handleConnection(ctx, conn, dev, *trace)
		}
	}
}

func newDevice(corrupt, fail []string, delay time.Duration) (*simulator.Device, error) {
	dev := simulator.New()
	dev.SetDelay(delay)
	for _, c := range corrupt {
		name, count, ok := strings.Cut(c, "=")
		if !ok {
			return nil, fmt.Errorf("bad -corrupt value %q", c)
		}
		n, err := strconv.Atoi(count)
		if err != nil {
			return nil, fmt.Errorf("bad -corrupt count %q: %w", count, err)
		}
		dev.CorruptReplies(name, n)
	}
	for _, f := range fail {
		name, reply, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("bad -fail value %q", f)
		}
		dev.FailCommand(name, reply)
	}
	return dev, nil
}

func handleConnection(ctx context.Context, conn net.Conn, dev *simulator.Device, trace bool) {
	defer conn.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if trace {
		go func() {
			seen := 0
			ticker := time.NewTicker(20 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					got := dev.Received()
					for _, r := range got[seen:] {
						fmt.Printf("  <- %s\n", r)
					}
					seen = len(got)
				}
			}
		}()
	}

	err := dev.Serve(ctx, conn)
	if err != nil && ctx.Err() == nil {
		fmt.Printf("Connection error: %v\n", err)
	}
	st := dev.State()
	fmt.Printf("Client disconnected (loaded insert %d, %d commands)\n", st.LoadedInsert, len(dev.Received()))
}
