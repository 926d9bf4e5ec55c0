package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"swapper3d-go/pkg/log"
)

var streamCmd = &cobra.Command{
	Use:   "stream <file.gcode>",
	Short: "Print a G-code file through the swapper",
	Long: `Runs the daemon and streams a G-code file to Klipper line by line.
Tool changes in the file are intercepted and turned into swaps; the file
waits at each one until the swap has finished.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, settings, err := loadSettings(path)
		if err != nil {
			return err
		}
		opts := daemonOptionsFrom(cmd)
		opts.apply(&settings)

		d, err := newDaemon(cfg, settings, QueueStreamer)
		if err != nil {
			return err
		}
		defer d.close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		runErr := make(chan error, 1)
		go func() { runErr <- d.run(ctx) }()

		wait, _ := cmd.Flags().GetDuration("wait")
		if err := d.waitPrinter(ctx, wait); err != nil {
			cancel()
			<-runErr
			return err
		}
		if connect, _ := cmd.Flags().GetBool("connect"); connect {
			d.connectDevice(ctx)
		}

		done, err := d.streamer.PrintFile(args[0])
		if err != nil {
			cancel()
			<-runErr
			return err
		}
		logger.WithField("file", args[0]).Info("streaming started")
		started := time.Now()

		var printErr error
		select {
		case printErr = <-done:
		case err := <-runErr:
			return err
		}
		cancel()
		if err := <-runErr; err != nil {
			return err
		}
		if printErr != nil && !errors.Is(printErr, context.Canceled) {
			return fmt.Errorf("print %s: %w", args[0], printErr)
		}
		logger.WithFields(log.Fields{
			"file":    args[0],
			"lines":   d.streamer.Sent(),
			"elapsed": time.Since(started).Round(time.Second).String(),
		}).Info("streaming finished")
		return printErr
	},
}

func init() {
	rootCmd.AddCommand(streamCmd)
	addDaemonFlags(streamCmd, true)
	streamCmd.Flags().Duration("wait", 30*time.Second, "How long to wait for Klipper to become ready")
}
