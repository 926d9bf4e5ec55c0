package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"swapper3d-go/pkg/log"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the swapper daemon",
	Long: `Starts the swapper daemon: the Moonraker link, the command endpoint,
the event stream and the metrics server. The swapper itself is connected
through the endpoint ("connect") or at startup with --connect.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, settings, err := loadSettings(path)
		if err != nil {
			return err
		}
		opts := daemonOptionsFrom(cmd)
		opts.apply(&settings)

		d, err := newDaemon(cfg, settings, opts.Queue)
		if err != nil {
			return err
		}
		defer d.close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if connect, _ := cmd.Flags().GetBool("connect"); connect {
			go d.connectDevice(ctx)
		}

		logger.WithFields(log.Fields{
			"config":    path,
			"moonraker": settings.Server.MoonrakerURL,
			"queue":     opts.Queue,
		}).Info("swapperd starting")
		err = d.run(ctx)
		logger.Info("swapperd stopped")
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addDaemonFlags(serveCmd, false)
	serveCmd.Flags().String("queue", QueueStreamer, "Where swap motion is queued: streamer or moonraker")
}
