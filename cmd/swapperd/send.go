package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"swapper3d-go/pkg/config"
	"swapper3d-go/pkg/device"
	"swapper3d-go/pkg/protocol"
)

var sendCmd = &cobra.Command{
	Use:   "send <command>",
	Short: "Connect to the swapper and issue one command",
	Long: `Connects to the swapper, issues one command and waits for its "_ok"
reply, retrying corrupted replies like a swap would. With --raw the
message is written verbatim without parity and nothing is awaited.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, settings, err := loadSettings(path)
		if err != nil {
			return err
		}
		if dev, _ := cmd.Flags().GetString("device"); dev != "" {
			settings.Device.Port = dev
		}
		raw, _ := cmd.Flags().GetBool("raw")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return sendOnce(ctx, cmd, cfg, settings.Device, args[0], raw)
	},
}

func sendOnce(ctx context.Context, cmd *cobra.Command, cfg *config.AutosaveConfig, s config.DeviceSettings, message string, raw bool, opts ...device.Option) error {
	opts = append([]device.Option{device.WithPortStore(config.NewPortMemory(cfg))}, opts...)
	sess := device.New(deviceConfig(s), opts...)
	if err := sess.Connect(ctx); err != nil {
		return err
	}
	defer sess.Disconnect()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "connected to %s\n", sess.Status().Device)
	if raw {
		if err := sess.SendRaw(ctx, message); err != nil {
			return err
		}
		fmt.Fprintln(out, "sent")
		return nil
	}

	reply, err := sess.Issue(ctx, protocol.Cmd(message))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s (attempts %d, parity retries %d)\n", reply.Payload, reply.Attempts, reply.ParityRetries)
	for _, line := range reply.Ignored {
		fmt.Fprintf(out, "ignored: %s\n", line)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().String("device", "", "Swapper serial device or unix:/path")
	sendCmd.Flags().Bool("raw", false, "Write the message verbatim and do not wait for a reply")
}
