package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"swapper3d-go/pkg/log"
)

var logger = log.GetLogger("swapperd")

// logCloser is the rotating log file, if one was opened.
var logCloser io.Closer

var rootCmd = &cobra.Command{
	Use:   "swapperd",
	Short: "Swapper3D coordinator for Klipper printers",
	Long: `swapperd drives a Swapper3D filament swapper: it connects to the
controller over serial, intercepts tool changes in the G-code sent to the
printer and runs the unload, load and wipe sequences around them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Settings file (created on first save when missing)")
	flags.String("log-level", "", "Log level: debug, info, warn, error (default from SWAPPER_LOG_LEVEL or info)")
	flags.String("log-format", "", "Log format: text or json")
	flags.String("log-file", "", "Also write logs to this file, rotated by size")
	flags.Int("log-max-size", 10, "Log file size in megabytes that triggers a rotation")
	flags.Int("log-backups", 5, "Rotated log files to keep")
}

func setupLogging(cmd *cobra.Command) error {
	root := log.Default()
	flags := cmd.Flags()

	if level, _ := flags.GetString("log-level"); level != "" {
		root.SetLevel(log.ParseLevel(level))
	}
	if format, _ := flags.GetString("log-format"); format != "" {
		root.SetFormat(log.ParseFormat(format))
	}
	if file, _ := flags.GetString("log-file"); file != "" {
		maxSize, _ := flags.GetInt("log-max-size")
		backups, _ := flags.GetInt("log-backups")
		closer, err := log.AttachFile(root, log.RotationConfig{
			Filename:   file,
			MaxSize:    maxSize,
			MaxBackups: backups,
		})
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logCloser = closer
	}
	return nil
}
