package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"swapper3d-go/pkg/config"
	"swapper3d-go/pkg/device"
	"swapper3d-go/pkg/serial"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports in the order connect tries them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, settings, err := loadSettings(path)
		if err != nil {
			return err
		}
		if dev, _ := cmd.Flags().GetString("device"); dev != "" {
			settings.Device.Port = dev
		}
		return listPorts(cmd, cfg, settings.Device, serial.ListPorts)
	},
}

func listPorts(cmd *cobra.Command, cfg *config.AutosaveConfig, s config.DeviceSettings, list func() ([]serial.PortInfo, error)) error {
	sess := device.New(deviceConfig(s),
		device.WithPortStore(config.NewPortMemory(cfg)),
		device.WithLister(list),
	)
	candidates, err := sess.Candidates()
	if err != nil {
		return err
	}

	info := make(map[string]serial.PortInfo)
	if ports, err := list(); err == nil {
		for _, p := range ports {
			info[p.Device] = p
		}
	}
	remembered, _, _ := config.NewPortMemory(cfg).LoadPort()

	out := cmd.OutOrStdout()
	if len(candidates) == 0 {
		fmt.Fprintln(out, "no serial ports found")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tDEVICE\tDESCRIPTION\tUSB ID\tNOTE")
	for i, dev := range candidates {
		p := info[dev]
		usb := ""
		if p.IsUSB {
			usb = p.VID + ":" + p.PID
		}
		var note string
		switch {
		case dev == s.Port:
			note = "configured"
		case dev == remembered:
			note = "last used"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", i+1, dev, p.Description, usb, note)
	}
	return w.Flush()
}

func init() {
	rootCmd.AddCommand(portsCmd)
	portsCmd.Flags().String("device", "", "Pin a device instead of discovering")
}
