package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"swapper3d-go/pkg/api"
	"swapper3d-go/pkg/barrier"
	"swapper3d-go/pkg/config"
	"swapper3d-go/pkg/device"
	"swapper3d-go/pkg/host"
	"swapper3d-go/pkg/metrics"
	"swapper3d-go/pkg/moonraker"
	"swapper3d-go/pkg/stats"
	"swapper3d-go/pkg/swap"
)

const shutdownTimeout = 5 * time.Second

// Print queue bindings for swap motion.
const (
	// QueueStreamer routes swap motion through the local streamer, which
	// also carries files printed with "swapperd stream".
	QueueStreamer = "streamer"
	// QueueMoonraker sends swap motion straight to Klipper and pauses
	// Klipper's own print job.
	QueueMoonraker = "moonraker"
)

// daemonOptions override the settings file from the command line.
type daemonOptions struct {
	Device       string
	MoonrakerURL string
	Listen       string
	Metrics      string
	Queue        string
}

func addDaemonFlags(cmd *cobra.Command, connect bool) {
	flags := cmd.Flags()
	flags.String("device", "", "Swapper serial device or unix:/path (overrides [swapper device] port)")
	flags.String("moonraker", "", "Moonraker websocket URL (overrides [server] moonraker_url)")
	flags.String("listen", "", "Command endpoint address (overrides [server] listen)")
	flags.String("metrics", "", "Metrics address, \"off\" to disable (overrides [server] metrics_listen)")
	flags.Bool("connect", connect, "Connect to the swapper on startup")
}

func daemonOptionsFrom(cmd *cobra.Command) daemonOptions {
	flags := cmd.Flags()
	var o daemonOptions
	o.Device, _ = flags.GetString("device")
	o.MoonrakerURL, _ = flags.GetString("moonraker")
	o.Listen, _ = flags.GetString("listen")
	o.Metrics, _ = flags.GetString("metrics")
	if flags.Lookup("queue") != nil {
		o.Queue, _ = flags.GetString("queue")
	}
	return o
}

// loadSettings reads the settings file. An empty path runs on defaults
// and never writes.
func loadSettings(path string) (*config.AutosaveConfig, config.Settings, error) {
	var cfg *config.AutosaveConfig
	if path == "" {
		cfg = config.NewAutosaveConfig(config.New(), "")
	} else {
		var err error
		if cfg, err = config.LoadAutosave(path); err != nil {
			return nil, config.Settings{}, err
		}
	}
	settings, err := config.ParseSettings(cfg.Config)
	if err != nil {
		return nil, config.Settings{}, err
	}
	return cfg, settings, nil
}

func (o daemonOptions) apply(s *config.Settings) {
	if o.Device != "" {
		s.Device.Port = o.Device
	}
	if o.MoonrakerURL != "" {
		s.Server.MoonrakerURL = o.MoonrakerURL
	}
	if o.Listen != "" {
		s.Server.Listen = o.Listen
	}
	switch o.Metrics {
	case "":
	case "off":
		s.Server.MetricsListen = ""
	default:
		s.Server.MetricsListen = o.Metrics
	}
}

// deviceConfig maps [swapper device] onto the session config.
func deviceConfig(s config.DeviceSettings) device.Config {
	cfg := device.DefaultConfig()
	cfg.Device = s.Port
	cfg.ControllerID = s.ControllerID
	cfg.BaudRate = s.BaudRate
	cfg.SettleDelay = s.SettleDelay
	cfg.ReadyDelay = s.ReadyDelay
	cfg.ReadTimeout = s.ReadTimeout
	cfg.ResponseTimeout = s.ResponseTimeout
	cfg.HandshakeAttempts = s.HandshakeAttempts
	cfg.MaxParityRetries = s.MaxParityRetries
	return cfg
}

// daemon is every component of a running swapper host.
type daemon struct {
	metrics  *metrics.SwapMetrics
	device   *device.Session
	barrier  *barrier.Barrier
	printer  *moonraker.Client
	streamer *host.Streamer
	swapper  *swap.Orchestrator
	stats    stats.Store
	api      *api.Server

	http          *http.Server
	metricsServer *metrics.Server
}

func newDaemon(cfg *config.AutosaveConfig, settings config.Settings, queue string) (*daemon, error) {
	swapCfg, err := swap.ConfigFromSettings(settings)
	if err != nil {
		return nil, err
	}
	store, err := stats.Open(settings.Stats, cfg)
	if err != nil {
		return nil, err
	}

	d := &daemon{
		metrics: metrics.NewSwapMetrics(),
		stats:   store,
	}
	d.device = device.New(deviceConfig(settings.Device),
		device.WithPortStore(config.NewPortMemory(cfg)),
		device.WithRecorder(d.metrics),
	)
	d.barrier = barrier.New(settings.Swapper.BarrierTimeout)
	d.barrier.SetRecorder(d.metrics)
	d.printer = moonraker.New(moonraker.Config{
		URL:    settings.Server.MoonrakerURL,
		APIKey: settings.Server.MoonrakerKey,
		OnLine: func(line string) { d.barrier.OnLine(line) },
	})
	d.streamer = host.NewStreamer(d.printer)

	var q host.PrintQueue
	switch queue {
	case "", QueueStreamer:
		q = d.streamer
	case QueueMoonraker:
		q = d.printer
	default:
		store.Close()
		return nil, fmt.Errorf("unknown print queue %q (want %s or %s)", queue, QueueStreamer, QueueMoonraker)
	}

	d.swapper = swap.New(swapCfg, d.device, q, d.barrier,
		swap.WithRecorder(d.metrics),
		swap.WithStats(store),
	)
	d.streamer.SetIntercept(d.swapper.Intercept)
	d.api = api.New(d.device, d.swapper, api.WithStats(store))

	d.http = &http.Server{
		Addr:              settings.Server.Listen,
		Handler:           d.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if settings.Server.MetricsListen != "" {
		mc := metrics.DefaultServerConfig()
		mc.Address = settings.Server.MetricsListen
		mc.Username = settings.Server.MetricsUser
		mc.Password = settings.Server.MetricsPass
		mc.Ready = d.ready
		d.metricsServer = metrics.NewServerWithConfig(d.metrics, mc)
	}
	return d, nil
}

// ready reports whether a swap could run right now.
func (d *daemon) ready() bool {
	return d.device.IsConnected() && d.printer.IsReady()
}

// run starts every loop and blocks until ctx is done or a listener
// fails.
func (d *daemon) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		d.printer.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		d.streamer.Run(ctx)
	}()

	go func() {
		logger.WithField("address", d.http.Addr).Info("command endpoint listening")
		if err := d.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("command endpoint: %w", err)
		}
	}()
	if d.metricsServer != nil {
		logger.WithField("address", d.metricsServer.Address()).Info("metrics listening")
		metricsErr := d.metricsServer.StartAsync()
		go func() {
			if err, ok := <-metricsErr; ok && err != nil {
				errCh <- err
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	d.api.Close()
	if serr := d.http.Shutdown(shutdownCtx); serr != nil {
		logger.WithError(serr).Warn("command endpoint did not stop in time")
		d.http.Close()
	}
	if d.metricsServer != nil {
		d.metricsServer.Shutdown(shutdownCtx)
	}
	wg.Wait()
	return err
}

// connectDevice connects to the swapper, logging instead of failing.
func (d *daemon) connectDevice(ctx context.Context) {
	if err := d.device.Connect(ctx); err != nil {
		logger.WithError(err).Warn("swapper not connected")
	}
}

// waitPrinter blocks until Klipper reports ready through Moonraker.
func (d *daemon) waitPrinter(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !d.printer.IsReady() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("printer not ready (klippy %s): %w", d.printer.KlippyState(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// close waits for a running swap and releases the device and counters.
func (d *daemon) close() {
	d.swapper.Close()
	if d.device.IsConnected() {
		if err := d.device.Disconnect(); err != nil {
			logger.WithError(err).Warn("disconnect failed")
		}
	}
	if err := d.stats.Close(); err != nil {
		logger.WithError(err).Warn("saving counters failed")
	}
	d.printer.Close()
}
