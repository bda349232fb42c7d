// Command compass-link streams heading readings from a BLE compass peripheral.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/Clair88860/basic/internal/ble"
	"github.com/Clair88860/basic/internal/config"
	"github.com/Clair88860/basic/internal/link"
	"github.com/Clair88860/basic/internal/logging"
	"github.com/Clair88860/basic/internal/telemetry"
)

const (
	flagConfig    = "config"
	flagTransport = "transport"
	flagName      = "name"
	flagLogLevel  = "log-level"
)

func main() {
	app := &cli.App{
		Name:  "compass-link",
		Usage: "stream orientation readings from a BLE compass",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE` (default: ~/.config/compass-link/config.yaml)",
			},
			&cli.StringFlag{
				Name:  flagTransport,
				Usage: "host transport: tinygo, hci or none",
			},
			&cli.StringFlag{
				Name:  flagName,
				Usage: "advertised device name to connect to",
			},
			&cli.StringFlag{
				Name:  flagLogLevel,
				Usage: "debug, info, warn or error",
			},
		},
		Action: streamAction,
		Commands: []*cli.Command{
			{
				Name:   "stream",
				Usage:  "connect and print readings until interrupted (default)",
				Action: streamAction,
			},
			{
				Name:   "scan",
				Usage:  "scan once and print the first matching device",
				Action: scanAction,
			},
			{
				Name:   "print-config",
				Usage:  "print the effective configuration as YAML",
				Action: printConfigAction,
			},
			{
				Name:   "init-config",
				Usage:  "write the default configuration file if none exists",
				Action: initConfigAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// setup loads the config, applies flag overrides and builds the logger.
func setup(c *cli.Context) (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := loadConfig(c.String(flagConfig))
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	if c.IsSet(flagTransport) {
		cfg.Transport = c.String(flagTransport)
	}
	if c.IsSet(flagName) {
		cfg.Device.Name = c.String(flagName)
	}
	if c.IsSet(flagLogLevel) {
		cfg.LogLevel = c.String(flagLogLevel)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("config validation: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newGateway(cfg *config.Config, logger logging.Logger) (*ble.Gateway, error) {
	adapter, err := ble.NewAdapter(cfg.Transport, cfg.Adapter)
	if err != nil {
		return nil, err
	}
	return ble.NewGateway(adapter, logging.Named(logger, "ble")), nil
}

func streamAction(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	gw, err := newGateway(cfg, logger)
	if err != nil {
		return err
	}

	printBanner(cfg)

	failed := make(chan link.StatusEvent, 1)
	sink := link.SinkFuncs{
		Reading: func(r telemetry.Reading) {
			fmt.Printf("%7.2f°  %s\n", r.AngleDegrees, r.Direction())
		},
		Status: func(e link.StatusEvent) {
			if !e.Transition() {
				return
			}
			logger.Infof("%s", e)
			if e.To == link.Failed {
				select {
				case failed <- e:
				default:
				}
			}
		},
	}

	m := link.New(gw, sink, opts, link.WithLogger(logging.Named(logger, "link")))
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warnf("close: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := m.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	logger.Infof("Looking for %q. Ctrl+C to quit.", cfg.Device.Name)

	select {
	case <-ctx.Done():
		logger.Infof("Shutting down...")
	case e := <-failed:
		stats := m.Stats()
		return fmt.Errorf("link failed after %d readings: %w", stats.Readings, e.Err)
	}

	stats := m.Stats()
	logger.Infof("Received %d readings (%d dropped, %d reconnects)", stats.Readings, stats.DecodeErrors, stats.Retries)
	return nil
}

func scanAction(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	gw, err := newGateway(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := gw.BeginScan(ctx, opts.Filter)
	if err != nil {
		return err
	}
	fmt.Printf("Scanning for %q (timeout %s)...\n", cfg.Device.Name, opts.ScanTimeout)
	candidate, err := ble.NewScanSession(h, opts.Filter, opts.ScanTimeout, clock.New(), logging.Named(logger, "scan")).Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Found %s (%s)\n", candidate.Name, candidate.Address)
	return nil
}

func printConfigAction(c *cli.Context) error {
	cfg, err := loadConfig(c.String(flagConfig))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func initConfigAction(*cli.Context) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== compass-link ===")
	fmt.Printf("  Device:     %s\n", cfg.Device.Name)
	fmt.Printf("  Service:    %s\n", cfg.Device.ServiceUUID)
	fmt.Printf("  Transport:  %s (%s)\n", cfg.Transport, cfg.Adapter)
	fmt.Printf("  Wire:       %s\n", cfg.Wire.Format)
	fmt.Printf("  Retry:      %v (max %d, %s)\n", cfg.Retry.Enabled, cfg.Retry.MaxAttempts, cfg.Retry.Backoff)
	fmt.Printf("  Log:        %s\n", cfg.LogLevel)
	fmt.Println("====================")
}
