package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/chaz8081/wearlink/internal/config"
	"github.com/chaz8081/wearlink/internal/store"
	"github.com/chaz8081/wearlink/internal/transport"
)

func main() {
	app := cli.NewApp()
	app.Name = "wearlink"
	app.Usage = "talk to a wearable accessory over BLE and Classic Bluetooth"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to config file (default: ~/.config/wearlink/config.yaml)",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "override log_level (debug, info, warn, error)",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "init-config",
			Usage:  "write the default config file",
			Action: initConfig,
		},
		{
			Name:  "scan",
			Usage: "scan both transports for accessories",
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "timeout, t", Value: 10 * time.Second, Usage: "scan duration"},
			},
			Action: scan,
		},
		{
			Name:  "run",
			Usage: "connect and stay connected, logging events",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "device, d", Usage: "accessory address (default: config or last device)"},
				cli.BoolFlag{Name: "mic", Usage: "stream the microphone over the Classic link"},
				cli.BoolFlag{Name: "ptt", Usage: "enable the push-to-talk hotkey even if disabled in config"},
				cli.BoolFlag{Name: "bridge", Usage: "serve the WebSocket bridge even if disabled in config"},
				cli.BoolFlag{Name: "type", Usage: "type received text into the focused window even if disabled in config"},
			},
			Action: run,
		},
		{
			Name:      "send",
			Usage:     "connect, send one text message over BLE and exit",
			ArgsUsage: "<text>",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "device, d", Usage: "accessory address (default: config or last device)"},
				cli.DurationFlag{Name: "timeout, t", Value: 30 * time.Second, Usage: "how long to wait for the link"},
			},
			Action: send,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "wearlink:", err)
		os.Exit(1)
	}
}

func initConfig(c *cli.Context) error {
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

// setup loads and validates the config and installs the slog handler.
func setup(c *cli.Context) (*config.Config, error) {
	cfg, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if lvl := c.GlobalString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)})
	slog.SetDefault(slog.New(handler))
	return cfg, nil
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

// resolveDevice picks the accessory: the flag, then the config, then the
// store.
func resolveDevice(flag string, cfg *config.Config, st *store.Store) (transport.DeviceIdentity, error) {
	if flag != "" {
		return transport.DeviceIdentity{Address: flag}, nil
	}
	if cfg.Device.Address != "" {
		return transport.DeviceIdentity{Address: cfg.Device.Address, Name: cfg.Device.Name}, nil
	}
	id, err := st.Last()
	if errors.Is(err, store.ErrNotFound) {
		return id, errors.New("no device given: pass --device, set device.address or run \"wearlink scan\" first")
	}
	return id, err
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
