// Command pillowctl runs the pillow connection manager. It scans for the
// pillow, connects after confirmation, tracks its telemetry and serves the
// HTTP/WebSocket API used by the UI.
//
// Usage:
//
//	pillowctl [--config path] [--demo] [--listen addr] [--prompt] [--scan]
//	pillowctl --init
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/travesseiro/pillowlink/internal/ble"
	"github.com/travesseiro/pillowlink/internal/config"
	"github.com/travesseiro/pillowlink/internal/demo"
	"github.com/travesseiro/pillowlink/internal/rfcomm"
	"github.com/travesseiro/pillowlink/internal/server"
	"github.com/travesseiro/pillowlink/internal/session"
	"github.com/travesseiro/pillowlink/internal/transport"
)

func main() {
	// CLI flags
	configPath := pflag.StringP("config", "c", "", "path to config file (default: ~/.config/pillowlink/config.yaml)")
	demoMode := pflag.Bool("demo", false, "use the simulated pillow instead of Bluetooth")
	listen := pflag.String("listen", "", "HTTP listen address (overrides server.listen_addr)")
	prompt := pflag.Bool("prompt", false, "ask on the terminal before connecting to a found device")
	scan := pflag.Bool("scan", false, "start scanning right away")
	initCfg := pflag.Bool("init", false, "write the default config file and exit")
	pflag.Parse()

	path := *configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}

	if *initCfg {
		if err := writeDefault(path); err != nil {
			fatal("init config", err)
		}
		return
	}

	// Load configuration
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		fatal("config", err)
	}
	if *listen != "" {
		cfg.Server.ListenAddr = *listen
	}
	if err := cfg.Validate(); err != nil {
		fatal("config validation", err)
	}

	setupLogging(cfg.LogLevel)
	printBanner(cfg, path, *demoMode)

	coord := newCoordinator(cfg, *demoMode)

	// Settings changed through the API are written back to the config file.
	var saveMu sync.Mutex
	srv := server.New(coord, server.Options{
		ListenAddr: cfg.Server.ListenAddr,
		SaveSettings: func(u session.UserSettings) error {
			saveMu.Lock()
			defer saveMu.Unlock()
			cfg.Settings = u
			return cfg.Save(path)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Run(ctx) }()

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	notes, unsubscribe := coord.Subscribe()
	defer unsubscribe()

	con := newConsole(coord, os.Stdout, *prompt)
	var lines <-chan string
	if *prompt {
		lines = readLines(os.Stdin)
		fmt.Println("Type scan, disconnect, a command such as ACTIVATE or SENS:40, or quit.")
	}

	if *scan {
		if err := coord.RequestScan(ctx); err != nil {
			slog.Error("scan failed to start", "error", err)
		}
	}

	slog.Info("ready", "listen", cfg.Server.ListenAddr)

	// Main event loop
	for {
		select {
		case n, ok := <-notes:
			if !ok {
				return
			}
			con.handleNotification(n)

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if con.handleLine(ctx, line) {
				shutdown(cancel, coord)
				return
			}

		case err := <-serverErr:
			coord.Close()
			if err != nil {
				fatal("server", err)
			}
			return

		case sig := <-sigCh:
			slog.Info("shutting down", "signal", sig.String())
			shutdown(cancel, coord)
			return
		}
	}
}

// newCoordinator wires the transports selected by cfg into a Coordinator.
func newCoordinator(cfg *config.Config, demoMode bool) *session.Coordinator {
	opts := session.Options{
		Settings:           cfg.Settings,
		RepeatAutoActivate: cfg.AutoActivate.Repeat,
		ScanTimeout:        cfg.ScanTimeout,
	}

	if demoMode {
		pillow := demo.NewTransport(cfg.DemoOptions())
		opts.Scanners = []transport.Transport{pillow}
		opts.Dialer = session.Dialer{Primary: pillow}
		opts.Capability = session.AlwaysGranted{}
		return session.New(opts)
	}

	le := ble.NewTransport(ble.NewTinyGoAdapter(), cfg.BLEOptions())
	opts.Scanners = []transport.Transport{le}
	opts.Dialer = session.Dialer{Primary: le}
	opts.Capability = session.AlwaysGranted{}

	bluez, err := rfcomm.NewBlueZ(cfg.Serial.Adapter)
	if err != nil {
		slog.Warn("BlueZ unavailable", "error", err)
	} else if cfg.Permission == "bluez" {
		opts.Capability = bluez
	}

	if cfg.Serial.Enabled {
		var disc rfcomm.Discoverer
		if bluez != nil {
			disc = bluez
		}
		serial := rfcomm.NewTransport(disc, nil, cfg.SerialOptions())
		opts.Scanners = append(opts.Scanners, serial)
		opts.Dialer.Fallback = serial
	}

	return session.New(opts)
}

func shutdown(cancel context.CancelFunc, coord *session.Coordinator) {
	cancel()
	if err := coord.Close(); err != nil {
		slog.Warn("close session", "error", err)
	}
	fmt.Println("Goodbye!")
}

// writeDefault writes the default config to path unless a file exists.
func writeDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists at %s\n", path)
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := config.Default().Save(path); err != nil {
		return err
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, path string, demoMode bool) {
	fmt.Println("=== pillowlink ===")
	fmt.Printf("  Config:    %s\n", path)
	if demoMode {
		fmt.Printf("  Transport: demo (every %s)\n", cfg.Demo.Interval)
	} else {
		fmt.Printf("  Transport: low-energy (service %s)\n", cfg.BLE.ServiceUUID)
		if cfg.Serial.Enabled {
			fmt.Printf("  Fallback:  serial-socket (%s @ %d baud)\n", cfg.Serial.DefaultPort, cfg.Serial.BaudRate)
		}
	}
	fmt.Printf("  Listen:    %s\n", cfg.Server.ListenAddr)
	fmt.Printf("  Settings:  sensitivity %d%%, %s, auto-activate %s\n",
		cfg.Settings.TouchSensitivity, cfg.Settings.MassageType, autoActivateLabel(cfg.Settings.AutoActivateBPMLimit))
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("==================")
}

func autoActivateLabel(limit uint32) string {
	if limit == 0 {
		return "off"
	}
	return fmt.Sprintf("at %d bpm", limit)
}
