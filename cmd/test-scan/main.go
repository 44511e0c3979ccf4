// Command test-scan is a manual test for device discovery.
// It runs one discovery session and prints every device found until the
// timeout expires. Power on the pillow before running it.
//
// Usage:
//
//	go run ./cmd/test-scan [--transport ble|serial|demo] [--timeout 10s] [--connect]
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/travesseiro/pillowlink/internal/ble"
	"github.com/travesseiro/pillowlink/internal/config"
	"github.com/travesseiro/pillowlink/internal/demo"
	"github.com/travesseiro/pillowlink/internal/protocol"
	"github.com/travesseiro/pillowlink/internal/rfcomm"
	"github.com/travesseiro/pillowlink/internal/transport"
)

func main() {
	kind := pflag.String("transport", "ble", "transport to scan with: ble, serial or demo")
	timeout := pflag.Duration("timeout", 10*time.Second, "how long to scan")
	connect := pflag.Bool("connect", false, "connect to the first device and print telemetry")
	configPath := pflag.StringP("config", "c", config.DefaultConfigPath(), "path to config file")
	pflag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	var tr transport.Transport
	switch *kind {
	case "ble":
		tr = ble.NewTransport(ble.NewTinyGoAdapter(), cfg.BLEOptions())
	case "serial":
		var disc rfcomm.Discoverer
		if bluez, err := rfcomm.NewBlueZ(cfg.Serial.Adapter); err == nil {
			disc = bluez
		} else {
			fmt.Printf("BlueZ unavailable (%v), listing configured ports only\n", err)
		}
		tr = rfcomm.NewTransport(disc, nil, cfg.SerialOptions())
	case "demo":
		tr = demo.NewTransport(cfg.DemoOptions())
	default:
		fmt.Printf("Unknown transport %q\n", *kind)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	fmt.Printf("Scanning with %s for %s...\n", tr.Kind(), *timeout)
	devices, err := tr.Discover(ctx)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	var first *transport.DeviceHandle
	for d := range devices {
		fmt.Printf("  %-20s %s\n", d.ID, d.DisplayName())
		if first == nil {
			first = &d
			if *connect {
				cancel()
			}
		}
	}

	if first == nil {
		fmt.Println("No devices found.")
		return
	}
	if !*connect {
		fmt.Println("\nDone!")
		return
	}

	fmt.Printf("\nConnecting to %s...\n", first)
	connCtx, connCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer connCancel()
	link, err := tr.Connect(connCtx, *first)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer link.Close()

	var splitter protocol.Splitter
	deadline := time.After(*timeout)
	for {
		select {
		case chunk, ok := <-link.Receive():
			if !ok {
				fmt.Printf("Link closed: %v\n", link.Err())
				return
			}
			for _, line := range splitter.Feed(chunk) {
				fmt.Printf("  %-40q %s\n", line, protocol.Decode(line))
			}
		case <-deadline:
			fmt.Println("\nDone!")
			return
		}
	}
}
