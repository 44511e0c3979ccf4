package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/travesseiro/pillowlink/internal/protocol"
	"github.com/travesseiro/pillowlink/internal/session"
	"github.com/travesseiro/pillowlink/internal/transport"
)

// console is the terminal front end: it prints session notifications and,
// when prompting, turns typed lines into session operations.
type console struct {
	coord  *session.Coordinator
	out    io.Writer
	prompt bool

	pending *transport.DeviceHandle // device waiting for a y/n answer
}

func newConsole(coord *session.Coordinator, out io.Writer, prompt bool) *console {
	return &console{coord: coord, out: out, prompt: prompt}
}

func (c *console) handleNotification(n session.Notification) {
	switch n.Type {
	case session.NotifyDeviceFound:
		if n.Device == nil {
			return
		}
		if c.prompt {
			d := *n.Device
			c.pending = &d
			fmt.Fprintf(c.out, "Found %s. Connect? [y/N] ", d.String())
			return
		}
		slog.Info("device found, confirm via the API", "device", n.Device.String())

	case session.NotifyConnected:
		if n.State != nil {
			fmt.Fprintf(c.out, "Connected to %s via %s\n", n.State.DeviceName, n.State.TransportKind)
		}

	case session.NotifyDisconnected:
		c.pending = nil
		fmt.Fprintln(c.out, "Disconnected")

	case session.NotifyState:
		if n.State == nil {
			return
		}
		if n.State.Phase != session.AwaitingConfirmation {
			c.pending = nil
		}
		slog.Debug("state", "state", n.State.String())

	case session.NotifyStatus:
		if s := n.Status; s != nil && s.Connected {
			slog.Debug("status", "bpm", s.BPM, "battery", s.BatteryPct, "intensity", s.IntensityPct, "active", s.Active)
		}

	case session.NotifyCommand:
		slog.Info("command sent", "command", n.Command)

	case session.NotifyError:
		fmt.Fprintf(c.out, "Error: %s\n", n.Error)
	}
}

// handleLine runs one typed line. It reports whether the user asked to
// quit.
func (c *console) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)

	if c.pending != nil {
		d := *c.pending
		c.pending = nil
		switch strings.ToLower(line) {
		case "y", "yes":
			// ConfirmConnect blocks until the link is up or both transports
			// failed; the outcome arrives as notifications.
			go func() {
				if err := c.coord.ConfirmConnect(ctx, d); err != nil {
					slog.Debug("confirm connect", "error", err)
				}
			}()
		default:
			if err := c.coord.RejectConnect(); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
		return false
	}

	switch strings.ToLower(line) {
	case "":
		return false
	case "quit", "exit", "q":
		return true
	case "scan":
		if err := c.coord.RequestScan(ctx); err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
		return false
	case "cancel":
		c.coord.CancelScan()
		return false
	case "disconnect":
		if err := c.coord.Disconnect(); err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
		return false
	case "status":
		st := c.coord.State()
		s := c.coord.CurrentStatus()
		fmt.Fprintf(c.out, "%s  bpm=%d battery=%d%% intensity=%d%% active=%t\n",
			st, s.BPM, s.BatteryPct, s.IntensityPct, s.Active)
		return false
	}

	cmd, err := protocol.ParseCommand(line)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return false
	}
	if err := c.coord.SendCommand(cmd); err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
	return false
}

// readLines streams lines from r until EOF.
func readLines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			out <- scanner.Text()
		}
	}()
	return out
}
