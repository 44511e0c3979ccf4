package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/travesseiro/pillowlink/internal/transport"
)

// Dialer connects to a device with Primary and, when that fails, tries
// Fallback exactly once.
type Dialer struct {
	Primary  transport.Transport
	Fallback transport.Transport // optional
}

// Dial returns the established link and the transport that produced it.
// When both attempts fail the fallback's error is returned.
func (d Dialer) Dial(ctx context.Context, dev transport.DeviceHandle) (transport.Link, transport.Kind, error) {
	if d.Primary == nil {
		return nil, "", errors.New("session: no transport configured")
	}

	link, err := d.Primary.Connect(ctx, dev)
	if err == nil {
		return link, d.Primary.Kind(), nil
	}
	err = asConnectError(d.Primary.Kind(), err)

	if d.Fallback == nil || ctx.Err() != nil {
		return nil, "", err
	}
	slog.Warn("[session] primary connect failed, trying fallback",
		"primary", d.Primary.Kind(), "fallback", d.Fallback.Kind(), "error", err)

	link, ferr := d.Fallback.Connect(ctx, dev)
	if ferr != nil {
		return nil, "", asConnectError(d.Fallback.Kind(), ferr)
	}
	return link, d.Fallback.Kind(), nil
}

// asConnectError makes sure a failed connect is reported as *ConnectError.
func asConnectError(kind transport.Kind, err error) error {
	var ce *transport.ConnectError
	if errors.As(err, &ce) {
		return err
	}
	return transport.NewConnectError(kind, transport.Rejected, err)
}
