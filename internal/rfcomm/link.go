package rfcomm

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/travesseiro/pillowlink/internal/transport"
)

// Link is an open RFCOMM stream. A dedicated read loop forwards raw text
// chunks until the stream closes or errors.
type Link struct {
	port  Port
	inbox *transport.Inbox

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// Compile-time check that Link implements transport.Link.
var _ transport.Link = (*Link)(nil)

func newLink(port Port) *Link {
	l := &Link{
		port:  port,
		inbox: transport.NewInbox(transport.DefaultInboxSize),
		done:  make(chan struct{}),
	}
	go l.readLoop()
	return l
}

// readLoop reads until the port fails. A read that times out returns zero
// bytes and no error; that just re-checks whether the link was closed.
func (l *Link) readLoop() {
	defer close(l.done)

	buf := make([]byte, readBufSize)
	for {
		n, err := l.port.Read(buf)
		if err != nil {
			if l.inbox.Closed() {
				return // local Close, clean shutdown
			}
			if errors.Is(err, io.EOF) {
				slog.Warn("[RFCOMM] stream closed by peer")
			} else {
				slog.Error("[RFCOMM] read error", "error", err)
			}
			l.inbox.Close(fmt.Errorf("%w: %v", transport.ErrLinkClosed, err))
			return
		}
		if n == 0 {
			if l.inbox.Closed() {
				return
			}
			continue
		}
		if !l.inbox.Push(string(buf[:n])) && !l.inbox.Closed() {
			slog.Warn("[RFCOMM] inbox full, dropping chunk")
		}
	}
}

// Send writes one encoded command. Safe for concurrent use.
func (l *Link) Send(data []byte) error {
	if l.inbox.Closed() {
		return &transport.SendError{Kind: transport.KindSerial, Err: transport.ErrLinkClosed}
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if _, err := l.port.Write(data); err != nil {
		return &transport.SendError{Kind: transport.KindSerial, Err: err}
	}
	return nil
}

func (l *Link) Receive() <-chan string { return l.inbox.C() }

func (l *Link) Err() error { return l.inbox.Err() }

// Close closes the port and waits for the read loop to exit.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.inbox.Close(nil)
		if cerr := l.port.Close(); cerr != nil {
			err = fmt.Errorf("rfcomm: close port: %w", cerr)
		}
		<-l.done
	})
	return err
}
