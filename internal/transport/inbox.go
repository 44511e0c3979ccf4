package transport

import "sync"

// DefaultInboxSize is the number of inbound chunks buffered per link.
const DefaultInboxSize = 64

// Inbox is the receive half shared by Link implementations: a buffered
// chunk channel that is closed exactly once, together with the reason.
type Inbox struct {
	mu     sync.Mutex
	ch     chan string
	done   chan struct{}
	closed bool
	err    error
}

// NewInbox creates an Inbox buffering up to size chunks.
func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Inbox{
		ch:   make(chan string, size),
		done: make(chan struct{}),
	}
}

// Push queues a chunk without blocking. It returns false when the inbox is
// closed or full; a full inbox drops the chunk, since telemetry has no
// retransmission anyway.
func (b *Inbox) Push(chunk string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	select {
	case b.ch <- chunk:
		return true
	default:
		return false
	}
}

// C is the channel handed out by Link.Receive.
func (b *Inbox) C() <-chan string { return b.ch }

// Done is closed together with C.
func (b *Inbox) Done() <-chan struct{} { return b.done }

// Close closes the inbox, recording err as the reason. Only the first call
// has any effect; it reports whether this call was the one that closed it.
func (b *Inbox) Close(err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.closed = true
	b.err = err
	close(b.ch)
	close(b.done)
	return true
}

// Closed reports whether Close has been called.
func (b *Inbox) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Err returns the reason passed to the first Close.
func (b *Inbox) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}
