package transport

import (
	"context"
	"errors"
)

// ErrChannelClosed is returned when sending on a channel that is not open
var ErrChannelClosed = errors.New("channel closed")

// Handlers receives the inbound side of a channel. Callbacks are invoked
// from the channel's read goroutine, one at a time. After OnError or
// OnClose fires no further callbacks are made.
type Handlers struct {
	OnMessage func(data []byte)
	OnError   func(err error)
	OnClose   func()
}

// Channel is an open duplex text-message channel
type Channel interface {
	// Send writes one message. Safe for concurrent use.
	Send(data []byte) error
	// Close tears the channel down without firing OnClose or OnError.
	Close() error
	// Ready reports whether the channel is open for writing.
	Ready() bool
}

// Dialer opens channels. A returned channel is already open, which
// stands in for the onOpen event.
type Dialer interface {
	Dial(ctx context.Context, url string, h Handlers) (Channel, error)
}
