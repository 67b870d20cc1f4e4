package socket

import (
	"errors"

	"shredsocket/internal/transport"
)

var (
	// ErrConnect is returned when the channel cannot be opened
	ErrConnect = errors.New("failed to connect")
	// ErrChannelClosed is returned when a send is attempted on a channel
	// that is not open, and delivered to calls orphaned by a closure
	ErrChannelClosed = transport.ErrChannelClosed
	// ErrTimeout is returned when a response does not arrive in time
	ErrTimeout = errors.New("request timed out")
	// ErrReconnectExhausted is delivered to every outstanding consumer
	// when the reconnect ceiling is reached
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrClientClosed is returned after Close
	ErrClientClosed = errors.New("client closed")
	// ErrInvalidID is returned for requests whose id is not numeric
	ErrInvalidID = errors.New("request id must be numeric")
	// ErrDuplicateID is returned when an explicit id is already in flight
	ErrDuplicateID = errors.New("request id already in flight")
)
