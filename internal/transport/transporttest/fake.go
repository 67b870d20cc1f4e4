// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"shredsocket/internal/jsonrpc"
	"shredsocket/internal/transport"
)

// ErrDialRefused is returned by a Dialer configured to fail
var ErrDialRefused = errors.New("dial refused")

// Responder builds the reply for a request sent on a fake channel.
// Returning nil sends nothing.
type Responder func(req *jsonrpc.Request) []byte

// Dialer is a transport.Dialer that hands out in-memory channels
type Dialer struct {
	mu        sync.Mutex
	dials     int
	failNext  int
	failAll   bool
	responder Responder
	channels  []*Channel
	dialed    chan *Channel
}

// NewDialer creates a new Dialer
func NewDialer() *Dialer {
	return &Dialer{dialed: make(chan *Channel, 64)}
}

// SetResponder installs a responder on every channel dialed afterwards
func (d *Dialer) SetResponder(r Responder) {
	d.mu.Lock()
	d.responder = r
	d.mu.Unlock()
}

// FailNext makes the next n dials fail
func (d *Dialer) FailNext(n int) {
	d.mu.Lock()
	d.failNext = n
	d.mu.Unlock()
}

// FailAll makes every dial fail until called with false
func (d *Dialer) FailAll(fail bool) {
	d.mu.Lock()
	d.failAll = fail
	d.mu.Unlock()
}

// Dials returns the number of dial attempts, failed ones included
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Last returns the most recently opened channel
func (d *Dialer) Last() *Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		return nil
	}
	return d.channels[len(d.channels)-1]
}

// Dialed delivers every successfully opened channel
func (d *Dialer) Dialed() <-chan *Channel {
	return d.dialed
}

// Dial implements transport.Dialer
func (d *Dialer) Dial(ctx context.Context, url string, h transport.Handlers) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.dials++
	if d.failAll || d.failNext > 0 {
		if d.failNext > 0 {
			d.failNext--
		}
		d.mu.Unlock()
		return nil, ErrDialRefused
	}
	ch := newChannel(url, h, d.responder)
	d.channels = append(d.channels, ch)
	d.mu.Unlock()

	select {
	case d.dialed <- ch:
	default:
	}
	return ch, nil
}

// Channel is an in-memory transport.Channel. Inbound events are delivered
// from a dedicated goroutine, one at a time.
type Channel struct {
	URL string

	handlers  transport.Handlers
	responder Responder

	mu      sync.Mutex
	closed  bool
	stopped bool
	sent    [][]byte
	sentCh  chan []byte

	inbox chan func()
	quit  chan struct{}
}

func newChannel(url string, h transport.Handlers, r Responder) *Channel {
	c := &Channel{
		URL:       url,
		handlers:  h,
		responder: r,
		sentCh:    make(chan []byte, 1024),
		inbox:     make(chan func(), 1024),
		quit:      make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *Channel) loop() {
	for {
		select {
		case <-c.quit:
			return
		case fn := <-c.inbox:
			fn()
		}
	}
}

// Send implements transport.Channel
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrChannelClosed
	}
	msg := append([]byte(nil), data...)
	c.sent = append(c.sent, msg)
	responder := c.responder
	c.mu.Unlock()

	select {
	case c.sentCh <- msg:
	default:
	}

	if responder != nil {
		if req, err := jsonrpc.ParseRequest(msg); err == nil {
			if reply := responder(req); reply != nil {
				c.Deliver(reply)
			}
		}
	}
	return nil
}

// Close implements transport.Channel
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if !c.stopped {
		c.stopped = true
		close(c.quit)
	}
	return nil
}

// Ready implements transport.Channel
func (c *Channel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Closed reports whether the channel was closed locally or remotely
func (c *Channel) Closed() bool {
	return !c.Ready()
}

// Sent returns a copy of every message written to the channel
func (c *Channel) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// NextRequest waits for the next request written to the channel
func (c *Channel) NextRequest(timeout time.Duration) (*jsonrpc.Request, bool) {
	select {
	case data := <-c.sentCh:
		req, err := jsonrpc.ParseRequest(data)
		if err != nil {
			return nil, false
		}
		return req, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Deliver queues an inbound message
func (c *Channel) Deliver(data []byte) {
	c.enqueue(func() {
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(data)
		}
	})
}

// Respond delivers a successful response for id
func (c *Channel) Respond(id jsonrpc.ID, result interface{}) {
	resp, err := jsonrpc.NewResponse(id, result)
	if err != nil {
		panic(err)
	}
	data, _ := resp.Bytes()
	c.Deliver(data)
}

// RespondError delivers an error response for id
func (c *Channel) RespondError(id jsonrpc.ID, code int, message string) {
	data, _ := jsonrpc.NewErrorResponse(id, jsonrpc.NewError(code, message)).Bytes()
	c.Deliver(data)
}

// Push delivers a subscription notification
func (c *Channel) Push(method, subscription string, result interface{}) {
	raw, err := json.Marshal(result)
	if err != nil {
		panic(err)
	}
	subID, _ := json.Marshal(subscription)
	data, _ := json.Marshal(jsonrpc.SubscriptionNotification{
		JSONRPC: jsonrpc.Version,
		Method:  method,
		Params: jsonrpc.SubscriptionParams{
			Subscription: subID,
			Result:       raw,
		},
	})
	c.Deliver(data)
}

// Fail simulates a transport error
func (c *Channel) Fail(err error) {
	c.markClosed()
	c.enqueue(func() {
		if c.handlers.OnError != nil {
			c.handlers.OnError(err)
		}
	})
}

// Drop simulates the peer closing the channel
func (c *Channel) Drop() {
	c.markClosed()
	c.enqueue(func() {
		if c.handlers.OnClose != nil {
			c.handlers.OnClose()
		}
	})
}

// DropThenFail fires OnClose followed by OnError for the same channel,
// which some transports do for a single failure
func (c *Channel) DropThenFail(err error) {
	c.markClosed()
	c.enqueue(func() {
		if c.handlers.OnClose != nil {
			c.handlers.OnClose()
		}
		if c.handlers.OnError != nil {
			c.handlers.OnError(err)
		}
	})
}

func (c *Channel) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Channel) enqueue(fn func()) {
	select {
	case <-c.quit:
	case c.inbox <- fn:
	}
}

// RespondAll is a Responder that answers every request with result
func RespondAll(result interface{}) Responder {
	return func(req *jsonrpc.Request) []byte {
		resp, err := jsonrpc.NewResponse(req.ID, result)
		if err != nil {
			return nil
		}
		data, _ := resp.Bytes()
		return data
	}
}

var _ transport.Dialer = (*Dialer)(nil)
var _ transport.Channel = (*Channel)(nil)
