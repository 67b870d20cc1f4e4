package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const closeWriteTimeout = 5 * time.Second

// WebSocketDialer opens channels backed by gorilla/websocket
type WebSocketDialer struct {
	handshakeTimeout time.Duration
	readTimeout      time.Duration
	header           http.Header
	logger           zerolog.Logger
}

// NewWebSocketDialer creates a new WebSocketDialer.
// readTimeout of zero disables the read deadline.
func NewWebSocketDialer(handshakeTimeout, readTimeout time.Duration, header http.Header, logger zerolog.Logger) *WebSocketDialer {
	return &WebSocketDialer{
		handshakeTimeout: handshakeTimeout,
		readTimeout:      readTimeout,
		header:           header,
		logger:           logger.With().Str("component", "transport").Logger(),
	}
}

// Dial establishes the WebSocket connection and starts the reader goroutine
func (d *WebSocketDialer) Dial(ctx context.Context, url string, h Handlers) (Channel, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, d.header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect WebSocket: %w", err)
	}

	ch := &wsChannel{
		conn:        conn,
		handlers:    h,
		readTimeout: d.readTimeout,
		logger:      d.logger.With().Str("url", url).Logger(),
	}
	if d.readTimeout > 0 {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(d.readTimeout))
		})
	}
	go ch.readLoop()
	return ch, nil
}

type wsChannel struct {
	conn        *websocket.Conn
	handlers    Handlers
	readTimeout time.Duration
	logger      zerolog.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
}

func (c *wsChannel) Ready() bool {
	return !c.closed.Load()
}

func (c *wsChannel) Send(data []byte) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	c.writeMu.Lock()
	err := c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

func (c *wsChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeWriteTimeout),
	)
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *wsChannel) readLoop() {
	for {
		if c.readTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.CompareAndSwap(false, true) {
				// closed locally
				return
			}
			_ = c.conn.Close()
			if isCleanClose(err) {
				c.logger.Debug().Err(err).Msg("WebSocket closed by peer")
				if c.handlers.OnClose != nil {
					c.handlers.OnClose()
				}
				return
			}
			c.logger.Debug().Err(err).Msg("WebSocket read failed")
			if c.handlers.OnError != nil {
				c.handlers.OnError(err)
			}
			return
		}
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(data)
		}
	}
}

func isCleanClose(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// DialFunc adapts a function to the Dialer interface
type DialFunc func(ctx context.Context, url string, h Handlers) (Channel, error)

// Dial calls f
func (f DialFunc) Dial(ctx context.Context, url string, h Handlers) (Channel, error) {
	return f(ctx, url, h)
}

var _ Dialer = (*WebSocketDialer)(nil)
var _ Dialer = DialFunc(nil)
