package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"shredsocket/internal/config"
	"shredsocket/internal/connection"
	"shredsocket/internal/queue"
	"shredsocket/internal/socket"
	"shredsocket/internal/subscription"
	"shredsocket/internal/transport"
)

const closeTimeout = 5 * time.Second

// Client is the caller-facing API. It holds one shared socket client for
// the configured endpoint, the request queue feeding it and the managed
// subscriptions running on it.
type Client struct {
	cfg          *config.Config
	registry     *socket.Registry
	ownsRegistry bool
	socket       *socket.Client
	queue        *queue.Queue
	subs         *subscription.Manager
	unbind       []func()
	logger       zerolog.Logger
	closeOnce    sync.Once
}

// New connects to cfg.URL and wires the queue and subscription manager to
// the connection. It fails if the first connection cannot be opened.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		cfg:      cfg,
		registry: o.registry,
		logger:   logger.With().Str("component", "client").Logger(),
	}
	if c.registry == nil {
		c.registry = socket.NewRegistry(logger)
		c.ownsRegistry = true
	}
	dialer := o.dialer
	if dialer == nil {
		dialer = transport.NewWebSocketDialer(cfg.GetHandshakeTimeoutDuration(), cfg.GetReadTimeoutDuration(), nil, logger)
	}

	socketOpts := SocketOptions(cfg)
	sc, err := c.registry.Acquire(ctx, cfg.Key, cfg.URL, func(ctx context.Context) (*socket.Client, error) {
		return socket.Dial(ctx, socketOpts, dialer, logger)
	})
	if err != nil {
		if c.ownsRegistry {
			c.registry.Close()
		}
		return nil, err
	}
	c.socket = sc

	queueOpts := QueueOptions(cfg)
	subOpts := subscription.Options{DedupCacheSize: cfg.Subscriptions.DedupCacheSize}
	if o.metrics != nil {
		queueOpts.OnComplete = o.metrics.ObserveRequest
		subOpts.OnEvent = o.metrics.ObserveSubscriptionEvent
	}
	c.queue = queue.New(sc, queueOpts, logger)
	c.subs = subscription.NewManager(c.openSubscription, subOpts, logger)

	// queued work cannot outlive a connection that gave up
	c.unbind = append(c.unbind, sc.OnTerminate(c.queue.Fail))

	if o.metrics != nil {
		c.unbind = append(c.unbind, o.metrics.BindConnection(sc.ConnectionManager()))
		o.metrics.WatchQueue(c.queue.Stats)
		o.metrics.WatchSubscriptions(c.subs.Len)
	}

	c.logger.Info().Str("url", cfg.URL).Str("key", cfg.Key).Msg("client ready")
	return c, nil
}

func (c *Client) openSubscription(ctx context.Context, params []interface{}, onData func(json.RawMessage), onError func(error)) (subscription.Handle, error) {
	sub, err := c.socket.Subscribe(ctx, params, onData, onError)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Socket returns the underlying socket client
func (c *Client) Socket() *socket.Client {
	return c.socket
}

// Request sends a call directly, bypassing the queue
func (c *Client) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return c.socket.Call(ctx, method, params)
}

// QueueRequest adds a call to the request queue
func (c *Client) QueueRequest(req queue.Request) (*queue.Ticket, error) {
	return c.queue.Add(req)
}

// Do adds a call to the request queue and waits for its outcome
func (c *Client) Do(ctx context.Context, req queue.Request) (json.RawMessage, error) {
	return c.queue.Do(ctx, req)
}

// QueueStats returns the request queue counters
func (c *Client) QueueStats() queue.Stats {
	return c.queue.Stats()
}

// QueuedRequests returns the requests waiting in the queue, in processing order
func (c *Client) QueuedRequests() []queue.QueuedRequest {
	return c.queue.QueuedRequests()
}

// PauseQueue stops the request queue from dispatching
func (c *Client) PauseQueue() {
	c.queue.Pause()
}

// ResumeQueue restarts dispatching
func (c *Client) ResumeQueue() {
	c.queue.Resume()
}

// ClearQueue fails every undispatched request with queue.ErrQueueCleared
func (c *Client) ClearQueue() {
	c.queue.Clear()
}

// ConnectionStatus returns the current connection status
func (c *Client) ConnectionStatus() connection.Status {
	return c.socket.Status()
}

// ConnectionStats returns a snapshot of the connection record
func (c *Client) ConnectionStats() connection.Stats {
	return c.socket.ConnectionManager().Stats()
}

// IsConnected returns true if the connection is up
func (c *Client) IsConnected() bool {
	return c.socket.ConnectionManager().IsConnected()
}

// OnConnectionChange registers fn for status changes and returns its unsubscribe func
func (c *Client) OnConnectionChange(fn connection.StatusListener) func() {
	return c.socket.ConnectionManager().OnStatusChange(fn)
}

// WaitForConnection blocks until connected. A zero timeout means 30s.
func (c *Client) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	return c.socket.ConnectionManager().WaitForConnection(ctx, timeout)
}

// WatchShreds opens a managed shreds subscription
func (c *Client) WatchShreds(ctx context.Context, onShred func(json.RawMessage), onError func(error)) (*subscription.Managed, error) {
	return c.subs.Create(ctx, subscription.Config{
		Kind:    subscription.KindShreds,
		OnEvent: onShred,
		OnError: onError,
	})
}

// WatchLogs opens a managed logs subscription for filter
func (c *Client) WatchLogs(ctx context.Context, filter subscription.Filter, onLog func(json.RawMessage), onError func(error)) (*subscription.Managed, error) {
	return c.subs.Create(ctx, subscription.Config{
		Kind:    subscription.KindLogs,
		Filter:  filter,
		OnEvent: onLog,
		OnError: onError,
	})
}

// Subscriptions returns the managed subscription manager
func (c *Client) Subscriptions() *subscription.Manager {
	return c.subs
}

// Close unsubscribes everything, stops the queue and releases the socket client
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()

		err = c.subs.UnsubscribeAll(ctx)
		c.queue.Close()
		for _, fn := range c.unbind {
			fn()
		}
		c.registry.Release(c.cfg.Key, c.cfg.URL, c.socket)
		if c.ownsRegistry {
			c.registry.Close()
		}
		c.logger.Info().Msg("client closed")
	})
	return err
}
