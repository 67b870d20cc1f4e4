package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"shredsocket/internal/connection"
	"shredsocket/internal/jsonrpc"
	"shredsocket/internal/transport"
)

const eventQueueSize = 1024

var errClosedByPeer = errors.New("connection closed by peer")

type pendingCall struct {
	method     string
	onResponse func(*jsonrpc.Response)
	onError    func(error)
}

// event is a unit of work for the dispatch worker: a push or an error for
// one subscription
type event struct {
	sub  *Subscription
	data json.RawMessage
	err  error
	// push events were checked against cancellation when they arrived
	push bool
	// force delivers err even to a cancelled subscription
	force bool
}

// Client is the per-endpoint JSON-RPC client. It multiplexes requests and
// subscription pushes over one channel and reconnects with backoff.
type Client struct {
	opts               Options
	dialer             transport.Dialer
	conn               *connection.Manager
	logger             zerolog.Logger
	notificationMethod string

	pending *table[int64, *pendingCall]
	subs    *table[string, *Subscription]
	nextID  atomic.Int64

	sessionMu  sync.Mutex
	session    *session
	sessionSeq uint64

	events chan event

	terminatedErr atomic.Pointer[error]
	hooksMu       sync.Mutex
	hookSeq       uint64
	hooks         map[uint64]func(error)

	// statusMu orders status changes against Close, so nothing is
	// recorded after the final disconnected
	statusMu sync.Mutex
	closed   atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// Dial opens a Client. It returns an error wrapping ErrConnect if the
// first channel cannot be opened.
func Dial(ctx context.Context, opts Options, dialer transport.Dialer, logger zerolog.Logger) (*Client, error) {
	opts = opts.withDefaults()
	clientCtx, cancel := context.WithCancel(context.Background())
	logger = logger.With().Str("component", "socket").Str("url", opts.URL).Logger()

	c := &Client{
		opts:               opts,
		dialer:             dialer,
		conn:               connection.NewManager(logger),
		logger:             logger,
		notificationMethod: jsonrpc.SubscriptionMethod(opts.Namespace),
		pending:            newTable[int64, *pendingCall](),
		subs:               newTable[string, *Subscription](),
		events:             make(chan event, eventQueueSize),
		hooks:              make(map[uint64]func(error)),
		ctx:                clientCtx,
		cancel:             cancel,
	}

	go c.dispatchWorker()

	if err := c.open(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	return c, nil
}

// open dials a new session and installs it
func (c *Client) open(ctx context.Context) error {
	if !c.setStatus(connection.StatusConnecting, nil) {
		return ErrClientClosed
	}
	c.logger.Info().Msg("WebSocket connecting")

	c.sessionMu.Lock()
	c.sessionSeq++
	s := newSession(c, c.sessionSeq)
	c.session = s
	c.sessionMu.Unlock()

	ch, err := c.dialer.Dial(ctx, c.opts.URL, s.handlers())
	if err == nil {
		err = s.attach(ch)
	}
	if err != nil {
		s.close()
		if !c.setStatus(connection.StatusError, err) {
			return ErrClientClosed
		}
		return err
	}

	if !c.setStatus(connection.StatusConnected, nil) {
		s.close()
		return ErrClientClosed
	}
	c.logger.Info().Uint64("session", s.seq).Msg("WebSocket connected")

	if c.opts.KeepAliveInterval > 0 {
		go s.keepAlive(c.opts.KeepAliveInterval)
	}
	return nil
}

// setStatus applies a transition unless the client is closed
func (c *Client) setStatus(status connection.Status, err error) bool {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	if c.closed.Load() {
		return false
	}
	c.conn.UpdateStatus(status, err)
	return true
}

func (c *Client) currentSession() *session {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.session
}

// ConnectionManager returns the state manager for this client's connection
func (c *Client) ConnectionManager() *connection.Manager {
	return c.conn
}

// Status returns the current connection status
func (c *Client) Status() connection.Status {
	return c.conn.Status()
}

// URL returns the endpoint this client connects to
func (c *Client) URL() string {
	return c.opts.URL
}

// Ready reports whether the physical channel is open for writing
func (c *Client) Ready() bool {
	s := c.currentSession()
	return s != nil && s.ready()
}

// Terminated reports whether the client gave up reconnecting or was closed
func (c *Client) Terminated() bool {
	return c.closed.Load() || c.terminatedErr.Load() != nil
}

// Request sends req and reports the correlated response through onResponse,
// or the failure through onError. Exactly one of them is called.
// A null id is replaced with a generated one.
func (c *Client) Request(req *jsonrpc.Request, onResponse func(*jsonrpc.Response), onError func(error)) {
	if _, err := c.send(c.currentSession(), req, onResponse, onError); err != nil && onError != nil {
		onError(err)
	}
}

// send registers a pending call and writes the request on s. On error the
// pending call is removed and nothing is invoked.
func (c *Client) send(s *session, req *jsonrpc.Request, onResponse func(*jsonrpc.Response), onError func(error)) (int64, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}

	out := req.Clone()
	if out.JSONRPC == "" {
		out.JSONRPC = jsonrpc.Version
	}

	pc := &pendingCall{method: out.Method, onResponse: onResponse, onError: onError}
	var id int64
	if out.ID.IsNull() {
		// skip ids taken by explicit requests still in flight
		for {
			id = c.nextID.Add(1)
			if c.pending.SetIfAbsent(id, pc) {
				break
			}
		}
		out.ID = jsonrpc.NewIDInt(id)
	} else {
		n, ok := out.ID.Int64()
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrInvalidID, out.ID.String())
		}
		id = n
		if !c.pending.SetIfAbsent(id, pc) {
			return 0, fmt.Errorf("%w: %d", ErrDuplicateID, id)
		}
	}

	data, err := out.Bytes()
	if err != nil {
		c.pending.DeleteIf(id, func(v *pendingCall) bool { return v == pc })
		return 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	if s == nil {
		c.pending.DeleteIf(id, func(v *pendingCall) bool { return v == pc })
		return 0, ErrChannelClosed
	}
	if err := s.send(data); err != nil {
		// the pending call may already have been failed by a closure
		if _, ok := c.pending.Take(id); !ok {
			return id, nil
		}
		return 0, err
	}

	c.logger.Debug().Int64("id", id).Str("method", out.Method).Msg("request sent")
	return id, nil
}

func (c *Client) usable() error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if errp := c.terminatedErr.Load(); errp != nil {
		return *errp
	}
	return nil
}

type result struct {
	resp *jsonrpc.Response
	err  error
}

// RequestAsync sends req and waits for its response. A timeout of zero
// uses the client's default. On timeout the pending call is dropped, so a
// late response is discarded.
func (c *Client) RequestAsync(ctx context.Context, req *jsonrpc.Request, timeout time.Duration) (*jsonrpc.Response, error) {
	return c.requestOn(ctx, c.currentSession(), req, timeout)
}

func (c *Client) requestOn(ctx context.Context, s *session, req *jsonrpc.Request, timeout time.Duration) (*jsonrpc.Response, error) {
	return c.requestWith(ctx, s, req, timeout, nil)
}

// requestWith is requestOn with onResolve run on the read goroutine as soon
// as the response arrives, before any later message is handled
func (c *Client) requestWith(ctx context.Context, s *session, req *jsonrpc.Request, timeout time.Duration, onResolve func(*jsonrpc.Response)) (*jsonrpc.Response, error) {
	if timeout <= 0 {
		timeout = c.opts.RequestTimeout
	}

	done := make(chan result, 1)
	id, err := c.send(s, req,
		func(resp *jsonrpc.Response) {
			if onResolve != nil {
				onResolve(resp)
			}
			done <- result{resp: resp}
		},
		func(err error) { done <- result{err: err} },
	)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-timer.C:
		c.pending.Delete(id)
		return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, req.Method)
	case <-ctx.Done():
		c.pending.Delete(id)
		return nil, ctx.Err()
	}
}

// Call is RequestAsync for a method and params, returning the raw result.
// A JSON-RPC error response is returned as *jsonrpc.Error.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	req, err := jsonrpc.NewRequest(method, params, jsonrpc.NewIDNull())
	if err != nil {
		return nil, err
	}
	resp, err := c.RequestAsync(ctx, req, 0)
	if err != nil {
		return nil, err
	}
	if resp.HasError() {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (c *Client) ping(s *session, timeout time.Duration) error {
	req, err := jsonrpc.NewRequest(c.opts.KeepAliveMethod, []interface{}{}, jsonrpc.NewIDNull())
	if err != nil {
		return err
	}
	_, err = c.requestOn(c.ctx, s, req, timeout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handleMessage runs on the channel's read goroutine
func (c *Client) handleMessage(data []byte) {
	msg, err := jsonrpc.ParseMessage(data, c.notificationMethod)
	if err != nil {
		c.logger.Debug().Err(err).Int("len", len(data)).Msg("dropping unparseable message")
		return
	}

	switch msg.Kind {
	case jsonrpc.KindResponse:
		pc, ok := c.pending.Take(msg.ID)
		if !ok {
			c.logger.Debug().Int64("id", msg.ID).Msg("response without pending call")
			return
		}
		if pc.onResponse != nil {
			pc.onResponse(msg.Response)
		}
	case jsonrpc.KindNotification:
		sub, ok := c.subs.Get(msg.Subscription)
		if !ok {
			c.logger.Debug().Str("subscription", msg.Subscription).Msg("subscription notification, no handler")
			return
		}
		if sub.cancelled.Load() {
			return
		}
		ev := event{sub: sub, data: msg.Result, push: true}
		if msg.Error != nil {
			ev.err = msg.Error
		}
		c.enqueue(ev)
	default:
		c.logger.Debug().Int("len", len(data)).Msg("dropping unrecognized message")
	}
}

func (c *Client) enqueue(ev event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Client) dispatchWorker() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			c.dispatch(ev)
		}
	}
}

func (c *Client) dispatch(ev event) {
	sub := ev.sub
	if !ev.push && !ev.force && sub.cancelled.Load() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("subscription", sub.ID()).Msg("subscription handler panic")
		}
	}()

	if ev.err != nil {
		if sub.onError != nil {
			sub.onError(ev.err)
		}
		return
	}
	if sub.onData != nil {
		sub.onData(ev.data)
	}
}

// OnTerminate registers fn to run once when the client gives up
// reconnecting. It returns an unregister func.
func (c *Client) OnTerminate(fn func(error)) func() {
	c.hooksMu.Lock()
	c.hookSeq++
	id := c.hookSeq
	c.hooks[id] = fn
	c.hooksMu.Unlock()
	return func() {
		c.hooksMu.Lock()
		delete(c.hooks, id)
		c.hooksMu.Unlock()
	}
}

func (c *Client) fireTerminate(err error) {
	c.hooksMu.Lock()
	hooks := make([]func(error), 0, len(c.hooks))
	for _, fn := range c.hooks {
		hooks = append(hooks, fn)
	}
	c.hooks = make(map[uint64]func(error))
	c.hooksMu.Unlock()

	for _, fn := range hooks {
		fn(err)
	}
}

// Close tears the client down. Pending calls fail with ErrClientClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Info().Msg("WebSocket closing")

	c.cancel()
	if s := c.currentSession(); s != nil {
		s.close()
	}

	for _, pc := range c.pending.Drain() {
		if pc.onError != nil {
			pc.onError(ErrClientClosed)
		}
	}
	for _, sub := range c.subs.Drain() {
		sub.cancelled.Store(true)
	}

	c.statusMu.Lock()
	c.conn.UpdateStatus(connection.StatusDisconnected, nil)
	c.statusMu.Unlock()
	c.logger.Info().Msg("WebSocket disconnected")
	return nil
}
