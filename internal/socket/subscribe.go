package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"shredsocket/internal/jsonrpc"
)

// Subscription is a server-push subscription registered on a Client.
// Its id changes when the client resubscribes after a reconnect.
type Subscription struct {
	client  *Client
	params  []interface{}
	onData  func(json.RawMessage)
	onError func(error)

	mu sync.Mutex
	id string

	cancelled atomic.Bool
}

// ID returns the current server-assigned subscription id
func (s *Subscription) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Subscription) setID(id string) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

// Subscribe opens a subscription with params. Pushes are delivered to
// onData in arrival order from a single goroutine; push errors and
// connection failures go to onError.
func (c *Client) Subscribe(ctx context.Context, params []interface{}, onData func(json.RawMessage), onError func(error)) (*Subscription, error) {
	sub := &Subscription{
		client:  c,
		params:  params,
		onData:  onData,
		onError: onError,
	}
	if err := c.register(ctx, sub); err != nil {
		return nil, err
	}
	c.logger.Debug().Str("subscription", sub.ID()).Msg("subscribed")
	return sub, nil
}

// register sends the subscribe call and stores sub under the returned id.
// Registration happens on the read goroutine, before any push that
// follows the response can be dispatched.
func (c *Client) register(ctx context.Context, sub *Subscription) error {
	req, err := jsonrpc.NewRequest(c.opts.SubscribeMethod(), sub.params, jsonrpc.NewIDNull())
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	onResponse := func(resp *jsonrpc.Response) {
		if resp.HasError() {
			done <- resp.Error
			return
		}
		id, err := jsonrpc.SubscriptionID(resp.Result)
		if err != nil {
			done <- err
			return
		}
		if sub.cancelled.Load() {
			// abandoned by the caller, release the server side
			c.unsubscribeQuiet(id)
			done <- context.Canceled
			return
		}
		sub.setID(id)
		c.subs.Set(id, sub)
		done <- nil
	}

	c.Request(req, onResponse, func(err error) { done <- err })

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("subscribe failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		sub.cancelled.Store(true)
		return ctx.Err()
	}
}

// Unsubscribe sends the unsubscribe call. Pushes the server sent before
// answering are still delivered; nothing is delivered after the answer.
// The registration is removed only if the server confirms. Calling it on a
// subscription the client no longer holds is a no-op.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	c := s.client
	id := s.ID()
	if _, ok := c.subs.Get(id); !ok {
		s.cancelled.Store(true)
		return nil
	}

	req, err := jsonrpc.NewRequest(c.opts.UnsubscribeMethod(), []string{id}, jsonrpc.NewIDNull())
	if err != nil {
		return err
	}
	resp, err := c.requestWith(ctx, c.currentSession(), req, 0, func(resp *jsonrpc.Response) {
		s.cancelled.Store(true)
		if resp.Confirmed() {
			c.subs.DeleteIf(id, func(v *Subscription) bool { return v == s })
		}
	})
	if err != nil {
		s.cancelled.Store(true)
		return fmt.Errorf("unsubscribe %s: %w", id, err)
	}
	if resp.HasError() {
		return fmt.Errorf("unsubscribe %s: %w", id, resp.Error)
	}
	if !resp.Confirmed() {
		return fmt.Errorf("unsubscribe %s: not confirmed by server", id)
	}
	c.logger.Debug().Str("subscription", id).Msg("unsubscribed")
	return nil
}

func (c *Client) unsubscribeQuiet(id string) {
	req, err := jsonrpc.NewRequest(c.opts.UnsubscribeMethod(), []string{id}, jsonrpc.NewIDNull())
	if err != nil {
		return
	}
	c.Request(req, nil, nil)
}

// Subscriptions returns the number of registered subscriptions
func (c *Client) Subscriptions() int {
	return c.subs.Len()
}
