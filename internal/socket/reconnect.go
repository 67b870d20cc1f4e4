package socket

import (
	"context"
	"fmt"
	"time"

	"shredsocket/internal/connection"
)

// sessionEnded runs once per physical channel, on the goroutine that
// observed the close or error
func (c *Client) sessionEnded(s *session, cause error, clean bool) {
	if c.closed.Load() || c.currentSession() != s {
		return
	}

	if clean {
		c.setStatus(connection.StatusDisconnected, nil)
	} else {
		c.setStatus(connection.StatusError, cause)
	}

	err := fmt.Errorf("%w: %v", ErrChannelClosed, cause)
	orphaned := c.pending.Drain()
	subs := c.subs.Values()
	c.logger.Warn().
		Err(cause).
		Uint64("session", s.seq).
		Int("pending", len(orphaned)).
		Int("subscriptions", len(subs)).
		Msg("WebSocket connection lost")

	for _, pc := range orphaned {
		if pc.onError != nil {
			pc.onError(err)
		}
	}
	for _, sub := range subs {
		c.enqueue(event{sub: sub, err: err})
	}

	if !c.opts.ReconnectEnabled {
		c.giveUp(cause)
		return
	}
	go c.reconnectLoop(cause)
}

// reconnectLoop retries opening a session until it succeeds, the attempt
// ceiling is reached or the client is closed
func (c *Client) reconnectLoop(cause error) {
	b := newReconnectBackOff(c.opts.ReconnectDelay)
	lastErr := cause

	for {
		if c.conn.Stats().ReconnectAttempts >= c.opts.ReconnectAttempts {
			c.giveUp(lastErr)
			return
		}

		delay := b.NextBackOff()
		c.logger.Info().Dur("delay", delay).Int("attempt", c.conn.Stats().ReconnectAttempts+1).Msg("WebSocket reconnection scheduled")

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			c.logger.Info().Msg("WebSocket reconnection stopped (shutdown)")
			return
		case <-timer.C:
		}

		attempt := c.conn.IncrementReconnectAttempts()
		err := c.open(c.ctx)
		if err == nil {
			c.logger.Info().Int("attempt", attempt).Msg("WebSocket reconnected successfully")
			go c.resubscribe()
			return
		}
		if c.closed.Load() {
			return
		}
		lastErr = err
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("WebSocket reconnection failed")
	}
}

// giveUp fails every outstanding consumer and marks the client terminated
func (c *Client) giveUp(cause error) {
	attempts := c.conn.Stats().ReconnectAttempts
	err := fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempts, cause)
	c.terminatedErr.Store(&err)

	orphaned := c.pending.Drain()
	subs := c.subs.Drain()
	c.logger.Error().
		Err(cause).
		Int("attempts", attempts).
		Int("pending", len(orphaned)).
		Int("subscriptions", len(subs)).
		Msg("WebSocket reconnection given up")

	for _, pc := range orphaned {
		if pc.onError != nil {
			pc.onError(err)
		}
	}
	for _, sub := range subs {
		c.enqueue(event{sub: sub, err: err})
	}

	c.setStatus(connection.StatusDisconnected, nil)
	c.fireTerminate(err)
}

// resubscribe reissues every live subscription on the new session and
// re-keys it under the id the server returns
func (c *Client) resubscribe() {
	entries := c.subs.Drain()
	if len(entries) == 0 {
		return
	}

	var ok, failed int
	for oldID, sub := range entries {
		if sub.cancelled.Load() {
			continue
		}
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.RequestTimeout)
		err := c.register(ctx, sub)
		cancel()
		if err != nil {
			failed++
			c.logger.Warn().Err(err).Str("subscription", oldID).Msg("failed to re-subscribe")
			c.enqueue(event{sub: sub, err: fmt.Errorf("resubscribe failed: %w", err), force: true})
			continue
		}
		ok++
		c.logger.Debug().Str("old", oldID).Str("new", sub.ID()).Msg("re-subscribed")
	}
	c.logger.Info().
		Int("total", len(entries)).
		Int("ok", ok).
		Int("failed", failed).
		Msg("reconnect resubscribe done")
}
