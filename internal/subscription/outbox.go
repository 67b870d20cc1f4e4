package subscription

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// outbox delivers events to a handler from a single goroutine, in the
// order they were pushed
type outbox struct {
	mu      sync.Mutex
	items   []json.RawMessage
	closed  bool
	wake    chan struct{}
	deliver func(json.RawMessage)
	logger  zerolog.Logger
}

func newOutbox(deliver func(json.RawMessage), logger zerolog.Logger) *outbox {
	o := &outbox{
		wake:    make(chan struct{}, 1),
		deliver: deliver,
		logger:  logger,
	}
	go o.run()
	return o
}

func (o *outbox) push(items ...json.RawMessage) {
	if len(items) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.items = append(o.items, items...)
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// close drops undelivered events and stops the goroutine. It does not wait,
// so it is safe to call from the handler.
func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.items = nil
	close(o.wake)
}

func (o *outbox) take() ([]json.RawMessage, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, false
	}
	batch := o.items
	o.items = nil
	return batch, true
}

func (o *outbox) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *outbox) run() {
	for range o.wake {
		for {
			batch, ok := o.take()
			if !ok {
				return
			}
			if len(batch) == 0 {
				break
			}
			for _, data := range batch {
				if o.isClosed() {
					return
				}
				o.safeDeliver(data)
			}
		}
	}
}

func (o *outbox) safeDeliver(data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Interface("panic", r).Msg("subscription handler panicked")
		}
	}()
	o.deliver(data)
}
