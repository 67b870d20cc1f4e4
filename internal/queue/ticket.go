package queue

import (
	"context"
	"encoding/json"
	"sync"
)

// Ticket settles once its request succeeds or fails terminally
type Ticket struct {
	id   string
	once sync.Once
	done chan struct{}

	result json.RawMessage
	err    error
}

func newTicket(id string) *Ticket {
	return &Ticket{id: id, done: make(chan struct{})}
}

// ID returns the queue-assigned request id
func (t *Ticket) ID() string {
	return t.id
}

// Done is closed when the ticket settles
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the ticket settles or ctx is done. Giving up the wait
// does not remove the request from the queue.
func (t *Ticket) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Ticket) settle(result json.RawMessage, err error) bool {
	settled := false
	t.once.Do(func() {
		t.result = result
		t.err = err
		close(t.done)
		settled = true
	})
	return settled
}
