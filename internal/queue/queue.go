package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"shredsocket/internal/connection"
)

type item struct {
	QueuedRequest
	onSuccess func(json.RawMessage)
	onError   func(error)
	ticket    *Ticket
}

// pendingRetry is a request off the queue until its retry timer fires
type pendingRetry struct {
	it    *item
	timer *time.Timer
}

// Queue buffers outbound calls, orders them by priority and retries them
// until the transport accepts them or the retry ceiling is reached.
//
// A request that has to be retried goes back to the front of the queue,
// ahead of anything that arrived while it was waiting.
type Queue struct {
	opts      Options
	transport Transport
	logger    zerolog.Logger

	mu         sync.Mutex
	items      []*item
	processing map[string]*item
	waiting    map[string]*pendingRetry
	paused     bool
	closed     bool
	seq        int64

	processed       int64
	failed          int64
	totalTime       time.Duration
	lastProcessedAt time.Time

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Queue and starts its processing loop
func New(transport Transport, opts Options, logger zerolog.Logger) *Queue {
	defaults := DefaultOptions()
	if opts.MaxSize <= 0 {
		opts.MaxSize = defaults.MaxSize
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.ProcessingInterval <= 0 {
		opts.ProcessingInterval = defaults.ProcessingInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaults.BatchSize
	}
	if opts.PriorityWeights == (PriorityWeights{}) {
		opts.PriorityWeights = defaults.PriorityWeights
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		opts:       opts,
		transport:  transport,
		logger:     logger.With().Str("component", "queue").Logger(),
		processing: make(map[string]*item),
		waiting:    make(map[string]*pendingRetry),
		kick:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	go q.loop()
	return q
}

// Add queues req. It fails synchronously with ErrQueueFull at capacity;
// otherwise the returned ticket settles with the final outcome.
func (q *Queue) Add(req Request) (*Ticket, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	if len(q.items) >= q.opts.MaxSize {
		maxSize := q.opts.MaxSize
		q.mu.Unlock()
		return nil, fmt.Errorf("%w (max: %d)", ErrQueueFull, maxSize)
	}

	q.seq++
	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	maxRetries := q.opts.MaxRetries
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		maxRetries = *req.MaxRetries
	}
	it := &item{
		QueuedRequest: QueuedRequest{
			ID:         "req_" + strconv.FormatInt(q.seq, 10),
			Method:     req.Method,
			Params:     req.Params,
			Priority:   priority,
			CreatedAt:  time.Now(),
			MaxRetries: maxRetries,
		},
		onSuccess: req.OnSuccess,
		onError:   req.OnError,
	}
	it.ticket = newTicket(it.ID)

	idx := q.insertIndex(priority)
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = it
	paused := q.paused
	q.mu.Unlock()

	q.logger.Debug().Str("id", it.ID).Str("method", it.Method).Str("priority", string(priority)).Msg("request queued")
	if !paused {
		q.signal()
	}
	return it.ticket, nil
}

// Do adds req and waits for its outcome
func (q *Queue) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	t, err := q.Add(req)
	if err != nil {
		return nil, err
	}
	return t.Wait(ctx)
}

// insertIndex places a request before the first entry of strictly lower
// weight, so equal weights keep arrival order. Caller holds q.mu.
func (q *Queue) insertIndex(p Priority) int {
	weight := q.opts.PriorityWeights.of(p)
	for i, it := range q.items {
		if weight > q.opts.PriorityWeights.of(it.Priority) {
			return i
		}
	}
	return len(q.items)
}

func (q *Queue) signal() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func (q *Queue) loop() {
	ticker := time.NewTicker(q.opts.ProcessingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.processBatch()
		case <-q.kick:
			q.processBatch()
		}
	}
}

// processBatch takes up to BatchSize requests off the head and runs them
// concurrently without blocking the loop
func (q *Queue) processBatch() {
	q.mu.Lock()
	if q.paused || q.closed || len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	n := q.opts.BatchSize
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := make([]*item, n)
	copy(batch, q.items[:n])
	q.items = append(q.items[:0:0], q.items[n:]...)
	for _, it := range batch {
		q.processing[it.ID] = it
	}
	q.mu.Unlock()

	go func() {
		start := time.Now()
		var g errgroup.Group
		for _, it := range batch {
			it := it
			g.Go(func() error {
				q.process(it)
				return nil
			})
		}
		_ = g.Wait()
		q.logger.Debug().Int("size", len(batch)).Dur("took", time.Since(start)).Msg("batch processed")
	}()
}

func (q *Queue) process(it *item) {
	start := time.Now()

	if status, ready := q.transport.Status(), q.transport.Ready(); status != connection.StatusConnected || !ready {
		delay := q.opts.RetryDelay
		if status == connection.StatusConnecting {
			delay = q.opts.ConnectingRetryDelay
		}
		q.retryOrFail(it, ErrNotConnected, delay, start)
		return
	}

	result, err := q.transport.Call(q.ctx, it.Method, it.Params)
	if err != nil {
		q.retryOrFail(it, err, q.opts.RetryDelay, start)
		return
	}
	q.succeed(it, result, start)
}

func (q *Queue) succeed(it *item, result json.RawMessage, start time.Time) {
	took := time.Since(start)

	q.mu.Lock()
	delete(q.processing, it.ID)
	q.processed++
	q.totalTime += took
	q.lastProcessedAt = time.Now()
	q.mu.Unlock()

	q.logger.Debug().Str("id", it.ID).Str("method", it.Method).Dur("took", took).Msg("request processed")
	q.complete(it, result, nil, took)
}

// retryOrFail schedules it to go back to the front of the queue after
// delay*retryCount, or fails it once the ceiling is reached
func (q *Queue) retryOrFail(it *item, cause error, delay time.Duration, start time.Time) {
	q.mu.Lock()
	if q.closed {
		delete(q.processing, it.ID)
		q.mu.Unlock()
		q.complete(it, nil, fmt.Errorf("%w: %v", ErrQueueClosed, cause), time.Since(start))
		return
	}

	if it.RetryCount < it.MaxRetries {
		it.RetryCount++
		retry := it.RetryCount
		wait := delay * time.Duration(retry)
		delete(q.processing, it.ID)
		q.waiting[it.ID] = &pendingRetry{it: it, timer: time.AfterFunc(wait, func() { q.requeue(it) })}
		q.mu.Unlock()

		q.logger.Debug().
			Str("id", it.ID).
			Str("method", it.Method).
			Int("retry", retry).
			Dur("delay", wait).
			Err(cause).
			Msg("request will be retried")
		return
	}

	delete(q.processing, it.ID)
	q.failed++
	retries := it.RetryCount
	q.mu.Unlock()

	err := fmt.Errorf("request %s (%s) failed after %d retries: %w", it.ID, it.Method, retries, cause)
	q.logger.Warn().Str("id", it.ID).Str("method", it.Method).Err(cause).Msg("request failed")
	q.complete(it, nil, err, time.Since(start))
}

func (q *Queue) requeue(it *item) {
	q.mu.Lock()
	if _, ok := q.waiting[it.ID]; !ok {
		// cleared while waiting
		q.mu.Unlock()
		return
	}
	delete(q.waiting, it.ID)
	q.items = append([]*item{it}, q.items...)
	paused := q.paused
	q.mu.Unlock()

	if !paused {
		q.signal()
	}
}

func (q *Queue) complete(it *item, result json.RawMessage, err error, took time.Duration) {
	if !it.ticket.settle(result, err) {
		return
	}
	if q.opts.OnComplete != nil {
		q.opts.OnComplete(it.Method, took, err)
	}
	if err != nil {
		if it.onError != nil {
			it.onError(err)
		}
		return
	}
	if it.onSuccess != nil {
		it.onSuccess(result)
	}
}

// drain removes every queued request and every request waiting to be
// retried. Requests whose call is in flight are left alone.
func (q *Queue) drain() []*item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.items
	q.items = nil
	for _, w := range q.waiting {
		w.timer.Stop()
		out = append(out, w.it)
	}
	q.waiting = make(map[string]*pendingRetry)
	return out
}

// Clear fails every request that has not been dispatched with ErrQueueCleared
func (q *Queue) Clear() {
	items := q.drain()
	if len(items) > 0 {
		q.logger.Info().Int("count", len(items)).Msg("queue cleared")
	}
	for _, it := range items {
		it.ticket.settle(nil, ErrQueueCleared)
		if it.onError != nil {
			it.onError(ErrQueueCleared)
		}
	}
}

// Fail fails every request that has not been dispatched with cause.
// It is used when the connection is gone for good.
func (q *Queue) Fail(cause error) {
	items := q.drain()
	if len(items) == 0 {
		return
	}

	q.mu.Lock()
	q.failed += int64(len(items))
	q.mu.Unlock()

	q.logger.Warn().Err(cause).Int("count", len(items)).Msg("failing queued requests")
	for _, it := range items {
		err := fmt.Errorf("request %s (%s) failed after %d retries: %w", it.ID, it.Method, it.RetryCount, cause)
		q.complete(it, nil, err, time.Since(it.CreatedAt))
	}
}

// Pause stops processing. Queued requests stay queued and Add still accepts.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume restarts processing and drains immediately
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.signal()
}

// IsPaused returns true if the queue is paused
func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// SetMaxSize changes the capacity. Requests already queued are kept.
func (q *Queue) SetMaxSize(size int) {
	q.mu.Lock()
	q.opts.MaxSize = size
	q.mu.Unlock()
}

// Stats returns a snapshot of the queue counters
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var avg time.Duration
	if q.processed > 0 {
		avg = q.totalTime / time.Duration(q.processed)
	}
	return Stats{
		QueueSize:         len(q.items),
		Processing:        len(q.processing),
		Retrying:          len(q.waiting),
		Processed:         q.processed,
		Failed:            q.failed,
		AvgProcessingTime: avg,
		LastProcessedAt:   q.lastProcessedAt,
	}
}

// QueuedRequests returns the queued requests in processing order
func (q *Queue) QueuedRequests() []QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedRequest, len(q.items))
	for i, it := range q.items {
		out[i] = it.QueuedRequest
	}
	return out
}

// Close stops the loop and fails everything still queued with ErrQueueClosed
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	for _, it := range q.drain() {
		it.ticket.settle(nil, ErrQueueClosed)
		if it.onError != nil {
			it.onError(ErrQueueClosed)
		}
	}
}
