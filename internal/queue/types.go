package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"shredsocket/internal/connection"
)

// Priority orders queued requests
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

var (
	// ErrQueueFull is returned by Add when the queue is at capacity
	ErrQueueFull = errors.New("request queue is full")
	// ErrQueueCleared is delivered to requests dropped by Clear
	ErrQueueCleared = errors.New("queue cleared")
	// ErrNotConnected is the cause when retries run out waiting for a connection
	ErrNotConnected = errors.New("websocket not connected")
	// ErrQueueClosed is returned after Close
	ErrQueueClosed = errors.New("queue closed")
)

// Transport is what the queue needs from a socket client
type Transport interface {
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	Status() connection.Status
	Ready() bool
}

// PriorityWeights maps tiers to weights, higher runs first
type PriorityWeights struct {
	High   int
	Normal int
	Low    int
}

func (w PriorityWeights) of(p Priority) int {
	switch p {
	case PriorityHigh:
		return w.High
	case PriorityLow:
		return w.Low
	default:
		return w.Normal
	}
}

// Options configures a Queue
type Options struct {
	MaxSize              int
	MaxRetries           int
	RetryDelay           time.Duration
	ConnectingRetryDelay time.Duration
	ProcessingInterval   time.Duration
	BatchSize            int
	PriorityWeights      PriorityWeights

	// OnComplete, if set, is called after every terminal outcome
	OnComplete func(method string, took time.Duration, err error)
}

// Default values
const (
	DefaultMaxSize              = 1000
	DefaultMaxRetries           = 3
	DefaultRetryDelay           = time.Second
	DefaultConnectingRetryDelay = 500 * time.Millisecond
	DefaultProcessingInterval   = 100 * time.Millisecond
	DefaultBatchSize            = 5
)

// DefaultPriorityWeights are the weights used when none are configured
var DefaultPriorityWeights = PriorityWeights{High: 3, Normal: 2, Low: 1}

// DefaultOptions returns Options with every default applied
func DefaultOptions() Options {
	return Options{
		MaxSize:              DefaultMaxSize,
		MaxRetries:           DefaultMaxRetries,
		RetryDelay:           DefaultRetryDelay,
		ConnectingRetryDelay: DefaultConnectingRetryDelay,
		ProcessingInterval:   DefaultProcessingInterval,
		BatchSize:            DefaultBatchSize,
		PriorityWeights:      DefaultPriorityWeights,
	}
}

// Request is what a caller hands to Add
type Request struct {
	Method   string
	Params   interface{}
	Priority Priority
	// MaxRetries overrides the queue's ceiling when set
	MaxRetries *int
	OnSuccess  func(result json.RawMessage)
	OnError    func(err error)
}

// Retries is a helper for Request.MaxRetries
func Retries(n int) *int {
	return &n
}

// QueuedRequest is a snapshot of a request waiting in the queue
type QueuedRequest struct {
	ID         string
	Method     string
	Params     interface{}
	Priority   Priority
	CreatedAt  time.Time
	RetryCount int
	MaxRetries int
}

// Stats is a point-in-time snapshot of queue counters
type Stats struct {
	QueueSize int
	// Processing counts calls currently being made
	Processing int
	// Retrying counts requests waiting out a retry delay
	Retrying int

	Processed         int64
	Failed            int64
	AvgProcessingTime time.Duration
	LastProcessedAt   time.Time
}
