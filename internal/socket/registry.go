package socket

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Factory creates a Client for an endpoint
type Factory func(ctx context.Context) (*Client, error)

type registryEntry struct {
	client *Client
	refs   int
}

// Registry shares one Client per (key, url). Concurrent Acquire calls for
// an endpoint that is still being dialed wait for the same dial.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*registryEntry
	group   singleflight.Group
	logger  zerolog.Logger
}

// NewRegistry creates a new Registry
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		clients: make(map[string]*registryEntry),
		logger:  logger.With().Str("component", "registry").Logger(),
	}
}

func registryKey(key, url string) string {
	return key + "|" + url
}

// Acquire returns the shared client for (key, url), creating it with
// create when there is none or the cached one has terminated.
func (r *Registry) Acquire(ctx context.Context, key, url string, create Factory) (*Client, error) {
	k := registryKey(key, url)

	if c := r.retain(k); c != nil {
		return c, nil
	}

	v, err, shared := r.group.Do(k, func() (interface{}, error) {
		r.mu.Lock()
		if e, ok := r.clients[k]; ok && !e.client.Terminated() {
			r.mu.Unlock()
			return e.client, nil
		}
		r.mu.Unlock()

		r.logger.Debug().Str("key", key).Str("url", url).Msg("creating client")
		c, err := create(ctx)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.clients[k] = &registryEntry{client: c}
		r.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}

	c := v.(*Client)
	r.mu.Lock()
	if e, ok := r.clients[k]; ok && e.client == c {
		e.refs++
	}
	r.mu.Unlock()

	r.logger.Debug().Str("key", key).Bool("shared", shared).Msg("client acquired")
	return c, nil
}

// retain bumps the refcount of a live cached client. Terminated clients
// are evicted so the next dial starts fresh.
func (r *Registry) retain(k string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[k]
	if !ok {
		return nil
	}
	if e.client.Terminated() {
		delete(r.clients, k)
		go e.client.Close()
		return nil
	}
	e.refs++
	return e.client
}

// Release drops one reference to c. The client is closed when none remain.
// Releasing a client the registry no longer caches for (key, url) is a no-op.
func (r *Registry) Release(key, url string, c *Client) {
	k := registryKey(key, url)
	r.mu.Lock()
	e, ok := r.clients[k]
	if !ok || e.client != c {
		r.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.clients, k)
	r.mu.Unlock()

	_ = e.client.Close()
}

// Evict closes and forgets the client for (key, url) regardless of references
func (r *Registry) Evict(key, url string) {
	k := registryKey(key, url)
	r.mu.Lock()
	e, ok := r.clients[k]
	delete(r.clients, k)
	r.mu.Unlock()
	if ok {
		_ = e.client.Close()
	}
}

// Len returns the number of cached clients
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Close closes every cached client
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.clients
	r.clients = make(map[string]*registryEntry)
	r.mu.Unlock()

	for _, e := range entries {
		_ = e.client.Close()
	}
}
