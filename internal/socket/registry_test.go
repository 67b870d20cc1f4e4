package socket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shredsocket/internal/transport/transporttest"
)

func TestRegistry_SharesClientPerEndpoint(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	defer r.Close()
	d := transporttest.NewDialer()

	var created atomic.Int32
	factory := func(ctx context.Context) (*Client, error) {
		created.Add(1)
		time.Sleep(20 * time.Millisecond)
		return Dial(ctx, testOptions(), d, zerolog.Nop())
	}

	var wg sync.WaitGroup
	clients := make([]*Client, 10)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := r.Acquire(context.Background(), "socket", "ws://node.test/ws", factory)
			assert.NoError(t, err)
			clients[i] = c
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, 1, d.Dials())
	for _, c := range clients {
		assert.Same(t, clients[0], c)
	}

	other, err := r.Acquire(context.Background(), "other", "ws://node.test/ws", factory)
	require.NoError(t, err)
	assert.NotSame(t, clients[0], other)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_ReleaseClosesOnLastReference(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	d := transporttest.NewDialer()
	factory := func(ctx context.Context) (*Client, error) {
		return Dial(ctx, testOptions(), d, zerolog.Nop())
	}

	c1, err := r.Acquire(context.Background(), "k", "ws://a", factory)
	require.NoError(t, err)
	c2, err := r.Acquire(context.Background(), "k", "ws://a", factory)
	require.NoError(t, err)
	require.Same(t, c1, c2)

	r.Release("k", "ws://a", c1)
	assert.False(t, c1.Terminated())
	r.Release("k", "ws://a", c1)
	assert.True(t, c1.Terminated())
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ReplacesTerminatedClient(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	defer r.Close()
	d := transporttest.NewDialer()
	factory := func(ctx context.Context) (*Client, error) {
		return Dial(ctx, testOptions(), d, zerolog.Nop())
	}

	c1, err := r.Acquire(context.Background(), "k", "ws://a", factory)
	require.NoError(t, err)
	require.NoError(t, c1.Close())

	c2, err := r.Acquire(context.Background(), "k", "ws://a", factory)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.False(t, c2.Terminated())
}

func TestRegistry_FactoryError(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	boom := errors.New("boom")
	_, err := r.Acquire(context.Background(), "k", "ws://a", func(context.Context) (*Client, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_StaleReleaseKeepsReplacement(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	defer r.Close()
	d := transporttest.NewDialer()
	factory := func(ctx context.Context) (*Client, error) {
		return Dial(ctx, testOptions(), d, zerolog.Nop())
	}

	// two holders share the first client
	first, err := r.Acquire(context.Background(), "k", "ws://a", factory)
	require.NoError(t, err)
	_, err = r.Acquire(context.Background(), "k", "ws://a", factory)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	replacement, err := r.Acquire(context.Background(), "k", "ws://a", factory)
	require.NoError(t, err)
	require.NotSame(t, first, replacement)

	r.Release("k", "ws://a", first)
	r.Release("k", "ws://a", first)
	assert.False(t, replacement.Terminated())
	assert.Equal(t, 1, r.Len())

	r.Release("k", "ws://a", replacement)
	assert.True(t, replacement.Terminated())
	assert.Equal(t, 0, r.Len())
}
