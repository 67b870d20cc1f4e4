package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_CreateGetAll(t *testing.T) {
	opener := &fakeOpener{}
	m := NewManager(opener.open, Options{}, zerolog.Nop())
	noop := func(json.RawMessage) {}

	a, err := m.Create(context.Background(), Config{Kind: KindShreds, OnEvent: noop})
	require.NoError(t, err)
	b, err := m.Create(context.Background(), Config{Kind: KindLogs, OnEvent: noop})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 2, m.Len())

	got, err := m.Get(b.ID())
	require.NoError(t, err)
	assert.Same(t, b, got)

	all := m.All()
	require.Len(t, all, 2)
	assert.Same(t, a, all[0])
	assert.Same(t, b, all[1])

	_, err = m.Get("missing")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestManager_CreateValidates(t *testing.T) {
	m := NewManager((&fakeOpener{}).open, Options{}, zerolog.Nop())

	_, err := m.Create(context.Background(), Config{Kind: "blocks", OnEvent: func(json.RawMessage) {}})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = m.Create(context.Background(), Config{Kind: KindLogs})
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestManager_CreateFailureKeepsNothing(t *testing.T) {
	boom := errors.New("not connected")
	opener := &fakeOpener{failErr: boom}
	m := NewManager(opener.open, Options{}, zerolog.Nop())

	var reported error
	_, err := m.Create(context.Background(), Config{
		Kind:    KindLogs,
		OnEvent: func(json.RawMessage) {},
		OnError: func(err error) { reported = err },
	})
	require.ErrorIs(t, err, boom)
	assert.ErrorIs(t, reported, boom)
	assert.Equal(t, 0, m.Len())
}

func TestManager_UnsubscribeAll(t *testing.T) {
	opener := &fakeOpener{}
	m := NewManager(opener.open, Options{}, zerolog.Nop())
	noop := func(json.RawMessage) {}

	for i := 0; i < 3; i++ {
		_, err := m.Create(context.Background(), Config{Kind: KindLogs, OnEvent: noop})
		require.NoError(t, err)
	}

	require.NoError(t, m.UnsubscribeAll(context.Background()))
	assert.Equal(t, 0, m.Len())
	for i := 1; i <= 3; i++ {
		assert.True(t, opener.call(i).handle.unsubscribed.Load())
	}
}

func TestManager_UnsubscribeAllReportsFailure(t *testing.T) {
	opener := &fakeOpener{}
	m := NewManager(opener.open, Options{}, zerolog.Nop())

	_, err := m.Create(context.Background(), Config{Kind: KindLogs, OnEvent: func(json.RawMessage) {}})
	require.NoError(t, err)
	boom := errors.New("channel closed")
	opener.call(1).handle.err = boom

	assert.ErrorIs(t, m.UnsubscribeAll(context.Background()), boom)
	assert.Equal(t, 0, m.Len())
}
