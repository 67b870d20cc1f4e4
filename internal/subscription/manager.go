package subscription

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Manager creates managed subscriptions and keeps track of the live ones
type Manager struct {
	open   Opener
	opts   Options
	subs   map[string]*Managed
	seq    atomic.Uint64
	mu     sync.RWMutex
	logger zerolog.Logger
}

// NewManager creates a new subscription Manager opening subscriptions through open
func NewManager(open Opener, opts Options, logger zerolog.Logger) *Manager {
	return &Manager{
		open:   open,
		opts:   opts,
		subs:   make(map[string]*Managed),
		logger: logger.With().Str("component", "subscription").Logger(),
	}
}

// Create opens a managed subscription. If the first start fails the error
// is also reported to cfg.OnError and nothing is kept.
func (m *Manager) Create(ctx context.Context, cfg Config) (*Managed, error) {
	switch cfg.Kind {
	case KindShreds:
		if !cfg.Filter.isEmpty() {
			return nil, ErrFilterNotSupported
		}
	case KindLogs:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
	if cfg.OnEvent == nil {
		return nil, ErrNoHandler
	}

	var dedup *Deduplicator
	if m.opts.DedupCacheSize > 0 {
		var err error
		if dedup, err = NewDeduplicator(m.opts.DedupCacheSize); err != nil {
			return nil, err
		}
	}

	s := newManaged(uuid.NewString(), cfg, m.open, dedup, m.opts.OnEvent, m.remove, m.logger)
	s.seq = m.seq.Add(1)
	if err := s.begin(ctx); err != nil {
		s.shutdown()
		return nil, err
	}

	m.mu.Lock()
	m.subs[s.id] = s
	m.mu.Unlock()

	m.logger.Info().Str("subscription", s.id).Str("kind", string(cfg.Kind)).Msg("managed subscription created")
	return s, nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
}

// Get returns the subscription with the given id
func (m *Manager) Get(id string) (*Managed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	return s, nil
}

// All returns the live subscriptions, oldest first
func (m *Manager) All() []*Managed {
	m.mu.RLock()
	out := make([]*Managed, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Managed) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

// Len returns the number of live subscriptions
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// UnsubscribeAll tears down every subscription concurrently. Each one is
// released even if another fails; the first error is returned.
func (m *Manager) UnsubscribeAll(ctx context.Context) error {
	subs := m.All()

	var g errgroup.Group
	for _, s := range subs {
		s := s
		g.Go(func() error {
			return s.Unsubscribe(ctx)
		})
	}
	err := g.Wait()
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to unsubscribe cleanly")
	}
	return err
}
