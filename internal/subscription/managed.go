package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type mode int

const (
	modeLive mode = iota
	// modeBuffering holds events while the underlying subscription is replaced
	modeBuffering
)

// Managed is a subscription whose filter can change while it runs without
// losing events. Events arriving during a change are held and replayed in
// arrival order once the new subscription is live.
type Managed struct {
	id      string
	seq     uint64
	kind    Kind
	open    Opener
	onError func(error)
	dedup   *Deduplicator
	observe func(Kind, bool)
	release func(id string)
	logger  zerolog.Logger

	// reconfMu serializes start, filter changes and Unsubscribe
	reconfMu sync.Mutex

	mu          sync.Mutex
	filter      Filter
	handle      Handle
	mode        mode
	reconf      []json.RawMessage
	paused      bool
	pauseBuf    []json.RawMessage
	eventCount  int64
	duplicates  int64
	starts      int
	createdAt   time.Time
	lastEventAt time.Time
	closed      bool

	out *outbox
}

func newManaged(id string, cfg Config, open Opener, dedup *Deduplicator, observe func(Kind, bool), release func(string), logger zerolog.Logger) *Managed {
	s := &Managed{
		id:        id,
		kind:      cfg.Kind,
		open:      open,
		onError:   cfg.OnError,
		dedup:     dedup,
		observe:   observe,
		release:   release,
		logger:    logger.With().Str("subscription", id).Str("kind", string(cfg.Kind)).Logger(),
		filter:    cfg.Filter.clone(),
		createdAt: time.Now(),
	}
	s.out = newOutbox(cfg.OnEvent, s.logger)
	return s
}

// ID returns the local identifier. It does not change across restarts.
func (s *Managed) ID() string {
	return s.id
}

// Kind returns the subscription kind
func (s *Managed) Kind() Kind {
	return s.kind
}

// begin opens the first underlying subscription
func (s *Managed) begin(ctx context.Context) error {
	s.reconfMu.Lock()
	defer s.reconfMu.Unlock()

	s.mu.Lock()
	filter := s.filter
	s.mu.Unlock()
	return s.start(ctx, filter)
}

// start replaces the underlying subscription with one for filter.
// Caller holds reconfMu.
func (s *Managed) start(ctx context.Context, filter Filter) error {
	s.mu.Lock()
	old := s.handle
	s.handle = nil
	s.filter = filter
	s.mu.Unlock()

	if old != nil {
		if err := old.Unsubscribe(ctx); err != nil {
			s.logger.Warn().Err(err).Str("upstream", old.ID()).Msg("failed to release previous subscription")
		}
	}

	h, err := s.open(ctx, Params(s.kind, filter), s.receive, s.fail)
	if err != nil {
		err = fmt.Errorf("start subscription %s: %w", s.id, err)
		s.logger.Error().Err(err).Msg("subscription start failed")
		s.fail(err)
		return err
	}

	s.mu.Lock()
	s.handle = h
	s.starts++
	s.mu.Unlock()

	s.logger.Debug().Str("upstream", h.ID()).Int("addresses", len(filter.Addresses)).Msg("subscription started")
	return nil
}

// receive counts an event and routes it to the reconfiguration buffer, the
// pause buffer or the caller, in that order of precedence. Pushes from a
// replaced subscription were sent before it was torn down and are kept.
func (s *Managed) receive(data json.RawMessage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.dedup != nil && s.dedup.IsDuplicate(s.kind, data) {
		s.duplicates++
		s.mu.Unlock()
		s.notify(true)
		return
	}

	s.eventCount++
	s.lastEventAt = time.Now()
	switch {
	case s.mode == modeBuffering:
		s.reconf = append(s.reconf, data)
	case s.paused:
		s.pauseBuf = append(s.pauseBuf, data)
	default:
		s.out.push(data)
	}
	s.mu.Unlock()
	s.notify(false)
}

func (s *Managed) notify(duplicate bool) {
	if s.observe != nil {
		s.observe(s.kind, duplicate)
	}
}

func (s *Managed) fail(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}

// reconfigure applies change to the filter and, if it changed anything,
// replaces the underlying subscription while buffering events
func (s *Managed) reconfigure(ctx context.Context, change func(Filter) (Filter, bool)) error {
	if s.kind == KindShreds {
		return ErrFilterNotSupported
	}

	s.reconfMu.Lock()
	defer s.reconfMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrUnsubscribed
	}
	next, changed := change(s.filter.clone())
	if !changed {
		s.mu.Unlock()
		return nil
	}
	wasPaused := s.paused
	s.mode = modeBuffering
	s.mu.Unlock()

	err := s.start(ctx, next)

	s.mu.Lock()
	buffered := s.reconf
	s.reconf = nil
	s.mode = modeLive
	if !s.closed {
		s.out.push(buffered...)
	}
	if wasPaused {
		s.paused = true
	}
	s.mu.Unlock()

	s.logger.Debug().Int("replayed", len(buffered)).Msg("subscription reconfigured")
	return err
}

// AddAddress adds address to the filter. Adding an address already present
// (compared case-insensitively) is a no-op.
func (s *Managed) AddAddress(ctx context.Context, address string) error {
	return s.reconfigure(ctx, func(f Filter) (Filter, bool) {
		if f.hasAddress(address) {
			return f, false
		}
		f.Addresses = append(f.Addresses, address)
		return f, true
	})
}

// RemoveAddress removes address from the filter
func (s *Managed) RemoveAddress(ctx context.Context, address string) error {
	return s.reconfigure(ctx, func(f Filter) (Filter, bool) {
		n := len(f.Addresses)
		f.Addresses = slices.DeleteFunc(f.Addresses, func(a string) bool {
			return strings.EqualFold(a, address)
		})
		return f, len(f.Addresses) != n
	})
}

// UpdateTopics replaces the topic filter
func (s *Managed) UpdateTopics(ctx context.Context, topics []Topic) error {
	return s.reconfigure(ctx, func(f Filter) (Filter, bool) {
		if equalTopics(f.Topics, topics) {
			return f, false
		}
		f.Topics = Filter{Topics: topics}.clone().Topics
		return f, true
	})
}

// Addresses returns the current address filter
func (s *Managed) Addresses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filter.Addresses == nil {
		return []string{}
	}
	return slices.Clone(s.filter.Addresses)
}

// Topics returns the current topic filter
func (s *Managed) Topics() []Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	topics := s.filter.clone().Topics
	if topics == nil {
		return []Topic{}
	}
	return topics
}

// Pause holds events back. They are still received and counted.
func (s *Managed) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume delivers every held event in arrival order and goes live again
func (s *Managed) Resume() {
	s.mu.Lock()
	s.paused = false
	held := s.pauseBuf
	s.pauseBuf = nil
	s.out.push(held...)
	s.mu.Unlock()
}

// IsPaused returns true if the subscription is paused
func (s *Managed) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Stats returns a snapshot of the subscription
func (s *Managed) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	addresses := slices.Clone(s.filter.Addresses)
	if addresses == nil {
		addresses = []string{}
	}
	topics := s.filter.clone().Topics
	if topics == nil {
		topics = []Topic{}
	}
	return Stats{
		ID:          s.id,
		Kind:        s.kind,
		EventCount:  s.eventCount,
		Duplicates:  s.duplicates,
		Starts:      s.starts,
		Buffered:    len(s.pauseBuf),
		CreatedAt:   s.createdAt,
		LastEventAt: s.lastEventAt,
		Paused:      s.paused,
		Addresses:   addresses,
		Topics:      topics,
	}
}

// Unsubscribe tears down the underlying subscription. Events not yet
// delivered are dropped. Calling it again is a no-op.
func (s *Managed) Unsubscribe(ctx context.Context) error {
	s.reconfMu.Lock()
	defer s.reconfMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	h := s.handle
	s.handle = nil
	s.reconf = nil
	s.pauseBuf = nil
	s.mu.Unlock()

	s.out.close()
	if s.release != nil {
		s.release(s.id)
	}
	if h == nil {
		return nil
	}
	if err := h.Unsubscribe(ctx); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", s.id, err)
	}
	s.logger.Debug().Msg("subscription closed")
	return nil
}

// shutdown releases local resources after a failed first start
func (s *Managed) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.out.close()
}
