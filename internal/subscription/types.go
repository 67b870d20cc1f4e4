package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"
)

// Kind is the kind of server-push subscription
type Kind string

const (
	KindShreds Kind = "shreds"
	KindLogs   Kind = "logs"
)

var (
	// ErrSubscriptionNotFound is returned for ids the manager does not hold
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrUnsubscribed is returned when changing a subscription after Unsubscribe
	ErrUnsubscribed = errors.New("subscription already unsubscribed")
	// ErrFilterNotSupported is returned when changing the filter of a shreds subscription
	ErrFilterNotSupported = errors.New("shreds subscriptions do not take a filter")
	// ErrUnknownKind is returned by Create for kinds other than shreds and logs
	ErrUnknownKind = errors.New("unknown subscription kind")
	// ErrNoHandler is returned by Create without an event handler
	ErrNoHandler = errors.New("event handler is required")
)

// Handle is an open server-side subscription
type Handle interface {
	ID() string
	Unsubscribe(ctx context.Context) error
}

// Opener opens a server-side subscription with params. onData receives
// pushes in arrival order; onError receives push errors and connection
// failures.
type Opener func(ctx context.Context, params []interface{}, onData func(json.RawMessage), onError func(error)) (Handle, error)

// Topic is one position of a log topic filter: empty matches anything,
// one value matches exactly, several values match any of them.
type Topic []string

// MarshalJSON encodes an empty topic as null and a single value as a string
func (t Topic) MarshalJSON() ([]byte, error) {
	switch len(t) {
	case 0:
		return []byte("null"), nil
	case 1:
		return json.Marshal(t[0])
	}
	return json.Marshal([]string(t))
}

// UnmarshalJSON accepts null, a string or an array of strings
func (t *Topic) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*t = nil
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Topic{s}
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*t = list
	return nil
}

// Filter narrows a logs subscription. An empty filter watches everything.
type Filter struct {
	Addresses []string `json:"address,omitempty"`
	Topics    []Topic  `json:"topics"`
}

func (f Filter) clone() Filter {
	out := Filter{Addresses: slices.Clone(f.Addresses)}
	if f.Topics != nil {
		out.Topics = make([]Topic, len(f.Topics))
		for i, t := range f.Topics {
			out.Topics[i] = slices.Clone(t)
		}
	}
	return out
}

func (f Filter) isEmpty() bool {
	return len(f.Addresses) == 0 && len(f.Topics) == 0
}

func (f Filter) hasAddress(address string) bool {
	return slices.ContainsFunc(f.Addresses, func(a string) bool {
		return strings.EqualFold(a, address)
	})
}

func equalTopics(a, b []Topic) bool {
	return slices.EqualFunc(a, b, func(x, y Topic) bool {
		return slices.Equal(x, y)
	})
}

// Params builds the subscribe params for kind and filter
func Params(kind Kind, f Filter) []interface{} {
	if kind == KindShreds {
		return []interface{}{}
	}
	f = f.clone()
	if f.Topics == nil {
		f.Topics = []Topic{}
	}
	return []interface{}{string(KindLogs), f}
}

// Config describes a subscription to create
type Config struct {
	Kind    Kind
	Filter  Filter
	OnEvent func(json.RawMessage)
	OnError func(error)
}

// Stats is a point-in-time snapshot of a subscription
type Stats struct {
	ID          string
	Kind        Kind
	EventCount  int64
	Duplicates  int64
	Starts      int
	Buffered    int
	CreatedAt   time.Time
	LastEventAt time.Time
	Paused      bool
	Addresses   []string
	Topics      []Topic
}

// Options configures a Manager
type Options struct {
	// DedupCacheSize enables duplicate suppression when positive
	DedupCacheSize int
	// OnEvent observes every push, after duplicate detection
	OnEvent func(kind Kind, duplicate bool)
}
