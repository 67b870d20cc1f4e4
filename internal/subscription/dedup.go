package subscription

import (
	"encoding/json"
	"fmt"
	"hash/fnv"

	lru "github.com/hashicorp/golang-lru/v2"

	"shredsocket/internal/jsonrpc"
)

// Deduplicator drops events already seen, such as pushes re-delivered by
// the node after a resubscribe
type Deduplicator struct {
	cache *lru.Cache[string, struct{}]
}

// NewDeduplicator creates a new Deduplicator remembering up to size events
func NewDeduplicator(size int) (*Deduplicator, error) {
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Deduplicator{cache: cache}, nil
}

// IsDuplicate records payload and reports whether it was seen before
func (d *Deduplicator) IsDuplicate(kind Kind, payload json.RawMessage) bool {
	seen, _ := d.cache.ContainsOrAdd(eventKey(kind, payload), struct{}{})
	return seen
}

// Len returns the number of remembered events
func (d *Deduplicator) Len() int {
	return d.cache.Len()
}

// Clear forgets every event
func (d *Deduplicator) Clear() {
	d.cache.Purge()
}

func eventKey(kind Kind, payload json.RawMessage) string {
	switch kind {
	case KindLogs:
		if key := logKey(payload); key != "" {
			return key
		}
	case KindShreds:
		if key := shredKey(payload); key != "" {
			return key
		}
	}
	h := fnv.New64a()
	h.Write(payload)
	return fmt.Sprintf("%s:%x", kind, h.Sum64())
}

// logKey identifies a log by blockHash:txIndex:logIndex. A removal is a
// different event from the log it removes.
func logKey(payload json.RawMessage) string {
	var log jsonrpc.Log
	if err := json.Unmarshal(payload, &log); err != nil {
		return ""
	}
	if log.BlockHash == "" || log.TransactionIndex == "" || log.LogIndex == "" {
		return ""
	}
	return fmt.Sprintf("log:%s:%s:%s:%t", log.BlockHash, log.TransactionIndex, log.LogIndex, log.Removed)
}

func shredKey(payload json.RawMessage) string {
	var shred struct {
		BlockNumber *uint64 `json:"block_number"`
		ShredIndex  *uint64 `json:"shred_idx"`
	}
	if err := json.Unmarshal(payload, &shred); err != nil {
		return ""
	}
	if shred.BlockNumber == nil || shred.ShredIndex == nil {
		return ""
	}
	return fmt.Sprintf("shred:%d:%d", *shred.BlockNumber, *shred.ShredIndex)
}
