package socket

import "sync"

// table is a mutex-guarded map used for both correlation namespaces:
// pending calls keyed by request id and subscriptions keyed by server id.
type table[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]V
}

func newTable[K comparable, V any]() *table[K, V] {
	return &table[K, V]{m: make(map[K]V)}
}

func (t *table[K, V]) Get(k K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.m[k]
	return v, ok
}

func (t *table[K, V]) Set(k K, v V) {
	t.mu.Lock()
	t.m[k] = v
	t.mu.Unlock()
}

// SetIfAbsent stores v unless k is already present
func (t *table[K, V]) SetIfAbsent(k K, v V) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.m[k]; ok {
		return false
	}
	t.m[k] = v
	return true
}

// Take removes and returns the value for k
func (t *table[K, V]) Take(k K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.m[k]
	if ok {
		delete(t.m, k)
	}
	return v, ok
}

func (t *table[K, V]) Delete(k K) {
	t.mu.Lock()
	delete(t.m, k)
	t.mu.Unlock()
}

// DeleteIf removes k only while it still maps to a value accepted by match
func (t *table[K, V]) DeleteIf(k K, match func(V) bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.m[k]
	if !ok || !match(v) {
		return false
	}
	delete(t.m, k)
	return true
}

// Drain empties the table and returns what it held
func (t *table[K, V]) Drain() map[K]V {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.m
	t.m = make(map[K]V)
	return out
}

func (t *table[K, V]) Values() []V {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]V, 0, len(t.m))
	for _, v := range t.m {
		out = append(out, v)
	}
	return out
}

func (t *table[K, V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
