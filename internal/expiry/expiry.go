// Package expiry implements the expiring key/value table used by the stack for
// the ARP cache, the ARP pending queue and the UDP port table.
//
// Expiry is lazy: an entry older than the table's TTL is treated as absent by
// Get and Range, and is physically removed the next time the table is swept
// or the key is overwritten. No background goroutine is started.
package expiry

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Entry is a snapshot of one live table entry.
type Entry[K comparable, V any] struct {
	Key     K
	Value   V
	Updated time.Time
	// Expires is zero for tables without a TTL.
	Expires time.Time
}

type stamped[V any] struct {
	value   V
	updated time.Time
}

// Map is a concurrency-safe table of K to V whose entries expire ttl after
// their last Set. A ttl <= 0 disables expiry.
type Map[K comparable, V any] struct {
	ttl   time.Duration
	clone func(V) V
	cache *ttlcache.Cache[K, stamped[V]]
}

// New creates a table. If clone is non-nil every value passed to Set is
// passed through it first, so the table never aliases caller memory.
func New[K comparable, V any](ttl time.Duration, clone func(V) V) *Map[K, V] {
	opts := []ttlcache.Option[K, stamped[V]]{
		// Entries age from their last update, not their last read.
		ttlcache.WithDisableTouchOnHit[K, stamped[V]](),
	}
	if ttl > 0 {
		opts = append(opts, ttlcache.WithTTL[K, stamped[V]](ttl))
	}
	return &Map[K, V]{
		ttl:   ttl,
		clone: clone,
		cache: ttlcache.New[K, stamped[V]](opts...),
	}
}

// TTL reports the configured expiry window.
func (m *Map[K, V]) TTL() time.Duration { return m.ttl }

// Set inserts or refreshes key.
func (m *Map[K, V]) Set(key K, value V) {
	if m.clone != nil {
		value = m.clone(value)
	}
	m.cache.Set(key, stamped[V]{value: value, updated: time.Now()}, ttlcache.DefaultTTL)
}

// Get returns the live value for key.
func (m *Map[K, V]) Get(key K) (V, bool) {
	item := m.cache.Get(key)
	if item == nil || item.IsExpired() {
		var zero V
		return zero, false
	}
	return item.Value().value, true
}

// Lookup is Get returning the full entry.
func (m *Map[K, V]) Lookup(key K) (Entry[K, V], bool) {
	item := m.cache.Get(key)
	if item == nil || item.IsExpired() {
		return Entry[K, V]{}, false
	}
	return m.entry(item), true
}

// Delete removes key. Deleting an absent key is a no-op.
func (m *Map[K, V]) Delete(key K) {
	m.cache.Delete(key)
}

// Range calls fn for every live entry until fn returns false. The iteration
// order is unspecified. fn runs on a snapshot and may modify the table.
func (m *Map[K, V]) Range(fn func(Entry[K, V]) bool) {
	for _, item := range m.cache.Items() {
		if item.IsExpired() {
			continue
		}
		if !fn(m.entry(item)) {
			return
		}
	}
}

// Len reports the number of live entries.
func (m *Map[K, V]) Len() int {
	n := 0
	m.Range(func(Entry[K, V]) bool {
		n++
		return true
	})
	return n
}

// Sweep physically removes expired entries.
func (m *Map[K, V]) Sweep() {
	m.cache.DeleteExpired()
}

// Clear removes every entry.
func (m *Map[K, V]) Clear() {
	m.cache.DeleteAll()
}

func (m *Map[K, V]) entry(item *ttlcache.Item[K, stamped[V]]) Entry[K, V] {
	v := item.Value()
	e := Entry[K, V]{
		Key:     item.Key(),
		Value:   v.value,
		Updated: v.updated,
	}
	if m.ttl > 0 {
		e.Expires = item.ExpiresAt()
	}
	return e
}
