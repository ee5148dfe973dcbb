package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a key is not stored in a bucket.
var ErrNotFound = errors.New("cache entry not found")

// Provider is an interface for a storage bucket provider.
// Buckets are named, and a bucket name identifies one generation of cached content:
// opening a different name creates an independent bucket rather than touching the old one.
//
// Implementations must be thread-safe!
type Provider interface {
	// Open returns the bucket with the given name, creating it if it does not exist.
	// Opening the same name twice returns the same underlying bucket.
	Open(ctx context.Context, name string) (Bucket, error)
	// Match looks up the key in every bucket, in bucket creation order,
	// and returns the first entry found. It returns ErrNotFound if no bucket holds the key.
	Match(ctx context.Context, key string) (Entry, error)
	// Buckets returns the names of all buckets in creation order.
	Buckets(ctx context.Context) ([]string, error)
	// Close releases the resources held by the provider.
	Close() error
}

// Bucket is a named key-value store of serialized responses.
type Bucket interface {
	Name() string
	// Match returns the entry stored under key, or ErrNotFound.
	Match(ctx context.Context, key string) (Entry, error)
	// PutAll stores all entries, overwriting entries with the same key,
	// and marks the bucket as populated.
	// Implementations write the batch atomically when the storage engine allows it.
	PutAll(ctx context.Context, entries []Entry) error
	// Keys calls the given callback for each stored key.
	Keys(ctx context.Context, cb func(string)) error
	// PopulatedAt returns the time of the last successful PutAll.
	// It returns the zero time if the bucket was never populated.
	PopulatedAt(ctx context.Context) (time.Time, error)
}

type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

type memBucket struct {
	entries     map[string]Entry
	populatedAt time.Time
}

type MemCache struct {
	mutex   *sync.RWMutex
	buckets map[string]*memBucket
	order   *[]string
}

func NewMemCache() MemCache {
	return MemCache{
		mutex:   &sync.RWMutex{},
		buckets: make(map[string]*memBucket),
		order:   &[]string{},
	}
}

func (m MemCache) Open(ctx context.Context, name string) (Bucket, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.buckets[name]; !ok {
		m.buckets[name] = &memBucket{entries: make(map[string]Entry)}
		*m.order = append(*m.order, name)
	}
	return MemBucket{cache: m, name: name}, nil
}

func (m MemCache) Match(ctx context.Context, key string) (Entry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, name := range *m.order {
		if entry, ok := m.buckets[name].entries[key]; ok {
			return entry, nil
		}
	}
	return Entry{}, ErrNotFound
}

func (m MemCache) Buckets(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, len(*m.order))
	copy(names, *m.order)
	return names, nil
}

func (m MemCache) Close() error {
	return nil
}

// MemBucket is a bucket of a MemCache.
type MemBucket struct {
	cache MemCache
	name  string
}

func (b MemBucket) Name() string {
	return b.name
}

func (b MemBucket) Match(ctx context.Context, key string) (Entry, error) {
	b.cache.mutex.RLock()
	defer b.cache.mutex.RUnlock()
	entry, ok := b.cache.buckets[b.name].entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

func (b MemBucket) PutAll(ctx context.Context, entries []Entry) error {
	b.cache.mutex.Lock()
	defer b.cache.mutex.Unlock()
	bucket := b.cache.buckets[b.name]
	for _, entry := range entries {
		bucket.entries[entry.Key] = entry
	}
	bucket.populatedAt = time.Now()
	return nil
}

func (b MemBucket) Keys(ctx context.Context, cb func(string)) error {
	b.cache.mutex.RLock()
	keys := make([]string, 0, len(b.cache.buckets[b.name].entries))
	for key := range b.cache.buckets[b.name].entries {
		keys = append(keys, key)
	}
	b.cache.mutex.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (b MemBucket) PopulatedAt(ctx context.Context) (time.Time, error) {
	b.cache.mutex.RLock()
	defer b.cache.mutex.RUnlock()
	return b.cache.buckets[b.name].populatedAt, nil
}
