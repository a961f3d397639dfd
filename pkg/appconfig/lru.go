package appconfig

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

type lruEntry struct {
	name  string
	props Properties
}

// CachingStore keeps recently fetched configurations in memory in front of
// a slower Store, evicting the least recently used entry when full.
type CachingStore struct {
	maxSize int
	source  Store

	mu      sync.Mutex
	ll      *list.List
	entries map[string]*list.Element
}

// NewCachingStore wraps source with an LRU cache holding at most maxSize
// configurations.
func NewCachingStore(maxSize int, source Store) (*CachingStore, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	if source == nil {
		return nil, fmt.Errorf("source store cannot be nil")
	}
	return &CachingStore{
		maxSize: maxSize,
		source:  source,
		ll:      list.New(),
		entries: make(map[string]*list.Element),
	}, nil
}

// Fetch returns the named configuration, reading through to the source on a
// miss. Misses in the source are not cached.
func (c *CachingStore) Fetch(ctx context.Context, name string) (Properties, error) {
	c.mu.Lock()
	if elem, ok := c.entries[name]; ok {
		c.ll.MoveToFront(elem)
		props := elem.Value.(*lruEntry).props.clone()
		c.mu.Unlock()
		return props, nil
	}
	c.mu.Unlock()

	props, err := c.source.Fetch(ctx, name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have filled the entry while we were fetching.
	if elem, ok := c.entries[name]; ok {
		c.ll.MoveToFront(elem)
		return elem.Value.(*lruEntry).props.clone(), nil
	}

	c.entries[name] = c.ll.PushFront(&lruEntry{name: name, props: props.clone()})
	if c.ll.Len() > c.maxSize {
		c.evict()
	}
	return props, nil
}

// Invalidate drops a cached configuration so the next Fetch re-reads it, e.g.
// after a credential rotation.
func (c *CachingStore) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[name]; ok {
		c.ll.Remove(elem)
		delete(c.entries, name)
	}
}

// evict must be called with the mutex held.
func (c *CachingStore) evict() {
	back := c.ll.Back()
	if back != nil {
		entry := c.ll.Remove(back).(*lruEntry)
		delete(c.entries, entry.name)
	}
}

// Close closes the underlying source.
func (c *CachingStore) Close() error {
	return c.source.Close()
}
