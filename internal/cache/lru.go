// Package cache provides the resolution cache backends for Surveil.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// LRUCache is a size-bounded, TTL-aware, tenant-partitioned LRU.
// Used as the Community tier resolution cache and as L1 in two-phase caching.
//
// Recency is global across tenants so one capacity bound applies; the
// per-tenant index keeps prefix invalidation proportional to the tenant's
// own entries.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	tenants  map[string]map[string]*list.Element
	now      func() time.Time

	evictions   uint64
	expirations uint64
}

type lruEntry struct {
	tenantID  string
	key       string
	value     []byte
	expiresAt time.Time
}

// Stats is a point-in-time view of an LRUCache.
type Stats struct {
	Entries     int
	Tenants     int
	Capacity    int
	Evictions   uint64
	Expirations uint64
}

// NewLRUCache creates an LRU holding at most capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LRUCache{
		capacity: capacity,
		order:    list.New(),
		tenants:  make(map[string]map[string]*list.Element),
		now:      time.Now,
	}
}

// Get returns the live value for key, or nil on a miss.
func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.tenants[tenantID][key]
	if !ok {
		return nil, nil
	}
	entry := elem.Value.(*lruEntry)
	if !c.now().Before(entry.expiresAt) {
		c.expirations++
		c.unlink(elem)
		return nil, nil
	}
	c.order.MoveToFront(elem)
	return entry.value, nil
}

// Set stores value for ttl and evicts least recently used entries past
// capacity. A non-positive ttl stores nothing.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	if ttl <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)
	partition := c.tenants[tenantID]
	if elem, ok := partition[key]; ok {
		entry := elem.Value.(*lruEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return nil
	}

	if partition == nil {
		partition = make(map[string]*list.Element)
		c.tenants[tenantID] = partition
	}
	partition[key] = c.order.PushFront(&lruEntry{
		tenantID:  tenantID,
		key:       key,
		value:     value,
		expiresAt: expiresAt,
	})

	for c.order.Len() > c.capacity {
		c.evictions++
		c.unlink(c.order.Back())
	}
	return nil
}

// Delete removes key.
func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.tenants[tenantID][key]; ok {
		c.unlink(elem)
	}
	return nil
}

// DeletePrefix removes the tenant's keys starting with prefix.
func (c *LRUCache) DeletePrefix(ctx context.Context, tenantID string, prefix string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, elem := range c.tenants[tenantID] {
		if strings.HasPrefix(key, prefix) {
			c.unlink(elem)
		}
	}
	return nil
}

// Ping always succeeds.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.tenants = make(map[string]map[string]*list.Element)
	return nil
}

// Stats returns current occupancy and lifetime counters.
func (c *LRUCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:     c.order.Len(),
		Tenants:     len(c.tenants),
		Capacity:    c.capacity,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

// unlink removes elem from the recency list and its tenant partition.
// Callers hold c.mu.
func (c *LRUCache) unlink(elem *list.Element) {
	entry := c.order.Remove(elem).(*lruEntry)
	partition := c.tenants[entry.tenantID]
	delete(partition, entry.key)
	if len(partition) == 0 {
		delete(c.tenants, entry.tenantID)
	}
}
