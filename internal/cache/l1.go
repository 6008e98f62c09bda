package cache

import (
	"bytes"
	"compress/gzip"
	"container/list"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Entry is one cached object plus its bookkeeping.
type Entry struct {
	Value       []byte
	OwnerID     string
	ResourceID  string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	AccessCount int64
	LastAccess  time.Time
	Tags        []string
	Compressed  bool
}

// Live reports whether the entry has not yet expired.
func (e *Entry) Live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// cost approximates the entry's resident size.
func (e *Entry) cost(key string) int64 {
	c := int64(len(key) + len(e.Value) + len(e.OwnerID) + len(e.ResourceID))
	for _, t := range e.Tags {
		c += int64(len(t))
	}
	return c + 128 // struct and map overhead
}

// L1Config holds tuning for the in-process tier.
type L1Config struct {
	MemoryBudgetBytes int64 // default 300 MiB
	HotKeyCapacity    int   // default 1000
	// CompressionThreshold compresses values at or above this many
	// bytes. Zero disables compression.
	CompressionThreshold int
}

// L1 is the in-process tier: a memory-budget LRU plus a small ordered
// hot-key sub-structure that high-priority writes populate. Both evict
// least-recently-used when over their bound.
type L1 struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recent
	used    int64

	hotEntries map[string]*list.Element
	hotOrder   *list.List

	cfg L1Config

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type l1Item struct {
	key   string
	entry *Entry
	cost  int64
}

// NewL1 creates the in-process tier.
func NewL1(cfg L1Config) *L1 {
	if cfg.MemoryBudgetBytes <= 0 {
		cfg.MemoryBudgetBytes = 300 << 20
	}
	if cfg.HotKeyCapacity <= 0 {
		cfg.HotKeyCapacity = 1000
	}
	return &L1{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		hotEntries: make(map[string]*list.Element),
		hotOrder:   list.New(),
		cfg:        cfg,
	}
}

// Get returns the entry for key, consulting the hot-key structure
// first. Expired entries are removed lazily and reported as misses.
func (c *L1) Get(key string) (*Entry, bool) {
	now := time.Now()

	c.mu.Lock()
	if elem, ok := c.hotEntries[key]; ok {
		item := elem.Value.(*l1Item)
		if item.entry.Live(now) {
			c.hotOrder.MoveToFront(elem)
			item.entry.AccessCount++
			item.entry.LastAccess = now
			c.mu.Unlock()
			c.hits.Add(1)
			return item.entry, true
		}
		c.removeHotLocked(elem)
	}

	elem, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	item := elem.Value.(*l1Item)
	if !item.entry.Live(now) {
		c.removeLocked(elem)
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	c.order.MoveToFront(elem)
	item.entry.AccessCount++
	item.entry.LastAccess = now
	c.mu.Unlock()

	c.hits.Add(1)
	return item.entry, true
}

// Set stores an entry, evicting LRU entries until the memory budget
// holds. hot additionally places the entry in the hot-key structure.
func (c *L1) Set(key string, entry *Entry, hot bool) {
	if c.cfg.CompressionThreshold > 0 && !entry.Compressed &&
		len(entry.Value)+len(key) >= c.cfg.CompressionThreshold {
		if packed, ok := compress(entry.Value); ok {
			entry.Value = packed
			entry.Compressed = true
		}
	}

	cost := entry.cost(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}

	for c.used+cost > c.cfg.MemoryBudgetBytes && c.order.Len() > 0 {
		c.removeLocked(c.order.Back())
		c.evictions.Add(1)
	}

	item := &l1Item{key: key, entry: entry, cost: cost}
	c.entries[key] = c.order.PushFront(item)
	c.used += cost

	if hot {
		if elem, ok := c.hotEntries[key]; ok {
			c.removeHotLocked(elem)
		}
		c.hotEntries[key] = c.hotOrder.PushFront(item)
		for c.hotOrder.Len() > c.cfg.HotKeyCapacity {
			c.removeHotLocked(c.hotOrder.Back())
		}
	}
}

// Delete removes a key from both structures.
func (c *L1) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
	if elem, ok := c.hotEntries[key]; ok {
		c.removeHotLocked(elem)
	}
}

// DeleteByTag removes every entry carrying the tag and returns the keys
// removed.
func (c *L1) DeleteByTag(tag string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []string
	for key, elem := range c.entries {
		item := elem.Value.(*l1Item)
		for _, t := range item.entry.Tags {
			if t == tag {
				removed = append(removed, key)
				c.removeLocked(elem)
				break
			}
		}
	}
	for _, key := range removed {
		if elem, ok := c.hotEntries[key]; ok {
			c.removeHotLocked(elem)
		}
	}
	return removed
}

// DeleteByPattern removes every key matching the colon-component glob.
func (c *L1) DeleteByPattern(pattern string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []string
	for key, elem := range c.entries {
		if MatchPattern(pattern, key) {
			removed = append(removed, key)
			c.removeLocked(elem)
		}
	}
	for _, key := range removed {
		if elem, ok := c.hotEntries[key]; ok {
			c.removeHotLocked(elem)
		}
	}
	return removed
}

// Sweep drops expired entries. Called from a background loop.
func (c *L1) Sweep() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, elem := range c.entries {
		item := elem.Value.(*l1Item)
		if !item.entry.Live(now) {
			c.removeLocked(elem)
			if hotElem, ok := c.hotEntries[key]; ok {
				c.removeHotLocked(hotElem)
			}
			n++
		}
	}
	return n
}

// Flush removes everything.
func (c *L1) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.hotEntries = make(map[string]*list.Element)
	c.hotOrder.Init()
	c.used = 0
}

// UsedBytes returns the tracked resident size.
func (c *L1) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Len returns the number of entries in the main structure.
func (c *L1) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// HotLen returns the number of hot entries.
func (c *L1) HotLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hotOrder.Len()
}

// Stats reports hit/miss/eviction counters.
func (c *L1) Stats() TierStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	return TierStats{Hits: hits, Misses: misses, Evictions: c.evictions.Load(), HitRate: rate}
}

func (c *L1) removeLocked(elem *list.Element) {
	item := elem.Value.(*l1Item)
	c.order.Remove(elem)
	delete(c.entries, item.key)
	c.used -= item.cost
}

func (c *L1) removeHotLocked(elem *list.Element) {
	item := elem.Value.(*l1Item)
	c.hotOrder.Remove(elem)
	delete(c.hotEntries, item.key)
}

// TierStats reports per-tier counters.
type TierStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

func compress(data []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(data) {
		return nil, false
	}
	return buf.Bytes(), true
}

// Decompress reverses compress for entries flagged Compressed.
func Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
