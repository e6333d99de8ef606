package core

// resilience_cache.go – the multi-level cache (§4.H). Levels are consulted
// top-down on Get; a hit below L1 promotes the entry upward. Set writes to
// L1 and asynchronously propagates to lower levels. Values larger than a
// byte threshold are compressed (klauspost/compress/zstd, already a domain
// dependency) and carry a flag so Get can decompress transparently. Keys
// may register dependents; deleting a key under the cascade strategy
// deletes all transitive dependents. A simple access-sequence tracker
// speculatively prefetches high-probability successors.

import (
	"container/list"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
)

// Eviction selects a cache level's eviction policy.
type Eviction int

const (
	EvictLRU Eviction = iota
	EvictFIFO
)

// CacheLevelConfig describes one level of the hierarchy (§4.H, §6
// cache.levels[]).
type CacheLevelConfig struct {
	Name     string
	Capacity int
	TTL      time.Duration
	Eviction Eviction
}

type cacheEntry struct {
	value      []byte
	compressed bool
	expiresAt  time.Time
}

// level is a single tier, backed by hashicorp/golang-lru for the LRU case
// and a container/list ring for FIFO (golang-lru only implements LRU
// eviction, and §4.H requires both policies to be selectable per level).
type level struct {
	cfg CacheLevelConfig

	mu      sync.Mutex
	lruImpl *lru.Cache[string, *cacheEntry]

	fifoOrder *list.List
	fifoElems map[string]*list.Element
	fifoData  map[string]*cacheEntry
}

func newLevel(cfg CacheLevelConfig) *level {
	l := &level{cfg: cfg}
	if cfg.Eviction == EvictLRU {
		c, _ := lru.New[string, *cacheEntry](cfg.Capacity)
		l.lruImpl = c
	} else {
		l.fifoOrder = list.New()
		l.fifoElems = make(map[string]*list.Element)
		l.fifoData = make(map[string]*cacheEntry)
	}
	return l
}

func (l *level) get(key string) (*cacheEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lruImpl != nil {
		e, ok := l.lruImpl.Get(key)
		return e, ok
	}
	e, ok := l.fifoData[key]
	return e, ok
}

func (l *level) set(key string, e *cacheEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lruImpl != nil {
		l.lruImpl.Add(key, e)
		return
	}
	if _, exists := l.fifoData[key]; !exists {
		if len(l.fifoData) >= l.cfg.Capacity && l.cfg.Capacity > 0 {
			oldest := l.fifoOrder.Front()
			if oldest != nil {
				k := oldest.Value.(string)
				l.fifoOrder.Remove(oldest)
				delete(l.fifoElems, k)
				delete(l.fifoData, k)
			}
		}
		l.fifoElems[key] = l.fifoOrder.PushBack(key)
	}
	l.fifoData[key] = e
}

func (l *level) del(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lruImpl != nil {
		l.lruImpl.Remove(key)
		return
	}
	if el, ok := l.fifoElems[key]; ok {
		l.fifoOrder.Remove(el)
		delete(l.fifoElems, key)
		delete(l.fifoData, key)
	}
}

// MultiLevelCache is the component H cache hierarchy.
type MultiLevelCache struct {
	levels []*level

	compressionThreshold int
	encoder              *zstd.Encoder
	decoder              *zstd.Decoder

	mu         sync.Mutex
	dependents map[string]map[string]struct{}

	accessMu sync.Mutex
	lastSeen map[string]string // key -> previously accessed key, for Markov-ish tracking
	succCount map[string]map[string]int
	loader    func(key string) ([]byte, error)
}

// NewMultiLevelCache builds the hierarchy in the given top-down order
// (levels[0] is L1).
func NewMultiLevelCache(configs []CacheLevelConfig, compressionThreshold int, loader func(string) ([]byte, error)) *MultiLevelCache {
	levels := make([]*level, len(configs))
	for i, c := range configs {
		levels[i] = newLevel(c)
	}
	enc, _ := zstd.NewWriter(nil)
	dec, _ := zstd.NewReader(nil)
	return &MultiLevelCache{
		levels:                levels,
		compressionThreshold:  compressionThreshold,
		encoder:               enc,
		decoder:               dec,
		dependents:            make(map[string]map[string]struct{}),
		lastSeen:              make(map[string]string),
		succCount:             make(map[string]map[string]int),
		loader:                loader,
	}
}

// Get consults levels top-down, promoting a hit below L1 upward, and
// records the access for the prefetch tracker.
func (c *MultiLevelCache) Get(key string) ([]byte, bool) {
	for i, l := range c.levels {
		if e, ok := l.get(key); ok {
			if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
				l.del(key)
				continue
			}
			if i > 0 {
				c.levels[0].set(key, e)
			}
			c.recordAccess(key)
			c.maybePrefetch(key)
			return c.decompress(e), true
		}
	}
	return nil, false
}

// Set writes to L1 synchronously and propagates to lower levels
// asynchronously (§4.H: "writes are not ordered across keys").
func (c *MultiLevelCache) Set(key string, value []byte) {
	e := c.compress(value)
	if len(c.levels) > 0 {
		l0 := c.levels[0]
		if l0.cfg.TTL > 0 {
			e.expiresAt = time.Now().Add(l0.cfg.TTL)
		}
		l0.set(key, e)
	}
	for i := 1; i < len(c.levels); i++ {
		lvl := c.levels[i]
		entry := e
		go func(lvl *level) {
			ent := *entry
			if lvl.cfg.TTL > 0 {
				ent.expiresAt = time.Now().Add(lvl.cfg.TTL)
			}
			lvl.set(key, &ent)
		}(lvl)
	}
}

func (c *MultiLevelCache) compress(value []byte) *cacheEntry {
	if c.compressionThreshold > 0 && len(value) > c.compressionThreshold && c.encoder != nil {
		compressed := c.encoder.EncodeAll(value, nil)
		return &cacheEntry{value: compressed, compressed: true}
	}
	return &cacheEntry{value: append([]byte(nil), value...)}
}

func (c *MultiLevelCache) decompress(e *cacheEntry) []byte {
	if !e.compressed || c.decoder == nil {
		return e.value
	}
	out, err := c.decoder.DecodeAll(e.value, nil)
	if err != nil {
		return e.value
	}
	return out
}

// RegisterDependent records that deleting key should also delete dependent.
func (c *MultiLevelCache) RegisterDependent(key, dependent string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dependents[key] == nil {
		c.dependents[key] = make(map[string]struct{})
	}
	c.dependents[key][dependent] = struct{}{}
}

// Delete removes key from every level. Under the cascade strategy, every
// transitive dependent is deleted too (§4.H).
func (c *MultiLevelCache) Delete(key string, cascade bool) {
	for _, l := range c.levels {
		l.del(key)
	}
	if !cascade {
		return
	}
	c.mu.Lock()
	deps := c.dependents[key]
	delete(c.dependents, key)
	c.mu.Unlock()
	for dep := range deps {
		c.Delete(dep, true)
	}
}

// recordAccess tracks a simple first-order Markov chain of key accesses so
// maybePrefetch can speculatively warm a likely successor.
func (c *MultiLevelCache) recordAccess(key string) {
	c.accessMu.Lock()
	defer c.accessMu.Unlock()
	if prev, ok := c.lastSeen[""]; ok && prev != "" {
		if c.succCount[prev] == nil {
			c.succCount[prev] = make(map[string]int)
		}
		c.succCount[prev][key]++
	}
	c.lastSeen[""] = key
}

// maybePrefetch warms the most probable successor of key once its observed
// probability crosses 0.6, provided a loader is configured.
func (c *MultiLevelCache) maybePrefetch(key string) {
	if c.loader == nil {
		return
	}
	c.accessMu.Lock()
	counts := c.succCount[key]
	var total int
	var bestKey string
	var bestCount int
	for k, n := range counts {
		total += n
		if n > bestCount {
			bestCount = n
			bestKey = k
		}
	}
	c.accessMu.Unlock()
	if total == 0 || bestKey == "" {
		return
	}
	if float64(bestCount)/float64(total) < 0.6 {
		return
	}
	if _, ok := c.levels[0].get(bestKey); ok {
		return
	}
	go func() {
		if v, err := c.loader(bestKey); err == nil {
			c.Set(bestKey, v)
		}
	}()
}
