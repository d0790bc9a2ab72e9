package sstable

import "sync"

// BlockCache is a bounded LRU cache of decoded data blocks, following
// pkg/persistence/block_cache.go's doubly-linked-list LRU, keyed here
// by (file path, block offset) instead of an opaque string so
// callers don't need to format cache keys themselves.
type BlockCache struct {
	mu       sync.Mutex
	capacity int
	items    map[blockKey]*cacheItem
	head     *cacheItem
	tail     *cacheItem
}

type blockKey struct {
	path   string
	offset int64
}

type cacheItem struct {
	key   blockKey
	value []byte
	prev  *cacheItem
	next  *cacheItem
}

// NewBlockCache creates an LRU cache holding at most capacity blocks.
func NewBlockCache(capacity int) *BlockCache {
	return &BlockCache{capacity: capacity, items: make(map[blockKey]*cacheItem)}
}

// Get returns the cached block for (path, offset), if present.
func (c *BlockCache) Get(path string, offset int64) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[blockKey{path, offset}]
	if !ok {
		return nil, false
	}
	c.moveToHead(item)
	return item.value, true
}

// Set stores a decoded block, evicting the least-recently-used entry if
// the cache is over capacity.
func (c *BlockCache) Set(path string, offset int64, data []byte) {
	if c == nil || c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := blockKey{path, offset}
	if item, ok := c.items[key]; ok {
		item.value = data
		c.moveToHead(item)
		return
	}
	item := &cacheItem{key: key, value: data}
	c.addToHead(item)
	c.items[key] = item
	if len(c.items) > c.capacity {
		c.evictLRU()
	}
}

func (c *BlockCache) moveToHead(item *cacheItem) {
	if item == c.head {
		return
	}
	if item.prev != nil {
		item.prev.next = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	}
	if item == c.tail {
		c.tail = item.prev
	}
	c.addToHead(item)
}

func (c *BlockCache) addToHead(item *cacheItem) {
	item.prev = nil
	item.next = c.head
	if c.head != nil {
		c.head.prev = item
	}
	c.head = item
	if c.tail == nil {
		c.tail = item
	}
}

func (c *BlockCache) evictLRU() {
	if c.tail == nil {
		return
	}
	delete(c.items, c.tail.key)
	if c.tail.prev != nil {
		c.tail.prev.next = nil
	} else {
		c.head = nil
	}
	c.tail = c.tail.prev
}
