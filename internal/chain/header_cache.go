package chain

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/chainloom/subgraph-mirror/internal/metrics"
)

const (
	defaultHeaderCacheSize = 512
	defaultHeaderCacheTTL  = 5 * time.Minute
)

// CachedHeaderReader wraps a HeaderReader with an LRU of recently fetched
// headers. The sparse ancestor scan hits the same heights on consecutive
// invocations; caching keeps that from turning into repeated RPC calls.
// Entries carry a TTL because near-tip headers can be replaced by a reorg.
type CachedHeaderReader struct {
	inner HeaderReader

	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[int64]*list.Element
	order    *list.List
	nowFn    func() time.Time
}

type cacheEntry struct {
	number    int64
	block     Block
	expiresAt time.Time
}

func NewCachedHeaderReader(inner HeaderReader, capacity int, ttl time.Duration) *CachedHeaderReader {
	if capacity <= 0 {
		capacity = defaultHeaderCacheSize
	}
	if ttl <= 0 {
		ttl = defaultHeaderCacheTTL
	}
	return &CachedHeaderReader{
		inner:    inner,
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[int64]*list.Element, capacity),
		order:    list.New(),
		nowFn:    time.Now,
	}
}

func (c *CachedHeaderReader) GetBlock(ctx context.Context, blockNumber int64) (*Block, error) {
	if b, ok := c.get(blockNumber); ok {
		metrics.ChainHeaderCacheHits.WithLabelValues("hit").Inc()
		return &b, nil
	}
	metrics.ChainHeaderCacheHits.WithLabelValues("miss").Inc()

	block, err := c.inner.GetBlock(ctx, blockNumber)
	if err != nil || block == nil {
		return block, err
	}
	c.put(*block)
	return block, nil
}

// GetHeadNumber is never cached; the head moves every block.
func (c *CachedHeaderReader) GetHeadNumber(ctx context.Context) (int64, error) {
	return c.inner.GetHeadNumber(ctx)
}

// Invalidate drops every cached header at or above fromBlock. The reorg
// check calls this before comparing hashes so a cached pre-reorg header
// cannot mask a mismatch.
func (c *CachedHeaderReader) Invalidate(fromBlock int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for number, elem := range c.items {
		if number >= fromBlock {
			c.order.Remove(elem)
			delete(c.items, number)
		}
	}
}

func (c *CachedHeaderReader) get(number int64) (Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[number]
	if !ok {
		return Block{}, false
	}
	e := elem.Value.(*cacheEntry)
	if c.nowFn().After(e.expiresAt) {
		c.order.Remove(elem)
		delete(c.items, number)
		return Block{}, false
	}
	c.order.MoveToFront(elem)
	return e.block, true
}

func (c *CachedHeaderReader) put(b Block) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[b.Number]; ok {
		e := elem.Value.(*cacheEntry)
		e.block = b
		e.expiresAt = c.nowFn().Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}
	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).number)
		}
	}
	elem := c.order.PushFront(&cacheEntry{number: b.Number, block: b, expiresAt: c.nowFn().Add(c.ttl)})
	c.items[b.Number] = elem
}
