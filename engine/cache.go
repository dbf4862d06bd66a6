package engine

import (
	"github.com/intellect4all/hamdb/common"
)

// cacheBucketCount should be a prime number, it feeds a modulo hash.
const cacheBucketCount = 10313

// Cache stores pages in a bucketed hash table keyed by page address plus
// an LRU chain of all cached pages. A page that is accessed moves to the
// head of the chain; the tail is the first purge candidate.
type Cache struct {
	env           *Environment
	capacity      uint64
	curElements   uint64
	allocElements uint64
	totallist     *Page
	totallistTail *Page
	buckets       []*Page

	hits   uint64
	misses uint64
}

// NewCache creates a cache with the given capacity in bytes.
func NewCache(env *Environment, capacityBytes uint64) *Cache {
	if capacityBytes == 0 {
		capacityBytes = DefaultCacheSize
	}
	return &Cache{
		env:      env,
		capacity: capacityBytes,
		buckets:  make([]*Page, cacheBucketCount),
	}
}

func (c *Cache) hash(address uint64) uint64 {
	return address % cacheBucketCount
}

// GetPage retrieves a page and moves it to the LRU head. Returns nil on a
// miss; a miss is not an error.
func (c *Cache) GetPage(address uint64) *Page {
	h := c.hash(address)
	page := c.buckets[h]
	for page != nil {
		if page.address == address {
			break
		}
		page = page.next[listBucket]
	}
	if page == nil || page.flags&pageNpersDeletePending != 0 {
		c.misses++
		metricCacheMisses.Inc()
		return nil
	}

	// re-insert at the LRU head so the tail keeps pointing at the page
	// that was idle longest
	c.RemovePage(page)
	c.PutPage(page)

	c.hits++
	metricCacheHits.Inc()
	return page
}

// PutPage stores a page. Re-putting a cached page is allowed and moves it
// to the LRU head.
func (c *Cache) PutPage(page *Page) {
	h := c.hash(page.address)

	if page.isInList(c.totallist, listCache) {
		c.RemovePage(page)
	}
	c.totallist = page.listInsert(c.totallist, listCache)

	c.curElements++
	if page.flags&pageNpersMalloc != 0 {
		c.allocElements++
	}

	if page.isInList(c.buckets[h], listBucket) {
		c.buckets[h] = page.listRemove(c.buckets[h], listBucket)
	}
	c.buckets[h] = page.listInsert(c.buckets[h], listBucket)

	if c.totallistTail == nil {
		c.totallistTail = page
	}
}

// RemovePage takes a page out of the cache.
func (c *Cache) RemovePage(page *Page) {
	removed := false

	if c.totallistTail == page {
		c.totallistTail = page.prev[listCache]
	}

	if page.address != 0 || page.isInList(c.buckets[c.hash(page.address)], listBucket) {
		h := c.hash(page.address)
		if page.isInList(c.buckets[h], listBucket) {
			c.buckets[h] = page.listRemove(c.buckets[h], listBucket)
		}
	}

	if page.isInList(c.totallist, listCache) {
		c.totallist = page.listRemove(c.totallist, listCache)
		removed = true
	}
	if removed {
		c.curElements--
		if page.flags&pageNpersMalloc != 0 {
			c.allocElements--
		}
	}
}

// IsFull reports whether the allocated pages exceed the capacity.
func (c *Cache) IsFull() bool {
	return c.allocElements*uint64(c.env.pageSize) > c.capacity
}

// Capacity returns the configured capacity in bytes.
func (c *Cache) Capacity() uint64 {
	return c.capacity
}

// CurrentElements returns the number of cached pages.
func (c *Cache) CurrentElements() uint64 {
	return c.curElements
}

// Purge walks the LRU chain from the tail and hands up to limit victims to
// the callback. Pages in the current changeset are skipped, they are still
// needed for the operation in flight.
func (c *Cache) Purge(cb func(*Page) error, limit int) error {
	oldest := c.totallistTail
	if oldest == nil {
		return nil
	}

	i := 0
	page := oldest
	for {
		if page.flags&pageNpersMalloc != 0 && !c.env.changeset.Contains(page) {
			prev := page.prev[listCache]
			c.RemovePage(page)
			if err := cb(page); err != nil {
				return err
			}
			i++
			page = prev
		} else {
			page = page.prev[listCache]
		}
		if i >= limit || page == nil || page == oldest {
			break
		}
	}
	return nil
}

// Visit walks all cached pages in LRU order. If the callback returns true
// the page is removed from the cache.
func (c *Cache) Visit(cb func(*Page) (bool, error)) error {
	head := c.totallist
	for head != nil {
		next := head.next[listCache]
		remove, err := cb(head)
		if err != nil {
			return err
		}
		if remove {
			c.RemovePage(head)
		}
		head = next
	}
	return nil
}

// CheckIntegrity verifies that bucket and LRU membership agree.
func (c *Cache) CheckIntegrity() error {
	var elements uint64
	seen := make(map[uint64]bool)
	for p := c.totallist; p != nil; p = p.next[listCache] {
		if seen[p.address] {
			return common.ErrIntegrityViolated
		}
		seen[p.address] = true
		elements++

		h := c.hash(p.address)
		found := false
		for b := c.buckets[h]; b != nil; b = b.next[listBucket] {
			if b == p {
				found = true
				break
			}
		}
		if !found {
			return common.ErrIntegrityViolated
		}
	}
	if elements != c.curElements {
		return common.ErrIntegrityViolated
	}
	return nil
}

// Metrics fills in the cache counters.
func (c *Cache) Metrics(m *common.Metrics) {
	m.CacheHits = c.hits
	m.CacheMisses = c.misses
	m.CacheElements = c.curElements
}
