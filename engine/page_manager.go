package engine

import (
	"github.com/intellect4all/hamdb/common"
)

// PageManager flags for AllocPage / FetchPage.
const (
	// pmIgnoreFreelist always extends the device instead of asking the
	// freelist first.
	pmIgnoreFreelist uint32 = 1 << iota

	// pmClearWithZero zeroes the page payload after allocation.
	pmClearWithZero

	// pmOnlyFromCache never touches the device on a cache miss.
	pmOnlyFromCache

	// pmReadOnly skips the changeset bookkeeping for pages that are
	// fetched during recovery or diagnostics.
	pmReadOnly
)

// purgeLimit caps the number of pages evicted per purge run.
const purgeLimit = 20

// PageManager composes the cache, the freelist and the device. Every page
// enters and leaves the system through it.
type PageManager struct {
	env      *Environment
	cache    *Cache
	freelist *Freelist

	pagesFetched      uint64
	pagesFlushed      uint64
	pageCountIndex    uint64
	pageCountBlob     uint64
	pageCountFreelist uint64
}

// NewPageManager creates the page manager for an environment.
func NewPageManager(env *Environment, cacheSize uint64) *PageManager {
	pm := &PageManager{
		env:   env,
		cache: NewCache(env, cacheSize),
	}
	if env.config.Flags&FlagInMemory == 0 {
		pm.freelist = NewFreelist(env)
	}
	return pm
}

// Cache exposes the page cache, mostly for tests and diagnostics.
func (pm *PageManager) Cache() *Cache {
	return pm.cache
}

// Freelist exposes the freelist; nil for in-memory environments.
func (pm *PageManager) Freelist() *Freelist {
	return pm.freelist
}

// FetchPage returns the page at the given address. Cache hits are free;
// misses read from the device unless pmOnlyFromCache is set. Fetched pages
// join the current changeset when recovery is enabled.
func (pm *PageManager) FetchPage(db *Database, address uint64, flags uint32) (*Page, error) {
	if page := pm.cache.GetPage(address); page != nil {
		if flags&pmReadOnly == 0 {
			pm.env.addToChangeset(page)
		}
		return page, nil
	}

	if flags&pmOnlyFromCache != 0 {
		return nil, nil
	}

	if pm.cache.IsFull() && pm.env.config.Flags&FlagCacheStrict != 0 {
		return nil, common.ErrCacheFull
	}

	page := NewPage(pm.env.device, db)
	if err := page.Fetch(address); err != nil {
		return nil, err
	}

	pm.cache.PutPage(page)
	if flags&pmReadOnly == 0 {
		pm.env.addToChangeset(page)
	}
	pm.pagesFetched++
	metricPagesFetched.Inc()
	return page, nil
}

// AllocPage returns a fresh page of the given type. The freelist is
// consulted first unless pmIgnoreFreelist is set; otherwise the device
// grows by one page. A fresh page is always dirty.
func (pm *PageManager) AllocPage(db *Database, pageType uint32, flags uint32) (*Page, error) {
	var page *Page

	if flags&pmIgnoreFreelist == 0 && pm.freelist != nil {
		addr, err := pm.freelist.AllocPage()
		if err != nil {
			return nil, err
		}
		if addr > 0 {
			if page = pm.cache.GetPage(addr); page == nil {
				page = NewPage(pm.env.device, db)
				if err := page.Fetch(addr); err != nil {
					return nil, err
				}
			}
		}
	}

	if page == nil {
		if pm.cache.IsFull() && pm.env.config.Flags&FlagCacheStrict != 0 {
			return nil, common.ErrCacheFull
		}
		page = NewPage(pm.env.device, db)
		if err := page.Allocate(); err != nil {
			return nil, err
		}
	}

	page.db = db
	page.flags &^= pageNpersDeletePending | pageNpersNoHeader
	page.SetType(pageType)
	page.SetDirty(true)

	if flags&pmClearWithZero != 0 {
		payload := page.Payload()
		for i := range payload {
			payload[i] = 0
		}
	}

	pm.env.addToChangeset(page)
	pm.cache.PutPage(page)

	switch pageType {
	case PageTypeBroot, PageTypeBindex:
		pm.pageCountIndex++
		metricPagesIndex.Inc()
	case PageTypeFreelist:
		pm.pageCountFreelist++
		metricPagesFreelist.Inc()
	case PageTypeBlob:
		pm.pageCountBlob++
		metricPagesBlob.Inc()
	}

	return page, nil
}

// AllocBlob asks the freelist for a chunk-aligned area. Returns address 0
// when the caller has to allocate fresh space.
func (pm *PageManager) AllocBlob(size uint32) (uint64, error) {
	if pm.freelist == nil {
		return 0, nil
	}
	return pm.freelist.AllocArea(size)
}

// FlushPage writes a dirty page to the device.
func (pm *PageManager) FlushPage(page *Page) error {
	if !page.IsDirty() {
		return nil
	}
	if err := page.Flush(); err != nil {
		return err
	}
	pm.pagesFlushed++
	metricPagesFlushed.Inc()
	return nil
}

// FlushAllPages flushes every dirty cached page; when keepCached is false
// the pages are also evicted.
func (pm *PageManager) FlushAllPages(keepCached bool) error {
	return pm.cache.Visit(func(page *Page) (bool, error) {
		if err := pm.FlushPage(page); err != nil {
			return false, err
		}
		if keepCached {
			return false, nil
		}
		if err := page.uncoupleAllCursors(0); err != nil {
			return false, err
		}
		return true, nil
	})
}

// PurgeCache evicts cold pages when the cache exceeds its capacity.
func (pm *PageManager) PurgeCache() error {
	if pm.env.config.Flags&FlagInMemory != 0 {
		return nil
	}
	if !pm.cache.IsFull() {
		return nil
	}
	return pm.cache.Purge(func(page *Page) error {
		if err := page.uncoupleAllCursors(0); err != nil {
			return err
		}
		return pm.FlushPage(page)
	}, purgeLimit)
}

// FreePage returns a page to the freelist and drops it from the cache.
func (pm *PageManager) FreePage(page *Page) error {
	if err := page.uncoupleAllCursors(0); err != nil {
		return err
	}
	page.flags |= pageNpersDeletePending
	page.SetDirty(false)
	pm.cache.RemovePage(page)
	pm.env.changeset.Remove(page)
	if pm.freelist != nil {
		return pm.freelist.MarkFree(page.Address(), pm.env.pageSize, false)
	}
	return nil
}

// CloseDatabase flushes and evicts all pages belonging to db.
func (pm *PageManager) CloseDatabase(db *Database) error {
	return pm.cache.Visit(func(page *Page) (bool, error) {
		if page.db != db || page.IsHeader() {
			return false, nil
		}
		if err := pm.FlushPage(page); err != nil {
			return false, err
		}
		if err := page.uncoupleAllCursors(0); err != nil {
			return false, err
		}
		return true, nil
	})
}

// CheckIntegrity delegates to the cache.
func (pm *PageManager) CheckIntegrity() error {
	return pm.cache.CheckIntegrity()
}

// Metrics fills in the page manager counters.
func (pm *PageManager) Metrics(m *common.Metrics) {
	m.PagesFetched = pm.pagesFetched
	m.PagesFlushed = pm.pagesFlushed
	m.PageCountIndex = pm.pageCountIndex
	m.PageCountBlob = pm.pageCountBlob
	m.PageCountFreelist = pm.pageCountFreelist
	pm.cache.Metrics(m)
	if pm.freelist != nil {
		pm.freelist.Metrics(m)
	}
}
