package engine

import (
	"encoding/binary"
)

// Persistent page types, stored in the high bits of the page header flags.
const (
	PageTypeUnknown  uint32 = 0x00000000
	PageTypeHeader   uint32 = 0x10000000
	PageTypeBroot    uint32 = 0x20000000
	PageTypeBindex   uint32 = 0x30000000
	PageTypeFreelist uint32 = 0x40000000
	PageTypeBlob     uint32 = 0x50000000
)

// Non-persistent page flags.
const (
	// pageNpersMalloc marks a page whose buffer was heap-allocated (as
	// opposed to mapped); only such pages are eligible for cache purge.
	pageNpersMalloc uint32 = 1 << iota

	// pageNpersDeletePending marks a page that will be freed when the
	// current operation completes; the cache must not hand it out.
	pageNpersDeletePending

	// pageNpersNoHeader marks blob overflow pages whose full payload is
	// data; they never carry the persistent page header.
	pageNpersNoHeader
)

// The persistent page header: flags (type) plus two reserved words.
const pageHeaderSize = 12

// Page lists a page can be a member of. The prev/next link pairs are part
// of the Page itself so that membership changes never allocate.
const (
	listBucket = iota // hash bucket chain of the cache
	listCache         // LRU chain of all cached pages
	listChangeset     // pages dirtied by the current operation
	maxLists
)

// Page is the fixed-size I/O and caching unit. It is constructed empty,
// bound to a device, and then either allocated (fresh) or fetched from
// disk.
type Page struct {
	address uint64
	device  Device
	db      *Database

	// non-persistent flags and the dirty bit
	flags uint32
	dirty bool

	// raw page bytes, including the persistent header
	data []byte

	// chain of btree cursors coupled into this page
	cursors *BtreeCursor

	prev [maxLists]*Page
	next [maxLists]*Page
}

// NewPage returns an empty page bound to a device.
func NewPage(device Device, db *Database) *Page {
	return &Page{
		device: device,
		db:     db,
		flags:  pageNpersMalloc,
		data:   make([]byte, device.PageSize()),
	}
}

// Address returns the page's byte offset in the file.
func (p *Page) Address() uint64 {
	return p.address
}

// IsHeader reports whether this is the header page (page 0).
func (p *Page) IsHeader() bool {
	return p.address == 0
}

// Type returns the persistent page type.
func (p *Page) Type() uint32 {
	return binary.LittleEndian.Uint32(p.data[0:4])
}

// SetType stores the persistent page type.
func (p *Page) SetType(t uint32) {
	binary.LittleEndian.PutUint32(p.data[0:4], t)
}

// IsDirty reports whether the page needs to be flushed.
func (p *Page) IsDirty() bool {
	return p.dirty
}

// SetDirty marks or clears the dirty bit.
func (p *Page) SetDirty(dirty bool) {
	p.dirty = dirty
}

// Payload returns the page bytes after the persistent header.
func (p *Page) Payload() []byte {
	return p.data[pageHeaderSize:]
}

// RawPayload returns the whole page, header included. Blob overflow pages
// (pageNpersNoHeader) use this as pure data space.
func (p *Page) RawPayload() []byte {
	return p.data
}

// Allocate extends the device by one page and binds this page to the new
// address.
func (p *Page) Allocate() error {
	if err := p.device.AllocPage(p); err != nil {
		return err
	}
	p.dirty = true
	return nil
}

// Fetch reads the page at the given address from the device.
func (p *Page) Fetch(address uint64) error {
	p.address = address
	if err := p.device.ReadPage(p); err != nil {
		return err
	}
	p.dirty = false
	return nil
}

// Flush writes the page if it is dirty.
func (p *Page) Flush() error {
	if !p.dirty {
		return nil
	}
	if err := p.device.WritePage(p); err != nil {
		return err
	}
	p.dirty = false
	return nil
}

// list helpers; insert/remove return the new list head.

func (p *Page) listInsert(head *Page, which int) *Page {
	p.next[which] = nil
	p.prev[which] = nil
	if head == nil {
		return p
	}
	p.next[which] = head
	head.prev[which] = p
	return p
}

func (p *Page) listRemove(head *Page, which int) *Page {
	if p == head {
		n := p.next[which]
		if n != nil {
			n.prev[which] = nil
		}
		p.next[which] = nil
		p.prev[which] = nil
		return n
	}
	n, pr := p.next[which], p.prev[which]
	if pr != nil {
		pr.next[which] = n
	}
	if n != nil {
		n.prev[which] = pr
	}
	p.next[which] = nil
	p.prev[which] = nil
	return head
}

func (p *Page) isInList(head *Page, which int) bool {
	return p.next[which] != nil || p.prev[which] != nil || head == p
}

// addCursor couples a btree cursor to this page.
func (p *Page) addCursor(c *BtreeCursor) {
	c.nextInPage = p.cursors
	c.prevInPage = nil
	if p.cursors != nil {
		p.cursors.prevInPage = c
	}
	p.cursors = c
}

// removeCursor uncouples a btree cursor from this page.
func (p *Page) removeCursor(c *BtreeCursor) {
	if c.prevInPage != nil {
		c.prevInPage.nextInPage = c.nextInPage
	} else if p.cursors == c {
		p.cursors = c.nextInPage
	}
	if c.nextInPage != nil {
		c.nextInPage.prevInPage = c.prevInPage
	}
	c.nextInPage = nil
	c.prevInPage = nil
}

// uncoupleAllCursors detaches every cursor that points into this page at
// slot >= start. Called before any in-place mutation or eviction.
func (p *Page) uncoupleAllCursors(start int) error {
	c := p.cursors
	for c != nil {
		next := c.nextInPage
		if c.slot >= start {
			if err := c.uncouple(); err != nil {
				return err
			}
		}
		c = next
	}
	return nil
}
