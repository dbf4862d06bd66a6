package engine

import (
	"github.com/intellect4all/hamdb/common"
)

// mergeDivisor controls the underflow threshold: a node with fewer than
// maxKeys/mergeDivisor entries is rebalanced after an erase.
const mergeDivisor = 4

// BtreeIndex is the on-disk index of one database: a B+tree whose leaves
// form a doubly-linked chain. All mutating entry points expect that the
// environment mutex is held.
type BtreeIndex struct {
	db    *Database
	stats BtreeStatistics
}

// NewBtreeIndex creates the index facade for a database.
func NewBtreeIndex(db *Database) *BtreeIndex {
	return &BtreeIndex{db: db}
}

func (bt *BtreeIndex) env() *Environment {
	return bt.db.env
}

// rootAddr reads the root page address from the database descriptor.
func (bt *BtreeIndex) rootAddr() uint64 {
	return bt.db.descriptor().rootAddress
}

func (bt *BtreeIndex) setRootAddr(addr uint64) error {
	desc := bt.db.descriptor()
	desc.rootAddress = addr
	return bt.db.writeDescriptor(desc)
}

// fetchNode fetches a page and wraps it as a node.
func (bt *BtreeIndex) fetchNode(addr uint64) (btreeNode, error) {
	page, err := bt.env().pageManager.FetchPage(bt.db, addr, 0)
	if err != nil {
		return btreeNode{}, err
	}
	if page == nil {
		return btreeNode{}, common.ErrInternal
	}
	return nodeFromPage(bt.db, page), nil
}

// createRoot allocates the first (empty leaf) root of a database.
func (bt *BtreeIndex) createRoot() error {
	page, err := bt.env().pageManager.AllocPage(bt.db, PageTypeBroot, pmClearWithZero)
	if err != nil {
		return err
	}
	return bt.setRootAddr(page.Address())
}

// findLeaf descends to the leaf that covers key.
func (bt *BtreeIndex) findLeaf(key []byte) (btreeNode, error) {
	node, err := bt.fetchNode(bt.rootAddr())
	if err != nil {
		return btreeNode{}, err
	}
	for !node.isLeaf() {
		child, err := bt.childFor(node, key)
		if err != nil {
			return btreeNode{}, err
		}
		node, err = bt.fetchNode(child)
		if err != nil {
			return btreeNode{}, err
		}
	}
	return node, nil
}

// childFor picks the child covering key: ptrLeft for keys below the first
// separator, otherwise the child of the last separator <= key.
func (bt *BtreeIndex) childFor(node btreeNode, key []byte) (uint64, error) {
	idx, exact, err := node.search(key)
	if err != nil {
		return 0, err
	}
	if exact {
		return node.rid(idx), nil
	}
	if idx == 0 {
		return node.ptrLeft(), nil
	}
	return node.rid(idx - 1), nil
}

// readRecord resolves a slot's rid into record bytes.
func (bt *BtreeIndex) readRecord(rid uint64, slotFlags uint8, record *Record, flags uint32) error {
	if slotFlags&kRecordInline != 0 {
		data := decodeInlineRecord(rid, slotFlags)
		if flags&OpPartial != 0 {
			if record.PartialOffset > uint32(len(data)) {
				return common.ErrInvalidParameter
			}
			end := record.PartialOffset + record.PartialSize
			if end > uint32(len(data)) {
				end = uint32(len(data))
			}
			data = data[record.PartialOffset:end]
		}
		record.Data = data
		return nil
	}
	return bt.env().blobManager.Read(bt.db, rid, record, flags)
}

// slotRecordSize returns the record size of a slot without reading it.
func (bt *BtreeIndex) slotRecordSize(node btreeNode, slot int) (uint64, error) {
	flags := node.flags(slot)
	switch {
	case flags&kBlobSizeEmpty != 0:
		return 0, nil
	case flags&kBlobSizeTiny != 0:
		return uint64(decodeInlineRecordLen(node.rid(slot))), nil
	case flags&kBlobSizeSmall != 0:
		return 8, nil
	default:
		return bt.env().blobManager.DataSize(bt.db, node.rid(slot))
	}
}

func decodeInlineRecordLen(rid uint64) int {
	return int(rid >> 56)
}

// freeSlotResources releases everything a slot references: the record
// blob or the whole duplicate table, and the extended-key blob.
func (bt *BtreeIndex) freeSlotResources(node btreeNode, slot int) error {
	flags := node.flags(slot)
	if flags&kExtendedDuplicates != 0 {
		if _, err := bt.env().blobManager.DuplicateErase(bt.db, node.rid(slot),
			0, OpEraseAllDuplicates); err != nil {
			return err
		}
	} else if flags&kRecordInline == 0 && node.rid(slot) != 0 {
		if err := bt.env().blobManager.Free(bt.db, node.rid(slot)); err != nil {
			return err
		}
	}
	if flags&kExtendedKey != 0 {
		if err := bt.env().blobManager.Free(bt.db, node.extKeyBlobid(slot)); err != nil {
			return err
		}
	}
	return nil
}

// Enumerate walks every leaf slot in key order. Used for bulk cleanup when
// a database is dropped and for key counting.
func (bt *BtreeIndex) Enumerate(cb func(node btreeNode, slot int) error) error {
	if bt.rootAddr() == 0 {
		return nil
	}
	node, err := bt.fetchNode(bt.rootAddr())
	if err != nil {
		return err
	}
	for !node.isLeaf() {
		node, err = bt.fetchNode(node.ptrLeft())
		if err != nil {
			return err
		}
	}
	for {
		for i := 0; i < node.count(); i++ {
			if err := cb(node, i); err != nil {
				return err
			}
		}
		right := node.right()
		if right == 0 {
			return nil
		}
		node, err = bt.fetchNode(right)
		if err != nil {
			return err
		}
	}
}

// KeyCount returns the number of keys (counting duplicates) in the tree.
func (bt *BtreeIndex) KeyCount() (uint64, error) {
	var count uint64
	err := bt.Enumerate(func(node btreeNode, slot int) error {
		if node.flags(slot)&kExtendedDuplicates != 0 {
			c, err := bt.env().blobManager.DuplicateGetCount(bt.db, node.rid(slot))
			if err != nil {
				return err
			}
			count += uint64(c)
			return nil
		}
		count++
		return nil
	})
	return count, err
}

// freeAllData releases every blob, duplicate table, extended key and page
// of the tree; called when the database is erased.
func (bt *BtreeIndex) freeAllData() error {
	if bt.rootAddr() == 0 {
		return nil
	}
	if err := bt.Enumerate(func(node btreeNode, slot int) error {
		return bt.freeSlotResources(node, slot)
	}); err != nil {
		return err
	}
	return bt.freePagesBelow(bt.rootAddr())
}

func (bt *BtreeIndex) freePagesBelow(addr uint64) error {
	node, err := bt.fetchNode(addr)
	if err != nil {
		return err
	}
	if !node.isLeaf() {
		if err := bt.freePagesBelow(node.ptrLeft()); err != nil {
			return err
		}
		for i := 0; i < node.count(); i++ {
			if err := bt.freePagesBelow(node.rid(i)); err != nil {
				return err
			}
		}
		// re-fetch: the recursion may have evicted the page
		node, err = bt.fetchNode(addr)
		if err != nil {
			return err
		}
	}
	bt.stats.resetPage(addr)
	return bt.env().pageManager.FreePage(node.page)
}
