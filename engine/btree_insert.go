package engine

import (
	"github.com/intellect4all/hamdb/common"
)

type insertResult struct {
	split   bool
	sepKey  []byte
	newAddr uint64
}

// Insert adds or updates a key. OpOverwrite replaces the record of an
// existing key, OpDuplicate adds another record to it; without either
// flag an existing key fails with common.ErrDuplicateKey.
func (bt *BtreeIndex) Insert(key *Key, record *Record, flags uint32) error {
	if bt.rootAddr() == 0 {
		if err := bt.createRoot(); err != nil {
			return err
		}
	}

	hints := bt.stats.getInsertHints()
	res, err := bt.insertAt(bt.rootAddr(), key, record, flags, hints)
	if err != nil {
		bt.stats.opFailed(opInsert)
		return err
	}

	if res.split {
		if err := bt.splitRoot(res); err != nil {
			return err
		}
	}
	return nil
}

// splitRoot grows the tree by one level after the old root overflowed.
func (bt *BtreeIndex) splitRoot(res insertResult) error {
	oldRootAddr := bt.rootAddr()
	oldRoot, err := bt.fetchNode(oldRootAddr)
	if err != nil {
		return err
	}
	oldRoot.page.SetType(PageTypeBindex)
	oldRoot.page.SetDirty(true)

	page, err := bt.env().pageManager.AllocPage(bt.db, PageTypeBroot, pmClearWithZero)
	if err != nil {
		return err
	}
	root := nodeFromPage(bt.db, page)
	root.setPtrLeft(oldRootAddr)
	root.insertSlotAt(0)
	if err := root.writeKey(0, res.sepKey); err != nil {
		return err
	}
	root.setRid(0, res.newAddr)
	root.setFlags(0, root.flags(0)|kInitialized)

	return bt.setRootAddr(page.Address())
}

func (bt *BtreeIndex) insertAt(addr uint64, key *Key, record *Record,
	flags uint32, hints insertHints) (insertResult, error) {

	node, err := bt.fetchNode(addr)
	if err != nil {
		return insertResult{}, err
	}

	if node.isLeaf() {
		return bt.insertIntoLeaf(node, key, record, flags, hints)
	}

	childAddr, err := bt.childFor(node, key.Data)
	if err != nil {
		return insertResult{}, err
	}
	res, err := bt.insertAt(childAddr, key, record, flags, hints)
	if err != nil || !res.split {
		return insertResult{}, err
	}

	// the child split; insert the separator here, possibly splitting again
	node, err = bt.fetchNode(addr)
	if err != nil {
		return insertResult{}, err
	}
	return bt.insertSeparator(node, res.sepKey, res.newAddr)
}

func (bt *BtreeIndex) insertIntoLeaf(node btreeNode, key *Key, record *Record,
	flags uint32, hints insertHints) (insertResult, error) {

	idx, exact, err := node.search(key.Data)
	if err != nil {
		return insertResult{}, err
	}

	if exact {
		return insertResult{}, bt.updateSlot(node, idx, record, flags)
	}

	if node.count() < node.maxKeys() {
		if err := bt.insertFreshSlot(node, idx, key, record, flags); err != nil {
			return insertResult{}, err
		}
		return insertResult{}, nil
	}

	// no capacity: split, then insert into the matching half
	sepKey, right, err := bt.splitLeaf(node, idx, hints)
	if err != nil {
		return insertResult{}, err
	}

	target := node
	if bt.db.keyCompare(key.Data, sepKey) >= 0 {
		target = right
	}
	idx, _, err = target.search(key.Data)
	if err != nil {
		return insertResult{}, err
	}
	if err := bt.insertFreshSlot(target, idx, key, record, flags); err != nil {
		return insertResult{}, err
	}

	return insertResult{split: true, sepKey: sepKey, newAddr: right.page.Address()}, nil
}

// insertFreshSlot writes a brand-new key entry at idx.
func (bt *BtreeIndex) insertFreshSlot(node btreeNode, idx int, key *Key,
	record *Record, flags uint32) error {

	if err := node.page.uncoupleAllCursors(idx); err != nil {
		return err
	}
	node.insertSlotAt(idx)
	if err := node.writeKey(idx, key.Data); err != nil {
		return err
	}
	if err := bt.writeRecord(node, idx, record, flags, true); err != nil {
		return err
	}
	node.setFlags(idx, node.flags(idx)|kInitialized)

	bt.stats.insertSucceeded(node.page.Address(), idx, node.count()-1)
	return nil
}

// updateSlot handles an insert that hit an existing key.
func (bt *BtreeIndex) updateSlot(node btreeNode, idx int, record *Record, flags uint32) error {
	switch {
	case flags&OpDuplicate != 0:
		return bt.insertDuplicate(node, idx, record, flags, 0)
	case flags&OpOverwrite != 0:
		if node.flags(idx)&kExtendedDuplicates != 0 {
			return bt.overwriteDuplicate(node, idx, record, flags, 0)
		}
		if err := node.page.uncoupleAllCursors(idx); err != nil {
			return err
		}
		if err := bt.writeRecord(node, idx, record, flags, false); err != nil {
			return err
		}
		bt.stats.insertSucceeded(node.page.Address(), idx, node.count())
		return nil
	default:
		return common.ErrDuplicateKey
	}
}

// newDupeEntry encodes a record as a duplicate-table entry.
func (bt *BtreeIndex) newDupeEntry(record *Record, flags uint32) (dupeEntry, error) {
	if flags&OpPartial == 0 {
		if rid, f, ok := encodeInlineRecord(record.Data); ok {
			return dupeEntry{flags: f, rid: rid}, nil
		}
	}
	rid, err := bt.env().blobManager.Allocate(bt.db, record, flags)
	if err != nil {
		return dupeEntry{}, err
	}
	return dupeEntry{rid: rid}, nil
}

// insertDuplicate adds another record to the key at idx, creating the
// duplicate table on the second record.
func (bt *BtreeIndex) insertDuplicate(node btreeNode, idx int, record *Record,
	flags uint32, position uint32) error {

	entry, err := bt.newDupeEntry(record, flags)
	if err != nil {
		return err
	}

	slotFlags := node.flags(idx)
	if slotFlags&kExtendedDuplicates != 0 {
		tableID, _, err := bt.env().blobManager.DuplicateInsert(bt.db, node.rid(idx),
			record, position, flags&^OpOverwrite, []dupeEntry{entry})
		if err != nil {
			return err
		}
		node.setRid(idx, tableID)
	} else {
		existing := dupeEntry{flags: slotFlags & kRecordInline, rid: node.rid(idx)}
		tableID, _, err := bt.env().blobManager.DuplicateInsert(bt.db, 0,
			record, position, flags&^OpOverwrite, []dupeEntry{existing, entry})
		if err != nil {
			return err
		}
		node.setRid(idx, tableID)
		node.setFlags(idx, (slotFlags&^kRecordInline)|kExtendedDuplicates)
	}

	bt.stats.insertSucceeded(node.page.Address(), idx, node.count())
	return nil
}

// overwriteDuplicate replaces the duplicate at position.
func (bt *BtreeIndex) overwriteDuplicate(node btreeNode, idx int, record *Record,
	flags uint32, position uint32) error {

	entry, err := bt.newDupeEntry(record, flags)
	if err != nil {
		return err
	}
	tableID, _, err := bt.env().blobManager.DuplicateInsert(bt.db, node.rid(idx),
		record, position, OpOverwrite, []dupeEntry{entry})
	if err != nil {
		return err
	}
	node.setRid(idx, tableID)
	return nil
}

// writeRecord stores a record in a slot: tiny/small/empty records pack
// into the rid, everything else goes through the blob manager. Overwrites
// reuse the old blob when the new record still needs one.
func (bt *BtreeIndex) writeRecord(node btreeNode, idx int, record *Record,
	flags uint32, fresh bool) error {

	oldFlags := node.flags(idx)
	oldInline := oldFlags&kRecordInline != 0
	oldRid := node.rid(idx)

	if flags&OpPartial == 0 {
		if rid, f, ok := encodeInlineRecord(record.Data); ok {
			if !fresh && !oldInline && oldRid != 0 {
				if err := bt.env().blobManager.Free(bt.db, oldRid); err != nil {
					return err
				}
			}
			node.setRid(idx, rid)
			node.setFlags(idx, (oldFlags&^kRecordInline)|f)
			return nil
		}
	}

	var rid uint64
	var err error
	if !fresh && !oldInline && oldRid != 0 {
		rid, err = bt.env().blobManager.Overwrite(bt.db, oldRid, record, flags)
	} else {
		rid, err = bt.env().blobManager.Allocate(bt.db, record, flags)
	}
	if err != nil {
		return err
	}
	node.setRid(idx, rid)
	node.setFlags(idx, oldFlags&^kRecordInline)
	return nil
}

// splitLeaf divides a full leaf. The split point sits at the median unless
// the hints identify an append/prepend workload, in which case the split
// leaves one side nearly empty so the run can continue without further
// splits.
func (bt *BtreeIndex) splitLeaf(node btreeNode, insertIdx int, hints insertHints) ([]byte, btreeNode, error) {
	count := node.count()
	pivot := count / 2
	if hints.appendCount > appendBiasThreshold && insertIdx >= count {
		pivot = count - 1
	} else if hints.prependCount > appendBiasThreshold && insertIdx == 0 {
		pivot = 1
	}

	if err := node.page.uncoupleAllCursors(0); err != nil {
		return nil, btreeNode{}, err
	}

	page, err := bt.env().pageManager.AllocPage(bt.db, PageTypeBindex, pmClearWithZero)
	if err != nil {
		return nil, btreeNode{}, err
	}
	right := nodeFromPage(bt.db, page)

	right.copySlots(node, pivot, 0, count-pivot)
	right.setCount(count - pivot)
	node.setCount(pivot)

	// link into the leaf chain
	right.setRight(node.right())
	right.setLeft(node.page.Address())
	if next := node.right(); next != 0 {
		nextNode, err := bt.fetchNode(next)
		if err != nil {
			return nil, btreeNode{}, err
		}
		nextNode.setLeft(page.Address())
	}
	node.setRight(page.Address())

	sep, err := right.getKey(0)
	if err != nil {
		return nil, btreeNode{}, err
	}
	sepKey := append([]byte(nil), sep...)

	bt.stats.resetPage(node.page.Address())
	return sepKey, right, nil
}

// insertSeparator adds (sepKey -> childAddr) to an internal node,
// splitting it when full.
func (bt *BtreeIndex) insertSeparator(node btreeNode, sepKey []byte, childAddr uint64) (insertResult, error) {
	idx, _, err := node.search(sepKey)
	if err != nil {
		return insertResult{}, err
	}

	if node.count() < node.maxKeys() {
		node.insertSlotAt(idx)
		if err := node.writeKey(idx, sepKey); err != nil {
			return insertResult{}, err
		}
		node.setRid(idx, childAddr)
		node.setFlags(idx, node.flags(idx)|kInitialized)
		return insertResult{}, nil
	}

	promoted, right, err := bt.splitInternal(node)
	if err != nil {
		return insertResult{}, err
	}

	target := node
	if bt.db.keyCompare(sepKey, promoted) >= 0 {
		target = right
	}
	idx, _, err = target.search(sepKey)
	if err != nil {
		return insertResult{}, err
	}
	target.insertSlotAt(idx)
	if err := target.writeKey(idx, sepKey); err != nil {
		return insertResult{}, err
	}
	target.setRid(idx, childAddr)
	target.setFlags(idx, target.flags(idx)|kInitialized)

	return insertResult{split: true, sepKey: promoted, newAddr: right.page.Address()}, nil
}

// splitInternal divides a full internal node, promoting the median key.
func (bt *BtreeIndex) splitInternal(node btreeNode) ([]byte, btreeNode, error) {
	count := node.count()
	pivot := count / 2

	sep, err := node.getKey(pivot)
	if err != nil {
		return nil, btreeNode{}, err
	}
	promoted := append([]byte(nil), sep...)

	page, err := bt.env().pageManager.AllocPage(bt.db, PageTypeBindex, pmClearWithZero)
	if err != nil {
		return nil, btreeNode{}, err
	}
	right := nodeFromPage(bt.db, page)

	// the promoted slot's child becomes the right node's leftmost child;
	// its extended-key blob is freed (the promoted copy already holds the
	// full key bytes) and the slot is discarded
	right.setPtrLeft(node.rid(pivot))
	if node.flags(pivot)&kExtendedKey != 0 {
		if err := bt.env().blobManager.Free(bt.db, node.extKeyBlobid(pivot)); err != nil {
			return nil, btreeNode{}, err
		}
	}

	right.copySlots(node, pivot+1, 0, count-pivot-1)
	right.setCount(count - pivot - 1)
	node.setCount(pivot)

	bt.stats.resetPage(node.page.Address())
	return promoted, right, nil
}
