package engine

import (
	"github.com/intellect4all/hamdb/common"
)

// Erase removes a key and everything it references. For keys with
// duplicates the whole duplicate table goes away; EraseDuplicate removes a
// single entry instead.
func (bt *BtreeIndex) Erase(key *Key, flags uint32) error {
	if bt.rootAddr() == 0 {
		return common.ErrKeyNotFound
	}
	if err := bt.eraseAt(bt.rootAddr(), key.Data); err != nil {
		bt.stats.opFailed(opErase)
		return err
	}
	return bt.shrinkRoot()
}

// EraseDuplicate removes the duplicate at position. When the last entry
// disappears the whole key is erased.
func (bt *BtreeIndex) EraseDuplicate(key *Key, position uint32, flags uint32) error {
	node, slot, err := bt.FindSlot(key, 0)
	if err != nil {
		return err
	}
	if node.flags(slot)&kExtendedDuplicates == 0 {
		if position > 0 {
			return common.ErrKeyNotFound
		}
		return bt.Erase(key, flags)
	}

	newTableID, err := bt.env().blobManager.DuplicateErase(bt.db, node.rid(slot), position, flags)
	if err != nil {
		return err
	}
	if newTableID == 0 {
		// the table is gone; clear the slot flag so Erase does not try to
		// free it again
		node.setFlags(slot, (node.flags(slot)&^kExtendedDuplicates)|kBlobSizeEmpty)
		node.setRid(slot, 0)
		return bt.Erase(key, flags)
	}
	node.setRid(slot, newTableID)
	bt.stats.opSucceeded(opErase, node.page.Address())
	return nil
}

// shrinkRoot collapses an empty internal root down to its only child.
func (bt *BtreeIndex) shrinkRoot() error {
	root, err := bt.fetchNode(bt.rootAddr())
	if err != nil {
		return err
	}
	if root.isLeaf() || root.count() > 0 {
		return nil
	}
	newRootAddr := root.ptrLeft()
	newRoot, err := bt.fetchNode(newRootAddr)
	if err != nil {
		return err
	}
	newRoot.page.SetType(PageTypeBroot)
	newRoot.page.SetDirty(true)

	bt.stats.resetPage(root.page.Address())
	if err := bt.env().pageManager.FreePage(root.page); err != nil {
		return err
	}
	return bt.setRootAddr(newRootAddr)
}

func (bt *BtreeIndex) eraseAt(addr uint64, key []byte) error {
	node, err := bt.fetchNode(addr)
	if err != nil {
		return err
	}

	if node.isLeaf() {
		idx, exact, err := node.search(key)
		if err != nil {
			return err
		}
		if !exact {
			return common.ErrKeyNotFound
		}
		if err := node.page.uncoupleAllCursors(idx); err != nil {
			return err
		}
		if err := bt.freeSlotResources(node, idx); err != nil {
			return err
		}
		node.removeSlotAt(idx)
		bt.stats.opSucceeded(opErase, node.page.Address())
		return nil
	}

	childPos, childAddr, err := bt.childPosFor(node, key)
	if err != nil {
		return err
	}
	if err := bt.eraseAt(childAddr, key); err != nil {
		return err
	}

	// the recursion may have moved pages through the cache
	node, err = bt.fetchNode(addr)
	if err != nil {
		return err
	}
	return bt.rebalanceChild(node, childPos)
}

// childPosFor returns the parent slot of the child covering key; position
// -1 stands for ptrLeft.
func (bt *BtreeIndex) childPosFor(node btreeNode, key []byte) (int, uint64, error) {
	idx, exact, err := node.search(key)
	if err != nil {
		return 0, 0, err
	}
	if exact {
		return idx, node.rid(idx), nil
	}
	if idx == 0 {
		return -1, node.ptrLeft(), nil
	}
	return idx - 1, node.rid(idx - 1), nil
}

func (bt *BtreeIndex) childAddrAt(node btreeNode, pos int) uint64 {
	if pos < 0 {
		return node.ptrLeft()
	}
	return node.rid(pos)
}

// removeInternalSlot drops a separator slot, releasing only its extended
// key; the rid is a child address, never a blob.
func (bt *BtreeIndex) removeInternalSlot(node btreeNode, idx int) error {
	if node.flags(idx)&kExtendedKey != 0 {
		if err := bt.env().blobManager.Free(bt.db, node.extKeyBlobid(idx)); err != nil {
			return err
		}
	}
	node.removeSlotAt(idx)
	return nil
}

// replaceSeparator rewrites the key of a separator slot in place.
func (bt *BtreeIndex) replaceSeparator(node btreeNode, idx int, key []byte) error {
	if node.flags(idx)&kExtendedKey != 0 {
		if err := bt.env().blobManager.Free(bt.db, node.extKeyBlobid(idx)); err != nil {
			return err
		}
		node.setFlags(idx, node.flags(idx)&^kExtendedKey)
	}
	return node.writeKey(idx, key)
}

// rebalanceChild restores the minimum fill of the child at childPos after
// an erase, either by borrowing from a sibling or by merging with one.
// Merges cascade upwards through the callers.
func (bt *BtreeIndex) rebalanceChild(parent btreeNode, childPos int) error {
	child, err := bt.fetchNode(bt.childAddrAt(parent, childPos))
	if err != nil {
		return err
	}
	minKeys := child.maxKeys() / mergeDivisor
	if child.count() >= minKeys {
		return nil
	}

	// try the right sibling first, then the left
	if childPos+1 <= parent.count()-1 {
		right, err := bt.fetchNode(parent.rid(childPos + 1))
		if err != nil {
			return err
		}
		if right.count() > minKeys {
			return bt.borrowFromRight(parent, childPos, child, right)
		}
		return bt.mergeWithRight(parent, childPos, child, right)
	}
	if childPos >= 0 {
		left, err := bt.fetchNode(bt.childAddrAt(parent, childPos-1))
		if err != nil {
			return err
		}
		if left.count() > minKeys {
			return bt.borrowFromLeft(parent, childPos, child, left)
		}
		return bt.mergeWithRight(parent, childPos-1, left, child)
	}
	// no sibling at all: the parent is about to shrink anyway
	return nil
}

func (bt *BtreeIndex) borrowFromRight(parent btreeNode, childPos int, child, right btreeNode) error {
	if err := child.page.uncoupleAllCursors(0); err != nil {
		return err
	}
	if err := right.page.uncoupleAllCursors(0); err != nil {
		return err
	}

	if child.isLeaf() {
		child.copySlots(right, 0, child.count(), 1)
		child.setCount(child.count() + 1)
		right.removeSlotAt(0)

		sep, err := right.getKey(0)
		if err != nil {
			return err
		}
		return bt.replaceSeparator(parent, childPos+1, sep)
	}

	// rotate through the parent separator
	sep, err := parent.getKey(childPos + 1)
	if err != nil {
		return err
	}
	idx := child.count()
	child.insertSlotAt(idx)
	if err := child.writeKey(idx, sep); err != nil {
		return err
	}
	child.setRid(idx, right.ptrLeft())
	child.setFlags(idx, child.flags(idx)|kInitialized)

	newSep, err := right.getKey(0)
	if err != nil {
		return err
	}
	newSep = append([]byte(nil), newSep...)
	right.setPtrLeft(right.rid(0))
	if err := bt.removeInternalSlot(right, 0); err != nil {
		return err
	}
	return bt.replaceSeparator(parent, childPos+1, newSep)
}

func (bt *BtreeIndex) borrowFromLeft(parent btreeNode, childPos int, child, left btreeNode) error {
	if err := child.page.uncoupleAllCursors(0); err != nil {
		return err
	}
	if err := left.page.uncoupleAllCursors(0); err != nil {
		return err
	}
	last := left.count() - 1

	if child.isLeaf() {
		child.insertSlotAt(0)
		child.copySlots(left, last, 0, 1)
		left.setCount(last)

		sep, err := child.getKey(0)
		if err != nil {
			return err
		}
		return bt.replaceSeparator(parent, childPos, sep)
	}

	sep, err := parent.getKey(childPos)
	if err != nil {
		return err
	}
	sep = append([]byte(nil), sep...)
	child.insertSlotAt(0)
	if err := child.writeKey(0, sep); err != nil {
		return err
	}
	child.setRid(0, child.ptrLeft())
	child.setFlags(0, child.flags(0)|kInitialized)

	newSep, err := left.getKey(last)
	if err != nil {
		return err
	}
	newSep = append([]byte(nil), newSep...)
	child.setPtrLeft(left.rid(last))
	if err := bt.removeInternalSlot(left, last); err != nil {
		return err
	}
	return bt.replaceSeparator(parent, childPos, newSep)
}

// mergeWithRight folds the right sibling into child and drops its
// separator from the parent. The freed page returns to the freelist.
func (bt *BtreeIndex) mergeWithRight(parent btreeNode, childPos int, child, right btreeNode) error {
	if err := child.page.uncoupleAllCursors(0); err != nil {
		return err
	}
	if err := right.page.uncoupleAllCursors(0); err != nil {
		return err
	}

	if child.isLeaf() {
		child.copySlots(right, 0, child.count(), right.count())
		child.setCount(child.count() + right.count())

		child.setRight(right.right())
		if next := right.right(); next != 0 {
			nextNode, err := bt.fetchNode(next)
			if err != nil {
				return err
			}
			nextNode.setLeft(child.page.Address())
		}
	} else {
		sep, err := parent.getKey(childPos + 1)
		if err != nil {
			return err
		}
		sep = append([]byte(nil), sep...)
		idx := child.count()
		child.insertSlotAt(idx)
		if err := child.writeKey(idx, sep); err != nil {
			return err
		}
		child.setRid(idx, right.ptrLeft())
		child.setFlags(idx, child.flags(idx)|kInitialized)

		child.copySlots(right, 0, child.count(), right.count())
		child.setCount(child.count() + right.count())
	}

	if err := bt.removeInternalSlot(parent, childPos+1); err != nil {
		return err
	}

	bt.stats.resetPage(right.page.Address())
	return bt.env().pageManager.FreePage(right.page)
}
