package engine

import (
	"github.com/intellect4all/hamdb/common"
)

// Find looks up key and fills record. Exact matches are the default;
// OpFindLT/LE/GT/GE return the nearest neighbour in the requested
// direction, decorate key.Flags with KeyLower/KeyGreater and replace
// key.Data with the actual key found.
func (bt *BtreeIndex) Find(key *Key, record *Record, flags uint32) error {
	node, slot, err := bt.FindSlot(key, flags)
	if err != nil {
		bt.stats.opFailed(opFind)
		return err
	}
	bt.stats.opSucceeded(opFind, node.page.Address())

	if record == nil {
		return nil
	}
	slotFlags := node.flags(slot)
	if slotFlags&kExtendedDuplicates != 0 {
		// a find returns the first duplicate
		entry, err := bt.env().blobManager.DuplicateGet(bt.db, node.rid(slot), 0)
		if err != nil {
			return err
		}
		if entry.isInline() {
			record.Data = decodeInlineRecord(entry.rid, entry.flags)
			return nil
		}
		return bt.env().blobManager.Read(bt.db, entry.rid, record, flags)
	}
	return bt.readRecord(node.rid(slot), slotFlags, record, flags)
}

// FindSlot locates the leaf slot for key, honouring the approximate
// matching flags. The previous successful find's leaf is probed first
// when its fingerprint still matches.
func (bt *BtreeIndex) FindSlot(key *Key, flags uint32) (btreeNode, int, error) {
	key.Flags &^= KeyApproximate

	node, ok, err := bt.tryFastTrack(key)
	if err != nil {
		return btreeNode{}, 0, err
	}
	if !ok {
		node, err = bt.findLeaf(key.Data)
		if err != nil {
			return btreeNode{}, 0, err
		}
	}

	idx, exact, err := node.search(key.Data)
	if err != nil {
		return btreeNode{}, 0, err
	}

	if exact {
		if flags&OpFindLT != 0 {
			return bt.neighbour(node, idx-1, key, KeyLower)
		}
		if flags&OpFindGT != 0 {
			return bt.neighbour(node, idx+1, key, KeyGreater)
		}
		return node, idx, nil
	}

	switch {
	case flags&(OpFindLE|OpFindLT) != 0:
		return bt.neighbour(node, idx-1, key, KeyLower)
	case flags&(OpFindGE|OpFindGT) != 0:
		return bt.neighbour(node, idx, key, KeyGreater)
	default:
		return btreeNode{}, 0, common.ErrKeyNotFound
	}
}

// tryFastTrack probes the hinted leaf. The hint only holds when the key
// falls inside the leaf's key range (or beyond its last key while the
// leaf has no right sibling).
func (bt *BtreeIndex) tryFastTrack(key *Key) (btreeNode, bool, error) {
	hints := bt.stats.getFindHints()
	if !hints.tryFastTrack {
		return btreeNode{}, false, nil
	}
	page, err := bt.env().pageManager.FetchPage(bt.db, hints.leafAddr, pmOnlyFromCache)
	if err != nil || page == nil {
		return btreeNode{}, false, err
	}
	if t := page.Type(); t != PageTypeBroot && t != PageTypeBindex {
		return btreeNode{}, false, nil
	}
	node := nodeFromPage(bt.db, page)
	if !node.isLeaf() || node.count() == 0 {
		return btreeNode{}, false, nil
	}

	cmpFirst, err := node.compareKey(key.Data, 0)
	if err != nil {
		return btreeNode{}, false, err
	}
	if cmpFirst < 0 && node.left() != 0 {
		return btreeNode{}, false, nil
	}
	cmpLast, err := node.compareKey(key.Data, node.count()-1)
	if err != nil {
		return btreeNode{}, false, err
	}
	if cmpLast > 0 && node.right() != 0 {
		return btreeNode{}, false, nil
	}
	return node, true, nil
}

// neighbour resolves an approximate match: slot idx of node, following the
// leaf chain when idx runs off either end. The found key replaces the
// caller's key and its flags are decorated.
func (bt *BtreeIndex) neighbour(node btreeNode, idx int, key *Key, decoration uint32) (btreeNode, int, error) {
	for idx < 0 {
		left := node.left()
		if left == 0 {
			return btreeNode{}, 0, common.ErrKeyNotFound
		}
		var err error
		node, err = bt.fetchNode(left)
		if err != nil {
			return btreeNode{}, 0, err
		}
		idx = node.count() - 1
	}
	for idx >= node.count() {
		right := node.right()
		if right == 0 {
			return btreeNode{}, 0, common.ErrKeyNotFound
		}
		var err error
		node, err = bt.fetchNode(right)
		if err != nil {
			return btreeNode{}, 0, err
		}
		idx = 0
		if node.count() == 0 {
			return btreeNode{}, 0, common.ErrKeyNotFound
		}
	}

	found, err := node.getKey(idx)
	if err != nil {
		return btreeNode{}, 0, err
	}
	key.Data = append([]byte(nil), found...)
	key.Flags |= decoration
	return node, idx, nil
}
