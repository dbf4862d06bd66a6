package engine

import (
	"github.com/intellect4all/hamdb/common"
)

// BtreeCursor states.
const (
	bcNil = iota
	bcCoupled
	bcUncoupled
)

// BtreeCursor points into the btree, either coupled to a (page, slot)
// pair or uncoupled with a buffered copy of its key. Pages keep a chain of
// their coupled cursors so that any mutation or eviction can uncouple them
// first; an uncoupled cursor re-anchors itself on the next move.
type BtreeCursor struct {
	parent *Cursor
	db     *Database

	state int
	page  *Page
	slot  int
	dupe  uint32

	uncoupledKey []byte

	nextInPage, prevInPage *BtreeCursor
}

func newBtreeCursor(parent *Cursor, db *Database) *BtreeCursor {
	return &BtreeCursor{parent: parent, db: db, state: bcNil}
}

func (bc *BtreeCursor) isNil() bool {
	return bc.state == bcNil
}

func (bc *BtreeCursor) setToNil() {
	if bc.state == bcCoupled {
		bc.page.removeCursor(bc)
	}
	bc.state = bcNil
	bc.page = nil
	bc.uncoupledKey = nil
	bc.dupe = 0
}

func (bc *BtreeCursor) couple(node btreeNode, slot int, dupe uint32) {
	bc.setToNil()
	bc.state = bcCoupled
	bc.page = node.page
	bc.slot = slot
	bc.dupe = dupe
	node.page.addCursor(bc)
}

// uncouple buffers the key bytes and detaches from the page.
func (bc *BtreeCursor) uncouple() error {
	if bc.state != bcCoupled {
		return nil
	}
	node := nodeFromPage(bc.db, bc.page)
	key, err := node.getKey(bc.slot)
	if err != nil {
		return err
	}
	bc.uncoupledKey = append([]byte(nil), key...)
	bc.page.removeCursor(bc)
	bc.page = nil
	bc.state = bcUncoupled
	return nil
}

func (bc *BtreeCursor) node() btreeNode {
	return nodeFromPage(bc.db, bc.page)
}

// recouple re-anchors an uncoupled cursor at its buffered key or the next
// greater one. Returns true when the cursor already advanced past the
// buffered key (because that key is gone).
func (bc *BtreeCursor) recouple() (bool, error) {
	key := Key{Data: append([]byte(nil), bc.uncoupledKey...)}
	node, slot, err := bc.db.btree.FindSlot(&key, OpFindGE)
	if err != nil {
		return false, err
	}
	advanced := key.Flags&KeyGreater != 0
	dupe := bc.dupe
	if advanced {
		dupe = 0
	}
	bc.couple(node, slot, dupe)
	return advanced, nil
}

func (bc *BtreeCursor) find(key *Key, flags uint32) error {
	node, slot, err := bc.db.btree.FindSlot(key, flags)
	if err != nil {
		return err
	}
	bc.couple(node, slot, 0)
	return nil
}

// moveFirst positions at the smallest key of the tree.
func (bc *BtreeCursor) moveFirst() error {
	bt := bc.db.btree
	if bt.rootAddr() == 0 {
		return common.ErrKeyNotFound
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
	for node.count() == 0 {
		right := node.right()
		if right == 0 {
			return common.ErrKeyNotFound
		}
		node, err = bt.fetchNode(right)
		if err != nil {
			return err
		}
	}
	bc.couple(node, 0, 0)
	return nil
}

// moveLast positions at the greatest key, on its last duplicate.
func (bc *BtreeCursor) moveLast() error {
	bt := bc.db.btree
	if bt.rootAddr() == 0 {
		return common.ErrKeyNotFound
	}
	node, err := bt.fetchNode(bt.rootAddr())
	if err != nil {
		return err
	}
	for !node.isLeaf() {
		next := node.ptrLeft()
		if c := node.count(); c > 0 {
			next = node.rid(c - 1)
		}
		node, err = bt.fetchNode(next)
		if err != nil {
			return err
		}
	}
	for node.count() == 0 {
		left := node.left()
		if left == 0 {
			return common.ErrKeyNotFound
		}
		node, err = bt.fetchNode(left)
		if err != nil {
			return err
		}
	}
	slot := node.count() - 1
	dupe := uint32(0)
	if node.flags(slot)&kExtendedDuplicates != 0 {
		c, err := bt.env().blobManager.DuplicateGetCount(bc.db, node.rid(slot))
		if err != nil {
			return err
		}
		dupe = c - 1
	}
	bc.couple(node, slot, dupe)
	return nil
}

// moveNext advances by one duplicate, then by one key, following the leaf
// chain.
func (bc *BtreeCursor) moveNext(skipDuplicates bool) error {
	if bc.state == bcNil {
		return common.ErrCursorIsNil
	}
	if bc.state == bcUncoupled {
		advanced, err := bc.recouple()
		if err != nil {
			return err
		}
		if advanced {
			return nil
		}
	}

	node := bc.node()
	if !skipDuplicates && node.flags(bc.slot)&kExtendedDuplicates != 0 {
		count, err := bc.db.env.blobManager.DuplicateGetCount(bc.db, node.rid(bc.slot))
		if err != nil {
			return err
		}
		if bc.dupe+1 < count {
			bc.dupe++
			return nil
		}
	}

	slot := bc.slot + 1
	for slot >= node.count() {
		right := node.right()
		if right == 0 {
			return common.ErrKeyNotFound
		}
		var err error
		node, err = bc.db.btree.fetchNode(right)
		if err != nil {
			return err
		}
		slot = 0
	}
	bc.couple(node, slot, 0)
	return nil
}

// movePrevious is the mirror of moveNext.
func (bc *BtreeCursor) movePrevious(skipDuplicates bool) error {
	if bc.state == bcNil {
		return common.ErrCursorIsNil
	}
	if bc.state == bcUncoupled {
		if _, err := bc.recouple(); err != nil {
			if err == common.ErrKeyNotFound {
				// the buffered key was beyond the last one
				return bc.moveLast()
			}
			return err
		}
	}

	node := bc.node()
	if !skipDuplicates && bc.dupe > 0 {
		bc.dupe--
		return nil
	}

	slot := bc.slot - 1
	for slot < 0 {
		left := node.left()
		if left == 0 {
			return common.ErrKeyNotFound
		}
		var err error
		node, err = bc.db.btree.fetchNode(left)
		if err != nil {
			return err
		}
		slot = node.count() - 1
	}

	dupe := uint32(0)
	if !skipDuplicates && node.flags(slot)&kExtendedDuplicates != 0 {
		c, err := bc.db.env.blobManager.DuplicateGetCount(bc.db, node.rid(slot))
		if err != nil {
			return err
		}
		dupe = c - 1
	}
	bc.couple(node, slot, dupe)
	return nil
}

// getKey returns the cursor's current key.
func (bc *BtreeCursor) getKey() ([]byte, error) {
	switch bc.state {
	case bcCoupled:
		key, err := bc.node().getKey(bc.slot)
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), key...), nil
	case bcUncoupled:
		return append([]byte(nil), bc.uncoupledKey...), nil
	default:
		return nil, common.ErrCursorIsNil
	}
}

func (bc *BtreeCursor) requireCoupled() error {
	switch bc.state {
	case bcCoupled:
		return nil
	case bcUncoupled:
		advanced, err := bc.recouple()
		if err != nil {
			return err
		}
		if advanced {
			return common.ErrKeyNotFound
		}
		return nil
	default:
		return common.ErrCursorIsNil
	}
}

// getRecord reads the record (or the current duplicate's record).
func (bc *BtreeCursor) getRecord(record *Record, flags uint32) error {
	if err := bc.requireCoupled(); err != nil {
		return err
	}
	node := bc.node()
	slotFlags := node.flags(bc.slot)
	if slotFlags&kExtendedDuplicates != 0 {
		entry, err := bc.db.env.blobManager.DuplicateGet(bc.db, node.rid(bc.slot), bc.dupe)
		if err != nil {
			return err
		}
		if entry.isInline() {
			record.Data = decodeInlineRecord(entry.rid, entry.flags)
			return nil
		}
		return bc.db.env.blobManager.Read(bc.db, entry.rid, record, flags)
	}
	return bc.db.btree.readRecord(node.rid(bc.slot), slotFlags, record, flags)
}

// getRecordSize returns the size of the current record.
func (bc *BtreeCursor) getRecordSize() (uint64, error) {
	if err := bc.requireCoupled(); err != nil {
		return 0, err
	}
	node := bc.node()
	if node.flags(bc.slot)&kExtendedDuplicates != 0 {
		entry, err := bc.db.env.blobManager.DuplicateGet(bc.db, node.rid(bc.slot), bc.dupe)
		if err != nil {
			return 0, err
		}
		if entry.isInline() {
			return uint64(len(decodeInlineRecord(entry.rid, entry.flags))), nil
		}
		return bc.db.env.blobManager.DataSize(bc.db, entry.rid)
	}
	return bc.db.btree.slotRecordSize(node, bc.slot)
}

// getDuplicateCount returns the number of records of the current key.
func (bc *BtreeCursor) getDuplicateCount() (uint32, error) {
	if err := bc.requireCoupled(); err != nil {
		return 0, err
	}
	node := bc.node()
	if node.flags(bc.slot)&kExtendedDuplicates == 0 {
		return 1, nil
	}
	return bc.db.env.blobManager.DuplicateGetCount(bc.db, node.rid(bc.slot))
}

// overwrite replaces the record under the cursor in place.
func (bc *BtreeCursor) overwrite(record *Record, flags uint32) error {
	if err := bc.requireCoupled(); err != nil {
		return err
	}
	node := bc.node()
	if node.flags(bc.slot)&kExtendedDuplicates != 0 {
		return bc.db.btree.overwriteDuplicate(node, bc.slot, record, flags, bc.dupe)
	}
	if err := bc.db.btree.writeRecord(node, bc.slot, record, flags, false); err != nil {
		return err
	}
	return nil
}
