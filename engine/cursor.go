package engine

import (
	"github.com/intellect4all/hamdb/common"
)

// TxnCursor couples a cursor to a buffered transaction op. When the op is
// flushed to the btree the parent cursor re-anchors on the btree side.
type TxnCursor struct {
	parent    *Cursor
	coupledOp *TxnOp
	opNext    *TxnCursor
}

func (tc *TxnCursor) couple(op *TxnOp) {
	tc.uncouple()
	tc.coupledOp = op
	tc.opNext = op.cursors
	op.cursors = tc
}

func (tc *TxnCursor) uncouple() {
	op := tc.coupledOp
	if op == nil {
		return
	}
	if op.cursors == tc {
		op.cursors = tc.opNext
	} else {
		for c := op.cursors; c != nil; c = c.opNext {
			if c.opNext == tc {
				c.opNext = tc.opNext
				break
			}
		}
	}
	tc.coupledOp = nil
	tc.opNext = nil
}

// Cursor move directions.
const (
	CursorFirst = iota
	CursorLast
	CursorNext
	CursorPrevious
)

// Cursor source states: a cursor is coupled to a txn op, to a btree slot,
// or to nothing.
const (
	csNil = iota
	csBtree
	csTxn
)

// Cursor iterates one database, merging the btree with the transaction's
// buffered ops. At most one coupling is active at a time.
type Cursor struct {
	db  *Database
	txn *Txn

	bc *BtreeCursor
	tc *TxnCursor

	source  int
	lastKey []byte

	// duplicate iteration on the txn side: the visible insert ops of the
	// current key, oldest first
	txnOps    []*TxnOp
	txnDupIdx int
}

func newCursor(db *Database, txn *Txn) *Cursor {
	c := &Cursor{db: db, txn: txn}
	c.bc = newBtreeCursor(c, db)
	c.tc = &TxnCursor{parent: c}
	if txn != nil {
		txn.cursorRefs++
	}
	return c
}

func (c *Cursor) close() {
	c.bc.setToNil()
	c.tc.uncouple()
	if c.txn != nil {
		c.txn.cursorRefs--
	}
}

func (c *Cursor) setToNil() {
	c.bc.setToNil()
	c.tc.uncouple()
	c.source = csNil
	c.lastKey = nil
	c.txnOps = nil
	c.txnDupIdx = 0
}

// mergesTxn reports whether iteration has to consult the op index; even
// a nil-txn cursor must see committed-but-unflushed ops.
func (c *Cursor) mergesTxn() bool {
	return len(c.db.txnIndex) > 0
}

// coupleToBtree remembers the btree side as the active source.
func (c *Cursor) coupleToBtree() error {
	key, err := c.bc.getKey()
	if err != nil {
		return err
	}
	c.tc.uncouple()
	c.source = csBtree
	c.lastKey = key
	c.txnOps = nil
	return nil
}

// coupleToTxnNode positions on a txn-side key.
func (c *Cursor) coupleToTxnNode(node *txnNode, backwards bool) {
	c.bc.setToNil()
	c.source = csTxn
	c.lastKey = append([]byte(nil), node.key...)

	c.txnOps = c.txnOps[:0]
	for op := node.newestOp; op != nil; op = op.nodeNext {
		if op.flushed || op.kind == txnOpNop || op.kind == txnOpErase {
			continue
		}
		if op.txn != c.txn && op.txn.state != txnCommitted {
			continue
		}
		// newest-first list, collect oldest-first
		c.txnOps = append([]*TxnOp{op}, c.txnOps...)
	}
	c.txnDupIdx = 0
	if backwards && len(c.txnOps) > 0 {
		c.txnDupIdx = len(c.txnOps) - 1
	}
	if len(c.txnOps) > 0 {
		c.tc.couple(c.txnOps[c.txnDupIdx])
	}
}

// find positions the cursor on a key.
func (c *Cursor) find(key *Key, record *Record, flags uint32) error {
	if node := c.db.txnIndex[string(key.Data)]; node != nil {
		if op := c.db.decisiveOp(node, c.txn); op != nil {
			if op.kind == txnOpErase {
				return common.ErrKeyNotFound
			}
			c.coupleToTxnNode(node, false)
			if record != nil {
				record.Data = append([]byte(nil), op.record.Data...)
			}
			return nil
		}
	}
	if err := c.bc.find(key, flags); err != nil {
		return err
	}
	if err := c.coupleToBtree(); err != nil {
		return err
	}
	if record != nil {
		return c.bc.getRecord(record, flags)
	}
	return nil
}

// move positions the cursor. skipDuplicates collapses duplicate records
// into their first entry.
func (c *Cursor) move(direction int, skipDuplicates bool) error {
	switch direction {
	case CursorFirst:
		return c.moveEnd(false)
	case CursorLast:
		return c.moveEnd(true)
	case CursorNext:
		return c.moveStep(false, skipDuplicates)
	case CursorPrevious:
		return c.moveStep(true, skipDuplicates)
	default:
		return common.ErrInvalidParameter
	}
}

func (c *Cursor) moveEnd(last bool) error {
	if !c.mergesTxn() {
		var err error
		if last {
			err = c.bc.moveLast()
		} else {
			err = c.bc.moveFirst()
		}
		if err != nil {
			return err
		}
		return c.coupleToBtree()
	}

	c.lastKey = nil
	c.source = csNil
	if last {
		return c.moveStep(true, false)
	}
	return c.moveStep(false, false)
}

// moveStep advances merged iteration by one entry.
func (c *Cursor) moveStep(backwards, skipDuplicates bool) error {
	if !c.mergesTxn() {
		if c.source == csNil && c.lastKey == nil {
			return common.ErrCursorIsNil
		}
		var err error
		if backwards {
			err = c.bc.movePrevious(skipDuplicates)
		} else {
			err = c.bc.moveNext(skipDuplicates)
		}
		if err != nil {
			return err
		}
		return c.coupleToBtree()
	}

	// duplicate step inside the current key
	if !skipDuplicates && c.source == csTxn {
		if !backwards && c.txnDupIdx+1 < len(c.txnOps) {
			c.txnDupIdx++
			c.tc.couple(c.txnOps[c.txnDupIdx])
			return nil
		}
		if backwards && c.txnDupIdx > 0 {
			c.txnDupIdx--
			c.tc.couple(c.txnOps[c.txnDupIdx])
			return nil
		}
	}
	if !skipDuplicates && c.source == csBtree && c.bc.state == bcCoupled {
		node := c.bc.node()
		if node.flags(c.bc.slot)&kExtendedDuplicates != 0 {
			count, err := c.db.env.blobManager.DuplicateGetCount(c.db, node.rid(c.bc.slot))
			if err != nil {
				return err
			}
			if !backwards && c.bc.dupe+1 < count {
				c.bc.dupe++
				return nil
			}
			if backwards && c.bc.dupe > 0 {
				c.bc.dupe--
				return nil
			}
		}
	}

	cur := c.lastKey
	for {
		btNode, btSlot, btKey, err := c.btreeNeighbourKey(cur, backwards)
		if err != nil && err != common.ErrKeyNotFound {
			return err
		}
		txNode := c.txnNeighbourNode(cur, backwards)

		if btKey == nil && txNode == nil {
			return common.ErrKeyNotFound
		}

		// pick the nearer key; equal keys are decided by the txn op
		useTxn := false
		switch {
		case btKey == nil:
			useTxn = true
		case txNode == nil:
			useTxn = false
		default:
			cmp := c.db.keyCompare(txNode.key, btKey)
			if cmp == 0 {
				op := c.db.decisiveOp(txNode, c.txn)
				if op != nil && op.kind == txnOpErase {
					cur = txNode.key
					continue
				}
				// a plain insert shadows the btree record; duplicate
				// inserts walk the btree entries first
				useTxn = op != nil && op.kind != txnOpInsertDuplicate
			} else if (cmp < 0) != backwards {
				useTxn = true
			}
		}

		if useTxn {
			op := c.db.decisiveOp(txNode, c.txn)
			if op == nil || op.kind == txnOpErase {
				cur = txNode.key
				continue
			}
			c.coupleToTxnNode(txNode, backwards)
			return nil
		}

		// btree side; skip keys erased or shadowed in the txn
		if node := c.db.txnIndex[string(btKey)]; node != nil {
			if op := c.db.decisiveOp(node, c.txn); op != nil && op.kind == txnOpErase {
				cur = btKey
				continue
			}
		}
		dupe := uint32(0)
		if backwards && !skipDuplicates && btNode.flags(btSlot)&kExtendedDuplicates != 0 {
			count, err := c.db.env.blobManager.DuplicateGetCount(c.db, btNode.rid(btSlot))
			if err != nil {
				return err
			}
			dupe = count - 1
		}
		c.bc.couple(btNode, btSlot, dupe)
		c.tc.uncouple()
		c.source = csBtree
		c.lastKey = btKey
		c.txnOps = nil
		return nil
	}
}

// btreeNeighbourKey finds the btree key strictly beyond cur in the given
// direction; a nil cur means "from either end".
func (c *Cursor) btreeNeighbourKey(cur []byte, backwards bool) (btreeNode, int, []byte, error) {
	bc := newBtreeCursor(c, c.db)
	defer bc.setToNil()

	var err error
	if cur == nil {
		if backwards {
			err = bc.moveLast()
		} else {
			err = bc.moveFirst()
		}
		if err != nil {
			return btreeNode{}, 0, nil, err
		}
	} else {
		key := Key{Data: append([]byte(nil), cur...)}
		flags := uint32(OpFindGT)
		if backwards {
			flags = OpFindLT
		}
		node, slot, err := c.db.btree.FindSlot(&key, flags)
		if err != nil {
			return btreeNode{}, 0, nil, err
		}
		return node, slot, key.Data, nil
	}

	node := bc.node()
	slot := bc.slot
	key, err := node.getKey(slot)
	if err != nil {
		return btreeNode{}, 0, nil, err
	}
	return node, slot, append([]byte(nil), key...), nil
}

// txnNeighbourNode scans the op index for the nearest key beyond cur that
// carries any visible op.
func (c *Cursor) txnNeighbourNode(cur []byte, backwards bool) *txnNode {
	var best *txnNode
	for _, node := range c.db.txnIndex {
		if c.db.decisiveOp(node, c.txn) == nil {
			continue
		}
		if cur != nil {
			cmp := c.db.keyCompare(node.key, cur)
			if backwards && cmp >= 0 {
				continue
			}
			if !backwards && cmp <= 0 {
				continue
			}
		}
		if best == nil {
			best = node
			continue
		}
		cmp := c.db.keyCompare(node.key, best.key)
		if (backwards && cmp > 0) || (!backwards && cmp < 0) {
			best = node
		}
	}
	return best
}

// getKey returns the current key.
func (c *Cursor) getKey() ([]byte, error) {
	switch c.source {
	case csBtree:
		return c.bc.getKey()
	case csTxn:
		if c.tc.coupledOp == nil {
			return nil, common.ErrCursorIsNil
		}
		return append([]byte(nil), c.tc.coupledOp.node.key...), nil
	default:
		return nil, common.ErrCursorIsNil
	}
}

// getRecord reads the current record.
func (c *Cursor) getRecord(record *Record, flags uint32) error {
	switch c.source {
	case csBtree:
		return c.bc.getRecord(record, flags)
	case csTxn:
		op := c.tc.coupledOp
		if op == nil {
			return common.ErrCursorIsNil
		}
		if op.kind == txnOpErase {
			return common.ErrKeyErasedInTxn
		}
		record.Data = append([]byte(nil), op.record.Data...)
		return nil
	default:
		return common.ErrCursorIsNil
	}
}

// getRecordSize returns the size of the current record.
func (c *Cursor) getRecordSize() (uint64, error) {
	switch c.source {
	case csBtree:
		return c.bc.getRecordSize()
	case csTxn:
		op := c.tc.coupledOp
		if op == nil {
			return 0, common.ErrCursorIsNil
		}
		return uint64(len(op.record.Data)), nil
	default:
		return 0, common.ErrCursorIsNil
	}
}

// getDuplicateCount counts the records of the current key.
func (c *Cursor) getDuplicateCount() (uint32, error) {
	switch c.source {
	case csBtree:
		return c.bc.getDuplicateCount()
	case csTxn:
		return uint32(len(c.txnOps)), nil
	default:
		return 0, common.ErrCursorIsNil
	}
}
