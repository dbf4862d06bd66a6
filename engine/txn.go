package engine

import (
	"github.com/intellect4all/hamdb/common"
)

// Transaction states.
const (
	txnActive = iota
	txnCommitted
	txnAborted
)

// Txn operation kinds.
const (
	txnOpNop = iota
	txnOpInsert
	txnOpInsertOverwrite
	txnOpInsertDuplicate
	txnOpErase
)

// TxnOp is one buffered operation of a transaction. Ops are linked twice:
// newest-first inside their key node, oldest-first inside their txn.
type TxnOp struct {
	txn  *Txn
	node *txnNode

	kind      int
	origFlags uint32
	lsn       uint64
	record    Record
	dupe      uint32
	flushed   bool

	nodeNext, nodePrev *TxnOp
	txnNext            *TxnOp

	cursors *TxnCursor
}

// txnNode collects the buffered ops of one key of one database.
type txnNode struct {
	db  *Database
	key []byte

	newestOp *TxnOp
	oldestOp *TxnOp
}

func (n *txnNode) appendOp(op *TxnOp) {
	op.node = n
	op.nodeNext = n.newestOp
	if n.newestOp != nil {
		n.newestOp.nodePrev = op
	}
	n.newestOp = op
	if n.oldestOp == nil {
		n.oldestOp = op
	}
}

func (n *txnNode) removeOp(op *TxnOp) {
	if op.nodePrev != nil {
		op.nodePrev.nodeNext = op.nodeNext
	} else {
		n.newestOp = op.nodeNext
	}
	if op.nodeNext != nil {
		op.nodeNext.nodePrev = op.nodePrev
	} else {
		n.oldestOp = op.nodePrev
	}
	op.nodeNext = nil
	op.nodePrev = nil
}

// Txn buffers operations in memory until commit. The environment keeps
// all transactions on an oldest-first list and flushes committed ones in
// order.
type Txn struct {
	env   *Environment
	id    uint64
	name  string
	state int

	oldestOp *TxnOp
	newestOp *TxnOp

	older, newer *Txn

	cursorRefs int
}

// ID returns the transaction id.
func (t *Txn) ID() uint64 {
	return t.id
}

// Name returns the optional transaction name.
func (t *Txn) Name() string {
	return t.name
}

func (t *Txn) isActive() bool {
	return t.state == txnActive
}

func (t *Txn) appendOp(op *TxnOp) {
	if t.newestOp != nil {
		t.newestOp.txnNext = op
	}
	t.newestOp = op
	if t.oldestOp == nil {
		t.oldestOp = op
	}
}

// free unlinks every op from its key node; empty nodes leave the index.
func (t *Txn) free() {
	for op := t.oldestOp; op != nil; op = op.txnNext {
		node := op.node
		node.removeOp(op)
		for c := op.cursors; c != nil; c = c.opNext {
			c.coupledOp = nil
		}
		op.cursors = nil
		if node.newestOp == nil {
			delete(node.db.txnIndex, string(node.key))
		}
	}
	t.oldestOp = nil
	t.newestOp = nil
}

// getOrCreateNode returns the txn node of a key, creating it on demand.
func (db *Database) getOrCreateNode(key []byte) *txnNode {
	if node, ok := db.txnIndex[string(key)]; ok {
		return node
	}
	node := &txnNode{db: db, key: append([]byte(nil), key...)}
	db.txnIndex[string(key)] = node
	return node
}

// checkWriteConflict fails when another live transaction has touched the
// key.
func (db *Database) checkWriteConflict(node *txnNode, txn *Txn) error {
	for op := node.newestOp; op != nil; op = op.nodeNext {
		if op.flushed {
			continue
		}
		if op.txn != txn && op.txn.isActive() {
			return common.ErrTxnConflict
		}
	}
	return nil
}

// decisiveOp returns the newest op that decides the key's visibility for
// txn. Uncommitted foreign ops are invisible to readers.
func (db *Database) decisiveOp(node *txnNode, txn *Txn) *TxnOp {
	if node == nil {
		return nil
	}
	for op := node.newestOp; op != nil; op = op.nodeNext {
		if op.flushed || op.kind == txnOpNop {
			continue
		}
		if op.txn != txn && op.txn.state != txnCommitted {
			continue
		}
		return op
	}
	return nil
}

// keyExists resolves a key's current visibility for txn across the op
// index and the btree.
func (db *Database) keyExists(key []byte, txn *Txn) (bool, error) {
	if op := db.decisiveOp(db.txnIndex[string(key)], txn); op != nil {
		return op.kind != txnOpErase, nil
	}
	k := Key{Data: key}
	_, _, err := db.btree.FindSlot(&k, 0)
	if err == nil {
		return true, nil
	}
	if err == common.ErrKeyNotFound {
		return false, nil
	}
	return false, err
}

// insertOp buffers an insert in the transaction.
func (db *Database) insertOp(txn *Txn, key *Key, record *Record, flags uint32) (*TxnOp, error) {
	node := db.getOrCreateNode(key.Data)
	if err := db.checkWriteConflict(node, txn); err != nil {
		return nil, err
	}

	kind := txnOpInsert
	switch {
	case flags&OpDuplicate != 0:
		kind = txnOpInsertDuplicate
	case flags&OpOverwrite != 0:
		kind = txnOpInsertOverwrite
	default:
		exists, err := db.keyExists(key.Data, txn)
		if err != nil {
			return nil, err
		}
		if exists {
			if node.newestOp == nil {
				delete(db.txnIndex, string(key.Data))
			}
			return nil, common.ErrDuplicateKey
		}
	}

	lsn, err := db.env.getIncrementedLsn()
	if err != nil {
		return nil, err
	}
	if db.env.journal != nil {
		if err := db.env.journal.AppendInsert(db, txn, key.Data, record.Data, flags, lsn); err != nil {
			return nil, err
		}
	}

	op := &TxnOp{
		txn:       txn,
		kind:      kind,
		origFlags: flags,
		lsn:       lsn,
		record: Record{
			Data:          append([]byte(nil), record.Data...),
			Size:          record.Size,
			PartialOffset: record.PartialOffset,
			PartialSize:   record.PartialSize,
		},
	}
	node.appendOp(op)
	txn.appendOp(op)
	return op, nil
}

// eraseOp buffers an erase in the transaction.
func (db *Database) eraseOp(txn *Txn, key *Key, flags uint32, dupe uint32) (*TxnOp, error) {
	node := db.getOrCreateNode(key.Data)
	if err := db.checkWriteConflict(node, txn); err != nil {
		return nil, err
	}

	exists, err := db.keyExists(key.Data, txn)
	if err != nil {
		return nil, err
	}
	if !exists {
		if node.newestOp == nil {
			delete(db.txnIndex, string(key.Data))
		}
		return nil, common.ErrKeyNotFound
	}

	lsn, err := db.env.getIncrementedLsn()
	if err != nil {
		return nil, err
	}
	if db.env.journal != nil {
		if err := db.env.journal.AppendErase(db, txn, key.Data, flags, dupe, lsn); err != nil {
			return nil, err
		}
	}

	op := &TxnOp{
		txn:       txn,
		kind:      txnOpErase,
		origFlags: flags,
		lsn:       lsn,
		dupe:      dupe,
	}
	node.appendOp(op)
	txn.appendOp(op)
	return op, nil
}

// findOp resolves a read against the op index. The bool reports whether
// the index was decisive.
func (db *Database) findOp(txn *Txn, key *Key, record *Record) (bool, error) {
	op := db.decisiveOp(db.txnIndex[string(key.Data)], txn)
	if op == nil {
		return false, nil
	}
	if op.kind == txnOpErase {
		return true, common.ErrKeyNotFound
	}
	if record != nil {
		record.Data = append([]byte(nil), op.record.Data...)
	}
	return true, nil
}
