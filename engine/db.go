package engine

import (
	"bytes"
	"encoding/binary"

	"github.com/intellect4all/hamdb/common"
)

// Database is one named btree inside an environment. All public methods
// serialize through the environment mutex.
type Database struct {
	env     *Environment
	name    uint16
	slot    int
	config  DatabaseConfig
	keySize uint16

	btree    *BtreeIndex
	txnIndex map[string]*txnNode

	openCursors int
	recno       uint64
}

// Name returns the database's numeric name.
func (db *Database) Name() uint16 {
	return db.name
}

func (db *Database) keyCompare(a, b []byte) int {
	if db.config.Flags&FlagRecordNumber != 0 {
		ra, rb := binary.LittleEndian.Uint64(a), binary.LittleEndian.Uint64(b)
		switch {
		case ra < rb:
			return -1
		case ra > rb:
			return 1
		default:
			return 0
		}
	}
	return bytes.Compare(a, b)
}

func (db *Database) recordCompare() func(a, b []byte) int {
	if db.config.RecordCompare != nil {
		return db.config.RecordCompare
	}
	return defaultRecordCompare
}

func (db *Database) checkKey(key *Key) error {
	if key == nil || len(key.Data) == 0 {
		return common.ErrBadKey
	}
	if db.config.Flags&FlagRecordNumber != 0 && len(key.Data) != 8 {
		return common.ErrInvalidKeySize
	}
	if db.config.Flags&FlagDisableVarKeylen != 0 && len(key.Data) > int(db.keySize) {
		return common.ErrInvalidKeySize
	}
	return nil
}

// assignRecordNumber fills in the auto-incremented key of a record-number
// database and writes it back into the caller's key.
func (db *Database) assignRecordNumber(key *Key) error {
	if len(key.Data) == 8 {
		// caller supplied an explicit record number
		n := binary.LittleEndian.Uint64(key.Data)
		if n > db.recno {
			db.recno = n
		}
		return nil
	}
	if len(key.Data) != 0 {
		return common.ErrInvalidKeySize
	}
	db.recno++
	key.Data = make([]byte, 8)
	binary.LittleEndian.PutUint64(key.Data, db.recno)
	return nil
}

// loadRecno seeds the record-number counter from the largest stored key.
func (db *Database) loadRecno() error {
	if db.config.Flags&FlagRecordNumber == 0 {
		return nil
	}
	bc := newBtreeCursor(nil, db)
	defer bc.setToNil()
	err := bc.moveLast()
	if err == common.ErrKeyNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	key, err := bc.getKey()
	if err != nil {
		return err
	}
	db.recno = binary.LittleEndian.Uint64(key)
	return nil
}

// Find looks up key and fills record. A nil txn reads the committed state.
func (db *Database) Find(txn *Txn, key *Key, record *Record, flags uint32) error {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()

	if err := db.checkKey(key); err != nil {
		return err
	}
	// committed-but-unflushed ops are visible to every reader
	decisive, err := db.findOp(txn, key, record)
	if decisive {
		return err
	}
	defer db.env.changeset.Clear()
	if err := db.btree.Find(key, record, flags); err != nil {
		return err
	}
	return db.env.pageManager.PurgeCache()
}

// Insert stores key/record. OpOverwrite replaces, OpDuplicate adds another
// record; otherwise an existing key fails with common.ErrDuplicateKey.
func (db *Database) Insert(txn *Txn, key *Key, record *Record, flags uint32) error {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	return db.insertLocked(txn, key, record, flags)
}

func (db *Database) insertLocked(txn *Txn, key *Key, record *Record, flags uint32) error {
	if db.env.config.Flags&FlagReadOnly != 0 {
		return common.ErrWriteProtected
	}
	if flags&OpDuplicate != 0 && db.config.Flags&FlagEnableDuplicates == 0 {
		return common.ErrInvalidParameter
	}
	if flags&OpDuplicate != 0 && flags&OpOverwrite != 0 {
		return common.ErrInvalidParameter
	}
	if db.config.Flags&FlagRecordNumber != 0 {
		if err := db.assignRecordNumber(key); err != nil {
			return err
		}
	}
	if err := db.checkKey(key); err != nil {
		return err
	}

	if db.env.txnsEnabled() {
		temp := txn
		if temp == nil {
			var err error
			temp, err = db.env.txnBeginLocked("")
			if err != nil {
				return err
			}
		}
		_, err := db.insertOp(temp, key, record, flags)
		if txn == nil {
			if err != nil {
				_ = db.env.txnAbortLocked(temp)
				return err
			}
			return db.env.txnCommitLocked(temp)
		}
		return err
	}

	return db.env.withChangeset(func(lsn uint64) error {
		return db.btree.Insert(key, record, flags)
	})
}

// Erase removes a key (and all its duplicates).
func (db *Database) Erase(txn *Txn, key *Key, flags uint32) error {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	return db.eraseLocked(txn, key, flags, 0, false)
}

// EraseDuplicate removes the duplicate at position.
func (db *Database) EraseDuplicate(txn *Txn, key *Key, position uint32, flags uint32) error {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	return db.eraseLocked(txn, key, flags, position, true)
}

func (db *Database) eraseLocked(txn *Txn, key *Key, flags uint32, position uint32, dupeOnly bool) error {
	if db.env.config.Flags&FlagReadOnly != 0 {
		return common.ErrWriteProtected
	}
	if err := db.checkKey(key); err != nil {
		return err
	}

	dupe := uint32(0)
	if dupeOnly {
		dupe = position + 1 // 0 means "the whole key" in the op log
	}

	if db.env.txnsEnabled() {
		temp := txn
		if temp == nil {
			var err error
			temp, err = db.env.txnBeginLocked("")
			if err != nil {
				return err
			}
		}
		_, err := db.eraseOp(temp, key, flags, dupe)
		if txn == nil {
			if err != nil {
				_ = db.env.txnAbortLocked(temp)
				return err
			}
			return db.env.txnCommitLocked(temp)
		}
		return err
	}

	return db.env.withChangeset(func(lsn uint64) error {
		if dupeOnly {
			return db.btree.EraseDuplicate(key, position, flags)
		}
		return db.btree.Erase(key, flags)
	})
}

// KeyCount returns the number of keys visible to txn, duplicates included.
func (db *Database) KeyCount(txn *Txn) (uint64, error) {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	defer db.env.changeset.Clear()

	count, err := db.btree.KeyCount()
	if err != nil {
		return 0, err
	}
	if txn == nil {
		return count, nil
	}

	// adjust for buffered ops
	for _, node := range db.txnIndex {
		op := db.decisiveOp(node, txn)
		if op == nil {
			continue
		}
		k := Key{Data: node.key}
		_, _, err := db.btree.FindSlot(&k, 0)
		inBtree := err == nil
		if err != nil && err != common.ErrKeyNotFound {
			return 0, err
		}
		switch {
		case op.kind == txnOpErase && inBtree:
			count--
		case op.kind != txnOpErase && !inBtree:
			count++
		}
	}
	return count, nil
}

// CreateCursor opens a cursor bound to txn (which may be nil).
func (db *Database) CreateCursor(txn *Txn) *Cursor {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	db.openCursors++
	return newCursor(db, txn)
}

// CloseCursor releases a cursor.
func (db *Database) CloseCursor(c *Cursor) {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	c.close()
	db.openCursors--
}

// Btree exposes the index for diagnostics and tests.
func (db *Database) Btree() *BtreeIndex {
	return db.btree
}
