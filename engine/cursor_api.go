package engine

import (
	"github.com/intellect4all/hamdb/common"
)

// Find positions the cursor on key and optionally reads its record.
func (c *Cursor) Find(key *Key, record *Record, flags uint32) error {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()
	defer c.db.env.changeset.Clear()
	if err := c.db.checkKey(key); err != nil {
		return err
	}
	return c.find(key, record, flags)
}

// Insert stores key/record and leaves the cursor positioned on it.
func (c *Cursor) Insert(key *Key, record *Record, flags uint32) error {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()

	db := c.db
	if db.env.config.Flags&FlagReadOnly != 0 {
		return common.ErrWriteProtected
	}
	if flags&OpDuplicate != 0 && db.config.Flags&FlagEnableDuplicates == 0 {
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

	if db.env.txnsEnabled() && c.txn != nil {
		op, err := db.insertOp(c.txn, key, record, flags)
		if err != nil {
			return err
		}
		c.bc.setToNil()
		c.tc.couple(op)
		c.source = csTxn
		c.lastKey = append([]byte(nil), key.Data...)
		c.txnOps = []*TxnOp{op}
		c.txnDupIdx = 0
		return nil
	}

	err := db.env.withChangeset(func(lsn uint64) error {
		return db.btree.Insert(key, record, flags)
	})
	if err != nil {
		return err
	}
	findKey := Key{Data: key.Data}
	if err := c.bc.find(&findKey, 0); err != nil {
		return err
	}
	return c.coupleToBtree()
}

// Erase removes the key under the cursor. The cursor keeps the erased key
// buffered so that the next move continues from its position.
func (c *Cursor) Erase(flags uint32) error {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()

	key, err := c.getKey()
	if err != nil {
		return err
	}
	k := Key{Data: key}
	if err := c.db.eraseLocked(c.txn, &k, flags, 0, false); err != nil {
		return err
	}

	c.tc.uncouple()
	c.bc.setToNil()
	c.bc.state = bcUncoupled
	c.bc.uncoupledKey = append([]byte(nil), key...)
	c.source = csBtree
	c.lastKey = key
	c.txnOps = nil
	return nil
}

// Overwrite replaces the record under the cursor without moving it.
func (c *Cursor) Overwrite(record *Record) error {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()

	if c.db.env.config.Flags&FlagReadOnly != 0 {
		return common.ErrWriteProtected
	}

	if c.source == csTxn {
		key, err := c.getKey()
		if err != nil {
			return err
		}
		k := Key{Data: key}
		_, err = c.db.insertOp(c.txn, &k, record, OpOverwrite)
		return err
	}
	return c.db.env.withChangeset(func(lsn uint64) error {
		return c.bc.overwrite(record, OpOverwrite)
	})
}

// Move positions the cursor: CursorFirst, CursorLast, CursorNext or
// CursorPrevious. skipDuplicates collapses duplicates into their first
// record.
func (c *Cursor) Move(direction int, skipDuplicates bool) error {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()
	defer c.db.env.changeset.Clear()
	return c.move(direction, skipDuplicates)
}

// GetKey returns a copy of the current key.
func (c *Cursor) GetKey() ([]byte, error) {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()
	defer c.db.env.changeset.Clear()
	return c.getKey()
}

// GetRecord reads the current record.
func (c *Cursor) GetRecord(record *Record, flags uint32) error {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()
	defer c.db.env.changeset.Clear()
	return c.getRecord(record, flags)
}

// GetRecordSize returns the current record's size without reading it.
func (c *Cursor) GetRecordSize() (uint64, error) {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()
	defer c.db.env.changeset.Clear()
	return c.getRecordSize()
}

// GetDuplicateCount returns the number of records of the current key.
func (c *Cursor) GetDuplicateCount() (uint32, error) {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()
	defer c.db.env.changeset.Clear()
	return c.getDuplicateCount()
}

// Close releases the cursor.
func (c *Cursor) Close() {
	c.db.CloseCursor(c)
}
