package engine

import (
	"bytes"
	"encoding/binary"

	"github.com/intellect4all/hamdb/common"
)

// A duplicate table is a blob holding {capacity u32, count u32} followed
// by a packed array of duplicate entries {flags u8, rid u64}. The rid is
// either a blob id or a tiny/small/empty-encoded record, exactly like a
// btree slot's rid.
const (
	dupeTableHeaderSize = 8
	dupeEntrySize       = 9
)

type dupeEntry struct {
	flags uint8
	rid   uint64
}

// isInline reports whether the entry's record lives in the rid field.
func (e dupeEntry) isInline() bool {
	return e.flags&kRecordInline != 0
}

// dupeTableRef is either borrowed (aliasing the hosting page, page != nil)
// or owned (a heap copy). A borrow must never outlive the current
// operation; the next cache mutation may invalidate it.
type dupeTableRef struct {
	page *Page
	data []byte
}

func dupeTableCapacity(data []byte) uint32 {
	return binary.LittleEndian.Uint32(data[0:4])
}

func dupeTableSetCapacity(data []byte, c uint32) {
	binary.LittleEndian.PutUint32(data[0:4], c)
}

func dupeTableCount(data []byte) uint32 {
	return binary.LittleEndian.Uint32(data[4:8])
}

func dupeTableSetCount(data []byte, c uint32) {
	binary.LittleEndian.PutUint32(data[4:8], c)
}

func dupeTableEntry(data []byte, i uint32) dupeEntry {
	off := dupeTableHeaderSize + i*dupeEntrySize
	return dupeEntry{
		flags: data[off],
		rid:   binary.LittleEndian.Uint64(data[off+1 : off+9]),
	}
}

func dupeTableSetEntry(data []byte, i uint32, e dupeEntry) {
	off := dupeTableHeaderSize + i*dupeEntrySize
	data[off] = e.flags
	binary.LittleEndian.PutUint64(data[off+1:off+9], e.rid)
}

func dupeTableSize(capacity uint32) uint32 {
	return dupeTableHeaderSize + capacity*dupeEntrySize
}

func newDupeTable(capacity uint32) []byte {
	data := make([]byte, dupeTableSize(capacity))
	dupeTableSetCapacity(data, capacity)
	return data
}

// getDuplicateTable loads a table. When the whole table sits inside its
// hosting page the returned ref aliases the page buffer; otherwise it owns
// a copy.
func (bm *BlobManager) getDuplicateTable(db *Database, tableID uint64) (dupeTableRef, error) {
	hdr, page, err := bm.readHeader(db, tableID)
	if err != nil {
		return dupeTableRef{}, err
	}

	if page != nil && page.Address()+uint64(bm.env.pageSize) >= tableID+blobHeaderSize+hdr.size {
		off := tableID - page.Address() + blobHeaderSize
		return dupeTableRef{page: page, data: page.RawPayload()[off : off+hdr.size]}, nil
	}

	data := make([]byte, hdr.size)
	if _, err := bm.readChunk(db, page, tableID+blobHeaderSize, data); err != nil {
		return dupeTableRef{}, err
	}
	return dupeTableRef{data: data}, nil
}

// dupeEntryRecord materializes the record bytes of a duplicate entry.
func (bm *BlobManager) dupeEntryRecord(db *Database, e dupeEntry) ([]byte, error) {
	if e.isInline() {
		return decodeInlineRecord(e.rid, e.flags), nil
	}
	var rec Record
	if err := bm.Read(db, e.rid, &rec, 0); err != nil {
		return nil, err
	}
	return rec.Data, nil
}

// sortedPosition runs a bounded binary search for the insert position of
// record, using the database's duplicate compare function. The search
// starts at the middle of the table; sequential-insert databases start at
// the tail. No cursor position is used as a starting point.
func (bm *BlobManager) sortedPosition(db *Database, table []byte, record *Record) (uint32, error) {
	cmpFn := db.recordCompare()
	count := dupeTableCount(table)
	if count == 0 {
		return 0, nil
	}

	l, r := uint32(0), count-1
	var m uint32
	if db.config.Flags&FlagSequentialInsert != 0 {
		// assume the insertion point sits at the end of the table
		m = r
	} else {
		m = (l + r) / 2
	}

	for l <= r {
		e := dupeTableEntry(table, m)
		itemRecord, err := bm.dupeEntryRecord(db, e)
		if err != nil {
			return 0, err
		}

		cmp := cmpFn(record.Data, itemRecord)
		if m == l && cmp < 0 {
			break
		}
		if l == r {
			if cmp >= 0 {
				m++
			}
			break
		}
		if cmp == 0 {
			m++
			break
		}
		if cmp < 0 {
			if m == 0 {
				break
			}
			r = m - 1
		} else {
			m++
			l = m
		}
		m = (l + r) / 2
	}

	return m, nil
}

// DuplicateInsert adds an entry to a duplicate table. A zero tableID
// creates the table; entries then carries the pre-existing record's entry
// followed by the new one. Returns the (possibly relocated) table id and
// the position the entry landed at.
func (bm *BlobManager) DuplicateInsert(db *Database, tableID uint64, record *Record,
	position uint32, flags uint32, entries []dupeEntry) (uint64, uint32, error) {

	var table []byte
	var ref dupeTableRef
	owned := false
	resized := false

	if tableID == 0 {
		table = newDupeTable(8)
		dupeTableSetCount(table, 1)
		dupeTableSetEntry(table, 0, entries[0])
		entries = entries[1:]
		owned = true
	} else {
		var err error
		ref, err = bm.getDuplicateTable(db, tableID)
		if err != nil {
			return 0, 0, err
		}
		table = ref.data
		owned = ref.page == nil
	}

	// grow: +8 until 24, then one third
	if flags&OpOverwrite == 0 && dupeTableCount(table)+1 >= dupeTableCapacity(table) {
		newCap := dupeTableCapacity(table)
		if newCap < 3*8 {
			newCap += 8
		} else {
			newCap += newCap / 3
		}
		grown := newDupeTable(newCap)
		dupeTableSetCount(grown, dupeTableCount(table))
		copy(grown[dupeTableHeaderSize:], table[dupeTableHeaderSize:dupeTableSize(dupeTableCount(table))])
		table = grown
		owned = true
		resized = true
	}

	count := dupeTableCount(table)

	if flags&OpOverwrite != 0 {
		old := dupeTableEntry(table, position)
		if !old.isInline() && old.rid != 0 {
			if err := bm.Free(db, old.rid); err != nil {
				return 0, 0, err
			}
		}
		dupeTableSetEntry(table, position, entries[0])
	} else {
		switch {
		case db.config.Flags&FlagSortDuplicates != 0:
			var err error
			position, err = bm.sortedPosition(db, table, record)
			if err != nil {
				return 0, 0, err
			}
		case flags&OpDuplicateInsertBefore != 0:
			// insert at the cursor's position
		case flags&OpDuplicateInsertAfter != 0:
			position++
			if position > count {
				position = count
			}
		case flags&OpDuplicateInsertFirst != 0:
			position = 0
		case flags&OpDuplicateInsertLast != 0:
			position = count
		default:
			position = count
		}

		if position != count {
			start := dupeTableHeaderSize + position*dupeEntrySize
			end := dupeTableHeaderSize + count*dupeEntrySize
			copy(table[start+dupeEntrySize:end+dupeEntrySize], table[start:end])
		}
		dupeTableSetEntry(table, position, entries[0])
		dupeTableSetCount(table, count+1)
	}

	// write the table back and return its id
	rid := tableID
	size := dupeTableSize(dupeTableCapacity(table))
	switch {
	case tableID != 0 && (owned || resized):
		var err error
		rid, err = bm.Overwrite(db, tableID, &Record{Data: table[:size]}, 0)
		if err != nil {
			return 0, 0, err
		}
	case tableID == 0:
		var err error
		rid, err = bm.Allocate(db, &Record{Data: table[:size]}, 0)
		if err != nil {
			return 0, 0, err
		}
	default:
		// borrowed and not resized: mutated in place
		ref.page.SetDirty(true)
	}

	return rid, position, nil
}

// DuplicateErase removes the entry at position. Erasing the last remaining
// entry (or passing OpEraseAllDuplicates) frees every referenced blob and
// the table itself; the returned table id is then zero.
func (bm *BlobManager) DuplicateErase(db *Database, tableID uint64, position uint32,
	flags uint32) (uint64, error) {

	var rec Record
	if err := bm.Read(db, tableID, &rec, 0); err != nil {
		return 0, err
	}
	table := rec.Data
	count := dupeTableCount(table)

	if flags&OpEraseAllDuplicates != 0 || (position == 0 && count == 1) {
		for i := uint32(0); i < count; i++ {
			e := dupeTableEntry(table, i)
			if !e.isInline() && e.rid != 0 {
				if err := bm.Free(db, e.rid); err != nil {
					return 0, err
				}
			}
		}
		if err := bm.Free(db, tableID); err != nil {
			return 0, err
		}
		return 0, nil
	}

	if position >= count {
		return 0, common.ErrKeyNotFound
	}

	e := dupeTableEntry(table, position)
	if !e.isInline() && e.rid != 0 {
		if err := bm.Free(db, e.rid); err != nil {
			return 0, err
		}
	}

	start := dupeTableHeaderSize + position*dupeEntrySize
	end := dupeTableHeaderSize + count*dupeEntrySize
	copy(table[start:], table[start+dupeEntrySize:end])
	dupeTableSetCount(table, count-1)

	rid, err := bm.Overwrite(db, tableID, &Record{Data: table}, 0)
	if err != nil {
		return 0, err
	}
	if dupeTableCount(table) == 0 {
		return 0, nil
	}
	return rid, nil
}

// DuplicateGetCount returns the number of entries in a table.
func (bm *BlobManager) DuplicateGetCount(db *Database, tableID uint64) (uint32, error) {
	ref, err := bm.getDuplicateTable(db, tableID)
	if err != nil {
		return 0, err
	}
	return dupeTableCount(ref.data), nil
}

// DuplicateGet returns the entry at position, bounds-checked.
func (bm *BlobManager) DuplicateGet(db *Database, tableID uint64, position uint32) (dupeEntry, error) {
	ref, err := bm.getDuplicateTable(db, tableID)
	if err != nil {
		return dupeEntry{}, err
	}
	if position >= dupeTableCount(ref.data) {
		return dupeEntry{}, common.ErrKeyNotFound
	}
	return dupeTableEntry(ref.data, position), nil
}

// defaultRecordCompare orders duplicate records bytewise.
func defaultRecordCompare(a, b []byte) int {
	return bytes.Compare(a, b)
}
