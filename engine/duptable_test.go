package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intellect4all/hamdb/common"
)

func dupInsert(t *testing.T, bm *BlobManager, db *Database, tableID uint64, value string, flags uint32) uint64 {
	t.Helper()
	rec := &Record{Data: []byte(value)}
	entry, err := db.btree.newDupeEntry(rec, 0)
	require.NoError(t, err)

	entries := []dupeEntry{entry}
	if tableID == 0 {
		// a fresh table starts with the pre-existing record's entry
		seed, err := db.btree.newDupeEntry(&Record{Data: []byte("seed")}, 0)
		require.NoError(t, err)
		entries = []dupeEntry{seed, entry}
	}
	newID, _, err := bm.DuplicateInsert(db, tableID, rec, 0, flags, entries)
	require.NoError(t, err)
	return newID
}

func dupValues(t *testing.T, bm *BlobManager, db *Database, tableID uint64) []string {
	t.Helper()
	count, err := bm.DuplicateGetCount(db, tableID)
	require.NoError(t, err)
	values := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		entry, err := bm.DuplicateGet(db, tableID, i)
		require.NoError(t, err)
		data, err := bm.dupeEntryRecord(db, entry)
		require.NoError(t, err)
		values = append(values, string(data))
	}
	return values
}

func TestDupeTableInsertAndGrowth(t *testing.T) {
	env := testEnv(t, Config{PageSize: 4096})
	db := testDB(t, env, DatabaseConfig{Flags: FlagEnableDuplicates})
	bm := env.blobManager

	tableID := dupInsert(t, bm, db, 0, "v1", 0)
	for i := 2; i <= 40; i++ {
		tableID = dupInsert(t, bm, db, tableID, fmt.Sprintf("v%d", i), 0)
	}

	count, err := bm.DuplicateGetCount(db, tableID)
	require.NoError(t, err)
	require.Equal(t, uint32(41), count)

	values := dupValues(t, bm, db, tableID)
	require.Equal(t, "seed", values[0])
	require.Equal(t, "v1", values[1])
	require.Equal(t, "v40", values[40])
}

func TestDupeTableGrowthSchedule(t *testing.T) {
	// +8 until 24, then one third
	table := newDupeTable(8)
	caps := []uint32{8}
	for i := 0; i < 4; i++ {
		c := dupeTableCapacity(table)
		var next uint32
		if c < 3*8 {
			next = c + 8
		} else {
			next = c + c/3
		}
		table = newDupeTable(next)
		caps = append(caps, next)
	}
	require.Equal(t, []uint32{8, 16, 24, 32, 42}, caps)
}

func TestDupeTableSortedInsert(t *testing.T) {
	env := testEnv(t, Config{PageSize: 4096})
	db := testDB(t, env, DatabaseConfig{Flags: FlagEnableDuplicates | FlagSortDuplicates})
	bm := env.blobManager

	// seed the table with "d", then insert out of order
	seed, err := db.btree.newDupeEntry(&Record{Data: []byte("d")}, 0)
	require.NoError(t, err)
	first, err := db.btree.newDupeEntry(&Record{Data: []byte("m")}, 0)
	require.NoError(t, err)
	tableID, _, err := bm.DuplicateInsert(db, 0, &Record{Data: []byte("m")}, 0, 0,
		[]dupeEntry{seed, first})
	require.NoError(t, err)

	for _, v := range []string{"a", "z", "f", "b", "q"} {
		entry, err := db.btree.newDupeEntry(&Record{Data: []byte(v)}, 0)
		require.NoError(t, err)
		tableID, _, err = bm.DuplicateInsert(db, tableID, &Record{Data: []byte(v)}, 0, 0,
			[]dupeEntry{entry})
		require.NoError(t, err)
	}

	require.Equal(t, []string{"a", "b", "d", "f", "m", "q", "z"},
		dupValues(t, bm, db, tableID))
}

func TestDupeTablePositionalInserts(t *testing.T) {
	env := testEnv(t, Config{PageSize: 4096})
	db := testDB(t, env, DatabaseConfig{Flags: FlagEnableDuplicates})
	bm := env.blobManager

	tableID := dupInsert(t, bm, db, 0, "middle", 0)
	tableID = dupInsert(t, bm, db, tableID, "first", OpDuplicateInsertFirst)
	tableID = dupInsert(t, bm, db, tableID, "last", OpDuplicateInsertLast)

	require.Equal(t, []string{"first", "seed", "middle", "last"},
		dupValues(t, bm, db, tableID))
}

func TestDupeTableErase(t *testing.T) {
	env := testEnv(t, Config{PageSize: 4096})
	db := testDB(t, env, DatabaseConfig{Flags: FlagEnableDuplicates})
	bm := env.blobManager

	tableID := dupInsert(t, bm, db, 0, "b", 0)
	tableID = dupInsert(t, bm, db, tableID, "c", 0)

	// erase the middle entry; the rest shifts left
	newID, err := bm.DuplicateErase(db, tableID, 1, 0)
	require.NoError(t, err)
	require.NotZero(t, newID)
	require.Equal(t, []string{"seed", "c"}, dupValues(t, bm, db, newID))

	// erasing everything frees the table
	newID, err = bm.DuplicateErase(db, newID, 0, OpEraseAllDuplicates)
	require.NoError(t, err)
	require.Zero(t, newID)
}

func TestDupeTableEraseLastEntry(t *testing.T) {
	env := testEnv(t, Config{PageSize: 4096})
	db := testDB(t, env, DatabaseConfig{Flags: FlagEnableDuplicates})
	bm := env.blobManager

	seed, err := db.btree.newDupeEntry(&Record{Data: []byte("only")}, 0)
	require.NoError(t, err)
	tableID, _, err := bm.DuplicateInsert(db, 0, &Record{Data: []byte("only")}, 0, 0,
		[]dupeEntry{seed, seed})
	require.NoError(t, err)

	newID, err := bm.DuplicateErase(db, tableID, 1, 0)
	require.NoError(t, err)
	require.NotZero(t, newID)

	newID, err = bm.DuplicateErase(db, newID, 0, 0)
	require.NoError(t, err)
	require.Zero(t, newID)

	_, err = bm.DuplicateGet(db, tableID, 5)
	require.ErrorIs(t, err, common.ErrKeyNotFound)
}