package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intellect4all/hamdb/common"
)

func cursorKeys(t *testing.T, c *Cursor) []string {
	t.Helper()
	var keys []string
	err := c.Move(CursorFirst, false)
	for err == nil {
		key, kerr := c.GetKey()
		require.NoError(t, kerr)
		keys = append(keys, string(key))
		err = c.Move(CursorNext, false)
	}
	require.ErrorIs(t, err, common.ErrKeyNotFound)
	return keys
}

func TestCursorForwardBackward(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})
	db := testDB(t, env, DatabaseConfig{KeySize: 16})

	const n = 100
	for i := 0; i < n; i++ {
		key := Key{Data: []byte(fmt.Sprintf("k%04d", i))}
		rec := Record{Data: []byte(fmt.Sprintf("v%d", i))}
		require.NoError(t, db.Insert(nil, &key, &rec, 0))
	}

	c := db.CreateCursor(nil)
	defer c.Close()

	keys := cursorKeys(t, c)
	require.Len(t, keys, n)
	require.Equal(t, "k0000", keys[0])
	require.Equal(t, "k0099", keys[n-1])

	// walk backwards from the end
	require.NoError(t, c.Move(CursorLast, false))
	var back []string
	for {
		key, err := c.GetKey()
		require.NoError(t, err)
		back = append(back, string(key))
		if err := c.Move(CursorPrevious, false); err != nil {
			require.ErrorIs(t, err, common.ErrKeyNotFound)
			break
		}
	}
	require.Len(t, back, n)
	require.Equal(t, "k0099", back[0])
	require.Equal(t, "k0000", back[n-1])
}

func TestCursorFindAndRecord(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})
	db := testDB(t, env, DatabaseConfig{})

	key := Key{Data: []byte("needle")}
	require.NoError(t, db.Insert(nil, &key, &Record{Data: []byte("haystack")}, 0))

	c := db.CreateCursor(nil)
	defer c.Close()

	var rec Record
	require.NoError(t, c.Find(&Key{Data: []byte("needle")}, &rec, 0))
	require.Equal(t, "haystack", string(rec.Data))

	size, err := c.GetRecordSize()
	require.NoError(t, err)
	require.Equal(t, uint64(8), size)

	require.ErrorIs(t, c.Find(&Key{Data: []byte("nothing")}, nil, 0),
		common.ErrKeyNotFound)
}

func TestCursorSortedDuplicates(t *testing.T) {
	// insert "a", "c", "b" under one key with sorted duplicates; the
	// cursor yields them in compare order
	env := testEnv(t, Config{PageSize: 1024})
	db := testDB(t, env, DatabaseConfig{
		Flags: FlagEnableDuplicates | FlagSortDuplicates,
	})

	key := Key{Data: []byte("k")}
	for _, v := range []string{"a", "c", "b"} {
		k := Key{Data: key.Data}
		require.NoError(t, db.Insert(nil, &k, &Record{Data: []byte(v)}, OpDuplicate))
	}

	c := db.CreateCursor(nil)
	defer c.Close()

	var values []string
	require.NoError(t, c.Find(&Key{Data: []byte("k")}, nil, 0))
	for {
		var rec Record
		require.NoError(t, c.GetRecord(&rec, 0))
		values = append(values, string(rec.Data))
		if err := c.Move(CursorNext, false); err != nil {
			require.ErrorIs(t, err, common.ErrKeyNotFound)
			break
		}
	}
	require.Equal(t, []string{"a", "b", "c"}, values)

	count, err := c.GetDuplicateCount()
	require.NoError(t, err)
	require.Equal(t, uint32(3), count)
}

func TestCursorSkipDuplicates(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})
	db := testDB(t, env, DatabaseConfig{Flags: FlagEnableDuplicates})

	for _, k := range []string{"a", "b"} {
		for i := 0; i < 3; i++ {
			key := Key{Data: []byte(k)}
			rec := Record{Data: []byte(fmt.Sprintf("%s%d", k, i))}
			flags := uint32(OpDuplicate)
			require.NoError(t, db.Insert(nil, &key, &rec, flags))
		}
	}

	c := db.CreateCursor(nil)
	defer c.Close()

	var keys []string
	err := c.Move(CursorFirst, true)
	for err == nil {
		key, kerr := c.GetKey()
		require.NoError(t, kerr)
		keys = append(keys, string(key))
		err = c.Move(CursorNext, true)
	}
	require.Equal(t, []string{"a", "b"}, keys)
}

func TestCursorEraseAndContinue(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})
	db := testDB(t, env, DatabaseConfig{})

	for _, k := range []string{"a", "b", "c"} {
		key := Key{Data: []byte(k)}
		require.NoError(t, db.Insert(nil, &key, &Record{Data: []byte(k)}, 0))
	}

	c := db.CreateCursor(nil)
	defer c.Close()

	require.NoError(t, c.Find(&Key{Data: []byte("b")}, nil, 0))
	require.NoError(t, c.Erase(0))

	// the erased key is gone, the cursor continues at its successor
	require.NoError(t, c.Move(CursorNext, false))
	key, err := c.GetKey()
	require.NoError(t, err)
	require.Equal(t, "c", string(key))

	var rec Record
	require.ErrorIs(t, db.Find(nil, &Key{Data: []byte("b")}, &rec, 0),
		common.ErrKeyNotFound)
}

func TestCursorInsertAndOverwrite(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})
	db := testDB(t, env, DatabaseConfig{})

	c := db.CreateCursor(nil)
	defer c.Close()

	key := Key{Data: []byte("k")}
	require.NoError(t, c.Insert(&key, &Record{Data: []byte("v1")}, 0))

	// the cursor is positioned on the inserted key
	got, err := c.GetKey()
	require.NoError(t, err)
	require.Equal(t, "k", string(got))

	require.NoError(t, c.Overwrite(&Record{Data: []byte("v2")}))
	var rec Record
	require.NoError(t, c.GetRecord(&rec, 0))
	require.Equal(t, "v2", string(rec.Data))
}

func TestCursorMergesTxnOps(t *testing.T) {
	env := testEnv(t, Config{
		PageSize: 1024,
		Flags:    FlagEnableTransactions,
	})
	db := testDB(t, env, DatabaseConfig{})

	// "a" and "c" are flushed to the btree, "b" is buffered in an open
	// transaction; the cursor sees all three in order
	for _, k := range []string{"a", "c"} {
		key := Key{Data: []byte(k)}
		require.NoError(t, db.Insert(nil, &key, &Record{Data: []byte(k)}, 0))
	}

	txn, err := env.TxnBegin("")
	require.NoError(t, err)
	key := Key{Data: []byte("b")}
	require.NoError(t, db.Insert(txn, &key, &Record{Data: []byte("b")}, 0))

	c := db.CreateCursor(txn)
	keys := cursorKeys(t, c)
	require.Equal(t, []string{"a", "b", "c"}, keys)
	c.Close()

	// an erase buffered in the transaction hides the btree key
	require.NoError(t, db.Erase(txn, &Key{Data: []byte("a")}, 0))
	c = db.CreateCursor(txn)
	keys = cursorKeys(t, c)
	require.Equal(t, []string{"b", "c"}, keys)
	c.Close()

	require.NoError(t, env.TxnCommit(txn))
}

func TestCursorNilState(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})
	db := testDB(t, env, DatabaseConfig{})

	c := db.CreateCursor(nil)
	defer c.Close()

	_, err := c.GetKey()
	require.ErrorIs(t, err, common.ErrCursorIsNil)
	require.ErrorIs(t, c.Move(CursorNext, false), common.ErrCursorIsNil)
}
