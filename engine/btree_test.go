package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intellect4all/hamdb/common"
)

// checkTreeValid verifies the search-tree invariants: keys within each
// node are strictly ordered and the leaf chain is ascending and acyclic.
func checkTreeValid(t *testing.T, db *Database) {
	t.Helper()
	bt := db.btree

	node, err := bt.fetchNode(bt.rootAddr())
	require.NoError(t, err)
	for !node.isLeaf() {
		node, err = bt.fetchNode(node.ptrLeft())
		require.NoError(t, err)
	}

	seen := map[uint64]bool{}
	var prevKey []byte
	for {
		require.False(t, seen[node.page.Address()], "leaf chain has a cycle")
		seen[node.page.Address()] = true

		for i := 0; i < node.count(); i++ {
			key, err := node.getKey(i)
			require.NoError(t, err)
			if prevKey != nil {
				require.Negative(t, db.keyCompare(prevKey, key),
					"keys out of order: %q >= %q", prevKey, key)
			}
			prevKey = append([]byte(nil), key...)
		}

		right := node.right()
		if right == 0 {
			break
		}
		next, err := bt.fetchNode(right)
		require.NoError(t, err)
		require.Equal(t, node.page.Address(), next.left(), "broken leaf back link")
		node = next
	}
}

func TestBtreeInsertFindErase(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})
	db := testDB(t, env, DatabaseConfig{KeySize: 16})

	const n = 1000
	for i := 0; i < n; i++ {
		key := Key{Data: []byte(fmt.Sprintf("k%06d", i))}
		rec := Record{Data: []byte(fmt.Sprintf("v%d", i))}
		require.NoError(t, db.Insert(nil, &key, &rec, 0))
	}
	checkTreeValid(t, db)

	for i := 0; i < n; i++ {
		key := Key{Data: []byte(fmt.Sprintf("k%06d", i))}
		var rec Record
		require.NoError(t, db.Find(nil, &key, &rec, 0))
		require.Equal(t, fmt.Sprintf("v%d", i), string(rec.Data))
	}

	// erase every other key, then verify
	for i := 0; i < n; i += 2 {
		key := Key{Data: []byte(fmt.Sprintf("k%06d", i))}
		require.NoError(t, db.Erase(nil, &key, 0))
	}
	checkTreeValid(t, db)

	for i := 0; i < n; i++ {
		key := Key{Data: []byte(fmt.Sprintf("k%06d", i))}
		var rec Record
		err := db.Find(nil, &key, &rec, 0)
		if i%2 == 0 {
			require.ErrorIs(t, err, common.ErrKeyNotFound)
		} else {
			require.NoError(t, err)
		}
	}

	count, err := db.KeyCount(nil)
	require.NoError(t, err)
	require.Equal(t, uint64(n/2), count)
}

func TestBtreeRandomOrderInserts(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})
	db := testDB(t, env, DatabaseConfig{KeySize: 16})

	rng := rand.New(rand.NewSource(7))
	perm := rng.Perm(500)
	for _, i := range perm {
		key := Key{Data: []byte(fmt.Sprintf("k%06d", i))}
		rec := Record{Data: []byte{byte(i)}}
		require.NoError(t, db.Insert(nil, &key, &rec, 0))
	}
	checkTreeValid(t, db)

	for i := 0; i < 500; i++ {
		key := Key{Data: []byte(fmt.Sprintf("k%06d", i))}
		var rec Record
		require.NoError(t, db.Find(nil, &key, &rec, 0))
		require.Equal(t, []byte{byte(i)}, rec.Data)
	}
}

func TestBtreeDuplicateKeyRejected(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})
	db := testDB(t, env, DatabaseConfig{})

	key := Key{Data: []byte("key")}
	rec := Record{Data: []byte("one")}
	require.NoError(t, db.Insert(nil, &key, &rec, 0))

	rec = Record{Data: []byte("two")}
	require.ErrorIs(t, db.Insert(nil, &key, &rec, 0), common.ErrDuplicateKey)

	// with overwrite the record is replaced
	require.NoError(t, db.Insert(nil, &key, &rec, OpOverwrite))
	var out Record
	require.NoError(t, db.Find(nil, &key, &out, 0))
	require.Equal(t, "two", string(out.Data))
}

func TestBtreeLargeRecordsAndKeys(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})
	db := testDB(t, env, DatabaseConfig{KeySize: 16})

	// records beyond the inline encodings go through the blob manager
	bigValue := randomBytes(t, 50000)
	key := Key{Data: []byte("big-record")}
	require.NoError(t, db.Insert(nil, &key, &Record{Data: bigValue}, 0))

	// keys beyond the stride become extended keys
	longKey := Key{Data: bytes.Repeat([]byte("K"), 300)}
	require.NoError(t, db.Insert(nil, &longKey, &Record{Data: []byte("long")}, 0))

	var rec Record
	require.NoError(t, db.Find(nil, &key, &rec, 0))
	require.True(t, bytes.Equal(bigValue, rec.Data))

	require.NoError(t, db.Find(nil, &longKey, &rec, 0))
	require.Equal(t, "long", string(rec.Data))

	require.NoError(t, db.Erase(nil, &longKey, 0))
	require.ErrorIs(t, db.Find(nil, &longKey, &rec, 0), common.ErrKeyNotFound)
}

func TestBtreeTinySmallEmptyRecords(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})
	db := testDB(t, env, DatabaseConfig{})

	cases := map[string][]byte{
		"empty": {},
		"tiny":  []byte("abc"),
		"small": []byte("12345678"),
	}
	for name, value := range cases {
		key := Key{Data: []byte(name)}
		require.NoError(t, db.Insert(nil, &key, &Record{Data: value}, 0))
	}
	for name, value := range cases {
		key := Key{Data: []byte(name)}
		var rec Record
		require.NoError(t, db.Find(nil, &key, &rec, 0))
		require.Equal(t, value, rec.Data, name)
	}
}

func TestBtreeApproximateMatching(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})
	db := testDB(t, env, DatabaseConfig{})

	for _, k := range []string{"b", "d", "f"} {
		key := Key{Data: []byte(k)}
		require.NoError(t, db.Insert(nil, &key, &Record{Data: []byte(k)}, 0))
	}

	// GE on a missing key returns the next greater one
	key := Key{Data: []byte("c")}
	var rec Record
	require.NoError(t, db.Find(nil, &key, &rec, OpFindGE))
	require.Equal(t, "d", string(key.Data))
	require.NotZero(t, key.Flags&KeyGreater)

	// LE on a missing key returns the next smaller one
	key = Key{Data: []byte("c")}
	require.NoError(t, db.Find(nil, &key, &rec, OpFindLE))
	require.Equal(t, "b", string(key.Data))
	require.NotZero(t, key.Flags&KeyLower)

	// LT skips an exact match
	key = Key{Data: []byte("d")}
	require.NoError(t, db.Find(nil, &key, &rec, OpFindLT))
	require.Equal(t, "b", string(key.Data))

	// GT skips an exact match
	key = Key{Data: []byte("d")}
	require.NoError(t, db.Find(nil, &key, &rec, OpFindGT))
	require.Equal(t, "f", string(key.Data))

	// nothing greater than the last key
	key = Key{Data: []byte("f")}
	require.ErrorIs(t, db.Find(nil, &key, &rec, OpFindGT), common.ErrKeyNotFound)
}

func TestBtreeRecordNumber(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})
	db := testDB(t, env, DatabaseConfig{Flags: FlagRecordNumber})

	for i := 1; i <= 5; i++ {
		key := Key{}
		rec := Record{Data: []byte(fmt.Sprintf("row-%d", i))}
		require.NoError(t, db.Insert(nil, &key, &rec, 0))
		require.Len(t, key.Data, 8)
		require.Equal(t, uint64(i), binary.LittleEndian.Uint64(key.Data))
	}

	key := Key{Data: make([]byte, 8)}
	binary.LittleEndian.PutUint64(key.Data, 3)
	var rec Record
	require.NoError(t, db.Find(nil, &key, &rec, 0))
	require.Equal(t, "row-3", string(rec.Data))
}

func TestBtreeRecordNumberKeySizeValidation(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})
	_, err := env.CreateDatabase(2, DatabaseConfig{Flags: FlagRecordNumber, KeySize: 16})
	require.ErrorIs(t, err, common.ErrInvalidParameter)
}

func TestBtreeSequentialAppendSplits(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})
	db := testDB(t, env, DatabaseConfig{KeySize: 16})

	// ascending inserts exercise the append-biased split path
	for i := 0; i < 2000; i++ {
		key := Key{Data: []byte(fmt.Sprintf("k%08d", i))}
		rec := Record{Data: []byte("x")}
		require.NoError(t, db.Insert(nil, &key, &rec, 0))
	}
	checkTreeValid(t, db)
	require.Greater(t, db.btree.stats.appendCount, 0)

	count, err := db.KeyCount(nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2000), count)
}
