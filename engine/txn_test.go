package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intellect4all/hamdb/common"
)

func txnEnv(t *testing.T) (*Environment, *Database) {
	env := testEnv(t, Config{
		PageSize: 1024,
		Flags:    FlagEnableTransactions | FlagAutoRecovery,
	})
	db := testDB(t, env, DatabaseConfig{})
	return env, db
}

func TestTxnCommitMakesWritesVisible(t *testing.T) {
	env, db := txnEnv(t)

	txn, err := env.TxnBegin("t1")
	require.NoError(t, err)

	key := Key{Data: []byte("alpha")}
	rec := Record{Data: []byte("1")}
	require.NoError(t, db.Insert(txn, &key, &rec, 0))

	// visible inside the transaction
	var out Record
	require.NoError(t, db.Find(txn, &key, &out, 0))
	require.Equal(t, "1", string(out.Data))

	require.NoError(t, env.TxnCommit(txn))

	// visible without a transaction after commit
	require.NoError(t, db.Find(nil, &key, &out, 0))
	require.Equal(t, "1", string(out.Data))
}

func TestTxnAbortDiscardsWrites(t *testing.T) {
	env, db := txnEnv(t)

	txn, err := env.TxnBegin("")
	require.NoError(t, err)

	key := Key{Data: []byte("ghost")}
	rec := Record{Data: []byte("x")}
	require.NoError(t, db.Insert(txn, &key, &rec, 0))
	require.NoError(t, env.TxnAbort(txn))

	var out Record
	require.ErrorIs(t, db.Find(nil, &key, &out, 0), common.ErrKeyNotFound)
}

func TestTxnConflictAndIsolation(t *testing.T) {
	env, db := txnEnv(t)

	t1, err := env.TxnBegin("t1")
	require.NoError(t, err)
	t2, err := env.TxnBegin("t2")
	require.NoError(t, err)

	key := Key{Data: []byte("x")}
	rec := Record{Data: []byte("1")}
	require.NoError(t, db.Insert(t1, &key, &rec, 0))

	// t2 does not see t1's uncommitted insert
	var out Record
	require.ErrorIs(t, db.Find(t2, &key, &out, 0), common.ErrKeyNotFound)

	// but writing the same key conflicts
	rec2 := Record{Data: []byte("2")}
	require.ErrorIs(t, db.Insert(t2, &key, &rec2, 0), common.ErrTxnConflict)

	require.NoError(t, env.TxnAbort(t2))
	require.NoError(t, env.TxnCommit(t1))
}

func TestTxnEraseInsideTxn(t *testing.T) {
	env, db := txnEnv(t)

	key := Key{Data: []byte("k")}
	rec := Record{Data: []byte("v")}
	require.NoError(t, db.Insert(nil, &key, &rec, 0))

	txn, err := env.TxnBegin("")
	require.NoError(t, err)
	require.NoError(t, db.Erase(txn, &key, 0))

	// erased inside the transaction, still visible outside
	var out Record
	require.ErrorIs(t, db.Find(txn, &key, &out, 0), common.ErrKeyNotFound)
	require.NoError(t, db.Find(nil, &key, &out, 0))

	require.NoError(t, env.TxnCommit(txn))
	require.ErrorIs(t, db.Find(nil, &key, &out, 0), common.ErrKeyNotFound)
}

func TestTxnEraseMissingKey(t *testing.T) {
	env, db := txnEnv(t)

	txn, err := env.TxnBegin("")
	require.NoError(t, err)
	key := Key{Data: []byte("missing")}
	require.ErrorIs(t, db.Erase(txn, &key, 0), common.ErrKeyNotFound)
	require.NoError(t, env.TxnAbort(txn))
}

func TestTxnCursorStillOpen(t *testing.T) {
	env, db := txnEnv(t)

	txn, err := env.TxnBegin("")
	require.NoError(t, err)
	cursor := db.CreateCursor(txn)

	require.ErrorIs(t, env.TxnCommit(txn), common.ErrCursorStillOpen)
	cursor.Close()
	require.NoError(t, env.TxnCommit(txn))
}

func TestTxnOrderingAcrossCommits(t *testing.T) {
	env, db := txnEnv(t)

	// the newer transaction commits first; its flush waits for the
	// older one
	t1, err := env.TxnBegin("older")
	require.NoError(t, err)
	t2, err := env.TxnBegin("newer")
	require.NoError(t, err)

	k1 := Key{Data: []byte("a")}
	k2 := Key{Data: []byte("b")}
	require.NoError(t, db.Insert(t1, &k1, &Record{Data: []byte("1")}, 0))
	require.NoError(t, db.Insert(t2, &k2, &Record{Data: []byte("2")}, 0))

	require.NoError(t, env.TxnCommit(t2))

	// t2 is committed but not yet flushed; its write is already visible
	// through the op index
	var out Record
	require.NoError(t, db.Find(nil, &k2, &out, 0))

	require.NoError(t, env.TxnCommit(t1))
	require.NoError(t, db.Find(nil, &k1, &out, 0))
	require.NoError(t, db.Find(nil, &k2, &out, 0))
}

func TestTxnManyOpsOneTxn(t *testing.T) {
	env, db := txnEnv(t)

	txn, err := env.TxnBegin("bulk")
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		key := Key{Data: []byte(fmt.Sprintf("k%06d", i))}
		rec := Record{Data: []byte{byte(i), byte(i >> 8), 0, 1}}
		require.NoError(t, db.Insert(txn, &key, &rec, 0))
	}
	require.NoError(t, env.TxnCommit(txn))

	count, err := db.KeyCount(nil)
	require.NoError(t, err)
	require.Equal(t, uint64(500), count)
	checkTreeValid(t, db)
}
