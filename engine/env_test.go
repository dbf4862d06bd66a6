package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intellect4all/hamdb/common"
	"github.com/intellect4all/hamdb/common/testutil"
)

func TestEnvCreateCloseReopen(t *testing.T) {
	path := filepath.Join(testutil.TempDir(t), "test.db")

	env, err := Create(Config{Path: path, PageSize: 1024, CacheSize: 64 * 1024})
	require.NoError(t, err)

	db, err := env.CreateDatabase(1, DatabaseConfig{KeySize: 16})
	require.NoError(t, err)

	key := Key{Data: []byte("alpha")}
	rec := Record{Data: []byte("1")}
	require.NoError(t, db.Insert(nil, &key, &rec, 0))
	require.NoError(t, env.Close())

	env, err = Open(Config{Path: path})
	require.NoError(t, err)
	defer env.Close()

	// the persisted page size wins over the configured one
	require.Equal(t, uint32(1024), env.Parameters().PageSize)

	db, err = env.OpenDatabase(1, DatabaseConfig{})
	require.NoError(t, err)

	var out Record
	require.NoError(t, db.Find(nil, &key, &out, 0))
	require.Equal(t, "1", string(out.Data))
}

func TestEnvOpenTruncatedFile(t *testing.T) {
	path := filepath.Join(testutil.TempDir(t), "short.db")
	require.NoError(t, os.WriteFile(path, make([]byte, 300), 0o644))

	_, err := Open(Config{Path: path})
	require.ErrorIs(t, err, common.ErrInvalidFileHeader)

	// the file was not modified
	st, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(300), st.Size())
}

func TestEnvOpenBadMagic(t *testing.T) {
	path := filepath.Join(testutil.TempDir(t), "bad.db")
	require.NoError(t, os.WriteFile(path, make([]byte, 1024), 0o644))

	_, err := Open(Config{Path: path})
	require.ErrorIs(t, err, common.ErrInvalidFileHeader)
}

func TestEnvOpenWrongVersion(t *testing.T) {
	path := filepath.Join(testutil.TempDir(t), "version.db")
	env, err := Create(Config{Path: path, PageSize: 1024})
	require.NoError(t, err)
	require.NoError(t, env.Close())

	// corrupt the file version byte
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[hdrOffVersion+3] = 99
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(Config{Path: path})
	require.ErrorIs(t, err, common.ErrInvalidFileVersion)

	// a pre-1.0.9 version is rejected as well
	data[hdrOffVersion+0] = 1
	data[hdrOffVersion+1] = 0
	data[hdrOffVersion+2] = 5
	data[hdrOffVersion+3] = fileVersion
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(Config{Path: path})
	require.ErrorIs(t, err, common.ErrInvalidFileVersion)
}

func TestEnvOpenMissingFile(t *testing.T) {
	_, err := Open(Config{Path: filepath.Join(testutil.TempDir(t), "nope.db")})
	require.ErrorIs(t, err, common.ErrFileNotFound)
}

func TestEnvDatabaseLifecycle(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})

	db1, err := env.CreateDatabase(1, DatabaseConfig{})
	require.NoError(t, err)
	_, err = env.CreateDatabase(2, DatabaseConfig{})
	require.NoError(t, err)

	_, err = env.CreateDatabase(1, DatabaseConfig{})
	require.ErrorIs(t, err, common.ErrDatabaseExists)

	require.ElementsMatch(t, []uint16{1, 2}, env.DatabaseNames())

	// rename, then open under the new name
	require.NoError(t, env.CloseDatabase(db1))
	require.NoError(t, env.RenameDatabase(1, 7))
	require.ElementsMatch(t, []uint16{7, 2}, env.DatabaseNames())

	_, err = env.OpenDatabase(1, DatabaseConfig{})
	require.ErrorIs(t, err, common.ErrDatabaseNotFound)
	db7, err := env.OpenDatabase(7, DatabaseConfig{})
	require.NoError(t, err)

	_, err = env.OpenDatabase(7, DatabaseConfig{})
	require.ErrorIs(t, err, common.ErrDatabaseAlreadyOpen)

	require.NoError(t, env.RenameDatabase(2, 9))
	require.Error(t, env.RenameDatabase(9, 7)) // name in use

	// erase requires the database to be closed
	require.ErrorIs(t, env.EraseDatabase(7), common.ErrDatabaseAlreadyOpen)
	require.NoError(t, env.CloseDatabase(db7))
	require.NoError(t, env.EraseDatabase(7))
	require.ElementsMatch(t, []uint16{9}, env.DatabaseNames())
}

func TestEnvEraseDatabaseFreesData(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})

	db, err := env.CreateDatabase(1, DatabaseConfig{})
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		key := Key{Data: []byte{byte(i), byte(i >> 8), 'k'}}
		rec := Record{Data: randomBytes(t, 100)}
		require.NoError(t, db.Insert(nil, &key, &rec, 0))
	}
	require.NoError(t, env.CloseDatabase(db))
	require.NoError(t, env.EraseDatabase(1))

	// the freed pages are reused by the next database
	db2, err := env.CreateDatabase(1, DatabaseConfig{})
	require.NoError(t, err)
	key := Key{Data: []byte("fresh")}
	require.NoError(t, db2.Insert(nil, &key, &Record{Data: []byte("x")}, 0))

	count, err := db2.KeyCount(nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)
}

func TestEnvMaxDatabases(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024, MaxDatabases: 2})

	_, err := env.CreateDatabase(1, DatabaseConfig{})
	require.NoError(t, err)
	_, err = env.CreateDatabase(2, DatabaseConfig{})
	require.NoError(t, err)
	_, err = env.CreateDatabase(3, DatabaseConfig{})
	require.ErrorIs(t, err, common.ErrLimitsReached)
}

func TestEnvInMemory(t *testing.T) {
	env := testEnv(t, Config{Flags: FlagInMemory, PageSize: 1024})
	db := testDB(t, env, DatabaseConfig{})

	for i := 0; i < 300; i++ {
		key := Key{Data: []byte{byte(i), byte(i >> 8)}}
		rec := Record{Data: randomBytes(t, 50)}
		require.NoError(t, db.Insert(nil, &key, &rec, 0))
	}
	count, err := db.KeyCount(nil)
	require.NoError(t, err)
	require.Equal(t, uint64(300), count)

	// recovery flags are invalid for in-memory environments
	_, err = Create(Config{Flags: FlagInMemory | FlagEnableRecovery})
	require.ErrorIs(t, err, common.ErrInvalidParameter)
}

func TestEnvReadOnly(t *testing.T) {
	path := filepath.Join(testutil.TempDir(t), "ro.db")
	env, err := Create(Config{Path: path, PageSize: 1024})
	require.NoError(t, err)
	db, err := env.CreateDatabase(1, DatabaseConfig{})
	require.NoError(t, err)
	key := Key{Data: []byte("k")}
	require.NoError(t, db.Insert(nil, &key, &Record{Data: []byte("v")}, 0))
	require.NoError(t, env.Close())

	env, err = Open(Config{Path: path, Flags: FlagReadOnly})
	require.NoError(t, err)
	defer env.Close()

	db, err = env.OpenDatabase(1, DatabaseConfig{})
	require.NoError(t, err)

	var out Record
	require.NoError(t, db.Find(nil, &key, &out, 0))
	require.ErrorIs(t, db.Insert(nil, &key, &out, OpOverwrite), common.ErrWriteProtected)
	require.ErrorIs(t, db.Erase(nil, &key, 0), common.ErrWriteProtected)
}

func TestEnvMetricsSnapshot(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})
	db := testDB(t, env, DatabaseConfig{})

	for i := 0; i < 50; i++ {
		key := Key{Data: []byte{byte(i)}}
		require.NoError(t, db.Insert(nil, &key, &Record{Data: randomBytes(t, 2000)}, 0))
	}
	m := env.Metrics()
	require.NotZero(t, m.BlobsAllocated)
	require.NotZero(t, m.CacheHits)
}

func TestEnvUnknownParameters(t *testing.T) {
	_, err := Create(Config{Path: "x.db", PageSize: 999})
	require.ErrorIs(t, err, common.ErrInvalidParameter)

	_, err = Create(Config{})
	require.ErrorIs(t, err, common.ErrInvalidParameter)

	// per-database flags are rejected at the environment level
	_, err = Create(Config{Path: "x.db", Flags: FlagRecordNumber})
	require.ErrorIs(t, err, common.ErrInvalidParameter)
}
