package table

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intellect4all/hamdb/common"
	"github.com/intellect4all/hamdb/common/testutil"
	"github.com/intellect4all/hamdb/engine"
)

func testNamespace(t *testing.T) *Namespace {
	t.Helper()
	env, err := engine.Create(engine.Config{
		Path:     filepath.Join(testutil.TempDir(t), "table.db"),
		PageSize: 4096,
	})
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })

	ns, err := OpenNamespace(env)
	require.NoError(t, err)
	return ns
}

func TestKeyEncodingRoundTrip(t *testing.T) {
	ts := time.Unix(1234567, 890).UTC()
	key := encodeKey("row-1", "cf", "qual", ts)

	cell, err := decodeKey(key)
	require.NoError(t, err)
	require.Equal(t, "row-1", cell.Row)
	require.Equal(t, "cf", cell.ColumnFamily)
	require.Equal(t, "qual", cell.ColumnQualifier)
	require.True(t, ts.Equal(cell.Timestamp))
}

func TestKeyEncodingNewerSortsFirst(t *testing.T) {
	older := encodeKey("r", "f", "q", time.Unix(100, 0))
	newer := encodeKey("r", "f", "q", time.Unix(200, 0))
	require.Less(t, string(newer), string(older))
}

func TestTableSetGet(t *testing.T) {
	ns := testNamespace(t)
	tbl, err := ns.CreateTable("users", []byte("schema"))
	require.NoError(t, err)

	cell := Cell{
		Row:             "row-1",
		ColumnFamily:    "info",
		ColumnQualifier: "name",
		Value:           []byte("gopher"),
	}
	require.NoError(t, tbl.Set(cell))

	got, err := tbl.Get("row-1", "info", "name")
	require.NoError(t, err)
	require.Equal(t, []byte("gopher"), got.Value)

	_, err = tbl.Get("row-1", "info", "missing")
	require.ErrorIs(t, err, common.ErrKeyNotFound)
}

func TestTableGetReturnsNewestVersion(t *testing.T) {
	ns := testNamespace(t)
	tbl, err := ns.CreateTable("versions", nil)
	require.NoError(t, err)

	m := tbl.CreateMutator()
	require.NoError(t, m.Set(Cell{
		Row: "r", ColumnFamily: "f", ColumnQualifier: "q",
		Timestamp: time.Unix(100, 0), Value: []byte("old"),
	}))
	require.NoError(t, m.Set(Cell{
		Row: "r", ColumnFamily: "f", ColumnQualifier: "q",
		Timestamp: time.Unix(200, 0), Value: []byte("new"),
	}))
	require.NoError(t, m.Flush())

	got, err := tbl.Get("r", "f", "q")
	require.NoError(t, err)
	require.Equal(t, []byte("new"), got.Value)
}

func TestMutatorDeleteRow(t *testing.T) {
	ns := testNamespace(t)
	tbl, err := ns.CreateTable("t", nil)
	require.NoError(t, err)

	m := tbl.CreateMutator()
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Set(Cell{
			Row: "victim", ColumnFamily: "f",
			ColumnQualifier: fmt.Sprintf("q%d", i), Value: []byte("x"),
		}))
	}
	require.NoError(t, m.Set(Cell{
		Row: "survivor", ColumnFamily: "f", ColumnQualifier: "q", Value: []byte("y"),
	}))
	require.NoError(t, m.Flush())

	require.NoError(t, m.Delete("victim"))
	require.NoError(t, m.Flush())

	_, err = tbl.Get("victim", "f", "q0")
	require.ErrorIs(t, err, common.ErrKeyNotFound)
	_, err = tbl.Get("survivor", "f", "q")
	require.NoError(t, err)
}

func TestScannerRowInterval(t *testing.T) {
	ns := testNamespace(t)
	tbl, err := ns.CreateTable("scan", nil)
	require.NoError(t, err)

	m := tbl.CreateMutator()
	for _, row := range []string{"a", "b", "c", "d"} {
		require.NoError(t, m.Set(Cell{
			Row: row, ColumnFamily: "f", ColumnQualifier: "q", Value: []byte(row),
		}))
	}
	require.NoError(t, m.Flush())

	scanner, err := tbl.CreateScanner(ScanSpec{StartRow: "b", EndRow: "d"})
	require.NoError(t, err)
	defer scanner.Close()

	var rows []string
	for scanner.Next() {
		rows = append(rows, scanner.Cell().Row)
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, []string{"b", "c"}, rows)
}

func TestScannerLatestOnly(t *testing.T) {
	ns := testNamespace(t)
	tbl, err := ns.CreateTable("latest", nil)
	require.NoError(t, err)

	m := tbl.CreateMutator()
	for i := 1; i <= 3; i++ {
		require.NoError(t, m.Set(Cell{
			Row: "r", ColumnFamily: "f", ColumnQualifier: "q",
			Timestamp: time.Unix(int64(i*100), 0),
			Value:     []byte(fmt.Sprintf("v%d", i)),
		}))
	}
	require.NoError(t, m.Flush())

	scanner, err := tbl.CreateScanner(ScanSpec{LatestOnly: true})
	require.NoError(t, err)
	defer scanner.Close()

	var values []string
	for scanner.Next() {
		values = append(values, string(scanner.Cell().Value))
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, []string{"v3"}, values)
}

func TestScannerBadSpec(t *testing.T) {
	ns := testNamespace(t)
	tbl, err := ns.CreateTable("bad", nil)
	require.NoError(t, err)

	_, err = tbl.CreateScanner(ScanSpec{StartRow: "z", EndRow: "a"})
	require.ErrorIs(t, err, common.ErrBadScanSpec)

	_, err = tbl.CreateScanner(ScanSpec{RowPrefix: "p", StartRow: "a"})
	require.ErrorIs(t, err, common.ErrBadScanSpec)
}

func TestNamespaceTableLifecycle(t *testing.T) {
	ns := testNamespace(t)

	_, err := ns.CreateTable("one", []byte("s1"))
	require.NoError(t, err)
	_, err = ns.CreateTable("two", []byte("s2"))
	require.NoError(t, err)
	_, err = ns.CreateTable("one", nil)
	require.ErrorIs(t, err, common.ErrNameAlreadyInUse)

	names, err := ns.Tables()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"one", "two"}, names)

	require.NoError(t, ns.RenameTable("two", "three"))
	names, err = ns.Tables()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"one", "three"}, names)

	require.NoError(t, ns.DropTable("one"))
	_, err = ns.OpenTable("one")
	require.ErrorIs(t, err, common.ErrDatabaseNotFound)
}

func TestKeyBuilderRoundTrip(t *testing.T) {
	key := NewKey()
	require.Len(t, key, keySize)

	// the alphabet excludes characters unsafe for query strings
	for _, c := range key {
		require.NotContains(t, ";&\\\",", string(c))
	}

	guid := DecodeKey(key)
	require.Equal(t, key, EncodeKey(guid))

	// keys are unique
	require.NotEqual(t, key, NewKey())
}
