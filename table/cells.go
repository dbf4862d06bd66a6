// Package table exposes the engine under a tabular namespaces / tables /
// cells surface: values are addressed by (row, column family, column
// qualifier, timestamp) and stored as engine key/record pairs.
package table

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/intellect4all/hamdb/common"
)

// Cell flags.
const (
	// FlagInsert marks a regular cell write.
	FlagInsert uint8 = iota

	// FlagDeleteRow deletes every cell of the row.
	FlagDeleteRow

	// FlagDeleteColumnFamily deletes every cell of the row's column
	// family.
	FlagDeleteColumnFamily

	// FlagDeleteCell deletes a single cell.
	FlagDeleteCell
)

// Cell is one tabular value.
type Cell struct {
	Row             string
	ColumnFamily    string
	ColumnQualifier string
	Timestamp       time.Time
	Value           []byte
	Flag            uint8
}

// cell keys: row \x00 family \x00 qualifier \x00 inverted-timestamp.
// The timestamp is stored big-endian and bit-inverted so that the newest
// version of a cell sorts first.

func encodeKey(row, family, qualifier string, ts time.Time) []byte {
	key := make([]byte, 0, len(row)+len(family)+len(qualifier)+11)
	key = append(key, row...)
	key = append(key, 0)
	key = append(key, family...)
	key = append(key, 0)
	key = append(key, qualifier...)
	key = append(key, 0)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], ^uint64(ts.UnixNano()))
	key = append(key, buf[:]...)
	return key
}

func decodeKey(key []byte) (Cell, error) {
	var cell Cell

	i := bytes.IndexByte(key, 0)
	if i < 0 {
		return cell, common.ErrBadKey
	}
	cell.Row = string(key[:i])
	key = key[i+1:]

	i = bytes.IndexByte(key, 0)
	if i < 0 {
		return cell, common.ErrBadKey
	}
	cell.ColumnFamily = string(key[:i])
	key = key[i+1:]

	i = bytes.IndexByte(key, 0)
	if i < 0 || len(key[i+1:]) != 8 {
		return cell, common.ErrBadKey
	}
	cell.ColumnQualifier = string(key[:i])
	cell.Timestamp = time.Unix(0, int64(^binary.BigEndian.Uint64(key[i+1:])))
	return cell, nil
}

// rowPrefix is the scan prefix covering every cell of a row.
func rowPrefix(row string) []byte {
	return append([]byte(row), 0)
}
