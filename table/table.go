package table

import (
	"time"

	"github.com/intellect4all/hamdb/common"
	"github.com/intellect4all/hamdb/engine"
)

// Table is one tabular collection of cells backed by its own engine
// database.
type Table struct {
	ns     *Namespace
	name   string
	db     *engine.Database
	schema []byte
}

// Name returns the table name.
func (t *Table) Name() string {
	return t.name
}

// Schema returns the opaque schema blob stored at creation time.
func (t *Table) Schema() []byte {
	return append([]byte(nil), t.schema...)
}

// Set writes one cell immediately. Use a mutator for batches.
func (t *Table) Set(cell Cell) error {
	m := t.CreateMutator()
	if err := m.Set(cell); err != nil {
		return err
	}
	return m.Flush()
}

// Get returns the newest version of a cell.
func (t *Table) Get(row, family, qualifier string) (Cell, error) {
	prefix := make([]byte, 0, len(row)+len(family)+len(qualifier)+3)
	prefix = append(prefix, row...)
	prefix = append(prefix, 0)
	prefix = append(prefix, family...)
	prefix = append(prefix, 0)
	prefix = append(prefix, qualifier...)
	prefix = append(prefix, 0)

	// the newest timestamp sorts first within the qualifier prefix
	key := engine.Key{Data: append([]byte(nil), prefix...)}
	var rec engine.Record
	err := t.db.Find(nil, &key, &rec, engine.OpFindGE)
	if err != nil {
		return Cell{}, err
	}
	if len(key.Data) < len(prefix) || string(key.Data[:len(prefix)]) != string(prefix) {
		return Cell{}, common.ErrKeyNotFound
	}
	cell, err := decodeKey(key.Data)
	if err != nil {
		return Cell{}, err
	}
	cell.Value = append([]byte(nil), rec.Data...)
	return cell, nil
}

// CreateMutator starts a batched writer for this table.
func (t *Table) CreateMutator() *Mutator {
	return &Mutator{table: t}
}

// CreateScanner starts a scan over the table.
func (t *Table) CreateScanner(spec ScanSpec) (*Scanner, error) {
	return newScanner(t, spec)
}

// now is the mutation timestamp source, split out for tests.
var now = time.Now
