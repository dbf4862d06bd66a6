package table

import (
	"github.com/intellect4all/hamdb/common"
	"github.com/intellect4all/hamdb/engine"
)

// Mutator batches cell writes and deletes. Nothing reaches the engine
// before Flush; a flush applies the whole batch, delete flags included, in
// order.
type Mutator struct {
	table   *Table
	pending []Cell
}

// Set queues one cell.
func (m *Mutator) Set(cell Cell) error {
	if cell.Row == "" {
		return common.ErrBadKey
	}
	if cell.Timestamp.IsZero() {
		cell.Timestamp = now()
	}
	m.pending = append(m.pending, cell)
	return nil
}

// SetCells queues a batch.
func (m *Mutator) SetCells(cells []Cell) error {
	for _, c := range cells {
		if err := m.Set(c); err != nil {
			return err
		}
	}
	return nil
}

// Delete queues a row deletion.
func (m *Mutator) Delete(row string) error {
	return m.Set(Cell{Row: row, Flag: FlagDeleteRow, Timestamp: now()})
}

// Flush applies the queued mutations.
func (m *Mutator) Flush() error {
	db := m.table.db
	for _, cell := range m.pending {
		switch cell.Flag {
		case FlagInsert:
			key := engine.Key{Data: encodeKey(cell.Row, cell.ColumnFamily, cell.ColumnQualifier, cell.Timestamp)}
			rec := engine.Record{Data: cell.Value}
			if err := db.Insert(nil, &key, &rec, engine.OpOverwrite); err != nil {
				return err
			}
		case FlagDeleteCell:
			key := engine.Key{Data: encodeKey(cell.Row, cell.ColumnFamily, cell.ColumnQualifier, cell.Timestamp)}
			if err := db.Erase(nil, &key, 0); err != nil && err != common.ErrKeyNotFound {
				return err
			}
		case FlagDeleteRow:
			if err := m.deletePrefix(rowPrefix(cell.Row)); err != nil {
				return err
			}
		case FlagDeleteColumnFamily:
			prefix := append(rowPrefix(cell.Row), cell.ColumnFamily...)
			prefix = append(prefix, 0)
			if err := m.deletePrefix(prefix); err != nil {
				return err
			}
		default:
			return common.ErrInvalidParameter
		}
	}
	m.pending = m.pending[:0]
	return nil
}

// deletePrefix erases every key starting with prefix.
func (m *Mutator) deletePrefix(prefix []byte) error {
	db := m.table.db
	for {
		key := engine.Key{Data: append([]byte(nil), prefix...)}
		err := db.Find(nil, &key, nil, engine.OpFindGE)
		if err == common.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if len(key.Data) < len(prefix) || string(key.Data[:len(prefix)]) != string(prefix) {
			return nil
		}
		if err := db.Erase(nil, &key, 0); err != nil {
			return err
		}
	}
}
