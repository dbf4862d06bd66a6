package table

import (
	"strings"

	"github.com/intellect4all/hamdb/common"
	"github.com/intellect4all/hamdb/engine"
)

// ScanSpec bounds a table scan. The zero value scans everything.
type ScanSpec struct {
	// StartRow and EndRow bound the scan; StartRow is inclusive, EndRow
	// exclusive. Empty strings mean unbounded.
	StartRow string
	EndRow   string

	// RowPrefix restricts the scan to rows starting with the prefix.
	// Mutually exclusive with StartRow/EndRow.
	RowPrefix string

	// MaxCells stops the scan after this many cells; zero means all.
	MaxCells int

	// LatestOnly yields only the newest version of each cell.
	LatestOnly bool
}

func (s *ScanSpec) validate() error {
	if s.RowPrefix != "" && (s.StartRow != "" || s.EndRow != "") {
		return common.ErrBadScanSpec
	}
	if s.StartRow != "" && s.EndRow != "" && s.StartRow >= s.EndRow {
		return common.ErrBadScanSpec
	}
	if s.MaxCells < 0 {
		return common.ErrBadScanSpec
	}
	return nil
}

// Scanner iterates a table's cells in (row, family, qualifier, newest
// timestamp first) order.
type Scanner struct {
	table  *Table
	spec   ScanSpec
	cursor *engine.Cursor

	cell    Cell
	yielded int
	lastVer string
	err     error
	done    bool
	started bool
}

func newScanner(t *Table, spec ScanSpec) (*Scanner, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	return &Scanner{table: t, spec: spec, cursor: t.db.CreateCursor(nil)}, nil
}

// Next advances to the next cell; it returns false when the scan is done
// or failed.
func (s *Scanner) Next() bool {
	if s.done || s.err != nil {
		return false
	}
	for {
		var err error
		if !s.started {
			s.started = true
			start := s.spec.StartRow
			if s.spec.RowPrefix != "" {
				start = s.spec.RowPrefix
			}
			if start == "" {
				err = s.cursor.Move(engine.CursorFirst, false)
			} else {
				key := engine.Key{Data: []byte(start)}
				err = s.cursor.Find(&key, nil, engine.OpFindGE)
			}
		} else {
			err = s.cursor.Move(engine.CursorNext, false)
		}
		if err != nil {
			s.done = true
			if err != common.ErrKeyNotFound {
				s.err = err
			}
			return false
		}

		key, err := s.cursor.GetKey()
		if err != nil {
			s.err = err
			return false
		}
		cell, err := decodeKey(key)
		if err != nil {
			s.err = err
			return false
		}

		if s.spec.RowPrefix != "" && !strings.HasPrefix(cell.Row, s.spec.RowPrefix) {
			s.done = true
			return false
		}
		if s.spec.EndRow != "" && cell.Row >= s.spec.EndRow {
			s.done = true
			return false
		}

		if s.spec.LatestOnly {
			ver := cell.Row + "\x00" + cell.ColumnFamily + "\x00" + cell.ColumnQualifier
			if ver == s.lastVer {
				continue
			}
			s.lastVer = ver
		}

		var rec engine.Record
		if err := s.cursor.GetRecord(&rec, 0); err != nil {
			s.err = err
			return false
		}
		cell.Value = append([]byte(nil), rec.Data...)
		s.cell = cell

		s.yielded++
		if s.spec.MaxCells > 0 && s.yielded > s.spec.MaxCells {
			s.done = true
			return false
		}
		return true
	}
}

// Cell returns the current cell.
func (s *Scanner) Cell() Cell {
	return s.cell
}

// Err returns the first error the scan hit.
func (s *Scanner) Err() error {
	return s.err
}

// Close releases the scanner's cursor.
func (s *Scanner) Close() {
	s.cursor.Close()
}
