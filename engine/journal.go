package engine

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/intellect4all/hamdb/common"
)

const (
	journalHeaderMagic uint32 = 0x484d4a4c

	// journal file header: magic(4) pad(4) lastLsn(8)
	journalHeaderSize = 16

	// journal entry header: lsn(8) txnID(8) dbName(2) type(1) pad(1)
	// size(4), followed by size payload bytes.
	journalEntrySize = 24
)

// Journal entry types.
const (
	journalEntryTxnBegin uint8 = iota + 1
	journalEntryTxnAbort
	journalEntryTxnCommit
	journalEntryInsert
	journalEntryErase
	journalEntryChangeset
)

// Journal is the logical operation log. It records the transaction
// protocol (begin/commit/abort), the insert/erase payloads needed to
// re-execute committed transactions, and changeset markers referencing
// stable lsns. Replay happens after the physical log was applied.
type Journal struct {
	env  *Environment
	file *os.File
	lsn  uint64
}

// NewJournal creates the journal component.
func NewJournal(env *Environment) *Journal {
	return &Journal{env: env}
}

func (j *Journal) path() string {
	return j.env.config.Path + ".jrn"
}

// Create truncates/creates the journal file.
func (j *Journal) Create() error {
	f, err := os.OpenFile(j.path(), os.O_RDWR|os.O_CREATE|os.O_TRUNC, j.env.config.FileMode)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	j.file = f
	return j.writeHeader()
}

// Open opens an existing journal and restores the last lsn.
func (j *Journal) Open() error {
	f, err := os.OpenFile(j.path(), os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return common.ErrFileNotFound
		}
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	j.file = f

	hdr := make([]byte, journalHeaderSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		j.file.Close()
		j.file = nil
		return common.ErrLogInvalidFileHeader
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != journalHeaderMagic {
		j.file.Close()
		j.file = nil
		return common.ErrLogInvalidFileHeader
	}
	j.lsn = binary.LittleEndian.Uint64(hdr[8:16])

	// the header lsn is only updated on clean close; scan the tail for
	// the true high water mark
	last, err := j.scanLastLsn()
	if err != nil {
		return err
	}
	if last > j.lsn {
		j.lsn = last
	}
	return nil
}

func (j *Journal) writeHeader() error {
	hdr := make([]byte, journalHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], journalHeaderMagic)
	binary.LittleEndian.PutUint64(hdr[8:16], j.lsn)
	if _, err := j.file.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	return nil
}

// IsEmpty reports whether the journal holds any entries.
func (j *Journal) IsEmpty() (bool, error) {
	st, err := j.file.Stat()
	if err != nil {
		return false, fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	return st.Size() <= journalHeaderSize, nil
}

// GetIncrementedLsn returns the next lsn, or zero on overflow.
func (j *Journal) GetIncrementedLsn() uint64 {
	if j.lsn == math.MaxUint64 {
		return 0
	}
	j.lsn++
	return j.lsn
}

// Lsn returns the last assigned lsn.
func (j *Journal) Lsn() uint64 {
	return j.lsn
}

func (j *Journal) append(lsn, txnID uint64, dbName uint16, typ uint8, payload []byte) error {
	buf := make([]byte, journalEntrySize+len(payload))
	binary.LittleEndian.PutUint64(buf[0:8], lsn)
	binary.LittleEndian.PutUint64(buf[8:16], txnID)
	binary.LittleEndian.PutUint16(buf[16:18], dbName)
	buf[18] = typ
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(payload)))
	copy(buf[journalEntrySize:], payload)

	end, err := j.file.Seek(0, 2)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	if _, err := j.file.WriteAt(buf, end); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	metricJournalAppends.Inc()
	return nil
}

// AppendTxnBegin records the start of a named transaction.
func (j *Journal) AppendTxnBegin(txn *Txn, lsn uint64) error {
	return j.append(lsn, txn.id, 0, journalEntryTxnBegin, []byte(txn.name))
}

// AppendTxnAbort records an abort.
func (j *Journal) AppendTxnAbort(txn *Txn, lsn uint64) error {
	return j.append(lsn, txn.id, 0, journalEntryTxnAbort, nil)
}

// AppendTxnCommit records a commit.
func (j *Journal) AppendTxnCommit(txn *Txn, lsn uint64) error {
	return j.append(lsn, txn.id, 0, journalEntryTxnCommit, nil)
}

// AppendInsert records an insert operation so replay can re-execute it.
func (j *Journal) AppendInsert(db *Database, txn *Txn, key, record []byte, flags uint32, lsn uint64) error {
	payload := make([]byte, 12+len(key)+len(record))
	binary.LittleEndian.PutUint32(payload[0:4], flags)
	binary.LittleEndian.PutUint32(payload[4:8], uint32(len(key)))
	binary.LittleEndian.PutUint32(payload[8:12], uint32(len(record)))
	copy(payload[12:], key)
	copy(payload[12+len(key):], record)
	return j.append(lsn, txn.id, db.name, journalEntryInsert, payload)
}

// AppendErase records an erase operation.
func (j *Journal) AppendErase(db *Database, txn *Txn, key []byte, flags uint32, dupe uint32, lsn uint64) error {
	payload := make([]byte, 12+len(key))
	binary.LittleEndian.PutUint32(payload[0:4], flags)
	binary.LittleEndian.PutUint32(payload[4:8], uint32(len(key)))
	binary.LittleEndian.PutUint32(payload[8:12], dupe)
	copy(payload[12:], key)
	return j.append(lsn, txn.id, db.name, journalEntryErase, payload)
}

// AppendChangeset records the page-id lists of a non-idempotent changeset.
func (j *Journal) AppendChangeset(blobs, pageManager, indices, others []*Page, lsn uint64) error {
	size := 16
	for _, b := range [][]*Page{blobs, pageManager, indices, others} {
		size += len(b) * 8
	}
	payload := make([]byte, size)
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(blobs)))
	binary.LittleEndian.PutUint32(payload[4:8], uint32(len(pageManager)))
	binary.LittleEndian.PutUint32(payload[8:12], uint32(len(indices)))
	binary.LittleEndian.PutUint32(payload[12:16], uint32(len(others)))
	off := 16
	for _, b := range [][]*Page{blobs, pageManager, indices, others} {
		for _, p := range b {
			binary.LittleEndian.PutUint64(payload[off:], p.Address())
			off += 8
		}
	}
	return j.append(lsn, 0, 0, journalEntryChangeset, payload)
}

type journalOp struct {
	lsn    uint64
	txnID  uint64
	dbName uint16
	typ    uint8
	flags  uint32
	dupe   uint32
	key    []byte
	record []byte
}

type journalTxn struct {
	name      string
	committed bool
	aborted   bool
	ops       []journalOp
}

func (j *Journal) scanLastLsn() (uint64, error) {
	var last uint64
	err := j.scan(func(lsn, txnID uint64, dbName uint16, typ uint8, payload []byte) {
		if lsn > last {
			last = lsn
		}
	})
	return last, err
}

// scan walks the journal forward and invokes cb per complete entry. A
// truncated trailing entry ends the scan silently; replay must stop at the
// last complete record.
func (j *Journal) scan(cb func(lsn, txnID uint64, dbName uint16, typ uint8, payload []byte)) error {
	st, err := j.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	size := st.Size()

	pos := int64(journalHeaderSize)
	hdr := make([]byte, journalEntrySize)
	for pos+journalEntrySize <= size {
		if _, err := j.file.ReadAt(hdr, pos); err != nil {
			return fmt.Errorf("%w: %v", common.ErrIO, err)
		}
		lsn := binary.LittleEndian.Uint64(hdr[0:8])
		txnID := binary.LittleEndian.Uint64(hdr[8:16])
		dbName := binary.LittleEndian.Uint16(hdr[16:18])
		typ := hdr[18]
		payloadSize := binary.LittleEndian.Uint32(hdr[20:24])

		if typ == 0 || typ > journalEntryChangeset {
			break
		}
		if pos+journalEntrySize+int64(payloadSize) > size {
			break
		}
		payload := make([]byte, payloadSize)
		if payloadSize > 0 {
			if _, err := j.file.ReadAt(payload, pos+journalEntrySize); err != nil {
				return fmt.Errorf("%w: %v", common.ErrIO, err)
			}
		}
		cb(lsn, txnID, dbName, typ, payload)
		pos += journalEntrySize + int64(payloadSize)
	}
	return nil
}

// Recover re-executes the committed transactions in lsn order. Operations
// whose lsn is not beyond startLsn were already covered by the physical
// log and are skipped; aborted transactions and transactions without a
// commit record are discarded.
func (j *Journal) Recover(startLsn uint64) error {
	logger := j.env.logger.With().Str("component", "journal").Logger()

	txns := make(map[uint64]*journalTxn)
	if err := j.scan(func(lsn, txnID uint64, dbName uint16, typ uint8, payload []byte) {
		if lsn > j.lsn {
			j.lsn = lsn
		}
		if typ == journalEntryChangeset {
			return
		}
		t := txns[txnID]
		if t == nil {
			t = &journalTxn{}
			txns[txnID] = t
		}
		switch typ {
		case journalEntryTxnBegin:
			t.name = string(payload)
		case journalEntryTxnCommit:
			t.committed = true
		case journalEntryTxnAbort:
			t.aborted = true
		case journalEntryInsert:
			if len(payload) < 12 {
				return
			}
			flags := binary.LittleEndian.Uint32(payload[0:4])
			keyLen := binary.LittleEndian.Uint32(payload[4:8])
			recLen := binary.LittleEndian.Uint32(payload[8:12])
			if uint32(len(payload)) < 12+keyLen+recLen {
				return
			}
			t.ops = append(t.ops, journalOp{
				lsn: lsn, txnID: txnID, dbName: dbName, typ: typ, flags: flags,
				key:    append([]byte(nil), payload[12:12+keyLen]...),
				record: append([]byte(nil), payload[12+keyLen:12+keyLen+recLen]...),
			})
		case journalEntryErase:
			if len(payload) < 12 {
				return
			}
			flags := binary.LittleEndian.Uint32(payload[0:4])
			keyLen := binary.LittleEndian.Uint32(payload[4:8])
			dupe := binary.LittleEndian.Uint32(payload[8:12])
			if uint32(len(payload)) < 12+keyLen {
				return
			}
			t.ops = append(t.ops, journalOp{
				lsn: lsn, txnID: txnID, dbName: dbName, typ: typ, flags: flags,
				dupe: dupe,
				key:  append([]byte(nil), payload[12:12+keyLen]...),
			})
		}
	}); err != nil {
		return err
	}

	var ops []journalOp
	for id, t := range txns {
		if !t.committed || t.aborted {
			logger.Debug().Uint64("txn", id).Bool("aborted", t.aborted).
				Msg("skipping unfinished transaction")
			continue
		}
		ops = append(ops, t.ops...)
	}
	sort.Slice(ops, func(a, b int) bool { return ops[a].lsn < ops[b].lsn })

	for _, op := range ops {
		if op.lsn <= startLsn {
			continue
		}
		if err := j.env.replayOp(op); err != nil {
			return err
		}
		logger.Debug().Uint64("lsn", op.lsn).Uint16("db", op.dbName).
			Msg("re-executed journal operation")
	}

	return j.Clear()
}

// Flush fsyncs the journal file.
func (j *Journal) Flush() error {
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	return nil
}

// Clear truncates the journal back to its header.
func (j *Journal) Clear() error {
	if err := j.file.Truncate(journalHeaderSize); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	return j.writeHeader()
}

// Close persists the last lsn and closes the file.
func (j *Journal) Close(noclear bool) error {
	if j.file == nil {
		return nil
	}
	if !noclear {
		if err := j.Clear(); err != nil {
			return err
		}
	}
	if err := j.writeHeader(); err != nil {
		return err
	}
	err := j.file.Close()
	j.file = nil
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	return nil
}
