// Package engine implements an embedded, on-disk key-value store: a paged
// file with an LRU page cache, a bitmap freelist, a B-tree index with
// duplicate keys and extended keys, a blob store for large values, and a
// redo log plus logical journal for crash recovery and transactions.
package engine

import (
	"encoding/binary"
	"sync"

	"github.com/rs/zerolog"

	"github.com/intellect4all/hamdb/common"
)

// Engine version. Files written by versions below 1.0.9 or with a
// different file version are rejected.
const (
	versionMaj  = 1
	versionMin  = 1
	versionRev  = 0
	fileVersion = 1

	serialNumber uint32 = 0
)

// Header page layout (page 0, little-endian):
//
//	bytes 0..3   magic 'H' 'A' 'M' 0x00
//	bytes 4..7   version quad (maj, min, rev, file version)
//	bytes 8..11  serial number
//	bytes 12..15 persistent page size
//	bytes 16..17 max databases
//	bytes 20..   database descriptors, then the freelist payload
const (
	hdrOffMagic    = 0
	hdrOffVersion  = 4
	hdrOffSerial   = 8
	hdrOffPageSize = 12
	hdrOffMaxDbs   = 16
	hdrOffDescs    = 20

	descSize = 24

	// bootstrapSize is read blind on open to learn the real page size.
	bootstrapSize = 512
)

var headerMagic = [4]byte{'H', 'A', 'M', 0}

// dbDescriptor is one slot of the header page's database table. Name 0
// marks a free slot.
type dbDescriptor struct {
	name        uint16
	keySize     uint16
	flags       uint32
	rootAddress uint64
	generation  uint32
}

// Environment is the top of the stack: it owns the device, the page
// manager, the durability components and the transaction list. A single
// mutex serializes every public entry point.
type Environment struct {
	mu     sync.Mutex
	config Config
	logger zerolog.Logger

	device      Device
	pageSize    uint32
	headerPage  *Page
	pageManager *PageManager
	blobManager *BlobManager
	changeset   *Changeset
	log         *Log
	journal     *Journal

	databases map[uint16]*Database

	oldestTxn *Txn
	newestTxn *Txn
	nextTxnID uint64

	txnsCommitted uint64
	txnsAborted   uint64
}

func (env *Environment) usablePageSize() uint32 {
	return env.pageSize - pageHeaderSize
}

func (env *Environment) txnsEnabled() bool {
	return env.config.Flags&FlagEnableTransactions != 0
}

// addToChangeset collects a page for the operation in flight; a no-op
// unless recovery is enabled.
func (env *Environment) addToChangeset(page *Page) {
	if env.config.Flags&FlagEnableRecovery != 0 {
		env.changeset.AddPage(page)
	}
}

func (env *Environment) fetchHeaderPage() (*Page, error) {
	env.addToChangeset(env.headerPage)
	return env.headerPage, nil
}

func (env *Environment) headerFreelistPayload(hdr *Page) []byte {
	start := hdrOffDescs + int(env.config.MaxDatabases)*descSize
	return hdr.RawPayload()[start:]
}

func (env *Environment) readDescriptor(slot int) dbDescriptor {
	buf := env.headerPage.RawPayload()[hdrOffDescs+slot*descSize:]
	return dbDescriptor{
		name:        binary.LittleEndian.Uint16(buf[0:2]),
		keySize:     binary.LittleEndian.Uint16(buf[2:4]),
		flags:       binary.LittleEndian.Uint32(buf[4:8]),
		rootAddress: binary.LittleEndian.Uint64(buf[8:16]),
		generation:  binary.LittleEndian.Uint32(buf[16:20]),
	}
}

func (env *Environment) writeDescriptor(slot int, d dbDescriptor) {
	buf := env.headerPage.RawPayload()[hdrOffDescs+slot*descSize:]
	binary.LittleEndian.PutUint16(buf[0:2], d.name)
	binary.LittleEndian.PutUint16(buf[2:4], d.keySize)
	binary.LittleEndian.PutUint32(buf[4:8], d.flags)
	binary.LittleEndian.PutUint64(buf[8:16], d.rootAddress)
	binary.LittleEndian.PutUint32(buf[16:20], d.generation)
	env.headerPage.SetDirty(true)
	env.addToChangeset(env.headerPage)
}

func (db *Database) descriptor() dbDescriptor {
	return db.env.readDescriptor(db.slot)
}

func (db *Database) writeDescriptor(d dbDescriptor) error {
	db.env.writeDescriptor(db.slot, d)
	return nil
}

func newEnvironment(config Config) *Environment {
	env := &Environment{
		config:    config,
		logger:    config.logger().With().Str("component", "env").Logger(),
		pageSize:  config.PageSize,
		databases: make(map[uint16]*Database),
	}
	env.changeset = NewChangeset(env)
	env.pageManager = NewPageManager(env, config.CacheSize)
	env.blobManager = NewBlobManager(env)
	return env
}

// Create creates a new environment file (or in-memory region).
func Create(config Config) (*Environment, error) {
	config.setDefaults()
	if err := config.validate(true); err != nil {
		return nil, err
	}

	env := newEnvironment(config)
	if config.Flags&FlagInMemory != 0 {
		env.device = NewMemDevice(config.PageSize)
	} else {
		env.device = NewFileDevice(config.PageSize)
	}
	if err := env.device.Create(config.Path, config.FileMode); err != nil {
		return nil, err
	}

	// lay out the header page
	hdr := NewPage(env.device, nil)
	if err := hdr.Allocate(); err != nil {
		env.device.Close()
		return nil, err
	}
	raw := hdr.RawPayload()
	copy(raw[hdrOffMagic:], headerMagic[:])
	raw[hdrOffVersion+0] = versionMaj
	raw[hdrOffVersion+1] = versionMin
	raw[hdrOffVersion+2] = versionRev
	raw[hdrOffVersion+3] = fileVersion
	binary.LittleEndian.PutUint32(raw[hdrOffSerial:], serialNumber)
	binary.LittleEndian.PutUint32(raw[hdrOffPageSize:], config.PageSize)
	binary.LittleEndian.PutUint16(raw[hdrOffMaxDbs:], config.MaxDatabases)
	env.headerPage = hdr

	if config.Flags&FlagInMemory == 0 {
		initFreelistPayload(env.headerFreelistPayload(hdr), 0)
	}

	if err := hdr.Flush(); err != nil {
		env.device.Close()
		return nil, err
	}

	if config.Flags&FlagEnableRecovery != 0 {
		env.log = NewLog(env)
		if err := env.log.Create(); err != nil {
			env.device.Close()
			return nil, err
		}
	}
	if config.Flags&FlagEnableTransactions != 0 {
		env.journal = NewJournal(env)
		if err := env.journal.Create(); err != nil {
			env.device.Close()
			return nil, err
		}
	}

	env.logger.Info().Str("path", config.Path).Uint32("pagesize", config.PageSize).
		Msg("created environment")
	return env, nil
}

// Open opens an existing environment file, verifies its header and runs
// recovery when requested.
func Open(config Config) (*Environment, error) {
	config.setDefaults()
	if err := config.validate(false); err != nil {
		return nil, err
	}
	if config.Flags&FlagInMemory != 0 {
		return nil, common.ErrInvalidParameter
	}

	env := newEnvironment(config)
	env.device = NewFileDevice(config.PageSize)
	if err := env.device.Open(config.Path, config.Flags&FlagReadOnly != 0); err != nil {
		return nil, err
	}

	// the first 512 bytes are read blind to learn the real page size
	size, err := env.device.FileSize()
	if err != nil {
		env.device.Close()
		return nil, err
	}
	if size < bootstrapSize {
		env.device.Close()
		return nil, common.ErrInvalidFileHeader
	}
	boot := make([]byte, bootstrapSize)
	if err := env.device.Read(0, boot); err != nil {
		env.device.Close()
		return nil, err
	}

	if string(boot[hdrOffMagic:hdrOffMagic+4]) != string(headerMagic[:]) {
		env.device.Close()
		return nil, common.ErrInvalidFileHeader
	}
	maj, min, rev := boot[hdrOffVersion], boot[hdrOffVersion+1], boot[hdrOffVersion+2]
	if boot[hdrOffVersion+3] != fileVersion {
		env.device.Close()
		return nil, common.ErrInvalidFileVersion
	}
	if maj == 0 || (maj == 1 && min == 0 && rev < 9) {
		env.device.Close()
		return nil, common.ErrInvalidFileVersion
	}

	persistentPageSize := binary.LittleEndian.Uint32(boot[hdrOffPageSize:])
	if persistentPageSize < MinPageSize || persistentPageSize > MaxPageSize {
		env.device.Close()
		return nil, common.ErrInvalidFileHeader
	}
	env.pageSize = persistentPageSize
	env.config.PageSize = persistentPageSize
	env.device.SetPageSize(persistentPageSize)
	env.config.MaxDatabases = binary.LittleEndian.Uint16(boot[hdrOffMaxDbs:])

	// now read the real header page
	hdr := NewPage(env.device, nil)
	if err := hdr.Fetch(0); err != nil {
		env.device.Close()
		return nil, err
	}
	env.headerPage = hdr

	if config.Flags&FlagEnableRecovery != 0 {
		if err := env.recover(); err != nil {
			env.device.Close()
			return nil, err
		}
	}

	env.logger.Info().Str("path", config.Path).Uint32("pagesize", env.pageSize).
		Msg("opened environment")
	return env, nil
}

// recover opens log and journal and applies them when needed. Without
// FlagAutoRecovery an unclean file fails with common.ErrNeedRecovery and
// the files stay untouched.
func (env *Environment) recover() error {
	env.log = NewLog(env)
	if err := env.log.Open(); err != nil {
		if err != common.ErrFileNotFound {
			return err
		}
		if err := env.log.Create(); err != nil {
			return err
		}
	}
	if env.txnsEnabled() {
		env.journal = NewJournal(env)
		if err := env.journal.Open(); err != nil {
			if err != common.ErrFileNotFound {
				return err
			}
			if err := env.journal.Create(); err != nil {
				return err
			}
		}
	}

	logEmpty, err := env.log.IsEmpty()
	if err != nil {
		return err
	}
	if !logEmpty {
		if env.config.Flags&FlagAutoRecovery == 0 {
			env.log.Close(true)
			if env.journal != nil {
				env.journal.Close(true)
			}
			return common.ErrNeedRecovery
		}
		if err := env.log.Recover(); err != nil {
			return err
		}
		// the header page may have been restored from the log
		if err := env.headerPage.Fetch(0); err != nil {
			return err
		}
	}

	if env.journal != nil {
		jEmpty, err := env.journal.IsEmpty()
		if err != nil {
			return err
		}
		if !jEmpty {
			if env.config.Flags&FlagAutoRecovery == 0 {
				env.log.Close(true)
				env.journal.Close(true)
				return common.ErrNeedRecovery
			}
			if err := env.journal.Recover(env.log.Lsn()); err != nil {
				return err
			}
			if err := env.pageManager.FlushAllPages(true); err != nil {
				return err
			}
			if err := env.device.Flush(); err != nil {
				return err
			}
			// databases opened for replay are detached again
			for _, db := range env.databases {
				if err := env.pageManager.CloseDatabase(db); err != nil {
					return err
				}
			}
			env.databases = make(map[uint16]*Database)
		}
	}
	return nil
}

// replayOp re-executes one journal operation during recovery.
func (env *Environment) replayOp(op journalOp) error {
	db, err := env.openDatabaseLocked(op.dbName, DatabaseConfig{})
	if err != nil && err != common.ErrDatabaseAlreadyOpen {
		return err
	}
	if db == nil {
		db = env.databases[op.dbName]
	}
	if db == nil {
		return common.ErrDatabaseNotFound
	}

	return env.withChangeset(func(lsn uint64) error {
		key := &Key{Data: op.key}
		switch op.typ {
		case journalEntryInsert:
			flags := op.flags
			if flags&OpDuplicate == 0 {
				flags |= OpOverwrite
			}
			return db.btree.Insert(key, &Record{Data: op.record}, flags)
		case journalEntryErase:
			var err error
			if op.dupe > 0 {
				err = db.btree.EraseDuplicate(key, op.dupe-1, op.flags)
			} else {
				err = db.btree.Erase(key, op.flags)
			}
			if err == common.ErrKeyNotFound {
				err = nil
			}
			return err
		default:
			return nil
		}
	})
}

// getIncrementedLsn returns the next journal lsn; without a journal a
// dummy value is used.
func (env *Environment) getIncrementedLsn() (uint64, error) {
	if env.journal != nil {
		lsn := env.journal.GetIncrementedLsn()
		if lsn == 0 {
			env.logger.Error().Msg("journal lsn overflow")
			return 0, common.ErrLimitsReached
		}
		return lsn, nil
	}
	return 1, nil
}

// withChangeset wraps one direct (non-transactional) logical operation:
// it assigns an lsn, runs the operation and flushes the changeset.
func (env *Environment) withChangeset(fn func(lsn uint64) error) error {
	if env.config.Flags&FlagEnableRecovery == 0 {
		if err := fn(0); err != nil {
			return err
		}
		env.changeset.Clear()
		return env.pageManager.PurgeCache()
	}

	lsn, err := env.getIncrementedLsn()
	if err != nil {
		return err
	}
	return env.withChangesetAt(lsn, func() error { return fn(lsn) })
}

// withChangesetAt runs one logical operation and flushes its changeset
// under the given lsn.
func (env *Environment) withChangesetAt(lsn uint64, fn func() error) error {
	if env.config.Flags&FlagEnableRecovery == 0 {
		if err := fn(); err != nil {
			return err
		}
		env.changeset.Clear()
		return env.pageManager.PurgeCache()
	}
	if err := fn(); err != nil {
		env.changeset.Clear()
		return err
	}
	env.changeset.AddPage(env.headerPage)
	if err := env.changeset.Flush(lsn); err != nil {
		return err
	}
	return env.pageManager.PurgeCache()
}

func (env *Environment) findDescriptorSlot(name uint16) int {
	for i := 0; i < int(env.config.MaxDatabases); i++ {
		if env.readDescriptor(i).name == name {
			return i
		}
	}
	return -1
}

// CreateDatabase creates a named database. Valid names are 1..0xffff.
func (env *Environment) CreateDatabase(name uint16, config DatabaseConfig) (*Database, error) {
	env.mu.Lock()
	defer env.mu.Unlock()

	if name == 0 {
		return nil, common.ErrInvalidParameter
	}
	if env.config.Flags&FlagReadOnly != 0 {
		return nil, common.ErrWriteProtected
	}
	config.setDefaults()
	if err := config.validate(env.pageSize); err != nil {
		return nil, err
	}
	if env.findDescriptorSlot(name) >= 0 {
		return nil, common.ErrDatabaseExists
	}
	slot := env.findDescriptorSlot(0)
	if slot < 0 {
		return nil, common.ErrLimitsReached
	}

	db := &Database{
		env:      env,
		name:     name,
		slot:     slot,
		config:   config,
		keySize:  config.KeySize,
		txnIndex: make(map[string]*txnNode),
	}
	db.btree = NewBtreeIndex(db)

	err := env.withChangeset(func(lsn uint64) error {
		env.writeDescriptor(slot, dbDescriptor{
			name:    name,
			keySize: config.KeySize,
			flags:   uint32(config.Flags),
		})
		return db.btree.createRoot()
	})
	if err != nil {
		return nil, err
	}

	env.databases[name] = db
	env.logger.Info().Uint16("db", name).Msg("created database")
	return db, nil
}

// OpenDatabase opens a named database. The persisted flags rule; the
// caller may only add a RecordCompare function.
func (env *Environment) OpenDatabase(name uint16, config DatabaseConfig) (*Database, error) {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.openDatabaseLocked(name, config)
}

func (env *Environment) openDatabaseLocked(name uint16, config DatabaseConfig) (*Database, error) {
	if _, open := env.databases[name]; open {
		return nil, common.ErrDatabaseAlreadyOpen
	}
	slot := env.findDescriptorSlot(name)
	if slot < 0 {
		return nil, common.ErrDatabaseNotFound
	}
	desc := env.readDescriptor(slot)

	db := &Database{
		env:     env,
		name:    name,
		slot:    slot,
		keySize: desc.keySize,
		config: DatabaseConfig{
			Flags:         Flags(desc.flags),
			KeySize:       desc.keySize,
			RecordCompare: config.RecordCompare,
		},
		txnIndex: make(map[string]*txnNode),
	}
	db.btree = NewBtreeIndex(db)
	if err := db.loadRecno(); err != nil {
		return nil, err
	}
	env.changeset.Clear()
	env.databases[name] = db
	return db, nil
}

// CloseDatabase flushes and detaches a database.
func (env *Environment) CloseDatabase(db *Database) error {
	env.mu.Lock()
	defer env.mu.Unlock()

	if db.openCursors > 0 {
		return common.ErrCursorStillOpen
	}
	if err := env.pageManager.CloseDatabase(db); err != nil {
		return err
	}
	delete(env.databases, db.name)
	return nil
}

// CloseDatabaseByName closes a database if it is open; unknown names are
// a no-op.
func (env *Environment) CloseDatabaseByName(name uint16) error {
	env.mu.Lock()
	db, open := env.databases[name]
	env.mu.Unlock()
	if !open {
		return nil
	}
	return env.CloseDatabase(db)
}

// RenameDatabase changes a database's name.
func (env *Environment) RenameDatabase(oldName, newName uint16) error {
	env.mu.Lock()
	defer env.mu.Unlock()

	if oldName == 0 || newName == 0 {
		return common.ErrInvalidParameter
	}
	if env.findDescriptorSlot(newName) >= 0 {
		return common.ErrNameAlreadyInUse
	}
	slot := env.findDescriptorSlot(oldName)
	if slot < 0 {
		return common.ErrDatabaseNotFound
	}

	return env.withChangeset(func(lsn uint64) error {
		desc := env.readDescriptor(slot)
		desc.name = newName
		env.writeDescriptor(slot, desc)
		if db, open := env.databases[oldName]; open {
			db.name = newName
			delete(env.databases, oldName)
			env.databases[newName] = db
		}
		return nil
	})
}

// EraseDatabase drops a database and frees all its pages and blobs. The
// database must not be open.
func (env *Environment) EraseDatabase(name uint16) error {
	env.mu.Lock()
	defer env.mu.Unlock()

	if _, open := env.databases[name]; open {
		return common.ErrDatabaseAlreadyOpen
	}
	slot := env.findDescriptorSlot(name)
	if slot < 0 {
		return common.ErrDatabaseNotFound
	}
	desc := env.readDescriptor(slot)

	db := &Database{
		env:     env,
		name:    name,
		slot:    slot,
		keySize: desc.keySize,
		config: DatabaseConfig{
			Flags:   Flags(desc.flags),
			KeySize: desc.keySize,
		},
		txnIndex: make(map[string]*txnNode),
	}
	db.btree = NewBtreeIndex(db)

	return env.withChangeset(func(lsn uint64) error {
		if err := db.btree.freeAllData(); err != nil {
			return err
		}
		desc.name = 0
		desc.rootAddress = 0
		desc.generation++
		env.writeDescriptor(slot, desc)
		env.logger.Info().Uint16("db", name).Msg("erased database")
		return nil
	})
}

// DatabaseNames lists all existing databases.
func (env *Environment) DatabaseNames() []uint16 {
	env.mu.Lock()
	defer env.mu.Unlock()

	var names []uint16
	for i := 0; i < int(env.config.MaxDatabases); i++ {
		if d := env.readDescriptor(i); d.name != 0 {
			names = append(names, d.name)
		}
	}
	return names
}

// TxnBegin starts a transaction. Requires FlagEnableTransactions.
func (env *Environment) TxnBegin(name string) (*Txn, error) {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.txnBeginLocked(name)
}

func (env *Environment) txnBeginLocked(name string) (*Txn, error) {
	if !env.txnsEnabled() {
		return nil, common.ErrInvalidParameter
	}
	env.nextTxnID++
	txn := &Txn{env: env, id: env.nextTxnID, name: name, state: txnActive}

	if env.newestTxn == nil {
		env.oldestTxn = txn
		env.newestTxn = txn
	} else {
		txn.older = env.newestTxn
		env.newestTxn.newer = txn
		env.newestTxn = txn
		if env.oldestTxn == nil {
			env.oldestTxn = txn
		}
	}

	if env.journal != nil {
		lsn, err := env.getIncrementedLsn()
		if err != nil {
			return nil, err
		}
		if err := env.journal.AppendTxnBegin(txn, lsn); err != nil {
			return nil, err
		}
	}
	return txn, nil
}

// TxnCommit commits a transaction and flushes every committed transaction
// at the head of the list.
func (env *Environment) TxnCommit(txn *Txn) error {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.txnCommitLocked(txn)
}

func (env *Environment) txnCommitLocked(txn *Txn) error {
	if txn.cursorRefs > 0 {
		return common.ErrCursorStillOpen
	}
	if !txn.isActive() {
		return common.ErrInvalidParameter
	}

	if env.journal != nil {
		lsn, err := env.getIncrementedLsn()
		if err != nil {
			return err
		}
		if err := env.journal.AppendTxnCommit(txn, lsn); err != nil {
			return err
		}
	}
	txn.state = txnCommitted
	env.txnsCommitted++
	metricTxnsCommitted.Inc()
	return env.flushCommittedTxns()
}

// TxnAbort discards a transaction.
func (env *Environment) TxnAbort(txn *Txn) error {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.txnAbortLocked(txn)
}

func (env *Environment) txnAbortLocked(txn *Txn) error {
	if txn.cursorRefs > 0 {
		return common.ErrCursorStillOpen
	}
	if !txn.isActive() {
		return common.ErrInvalidParameter
	}

	if env.journal != nil {
		lsn, err := env.getIncrementedLsn()
		if err != nil {
			return err
		}
		if err := env.journal.AppendTxnAbort(txn, lsn); err != nil {
			return err
		}
	}
	txn.state = txnAborted
	env.txnsAborted++
	metricTxnsAborted.Inc()
	return env.flushCommittedTxns()
}

func (env *Environment) removeTxn(txn *Txn) {
	if env.newestTxn == txn {
		env.newestTxn = txn.older
	}
	if env.oldestTxn == txn {
		n := txn.newer
		env.oldestTxn = n
		if n != nil {
			n.older = nil
		}
	}
}

// flushCommittedTxns drains the head of the transaction list: committed
// transactions are applied to the btree, aborted ones discarded. An
// active transaction stops the drain.
func (env *Environment) flushCommittedTxns() error {
	for {
		oldest := env.oldestTxn
		if oldest == nil {
			break
		}
		switch oldest.state {
		case txnCommitted:
			if err := env.flushTxn(oldest); err != nil {
				return err
			}
		case txnAborted:
			// nothing to apply
		default:
			env.changeset.Clear()
			return nil
		}
		env.removeTxn(oldest)
		oldest.free()
	}
	env.changeset.Clear()
	return nil
}

// flushTxn applies a committed transaction's ops to the btree in order,
// flushing one changeset per op at the op's lsn. Cursors coupled to an op
// re-anchor on the btree after the op lands there.
func (env *Environment) flushTxn(txn *Txn) error {
	for op := txn.oldestOp; op != nil; op = op.txnNext {
		if op.flushed || op.kind == txnOpNop {
			continue
		}
		node := op.node
		bt := node.db.btree
		key := &Key{Data: node.key}

		err := env.withChangesetAt(op.lsn, func() error {
			switch op.kind {
			case txnOpInsert, txnOpInsertOverwrite, txnOpInsertDuplicate:
				flags := op.origFlags
				if op.kind == txnOpInsertDuplicate {
					flags |= OpDuplicate
				} else {
					flags |= OpOverwrite
				}
				return bt.Insert(key, &op.record, flags)
			case txnOpErase:
				var err error
				if op.dupe > 0 {
					err = bt.EraseDuplicate(key, op.dupe-1, op.origFlags)
				} else {
					err = bt.Erase(key, op.origFlags)
				}
				if err == common.ErrKeyNotFound {
					err = nil
				}
				return err
			}
			return nil
		})
		if err != nil {
			env.logger.Error().Err(err).Uint64("txn", txn.id).Msg("failed to flush op")
			env.changeset.Clear()
			return err
		}

		op.flushed = true

		// re-anchor the cursors that were coupled to this op
		for c := op.cursors; c != nil; {
			next := c.opNext
			parent := c.parent
			c.uncouple()
			if parent != nil && op.kind != txnOpErase {
				k := Key{Data: append([]byte(nil), node.key...)}
				if err := parent.bc.find(&k, 0); err == nil {
					parent.source = csBtree
					parent.lastKey = k.Data
					parent.txnOps = nil
				}
			}
			c = next
		}
		op.cursors = nil
	}
	return nil
}

// Flush writes all cached dirty pages and the header to the device.
func (env *Environment) Flush() error {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.flushLocked()
}

func (env *Environment) flushLocked() error {
	if err := env.flushCommittedTxns(); err != nil {
		return err
	}
	if err := env.headerPage.Flush(); err != nil {
		return err
	}
	if err := env.pageManager.FlushAllPages(true); err != nil {
		return err
	}
	if env.config.Flags&(FlagInMemory|FlagReadOnly) != 0 {
		return nil
	}
	return env.device.Flush()
}

// Close flushes everything and releases the file. Still-active
// transactions are aborted.
func (env *Environment) Close() error {
	env.mu.Lock()
	defer env.mu.Unlock()

	for txn := env.oldestTxn; txn != nil; txn = txn.newer {
		if txn.isActive() {
			env.logger.Warn().Uint64("txn", txn.id).Msg("aborting unfinished transaction on close")
			txn.state = txnAborted
		}
	}
	if err := env.flushCommittedTxns(); err != nil {
		return err
	}

	for _, db := range env.databases {
		if err := env.pageManager.CloseDatabase(db); err != nil {
			return err
		}
	}
	env.databases = make(map[uint16]*Database)

	if err := env.headerPage.Flush(); err != nil {
		return err
	}
	if err := env.pageManager.FlushAllPages(false); err != nil {
		return err
	}

	noclear := env.config.Flags&FlagDontClearLog != 0
	if env.journal != nil {
		if err := env.journal.Close(noclear); err != nil {
			return err
		}
	}
	if env.log != nil {
		if err := env.log.Close(noclear); err != nil {
			return err
		}
	}

	if env.config.Flags&(FlagInMemory|FlagReadOnly) == 0 {
		if err := env.device.Flush(); err != nil {
			return err
		}
	}
	err := env.device.Close()
	env.logger.Info().Msg("closed environment")
	return err
}

// Parameters returns the effective configuration.
func (env *Environment) Parameters() Config {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.config
}

// Metrics returns a snapshot of the engine counters.
func (env *Environment) Metrics() common.Metrics {
	env.mu.Lock()
	defer env.mu.Unlock()

	var m common.Metrics
	env.pageManager.Metrics(&m)
	env.blobManager.Metrics(&m)
	m.TxnsCommitted = env.txnsCommitted
	m.TxnsAborted = env.txnsAborted
	if env.log != nil {
		m.LogAppends = metricValue(metricLogAppends)
	}
	if env.journal != nil {
		m.JournalAppends = metricValue(metricJournalAppends)
	}
	return m
}
