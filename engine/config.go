package engine

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/intellect4all/hamdb/common"
)

// Flags configure an Environment at create/open time. They are a bitset;
// combinations that make no sense for the requested operation are rejected
// with common.ErrInvalidParameter.
type Flags uint32

const (
	// FlagInMemory keeps the whole environment in RAM; no file is created
	// and recovery/freelist/journal work is skipped.
	FlagInMemory Flags = 1 << iota

	// FlagReadOnly opens the file for reading; every mutating call fails
	// with common.ErrWriteProtected.
	FlagReadOnly

	// FlagEnableRecovery maintains a physical redo log of page images.
	FlagEnableRecovery

	// FlagEnableTransactions additionally maintains the logical journal.
	// Implies FlagEnableRecovery.
	FlagEnableTransactions

	// FlagEnableFsync flushes the device after every changeset.
	FlagEnableFsync

	// FlagCacheStrict fails with common.ErrCacheFull instead of growing
	// past the configured cache capacity.
	FlagCacheStrict

	// FlagAutoRecovery applies log and journal recovery automatically on
	// open; without it an unclean file fails with common.ErrNeedRecovery.
	FlagAutoRecovery

	// FlagDontClearLog keeps the log and journal files intact on close.
	FlagDontClearLog

	// FlagRecordNumber turns a database into a record-number database with
	// an auto-incremented 8-byte integer key.
	FlagRecordNumber

	// FlagEnableDuplicates allows multiple records per key.
	FlagEnableDuplicates

	// FlagDisableVarKeylen rejects keys longer than the configured key
	// size instead of spilling them into extended-key blobs.
	FlagDisableVarKeylen

	// FlagSortDuplicates keeps duplicates ordered by the database's record
	// compare function.
	FlagSortDuplicates

	// FlagSequentialInsert hints that records arrive in ascending order;
	// sorted duplicate inserts seed their search at the table's tail.
	FlagSequentialInsert

	// FlagAutoCleanup closes open databases and cursors when the
	// environment closes. Close always cleans up; the flag exists so
	// callers can state the intent explicitly.
	FlagAutoCleanup

	// FlagEnableExtendedKeys explicitly opts into extended-key blobs.
	// Keys longer than the stride spill into blobs by default; only
	// FlagDisableVarKeylen turns that off.
	FlagEnableExtendedKeys
)

const (
	// DefaultPageSize is used when the caller does not request one.
	DefaultPageSize = 1024 * 16

	// DefaultCacheSize is the default cache capacity in bytes.
	DefaultCacheSize = 1024 * 1024 * 2

	// DefaultMaxDatabases is the number of descriptor slots in the header
	// page when the caller does not request more.
	DefaultMaxDatabases = 16

	// DefaultKeySize is the inline key stride of a btree node.
	DefaultKeySize = 21

	// MinPageSize and MaxPageSize bound the persistent page size.
	MinPageSize = 1024
	MaxPageSize = 1024 * 128

	// RecordNumberKeySize is the only key size valid for record-number
	// databases.
	RecordNumberKeySize = 8
)

// Config carries the recognized create/open options. The zero value plus
// a path is a valid configuration; zero fields fall back to the defaults
// above.
type Config struct {
	Path         string
	Flags        Flags
	PageSize     uint32
	CacheSize    uint64
	MaxDatabases uint16
	FileMode     os.FileMode

	// Logger receives the engine's structured output. When nil, logging
	// is disabled.
	Logger *zerolog.Logger
}

// DatabaseConfig carries the per-database create/open options.
type DatabaseConfig struct {
	Flags   Flags
	KeySize uint16

	// RecordCompare orders duplicate records when FlagSortDuplicates is
	// set. Defaults to bytes.Compare.
	RecordCompare func(a, b []byte) int
}

func (c *Config) setDefaults() {
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.CacheSize == 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.MaxDatabases == 0 {
		c.MaxDatabases = DefaultMaxDatabases
	}
	if c.FileMode == 0 {
		c.FileMode = 0o644
	}
	if c.Flags&FlagEnableTransactions != 0 {
		c.Flags |= FlagEnableRecovery
	}
}

func (c *Config) validate(create bool) error {
	if c.Flags&FlagInMemory == 0 && c.Path == "" {
		return common.ErrInvalidParameter
	}
	if c.PageSize%MinPageSize != 0 || c.PageSize < MinPageSize || c.PageSize > MaxPageSize {
		return common.ErrInvalidParameter
	}
	if c.Flags&FlagInMemory != 0 {
		if c.Flags&(FlagEnableRecovery|FlagEnableTransactions|FlagEnableFsync|FlagReadOnly) != 0 {
			return common.ErrInvalidParameter
		}
	}
	if c.Flags&FlagReadOnly != 0 {
		if create {
			return common.ErrInvalidParameter
		}
		if c.Flags&(FlagEnableRecovery|FlagEnableTransactions) != 0 {
			return common.ErrInvalidParameter
		}
	}
	// per-database flags are meaningless on the environment
	if c.Flags&(FlagRecordNumber|FlagEnableDuplicates|FlagSortDuplicates) != 0 {
		return common.ErrInvalidParameter
	}
	return nil
}

func (c *DatabaseConfig) setDefaults() {
	if c.KeySize == 0 {
		if c.Flags&FlagRecordNumber != 0 {
			c.KeySize = RecordNumberKeySize
		} else {
			c.KeySize = DefaultKeySize
		}
	}
}

func (c *DatabaseConfig) validate(pageSize uint32) error {
	if c.Flags&FlagRecordNumber != 0 && c.KeySize != RecordNumberKeySize {
		return common.ErrInvalidParameter
	}
	if c.Flags&FlagSortDuplicates != 0 && c.Flags&FlagEnableDuplicates == 0 {
		return common.ErrInvalidParameter
	}
	if c.Flags&FlagEnableExtendedKeys != 0 && c.Flags&FlagDisableVarKeylen != 0 {
		return common.ErrInvalidParameter
	}
	// a key may take at most a tenth of the page, otherwise nodes hold so
	// few slots that splits degenerate
	if uint32(c.KeySize) > pageSize/10 {
		return common.ErrInvalidKeySize
	}
	return nil
}

func (c *Config) logger() zerolog.Logger {
	if c.Logger != nil {
		return *c.Logger
	}
	return zerolog.New(io.Discard)
}
