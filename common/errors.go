package common

import "errors"

// Validation errors
var (
	ErrInvalidParameter    = errors.New("invalid parameter")
	ErrInvalidKeySize      = errors.New("invalid key size")
	ErrBadKey              = errors.New("bad key")
	ErrBadScanSpec         = errors.New("bad scan spec")
	ErrDatabaseExists      = errors.New("database already exists")
	ErrDatabaseNotFound    = errors.New("database not found")
	ErrDatabaseAlreadyOpen = errors.New("database already open")
	ErrNameAlreadyInUse    = errors.New("name already in use")
	ErrDuplicateKey        = errors.New("duplicate key")
)

// Storage errors
var (
	ErrOutOfMemory    = errors.New("out of memory")
	ErrCacheFull      = errors.New("cache full")
	ErrLimitsReached  = errors.New("limits reached")
	ErrBlobNotFound   = errors.New("blob not found")
	ErrKeyNotFound    = errors.New("key not found")
	ErrKeyErasedInTxn = errors.New("key erased in transaction")
)

// Durability errors
var (
	ErrInvalidFileHeader    = errors.New("invalid file header")
	ErrInvalidFileVersion   = errors.New("invalid file version")
	ErrLogInvalidFileHeader = errors.New("log has invalid file header")
	ErrNeedRecovery         = errors.New("recovery needed")
	ErrFileNotFound         = errors.New("file not found")
	ErrIO                   = errors.New("i/o error")
)

// Concurrency errors
var (
	ErrTxnConflict     = errors.New("transaction conflict")
	ErrCursorStillOpen = errors.New("cursor still open")
	ErrCursorIsNil     = errors.New("cursor is nil")
)

// Read protection
var (
	ErrWriteProtected = errors.New("database is write protected")
)

// Internal errors; these should never surface through the public API
var (
	ErrIntegrityViolated = errors.New("cache integrity violated")
	ErrInternal          = errors.New("internal error")
)
