package engine

// Key is a variable-length lookup key. Flags is decorated with KeyLower /
// KeyGreater when an approximate find returned a neighbour instead of an
// exact match.
type Key struct {
	Data  []byte
	Flags uint32
}

// Record is a variable-length value. With OpPartial, Data holds the
// PartialSize bytes of the written (or requested) region, Size the total
// record size, and PartialOffset the region's position inside the record.
// Without OpPartial, Size is ignored and len(Data) rules.
type Record struct {
	Data          []byte
	Size          uint32
	PartialOffset uint32
	PartialSize   uint32
}

// Operation flags accepted by Database and Cursor operations.
const (
	// OpOverwrite replaces the record of an existing key.
	OpOverwrite uint32 = 1 << iota

	// OpDuplicate adds another record to an existing key.
	OpDuplicate

	// OpPartial writes or reads only the region described by the
	// record's PartialOffset/PartialSize.
	OpPartial

	// OpDirectAccess lets a read alias the page buffer instead of
	// copying, valid until the next engine call.
	OpDirectAccess

	// OpEraseAllDuplicates removes every duplicate of a key at once.
	OpEraseAllDuplicates

	// Duplicate positioning for cursor inserts.
	OpDuplicateInsertBefore
	OpDuplicateInsertAfter
	OpDuplicateInsertFirst
	OpDuplicateInsertLast

	// Approximate matching for find.
	OpFindLT
	OpFindLE
	OpFindGT
	OpFindGE
)

// Key flag decorations returned by approximate matching. They live outside
// the low 16 bits so they can never collide with persisted slot flags.
const (
	KeyLower       uint32 = 0x00010000
	KeyGreater     uint32 = 0x00020000
	KeyApproximate        = KeyLower | KeyGreater
)

// Persisted btree slot flags (one byte per slot).
const (
	kExtendedKey        uint8 = 0x01
	kExtendedDuplicates uint8 = 0x02
	kInitialized        uint8 = 0x04
	kHasNoRecords       uint8 = 0x08

	// record encodings packed into the rid field
	kBlobSizeTiny  uint8 = 0x10
	kBlobSizeSmall uint8 = 0x20
	kBlobSizeEmpty uint8 = 0x40

	kRecordInline = kBlobSizeTiny | kBlobSizeSmall | kBlobSizeEmpty
)
