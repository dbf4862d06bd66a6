package engine

import (
	"encoding/binary"
)

// Btree node layout (inside the page payload, little-endian):
//
//	flags(2) count(2) left(8) right(8) ptrLeft(8), then count fixed-stride
//	key entries.
//
// A zero ptrLeft marks a leaf. Each entry is rid(8) flags(1) keySize(2)
// followed by keySize inline key bytes. Keys longer than the stride store
// a prefix plus a trailing 8-byte blob id and set kExtendedKey.
const (
	nodeOffFlags   = 0
	nodeOffCount   = 2
	nodeOffLeft    = 4
	nodeOffRight   = 12
	nodeOffPtrLeft = 20
	nodeHeaderSize = 28

	slotOverhead = 11 // rid(8) + flags(1) + keySize(2)
)

type btreeNode struct {
	db      *Database
	page    *Page
	data    []byte
	keySize int
}

func nodeFromPage(db *Database, page *Page) btreeNode {
	return btreeNode{
		db:      db,
		page:    page,
		data:    page.Payload(),
		keySize: int(db.keySize),
	}
}

func (n btreeNode) count() int {
	return int(binary.LittleEndian.Uint16(n.data[nodeOffCount:]))
}

func (n btreeNode) setCount(c int) {
	binary.LittleEndian.PutUint16(n.data[nodeOffCount:], uint16(c))
	n.page.SetDirty(true)
}

func (n btreeNode) left() uint64 {
	return binary.LittleEndian.Uint64(n.data[nodeOffLeft:])
}

func (n btreeNode) setLeft(addr uint64) {
	binary.LittleEndian.PutUint64(n.data[nodeOffLeft:], addr)
	n.page.SetDirty(true)
}

func (n btreeNode) right() uint64 {
	return binary.LittleEndian.Uint64(n.data[nodeOffRight:])
}

func (n btreeNode) setRight(addr uint64) {
	binary.LittleEndian.PutUint64(n.data[nodeOffRight:], addr)
	n.page.SetDirty(true)
}

func (n btreeNode) ptrLeft() uint64 {
	return binary.LittleEndian.Uint64(n.data[nodeOffPtrLeft:])
}

func (n btreeNode) setPtrLeft(addr uint64) {
	binary.LittleEndian.PutUint64(n.data[nodeOffPtrLeft:], addr)
	n.page.SetDirty(true)
}

func (n btreeNode) isLeaf() bool {
	return n.ptrLeft() == 0
}

func (n btreeNode) stride() int {
	return slotOverhead + n.keySize
}

// maxKeys is the node capacity derived from the usable page size.
func (n btreeNode) maxKeys() int {
	return (len(n.data) - nodeHeaderSize) / n.stride()
}

func (n btreeNode) slotOffset(i int) int {
	return nodeHeaderSize + i*n.stride()
}

func (n btreeNode) rid(i int) uint64 {
	return binary.LittleEndian.Uint64(n.data[n.slotOffset(i):])
}

func (n btreeNode) setRid(i int, rid uint64) {
	binary.LittleEndian.PutUint64(n.data[n.slotOffset(i):], rid)
	n.page.SetDirty(true)
}

func (n btreeNode) flags(i int) uint8 {
	return n.data[n.slotOffset(i)+8]
}

func (n btreeNode) setFlags(i int, f uint8) {
	n.data[n.slotOffset(i)+8] = f
	n.page.SetDirty(true)
}

// keyLen is the real key length; for extended keys it exceeds the stride.
func (n btreeNode) keyLen(i int) int {
	return int(binary.LittleEndian.Uint16(n.data[n.slotOffset(i)+9:]))
}

func (n btreeNode) setKeyLen(i int, l int) {
	binary.LittleEndian.PutUint16(n.data[n.slotOffset(i)+9:], uint16(l))
	n.page.SetDirty(true)
}

// inlineKey returns the key bytes stored in the slot itself.
func (n btreeNode) inlineKey(i int) []byte {
	off := n.slotOffset(i) + slotOverhead
	l := n.keyLen(i)
	if l > n.keySize {
		l = n.keySize
	}
	return n.data[off : off+l]
}

// extKeyBlobid returns the blob id of an extended key, stored in the last
// 8 bytes of the key area.
func (n btreeNode) extKeyBlobid(i int) uint64 {
	off := n.slotOffset(i) + slotOverhead + n.keySize - 8
	return binary.LittleEndian.Uint64(n.data[off:])
}

func (n btreeNode) setExtKeyBlobid(i int, blobid uint64) {
	off := n.slotOffset(i) + slotOverhead + n.keySize - 8
	binary.LittleEndian.PutUint64(n.data[off:], blobid)
	n.page.SetDirty(true)
}

// writeKey stores the key bytes of a slot, spilling long keys into an
// extended-key blob.
func (n btreeNode) writeKey(i int, key []byte) error {
	off := n.slotOffset(i) + slotOverhead
	flags := n.flags(i) &^ kExtendedKey
	n.setKeyLen(i, len(key))
	if len(key) <= n.keySize {
		copy(n.data[off:], key)
		n.setFlags(i, flags)
		n.page.SetDirty(true)
		return nil
	}

	blobid, err := n.db.env.blobManager.Allocate(n.db, &Record{Data: key}, 0)
	if err != nil {
		return err
	}
	copy(n.data[off:], key[:n.keySize-8])
	n.setExtKeyBlobid(i, blobid)
	n.setFlags(i, flags|kExtendedKey)
	n.page.SetDirty(true)
	return nil
}

// getKey materializes the full key of a slot.
func (n btreeNode) getKey(i int) ([]byte, error) {
	if n.flags(i)&kExtendedKey == 0 {
		return n.inlineKey(i), nil
	}
	var rec Record
	if err := n.db.env.blobManager.Read(n.db, n.extKeyBlobid(i), &rec, 0); err != nil {
		return nil, err
	}
	return rec.Data, nil
}

// compareKey compares a search key against slot i without materializing
// the slot key unless it is extended.
func (n btreeNode) compareKey(key []byte, i int) (int, error) {
	if n.flags(i)&kExtendedKey == 0 {
		return n.db.keyCompare(key, n.inlineKey(i)), nil
	}
	slotKey, err := n.getKey(i)
	if err != nil {
		return 0, err
	}
	return n.db.keyCompare(key, slotKey), nil
}

// search runs a binary search for key. It returns the slot index and
// whether the match was exact; on a miss the index is the insert position.
func (n btreeNode) search(key []byte) (int, bool, error) {
	l, r := 0, n.count()
	for l < r {
		m := (l + r) / 2
		cmp, err := n.compareKey(key, m)
		if err != nil {
			return 0, false, err
		}
		switch {
		case cmp == 0:
			return m, true, nil
		case cmp < 0:
			r = m
		default:
			l = m + 1
		}
	}
	return l, false, nil
}

// insertSlotAt shifts the entries right and clears the new slot i.
func (n btreeNode) insertSlotAt(i int) {
	count := n.count()
	stride := n.stride()
	start := n.slotOffset(i)
	end := n.slotOffset(count)
	copy(n.data[start+stride:end+stride], n.data[start:end])
	for j := start; j < start+stride; j++ {
		n.data[j] = 0
	}
	n.setCount(count + 1)
}

// removeSlotAt shifts the entries left over slot i.
func (n btreeNode) removeSlotAt(i int) {
	count := n.count()
	stride := n.stride()
	start := n.slotOffset(i)
	end := n.slotOffset(count)
	copy(n.data[start:], n.data[start+stride:end])
	n.setCount(count - 1)
}

// copySlots moves cnt raw slots from src[from] to n[to]; both nodes must
// share the same stride.
func (n btreeNode) copySlots(src btreeNode, from, to, cnt int) {
	copy(n.data[n.slotOffset(to):n.slotOffset(to+cnt)],
		src.data[src.slotOffset(from):src.slotOffset(from+cnt)])
	n.page.SetDirty(true)
}

// inline record encoding: records of up to 8 bytes live directly in the
// rid field. Tiny records (<8 bytes) keep their length in the top byte.

func encodeInlineRecord(data []byte) (uint64, uint8, bool) {
	switch {
	case len(data) == 0:
		return 0, kBlobSizeEmpty, true
	case len(data) < 8:
		var buf [8]byte
		copy(buf[:], data)
		buf[7] = byte(len(data))
		return binary.LittleEndian.Uint64(buf[:]), kBlobSizeTiny, true
	case len(data) == 8:
		return binary.LittleEndian.Uint64(data), kBlobSizeSmall, true
	default:
		return 0, 0, false
	}
}

func decodeInlineRecord(rid uint64, flags uint8) []byte {
	switch {
	case flags&kBlobSizeEmpty != 0:
		return []byte{}
	case flags&kBlobSizeTiny != 0:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], rid)
		return append([]byte(nil), buf[:buf[7]]...)
	case flags&kBlobSizeSmall != 0:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], rid)
		return append([]byte(nil), buf[:]...)
	default:
		return nil
	}
}
