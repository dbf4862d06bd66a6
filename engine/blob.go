package engine

import (
	"encoding/binary"

	"github.com/intellect4all/hamdb/common"
)

// blob header, prefixed to every blob: self(8) size(8) allocSize(8)
// flags(4). self equals the byte address of the header itself, which is
// the sanity check for stale blob ids.
const blobHeaderSize = 28

type blobHeader struct {
	self      uint64
	size      uint64
	allocSize uint64
	flags     uint32
}

func (h *blobHeader) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], h.self)
	binary.LittleEndian.PutUint64(buf[8:16], h.size)
	binary.LittleEndian.PutUint64(buf[16:24], h.allocSize)
	binary.LittleEndian.PutUint32(buf[24:28], h.flags)
}

func (h *blobHeader) decode(buf []byte) {
	h.self = binary.LittleEndian.Uint64(buf[0:8])
	h.size = binary.LittleEndian.Uint64(buf[8:16])
	h.allocSize = binary.LittleEndian.Uint64(buf[16:24])
	h.flags = binary.LittleEndian.Uint32(buf[24:28])
}

// BlobManager stores variable-length payloads outside the btree nodes. A
// blob is a header plus data, chunk-aligned, possibly spanning pages;
// pages fully owned by blobs carry no page header.
type BlobManager struct {
	env *Environment

	blobsAllocated uint64
	blobsRead      uint64

	// reusable zero buffer for partial-write gap fills
	zeroes []byte
}

// NewBlobManager creates the blob manager for an environment.
func NewBlobManager(env *Environment) *BlobManager {
	return &BlobManager{env: env}
}

// fromCache decides whether an allocation of the given size is routed
// through the page cache. With logging enabled everything below a full
// page goes through the cache; otherwise only small blobs do.
func (bm *BlobManager) fromCache(size uint32) bool {
	if bm.env.log != nil {
		return size < bm.env.usablePageSize()
	}
	return size < bm.env.pageSize/8
}

// writeChunks writes a strip of adjacent chunks starting at addr, going
// through the page cache or directly to the device on a per-page basis.
// Pages freshly created for this blob bypass the log: after a crash they
// are free space and their content is irrelevant.
func (bm *BlobManager) writeChunks(page *Page, addr uint64, freshlyCreated bool, chunks ...[]byte) error {
	device := bm.env.device
	pageSize := uint64(bm.env.pageSize)

	for _, chunk := range chunks {
		for len(chunk) > 0 {
			pageID := addr - (addr % pageSize)

			if page != nil && page.Address() != pageID {
				page = nil
			}

			if page == nil {
				atBlobEdge := bm.fromCache(uint32(len(chunk))) ||
					addr%pageSize != 0 ||
					uint64(len(chunk)) < pageSize
				cacheOnly := !atBlobEdge && (bm.env.log == nil || freshlyCreated)

				flags := uint32(0)
				if cacheOnly {
					flags = pmOnlyFromCache
				}
				var err error
				page, err = bm.env.pageManager.FetchPage(nil, pageID, flags)
				if err != nil {
					return err
				}
				if page != nil {
					page.flags |= pageNpersNoHeader
				}
			}

			if page != nil {
				writeStart := addr - page.Address()
				writeSize := pageSize - writeStart
				if writeSize > uint64(len(chunk)) {
					writeSize = uint64(len(chunk))
				}
				copy(page.RawPayload()[writeStart:], chunk[:writeSize])
				page.SetDirty(true)
				addr += writeSize
				chunk = chunk[writeSize:]
			} else {
				s := uint64(len(chunk))
				if s > pageID+pageSize-addr {
					s = pageID + pageSize - addr
				}
				if err := device.Write(addr, chunk[:s]); err != nil {
					return err
				}
				addr += s
				chunk = chunk[s:]
			}
		}
	}
	return nil
}

// readChunk fills buf from addr, using cached pages when the remaining
// size is small enough to be worth caching. It returns the last page it
// touched, which the caller may use to alias small blobs.
func (bm *BlobManager) readChunk(db *Database, page *Page, addr uint64, buf []byte) (*Page, error) {
	device := bm.env.device
	pageSize := uint64(bm.env.pageSize)

	for len(buf) > 0 {
		pageID := addr - (addr % pageSize)

		if page != nil && page.Address() != pageID {
			page = nil
		}

		if page == nil {
			flags := uint32(0)
			if !bm.fromCache(uint32(len(buf))) {
				flags = pmOnlyFromCache
			}
			var err error
			page, err = bm.env.pageManager.FetchPage(db, pageID, flags)
			if err != nil {
				return nil, err
			}
			if page != nil {
				page.flags |= pageNpersNoHeader
			}
		}

		if page != nil {
			readStart := addr - page.Address()
			readSize := pageSize - readStart
			if readSize > uint64(len(buf)) {
				readSize = uint64(len(buf))
			}
			copy(buf[:readSize], page.RawPayload()[readStart:])
			addr += readSize
			buf = buf[readSize:]
		} else {
			s := uint64(len(buf))
			if s > pageID+pageSize-addr {
				s = pageID + pageSize - addr
			}
			if err := device.Read(addr, buf[:s]); err != nil {
				return nil, err
			}
			addr += s
			buf = buf[s:]
		}
	}
	return page, nil
}

func (bm *BlobManager) readHeader(db *Database, blobid uint64) (blobHeader, *Page, error) {
	var hdr blobHeader
	buf := make([]byte, blobHeaderSize)
	page, err := bm.readChunk(db, nil, blobid, buf)
	if err != nil {
		return hdr, nil, err
	}
	hdr.decode(buf)
	if hdr.self != blobid {
		return hdr, nil, common.ErrBlobNotFound
	}
	return hdr, page, nil
}

func (bm *BlobManager) zeroBuffer(size uint32) []byte {
	if uint32(len(bm.zeroes)) < size {
		bm.zeroes = make([]byte, size)
	}
	return bm.zeroes[:size]
}

// Allocate reserves space for the record and writes header plus payload.
// Returns the blob id (the address of the header).
func (bm *BlobManager) Allocate(db *Database, record *Record, flags uint32) (uint64, error) {
	size := uint32(len(record.Data))
	if flags&OpPartial != 0 {
		size = record.Size
		// no gaps at either end means this is a plain full write
		if record.PartialOffset == 0 && record.PartialSize == size {
			flags &^= OpPartial
		}
	}

	var hdr blobHeader
	allocSize := blobHeaderSize + size
	allocSize += chunkSize - 1
	allocSize -= allocSize % chunkSize

	var page *Page
	freshlyCreated := false

	addr, err := bm.env.pageManager.AllocBlob(allocSize)
	if err != nil && addr != 0 {
		// the freelist returned an error AND an address. Unclear whether
		// this can fire at all. TODO investigate and turn into an error.
		bm.env.logger.Warn().Str("component", "blob").Err(err).
			Uint64("address", addr).Msg("freelist returned address together with error")
	}
	if addr == 0 {
		if err != nil {
			return 0, err
		}
		if bm.fromCache(allocSize) {
			page, err = bm.env.pageManager.AllocPage(db, PageTypeBlob, pmIgnoreFreelist)
			if err != nil {
				return 0, err
			}
			page.flags |= pageNpersNoHeader
			addr = page.Address()
			// the tail of the page becomes free space
			if bm.env.pageManager.Freelist() != nil {
				if err := bm.env.pageManager.Freelist().MarkFree(addr+uint64(allocSize),
					bm.env.pageSize-allocSize, false); err != nil {
					return 0, err
				}
			}
			hdr.allocSize = uint64(allocSize)
		} else {
			aligned := allocSize
			aligned += bm.env.pageSize - 1
			aligned -= aligned % bm.env.pageSize

			addr, err = bm.env.device.Alloc(aligned)
			if err != nil {
				return 0, err
			}

			// a tail below the smallest tracked chunk is absorbed into
			// the allocation instead of becoming unusable
			diff := aligned - allocSize
			if diff > smallestChunkSize && bm.env.pageManager.Freelist() != nil {
				if err := bm.env.pageManager.Freelist().MarkFree(addr+uint64(allocSize),
					diff, false); err != nil {
					return 0, err
				}
				hdr.allocSize = uint64(aligned - diff)
			} else {
				hdr.allocSize = uint64(aligned)
			}
			freshlyCreated = true
		}
	} else {
		hdr.allocSize = uint64(allocSize)
	}

	hdr.size = uint64(size)
	hdr.self = addr

	hdrBuf := make([]byte, blobHeaderSize)
	hdr.encode(hdrBuf)

	if flags&OpPartial != 0 {
		if err := bm.writeChunks(page, addr, freshlyCreated, hdrBuf); err != nil {
			return 0, err
		}
		pos := addr + blobHeaderSize

		// zero-fill the gap before the partial region in page-sized
		// batches
		gap := record.PartialOffset
		for gap > 0 {
			batch := gap
			if batch > bm.env.pageSize {
				batch = bm.env.pageSize
			}
			if err := bm.writeChunks(page, pos, freshlyCreated, bm.zeroBuffer(batch)); err != nil {
				return 0, err
			}
			pos += uint64(batch)
			gap -= batch
		}

		if err := bm.writeChunks(page, pos, freshlyCreated, record.Data[:record.PartialSize]); err != nil {
			return 0, err
		}
		pos += uint64(record.PartialSize)

		// and the gap after it
		gap = size - (record.PartialOffset + record.PartialSize)
		for gap > 0 {
			batch := gap
			if batch > bm.env.pageSize {
				batch = bm.env.pageSize
			}
			if err := bm.writeChunks(page, pos, freshlyCreated, bm.zeroBuffer(batch)); err != nil {
				return 0, err
			}
			pos += uint64(batch)
			gap -= batch
		}
	} else {
		if err := bm.writeChunks(page, addr, freshlyCreated, hdrBuf, record.Data); err != nil {
			return 0, err
		}
	}

	bm.blobsAllocated++
	metricBlobsAllocated.Inc()
	return addr, nil
}

// Read returns the blob's payload (or the requested partial region).
// OpDirectAccess may alias the hosting page's buffer when the whole blob
// fits into a single page.
func (bm *BlobManager) Read(db *Database, blobid uint64, record *Record, flags uint32) error {
	hdr, page, err := bm.readHeader(db, blobid)
	if err != nil {
		return err
	}

	blobsize := hdr.size
	offset := uint64(0)
	if flags&OpPartial != 0 {
		if uint64(record.PartialOffset) > blobsize {
			return common.ErrInvalidParameter
		}
		offset = uint64(record.PartialOffset)
		if offset+uint64(record.PartialSize) > blobsize {
			blobsize -= offset
		} else {
			blobsize = uint64(record.PartialSize)
		}
	}

	bm.blobsRead++
	metricBlobsRead.Inc()

	if blobsize == 0 {
		record.Data = nil
		return nil
	}

	start := blobid + blobHeaderSize + offset
	if flags&OpDirectAccess != 0 && page != nil &&
		page.Address()+uint64(bm.env.pageSize) >= start+blobsize {
		off := start - page.Address()
		record.Data = page.RawPayload()[off : off+blobsize]
		return nil
	}

	buf := make([]byte, blobsize)
	if _, err := bm.readChunk(db, page, start, buf); err != nil {
		return err
	}
	record.Data = buf
	return nil
}

// DataSize returns a blob's payload size without reading the payload.
func (bm *BlobManager) DataSize(db *Database, blobid uint64) (uint64, error) {
	hdr, _, err := bm.readHeader(db, blobid)
	if err != nil {
		return 0, err
	}
	return hdr.size, nil
}

// Overwrite replaces a blob's content. When the new payload fits into the
// old allocation the header is rewritten in place and the remainder goes
// back to the freelist; otherwise a fresh blob is allocated and the old
// one freed. The persisted flags of the old blob survive.
func (bm *BlobManager) Overwrite(db *Database, oldBlobid uint64, record *Record, flags uint32) (uint64, error) {
	size := uint32(len(record.Data))
	if flags&OpPartial != 0 {
		size = record.Size
		if record.PartialOffset == 0 && record.PartialSize == size {
			flags &^= OpPartial
		}
	}

	allocSize := blobHeaderSize + size
	allocSize += chunkSize - 1
	allocSize -= allocSize % chunkSize

	oldHdr, page, err := bm.readHeader(db, oldBlobid)
	if err != nil {
		return 0, err
	}

	if uint64(allocSize) <= oldHdr.allocSize {
		newHdr := blobHeader{
			self:  oldHdr.self,
			size:  uint64(size),
			flags: oldHdr.flags,
		}
		if oldHdr.allocSize-uint64(allocSize) > smallestChunkSize {
			newHdr.allocSize = uint64(allocSize)
		} else {
			newHdr.allocSize = oldHdr.allocSize
		}

		hdrBuf := make([]byte, blobHeaderSize)
		newHdr.encode(hdrBuf)

		if flags&OpPartial != 0 && record.PartialOffset > 0 {
			if err := bm.writeChunks(page, newHdr.self, false, hdrBuf); err != nil {
				return 0, err
			}
			if err := bm.writeChunks(page,
				newHdr.self+blobHeaderSize+uint64(record.PartialOffset),
				false, record.Data[:record.PartialSize]); err != nil {
				return 0, err
			}
		} else {
			data := record.Data
			if flags&OpPartial != 0 {
				data = record.Data[:record.PartialSize]
			}
			if err := bm.writeChunks(page, newHdr.self, false, hdrBuf, data); err != nil {
				return 0, err
			}
		}

		if oldHdr.allocSize != newHdr.allocSize && bm.env.pageManager.Freelist() != nil {
			if err := bm.env.pageManager.Freelist().MarkFree(
				newHdr.self+newHdr.allocSize,
				uint32(oldHdr.allocSize-newHdr.allocSize), false); err != nil {
				return 0, err
			}
		}
		return newHdr.self, nil
	}

	// larger than the old allocation: overwrite becomes delete+insert
	newBlobid, err := bm.Allocate(db, record, flags)
	if err != nil {
		return 0, err
	}
	if bm.env.pageManager.Freelist() != nil {
		if err := bm.env.pageManager.Freelist().MarkFree(oldBlobid,
			uint32(oldHdr.allocSize), false); err != nil {
			return 0, err
		}
	}
	return newBlobid, nil
}

// Free returns a blob's space to the freelist.
func (bm *BlobManager) Free(db *Database, blobid uint64) error {
	hdr, _, err := bm.readHeader(db, blobid)
	if err != nil {
		return err
	}
	if bm.env.pageManager.Freelist() == nil {
		return nil
	}
	return bm.env.pageManager.Freelist().MarkFree(blobid, uint32(hdr.allocSize), false)
}

// Metrics fills in the blob counters.
func (bm *BlobManager) Metrics(m *common.Metrics) {
	m.BlobsAllocated = bm.blobsAllocated
	m.BlobsRead = bm.blobsRead
}
