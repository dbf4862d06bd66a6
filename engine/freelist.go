package engine

import (
	"encoding/binary"

	"github.com/intellect4all/hamdb/common"
)

const (
	// chunkSize is the freelist allocation granularity; blob allocations
	// are rounded up to a multiple of it.
	chunkSize = 32

	// smallestChunkSize is the smallest range the freelist tracks.
	// Anything smaller is absorbed into the neighbouring allocation.
	smallestChunkSize = 8 + blobHeaderSize + 1

	// freelist payload layout: startAddress(8) overflow(8) maxBits(4)
	// freeBits(4), then the bitmap. One bit per chunk; a set bit marks a
	// free chunk.
	flOffStart    = 0
	flOffOverflow = 8
	flOffMaxBits  = 16
	flOffFreeBits = 20
	flOverhead    = 24
)

// Freelist tracks free space as a chunk-granularity bitmap. The first
// bitmap lives in the header page after the database descriptors; when it
// fills up, dedicated freelist pages are chained via the overflow link.
// Each bitmap covers a contiguous region of the file, and the regions tile
// the file in chain order.
type Freelist struct {
	env *Environment

	hits   uint64
	misses uint64
}

// NewFreelist creates the freelist for an environment.
func NewFreelist(env *Environment) *Freelist {
	return &Freelist{env: env}
}

// initPayload prepares a fresh bitmap region covering the file range
// starting at start.
func initFreelistPayload(payload []byte, start uint64) {
	for i := range payload[:flOverhead] {
		payload[i] = 0
	}
	binary.LittleEndian.PutUint64(payload[flOffStart:], start)
	maxBits := uint32(len(payload)-flOverhead) * 8
	binary.LittleEndian.PutUint32(payload[flOffMaxBits:], maxBits)
	for i := range payload[flOverhead:] {
		payload[flOverhead+i] = 0
	}
}

type flRegion struct {
	page    *Page
	payload []byte
}

func (r *flRegion) start() uint64 {
	return binary.LittleEndian.Uint64(r.payload[flOffStart:])
}

func (r *flRegion) overflow() uint64 {
	return binary.LittleEndian.Uint64(r.payload[flOffOverflow:])
}

func (r *flRegion) setOverflow(addr uint64) {
	binary.LittleEndian.PutUint64(r.payload[flOffOverflow:], addr)
}

func (r *flRegion) maxBits() uint32 {
	return binary.LittleEndian.Uint32(r.payload[flOffMaxBits:])
}

func (r *flRegion) freeBits() uint32 {
	return binary.LittleEndian.Uint32(r.payload[flOffFreeBits:])
}

func (r *flRegion) setFreeBits(n uint32) {
	binary.LittleEndian.PutUint32(r.payload[flOffFreeBits:], n)
}

func (r *flRegion) end() uint64 {
	return r.start() + uint64(r.maxBits())*chunkSize
}

func (r *flRegion) bit(i uint32) bool {
	return r.payload[flOverhead+i/8]&(1<<(i%8)) != 0
}

func (r *flRegion) setBit(i uint32, free bool) {
	if free {
		r.payload[flOverhead+i/8] |= 1 << (i % 8)
	} else {
		r.payload[flOverhead+i/8] &^= 1 << (i % 8)
	}
}

// firstRegion returns the header page's bitmap.
func (f *Freelist) firstRegion() (*flRegion, error) {
	hdr, err := f.env.fetchHeaderPage()
	if err != nil {
		return nil, err
	}
	return &flRegion{page: hdr, payload: f.env.headerFreelistPayload(hdr)}, nil
}

// nextRegion follows the overflow link; when extend is set a missing link
// is materialized as a fresh freelist page covering the range after r.
func (f *Freelist) nextRegion(r *flRegion, extend bool) (*flRegion, error) {
	ov := r.overflow()
	if ov != 0 {
		page, err := f.env.pageManager.FetchPage(nil, ov, 0)
		if err != nil {
			return nil, err
		}
		return &flRegion{page: page, payload: page.Payload()}, nil
	}
	if !extend {
		return nil, nil
	}

	page, err := f.env.pageManager.AllocPage(nil, PageTypeFreelist, pmIgnoreFreelist|pmClearWithZero)
	if err != nil {
		return nil, err
	}
	f.env.logger.Debug().Str("component", "freelist").
		Uint64("address", page.Address()).Msg("chaining freelist overflow page")

	initFreelistPayload(page.Payload(), r.end())
	page.SetDirty(true)
	r.setOverflow(page.Address())
	r.page.SetDirty(true)
	return &flRegion{page: page, payload: page.Payload()}, nil
}

// AllocArea reserves a chunk-aligned run of at least size bytes. Returns
// address 0 when the freelist has no fitting run; that is a miss, not an
// error.
func (f *Freelist) AllocArea(size uint32) (uint64, error) {
	return f.alloc(size, false)
}

// AllocPage reserves a full, page-aligned page. Returns 0 on a miss.
func (f *Freelist) AllocPage() (uint64, error) {
	return f.alloc(f.env.pageSize, true)
}

func (f *Freelist) alloc(size uint32, pageAligned bool) (uint64, error) {
	need := (size + chunkSize - 1) / chunkSize

	r, err := f.firstRegion()
	if err != nil {
		return 0, err
	}
	for r != nil {
		if r.freeBits() >= need {
			if addr, ok := f.scan(r, need, pageAligned); ok {
				f.hits++
				return addr, nil
			}
		}
		r, err = f.nextRegion(r, false)
		if err != nil {
			return 0, err
		}
	}
	f.misses++
	return 0, nil
}

// scan looks for a run of `need` free bits inside one region and claims it.
func (f *Freelist) scan(r *flRegion, need uint32, pageAligned bool) (uint64, bool) {
	max := r.maxBits()
	start := r.start()
	pageSize := uint64(f.env.pageSize)

	var run uint32
	var runStart uint32
	for i := uint32(0); i < max; i++ {
		if !r.bit(i) {
			run = 0
			continue
		}
		if run == 0 {
			if pageAligned && (start+uint64(i)*chunkSize)%pageSize != 0 {
				continue
			}
			runStart = i
		}
		run++
		if run == need {
			for j := runStart; j <= i; j++ {
				r.setBit(j, false)
			}
			r.setFreeBits(r.freeBits() - need)
			r.page.SetDirty(true)
			f.env.addToChangeset(r.page)
			return start + uint64(runStart)*chunkSize, true
		}
	}
	return 0, false
}

// MarkFree releases the range [address, address+size). The range is
// rounded inwards to the chunk granularity; overflow regions are chained
// as needed to cover it.
func (f *Freelist) MarkFree(address uint64, size uint32, overwrite bool) error {
	end := address + uint64(size)
	address = (address + chunkSize - 1) &^ (chunkSize - 1)
	end &^= chunkSize - 1
	if end <= address {
		return nil
	}

	r, err := f.firstRegion()
	if err != nil {
		return err
	}
	for address < end {
		for r.end() <= address {
			r, err = f.nextRegion(r, true)
			if err != nil {
				return err
			}
		}
		freed := uint32(0)
		for address < end && address < r.end() {
			i := uint32((address - r.start()) / chunkSize)
			if !r.bit(i) {
				freed++
			} else if !overwrite {
				f.env.logger.Warn().Str("component", "freelist").
					Uint64("address", address).Msg("double free in freelist bitmap")
			}
			r.setBit(i, true)
			address += chunkSize
		}
		if freed > 0 {
			r.setFreeBits(r.freeBits() + freed)
			r.page.SetDirty(true)
			f.env.addToChangeset(r.page)
		}
	}
	return nil
}

// CheckAreaIsAllocated verifies that no chunk of the given range is marked
// free. It holds after every successful allocation.
func (f *Freelist) CheckAreaIsAllocated(address uint64, size uint32) error {
	end := address + uint64(size)
	r, err := f.firstRegion()
	if err != nil {
		return err
	}
	for r != nil && address < end {
		for address < end && address >= r.start() && address < r.end() {
			i := uint32((address - r.start()) / chunkSize)
			if r.bit(i) {
				return common.ErrIntegrityViolated
			}
			address += chunkSize
		}
		r, err = f.nextRegion(r, false)
		if err != nil {
			return err
		}
	}
	return nil
}

// Metrics fills in the freelist counters.
func (f *Freelist) Metrics(m *common.Metrics) {
	m.FreelistHits = f.hits
	m.FreelistMisses = f.misses
}
