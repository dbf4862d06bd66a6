package engine

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/intellect4all/hamdb/common"
)

// Device is the raw storage abstraction below the page cache. All offsets
// are absolute byte addresses; Alloc extends the device and returns the
// offset of the new region.
type Device interface {
	Create(path string, mode os.FileMode) error
	Open(path string, readOnly bool) error
	Close() error
	IsOpen() bool

	PageSize() uint32
	SetPageSize(size uint32)

	// Alloc extends the device by size bytes and returns the offset of
	// the new region. size must be a multiple of the page size.
	Alloc(size uint32) (uint64, error)

	Read(offset uint64, buf []byte) error
	Write(offset uint64, buf []byte) error

	// AllocPage binds a fresh page at the end of the device.
	AllocPage(p *Page) error
	ReadPage(p *Page) error
	WritePage(p *Page) error

	FileSize() (uint64, error)
	Flush() error
}

// FileDevice stores pages in a regular file. It owns the file handle; an
// Environment never shares one across processes.
type FileDevice struct {
	file     *os.File
	pageSize uint32
	readOnly bool
}

// NewFileDevice returns an unopened file device.
func NewFileDevice(pageSize uint32) *FileDevice {
	return &FileDevice{pageSize: pageSize}
}

func (d *FileDevice) Create(path string, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	d.file = f
	return nil
}

func (d *FileDevice) Open(path string, readOnly bool) error {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return common.ErrFileNotFound
		}
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	d.file = f
	d.readOnly = readOnly
	return nil
}

func (d *FileDevice) Close() error {
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	return nil
}

func (d *FileDevice) IsOpen() bool {
	return d.file != nil
}

func (d *FileDevice) PageSize() uint32 {
	return d.pageSize
}

func (d *FileDevice) SetPageSize(size uint32) {
	d.pageSize = size
}

func (d *FileDevice) Alloc(size uint32) (uint64, error) {
	end, err := d.FileSize()
	if err != nil {
		return 0, err
	}
	if err := d.file.Truncate(int64(end) + int64(size)); err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	return end, nil
}

func (d *FileDevice) Read(offset uint64, buf []byte) error {
	n, err := d.file.ReadAt(buf, int64(offset))
	if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
		return fmt.Errorf("%w: read %d bytes at %d: %v", common.ErrIO, len(buf), offset, err)
	}
	return nil
}

func (d *FileDevice) Write(offset uint64, buf []byte) error {
	if d.readOnly {
		return common.ErrWriteProtected
	}
	if _, err := d.file.WriteAt(buf, int64(offset)); err != nil {
		return fmt.Errorf("%w: write %d bytes at %d: %v", common.ErrIO, len(buf), offset, err)
	}
	return nil
}

func (d *FileDevice) AllocPage(p *Page) error {
	addr, err := d.Alloc(d.pageSize)
	if err != nil {
		return err
	}
	p.address = addr
	return nil
}

func (d *FileDevice) ReadPage(p *Page) error {
	return d.Read(p.address, p.data)
}

func (d *FileDevice) WritePage(p *Page) error {
	return d.Write(p.address, p.data)
}

func (d *FileDevice) FileSize() (uint64, error) {
	st, err := d.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	return uint64(st.Size()), nil
}

func (d *FileDevice) Flush() error {
	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	return nil
}

// MemDevice keeps the whole file in RAM as a growable byte slice. Blob ids
// stay plain offsets into this virtual file, so the in-memory and on-disk
// modes share the exact same address arithmetic.
type MemDevice struct {
	data     []byte
	pageSize uint32
	open     bool
}

// NewMemDevice returns an in-memory device.
func NewMemDevice(pageSize uint32) *MemDevice {
	return &MemDevice{pageSize: pageSize}
}

func (d *MemDevice) Create(string, os.FileMode) error {
	d.data = nil
	d.open = true
	return nil
}

func (d *MemDevice) Open(string, bool) error {
	return common.ErrFileNotFound
}

func (d *MemDevice) Close() error {
	d.data = nil
	d.open = false
	return nil
}

func (d *MemDevice) IsOpen() bool {
	return d.open
}

func (d *MemDevice) PageSize() uint32 {
	return d.pageSize
}

func (d *MemDevice) SetPageSize(size uint32) {
	d.pageSize = size
}

func (d *MemDevice) Alloc(size uint32) (uint64, error) {
	end := uint64(len(d.data))
	d.data = append(d.data, make([]byte, size)...)
	return end, nil
}

func (d *MemDevice) Read(offset uint64, buf []byte) error {
	if offset+uint64(len(buf)) > uint64(len(d.data)) {
		return fmt.Errorf("%w: read beyond end of memory device", common.ErrIO)
	}
	copy(buf, d.data[offset:])
	return nil
}

func (d *MemDevice) Write(offset uint64, buf []byte) error {
	if offset+uint64(len(buf)) > uint64(len(d.data)) {
		return fmt.Errorf("%w: write beyond end of memory device", common.ErrIO)
	}
	copy(d.data[offset:], buf)
	return nil
}

func (d *MemDevice) AllocPage(p *Page) error {
	addr, err := d.Alloc(d.pageSize)
	if err != nil {
		return err
	}
	p.address = addr
	return nil
}

func (d *MemDevice) ReadPage(p *Page) error {
	return d.Read(p.address, p.data)
}

func (d *MemDevice) WritePage(p *Page) error {
	return d.Write(p.address, p.data)
}

func (d *MemDevice) FileSize() (uint64, error) {
	return uint64(len(d.data)), nil
}

func (d *MemDevice) Flush() error {
	return nil
}
