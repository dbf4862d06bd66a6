package engine

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/intellect4all/hamdb/common"
)

const (
	logHeaderMagic uint32 = 0x484d4c47

	// logFlagChangesetComplete marks the terminal entry of a changeset.
	// Recovery refuses to apply a trailing group that lacks it.
	logFlagChangesetComplete uint32 = 1

	// log file header: magic(4) pad(4) lastLsn(8)
	logHeaderSize = 16

	// log entry header: lsn(8) flags(4) dataSize(4) offset(8); written
	// after the page image so the tail can be walked backwards.
	logEntrySize = 24
)

// Log is the physical redo log: whole-page images appended per changeset.
// After a crash the tail is replayed newest-to-oldest to restore torn
// writes, then the log is truncated.
type Log struct {
	env  *Environment
	file *os.File
	lsn  uint64
}

type logEntry struct {
	lsn      uint64
	flags    uint32
	dataSize uint32
	offset   uint64
}

// NewLog creates the log component; the file is opened via Create/Open.
func NewLog(env *Environment) *Log {
	return &Log{env: env}
}

func (l *Log) path() string {
	return l.env.config.Path + ".log0"
}

// Create truncates/creates the log file and writes the header.
func (l *Log) Create() error {
	f, err := os.OpenFile(l.path(), os.O_RDWR|os.O_CREATE|os.O_TRUNC, l.env.config.FileMode)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	l.file = f
	l.lsn = 0
	return l.writeHeader()
}

// Open opens an existing log file and verifies the magic.
func (l *Log) Open() error {
	f, err := os.OpenFile(l.path(), os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return common.ErrFileNotFound
		}
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	l.file = f

	hdr := make([]byte, logHeaderSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		l.file.Close()
		l.file = nil
		return common.ErrLogInvalidFileHeader
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != logHeaderMagic {
		l.file.Close()
		l.file = nil
		return common.ErrLogInvalidFileHeader
	}
	l.lsn = binary.LittleEndian.Uint64(hdr[8:16])
	return nil
}

func (l *Log) writeHeader() error {
	hdr := make([]byte, logHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], logHeaderMagic)
	binary.LittleEndian.PutUint64(hdr[8:16], l.lsn)
	if _, err := l.file.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	return nil
}

// IsEmpty reports whether the log holds any entries.
func (l *Log) IsEmpty() (bool, error) {
	st, err := l.file.Stat()
	if err != nil {
		return false, fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	return st.Size() <= logHeaderSize, nil
}

// Lsn returns the last lsn written to the log.
func (l *Log) Lsn() uint64 {
	return l.lsn
}

// AppendPage writes one page image. remaining is the number of pages of
// the changeset still to come; zero marks the entry as the terminal one.
func (l *Log) AppendPage(page *Page, lsn uint64, remaining int) error {
	flags := uint32(0)
	if remaining == 0 {
		flags = logFlagChangesetComplete
	}
	if err := l.appendWrite(lsn, flags, page.Address(), page.RawPayload()); err != nil {
		return err
	}
	metricLogAppends.Inc()
	return nil
}

func (l *Log) appendWrite(lsn uint64, flags uint32, offset uint64, data []byte) error {
	if lsn != 0 {
		l.lsn = lsn
	}

	end, err := l.file.Seek(0, 2)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	// keep page images 8-byte aligned for the backwards iteration
	if pad := end % 8; pad != 0 {
		end += 8 - pad
	}

	buf := make([]byte, len(data)+logEntrySize)
	copy(buf, data)
	e := buf[len(data):]
	binary.LittleEndian.PutUint64(e[0:8], lsn)
	binary.LittleEndian.PutUint32(e[8:12], flags)
	binary.LittleEndian.PutUint32(e[12:16], uint32(len(data)))
	binary.LittleEndian.PutUint64(e[16:24], offset)

	if _, err := l.file.WriteAt(buf, end); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	return nil
}

// getEntry iterates backwards from the tail. iter is the file position
// where the previous call stopped; the first call passes zero, which starts
// at the end of the file. An lsn of zero signals the start of the file.
func (l *Log) getEntry(iter *int64) (logEntry, []byte, error) {
	var entry logEntry

	if *iter == 0 {
		st, err := l.file.Stat()
		if err != nil {
			return entry, nil, fmt.Errorf("%w: %v", common.ErrIO, err)
		}
		*iter = st.Size()
	}

	if *iter <= logHeaderSize {
		return entry, nil, nil
	}

	*iter -= logEntrySize
	e := make([]byte, logEntrySize)
	if _, err := l.file.ReadAt(e, *iter); err != nil {
		return entry, nil, fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	entry.lsn = binary.LittleEndian.Uint64(e[0:8])
	entry.flags = binary.LittleEndian.Uint32(e[8:12])
	entry.dataSize = binary.LittleEndian.Uint32(e[12:16])
	entry.offset = binary.LittleEndian.Uint64(e[16:24])

	var data []byte
	if entry.dataSize > 0 {
		pos := *iter - int64(entry.dataSize)
		pos -= pos % 8
		data = make([]byte, entry.dataSize)
		if _, err := l.file.ReadAt(data, pos); err != nil {
			return entry, nil, fmt.Errorf("%w: %v", common.ErrIO, err)
		}
		*iter = pos
	}

	return entry, data, nil
}

// Recover walks the log from the tail and restores the page images; the
// newest image of each page wins. The trailing changeset is ignored when
// its terminal entry is missing. The log is cleared last, so a crash
// during replay simply restarts it.
func (l *Log) Recover() error {
	logger := l.env.logger.With().Str("component", "log").Logger()

	filesize, err := l.env.device.FileSize()
	if err != nil {
		return err
	}

	restored := make(map[uint64]bool)
	var iter int64
	firstLoop := true
	for {
		entry, data, err := l.getEntry(&iter)
		if err != nil {
			return err
		}

		if firstLoop {
			if entry.flags&logFlagChangesetComplete == 0 {
				logger.Warn().Msg("log is incomplete and will be ignored")
				break
			}
			firstLoop = false
		}

		if entry.lsn == 0 {
			break
		}

		if uint32(len(data)) != l.env.pageSize {
			return common.ErrLogInvalidFileHeader
		}

		// a newer image of this page was already restored
		if restored[entry.offset] {
			l.lsn = entry.lsn
			continue
		}
		restored[entry.offset] = true

		// appended beyond the old end of file, or overwriting a page?
		// Either way the cache and all upper layers are bypassed.
		page := NewPage(l.env.device, nil)
		if entry.offset >= filesize {
			page.address = entry.offset
			filesize = entry.offset + uint64(entry.dataSize)
		} else {
			if err := page.Fetch(entry.offset); err != nil {
				return err
			}
		}

		copy(page.RawPayload(), data)
		page.SetDirty(true)
		if err := page.Flush(); err != nil {
			return err
		}

		// remember where journal replay has to resume
		l.lsn = entry.lsn
		logger.Debug().Uint64("lsn", entry.lsn).Uint64("offset", entry.offset).
			Msg("restored page image")
	}

	if err := l.env.device.Flush(); err != nil {
		return err
	}
	return l.Clear()
}

// Flush fsyncs the log file.
func (l *Log) Flush() error {
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	return nil
}

// Clear truncates the log back to its header.
func (l *Log) Clear() error {
	if err := l.file.Truncate(logHeaderSize); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	return l.writeHeader()
}

// Close persists the last lsn and closes the file.
func (l *Log) Close(noclear bool) error {
	if l.file == nil {
		return nil
	}
	if !noclear {
		if err := l.Clear(); err != nil {
			return err
		}
	}
	if err := l.writeHeader(); err != nil {
		return err
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	return nil
}
