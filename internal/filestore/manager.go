package filestore

import (
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cooldb-io/cooldb/internal/core"
)

// DefaultPageSize is the on-disk slot size, including the trailing
// checksum, fixed at database creation. Payload capacity is
// PageSize - ChecksumSize.
const DefaultPageSize = 16 * 1024

// ChecksumSize is the width of the trailing xxhash64 page checksum.
const ChecksumSize = 8

// DefaultInitialPages is how many pages a freshly added file reserves.
const DefaultInitialPages = 16

// MinGrowthPages is the smallest extension Extend will perform.
const MinGrowthPages = 8

var (
	// ErrUnknownFile is returned for any operation against a file-id not
	// added via Add.
	ErrUnknownFile = errors.New("filestore: unknown file")
	// ErrFileExists is returned by Add when the file-id is already registered.
	ErrFileExists = errors.New("filestore: file already registered")
	// ErrPageOutOfRange is returned when a page index exceeds the file's extent.
	ErrPageOutOfRange = errors.New("filestore: page out of range")
	// ErrBufferSize is returned when a caller's buffer does not match PageSize().
	ErrBufferSize = errors.New("filestore: buffer has wrong size")
	// ErrPageCorrupted is returned by Fetch when a page's trailing
	// checksum does not match its payload.
	ErrPageCorrupted = errors.New("filestore: page checksum mismatch")
	// ErrClosed is returned by any call made after Close.
	ErrClosed = errors.New("filestore: manager closed")
)

// Options configures a Manager.
type Options struct {
	PageSize    int
	SyncOnWrite bool
}

// DefaultOptions returns the default Manager options.
func DefaultOptions() Options {
	return Options{PageSize: DefaultPageSize, SyncOnWrite: false}
}

type file struct {
	mu         sync.RWMutex
	f          *os.File
	path       string
	totalPages int64
}

// Manager multiplexes many backing files by short core.FileID, the
// storage substrate the buffer pool, redo log and undo log all sit on.
type Manager struct {
	mu          sync.RWMutex
	files       map[core.FileID]*file
	pageSize    int
	payloadSize int
	syncOnWrite bool
	closed      bool
	instanceID  uuid.UUID
}

// NewManager constructs an empty Manager. Individual files are attached
// with Add. Each Manager is stamped with a fresh random instance id,
// purely in-memory: it lets the background checkpoint writer built
// against this Manager tag its diagnostic output with which open()
// call it belongs to, without touching any on-disk format.
func NewManager(opts Options) *Manager {
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}
	return &Manager{
		files:       make(map[core.FileID]*file),
		pageSize:    opts.PageSize,
		payloadSize: opts.PageSize - ChecksumSize,
		syncOnWrite: opts.SyncOnWrite,
		instanceID:  uuid.New(),
	}
}

// InstanceID identifies this particular Manager instance, for log
// correlation across a process's lifetime.
func (m *Manager) InstanceID() uuid.UUID {
	return m.instanceID
}

// PageSize returns the payload capacity of one page, after the trailing
// checksum is subtracted.
func (m *Manager) PageSize() int {
	return m.payloadSize
}

// Add registers path under fileID, creating it with DefaultInitialPages
// if it does not already exist.
func (m *Manager) Add(fileID core.FileID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.files[fileID]; ok {
		return ErrFileExists
	}

	_, statErr := os.Stat(path)
	exists := statErr == nil

	flags := os.O_RDWR
	if !exists {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return errors.Wrapf(err, "filestore: open %s", path)
	}

	entry := &file{f: f, path: path}

	if exists {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return errors.Wrapf(err, "filestore: stat %s", path)
		}
		entry.totalPages = info.Size() / int64(m.pageSize)
	} else {
		if err := f.Truncate(int64(DefaultInitialPages) * int64(m.pageSize)); err != nil {
			f.Close()
			os.Remove(path)
			return errors.Wrapf(err, "filestore: extend %s", path)
		}
		entry.totalPages = DefaultInitialPages
	}

	m.files[fileID] = entry
	return nil
}

// Extend grows fileID by at least numPages additional page slots,
// never less than MinGrowthPages, returning the first newly usable page.
func (m *Manager) Extend(fileID core.FileID, numPages int) (core.PageID, error) {
	m.mu.RLock()
	entry, ok := m.files[fileID]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return core.NullPageID, ErrClosed
	}
	if !ok {
		return core.NullPageID, ErrUnknownFile
	}

	if numPages < MinGrowthPages {
		numPages = MinGrowthPages
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	first := entry.totalPages
	newTotal := entry.totalPages + int64(numPages)
	if err := entry.f.Truncate(newTotal * int64(m.pageSize)); err != nil {
		return core.NullPageID, errors.Wrapf(err, "filestore: extend %s", entry.path)
	}
	entry.totalPages = newTotal
	return core.PageID(first), nil
}

// TotalPages reports how many page slots fileID currently has.
func (m *Manager) TotalPages(fileID core.FileID) (int64, error) {
	m.mu.RLock()
	entry, ok := m.files[fileID]
	m.mu.RUnlock()
	if !ok {
		return 0, ErrUnknownFile
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.totalPages, nil
}

// Fetch reads page into buf, which must be exactly PageSize() bytes.
// A checksum mismatch returns ErrPageCorrupted; a slot whose stored
// checksum is zero (never flushed) is returned without verification.
func (m *Manager) Fetch(page core.PageId, buf []byte) error {
	if len(buf) != m.payloadSize {
		return ErrBufferSize
	}

	entry, err := m.lookup(page.FileID)
	if err != nil {
		return err
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()

	if int64(page.Page) >= entry.totalPages {
		return ErrPageOutOfRange
	}

	slot := make([]byte, m.pageSize)
	offset := int64(page.Page) * int64(m.pageSize)
	if _, err := entry.f.ReadAt(slot, offset); err != nil {
		return errors.Wrapf(err, "filestore: read %s", page.String())
	}

	payload := slot[:m.payloadSize]
	want := xxhash.Sum64(payload)
	got := beUint64(slot[m.payloadSize:])
	if want != got && got != 0 {
		return errors.Wrapf(ErrPageCorrupted, "%s", page.String())
	}

	copy(buf, payload)
	return nil
}

// Flush writes buf (exactly PageSize() bytes) to page, stamping a fresh
// trailing checksum. Callers must already have made the redo log
// durable through buf's highest page-LSN before calling Flush;
// force=true additionally fsyncs the file.
func (m *Manager) Flush(page core.PageId, buf []byte, force bool) error {
	if len(buf) != m.payloadSize {
		return ErrBufferSize
	}

	entry, err := m.lookup(page.FileID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if int64(page.Page) >= entry.totalPages {
		return ErrPageOutOfRange
	}

	slot := make([]byte, m.pageSize)
	copy(slot, buf)
	sum := xxhash.Sum64(buf)
	putBeUint64(slot[m.payloadSize:], sum)

	offset := int64(page.Page) * int64(m.pageSize)
	if _, err := entry.f.WriteAt(slot, offset); err != nil {
		return errors.Wrapf(err, "filestore: write %s", page.String())
	}

	if force || m.syncOnWrite {
		if err := entry.f.Sync(); err != nil {
			return errors.Wrapf(err, "filestore: sync %s", entry.path)
		}
	}
	return nil
}

// Force fsyncs fileID.
func (m *Manager) Force(fileID core.FileID) error {
	entry, err := m.lookup(fileID)
	if err != nil {
		return err
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return errors.Wrapf(entry.f.Sync(), "filestore: force %d", fileID)
}

// Close fsyncs and closes every registered file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true

	var firstErr error
	for id, entry := range m.files {
		if err := entry.f.Sync(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "filestore: sync %d on close", id)
		}
		if err := entry.f.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "filestore: close %d", id)
		}
	}
	return firstErr
}

func (m *Manager) lookup(fileID core.FileID) (*file, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	entry, ok := m.files[fileID]
	if !ok {
		return nil, ErrUnknownFile
	}
	return entry, nil
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putBeUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
