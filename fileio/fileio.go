// Package fileio provides the file space layer underneath the redo log and
// the buffer pool: fixed-size files grouped into spaces, synchronous and
// asynchronous block I/O, and durable flushing governed by the configured
// flush method.
package fileio

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"mit.edu/dsg/redolog/common"
)

// SpaceKind distinguishes redo log file sets from data tablespaces. Flush
// ordering between the two kinds is what makes checkpoints crash-consistent,
// so several operations act on one kind at a time.
type SpaceKind int

const (
	SpaceLog SpaceKind = iota
	SpaceTablespace
)

// CompletionKind tags an asynchronous I/O completion with the purpose of the
// write, so the completion handler can route it without guessing.
type CompletionKind int

const (
	// CompletionData is a redo log data write for a log group.
	CompletionData CompletionKind = iota
	// CompletionCheckpoint is a checkpoint slot write for a log group.
	CompletionCheckpoint
	// CompletionArchive is an archive copy read or write.
	CompletionArchive
)

// Completion identifies an asynchronous I/O request. Group is the index of
// the log group the request belongs to (unused for archive I/O).
type Completion struct {
	Kind  CompletionKind
	Group int
}

// FlushMethod governs how writes reach stable storage, mirroring the
// unix_file_flush_method configurations of the engine.
type FlushMethod int

const (
	FlushFsync FlushMethod = iota
	FlushODSync
	FlushODirect
	FlushODirectNoFsync
	FlushLittleSync
	FlushAllODirect
	FlushNoSync
)

func (m FlushMethod) String() string {
	switch m {
	case FlushFsync:
		return "fsync"
	case FlushODSync:
		return "o_dsync"
	case FlushODirect:
		return "o_direct"
	case FlushODirectNoFsync:
		return "o_direct_no_fsync"
	case FlushLittleSync:
		return "little_sync"
	case FlushAllODirect:
		return "all_o_direct"
	case FlushNoSync:
		return "nosync"
	}
	return "unknown"
}

// SyncOnWrite reports whether the OS makes every write durable as it is
// issued, so the caller may advance its flushed watermark without an
// explicit flush.
func (m FlushMethod) SyncOnWrite() bool {
	return m == FlushODSync || m == FlushAllODirect
}

// NeedsFlush reports whether an explicit flush call must reach the device
// for durability under this method.
func (m FlushMethod) NeedsFlush() bool {
	switch m {
	case FlushODSync, FlushAllODirect, FlushNoSync:
		return false
	default:
		return true
	}
}

// FlushedLSNOffset is the position within the first page of each data file
// where the final flushed LSN is stamped at clean shutdown.
const FlushedLSNOffset = 26

// Space is an ordered set of identically sized files addressed by a single
// byte offset range [0, len(files)*fileSize).
type Space struct {
	id       common.SpaceID
	kind     SpaceKind
	fileSize int64
	files    []*os.File
}

func (s *Space) ID() common.SpaceID { return s.id }
func (s *Space) Kind() SpaceKind    { return s.kind }
func (s *Space) FileSize() int64    { return s.fileSize }
func (s *Space) NumFiles() int      { return len(s.files) }

// locate maps a space offset to (file, offset within file) and asserts the
// request does not straddle a file boundary. Callers split multi-file
// transfers themselves, because a boundary crossing needs a header write in
// between.
func (s *Space) locate(off, length int64) (*os.File, int64) {
	common.Assert(off >= 0 && off+length <= int64(len(s.files))*s.fileSize,
		"offset %d+%d out of bounds for %v", off, length, s.id)
	idx := off / s.fileSize
	rel := off % s.fileSize
	common.Assert(rel+length <= s.fileSize,
		"i/o of %d bytes at %d crosses a file boundary in %v", length, off, s.id)
	return s.files[idx], rel
}

func (s *Space) writeAt(off int64, b []byte) error {
	f, rel := s.locate(off, int64(len(b)))
	if _, err := f.WriteAt(b, rel); err != nil {
		return fmt.Errorf("write %v at %d: %w", s.id, off, err)
	}
	return nil
}

func (s *Space) readAt(off int64, b []byte) error {
	f, rel := s.locate(off, int64(len(b)))
	if _, err := f.ReadAt(b, rel); err != nil {
		return fmt.Errorf("read %v at %d: %w", s.id, off, err)
	}
	return nil
}

func (s *Space) flush() error {
	for _, f := range s.files {
		if err := fdatasync(f); err != nil {
			return fmt.Errorf("flush %v: %w", s.id, err)
		}
	}
	return nil
}

// Manager owns every file space of the engine instance.
type Manager struct {
	dir    string
	method FlushMethod

	spaces *xsync.MapOf[common.SpaceID, *Space]

	// I/O statistics, read by the log state printout.
	nWrites *xsync.Counter
	nReads  *xsync.Counter

	pendingIO atomic.Int64
	asyncWG   sync.WaitGroup
}

// NewManager creates a manager rooted at dir. Files for a space with id N
// are created as <dir>/space<N>.<file-index>.
func NewManager(dir string, method FlushMethod) *Manager {
	return &Manager{
		dir:     dir,
		method:  method,
		spaces:  xsync.NewMapOf[common.SpaceID, *Space](),
		nWrites: xsync.NewCounter(),
		nReads:  xsync.NewCounter(),
	}
}

func (m *Manager) FlushMethod() FlushMethod { return m.method }

// CreateSpace creates (or opens, preserving contents) a space of numFiles
// files of fileSize bytes each. Files are preallocated to their full size so
// offset math never races file growth.
func (m *Manager) CreateSpace(id common.SpaceID, kind SpaceKind, numFiles int, fileSize int64) (*Space, error) {
	common.Assert(numFiles > 0 && fileSize > 0, "bad space geometry %d x %d", numFiles, fileSize)
	files := make([]*os.File, numFiles)
	for i := range files {
		path := filepath.Join(m.dir, fmt.Sprintf("space%d.%d", uint32(id), i))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
		if err != nil {
			return nil, err
		}
		stat, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		if stat.Size() < fileSize {
			if err := f.Truncate(fileSize); err != nil {
				f.Close()
				return nil, fmt.Errorf("preallocate %s: %w", path, err)
			}
		}
		files[i] = f
	}
	sp := &Space{id: id, kind: kind, fileSize: fileSize, files: files}
	m.spaces.Store(id, sp)
	return sp, nil
}

// Space resolves a space id.
func (m *Manager) Space(id common.SpaceID) (*Space, error) {
	if sp, ok := m.spaces.Load(id); ok {
		return sp, nil
	}
	return nil, common.EngineError{Code: common.SpaceNotFound, ErrString: id.String()}
}

// Write issues a synchronous write to a space.
func (m *Manager) Write(id common.SpaceID, off int64, b []byte) error {
	sp, err := m.Space(id)
	if err != nil {
		return err
	}
	m.nWrites.Inc()
	return sp.writeAt(off, b)
}

// Read issues a synchronous read from a space.
func (m *Manager) Read(id common.SpaceID, off int64, b []byte) error {
	sp, err := m.Space(id)
	if err != nil {
		return err
	}
	m.nReads.Inc()
	return sp.readAt(off, b)
}

// WriteAsync issues a write on a background goroutine. done is invoked with
// the completion token and the write error once the bytes have been handed
// to the OS. The manager tracks the request in its pending-I/O count until
// done returns.
func (m *Manager) WriteAsync(id common.SpaceID, off int64, b []byte, c Completion, done func(Completion, error)) error {
	sp, err := m.Space(id)
	if err != nil {
		return err
	}
	m.nWrites.Inc()
	m.pendingIO.Add(1)
	m.asyncWG.Add(1)
	go func() {
		defer m.asyncWG.Done()
		err := sp.writeAt(off, b)
		done(c, err)
		m.pendingIO.Add(-1)
	}()
	return nil
}

// Flush makes the writes of a space durable. Under flush methods where the
// OS already did that (or durability is waived) this is a no-op.
func (m *Manager) Flush(id common.SpaceID) error {
	if !m.method.NeedsFlush() {
		return nil
	}
	sp, err := m.Space(id)
	if err != nil {
		return err
	}
	return sp.flush()
}

// FlushSpaces flushes every space of the given kind. Only the methods that
// explicitly waive durability (nosync) or make every write durable through
// O_DIRECT semantics (all_o_direct) skip the sync; O_DSYNC applies to the
// log files alone, so data spaces are still flushed under it.
func (m *Manager) FlushSpaces(kind SpaceKind) error {
	if m.method == FlushNoSync || m.method == FlushAllODirect {
		return nil
	}
	var firstErr error
	m.spaces.Range(func(_ common.SpaceID, sp *Space) bool {
		if sp.kind != kind {
			return true
		}
		if err := sp.flush(); err != nil && firstErr == nil {
			firstErr = err
			return false
		}
		return true
	})
	return firstErr
}

// PendingIO returns the number of asynchronous requests not yet completed.
func (m *Manager) PendingIO() int {
	return int(m.pendingIO.Load())
}

// Writes returns the cumulative number of write requests issued.
func (m *Manager) Writes() int64 { return m.nWrites.Value() }

// WriteFlushedLSN stamps lsn into the header of the first page of every
// tablespace (in its first file) and flushes it. Called at the end of a clean shutdown so
// the next startup can tell the data files are complete up to lsn. It
// bypasses the buffer pool, which therefore must already be fully flushed.
func (m *Manager) WriteFlushedLSN(lsn common.LSN) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(lsn))
	var firstErr error
	m.spaces.Range(func(_ common.SpaceID, sp *Space) bool {
		if sp.kind != SpaceTablespace {
			return true
		}
		if err := sp.writeAt(FlushedLSNOffset, buf[:]); err != nil {
			firstErr = err
			return false
		}
		if err := sp.flush(); err != nil {
			firstErr = err
			return false
		}
		return true
	})
	return firstErr
}

// Close waits for outstanding asynchronous I/O and closes every file.
func (m *Manager) Close() error {
	m.asyncWG.Wait()
	var firstErr error
	m.spaces.Range(func(id common.SpaceID, sp *Space) bool {
		for _, f := range sp.files {
			if err := f.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		m.spaces.Delete(id)
		return true
	})
	return firstErr
}
