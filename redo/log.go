package redo

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"mit.edu/dsg/redolog/common"
	"mit.edu/dsg/redolog/fileio"
)

// StartLSN is the first LSN of a fresh log: sixteen blocks past zero, so
// that every record has a start LSN != 0.
const StartLSN common.LSN = 16 * BlockSize

// Margins of the ring buffer. A reservation keeps writeMargin bytes of
// slack ahead of the append cursor; the buffer is considered "worth
// writing out" once the cursor passes maxBufFree (half the buffer minus
// the flush margin).
const (
	writeMargin = 4 * BlockSize
	flushRatio  = 2
	bufFlushMargin = writeMargin + 4*common.PageSize
)

// Free-space reserve per producer thread in the smallest log group, used
// when deriving the age thresholds.
const (
	checkpointFreePerThread = 4 * common.PageSize
	checkpointExtraFree     = 8 * common.PageSize
)

// Ratios ordering the age thresholds: asynchronous preflush fires first,
// then synchronous preflush, then asynchronous checkpoint, and the full
// margin forces a synchronous checkpoint.
const (
	poolPreflushRatioAsync   = 8
	poolPreflushRatioSync    = 16
	poolCheckpointRatioAsync = 32
)

// maxReserveRetries bounds the reservation retry loop. Exceeding it means
// back-pressure is not draining, which is a logic error, not load.
const maxReserveRetries = 50

// BufferPool is the contract the redo core needs from the buffer pool.
type BufferPool interface {
	// OldestDirtyLSN returns the smallest LSN at which an unflushed page
	// was first modified, or false if no page is dirty.
	OldestDirtyLSN() (common.LSN, bool)
	// FlushList flushes dirty pages modified before target. It returns
	// false if a flush batch of the same type was already running, and
	// the number of pages written.
	FlushList(target common.LSN) (bool, int)
	// FlushInProgress reports whether a flush batch is running.
	FlushInProgress() bool
}

// Log is the redo log of one engine instance. All state except the two
// published watermarks is protected by mu.
type Log struct {
	mu sync.Mutex

	// Logical stream position: the next LSN to assign.
	lsn common.LSN

	// Ring buffer. bufFree is the append cursor, bufNextToWrite the flush
	// cursor; the partial block containing bufFree always has a valid
	// header.
	buf            []byte
	bufFree        int
	bufNextToWrite int
	maxBufFree     int
	isExtending    bool
	extendDone     *sync.Cond

	// Published watermarks, readable without the mutex.
	writeLSN         atomic.Uint64
	flushedToDiskLSN atomic.Uint64

	writeEndOffset  int
	currentFlushLSN common.LSN
	nPendingFlushes int
	// flushGen increments every time a flush completes; waiters key off it
	// instead of a manual-reset event.
	flushGen  uint64
	flushDone *sync.Cond

	checkFlushOrCheckpoint bool

	// Checkpoint coordinator state.
	lastCheckpointLSN        common.LSN
	nextCheckpointLSN        common.LSN
	nextCheckpointNo         uint64
	nPendingCheckpointWrites int
	checkpointLock           sync.RWMutex
	appendOnCheckpoint       []byte

	// flushOrderMu serializes the moment a committed modification links its
	// page into the buffer pool flush list, keeping the list in LSN order.
	flushOrderMu sync.Mutex

	// Age thresholds, derived from the smallest group capacity.
	logGroupCapacity      common.LSN
	maxModifiedAgeAsync   common.LSN
	maxModifiedAgeSync    common.LSN
	maxCheckpointAgeAsync common.LSN
	maxCheckpointAge      common.LSN

	groups []*Group

	pool  BufferPool
	files *fileio.Manager
	cfg   Config

	// CleanerActive, when set, reports whether the background page cleaner
	// is running; the preflush strategy falls back to synchronous batches
	// without one.
	CleanerActive func() bool
	// RecoveryApply, when set, is invoked at the start of a checkpoint to
	// apply any pending replayed records first.
	RecoveryApply func()

	// Changed-page tracking watermark.
	trackChangedPages atomic.Bool
	trackedLSN        atomic.Uint64

	// Pending archive reads, bumped by ReadLogSeg(ReadArchive, ...).
	nPendingArchiveIOs int

	// Rate limiting for the capacity-exceeded error.
	chkpWarned      bool
	lastWarningTime time.Time

	// I/O statistics for the state printout.
	nLogIOs          int64
	nLogIOsOld       int64
	lastPrintoutTime time.Time

	// Registered background components the shutdown protocol waits out.
	activity []ActivityChecker

	inShutdown bool
	closed     bool
}

// New initializes the redo log over the given file manager and buffer
// pool. Log groups are added with AddGroup before the first append.
func New(cfg Config, files *fileio.Manager, pool BufferPool) *Log {
	cfg.validate()

	l := &Log{
		lsn:   StartLSN,
		cfg:   cfg,
		files: files,
		pool:  pool,
	}
	l.extendDone = sync.NewCond(&l.mu)
	l.flushDone = sync.NewCond(&l.mu)

	l.buf = make([]byte, cfg.BufferSize)
	l.maxBufFree = cfg.BufferSize/flushRatio - bufFlushMargin
	common.Assert(l.maxBufFree > 0, "log buffer of %d bytes leaves no flush margin", cfg.BufferSize)
	l.checkFlushOrCheckpoint = true

	l.writeLSN.Store(uint64(l.lsn))
	l.flushedToDiskLSN.Store(uint64(l.lsn))
	l.lastCheckpointLSN = l.lsn
	l.trackChangedPages.Store(cfg.TrackChangedPages)
	l.lastPrintoutTime = time.Now()

	InitBlock(l.buf, l.lsn)
	SetBlockFirstRecGroup(l.buf, BlockHeaderSize)
	l.bufFree = BlockHeaderSize
	l.lsn = StartLSN + BlockHeaderSize

	return l
}

// AddGroup registers a log group backed by an existing file space of
// numFiles files of fileSize bytes each, then re-derives the age
// thresholds. It fails when the smallest group cannot accommodate the
// configured thread concurrency.
func (l *Log) AddGroup(spaceID common.SpaceID, numFiles int, fileSize int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	g := newGroup(len(l.groups), spaceID, numFiles, fileSize)
	l.groups = append(l.groups, g)
	if err := l.calcMaxAges(); err != nil {
		l.groups = l.groups[:len(l.groups)-1]
		return err
	}
	return nil
}

// Groups returns the registered log groups.
func (l *Log) Groups() []*Group {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Group(nil), l.groups...)
}

// calcMaxAges derives the margin thresholds from the smallest group.
// Caller holds mu.
func (l *Log) calcMaxAges() error {
	common.Assert(len(l.groups) > 0, "no log groups configured")

	smallest := common.LSNMax
	for _, g := range l.groups {
		if c := g.Capacity(); c < smallest {
			smallest = c
		}
	}

	free := common.LSN(checkpointFreePerThread*(10+l.cfg.ThreadConcurrency) + checkpointExtraFree)
	if free >= smallest/2 {
		return common.EngineError{
			Code: common.LogGroupTooSmall,
			ErrString: fmt.Sprintf(
				"log files are too small for a thread concurrency of %d: "+
					"the combined size of the log files should exceed %d bytes",
				l.cfg.ThreadConcurrency, 4*free),
		}
	}
	margin := smallest - free
	margin = margin - margin/10 // extra safety

	l.logGroupCapacity = smallest

	l.maxModifiedAgeAsync = margin - margin/poolPreflushRatioAsync
	l.maxModifiedAgeSync = margin - margin/poolPreflushRatioSync
	l.maxCheckpointAgeAsync = margin - margin/poolCheckpointRatioAsync
	l.maxCheckpointAge = margin
	return nil
}

// CurrentLSN returns the next LSN to assign.
func (l *Log) CurrentLSN() common.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lsn
}

// WriteLSN returns the highest LSN whose bytes have been issued to the OS.
func (l *Log) WriteLSN() common.LSN {
	return common.LSN(l.writeLSN.Load())
}

// FlushedToDiskLSN returns the highest LSN durably on stable storage.
func (l *Log) FlushedToDiskLSN() common.LSN {
	return common.LSN(l.flushedToDiskLSN.Load())
}

// LastCheckpointLSN returns the LSN of the most recent completed
// checkpoint.
func (l *Log) LastCheckpointLSN() common.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastCheckpointLSN
}

// PeekLSN returns the current LSN if the log mutex can be acquired without
// blocking.
func (l *Log) PeekLSN() (common.LSN, bool) {
	if !l.mu.TryLock() {
		return 0, false
	}
	lsn := l.lsn
	l.mu.Unlock()
	return lsn, true
}

// FlushOrderLock acquires the flush-order mutex. A mini-transaction takes
// it after closing its log write and before linking the dirtied pages into
// the buffer pool flush list, so pages enter the list in LSN order.
func (l *Log) FlushOrderLock() { l.flushOrderMu.Lock() }

// FlushOrderUnlock releases the flush-order mutex.
func (l *Log) FlushOrderUnlock() { l.flushOrderMu.Unlock() }

// oldestDirtyLSN returns the oldest modification in the pool, or the
// current lsn if the pool is clean. Caller holds mu.
func (l *Log) oldestDirtyLSN() common.LSN {
	if lsn, ok := l.pool.OldestDirtyLSN(); ok {
		return lsn
	}
	return l.lsn
}

// trackingMarginExceeded reports whether writing advance more bytes would
// outrun the changed-page tracker. Caller holds mu.
func (l *Log) trackingMarginExceeded(advance common.LSN) bool {
	if !l.trackChangedPages.Load() {
		return false
	}
	trackedAge := l.lsn - common.LSN(l.trackedLSN.Load())
	// Overwrite would happen at logGroupCapacity; maxCheckpointAge keeps an
	// extra safety margin.
	return trackedAge+advance > l.maxCheckpointAge
}

// SetTrackedLSN publishes the changed-page tracker's progress watermark.
func (l *Log) SetTrackedLSN(lsn common.LSN) { l.trackedLSN.Store(uint64(lsn)) }

// TrackedLSN returns the tracker watermark.
func (l *Log) TrackedLSN() common.LSN { return common.LSN(l.trackedLSN.Load()) }

// TrackingEnabled reports whether changed-page tracking is still on. It can
// be disabled at runtime when the tracker falls behind the group capacity.
func (l *Log) TrackingEnabled() bool { return l.trackChangedPages.Load() }

// ReserveAndOpen reserves space for a record group of up to length bytes
// and returns its start LSN with the log mutex held. The caller must follow
// with WriteLow calls and a CloseWrite. Blocks while the buffer is
// extending or too full, after first nudging the writer along.
func (l *Log) ReserveAndOpen(length int) common.LSN {
	common.Assert(length > 0, "empty log reservation")

	// Opportunistic margin pass so that the reservation itself rarely has
	// to block on a checkpoint.
	l.mu.Lock()
	check := l.checkFlushOrCheckpoint
	l.mu.Unlock()
	if check {
		l.CheckMargins()
	}

	l.mu.Lock()
	if length >= len(l.buf)/2 {
		// The reservation would not fit in half the ring; grow it first,
		// leaving room for the block overhead and padding estimates.
		l.mu.Unlock()
		l.ExtendBuffer((length + 1) * 2)
		l.mu.Lock()
	}

	count := 0
	tcount := 0
	for {
		common.Assert(!l.closed, "log closed")

		if l.isExtending {
			// Wait for the extension to finish before reserving.
			count++
			common.Assert(count < maxReserveRetries, "reservation starved on buffer extension")
			l.extendDone.Wait()
			continue
		}

		// Upper limit for the space the record group may take, counting
		// block headers and write-ahead padding.
		upperLimit := writeMargin + l.cfg.WriteAheadSize + (5*length)/4

		if l.bufFree+upperLimit > len(l.buf) {
			// Not enough free space: write the buffer out and retry.
			l.mu.Unlock()
			l.SyncInBackground(false)
			count++
			common.Assert(count < maxReserveRetries, "reservation starved on full log buffer")
			l.mu.Lock()
			continue
		}

		if l.trackingMarginExceeded(common.LSN(upperLimit)) && tcount+count < maxReserveRetries {
			// Give the tracker a chance to catch up, but only so many
			// times: if the log is about to overflow we proceed anyway.
			tcount++
			l.mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			l.mu.Lock()
			continue
		}

		return l.lsn
	}
}

// WriteLow copies str into the ring buffer, advancing the LSN and crossing
// block boundaries as needed. The caller holds the log mutex via
// ReserveAndOpen.
func (l *Log) WriteLow(str []byte) {
	for len(str) > 0 {
		dataLen := l.bufFree%BlockSize + len(str)
		var n int
		if dataLen <= BlockDataMax {
			// The string fits within the current block.
			n = len(str)
		} else {
			dataLen = BlockDataMax
			n = BlockSize - l.bufFree%BlockSize - BlockTrailerSize
		}

		copy(l.buf[l.bufFree:], str[:n])
		str = str[n:]

		blockStart := int(common.AlignDown(uint64(l.bufFree), BlockSize))
		block := l.buf[blockStart : blockStart+BlockSize]

		SetBlockDataLen(block, dataLen)

		if dataLen == BlockDataMax {
			// This block became full.
			SetBlockDataLen(block, BlockSize)
			SetBlockCheckpointNo(block, l.nextCheckpointNo)
			n += BlockHeaderSize + BlockTrailerSize

			l.lsn += common.LSN(n)

			InitBlock(l.buf[blockStart+BlockSize:], l.lsn)
		} else {
			l.lsn += common.LSN(n)
		}

		l.bufFree += n
		common.Assert(l.bufFree <= len(l.buf), "append cursor past buffer end")
	}
}

// CloseWrite finishes a record group started with ReserveAndOpen, releases
// the log mutex, and returns the end LSN. It also flags the margin
// controller when the buffer or the ages have crossed their thresholds.
func (l *Log) CloseWrite() common.LSN {
	lsn := l.lsn

	blockStart := int(common.AlignDown(uint64(l.bufFree), BlockSize))
	block := l.buf[blockStart : blockStart+BlockSize]

	if BlockFirstRecGroup(block) == 0 {
		// We initialized a new block that the current record group did not
		// fill: the next group will start within it at data_len.
		SetBlockFirstRecGroup(block, BlockDataLen(block))
	}

	if l.bufFree > l.maxBufFree {
		l.checkFlushOrCheckpoint = true
	}

	if l.trackChangedPages.Load() {
		trackedAge := lsn - common.LSN(l.trackedLSN.Load())
		if trackedAge >= l.logGroupCapacity {
			log.Printf("redo: error: the age of the oldest untracked record %d exceeds the log group capacity %d; "+
				"stopping changed-page tracking", trackedAge, l.logGroupCapacity)
			l.trackChangedPages.Store(false)
		}
	}

	checkpointAge := lsn - l.lastCheckpointLSN

	if checkpointAge >= l.logGroupCapacity {
		// The log is outrunning checkpoints. The next margin pass forces a
		// synchronous checkpoint; here we only complain, at most once per
		// 15 seconds.
		if !l.chkpWarned || time.Since(l.lastWarningTime) > 15*time.Second {
			l.chkpWarned = true
			l.lastWarningTime = time.Now()
			log.Printf("redo: error: the age of the last checkpoint is %d, which exceeds the log group capacity %d",
				checkpointAge, l.logGroupCapacity)
		}
	}

	if checkpointAge <= l.maxModifiedAgeSync {
		l.mu.Unlock()
		return lsn
	}

	oldest, ok := l.pool.OldestDirtyLSN()
	if !ok || lsn-oldest > l.maxModifiedAgeSync || checkpointAge > l.maxCheckpointAgeAsync {
		l.checkFlushOrCheckpoint = true
	}
	l.mu.Unlock()
	return lsn
}

// ExtendBuffer grows the ring buffer so a reservation of at least minLen
// bytes fits comfortably. Concurrent extenders wait for the winner and
// re-check whether it already extended enough.
func (l *Log) ExtendBuffer(minLen int) {
	l.mu.Lock()

	for l.isExtending {
		// Another thread is extending already; help drain the buffer and
		// re-check.
		l.mu.Unlock()
		l.BufferFlushToDisk()
		l.mu.Lock()

		if len(l.buf)/common.PageSize > minLen/common.PageSize {
			// Already extended enough by the others.
			l.mu.Unlock()
			return
		}
	}

	if minLen >= len(l.buf)/2 {
		log.Printf("redo: a single log write of %d bytes is too large for the log buffer of %d bytes; extending it",
			minLen, len(l.buf))
	}

	l.isExtending = true

	for common.AlignDown(uint64(l.bufFree), BlockSize) != common.AlignDown(uint64(l.bufNextToWrite), BlockSize) {
		// The buffer still has full blocks to write; flush them before
		// relocating the tail.
		l.mu.Unlock()
		l.BufferFlushToDisk()
		l.mu.Lock()
	}

	moveStart := int(common.AlignDown(uint64(l.bufFree), BlockSize))
	moveEnd := l.bufFree

	// Save the tail partial block across the reallocation.
	var tail [BlockSize]byte
	copy(tail[:], l.buf[moveStart:moveEnd])

	l.bufFree -= moveStart
	l.bufNextToWrite -= moveStart

	newSize := (minLen/common.PageSize + 1) * common.PageSize
	l.buf = make([]byte, newSize)
	l.maxBufFree = newSize/flushRatio - bufFlushMargin
	common.Assert(l.maxBufFree > 0, "extended log buffer of %d bytes leaves no flush margin", newSize)

	copy(l.buf, tail[:moveEnd-moveStart])

	common.Assert(l.isExtending, "extension flag lost")
	l.isExtending = false
	l.extendDone.Broadcast()

	l.mu.Unlock()

	log.Printf("redo: log buffer size was extended to %d bytes", newSize)
}

// BufferSize returns the current ring buffer size in bytes.
func (l *Log) BufferSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}
