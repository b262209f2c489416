package redo

import (
	"mit.edu/dsg/redolog/common"
)

// flushFileHeader stamps and writes the header block of the nth file of a
// group, for a file whose data starts at startLSN. Caller holds mu.
func (l *Log) flushFileHeader(g *Group, nth int, startLSN common.LSN) {
	buf := g.stampFileHeader(nth, startLSN)
	l.nLogIOs++
	err := l.files.Write(g.spaceID, int64(nth)*g.fileSize, buf)
	common.Assert(err == nil, "log file header write failed: %v", err)
}

// groupWriteBuf writes buf, a whole number of blocks starting at startLSN,
// into the group's file ring, emitting a file header whenever the write
// enters a new file. newDataOffset is the offset of the first new byte in
// buf; a header is written only when the write begins a file. Caller holds
// mu.
func (l *Log) groupWriteBuf(g *Group, buf []byte, startLSN common.LSN, newDataOffset int) {
	common.Assert(len(buf)%BlockSize == 0, "write length %d not block-aligned", len(buf))
	common.Assert(uint64(startLSN)%BlockSize == 0, "write start lsn %d not block-aligned", startLSN)

	writeHeader := newDataOffset == 0

	for len(buf) > 0 {
		nextOffset := g.calcLSNOffset(startLSN)

		if writeHeader && nextOffset%g.fileSize == FileHeaderSize {
			// This write starts a new file instance in the ring.
			l.flushFileHeader(g, int(nextOffset/g.fileSize), startLSN)
		}

		writeLen := len(buf)
		if rem := g.fileSize - nextOffset%g.fileSize; int64(writeLen) > rem {
			writeLen = int(rem)
		}

		// Stamp the trailer checksums immediately before emission, so the
		// on-disk blocks always verify.
		for i := 0; i < writeLen/BlockSize; i++ {
			StoreBlockChecksum(buf[i*BlockSize:(i+1)*BlockSize], l.cfg.Checksum)
		}

		l.nLogIOs++
		err := l.files.Write(g.spaceID, nextOffset, buf[:writeLen])
		common.Assert(err == nil, "log write failed: %v", err)

		if writeLen < len(buf) {
			startLSN += common.LSN(writeLen)
			buf = buf[writeLen:]
			writeHeader = true
			continue
		}
		return
	}
}

// writeCompletion publishes the new write LSN and compacts the ring buffer
// once the written prefix exceeds half of the flush threshold. Caller
// holds mu.
func (l *Log) writeCompletion() {
	l.writeLSN.Store(uint64(l.lsn))
	l.bufNextToWrite = l.writeEndOffset

	if l.writeEndOffset > l.maxBufFree/2 {
		// Move the unwritten log buffer content to the start of the buffer.
		moveStart := int(common.AlignDown(uint64(l.writeEndOffset), BlockSize))
		moveEnd := int(common.AlignUp(uint64(l.bufFree), BlockSize))

		copy(l.buf, l.buf[moveStart:moveEnd])
		l.bufFree -= moveStart
		l.bufNextToWrite -= moveStart
	}
}

// WriteUpTo ensures the log has been written to the log files up to lsn,
// and if flushToDisk is set, that it is durable on stable storage. It
// either starts a new write or waits for a running flush that already
// covers the request.
func (l *Log) WriteUpTo(lsn common.LSN, flushToDisk bool) {
	loopCount := 0

	for {
		loopCount++
		common.Assert(loopCount < 128, "write_up_to livelock")

		// Dirty read of the published watermark. Only valid for the
		// non-flushing check: the mutex contention below also arbitrates
		// fsync bandwidth between log and data files.
		if !flushToDisk && common.LSN(l.writeLSN.Load()) >= lsn {
			return
		}

		l.mu.Lock()

		limit := common.LSN(l.writeLSN.Load())
		if flushToDisk {
			limit = common.LSN(l.flushedToDiskLSN.Load())
		}
		if limit >= lsn {
			l.mu.Unlock()
			return
		}

		if flushToDisk && l.nPendingFlushes > 0 {
			// A flush is in flight. Figure out whether it will do the job
			// for us, then wait for it either way.
			workDone := l.currentFlushLSN >= lsn
			gen := l.flushGen
			for l.flushGen == gen {
				l.flushDone.Wait()
			}
			l.mu.Unlock()
			if workDone {
				return
			}
			continue
		}

		if !flushToDisk && l.bufFree == l.bufNextToWrite {
			// Nothing to write and no flush requested.
			l.mu.Unlock()
			return
		}

		l.write(flushToDisk)
		return
	}
}

// write drains the ring buffer to every log group and optionally flushes.
// Caller holds mu; write releases it.
func (l *Log) write(flushToDisk bool) {
	if flushToDisk {
		l.nPendingFlushes++
		l.currentFlushLSN = l.lsn
	}

	startOffset := l.bufNextToWrite
	endOffset := l.bufFree

	areaStart := int(common.AlignDown(uint64(startOffset), BlockSize))
	areaEnd := int(common.AlignUp(uint64(endOffset), BlockSize))
	common.Assert(areaEnd-areaStart > 0, "empty write area")

	SetBlockFlushFlag(l.buf[areaStart:areaStart+BlockSize], true)
	SetBlockCheckpointNo(l.buf[areaEnd-BlockSize:areaEnd], l.nextCheckpointNo)

	g := l.groups[0]

	// Zero-pad the tail up to the next write-ahead boundary so the next
	// write starts aligned to the storage's optimal unit.
	padSize := 0
	if waSize := l.cfg.WriteAheadSize; waSize > BlockSize {
		endLSNOffset := g.calcLSNOffset(common.LSN(common.AlignUp(uint64(l.lsn), BlockSize)))
		endOffsetInUnit := int(endLSNOffset % int64(waSize))

		if endOffsetInUnit > 0 && (areaEnd-areaStart) > endOffsetInUnit {
			padSize = waSize - endOffsetInUnit
			if areaEnd+padSize > len(l.buf) {
				padSize = len(l.buf) - areaEnd
			}
			for i := areaEnd; i < areaEnd+padSize; i++ {
				l.buf[i] = 0
			}
		}
	}

	writeStartLSN := common.LSN(common.AlignDown(l.writeLSN.Load(), BlockSize))
	for _, group := range l.groups {
		l.groupWriteBuf(group, l.buf[areaStart:areaEnd+padSize], writeStartLSN, startOffset-areaStart)
	}

	l.writeEndOffset = l.bufFree
	anchorLSN := common.LSN(l.writeLSN.Load())
	for _, group := range l.groups {
		group.setFields(anchorLSN)
	}

	l.writeCompletion()

	if l.files.FlushMethod().SyncOnWrite() {
		// The OS did not buffer the log file at all: what we wrote is
		// already durable.
		l.flushedToDiskLSN.Store(l.writeLSN.Load())
	}

	l.mu.Unlock()

	if !flushToDisk {
		// Only a write was requested.
		return
	}

	doFlush := !l.files.FlushMethod().SyncOnWrite()
	if doFlush {
		err := l.files.Flush(l.groups[0].spaceID)
		common.Assert(err == nil, "log flush failed: %v", err)
	}

	l.mu.Lock()
	if doFlush {
		l.flushedToDiskLSN.Store(uint64(l.currentFlushLSN))
	}
	l.nPendingFlushes--
	common.Assert(l.nPendingFlushes == 0, "concurrent log flushers")
	l.flushGen++
	l.flushDone.Broadcast()
	l.mu.Unlock()
}

// BufferFlushToDisk does a synchronous flush of the log buffer to disk.
func (l *Log) BufferFlushToDisk() {
	l.mu.Lock()
	lsn := l.lsn
	l.mu.Unlock()

	l.WriteUpTo(lsn, true)
}

// SyncInBackground writes the log buffer to the log files, and flushes if
// requested, without waiting when a pending flush already covers the
// current LSN. Meant for background maintenance passes.
func (l *Log) SyncInBackground(flush bool) {
	l.mu.Lock()
	lsn := l.lsn
	if flush && l.nPendingFlushes > 0 && l.currentFlushLSN >= lsn {
		// The running write + flush will write enough.
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	l.WriteUpTo(lsn, flush)
}
