package redo

import (
	"encoding/binary"

	"mit.edu/dsg/redolog/common"
	"mit.edu/dsg/redolog/fileio"
)

// Checkpoint block layout (one block per slot). All fields big-endian.
const (
	checkpointNo          = 0  // 8 bytes
	checkpointLSN         = 8  // 8 bytes
	checkpointOffsetLow   = 16 // 4 bytes
	checkpointOffsetHigh  = 20 // 4 bytes
	checkpointLogBufSize  = 24 // 4 bytes
	checkpointArchivedLSN = 28 // 8 bytes; LSNMax when archiving is off
	checkpointGroupArray  = 36 // maxCheckpointGroups slots of 8 bytes
	maxCheckpointGroups   = 32
	checkpointChecksum1   = checkpointGroupArray + 8*maxCheckpointGroups // 292
	checkpointChecksum2   = checkpointChecksum1 + 4                     // 296
)

// The checkpoint marker record: a type byte followed by the flush LSN.
// Recovery uses the marker to locate the end of the quiescent region.
const (
	checkpointMarkerType = byte(49)
	checkpointMarkerSize = 9
)

// CheckpointInfo is a decoded checkpoint slot.
type CheckpointInfo struct {
	No          uint64
	LSN         common.LSN
	Offset      int64
	LogBufSize  int
	ArchivedLSN common.LSN
}

// AppendOnCheckpoint registers bytes to be appended to the log on every
// checkpoint, returning the previously registered bytes.
func (l *Log) AppendOnCheckpoint(buf []byte) []byte {
	l.mu.Lock()
	old := l.appendOnCheckpoint
	l.appendOnCheckpoint = buf
	l.mu.Unlock()
	return old
}

// emitCheckpointMarker appends the registered checkpoint bytes and the
// checkpoint marker record describing flushLSN. Returns whether anything
// was appended. Caller holds mu.
func (l *Log) emitCheckpointMarker(flushLSN common.LSN, doWrite bool) bool {
	if !doWrite {
		return false
	}
	if l.appendOnCheckpoint != nil {
		l.WriteLow(l.appendOnCheckpoint)
	}

	var marker [checkpointMarkerSize]byte
	marker[0] = checkpointMarkerType
	binary.BigEndian.PutUint64(marker[1:], uint64(flushLSN))
	l.WriteLow(marker[:])
	return true
}

// groupCheckpoint builds the checkpoint block for a group and issues it as
// an asynchronous write to the slot selected by the checkpoint number
// parity. Caller holds mu.
func (l *Log) groupCheckpoint(g *Group) {
	buf := g.checkpointBuf
	for i := range buf {
		buf[i] = 0
	}

	binary.BigEndian.PutUint64(buf[checkpointNo:], l.nextCheckpointNo)
	binary.BigEndian.PutUint64(buf[checkpointLSN:], uint64(l.nextCheckpointLSN))

	lsnOffset := g.calcLSNOffset(l.nextCheckpointLSN)
	binary.BigEndian.PutUint32(buf[checkpointOffsetLow:], uint32(uint64(lsnOffset)&0xFFFFFFFF))
	binary.BigEndian.PutUint32(buf[checkpointOffsetHigh:], uint32(uint64(lsnOffset)>>32))

	binary.BigEndian.PutUint32(buf[checkpointLogBufSize:], uint32(len(l.buf)))

	// Archiving is off: the archived LSN slot carries the sentinel.
	binary.BigEndian.PutUint64(buf[checkpointArchivedLSN:], uint64(common.LSNMax))

	binary.BigEndian.PutUint32(buf[checkpointChecksum1:],
		uint32(foldBytes(buf[:checkpointChecksum1])))
	binary.BigEndian.PutUint32(buf[checkpointChecksum2:],
		uint32(foldBytes(buf[checkpointLSN:checkpointChecksum2])))

	slot := int64(Checkpoint1Offset)
	if l.nextCheckpointNo&1 == 1 {
		slot = Checkpoint2Offset
	}

	if l.nPendingCheckpointWrites == 0 {
		l.checkpointLock.Lock()
	}
	l.nPendingCheckpointWrites++
	l.nLogIOs++

	err := l.files.WriteAsync(g.spaceID, slot, buf,
		fileio.Completion{Kind: fileio.CompletionCheckpoint, Group: g.id},
		l.onCheckpointIOComplete)
	common.Assert(err == nil, "checkpoint write dispatch failed: %v", err)
}

// onCheckpointIOComplete finishes one group's checkpoint slot write. When
// the last pending write completes, the checkpoint is published.
func (l *Log) onCheckpointIOComplete(c fileio.Completion, err error) {
	// Redo log corruption is unrecoverable mid-flight.
	common.Assert(err == nil, "checkpoint write failed: %v", err)
	common.Assert(c.Kind == fileio.CompletionCheckpoint, "unexpected completion %v", c.Kind)

	l.mu.Lock()
	spaceID := l.groups[c.Group].spaceID
	l.mu.Unlock()

	if ferr := l.files.Flush(spaceID); ferr != nil {
		common.Assert(false, "checkpoint slot flush failed: %v", ferr)
	}

	l.mu.Lock()
	common.Assert(l.nPendingCheckpointWrites > 0, "stray checkpoint completion")
	l.nPendingCheckpointWrites--
	if l.nPendingCheckpointWrites == 0 {
		l.completeCheckpoint()
	}
	l.mu.Unlock()
}

// completeCheckpoint publishes the in-flight checkpoint. Caller holds mu.
func (l *Log) completeCheckpoint() {
	common.Assert(l.nPendingCheckpointWrites == 0, "checkpoint completion with writes pending")

	l.nextCheckpointNo++
	l.lastCheckpointLSN = l.nextCheckpointLSN

	l.checkpointLock.Unlock()
}

// writeCheckpointInfo issues the checkpoint block of every group and
// releases the log mutex. With sync set it then waits for the writes to
// complete by passing through the checkpoint lock.
func (l *Log) writeCheckpointInfo(sync bool) {
	for _, g := range l.groups {
		l.groupCheckpoint(g)
	}
	l.mu.Unlock()

	if sync {
		l.checkpointLock.RLock()
		l.checkpointLock.RUnlock()
	}
}

// Checkpoint makes a checkpoint at the oldest dirty LSN. It does not flush
// dirty pages itself: it only reads the oldest modification in the pool and
// persists that LSN in the checkpoint slots, after forcing the log (and,
// first, the data pages already written) to disk up to it. writeAlways
// forces a write even if nothing was logged since the latest checkpoint.
//
// Returns true on success or when another thread already did the work,
// false when a checkpoint write was already running.
func (l *Log) Checkpoint(sync bool, writeAlways bool) bool {
	if l.RecoveryApply != nil {
		l.RecoveryApply()
	}

	// Any data page written before this checkpoint must be durable before
	// the checkpoint claims its LSN.
	err := l.files.FlushSpaces(fileio.SpaceTablespace)
	common.Assert(err == nil, "tablespace flush failed: %v", err)

	l.mu.Lock()

	oldestLSN := l.oldestDirtyLSN()

	if !writeAlways && oldestLSN == l.lastCheckpointLSN+checkpointMarkerSize {
		// Nothing was logged (other than the previous checkpoint marker)
		// since the previous checkpoint.
		l.mu.Unlock()
		return true
	}

	// Write the marker (and any registered checkpoint records) before any
	// further dirty pages can be flushed: while we hold the mutex no
	// record group can commit and no page can enter the flush list.
	flushLSN := oldestLSN
	doWrite := !l.inShutdown || flushLSN != l.lsn
	if l.emitCheckpointMarker(flushLSN, doWrite) {
		common.Assert(l.lsn >= flushLSN+checkpointMarkerSize, "marker did not advance the log")
		flushLSN = l.lsn
	}

	l.mu.Unlock()

	l.WriteUpTo(flushLSN, true)

	l.mu.Lock()

	if !writeAlways && l.lastCheckpointLSN >= oldestLSN {
		l.mu.Unlock()
		return true
	}

	common.Assert(common.LSN(l.flushedToDiskLSN.Load()) >= oldestLSN,
		"checkpoint target %d not durable", oldestLSN)

	if l.nPendingCheckpointWrites > 0 {
		// A checkpoint write is already running.
		l.mu.Unlock()
		if sync {
			l.checkpointLock.RLock()
			l.checkpointLock.RUnlock()
		}
		return false
	}

	l.nextCheckpointLSN = oldestLSN
	l.writeCheckpointInfo(sync)
	return true
}

// MakeCheckpointAt makes a checkpoint at or after lsn (LSNMax for the
// latest), preflushing the buffer pool first and retrying both phases until
// they succeed.
func (l *Log) MakeCheckpointAt(lsn common.LSN, writeAlways bool) {
	for !l.preflushPoolModifiedPages(lsn) {
		// Flush as much as we can.
	}
	for !l.Checkpoint(true, writeAlways) {
		// Force a checkpoint.
	}
}

// ReadCheckpointInfo reads and validates one checkpoint slot (1 or 2) of a
// group. It returns an error when the slot's checksums do not match.
func (l *Log) ReadCheckpointInfo(g *Group, slot int) (CheckpointInfo, error) {
	common.Assert(slot == 1 || slot == 2, "checkpoint slot %d out of range", slot)

	offset := int64(Checkpoint1Offset)
	if slot == 2 {
		offset = Checkpoint2Offset
	}

	buf := make([]byte, BlockSize)
	l.mu.Lock()
	l.nLogIOs++
	l.mu.Unlock()
	if err := l.files.Read(g.spaceID, offset, buf); err != nil {
		return CheckpointInfo{}, err
	}
	return decodeCheckpoint(buf)
}

func decodeCheckpoint(buf []byte) (CheckpointInfo, error) {
	cs1 := binary.BigEndian.Uint32(buf[checkpointChecksum1:])
	cs2 := binary.BigEndian.Uint32(buf[checkpointChecksum2:])
	if cs1 != uint32(foldBytes(buf[:checkpointChecksum1])) ||
		cs2 != uint32(foldBytes(buf[checkpointLSN:checkpointChecksum2])) {
		return CheckpointInfo{}, common.EngineError{
			Code:      common.ChecksumMismatch,
			ErrString: "checkpoint slot checksum mismatch",
		}
	}

	offset := int64(uint64(binary.BigEndian.Uint32(buf[checkpointOffsetLow:])) |
		uint64(binary.BigEndian.Uint32(buf[checkpointOffsetHigh:]))<<32)

	return CheckpointInfo{
		No:          binary.BigEndian.Uint64(buf[checkpointNo:]),
		LSN:         common.LSN(binary.BigEndian.Uint64(buf[checkpointLSN:])),
		Offset:      offset,
		LogBufSize:  int(binary.BigEndian.Uint32(buf[checkpointLogBufSize:])),
		ArchivedLSN: common.LSN(binary.BigEndian.Uint64(buf[checkpointArchivedLSN:])),
	}, nil
}

// LatestCheckpoint reads both slots of a group and returns the valid one
// with the higher checkpoint number. ok is false when neither slot holds a
// valid checkpoint.
func (l *Log) LatestCheckpoint(g *Group) (info CheckpointInfo, slot int, ok bool) {
	for s := 1; s <= 2; s++ {
		ci, err := l.ReadCheckpointInfo(g, s)
		if err != nil {
			continue
		}
		if !ok || ci.No > info.No {
			info, slot, ok = ci, s, true
		}
	}
	return info, slot, ok
}
