package redo

import (
	"encoding/binary"

	"mit.edu/dsg/redolog/common"
)

// Each log file begins with a header region: file metadata in the first
// block, a checkpoint slot in the second, and another checkpoint slot in
// the fourth. Data blocks start after the header region.
const (
	FileHeaderSize    = 4 * BlockSize // 2048
	Checkpoint1Offset = 1 * BlockSize
	Checkpoint2Offset = 3 * BlockSize
)

// File header field offsets.
const (
	fileHeaderGroupID     = 0  // 4 bytes big-endian
	fileHeaderStartLSN    = 4  // 8 bytes big-endian
	fileHeaderBackupLabel = 12 // 4-byte wipe area for backup tool labels
)

// Group is one logical copy of the log: an ordered ring of identically
// sized files within a single file space. Groups are owned by the Log and
// referenced by index.
type Group struct {
	id       int
	spaceID  common.SpaceID
	numFiles int
	fileSize int64 // per file, including the header region

	// lsn and lsnOffset anchor the LSN-to-offset mapping: lsnOffset is the
	// real byte offset (headers included) of lsn within the group. Both are
	// protected by the log mutex and refreshed after every write.
	lsn       common.LSN
	lsnOffset int64

	// headerBufs stages one header block per file; the writer stamps and
	// emits a header whenever a write crosses into a new file.
	headerBufs [][]byte

	// checkpointBuf stages the checkpoint block for this group. Written
	// only by the checkpoint coordinator.
	checkpointBuf []byte
}

func newGroup(id int, spaceID common.SpaceID, numFiles int, fileSize int64) *Group {
	common.Assert(fileSize > FileHeaderSize, "log file size %d not larger than its header", fileSize)
	g := &Group{
		id:            id,
		spaceID:       spaceID,
		numFiles:      numFiles,
		fileSize:      fileSize,
		lsn:           StartLSN,
		lsnOffset:     FileHeaderSize,
		checkpointBuf: make([]byte, BlockSize),
	}
	g.headerBufs = make([][]byte, numFiles)
	for i := range g.headerBufs {
		g.headerBufs[i] = make([]byte, BlockSize)
	}
	return g
}

func (g *Group) ID() int                 { return g.id }
func (g *Group) SpaceID() common.SpaceID { return g.spaceID }
func (g *Group) NumFiles() int           { return g.numFiles }
func (g *Group) FileSize() int64         { return g.fileSize }

// Capacity returns the usable bytes of the group: the file headers do not
// hold log data.
func (g *Group) Capacity() common.LSN {
	return common.LSN(g.fileSize-FileHeaderSize) * common.LSN(g.numFiles)
}

// sizeOffset converts a real offset (headers included) into a size offset
// (headers excluded).
func (g *Group) sizeOffset(real int64) int64 {
	return real - FileHeaderSize*(1+real/g.fileSize)
}

// realOffset converts a size offset back into a real offset.
func (g *Group) realOffset(size int64) int64 {
	return size + FileHeaderSize*(1+size/(g.fileSize-FileHeaderSize))
}

// calcLSNOffset maps an LSN to its real byte offset within the group. The
// mapping wraps modulo the group capacity; LSNs before the anchor resolve to
// the position the ring held them at.
func (g *Group) calcLSNOffset(lsn common.LSN) int64 {
	anchorSize := g.sizeOffset(g.lsnOffset)
	capacity := uint64(g.Capacity())

	var difference uint64
	if lsn >= g.lsn {
		difference = uint64(lsn - g.lsn)
	} else {
		difference = uint64(g.lsn-lsn) % capacity
		difference = capacity - difference
	}

	offset := (uint64(anchorSize) + difference) % capacity
	return g.realOffset(int64(offset))
}

// setFields refreshes the group anchor to a given lsn. The existing anchor
// must already be valid for some earlier lsn.
func (g *Group) setFields(lsn common.LSN) {
	g.lsnOffset = g.calcLSNOffset(lsn)
	g.lsn = lsn
}

// stampFileHeader fills the staged header block of the nth file for a file
// whose data starts at startLSN.
func (g *Group) stampFileHeader(nth int, startLSN common.LSN) []byte {
	common.Assert(nth < g.numFiles, "file %d out of range for group %d", nth, g.id)
	buf := g.headerBufs[nth]
	binary.BigEndian.PutUint32(buf[fileHeaderGroupID:], uint32(g.id))
	binary.BigEndian.PutUint64(buf[fileHeaderStartLSN:], uint64(startLSN))
	// Wipe any label a backup restore tool may have left behind.
	for i := 0; i < 4; i++ {
		buf[fileHeaderBackupLabel+i] = ' '
	}
	return buf
}

// FileHeaderStartLSN decodes the data start LSN from a file header block.
func FileHeaderStartLSN(buf []byte) common.LSN {
	return common.LSN(binary.BigEndian.Uint64(buf[fileHeaderStartLSN:]))
}

// FileHeaderGroupID decodes the group id from a file header block.
func FileHeaderGroupID(buf []byte) int {
	return int(binary.BigEndian.Uint32(buf[fileHeaderGroupID:]))
}

// CalcWhereLSNIs locates an LSN in a ring of log files given the LSN at
// which the first file's data starts. It returns the file number and the
// offset within that file, header included. Recovery uses it to seek before
// scanning.
func CalcWhereLSNIs(firstHeaderLSN, lsn common.LSN, numFiles int, fileSize int64) (fileNo int, offset int64) {
	capacity := uint64(fileSize - FileHeaderSize)
	ring := capacity * uint64(numFiles)

	l := uint64(lsn)
	first := uint64(firstHeaderLSN)
	if l < first {
		addThisMany := 1 + (first-l)/ring
		l += addThisMany * ring
	}

	fileNo = int(((l - first) / capacity) % uint64(numFiles))
	offset = int64((l-first)%capacity) + FileHeaderSize
	return fileNo, offset
}
