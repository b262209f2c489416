package redo

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/redolog/common"
)

// TestReadLogSeg reads a flushed segment back and checks it matches the
// in-memory blocks byte for byte.
func TestReadLogSeg(t *testing.T) {
	l, _, _ := newTestLog(t, nil)

	start, end := appendRecord(l, repeat('R', 1500))
	l.WriteUpTo(end, true)

	segStart := common.LSN(common.AlignDown(uint64(start), BlockSize))
	segEnd := common.LSN(common.AlignUp(uint64(end), BlockSize))
	dst := make([]byte, segEnd-segStart)

	l.mu.Lock()
	g := l.groups[0]
	l.ReadLogSeg(ReadRecover, dst, g, segStart, segEnd, false)
	l.mu.Unlock()

	for off := 0; off < len(dst); off += BlockSize {
		block := dst[off : off+BlockSize]
		assert.True(t, VerifyBlockChecksum(block, l.cfg.Checksum), "block at %d", off)
		assert.Equal(t, BlockNumber(segStart+common.LSN(off)), BlockHdrNo(block))
	}
	assert.Equal(t, repeat('R', BlockDataMax-BlockHeaderSize),
		dst[BlockHeaderSize:BlockDataMax])
}

// TestReadLogSegAcrossFiles reads a segment that spans a file boundary,
// with the mutex released around each read.
func TestReadLogSegAcrossFiles(t *testing.T) {
	l, _, _ := newTestLog(t, nil)

	perFile := common.LSN(testFileSize - FileHeaderSize)
	for l.CurrentLSN() < StartLSN+perFile+4*BlockSize {
		appendRecord(l, repeat('S', 1000))
	}
	l.BufferFlushToDisk()

	// Four blocks straddling the boundary between file 1 and file 2.
	segStart := StartLSN + perFile - 2*BlockSize
	segEnd := StartLSN + perFile + 2*BlockSize
	dst := make([]byte, segEnd-segStart)

	l.mu.Lock()
	g := l.groups[0]
	l.ReadLogSeg(ReadRecover, dst, g, segStart, segEnd, true)
	l.mu.Unlock()

	for off := 0; off < len(dst); off += BlockSize {
		block := dst[off : off+BlockSize]
		require.True(t, VerifyBlockChecksum(block, l.cfg.Checksum), "block at %d", off)
		assert.Equal(t, BlockNumber(segStart+common.LSN(off)), BlockHdrNo(block))
	}
}

// TestPrint smoke-tests the state printout fields.
func TestPrint(t *testing.T) {
	l, _, _ := newTestLog(t, nil)
	appendRecord(l, repeat('P', 100))

	var sb strings.Builder
	l.Print(&sb)
	out := sb.String()

	assert.Contains(t, out, "Log sequence number")
	assert.Contains(t, out, "Last checkpoint at")
	assert.Contains(t, out, "Max checkpoint age")
	assert.Contains(t, out, "log i/o's done")
}
