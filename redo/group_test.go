package redo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"mit.edu/dsg/redolog/common"
)

// TestGroupCapacity verifies that file headers are excluded from the usable
// capacity.
func TestGroupCapacity(t *testing.T) {
	g := newGroup(0, testLogSpace, 3, FileHeaderSize+10*BlockSize)
	assert.Equal(t, common.LSN(3*10*BlockSize), g.Capacity())
}

// TestGroupOffsetConversion verifies that the size-offset and real-offset
// conversions are inverses across file boundaries.
func TestGroupOffsetConversion(t *testing.T) {
	g := newGroup(0, testLogSpace, 2, FileHeaderSize+8*BlockSize)

	for _, size := range []int64{0, 1, 4 * BlockSize, 8*BlockSize - 1, 8 * BlockSize, 12 * BlockSize} {
		real := g.realOffset(size)
		assert.Equal(t, size, g.sizeOffset(real), "size offset %d", size)
		// Real offsets always land past a header region.
		assert.GreaterOrEqual(t, real%g.fileSize, int64(FileHeaderSize))
	}
}

// TestGroupCalcLSNOffset verifies the LSN-to-offset mapping: the anchor LSN
// maps to the anchor offset, later LSNs advance past headers, and the ring
// wraps modulo the capacity.
func TestGroupCalcLSNOffset(t *testing.T) {
	fileSize := int64(FileHeaderSize + 8*BlockSize)
	g := newGroup(0, testLogSpace, 2, fileSize)
	// Fresh group anchors the start LSN at the first data byte.
	assert.Equal(t, int64(FileHeaderSize), g.calcLSNOffset(StartLSN))

	// One file's worth of data later we are at the second file's first data
	// byte.
	perFile := common.LSN(8 * BlockSize)
	assert.Equal(t, fileSize+FileHeaderSize, g.calcLSNOffset(StartLSN+perFile))

	// A full capacity later the ring has wrapped to the first file again.
	assert.Equal(t, int64(FileHeaderSize), g.calcLSNOffset(StartLSN+2*perFile))

	assert.Equal(t, fileSize+FileHeaderSize+BlockSize,
		g.calcLSNOffset(StartLSN+perFile+BlockSize))

	// With the anchor moved past the wrap, an LSN before the anchor
	// resolves to the position the ring held it at.
	g.setFields(StartLSN + 2*perFile)
	assert.Equal(t, fileSize+FileHeaderSize+BlockSize,
		g.calcLSNOffset(StartLSN+perFile+BlockSize))
}

// TestGroupSetFields verifies that refreshing the anchor keeps the mapping
// stable.
func TestGroupSetFields(t *testing.T) {
	g := newGroup(0, testLogSpace, 2, FileHeaderSize+8*BlockSize)

	lsn := StartLSN + 5*BlockSize
	want := g.calcLSNOffset(lsn)
	g.setFields(lsn)
	assert.Equal(t, lsn, g.lsn)
	assert.Equal(t, want, g.lsnOffset)
	assert.Equal(t, want, g.calcLSNOffset(lsn))
}

// TestCalcWhereLSNIs verifies locating an LSN in a ring of files, including
// the wrap case where the LSN predates the first header LSN.
func TestCalcWhereLSNIs(t *testing.T) {
	fileSize := int64(FileHeaderSize + 8*BlockSize)
	first := common.LSN(8192)
	perFile := common.LSN(8 * BlockSize)

	fileNo, offset := CalcWhereLSNIs(first, first, 2, fileSize)
	assert.Equal(t, 0, fileNo)
	assert.Equal(t, int64(FileHeaderSize), offset)

	fileNo, offset = CalcWhereLSNIs(first, first+perFile+BlockSize, 2, fileSize)
	assert.Equal(t, 1, fileNo)
	assert.Equal(t, int64(FileHeaderSize+BlockSize), offset)

	// LSN older than the first header: it lived one ring earlier, in the
	// same physical position.
	fileNo, offset = CalcWhereLSNIs(first+2*perFile, first+BlockSize, 2, fileSize)
	assert.Equal(t, 0, fileNo)
	assert.Equal(t, int64(FileHeaderSize+BlockSize), offset)
}

// TestFileHeaderCodec verifies the stamped file header fields decode back.
func TestFileHeaderCodec(t *testing.T) {
	g := newGroup(3, testLogSpace, 2, FileHeaderSize+8*BlockSize)
	buf := g.stampFileHeader(1, StartLSN+8*BlockSize)

	assert.Equal(t, 3, FileHeaderGroupID(buf))
	assert.Equal(t, StartLSN+8*BlockSize, FileHeaderStartLSN(buf))
	// The backup label area is wiped with spaces.
	assert.Equal(t, []byte("    "), buf[fileHeaderBackupLabel:fileHeaderBackupLabel+4])
}
