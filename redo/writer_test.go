package redo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/redolog/common"
)

// readBlockAt reads the on-disk block containing lsn.
func readBlockAt(t *testing.T, l *Log, lsn common.LSN) []byte {
	t.Helper()
	l.mu.Lock()
	off := l.groups[0].calcLSNOffset(common.LSN(common.AlignDown(uint64(lsn), BlockSize)))
	l.mu.Unlock()

	block := make([]byte, BlockSize)
	require.NoError(t, l.files.Read(testLogSpace, off, block))
	return block
}

// TestWriteUpToFlush writes 2 KiB of log and flushes: both watermarks must
// cover the record, and the on-disk blocks must carry the payload with
// valid checksums.
func TestWriteUpToFlush(t *testing.T) {
	l, _, _ := newTestLog(t, nil)

	start, end := appendRecord(l, repeat('C', 2048))

	l.WriteUpTo(end, true)

	assert.GreaterOrEqual(t, l.WriteLSN(), end)
	assert.GreaterOrEqual(t, l.FlushedToDiskLSN(), end)

	// Walk the blocks covering the record.
	for lsn := common.LSN(common.AlignDown(uint64(start), BlockSize)); lsn < end; lsn += BlockSize {
		block := readBlockAt(t, l, lsn)
		assert.True(t, VerifyBlockChecksum(block, l.cfg.Checksum), "block at lsn %d", lsn)
		assert.Equal(t, BlockNumber(lsn), BlockHdrNo(block))
	}

	first := readBlockAt(t, l, start)
	assert.Equal(t, BlockHeaderSize, BlockFirstRecGroup(first))
	assert.Equal(t, repeat('C', BlockDataMax-BlockHeaderSize),
		first[BlockHeaderSize:BlockDataMax])
	assert.True(t, BlockFlushFlag(first), "first block of the write area carries the flush flag")
}

// TestWriteUpToIdempotent checks that repeating a non-flushing write is a
// no-op: no further file writes are issued.
func TestWriteUpToIdempotent(t *testing.T) {
	l, m, _ := newTestLog(t, nil)

	_, end := appendRecord(l, repeat('D', 300))

	l.WriteUpTo(end, false)
	writes := m.Writes()
	writeLSN := l.WriteLSN()

	l.WriteUpTo(end, false)
	assert.Equal(t, writes, m.Writes())
	assert.Equal(t, writeLSN, l.WriteLSN())
}

// TestBufferFlushToDisk checks the durability law: after a buffer flush,
// the LSN peeked afterwards is covered by the flushed watermark.
func TestBufferFlushToDisk(t *testing.T) {
	l, _, _ := newTestLog(t, nil)

	appendRecord(l, repeat('E', 1000))
	l.BufferFlushToDisk()

	lsn, ok := l.PeekLSN()
	require.True(t, ok)
	assert.GreaterOrEqual(t, l.FlushedToDiskLSN(), lsn)
}

// TestSyncInBackgroundSkipsCoveredFlush checks that when nothing new was
// appended since a background sync with flush, a second flushing pass is
// already covered and issues no new writes.
func TestSyncInBackgroundSkipsCoveredFlush(t *testing.T) {
	l, m, _ := newTestLog(t, nil)

	appendRecord(l, repeat('F', 100))
	l.SyncInBackground(true)
	require.GreaterOrEqual(t, l.FlushedToDiskLSN(), l.WriteLSN())

	writes := m.Writes()
	l.SyncInBackground(true)
	assert.Equal(t, writes, m.Writes())
}

// TestFileHeaderStampedOnCrossing writes more than one file's worth of log
// and checks both file headers carry the right start LSNs.
func TestFileHeaderStampedOnCrossing(t *testing.T) {
	l, m, _ := newTestLog(t, nil)

	perFile := common.LSN(testFileSize - FileHeaderSize)
	for l.CurrentLSN() < StartLSN+perFile+8*BlockSize {
		appendRecord(l, repeat('G', 1000))
	}
	l.BufferFlushToDisk()

	header := make([]byte, BlockSize)
	require.NoError(t, m.Read(testLogSpace, 0, header))
	assert.Equal(t, 0, FileHeaderGroupID(header))
	assert.Equal(t, StartLSN, FileHeaderStartLSN(header))

	require.NoError(t, m.Read(testLogSpace, testFileSize, header))
	assert.Equal(t, 0, FileHeaderGroupID(header))
	assert.Equal(t, StartLSN+perFile, FileHeaderStartLSN(header))
}

// TestLogWrapsAroundRing writes past the full group capacity and verifies
// the most recent bytes still read back correctly from their wrapped
// positions.
func TestLogWrapsAroundRing(t *testing.T) {
	l, _, _ := newTestLog(t, nil)

	l.mu.Lock()
	capacity := l.groups[0].Capacity()
	l.mu.Unlock()

	var lastStart, lastEnd common.LSN
	for l.CurrentLSN() < StartLSN+capacity+16*BlockSize {
		lastStart, lastEnd = appendRecord(l, repeat('H', 1000))
	}
	l.WriteUpTo(lastEnd, true)

	block := readBlockAt(t, l, lastStart)
	assert.True(t, VerifyBlockChecksum(block, l.cfg.Checksum))
	assert.Equal(t, BlockNumber(lastStart), BlockHdrNo(block))
}

// TestWriteAheadPadding enables a write-ahead unit larger than a block and
// checks the tail of a write is zero-padded up to the unit boundary with
// valid checksums.
func TestWriteAheadPadding(t *testing.T) {
	l, _, _ := newTestLog(t, func(cfg *Config) {
		cfg.WriteAheadSize = 4096
	})

	_, end := appendRecord(l, repeat('I', 3000))
	l.WriteUpTo(end, false)

	// The write area ended inside a write-ahead unit; the blocks after the
	// data, up to the unit boundary, were emitted as zero padding.
	padLSN := common.LSN(common.AlignUp(uint64(end), BlockSize))
	block := readBlockAt(t, l, padLSN)
	assert.True(t, VerifyBlockChecksum(block, l.cfg.Checksum))
	assert.Equal(t, 0, BlockDataLen(block), "pad blocks carry no data")
}
