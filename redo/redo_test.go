package redo

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"mit.edu/dsg/redolog/common"
	"mit.edu/dsg/redolog/fileio"
)

const (
	testLogSpace common.SpaceID = 100

	// Two files of 256 KiB of data each: large enough that the derived age
	// thresholds accommodate a single-thread reserve.
	testNumFiles = 2
	testFileSize = FileHeaderSize + 256*1024
)

// stubPool is a scriptable buffer pool. Flushing simply forgets pages below
// the target, as if they had been written out.
type stubPool struct {
	mu         sync.Mutex
	dirty      []common.LSN // sorted recovery LSNs of dirty pages
	inProgress bool
	flushes    int
}

func (p *stubPool) OldestDirtyLSN() (common.LSN, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.dirty) == 0 {
		return 0, false
	}
	return p.dirty[0], true
}

func (p *stubPool) FlushList(target common.LSN) (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inProgress {
		return false, 0
	}
	p.flushes++
	n := 0
	for len(p.dirty) > 0 && p.dirty[0] < target {
		p.dirty = p.dirty[1:]
		n++
	}
	return true, n
}

func (p *stubPool) FlushInProgress() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inProgress
}

func (p *stubPool) addDirty(recLSN common.LSN) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirty = append(p.dirty, recLSN)
}

func newTestLog(t *testing.T, mutate func(*Config)) (*Log, *fileio.Manager, *stubPool) {
	t.Helper()
	return newTestLogGeometry(t, mutate, testNumFiles, testFileSize)
}

func newTestLogGeometry(t *testing.T, mutate func(*Config), numFiles int, fileSize int64) (*Log, *fileio.Manager, *stubPool) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.BufferSize = 64 * 1024
	// Keep writes byte-precise by default; padding tests opt back in.
	cfg.WriteAheadSize = BlockSize
	cfg.ThreadConcurrency = 1
	cfg.ShutdownPollInterval = 1
	if mutate != nil {
		mutate(&cfg)
	}

	m := fileio.NewManager(t.TempDir(), fileio.FlushFsync)
	_, err := m.CreateSpace(testLogSpace, fileio.SpaceLog, numFiles, fileSize)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	pool := &stubPool{}
	l := New(cfg, m, pool)
	require.NoError(t, l.AddGroup(testLogSpace, numFiles, fileSize))
	return l, m, pool
}

// appendRecord writes one record group of the given bytes and returns its
// start and end LSNs.
func appendRecord(l *Log, data []byte) (start, end common.LSN) {
	start = l.ReserveAndOpen(len(data))
	l.WriteLow(data)
	end = l.CloseWrite()
	return start, end
}

func repeat(b byte, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}
