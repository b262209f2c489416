package redo

import (
	"mit.edu/dsg/redolog/common"
)

// ReadKind distinguishes who is reading a log segment.
type ReadKind int

const (
	// ReadRecover is a recovery scan read.
	ReadRecover ReadKind = iota
	// ReadArchive is an archive copy read.
	ReadArchive
)

// ReadLogSeg reads the log segment [startLSN, endLSN) from a group into
// dst, crossing file boundaries as needed. The caller must hold the log
// mutex; with releaseMutex set it is dropped around each read.
func (l *Log) ReadLogSeg(kind ReadKind, dst []byte, g *Group, startLSN, endLSN common.LSN, releaseMutex bool) {
	common.Assert(endLSN > startLSN, "empty log segment read")
	common.Assert(uint64(endLSN-startLSN) <= uint64(len(dst)), "log segment larger than destination")

	for startLSN != endLSN {
		sourceOffset := g.calcLSNOffset(startLSN)

		length := int64(endLSN - startLSN)
		if rem := g.fileSize - sourceOffset%g.fileSize; length > rem {
			length = rem
		}

		if kind == ReadArchive {
			l.nPendingArchiveIOs++
		}
		l.nLogIOs++

		if releaseMutex {
			l.mu.Unlock()
		}

		err := l.files.Read(g.spaceID, sourceOffset, dst[:length])
		common.Assert(err == nil, "log segment read failed: %v", err)

		if releaseMutex {
			l.mu.Lock()
		}
		if kind == ReadArchive {
			l.nPendingArchiveIOs--
		}

		startLSN += common.LSN(length)
		dst = dst[length:]
	}
}
