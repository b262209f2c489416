package redo

import (
	"log"
	"time"

	"mit.edu/dsg/redolog/common"
	"mit.edu/dsg/redolog/fileio"
)

// ShutdownMode selects how much work the quiescence protocol does.
type ShutdownMode int

const (
	// ShutdownFlushAll checkpoints at the latest LSN, flushes the buffer
	// pool completely and stamps the flushed LSN into the data files.
	ShutdownFlushAll ShutdownMode = iota
	// ShutdownVeryFast only flushes the log, accepting a crash recovery at
	// the next startup. The buffer pool is not flushed and the data files
	// are not stamped.
	ShutdownVeryFast
)

// ActivityChecker reports the name of a still-active background component,
// or "" when it is idle. The shutdown protocol polls all registered
// checkers until they report idle.
type ActivityChecker func() string

// RegisterActivity adds a checker the shutdown protocol must see idle
// before it proceeds.
func (l *Log) RegisterActivity(fn ActivityChecker) {
	l.mu.Lock()
	l.activity = append(l.activity, fn)
	l.mu.Unlock()
}

func (l *Log) anyActive() string {
	l.mu.Lock()
	checkers := append([]ActivityChecker(nil), l.activity...)
	l.mu.Unlock()
	for _, fn := range checkers {
		if name := fn(); name != "" {
			return name
		}
	}
	return ""
}

// Shutdown quiesces the redo subsystem: waits for background components and
// pending I/O, checkpoints at the latest LSN, verifies the log is fully
// checkpointed, flushes all files and writes the final flushed LSN into the
// data file headers. In very fast mode it only flushes the log after the
// waits and returns. After Shutdown returns the log must not be appended to.
func (l *Log) Shutdown(mode ShutdownMode) error {
	poll := time.Duration(l.cfg.ShutdownPollInterval) * time.Millisecond

	log.Printf("redo: starting shutdown")

	// Wait until every registered component is idle: the protocol only
	// works when the engine is quiet.
	for {
		if name := l.anyActive(); name != "" {
			time.Sleep(poll)
			continue
		}
		break
	}

	l.mu.Lock()
	l.inShutdown = true
	l.mu.Unlock()

	// Let the page cleaner finish its flushing before we count pending I/O.
	for l.CleanerActive != nil && l.CleanerActive() {
		time.Sleep(poll)
	}

	// Wait out pending log writes, flushes and checkpoint writes.
	for {
		l.mu.Lock()
		nWrite := l.nPendingCheckpointWrites
		nFlush := l.nPendingFlushes
		l.mu.Unlock()
		if nWrite == 0 && nFlush == 0 {
			break
		}
		time.Sleep(poll)
	}

	for l.files.PendingIO() > 0 {
		time.Sleep(poll)
	}

	if mode == ShutdownVeryFast {
		// Essentially a controlled crash: make sure the log itself is
		// durable so committed work can be recovered, but do not flush the
		// buffer pool and do not stamp the data files, so the next startup
		// knows to run recovery.
		log.Printf("redo: very fast shutdown; next startup will run crash recovery")
		l.BufferFlushToDisk()

		if name := l.anyActive(); name != "" {
			log.Printf("redo: background component %s woke up during shutdown", name)
		}
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		return nil
	}

	for {
		l.MakeCheckpointAt(common.LSNMax, true)

		l.mu.Lock()
		lsn := l.lsn
		isLast := lsn == l.lastCheckpointLSN &&
			(!l.trackChangedPages.Load() || common.LSN(l.trackedLSN.Load()) == l.lastCheckpointLSN)
		common.Assert(lsn >= l.lastCheckpointLSN, "lsn behind the last checkpoint")
		l.mu.Unlock()

		if isLast {
			break
		}
		time.Sleep(poll)
	}

	if name := l.anyActive(); name != "" {
		log.Printf("redo: background component %s woke up during shutdown", name)
	}

	if err := l.files.FlushSpaces(fileio.SpaceTablespace); err != nil {
		return err
	}
	if err := l.files.FlushSpaces(fileio.SpaceLog); err != nil {
		return err
	}

	// The flushed-LSN stamp bypasses the buffer pool, so the pool must be
	// completely clean first.
	for {
		if _, dirty := l.pool.OldestDirtyLSN(); !dirty {
			break
		}
		time.Sleep(poll)
	}

	l.mu.Lock()
	lsn := l.lsn
	common.Assert(lsn == l.lastCheckpointLSN, "log not fully checkpointed at shutdown")
	l.closed = true
	l.mu.Unlock()

	if err := l.files.WriteFlushedLSN(lsn); err != nil {
		return err
	}

	log.Printf("redo: shutdown complete at lsn %d", lsn)
	return nil
}
