package redo

import (
	"math/rand"
	"time"

	"mit.edu/dsg/redolog/common"
)

// flushMargin writes the log buffer out when the append cursor has passed
// the flush threshold, so that a new record group can be catenated without
// an immediate need for a write. Must be called without the log mutex.
func (l *Log) flushMargin() {
	var lsn common.LSN

	l.mu.Lock()
	if l.bufFree > l.maxBufFree {
		lsn = l.lsn
	}
	l.mu.Unlock()

	if lsn != 0 {
		l.WriteUpTo(lsn, false)
	}
}

// preflushPoolModifiedPages advances the oldest dirty LSN in the buffer
// pool to at least newOldest. It returns false if a flush batch of the same
// type was already running, meaning this caller could not start one.
func (l *Log) preflushPoolModifiedPages(newOldest common.LSN) bool {
	if l.RecoveryApply != nil {
		// During recovery the pages must first be brought up to date from
		// the log; otherwise their modification LSNs say nothing about how
		// current the disk versions are.
		l.RecoveryApply()
	}

	cleanerActive := l.CleanerActive != nil && l.CleanerActive()

	if !cleanerActive || l.cfg.Preflush == PreflushSync || newOldest == common.LSNMax {
		// One batch, wait for it.
		ok, _ := l.pool.FlushList(newOldest)
		return ok
	}

	// Exponential-backoff strategy: the page cleaner owns the flushing; we
	// sleep in growing random intervals until it has advanced far enough.
	i := 0
	for {
		current, dirty := l.pool.OldestDirtyLSN()
		if !dirty || current >= newOldest {
			return true
		}
		if !l.pool.FlushInProgress() {
			// No flush list batch running; back off until the cleaner
			// starts one.
			time.Sleep(time.Duration(rand.Int63n(1<<i+1)) * time.Microsecond)
			i++
			i %= 16
			continue
		}
		// Wait for the running batch to make progress.
		time.Sleep(time.Millisecond)
	}
}

// checkpointMargin establishes a big enough margin of free space in the log
// groups that a new record group can be catenated without an immediate need
// for a checkpoint: it preflushes dirty pages when the modified age is
// critical and checkpoints when the checkpoint age is. Must be called
// without the log mutex.
func (l *Log) checkpointMargin() {
	for {
		var advance common.LSN

		l.mu.Lock()
		if !l.checkFlushOrCheckpoint {
			l.mu.Unlock()
			return
		}

		oldestLSN := l.oldestDirtyLSN()
		age := l.lsn - oldestLSN

		if age > l.maxModifiedAgeSync {
			// A flush is urgent: synchronous preflush, past the threshold
			// by as much as we are over it.
			advance = 2 * (age - l.maxModifiedAgeSync)
		}

		checkpointAge := l.lsn - l.lastCheckpointLSN

		var checkpointSync, doCheckpoint bool
		switch {
		case checkpointAge > l.maxCheckpointAge:
			// A checkpoint is urgent: do it synchronously.
			checkpointSync = true
			doCheckpoint = true
		case checkpointAge > l.maxCheckpointAgeAsync:
			// A checkpoint is needed but not urgent.
			doCheckpoint = true
			l.checkFlushOrCheckpoint = false
		default:
			l.checkFlushOrCheckpoint = false
		}
		l.mu.Unlock()

		if advance != 0 {
			newOldest := oldestLSN + advance

			if !l.preflushPoolModifiedPages(newOldest) {
				// Another thread was flushing at the same time; it has not
				// necessarily flushed far enough for us, so go around.
				l.mu.Lock()
				l.checkFlushOrCheckpoint = true
				l.mu.Unlock()
				continue
			}
		}

		if doCheckpoint {
			l.Checkpoint(checkpointSync, false)
			if checkpointSync {
				continue
			}
		}
		return
	}
}

// CheckMargins checks that there is enough free space in the log for a new
// record group, writing the buffer or making a new checkpoint as necessary.
// Must be called without any log synchronization objects held.
func (l *Log) CheckMargins() {
	for {
		l.flushMargin()
		l.checkpointMargin()

		l.mu.Lock()
		if l.trackingMarginExceeded(0) {
			l.mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			continue
		}
		check := l.checkFlushOrCheckpoint
		l.mu.Unlock()

		if !check {
			return
		}
	}
}
