package redo

import (
	"mit.edu/dsg/redolog/common"
)

// PreflushStrategy selects how foreground threads push the oldest dirty
// page forward when the modified-age margin is exceeded.
type PreflushStrategy int

const (
	// PreflushSync runs one flush batch and waits for it.
	PreflushSync PreflushStrategy = iota
	// PreflushExpBackoff defers to the page cleaner, sleeping with random
	// exponential backoff until the oldest dirty LSN has advanced far
	// enough.
	PreflushExpBackoff
)

// Config carries the tunables of the redo subsystem.
type Config struct {
	// BufferSize is the initial size of the in-memory ring buffer in
	// bytes. The buffer grows automatically when a single reservation
	// needs half of it or more.
	BufferSize int

	// WriteAheadSize pads writes with zeros up to this unit so that the
	// next write starts on a boundary the storage handles without a
	// read-modify-write. Must be a power of two >= BlockSize.
	WriteAheadSize int

	// ThreadConcurrency is the number of threads that may concurrently
	// produce log; each reserves free space in the smallest log group
	// when the age thresholds are derived.
	ThreadConcurrency int

	// TrackChangedPages enables the tracked-LSN watermark and its margin
	// check.
	TrackChangedPages bool

	// Checksum selects the block checksum algorithm. Fixed per deployment.
	Checksum ChecksumAlgorithm

	// Preflush selects the foreground preflush strategy.
	Preflush PreflushStrategy

	// ShutdownPollInterval is how often the shutdown protocol re-checks
	// collaborator activity.
	ShutdownPollInterval int // milliseconds
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:           16 * 1024 * 1024,
		WriteAheadSize:       8192,
		ThreadConcurrency:    8,
		TrackChangedPages:    false,
		Checksum:             ChecksumFold,
		Preflush:             PreflushSync,
		ShutdownPollInterval: 100,
	}
}

func (c Config) validate() {
	common.Assert(c.BufferSize >= 16*BlockSize, "log buffer of %d bytes is smaller than 16 blocks", c.BufferSize)
	common.Assert(c.WriteAheadSize >= BlockSize && c.WriteAheadSize&(c.WriteAheadSize-1) == 0,
		"write-ahead size %d must be a power of two >= %d", c.WriteAheadSize, BlockSize)
	common.Assert(c.ThreadConcurrency > 0, "thread concurrency must be positive")
}
