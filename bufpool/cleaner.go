package bufpool

import (
	"sync"
	"sync/atomic"
	"time"

	"mit.edu/dsg/redolog/common"
)

// Cleaner is the background page cleaner. It periodically flushes dirty
// pages whose redo is already durable, keeping the oldest-dirty LSN moving
// so that the margin controller rarely has to preflush in the foreground.
type Cleaner struct {
	list     *FlushList
	target   func() common.LSN
	interval time.Duration

	active   atomic.Bool
	shutdown chan struct{}
	done     sync.WaitGroup
}

// NewCleaner creates a cleaner over list. target returns the LSN below
// which pages may be written without violating write-ahead ordering
// (typically the log's flushed-to-disk LSN).
func NewCleaner(list *FlushList, target func() common.LSN, interval time.Duration) *Cleaner {
	return &Cleaner{
		list:     list,
		target:   target,
		interval: interval,
		shutdown: make(chan struct{}),
	}
}

// Start begins background flushing.
func (c *Cleaner) Start() {
	c.active.Store(true)
	c.done.Add(1)
	go c.flushLoop()
}

// Active reports whether the cleaner is still running. The shutdown
// quiescence protocol polls this before entering its flush phase.
func (c *Cleaner) Active() bool {
	return c.active.Load()
}

// Stop signals the cleaner to shut down and blocks until the final flush
// batch is complete.
func (c *Cleaner) Stop() {
	close(c.shutdown)
	c.done.Wait()
}

func (c *Cleaner) flushLoop() {
	defer c.done.Done()
	defer c.active.Store(false)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.list.FlushList(c.target())
		case <-c.shutdown:
			c.list.FlushList(c.target())
			return
		}
	}
}
