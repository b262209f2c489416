// Package bufpool implements the buffer-pool side of the redo log contract:
// a dirty-page flush list ordered by recovery LSN and a background page
// cleaner. The redo core only consumes the small interface the flush list
// satisfies; the page contents themselves live with the caller, which
// supplies the function that writes a page out.
package bufpool

import (
	"fmt"
	"sync"

	"github.com/tidwall/btree"
	"mit.edu/dsg/redolog/common"
)

// PageID identifies a data page within a tablespace.
type PageID struct {
	Space  common.SpaceID
	PageNo uint32
}

func (p PageID) String() string {
	return fmt.Sprintf("page(%d, %d)", uint32(p.Space), p.PageNo)
}

// PageWriter writes the current contents of a dirty page to its tablespace.
// It is called outside the flush-list mutex.
type PageWriter func(page PageID) error

type flushItem struct {
	recLSN common.LSN
	page   PageID
}

// FlushList tracks dirty pages in recovery-LSN order. Pages must be inserted
// while holding the redo log's flush-order mutex, which guarantees that
// insertion order matches LSN order; the list asserts this.
type FlushList struct {
	mu sync.Mutex

	tree    *btree.BTreeG[flushItem]
	entries map[PageID]common.LSN

	writer PageWriter

	// batchRunning is true while a flush batch of the list type is being
	// executed; a second caller gets a refusal rather than a second batch.
	batchRunning bool
	batchDone    *sync.Cond

	maxInserted common.LSN
}

// NewFlushList creates a flush list that writes pages with w.
func NewFlushList(w PageWriter) *FlushList {
	// Order by recovery LSN, tie-broken by page identity so equal-LSN pages
	// remain distinct set members.
	less := func(a, b flushItem) bool {
		if a.recLSN != b.recLSN {
			return a.recLSN < b.recLSN
		}
		if a.page.Space != b.page.Space {
			return a.page.Space < b.page.Space
		}
		return a.page.PageNo < b.page.PageNo
	}
	fl := &FlushList{
		tree:    btree.NewBTreeG(less),
		entries: make(map[PageID]common.LSN),
		writer:  w,
	}
	fl.batchDone = sync.NewCond(&fl.mu)
	return fl
}

// Insert links a page into the flush list with the LSN of the modification
// that first dirtied it. A page already on the list keeps its original
// recovery LSN. The caller must hold the redo log's flush-order mutex so
// that pages enter the list in LSN order.
func (fl *FlushList) Insert(page PageID, recLSN common.LSN) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if _, ok := fl.entries[page]; ok {
		return
	}
	common.Assert(recLSN >= fl.maxInserted,
		"flush list insert out of LSN order: %d after %d", recLSN, fl.maxInserted)
	fl.maxInserted = recLSN
	fl.entries[page] = recLSN
	fl.tree.Set(flushItem{recLSN: recLSN, page: page})
}

// OldestDirtyLSN returns the smallest recovery LSN on the list, or false if
// no page is dirty.
func (fl *FlushList) OldestDirtyLSN() (common.LSN, bool) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	item, ok := fl.tree.Min()
	if !ok {
		return 0, false
	}
	return item.recLSN, true
}

// Len returns the number of dirty pages tracked.
func (fl *FlushList) Len() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return len(fl.entries)
}

// FlushInProgress reports whether a flush batch is currently running.
func (fl *FlushList) FlushInProgress() bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.batchRunning
}

// FlushList flushes dirty pages whose recovery LSN is below target and
// removes them from the list. It returns false without doing anything if a
// batch is already running (the concurrent batch will advance the oldest
// LSN on our behalf); otherwise it returns true and the number of pages
// written. target == common.LSNMax flushes everything.
func (fl *FlushList) FlushList(target common.LSN) (bool, int) {
	fl.mu.Lock()
	if fl.batchRunning {
		fl.mu.Unlock()
		return false, 0
	}
	fl.batchRunning = true

	var batch []flushItem
	fl.tree.Scan(func(item flushItem) bool {
		if item.recLSN >= target {
			return false
		}
		batch = append(batch, item)
		return true
	})
	fl.mu.Unlock()

	written := 0
	var firstErr error
	for _, item := range batch {
		if err := fl.writer(item.page); err != nil {
			firstErr = err
			break
		}
		fl.mu.Lock()
		fl.tree.Delete(item)
		delete(fl.entries, item.page)
		fl.mu.Unlock()
		written++
	}

	fl.mu.Lock()
	fl.batchRunning = false
	fl.batchDone.Broadcast()
	fl.mu.Unlock()

	common.Assert(firstErr == nil, "page flush failed: %v", firstErr)
	return true, written
}

// WaitBatchEnd blocks until no flush batch is running.
func (fl *FlushList) WaitBatchEnd() {
	fl.mu.Lock()
	for fl.batchRunning {
		fl.batchDone.Wait()
	}
	fl.mu.Unlock()
}
