package common

import "fmt"

// LSN is a byte position in the logical redo log stream. It is unsigned so
// that offset arithmetic modulo the log group capacity wraps cleanly.
// LSN 0 is reserved; the log starts at a non-zero constant so that every
// record has a start LSN != 0.
type LSN uint64

// LSNMax is used as an "unbounded" target (flush everything, checkpoint at
// the latest LSN) and as the archived-LSN sentinel when archiving is off.
const LSNMax = ^LSN(0)

// SpaceID identifies a file space managed by the I/O layer: a log group's
// file set or a tablespace.
type SpaceID uint32

func (id SpaceID) String() string {
	return fmt.Sprintf("space(%d)", uint32(id))
}

// PageSize is the data page size of the engine. The redo core uses it for
// margin derivation and for sizing the log buffer when it is extended.
const PageSize = 4096
