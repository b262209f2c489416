// Package redo implements the write-ahead log core of the engine: the
// in-memory ring buffer, the block-structured on-disk log, the writer and
// flusher, the margin controller, and the checkpoint coordinator.
package redo

import (
	"encoding/binary"
	"hash/crc32"

	"mit.edu/dsg/redolog/common"
)

// Log blocks are the unit of on-disk I/O. Each block carries a 12-byte
// header, an opaque payload, and a 4-byte checksum trailer.
const (
	BlockSize        = 512
	BlockHeaderSize  = 12
	BlockTrailerSize = 4
	// BlockDataMax is the highest data length a block can hold before the
	// trailer. A full block stores BlockSize in its data-length field.
	BlockDataMax = BlockSize - BlockTrailerSize
)

// Header field offsets within a block. All fields are big-endian.
const (
	blockHdrNo         = 0 // 4 bytes; bit 31 is the flush flag
	blockDataLen       = 4 // 2 bytes
	blockFirstRecGroup = 6 // 2 bytes
	blockCheckpointNo  = 8 // 4 bytes
	blockChecksum      = BlockSize - BlockTrailerSize
)

// blockFlushFlag marks the first block of every write issued in one call to
// the writer. Recovery uses it to detect write boundaries.
const blockFlushFlag = uint32(1) << 31

// ChecksumAlgorithm selects how block trailers are computed. The algorithm
// is fixed per deployment; recovery must use the same one.
type ChecksumAlgorithm int

const (
	// ChecksumFold is the default pair-fold checksum, byte-exact with the
	// engine's historical algorithm.
	ChecksumFold ChecksumAlgorithm = iota
	// ChecksumCRC32C uses the Castagnoli CRC.
	ChecksumCRC32C
	// ChecksumNone stores a constant; verification accepts anything.
	ChecksumNone
)

const checksumNoneMagic = 0xDEADBEEF

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Compute returns the checksum of the first BlockSize-4 bytes of block.
func (a ChecksumAlgorithm) Compute(block []byte) uint32 {
	switch a {
	case ChecksumFold:
		return uint32(foldBytes(block[:blockChecksum]))
	case ChecksumCRC32C:
		return crc32.Checksum(block[:blockChecksum], crc32cTable)
	case ChecksumNone:
		return checksumNoneMagic
	}
	panic("unknown checksum algorithm")
}

// Pair-fold constants of the historical checksum.
const (
	foldRandomMask  = 1463735687
	foldRandomMask2 = 1653893711
)

func foldPair(n1, n2 uint64) uint64 {
	return ((((n1 ^ n2 ^ foldRandomMask2) << 8) + n1) ^ foldRandomMask) + n2
}

// foldBytes folds a byte string into a hash, one byte at a time. The result
// is truncated to 32 bits when stored on disk.
func foldBytes(b []byte) uint64 {
	var fold uint64
	for _, c := range b {
		fold = foldPair(fold, uint64(c))
	}
	return fold
}

// BlockNumber derives the sequence number stamped into the header of the
// block containing lsn. The number stays clear of the flush flag bit.
func BlockNumber(lsn common.LSN) uint32 {
	return uint32((uint64(lsn)/BlockSize)&0x3FFFFFFF) + 1
}

// InitBlock initializes the header of a fresh block beginning at lsn. The
// data length starts at the header size and the first-rec-group offset at
// zero (no record group starts here yet).
func InitBlock(block []byte, lsn common.LSN) {
	binary.BigEndian.PutUint32(block[blockHdrNo:], BlockNumber(lsn))
	binary.BigEndian.PutUint16(block[blockDataLen:], BlockHeaderSize)
	binary.BigEndian.PutUint16(block[blockFirstRecGroup:], 0)
}

// BlockHdrNo returns the stored sequence number without the flush flag.
func BlockHdrNo(block []byte) uint32 {
	return binary.BigEndian.Uint32(block[blockHdrNo:]) &^ blockFlushFlag
}

// SetBlockDataLen stores the number of bytes occupied in the block,
// counting the header. A full block stores BlockSize.
func SetBlockDataLen(block []byte, n int) {
	binary.BigEndian.PutUint16(block[blockDataLen:], uint16(n))
}

// BlockDataLen returns the occupied length of the block.
func BlockDataLen(block []byte) int {
	return int(binary.BigEndian.Uint16(block[blockDataLen:]))
}

// SetBlockFirstRecGroup stores the offset of the first record group that
// starts within this block, or 0 if none does.
func SetBlockFirstRecGroup(block []byte, offset int) {
	binary.BigEndian.PutUint16(block[blockFirstRecGroup:], uint16(offset))
}

// BlockFirstRecGroup returns the first-rec-group offset of the block.
func BlockFirstRecGroup(block []byte) int {
	return int(binary.BigEndian.Uint16(block[blockFirstRecGroup:]))
}

// SetBlockCheckpointNo stamps the low 32 bits of the checkpoint number
// current at the time the block was written.
func SetBlockCheckpointNo(block []byte, no uint64) {
	binary.BigEndian.PutUint32(block[blockCheckpointNo:], uint32(no))
}

// BlockCheckpointNo returns the stamped checkpoint number.
func BlockCheckpointNo(block []byte) uint32 {
	return binary.BigEndian.Uint32(block[blockCheckpointNo:])
}

// SetBlockFlushFlag sets or clears the flush flag in the block header.
func SetBlockFlushFlag(block []byte, flush bool) {
	no := binary.BigEndian.Uint32(block[blockHdrNo:])
	if flush {
		no |= blockFlushFlag
	} else {
		no &^= blockFlushFlag
	}
	binary.BigEndian.PutUint32(block[blockHdrNo:], no)
}

// BlockFlushFlag returns the flush flag of the block header.
func BlockFlushFlag(block []byte) bool {
	return binary.BigEndian.Uint32(block[blockHdrNo:])&blockFlushFlag != 0
}

// StoreBlockChecksum computes and stores the trailer checksum.
func StoreBlockChecksum(block []byte, alg ChecksumAlgorithm) {
	binary.BigEndian.PutUint32(block[blockChecksum:], alg.Compute(block))
}

// BlockChecksum returns the stored trailer checksum.
func BlockChecksum(block []byte) uint32 {
	return binary.BigEndian.Uint32(block[blockChecksum:])
}

// VerifyBlockChecksum reports whether the stored trailer matches the block
// contents under alg. ChecksumNone accepts anything.
func VerifyBlockChecksum(block []byte, alg ChecksumAlgorithm) bool {
	if alg == ChecksumNone {
		return true
	}
	return BlockChecksum(block) == alg.Compute(block)
}
