// Package binfmt implements the fixed on-disk binary layouts shared by the
// journal log, the data file, and the file-backed hash index: the OpItem
// operation record and the index slot's item-index. Layouts are big-endian
// throughout.
package binfmt

import (
	"encoding/binary"

	"github.com/ferdiknight/finjournal/internal/errs"
)

// KeyBytes is the fixed key length (an MD5-sized fingerprint).
const KeyBytes = 16

// Op codes for OpItem.Op.
const (
	OpAdd byte = 1
	OpDel byte = 2
)

// OpItemBytes is the on-disk size of an OpItem: op(1) + key(16) +
// segment#(4) + offset(8) + length(4).
const OpItemBytes = 1 + KeyBytes + 4 + 8 + 4

// Key is a 16-byte fingerprint, used as a map key by value.
type Key [KeyBytes]byte

// OpItem is one journal-log entry: an ADD or a DEL of a value record
// living at (Segment, Offset, Length) in that segment's data file.
type OpItem struct {
	Op      byte
	Key     Key
	Segment uint32
	Offset  uint64
	Length  uint32
}

// EncodeOpItem writes op into a freshly allocated OpItemBytes-length buffer.
func EncodeOpItem(op OpItem) []byte {
	buf := make([]byte, OpItemBytes)
	buf[0] = op.Op
	copy(buf[1:1+KeyBytes], op.Key[:])
	off := 1 + KeyBytes
	binary.BigEndian.PutUint32(buf[off:], op.Segment)
	binary.BigEndian.PutUint64(buf[off+4:], op.Offset)
	binary.BigEndian.PutUint32(buf[off+12:], op.Length)
	return buf
}

// DecodeOpItem parses an OpItemBytes-length buffer into an OpItem.
func DecodeOpItem(buf []byte) (OpItem, error) {
	var op OpItem
	if len(buf) != OpItemBytes {
		return op, errs.ErrCorruptOp
	}
	op.Op = buf[0]
	copy(op.Key[:], buf[1:1+KeyBytes])
	off := 1 + KeyBytes
	op.Segment = binary.BigEndian.Uint32(buf[off:])
	op.Offset = binary.BigEndian.Uint64(buf[off+4:])
	op.Length = binary.BigEndian.Uint32(buf[off+12:])
	if op.Op != OpAdd && op.Op != OpDel {
		return op, errs.ErrCorruptOp
	}
	return op, nil
}

// ItemIndexBytes is the width of the (segment#, offset) pair stored in an
// index slot: 4 + 8 = 12 bytes.
const ItemIndexBytes = 4 + 8

// SlotBytes is the on-disk size of one hash-index slot: 1 (state) + 16
// (key) + 12 (item-index) = 29.
const SlotBytes = 1 + KeyBytes + ItemIndexBytes

// BucketBytes is the fixed size of one hash-index bucket.
const BucketBytes = 4096

// SlotsPerBucket is how many slots fit in a bucket (141, with 7 spare
// bytes per bucket left unused, matching the source convention).
const SlotsPerBucket = BucketBytes / SlotBytes

// SlotState is the head byte of a hash-index slot.
type SlotState byte

const (
	SlotEmpty    SlotState = 0
	SlotOccupied SlotState = 1
	SlotReleased SlotState = 2
)

// ItemIndex is the (segment#, offset) pair addressed by a hash-index slot.
type ItemIndex struct {
	Segment uint32
	Offset  uint64
}

// EncodeItemIndex writes idx into a freshly allocated ItemIndexBytes buffer.
func EncodeItemIndex(idx ItemIndex) []byte {
	buf := make([]byte, ItemIndexBytes)
	binary.BigEndian.PutUint32(buf, idx.Segment)
	binary.BigEndian.PutUint64(buf[4:], idx.Offset)
	return buf
}

// DecodeItemIndex parses an ItemIndexBytes buffer.
func DecodeItemIndex(buf []byte) ItemIndex {
	return ItemIndex{
		Segment: binary.BigEndian.Uint32(buf),
		Offset:  binary.BigEndian.Uint64(buf[4:]),
	}
}
