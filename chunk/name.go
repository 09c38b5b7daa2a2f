// Package chunk defines the content fingerprint type used as the lookup key
// throughout the deduplication index.
package chunk

import (
	"encoding/binary"
	"encoding/hex"
)

// NameSize is the fixed size of a chunk fingerprint in bytes.
const NameSize = 16

// Field offsets within a Name. The index never re-hashes a fingerprint; it
// slices fixed byte ranges out of it so that classification is cheap and
// stable across versions.
const (
	addressBytesOffset  = 0
	addressBytesCount   = 8
	chapterBytesOffset  = 8
	chapterBytesCount   = 6
	samplingBytesOffset = 14
	samplingBytesCount  = 2
)

// Name is a fixed-size opaque content fingerprint of a data block.
// It is immutable and used only as a lookup key.
type Name [NameSize]byte

// NameFromBytes copies the first NameSize bytes of b into a Name.
// Short input is zero-padded.
func NameFromBytes(b []byte) Name {
	var n Name
	copy(n[:], b)
	return n
}

// AddressBytes returns the delta-list addressing field of the fingerprint.
func (n Name) AddressBytes() uint64 {
	return binary.BigEndian.Uint64(n[addressBytesOffset : addressBytesOffset+addressBytesCount])
}

// ChapterBytes returns the chapter-index addressing field of the fingerprint.
func (n Name) ChapterBytes() uint64 {
	var buf [8]byte
	copy(buf[8-chapterBytesCount:], n[chapterBytesOffset:chapterBytesOffset+chapterBytesCount])
	return binary.BigEndian.Uint64(buf[:])
}

// SamplingBytes returns the field used by the sampling predicate.
func (n Name) SamplingBytes() uint16 {
	return binary.BigEndian.Uint16(n[samplingBytesOffset : samplingBytesOffset+samplingBytesCount])
}

// String returns the fingerprint as lowercase hex.
func (n Name) String() string {
	return hex.EncodeToString(n[:])
}
