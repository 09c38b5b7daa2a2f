// Package stream provides the buffered byte-stream primitives used to
// persist index state: little-endian integer framing plus a running CRC32
// over everything written or read.
package stream

import (
	"bufio"
	"encoding/binary"
	"hash"
	"hash/crc32"
	"io"
)

var crcTable = crc32.MakeTable(crc32.IEEE)

// Writer frames index state onto an underlying io.Writer.
//
// All integers are little-endian. The writer keeps a running CRC32 (IEEE)
// of every byte written so that a stream can be sealed with a trailing
// checksum.
type Writer struct {
	w   *bufio.Writer
	crc hash.Hash32
	n   int64
}

// NewWriter creates a buffered stream writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		w:   bufio.NewWriter(w),
		crc: crc32.New(crcTable),
	}
}

// WriteBytes writes b verbatim.
func (w *Writer) WriteBytes(b []byte) error {
	if _, err := w.crc.Write(b); err != nil {
		return err
	}
	n, err := w.w.Write(b)
	w.n += int64(n)
	return err
}

// WriteUint16 writes v little-endian.
func (w *Writer) WriteUint16(v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return w.WriteBytes(buf[:])
}

// WriteUint32 writes v little-endian.
func (w *Writer) WriteUint32(v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return w.WriteBytes(buf[:])
}

// WriteUint64 writes v little-endian.
func (w *Writer) WriteUint64(v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return w.WriteBytes(buf[:])
}

// Flush pushes buffered bytes to the underlying writer.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// BytesWritten returns the number of bytes written so far.
func (w *Writer) BytesWritten() int64 { return w.n }

// Checksum returns the CRC32 of everything written so far.
func (w *Writer) Checksum() uint32 { return w.crc.Sum32() }

// Reader consumes a stream produced by Writer.
type Reader struct {
	r   *bufio.Reader
	crc hash.Hash32
	n   int64
}

// NewReader creates a buffered stream reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:   bufio.NewReader(r),
		crc: crc32.New(crcTable),
	}
}

// ReadBytes fills b completely or returns an error.
func (r *Reader) ReadBytes(b []byte) error {
	n, err := io.ReadFull(r.r, b)
	r.n += int64(n)
	if n > 0 {
		if _, crcErr := r.crc.Write(b[:n]); crcErr != nil {
			return crcErr
		}
	}
	return err
}

// ReadUint16 reads a little-endian uint16.
func (r *Reader) ReadUint16() (uint16, error) {
	var buf [2]byte
	if err := r.ReadBytes(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// ReadUint32 reads a little-endian uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	var buf [4]byte
	if err := r.ReadBytes(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadUint64 reads a little-endian uint64.
func (r *Reader) ReadUint64() (uint64, error) {
	var buf [8]byte
	if err := r.ReadBytes(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// BytesRead returns the number of bytes consumed so far.
func (r *Reader) BytesRead() int64 { return r.n }

// Checksum returns the CRC32 of everything read so far.
func (r *Reader) Checksum() uint32 { return r.crc.Sum32() }
