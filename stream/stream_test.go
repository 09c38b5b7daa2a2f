package stream

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.WriteBytes([]byte("MI6-0001")))
	require.NoError(t, w.WriteUint16(0xbeef))
	require.NoError(t, w.WriteUint32(32))
	require.NoError(t, w.WriteUint64(0x0123456789abcdef))
	require.NoError(t, w.Flush())

	require.Equal(t, int64(8+2+4+8), w.BytesWritten())
	wantSum := w.Checksum()

	r := NewReader(&buf)
	magic := make([]byte, 8)
	require.NoError(t, r.ReadBytes(magic))
	require.Equal(t, []byte("MI6-0001"), magic)

	u16, err := r.ReadUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(0xbeef), u16)

	u32, err := r.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(32), u32)

	u64, err := r.ReadUint64()
	require.NoError(t, err)
	require.Equal(t, uint64(0x0123456789abcdef), u64)

	require.Equal(t, int64(22), r.BytesRead())
	require.Equal(t, wantSum, r.Checksum())
}

func TestLittleEndianLayout(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteUint32(0x01020304))
	require.NoError(t, w.Flush())
	require.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, buf.Bytes())
}

func TestReadBytesShortInput(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{1, 2, 3}))
	buf := make([]byte, 8)
	err := r.ReadBytes(buf)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestChecksumDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteUint64(42))
	require.NoError(t, w.Flush())

	corrupted := append([]byte(nil), buf.Bytes()...)
	corrupted[0] ^= 0xff

	r := NewReader(bytes.NewReader(corrupted))
	_, err := r.ReadUint64()
	require.NoError(t, err)
	require.NotEqual(t, w.Checksum(), r.Checksum())
}
