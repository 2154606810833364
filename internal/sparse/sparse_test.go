package sparse_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"kbootd/internal/sparse"
)

type memDest struct {
	buf []byte
	pos int64
}

func newMemDest(size int) *memDest {
	return &memDest{buf: make([]byte, size)}
}

func (m *memDest) Write(p []byte) (int, error) {
	n := copy(m.buf[m.pos:], p)
	m.pos += int64(n)
	return n, nil
}

func (m *memDest) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		m.pos = offset
	case 1:
		m.pos += offset
	}
	return m.pos, nil
}

const blockSize = 4096

func writeHeader(buf *bytes.Buffer, totalChunks uint32) {
	binary.Write(buf, binary.LittleEndian, uint32(sparse.Magic))
	binary.Write(buf, binary.LittleEndian, uint16(1))  // major
	binary.Write(buf, binary.LittleEndian, uint16(0))  // minor
	binary.Write(buf, binary.LittleEndian, uint16(28)) // file_hdr_sz
	binary.Write(buf, binary.LittleEndian, uint16(12)) // chunk_hdr_sz
	binary.Write(buf, binary.LittleEndian, uint32(blockSize))
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, totalChunks)
	binary.Write(buf, binary.LittleEndian, uint32(0))
}

func writeChunkHeader(buf *bytes.Buffer, chunkType uint16, chunkSizeBlocks uint32, totalSz uint32) {
	binary.Write(buf, binary.LittleEndian, chunkType)
	binary.Write(buf, binary.LittleEndian, uint16(0))
	binary.Write(buf, binary.LittleEndian, chunkSizeBlocks)
	binary.Write(buf, binary.LittleEndian, totalSz)
}

func TestIsSparseRejectsRawImage(t *testing.T) {
	require.False(t, sparse.IsSparse([]byte("not a sparse image at all....")))
}

func TestDecodeRawAndDontCareUpdateOffsetConsistently(t *testing.T) {
	buf := new(bytes.Buffer)
	writeHeader(buf, 2)

	raw := bytes.Repeat([]byte{0xAB}, blockSize)
	writeChunkHeader(buf, sparse.ChunkRaw, 1, uint32(12+len(raw)))
	buf.Write(raw)

	// DONT_CARE after RAW seeks forward from where the RAW write left the
	// destination position.
	writeChunkHeader(buf, sparse.ChunkDontCare, 1, 12)

	dest := newMemDest(2 * blockSize)
	require.True(t, sparse.IsSparse(buf.Bytes()))
	require.NoError(t, sparse.Decode(dest, buf.Bytes(), uint64(len(dest.buf))))

	require.Equal(t, raw, dest.buf[:blockSize])
	require.Equal(t, int64(2*blockSize), dest.pos)

	// Against a one-block partition the DONT_CARE chunk must be rejected:
	// it only overflows if offset advanced past the RAW chunk.
	require.Error(t, sparse.Decode(newMemDest(2*blockSize), buf.Bytes(), blockSize))
}

func TestDecodeFillWritesPattern(t *testing.T) {
	buf := new(bytes.Buffer)
	writeHeader(buf, 1)
	writeChunkHeader(buf, sparse.ChunkFill, 1, 12+4)
	binary.Write(buf, binary.LittleEndian, uint32(0xDEADBEEF))

	dest := newMemDest(blockSize)
	require.NoError(t, sparse.Decode(dest, buf.Bytes(), uint64(len(dest.buf))))

	for i := 0; i < blockSize; i += 4 {
		require.Equal(t, uint32(0xDEADBEEF), binary.LittleEndian.Uint32(dest.buf[i:i+4]))
	}
}

func TestDecodeRejectsChunkExceedingPartitionSize(t *testing.T) {
	buf := new(bytes.Buffer)
	writeHeader(buf, 1)
	raw := bytes.Repeat([]byte{0x01}, blockSize)
	writeChunkHeader(buf, sparse.ChunkRaw, 1, uint32(12+len(raw)))
	buf.Write(raw)

	dest := newMemDest(blockSize / 2)
	err := sparse.Decode(dest, buf.Bytes(), uint64(len(dest.buf)))
	require.Error(t, err)
}

func TestDecodeRejectsUnknownChunkType(t *testing.T) {
	buf := new(bytes.Buffer)
	writeHeader(buf, 1)
	writeChunkHeader(buf, 0x9999, 0, 12)

	dest := newMemDest(blockSize)
	err := sparse.Decode(dest, buf.Bytes(), uint64(len(dest.buf)))
	require.Error(t, err)
}

func TestDecodeSkipsCRC32Chunk(t *testing.T) {
	buf := new(bytes.Buffer)
	writeHeader(buf, 2)
	writeChunkHeader(buf, sparse.ChunkCRC32, 0, 12+4)
	binary.Write(buf, binary.LittleEndian, uint32(0x12345678))
	raw := bytes.Repeat([]byte{0x7A}, blockSize)
	writeChunkHeader(buf, sparse.ChunkRaw, 1, uint32(12+len(raw)))
	buf.Write(raw)

	dest := newMemDest(blockSize)
	require.NoError(t, sparse.Decode(dest, buf.Bytes(), uint64(len(dest.buf))))
	require.Equal(t, raw, dest.buf)
}
