// Package sparse stream-decodes an Android sparse image from an in-memory
// buffer onto a destination file, enforcing that no chunk writes past the
// target partition's size.
//
// The logical output offset advances after every chunk type (RAW, FILL
// and DONT_CARE), so the partition-size guard stays accurate across the
// whole stream instead of only after a DONT_CARE seek.
package sparse

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Magic is the sparse image file magic, 0xed26ff3a.
const Magic uint32 = 0xed26ff3a

// Chunk types.
const (
	ChunkRaw      = 0xcac1
	ChunkFill     = 0xcac2
	ChunkDontCare = 0xcac3
	ChunkCRC32    = 0xcac4
)

const chunkHeaderLen = 12

type header struct {
	Magic         uint32
	MajorVersion  uint16
	MinorVersion  uint16
	FileHdrSize   uint16
	ChunkHdrSize  uint16
	BlockSize     uint32
	TotalBlocks   uint32
	TotalChunks   uint32
	ImageChecksum uint32
}

type chunkHeader struct {
	ChunkType uint16
	Reserved  uint16
	ChunkSize uint32 // in blocks, output span
	TotalSize uint32 // bytes, including this chunk header
}

// IsSparse reports whether data begins with a sparse header whose major
// version is 1.
func IsSparse(data []byte) bool {
	if len(data) < binary.Size(header{}) {
		return false
	}
	var h header
	if binary.Read(bytes.NewReader(data), binary.LittleEndian, &h) != nil {
		return false
	}
	return h.Magic == Magic && h.MajorVersion == 1
}

// Dest is what a sparse decode writes/seeks against: a raw partition fd.
type Dest interface {
	io.Writer
	io.Seeker
}

// Decode walks the sparse chunk stream in data and applies it to dest,
// never writing past partSize bytes of logical output.
func Decode(dest Dest, data []byte, partSize uint64) error {
	r := bytes.NewReader(data)

	var h header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return errors.Wrap(err, "decode sparse header")
	}
	if h.Magic != Magic || h.MajorVersion != 1 {
		return errors.New("not a sparse image")
	}

	// Skip any header bytes beyond the 28 we decoded.
	if extra := int64(h.FileHdrSize) - int64(binary.Size(h)); extra > 0 {
		if _, err := r.Seek(extra, io.SeekCurrent); err != nil {
			return errors.Wrap(err, "skip extra file header bytes")
		}
	}

	var offset uint64

	for c := uint32(0); c < h.TotalChunks; c++ {
		var ch chunkHeader
		if err := binary.Read(r, binary.LittleEndian, &ch); err != nil {
			return errors.Wrapf(err, "decode chunk %d header", c)
		}

		if extra := int64(h.ChunkHdrSize) - chunkHeaderLen; extra > 0 {
			if _, err := r.Seek(extra, io.SeekCurrent); err != nil {
				return errors.Wrapf(err, "skip extra chunk %d header bytes", c)
			}
		}

		chunkDataSz := uint64(ch.TotalSize) - uint64(h.ChunkHdrSize)

		switch ch.ChunkType {
		case ChunkRaw:
			if offset+chunkDataSz > partSize {
				return errors.Errorf("chunk %d: RAW write would exceed partition size", c)
			}

			payload := make([]byte, chunkDataSz)
			if _, err := io.ReadFull(r, payload); err != nil {
				return errors.Wrapf(err, "read chunk %d RAW payload", c)
			}
			if _, err := dest.Write(payload); err != nil {
				return errors.Wrapf(err, "write chunk %d RAW payload", c)
			}

			offset += chunkDataSz

		case ChunkFill:
			if chunkDataSz != 4 {
				return errors.Errorf("chunk %d: bogus FILL payload size %d", c, chunkDataSz)
			}

			var fillVal uint32
			if err := binary.Read(r, binary.LittleEndian, &fillVal); err != nil {
				return errors.Wrapf(err, "read chunk %d FILL pattern", c)
			}

			fillSize := uint64(ch.ChunkSize) * uint64(h.BlockSize)
			if offset+fillSize > partSize {
				return errors.Errorf("chunk %d: FILL write would exceed partition size", c)
			}

			fillBuf := make([]byte, fillSize)
			for i := uint64(0); i+4 <= fillSize; i += 4 {
				binary.LittleEndian.PutUint32(fillBuf[i:], fillVal)
			}
			if _, err := dest.Write(fillBuf); err != nil {
				return errors.Wrapf(err, "write chunk %d FILL payload", c)
			}

			offset += fillSize

		case ChunkDontCare:
			span := uint64(ch.ChunkSize) * uint64(h.BlockSize)
			if offset+span > partSize {
				return errors.Errorf("chunk %d: DONT_CARE would exceed partition size", c)
			}
			if _, err := dest.Seek(int64(span), io.SeekCurrent); err != nil {
				return errors.Wrapf(err, "seek chunk %d DONT_CARE span", c)
			}
			offset += span

		case ChunkCRC32:
			if _, err := r.Seek(4, io.SeekCurrent); err != nil {
				return errors.Wrapf(err, "skip chunk %d CRC32 payload", c)
			}
			log.Warn("sparse: CRC32 chunk present, checksum not verified")

		default:
			return errors.Errorf("chunk %d: unknown chunk type %#x", c, ch.ChunkType)
		}
	}

	return nil
}
