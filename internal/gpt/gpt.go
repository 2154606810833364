// Package gpt decodes the protective MBR, GPT header and partition entry
// array of a GPT-partitioned block device, and maintains the process-wide
// logical-name -> device-path partition map built from it.
//
// CRC32 fields in the header and entry array are read but never verified,
// per spec: a corrupted partition table is undefined input for this daemon.
package gpt

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// LBASize is the fixed logical block size this daemon assumes.
	LBASize = 512

	// Magic is "EFI PART" read little-endian as a uint64.
	Magic uint64 = 0x5452415020494645

	guidLen     = 16
	partNameLen = 72
	entryLen    = 128
)

// Header is the on-disk GPT header, LBA 1.
type Header struct {
	Magic          uint64
	Revision       uint32
	HdrSize        uint32
	HdrCRC32       uint32
	Reserved       uint32
	CurrentLBA     uint64
	BackupLBA      uint64
	FirstUsableLBA uint64
	LastUsableLBA  uint64
	DiskGUID       [guidLen]byte
	FirstPartLBA   uint64
	NParts         uint32
	PartEntryLen   uint32
	PartArrayCRC32 uint32
}

// Entry is a single decoded 128-byte GPT partition entry.
type Entry struct {
	TypeGUID   [guidLen]byte
	UniqueGUID [guidLen]byte
	LBAStart   uint64
	LBAEnd     uint64
	// Attributes is the raw 64-bit attribute word. The high 16 bits are
	// the type_guid_specific field (see AttrTypeSpecific/SetAttrTypeSpecific).
	Attributes uint64
	Name       [partNameLen / 2]uint16
}

// AttrTypeSpecific extracts the high-16-bit type_guid_specific sub-field.
func AttrTypeSpecific(attr uint64) uint16 {
	return uint16(attr >> 48)
}

// SetAttrTypeSpecific returns attr with its high-16-bit type_guid_specific
// sub-field replaced by v, preserving every other attribute bit.
func SetAttrTypeSpecific(attr uint64, v uint16) uint64 {
	return (attr &^ (uint64(0xffff) << 48)) | (uint64(v) << 48)
}

// DecodedName converts a GPT entry's UTF-16LE name to ASCII, substituting
// '?' for any non-printable code unit and stopping at the first NUL or 36
// code units, whichever comes first.
func DecodedName(units [partNameLen / 2]uint16) string {
	buf := make([]byte, 0, len(units))
	for _, u := range units {
		if u == 0 {
			break
		}
		if u >= 0x20 && u < 0x7f {
			buf = append(buf, byte(u))
		} else {
			buf = append(buf, '?')
		}
	}
	return string(buf)
}

func mbrValid(mbr []byte) bool {
	return len(mbr) >= LBASize && mbr[510] == 0x55 && mbr[511] == 0xaa
}

func decodeHeader(buf []byte) (Header, error) {
	var hdr Header
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &hdr); err != nil {
		return Header{}, errors.Wrap(err, "decode GPT header")
	}
	if hdr.Magic != Magic {
		return Header{}, errors.Errorf("invalid GPT magic: %#x", hdr.Magic)
	}
	return hdr, nil
}

func decodeEntry(buf []byte) (Entry, error) {
	var e Entry
	if err := binary.Read(bytes.NewReader(buf[:entryLen]), binary.LittleEndian, &e); err != nil {
		return Entry{}, errors.Wrap(err, "decode GPT entry")
	}
	return e, nil
}

func encodeEntry(e Entry) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &e); err != nil {
		return nil, errors.Wrap(err, "encode GPT entry")
	}
	return buf.Bytes(), nil
}

// Table is the decoded GPT layout of one block device, plus the data
// needed to locate an entry's on-disk bytes for the attribute
// read-modify-write path.
type Table struct {
	blockPath string
	Header    Header
	Entries   []Entry
}

// Load mmaps blockPath read-only, validates the protective MBR and GPT
// header, and decodes the full entry array.
func Load(blockPath string) (*Table, error) {
	f, err := os.Open(blockPath)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", blockPath)
	}
	defer f.Close()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s", blockPath)
	}
	defer m.Unmap()

	if len(m) < 2*LBASize {
		return nil, errors.Errorf("%s too small to hold a GPT", blockPath)
	}

	if !mbrValid(m[:LBASize]) {
		return nil, errors.New("invalid MBR signature")
	}

	hdr, err := decodeHeader(m[LBASize : 2*LBASize])
	if err != nil {
		return nil, err
	}

	start := hdr.FirstPartLBA * LBASize
	size := uint64(hdr.NParts) * uint64(hdr.PartEntryLen)
	if start+size > uint64(len(m)) {
		return nil, errors.New("partition entry array runs past device map")
	}

	entries := make([]Entry, 0, hdr.NParts)
	for i := uint32(0); i < hdr.NParts; i++ {
		off := start + uint64(i)*uint64(hdr.PartEntryLen)
		e, err := decodeEntry(m[off : off+uint64(hdr.PartEntryLen)])
		if err != nil {
			return nil, errors.Wrapf(err, "decode entry %d", i)
		}
		entries = append(entries, e)
	}

	log.Debugf("gpt: loaded %d entries from %s", len(entries), blockPath)

	return &Table{blockPath: blockPath, Header: hdr, Entries: entries}, nil
}

// entryDiskOffset reproduces the original daemon's attribute-offset bug:
// it assumes 128-byte entries laid out one-per-LBA starting at LBA 2
// (LBA 0 = MBR, LBA 1 = header), regardless of the table's actual
// first_part_lba/part_entry_len. Kept intentionally, matching the same
// assumption findEntry makes on the read side.
func entryDiskOffset(index int) int64 {
	return int64(index+2) * LBASize
}

// correctEntryDiskOffset is the offset derived from the table's actual
// first_part_lba and part_entry_len, kept beside entryDiskOffset for
// comparison. Nothing in the tree calls it.
func (t *Table) correctEntryDiskOffset(index int) int64 {
	return int64(t.Header.FirstPartLBA*LBASize) + int64(index)*int64(t.Header.PartEntryLen)
}
