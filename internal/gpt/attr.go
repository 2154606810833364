package gpt

import (
	"os"

	"github.com/pkg/errors"

	"kbootd/internal/blockio"
)

// findEntry re-scans the entry array directly from blockPath, stopping at
// the first name match. It reproduces the original daemon's layout
// assumption: one GPT entry per LBA (512 bytes), starting at LBA 2,
// regardless of the table's actual first_part_lba/part_entry_len. This is
// the same assumption baked into entryDiskOffset, and is deliberately not
// "fixed" here: the attribute read/write path must keep using the same
// (possibly wrong) offsets on both sides of a round trip.
func findEntry(f *os.File, name string) (Entry, int, error) {
	lba1 := make([]byte, LBASize)
	if _, err := f.Seek(LBASize, 0); err != nil {
		return Entry{}, 0, errors.Wrap(err, "seek LBA 1")
	}
	if err := blockio.ReadFull(f, lba1); err != nil {
		return Entry{}, 0, errors.Wrap(err, "read GPT header")
	}
	hdr, err := decodeHeader(lba1)
	if err != nil {
		return Entry{}, 0, err
	}

	lba := make([]byte, LBASize)
	for i := 0; i < int(hdr.NParts); i++ {
		if err := blockio.ReadFull(f, lba); err != nil {
			return Entry{}, 0, errors.Wrapf(err, "read GPT entry %d", i)
		}

		e, err := decodeEntry(lba)
		if err != nil {
			return Entry{}, 0, err
		}

		if DecodedName(e.Name) == name {
			return e, i, nil
		}
	}

	return Entry{}, 0, errors.Errorf("partition %q not found in GPT", name)
}

// ReadAttr returns the current type_guid_specific attribute sub-field for
// the named partition, re-reading the entry array from blockPath.
func ReadAttr(blockPath, name string) (uint16, error) {
	f, err := os.Open(blockPath)
	if err != nil {
		return 0, errors.Wrapf(err, "open %s", blockPath)
	}
	defer f.Close()

	e, _, err := findEntry(f, name)
	if err != nil {
		return 0, err
	}

	return AttrTypeSpecific(e.Attributes), nil
}

// WriteAttr overwrites the type_guid_specific attribute sub-field for the
// named partition, preserving every other attribute bit and every other
// field of the entry, then writes the full 128-byte record back at
// entryDiskOffset(index).
func WriteAttr(blockPath, name string, value uint16) error {
	f, err := os.OpenFile(blockPath, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrapf(err, "open %s", blockPath)
	}
	defer f.Close()

	e, index, err := findEntry(f, name)
	if err != nil {
		return err
	}

	e.Attributes = SetAttrTypeSpecific(e.Attributes, value)

	buf, err := encodeEntry(e)
	if err != nil {
		return err
	}

	if _, err := f.Seek(entryDiskOffset(index), 0); err != nil {
		return errors.Wrap(err, "seek entry offset")
	}

	return blockio.WriteFull(f, buf)
}
