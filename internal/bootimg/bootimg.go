// Package bootimg decodes an Android boot image v2 header and stages its
// sections (cmdline, kernel, ramdisk, dtb) onto the local filesystem so
// the bootloader's next stage can hand off into the kernel directly.
package bootimg

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"kbootd/internal/blockio"
	"kbootd/internal/mathutil"
	"kbootd/internal/partition"
)

const (
	magicSize      = 8
	nameSize       = 16
	argsSize       = 512
	extraArgsSize  = 1024
	cmdlineBufSize = argsSize + extraArgsSize
)

var magic = [magicSize]byte{'A', 'N', 'D', 'R', 'O', 'I', 'D', '!'}

// HeaderV2 is the on-disk boot image header, version 2.
type HeaderV2 struct {
	Magic [magicSize]byte

	KernelSize uint32
	KernelAddr uint32

	RamdiskSize uint32
	RamdiskAddr uint32

	SecondSize uint32
	SecondAddr uint32

	TagsAddr uint32
	PageSize uint32

	HeaderVersion uint32
	OSVersion     uint32

	Name [nameSize]byte

	Cmdline [argsSize]byte

	ID [8]uint32

	ExtraCmdline [extraArgsSize]byte

	RecoveryDtboSize   uint32
	RecoveryDtboOffset uint64
	HeaderSize         uint32

	DtbSize uint32
	DtbAddr uint64
}

func decodeHeader(buf []byte) (HeaderV2, error) {
	var hdr HeaderV2
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &hdr); err != nil {
		return HeaderV2{}, errors.Wrap(err, "decode boot image header")
	}
	if hdr.Magic != magic {
		return HeaderV2{}, errors.New("invalid boot image magic")
	}
	return hdr, nil
}

const readChunkMax = 4096

// StageDir is where a staged boot image's sections are written.
const StageDir = "/boot"

// Stage reads the boot image header from the partition at path (boot_a
// in the daemon), then extracts cmdline, kernel, ramdisk and dtb sections
// into dir (StageDir in the daemon, a temp dir in tests) so the next boot
// stage can load them directly.
func Stage(path, dir string) error {
	hdrBytes, err := partition.Read(path, 0, int(binary.Size(HeaderV2{})))
	if err != nil {
		return errors.Wrap(err, "read boot image header")
	}
	hdr, err := decodeHeader(hdrBytes)
	if err != nil {
		return err
	}

	if err := stageCmdline(hdr, dir); err != nil {
		return err
	}

	offset := uint64(hdr.PageSize)

	if err := stageSection(path, dir+"/Image", offset, uint64(hdr.KernelSize)); err != nil {
		return errors.Wrap(err, "stage kernel")
	}
	offset += mathutil.AlignTo(uint64(hdr.KernelSize), uint64(hdr.PageSize))

	if err := stageSection(path, dir+"/ramdisk.img", offset, uint64(hdr.RamdiskSize)); err != nil {
		return errors.Wrap(err, "stage ramdisk")
	}
	offset += mathutil.AlignTo(uint64(hdr.RamdiskSize), uint64(hdr.PageSize))

	offset += mathutil.AlignTo(uint64(hdr.SecondSize), uint64(hdr.PageSize))
	offset += mathutil.AlignTo(uint64(hdr.RecoveryDtboSize), uint64(hdr.PageSize))

	if err := stageSection(path, dir+"/dtb.img", offset, uint64(hdr.DtbSize)); err != nil {
		return errors.Wrap(err, "stage dtb")
	}

	log.Infof("bootimg: staged boot image from %s into %s", path, dir)
	return nil
}

func stageCmdline(hdr HeaderV2, dir string) error {
	f, err := os.OpenFile(dir+"/cmdline", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "open cmdline")
	}
	defer f.Close()

	cmdline := make([]byte, 0, cmdlineBufSize)
	cmdline = append(cmdline, trimNUL(hdr.Cmdline[:])...)
	cmdline = append(cmdline, ' ')
	cmdline = append(cmdline, trimNUL(hdr.ExtraCmdline[:])...)

	return errors.Wrap(blockio.WriteChunked(f, cmdline, readChunkMax), "write cmdline")
}

func stageSection(path, dest string, offset, size uint64) error {
	if size == 0 {
		return nil
	}

	data, err := partition.Read(path, int64(offset), int(size))
	if err != nil {
		return errors.Wrap(err, "read section")
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open %s", dest)
	}
	defer f.Close()

	return errors.Wrapf(blockio.WriteChunked(f, data, readChunkMax), "write %s", dest)
}

func trimNUL(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}
