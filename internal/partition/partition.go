// Package partition implements the daemon's partition-level I/O
// operations: size queries, offset reads, sparse-or-raw flashing and
// discard-based erase, all addressed by the logical names in a
// gpt.PartitionMap.
package partition

import (
	"os"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"kbootd/internal/blockio"
	"kbootd/internal/sparse"
)

// rawEraseLen is the forced erase length for the whole-device node: there
// is no reason to discard an entire eMMC just to invalidate its GPT.
const rawEraseLen = 4096

const readChunkMax = 4096

// Service resolves logical partition names to device paths and performs
// I/O against them.
type Service struct {
	blockPath string
	Map       PathResolver
}

// PathResolver is satisfied by *gpt.PartitionMap; kept as an interface so
// tests can supply a fake without building a GPT image.
type PathResolver interface {
	Path(name string) string
	Has(name string) bool
}

// New returns a Service that resolves names through m, treating blockPath
// as the whole-device node (the one name exempted from full-partition
// erase).
func New(blockPath string, m PathResolver) *Service {
	return &Service{blockPath: blockPath, Map: m}
}

// GetPath returns the device path for a logical partition name, or ""
// if unknown.
func (s *Service) GetPath(name string) string {
	return s.Map.Path(name)
}

// GetSize returns the byte size of the block device at path via
// BLKGETSIZE64, or 0 if it cannot be determined.
func GetSize(path string) uint64 {
	f, err := os.Open(path)
	if err != nil {
		log.Errorf("partition: open %s failed: %v", path, err)
		return 0
	}
	defer f.Close()

	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		log.Errorf("partition: BLKGETSIZE64 %s failed: %v", path, errno)
		return 0
	}
	return size
}

// Read reads size bytes at offset from path.
func Read(path string, offset int64, size int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	if _, err := f.Seek(offset, 0); err != nil {
		return nil, errors.Wrap(err, "seek")
	}

	buf := make([]byte, size)
	if err := blockio.ReadChunked(f, buf, readChunkMax); err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return buf, nil
}

// Flash writes data to path starting at *offset. If data looks like a
// sparse image it is decoded against the partition's full size and
// *offset is left untouched (sparse images carry their own addressing);
// otherwise data is written raw at *offset, which is then advanced by
// len(data) so a sequence of raw flash calls against the same path
// streams contiguously.
func Flash(path string, data []byte, offset *uint64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	if sparse.IsSparse(data) {
		partSize := GetSize(path)
		log.Debugf("partition: flashing sparse image to %s (%s)", path, humanize.Bytes(partSize))
		return sparse.Decode(f, data, partSize)
	}

	if _, err := f.Seek(int64(*offset), 0); err != nil {
		return errors.Wrap(err, "seek")
	}
	if err := blockio.WriteFull(f, data); err != nil {
		return errors.Wrapf(err, "write raw %s", path)
	}

	log.Debugf("partition: wrote %s raw to %s at offset %d", humanize.Bytes(uint64(len(data))), path, *offset)
	*offset += uint64(len(data))
	return nil
}

// EraseLen returns the number of bytes to erase for a partition whose
// device node is path, given the daemon's whole-device node blockPath:
// the whole-device node only needs its GPT invalidated, not a full wipe.
func EraseLen(path, blockPath string) (uint64, error) {
	if path == blockPath {
		return rawEraseLen, nil
	}
	size := GetSize(path)
	if size == 0 {
		return 0, errors.Errorf("partition size returned 0 for %s", path)
	}
	return size, nil
}

// Erase discards len bytes from the start of path, trying BLKSECDISCARD,
// then BLKDISCARD, then falling back to writing a page of zeros.
func Erase(path string, length uint64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	rng := [2]uint64{0, length}

	if ioctlDiscard(f.Fd(), unix.BLKSECDISCARD, &rng) == nil {
		return nil
	}
	if ioctlDiscard(f.Fd(), unix.BLKDISCARD, &rng) == nil {
		return nil
	}

	log.Warnf("partition: discard unsupported on %s, falling back to zero-write", path)
	zeros := make([]byte, rawEraseLen)
	if err := blockio.WriteFull(f, zeros); err != nil {
		return errors.Wrap(err, "write zeros")
	}
	return errors.Wrap(f.Sync(), "fsync after zero-write erase")
}

func ioctlDiscard(fd uintptr, req uintptr, rng *[2]uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(unsafe.Pointer(rng)))
	if errno != 0 {
		return errno
	}
	return nil
}
