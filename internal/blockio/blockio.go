// Package blockio implements the bounded and chunked transfer helpers
// used everywhere a block device or FunctionFS endpoint defines an exact
// transaction size: a short read or write here is always a hard error,
// never a silent truncation.
package blockio

import (
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ReadFull performs exactly one read syscall via r and fails if the
// number of bytes moved does not equal len(buffer).
func ReadFull(r io.Reader, buffer []byte) error {
	n, err := r.Read(buffer)
	if err != nil {
		return errors.Wrap(err, "read failed")
	}
	if n != len(buffer) {
		log.Errorf("invalid read count: %d != %d", n, len(buffer))
		return errors.Errorf("short read: %d != %d", n, len(buffer))
	}
	return nil
}

// WriteFull performs exactly one write syscall via w and fails if the
// number of bytes moved does not equal len(buffer).
func WriteFull(w io.Writer, buffer []byte) error {
	n, err := w.Write(buffer)
	if err != nil {
		return errors.Wrap(err, "write failed")
	}
	if n != len(buffer) {
		log.Errorf("invalid write count: %d != %d", n, len(buffer))
		return errors.Errorf("short write: %d != %d", n, len(buffer))
	}
	return nil
}

// ReadChunked reads exactly len(buffer) bytes from r, issuing reads of at
// most max bytes each. Any short read within a chunk is a hard error.
func ReadChunked(r io.Reader, buffer []byte, max int) error {
	total := 0
	for total < len(buffer) {
		count := min(len(buffer)-total, max)

		n, err := r.Read(buffer[total : total+count])
		if err != nil {
			return errors.Wrap(err, "read failed")
		}
		if n != count {
			log.Errorf("invalid read count: %d != %d", n, count)
			return errors.Errorf("short read: %d != %d", n, count)
		}

		total += n
	}
	return nil
}

// WriteChunked writes exactly len(buffer) bytes to w, issuing writes of at
// most max bytes each. Any short write within a chunk is a hard error.
func WriteChunked(w io.Writer, buffer []byte, max int) error {
	total := 0
	for total < len(buffer) {
		count := min(len(buffer)-total, max)

		n, err := w.Write(buffer[total : total+count])
		if err != nil {
			return errors.Wrap(err, "write failed")
		}
		if n != count {
			log.Errorf("invalid write count: %d != %d", n, count)
			return errors.Errorf("short write: %d != %d", n, count)
		}

		total += n
	}
	return nil
}
