// Package procutil wraps the daemon's process-spawning, file-watching and
// system-memory helpers: starting the interactive console, waiting on a
// udev-created device node, and reading free memory for fastboot's
// max-download-size variable.
package procutil

import (
	"encoding/binary"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const inotifyEventHeaderLen = 16 // wd int32 + mask uint32 + cookie uint32 + len uint32

// Run starts name as a child process. When detach is true the child is
// given its own session (via Setsid) and Run returns immediately without
// waiting for it; otherwise Run blocks until the child exits.
func Run(name string, detach bool) error {
	cmd := exec.Command(name)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr

	if detach {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "start %s", name)
	}

	if detach {
		return nil
	}
	return errors.Wrapf(cmd.Wait(), "wait for %s", name)
}

// FileExists reports whether path exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WaitForFile blocks until path is created, using inotify on its parent
// directory.
func WaitForFile(path string) error {
	if FileExists(path) {
		return nil
	}

	dir := filepath.Dir(path)
	name := filepath.Base(path)

	fd, err := unix.InotifyInit1(0)
	if err != nil {
		return errors.Wrap(err, "inotify_init")
	}
	defer unix.Close(fd)

	wd, err := unix.InotifyAddWatch(fd, dir, unix.IN_CREATE)
	if err != nil {
		return errors.Wrapf(err, "watch %s", dir)
	}
	defer unix.InotifyRmWatch(fd, uint32(wd))

	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			return errors.Wrap(err, "read inotify events")
		}

		offset := 0
		for offset+inotifyEventHeaderLen <= n {
			mask := binary.LittleEndian.Uint32(buf[offset+4:])
			nameLen := int(binary.LittleEndian.Uint32(buf[offset+12:]))

			evName := ""
			if nameLen > 0 {
				evName = cString(buf[offset+inotifyEventHeaderLen : offset+inotifyEventHeaderLen+nameLen])
			}

			if mask&unix.IN_CREATE != 0 && evName == name {
				return nil
			}

			offset += inotifyEventHeaderLen + nameLen
		}
	}
}

// MemAvailable returns the kernel's free RAM in bytes, or 0 if sysinfo
// fails.
func MemAvailable() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		log.Errorf("procutil: sysinfo failed: %v", err)
		return 0
	}
	return uint64(info.Freeram) * uint64(info.Unit)
}

// PromptStopBoot polls stdin for up to 4 seconds, one second at a time,
// and reports whether any input arrived before the countdown expired.
func PromptStopBoot() bool {
	const countdown = 4

	for i := countdown; i > 0; i-- {
		log.Infof("press any key to stop boot ... %d", i)

		if stdinReady(time.Second) {
			return true
		}
	}
	return false
}

func stdinReady(timeout time.Duration) bool {
	fd := int(os.Stdin.Fd())

	var fds unix.FdSet
	fdSet(&fds, fd)

	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	n, err := unix.Select(fd+1, &fds, nil, nil, &tv)
	if err != nil {
		return false
	}
	return n > 0
}

// fdSet sets fd's bit in set, replicating the FD_SET macro: x/sys/unix's
// FdSet carries no such helper.
func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= int64(1) << uint(fd%64)
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
