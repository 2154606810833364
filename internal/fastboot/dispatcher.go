package fastboot

import (
	"fmt"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"kbootd/internal/partition"
	"kbootd/internal/procutil"
)

// maxDownloadSize caps max-download-size independently of available
// memory: 256 MiB, the original daemon's MAX_DOWNLOAD_SIZE.
const maxDownloadSize = 256 * 1024 * 1024

// memAvailable is a seam over procutil.MemAvailable so tests can exercise
// the zero-availability clamp without faking sysinfo(2) itself.
var memAvailable = procutil.MemAvailable

// Transport is what the dispatcher reads commands from and writes
// responses to. *usbgadget.Gadget satisfies it.
type Transport interface {
	Write([]byte) error
	Read([]byte) (int, error)
	ReadFull([]byte) error
}

// Server is the interactive fastboot command dispatcher: one command
// frame in, one response out, with flashing happening on a background
// worker so a sequence of flash commands pipelines against a streaming
// download queue instead of blocking the USB link.
type Server struct {
	t         Transport
	parts     *partition.Service
	blockPath string

	download downloadQueue
	flash    flashQueue
	doneCh   chan struct{}

	// BootAndroid is invoked by "continue"; Reboot by "reboot". Both are
	// injectable so tests never actually reboot the host.
	BootAndroid func() error
	Reboot      func() error

	exit bool
}

// NewServer builds a dispatcher around t, resolving partition names
// through parts. blockPath is the daemon's whole-device node, used by
// "erase" to special-case a GPT-only wipe.
func NewServer(t Transport, parts *partition.Service, blockPath string) *Server {
	return &Server{t: t, parts: parts, blockPath: blockPath}
}

type handler func(s *Server, args string) (Status, string, bool)

var commands = map[string]handler{
	"continue": (*Server).cmdContinue,
	"download": (*Server).cmdDownload,
	"erase":    (*Server).cmdErase,
	"flash":    (*Server).cmdFlash,
	"getvar":   (*Server).cmdGetvar,
	"reboot":   (*Server).cmdReboot,
}

// Loop reads command frames until "continue" or "reboot" ends the
// session, dispatching each to its handler and writing one terminal
// response per command. "download" sends a DATA frame before it, and
// "continue"/"reboot" may send an INFO frame before it while a flash is
// still draining.
func (s *Server) Loop() error {
	log.Info("fastboot: waiting for commands")

	buf := make([]byte, frameBufSize)
	for !s.exit {
		n, err := s.t.Read(buf)
		if err != nil {
			log.Errorf("fastboot: read failed: %v", err)
			continue
		}

		frame := string(buf[:n])
		log.Debug(frame)

		cmd, args := parseFrame(frame)
		h, ok := commands[cmd]

		var status Status
		var body string
		var handled bool

		if !ok {
			log.Warnf("fastboot: %s command not supported", cmd)
			status, body = Fail, ""
		} else {
			status, body, handled = h(s, args)
		}

		if !handled {
			if err := s.t.Write(buildResponse(status, body)); err != nil {
				log.Errorf("fastboot: write response failed: %v", err)
			}
		}
	}
	return nil
}

func (s *Server) cmdDownload(args string) (Status, string, bool) {
	var size uint32
	if _, err := fmt.Sscanf(args, "%08x", &size); err != nil {
		return Fail, "invalid size", false
	}

	body := fmt.Sprintf("%08x", size)
	if err := s.t.Write(buildResponse(Data, body)); err != nil {
		log.Errorf("fastboot: write DATA response failed: %v", err)
		return Fail, "", true
	}

	data := make([]byte, size)
	if err := s.t.ReadFull(data); err != nil {
		log.Errorf("fastboot: download read failed: %v", err)
		return Fail, "", false
	}

	s.download.push(data)
	return Okay, "", false
}

func (s *Server) cmdFlash(args string) (Status, string, bool) {
	data := s.download.pop()
	if data == nil {
		log.Error("fastboot: no data downloaded")
		return Fail, "no data downloaded", false
	}

	path := s.parts.GetPath(args)
	if path == "" {
		log.Errorf("fastboot: cannot find partition: %s", args)
		return Fail, "cannot find partition", false
	}

	s.flash.push(flashJob{path: path, data: data})

	if s.flash.maybeStart() {
		s.doneCh = make(chan struct{})
		go flashWorker(&s.flash, s.doneCh)
	}

	return Okay, "", false
}

func (s *Server) cmdErase(args string) (Status, string, bool) {
	path := s.parts.GetPath(args)
	if path == "" {
		log.Errorf("fastboot: cannot find partition: %s", args)
		return Fail, "cannot find partition", false
	}

	length, err := partition.EraseLen(path, s.blockPath)
	if err != nil {
		log.Error(err)
		return Fail, "", false
	}

	if err := partition.Erase(path, length); err != nil {
		log.Errorf("fastboot: erase %s failed: %v", path, err)
		return Fail, "", false
	}

	return Okay, "", false
}

func (s *Server) cmdContinue(args string) (Status, string, bool) {
	s.waitFlashDone()

	if s.BootAndroid != nil {
		if err := s.BootAndroid(); err != nil {
			log.Errorf("fastboot: boot_android failed: %v", err)
		}
	}

	s.exit = true
	return Okay, "", false
}

func (s *Server) cmdReboot(args string) (Status, string, bool) {
	s.waitFlashDone()

	if err := s.t.Write(buildResponse(Okay, "")); err != nil {
		log.Errorf("fastboot: write reboot response failed: %v", err)
	}

	if s.Reboot != nil {
		if err := s.Reboot(); err != nil {
			log.Errorf("fastboot: reboot failed: %v", err)
		}
	}

	s.exit = true
	return Fail, "", true
}

func (s *Server) waitFlashDone() {
	if s.flash.running() {
		s.t.Write(buildResponse(Info, "Waiting ongoing flash ..."))
		<-s.doneCh
	}
}

func (s *Server) cmdGetvar(args string) (Status, string, bool) {
	cmd, rest := parseFrame(args)

	fn, ok := getvars[cmd]
	if !ok {
		log.Warnf("fastboot: getvar: %s not supported", cmd)
		return Fail, "", false
	}

	status, body := fn(s, rest)
	return status, body, false
}

type getvarFunc func(s *Server, args string) (Status, string)

var getvars = map[string]getvarFunc{
	"current-slot":      (*Server).currentSlot,
	"has-slot":          (*Server).hasSlot,
	"is-logical":        (*Server).isLogical,
	"max-download-size": (*Server).maxDownloadSize,
}

func (s *Server) currentSlot(args string) (Status, string) {
	return Okay, "a"
}

func (s *Server) hasSlot(args string) (Status, string) {
	path := s.parts.GetPath(args + "_a")
	if path != "" {
		return Okay, "yes"
	}
	return Okay, "no"
}

func (s *Server) isLogical(args string) (Status, string) {
	return Okay, "no"
}

func (s *Server) maxDownloadSize(args string) (Status, string) {
	avail := memAvailable() / 3 * 2
	max := uint64(maxDownloadSize)
	if avail > 0 && avail < max {
		max = avail
	}
	log.Debugf("fastboot: max-download-size %s", humanize.Bytes(max))
	return Okay, fmt.Sprintf("%d", max)
}
