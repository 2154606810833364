// Package usbgadget drives the fastboot USB gadget over FunctionFS: it
// writes the function's descriptor and string blobs to ep0, binds the
// configfs gadget to its UDC, and exposes the bulk in/out endpoints as a
// single read/write transport.
package usbgadget

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"kbootd/internal/blockio"
)

const (
	interfaceName = "kbootd"

	ep0Path = "/dev/usb-ffs/fastboot/ep0"
	outPath = "/dev/usb-ffs/fastboot/ep1"
	inPath  = "/dev/usb-ffs/fastboot/ep2"

	udcPath   = "/config/usb_gadget/g1/UDC"
	udcDriver = "11201000.usb"

	// readChunkMax matches the original daemon's FASTBOOT_READ_COUNT: the
	// reasoning behind this particular bulk-transfer cap was never
	// recorded upstream either.
	readChunkMax = 4096 * 15

	maxPacketFS = 64
	maxPacketHS = 512
	maxPacketSS = 1024
	ssMaxBurst  = 15
)

// FunctionFS v2 descriptor flags.
const (
	descMagicV2    = 3
	hasFSDesc      = 1 << 0
	hasHSDesc      = 1 << 1
	hasSSDesc      = 1 << 2
	stringsMagic   = 2
	descEndpointSz = 7
)

// USB descriptor type/class constants used by the fastboot interface.
const (
	dtInterface      = 0x04
	dtEndpoint       = 0x05
	dtSSEndpointComp = 0x30

	classVendorSpec = 0xff
	subclass        = 66
	protocol        = 3

	epOut     = 1 | 0x00
	epIn      = 1 | 0x80
	xferBulk  = 0x02
	nEndpoint = 2
)

type interfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	IInterface        uint8
}

type endpointDescriptor struct {
	Length         uint8
	DescriptorType uint8
	EndpointAddr   uint8
	Attributes     uint8
	MaxPacketSize  uint16
	Interval       uint8
}

type ssEndpointComp struct {
	Length         uint8
	DescriptorType uint8
	MaxBurst       uint8
	Attributes     uint8
	BytesPerInterval uint16
}

func newInterfaceDesc() interfaceDescriptor {
	return interfaceDescriptor{
		Length:            9,
		DescriptorType:    dtInterface,
		NumEndpoints:      nEndpoint,
		InterfaceClass:    classVendorSpec,
		InterfaceSubClass: subclass,
		InterfaceProtocol: protocol,
		IInterface:        1,
	}
}

func newEndpointDesc(addr uint8, maxPacket uint16) endpointDescriptor {
	return endpointDescriptor{
		Length:         descEndpointSz,
		DescriptorType: dtEndpoint,
		EndpointAddr:   addr,
		Attributes:     xferBulk,
		MaxPacketSize:  maxPacket,
	}
}

func newSSEndpointComp() ssEndpointComp {
	return ssEndpointComp{
		Length:         6,
		DescriptorType: dtSSEndpointComp,
		MaxBurst:       ssMaxBurst,
	}
}

type fsHsFuncDesc struct {
	Intf   interfaceDescriptor
	Source endpointDescriptor
	Sink   endpointDescriptor
}

type ssFuncDesc struct {
	Intf       interfaceDescriptor
	Source     endpointDescriptor
	SourceComp ssEndpointComp
	Sink       endpointDescriptor
	SinkComp   ssEndpointComp
}

type descHeaderV2 struct {
	Magic  uint32
	Length uint32
	Flags  uint32
}

func buildDescriptorsV2() []byte {
	fs := fsHsFuncDesc{
		Intf:   newInterfaceDesc(),
		Source: newEndpointDesc(epOut, maxPacketFS),
		Sink:   newEndpointDesc(epIn, maxPacketFS),
	}
	hs := fsHsFuncDesc{
		Intf:   newInterfaceDesc(),
		Source: newEndpointDesc(epOut, maxPacketHS),
		Sink:   newEndpointDesc(epIn, maxPacketHS),
	}
	ss := ssFuncDesc{
		Intf:       newInterfaceDesc(),
		Source:     newEndpointDesc(epOut, maxPacketSS),
		SourceComp: newSSEndpointComp(),
		Sink:       newEndpointDesc(epIn, maxPacketSS),
		SinkComp:   newSSEndpointComp(),
	}

	body := new(bytes.Buffer)
	binary.Write(body, binary.LittleEndian, uint32(3)) // fs_count
	binary.Write(body, binary.LittleEndian, uint32(3)) // hs_count
	binary.Write(body, binary.LittleEndian, uint32(5)) // ss_count
	binary.Write(body, binary.LittleEndian, &fs)
	binary.Write(body, binary.LittleEndian, &hs)
	binary.Write(body, binary.LittleEndian, &ss)

	head := descHeaderV2{
		Magic:  descMagicV2,
		Length: uint32(12 + body.Len()),
		Flags:  hasFSDesc | hasHSDesc | hasSSDesc,
	}

	out := new(bytes.Buffer)
	binary.Write(out, binary.LittleEndian, &head)
	out.Write(body.Bytes())
	return out.Bytes()
}

func buildStrings() []byte {
	name := []byte(interfaceName + "\x00")

	body := new(bytes.Buffer)
	binary.Write(body, binary.LittleEndian, uint16(0x0409)) // en-us
	body.Write(name)

	total := 16 + body.Len()

	out := new(bytes.Buffer)
	binary.Write(out, binary.LittleEndian, uint32(stringsMagic))
	binary.Write(out, binary.LittleEndian, uint32(total))
	binary.Write(out, binary.LittleEndian, uint32(1)) // str_count
	binary.Write(out, binary.LittleEndian, uint32(1)) // lang_count
	out.Write(body.Bytes())
	return out.Bytes()
}

// Gadget is the bound fastboot FunctionFS transport.
type Gadget struct {
	ep0 *os.File
	in  *os.File
	out *os.File
}

// Open writes the descriptor/string blobs to ep0, binds the UDC, then
// opens the bulk in/out endpoints. It runs setup_fastboot first, the way
// the original daemon prepares the configfs gadget before touching
// FunctionFS.
func Open(runSetup func() error) (*Gadget, error) {
	if runSetup != nil {
		if err := runSetup(); err != nil {
			return nil, errors.Wrap(err, "run setup_fastboot")
		}
	}

	ep0, err := os.OpenFile(ep0Path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", ep0Path)
	}

	if err := blockio.WriteFull(ep0, buildDescriptorsV2()); err != nil {
		ep0.Close()
		return nil, errors.Wrap(err, "write usb descriptors")
	}
	if err := blockio.WriteFull(ep0, buildStrings()); err != nil {
		ep0.Close()
		return nil, errors.Wrap(err, "write usb strings")
	}

	if err := os.WriteFile(udcPath, []byte(udcDriver), 0o644); err != nil {
		ep0.Close()
		return nil, errors.Wrap(err, "bind UDC")
	}

	in, err := os.OpenFile(inPath, os.O_WRONLY, 0)
	if err != nil {
		ep0.Close()
		return nil, errors.Wrapf(err, "open %s", inPath)
	}

	out, err := os.OpenFile(outPath, os.O_RDONLY, 0)
	if err != nil {
		ep0.Close()
		in.Close()
		return nil, errors.Wrapf(err, "open %s", outPath)
	}

	log.Info("usbgadget: fastboot function bound")
	return &Gadget{ep0: ep0, in: in, out: out}, nil
}

// Write sends buffer on the IN endpoint.
func (g *Gadget) Write(buffer []byte) error {
	return blockio.WriteFull(g.in, buffer)
}

// Read issues a single read on the OUT endpoint and returns the number
// of bytes received, mirroring the original's unbounded fastboot_read
// used for command frames.
func (g *Gadget) Read(buffer []byte) (int, error) {
	n, err := g.out.Read(buffer)
	if err != nil {
		return 0, errors.Wrap(err, "read failed")
	}
	return n, nil
}

// ReadFull reads exactly len(buffer) bytes from the OUT endpoint, in
// chunks no larger than readChunkMax, for bulk data-phase downloads.
func (g *Gadget) ReadFull(buffer []byte) error {
	return blockio.ReadChunked(g.out, buffer, readChunkMax)
}

// Close releases the ep0 control handle and both bulk endpoints.
func (g *Gadget) Close() error {
	err := g.ep0.Close()
	if e := g.in.Close(); err == nil {
		err = e
	}
	if e := g.out.Close(); err == nil {
		err = e
	}
	return err
}
