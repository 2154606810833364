package bootimg_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"kbootd/internal/bootimg"
)

const pageSize = 2048

func buildBootImage(t *testing.T, kernel, ramdisk, dtb []byte) string {
	t.Helper()

	hdr := bootimg.HeaderV2{
		Magic:      [8]byte{'A', 'N', 'D', 'R', 'O', 'I', 'D', '!'},
		KernelSize: uint32(len(kernel)),
		PageSize:   pageSize,
	}
	copy(hdr.Cmdline[:], "console=ttyS0")
	copy(hdr.ExtraCmdline[:], "androidboot.mode=normal")
	hdr.RamdiskSize = uint32(len(ramdisk))
	hdr.DtbSize = uint32(len(dtb))

	buf := new(bytes.Buffer)
	require.NoError(t, binary.Write(buf, binary.LittleEndian, &hdr))
	hdrSize := buf.Len()

	align := func(n, a int) int { return (n + a - 1) / a * a }

	img := make([]byte, pageSize)
	copy(img, buf.Bytes()[:hdrSize])

	offset := pageSize
	img = append(img, kernel...)
	img = append(img, make([]byte, align(len(kernel), pageSize)-len(kernel))...)
	offset += align(len(kernel), pageSize)

	img = append(img, ramdisk...)
	img = append(img, make([]byte, align(len(ramdisk), pageSize)-len(ramdisk))...)
	offset += align(len(ramdisk), pageSize)

	img = append(img, dtb...)
	img = append(img, make([]byte, align(len(dtb), pageSize)-len(dtb))...)

	path := filepath.Join(t.TempDir(), "boot_a.img")
	require.NoError(t, os.WriteFile(path, img, 0o644))
	return path
}

func TestStageExtractsAllSections(t *testing.T) {
	kernel := bytes.Repeat([]byte{0x11}, 5000)
	ramdisk := bytes.Repeat([]byte{0x22}, 3000)
	dtb := bytes.Repeat([]byte{0x33}, 500)

	path := buildBootImage(t, kernel, ramdisk, dtb)
	dir := t.TempDir()

	require.NoError(t, bootimg.Stage(path, dir))

	gotKernel, err := os.ReadFile(dir + "/Image")
	require.NoError(t, err)
	require.Equal(t, kernel, gotKernel)

	gotRamdisk, err := os.ReadFile(dir + "/ramdisk.img")
	require.NoError(t, err)
	require.Equal(t, ramdisk, gotRamdisk)

	gotDtb, err := os.ReadFile(dir + "/dtb.img")
	require.NoError(t, err)
	require.Equal(t, dtb, gotDtb)

	gotCmdline, err := os.ReadFile(dir + "/cmdline")
	require.NoError(t, err)
	require.Equal(t, "console=ttyS0 androidboot.mode=normal", string(gotCmdline))
}

func TestStageRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-boot.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))

	err := bootimg.Stage(path, t.TempDir())
	require.Error(t, err)
}
