// Command kbootd is the boot-time daemon for an eMMC-based embedded
// Linux device: it discovers the GPT partition layout, decides between
// staging the Android boot image directly and dropping into an
// interactive fastboot session, and serves fastboot over USB when asked
// to.
package main

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"kbootd/internal/bootimg"
	"kbootd/internal/fastboot"
	"kbootd/internal/gpt"
	"kbootd/internal/partition"
	"kbootd/internal/procutil"
	"kbootd/internal/usbgadget"
)

// revision is stamped at build time via -ldflags.
var revision = "unknown"

const (
	blockPath = "/dev/mmcblk0"

	bootloadersPartition  = "bootloaders"
	rebootToBootloaderBit = 1 << 0

	bootSystemBoot0RO = "/sys/block/mmcblk0boot0/force_ro"
	bootSystemBoot1RO = "/sys/block/mmcblk0boot1/force_ro"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.Infof("revision: %s", revision)

	table, err := partInit()
	if err != nil {
		log.Fatalf("part init failed: %v", err)
	}

	parts := partition.New(blockPath, gpt.NewPartitionMap(blockPath, table.Entries))

	if stopBoot(parts) {
		if err := procutil.Run("console", true); err != nil {
			log.Errorf("start console failed: %v", err)
		}
	} else {
		if err := bootAndroid(parts); err != nil {
			log.Errorf("boot_android failed: %v", err)
		}
		return
	}

	if err := runFastboot(parts); err != nil {
		log.Fatalf("fastboot failed: %v", err)
	}

	log.Info("exit")
}

// partInit waits for the block device to appear, loads its GPT, and
// relaxes the write-protect flag on both eMMC boot partitions so later
// flash commands against mmc0boot0/mmc0boot1 can succeed.
func partInit() (*gpt.Table, error) {
	if !procutil.FileExists(blockPath) {
		if err := procutil.WaitForFile(blockPath); err != nil {
			return nil, errors.Wrap(err, "wait for mmc node")
		}
	}

	table, err := gpt.Load(blockPath)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(bootSystemBoot0RO, []byte("0"), 0); err != nil {
		log.Warnf("cannot enable write access on %s: %v", bootSystemBoot0RO, err)
	}
	if err := os.WriteFile(bootSystemBoot1RO, []byte("0"), 0); err != nil {
		log.Warnf("cannot enable write access on %s: %v", bootSystemBoot1RO, err)
	}

	return table, nil
}

// stopBoot decides whether this boot should stop for fastboot: either
// because the bootloader left a reboot-to-bootloader flag set, or
// because the operator hit a key during the countdown.
func stopBoot(parts *partition.Service) bool {
	if checkRebootBootloaderFlag() {
		log.Info("reboot bootloader flag detected")
		return true
	}
	return procutil.PromptStopBoot()
}

func checkRebootBootloaderFlag() bool {
	attr, err := gpt.ReadAttr(blockPath, bootloadersPartition)
	if err != nil {
		log.Errorf("cannot read attributes from %s: %v", bootloadersPartition, err)
		return false
	}

	if attr&rebootToBootloaderBit == 0 {
		return false
	}

	if err := gpt.WriteAttr(blockPath, bootloadersPartition, attr&^rebootToBootloaderBit); err != nil {
		log.Errorf("cannot write attributes to %s: %v", bootloadersPartition, err)
	}
	return true
}

func bootAndroid(parts *partition.Service) error {
	path := parts.GetPath("boot_a")
	if path == "" {
		return errors.New("cannot find partition: boot_a")
	}
	return bootimg.Stage(path, bootimg.StageDir)
}

func runFastboot(parts *partition.Service) error {
	gadget, err := usbgadget.Open(func() error {
		return procutil.Run("setup_fastboot", false)
	})
	if err != nil {
		return errors.Wrap(err, "fastboot init failed")
	}
	defer gadget.Close()

	server := fastboot.NewServer(gadget, parts, blockPath)
	server.BootAndroid = func() error { return bootAndroid(parts) }
	server.Reboot = func() error { return unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART) }

	return server.Loop()
}
