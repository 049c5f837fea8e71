//go:build aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris
// +build aix darwin dragonfly freebsd linux netbsd openbsd solaris

package ext2

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/mf0x00/pyext2/backend"
)

// blkGetSize64 is BLKGETSIZE64: report the size of a block device in bytes, via ioctl.
// Grounded on diskfs.go/disk/disk_unix.go's use of golang.org/x/sys/unix.IoctlGetInt for the
// sibling BLKRRPART/BLKSSZGET ioctls against the same fd.
const blkGetSize64 = 0x80081272

// blockDeviceSize returns the size of storage in bytes if it is backed by a real block device
// (e.g. /dev/sda, not a regular disk-image file), or an error otherwise so the caller falls back
// to Stat().Size().
func blockDeviceSize(storage backend.Storage) (int64, error) {
	info, err := storage.Stat()
	if err != nil {
		return 0, err
	}
	if info.Mode()&os.ModeDevice == 0 {
		return 0, fmt.Errorf("not a block device")
	}
	osFile, err := storage.Sys()
	if err != nil {
		return 0, err
	}
	size, err := unix.IoctlGetUint64(int(osFile.Fd()), blkGetSize64)
	if err != nil {
		return 0, fmt.Errorf("BLKGETSIZE64 ioctl: %w", err)
	}
	return int64(size), nil
}
