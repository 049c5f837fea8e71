//go:build !aix && !darwin && !dragonfly && !freebsd && !linux && !netbsd && !openbsd && !solaris
// +build !aix,!darwin,!dragonfly,!freebsd,!linux,!netbsd,!openbsd,!solaris

package ext2

import (
	"fmt"

	"github.com/mf0x00/pyext2/backend"
)

// blockDeviceSize has no ioctl-based implementation on this platform; the caller always falls
// back to Stat().Size(), which is correct for disk-image files (the common case everywhere).
func blockDeviceSize(storage backend.Storage) (int64, error) {
	return 0, fmt.Errorf("block device size detection not supported on this platform")
}
