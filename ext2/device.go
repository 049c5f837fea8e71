package ext2

import (
	"fmt"

	"github.com/mf0x00/pyext2/backend"
)

// device is the random-access byte store described by spec §4.1, built directly on top of the
// teacher's backend.Storage contract (fs.File + io.ReaderAt + io.Seeker + io.Closer, plus an
// io.WriterAt escape hatch via Writable()). Every higher layer in this module addresses the
// device in bytes; block-sized I/O is just pos = blockID * blockSize, computed by the caller.
type device struct {
	storage backend.Storage
}

func newDevice(storage backend.Storage) *device {
	return &device{storage: storage}
}

// read returns exactly n bytes read from pos, or ErrTruncated if the device had fewer.
func (d *device) read(pos int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := d.storage.ReadAt(buf, pos)
	if err != nil && read < n {
		return nil, fmt.Errorf("%w: read %d of %d bytes at offset %d: %v", ErrTruncated, read, n, pos, err)
	}
	if read < n {
		return nil, fmt.Errorf("%w: read %d of %d bytes at offset %d", ErrTruncated, read, n, pos)
	}
	return buf, nil
}

// write overwrites bytes in place starting at pos, then flushes.
func (d *device) write(pos int64, b []byte) error {
	w, err := d.storage.Writable()
	if err != nil {
		return fmt.Errorf("device is not writable: %w", err)
	}
	wrote, err := w.WriteAt(b, pos)
	if err != nil {
		return fmt.Errorf("write %d bytes at offset %d: %w", len(b), pos, err)
	}
	if wrote != len(b) {
		return fmt.Errorf("wrote %d of %d bytes at offset %d", wrote, len(b), pos)
	}
	return d.flush()
}

// flush commits pending writes to stable storage. The backend.Storage contract has no Flush/Sync
// method of its own -- most backends (a plain *os.File) write through immediately -- so this
// checks for an optional syncer capability the way backend/file's rawBackend checks for an
// optional *os.File capability via Sys(), and is a no-op otherwise.
func (d *device) flush() error {
	type syncer interface {
		Sync() error
	}
	w, err := d.storage.Writable()
	if err != nil {
		// read-only device: nothing to flush.
		return nil
	}
	if s, ok := w.(syncer); ok {
		return s.Sync()
	}
	return nil
}

// size returns the device's total addressable byte length.
func (d *device) size() (int64, error) {
	info, err := d.storage.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat device: %w", err)
	}
	if n, err := blockDeviceSize(d.storage); err == nil && n > 0 {
		return n, nil
	}
	return info.Size(), nil
}

func (d *device) close() error {
	return d.storage.Close()
}
