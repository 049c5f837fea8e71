package ext2

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mf0x00/pyext2/backend"
	"github.com/mf0x00/pyext2/backend/file"
)

const rootInodeNumber uint32 = 2

// mountState is the facade's lifecycle, per spec §4.9: Unmounted -> Mounted -> Unmounted. Every
// public method requires Mounted; a mount failure always leaves the facade Unmounted with the
// device closed.
type mountState int

const (
	stateUnmounted mountState = iota
	stateMounted
)

// FileSystem is the facade owning the device, superblock, and BGDT (spec §3 "Relationships &
// ownership"). File, Directory, and Symlink handles borrow an *FileSystem and must not outlive
// Unmount.
type FileSystem struct {
	device     *device
	superblock *superblock
	groupDescs *groupDescriptors
	state      mountState
}

// OpenImage opens an existing ext2 disk image (or block device) at path and mounts it. readOnly
// governs whether mutating operations (MakeDirectory, the allocators) are available; it is
// forwarded to the backend/file layer unchanged.
func OpenImage(path string, readOnly bool) (*FileSystem, error) {
	storage, err := file.OpenFromPath(path, readOnly)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return mount(storage)
}

// OpenImageAt opens an ext2 filesystem embedded at byte offset within a larger backing file --
// one partition of a partitioned disk image, typically -- by wrapping the opened storage in a
// backend.SubStorage window of the given size before mounting.
func OpenImageAt(path string, offset, size int64, readOnly bool) (*FileSystem, error) {
	storage, err := file.OpenFromPath(path, readOnly)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return mount(backend.Sub(storage, offset, size))
}

// mount reads the superblock and BGDT off storage and materializes the facade in the Mounted
// state. On any failure the device is closed before the error is returned (spec §4.9).
func mount(storage backend.Storage) (*FileSystem, error) {
	d := newDevice(storage)

	raw, err := d.read(superblockOffset, superblockSize)
	if err != nil {
		_ = d.close()
		return nil, fmt.Errorf("%w: read superblock: %v", ErrInvalidImageFormat, err)
	}
	sb, err := superblockFromBytes(raw)
	if err != nil {
		_ = d.close()
		return nil, err
	}

	gdtPos := int64(sb.firstDataBlock+1) * int64(sb.blockSize)
	gdtRaw, err := d.read(gdtPos, int(gdtByteSize(sb.numGroups, sb.blockSize)))
	if err != nil {
		_ = d.close()
		return nil, fmt.Errorf("%w: read BGDT: %v", ErrInvalidImageFormat, err)
	}
	gdt, err := groupDescriptorsFromBytes(gdtRaw, sb.numGroups)
	if err != nil {
		_ = d.close()
		return nil, err
	}

	return &FileSystem{device: d, superblock: sb, groupDescs: gdt, state: stateMounted}, nil
}

// Unmount writes the superblock and BGDT back (skipped on a read-only device), flushes pending
// writes and closes the device; further operations fail with ErrNotMounted.
func (fs *FileSystem) Unmount() error {
	if fs.state != stateMounted {
		return ErrNotMounted
	}
	if _, err := fs.device.storage.Writable(); err == nil {
		if err := fs.writeMetadata(); err != nil {
			return err
		}
	}
	if err := fs.device.flush(); err != nil {
		return fmt.Errorf("flush on unmount: %w", err)
	}
	if err := fs.device.close(); err != nil {
		return fmt.Errorf("close on unmount: %w", err)
	}
	fs.state = stateUnmounted
	return nil
}

func (fs *FileSystem) requireMounted() error {
	if fs.state != stateMounted {
		return ErrNotMounted
	}
	return nil
}

// writeMetadata persists the in-memory superblock and BGDT (and their backups, where
// copyLocations marks one) back to every copy location, per spec §4.2/§4.3.
func (fs *FileSystem) writeMetadata() error {
	sbBytes := fs.superblock.toBytes()
	gdtBytes := fs.groupDescs.toBytes()
	for g := range fs.groupDescs.descriptors {
		groupNum := uint32(g)
		if !fs.superblock.copyLocations[groupNum] {
			continue
		}
		base := superblockOffset + int64(groupNum)*int64(fs.superblock.numBlocksPerGroup)*int64(fs.superblock.blockSize)
		if err := fs.device.write(base, sbBytes); err != nil {
			return fmt.Errorf("write superblock copy in group %d: %w", groupNum, err)
		}
		gdtPos := int64(fs.superblock.firstDataBlock+groupNum*fs.superblock.numBlocksPerGroup+1) * int64(fs.superblock.blockSize)
		if err := fs.device.write(gdtPos, gdtBytes); err != nil {
			return fmt.Errorf("write BGDT copy in group %d: %w", groupNum, err)
		}
	}
	return nil
}

// RootDirectory returns the root directory handle (inode 2).
func (fs *FileSystem) RootDirectory() (*Directory, error) {
	if err := fs.requireMounted(); err != nil {
		return nil, err
	}
	in, err := readInode(fs.device, fs.superblock, fs.groupDescs, rootInodeNumber)
	if err != nil {
		return nil, fmt.Errorf("read root inode: %w", err)
	}
	return &Directory{fileHeader{fs: fs, inode: in, name: "", fullPath: "/"}}, nil
}

// GetFileAt resolves an absolute path from the root directory, a convenience wrapper around
// RootDirectory().GetFileAt(path).
func (fs *FileSystem) GetFileAt(path string) (File, error) {
	root, err := fs.RootDirectory()
	if err != nil {
		return nil, err
	}
	return root.GetFileAt(path)
}

// TotalSpace is blockSize * numBlocks.
func (fs *FileSystem) TotalSpace() uint64 {
	return uint64(fs.superblock.blockSize) * uint64(fs.superblock.numBlocks)
}

// UsedSpace is blockSize * (numBlocks - numFreeBlocks).
func (fs *FileSystem) UsedSpace() uint64 {
	return uint64(fs.superblock.blockSize) * uint64(fs.superblock.numBlocks-fs.superblock.numFreeBlocks)
}

// FreeSpace is blockSize * numFreeBlocks.
func (fs *FileSystem) FreeSpace() uint64 {
	return uint64(fs.superblock.blockSize) * uint64(fs.superblock.numFreeBlocks)
}

func (fs *FileSystem) BlockSize() uint32      { return fs.superblock.blockSize }
func (fs *FileSystem) NumInodes() uint32      { return fs.superblock.numInodes }
func (fs *FileSystem) NumBlockGroups() uint32 { return fs.superblock.numGroups }
func (fs *FileSystem) FSType() string         { return "EXT2" }

// VolumeUUID returns the rev-1 superblock's volume UUID (s_uuid), the zero UUID on a revision 0
// filesystem that never wrote one.
func (fs *FileSystem) VolumeUUID() uuid.UUID { return fs.superblock.volumeUUID }

// Revision renders the superblock's major.minor revision, e.g. "1.0".
func (fs *FileSystem) Revision() string {
	return fmt.Sprintf("%d.%d", fs.superblock.revisionMajor, fs.superblock.minorRevision)
}

// allocateInode implements spec §4.9's allocateInode recipe: find the first group with a free
// inode bit (honoring firstInode -- reserved inodes in group 0 are never handed out), set it,
// initialize the on-disk record, update both free-inode counters plus numDirectories when
// mode indicates a directory, and write the superblock and BGDT back.
func (fs *FileSystem) allocateInode(mode uint16, uid, gid uint32) (uint32, error) {
	if err := fs.requireMounted(); err != nil {
		return 0, err
	}
	num, err := fs.allocateInodeHonoringReserved()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	in := &inode{
		number:     num,
		mode:       mode,
		uidLow:     uint16(uid),
		gidLow:     uint16(gid),
		accessTime: now,
		createTime: now,
		modifyTime: now,
		numLinks:   0,
	}
	if err := writeInode(fs.device, fs.superblock, fs.groupDescs, in); err != nil {
		return 0, err
	}
	if fileType(mode&fileTypeMask) == fileTypeDirectory {
		g, _ := groupAndBitForInode(fs.superblock, num)
		fs.groupDescs.descriptors[g].numDirectories++
	}
	if err := fs.writeMetadata(); err != nil {
		return 0, err
	}
	return num, nil
}

// allocateInodeHonoringReserved retries allocateInodeFrom until it lands on an inode number
// beyond the reserved range (spec §3's firstInode). Any reserved bit it consumes stays marked
// used while the search goes on, so each retry moves past it, and is freed again on return so
// group free-counters stay correct.
func (fs *FileSystem) allocateInodeHonoringReserved() (uint32, error) {
	var held []uint32
	defer func() {
		for _, n := range held {
			_ = freeInodeAt(fs.device, fs.superblock, fs.groupDescs, n)
		}
	}()
	for {
		num, err := allocateInodeFrom(fs.device, fs.superblock, fs.groupDescs)
		if err != nil {
			return 0, err
		}
		if num >= fs.superblock.firstInode {
			return num, nil
		}
		held = append(held, num)
	}
}

// allocateBlock implements spec §4.9's allocateBlock recipe.
func (fs *FileSystem) allocateBlock(zeroFill bool) (uint32, error) {
	if err := fs.requireMounted(); err != nil {
		return 0, err
	}
	id, err := allocateBlockFrom(fs.device, fs.superblock, fs.groupDescs)
	if err != nil {
		return 0, err
	}
	if zeroFill {
		zero := make([]byte, fs.superblock.blockSize)
		if err := fs.device.write(int64(id)*int64(fs.superblock.blockSize), zero); err != nil {
			return 0, fmt.Errorf("zero-fill new block %d: %w", id, err)
		}
	}
	return id, nil
}

// resolvePathFrom implements spec §4.8: split on runs of '/', trim a trailing empty component,
// and walk from start one component at a time by exact byte-match.
func resolvePathFrom(start *Directory, relativePath string) (File, error) {
	parts := splitPath(relativePath)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrFileNotFound)
	}

	var current File = start
	for _, part := range parts {
		dir, ok := current.(*Directory)
		if !ok {
			return nil, fmt.Errorf("%w: %q is not a directory", ErrFileNotFound, current.Name())
		}
		entries, err := dir.listEntries()
		if err != nil {
			return nil, err
		}
		var next *directoryEntry
		for _, e := range entries {
			if e.inodeNum != 0 && e.name == part {
				next = e
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("%w: %q", ErrFileNotFound, part)
		}
		childInode, err := readInode(dir.fs.device, dir.fs.superblock, dir.fs.groupDescs, next.inodeNum)
		if err != nil {
			return nil, err
		}
		current = wrapInode(dir.fs, childInode, part, joinPath(dir.fullPath, part))
	}
	return current, nil
}

// splitPath splits an absolute or relative path on one-or-more consecutive '/', discarding empty
// components (so "//a///b/" and "/a/b" produce the same part list).
func splitPath(p string) []string {
	fields := strings.FieldsFunc(p, func(r rune) bool { return r == '/' })
	return fields
}

var _ File = (*RegularFile)(nil)
var _ File = (*Directory)(nil)
var _ File = (*Symlink)(nil)
var _ File = (*OtherFile)(nil)
