package ext2

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// ProgressFunc is the optional callback handed to long-running operations (spec §9 "Long-running
// scans"): invoked with (bytesDone, bytesTotal) as work progresses. A nil ProgressFunc is valid
// and simply means no reporting.
type ProgressFunc func(bytesDone, bytesTotal int64)

// File is the capability surface common to every inode kind, dispatched by tag rather than by
// class hierarchy (spec §9 "Polymorphic file objects"): {Regular, Directory, Symlink, Other}
// share this header and add kind-specific methods on their own concrete type.
type File interface {
	InodeNumber() uint32
	Name() string
	AbsolutePath() string
	Mode() uint16
	ModeString() string
	UID() uint32
	GID() uint32
	Size() uint64
	NumLinks() uint16
	TimeModified() time.Time
	TimeAccessed() time.Time
	TimeCreated() time.Time
	IsDir() bool
	IsRegular() bool
	IsSymlink() bool
}

// fileHeader is the shared state every file-object variant embeds: the owning filesystem handle
// (spec §9 "Global mutable filesystem handle inside file objects" -- passed explicitly here
// rather than looped back through the object), the parsed inode, and the name/path the caller
// discovered it by.
type fileHeader struct {
	fs       *FileSystem
	inode    *inode
	name     string
	fullPath string
}

func (h *fileHeader) InodeNumber() uint32    { return h.inode.number }
func (h *fileHeader) Name() string           { return h.name }
func (h *fileHeader) AbsolutePath() string   { return h.fullPath }
func (h *fileHeader) Mode() uint16           { return h.inode.mode }
func (h *fileHeader) UID() uint32            { return h.inode.uid() }
func (h *fileHeader) GID() uint32            { return h.inode.gid() }
func (h *fileHeader) Size() uint64           { return h.inode.size() }
func (h *fileHeader) NumLinks() uint16       { return h.inode.numLinks }
func (h *fileHeader) TimeModified() time.Time { return h.inode.modifyTime }
func (h *fileHeader) TimeAccessed() time.Time { return h.inode.accessTime }
func (h *fileHeader) TimeCreated() time.Time  { return h.inode.createTime }
func (h *fileHeader) IsDir() bool            { return h.inode.fileType() == fileTypeDirectory }
func (h *fileHeader) IsRegular() bool        { return h.inode.fileType() == fileTypeRegular }
func (h *fileHeader) IsSymlink() bool        { return h.inode.fileType() == fileTypeSymlink }

// ModeString renders permissions the conventional `-rwxr-xr-x` way.
func (h *fileHeader) ModeString() string {
	var kind byte
	switch h.inode.fileType() {
	case fileTypeDirectory:
		kind = 'd'
	case fileTypeSymlink:
		kind = 'l'
	case fileTypeCharDevice:
		kind = 'c'
	case fileTypeBlockDev:
		kind = 'b'
	case fileTypeFIFO:
		kind = 'p'
	case fileTypeSocket:
		kind = 's'
	default:
		kind = '-'
	}
	perm := h.inode.permissions()
	var b strings.Builder
	b.WriteByte(kind)
	rwx := func(bits, special uint16, specialChar byte) string {
		s := []byte("---")
		if bits&0x4 != 0 {
			s[0] = 'r'
		}
		if bits&0x2 != 0 {
			s[1] = 'w'
		}
		switch {
		case bits&0x1 != 0 && special != 0:
			s[2] = specialChar
		case bits&0x1 != 0:
			s[2] = 'x'
		case special != 0:
			s[2] = specialChar - 0x20 // uppercase form when the exec bit is absent
		}
		return string(s)
	}
	setuid := perm & 0x800
	setgid := perm & 0x400
	sticky := perm & 0x200
	b.WriteString(rwx((perm>>6)&0x7, uint16(setuid), 's'))
	b.WriteString(rwx((perm>>3)&0x7, uint16(setgid), 's'))
	b.WriteString(rwx(perm&0x7, uint16(sticky), 't'))
	return b.String()
}

// RegularFile is the Regular variant: a byte stream resolved through the inode's block pointers.
type RegularFile struct {
	fileHeader
}

// Blocks returns a finite, non-restartable iterator over the file's logical blocks, one buffer
// per block, honoring size (the final buffer is truncated to size mod blockSize when non-zero);
// holes yield zero-filled buffers (spec §4.7). progress, if non-nil, is invoked after every block.
func (f *RegularFile) Blocks(progress ProgressFunc) *blockIterator {
	total := int64(f.inode.size())
	return &blockIterator{
		fs:       f.fs,
		in:       f.inode,
		total:    total,
		progress: progress,
	}
}

// blockIterator walks a regular file's logical blocks in order via Next, returning io.EOF once
// size bytes have been produced.
type blockIterator struct {
	fs       *FileSystem
	in       *inode
	total    int64
	done     int64
	index    int
	progress ProgressFunc
}

// Next returns the next block-sized (or final, shorter) buffer, or io.EOF when the file is
// exhausted.
func (it *blockIterator) Next() ([]byte, error) {
	if it.done >= it.total {
		return nil, io.EOF
	}
	blockSize := int64(it.fs.superblock.blockSize)
	remaining := it.total - it.done
	n := blockSize
	if remaining < blockSize {
		n = remaining
	}

	blockID, err := lookupBlockID(it.fs.device, it.fs.superblock, it.in, it.index)
	if err != nil {
		return nil, fmt.Errorf("resolve logical block %d: %w", it.index, err)
	}

	var buf []byte
	if blockID == 0 {
		buf = make([]byte, n)
	} else {
		buf, err = it.fs.device.read(int64(blockID)*blockSize, int(n))
		if err != nil {
			return nil, fmt.Errorf("read logical block %d: %w", it.index, err)
		}
	}

	it.done += n
	it.index++
	if it.progress != nil {
		it.progress(it.done, it.total)
	}
	return buf, nil
}

// Directory is the Directory variant: entry iteration, path lookup, and subdirectory creation.
type Directory struct {
	fileHeader
}

// Files returns one File per live entry (inodeNum != 0), in on-disk order, including "." and
// "..". Grounded on directoryentry.go's readDirectoryBlock walk over the inode's logical blocks.
func (d *Directory) Files() ([]File, error) {
	entries, err := d.listEntries()
	if err != nil {
		return nil, err
	}
	files := make([]File, 0, len(entries))
	for _, e := range entries {
		if e.inodeNum == 0 {
			continue
		}
		childInode, err := readInode(d.fs.device, d.fs.superblock, d.fs.groupDescs, e.inodeNum)
		if err != nil {
			return nil, fmt.Errorf("read inode for entry %q: %w", e.name, err)
		}
		files = append(files, wrapInode(d.fs, childInode, e.name, joinPath(d.fullPath, e.name)))
	}
	return files, nil
}

// listEntries decodes every directory entry across all of the directory's logical blocks.
func (d *Directory) listEntries() ([]*directoryEntry, error) {
	var all []*directoryEntry
	numBlocks := numBlocksUsed(d.fs.superblock, d.inode)
	for i := 0; i < numBlocks; i++ {
		blockID, err := lookupBlockID(d.fs.device, d.fs.superblock, d.inode, i)
		if err != nil {
			return nil, fmt.Errorf("resolve directory block %d: %w", i, err)
		}
		if blockID == 0 {
			continue
		}
		raw, err := d.fs.device.read(int64(blockID)*int64(d.fs.superblock.blockSize), int(d.fs.superblock.blockSize))
		if err != nil {
			return nil, fmt.Errorf("read directory block %d: %w", i, err)
		}
		entries, err := readDirectoryBlock(raw)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	return all, nil
}

// GetFileAt resolves a slash-separated path relative to this directory, per spec §4.8.
func (d *Directory) GetFileAt(relativePath string) (File, error) {
	return resolvePathFrom(d, relativePath)
}

// MakeDirectory creates a new child directory named name, per spec §4.7's makeDirectory recipe.
// uid/gid default to 0 when not supplied via the zero value.
func (d *Directory) MakeDirectory(name string, uid, gid uint32) (*Directory, error) {
	if name == "" || name == "." || name == ".." {
		return nil, fmt.Errorf("%w: invalid directory name %q", ErrUnsupportedOperation, name)
	}
	entries, err := d.listEntries()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.inodeNum != 0 && e.name == name {
			return nil, fmt.Errorf("%w: %q already exists", ErrFileAlreadyExists, name)
		}
	}

	childNum, err := d.fs.allocateInode(0x41ED, uid, gid)
	if err != nil {
		return nil, err
	}
	child, err := readInode(d.fs.device, d.fs.superblock, d.fs.groupDescs, childNum)
	if err != nil {
		return nil, err
	}

	blockID, err := d.fs.allocateBlock(false)
	if err != nil {
		return nil, err
	}
	if err := assignBlockID(d.fs.device, d.fs.superblock, d.fs.groupDescs, child, 0, blockID); err != nil {
		return nil, err
	}
	child.numSectors = d.fs.superblock.blockSize / 512
	child.setSize(uint64(d.fs.superblock.blockSize))

	seed := newDirectoryBlockEntries(childNum, d.inode.number, d.fs.superblock.blockSize)
	raw, err := writeDirectoryBlock(seed, d.fs.superblock.blockSize)
	if err != nil {
		return nil, err
	}
	if err := d.fs.device.write(int64(blockID)*int64(d.fs.superblock.blockSize), raw); err != nil {
		return nil, err
	}

	child.numLinks++ // "." refers to the child itself
	if err := writeInode(d.fs.device, d.fs.superblock, d.fs.groupDescs, child); err != nil {
		return nil, err
	}

	if err := d.appendEntry(name, childNum, direntDir); err != nil {
		return nil, err
	}

	d.inode.numLinks++ // ".." in the new child refers back to this directory
	if err := writeInode(d.fs.device, d.fs.superblock, d.fs.groupDescs, d.inode); err != nil {
		return nil, err
	}

	// allocateInode has already counted the new directory in its group's numDirectories.
	if err := d.fs.writeMetadata(); err != nil {
		return nil, err
	}

	return &Directory{fileHeader{fs: d.fs, inode: child, name: name, fullPath: joinPath(d.fullPath, name)}}, nil
}

// appendEntry adds (name, inodeNum) to this directory's entry list, splitting the last live
// entry's padding or allocating a fresh block per spec §4.6.
func (d *Directory) appendEntry(name string, inodeNum uint32, ft direntFileType) error {
	numBlocks := numBlocksUsed(d.fs.superblock, d.inode)
	for i := 0; i < numBlocks; i++ {
		blockID, err := lookupBlockID(d.fs.device, d.fs.superblock, d.inode, i)
		if err != nil {
			return err
		}
		if blockID == 0 {
			continue
		}
		raw, err := d.fs.device.read(int64(blockID)*int64(d.fs.superblock.blockSize), int(d.fs.superblock.blockSize))
		if err != nil {
			return err
		}
		entries, err := readDirectoryBlock(raw)
		if err != nil {
			return err
		}
		if i == numBlocks-1 {
			updated, ok := appendDirectoryEntry(entries, name, inodeNum, ft)
			if ok {
				out, err := writeDirectoryBlock(updated, d.fs.superblock.blockSize)
				if err != nil {
					return err
				}
				return d.fs.device.write(int64(blockID)*int64(d.fs.superblock.blockSize), out)
			}
		}
	}

	newBlockID, err := d.fs.allocateBlock(false)
	if err != nil {
		return err
	}
	if err := assignBlockID(d.fs.device, d.fs.superblock, d.fs.groupDescs, d.inode, numBlocks, newBlockID); err != nil {
		return err
	}
	entry := &directoryEntry{inodeNum: inodeNum, recLen: uint16(d.fs.superblock.blockSize), fileType: ft, name: name}
	raw, err := writeDirectoryBlock([]*directoryEntry{entry}, d.fs.superblock.blockSize)
	if err != nil {
		return err
	}
	if err := d.fs.device.write(int64(newBlockID)*int64(d.fs.superblock.blockSize), raw); err != nil {
		return err
	}
	d.inode.setSize(d.inode.size() + uint64(d.fs.superblock.blockSize))
	d.inode.numSectors += d.fs.superblock.blockSize / 512
	return writeInode(d.fs.device, d.fs.superblock, d.fs.groupDescs, d.inode)
}

// MakeRegularFile is reserved (spec §4.7): creating regular file content is out of scope for this
// module, matching the Python original's directory.py stub of the same name.
func (d *Directory) MakeRegularFile(name string) (*RegularFile, error) {
	return nil, fmt.Errorf("%w: MakeRegularFile %q", ErrUnsupportedOperation, name)
}

// MakeLink is reserved (spec §4.7): creating a hard or symbolic link to an existing file is out of
// scope for this module, matching the Python original's directory.py stub of the same name.
func (d *Directory) MakeLink(name string, target File, isSymbolic bool) (File, error) {
	return nil, fmt.Errorf("%w: MakeLink %q", ErrUnsupportedOperation, name)
}

// Symlink is the Symlink variant.
type Symlink struct {
	fileHeader
}

// Target returns the link target, inline for size <= 60, otherwise read from logical block 0
// (spec §3 "Symlink").
func (s *Symlink) Target() (string, error) {
	if s.inode.size() <= 60 {
		b := make([]byte, 0, numBlockPointers*4)
		for _, ptr := range s.inode.blocks {
			var word [4]byte
			word[0] = byte(ptr)
			word[1] = byte(ptr >> 8)
			word[2] = byte(ptr >> 16)
			word[3] = byte(ptr >> 24)
			b = append(b, word[:]...)
		}
		return string(b[:s.inode.size()]), nil
	}
	blockID, err := lookupBlockID(s.fs.device, s.fs.superblock, s.inode, 0)
	if err != nil {
		return "", fmt.Errorf("resolve symlink target block: %w", err)
	}
	raw, err := s.fs.device.read(int64(blockID)*int64(s.fs.superblock.blockSize), int(s.inode.size()))
	if err != nil {
		return "", fmt.Errorf("read symlink target: %w", err)
	}
	return string(raw), nil
}

// OtherFile is the Other variant: device nodes, FIFOs, sockets -- anything this module parses
// but does not offer kind-specific behavior for.
type OtherFile struct {
	fileHeader
}

// wrapInode chooses the concrete File variant for in by its mode's file-type nibble, the tagged
// dispatch spec §9 calls for in place of a subclassing factory.
func wrapInode(fs *FileSystem, in *inode, name, fullPath string) File {
	h := fileHeader{fs: fs, inode: in, name: name, fullPath: fullPath}
	switch in.fileType() {
	case fileTypeDirectory:
		return &Directory{h}
	case fileTypeRegular:
		return &RegularFile{h}
	case fileTypeSymlink:
		return &Symlink{h}
	default:
		return &OtherFile{h}
	}
}

func joinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}
