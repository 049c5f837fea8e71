package ext2

import (
	"encoding/binary"
	"fmt"
	"time"
)

// inode field layout, per spec §3 "Inode (128 bytes, revision 0/1)".
const (
	numDirectBlocks    = 12
	singlyIndirectSlot = 12
	doublyIndirectSlot = 13
	triplyIndirectSlot = 14
	numBlockPointers   = 15
)

// fileType* decode the high nibble of an inode's mode field, per spec §3.
type fileType uint16

const (
	fileTypeFIFO       fileType = 0x1000
	fileTypeCharDevice fileType = 0x2000
	fileTypeDirectory  fileType = 0x4000
	fileTypeBlockDev   fileType = 0x6000
	fileTypeRegular    fileType = 0x8000
	fileTypeSymlink    fileType = 0xA000
	fileTypeSocket     fileType = 0xC000

	fileTypeMask = 0xF000
	permMask     = 0x0FFF
)

// inode is the parsed representation of a single 128-byte inode record.
type inode struct {
	number uint32

	mode       uint16
	uidLow     uint16
	sizeLow    uint32
	accessTime time.Time
	createTime time.Time
	modifyTime time.Time
	deleteTime time.Time
	gidLow     uint16
	numLinks   uint16
	numSectors uint32
	flags      uint32
	osd1       uint32
	blocks     [numBlockPointers]uint32
	generation uint32
	fileACL    uint32
	sizeHigh   uint32 // size-high-32 for regular files (rev1); dirACL for other file types
	fragAddr   uint32

	// high halves of uid/gid, merged in from osd2 per spec §3's "Linux" and "Hurd" notes: read
	// at 0x78/0x7a for creatorOSHurd, at 0x74/0x76 for creatorOSLinux and every other value.
	uidHigh uint16
	gidHigh uint16
}

func (i *inode) fileType() fileType {
	return fileType(i.mode & fileTypeMask)
}

func (i *inode) permissions() uint16 {
	return i.mode & permMask
}

func (i *inode) uid() uint32 {
	return uint32(i.uidHigh)<<16 | uint32(i.uidLow)
}

func (i *inode) gid() uint32 {
	return uint32(i.gidHigh)<<16 | uint32(i.gidLow)
}

func (i *inode) size() uint64 {
	if i.fileType() == fileTypeRegular {
		return uint64(i.sizeHigh)<<32 | uint64(i.sizeLow)
	}
	return uint64(i.sizeLow)
}

func (i *inode) setSize(n uint64) {
	i.sizeLow = uint32(n)
	if i.fileType() == fileTypeRegular {
		i.sizeHigh = uint32(n >> 32)
	}
}

// inodeFromBytes decodes a single inode-sized record. Grounded on filesystem/ext4's
// inodeFromBytes/toBytes pair, trimmed to ext2's flat 15-slot block-pointer array (no extent
// tree) per spec §9's redesign note.
func inodeFromBytes(number uint32, b []byte, creatorOS creatorOS) (*inode, error) {
	if len(b) < 128 {
		return nil, fmt.Errorf("%w: inode record too short: %d bytes", ErrInvalidImageFormat, len(b))
	}
	in := &inode{
		number:     number,
		mode:       binary.LittleEndian.Uint16(b[0x0:0x2]),
		uidLow:     binary.LittleEndian.Uint16(b[0x2:0x4]),
		sizeLow:    binary.LittleEndian.Uint32(b[0x4:0x8]),
		accessTime: time.Unix(int64(binary.LittleEndian.Uint32(b[0x8:0xc])), 0),
		createTime: time.Unix(int64(binary.LittleEndian.Uint32(b[0xc:0x10])), 0),
		modifyTime: time.Unix(int64(binary.LittleEndian.Uint32(b[0x10:0x14])), 0),
		deleteTime: time.Unix(int64(binary.LittleEndian.Uint32(b[0x14:0x18])), 0),
		gidLow:     binary.LittleEndian.Uint16(b[0x18:0x1a]),
		numLinks:   binary.LittleEndian.Uint16(b[0x1a:0x1c]),
		numSectors: binary.LittleEndian.Uint32(b[0x1c:0x20]),
		flags:      binary.LittleEndian.Uint32(b[0x20:0x24]),
		osd1:       binary.LittleEndian.Uint32(b[0x24:0x28]),
	}
	for n := 0; n < numBlockPointers; n++ {
		off := 0x28 + n*4
		in.blocks[n] = binary.LittleEndian.Uint32(b[off : off+4])
	}
	in.generation = binary.LittleEndian.Uint32(b[0x64:0x68])
	in.fileACL = binary.LittleEndian.Uint32(b[0x68:0x6c])
	in.sizeHigh = binary.LittleEndian.Uint32(b[0x6c:0x70])
	in.fragAddr = binary.LittleEndian.Uint32(b[0x70:0x74])

	switch creatorOS {
	case creatorOSHurd:
		in.uidHigh = binary.LittleEndian.Uint16(b[0x78:0x7a])
		in.gidHigh = binary.LittleEndian.Uint16(b[0x7a:0x7c])
	default: // creatorOSLinux and anything else we don't special-case
		in.uidHigh = binary.LittleEndian.Uint16(b[0x74:0x76])
		in.gidHigh = binary.LittleEndian.Uint16(b[0x76:0x78])
	}

	return in, nil
}

func (i *inode) toBytes(creatorOS creatorOS) []byte {
	b := make([]byte, 128)
	binary.LittleEndian.PutUint16(b[0x0:0x2], i.mode)
	binary.LittleEndian.PutUint16(b[0x2:0x4], i.uidLow)
	binary.LittleEndian.PutUint32(b[0x4:0x8], i.sizeLow)
	binary.LittleEndian.PutUint32(b[0x8:0xc], uint32(i.accessTime.Unix()))
	binary.LittleEndian.PutUint32(b[0xc:0x10], uint32(i.createTime.Unix()))
	binary.LittleEndian.PutUint32(b[0x10:0x14], uint32(i.modifyTime.Unix()))
	binary.LittleEndian.PutUint32(b[0x14:0x18], uint32(i.deleteTime.Unix()))
	binary.LittleEndian.PutUint16(b[0x18:0x1a], i.gidLow)
	binary.LittleEndian.PutUint16(b[0x1a:0x1c], i.numLinks)
	binary.LittleEndian.PutUint32(b[0x1c:0x20], i.numSectors)
	binary.LittleEndian.PutUint32(b[0x20:0x24], i.flags)
	binary.LittleEndian.PutUint32(b[0x24:0x28], i.osd1)
	for n := 0; n < numBlockPointers; n++ {
		off := 0x28 + n*4
		binary.LittleEndian.PutUint32(b[off:off+4], i.blocks[n])
	}
	binary.LittleEndian.PutUint32(b[0x64:0x68], i.generation)
	binary.LittleEndian.PutUint32(b[0x68:0x6c], i.fileACL)
	binary.LittleEndian.PutUint32(b[0x6c:0x70], i.sizeHigh)
	binary.LittleEndian.PutUint32(b[0x70:0x74], i.fragAddr)

	switch creatorOS {
	case creatorOSHurd:
		binary.LittleEndian.PutUint16(b[0x78:0x7a], i.uidHigh)
		binary.LittleEndian.PutUint16(b[0x7a:0x7c], i.gidHigh)
	default:
		binary.LittleEndian.PutUint16(b[0x74:0x76], i.uidHigh)
		binary.LittleEndian.PutUint16(b[0x76:0x78], i.gidHigh)
	}

	return b
}

// inodeTablePosition returns the absolute byte offset of inodeNum's record within group g's
// inode table.
func inodeTablePosition(sb *superblock, gd groupDescriptor, inodeNum uint32) int64 {
	_, bit := groupAndBitForInode(sb, inodeNum)
	base := int64(gd.inodeTableLocation) * int64(sb.blockSize)
	return base + int64(bit)*int64(sb.inodeSize)
}

// readInode loads and parses inodeNum's on-disk record.
func readInode(d *device, sb *superblock, gdt *groupDescriptors, inodeNum uint32) (*inode, error) {
	g, _ := groupAndBitForInode(sb, inodeNum)
	if g >= uint32(len(gdt.descriptors)) {
		return nil, fmt.Errorf("%w: inode %d is out of range", ErrFileNotFound, inodeNum)
	}
	gd := gdt.descriptors[g]
	pos := inodeTablePosition(sb, gd, inodeNum)
	raw, err := d.read(pos, int(sb.inodeSize))
	if err != nil {
		return nil, fmt.Errorf("read inode %d: %w", inodeNum, err)
	}
	return inodeFromBytes(inodeNum, raw, sb.creatorOS)
}

// writeInode persists in's fields back to its table slot.
func writeInode(d *device, sb *superblock, gdt *groupDescriptors, in *inode) error {
	g, _ := groupAndBitForInode(sb, in.number)
	if g >= uint32(len(gdt.descriptors)) {
		return fmt.Errorf("%w: inode %d is out of range", ErrInvalidImageFormat, in.number)
	}
	gd := gdt.descriptors[g]
	pos := inodeTablePosition(sb, gd, in.number)
	return d.write(pos, in.toBytes(sb.creatorOS))
}

// pointersPerBlock is how many 4-byte block IDs fit in one block; the fan-out factor for
// single/double/triple indirection (spec §3's "indirect block pointer" notes).
func pointersPerBlock(sb *superblock) int {
	return int(sb.blockSize) / 4
}

// lookupBlockID resolves the i'th (0-based) data block ID of the file, following direct,
// singly-, doubly-, and triply-indirect pointers as spec §4.5 describes. Returns 0 for a hole
// (sparse file) or for an index past any pointer the file has allocated.
func lookupBlockID(d *device, sb *superblock, in *inode, i int) (uint32, error) {
	if i < numDirectBlocks {
		return in.blocks[i], nil
	}
	i -= numDirectBlocks
	ppb := pointersPerBlock(sb)

	if i < ppb {
		return readIndirectPointer(d, sb, in.blocks[singlyIndirectSlot], i)
	}
	i -= ppb

	if i < ppb*ppb {
		level1, err := readIndirectPointer(d, sb, in.blocks[doublyIndirectSlot], i/ppb)
		if err != nil || level1 == 0 {
			return 0, err
		}
		return readIndirectPointer(d, sb, level1, i%ppb)
	}
	i -= ppb * ppb

	if i < ppb*ppb*ppb {
		level1, err := readIndirectPointer(d, sb, in.blocks[triplyIndirectSlot], i/(ppb*ppb))
		if err != nil || level1 == 0 {
			return 0, err
		}
		rem := i % (ppb * ppb)
		level2, err := readIndirectPointer(d, sb, level1, rem/ppb)
		if err != nil || level2 == 0 {
			return 0, err
		}
		return readIndirectPointer(d, sb, level2, rem%ppb)
	}

	return 0, fmt.Errorf("%w: block index %d exceeds triple indirection", ErrUnsupportedOperation, i)
}

// readIndirectPointer reads the j'th 4-byte pointer out of the block addressed by blockID; a
// blockID of 0 means the indirect block itself is unallocated, i.e. a hole.
func readIndirectPointer(d *device, sb *superblock, blockID uint32, j int) (uint32, error) {
	if blockID == 0 {
		return 0, nil
	}
	pos := int64(blockID)*int64(sb.blockSize) + int64(j)*4
	raw, err := d.read(pos, 4)
	if err != nil {
		return 0, fmt.Errorf("read indirect pointer: %w", err)
	}
	return binary.LittleEndian.Uint32(raw), nil
}

// writeIndirectPointer writes the j'th 4-byte pointer into the block addressed by blockID.
func writeIndirectPointer(d *device, sb *superblock, blockID uint32, j int, value uint32) error {
	pos := int64(blockID)*int64(sb.blockSize) + int64(j)*4
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], value)
	return d.write(pos, raw[:])
}

// assignBlockID records newID as the file's i'th (0-based) data block, allocating whatever
// indirect blocks are needed to reach that slot (spec §4.5 "appending a new block"). Newly
// allocated indirect blocks are zero-filled before being linked in, so unused pointer slots
// read back as holes.
func assignBlockID(d *device, sb *superblock, gdt *groupDescriptors, in *inode, i int, newID uint32) error {
	if i < numDirectBlocks {
		in.blocks[i] = newID
		return nil
	}
	i -= numDirectBlocks
	ppb := pointersPerBlock(sb)

	if i < ppb {
		blockID, err := ensureIndirectBlock(d, sb, gdt, &in.blocks[singlyIndirectSlot])
		if err != nil {
			return err
		}
		return writeIndirectPointer(d, sb, blockID, i, newID)
	}
	i -= ppb

	if i < ppb*ppb {
		root, err := ensureIndirectBlock(d, sb, gdt, &in.blocks[doublyIndirectSlot])
		if err != nil {
			return err
		}
		level1Ptr, err := readIndirectPointer(d, sb, root, i/ppb)
		if err != nil {
			return err
		}
		if level1Ptr == 0 {
			level1Ptr, err = allocateZeroedBlock(d, sb, gdt)
			if err != nil {
				return err
			}
			if err := writeIndirectPointer(d, sb, root, i/ppb, level1Ptr); err != nil {
				return err
			}
		}
		return writeIndirectPointer(d, sb, level1Ptr, i%ppb, newID)
	}
	i -= ppb * ppb

	if i < ppb*ppb*ppb {
		root, err := ensureIndirectBlock(d, sb, gdt, &in.blocks[triplyIndirectSlot])
		if err != nil {
			return err
		}
		rem := i % (ppb * ppb)
		level1Ptr, err := readIndirectPointer(d, sb, root, i/(ppb*ppb))
		if err != nil {
			return err
		}
		if level1Ptr == 0 {
			level1Ptr, err = allocateZeroedBlock(d, sb, gdt)
			if err != nil {
				return err
			}
			if err := writeIndirectPointer(d, sb, root, i/(ppb*ppb), level1Ptr); err != nil {
				return err
			}
		}
		level2Ptr, err := readIndirectPointer(d, sb, level1Ptr, rem/ppb)
		if err != nil {
			return err
		}
		if level2Ptr == 0 {
			level2Ptr, err = allocateZeroedBlock(d, sb, gdt)
			if err != nil {
				return err
			}
			if err := writeIndirectPointer(d, sb, level1Ptr, rem/ppb, level2Ptr); err != nil {
				return err
			}
		}
		return writeIndirectPointer(d, sb, level2Ptr, rem%ppb, newID)
	}

	return fmt.Errorf("%w: block index %d exceeds triple indirection", ErrUnsupportedOperation, i)
}

// ensureIndirectBlock returns *slot's value, allocating and zero-filling a fresh block and
// writing the pointer back into *slot if it is currently a hole.
func ensureIndirectBlock(d *device, sb *superblock, gdt *groupDescriptors, slot *uint32) (uint32, error) {
	if *slot != 0 {
		return *slot, nil
	}
	id, err := allocateZeroedBlock(d, sb, gdt)
	if err != nil {
		return 0, err
	}
	*slot = id
	return id, nil
}

func allocateZeroedBlock(d *device, sb *superblock, gdt *groupDescriptors) (uint32, error) {
	id, err := allocateBlockFrom(d, sb, gdt)
	if err != nil {
		return 0, err
	}
	zero := make([]byte, sb.blockSize)
	if err := d.write(int64(id)*int64(sb.blockSize), zero); err != nil {
		return 0, fmt.Errorf("zero-fill new indirect block %d: %w", id, err)
	}
	return id, nil
}

// numBlocksUsed returns how many blocks in' size actually occupies, rounding up.
func numBlocksUsed(sb *superblock, in *inode) int {
	sz := in.size()
	if sz == 0 {
		return 0
	}
	return int((sz + uint64(sb.blockSize) - 1) / uint64(sb.blockSize))
}
