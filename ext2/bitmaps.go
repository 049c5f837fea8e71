package ext2

import (
	"fmt"

	"github.com/mf0x00/pyext2/util/bitmap"
)

// inodeBitmapByteSize is the number of meaningful bytes in a group's inode bitmap: a contiguous
// run of numInodesPerGroup/8 bytes, per spec §4.4 (validate() already enforces the /8 divides
// evenly). The bitmap occupies a whole block on disk, but only this prefix is addressable.
func inodeBitmapByteSize(sb *superblock) int {
	return int(sb.numInodesPerGroup) / 8
}

// blockBitmapByteSize is the block-bitmap counterpart; numBlocksPerGroup need not be a multiple
// of 8, so this rounds up (the trailing pad bits, if any, must be pre-marked used by whoever
// built the image, the same convention real ext2 images follow for a group's final partial byte).
func blockBitmapByteSize(sb *superblock) int {
	return int(sb.numBlocksPerGroup+7) / 8
}

// readInodeBitmap loads group g's inode allocation bitmap off disk. Bit i is set when local
// inode index i (0-based) within the group is in use; bit-to-number translation is
// inodeNumberForBit (spec §4.4).
func readInodeBitmap(d *device, sb *superblock, gd groupDescriptor) (*bitmap.Bitmap, error) {
	pos := int64(gd.inodeBitmapLocation) * int64(sb.blockSize)
	raw, err := d.read(pos, inodeBitmapByteSize(sb))
	if err != nil {
		return nil, fmt.Errorf("read inode bitmap: %w", err)
	}
	return bitmap.FromBytes(raw), nil
}

// readBlockBitmap loads group g's block allocation bitmap off disk.
func readBlockBitmap(d *device, sb *superblock, gd groupDescriptor) (*bitmap.Bitmap, error) {
	pos := int64(gd.blockBitmapLocation) * int64(sb.blockSize)
	raw, err := d.read(pos, blockBitmapByteSize(sb))
	if err != nil {
		return nil, fmt.Errorf("read block bitmap: %w", err)
	}
	return bitmap.FromBytes(raw), nil
}

func writeInodeBitmap(d *device, sb *superblock, gd groupDescriptor, bm *bitmap.Bitmap) error {
	pos := int64(gd.inodeBitmapLocation) * int64(sb.blockSize)
	return d.write(pos, bm.ToBytes())
}

func writeBlockBitmap(d *device, sb *superblock, gd groupDescriptor, bm *bitmap.Bitmap) error {
	pos := int64(gd.blockBitmapLocation) * int64(sb.blockSize)
	return d.write(pos, bm.ToBytes())
}

// inodeNumberForBit converts a (group, local bit index) pair into the 1-based global inode
// number spec §4.4 defines: inode# = groupNum*numInodesPerGroup + bitIndex + 1.
func inodeNumberForBit(sb *superblock, groupNum uint32, bitIndex int) uint32 {
	return groupNum*sb.numInodesPerGroup + uint32(bitIndex) + 1
}

// groupAndBitForInode is the inverse of inodeNumberForBit.
func groupAndBitForInode(sb *superblock, inodeNum uint32) (groupNum uint32, bitIndex int) {
	zeroBased := inodeNum - 1
	return zeroBased / sb.numInodesPerGroup, int(zeroBased % sb.numInodesPerGroup)
}

// blockNumberForBit converts a (group, local bit index) pair into the global block number
// spec §4.4 defines: block# = firstDataBlock + groupNum*numBlocksPerGroup + bitIndex.
func blockNumberForBit(sb *superblock, groupNum uint32, bitIndex int) uint32 {
	return sb.firstDataBlock + groupNum*sb.numBlocksPerGroup + uint32(bitIndex)
}

// groupAndBitForBlock is the inverse of blockNumberForBit.
func groupAndBitForBlock(sb *superblock, blockNum uint32) (groupNum uint32, bitIndex int) {
	rel := blockNum - sb.firstDataBlock
	return rel / sb.numBlocksPerGroup, int(rel % sb.numBlocksPerGroup)
}

// allocateInodeFrom scans the groups starting at group 0 for the first free inode bit, marks it
// used on disk, and updates both the group descriptor and superblock free-inode counters
// in-memory (the caller is responsible for persisting sb/gdt, per spec §4.9's ordering
// guarantee: data structures are updated bottom-up, superblock last).
func allocateInodeFrom(d *device, sb *superblock, gdt *groupDescriptors) (uint32, error) {
	for g := uint32(0); g < sb.numGroups; g++ {
		gd := gdt.descriptors[g]
		if gd.numFreeInodes == 0 {
			continue
		}
		bm, err := readInodeBitmap(d, sb, gd)
		if err != nil {
			return 0, err
		}
		bit := bm.FirstFree(0)
		if bit < 0 {
			continue
		}
		if err := bm.Set(bit); err != nil {
			return 0, fmt.Errorf("mark inode bit %d used: %w", bit, err)
		}
		if err := writeInodeBitmap(d, sb, gd, bm); err != nil {
			return 0, err
		}
		gd.numFreeInodes--
		gdt.descriptors[g] = gd
		sb.numFreeInodes--
		return inodeNumberForBit(sb, g, bit), nil
	}
	return 0, fsErrorf(nil, "no free inodes in any block group")
}

// allocateBlockFrom is allocateInodeFrom's block-bitmap counterpart.
func allocateBlockFrom(d *device, sb *superblock, gdt *groupDescriptors) (uint32, error) {
	for g := uint32(0); g < sb.numGroups; g++ {
		gd := gdt.descriptors[g]
		if gd.numFreeBlocks == 0 {
			continue
		}
		bm, err := readBlockBitmap(d, sb, gd)
		if err != nil {
			return 0, err
		}
		bit := bm.FirstFree(0)
		if bit < 0 {
			continue
		}
		if err := bm.Set(bit); err != nil {
			return 0, fmt.Errorf("mark block bit %d used: %w", bit, err)
		}
		if err := writeBlockBitmap(d, sb, gd, bm); err != nil {
			return 0, err
		}
		gd.numFreeBlocks--
		gdt.descriptors[g] = gd
		sb.numFreeBlocks--
		return blockNumberForBit(sb, g, bit), nil
	}
	return 0, fsErrorf(nil, "no free blocks in any block group")
}

// freeInodeAt clears inodeNum's bit and restores the free-inode accounting it consumed.
func freeInodeAt(d *device, sb *superblock, gdt *groupDescriptors, inodeNum uint32) error {
	g, bit := groupAndBitForInode(sb, inodeNum)
	if g >= uint32(len(gdt.descriptors)) {
		return fmt.Errorf("%w: inode %d is out of range", ErrInvalidImageFormat, inodeNum)
	}
	gd := gdt.descriptors[g]
	bm, err := readInodeBitmap(d, sb, gd)
	if err != nil {
		return err
	}
	if err := bm.Clear(bit); err != nil {
		return fmt.Errorf("clear inode bit %d: %w", bit, err)
	}
	if err := writeInodeBitmap(d, sb, gd, bm); err != nil {
		return err
	}
	gd.numFreeInodes++
	gdt.descriptors[g] = gd
	sb.numFreeInodes++
	return nil
}

// freeBlockAt is freeInodeAt's block-bitmap counterpart.
func freeBlockAt(d *device, sb *superblock, gdt *groupDescriptors, blockNum uint32) error {
	g, bit := groupAndBitForBlock(sb, blockNum)
	if g >= uint32(len(gdt.descriptors)) {
		return fmt.Errorf("%w: block %d is out of range", ErrInvalidImageFormat, blockNum)
	}
	gd := gdt.descriptors[g]
	bm, err := readBlockBitmap(d, sb, gd)
	if err != nil {
		return err
	}
	if err := bm.Clear(bit); err != nil {
		return fmt.Errorf("clear block bit %d: %w", bit, err)
	}
	if err := writeBlockBitmap(d, sb, gd, bm); err != nil {
		return err
	}
	gd.numFreeBlocks++
	gdt.descriptors[g] = gd
	sb.numFreeBlocks++
	return nil
}
