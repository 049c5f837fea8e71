package ext2

import (
	"encoding/binary"
	"fmt"
)

// groupDescriptorSize is the fixed on-disk size of a single BGDT entry, per spec §3.
const groupDescriptorSize = 32

// groupDescriptor is the parsed representation of one BGDT entry (spec §3 "BGDT entry (32 bytes)").
type groupDescriptor struct {
	blockBitmapLocation uint32
	inodeBitmapLocation uint32
	inodeTableLocation  uint32
	numFreeBlocks       uint16
	numFreeInodes       uint16
	numDirectories      uint16
	// padding retains the trailing reserved bytes so a read-modify-write round-trips them
	// unchanged, rather than zeroing fields this module does not understand.
	padding [14]byte
}

func groupDescriptorFromBytes(b []byte) groupDescriptor {
	var gd groupDescriptor
	gd.blockBitmapLocation = binary.LittleEndian.Uint32(b[0x0:0x4])
	gd.inodeBitmapLocation = binary.LittleEndian.Uint32(b[0x4:0x8])
	gd.inodeTableLocation = binary.LittleEndian.Uint32(b[0x8:0xc])
	gd.numFreeBlocks = binary.LittleEndian.Uint16(b[0xc:0xe])
	gd.numFreeInodes = binary.LittleEndian.Uint16(b[0xe:0x10])
	gd.numDirectories = binary.LittleEndian.Uint16(b[0x10:0x12])
	copy(gd.padding[:], b[0x12:0x20])
	return gd
}

func (gd groupDescriptor) toBytes() []byte {
	b := make([]byte, groupDescriptorSize)
	binary.LittleEndian.PutUint32(b[0x0:0x4], gd.blockBitmapLocation)
	binary.LittleEndian.PutUint32(b[0x4:0x8], gd.inodeBitmapLocation)
	binary.LittleEndian.PutUint32(b[0x8:0xc], gd.inodeTableLocation)
	binary.LittleEndian.PutUint16(b[0xc:0xe], gd.numFreeBlocks)
	binary.LittleEndian.PutUint16(b[0xe:0x10], gd.numFreeInodes)
	binary.LittleEndian.PutUint16(b[0x10:0x12], gd.numDirectories)
	copy(b[0x12:0x20], gd.padding[:])
	return b
}

func (gd groupDescriptor) equal(other groupDescriptor) bool {
	return gd.blockBitmapLocation == other.blockBitmapLocation &&
		gd.inodeBitmapLocation == other.inodeBitmapLocation &&
		gd.inodeTableLocation == other.inodeTableLocation &&
		gd.numFreeBlocks == other.numFreeBlocks &&
		gd.numFreeInodes == other.numFreeInodes &&
		gd.numDirectories == other.numDirectories
}

// groupDescriptors is the ordered table of BGDT entries, indexed by group number, per spec §4.3.
type groupDescriptors struct {
	descriptors []groupDescriptor
}

// groupDescriptorsFromBytes parses a contiguous byte range holding numGroups entries.
// Grounded on filesystem/ext4's groupDescriptorsFromBytes, trimmed to the 32-byte ext2 layout
// (no 64-bit hi-fields or checksums; those are ext4-only and out of scope per spec §1).
func groupDescriptorsFromBytes(b []byte, numGroups uint32) (*groupDescriptors, error) {
	need := int(numGroups) * groupDescriptorSize
	if len(b) < need {
		return nil, fmt.Errorf("%w: BGDT data too short: %d bytes, need %d", ErrInvalidImageFormat, len(b), need)
	}
	gdt := &groupDescriptors{descriptors: make([]groupDescriptor, numGroups)}
	for i := uint32(0); i < numGroups; i++ {
		start := int(i) * groupDescriptorSize
		gdt.descriptors[i] = groupDescriptorFromBytes(b[start : start+groupDescriptorSize])
	}
	return gdt, nil
}

func (g *groupDescriptors) toBytes() []byte {
	b := make([]byte, len(g.descriptors)*groupDescriptorSize)
	for i, gd := range g.descriptors {
		copy(b[i*groupDescriptorSize:], gd.toBytes())
	}
	return b
}

func (g *groupDescriptors) equal(other *groupDescriptors) bool {
	if g == nil || other == nil {
		return g == nil && other == nil
	}
	if len(g.descriptors) != len(other.descriptors) {
		return false
	}
	for i := range g.descriptors {
		if !g.descriptors[i].equal(other.descriptors[i]) {
			return false
		}
	}
	return true
}

// gdtByteSize returns the BGDT's on-disk footprint rounded up to a whole number of blocks,
// per spec §4.3: "Its length in bytes is numGroups*32, rounded up to a whole number of blocks."
func gdtByteSize(numGroups uint32, blockSize uint32) uint32 {
	raw := numGroups * groupDescriptorSize
	return ((raw + blockSize - 1) / blockSize) * blockSize
}
