package ext2

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// superblockSize is the on-disk size of the superblock record, per spec §2/§3. ext2 always
// reserves this much space at absoluteOffset 1024 (and at each backup location), regardless of
// blockSize, even though only a portion of it is used by revision 0 filesystems.
const superblockSize = 1024

// superblockOffset is the fixed absolute byte offset of the primary superblock.
const superblockOffset = 1024

const ext2Magic uint16 = 0xEF53

// creatorOS values recognized by spec §3; anything else is retained but otherwise ignored.
type creatorOS uint32

const (
	creatorOSLinux creatorOS = 0
	creatorOSHurd  creatorOS = 1
)

// revision levels supported, per spec §1 Non-goals.
const (
	revisionGoodOld uint32 = 0
	revisionDynamic uint32 = 1
)

const (
	defaultFirstInodeGoodOld uint32 = 11
	defaultInodeSizeGoodOld  uint16 = 128
)

// featureRoCompatSparseSuper is bit 0x1 of s_feature_ro_compat: when set, superblock/BGDT
// backups are stored only in group 0 and groups that are powers of 3, 5, or 7 (spec §9 Open
// Questions: "Sparse-super detection relies on a feature flag not parsed in the source").
const featureRoCompatSparseSuper uint32 = 0x1

// superblockFeatures holds the three ext2 feature flag words, decoded in full even though this
// module (ext2 revisions 0 and 1 only) inspects just the sparse-super bit today -- mirroring the
// teacher's own habit (filesystem/ext4's superblock parser) of decoding every flag word present
// on disk rather than only the ones the current feature set reads.
type superblockFeatures struct {
	compat   uint32
	incompat uint32
	roCompat uint32
}

func (f superblockFeatures) sparseSuper() bool {
	return f.roCompat&featureRoCompatSparseSuper != 0
}

// superblock is the parsed, cached representation of the filesystem header described in spec §3.
type superblock struct {
	numInodes            uint32
	numBlocks            uint32
	numReservedBlocks    uint32
	numFreeBlocks        uint32
	numFreeInodes        uint32
	firstDataBlock       uint32
	logBlockSize         uint32
	logFragmentSize      uint32
	numBlocksPerGroup    uint32
	numFragmentsPerGroup uint32
	numInodesPerGroup    uint32
	mountTime            time.Time
	writeTime            time.Time
	mountCount           uint16
	maxMountCount        uint16
	magic                uint16
	state                uint16
	errorPolicy          uint16
	minorRevision        uint16
	lastCheckTime        time.Time
	checkInterval        uint32
	creatorOS            creatorOS
	revisionMajor        uint32
	defaultReservedUID   uint16
	defaultReservedGID   uint16

	// revision-1-only fields; zero/default for revisionGoodOld.
	firstInode       uint32
	inodeSize        uint16
	blockGroupNumber uint16
	features         superblockFeatures
	volumeUUID       uuid.UUID
	volumeName       string
	lastMounted      string

	// derived fields, computed once at parse time rather than recomputed on every access.
	blockSize     uint32
	numGroups     uint32
	copyLocations map[uint32]bool
}

// superblockFromBytes parses a 1024-byte (or larger; only the first 1024 bytes are read)
// superblock record, validating the magic number and deriving blockSize/copyLocations/numGroups.
// Grounded on filesystem/ext4's superblockFromBytes decode-then-validate shape.
func superblockFromBytes(b []byte) (*superblock, error) {
	if len(b) < superblockSize {
		return nil, fmt.Errorf("%w: superblock record too short: %d bytes", ErrInvalidImageFormat, len(b))
	}

	magic := binary.LittleEndian.Uint16(b[0x38:0x3a])
	if magic != ext2Magic {
		return nil, fmt.Errorf("%w: bad magic number %#04x, expected %#04x", ErrInvalidImageFormat, magic, ext2Magic)
	}

	sb := &superblock{
		numInodes:            binary.LittleEndian.Uint32(b[0x0:0x4]),
		numBlocks:            binary.LittleEndian.Uint32(b[0x4:0x8]),
		numReservedBlocks:    binary.LittleEndian.Uint32(b[0x8:0xc]),
		numFreeBlocks:        binary.LittleEndian.Uint32(b[0xc:0x10]),
		numFreeInodes:        binary.LittleEndian.Uint32(b[0x10:0x14]),
		firstDataBlock:       binary.LittleEndian.Uint32(b[0x14:0x18]),
		logBlockSize:         binary.LittleEndian.Uint32(b[0x18:0x1c]),
		logFragmentSize:      binary.LittleEndian.Uint32(b[0x1c:0x20]),
		numBlocksPerGroup:    binary.LittleEndian.Uint32(b[0x20:0x24]),
		numFragmentsPerGroup: binary.LittleEndian.Uint32(b[0x24:0x28]),
		numInodesPerGroup:    binary.LittleEndian.Uint32(b[0x28:0x2c]),
		mountTime:            time.Unix(int64(binary.LittleEndian.Uint32(b[0x2c:0x30])), 0),
		writeTime:            time.Unix(int64(binary.LittleEndian.Uint32(b[0x30:0x34])), 0),
		mountCount:           binary.LittleEndian.Uint16(b[0x34:0x36]),
		maxMountCount:        binary.LittleEndian.Uint16(b[0x36:0x38]),
		magic:                magic,
		state:                binary.LittleEndian.Uint16(b[0x3a:0x3c]),
		errorPolicy:          binary.LittleEndian.Uint16(b[0x3c:0x3e]),
		minorRevision:        binary.LittleEndian.Uint16(b[0x3e:0x40]),
		lastCheckTime:        time.Unix(int64(binary.LittleEndian.Uint32(b[0x40:0x44])), 0),
		checkInterval:        binary.LittleEndian.Uint32(b[0x44:0x48]),
		creatorOS:            creatorOS(binary.LittleEndian.Uint32(b[0x48:0x4c])),
		revisionMajor:        binary.LittleEndian.Uint32(b[0x4c:0x50]),
		defaultReservedUID:   binary.LittleEndian.Uint16(b[0x50:0x52]),
		defaultReservedGID:   binary.LittleEndian.Uint16(b[0x52:0x54]),
	}

	switch sb.revisionMajor {
	case revisionGoodOld:
		sb.firstInode = defaultFirstInodeGoodOld
		sb.inodeSize = defaultInodeSizeGoodOld
	case revisionDynamic:
		if len(b) < 0xfe {
			return nil, fmt.Errorf("%w: revision 1 superblock record too short for extended fields", ErrInvalidImageFormat)
		}
		sb.firstInode = binary.LittleEndian.Uint32(b[0x54:0x58])
		sb.inodeSize = binary.LittleEndian.Uint16(b[0x58:0x5a])
		sb.blockGroupNumber = binary.LittleEndian.Uint16(b[0x5a:0x5c])
		sb.features = superblockFeatures{
			compat:   binary.LittleEndian.Uint32(b[0x5c:0x60]),
			incompat: binary.LittleEndian.Uint32(b[0x60:0x64]),
			roCompat: binary.LittleEndian.Uint32(b[0x64:0x68]),
		}
		id, err := uuid.FromBytes(b[0x68:0x78])
		if err != nil {
			return nil, fmt.Errorf("%w: malformed volume uuid: %v", ErrInvalidImageFormat, err)
		}
		sb.volumeUUID = id
		sb.volumeName = cStringTrim(b[0x78:0x88])
		sb.lastMounted = cStringTrim(b[0x88:0xc8])
	default:
		return nil, fmt.Errorf("%w: unsupported revision level %d", ErrInvalidImageFormat, sb.revisionMajor)
	}

	if err := sb.validate(); err != nil {
		return nil, err
	}

	sb.blockSize = 1024 << sb.logBlockSize
	sb.numGroups = computeNumGroups(sb.numBlocks, sb.firstDataBlock, sb.numBlocksPerGroup)
	sb.copyLocations = computeCopyLocations(sb)

	return sb, nil
}

// validate enforces the invariants spec §4.2 requires before any derived field is trusted.
func (sb *superblock) validate() error {
	switch sb.logBlockSize {
	case 0, 1, 2:
	default:
		return fmt.Errorf("%w: logBlockSize %d does not yield a supported block size", ErrInvalidImageFormat, sb.logBlockSize)
	}
	if sb.numBlocksPerGroup == 0 {
		return fmt.Errorf("%w: numBlocksPerGroup is zero", ErrInvalidImageFormat)
	}
	if sb.numInodesPerGroup == 0 || sb.numInodesPerGroup%8 != 0 {
		return fmt.Errorf("%w: numInodesPerGroup %d is not a positive multiple of 8", ErrInvalidImageFormat, sb.numInodesPerGroup)
	}
	if sb.logBlockSize == 0 && sb.firstDataBlock != 1 {
		return fmt.Errorf("%w: firstDataBlock must be 1 when blockSize is 1024", ErrInvalidImageFormat)
	}
	if sb.logBlockSize != 0 && sb.firstDataBlock != 0 {
		return fmt.Errorf("%w: firstDataBlock must be 0 when blockSize is larger than 1024", ErrInvalidImageFormat)
	}
	return nil
}

// computeNumGroups implements spec §3's numGroups = ceil((numBlocks - firstDataBlock) / numBlocksPerGroup).
func computeNumGroups(numBlocks, firstDataBlock, numBlocksPerGroup uint32) uint32 {
	usable := numBlocks - firstDataBlock
	return (usable + numBlocksPerGroup - 1) / numBlocksPerGroup
}

// computeCopyLocations implements spec §4.2's copyLocations policy.
func computeCopyLocations(sb *superblock) map[uint32]bool {
	locs := map[uint32]bool{}
	if sb.revisionMajor == revisionGoodOld || !sb.features.sparseSuper() {
		for g := uint32(0); g < sb.numGroups; g++ {
			locs[g] = true
		}
		return locs
	}
	locs[0] = true
	for _, base := range []uint32{3, 5, 7} {
		for p := base; p < sb.numGroups; p *= base {
			locs[p] = true
		}
	}
	return locs
}

// toBytes re-serializes the superblock into a superblockSize-byte record, for round-trip tests
// and for writing back mutated free counters. Fields this module does not mutate (mount
// counters, check timers, etc.) are re-emitted unchanged from the parsed struct, the same
// round-trip contract filesystem/ext4's (*superblock).toBytes guarantees.
func (sb *superblock) toBytes() []byte {
	b := make([]byte, superblockSize)

	binary.LittleEndian.PutUint32(b[0x0:0x4], sb.numInodes)
	binary.LittleEndian.PutUint32(b[0x4:0x8], sb.numBlocks)
	binary.LittleEndian.PutUint32(b[0x8:0xc], sb.numReservedBlocks)
	binary.LittleEndian.PutUint32(b[0xc:0x10], sb.numFreeBlocks)
	binary.LittleEndian.PutUint32(b[0x10:0x14], sb.numFreeInodes)
	binary.LittleEndian.PutUint32(b[0x14:0x18], sb.firstDataBlock)
	binary.LittleEndian.PutUint32(b[0x18:0x1c], sb.logBlockSize)
	binary.LittleEndian.PutUint32(b[0x1c:0x20], sb.logFragmentSize)
	binary.LittleEndian.PutUint32(b[0x20:0x24], sb.numBlocksPerGroup)
	binary.LittleEndian.PutUint32(b[0x24:0x28], sb.numFragmentsPerGroup)
	binary.LittleEndian.PutUint32(b[0x28:0x2c], sb.numInodesPerGroup)
	binary.LittleEndian.PutUint32(b[0x2c:0x30], uint32(sb.mountTime.Unix()))
	binary.LittleEndian.PutUint32(b[0x30:0x34], uint32(sb.writeTime.Unix()))
	binary.LittleEndian.PutUint16(b[0x34:0x36], sb.mountCount)
	binary.LittleEndian.PutUint16(b[0x36:0x38], sb.maxMountCount)
	binary.LittleEndian.PutUint16(b[0x38:0x3a], sb.magic)
	binary.LittleEndian.PutUint16(b[0x3a:0x3c], sb.state)
	binary.LittleEndian.PutUint16(b[0x3c:0x3e], sb.errorPolicy)
	binary.LittleEndian.PutUint16(b[0x3e:0x40], sb.minorRevision)
	binary.LittleEndian.PutUint32(b[0x40:0x44], uint32(sb.lastCheckTime.Unix()))
	binary.LittleEndian.PutUint32(b[0x44:0x48], sb.checkInterval)
	binary.LittleEndian.PutUint32(b[0x48:0x4c], uint32(sb.creatorOS))
	binary.LittleEndian.PutUint32(b[0x4c:0x50], sb.revisionMajor)
	binary.LittleEndian.PutUint16(b[0x50:0x52], sb.defaultReservedUID)
	binary.LittleEndian.PutUint16(b[0x52:0x54], sb.defaultReservedGID)

	if sb.revisionMajor == revisionDynamic {
		binary.LittleEndian.PutUint32(b[0x54:0x58], sb.firstInode)
		binary.LittleEndian.PutUint16(b[0x58:0x5a], sb.inodeSize)
		binary.LittleEndian.PutUint16(b[0x5a:0x5c], sb.blockGroupNumber)
		binary.LittleEndian.PutUint32(b[0x5c:0x60], sb.features.compat)
		binary.LittleEndian.PutUint32(b[0x60:0x64], sb.features.incompat)
		binary.LittleEndian.PutUint32(b[0x64:0x68], sb.features.roCompat)
		idBytes, _ := sb.volumeUUID.MarshalBinary()
		copy(b[0x68:0x78], idBytes)
		copy(b[0x78:0x88], cStringPad(sb.volumeName, 16))
		copy(b[0x88:0xc8], cStringPad(sb.lastMounted, 64))
	}

	return b
}

// equal compares two superblocks field by field rather than via reflection (spec §9's
// "Reflection-based field comparison" design note), so the integrity scanner's primary-vs-backup
// comparison (spec §4.9 item 3) can report exactly which field differs.
func (sb *superblock) equal(other *superblock) bool {
	if sb == nil || other == nil {
		return sb == nil && other == nil
	}
	for _, d := range superblockFieldDescriptors {
		if d.get(sb) != d.get(other) {
			return false
		}
	}
	return true
}

// superblockFieldDescriptor names a single comparable superblock field and how to read it,
// shared between equal() and the integrity scanner's mismatch reporting.
type superblockFieldDescriptor struct {
	name string
	get  func(*superblock) any
}

var superblockFieldDescriptors = []superblockFieldDescriptor{
	{"numInodes", func(s *superblock) any { return s.numInodes }},
	{"numBlocks", func(s *superblock) any { return s.numBlocks }},
	{"numReservedBlocks", func(s *superblock) any { return s.numReservedBlocks }},
	{"numFreeBlocks", func(s *superblock) any { return s.numFreeBlocks }},
	{"numFreeInodes", func(s *superblock) any { return s.numFreeInodes }},
	{"firstDataBlock", func(s *superblock) any { return s.firstDataBlock }},
	{"logBlockSize", func(s *superblock) any { return s.logBlockSize }},
	{"numBlocksPerGroup", func(s *superblock) any { return s.numBlocksPerGroup }},
	{"numFragmentsPerGroup", func(s *superblock) any { return s.numFragmentsPerGroup }},
	{"numInodesPerGroup", func(s *superblock) any { return s.numInodesPerGroup }},
	{"magic", func(s *superblock) any { return s.magic }},
	{"revisionMajor", func(s *superblock) any { return s.revisionMajor }},
	{"creatorOS", func(s *superblock) any { return s.creatorOS }},
	{"firstInode", func(s *superblock) any { return s.firstInode }},
	{"inodeSize", func(s *superblock) any { return s.inodeSize }},
	{"volumeUUID", func(s *superblock) any { return s.volumeUUID }},
	{"volumeName", func(s *superblock) any { return s.volumeName }},
}

// cStringTrim trims a fixed-width, NUL-padded byte field down to its printable prefix.
func cStringTrim(b []byte) string {
	if i := indexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return strings.TrimRight(string(b), "\x00")
}

func cStringPad(s string, width int) []byte {
	out := make([]byte, width)
	copy(out, s)
	return out
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
