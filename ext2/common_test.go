package ext2

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mf0x00/pyext2/backend"
	"github.com/mf0x00/pyext2/util/bitmap"
)

// memStorage is a backend.Storage over an in-memory byte slice: a self-contained test double so
// this package's tests never need a real disk image built by mke2fs/debugfs, per the "hand-built
// fixture, no external tools" approach this module's test tooling takes.
type memStorage struct {
	buf []byte
}

func newMemStorage(size int) *memStorage {
	return &memStorage{buf: make([]byte, size)}
}

type memFileInfo struct{ size int64 }

func (i memFileInfo) Name() string       { return "memstorage" }
func (i memFileInfo) Size() int64        { return i.size }
func (i memFileInfo) Mode() fs.FileMode  { return 0o600 }
func (i memFileInfo) ModTime() time.Time { return time.Time{} }
func (i memFileInfo) IsDir() bool        { return false }
func (i memFileInfo) Sys() any           { return nil }

func (m *memStorage) Stat() (fs.FileInfo, error) { return memFileInfo{size: int64(len(m.buf))}, nil }
func (m *memStorage) Read(b []byte) (int, error) { return 0, io.EOF }
func (m *memStorage) Close() error                { return nil }

func (m *memStorage) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) > len(m.buf) {
		return 0, fmt.Errorf("offset %d out of range", off)
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (m *memStorage) WriteAt(p []byte, off int64) (int, error) {
	end := int(off) + len(p)
	if off < 0 || end > len(m.buf) {
		return 0, fmt.Errorf("write at %d of length %d out of range", off, len(p))
	}
	copy(m.buf[off:end], p)
	return len(p), nil
}

func (m *memStorage) Seek(offset int64, whence int) (int64, error) { return offset, nil }
func (m *memStorage) Sys() (*os.File, error)                       { return nil, backend.ErrNotSuitable }
func (m *memStorage) Writable() (backend.WritableFile, error)      { return m, nil }

var (
	_ backend.Storage      = (*memStorage)(nil)
	_ backend.WritableFile = (*memStorage)(nil)
)

// testImage is a small, fully-populated rev-1 ext2 image used across this package's tests:
// blockSize=1024, a single 1024-block group, root directory (2) with a lost+found (11)
// subdirectory, and a 2500-byte regular file "bigfile" (12) with known content.
type testImage struct {
	storage    *memStorage
	blockSize  uint32
	bigFileContent []byte
}

const (
	testNumBlocks         = 1024
	testNumBlocksPerGroup = 1024
	testNumInodesPerGroup = 128
	testBlockSize         = 1024
	testFirstDataBlock    = 1

	testBlockBoot       = 0
	testBlockSuperblock = 1
	testBlockGDT        = 2
	testBlockBlockBmp   = 3
	testBlockInodeBmp   = 4
	testBlockInodeTable = 5 // 128 inodes * 128 bytes / 1024 bytes-per-block = 16 blocks
	testNumInodeTableBlocks = (testNumInodesPerGroup * 128) / testBlockSize

	testBlockRootDir  = testBlockInodeTable + testNumInodeTableBlocks // 21
	testBlockLostDir  = testBlockRootDir + 1                         // 22
	testBlockBigFile0 = testBlockLostDir + 1                         // 23
	testBlockBigFile1 = testBlockBigFile0 + 1                        // 24
	testBlockBigFile2 = testBlockBigFile1 + 1                        // 25

	testInodeRoot     = 2
	testInodeLostFound = 11
	testInodeBigFile  = 12

	testBigFileSize = 2500
)

// buildTestImage constructs testImage's full byte layout by driving this package's own codec
// functions (superblock.toBytes, groupDescriptor.toBytes, inode.toBytes, writeDirectoryBlock),
// the same round-trip machinery the production code uses, rather than hand-written byte
// literals.
func buildTestImage(t interface{ Fatalf(string, ...any) }) *testImage {
	storage := newMemStorage(testNumBlocks * testBlockSize)
	now := time.Unix(1700000000, 0)

	sb := &superblock{
		numInodes:            testNumInodesPerGroup,
		numBlocks:            testNumBlocks,
		numReservedBlocks:    0,
		numFreeBlocks:        testNumBlocks - (testBlockBigFile2 + 1),
		numFreeInodes:        testNumInodesPerGroup - testInodeBigFile,
		firstDataBlock:       testFirstDataBlock,
		logBlockSize:         0,
		numBlocksPerGroup:    testNumBlocksPerGroup,
		numFragmentsPerGroup: testNumBlocksPerGroup,
		numInodesPerGroup:    testNumInodesPerGroup,
		mountTime:            now,
		writeTime:            now,
		magic:                ext2Magic,
		state:                1,
		minorRevision:        0,
		lastCheckTime:        now,
		creatorOS:            creatorOSLinux,
		revisionMajor:        revisionDynamic,
		firstInode:           defaultFirstInodeGoodOld,
		inodeSize:            defaultInodeSizeGoodOld,
		volumeUUID:           uuid.Must(uuid.Parse("00000000-0000-0000-0000-000000000001")),
		volumeName:           "test",
		lastMounted:          "/",
		features:             superblockFeatures{},
	}
	sb.blockSize = testBlockSize
	sb.numGroups = computeNumGroups(sb.numBlocks, sb.firstDataBlock, sb.numBlocksPerGroup)
	sb.copyLocations = computeCopyLocations(sb)

	gd := groupDescriptor{
		blockBitmapLocation: testBlockBlockBmp,
		inodeBitmapLocation: testBlockInodeBmp,
		inodeTableLocation:  testBlockInodeTable,
		numFreeBlocks:       uint16(sb.numFreeBlocks),
		numFreeInodes:       uint16(sb.numFreeInodes),
		numDirectories:      2, // root + lost+found
	}
	gdt := &groupDescriptors{descriptors: []groupDescriptor{gd}}

	if err := storage.WriteAtCheck(sb.toBytes(), superblockOffset); err != nil {
		t.Fatalf("write superblock: %v", err)
	}
	if err := storage.WriteAtCheck(gdt.toBytes(), int64(testBlockGDT)*testBlockSize); err != nil {
		t.Fatalf("write gdt: %v", err)
	}

	inodeBmp := bitmap.NewBits(testNumInodesPerGroup)
	for n := uint32(1); n < sb.firstInode; n++ {
		_ = inodeBmp.Set(int(n - 1))
	}
	_ = inodeBmp.Set(testInodeLostFound - 1)
	_ = inodeBmp.Set(testInodeBigFile - 1)
	if err := storage.WriteAtCheck(inodeBmp.ToBytes(), int64(testBlockInodeBmp)*testBlockSize); err != nil {
		t.Fatalf("write inode bitmap: %v", err)
	}

	blockBmp := bitmap.NewBits(testNumBlocksPerGroup)
	for b := testFirstDataBlock; b <= testBlockBigFile2; b++ {
		_ = blockBmp.Set(b - testFirstDataBlock)
	}
	// numBlocksPerGroup (1024) covers one more bit than the device actually has blocks for
	// (firstDataBlock=1 means local bit 1023 addresses block 1024, past numBlocks=1024's
	// valid range of 0..1023); mark it used so allocateBlock can never hand it out, the same
	// convention a real mkfs follows for a group's unused trailing bits.
	_ = blockBmp.Set(testNumBlocksPerGroup - 1)
	if err := storage.WriteAtCheck(blockBmp.ToBytes(), int64(testBlockBlockBmp)*testBlockSize); err != nil {
		t.Fatalf("write block bitmap: %v", err)
	}

	rootInode := &inode{
		number:   testInodeRoot,
		mode:     uint16(fileTypeDirectory) | 0o755,
		numLinks: 3,
	}
	rootInode.setSize(testBlockSize)
	rootInode.blocks[0] = testBlockRootDir
	rootInode.numSectors = testBlockSize / 512
	rootInode.accessTime, rootInode.createTime, rootInode.modifyTime = now, now, now

	lfInode := &inode{
		number:   testInodeLostFound,
		mode:     uint16(fileTypeDirectory) | 0o755,
		numLinks: 2,
	}
	lfInode.setSize(testBlockSize)
	lfInode.blocks[0] = testBlockLostDir
	lfInode.numSectors = testBlockSize / 512
	lfInode.accessTime, lfInode.createTime, lfInode.modifyTime = now, now, now

	bigFileContent := make([]byte, testBigFileSize)
	for i := range bigFileContent {
		bigFileContent[i] = byte(i % 251)
	}
	bigInode := &inode{
		number:   testInodeBigFile,
		mode:     uint16(fileTypeRegular) | 0o644,
		numLinks: 1,
	}
	bigInode.setSize(testBigFileSize)
	bigInode.blocks[0] = testBlockBigFile0
	bigInode.blocks[1] = testBlockBigFile1
	bigInode.blocks[2] = testBlockBigFile2
	bigInode.numSectors = 3 * testBlockSize / 512
	bigInode.accessTime, bigInode.createTime, bigInode.modifyTime = now, now, now

	for _, in := range []*inode{rootInode, lfInode, bigInode} {
		g, _ := groupAndBitForInode(sb, in.number)
		pos := inodeTablePosition(sb, gdt.descriptors[g], in.number)
		if err := storage.WriteAtCheck(in.toBytes(sb.creatorOS), pos); err != nil {
			t.Fatalf("write inode %d: %v", in.number, err)
		}
	}

	rootEntries := []*directoryEntry{
		{inodeNum: testInodeRoot, recLen: minRecLen("."), fileType: direntDir, name: "."},
		{inodeNum: testInodeRoot, recLen: minRecLen(".."), fileType: direntDir, name: ".."},
		{inodeNum: testInodeLostFound, recLen: minRecLen("lost+found"), fileType: direntDir, name: "lost+found"},
		{inodeNum: testInodeBigFile, recLen: 0, fileType: direntRegular, name: "bigfile"},
	}
	// stretch the final entry to consume the block, per the record-length invariant.
	rootBytes, err := writeDirectoryBlock(rootEntries, testBlockSize)
	if err != nil {
		t.Fatalf("pack root directory block: %v", err)
	}
	if err := storage.WriteAtCheck(rootBytes, int64(testBlockRootDir)*testBlockSize); err != nil {
		t.Fatalf("write root directory block: %v", err)
	}

	lfEntries := []*directoryEntry{
		{inodeNum: testInodeLostFound, recLen: minRecLen("."), fileType: direntDir, name: "."},
		{inodeNum: testInodeRoot, recLen: 0, fileType: direntDir, name: ".."},
	}
	lfBytes, err := writeDirectoryBlock(lfEntries, testBlockSize)
	if err != nil {
		t.Fatalf("pack lost+found directory block: %v", err)
	}
	if err := storage.WriteAtCheck(lfBytes, int64(testBlockLostDir)*testBlockSize); err != nil {
		t.Fatalf("write lost+found directory block: %v", err)
	}

	for i, blockNum := range []int{testBlockBigFile0, testBlockBigFile1, testBlockBigFile2} {
		start := i * testBlockSize
		end := start + testBlockSize
		if end > len(bigFileContent) {
			end = len(bigFileContent)
		}
		chunk := make([]byte, testBlockSize)
		copy(chunk, bigFileContent[start:end])
		if err := storage.WriteAtCheck(chunk, int64(blockNum)*testBlockSize); err != nil {
			t.Fatalf("write bigfile block %d: %v", blockNum, err)
		}
	}

	return &testImage{storage: storage, blockSize: testBlockSize, bigFileContent: bigFileContent}
}

// WriteAtCheck is a convenience wrapper so the builder above can treat every write uniformly.
func (m *memStorage) WriteAtCheck(b []byte, pos int64) error {
	_, err := m.WriteAt(b, pos)
	return err
}

func mountTestImage(t interface {
	Fatalf(string, ...any)
}) (*FileSystem, *testImage) {
	img := buildTestImage(t)
	fs, err := mount(img.storage)
	if err != nil {
		t.Fatalf("mount test image: %v", err)
	}
	return fs, img
}
