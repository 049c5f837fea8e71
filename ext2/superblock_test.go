package ext2

import (
	"testing"

	"github.com/go-test/deep"
)

func TestSuperblockRoundTrip(t *testing.T) {
	fsHandle, _ := mountTestImage(t)
	defer func() { _ = fsHandle.Unmount() }()

	deep.CompareUnexportedFields = true
	b := fsHandle.superblock.toBytes()
	reparsed, err := superblockFromBytes(b)
	if err != nil {
		t.Fatalf("superblockFromBytes() on re-serialized bytes: %v", err)
	}
	if diff := deep.Equal(*fsHandle.superblock, *reparsed); diff != nil {
		t.Errorf("round trip mismatch: %v", diff)
	}
}

func TestSuperblockFromBytesBadMagic(t *testing.T) {
	fsHandle, _ := mountTestImage(t)
	defer func() { _ = fsHandle.Unmount() }()

	b := fsHandle.superblock.toBytes()
	b[0x38] = 0x00
	b[0x39] = 0x00
	if _, err := superblockFromBytes(b); err == nil {
		t.Fatal("expected error for bad magic number, got nil")
	}
}

func TestComputeCopyLocationsSparseSuper(t *testing.T) {
	sb := &superblock{
		revisionMajor:     revisionDynamic,
		numGroups:         30,
		features:           superblockFeatures{roCompat: featureRoCompatSparseSuper},
	}
	locs := computeCopyLocations(sb)
	want := []uint32{0, 3, 5, 7, 9, 25, 27}
	for _, g := range want {
		if !locs[g] {
			t.Errorf("expected group %d to hold a backup, it did not", g)
		}
	}
	if locs[1] || locs[2] || locs[4] {
		t.Errorf("expected groups 1,2,4 to not hold backups")
	}
}

func TestComputeCopyLocationsRevisionZero(t *testing.T) {
	sb := &superblock{revisionMajor: revisionGoodOld, numGroups: 4}
	locs := computeCopyLocations(sb)
	for g := uint32(0); g < 4; g++ {
		if !locs[g] {
			t.Errorf("rev0 should back up every group; group %d missing", g)
		}
	}
}

func TestSuperblockEqual(t *testing.T) {
	fsHandle, _ := mountTestImage(t)
	defer func() { _ = fsHandle.Unmount() }()

	other, err := superblockFromBytes(fsHandle.superblock.toBytes())
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if !fsHandle.superblock.equal(other) {
		t.Error("expected equal superblocks to compare equal")
	}
	other.numFreeBlocks++
	if fsHandle.superblock.equal(other) {
		t.Error("expected differing numFreeBlocks to compare unequal")
	}
}
