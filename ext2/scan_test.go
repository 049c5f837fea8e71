package ext2

import (
	"strings"
	"testing"
)

func TestScanBlockGroupsCountsFileKinds(t *testing.T) {
	fsHandle, _ := mountTestImage(t)
	defer func() { _ = fsHandle.Unmount() }()

	report, err := fsHandle.ScanBlockGroups(nil)
	if err != nil {
		t.Fatalf("ScanBlockGroups: %v", err)
	}
	if report.NumDirectories != 2 {
		t.Errorf("NumDirectories = %d, want 2 (root + lost+found)", report.NumDirectories)
	}
	if report.NumRegularFiles != 1 {
		t.Errorf("NumRegularFiles = %d, want 1", report.NumRegularFiles)
	}
	if len(report.Groups) != 1 {
		t.Fatalf("expected 1 group in report, got %d", len(report.Groups))
	}
	if report.Groups[0].NumFreeInodes != uint16(fsHandle.superblock.numFreeInodes) {
		t.Errorf("group free inodes = %d, want %d", report.Groups[0].NumFreeInodes, fsHandle.superblock.numFreeInodes)
	}
}

func TestCheckIntegrityCleanImage(t *testing.T) {
	fsHandle, _ := mountTestImage(t)
	defer func() { _ = fsHandle.Unmount() }()

	report, err := fsHandle.CheckIntegrity()
	if err != nil {
		t.Fatalf("CheckIntegrity: %v", err)
	}
	if !report.HasMagicNumber {
		t.Error("expected HasMagicNumber == true")
	}
	if len(report.Messages) != 0 {
		t.Errorf("expected no messages on a clean image, got %v", report.Messages)
	}
}

func TestCheckIntegrityDetectsWildBlock(t *testing.T) {
	fsHandle, _ := mountTestImage(t)
	defer func() { _ = fsHandle.Unmount() }()

	gd := fsHandle.groupDescs.descriptors[0]
	bm, err := readBlockBitmap(fsHandle.device, fsHandle.superblock, gd)
	if err != nil {
		t.Fatalf("readBlockBitmap: %v", err)
	}
	_, bit := groupAndBitForBlock(fsHandle.superblock, testBlockBigFile0)
	if err := bm.Clear(bit); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := writeBlockBitmap(fsHandle.device, fsHandle.superblock, gd, bm); err != nil {
		t.Fatalf("writeBlockBitmap: %v", err)
	}

	report, err := fsHandle.CheckIntegrity()
	if err != nil {
		t.Fatalf("CheckIntegrity: %v", err)
	}
	if len(report.Messages) == 0 {
		t.Fatal("expected a wild-block message, got none")
	}
	found := false
	for _, m := range report.Messages {
		if strings.Contains(m, "bigfile") && strings.Contains(m, "not marked as used") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a message naming bigfile as referencing an unmarked block, got %v", report.Messages)
	}
}
