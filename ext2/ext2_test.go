package ext2

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestMountAndIdentify(t *testing.T) {
	fsHandle, _ := mountTestImage(t)
	defer func() { _ = fsHandle.Unmount() }()

	if fsHandle.FSType() != "EXT2" {
		t.Errorf("FSType() = %q, want EXT2", fsHandle.FSType())
	}
	if got := fsHandle.Revision(); got != "1.0" {
		t.Errorf("Revision() = %q, want 1.0", got)
	}
	if fsHandle.TotalSpace() != 1048576 {
		t.Errorf("TotalSpace() = %d, want 1048576", fsHandle.TotalSpace())
	}
	if fsHandle.NumBlockGroups() != 1 {
		t.Errorf("NumBlockGroups() = %d, want 1", fsHandle.NumBlockGroups())
	}
	if fsHandle.UsedSpace()+fsHandle.FreeSpace() != fsHandle.TotalSpace() {
		t.Errorf("usedSpace + freeSpace != totalSpace")
	}
}

func TestRootListing(t *testing.T) {
	fsHandle, _ := mountTestImage(t)
	defer func() { _ = fsHandle.Unmount() }()

	root, err := fsHandle.RootDirectory()
	if err != nil {
		t.Fatalf("RootDirectory: %v", err)
	}
	files, err := root.Files()
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	wantNames := map[string]bool{".": true, "..": true, "lost+found": true, "bigfile": true}
	seen := map[string]bool{}
	for _, f := range files {
		seen[f.Name()] = true
		if f.InodeNumber() == 0 {
			t.Errorf("entry %q has inode number 0", f.Name())
		}
	}
	for name := range wantNames {
		if !seen[name] {
			t.Errorf("expected root listing to include %q", name)
		}
	}
}

func TestPathLookup(t *testing.T) {
	fsHandle, _ := mountTestImage(t)
	defer func() { _ = fsHandle.Unmount() }()

	f, err := fsHandle.GetFileAt("/lost+found")
	if err != nil {
		t.Fatalf("GetFileAt(/lost+found): %v", err)
	}
	if !f.IsDir() {
		t.Error("expected /lost+found to be a directory")
	}

	if _, err := fsHandle.GetFileAt("/nope"); err == nil {
		t.Fatal("expected FileNotFound for /nope")
	}
}

func TestPathLookupIgnoresRepeatedSlashes(t *testing.T) {
	fsHandle, _ := mountTestImage(t)
	defer func() { _ = fsHandle.Unmount() }()

	a, err := fsHandle.GetFileAt("/lost+found")
	if err != nil {
		t.Fatalf("GetFileAt(/lost+found): %v", err)
	}
	b, err := fsHandle.GetFileAt("//lost+found///")
	if err != nil {
		t.Fatalf("GetFileAt(//lost+found///): %v", err)
	}
	if a.InodeNumber() != b.InodeNumber() {
		t.Errorf("expected equivalent resolution, got inodes %d and %d", a.InodeNumber(), b.InodeNumber())
	}
}

func TestReadRegularFileBlocks(t *testing.T) {
	fsHandle, img := mountTestImage(t)
	defer func() { _ = fsHandle.Unmount() }()

	f, err := fsHandle.GetFileAt("/bigfile")
	if err != nil {
		t.Fatalf("GetFileAt(/bigfile): %v", err)
	}
	rf, ok := f.(*RegularFile)
	if !ok {
		t.Fatalf("expected a *RegularFile, got %T", f)
	}

	var lengths []int
	var all bytes.Buffer
	it := rf.Blocks(nil)
	for {
		buf, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Blocks().Next(): %v", err)
		}
		lengths = append(lengths, len(buf))
		all.Write(buf)
	}
	wantLengths := []int{1024, 1024, 452}
	if len(lengths) != len(wantLengths) {
		t.Fatalf("got %d blocks, want %d", len(lengths), len(wantLengths))
	}
	for i, l := range wantLengths {
		if lengths[i] != l {
			t.Errorf("block %d length = %d, want %d", i, lengths[i], l)
		}
	}
	if !bytes.Equal(all.Bytes(), img.bigFileContent) {
		t.Error("concatenated block content does not match reference content")
	}
}

func TestMakeDirectoryCreatesDotEntries(t *testing.T) {
	fsHandle, _ := mountTestImage(t)
	defer func() { _ = fsHandle.Unmount() }()

	root, err := fsHandle.RootDirectory()
	if err != nil {
		t.Fatalf("RootDirectory: %v", err)
	}
	newDir, err := root.MakeDirectory("new", 0, 0)
	if err != nil {
		t.Fatalf("MakeDirectory: %v", err)
	}

	again, err := fsHandle.GetFileAt("/new")
	if err != nil {
		t.Fatalf("GetFileAt(/new): %v", err)
	}
	dir, ok := again.(*Directory)
	if !ok {
		t.Fatalf("expected a *Directory, got %T", again)
	}
	files, err := dir.Files()
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected exactly 2 entries in a fresh directory, got %d", len(files))
	}
	for _, f := range files {
		switch f.Name() {
		case ".":
			if f.InodeNumber() != newDir.InodeNumber() {
				t.Errorf(". inode = %d, want %d", f.InodeNumber(), newDir.InodeNumber())
			}
		case "..":
			if f.InodeNumber() != root.InodeNumber() {
				t.Errorf(".. inode = %d, want %d", f.InodeNumber(), root.InodeNumber())
			}
		default:
			t.Errorf("unexpected entry %q", f.Name())
		}
	}
}

func TestMakeDirectoryRejectsDuplicateName(t *testing.T) {
	fsHandle, _ := mountTestImage(t)
	defer func() { _ = fsHandle.Unmount() }()

	root, err := fsHandle.RootDirectory()
	if err != nil {
		t.Fatalf("RootDirectory: %v", err)
	}
	if _, err := root.MakeDirectory("lost+found", 0, 0); err == nil {
		t.Fatal("expected FileAlreadyExists for a duplicate name")
	}
}

func TestMakeRegularFileAndMakeLinkAreReserved(t *testing.T) {
	fsHandle, _ := mountTestImage(t)
	defer func() { _ = fsHandle.Unmount() }()

	root, err := fsHandle.RootDirectory()
	if err != nil {
		t.Fatalf("RootDirectory: %v", err)
	}

	if _, err := root.MakeRegularFile("newfile"); !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("MakeRegularFile: got %v, want ErrUnsupportedOperation", err)
	}

	target, err := fsHandle.GetFileAt("/bigfile")
	if err != nil {
		t.Fatalf("GetFileAt(/bigfile): %v", err)
	}
	if _, err := root.MakeLink("alias", target, false); !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("MakeLink: got %v, want ErrUnsupportedOperation", err)
	}
}

func TestVolumeUUIDAccessor(t *testing.T) {
	fsHandle, _ := mountTestImage(t)
	defer func() { _ = fsHandle.Unmount() }()

	if fsHandle.VolumeUUID() != fsHandle.superblock.volumeUUID {
		t.Errorf("VolumeUUID() = %v, want %v", fsHandle.VolumeUUID(), fsHandle.superblock.volumeUUID)
	}
}

func TestUnmountThenOperationFails(t *testing.T) {
	fsHandle, _ := mountTestImage(t)
	if err := fsHandle.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	if _, err := fsHandle.RootDirectory(); err != ErrNotMounted {
		t.Errorf("expected ErrNotMounted after unmount, got %v", err)
	}
}
