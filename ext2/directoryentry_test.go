package ext2

import "testing"

func TestDirectoryEntryRecLenSumsToBlockSize(t *testing.T) {
	const blockSize = 1024
	entries := newDirectoryBlockEntries(2, 2, blockSize)
	raw, err := writeDirectoryBlock(entries, blockSize)
	if err != nil {
		t.Fatalf("writeDirectoryBlock: %v", err)
	}
	parsed, err := readDirectoryBlock(raw)
	if err != nil {
		t.Fatalf("readDirectoryBlock: %v", err)
	}
	var sum int
	for _, e := range parsed {
		sum += int(e.recLen)
	}
	if sum != blockSize {
		t.Errorf("recLen sum = %d, want %d", sum, blockSize)
	}
}

func TestAppendDirectoryEntrySplitsLastEntry(t *testing.T) {
	const blockSize = 1024
	entries := newDirectoryBlockEntries(2, 2, blockSize)

	updated, ok := appendDirectoryEntry(entries, "lost+found", 11, direntDir)
	if !ok {
		t.Fatal("expected append to succeed in an otherwise-empty block")
	}
	if len(updated) != 3 {
		t.Fatalf("expected 3 entries after append, got %d", len(updated))
	}
	if updated[2].name != "lost+found" || updated[2].inodeNum != 11 {
		t.Errorf("unexpected appended entry: %+v", updated[2])
	}

	raw, err := writeDirectoryBlock(updated, blockSize)
	if err != nil {
		t.Fatalf("writeDirectoryBlock: %v", err)
	}
	reparsed, err := readDirectoryBlock(raw)
	if err != nil {
		t.Fatalf("readDirectoryBlock: %v", err)
	}
	if len(reparsed) != 3 {
		t.Fatalf("expected 3 entries after round trip, got %d", len(reparsed))
	}
	names := []string{reparsed[0].name, reparsed[1].name, reparsed[2].name}
	want := []string{".", "..", "lost+found"}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("entry %d name = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestAppendDirectoryEntryNoRoomReturnsFalse(t *testing.T) {
	const blockSize = 16
	entries := []*directoryEntry{
		{inodeNum: 2, recLen: blockSize, fileType: direntDir, name: "."},
	}
	_, ok := appendDirectoryEntry(entries, "averylongnamethatwontfit", 3, direntRegular)
	if ok {
		t.Fatal("expected append to fail when there is no room")
	}
}

func TestMinRecLenIsFourByteAligned(t *testing.T) {
	for _, name := range []string{"a", "ab", "abc", "abcd", "lost+found"} {
		l := minRecLen(name)
		if l%4 != 0 {
			t.Errorf("minRecLen(%q) = %d, not 4-byte aligned", name, l)
		}
		if int(l) < direntHeaderSize+len(name) {
			t.Errorf("minRecLen(%q) = %d, too small to hold the name", name, l)
		}
	}
}
