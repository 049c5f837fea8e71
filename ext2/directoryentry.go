package ext2

import (
	"encoding/binary"
	"fmt"
)

// direntFileType mirrors the optional file-type byte some ext2 revisions store inline in the
// directory entry; this module always writes it and always trusts the inode's own mode field
// over it when the two disagree, per spec §4.6.
type direntFileType uint8

const (
	direntUnknown  direntFileType = 0
	direntRegular  direntFileType = 1
	direntDir      direntFileType = 2
	direntCharDev  direntFileType = 3
	direntBlockDev direntFileType = 4
	direntFIFO     direntFileType = 5
	direntSocket   direntFileType = 6
	direntSymlink  direntFileType = 7
)

const direntHeaderSize = 8 // inode(4) + recLen(2) + nameLen(1) + fileType(1)

// directoryEntry is one variable-length record in a directory's data blocks, per spec §3
// "Directory entry (variable length)".
type directoryEntry struct {
	inodeNum uint32
	recLen   uint16
	fileType direntFileType
	name     string
}

func directoryEntryFromBytes(b []byte) (*directoryEntry, int, error) {
	if len(b) < direntHeaderSize {
		return nil, 0, fmt.Errorf("%w: directory entry header too short", ErrInvalidImageFormat)
	}
	inodeNum := binary.LittleEndian.Uint32(b[0:4])
	recLen := binary.LittleEndian.Uint16(b[4:6])
	nameLen := int(b[6])
	ft := direntFileType(b[7])
	if int(recLen) > len(b) || direntHeaderSize+nameLen > len(b) {
		return nil, 0, fmt.Errorf("%w: directory entry record length out of bounds", ErrInvalidImageFormat)
	}
	name := string(b[direntHeaderSize : direntHeaderSize+nameLen])
	return &directoryEntry{
		inodeNum: inodeNum,
		recLen:   recLen,
		fileType: ft,
		name:     name,
	}, int(recLen), nil
}

func (e *directoryEntry) toBytes() []byte {
	b := make([]byte, e.recLen)
	binary.LittleEndian.PutUint32(b[0:4], e.inodeNum)
	binary.LittleEndian.PutUint16(b[4:6], e.recLen)
	b[6] = byte(len(e.name))
	b[7] = byte(e.fileType)
	copy(b[direntHeaderSize:], e.name)
	return b
}

// minRecLen returns the smallest 4-byte-aligned record length that can hold name, per spec
// §4.6's record length invariant.
func minRecLen(name string) uint16 {
	need := direntHeaderSize + len(name)
	return uint16((need + 3) &^ 3)
}

// readDirectoryBlock parses every entry (including deleted/zero-inode placeholder records) out
// of one block-sized buffer, walking recLen-sized steps as spec §4.6 requires -- there is no
// entry count stored separately; the chain of recLen values must span the whole block exactly.
func readDirectoryBlock(b []byte) ([]*directoryEntry, error) {
	var entries []*directoryEntry
	pos := 0
	for pos < len(b) {
		e, n, err := directoryEntryFromBytes(b[pos:])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: zero-length directory entry at offset %d", ErrInvalidImageFormat, pos)
		}
		entries = append(entries, e)
		pos += n
	}
	return entries, nil
}

// writeDirectoryBlock re-packs entries into a blockSize buffer, stretching the final entry's
// recLen to consume any left-over space so the chain still spans the block exactly.
func writeDirectoryBlock(entries []*directoryEntry, blockSize uint32) ([]byte, error) {
	b := make([]byte, blockSize)
	pos := 0
	for idx, e := range entries {
		n := int(e.recLen)
		if idx == len(entries)-1 {
			n = int(blockSize) - pos
		}
		if pos+n > int(blockSize) {
			return nil, fmt.Errorf("%w: directory entries overflow block", ErrInvalidImageFormat)
		}
		e.recLen = uint16(n)
		copy(b[pos:pos+n], e.toBytes())
		pos += n
	}
	return b, nil
}

// appendDirectoryEntry inserts a new (inodeNum, name, fileType) record into the entries already
// decoded from a single directory block, splitting the padding of the block's final record (the
// last active entry) if there is room, or taking that record over whole when it is a deleted
// one, per spec §4.6's "split-or-allocate-new-block" append rule. Returns ok=false when the
// block has no room, signalling the caller should allocate a new block instead.
func appendDirectoryEntry(entries []*directoryEntry, name string, inodeNum uint32, ft direntFileType) ([]*directoryEntry, bool) {
	needed := minRecLen(name)
	for i, e := range entries {
		if i != len(entries)-1 {
			continue
		}
		used := minRecLen(e.name)
		if e.inodeNum == 0 {
			used = 0
		}
		slack := e.recLen - used
		if slack < needed {
			continue
		}
		newEntry := &directoryEntry{inodeNum: inodeNum, recLen: slack, fileType: ft, name: name}
		if e.inodeNum == 0 {
			out := append([]*directoryEntry{}, entries[:i]...)
			out = append(out, newEntry)
			out = append(out, entries[i+1:]...)
			return out, true
		}
		shrunk := &directoryEntry{inodeNum: e.inodeNum, recLen: used, fileType: e.fileType, name: e.name}
		out := append([]*directoryEntry{}, entries[:i]...)
		out = append(out, shrunk, newEntry)
		out = append(out, entries[i+1:]...)
		return out, true
	}
	return entries, false
}

// newDirectoryBlockEntries builds the two seed entries ("." and "..") that every new directory
// block's first block must contain, consuming the entire block in the second entry's recLen.
func newDirectoryBlockEntries(selfInode, parentInode uint32, blockSize uint32) []*directoryEntry {
	dot := &directoryEntry{inodeNum: selfInode, recLen: minRecLen("."), fileType: direntDir, name: "."}
	dotdot := &directoryEntry{inodeNum: parentInode, recLen: uint16(blockSize) - dot.recLen, fileType: direntDir, name: ".."}
	return []*directoryEntry{dot, dotdot}
}
