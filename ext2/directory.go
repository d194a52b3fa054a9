package ext2

import "encoding/binary"

// Directory-entry file-type byte values, valid because every mountable
// volume here is required to carry EXT2_FEATURE_INCOMPAT_FILETYPE (§7).
const (
	ftUnknown  = 0
	ftRegular  = 1
	ftDir      = 2
	ftChar     = 3
	ftBlock    = 4
	ftFIFO     = 5
	ftSocket   = 6
	ftSymlink  = 7

	dirEntryHeaderSize = 8 // inode(4) + recLen(2) + nameLen(1) + fileType(1)
)

// dirEntry is one parsed directory record (§3, §4.8).
type dirEntry struct {
	inode    uint32
	recLen   uint16
	fileType uint8
	name     string

	// offset is this record's byte offset within the directory file; needed
	// by remove() and by allocate() when splicing slack space.
	offset uint64
}

func modeToFileType(mode uint16) uint8 {
	switch mode & modeTypeMask {
	case modeTypeDir:
		return ftDir
	case modeTypeRegular:
		return ftRegular
	case modeTypeSymlink:
		return ftSymlink
	case modeTypeChar:
		return ftChar
	case modeTypeBlock:
		return ftBlock
	case modeTypeFIFO:
		return ftFIFO
	case modeTypeSocket:
		return ftSocket
	default:
		return ftUnknown
	}
}

func dirEntrySize(nameLen int) uint16 {
	raw := dirEntryHeaderSize + nameLen
	return uint16((raw + 3) &^ 3) // 4-byte aligned, per §3
}

func parseDirEntry(b []byte, offset uint64) dirEntry {
	nameLen := int(b[6])
	return dirEntry{
		inode:    binary.LittleEndian.Uint32(b[0:4]),
		recLen:   binary.LittleEndian.Uint16(b[4:6]),
		fileType: b[7],
		name:     string(b[8 : 8+nameLen]),
		offset:   offset,
	}
}

func (e dirEntry) marshal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], e.inode)
	binary.LittleEndian.PutUint16(buf[4:6], e.recLen)
	buf[6] = byte(len(e.name))
	buf[7] = e.fileType
	copy(buf[8:8+len(e.name)], e.name)
}

// enumerate reads every live directory record in `dirIno`'s data, in
// on-disk order. Deleted-but-not-yet-coalesced records (inode == 0) are
// skipped; their space is still accounted for by the preceding entry's
// recLen chain during allocate()/remove().
func (v *Volume) enumerateDir(dirIno *Inode) ([]dirEntry, error) {
	var out []dirEntry
	buf := make([]byte, dirIno.Size)
	var lookup blockLookup
	if _, err := v.readRangeDirect(dirIno, &lookup, 0, buf); err != nil {
		return nil, err
	}

	var offset uint64
	for offset < uint64(len(buf)) {
		rec := buf[offset:]
		if len(rec) < dirEntryHeaderSize {
			break
		}
		e := parseDirEntry(rec, offset)
		if e.recLen == 0 {
			break
		}
		if e.inode != 0 {
			out = append(out, e)
		}
		offset += uint64(e.recLen)
	}
	return out, nil
}

// readRangeDirect is readRange without a shared openObject, used for
// directory reads performed internally by the path resolver on an Inode it
// already holds (directories are always read in full rather than cached
// piecemeal, since directory contents are small and rewritten as a whole).
func (v *Volume) readRangeDirect(ino *Inode, lookup *blockLookup, offset uint64, buf []byte) (int, error) {
	dummy := &openObject{ino: ino, cache: newBlockCache()}
	return v.readRange(dummy, lookup, offset, buf)
}

// lookupInDir finds `name` among dirIno's entries, per §4.9's traverse().
func (v *Volume) lookupInDir(dirIno *Inode, name string) (uint32, uint8, error) {
	entries, err := v.enumerateDir(dirIno)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		if e.name == name {
			return e.inode, e.fileType, nil
		}
	}
	return 0, 0, errnof("lookup", name, ENOENT)
}

// allocateDirEntry inserts a (name -> inode) record into dirIno, splitting
// an existing record's slack space if one is large enough, and otherwise
// appending a fresh block. dirIno/dirNumber/homeGroup describe the directory
// being written into. §4.8's allocate().
func (v *Volume) allocateDirEntry(dirIno *Inode, dirNumber, homeGroup uint32, name string, inode uint32, fileType uint8) error {
	needed := dirEntrySize(len(name))
	buf := make([]byte, dirIno.Size)
	var lookup blockLookup
	if _, err := v.readRangeDirect(dirIno, &lookup, 0, buf); err != nil {
		return err
	}

	var offset uint64
	for offset < uint64(len(buf)) {
		rec := buf[offset:]
		if len(rec) < dirEntryHeaderSize {
			break
		}
		e := parseDirEntry(rec, offset)
		if e.recLen == 0 {
			break
		}

		used := dirEntrySize(len(e.name))
		if e.inode == 0 {
			used = 0
		}
		slack := e.recLen - used

		if slack >= needed {
			if e.inode != 0 {
				e.recLen = used
				e.marshal(rec)
				newOffset := offset + uint64(used)
				newEntry := dirEntry{inode: inode, recLen: slack, fileType: fileType, name: name}
				newEntry.marshal(buf[newOffset:])
			} else {
				newEntry := dirEntry{inode: inode, recLen: e.recLen, fileType: fileType, name: name}
				newEntry.marshal(rec)
			}
			return v.writeDirData(dirIno, dirNumber, homeGroup, buf)
		}
		offset += uint64(e.recLen)
	}

	blockSize := uint64(v.blockSize)
	newBlockEntry := dirEntry{inode: inode, recLen: uint16(blockSize), fileType: fileType, name: name}
	newBlock := make([]byte, blockSize)
	newBlockEntry.marshal(newBlock)
	buf = append(buf, newBlock...)
	return v.writeDirData(dirIno, dirNumber, homeGroup, buf)
}

// removeDirEntry tombstones the record named `name`: folded into the
// preceding record's recLen when one exists in the same block, otherwise
// just marked inode==0 so enumerate() skips it. §4.8's remove().
func (v *Volume) removeDirEntry(dirIno *Inode, dirNumber, homeGroup uint32, name string) error {
	buf := make([]byte, dirIno.Size)
	var lookup blockLookup
	if _, err := v.readRangeDirect(dirIno, &lookup, 0, buf); err != nil {
		return err
	}

	blockSize := uint64(v.blockSize)
	var offset uint64
	var prevOffset uint64 = ^uint64(0)
	for offset < uint64(len(buf)) {
		rec := buf[offset:]
		if len(rec) < dirEntryHeaderSize {
			break
		}
		e := parseDirEntry(rec, offset)
		if e.recLen == 0 {
			break
		}

		sameBlock := offset/blockSize == prevOffset/blockSize
		if e.name == name && e.inode != 0 {
			if prevOffset != ^uint64(0) && sameBlock {
				prev := parseDirEntry(buf[prevOffset:], prevOffset)
				prev.recLen += e.recLen
				prev.marshal(buf[prevOffset:])
			} else {
				binary.LittleEndian.PutUint32(buf[offset:offset+4], 0)
			}
			return v.writeDirData(dirIno, dirNumber, homeGroup, buf)
		}
		prevOffset = offset
		offset += uint64(e.recLen)
	}
	return errnof("unlink", name, ENOENT)
}

// writeDirData rewrites a directory's entire data region; directories in
// this driver are small enough that whole-file rewrite is simpler and safer
// than patching individual records across possibly-unallocated blocks.
func (v *Volume) writeDirData(dirIno *Inode, dirNumber, homeGroup uint32, data []byte) error {
	dummy := &openObject{inodeNumber: dirNumber, ino: dirIno, cache: newBlockCache()}
	var lookup blockLookup
	n, err := v.writeRange(dummy, &lookup, dirNumber, homeGroup, 0, data)
	if err != nil {
		return err
	}
	if uint64(n) < dirIno.Size {
		return v.truncateTo(dummy, dirNumber, homeGroup, uint64(n))
	}
	dirIno.Size = dummy.ino.Size
	dirIno.Block = dummy.ino.Block
	return nil
}

// initDirBlock writes a freshly-allocated directory's first block containing
// only "." and ".." entries, used by mkdir.
func (v *Volume) initDirBlock(selfInode, parentInode uint32) []byte {
	blockSize := v.blockSize
	buf := make([]byte, blockSize)

	dot := dirEntry{inode: selfInode, recLen: 12, fileType: ftDir, name: "."}
	dot.marshal(buf)

	dotdot := dirEntry{inode: parentInode, recLen: uint16(blockSize) - 12, fileType: ftDir, name: ".."}
	dotdot.marshal(buf[12:])

	return buf
}
