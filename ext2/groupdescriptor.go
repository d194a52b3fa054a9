package ext2

import "encoding/binary"

const groupDescriptorSize = 32

// groupDescriptor is one entry of the block-group descriptor table (BGDT):
// the block/inode bitmap locations, inode table location, and per-group
// free counters. See §3 (BGDT) and §4.2.
type groupDescriptor struct {
	blockBitmapBlock uint32
	inodeBitmapBlock uint32
	inodeTableBlock  uint32
	freeBlocksCount  uint16
	freeInodesCount  uint16
	usedDirsCount    uint16
}

func groupDescriptorFromBytes(b []byte) groupDescriptor {
	return groupDescriptor{
		blockBitmapBlock: binary.LittleEndian.Uint32(b[0:4]),
		inodeBitmapBlock: binary.LittleEndian.Uint32(b[4:8]),
		inodeTableBlock:  binary.LittleEndian.Uint32(b[8:12]),
		freeBlocksCount:  binary.LittleEndian.Uint16(b[12:14]),
		freeInodesCount:  binary.LittleEndian.Uint16(b[14:16]),
		usedDirsCount:    binary.LittleEndian.Uint16(b[16:18]),
	}
}

func (gd groupDescriptor) toBytes(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], gd.blockBitmapBlock)
	binary.LittleEndian.PutUint32(b[4:8], gd.inodeBitmapBlock)
	binary.LittleEndian.PutUint32(b[8:12], gd.inodeTableBlock)
	binary.LittleEndian.PutUint16(b[12:14], gd.freeBlocksCount)
	binary.LittleEndian.PutUint16(b[14:16], gd.freeInodesCount)
	binary.LittleEndian.PutUint16(b[16:18], gd.usedDirsCount)
}

// blockGroupDescriptorTable is the in-memory array of all groups' metadata,
// read once at mount and kept resident; each group's counters are mutated
// under that group's write locks (see §5 lock hierarchy item 5).
type blockGroupDescriptorTable struct {
	entries []groupDescriptor
}

func blockGroupDescriptorTableFromBytes(b []byte, groups int) *blockGroupDescriptorTable {
	t := &blockGroupDescriptorTable{entries: make([]groupDescriptor, groups)}
	for i := 0; i < groups; i++ {
		off := i * groupDescriptorSize
		t.entries[i] = groupDescriptorFromBytes(b[off : off+groupDescriptorSize])
	}
	return t
}

func (t *blockGroupDescriptorTable) toBytes(blockSize uint32) []byte {
	out := make([]byte, blockSize)
	for i, gd := range t.entries {
		off := i * groupDescriptorSize
		if off+groupDescriptorSize > len(out) {
			break
		}
		gd.toBytes(out[off : off+groupDescriptorSize])
	}
	return out
}
