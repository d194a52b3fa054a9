package ext2

import "encoding/binary"

// blockLookup is the descriptor-owned scratch described in §3/§9: rather than
// the kernel's raw tmp1/tmp2 pointers, it is an explicit small cache keyed by
// the absolute block number each slot represents, so repeated sequential
// resolutions amortise one disk read per indirect block instead of one per
// file block. Its lifetime is tied to the Descriptor that owns it and it is
// discarded on close - there is nothing to free explicitly in Go.
type blockLookup struct {
	slots [2]indirectSlot
}

type indirectSlot struct {
	valid       bool
	blockNumber uint32
	data        []byte
}

func (l *blockLookup) fetch(v *Volume, blockNumber uint32) ([]byte, error) {
	for i := range l.slots {
		if l.slots[i].valid && l.slots[i].blockNumber == blockNumber {
			return l.slots[i].data, nil
		}
	}
	buf := make([]byte, v.blockSize)
	if err := v.readBlock(buf, blockNumber); err != nil {
		return nil, err
	}
	l.store(blockNumber, buf)
	return buf, nil
}

func (l *blockLookup) store(blockNumber uint32, data []byte) {
	l.slots[1] = l.slots[0]
	l.slots[0] = indirectSlot{valid: true, blockNumber: blockNumber, data: data}
}

// blockAddress is a file-relative block index decomposed (by addressFor) into
// the chain of indirect-block slots that must be walked to reach it, per §4.5. depth is
// 0 for a direct block, 1/2/3 for single/double/triple indirect.
type blockAddress struct {
	depth int
	slots [3]uint32 // outer..inner slot indices, valid up to `depth`
	direct uint32    // valid when depth == 0
}

func (v *Volume) addressFor(fileBlockIndex uint32) blockAddress {
	p := v.pointersPerIndirectBlock()
	i := fileBlockIndex

	if i < directPointers {
		return blockAddress{depth: 0, direct: i}
	}
	i -= directPointers

	if i < p {
		return blockAddress{depth: 1, slots: [3]uint32{i, 0, 0}}
	}
	i -= p

	if i < p*p {
		return blockAddress{depth: 2, slots: [3]uint32{i / p, i % p, 0}}
	}
	i -= p * p

	return blockAddress{depth: 3, slots: [3]uint32{i / (p * p), (i / p) % p, i % p}}
}

// resolveBlock maps (inode, fileBlockIndex) to an absolute block number,
// returning 0 for an unallocated hole. §4.5.
func (v *Volume) resolveBlock(ino *Inode, fileBlockIndex uint32, lookup *blockLookup) (uint32, error) {
	addr := v.addressFor(fileBlockIndex)
	if addr.depth == 0 {
		return ino.Block[addr.direct], nil
	}

	root := ino.Block[singleIndirectSlot+addr.depth-1]
	if root == 0 {
		return 0, nil
	}

	current := root
	for level := 0; level < addr.depth; level++ {
		buf, err := lookup.fetch(v, current)
		if err != nil {
			return 0, err
		}
		slot := addr.slots[level]
		next := binary.LittleEndian.Uint32(buf[slot*4:])
		if next == 0 {
			return 0, nil
		}
		current = next
	}
	return current, nil
}

// assignBlock links absBlock at fileBlockIndex, allocating and zeroing any
// intermediate indirect blocks that are currently holes (§4.5).
func (v *Volume) assignBlock(ino *Inode, inodeNumber uint32, lookup *blockLookup, fileBlockIndex, absBlock uint32, homeGroup uint32) error {
	addr := v.addressFor(fileBlockIndex)
	if addr.depth == 0 {
		ino.Block[addr.direct] = absBlock
		return v.modifyInode(inodeNumber, ino)
	}

	rootSlot := singleIndirectSlot + addr.depth - 1
	if ino.Block[rootSlot] == 0 {
		newBlock, err := v.findBlocks(homeGroup, 1)
		if err != nil {
			return err
		}
		if err := v.zeroBlock(newBlock); err != nil {
			return err
		}
		ino.Block[rootSlot] = newBlock
		if err := v.modifyInode(inodeNumber, ino); err != nil {
			return err
		}
	}

	current := ino.Block[rootSlot]
	for level := 0; level < addr.depth; level++ {
		buf, err := lookup.fetch(v, current)
		if err != nil {
			return err
		}
		slot := addr.slots[level]
		last := level == addr.depth-1
		if last {
			binary.LittleEndian.PutUint32(buf[slot*4:], absBlock)
			if err := v.writeBlock(buf, current); err != nil {
				return err
			}
			lookup.store(current, buf)
			return nil
		}

		next := binary.LittleEndian.Uint32(buf[slot*4:])
		if next == 0 {
			newBlock, err := v.findBlocks(homeGroup, 1)
			if err != nil {
				return err
			}
			if err := v.zeroBlock(newBlock); err != nil {
				return err
			}
			binary.LittleEndian.PutUint32(buf[slot*4:], newBlock)
			if err := v.writeBlock(buf, current); err != nil {
				return err
			}
			lookup.store(current, buf)
			next = newBlock
		}
		current = next
	}
	return nil
}

// chain resolves a contiguous run of `count` file-relative blocks starting
// at `from`, returning 0 for holes (§4.5's chain()).
func (v *Volume) chain(ino *Inode, from uint32, count int, lookup *blockLookup) ([]uint32, error) {
	out := make([]uint32, count)
	for i := 0; i < count; i++ {
		b, err := v.resolveBlock(ino, from+uint32(i), lookup)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}
