package ext2

import "github.com/agostino64/ext2fs/util/bitmap"

// findBlocks scans for the first run of n free blocks, preferring
// `preferredGroup` and falling back to subsequent groups modulo the group
// count. It returns the absolute block number of the run's first block.
// §4.3.
func (v *Volume) findBlocks(preferredGroup uint32, n int) (uint32, error) {
	groups := v.blockGroups
	for attempt := uint32(0); attempt < groups; attempt++ {
		group := (preferredGroup + attempt) % groups

		v.blockBitmapLocks[group].lock()
		bm, err := v.readBlockBitmap(group)
		if err != nil {
			v.blockBitmapLocks[group].unlock()
			return 0, err
		}
		// Only the group's own blocks count; bitmap bits past them are padding.
		limit := int(v.sb.blocksPerGroup)
		if rest := int(v.sb.blocksCount-v.sb.firstDataBlock) - int(group*v.sb.blocksPerGroup); rest < limit {
			limit = rest
		}
		pos := bm.FindFreeRun(0, n)
		if pos < 0 || pos+n > limit {
			v.blockBitmapLocks[group].unlock()
			continue
		}
		for i := 0; i < n; i++ {
			_ = bm.Set(pos + i)
		}
		if err := v.writeBlockBitmap(group, bm); err != nil {
			v.blockBitmapLocks[group].unlock()
			return 0, err
		}
		v.bgdt.entries[group].freeBlocksCount -= uint16(n)
		v.blockBitmapLocks[group].unlock()

		v.sb.freeBlocksCount -= uint32(n)
		if err := v.persistBGDT(); err != nil {
			return 0, err
		}
		if err := v.persistSuperblock(); err != nil {
			return 0, err
		}

		return group*v.sb.blocksPerGroup + v.sb.firstDataBlock + uint32(pos), nil
	}
	return 0, errnof("findBlocks", "", ENOSPC)
}

// freeBlock clears a single block's bitmap bit and restores the counters.
func (v *Volume) freeBlock(group, indexInGroup uint32) error {
	v.blockBitmapLocks[group].lock()
	defer v.blockBitmapLocks[group].unlock()

	bm, err := v.readBlockBitmap(group)
	if err != nil {
		return err
	}
	if err := bm.Clear(int(indexInGroup)); err != nil {
		return err
	}
	if err := v.writeBlockBitmap(group, bm); err != nil {
		return err
	}
	v.bgdt.entries[group].freeBlocksCount++
	v.sb.freeBlocksCount++
	if err := v.persistBGDT(); err != nil {
		return err
	}
	return v.persistSuperblock()
}

// freeBlockAbs is the absolute-block-number convenience form used by the
// path resolver when releasing a file's data blocks via chain().
func (v *Volume) freeBlockAbs(block uint32) error {
	group := (block - v.sb.firstDataBlock) / v.sb.blocksPerGroup
	index := (block - v.sb.firstDataBlock) % v.sb.blocksPerGroup
	return v.freeBlock(group, index)
}

// findInode allocates a free inode, preferring preferredGroup, and returns
// its 1-based inode number.
func (v *Volume) findInode(preferredGroup uint32) (uint32, error) {
	groups := v.blockGroups
	for attempt := uint32(0); attempt < groups; attempt++ {
		group := (preferredGroup + attempt) % groups

		v.inodeBitmapLocks[group].lock()
		bm, err := v.readInodeBitmap(group)
		if err != nil {
			v.inodeBitmapLocks[group].unlock()
			return 0, err
		}
		pos := bm.FindFreeRun(0, 1)
		if pos < 0 {
			v.inodeBitmapLocks[group].unlock()
			continue
		}
		_ = bm.Set(pos)
		if err := v.writeInodeBitmap(group, bm); err != nil {
			v.inodeBitmapLocks[group].unlock()
			return 0, err
		}
		v.bgdt.entries[group].freeInodesCount--
		v.inodeBitmapLocks[group].unlock()

		v.sb.freeInodesCount--
		if err := v.persistBGDT(); err != nil {
			return 0, err
		}
		if err := v.persistSuperblock(); err != nil {
			return 0, err
		}

		return group*v.sb.inodesPerGroup + uint32(pos) + 1, nil
	}
	return 0, errnof("findInode", "", ENOSPC)
}

// freeInode clears the inode's bitmap bit (§4.4's delete()).
func (v *Volume) freeInode(group, indexInGroup uint32) error {
	v.inodeBitmapLocks[group].lock()
	defer v.inodeBitmapLocks[group].unlock()

	bm, err := v.readInodeBitmap(group)
	if err != nil {
		return err
	}
	if err := bm.Clear(int(indexInGroup)); err != nil {
		return err
	}
	if err := v.writeInodeBitmap(group, bm); err != nil {
		return err
	}
	v.bgdt.entries[group].freeInodesCount++
	v.sb.freeInodesCount++
	if err := v.persistBGDT(); err != nil {
		return err
	}
	return v.persistSuperblock()
}

func (v *Volume) readBlockBitmap(group uint32) (*bitmap.Bitmap, error) {
	buf := make([]byte, v.blockSize)
	if err := v.readBlock(buf, v.bgdt.entries[group].blockBitmapBlock); err != nil {
		return nil, err
	}
	return bitmap.FromBytes(buf), nil
}

func (v *Volume) writeBlockBitmap(group uint32, bm *bitmap.Bitmap) error {
	return v.writeBlock(bm.ToBytes(), v.bgdt.entries[group].blockBitmapBlock)
}

func (v *Volume) readInodeBitmap(group uint32) (*bitmap.Bitmap, error) {
	buf := make([]byte, v.blockSize)
	if err := v.readBlock(buf, v.bgdt.entries[group].inodeBitmapBlock); err != nil {
		return nil, err
	}
	return bitmap.FromBytes(buf), nil
}

func (v *Volume) writeInodeBitmap(group uint32, bm *bitmap.Bitmap) error {
	return v.writeBlock(bm.ToBytes(), v.bgdt.entries[group].inodeBitmapBlock)
}
