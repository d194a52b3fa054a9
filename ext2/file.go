package ext2

import (
	"golang.org/x/sys/unix"
)

// Descriptor is one open file handle (§4.6/§9's "OpenDescriptor"): a byte
// cursor and per-handle scratch layered over a shared openObject. Two
// descriptors opened against the same inode share the object (and therefore
// its cache and locks) but keep independent cursors and flags, matching
// POSIX's dup()-vs-open() distinction.
type Descriptor struct {
	v     *Volume
	obj   *openObject
	ino   uint32
	flags int

	ptr    uint64
	lookup blockLookup

	homeGroup uint32
}

// openDescriptor acquires the shared object for `inodeNumber` and returns a
// fresh cursor onto it. flags follows the unix.O_* bit values.
func (v *Volume) openDescriptor(inodeNumber uint32, flags int) (*Descriptor, error) {
	obj, err := v.acquireObject(inodeNumber)
	if err != nil {
		return nil, err
	}
	group, _ := v.inodeLocation(inodeNumber)

	d := &Descriptor{
		v:         v,
		obj:       obj,
		ino:       inodeNumber,
		flags:     flags,
		homeGroup: group,
	}

	if flags&unix.O_TRUNC != 0 && flags&(unix.O_WRONLY|unix.O_RDWR) != 0 {
		if err := d.truncate(0); err != nil {
			v.releaseObject(obj)
			return nil, err
		}
	}
	if flags&unix.O_APPEND != 0 {
		d.ptr = d.obj.snapshotInode().Size
	}
	return d, nil
}

// dup creates an independent cursor sharing this descriptor's object, with
// its own copy of the indirect-block scratch, per §4.6's duplicate().
func (d *Descriptor) dup() *Descriptor {
	d.obj.propertyLock.Lock()
	d.obj.refCount++
	d.obj.propertyLock.Unlock()

	nd := &Descriptor{
		v:         d.v,
		obj:       d.obj,
		ino:       d.ino,
		flags:     d.flags,
		ptr:       d.ptr,
		homeGroup: d.homeGroup,
	}
	for i, s := range d.lookup.slots {
		if s.valid {
			nd.lookup.slots[i] = indirectSlot{valid: true, blockNumber: s.blockNumber, data: append([]byte(nil), s.data...)}
		}
	}
	return nd
}

// close releases this descriptor's reference to the shared object.
func (d *Descriptor) close() {
	d.v.releaseObject(d.obj)
}

func (d *Descriptor) getFilesize() uint64 {
	return d.obj.snapshotInode().Size
}

// seek implements lseek semantics (whence: unix.SEEK_SET/CUR/END). A target
// past end of file is refused with EINVAL on a read-only descriptor; on a
// writable one the file is first extended with zero bytes up to the target.
func (d *Descriptor) seek(offset int64, whence int) (uint64, error) {
	var base uint64
	switch whence {
	case unix.SEEK_SET:
		base = 0
	case unix.SEEK_CUR:
		base = d.ptr
	case unix.SEEK_END:
		base = d.obj.snapshotInode().Size
	default:
		return 0, errnof("seek", "", EINVAL)
	}
	signed := int64(base) + offset
	if signed < 0 {
		return 0, errnof("seek", "", EINVAL)
	}
	if uint64(signed) > d.obj.snapshotInode().Size {
		if d.flags&(unix.O_WRONLY|unix.O_RDWR) == 0 {
			return 0, errnof("seek", "", EINVAL)
		}
		d.obj.fileLock.lock()
		size := d.obj.snapshotInode().Size
		var err error
		if uint64(signed) > size {
			_, err = d.v.writeRange(d.obj, &d.lookup, d.ino, d.homeGroup, size, make([]byte, uint64(signed)-size))
		}
		d.obj.fileLock.unlock()
		if err != nil {
			return 0, err
		}
	}
	d.ptr = uint64(signed)
	return d.ptr, nil
}

// read copies up to len(buf) bytes starting at the cursor, stopping at EOF,
// and advances the cursor by what it actually read. §4.6.
func (d *Descriptor) read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	d.obj.fileLock.rlock()
	defer d.obj.fileLock.runlock()

	n, err := d.v.readRange(d.obj, &d.lookup, d.ptr, buf)
	d.ptr += uint64(n)
	return n, err
}

// write stores len(buf) bytes starting at the cursor, growing the file and
// allocating blocks (including holes' worth of intermediate indirect blocks)
// as needed, and advances the cursor. For an append-flagged descriptor, the
// target offset is re-read as the file's current size on every call (not
// just at open time) so that concurrent appenders from independent
// descriptors each land after whatever the others have already written,
// then the descriptor's own cursor is left as it was - only the bytes
// actually land at EOF, the cursor a subsequent read/seek sees does not
// jump. §4.6.
func (d *Descriptor) write(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	d.obj.fileLock.lock()
	defer d.obj.fileLock.unlock()

	target := d.ptr
	if d.flags&unix.O_APPEND != 0 {
		target = d.obj.snapshotInode().Size
	}

	n, err := d.v.writeRange(d.obj, &d.lookup, d.ino, d.homeGroup, target, buf)
	if d.flags&unix.O_APPEND == 0 {
		d.ptr += uint64(n)
	}
	return n, err
}

// truncate resizes the file to exactly `size`, freeing any data blocks that
// fall outside the new size and invalidating the cache.
func (d *Descriptor) truncate(size uint64) error {
	d.obj.fileLock.lock()
	defer d.obj.fileLock.unlock()
	return d.v.truncateTo(d.obj, d.ino, d.homeGroup, size)
}

// readRange copies the intersection of [offset, offset+len(buf)) with the
// file's current size into buf, resolving holes as zero bytes, reading
// contiguous runs of allocated blocks in one shot.
func (v *Volume) readRange(obj *openObject, lookup *blockLookup, offset uint64, buf []byte) (int, error) {
	ino := obj.snapshotInode()
	if offset >= ino.Size {
		return 0, nil
	}
	end := offset + uint64(len(buf))
	if end > ino.Size {
		end = ino.Size
	}
	blockSize := uint64(v.blockSize)
	firstBlock := uint32(offset / blockSize)
	lastBlock := uint32((end - 1) / blockSize)
	blockCount := int(lastBlock-firstBlock) + 1

	absBlocks, err := v.chain(&ino, firstBlock, blockCount, lookup)
	if err != nil {
		return 0, err
	}

	written := 0
	idx := 0
	for idx < blockCount {
		fileBlock := firstBlock + uint32(idx)

		obj.cacheLock.rlock()
		cached := obj.cache.lookup(fileBlock)
		obj.cacheLock.runlock()
		if cached != nil {
			copyBlocksToBuf(buf, &written, cached.blockIndex, blockSize, offset, end, cached.buffer)
			idx += int(cached.blockIndex + cached.blockCount - fileBlock)
			continue
		}

		if absBlocks[idx] == 0 {
			zeroRangeFromHole(buf, &written, fileBlock, blockSize, offset, end)
			idx++
			continue
		}

		runLen := 1
		for idx+runLen < blockCount &&
			absBlocks[idx+runLen] != 0 &&
			absBlocks[idx+runLen] == absBlocks[idx+runLen-1]+1 {
			runLen++
		}

		data := make([]byte, uint64(runLen)*blockSize)
		if err := v.readBlocks(data, absBlocks[idx], runLen); err != nil {
			return written, err
		}
		obj.cacheLock.lock()
		obj.cache.insert(&cacheEntry{blockIndex: fileBlock, blockCount: uint32(runLen), buffer: data})
		obj.cacheLock.unlock()

		copyBlocksToBuf(buf, &written, fileBlock, blockSize, offset, end, data)
		idx += runLen
	}
	return written, nil
}

// writeRange stores buf at [offset, offset+len(buf)), allocating blocks as
// needed and extending the inode's size, returning the byte count written.
func (v *Volume) writeRange(obj *openObject, lookup *blockLookup, inodeNumber, homeGroup uint32, offset uint64, buf []byte) (int, error) {
	blockSize := uint64(v.blockSize)
	end := offset + uint64(len(buf))
	firstBlock := uint32(offset / blockSize)
	lastBlock := uint32((end - 1) / blockSize)

	obj.cacheLock.lock()
	obj.cache.invalidateAll()
	obj.cacheLock.unlock()

	ino := obj.snapshotInode()
	written := 0
	for fb := firstBlock; fb <= lastBlock; fb++ {
		abs, err := v.resolveBlock(&ino, fb, lookup)
		if err != nil {
			return written, err
		}
		if abs == 0 {
			abs, err = v.findBlocks(homeGroup, 1)
			if err != nil {
				return written, err
			}
			if err := v.assignBlock(&ino, inodeNumber, lookup, fb, abs, homeGroup); err != nil {
				return written, err
			}
		}

		blockByteStart := uint64(fb) * blockSize
		lo := offset
		if blockByteStart > lo {
			lo = blockByteStart
		}
		hi := end
		if blockByteStart+blockSize < hi {
			hi = blockByteStart + blockSize
		}

		var block []byte
		if lo == blockByteStart && hi == blockByteStart+blockSize {
			block = make([]byte, blockSize)
		} else {
			block = make([]byte, blockSize)
			if err := v.readBlock(block, abs); err != nil {
				return written, err
			}
		}
		copy(block[lo-blockByteStart:hi-blockByteStart], buf[lo-offset:hi-offset])
		if err := v.writeBlock(block, abs); err != nil {
			return written, err
		}
		if int(hi-offset) > written {
			written = int(hi - offset)
		}
	}

	if end > ino.Size {
		ino.Size = end
	}
	ino.MTime = nowUnix()
	if err := obj.mutateInode(v, func(cur *Inode) {
		cur.Block = ino.Block
		cur.Size = ino.Size
		cur.SectorCount = uint32(divRoundUp(ino.Size, blockSize) * blockSize / 512)
		cur.MTime = ino.MTime
	}); err != nil {
		return written, err
	}
	return written, nil
}

// truncateTo frees every data block at or beyond `size` and updates the
// inode's recorded size; it does not reclaim indirect blocks that become
// entirely empty, matching the original driver's conservative behavior.
func (v *Volume) truncateTo(obj *openObject, inodeNumber, homeGroup uint32, size uint64) error {
	ino := obj.snapshotInode()
	blockSize := uint64(v.blockSize)

	if size < ino.Size {
		firstFreed := uint32(divRoundUp(size, blockSize))
		lastBlock := uint32(divRoundUp(ino.Size, blockSize))
		var lookup blockLookup
		for fb := firstFreed; fb < lastBlock; fb++ {
			abs, err := v.resolveBlock(&ino, fb, &lookup)
			if err != nil {
				return err
			}
			if abs != 0 {
				if err := v.freeBlockAbs(abs); err != nil {
					return err
				}
				_ = v.assignBlock(&ino, inodeNumber, &lookup, fb, 0, homeGroup)
			}
		}
		obj.cacheLock.lock()
		obj.cache.invalidateAll()
		obj.cacheLock.unlock()
	}

	return obj.mutateInode(v, func(cur *Inode) {
		cur.Block = ino.Block
		cur.Size = size
		cur.SectorCount = uint32(divRoundUp(size, blockSize) * blockSize / 512)
		cur.MTime = nowUnix()
	})
}

func (v *Volume) readBlocks(dst []byte, startBlock uint32, count int) error {
	return v.readSectors(dst, v.blockToLBA(startBlock))
}

func zeroRangeFromHole(buf []byte, written *int, fileBlock uint32, blockSize, offset, end uint64) {
	blockByteStart := uint64(fileBlock) * blockSize
	blockByteEnd := blockByteStart + blockSize
	lo := offset
	if blockByteStart > lo {
		lo = blockByteStart
	}
	hi := end
	if blockByteEnd < hi {
		hi = blockByteEnd
	}
	if hi <= lo {
		return
	}
	dstOff := lo - offset
	for i := dstOff; i < hi-offset; i++ {
		buf[i] = 0
	}
	if int(hi-offset) > *written {
		*written = int(hi - offset)
	}
}

func copyBlocksToBuf(buf []byte, written *int, fileBlockStart uint32, blockSize, offset, end uint64, data []byte) {
	blockByteStart := uint64(fileBlockStart) * blockSize
	dataEnd := blockByteStart + uint64(len(data))
	lo := offset
	if blockByteStart > lo {
		lo = blockByteStart
	}
	hi := end
	if dataEnd < hi {
		hi = dataEnd
	}
	if hi <= lo {
		return
	}
	srcOff := lo - blockByteStart
	dstOff := lo - offset
	copy(buf[dstOff:hi-offset], data[srcOff:srcOff+(hi-lo)])
	if int(hi-offset) > *written {
		*written = int(hi - offset)
	}
}
