package ext2

import (
	"encoding/binary"
	"time"
)

const (
	modeTypeMask   uint16 = 0xF000
	modeTypeFIFO   uint16 = 0x1000
	modeTypeChar   uint16 = 0x2000
	modeTypeDir    uint16 = 0x4000
	modeTypeBlock  uint16 = 0x6000
	modeTypeRegular uint16 = 0x8000
	modeTypeSymlink uint16 = 0xA000
	modeTypeSocket  uint16 = 0xC000

	directPointers = 12
	// slot indices within Inode.Block
	singleIndirectSlot = 12
	doubleIndirectSlot = 13
	tripleIndirectSlot = 14
	blockPointerSlots  = 15

	maxInlineSymlink = 60

	// byte offsets inside a classic 128-byte ext2 inode record
	inoOffMode      = 0x00
	inoOffSizeLow   = 0x04
	inoOffAtime     = 0x08
	inoOffCtime     = 0x0c
	inoOffMtime     = 0x10
	inoOffDtime     = 0x14
	inoOffLinks     = 0x1a
	inoOffSectors   = 0x1c
	inoOffBlocks    = 0x28
	inoOffSizeHigh  = 0x6c
)

// Inode is the in-memory form of an on-disk ext2 inode record: the mode,
// size, hard-link count, timestamps, and the 15-pointer block-address area
// that either names direct/indirect blocks or, for a short symlink, holds
// the link target inline. See §3.
type Inode struct {
	Mode        uint16
	Size        uint64
	Block       [blockPointerSlots]uint32
	HardLinks   uint16
	SectorCount uint32
	ATime       uint32
	MTime       uint32
	CTime       uint32
	DTime       uint32

	// SymlinkTarget is populated only when FileType() == modeTypeSymlink and
	// Size <= maxInlineSymlink; in that case Block is unused and holds the
	// raw bytes of the target instead of pointers (§3 invariants).
	SymlinkTarget string
}

func (i *Inode) FileType() uint16 { return i.Mode & modeTypeMask }
func (i *Inode) IsDir() bool      { return i.FileType() == modeTypeDir }
func (i *Inode) IsRegular() bool  { return i.FileType() == modeTypeRegular }
func (i *Inode) IsSymlink() bool  { return i.FileType() == modeTypeSymlink }

func inodeFromBytes(b []byte) *Inode {
	ino := &Inode{
		Mode:        binary.LittleEndian.Uint16(b[inoOffMode:]),
		Size:        uint64(binary.LittleEndian.Uint32(b[inoOffSizeLow:])),
		HardLinks:   binary.LittleEndian.Uint16(b[inoOffLinks:]),
		SectorCount: binary.LittleEndian.Uint32(b[inoOffSectors:]),
		ATime:       binary.LittleEndian.Uint32(b[inoOffAtime:]),
		MTime:       binary.LittleEndian.Uint32(b[inoOffMtime:]),
		CTime:       binary.LittleEndian.Uint32(b[inoOffCtime:]),
		DTime:       binary.LittleEndian.Uint32(b[inoOffDtime:]),
	}
	sizeHigh := binary.LittleEndian.Uint32(b[inoOffSizeHigh:])
	if ino.FileType() == modeTypeRegular {
		ino.Size |= uint64(sizeHigh) << 32
	}

	if ino.FileType() == modeTypeSymlink && ino.Size <= maxInlineSymlink {
		raw := b[inoOffBlocks : inoOffBlocks+blockPointerSlots*4]
		ino.SymlinkTarget = string(raw[:ino.Size])
	} else {
		for s := 0; s < blockPointerSlots; s++ {
			off := inoOffBlocks + s*4
			ino.Block[s] = binary.LittleEndian.Uint32(b[off:])
		}
	}
	return ino
}

func (i *Inode) toBytes(inodeSize uint16) []byte {
	b := make([]byte, inodeSize)
	binary.LittleEndian.PutUint16(b[inoOffMode:], i.Mode)
	binary.LittleEndian.PutUint32(b[inoOffSizeLow:], uint32(i.Size))
	binary.LittleEndian.PutUint32(b[inoOffAtime:], i.ATime)
	binary.LittleEndian.PutUint32(b[inoOffCtime:], i.CTime)
	binary.LittleEndian.PutUint32(b[inoOffMtime:], i.MTime)
	binary.LittleEndian.PutUint32(b[inoOffDtime:], i.DTime)
	binary.LittleEndian.PutUint16(b[inoOffLinks:], i.HardLinks)
	binary.LittleEndian.PutUint32(b[inoOffSectors:], i.SectorCount)
	binary.LittleEndian.PutUint32(b[inoOffSizeHigh:], uint32(i.Size>>32))

	if i.FileType() == modeTypeSymlink && i.Size <= maxInlineSymlink {
		copy(b[inoOffBlocks:inoOffBlocks+blockPointerSlots*4], i.SymlinkTarget)
	} else {
		for s := 0; s < blockPointerSlots; s++ {
			off := inoOffBlocks + s*4
			binary.LittleEndian.PutUint32(b[off:], i.Block[s])
		}
	}
	return b
}

func nowUnix() uint32 { return uint32(time.Now().Unix()) }

// inodeLocation translates a 1-based inode number into its group and its
// index within that group's inode table (§4.4).
func (v *Volume) inodeLocation(number uint32) (group uint32, indexInGroup uint32) {
	group = (number - 1) / v.sb.inodesPerGroup
	indexInGroup = (number - 1) % v.sb.inodesPerGroup
	return
}

// fetchInode reads inode `number` off disk. §4.4.
func (v *Volume) fetchInode(number uint32) (*Inode, error) {
	if number == 0 {
		return nil, errnof("fetchInode", "", EINVAL)
	}
	group, index := v.inodeLocation(number)
	if int(group) >= len(v.bgdt.entries) {
		return nil, errnof("fetchInode", "", EINVAL)
	}
	gd := v.bgdt.entries[group]

	inodeSize := uint64(v.sb.inodeSize)
	byteOffset := uint64(gd.inodeTableBlock)*uint64(v.blockSize) + uint64(index)*inodeSize
	sectorCount := divRoundUp(inodeSize, uint64(v.sectorSize))

	buf := make([]byte, sectorCount*uint64(v.sectorSize))
	lba := byteOffset / uint64(v.sectorSize)
	if err := v.readSectors(buf, int64(lba)); err != nil {
		return nil, err
	}
	within := byteOffset % uint64(v.sectorSize)
	return inodeFromBytes(buf[within : within+inodeSize]), nil
}

// modifyInode writes an inode back atomically at sector granularity: read
// the containing sectors, patch in RAM, write them back (§4.4).
func (v *Volume) modifyInode(number uint32, ino *Inode) error {
	group, index := v.inodeLocation(number)
	if int(group) >= len(v.bgdt.entries) {
		return errnof("modifyInode", "", EINVAL)
	}
	gd := v.bgdt.entries[group]

	inodeSize := uint64(v.sb.inodeSize)
	byteOffset := uint64(gd.inodeTableBlock)*uint64(v.blockSize) + uint64(index)*inodeSize
	sectorCount := divRoundUp(inodeSize, uint64(v.sectorSize))
	lba := byteOffset / uint64(v.sectorSize)
	within := byteOffset % uint64(v.sectorSize)

	buf := make([]byte, sectorCount*uint64(v.sectorSize))
	if err := v.readSectors(buf, int64(lba)); err != nil {
		return err
	}
	copy(buf[within:within+inodeSize], ino.toBytes(v.sb.inodeSize))
	return v.writeSectors(buf, int64(lba))
}

// deleteInode clears the inode's bitmap bit, returning it to the free pool.
// The caller is responsible for having already zeroed the on-disk record's
// block pointers/size and set DTime (§4.9 delete()).
func (v *Volume) deleteInode(number uint32) error {
	group, index := v.inodeLocation(number)
	return v.freeInode(group, index)
}

func divRoundUp(a, b uint64) uint64 {
	return (a + b - 1) / b
}
