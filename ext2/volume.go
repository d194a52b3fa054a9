// Package ext2 implements an ext2-compatible, block-group-aware read/write
// filesystem driver. It is designed to sit inside a freestanding kernel's
// VFS layer: Volume is the object a mount point owns, and every other piece
// of state (open objects, caches, per-group locks) hangs off it - there are
// no package-level globals.
package ext2

import (
	"fmt"
	"sync"

	"github.com/agostino64/ext2fs/backend"
	"github.com/sirupsen/logrus"
)

// Volume is a single mounted ext2 filesystem: one per VFS mount point. All
// shared state reachable from a call into this package hangs off a Volume -
// see §9's note on eliminating ambient globals.
type Volume struct {
	storage      backend.Storage
	partitionLBA int64 // partition base, in native sectors
	sectorSize   int64

	sb          *superblock
	sbPersistMu sync.Mutex // serializes superblock/BGDT flushes (§5 shared resources)

	bgdt             *blockGroupDescriptorTable
	bgdtBlock        uint32
	blockSize        uint32
	blockGroups      uint32
	blockBitmapLocks []*rwCountLock
	inodeBitmapLocks []*rwCountLock

	inodeSize        uint16
	inodeSizeRounded uint16

	objects   map[uint32]*openObject
	objectsMu sync.Mutex // lock hierarchy level 1: objectListLock

	mapper MemoryMapper

	log *logrus.Entry
}

// Params lets a caller override what mount() would otherwise infer purely
// from the on-disk superblock; used mainly by tests and cmd/mkext2.
type Params struct {
	// PartitionLBA is the partition's first sector, in storage.SectorSize() units.
	PartitionLBA int64
	Logger       *logrus.Logger
	Mapper       MemoryMapper
}

// Mount validates and loads a volume per §4.2 and §3's invariants. It refuses
// (rather than repairs) anything that looks unclean or unsupported.
func Mount(storage backend.Storage, p Params) (*Volume, error) {
	sectorSize := storage.SectorSize()
	if sectorSize <= 0 {
		return nil, fmt.Errorf("ext2: invalid sector size %d", sectorSize)
	}

	logger := p.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	v := &Volume{
		storage:      storage,
		partitionLBA: p.PartitionLBA,
		sectorSize:   sectorSize,
		objects:      make(map[uint32]*openObject),
		mapper:       p.Mapper,
		log:          logger.WithField("component", "ext2"),
	}

	sbBuf := make([]byte, superblockSize)
	if err := v.readBytes(sbBuf, superblockSize); err != nil {
		return nil, fmt.Errorf("ext2: reading superblock: %w", err)
	}
	sb, err := superblockFromBytes(sbBuf)
	if err != nil {
		return nil, err
	}
	v.sb = sb
	v.blockSize = sb.blockSize()

	if v.blockSize%uint32(sectorSize) != 0 {
		return nil, fmt.Errorf("ext2: block size %d not sector-aligned to %d", v.blockSize, sectorSize)
	}

	groupsByBlocks := divRoundUp(uint64(sb.blocksCount), uint64(sb.blocksPerGroup))
	groupsByInodes := divRoundUp(uint64(sb.inodesCount), uint64(sb.inodesPerGroup))
	if groupsByBlocks != groupsByInodes {
		return nil, fmt.Errorf("ext2: block-group count mismatch: by blocks=%d by inodes=%d", groupsByBlocks, groupsByInodes)
	}
	v.blockGroups = uint32(groupsByBlocks)

	// BGDT sits in the block immediately after the superblock's own block.
	v.bgdtBlock = superblockLBA*uint32(sectorSize)/v.blockSize + 1
	bgdtBuf := make([]byte, v.blockSize)
	if err := v.readBlock(bgdtBuf, v.bgdtBlock); err != nil {
		return nil, fmt.Errorf("ext2: reading BGDT: %w", err)
	}
	v.bgdt = blockGroupDescriptorTableFromBytes(bgdtBuf, int(v.blockGroups))

	v.blockBitmapLocks = newGroupLocks(int(v.blockGroups))
	v.inodeBitmapLocks = newGroupLocks(int(v.blockGroups))

	v.inodeSize = sb.inodeSize
	v.inodeSizeRounded = uint16(divRoundUp(uint64(v.inodeSize), uint64(sectorSize)) * uint64(sectorSize))

	v.log.WithFields(logrus.Fields{
		"blockSize":   v.blockSize,
		"blockGroups": v.blockGroups,
		"uuid":        sb.uuid.String(),
	}).Info("mounted ext2 volume")

	return v, nil
}

// readSectors/writeSectors implement §4.1's block-I/O shim: sector-granular
// access relative to the partition base. lba below is always expressed in
// the device's own sector units.
func (v *Volume) readSectors(dst []byte, lba int64) error {
	_, err := v.storage.ReadAt(dst, (v.partitionLBA+lba)*v.sectorSize)
	if err != nil {
		return fmt.Errorf("ext2: read at lba %d: %w", lba, err)
	}
	return nil
}

func (v *Volume) writeSectors(src []byte, lba int64) error {
	w, err := v.storage.Writable()
	if err != nil {
		return fmt.Errorf("ext2: volume not writable: %w", err)
	}
	if _, err := w.WriteAt(src, (v.partitionLBA+lba)*v.sectorSize); err != nil {
		return fmt.Errorf("ext2: write at lba %d: %w", lba, err)
	}
	return nil
}

// readBytes reads n bytes starting at the fixed superblock offset (byte
// 1024, i.e. sector 2 of a 512-byte-sector device); the only caller is Mount.
func (v *Volume) readBytes(dst []byte, n int) error {
	byteOffset := int64(superblockLBA) * 512
	sector := byteOffset / v.sectorSize
	return v.readSectors(dst[:n], sector)
}

// blockToLBA converts an absolute block number into the device-sector LBA
// it starts at.
func (v *Volume) blockToLBA(block uint32) int64 {
	return int64(block) * int64(v.blockSize) / v.sectorSize
}

func (v *Volume) readBlock(dst []byte, block uint32) error {
	return v.readSectors(dst, v.blockToLBA(block))
}

func (v *Volume) writeBlock(src []byte, block uint32) error {
	return v.writeSectors(src, v.blockToLBA(block))
}

func (v *Volume) zeroBlock(block uint32) error {
	return v.writeBlock(make([]byte, v.blockSize), block)
}

// persistSuperblock and persistBGDT write the in-memory copies back; see
// §4.2. Both are serialized by sbPersistMu since free-space counters in the
// superblock accumulate deltas made under many different group locks.
func (v *Volume) persistSuperblock() error {
	v.sbPersistMu.Lock()
	defer v.sbPersistMu.Unlock()
	byteOffset := int64(superblockLBA) * 512
	sector := byteOffset / v.sectorSize
	return v.writeSectors(v.sb.toBytes(), sector)
}

func (v *Volume) persistBGDT() error {
	v.sbPersistMu.Lock()
	defer v.sbPersistMu.Unlock()
	return v.writeBlock(v.bgdt.toBytes(v.blockSize), v.bgdtBlock)
}

// pointersPerIndirectBlock is `p` in §4.5: 32-bit pointers fit per block.
func (v *Volume) pointersPerIndirectBlock() uint32 {
	return v.blockSize / 4
}

// RootInode returns the fixed inode number for "/", per ext2 convention.
func (v *Volume) RootInode() uint32 { return rootInodeNumber }
