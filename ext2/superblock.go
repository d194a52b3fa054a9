package ext2

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Byte offsets within the 1024-byte ext2 superblock, revision 1 layout.
const (
	sbOffInodesCount      = 0x00
	sbOffBlocksCount      = 0x04
	sbOffFreeBlocksCount  = 0x0c
	sbOffFreeInodesCount  = 0x10
	sbOffFirstDataBlock   = 0x14
	sbOffLogBlockSize     = 0x18
	sbOffBlocksPerGroup   = 0x20
	sbOffInodesPerGroup   = 0x28
	sbOffMagic            = 0x38
	sbOffState            = 0x3a
	sbOffErrors           = 0x3c
	sbOffRevLevel         = 0x4c
	sbOffFirstInode       = 0x54
	sbOffInodeSize        = 0x58
	sbOffFeatureCompat    = 0x5c
	sbOffFeatureIncompat  = 0x60
	sbOffFeatureRoCompat  = 0x64
	sbOffUUID             = 0x68
	sbOffVolumeName       = 0x78

	superblockSize = 1024
	superblockLBA  = 2 // sector 2, i.e. byte offset 1024 on a 512-byte-sector device

	magicEXT2 uint16 = 0xEF53

	// required-features bits relevant to this driver; see §2/§7.
	featureIncompatCompression  uint32 = 0x1
	featureIncompatFiletype     uint32 = 0x2
	featureIncompatRecover      uint32 = 0x4
	featureIncompatJournalDev   uint32 = 0x8

	fsStateClean uint16 = 1
	fsStateError uint16 = 2

	errorsContinue      uint16 = 1
	errorsRemountReadOnly uint16 = 2
	errorsPanic         uint16 = 3

	rootInodeNumber uint32 = 2

	defaultInodeSize uint16 = 128
)

// superblock holds the parsed contents of an ext2 superblock plus the
// mutable free-space counters that change as blocks/inodes are allocated.
// It is always kept in RAM for the life of a mounted Volume and flushed back
// with Volume.persistSuperblock().
type superblock struct {
	inodesCount     uint32
	blocksCount     uint32
	freeBlocksCount uint32
	freeInodesCount uint32
	firstDataBlock  uint32
	log2BlockSize   uint32
	blocksPerGroup  uint32
	inodesPerGroup  uint32
	state           uint16
	errorPolicy     uint16
	majorRevision   uint32
	firstNonReservedInode uint32
	inodeSize       uint16
	featureCompat   uint32
	featureIncompat uint32
	featureRoCompat uint32
	uuid            uuid.UUID
	volumeName      string

	raw [superblockSize]byte
}

func superblockFromBytes(b []byte) (*superblock, error) {
	if len(b) < superblockSize {
		return nil, fmt.Errorf("superblock: need %d bytes, got %d", superblockSize, len(b))
	}
	sb := &superblock{}
	copy(sb.raw[:], b[:superblockSize])

	sb.inodesCount = binary.LittleEndian.Uint32(b[sbOffInodesCount:])
	sb.blocksCount = binary.LittleEndian.Uint32(b[sbOffBlocksCount:])
	sb.freeBlocksCount = binary.LittleEndian.Uint32(b[sbOffFreeBlocksCount:])
	sb.freeInodesCount = binary.LittleEndian.Uint32(b[sbOffFreeInodesCount:])
	sb.firstDataBlock = binary.LittleEndian.Uint32(b[sbOffFirstDataBlock:])
	sb.log2BlockSize = binary.LittleEndian.Uint32(b[sbOffLogBlockSize:])
	sb.blocksPerGroup = binary.LittleEndian.Uint32(b[sbOffBlocksPerGroup:])
	sb.inodesPerGroup = binary.LittleEndian.Uint32(b[sbOffInodesPerGroup:])

	magic := binary.LittleEndian.Uint16(b[sbOffMagic:])
	if magic != magicEXT2 {
		return nil, errnof("mount", "", EINVAL)
	}

	sb.state = binary.LittleEndian.Uint16(b[sbOffState:])
	sb.errorPolicy = binary.LittleEndian.Uint16(b[sbOffErrors:])
	sb.majorRevision = binary.LittleEndian.Uint32(b[sbOffRevLevel:])

	if sb.majorRevision < 1 {
		// revision 0 has none of the extended fields below; out of scope.
		return nil, errnof("mount", "", ENOSYS)
	}

	sb.firstNonReservedInode = binary.LittleEndian.Uint32(b[sbOffFirstInode:])
	sb.inodeSize = binary.LittleEndian.Uint16(b[sbOffInodeSize:])
	if sb.inodeSize == 0 {
		sb.inodeSize = defaultInodeSize
	}
	sb.featureCompat = binary.LittleEndian.Uint32(b[sbOffFeatureCompat:])
	sb.featureIncompat = binary.LittleEndian.Uint32(b[sbOffFeatureIncompat:])
	sb.featureRoCompat = binary.LittleEndian.Uint32(b[sbOffFeatureRoCompat:])

	id, err := uuid.FromBytes(b[sbOffUUID : sbOffUUID+16])
	if err == nil {
		sb.uuid = id
	}
	sb.volumeName = cString(b[sbOffVolumeName : sbOffVolumeName+16])

	if sb.featureIncompat != featureIncompatFiletype {
		return nil, fmt.Errorf("ext2: unsupported required features: compression=%v filetype=%v replay=%v device=%v: %w",
			sb.featureIncompat&featureIncompatCompression != 0,
			sb.featureIncompat&featureIncompatFiletype != 0,
			sb.featureIncompat&featureIncompatRecover != 0,
			sb.featureIncompat&featureIncompatJournalDev != 0,
			errnof("mount", "", ENOSYS))
	}

	if sb.state != fsStateClean {
		switch sb.errorPolicy {
		case errorsRemountReadOnly:
			return nil, errnof("mount", "", EACCES)
		case errorsPanic:
			panic("ext2: superblock reports errors and error-policy is panic")
		}
	}

	return sb, nil
}

// blockSize is 1024 << log2BlockSize, per §3.
func (sb *superblock) blockSize() uint32 {
	return 1024 << sb.log2BlockSize
}

func (sb *superblock) toBytes() []byte {
	out := make([]byte, superblockSize)
	copy(out, sb.raw[:])
	binary.LittleEndian.PutUint32(out[sbOffFreeBlocksCount:], sb.freeBlocksCount)
	binary.LittleEndian.PutUint32(out[sbOffFreeInodesCount:], sb.freeInodesCount)
	binary.LittleEndian.PutUint16(out[sbOffState:], sb.state)
	return out
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
