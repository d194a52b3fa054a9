package ext2

import (
	"encoding/binary"
	"io"
	"io/fs"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/agostino64/ext2fs/backend"
)

// memStorage is an in-memory backend.Storage, so tests can mount volumes
// without touching the filesystem, matching the teacher's own preference for
// fixtures built inline (see util/bitmap's table-driven tests) over files on
// disk.
type memStorage struct {
	mu       sync.Mutex
	data     []byte
	pos      int64
	ro       bool
	readAtCt int
}

func newMemStorage(size int) *memStorage {
	return &memStorage{data: make([]byte, size)}
}

var _ backend.Storage = (*memStorage)(nil)

func (m *memStorage) Stat() (fs.FileInfo, error) { return nil, nil }

func (m *memStorage) Read(p []byte) (int, error) {
	n, err := m.ReadAt(p, m.pos)
	m.pos += int64(n)
	return n, err
}

func (m *memStorage) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readAtCt++
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memStorage) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.pos = offset
	case io.SeekCurrent:
		m.pos += offset
	case io.SeekEnd:
		m.pos = int64(len(m.data)) + offset
	}
	return m.pos, nil
}

func (m *memStorage) Close() error      { return nil }
func (m *memStorage) SectorSize() int64 { return 512 }

func (m *memStorage) Writable() (backend.WritableFile, error) {
	if m.ro {
		return nil, backend.ErrIncorrectOpenMode
	}
	return memWritable{m}, nil
}

type memWritable struct{ m *memStorage }

func (w memWritable) Stat() (fs.FileInfo, error) { return w.m.Stat() }
func (w memWritable) Read(p []byte) (int, error) { return w.m.Read(p) }
func (w memWritable) Close() error               { return nil }
func (w memWritable) ReadAt(p []byte, off int64) (int, error) {
	return w.m.ReadAt(p, off)
}
func (w memWritable) Seek(offset int64, whence int) (int64, error) {
	return w.m.Seek(offset, whence)
}
func (w memWritable) WriteAt(p []byte, off int64) (int, error) {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	need := off + int64(len(p))
	if need > int64(len(w.m.data)) {
		grown := make([]byte, need)
		copy(grown, w.m.data)
		w.m.data = grown
	}
	n := copy(w.m.data[off:], p)
	return n, nil
}

// testImageLayout mirrors cmd/mkext2's single-block-group formatter, kept
// independent (rather than imported, since it lives in package main) so the
// ext2 package's own tests never depend on a cmd/ binary.
type testImageLayout struct {
	blockSize        uint32
	totalBlocks      uint32
	inodesCount      uint32
	inodeTableBlock  uint32
	blockBitmapBlock uint32
	inodeBitmapBlock uint32
	bgdtBlock        uint32
	rootDirBlock     uint32
	firstDataBlock   uint32
}

func formatTestImage(blockSize, totalBlocks uint32) *memStorage {
	inodesCount := totalBlocks / 4
	if inodesCount < 32 {
		inodesCount = 32
	}
	inodeSize := uint16(128)
	inodesPerBlock := blockSize / uint32(inodeSize)
	inodeTableBlocks := (inodesCount + inodesPerBlock - 1) / inodesPerBlock

	firstDataBlockVal := uint32(1)
	superblockBlock := uint32(1)
	if blockSize != 1024 {
		firstDataBlockVal = 0
		superblockBlock = 0
	}
	bgdtBlock := superblockBlock + 1
	blockBitmapBlock := bgdtBlock + 1
	inodeBitmapBlock := blockBitmapBlock + 1
	inodeTableBlock := inodeBitmapBlock + 1
	firstDataBlock := inodeTableBlock + inodeTableBlocks
	rootDirBlock := firstDataBlock

	usedBlocks := firstDataBlock + 1
	bitmapUsed := usedBlocks - firstDataBlockVal

	size := int64(totalBlocks) * int64(blockSize)
	m := newMemStorage(int(size))

	writeTestSuperblock(m.data, blockSize, totalBlocks, inodesCount, usedBlocks, inodeSize)
	writeTestBGDT(m.data, blockSize, bgdtBlock, blockBitmapBlock, inodeBitmapBlock, inodeTableBlock,
		totalBlocks-bitmapUsed-firstDataBlockVal, inodesCount-2)
	writeTestBitmapBlock(m.data, blockSize, blockBitmapBlock, int(bitmapUsed))
	writeTestBitmapBlock(m.data, blockSize, inodeBitmapBlock, 2)
	writeTestRootInode(m.data, blockSize, inodeTableBlock, inodeSize, rootDirBlock)
	writeTestRootDirBlock(m.data, blockSize, rootDirBlock)

	return m
}

func testBlockOffset(blockSize, block uint32) int { return int(block) * int(blockSize) }

func writeTestSuperblock(image []byte, blockSize, totalBlocks, inodesCount, usedBlocks uint32, inodeSize uint16) {
	sb := image[1024:2048]
	log2 := uint32(0)
	for bs := blockSize; bs > 1024; bs >>= 1 {
		log2++
	}
	binary.LittleEndian.PutUint32(sb[0x00:], inodesCount)
	binary.LittleEndian.PutUint32(sb[0x04:], totalBlocks)
	binary.LittleEndian.PutUint32(sb[0x0c:], totalBlocks-usedBlocks)
	binary.LittleEndian.PutUint32(sb[0x10:], inodesCount-2)
	firstDataBlockVal := uint32(1)
	if blockSize != 1024 {
		firstDataBlockVal = 0
	}
	binary.LittleEndian.PutUint32(sb[0x14:], firstDataBlockVal)
	binary.LittleEndian.PutUint32(sb[0x18:], log2)
	binary.LittleEndian.PutUint32(sb[0x20:], totalBlocks)
	binary.LittleEndian.PutUint32(sb[0x28:], inodesCount)
	binary.LittleEndian.PutUint16(sb[0x38:], 0xEF53)
	binary.LittleEndian.PutUint16(sb[0x3a:], 1)
	binary.LittleEndian.PutUint16(sb[0x3c:], 1)
	binary.LittleEndian.PutUint32(sb[0x4c:], 1)
	binary.LittleEndian.PutUint32(sb[0x54:], 11)
	binary.LittleEndian.PutUint16(sb[0x58:], inodeSize)
	binary.LittleEndian.PutUint32(sb[0x60:], 0x2)

	id := uuid.New()
	idBytes, _ := id.MarshalBinary()
	copy(sb[0x68:0x78], idBytes)
	copy(sb[0x78:0x88], "test")
}

func writeTestBGDT(image []byte, blockSize, bgdtBlock, blockBitmapBlock, inodeBitmapBlock, inodeTableBlock, freeBlocks, freeInodes uint32) {
	gd := image[testBlockOffset(blockSize, bgdtBlock):]
	binary.LittleEndian.PutUint32(gd[0:4], blockBitmapBlock)
	binary.LittleEndian.PutUint32(gd[4:8], inodeBitmapBlock)
	binary.LittleEndian.PutUint32(gd[8:12], inodeTableBlock)
	binary.LittleEndian.PutUint16(gd[12:14], uint16(freeBlocks))
	binary.LittleEndian.PutUint16(gd[14:16], uint16(freeInodes))
	binary.LittleEndian.PutUint16(gd[16:18], 1)
}

func writeTestBitmapBlock(image []byte, blockSize, block uint32, usedCount int) {
	bm := image[testBlockOffset(blockSize, block):]
	for i := 0; i < usedCount; i++ {
		bm[i/8] |= 1 << uint(i%8)
	}
}

func writeTestRootInode(image []byte, blockSize, inodeTableBlock uint32, inodeSize uint16, rootDirBlock uint32) {
	off := testBlockOffset(blockSize, inodeTableBlock) + int(inodeSize)
	ino := image[off : off+int(inodeSize)]
	binary.LittleEndian.PutUint16(ino[0x00:], 0x4000|0o755)
	binary.LittleEndian.PutUint32(ino[0x04:], blockSize)
	binary.LittleEndian.PutUint16(ino[0x1a:], 2)
	binary.LittleEndian.PutUint32(ino[0x1c:], blockSize/512)
	binary.LittleEndian.PutUint32(ino[0x28:], rootDirBlock)
}

func writeTestRootDirBlock(image []byte, blockSize, rootDirBlock uint32) {
	buf := image[testBlockOffset(blockSize, rootDirBlock):]
	binary.LittleEndian.PutUint32(buf[0:4], 2)
	binary.LittleEndian.PutUint16(buf[4:6], 12)
	buf[6] = 1
	buf[7] = 2
	buf[8] = '.'

	binary.LittleEndian.PutUint32(buf[12:16], 2)
	binary.LittleEndian.PutUint16(buf[16:18], uint16(blockSize)-12)
	buf[18] = 2
	buf[19] = 2
	buf[20] = '.'
	buf[21] = '.'
}

// mustMount formats a fresh image and mounts it, failing the test on error.
func mustMount(t *testing.T, blockSize, totalBlocks uint32) *Volume {
	t.Helper()
	storage := formatTestImage(blockSize, totalBlocks)
	v, err := Mount(storage, Params{})
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	return v
}
