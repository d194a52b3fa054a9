// Command mkext2 formats a fresh ext2 image and, optionally, seeds it from
// a host directory tree, preserving the host files' modification times.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	times "gopkg.in/djherbis/times.v1"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agostino64/ext2fs/backend/file"
	"github.com/agostino64/ext2fs/ext2"
	"github.com/agostino64/ext2fs/util/timestamp"
)

func check(err error) {
	if err == nil {
		return
	}
	log.Fatal(err)
}

func main() {
	out := flag.String("out", "image.ext2", "output image path")
	sizeMB := flag.Int64("size-mb", 16, "image size in megabytes")
	blockSize := flag.Uint("block-size", 1024, "block size in bytes (1024, 2048 or 4096)")
	label := flag.String("label", "", "volume label")
	seed := flag.String("seed", "", "host directory to copy into the new image")
	flag.Parse()

	logrus.SetLevel(logrus.InfoLevel)

	size := *sizeMB * 1024 * 1024
	check(formatImage(*out, size, uint32(*blockSize), *label))

	if *seed == "" {
		fmt.Printf("formatted %s (%d MiB)\n", *out, *sizeMB)
		return
	}

	storage, err := file.OpenFromPath(*out, 512, false)
	check(err)
	defer storage.Close()

	v, err := ext2.Mount(storage, ext2.Params{Logger: logrus.StandardLogger()})
	check(err)

	check(seedTree(v, *seed))
	fmt.Printf("formatted and seeded %s from %s\n", *out, *seed)
}

// seedTree walks a host directory, recreating it inside the mounted volume
// and preserving each file's modification time via djherbis/times, which
// exposes birth/mtime/atime uniformly across platforms where the stdlib
// os.FileInfo alone does not.
func seedTree(v *ext2.Volume, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := "/" + filepath.ToSlash(rel)

		ts, tErr := times.Stat(path)
		mtime := info.ModTime()
		if tErr == nil {
			mtime = ts.ModTime()
		}

		if info.IsDir() {
			logrus.WithField("path", target).Debug("creating directory")
			return v.Mkdir(target, 0o755)
		}

		d, err := v.Open(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		defer d.Close()

		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()

		buf := make([]byte, 64*1024)
		for {
			n, rerr := src.Read(buf)
			if n > 0 {
				if _, werr := d.Write(buf[:n]); werr != nil {
					return werr
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return rerr
			}
		}
		return d.SetTimes(mtime)
	})
}

// formatImage lays out a brand-new, single-block-group ext2 filesystem:
// superblock, BGDT, block/inode bitmaps, inode table, and a root directory
// containing only "." and "..". It deliberately does not use the ext2
// package, since that package assumes a volume already exists to mount.
func formatImage(path string, size int64, blockSize uint32, label string) error {
	if blockSize != 1024 && blockSize != 2048 && blockSize != 4096 {
		return fmt.Errorf("block size must be 1024, 2048 or 4096")
	}

	totalBlocks := uint32(size / int64(blockSize))
	inodesCount := totalBlocks / 4
	if inodesCount < 32 {
		inodesCount = 32
	}
	inodeSize := uint16(128)
	inodesPerBlock := blockSize / uint32(inodeSize)
	inodeTableBlocks := (inodesCount + inodesPerBlock - 1) / inodesPerBlock

	// Fixed single-group layout: [boot][superblock][bgdt][blockBitmap][inodeBitmap][inodeTable...][data...]
	// firstDataBlockVal is bit 0's block number in the group's bitmaps: 1 when
	// the 1024-byte boot block precedes the superblock, 0 otherwise.
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
	usedBlocks := firstDataBlock + 1                     // absolute count of blocks 0..rootDirBlock
	bitmapUsed := usedBlocks - firstDataBlockVal          // same range, relative to bitmap bit 0

	image := make([]byte, size)

	now := timestamp.Now()
	writeSuperblock(image, blockSize, totalBlocks, inodesCount, usedBlocks, inodeSize, label, now)
	writeBGDT(image, blockSize, bgdtBlock, blockBitmapBlock, inodeBitmapBlock, inodeTableBlock, totalBlocks-bitmapUsed-firstDataBlockVal, inodesCount-2)
	writeBitmapBlock(image, blockSize, blockBitmapBlock, int(bitmapUsed))
	writeBitmapBlock(image, blockSize, inodeBitmapBlock, 2) // inode 1 (reserved) and 2 (root) in use

	writeRootInode(image, blockSize, inodeTableBlock, inodeSize, rootDirBlock, now)
	writeRootDirBlock(image, blockSize, rootDirBlock)

	return os.WriteFile(path, image, 0o644)
}

func blockOffset(blockSize uint32, block uint32) int {
	return int(block) * int(blockSize)
}

func writeSuperblock(image []byte, blockSize, totalBlocks, inodesCount, usedBlocks uint32, inodeSize uint16, label string, now time.Time) {
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
	binary.LittleEndian.PutUint32(sb[0x20:], totalBlocks) // single group: blocksPerGroup == totalBlocks
	binary.LittleEndian.PutUint32(sb[0x28:], inodesCount) // single group: inodesPerGroup == inodesCount
	binary.LittleEndian.PutUint32(sb[0x2c:], uint32(now.Unix())) // last mount time
	binary.LittleEndian.PutUint32(sb[0x30:], uint32(now.Unix())) // last written time
	binary.LittleEndian.PutUint16(sb[0x38:], 0xEF53)
	binary.LittleEndian.PutUint16(sb[0x3a:], 1) // clean
	binary.LittleEndian.PutUint16(sb[0x3c:], 1) // errors: continue
	binary.LittleEndian.PutUint32(sb[0x4c:], 1) // revision 1
	binary.LittleEndian.PutUint32(sb[0x54:], 11)
	binary.LittleEndian.PutUint16(sb[0x58:], inodeSize)
	binary.LittleEndian.PutUint32(sb[0x60:], 0x2) // EXT2_FEATURE_INCOMPAT_FILETYPE

	id := uuid.New()
	idBytes, _ := id.MarshalBinary()
	copy(sb[0x68:0x78], idBytes)
	copy(sb[0x78:0x88], label)
}

func writeBGDT(image []byte, blockSize, bgdtBlock, blockBitmapBlock, inodeBitmapBlock, inodeTableBlock, freeBlocks, freeInodes uint32) {
	gd := image[blockOffset(blockSize, bgdtBlock):]
	binary.LittleEndian.PutUint32(gd[0:4], blockBitmapBlock)
	binary.LittleEndian.PutUint32(gd[4:8], inodeBitmapBlock)
	binary.LittleEndian.PutUint32(gd[8:12], inodeTableBlock)
	binary.LittleEndian.PutUint16(gd[12:14], uint16(freeBlocks))
	binary.LittleEndian.PutUint16(gd[14:16], uint16(freeInodes))
	binary.LittleEndian.PutUint16(gd[16:18], 1) // used dirs: root
}

func writeBitmapBlock(image []byte, blockSize, block uint32, usedCount int) {
	bm := image[blockOffset(blockSize, block):]
	for i := 0; i < usedCount; i++ {
		bm[i/8] |= 1 << uint(i%8)
	}
}

func writeRootInode(image []byte, blockSize, inodeTableBlock uint32, inodeSize uint16, rootDirBlock uint32, now time.Time) {
	// root inode is the second entry (index 1) in the inode table.
	off := blockOffset(blockSize, inodeTableBlock) + int(inodeSize)
	ino := image[off : off+int(inodeSize)]
	binary.LittleEndian.PutUint16(ino[0x00:], 0x4000|0o755) // S_IFDIR
	binary.LittleEndian.PutUint32(ino[0x04:], blockSize)     // size: one block
	binary.LittleEndian.PutUint32(ino[0x08:], uint32(now.Unix()))
	binary.LittleEndian.PutUint32(ino[0x0c:], uint32(now.Unix()))
	binary.LittleEndian.PutUint32(ino[0x10:], uint32(now.Unix()))
	binary.LittleEndian.PutUint16(ino[0x1a:], 2) // links: "." + parent's ".."
	binary.LittleEndian.PutUint32(ino[0x1c:], blockSize/512)
	binary.LittleEndian.PutUint32(ino[0x28:], rootDirBlock) // Block[0]
}

func writeRootDirBlock(image []byte, blockSize, rootDirBlock uint32) {
	buf := image[blockOffset(blockSize, rootDirBlock):]

	binary.LittleEndian.PutUint32(buf[0:4], 2) // "."  -> inode 2
	binary.LittleEndian.PutUint16(buf[4:6], 12)
	buf[6] = 1
	buf[7] = 2 // EXT2_FT_DIR
	buf[8] = '.'

	binary.LittleEndian.PutUint32(buf[12:16], 2) // ".." -> inode 2 (root is its own parent)
	binary.LittleEndian.PutUint16(buf[16:18], uint16(blockSize)-12)
	buf[18] = 2
	buf[19] = 2
	buf[20] = '.'
	buf[21] = '.'
}
