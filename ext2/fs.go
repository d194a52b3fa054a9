package ext2

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"
)

// This file is the VFS-facing dispatch surface: the small set of exported
// methods a kernel's filesystem layer calls into, mirroring the original
// driver's ext2Handlers table (mount/open/read/write/seek/close/duplicate/
// stat/lstat/fstat/readlink/mkdir/delete/link/getdents64/getFilesize/mmap).
// Everything behind these names lives in the other files in this package.

// Read fills buf from the descriptor's current position and advances it.
func (d *Descriptor) Read(buf []byte) (int, error) { return d.read(buf) }

// Write stores buf at the descriptor's current position, advancing it, and
// growing the file if the write extends past the current end. On an
// O_APPEND descriptor buf is stored at the end of the file and the cursor
// is left where it was.
func (d *Descriptor) Write(buf []byte) (int, error) { return d.write(buf) }

// Seek repositions the descriptor's cursor; whence is one of
// unix.SEEK_SET/SEEK_CUR/SEEK_END.
func (d *Descriptor) Seek(offset int64, whence int) (uint64, error) { return d.seek(offset, whence) }

// Close releases this descriptor's reference to its shared object.
func (d *Descriptor) Close() error { d.close(); return nil }

// Duplicate returns a new descriptor sharing state with d, as dup() does.
func (d *Descriptor) Duplicate() *Descriptor { return d.dup() }

// Truncate resizes the underlying file.
func (d *Descriptor) Truncate(size uint64) error { return d.truncate(size) }

// GetFilesize reports the file's current size without a round trip through
// Stat.
func (d *Descriptor) GetFilesize() uint64 { return d.getFilesize() }

// InodeNumber reports which inode this descriptor refers to, used by
// callers that need to compare identity across two open descriptors.
func (d *Descriptor) InodeNumber() uint32 { return d.ino }

// SetTimes stamps the descriptor's inode with an explicit modification time,
// the utimes()-style escape hatch a caller needs when content didn't just
// come from a write() through this driver (e.g. cmd/mkext2 seeding an image
// from a host tree and wanting to preserve the host file's mtime).
func (d *Descriptor) SetTimes(mtime time.Time) error {
	return d.obj.mutateInode(d.v, func(cur *Inode) {
		cur.MTime = uint32(mtime.Unix())
	})
}

// direntHeaderSize is sizeof(struct linux_dirent64) without the flexible
// name array: ino(8) + off(8) + reclen(2) + type(1).
const direntHeaderSize = 19

func direntRecLen(nameLen int) int {
	raw := direntHeaderSize + nameLen + 1 // +1 for the NUL terminator
	return (raw + 7) &^ 7                 // 8-byte aligned, per linux_dirent64
}

func packDirent(buf []byte, inode uint64, off uint64, recLen int, fileType uint8, name string) {
	binary.LittleEndian.PutUint64(buf[0:8], inode)
	binary.LittleEndian.PutUint64(buf[8:16], off)
	binary.LittleEndian.PutUint16(buf[16:18], uint16(recLen))
	buf[18] = fileType
	copy(buf[19:19+len(name)], name)
	buf[19+len(name)] = 0
}

// Getdents64 packs directory entries into buf using the Linux
// linux_dirent64 layout, picking up where the last call on this descriptor
// left off: the descriptor's cursor holds a byte offset within the
// directory's data, and each call leaves it just past the last record it
// returned (the same value written into that record's off field).
func (v *Volume) Getdents64(d *Descriptor, buf []byte) (int, error) {
	ino := d.obj.snapshotInode()
	if !ino.IsDir() {
		return 0, errnof("getdents64", "", unix.ENOTDIR)
	}

	entries, err := v.enumerateDir(&ino)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, e := range entries {
		if e.offset < d.ptr {
			continue
		}
		recLen := direntRecLen(len(e.name))
		if written+recLen > len(buf) {
			break
		}
		next := e.offset + uint64(e.recLen)
		packDirent(buf[written:], uint64(e.inode), next, recLen, e.fileType, e.name)
		written += recLen
		d.ptr = next
	}
	return written, nil
}

// ReadDir is the enumerate() convenience used by callers that want parsed
// entries rather than a raw getdents64 buffer (e.g. cmd/ext2dump,
// cmd/ext2fuse, tests).
func (v *Volume) ReadDir(path string) ([]string, error) {
	ino, err := v.Stat(path)
	if err != nil {
		return nil, err
	}
	if !ino.IsDir() {
		return nil, errnof("readdir", path, unix.ENOTDIR)
	}
	entries, err := v.enumerateDir(ino)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.name == "." || e.name == ".." {
			continue
		}
		names = append(names, e.name)
	}
	return names, nil
}
