//go:build fuse

// Command ext2fuse mounts an ext2 image on the host via FUSE, for
// interactive inspection and as an end-to-end test harness for the driver
// without a freestanding kernel. Gated behind the "fuse" build tag, the same
// pattern the squashfs driver in this codebase's lineage uses to keep a
// host-only dependency out of the default build.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"

	"github.com/agostino64/ext2fs/backend/file"
	"github.com/agostino64/ext2fs/ext2"
)

// node is one FUSE inode, backed by an ext2 path rather than an ext2 inode
// number directly: the driver's path resolver already does the per-lookup
// work a FUSE Lookup needs, so node simply remembers where it is.
type node struct {
	fs.Inode
	vol  *ext2.Volume
	path string
}

var _ fs.NodeLookuper = (*node)(nil)
var _ fs.NodeGetattrer = (*node)(nil)
var _ fs.NodeReaddirer = (*node)(nil)
var _ fs.NodeOpener = (*node)(nil)
var _ fs.NodeReader = (*node)(nil)

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child := path.Join(n.path, name)
	ino, err := n.vol.Lstat(child)
	if err != nil {
		return nil, syscall.ENOENT
	}
	fillAttr(&out.Attr, ino)

	mode := uint32(fuse.S_IFREG)
	if ino.IsDir() {
		mode = fuse.S_IFDIR
	} else if ino.IsSymlink() {
		mode = fuse.S_IFLNK
	}
	childNode := &node{vol: n.vol, path: child}
	return n.NewInode(ctx, childNode, fs.StableAttr{Mode: mode}), fs.OK
}

func (n *node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	ino, err := n.vol.Lstat(n.path)
	if err != nil {
		return syscall.ENOENT
	}
	fillAttr(&out.Attr, ino)
	return fs.OK
}

func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	names, err := n.vol.ReadDir(n.path)
	if err != nil {
		return nil, syscall.ENOENT
	}
	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		ino, err := n.vol.Lstat(path.Join(n.path, name))
		if err != nil {
			continue
		}
		mode := uint32(fuse.S_IFREG)
		if ino.IsDir() {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: name, Mode: mode})
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	d, err := n.vol.Open(n.path, os.O_RDONLY, 0)
	if err != nil {
		return nil, 0, syscall.EIO
	}
	return &fileHandle{d: d}, fuse.FOPEN_KEEP_CACHE, fs.OK
}

func (n *node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	fh, ok := f.(*fileHandle)
	if !ok {
		return nil, syscall.EIO
	}
	if _, err := fh.d.Seek(off, 0); err != nil {
		return nil, syscall.EIO
	}
	n2, err := fh.d.Read(dest)
	if err != nil {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n2]), fs.OK
}

type fileHandle struct {
	d *ext2.Descriptor
}

func fillAttr(attr *fuse.Attr, ino *ext2.Inode) {
	attr.Size = ino.Size
	attr.Mode = uint32(ino.Mode)
	attr.Mtime = ino.MTime
	attr.Atime = ino.ATime
	attr.Ctime = ino.CTime
	attr.Nlink = uint32(ino.HardLinks)
}

func main() {
	imagePath := flag.String("image", "", "ext2 image path")
	mountpoint := flag.String("mountpoint", "", "host directory to mount onto")
	flag.Parse()
	if *imagePath == "" || *mountpoint == "" {
		log.Fatal("usage: ext2fuse -image <path> -mountpoint <dir>")
	}

	storage, err := file.OpenFromPath(*imagePath, 512, true)
	if err != nil {
		log.Fatal(err)
	}
	v, err := ext2.Mount(storage, ext2.Params{Logger: logrus.StandardLogger()})
	if err != nil {
		log.Fatal(err)
	}

	root := &node{vol: v, path: "/"}
	server, err := fs.Mount(*mountpoint, root, &fs.Options{
		MountOptions: fuse.MountOptions{Debug: false},
	})
	if err != nil {
		log.Fatal(err)
	}

	log.Printf("mounted %s at %s", *imagePath, *mountpoint)
	server.Wait()
}
