// Command ext2dump walks a mounted ext2 image and writes a record for each of
// its directories, regular files and symlinks into a single lz4-compressed
// stream, for offline backup or inspection
// without needing a host-level ext2 driver.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"path"

	"github.com/pierrec/lz4"
	"github.com/sirupsen/logrus"

	"github.com/agostino64/ext2fs/backend/file"
	"github.com/agostino64/ext2fs/ext2"
)

func check(err error) {
	if err == nil {
		return
	}
	log.Fatal(err)
}

// recordHeader precedes every record in the dump stream: the path's length
// (the path bytes follow the header), a size, and a type byte ('f' regular,
// 'd' directory, 'l' symlink).
type recordHeader struct {
	pathLen uint16
	size    uint64
	kind    byte
}

func writeRecord(w *lz4.Writer, p string, kind byte, data []byte) error {
	hdr := recordHeader{pathLen: uint16(len(p)), size: uint64(len(data)), kind: kind}
	buf := make([]byte, 2+8+1)
	binary.LittleEndian.PutUint16(buf[0:2], hdr.pathLen)
	binary.LittleEndian.PutUint64(buf[2:10], hdr.size)
	buf[10] = hdr.kind
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if _, err := w.Write([]byte(p)); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func main() {
	imagePath := flag.String("image", "", "ext2 image path")
	out := flag.String("out", "dump.ext2dump.lz4", "output compressed dump path")
	flag.Parse()

	if *imagePath == "" {
		log.Fatal("missing -image")
	}

	storage, err := file.OpenFromPath(*imagePath, 512, true)
	check(err)
	defer storage.Close()

	v, err := ext2.Mount(storage, ext2.Params{Logger: logrus.StandardLogger()})
	check(err)

	outFile, err := os.Create(*out)
	check(err)
	defer outFile.Close()

	lz := lz4.NewWriter(outFile)
	lz.Header.CompressionLevel = lz4.Level9
	defer lz.Close()

	check(walk(v, "/", lz))
	fmt.Printf("dumped %s -> %s\n", *imagePath, *out)
}

func walk(v *ext2.Volume, dir string, gz *lz4.Writer) error {
	names, err := v.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		full := path.Join(dir, name)

		ino, err := v.Lstat(full)
		if err != nil {
			return err
		}

		switch {
		case ino.IsDir():
			if err := writeRecord(gz, full, 'd', nil); err != nil {
				return err
			}
			if err := walk(v, full, gz); err != nil {
				return err
			}
		case ino.IsSymlink():
			target, err := v.Readlink(full)
			if err != nil {
				return err
			}
			if err := writeRecord(gz, full, 'l', []byte(target)); err != nil {
				return err
			}
		default:
			d, err := v.Open(full, os.O_RDONLY, 0)
			if err != nil {
				return err
			}
			buf := make([]byte, ino.Size)
			if _, err := d.Read(buf); err != nil {
				d.Close()
				return err
			}
			d.Close()
			if err := writeRecord(gz, full, 'f', buf); err != nil {
				return err
			}
		}
	}
	return nil
}
