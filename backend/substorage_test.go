package backend

import (
	"io"
	"io/fs"
	"testing"
)

// memBacking is a minimal in-memory Storage used only to exercise SubStorage's
// offset arithmetic, mirroring how a real block device would be sliced into
// partition-relative ranges.
type memBacking struct {
	data []byte
}

func (m *memBacking) Stat() (fs.FileInfo, error)      { return nil, nil }
func (m *memBacking) Read(p []byte) (int, error)      { return 0, io.EOF }
func (m *memBacking) Close() error                    { return nil }
func (m *memBacking) SectorSize() int64               { return 512 }
func (m *memBacking) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.data[off:])
	return n, nil
}
func (m *memBacking) Seek(offset int64, whence int) (int64, error) { return offset, nil }
func (m *memBacking) Writable() (WritableFile, error)              { return &memBackingWritable{m}, nil }

type memBackingWritable struct{ m *memBacking }

func (w *memBackingWritable) Stat() (fs.FileInfo, error)      { return nil, nil }
func (w *memBackingWritable) Read(p []byte) (int, error)      { return 0, io.EOF }
func (w *memBackingWritable) Close() error                    { return nil }
func (w *memBackingWritable) ReadAt(p []byte, off int64) (int, error) {
	return w.m.ReadAt(p, off)
}
func (w *memBackingWritable) Seek(offset int64, whence int) (int64, error) { return offset, nil }
func (w *memBackingWritable) WriteAt(p []byte, off int64) (int, error) {
	if need := off + int64(len(p)); need > int64(len(w.m.data)) {
		grown := make([]byte, need)
		copy(grown, w.m.data)
		w.m.data = grown
	}
	return copy(w.m.data[off:], p), nil
}

func TestSubStorageReadAtIsOffsetRelative(t *testing.T) {
	backing := &memBacking{data: make([]byte, 64)}
	for i := range backing.data {
		backing.data[i] = byte(i)
	}
	sub := Sub(backing, 16, 32)

	buf := make([]byte, 4)
	if _, err := sub.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	want := []byte{16, 17, 18, 19}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("ReadAt(0) = %v, want %v", buf, want)
		}
	}
}

func TestSubStorageWriteAtIsOffsetRelative(t *testing.T) {
	backing := &memBacking{data: make([]byte, 64)}
	sub := Sub(backing, 16, 32)

	wf, err := sub.Writable()
	if err != nil {
		t.Fatalf("Writable: %v", err)
	}
	if _, err := wf.WriteAt([]byte{0xAA, 0xBB}, 2); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if backing.data[18] != 0xAA || backing.data[19] != 0xBB {
		t.Fatalf("write landed at wrong absolute offset: %v", backing.data[16:20])
	}
}

func TestSubStorageSeekEndUsesSubSize(t *testing.T) {
	backing := &memBacking{data: make([]byte, 64)}
	sub := Sub(backing, 16, 32)

	pos, err := sub.Seek(0, io.SeekEnd)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if pos != 32 {
		t.Fatalf("Seek(0, SeekEnd) = %d, want 32 (relative to sub-region size)", pos)
	}
}
