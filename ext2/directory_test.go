package ext2

import (
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

// TestDirectoryCreateRemoveListing is scenario 4: create many entries,
// remove one, and confirm enumeration reflects exactly the survivors.
func TestDirectoryCreateRemoveListing(t *testing.T) {
	v := mustMount(t, 1024, 16384)

	const total = 50
	for i := 0; i < total; i++ {
		name := fmt.Sprintf("/file-%02d", i)
		d, err := v.Open(name, unix.O_CREAT|unix.O_WRONLY, 0o644)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		d.Close()
	}

	if err := v.Delete("/file-25", false); err != nil {
		t.Fatalf("delete file-25: %v", err)
	}

	names, err := v.ReadDir("/")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(names) != total-1 {
		t.Fatalf("got %d entries, want %d", len(names), total-1)
	}
	seen := map[string]int{}
	for _, n := range names {
		seen[n]++
		if n == "file-25" {
			t.Fatal("deleted entry still listed")
		}
	}
	for name, count := range seen {
		if count != 1 {
			t.Fatalf("entry %q listed %d times", name, count)
		}
	}
}

func TestGetdents64PaginatesAndMatchesReadDir(t *testing.T) {
	v := mustMount(t, 1024, 16384)

	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("/e%d", i)
		d, err := v.Open(name, unix.O_CREAT|unix.O_WRONLY, 0o644)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		d.Close()
	}

	d, err := v.Open("/", unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		t.Fatalf("open dir: %v", err)
	}
	defer d.Close()

	var got []string
	buf := make([]byte, 4096)
	for {
		n, err := v.Getdents64(d, buf)
		if err != nil {
			t.Fatalf("getdents64: %v", err)
		}
		if n == 0 {
			break
		}
		off := 0
		for off < n {
			reclen := int(buf[off+16]) | int(buf[off+17])<<8
			nameStart := off + 19
			nameEnd := nameStart
			for buf[nameEnd] != 0 {
				nameEnd++
			}
			got = append(got, string(buf[nameStart:nameEnd]))
			off += reclen
		}
	}

	want, err := v.ReadDir("/")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}

	gotSet := map[string]bool{}
	for _, n := range got {
		if n != "." && n != ".." {
			gotSet[n] = true
		}
	}
	if len(gotSet) != len(want) {
		t.Fatalf("getdents64 produced %d non-dot entries, readdir produced %d", len(gotSet), len(want))
	}
	for _, w := range want {
		if !gotSet[w] {
			t.Fatalf("getdents64 missing entry %q", w)
		}
	}
}

func TestMkdirAndNestedCreate(t *testing.T) {
	v := mustMount(t, 1024, 8192)

	if err := v.Mkdir("/sub", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	d, err := v.Open("/sub/nested.txt", unix.O_CREAT|unix.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("create nested: %v", err)
	}
	if _, err := d.Write([]byte("nested")); err != nil {
		t.Fatalf("write: %v", err)
	}
	d.Close()

	names, err := v.ReadDir("/sub")
	if err != nil {
		t.Fatalf("readdir /sub: %v", err)
	}
	if len(names) != 1 || names[0] != "nested.txt" {
		t.Fatalf("readdir /sub = %v, want [nested.txt]", names)
	}

	if err := v.Delete("/sub", true); err == nil {
		t.Fatal("expected ENOTEMPTY deleting non-empty directory")
	}
	if err := v.Delete("/sub/nested.txt", false); err != nil {
		t.Fatalf("delete nested file: %v", err)
	}
	if err := v.Delete("/sub", true); err != nil {
		t.Fatalf("delete now-empty dir: %v", err)
	}
}
