package ext2

import (
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

// TestSymlinkFollowNoFollowReadlink is scenario 5.
func TestSymlinkFollowNoFollowReadlink(t *testing.T) {
	v := mustMount(t, 1024, 8192)

	if err := v.Mkdir("/a", 0o755); err != nil {
		t.Fatalf("mkdir /a: %v", err)
	}
	if err := v.Mkdir("/a/b", 0o755); err != nil {
		t.Fatalf("mkdir /a/b: %v", err)
	}
	d, err := v.Open("/a/b/c", unix.O_CREAT|unix.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("create target: %v", err)
	}
	if _, err := d.Write([]byte("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}
	d.Close()

	if err := v.Symlink("/a/b/c", "/link"); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	followed, err := v.Open("/link", unix.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("open through symlink: %v", err)
	}
	buf := make([]byte, 16)
	n, _ := followed.Read(buf)
	followed.Close()
	if string(buf[:n]) != "payload" {
		t.Fatalf("read through symlink = %q, want %q", buf[:n], "payload")
	}

	if _, err := v.Open("/link", unix.O_RDONLY|unix.O_NOFOLLOW, 0); err == nil {
		t.Fatal("expected ELOOP opening a symlink with O_NOFOLLOW")
	} else if extErr, ok := err.(*Error); !ok || extErr.Errno != ELOOP {
		t.Fatalf("expected ELOOP, got %v", err)
	}

	target, err := v.Readlink("/link")
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != "/a/b/c" {
		t.Fatalf("readlink = %q, want /a/b/c", target)
	}
}

func TestSymlinkLongTargetStoredInBlock(t *testing.T) {
	v := mustMount(t, 1024, 8192)

	long := "/" + strings.Repeat("x", 100)
	d, err := v.Open(long, unix.O_CREAT|unix.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("create long-named target: %v", err)
	}
	d.Close()

	if err := v.Symlink(long, "/longlink"); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	got, err := v.Readlink("/longlink")
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if got != long {
		t.Fatalf("readlink = %q, want %q", got, long)
	}
}

func TestLinkRejectsDirectories(t *testing.T) {
	v := mustMount(t, 1024, 8192)

	if err := v.Mkdir("/dir", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := v.Link("/dir", "/dirlink"); err == nil {
		t.Fatal("expected EPERM hard-linking a directory")
	} else if extErr, ok := err.(*Error); !ok || extErr.Errno != EPERM {
		t.Fatalf("expected EPERM, got %v", err)
	}
}

func TestLinkSharesInodeAndSurvivesOneDelete(t *testing.T) {
	v := mustMount(t, 1024, 8192)

	d, err := v.Open("/orig", unix.O_CREAT|unix.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := d.Write([]byte("data")); err != nil {
		t.Fatalf("write: %v", err)
	}
	d.Close()

	if err := v.Link("/orig", "/alias"); err != nil {
		t.Fatalf("link: %v", err)
	}

	origIno, err := v.Stat("/orig")
	if err != nil {
		t.Fatalf("stat orig: %v", err)
	}
	aliasIno, err := v.Stat("/alias")
	if err != nil {
		t.Fatalf("stat alias: %v", err)
	}
	if origIno.HardLinks != 2 || aliasIno.HardLinks != 2 {
		t.Fatalf("hard link counts = %d,%d want 2,2", origIno.HardLinks, aliasIno.HardLinks)
	}

	if err := v.Delete("/orig", false); err != nil {
		t.Fatalf("delete orig: %v", err)
	}

	// The alias must still resolve and read back the same data.
	d2, err := v.Open("/alias", unix.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("open alias after deleting orig: %v", err)
	}
	defer d2.Close()
	buf := make([]byte, 16)
	n, _ := d2.Read(buf)
	if string(buf[:n]) != "data" {
		t.Fatalf("read alias = %q, want %q", buf[:n], "data")
	}
}

func TestOpenCreatExclFailsIfExists(t *testing.T) {
	v := mustMount(t, 1024, 4096)

	d, err := v.Open("/x", unix.O_CREAT|unix.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	d.Close()

	if _, err := v.Open("/x", unix.O_CREAT|unix.O_EXCL|unix.O_WRONLY, 0o644); err == nil {
		t.Fatal("expected EEXIST with O_CREAT|O_EXCL on an existing file")
	}
}

func TestDeleteRootRejected(t *testing.T) {
	v := mustMount(t, 1024, 4096)
	if err := v.Delete("/", false); err == nil {
		t.Fatal("expected EISDIR unlinking root")
	} else if extErr, ok := err.(*Error); !ok || extErr.Errno != EISDIR {
		t.Fatalf("expected EISDIR, got %v", err)
	}
	if err := v.Delete("/", true); err == nil {
		t.Fatal("expected ENOTEMPTY rmdir-ing root")
	} else if extErr, ok := err.(*Error); !ok || extErr.Errno != ENOTEMPTY {
		t.Fatalf("expected ENOTEMPTY, got %v", err)
	}
}

func TestDeleteTypeMismatchRejected(t *testing.T) {
	v := mustMount(t, 1024, 4096)

	if err := v.Mkdir("/adir", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	d, err := v.Open("/afile", unix.O_CREAT|unix.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	d.Close()

	if err := v.Delete("/adir", false); err == nil {
		t.Fatal("expected EISDIR unlinking a directory")
	} else if extErr, ok := err.(*Error); !ok || extErr.Errno != EISDIR {
		t.Fatalf("expected EISDIR, got %v", err)
	}
	if err := v.Delete("/afile", true); err == nil {
		t.Fatal("expected ENOTDIR rmdir-ing a regular file")
	} else if extErr, ok := err.(*Error); !ok || extErr.Errno != ENOTDIR {
		t.Fatalf("expected ENOTDIR, got %v", err)
	}
}

// TestRmdirFreesInodeAndBlock confirms rmdir reclaims the directory's own
// inode and data block (not just the parent's entry for it): the directory's
// hard-link count must drop from 2 to 0 in one Delete, not park at 1 forever.
func TestRmdirFreesInodeAndBlock(t *testing.T) {
	v := mustMount(t, 1024, 4096)

	if err := v.Mkdir("/empty", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	dirIno, err := v.Lstat("/empty")
	if err != nil {
		t.Fatalf("lstat: %v", err)
	}
	dirInodeNum, _, _, err := v.traverse("/empty", true)
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}
	dataBlock := dirIno.Block[0]

	freeInodesBefore := v.bgdt.entries[0].freeInodesCount
	freeBlocksBefore := v.bgdt.entries[0].freeBlocksCount

	if err := v.Delete("/empty", true); err != nil {
		t.Fatalf("rmdir: %v", err)
	}

	if v.bgdt.entries[0].freeInodesCount != freeInodesBefore+1 {
		t.Fatalf("free inode count after rmdir = %d, want %d", v.bgdt.entries[0].freeInodesCount, freeInodesBefore+1)
	}
	if v.bgdt.entries[0].freeBlocksCount != freeBlocksBefore+1 {
		t.Fatalf("free block count after rmdir = %d, want %d", v.bgdt.entries[0].freeBlocksCount, freeBlocksBefore+1)
	}

	inodeGroup, inodeIndex := v.inodeLocation(dirInodeNum)
	inodeBm, err := v.readInodeBitmap(inodeGroup)
	if err != nil {
		t.Fatalf("readInodeBitmap: %v", err)
	}
	if set, _ := inodeBm.IsSet(int(inodeIndex)); set {
		t.Fatal("directory's inode bit should be cleared after rmdir")
	}

	blockGroup := (dataBlock - v.sb.firstDataBlock) / v.sb.blocksPerGroup
	blockIndex := (dataBlock - v.sb.firstDataBlock) % v.sb.blocksPerGroup
	blockBm, err := v.readBlockBitmap(blockGroup)
	if err != nil {
		t.Fatalf("readBlockBitmap: %v", err)
	}
	if set, _ := blockBm.IsSet(int(blockIndex)); set {
		t.Fatal("directory's data block bit should be cleared after rmdir")
	}
}
