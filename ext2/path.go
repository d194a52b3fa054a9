package ext2

import (
	"strings"

	"golang.org/x/sys/unix"
)

// maxSymlinkDepth bounds traverse()'s recursion through symlinks, matching
// the original driver's ELOOP guard (§4.9).
const maxSymlinkDepth = 40

func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// traverse resolves `path` to an inode number, returning also the
// containing directory's inode number and the final path component - the
// pair callers need to create or unlink an entry. noFollowFinal leaves a
// symlink at the very end of the path unresolved (open's O_NOFOLLOW).
// §4.9.
func (v *Volume) traverse(path string, noFollowFinal bool) (inode, parent uint32, name string, err error) {
	return v.traverseFrom(rootInodeNumber, path, noFollowFinal, 0)
}

func (v *Volume) traverseFrom(startInode uint32, path string, noFollowFinal bool, depth int) (uint32, uint32, string, error) {
	if depth > maxSymlinkDepth {
		return 0, 0, "", errnof("traverse", path, ELOOP)
	}

	current := startInode
	if strings.HasPrefix(path, "/") {
		current = rootInodeNumber
	}
	comps := splitPath(path)
	if len(comps) == 0 {
		return current, current, "", nil
	}

	parent := current
	for i, comp := range comps {
		last := i == len(comps)-1

		parentIno, err := v.fetchInode(parent)
		if err != nil {
			return 0, 0, "", err
		}
		if !parentIno.IsDir() {
			return 0, 0, "", errnof("traverse", comp, ENOTDIR)
		}

		childNum, _, err := v.lookupInDir(parentIno, comp)
		if err != nil {
			if last {
				return 0, parent, comp, err
			}
			return 0, 0, "", err
		}

		if last && noFollowFinal {
			return childNum, parent, comp, nil
		}

		childIno, err := v.fetchInode(childNum)
		if err != nil {
			return 0, 0, "", err
		}

		if childIno.IsSymlink() {
			target, err := v.symlinkTarget(childIno)
			if err != nil {
				return 0, 0, "", err
			}
			nextStart := parent
			if strings.HasPrefix(target, "/") {
				nextStart = rootInodeNumber
			}
			rest := target
			if !last {
				rest = target + "/" + strings.Join(comps[i+1:], "/")
			}
			return v.traverseFrom(nextStart, rest, noFollowFinal, depth+1)
		}

		if last {
			return childNum, parent, comp, nil
		}
		parent = childNum
	}
	return parent, parent, "", nil
}

func (v *Volume) symlinkTarget(ino *Inode) (string, error) {
	if ino.Size <= maxInlineSymlink {
		return ino.SymlinkTarget, nil
	}
	buf := make([]byte, ino.Size)
	var lookup blockLookup
	if _, err := v.readRangeDirect(ino, &lookup, 0, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Open resolves `path` and returns a Descriptor per POSIX open() semantics,
// honoring O_CREAT, O_EXCL, O_TRUNC, O_DIRECTORY and O_NOFOLLOW (§4.6/§4.9).
func (v *Volume) Open(path string, flags int, mode uint16) (*Descriptor, error) {
	noFollow := flags&unix.O_NOFOLLOW != 0
	inodeNum, parentNum, name, err := v.traverse(path, noFollow)

	if err != nil {
		extErr, ok := err.(*Error)
		if !ok || extErr.Errno != ENOENT || flags&unix.O_CREAT == 0 {
			return nil, err
		}
		return v.create(parentNum, name, flags, mode)
	}

	if flags&unix.O_EXCL != 0 && flags&unix.O_CREAT != 0 {
		return nil, errnof("open", path, EEXIST)
	}

	ino, err := v.fetchInode(inodeNum)
	if err != nil {
		return nil, err
	}
	if flags&unix.O_DIRECTORY != 0 && !ino.IsDir() {
		return nil, errnof("open", path, ENOTDIR)
	}
	if noFollow && ino.IsSymlink() {
		return nil, errnof("open", path, ELOOP)
	}

	return v.openDescriptor(inodeNum, flags)
}

// create allocates a new inode for a regular file named `name` inside the
// directory `parentNum` and links it in, then opens it.
func (v *Volume) create(parentNum uint32, name string, flags int, mode uint16) (*Descriptor, error) {
	parentIno, err := v.fetchInode(parentNum)
	if err != nil {
		return nil, err
	}
	if !parentIno.IsDir() {
		return nil, errnof("create", name, ENOTDIR)
	}

	group, _ := v.inodeLocation(parentNum)
	newNum, err := v.findInode(group)
	if err != nil {
		return nil, err
	}

	now := nowUnix()
	ino := &Inode{
		Mode:      modeTypeRegular | (mode &^ modeTypeMask),
		HardLinks: 1,
		ATime:     now,
		CTime:     now,
		MTime:     now,
	}
	if err := v.modifyInode(newNum, ino); err != nil {
		return nil, err
	}
	if err := v.allocateDirEntry(parentIno, parentNum, group, name, newNum, ftRegular); err != nil {
		return nil, err
	}

	return v.openDescriptor(newNum, flags)
}

// Mkdir creates an empty directory at `path` containing "." and "..".
func (v *Volume) Mkdir(path string, mode uint16) error {
	_, parentNum, name, err := v.traverse(path, true)
	if err == nil {
		return errnof("mkdir", path, EEXIST)
	}
	extErr, ok := err.(*Error)
	if !ok || extErr.Errno != ENOENT {
		return err
	}

	parentIno, err := v.fetchInode(parentNum)
	if err != nil {
		return err
	}
	group, _ := v.inodeLocation(parentNum)

	newNum, err := v.findInode(group)
	if err != nil {
		return err
	}
	dataBlock, err := v.findBlocks(group, 1)
	if err != nil {
		return err
	}
	if err := v.writeBlock(v.initDirBlock(newNum, parentNum), dataBlock); err != nil {
		return err
	}

	now := nowUnix()
	ino := &Inode{
		Mode:      modeTypeDir | (mode &^ modeTypeMask),
		HardLinks: 2,
		Size:      uint64(v.blockSize),
		ATime:     now,
		CTime:     now,
		MTime:     now,
	}
	ino.Block[0] = dataBlock
	if err := v.modifyInode(newNum, ino); err != nil {
		return err
	}

	if err := v.allocateDirEntry(parentIno, parentNum, group, name, newNum, ftDir); err != nil {
		return err
	}
	parentIno.HardLinks++
	return v.modifyInode(parentNum, parentIno)
}

// Link creates a hard link named `newpath` pointing at the inode `oldpath`
// resolves to. Directories cannot be hard-linked (§4.9).
func (v *Volume) Link(oldpath, newpath string) error {
	targetNum, _, _, err := v.traverse(oldpath, false)
	if err != nil {
		return err
	}
	targetIno, err := v.fetchInode(targetNum)
	if err != nil {
		return err
	}
	if targetIno.IsDir() {
		return errnof("link", oldpath, EPERM)
	}

	_, parentNum, name, err := v.traverse(newpath, true)
	if err == nil {
		return errnof("link", newpath, EEXIST)
	}
	extErr, ok := err.(*Error)
	if !ok || extErr.Errno != ENOENT {
		return err
	}

	parentIno, err := v.fetchInode(parentNum)
	if err != nil {
		return err
	}
	group, _ := v.inodeLocation(parentNum)
	if err := v.allocateDirEntry(parentIno, parentNum, group, name, targetNum, modeToFileType(targetIno.Mode)); err != nil {
		return err
	}

	targetIno.HardLinks++
	return v.modifyInode(targetNum, targetIno)
}

// Delete removes a directory entry and, once its hard-link count reaches
// zero, frees the inode and all of its data blocks. `directory` states the
// caller's expectation (rmdir vs unlink) and is checked against the actual
// inode type, matching the original driver's ext2Delete(..., directory, ...)
// contract (§4.9/§6).
func (v *Volume) Delete(path string, directory bool) error {
	if path == "/" {
		if directory {
			return errnof("delete", path, ENOTEMPTY)
		}
		return errnof("delete", path, EISDIR)
	}

	inodeNum, parentNum, name, err := v.traverse(path, true)
	if err != nil {
		return err
	}
	ino, err := v.fetchInode(inodeNum)
	if err != nil {
		return err
	}
	if directory && !ino.IsDir() {
		return errnof("delete", path, ENOTDIR)
	}
	if !directory && ino.IsDir() {
		return errnof("delete", path, EISDIR)
	}
	if ino.IsDir() {
		entries, err := v.enumerateDir(ino)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.name != "." && e.name != ".." {
				return errnof("delete", path, ENOTEMPTY)
			}
		}
	}

	parentIno, err := v.fetchInode(parentNum)
	if err != nil {
		return err
	}
	group, _ := v.inodeLocation(parentNum)
	if err := v.removeDirEntry(parentIno, parentNum, group, name); err != nil {
		return err
	}

	if ino.IsDir() {
		parentIno.HardLinks--
		if err := v.modifyInode(parentNum, parentIno); err != nil {
			return err
		}
		// A directory's own link count is 2 (its "." entry plus the parent's
		// entry for it): removing it drops both in the same operation, the
		// way ext2_rmdir/clear_nlink does, instead of leaving it parked at 1
		// forever with no path to the deallocation block below.
		ino.HardLinks = 0
	} else {
		ino.HardLinks--
	}
	if ino.HardLinks > 0 {
		return v.modifyInode(inodeNum, ino)
	}

	obj := &openObject{inodeNumber: inodeNum, ino: ino, cache: newBlockCache()}
	if !ino.IsSymlink() || ino.Size > maxInlineSymlink {
		if err := v.truncateTo(obj, inodeNum, group, 0); err != nil {
			return err
		}
	}
	ino.DTime = nowUnix()
	if err := v.modifyInode(inodeNum, ino); err != nil {
		return err
	}
	return v.deleteInode(inodeNum)
}

// Stat resolves symlinks along the entire path (stat()).
func (v *Volume) Stat(path string) (*Inode, error) {
	num, _, _, err := v.traverse(path, false)
	if err != nil {
		return nil, err
	}
	return v.fetchInode(num)
}

// Lstat does not resolve a symlink at the final path component (lstat()).
func (v *Volume) Lstat(path string) (*Inode, error) {
	num, _, _, err := v.traverse(path, true)
	if err != nil {
		return nil, err
	}
	return v.fetchInode(num)
}

// Fstat returns the current on-disk inode for an already-open descriptor.
func (v *Volume) Fstat(d *Descriptor) (*Inode, error) {
	return v.fetchInode(d.ino)
}

// Readlink returns a symlink's target without following it.
func (v *Volume) Readlink(path string) (string, error) {
	num, _, _, err := v.traverse(path, true)
	if err != nil {
		return "", err
	}
	ino, err := v.fetchInode(num)
	if err != nil {
		return "", err
	}
	if !ino.IsSymlink() {
		return "", errnof("readlink", path, EINVAL)
	}
	return v.symlinkTarget(ino)
}

// Symlink creates a symlink named `newpath` whose contents are `target`,
// storing it inline when short enough and otherwise in data blocks.
func (v *Volume) Symlink(target, newpath string) error {
	_, parentNum, name, err := v.traverse(newpath, true)
	if err == nil {
		return errnof("symlink", newpath, EEXIST)
	}
	extErr, ok := err.(*Error)
	if !ok || extErr.Errno != ENOENT {
		return err
	}

	parentIno, err := v.fetchInode(parentNum)
	if err != nil {
		return err
	}
	group, _ := v.inodeLocation(parentNum)

	newNum, err := v.findInode(group)
	if err != nil {
		return err
	}

	now := nowUnix()
	ino := &Inode{
		Mode:      modeTypeSymlink | 0777,
		HardLinks: 1,
		ATime:     now,
		CTime:     now,
		MTime:     now,
		Size:      uint64(len(target)),
	}
	if len(target) <= maxInlineSymlink {
		ino.SymlinkTarget = target
	}
	if err := v.modifyInode(newNum, ino); err != nil {
		return err
	}
	if len(target) > maxInlineSymlink {
		obj := &openObject{inodeNumber: newNum, ino: ino, cache: newBlockCache()}
		var lookup blockLookup
		if _, err := v.writeRange(obj, &lookup, newNum, group, 0, []byte(target)); err != nil {
			return err
		}
	}

	return v.allocateDirEntry(parentIno, parentNum, group, name, newNum, ftSymlink)
}
