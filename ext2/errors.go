package ext2

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Error wraps a POSIX errno so that callers at the VFS boundary can recover
// the numeric contract promised by the spec's error taxonomy, while internal
// code can still use errors.Is/errors.As against it like any other Go error.
type Error struct {
	Op   string
	Path string
	Errno unix.Errno
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("ext2: %s %s: %s", e.Op, e.Path, e.Errno.Error())
	}
	return fmt.Sprintf("ext2: %s: %s", e.Op, e.Errno.Error())
}

// Is lets errors.Is(err, ENOENT) work directly against the wrapped errno.
func (e *Error) Is(target error) bool {
	if errno, ok := target.(unix.Errno); ok {
		return e.Errno == errno
	}
	return false
}

func errnof(op, path string, errno unix.Errno) error {
	return &Error{Op: op, Path: path, Errno: errno}
}

// Sentinel errnos reused throughout the driver, named to match §7 of the
// specification. They are golang.org/x/sys/unix.Errno values, so callers that
// live at a real POSIX boundary can return them as syscall errors unmodified.
const (
	ENOENT    = unix.ENOENT
	EEXIST    = unix.EEXIST
	EISDIR    = unix.EISDIR
	ENOTDIR   = unix.ENOTDIR
	ENOTEMPTY = unix.ENOTEMPTY
	EINVAL    = unix.EINVAL
	EPERM     = unix.EPERM
	ELOOP     = unix.ELOOP
	EACCES    = unix.EACCES
	ENOSPC    = unix.ENOSPC
	ENOSYS    = unix.ENOSYS
	EIO       = unix.EIO
)
