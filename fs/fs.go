//go:build linux

// Package fs performs file I/O through a loop.Loop.
package fs

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/dshulyak/ioring"
	"github.com/dshulyak/ioring/loop"
)

func NewFilesystem(l *loop.Loop) *Filesystem {
	return &Filesystem{loop: l}
}

// Filesystem opens files whose operations are submitted to the loop.
type Filesystem struct {
	loop *loop.Loop
}

// Open opens name with IORING_OP_OPENAT, kernels without it fall back to open(2).
func (fs *Filesystem) Open(name string, flags int, mode os.FileMode) (*File, error) {
	path, err := unix.BytePtrFromString(name)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: name, Err: err}
	}
	flags |= unix.O_CLOEXEC
	var fd int
	if ioring.Capabilities().OpSupported(ioring.IORING_OP_OPENAT) {
		fd, err = result(fs.loop.Syscall(func(sqe *ioring.SQEntry) {
			ioring.Openat(sqe, unix.AT_FDCWD, path, uint32(flags), uint32(mode.Perm()))
		}, uintptr(unsafe.Pointer(path))))
	} else {
		fd, err = unix.Open(name, flags, uint32(mode.Perm()))
	}
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: name, Err: err}
	}
	return &File{fd: uintptr(fd), name: name, loop: fs.loop}, nil
}

// CreateTemp creates a new file in dir, see os.CreateTemp for pattern.
func (fs *Filesystem) CreateTemp(dir, pattern string) (*File, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return fs.Open(f.Name(), os.O_RDWR, 0o644)
}

// result converts a completion into a non-negative result or an errno.
func result(cqe ioring.CQEntry, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	if cqe.Result() < 0 {
		return 0, cqe.Err()
	}
	return int(cqe.Result()), nil
}
