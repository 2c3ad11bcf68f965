//go:build linux

package fs

import (
	"io"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/dshulyak/ioring"
	"github.com/dshulyak/ioring/loop"
)

// File is an open file descriptor. ReadAt, WriteAt, Sync and Datasync are
// safe for concurrent use, Read and Write share the file offset under a lock.
type File struct {
	mu     sync.Mutex
	offset int64

	fd   uintptr
	name string
	loop *loop.Loop
}

func (f *File) Name() string {
	return f.name
}

func (f *File) Fd() uintptr {
	return f.fd
}

func (f *File) wrapErr(op string, err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	return &os.PathError{Op: op, Path: f.name, Err: err}
}

// Close releases the descriptor with IORING_OP_CLOSE when the kernel has it.
func (f *File) Close() error {
	if !ioring.Capabilities().OpSupported(ioring.IORING_OP_CLOSE) {
		return f.wrapErr("close", unix.Close(int(f.fd)))
	}
	_, err := result(f.loop.Syscall(func(sqe *ioring.SQEntry) {
		ioring.Close(sqe, f.fd)
	}))
	return f.wrapErr("close", err)
}

func (f *File) Read(b []byte) (n int, err error) {
	if len(b) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err = f.readAt(b, f.offset)
	f.offset += int64(n)
	if n == 0 && err == nil {
		return 0, io.EOF
	}
	return n, f.wrapErr("read", err)
}

func (f *File) Write(b []byte) (n int, err error) {
	if len(b) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err = f.writeAt(b, f.offset)
	f.offset += int64(n)
	return n, f.wrapErr("write", err)
}

// ReadAt reads len(b) bytes with a single IORING_OP_READV. A short read
// returns io.EOF.
func (f *File) ReadAt(b []byte, off int64) (n int, err error) {
	if len(b) == 0 {
		return
	}
	n, err = f.readAt(b, off)
	if n < len(b) && err == nil {
		return n, io.EOF
	}
	return n, f.wrapErr("read", err)
}

func (f *File) readAt(b []byte, off int64) (int, error) {
	vector := []syscall.Iovec{
		{
			Base: &b[0],
			Len:  uint64(len(b)),
		},
	}
	return result(f.loop.Syscall(func(sqe *ioring.SQEntry) {
		ioring.Readv(sqe, f.fd, vector, uint64(off), 0)
	}, uintptr(unsafe.Pointer(&vector[0])), uintptr(unsafe.Pointer(&b[0]))))
}

func (f *File) WriteAt(b []byte, off int64) (n int, err error) {
	if len(b) == 0 {
		return
	}
	n, err = f.writeAt(b, off)
	return n, f.wrapErr("write", err)
}

func (f *File) writeAt(b []byte, off int64) (int, error) {
	vector := []syscall.Iovec{
		{
			Base: &b[0],
			Len:  uint64(len(b)),
		},
	}
	return result(f.loop.Syscall(func(sqe *ioring.SQEntry) {
		ioring.Writev(sqe, f.fd, vector, uint64(off), 0)
	}, uintptr(unsafe.Pointer(&vector[0])), uintptr(unsafe.Pointer(&b[0]))))
}

func (f *File) Sync() error {
	_, err := result(f.loop.Syscall(func(sqe *ioring.SQEntry) {
		ioring.Fsync(sqe, f.fd)
	}))
	return f.wrapErr("sync", err)
}

func (f *File) Datasync() error {
	_, err := result(f.loop.Syscall(func(sqe *ioring.SQEntry) {
		ioring.Fdatasync(sqe, f.fd)
	}))
	return f.wrapErr("datasync", err)
}

// WriteSync writes b at off and flushes file data in one linked batch.
// The flush is canceled if the write fails.
func (f *File) WriteSync(b []byte, off int64) (int, error) {
	if len(b) == 0 {
		return 0, f.Datasync()
	}
	vector := []syscall.Iovec{
		{
			Base: &b[0],
			Len:  uint64(len(b)),
		},
	}
	cqes, err := f.loop.Batch(nil, []loop.SQOperation{
		func(sqe *ioring.SQEntry) {
			ioring.Writev(sqe, f.fd, vector, uint64(off), 0)
			sqe.Link()
		},
		func(sqe *ioring.SQEntry) {
			ioring.Fdatasync(sqe, f.fd)
		},
	}, uintptr(unsafe.Pointer(&vector[0])), uintptr(unsafe.Pointer(&b[0])))
	if err != nil {
		return 0, f.wrapErr("write", err)
	}
	n, err := result(cqes[0], nil)
	if err != nil {
		return n, f.wrapErr("write", err)
	}
	_, err = result(cqes[1], nil)
	return n, f.wrapErr("datasync", err)
}
