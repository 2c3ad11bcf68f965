//go:build linux

package ioring

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Nop ...
func Nop(sqe *SQEntry) {
	sqe.opcode = IORING_OP_NOP
}

// Write ...
func Write(sqe *SQEntry, fd uintptr, buf []byte, offset uint64) {
	sqe.opcode = IORING_OP_WRITE
	sqe.fd = int32(fd)
	sqe.addr = bufAddr(buf)
	sqe.len = uint32(len(buf))
	sqe.offset = offset
}

// Read ...
func Read(sqe *SQEntry, fd uintptr, buf []byte, offset uint64) {
	sqe.opcode = IORING_OP_READ
	sqe.fd = int32(fd)
	sqe.addr = bufAddr(buf)
	sqe.len = uint32(len(buf))
	sqe.offset = offset
}

// Writev ...
func Writev(sqe *SQEntry, fd uintptr, iovec []syscall.Iovec, offset uint64, flags uint32) {
	sqe.opcode = IORING_OP_WRITEV
	sqe.fd = int32(fd)
	sqe.len = uint32(len(iovec))
	sqe.offset = offset
	sqe.opcodeFlags = flags
	sqe.addr = (uint64)(uintptr(unsafe.Pointer(&iovec[0])))
}

// Readv
func Readv(sqe *SQEntry, fd uintptr, iovec []syscall.Iovec, offset uint64, flags uint32) {
	sqe.opcode = IORING_OP_READV
	sqe.fd = int32(fd)
	sqe.len = uint32(len(iovec))
	sqe.offset = offset
	sqe.opcodeFlags = flags
	sqe.addr = (uint64)(uintptr(unsafe.Pointer(&iovec[0])))
}

// Fsync ...
func Fsync(sqe *SQEntry, fd uintptr) {
	sqe.opcode = IORING_OP_FSYNC
	sqe.fd = int32(fd)
}

// Fdatasync ...
func Fdatasync(sqe *SQEntry, fd uintptr) {
	sqe.opcode = IORING_OP_FSYNC
	sqe.fd = int32(fd)
	sqe.opcodeFlags = IORING_FSYNC_DATASYNC
}

// Openat
func Openat(sqe *SQEntry, dfd int32, pathptr *byte, flags uint32, mode uint32) {
	sqe.opcode = IORING_OP_OPENAT
	sqe.fd = dfd
	sqe.opcodeFlags = flags
	sqe.addr = (uint64)(uintptr(unsafe.Pointer(pathptr)))
	sqe.len = mode
}

// Close ...
func Close(sqe *SQEntry, fd uintptr) {
	sqe.opcode = IORING_OP_CLOSE
	sqe.fd = int32(fd)
}

// Send ...
func Send(sqe *SQEntry, fd uintptr, buf []byte, flags uint32) {
	sqe.SetOpcode(IORING_OP_SEND)
	sqe.SetFD(int32(fd))
	sqe.SetAddr(bufAddr(buf))
	sqe.SetLen(uint32(len(buf)))
	sqe.SetOpcodeFlags(flags)
}

// Recv ...
func Recv(sqe *SQEntry, fd uintptr, buf []byte, flags uint32) {
	sqe.SetOpcode(IORING_OP_RECV)
	sqe.SetFD(int32(fd))
	sqe.SetAddr(bufAddr(buf))
	sqe.SetLen(uint32(len(buf)))
	sqe.SetOpcodeFlags(flags)
}

// Timeout completes after ts elapsed or after count other completions,
// whichever happens first. Expiration is reported as -ETIME.
func Timeout(sqe *SQEntry, ts *unix.Timespec, count uint64, flags uint32) {
	sqe.opcode = IORING_OP_TIMEOUT
	sqe.fd = -1
	sqe.addr = (uint64)(uintptr(unsafe.Pointer(ts)))
	sqe.len = 1
	sqe.offset = count
	sqe.opcodeFlags = flags
}

// LinkTimeout cancels the previous linked entry if it did not complete
// within ts. The canceled entry completes with -ECANCELED.
func LinkTimeout(sqe *SQEntry, ts *unix.Timespec, flags uint32) {
	sqe.opcode = IORING_OP_LINK_TIMEOUT
	sqe.fd = -1
	sqe.addr = (uint64)(uintptr(unsafe.Pointer(ts)))
	sqe.len = 1
	sqe.opcodeFlags = flags
}

func bufAddr(buf []byte) uint64 {
	if len(buf) == 0 {
		return 0
	}
	return (uint64)(uintptr(unsafe.Pointer(&buf[0])))
}
