//go:build linux

package ioring

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// system calls used by the ring. Replaced in tests to inject failures.
var (
	sysMmap   = unix.Mmap
	sysMunmap = unix.Munmap
	sysClose  = unix.Close
)

// arena is a memory region shared with the kernel. Accessors panic on
// offsets outside of the mapping instead of reading foreign memory.
type arena struct {
	data []byte
}

func mapArena(fd int, offset int64, size int) (arena, error) {
	data, err := sysMmap(fd, offset, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return arena{}, err
	}
	return arena{data: data}, nil
}

func (a *arena) mapped() bool {
	return a.data != nil
}

func (a *arena) unmap() error {
	if a.data == nil {
		return nil
	}
	if err := sysMunmap(a.data); err != nil {
		return err
	}
	a.data = nil
	return nil
}

func (a *arena) check(off, size uintptr) {
	if off+size > uintptr(len(a.data)) {
		panic("ioring: offset outside of the mapped region")
	}
}

func (a *arena) pointer(off uintptr) unsafe.Pointer {
	return unsafe.Pointer(&a.data[off])
}

// uint32At returns a view of the 4-byte counter at off.
func (a *arena) uint32At(off uint32) *uint32 {
	a.check(uintptr(off), 4)
	return (*uint32)(a.pointer(uintptr(off)))
}

// uint32Array is a kernel array of uint32 indexed by a masked ring index.
type uint32Array struct {
	base unsafe.Pointer
	n    uint32
}

func (a *arena) uint32Array(off, n uint32) uint32Array {
	a.check(uintptr(off), uintptr(n)*4)
	return uint32Array{base: a.pointer(uintptr(off)), n: n}
}

func (a uint32Array) set(idx uint32, value uint32) {
	if idx >= a.n {
		panic("ioring: array index out of range")
	}
	*(*uint32)(unsafe.Add(a.base, uintptr(idx)*4)) = value
}

func (a uint32Array) get(idx uint32) uint32 {
	if idx >= a.n {
		panic("ioring: array index out of range")
	}
	return *(*uint32)(unsafe.Add(a.base, uintptr(idx)*4))
}

type sqeArray struct {
	base unsafe.Pointer
	n    uint32
}

func (a *arena) sqeArray(n uint32) sqeArray {
	a.check(0, uintptr(n)*sqeSize)
	return sqeArray{base: a.pointer(0), n: n}
}

func (a sqeArray) at(idx uint32) *SQEntry {
	if idx >= a.n {
		panic("ioring: sqe index out of range")
	}
	return (*SQEntry)(unsafe.Add(a.base, uintptr(idx)*sqeSize))
}

// clear zeroes the entry at idx.
func (a sqeArray) clear(idx uint32) *SQEntry {
	sqe := a.at(idx)
	sqe.Reset()
	return sqe
}

type cqeArray struct {
	base unsafe.Pointer
	n    uint32
}

func (a *arena) cqeArray(off, n uint32) cqeArray {
	a.check(uintptr(off), uintptr(n)*cqeSize)
	return cqeArray{base: a.pointer(uintptr(off)), n: n}
}

// get copies the entry so it stays valid after the head moves.
func (a cqeArray) get(idx uint32) CQEntry {
	if idx >= a.n {
		panic("ioring: cqe index out of range")
	}
	return *(*CQEntry)(unsafe.Add(a.base, uintptr(idx)*cqeSize))
}
