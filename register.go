//go:build linux

package ioring

import (
	"unsafe"

	"github.com/brickingsoft/errors"
	"golang.org/x/sys/unix"
)

const (
	IORING_REGISTER_BUFFERS uintptr = iota
	IORING_UNREGISTER_BUFFERS
	IORING_REGISTER_FILES
	IORING_UNREGISTER_FILES
	IORING_REGISTER_EVENTFD
	IORING_UNREGISTER_EVENTFD
	IORING_REGISTER_FILES_UPDATE
	IORING_REGISTER_EVENTFD_ASYNC
	IORING_REGISTER_PROBE
)

const IO_URING_OP_SUPPORTED uint16 = 1 << 0

const probeOpsSize = 256

// Probe is filled by IORING_REGISTER_PROBE with the opcodes known to the kernel.
type Probe struct {
	LastOp uint8
	OpsLen uint8
	resv   uint16
	resv2  [3]uint32
	Ops    [probeOpsSize]ProbeOp
}

type ProbeOp struct {
	Op    uint8
	resv  uint8
	Flags uint16
	resv2 uint32
}

func (p *Probe) IsSupported(op uint8) bool {
	for i := uint8(0); i < p.OpsLen; i++ {
		if p.Ops[i].Op != op {
			continue
		}
		return p.Ops[i].Flags&IO_URING_OP_SUPPORTED > 0
	}
	return false
}

func register(fd int, opcode uintptr, arg unsafe.Pointer, nargs uintptr) error {
	for {
		_, _, errno := unix.Syscall6(unix.SYS_IO_URING_REGISTER, uintptr(fd), opcode, uintptr(arg), nargs, 0, 0)
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errors.From(ErrRegister,
				errors.WithMeta(errMetaOpKey, errMetaOpRegister),
				errors.WithMeta(errMetaRegisterKey, uitoa(uint32(opcode))),
				withCause(errno))
		}
	}
}

func (r *Ring) RegisterProbe(probe *Probe) error {
	return register(r.fd, IORING_REGISTER_PROBE, unsafe.Pointer(probe), probeOpsSize)
}

// RegisterFiles registers fds as fixed files, entries then refer to them by
// index with IOSQE_FIXED_FILE.
func (r *Ring) RegisterFiles(fds []int32) error {
	if len(fds) == 0 {
		return errors.From(ErrRegister,
			errors.WithMeta(errMetaOpKey, errMetaOpRegister),
			withCause(unix.EINVAL))
	}
	return register(r.fd, IORING_REGISTER_FILES, unsafe.Pointer(&fds[0]), uintptr(len(fds)))
}

func (r *Ring) UnregisterFiles() error {
	return register(r.fd, IORING_UNREGISTER_FILES, nil, 0)
}

// RegisterEventfd makes the kernel signal efd on every posted completion.
func (r *Ring) RegisterEventfd(efd int) error {
	fd := int32(efd)
	return register(r.fd, IORING_REGISTER_EVENTFD, unsafe.Pointer(&fd), 1)
}

func (r *Ring) UnregisterEventfd() error {
	return register(r.fd, IORING_UNREGISTER_EVENTFD, nil, 0)
}
