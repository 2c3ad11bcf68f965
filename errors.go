package ioring

import (
	stderrors "errors"
	"strconv"
	"syscall"

	"code.hybscloud.com/iox"
	"github.com/brickingsoft/errors"
)

var (
	// ErrUnsupported is returned by Open when the kernel has no io_uring.
	ErrUnsupported = errors.Define("ioring: io_uring is not supported")
	// ErrInvalidEntries is returned by Open for a zero or oversized ring.
	ErrInvalidEntries = errors.Define("ioring: invalid number of entries")
	ErrSetup          = errors.Define("ioring: setup failed")
	ErrMmap           = errors.Define("ioring: mmap failed")
	ErrEnter          = errors.Define("ioring: enter failed")
	ErrRegister       = errors.Define("ioring: register failed")
	// ErrOverflow means the kernel dropped at least one completion because the
	// completion ring was full. State of pending operations is unreliable after it.
	ErrOverflow = errors.Define("ioring: completion queue overflow")
	// ErrDropped means the kernel rejected submission entries it could not
	// read (invalid index in the submission array).
	ErrDropped = errors.Define("ioring: submission queue dropped entries")
	// ErrWouldBlock is returned by try operations that cannot make progress
	// right now. It is a control flow signal, not a failure.
	ErrWouldBlock = iox.ErrWouldBlock
)

const (
	errMetaOpKey       = "op"
	errMetaOpSetup     = "setup"
	errMetaOpMmap      = "mmap"
	errMetaOpEnter     = "enter"
	errMetaOpRegister  = "register"
	errMetaOpFlush     = "flush"
	errMetaOpRead      = "read"
	errMetaRegionKey   = "region"
	errMetaCountKey    = "count"
	errMetaRegisterKey = "opcode"
	errMetaErrnoKey    = "errno"
)

// IsWouldBlock reports whether err means the try operation should be retried later.
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}

func IsOverflow(err error) bool {
	return errors.Is(err, ErrOverflow)
}

func IsDropped(err error) bool {
	return errors.Is(err, ErrDropped)
}

func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

// Errno returns the kernel errno carried by err, if any. Wrapping with
// brickingsoft/errors keeps only the message of a cause, so the errno is also
// looked up in the error metadata.
func Errno(err error) (syscall.Errno, bool) {
	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		return errno, true
	}
	for ; err != nil; err = stderrors.Unwrap(err) {
		ee, ok := errors.AsEnhancedError(err)
		if !ok {
			continue
		}
		for _, m := range ee.Meta {
			if m.Key != errMetaErrnoKey {
				continue
			}
			if v, perr := strconv.ParseUint(m.Value, 10, 32); perr == nil {
				return syscall.Errno(v), true
			}
		}
	}
	return 0, false
}

// withCause wraps err and records its errno in the metadata.
func withCause(err error) errors.Option {
	wrap := errors.WithWrap(err)
	var errno syscall.Errno
	if !stderrors.As(err, &errno) {
		return wrap
	}
	meta := errors.WithMeta(errMetaErrnoKey, uint(errno))
	return func(o *errors.Options) {
		wrap(o)
		meta(o)
	}
}

func enterError(errno syscall.Errno) error {
	return errors.From(
		ErrEnter,
		errors.WithMeta(errMetaOpKey, errMetaOpEnter),
		withCause(errno),
	)
}

func overflowError(op string, count uint32) error {
	return errors.From(
		ErrOverflow,
		errors.WithMeta(errMetaOpKey, op),
		errors.WithMeta(errMetaCountKey, strconv.FormatUint(uint64(count), 10)),
	)
}

func droppedError(count uint32) error {
	return errors.From(
		ErrDropped,
		errors.WithMeta(errMetaOpKey, errMetaOpFlush),
		errors.WithMeta(errMetaCountKey, strconv.FormatUint(uint64(count), 10)),
	)
}
