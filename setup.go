//go:build linux

package ioring

import (
	"unsafe"

	"github.com/brickingsoft/errors"
	"golang.org/x/sys/unix"

	"github.com/dshulyak/ioring/internal/logging"
)

var sysSetup = func(entries uint32, p *Params) (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(p)), 0)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

// Open creates a ring with at least entries submission slots (the kernel
// rounds up to a power of two) and maps its memory.
func Open(entries uint32, opts ...Option) (*Ring, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if entries == 0 || (entries > MaxEntries && !cfg.Clamp) {
		return nil, errors.From(ErrInvalidEntries,
			errors.WithMeta(errMetaCountKey, uitoa(entries)))
	}
	if !Supported() {
		return nil, ErrUnsupported
	}

	ring := &Ring{fd: -1, params: cfg.Params}
	fd, err := sysSetup(entries, &ring.params)
	if err != nil {
		return nil, errors.From(ErrSetup,
			errors.WithMeta(errMetaOpKey, errMetaOpSetup),
			withCause(err))
	}
	ring.fd = fd
	if err := ring.mapRings(); err != nil {
		_ = ring.release()
		return nil, err
	}
	ring.init()

	ring.log = logging.FromZerolog(cfg.Logger).WithRing(fd)
	ring.log.Debug("ring opened",
		"sq_entries", ring.params.SQEntries,
		"cq_entries", ring.params.CQEntries,
		"flags", ring.params.Flags,
		"features", ring.params.Features,
		"single_mmap", ring.shared)
	return ring, nil
}

func mmapError(region string, err error) error {
	return errors.From(ErrMmap,
		errors.WithMeta(errMetaOpKey, errMetaOpMmap),
		errors.WithMeta(errMetaRegionKey, region),
		withCause(err))
}

func (r *Ring) mapRings() error {
	p := &r.params
	sqSize := p.SQOff.Array + p.SQEntries*4
	cqSize := p.CQOff.CQEs + p.CQEntries*uint32(cqeSize)
	r.shared = p.Features&IORING_FEAT_SINGLE_MMAP > 0
	if r.shared && cqSize > sqSize {
		sqSize = cqSize
	}

	var err error
	r.sqRing, err = mapArena(r.fd, IORING_OFF_SQ_RING, int(sqSize))
	if err != nil {
		return mmapError("sq", err)
	}
	if !r.shared {
		r.cqRing, err = mapArena(r.fd, IORING_OFF_CQ_RING, int(cqSize))
		if err != nil {
			return mmapError("cq", err)
		}
	}
	r.sqes, err = mapArena(r.fd, IORING_OFF_SQES, int(p.SQEntries)*int(sqeSize))
	if err != nil {
		return mmapError("sqes", err)
	}
	return nil
}

// init resolves typed views over the mapped regions.
func (r *Ring) init() {
	p := &r.params
	sqr := &r.sqRing
	r.sq = sqRing{
		head:    sqr.uint32At(p.SQOff.Head),
		tail:    sqr.uint32At(p.SQOff.Tail),
		mask:    *sqr.uint32At(p.SQOff.RingMask),
		entries: *sqr.uint32At(p.SQOff.RingEntries),
		flags:   sqr.uint32At(p.SQOff.Flags),
		dropped: sqr.uint32At(p.SQOff.Dropped),
		array:   sqr.uint32Array(p.SQOff.Array, p.SQEntries),
		sqes:    r.sqes.sqeArray(p.SQEntries),
	}
	cqr := &r.cqRing
	if r.shared {
		cqr = &r.sqRing
	}
	r.cq = cqRing{
		head:     cqr.uint32At(p.CQOff.Head),
		tail:     cqr.uint32At(p.CQOff.Tail),
		mask:     *cqr.uint32At(p.CQOff.RingMask),
		entries:  *cqr.uint32At(p.CQOff.RingEntries),
		overflow: cqr.uint32At(p.CQOff.Overflow),
		cqes:     cqr.cqeArray(p.CQOff.CQEs, p.CQEntries),
	}

	r.exclusive = newSubmissionQueue(r)
	r.concurrent = newConcurrentSubmissionQueue(r)
	r.completion = newCompletionQueue(r)
}

// release closes the descriptor, then unmaps every region that is still
// mapped. Safe to call on a partially constructed ring and more than once.
func (r *Ring) release() error {
	var first error
	if r.fd >= 0 {
		if err := sysClose(r.fd); err != nil {
			first = err
		}
		r.fd = -1
	}
	for _, a := range []*arena{&r.sqes, &r.cqRing, &r.sqRing} {
		if err := a.unmap(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
