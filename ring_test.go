//go:build linux

package ioring

import (
	"math/rand"
	"os"
	"syscall"
	"testing"
	"time"
	"unsafe"

	"github.com/brickingsoft/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func skipUnsupported(t testing.TB) {
	t.Helper()
	if !Supported() {
		t.Skipf("io_uring is not available: %v", Capabilities().Err())
	}
}

func openRing(t testing.TB, entries uint32, opts ...Option) *Ring {
	t.Helper()
	skipUnsupported(t)
	ring, err := Open(entries, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { ring.Close() })
	return ring
}

func TestOpenInvalidEntries(t *testing.T) {
	_, err := Open(0)
	require.True(t, errors.Is(err, ErrInvalidEntries))

	_, err = Open(MaxEntries + 1)
	require.True(t, errors.Is(err, ErrInvalidEntries))
}

func TestOpenQueries(t *testing.T) {
	ring := openRing(t, 5)
	// rounded up to the power of two
	require.Equal(t, uint32(8), ring.SQCapacity())
	require.Equal(t, uint32(16), ring.CQCapacity())
	require.False(t, ring.SQPolling())
	require.False(t, ring.SQPollPinned())
	require.False(t, ring.IOPolling())
	require.Zero(t, ring.SQBacklog())
	require.Greater(t, ring.Fd(), 0)
	require.Equal(t, ring.Params().Features, ring.Features())
}

func TestOpenCQSize(t *testing.T) {
	ring := openRing(t, 4, WithCQSize(64))
	require.Equal(t, uint32(4), ring.SQCapacity())
	require.Equal(t, uint32(64), ring.CQCapacity())
	require.Equal(t, uint32(64), ring.CQ().Capacity())
}

func TestOpenClamp(t *testing.T) {
	ring := openRing(t, MaxEntries*2, WithClamp())
	require.Equal(t, uint32(MaxEntries), ring.SQCapacity())
}

func TestOpenSQPoll(t *testing.T) {
	skipUnsupported(t)
	ring, err := Open(8, WithSQPoll(10*time.Millisecond))
	if err != nil {
		// unprivileged users need 5.11+ for SQPOLL
		t.Skipf("sqpoll is not available: %v", err)
	}
	t.Cleanup(func() { ring.Close() })
	require.True(t, ring.SQPolling())

	sq := ring.ConcurrentSQ()
	for i := 0; i < 4; i++ {
		slot, ok := sq.TryAcquireSlot()
		require.True(t, ok)
		Nop(slot.Entry)
		slot.Entry.SetUserData(uint64(i))
		sq.MarkPrepared(slot.Index)
	}
	res, _, err := sq.SubmitAndWait(4)
	require.NoError(t, err)
	require.Equal(t, SubmittedFully, res)

	buf := make([]CQEntry, 4)
	read := 0
	for read < 4 {
		n, err := ring.CQ().ReadBatch(buf[read:])
		require.NoError(t, err)
		read += n
	}
}

func TestCloseIdempotent(t *testing.T) {
	skipUnsupported(t)
	ring, err := Open(4)
	require.NoError(t, err)
	require.NoError(t, ring.Close())
	require.NoError(t, ring.Close())
	require.Equal(t, -1, ring.Fd())
}

func TestSubmissionVariantClaim(t *testing.T) {
	ring := openRing(t, 4)
	require.Same(t, ring.SQ(), ring.SQ())
	require.Panics(t, func() { ring.ConcurrentSQ() })

	other := openRing(t, 4)
	other.ConcurrentSQ()
	require.Panics(t, func() { other.SQ() })
}

// sysTrace replaces fd and mmap syscalls with recording wrappers.
type sysTrace struct {
	events []string
	maps   int
	failAt int
}

func traceSyscalls(t *testing.T, failAt int) *sysTrace {
	tr := &sysTrace{failAt: failAt}
	mmap, munmap, closeFd := sysMmap, sysMunmap, sysClose
	t.Cleanup(func() {
		sysMmap, sysMunmap, sysClose = mmap, munmap, closeFd
	})
	sysMmap = func(fd int, offset int64, length int, prot int, flags int) ([]byte, error) {
		tr.maps++
		if tr.maps == tr.failAt {
			return nil, unix.ENOMEM
		}
		tr.events = append(tr.events, "mmap")
		return mmap(fd, offset, length, prot, flags)
	}
	sysMunmap = func(b []byte) error {
		tr.events = append(tr.events, "munmap")
		return munmap(b)
	}
	sysClose = func(fd int) error {
		tr.events = append(tr.events, "close")
		return closeFd(fd)
	}
	return tr
}

func (tr *sysTrace) count(event string) int {
	n := 0
	for _, ev := range tr.events {
		if ev == event {
			n++
		}
	}
	return n
}

func TestOpenReleasesOnMmapFailure(t *testing.T) {
	skipUnsupported(t)
	for _, failAt := range []int{1, 2, 3} {
		tr := traceSyscalls(t, failAt)
		ring, err := Open(8)
		if err == nil {
			// third mapping does not exist with IORING_FEAT_SINGLE_MMAP
			require.Equal(t, 3, failAt)
			require.True(t, ring.Features()&IORING_FEAT_SINGLE_MMAP > 0)
			require.NoError(t, ring.Close())
			continue
		}
		require.True(t, errors.Is(err, ErrMmap))

		mapped := failAt - 1
		require.Equal(t, 1, tr.count("close"), "failAt=%d", failAt)
		require.Equal(t, mapped, tr.count("munmap"), "failAt=%d", failAt)
		// descriptor is released before mappings
		require.Equal(t, "close", tr.events[mapped])
	}
}

func TestOpenErrorsKeepErrno(t *testing.T) {
	skipUnsupported(t)
	t.Run("setup", func(t *testing.T) {
		setup := sysSetup
		t.Cleanup(func() { sysSetup = setup })
		sysSetup = func(uint32, *Params) (int, error) { return -1, unix.EMFILE }

		_, err := Open(8)
		require.True(t, errors.Is(err, ErrSetup))
		errno, ok := Errno(err)
		require.True(t, ok)
		require.Equal(t, syscall.EMFILE, errno)
	})
	t.Run("mmap", func(t *testing.T) {
		traceSyscalls(t, 1)
		_, err := Open(8)
		require.True(t, errors.Is(err, ErrMmap))
		errno, ok := Errno(err)
		require.True(t, ok)
		require.Equal(t, syscall.ENOMEM, errno)
	})
}

func TestCloseReleasesOnce(t *testing.T) {
	skipUnsupported(t)
	tr := traceSyscalls(t, 0)
	ring, err := Open(8)
	require.NoError(t, err)
	maps := tr.count("mmap")

	require.NoError(t, ring.Close())
	require.NoError(t, ring.Close())
	require.Equal(t, 1, tr.count("close"))
	require.Equal(t, maps, tr.count("munmap"))
	if ring.Features()&IORING_FEAT_SINGLE_MMAP > 0 {
		require.Equal(t, 2, maps)
	} else {
		require.Equal(t, 3, maps)
	}
}

func TestWritev(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "writev-tests-")
	require.NoError(t, err)
	defer f.Close()

	ring := openRing(t, 4)
	sq := ring.SQ()
	cq := ring.CQ()

	var offset uint64
	bufs := [4][8]byte{}
	vectors := [4][]syscall.Iovec{}

	for round := 0; round < 10; round++ {
		for i := 0; i < 4; i++ {
			buf := bufs[i]
			_, _ = rand.Read(buf[:])
			bufs[i] = buf
			vectors[i] = []syscall.Iovec{
				{
					Base: &bufs[i][0],
					Len:  uint64(len(buf)),
				},
			}
			sqe, ok := sq.TryAcquireSlot()
			require.True(t, ok)
			Writev(sqe, f.Fd(), vectors[i], offset, 0)
			offset += uint64(len(buf))
		}

		_, err = sq.Flush(4)
		require.NoError(t, err)

		for i := 0; i < 4; i++ {
			cqe, err := cq.Read()
			require.NoError(t, err)
			require.True(t, cqe.Result() >= 0, "failed with %v", cqe.Err())
		}

		buf := [8]byte{}
		for i := 0; i < 4; i++ {
			n, err := f.Read(buf[:])
			require.NoError(t, err)
			require.Equal(t, len(buf), n)
			require.Equal(t, bufs[i], buf)
		}
	}
}

func TestReadv(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "readv-tests-")
	require.NoError(t, err)
	defer f.Close()

	ring := openRing(t, 4)
	sq := ring.SQ()
	cq := ring.CQ()

	var offset uint64
	const num = 3
	bufs := [num][8]byte{}
	vectors := [num][]syscall.Iovec{}

	for round := 0; round < 10; round++ {
		wbuf := [num * 8]byte{}

		_, _ = rand.Read(wbuf[:])
		n, err := f.Write(wbuf[:])
		require.NoError(t, err)
		require.Equal(t, len(wbuf), n)

		for i := 0; i < num; i++ {
			sqe, ok := sq.TryAcquireSlot()
			require.True(t, ok)
			vectors[i] = []syscall.Iovec{
				{
					Base: &bufs[i][0],
					Len:  uint64(len(bufs[i])),
				},
			}
			Readv(sqe, f.Fd(), vectors[i], offset, 0)
			offset += uint64(len(bufs[i]))
		}

		_, err = sq.Flush(num)
		require.NoError(t, err)

		for i := 0; i < num; i++ {
			cqe, err := cq.Read()
			require.NoError(t, err)
			require.Equal(t, len(bufs[i]), int(cqe.Result()), "failed with %v", cqe.Err())
			require.Equal(t, wbuf[i*8:(i+1)*8], bufs[i][:])
		}
	}
}

func TestRegisterFiles(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "fixed-")
	require.NoError(t, err)
	defer f.Close()

	ring := openRing(t, 4)
	require.NoError(t, ring.RegisterFiles([]int32{int32(f.Fd())}))

	sq := ring.SQ()
	data := []byte("fixed file")
	sqe, ok := sq.TryAcquireSlot()
	require.True(t, ok)
	// fd is the index in the registered table
	Write(sqe, 0, data, 0)
	sqe.SetFlags(IOSQE_FIXED_FILE)
	_, err = sq.Flush(1)
	require.NoError(t, err)

	cqe, err := ring.CQ().Read()
	require.NoError(t, err)
	require.Equal(t, int32(len(data)), cqe.Result(), "failed with %v", cqe.Err())

	require.NoError(t, ring.UnregisterFiles())
	err = ring.RegisterFiles(nil)
	require.True(t, errors.Is(err, ErrRegister))
	errno, ok := Errno(err)
	require.True(t, ok)
	require.Equal(t, syscall.EINVAL, errno)

	// rejected by the kernel
	fds := []int32{int32(f.Fd())}
	err = register(-1, IORING_REGISTER_FILES, unsafe.Pointer(&fds[0]), 1)
	require.True(t, errors.Is(err, ErrRegister))
	errno, ok = Errno(err)
	require.True(t, ok)
	require.Equal(t, syscall.EBADF, errno)
}

func TestRegisterEventfd(t *testing.T) {
	ring := openRing(t, 4)
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	require.NoError(t, err)
	defer unix.Close(efd)
	require.NoError(t, ring.RegisterEventfd(efd))

	sq := ring.SQ()
	sqe, ok := sq.TryAcquireSlot()
	require.True(t, ok)
	Nop(sqe)
	_, err = sq.Flush(1)
	require.NoError(t, err)

	var buf [8]byte
	n, err := unix.Read(efd, buf[:])
	require.NoError(t, err)
	require.Equal(t, 8, n)
	require.NoError(t, ring.UnregisterEventfd())

	_, err = ring.CQ().Read()
	require.NoError(t, err)
}
