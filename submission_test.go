//go:build linux

package ioring

import (
	"sync/atomic"
	"syscall"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestSQCapacity(t *testing.T) {
	ring := openRing(t, 4)
	sq := ring.SQ()
	require.Equal(t, uint32(4), sq.Capacity())

	for i := 0; i < 4; i++ {
		sqe, ok := sq.TryAcquireSlot()
		require.True(t, ok)
		Nop(sqe)
		sqe.SetUserData(uint64(i))
	}
	_, ok := sq.TryAcquireSlot()
	require.False(t, ok)
	require.Equal(t, uint32(4), sq.Pending())

	n, err := sq.Flush(0)
	require.NoError(t, err)
	require.Equal(t, uint32(4), n)
	require.Zero(t, sq.Pending())

	// nops are consumed during enter, slots are free again
	sqe, ok := sq.TryAcquireSlot()
	require.True(t, ok)
	require.Equal(t, SQEntry{}, *sqe)
	Nop(sqe)
	_, err = sq.Flush(0)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := ring.CQ().Read()
		require.NoError(t, err)
	}
}

func TestSQFlushEmpty(t *testing.T) {
	ring := openRing(t, 4)
	n, err := ring.SQ().Flush(0)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSQDroppedEntries(t *testing.T) {
	ring := openRing(t, 4)
	sq := ring.SQ()

	// publish an index the kernel cannot read
	ktail := *ring.sq.tail
	slot := (*uint32)(unsafe.Add(ring.sq.array.base, uintptr(ktail&ring.sq.mask)*4))
	*slot = ring.sq.entries + 1
	atomic.StoreUint32(ring.sq.tail, ktail+1)
	// account for it as a flushed entry
	sq.sqeHead++
	sq.sqeTail++

	n, err := sq.Flush(0)
	require.True(t, IsDropped(err), "unexpected error %v", err)
	require.Zero(t, n)
	require.Equal(t, uint32(1), atomic.LoadUint32(ring.sq.dropped))
	require.Zero(t, ring.SQBacklog())

	// reported once, valid entries are submitted afterwards
	sqe, ok := sq.TryAcquireSlot()
	require.True(t, ok)
	Nop(sqe)
	sqe.SetUserData(7)
	n, err = sq.Flush(1)
	require.NoError(t, err)
	require.Equal(t, uint32(1), n)
	cqe, err := ring.CQ().Read()
	require.NoError(t, err)
	require.Equal(t, uint64(7), cqe.UserData())
}

func TestSQLinked(t *testing.T) {
	ring := openRing(t, 8)
	sq := ring.SQ()
	cq := ring.CQ()

	t.Run("success", func(t *testing.T) {
		first, _ := sq.TryAcquireSlot()
		Nop(first)
		first.SetUserData(1)
		first.Link()
		second, _ := sq.TryAcquireSlot()
		Nop(second)
		second.SetUserData(2)
		_, err := sq.Flush(2)
		require.NoError(t, err)

		buf := make([]CQEntry, 2)
		n, err := cq.ReadBatch(buf)
		require.NoError(t, err)
		require.Equal(t, 2, n)
		require.Equal(t, uint64(1), buf[0].UserData())
		require.Equal(t, uint64(2), buf[1].UserData())
		require.Zero(t, buf[1].Result())
	})
	t.Run("failure cancels chain", func(t *testing.T) {
		if !Capabilities().OpSupported(IORING_OP_READ) {
			t.Skip("IORING_OP_READ is not supported")
		}
		var data [8]byte
		first, _ := sq.TryAcquireSlot()
		Read(first, ^uintptr(0), data[:], 0)
		first.SetUserData(3)
		first.Link()
		second, _ := sq.TryAcquireSlot()
		Nop(second)
		second.SetUserData(4)
		_, err := sq.Flush(2)
		require.NoError(t, err)

		buf := make([]CQEntry, 2)
		read := 0
		for read < 2 {
			n, err := cq.ReadBatch(buf[read:])
			require.NoError(t, err)
			read += n
		}
		require.Equal(t, uint64(3), buf[0].UserData())
		require.Equal(t, syscall.EBADF, buf[0].Err())
		require.Equal(t, uint64(4), buf[1].UserData())
		require.Equal(t, syscall.ECANCELED, buf[1].Err())
	})
}

func TestSQEntryReset(t *testing.T) {
	sqe := SQEntry{}
	Nop(&sqe)
	sqe.SetFD(3)
	sqe.SetUserData(10)
	sqe.SetFlags(IOSQE_ASYNC)
	sqe.Link()
	require.Equal(t, IOSQE_ASYNC|IOSQE_IO_LINK, sqe.Flags())
	require.Equal(t, int32(3), sqe.FD())
	sqe.Reset()
	require.Equal(t, SQEntry{}, sqe)
}
