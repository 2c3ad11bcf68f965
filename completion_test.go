//go:build linux

package ioring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func submitNops(t *testing.T, sq *SubmissionQueue, tags ...uint64) {
	t.Helper()
	for _, tag := range tags {
		sqe, ok := sq.TryAcquireSlot()
		require.True(t, ok)
		Nop(sqe)
		sqe.SetUserData(tag)
	}
	_, err := sq.Flush(0)
	require.NoError(t, err)
}

func TestCQReadInOrder(t *testing.T) {
	ring := openRing(t, 8)
	cq := ring.CQ()
	require.Equal(t, uint32(16), cq.Capacity())

	submitNops(t, ring.SQ(), 1, 2, 3, 4, 5, 6, 7, 8)
	require.NoError(t, cq.Wait(8))
	require.Equal(t, uint32(8), cq.Ready())

	first, err := cq.Read()
	require.NoError(t, err)
	require.Equal(t, uint64(1), first.UserData())

	buf := make([]CQEntry, 3)
	n, err := cq.ReadBatch(buf)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	for i, cqe := range buf {
		require.Equal(t, uint64(i+2), cqe.UserData())
		require.Zero(t, cqe.Result())
		require.NoError(t, cqe.Err())
	}
	require.Equal(t, uint32(4), cq.Ready())

	buf = make([]CQEntry, 16)
	n, err = cq.ReadBatch(buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, uint64(8), buf[3].UserData())
	require.Zero(t, cq.Ready())
}

func TestCQReadBatchEmptyBuffer(t *testing.T) {
	ring := openRing(t, 4)
	n, err := ring.CQ().ReadBatch(nil)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCQTryRead(t *testing.T) {
	ring := openRing(t, 4)
	cq := ring.CQ()

	_, err := cq.TryRead()
	require.True(t, IsWouldBlock(err))

	submitNops(t, ring.SQ(), 42)
	require.NoError(t, cq.Wait(1))
	cqe, err := cq.TryRead()
	require.NoError(t, err)
	require.Equal(t, uint64(42), cqe.UserData())

	_, err = cq.TryRead()
	require.True(t, IsWouldBlock(err))
}

func TestCQReadBlocks(t *testing.T) {
	ring := openRing(t, 4)
	cq := ring.CQ()
	done := make(chan CQEntry)
	go func() {
		cqe, err := cq.Read()
		if err == nil {
			done <- cqe
		}
		close(done)
	}()
	submitNops(t, ring.SQ(), 7)
	cqe, ok := <-done
	require.True(t, ok)
	require.Equal(t, uint64(7), cqe.UserData())
}
