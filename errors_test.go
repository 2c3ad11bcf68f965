package ioring

import (
	"fmt"
	"syscall"
	"testing"

	"code.hybscloud.com/iox"
	"github.com/brickingsoft/errors"
	"github.com/stretchr/testify/require"
)

func TestErrorsWrapCause(t *testing.T) {
	err := enterError(syscall.EBADF)
	require.True(t, errors.Is(err, ErrEnter))
	require.True(t, errors.Is(err, syscall.EBADF))
	require.False(t, errors.Is(err, ErrRegister))
}

func TestErrorsHelpers(t *testing.T) {
	overflow := overflowError(errMetaOpRead, 3)
	require.True(t, IsOverflow(overflow))
	require.False(t, IsDropped(overflow))

	dropped := droppedError(1)
	require.True(t, IsDropped(dropped))
	require.False(t, IsOverflow(dropped))

	require.True(t, IsUnsupported(ErrUnsupported))
	require.False(t, IsUnsupported(nil))
}

func TestWouldBlock(t *testing.T) {
	require.True(t, IsWouldBlock(ErrWouldBlock))
	require.True(t, iox.IsWouldBlock(ErrWouldBlock))
	require.False(t, IsWouldBlock(ErrOverflow))
	require.False(t, IsWouldBlock(nil))
}

func TestErrno(t *testing.T) {
	errno, ok := Errno(syscall.EAGAIN)
	require.True(t, ok)
	require.Equal(t, syscall.EAGAIN, errno)

	_, ok = Errno(nil)
	require.False(t, ok)
	_, ok = Errno(ErrUnsupported)
	require.False(t, ok)
}

func TestErrnoThroughWrappers(t *testing.T) {
	err := enterError(syscall.EBADF)
	errno, ok := Errno(err)
	require.True(t, ok)
	require.Equal(t, syscall.EBADF, errno)

	// wrapped again by the caller
	errno, ok = Errno(fmt.Errorf("submit: %w", err))
	require.True(t, ok)
	require.Equal(t, syscall.EBADF, errno)

	// sentinels without a cause carry no errno
	_, ok = Errno(overflowError(errMetaOpRead, 1))
	require.False(t, ok)
	_, ok = Errno(errors.From(ErrSetup, withCause(errors.New("not an errno"))))
	require.False(t, ok)
}
