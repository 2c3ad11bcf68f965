//go:build linux

package loop

import (
	"golang.org/x/sys/unix"
)

func newPoll(n int) (*poll, error) {
	p, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poll{fd: p, events: make([]unix.EpollEvent, n)}, nil
}

// poll waits on eventfds registered with the rings of a sharded loop.
type poll struct {
	fd int // epoll fd

	buf    [8]byte
	events []unix.EpollEvent
}

func (p *poll) addRead(fd int32) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, int(fd),
		&unix.EpollEvent{
			Fd:     fd,
			Events: unix.EPOLLIN,
		},
	)
}

// wait blocks until at least one eventfd is readable, resets its counter
// and calls iter for it.
func (p *poll) wait(iter func(int32)) error {
	for {
		n, err := unix.EpollWait(p.fd, p.events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if _, err := unix.Read(int(p.events[i].Fd), p.buf[:]); err != nil && err != unix.EAGAIN {
				return err
			}
			iter(p.events[i].Fd)
		}
		return nil
	}
}

func (p *poll) close() error {
	return unix.Close(p.fd)
}
