package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller is the Linux Poller backend, built on golang.org/x/sys/unix's
// raw epoll syscalls.
type epollPoller struct {
	epfd int
	// registered tracks the union of directions currently armed per fd, so
	// Add/Remove can compute the right EPOLL_CTL_MOD/DEL transition instead
	// of assuming a fd only ever has one direction armed.
	registered map[int]uint32
}

// NewEpoll creates an epoll instance for use as a Reactor's Poller.
func NewEpoll() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &epollPoller{epfd: epfd, registered: make(map[int]uint32)}, nil
}

func dirMask(dir Direction) uint32 {
	if dir == Write {
		return unix.EPOLLOUT
	}
	return unix.EPOLLIN
}

func (p *epollPoller) Add(fd int, dir Direction) error {
	mask, had := p.registered[fd]
	newMask := mask | dirMask(dir)
	event := unix.EpollEvent{Events: newMask, Fd: int32(fd)}
	var err error
	if had {
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &event)
	} else {
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &event)
	}
	if err != nil {
		return fmt.Errorf("epoll_ctl add fd=%d: %w", fd, err)
	}
	p.registered[fd] = newMask
	return nil
}

func (p *epollPoller) Remove(fd int, dir Direction) error {
	mask, ok := p.registered[fd]
	if !ok {
		return nil
	}
	newMask := mask &^ dirMask(dir)
	if newMask == 0 {
		delete(p.registered, fd)
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			return fmt.Errorf("epoll_ctl del fd=%d: %w", fd, err)
		}
		return nil
	}
	event := unix.EpollEvent{Events: newMask, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &event); err != nil {
		return fmt.Errorf("epoll_ctl mod fd=%d: %w", fd, err)
	}
	p.registered[fd] = newMask
	return nil
}

func (p *epollPoller) Wait(timeout time.Duration) ([]Ready, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}
	events := make([]unix.EpollEvent, 64)
	n, err := unix.EpollWait(p.epfd, events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	var ready []Ready
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if events[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			ready = append(ready, Ready{FD: fd, Dir: Read})
		}
		if events[i].Events&unix.EPOLLOUT != 0 {
			ready = append(ready, Ready{FD: fd, Dir: Write})
		}
	}
	return ready, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}
