//go:build linux

package reactor

import (
	"fmt"
	"syscall"
)

// poller is a thin wrapper over epoll(7) built on the standard syscall
// package's EpollCreate1/EpollCtl/EpollWait — no golang.org/x/sys/unix
// dependency.
type poller struct {
	epfd int
}

func newPoller() (*poller, error) {
	fd, err := syscall.EpollCreate1(syscall.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &poller{epfd: fd}, nil
}

func (p *poller) add(fd int, userData int32) error {
	ev := syscall.EpollEvent{Events: syscall.EPOLLIN, Fd: userData}
	return syscall.EpollCtl(p.epfd, syscall.EPOLL_CTL_ADD, fd, &ev)
}

func (p *poller) remove(fd int) error {
	return syscall.EpollCtl(p.epfd, syscall.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks until at least one registered fd is ready (or timeoutMs
// elapses; -1 blocks indefinitely), returning the userData tags
// attached via add for each ready fd.
func (p *poller) wait(timeoutMs int) ([]int32, error) {
	events := make([]syscall.EpollEvent, 16)
	n, err := syscall.EpollWait(p.epfd, events, timeoutMs)
	if err != nil {
		if err == syscall.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}
	ready := make([]int32, 0, n)
	for i := 0; i < n; i++ {
		ready = append(ready, events[i].Fd)
	}
	return ready, nil
}

func (p *poller) close() error {
	return syscall.Close(p.epfd)
}
