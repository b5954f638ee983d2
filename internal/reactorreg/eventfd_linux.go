//go:build linux

package reactorreg

import (
	"encoding/binary"
	"fmt"
	"syscall"
)

// NewEventfd creates a non-blocking eventfd(2) counter, the wake
// primitive behind every reactor's mailbox signal.
func NewEventfd() (int, error) {
	fd, _, errno := syscall.RawSyscall(syscall.SYS_EVENTFD2, 0, syscall.EFD_NONBLOCK|syscall.EFD_CLOEXEC, 0)
	if errno != 0 {
		return 0, fmt.Errorf("eventfd2: %w", errno)
	}
	return int(fd), nil
}

// SignalEventfd writes 1 to the eventfd counter, waking any epoll wait
// blocked on it.
func SignalEventfd(fd int) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := syscall.Write(fd, buf[:])
	return err
}

// DrainEventfd reads (and discards) the accumulated counter value,
// re-arming the eventfd for the next wakeup.
func DrainEventfd(fd int) (uint64, error) {
	var buf [8]byte
	n, err := syscall.Read(fd, buf[:])
	if err != nil {
		// EAGAIN means the counter was already drained by a racing
		// reader — not an error for our purposes.
		if err == syscall.EAGAIN {
			return 0, nil
		}
		return 0, err
	}
	if n != 8 {
		return 0, fmt.Errorf("eventfd: short read (%d bytes)", n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
