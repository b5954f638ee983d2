//go:build !linux

package reactor

import "errors"

// poller stub for non-Linux builds — the dataplane in this package is
// Linux-only (epoll, eventfd, TUN multiqueue); the teacher's macOS
// path continues to use gvisor-tap-vsock instead (SPEC_FULL.md §6).
type poller struct{}

func newPoller() (*poller, error) {
	return nil, errors.New("reactor: epoll event loop is only supported on linux")
}

func (p *poller) add(fd int, userData int32) error    { return errors.New("reactor: unsupported") }
func (p *poller) remove(fd int) error                 { return errors.New("reactor: unsupported") }
func (p *poller) wait(timeoutMs int) ([]int32, error) { return nil, errors.New("reactor: unsupported") }
func (p *poller) close() error                        { return nil }
