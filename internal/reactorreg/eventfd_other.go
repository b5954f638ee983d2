//go:build !linux

package reactorreg

import "fmt"

// The reactor dataplane's eventfd-based wakeup only runs on Linux —
// it is the same constraint the TUN device and vhost-user backend
// have. On other platforms (the libkrun/macOS VMM path) networking is
// handled entirely by internal/vmm/gvproxy.go instead.

func NewEventfd() (int, error) {
	return 0, fmt.Errorf("reactorreg: eventfd not supported on this platform")
}

func SignalEventfd(fd int) error {
	return fmt.Errorf("reactorreg: eventfd not supported on this platform")
}

func DrainEventfd(fd int) (uint64, error) {
	return 0, fmt.Errorf("reactorreg: eventfd not supported on this platform")
}
