//go:build !linux

package tunqueue

import "errors"

// VnetHdrSize is unused outside Linux; kept so callers compile
// unconditionally across platforms.
const VnetHdrSize = 12

// Queue stub for non-Linux builds — on macOS the libkrun backend has no
// multiqueue TUN dataplane; its networking is gvproxy or TSI.
type Queue struct{}

func Open(ifName string) (*Queue, error) {
	return nil, errors.New("tunqueue: multiqueue TUN is only supported on linux")
}

func (q *Queue) Name() string                    { return "" }
func (q *Queue) Fd() int                          { return -1 }
func (q *Queue) ReadInto(buf []byte) (int, error) { return 0, errors.New("tunqueue: unsupported") }
func (q *Queue) Write(frame []byte) (int, error)  { return 0, errors.New("tunqueue: unsupported") }
func (q *Queue) Close() error                     { return nil }
