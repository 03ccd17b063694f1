//go:build linux

package main

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Poller is a level-triggered readiness multiplexer over epoll. The worker
// mutex serializes compound mutations of the registration table together
// with the keepalive set; the internal mutex only keeps the fd→callback map
// coherent for concurrent single calls.
type Poller struct {
	mu        sync.Mutex
	epfd      int
	callbacks map[int]pollCallback
	events    []unix.EpollEvent
	closed    bool
}

// NewPoller creates the epoll instance.
func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{
		epfd:      epfd,
		callbacks: make(map[int]pollCallback),
		events:    make([]unix.EpollEvent, 128),
	}, nil
}

// Register adds fd with read interest. A descriptor appears at most once.
func (p *Poller) Register(fd int, cb pollCallback) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPollerClosed
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.callbacks[fd] = cb
	return nil
}

// Unregister removes fd, tolerating descriptors that are already gone:
// unknown fd, bad fd, or a race with close.
func (p *Poller) Unregister(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	delete(p.callbacks, fd)
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == nil || err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

// Select waits up to timeout for readiness and returns the ready
// descriptors with their callbacks. An interrupted wait returns empty.
func (p *Poller) Select(timeout time.Duration) ([]pollEvent, error) {
	n, err := unix.EpollWait(p.epfd, p.events, int(timeout.Milliseconds()))
	if err == unix.EINTR {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ready := make([]pollEvent, 0, n)
	p.mu.Lock()
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		if cb, ok := p.callbacks[fd]; ok {
			ready = append(ready, pollEvent{fd: fd, callback: cb})
		}
	}
	p.mu.Unlock()
	return ready, nil
}

// Close releases the epoll instance.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.callbacks = nil
	return unix.Close(p.epfd)
}
