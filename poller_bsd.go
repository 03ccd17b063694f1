//go:build darwin || freebsd

package main

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Poller is a level-triggered readiness multiplexer over kqueue. See the
// epoll variant for the locking contract.
type Poller struct {
	mu        sync.Mutex
	kq        int
	callbacks map[int]pollCallback
	events    []unix.Kevent_t
	closed    bool
}

// NewPoller creates the kqueue instance.
func NewPoller() (*Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	return &Poller{
		kq:        kq,
		callbacks: make(map[int]pollCallback),
		events:    make([]unix.Kevent_t, 128),
	}, nil
}

// Register adds fd with read interest. A descriptor appears at most once.
func (p *Poller) Register(fd int, cb pollCallback) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPollerClosed
	}
	ev := unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD}
	if _, err := unix.Kevent(p.kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		return err
	}
	p.callbacks[fd] = cb
	return nil
}

// Unregister removes fd, tolerating descriptors that are already gone.
func (p *Poller) Unregister(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	delete(p.callbacks, fd)
	ev := unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE}
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{ev}, nil, nil)
	if err == nil || err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

// Select waits up to timeout for readiness and returns the ready
// descriptors with their callbacks. An interrupted wait returns empty.
func (p *Poller) Select(timeout time.Duration) ([]pollEvent, error) {
	ts := unix.NsecToTimespec(timeout.Nanoseconds())
	n, err := unix.Kevent(p.kq, nil, p.events, &ts)
	if err == unix.EINTR {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ready := make([]pollEvent, 0, n)
	p.mu.Lock()
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Ident)
		if cb, ok := p.callbacks[fd]; ok {
			ready = append(ready, pollEvent{fd: fd, callback: cb})
		}
	}
	p.mu.Unlock()
	return ready, nil
}

// Close releases the kqueue instance.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.callbacks = nil
	return unix.Close(p.kq)
}
