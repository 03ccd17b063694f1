package main

import (
	"errors"
	"fmt"
	"sync"
)

var errExecutorShutdown = errors.New("executor is shut down")

// handleFunc runs one request turn on a connection and reports whether the
// connection should be kept alive afterwards.
type handleFunc func(*Conn) bool

// future tracks one submitted task through completion. The connection is
// carried as an explicit value rather than a back-pointer.
type future struct {
	conn      *Conn
	keepalive bool
	err       error
	cancelled bool

	mu   sync.Mutex
	done bool
	cb   func(*future)
}

// Cancelled reports whether the task was cancelled before it started.
func (f *future) Cancelled() bool {
	return f.cancelled
}

// OnDone arms the completion callback. It fires on the completing
// goroutine, or immediately on the caller's if the task already settled.
// The owner must arm it after recording the handle, so the callback never
// observes an untracked future.
func (f *future) OnDone(cb func(*future)) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		cb(f)
		return
	}
	f.cb = cb
	f.mu.Unlock()
}

func (f *future) complete() {
	f.mu.Lock()
	f.done = true
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb(f)
	}
}

// executor is a bounded pool of goroutines that own request handling.
type executor struct {
	handle handleFunc
	tasks  chan *future
	wg     sync.WaitGroup

	mu   sync.Mutex
	down bool
}

// newExecutor starts threads goroutines draining the task queue. The
// queue holds up to queueSize unstarted tasks; submissions never exceed
// the worker connection cap, so Submit never blocks.
func newExecutor(threads, queueSize int, handle handleFunc) *executor {
	e := &executor{
		handle: handle,
		tasks:  make(chan *future, queueSize),
	}
	e.wg.Add(threads)
	for i := 0; i < threads; i++ {
		go e.run()
	}
	return e
}

func (e *executor) run() {
	defer e.wg.Done()
	for f := range e.tasks {
		e.execute(f)
	}
}

func (e *executor) execute(f *future) {
	defer func() {
		if r := recover(); r != nil {
			f.err = fmt.Errorf("request handler panic: %v", r)
		}
		f.complete()
	}()
	f.keepalive = e.handle(f.conn)
}

// Submit queues one request turn for conn and returns its handle.
func (e *executor) Submit(conn *Conn) (*future, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.down {
		return nil, errExecutorShutdown
	}
	f := &future{conn: conn}
	e.tasks <- f
	return f, nil
}

// Shutdown stops accepting submissions and cancels tasks that never
// started; their completion callback still fires so the owner can close
// the connection. In-flight tasks continue but are not waited for unless
// wait is true.
func (e *executor) Shutdown(wait bool) {
	e.mu.Lock()
	if e.down {
		e.mu.Unlock()
		return
	}
	e.down = true
	e.mu.Unlock()

	for {
		select {
		case f := <-e.tasks:
			f.cancelled = true
			f.complete()
		default:
			close(e.tasks)
			if wait {
				e.wg.Wait()
			}
			return
		}
	}
}
