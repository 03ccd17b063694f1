package main

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Worker is one OS process worth of serving machinery: the dispatch loop
// plus its poller, executor pool, keepalive set and liveness beacon. The
// dispatcher thread owns the poller, keepalive membership and nr_conns;
// executor goroutines rendezvous with it through finishRequest.
type Worker struct {
	cfg       *Config
	listeners []*Listener
	app       App

	ppid  int
	alive atomic.Bool
	nr    atomic.Int64

	// mu guards nrConns, the keepalive set, and compound mutations of the
	// poller registration table. Any thread touching those must hold it.
	mu      sync.Mutex
	nrConns int
	keep    keepaliveSet

	poller *Poller
	tpool  *executor
	beacon *Beacon

	// futures is read and mutated only by the dispatcher.
	futures   []*future
	completed chan *future

	fatalMu sync.Mutex
	fatal   error

	sigCh  chan os.Signal
	exitFn func(int)
}

// NewWorker wires a worker for the given configuration and listeners.
func NewWorker(cfg *Config, listeners []*Listener) *Worker {
	app := cfg.App
	if app == nil {
		app = defaultApp
	}
	w := &Worker{
		cfg:       cfg,
		listeners: listeners,
		app:       app,
		ppid:      os.Getppid(),
		completed: make(chan *future, cfg.WorkerConnections+cfg.Threads),
		exitFn:    os.Exit,
	}
	w.alive.Store(true)
	return w
}

// InitProcess builds the worker machinery and installs signal handlers.
func (w *Worker) InitProcess() error {
	beacon, err := NewBeacon(w.cfg)
	if err != nil {
		return err
	}
	w.beacon = beacon

	poller, err := NewPoller()
	if err != nil {
		beacon.Close()
		return err
	}
	w.poller = poller

	w.tpool = newExecutor(w.cfg.Threads, w.cfg.WorkerConnections, w.handle)
	w.initSignals()
	return nil
}

func (w *Worker) initSignals() {
	w.sigCh = make(chan os.Signal, 1)
	signal.Notify(w.sigCh, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range w.sigCh {
			switch sig {
			case syscall.SIGTERM:
				// graceful: the dispatch loop observes alive and exits
				w.alive.Store(false)
			case syscall.SIGQUIT, syscall.SIGINT:
				w.handleQuit()
			}
		}
	}()
}

// handleQuit performs an immediate quit: flip alive, run the worker_int
// hook, stop the executor and leave a short grace period so logs flush.
func (w *Worker) handleQuit() {
	w.alive.Store(false)
	w.hookWorkerInt()
	w.tpool.Shutdown(false)
	time.Sleep(100 * time.Millisecond)
	_ = logger.Sync()
	w.exitFn(0)
}

// fail records a fatal error; the dispatch loop exits on its next check.
func (w *Worker) fail(err error) {
	w.fatalMu.Lock()
	if w.fatal == nil {
		w.fatal = err
	}
	w.fatalMu.Unlock()
	w.alive.Store(false)
}

func (w *Worker) fatalErr() error {
	w.fatalMu.Lock()
	defer w.fatalMu.Unlock()
	return w.fatal
}

// keepalivedCount is the current size of the keepalive set.
func (w *Worker) keepalivedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.keep.Len()
}

func (w *Worker) connCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nrConns
}

func (w *Worker) decConn() {
	w.mu.Lock()
	w.nrConns--
	activeConnections.Set(float64(w.nrConns))
	w.mu.Unlock()
}

// isParentAlive reports whether the supervising parent still exists.
func (w *Worker) isParentAlive() bool {
	if w.ppid != os.Getppid() {
		logger.Info("Parent changed, shutting down", zap.Int("ppid", w.ppid))
		return false
	}
	return true
}

// Run is the dispatch loop. It registers the listeners, then alternates
// between draining the poller and waiting on in-flight completions until
// the worker dies, retires or loses its parent.
func (w *Worker) Run() error {
	for _, l := range w.listeners {
		if err := l.SetNonblock(); err != nil {
			return err
		}
		l := l
		if err := w.poller.Register(l.fd, func(int) { w.accept(l) }); err != nil {
			return err
		}
	}

	for w.alive.Load() {
		if err := w.beacon.Notify(); err != nil {
			logger.Error("Error notifying liveness beacon", zap.Error(err))
		}

		if w.connCount() < w.cfg.WorkerConnections {
			events, err := w.poller.Select(time.Second)
			if err != nil {
				w.fail(err)
				break
			}
			for _, ev := range events {
				ev.callback(ev.fd)
			}
			w.drainCompleted(0)
		} else {
			// saturated: do not poll the network; new connections wait
			// in the kernel listen queue until a request finishes
			w.drainCompleted(time.Second)
		}

		if !w.isParentAlive() {
			break
		}

		w.reapKeepalived(time.Now())
	}

	w.tpool.Shutdown(false)
	w.poller.Close()
	for _, l := range w.listeners {
		l.Close()
	}
	w.waitOutstanding(w.cfg.GracefulDuration())

	signal.Stop(w.sigCh)
	w.beacon.Close()
	return w.fatalErr()
}

// onClientReadable resumes an idle connection the poller flagged. A
// keepalive remove miss means a concurrent reaper already handled the
// connection, so the wake-up path aborts.
func (w *Worker) onClientReadable(conn *Conn) {
	w.mu.Lock()
	if err := w.poller.Unregister(conn.fd); err != nil {
		w.mu.Unlock()
		w.fail(err)
		return
	}
	if conn.initialized {
		if !w.keep.Remove(conn) {
			w.mu.Unlock()
			return
		}
		keepaliveConnections.Set(float64(w.keep.Len()))
	}
	w.mu.Unlock()

	w.enqueue(conn)
}

// enqueue initializes the connection and submits one request turn.
func (w *Worker) enqueue(conn *Conn) {
	if err := conn.Init(); err != nil {
		logger.Error("Error initializing connection",
			zap.String("peer", conn.peer), zap.Error(err))
		w.decConn()
		conn.Close()
		return
	}

	f, err := w.tpool.Submit(conn)
	if err != nil {
		w.decConn()
		conn.Close()
		return
	}
	w.futures = append(w.futures, f)
	f.OnDone(w.finishRequest)
}

// finishRequest is the task completion callback. It runs on the
// completing goroutine and therefore takes the worker mutex.
func (w *Worker) finishRequest(f *future) {
	defer func() { w.completed <- f }()

	if f.Cancelled() {
		w.decConn()
		f.conn.Close()
		return
	}
	if f.err != nil {
		logger.Error("Unhandled exception in request handler", zap.Error(f.err))
		w.decConn()
		f.conn.Close()
		return
	}

	if f.keepalive && w.alive.Load() {
		conn := f.conn
		if err := conn.SetNonblock(); err != nil {
			w.decConn()
			conn.Close()
			return
		}
		conn.SetTimeout()

		w.mu.Lock()
		w.keep.Add(conn)
		if err := w.poller.Register(conn.fd, func(int) { w.onClientReadable(conn) }); err != nil {
			w.keep.Remove(conn)
			w.nrConns--
			activeConnections.Set(float64(w.nrConns))
			w.mu.Unlock()
			conn.Close()
			return
		}
		keepaliveConnections.Set(float64(w.keep.Len()))
		w.mu.Unlock()
		return
	}

	w.decConn()
	f.conn.Close()
}

// drainCompleted removes finished tasks from the in-flight set, waiting up
// to timeout for the first completion.
func (w *Worker) drainCompleted(timeout time.Duration) {
	if len(w.futures) == 0 {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return
	}

	if timeout > 0 {
		select {
		case f := <-w.completed:
			w.removeFuture(f)
		case <-time.After(timeout):
			return
		}
	}
	for {
		select {
		case f := <-w.completed:
			w.removeFuture(f)
		default:
			return
		}
	}
}

func (w *Worker) removeFuture(f *future) {
	for i, x := range w.futures {
		if x == f {
			w.futures = append(w.futures[:i], w.futures[i+1:]...)
			return
		}
	}
}

// waitOutstanding blocks until every in-flight task completed or the
// graceful timeout expires.
func (w *Worker) waitOutstanding(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for len(w.futures) > 0 {
		remain := time.Until(deadline)
		if remain <= 0 {
			return
		}
		select {
		case f := <-w.completed:
			w.removeFuture(f)
		case <-time.After(remain):
			return
		}
	}
}

func (w *Worker) hookPreRequest(req *Request) {
	if w.cfg.Hooks.PreRequest == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Exception in pre_request hook", zap.Any("panic", r))
		}
	}()
	w.cfg.Hooks.PreRequest(req)
}

func (w *Worker) hookPostRequest(req *Request, env *Environ) {
	if w.cfg.Hooks.PostRequest == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Exception in post_request hook", zap.Any("panic", r))
		}
	}()
	w.cfg.Hooks.PostRequest(req, env)
}

func (w *Worker) hookWorkerInt() {
	if w.cfg.Hooks.WorkerInt == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Exception in worker_int hook", zap.Any("panic", r))
		}
	}()
	w.cfg.Hooks.WorkerInt()
}
