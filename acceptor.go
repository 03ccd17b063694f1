package main

import (
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// accept drains one pending connection from a listener. Only a single
// accept happens per poller wake-up; fairness across listeners comes from
// the poller's level-triggered semantics.
func (w *Worker) accept(l *Listener) {
	nfd, sa, err := unix.Accept(l.fd)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.ECONNABORTED {
			return
		}
		logger.Error("Accept failed", zap.String("listener", l.name), zap.Error(err))
		w.fail(err)
		return
	}
	unix.CloseOnExec(nfd)

	conn, err := newConn(w.cfg, nfd, sockaddrString(sa), l.name)
	if err != nil {
		logger.Error("Error preparing accepted socket", zap.Error(err))
		w.fail(err)
		return
	}

	w.mu.Lock()
	w.nrConns++
	activeConnections.Set(float64(w.nrConns))
	err = w.poller.Register(conn.fd, func(int) { w.onClientReadable(conn) })
	w.mu.Unlock()

	if err != nil {
		w.mu.Lock()
		w.nrConns--
		activeConnections.Set(float64(w.nrConns))
		w.mu.Unlock()
		conn.Close()
		w.fail(err)
		return
	}

	connectionsAccepted.Inc()
	logger.Debug("Accepted connection",
		zap.String("peer", conn.peer),
		zap.String("listener", l.name))
}
