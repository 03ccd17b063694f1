package main

import (
	"time"
)

// keepaliveSet is a FIFO of idle reusable connections. The keepalive
// interval is constant, so insertion order equals deadline order. All
// access happens under the worker mutex.
type keepaliveSet struct {
	conns []*Conn
}

// Add appends c at the back.
func (k *keepaliveSet) Add(c *Conn) {
	k.conns = append(k.conns, c)
}

// PopFront removes and returns the oldest member.
func (k *keepaliveSet) PopFront() (*Conn, bool) {
	if len(k.conns) == 0 {
		return nil, false
	}
	c := k.conns[0]
	k.conns = k.conns[1:]
	return c, true
}

// PushFront reinserts c at the head after a non-expired peek.
func (k *keepaliveSet) PushFront(c *Conn) {
	k.conns = append([]*Conn{c}, k.conns...)
}

// Remove reports whether c was a member. A miss means a concurrent reaper
// already handled the connection and the caller must abort its wake-up
// path.
func (k *keepaliveSet) Remove(c *Conn) bool {
	for i, m := range k.conns {
		if m == c {
			k.conns = append(k.conns[:i], k.conns[i+1:]...)
			return true
		}
	}
	return false
}

// Len is the current number of idle connections.
func (k *keepaliveSet) Len() int {
	return len(k.conns)
}

// reapKeepalived closes idle connections whose deadline has passed,
// oldest first. The head check is sufficient because the set is
// deadline-ordered.
func (w *Worker) reapKeepalived(now time.Time) {
	for {
		w.mu.Lock()
		conn, ok := w.keep.PopFront()
		if !ok {
			w.mu.Unlock()
			return
		}
		if conn.deadline.After(now) {
			w.keep.PushFront(conn)
			w.mu.Unlock()
			return
		}

		w.nrConns--
		activeConnections.Set(float64(w.nrConns))
		keepaliveConnections.Set(float64(w.keep.Len()))
		// The unregister and the removal from the set must be one unit,
		// else an expiring connection can be handed to the executor after
		// being closed.
		err := w.poller.Unregister(conn.fd)
		w.mu.Unlock()

		if err != nil {
			w.fail(err)
			return
		}
		conn.Close()
		keepaliveReaped.Inc()
	}
}
