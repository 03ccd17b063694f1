package main

import (
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// tcpAddr is a minimal net.Addr over an already formatted host:port string.
type tcpAddr string

func (a tcpAddr) Network() string { return "tcp" }
func (a tcpAddr) String() string  { return string(a) }

// fdConn adapts a raw socket descriptor to net.Conn. It is only used once
// the descriptor has been switched to blocking mode and handed to an
// executor goroutine, so reads and writes block in the kernel.
type fdConn struct {
	fd    int
	local tcpAddr
	peer  tcpAddr
}

func (c *fdConn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, &net.OpError{Op: "read", Net: "tcp", Addr: c.peer, Err: err}
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

func (c *fdConn) Write(p []byte) (int, error) {
	var written int
	for written < len(p) {
		n, err := unix.Write(c.fd, p[written:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return written, &net.OpError{Op: "write", Net: "tcp", Addr: c.peer, Err: err}
		}
		written += n
	}
	return written, nil
}

func (c *fdConn) Close() error { return unix.Close(c.fd) }

func (c *fdConn) LocalAddr() net.Addr  { return c.local }
func (c *fdConn) RemoteAddr() net.Addr { return c.peer }

// Deadlines are not used; executor goroutines block for their one
// connection and rely on OS-level socket behavior.
func (c *fdConn) SetDeadline(time.Time) error      { return nil }
func (c *fdConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fdConn) SetWriteDeadline(time.Time) error { return nil }

// Conn is the per-socket state for one accepted connection. It is owned by
// exactly one of: the acceptor (transient), an executor task, the keepalive
// set, or the closing path. Ownership transitions happen under the worker
// mutex.
type Conn struct {
	cfg      *Config
	fd       int
	peer     string
	listener string

	nc          net.Conn
	parser      *RequestParser
	initialized bool

	// deadline is meaningful only while the connection sits in the
	// keepalive set.
	deadline time.Time

	closed bool
}

// newConn records the accepted socket and switches it to non-blocking mode
// for the poller. The listener identity is captured at accept time because
// looking it up later may race with shutdown.
func newConn(cfg *Config, fd int, peer, listener string) (*Conn, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Conn{cfg: cfg, fd: fd, peer: peer, listener: listener}, nil
}

// Init switches the socket to blocking mode, wraps it in TLS when
// configured and constructs the request parser. Idempotent.
func (c *Conn) Init() error {
	if c.initialized {
		return nil
	}
	c.initialized = true

	if err := unix.SetNonblock(c.fd, false); err != nil {
		return err
	}

	if c.parser == nil {
		c.nc = &fdConn{fd: c.fd, local: tcpAddr(c.listener), peer: tcpAddr(c.peer)}
		if c.cfg.IsSSL() {
			c.nc = tls.Server(c.nc, c.cfg.TLSConfig())
		}
		c.parser = NewRequestParser(c.cfg, c.nc, c.peer)
	}
	return nil
}

// SetNonblock returns the socket to the poller's non-blocking mode.
func (c *Conn) SetNonblock() error {
	return unix.SetNonblock(c.fd, true)
}

// SetTimeout stamps the keepalive deadline.
func (c *Conn) SetTimeout() {
	c.deadline = time.Now().Add(c.cfg.KeepaliveDuration())
}

// Shutdown tears the connection down abruptly in both directions.
func (c *Conn) Shutdown() {
	_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
}

// Close releases the socket, swallowing already-closed errors.
func (c *Conn) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if err := unix.Close(c.fd); err != nil && err != unix.EBADF {
		logger.Debug("Error closing socket", zap.Error(err))
	}
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	}
	return "unknown"
}
