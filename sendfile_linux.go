//go:build linux

package main

import (
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// sendFile transmits count bytes of f. Raw socket connections take the
// zero-copy sendfile(2) path; TLS and other streams fall back to io.Copy.
func sendFile(conn net.Conn, f *os.File, count int64) (int64, error) {
	fc, ok := conn.(*fdConn)
	if !ok {
		return io.Copy(conn, io.LimitReader(f, count))
	}

	srcFd := int(f.Fd())
	var written int64
	for written < count {
		chunk := count - written
		if chunk > 1<<30 {
			chunk = 1 << 30
		}
		n, err := unix.Sendfile(fc.fd, srcFd, nil, int(chunk))
		if n > 0 {
			written += int64(n)
		}
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return written, &net.OpError{Op: "sendfile", Net: "tcp", Addr: fc.peer, Err: err}
		}
		if n == 0 {
			break
		}
	}
	return written, nil
}
