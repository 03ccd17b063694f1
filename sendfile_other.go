//go:build !linux

package main

import (
	"io"
	"net"
	"os"
)

// sendFile transmits count bytes of f. Platforms without a portable
// sendfile path copy through userspace.
func sendFile(conn net.Conn, f *os.File, count int64) (int64, error) {
	return io.Copy(conn, io.LimitReader(f, count))
}
