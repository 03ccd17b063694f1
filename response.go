package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Response writes one HTTP response to a connection. Headers are buffered
// until the first body byte so the framing can still be decided.
type Response struct {
	conn net.Conn
	req  *Request
	bw   *bufio.Writer

	status      int
	headers     []Header
	headersSent bool
	forceClose  bool
	chunked     bool
	clKnown     bool
	sent        int64
	closed      bool
}

// NewResponse builds the response object for one request turn.
func NewResponse(conn net.Conn, req *Request) *Response {
	return &Response{
		conn:   conn,
		req:    req,
		bw:     bufio.NewWriterSize(conn, 4096),
		status: http.StatusOK,
	}
}

// StartResponse records the status and headers. The application must call
// it before returning its body iterator.
func (r *Response) StartResponse(status int, headers []Header) {
	r.status = status
	r.headers = headers
}

// Status is the recorded response status.
func (r *Response) Status() int {
	return r.status
}

// BytesSent is the number of body bytes written so far.
func (r *Response) BytesSent() int64 {
	return r.sent
}

// ForceClose marks the connection as not reusable regardless of what the
// request asked for.
func (r *Response) ForceClose() {
	r.forceClose = true
}

// HeadersSent reports whether the status line and headers are on the wire.
func (r *Response) HeadersSent() bool {
	return r.headersSent
}

// ShouldClose reports whether the connection must be closed after this
// response.
func (r *Response) ShouldClose() bool {
	if r.forceClose {
		return true
	}
	if r.req == nil || !r.req.KeepAlive() {
		return true
	}
	// a body with no declared framing is delimited by the close
	if r.headersSent && !r.clKnown && !r.chunked {
		return true
	}
	return false
}

// sendHeaders decides the body framing and writes the header block.
func (r *Response) sendHeaders() error {
	if r.headersSent {
		return nil
	}

	for _, h := range r.headers {
		if strings.EqualFold(h.Name, "Content-Length") {
			r.clKnown = true
		}
	}
	if !r.clKnown {
		if r.req != nil && r.req.ProtoMajor == 1 && r.req.ProtoMinor >= 1 {
			r.chunked = true
		} else {
			r.forceClose = true
		}
	}
	r.headersSent = true

	fmt.Fprintf(r.bw, "HTTP/1.1 %d %s\r\n", r.status, http.StatusText(r.status))
	fmt.Fprintf(r.bw, "Server: stoker\r\n")
	fmt.Fprintf(r.bw, "Date: %s\r\n", time.Now().UTC().Format(http.TimeFormat))
	for _, h := range r.headers {
		fmt.Fprintf(r.bw, "%s: %s\r\n", h.Name, h.Value)
	}
	if r.chunked {
		io.WriteString(r.bw, "Transfer-Encoding: chunked\r\n")
	}
	if r.ShouldClose() {
		io.WriteString(r.bw, "Connection: close\r\n")
	} else {
		io.WriteString(r.bw, "Connection: keep-alive\r\n")
	}
	_, err := io.WriteString(r.bw, "\r\n")
	return err
}

// Write sends one body chunk.
func (r *Response) Write(p []byte) error {
	if err := r.sendHeaders(); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	if r.chunked {
		if _, err := fmt.Fprintf(r.bw, "%x\r\n", len(p)); err != nil {
			return err
		}
		if _, err := r.bw.Write(p); err != nil {
			return err
		}
		if _, err := io.WriteString(r.bw, "\r\n"); err != nil {
			return err
		}
	} else {
		if _, err := r.bw.Write(p); err != nil {
			return err
		}
	}
	r.sent += int64(len(p))
	return nil
}

// WriteFile streams a file-wrapper body, taking the zero-copy path when
// the connection allows it.
func (r *Response) WriteFile(fb *FileBody) error {
	size := fb.Size
	if size <= 0 {
		fi, err := fb.File.Stat()
		if err != nil {
			return err
		}
		size = fi.Size()
	}
	if !r.headersSent && !hasHeader(r.headers, "Content-Length") {
		r.headers = append(r.headers, Header{Name: "Content-Length", Value: strconv.FormatInt(size, 10)})
	}
	if err := r.sendHeaders(); err != nil {
		return err
	}
	if err := r.bw.Flush(); err != nil {
		return err
	}

	n, err := sendFile(r.conn, fb.File, size)
	r.sent += n
	return err
}

// Close finishes the response, emitting headers for bodyless responses
// and the terminal chunk for chunked ones.
func (r *Response) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.sendHeaders(); err != nil {
		return err
	}
	if r.chunked {
		if _, err := io.WriteString(r.bw, "0\r\n\r\n"); err != nil {
			return err
		}
	}
	return r.bw.Flush()
}

func hasHeader(headers []Header, name string) bool {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return true
		}
	}
	return false
}
