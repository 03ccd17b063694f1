package main

import (
	"io"
	"os"
	"strconv"
)

// StartResponse begins the response with a status and headers. The
// application must call it exactly once before returning its body.
type StartResponse func(status int, headers []Header)

// Body is a response body iterator. Next returns io.EOF when the body is
// exhausted.
type Body interface {
	Next() ([]byte, error)
}

// BodyCloser is implemented by bodies holding resources that must be
// released once iteration ends.
type BodyCloser interface {
	Body
	Close() error
}

// App is the application callable, invoked once per request to produce a
// response body iterator.
type App func(env *Environ, start StartResponse) (Body, error)

// Environ is the per-request environment handed to the application.
type Environ struct {
	Request  *Request
	Peer     string
	Listener string

	// Multithread is always true under this worker model.
	Multithread bool

	// FileWrapper wraps a file so the worker may stream it with the
	// zero-copy fast path.
	FileWrapper func(f *os.File) *FileBody
}

// FileBody is the file-wrapper sentinel. It also iterates as a plain body
// for paths that cannot take sendfile.
type FileBody struct {
	File *os.File

	// Size of the transfer; 0 means stat the file.
	Size int64

	buf []byte
}

func (b *FileBody) Next() ([]byte, error) {
	if b.buf == nil {
		b.buf = make([]byte, 32*1024)
	}
	n, err := b.File.Read(b.buf)
	if n > 0 {
		return b.buf[:n], nil
	}
	if err == nil {
		err = io.EOF
	}
	return nil, err
}

func (b *FileBody) Close() error {
	return b.File.Close()
}

// NewFileWrapper is the FileWrapper factory placed in every Environ.
func NewFileWrapper(f *os.File) *FileBody {
	return &FileBody{File: f}
}

// bytesBody iterates a fixed sequence of chunks.
type bytesBody struct {
	chunks [][]byte
}

// BytesBody builds a body from in-memory chunks.
func BytesBody(chunks ...[]byte) Body {
	return &bytesBody{chunks: chunks}
}

func (b *bytesBody) Next() ([]byte, error) {
	if len(b.chunks) == 0 {
		return nil, io.EOF
	}
	c := b.chunks[0]
	b.chunks = b.chunks[1:]
	return c, nil
}

// Hooks are user callbacks around the request lifecycle. Errors and panics
// inside hooks are caught and logged, never propagated.
type Hooks struct {
	PreRequest  func(req *Request)
	PostRequest func(req *Request, env *Environ)
	WorkerInt   func()
}

// defaultApp answers every request with a small status payload.
func defaultApp(env *Environ, start StartResponse) (Body, error) {
	payload := []byte("stoker is running\n")
	start(200, []Header{
		{Name: "Content-Type", Value: "text/plain; charset=utf-8"},
		{Name: "Content-Length", Value: strconv.Itoa(len(payload))},
	})
	return BytesBody(payload), nil
}
