package main

import (
	"bytes"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

// recordConn is a net.Conn that records everything written to it.
type recordConn struct {
	bytes.Buffer
}

func (c *recordConn) Read([]byte) (int, error)         { return 0, io.EOF }
func (c *recordConn) Close() error                     { return nil }
func (c *recordConn) LocalAddr() net.Addr              { return tcpAddr("local") }
func (c *recordConn) RemoteAddr() net.Addr             { return tcpAddr("remote") }
func (c *recordConn) SetDeadline(time.Time) error      { return nil }
func (c *recordConn) SetReadDeadline(time.Time) error  { return nil }
func (c *recordConn) SetWriteDeadline(time.Time) error { return nil }

type ResponseTestSuite struct {
	suite.Suite
	conn *recordConn
}

func (s *ResponseTestSuite) SetupTest() {
	logger = zap.NewNop()
	s.conn = &recordConn{}
}

func (s *ResponseTestSuite) request11() *Request {
	return &Request{Method: "GET", Path: "/", Proto: "HTTP/1.1", ProtoMajor: 1, ProtoMinor: 1}
}

func (s *ResponseTestSuite) request10() *Request {
	return &Request{Method: "GET", Path: "/", Proto: "HTTP/1.0", ProtoMajor: 1, ProtoMinor: 0}
}

func (s *ResponseTestSuite) TestContentLengthResponse() {
	resp := NewResponse(s.conn, s.request11())
	resp.StartResponse(200, []Header{
		{Name: "Content-Type", Value: "text/plain"},
		{Name: "Content-Length", Value: "5"},
	})
	s.Require().NoError(resp.Write([]byte("hello")))
	s.Require().NoError(resp.Close())

	out := s.conn.String()
	s.True(strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"), out)
	s.Contains(out, "Content-Length: 5\r\n")
	s.Contains(out, "Connection: keep-alive\r\n")
	s.True(strings.HasSuffix(out, "\r\n\r\nhello"), out)
	s.False(resp.ShouldClose())
	s.Equal(int64(5), resp.BytesSent())
}

func (s *ResponseTestSuite) TestChunkedWhenLengthUnknown() {
	resp := NewResponse(s.conn, s.request11())
	resp.StartResponse(200, []Header{{Name: "Content-Type", Value: "text/plain"}})
	s.Require().NoError(resp.Write([]byte("hello")))
	s.Require().NoError(resp.Close())

	out := s.conn.String()
	s.Contains(out, "Transfer-Encoding: chunked\r\n")
	s.Contains(out, "5\r\nhello\r\n")
	s.True(strings.HasSuffix(out, "0\r\n\r\n"), out)
	s.False(resp.ShouldClose())
}

func (s *ResponseTestSuite) TestHTTP10WithoutLengthCloses() {
	resp := NewResponse(s.conn, &Request{
		Method: "GET", Path: "/", Proto: "HTTP/1.0", ProtoMajor: 1, ProtoMinor: 0,
		Headers: []Header{{Name: "Connection", Value: "keep-alive"}},
	})
	resp.StartResponse(200, nil)
	s.Require().NoError(resp.Write([]byte("data")))
	s.Require().NoError(resp.Close())

	out := s.conn.String()
	s.Contains(out, "Connection: close\r\n")
	s.NotContains(out, "Transfer-Encoding")
	s.True(resp.ShouldClose())
}

func (s *ResponseTestSuite) TestForceClose() {
	resp := NewResponse(s.conn, s.request11())
	resp.ForceClose()
	resp.StartResponse(200, []Header{{Name: "Content-Length", Value: "0"}})
	s.Require().NoError(resp.Close())

	s.Contains(s.conn.String(), "Connection: close\r\n")
	s.True(resp.ShouldClose())
}

func (s *ResponseTestSuite) TestHeadersSent() {
	resp := NewResponse(s.conn, s.request11())
	resp.StartResponse(204, []Header{{Name: "Content-Length", Value: "0"}})
	s.False(resp.HeadersSent())
	s.Require().NoError(resp.Write(nil))
	s.True(resp.HeadersSent())
}

func (s *ResponseTestSuite) TestStatusLine() {
	resp := NewResponse(s.conn, s.request11())
	resp.StartResponse(404, []Header{{Name: "Content-Length", Value: "0"}})
	s.Require().NoError(resp.Close())
	s.True(strings.HasPrefix(s.conn.String(), "HTTP/1.1 404 Not Found\r\n"))
	s.Equal(404, resp.Status())
}

func (s *ResponseTestSuite) TestWriteFileFallback() {
	f, err := os.CreateTemp(s.T().TempDir(), "body-")
	s.Require().NoError(err)
	_, err = f.WriteString("file contents")
	s.Require().NoError(err)
	_, err = f.Seek(0, io.SeekStart)
	s.Require().NoError(err)

	resp := NewResponse(s.conn, s.request11())
	resp.StartResponse(200, []Header{{Name: "Content-Type", Value: "application/octet-stream"}})
	s.Require().NoError(resp.WriteFile(&FileBody{File: f}))
	s.Require().NoError(resp.Close())

	out := s.conn.String()
	s.Contains(out, "Content-Length: 13\r\n")
	s.True(strings.HasSuffix(out, "\r\n\r\nfile contents"), out)
	s.Equal(int64(13), resp.BytesSent())
	s.False(resp.ShouldClose())
}

func TestResponseTestSuite(t *testing.T) {
	suite.Run(t, new(ResponseTestSuite))
}
