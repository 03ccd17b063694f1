package main

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type RequestParserTestSuite struct {
	suite.Suite
	cfg *Config
}

func (s *RequestParserTestSuite) SetupTest() {
	logger = zap.NewNop()
	s.cfg = &Config{Threads: 1, WorkerConnections: 4, Keepalive: 2}
}

func (s *RequestParserTestSuite) parser(input string) *RequestParser {
	return NewRequestParser(s.cfg, strings.NewReader(input), "10.0.0.1:54321")
}

func (s *RequestParserTestSuite) TestSingleRequest() {
	p := s.parser("GET /search?q=keepalive HTTP/1.1\r\nHost: example.test\r\nAccept: */*\r\n\r\n")

	req, err := p.Next()
	s.Require().NoError(err)
	s.Equal("GET", req.Method)
	s.Equal("/search", req.Path)
	s.Equal("q=keepalive", req.Query)
	s.Equal("HTTP/1.1", req.Proto)
	s.Equal("example.test", req.Header("host"))
	s.Equal(int64(-1), req.ContentLength)
	s.True(req.KeepAlive())
	s.Equal("10.0.0.1:54321", req.Peer)

	// a clean end of the stream
	_, err = p.Next()
	s.ErrorIs(err, io.EOF)
}

func (s *RequestParserTestSuite) TestPipelinedRequests() {
	p := s.parser("GET /a HTTP/1.1\r\nHost: x\r\n\r\nGET /b HTTP/1.1\r\nHost: x\r\n\r\n")

	req, err := p.Next()
	s.Require().NoError(err)
	s.Equal("/a", req.Path)
	s.Positive(p.Buffered(), "the second request is already buffered")

	req, err = p.Next()
	s.Require().NoError(err)
	s.Equal("/b", req.Path)

	_, err = p.Next()
	s.ErrorIs(err, io.EOF)
}

func (s *RequestParserTestSuite) TestConnectionClose() {
	p := s.parser("GET / HTTP/1.1\r\nConnection: close\r\n\r\n")
	req, err := p.Next()
	s.Require().NoError(err)
	s.False(req.KeepAlive())
}

func (s *RequestParserTestSuite) TestHTTP10KeepAlive() {
	p := s.parser("GET / HTTP/1.0\r\n\r\nGET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")

	req, err := p.Next()
	s.Require().NoError(err)
	s.False(req.KeepAlive(), "HTTP/1.0 defaults to close")

	req, err = p.Next()
	s.Require().NoError(err)
	s.True(req.KeepAlive())
}

func (s *RequestParserTestSuite) TestRequestBody() {
	p := s.parser("POST /submit HTTP/1.1\r\nContent-Length: 5\r\n\r\nhelloGET /next HTTP/1.1\r\n\r\n")

	req, err := p.Next()
	s.Require().NoError(err)
	s.Equal(int64(5), req.ContentLength)
	body, err := io.ReadAll(req.Body)
	s.Require().NoError(err)
	s.Equal("hello", string(body))

	req, err = p.Next()
	s.Require().NoError(err)
	s.Equal("/next", req.Path)
}

func (s *RequestParserTestSuite) TestUnreadBodyDrained() {
	p := s.parser("POST /submit HTTP/1.1\r\nContent-Length: 5\r\n\r\nhelloGET /next HTTP/1.1\r\n\r\n")

	_, err := p.Next()
	s.Require().NoError(err)
	// the handler never touched the body; the next parse must skip it
	req, err := p.Next()
	s.Require().NoError(err)
	s.Equal("/next", req.Path)
}

func (s *RequestParserTestSuite) TestEmptyStreamIsEOF() {
	_, err := s.parser("").Next()
	s.ErrorIs(err, io.EOF)
}

func (s *RequestParserTestSuite) TestPartialRequestLineIsNoMoreData() {
	_, err := s.parser("GET / HT").Next()
	s.ErrorIs(err, ErrNoMoreData)
}

func (s *RequestParserTestSuite) TestHangupMidHeadersIsNoMoreData() {
	_, err := s.parser("GET / HTTP/1.1\r\nHost: x\r\n").Next()
	s.ErrorIs(err, ErrNoMoreData)
}

func (s *RequestParserTestSuite) TestMalformedRequestLine() {
	var reqErr *requestError
	_, err := s.parser("NONSENSE\r\n\r\n").Next()
	s.ErrorAs(err, &reqErr)
}

func (s *RequestParserTestSuite) TestUnsupportedProtocol() {
	var reqErr *requestError
	_, err := s.parser("GET / HTTP/2.0\r\n\r\n").Next()
	s.ErrorAs(err, &reqErr)
}

func (s *RequestParserTestSuite) TestInvalidContentLength() {
	var reqErr *requestError
	_, err := s.parser("POST / HTTP/1.1\r\nContent-Length: banana\r\n\r\n").Next()
	s.ErrorAs(err, &reqErr)
}

func (s *RequestParserTestSuite) TestChunkedRejected() {
	var reqErr *requestError
	_, err := s.parser("POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n").Next()
	s.ErrorAs(err, &reqErr)
}

func (s *RequestParserTestSuite) TestStrayBlankLinesSkipped() {
	p := s.parser("\r\n\r\nGET / HTTP/1.1\r\nHost: x\r\n\r\n")
	req, err := p.Next()
	s.Require().NoError(err)
	s.Equal("/", req.Path)
}

func TestRequestParserTestSuite(t *testing.T) {
	suite.Run(t, new(RequestParserTestSuite))
}
