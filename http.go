package main

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"
)

// ErrNoMoreData signals that the client hung up in the middle of a
// request. It is distinct from io.EOF, which ends the sequence cleanly so
// the handler can log the two differently.
var ErrNoMoreData = errors.New("no more data")

const maxHeaders = 100

// requestError is a protocol violation by the client; it maps to a 400
// response when one can still be written.
type requestError struct {
	reason string
}

func (e *requestError) Error() string {
	return "invalid request: " + e.reason
}

// Header is one HTTP header field.
type Header struct {
	Name  string
	Value string
}

// Request is one parsed HTTP request.
type Request struct {
	Method     string
	Path       string
	Query      string
	Proto      string
	ProtoMajor int
	ProtoMinor int
	Headers    []Header

	// ContentLength is -1 when the request carries no body.
	ContentLength int64
	Body          io.Reader

	Peer string
}

// Header returns the first value of the named field, or "".
func (r *Request) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// KeepAlive reports whether the client allows reusing the connection.
func (r *Request) KeepAlive() bool {
	conn := r.Header("Connection")
	if r.ProtoMajor == 1 && r.ProtoMinor >= 1 {
		return !strings.EqualFold(conn, "close")
	}
	return strings.EqualFold(conn, "keep-alive")
}

// RequestParser is a lazy sequence of requests bound to one connection.
// Next either yields a request, returns io.EOF when no further request is
// possible, or returns ErrNoMoreData when the socket hung up mid-request.
type RequestParser struct {
	cfg  *Config
	r    *bufio.Reader
	peer string

	// body is the unread remainder of the previous request.
	body io.Reader
}

// NewRequestParser binds a parser to the (possibly TLS-wrapped) stream.
func NewRequestParser(cfg *Config, r io.Reader, peer string) *RequestParser {
	return &RequestParser{cfg: cfg, r: bufio.NewReaderSize(r, 8192), peer: peer}
}

// DrainBody consumes the unread remainder of the previous request body.
func (p *RequestParser) DrainBody() error {
	if p.body == nil {
		return nil
	}
	_, err := io.Copy(io.Discard, p.body)
	p.body = nil
	return err
}

// Buffered is the number of bytes already read off the socket but not yet
// parsed. A pipelined request sitting here is invisible to a readiness
// poller and must be served before the connection goes back to it.
func (p *RequestParser) Buffered() int {
	return p.r.Buffered()
}

// Next yields the next request on the connection.
func (p *RequestParser) Next() (*Request, error) {
	if err := p.DrainBody(); err != nil {
		return nil, err
	}

	line, err := p.readLine()
	if err != nil {
		return nil, err
	}
	// tolerate stray blank lines between pipelined requests
	for line == "" {
		if line, err = p.readLine(); err != nil {
			return nil, err
		}
	}

	method, rest, ok := strings.Cut(line, " ")
	uri, proto, ok2 := strings.Cut(rest, " ")
	if !ok || !ok2 || method == "" || uri == "" {
		return nil, &requestError{reason: "malformed request line " + strconv.Quote(line)}
	}
	major, minor, ok := parseHTTPVersion(proto)
	if !ok {
		return nil, &requestError{reason: "unsupported protocol " + strconv.Quote(proto)}
	}

	req := &Request{
		Method:        method,
		Proto:         proto,
		ProtoMajor:    major,
		ProtoMinor:    minor,
		ContentLength: -1,
		Peer:          p.peer,
	}
	req.Path, req.Query, _ = strings.Cut(uri, "?")

	for i := 0; ; i++ {
		if i > maxHeaders {
			return nil, &requestError{reason: "too many headers"}
		}
		hline, err := p.readLine()
		if err != nil {
			if err == io.EOF {
				// the request line arrived, so this is a hang-up
				return nil, ErrNoMoreData
			}
			return nil, err
		}
		if hline == "" {
			break
		}
		name, value, ok := strings.Cut(hline, ":")
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return nil, &requestError{reason: "malformed header " + strconv.Quote(hline)}
		}
		req.Headers = append(req.Headers, Header{Name: name, Value: strings.TrimSpace(value)})
	}

	if te := req.Header("Transfer-Encoding"); te != "" {
		return nil, &requestError{reason: "unsupported transfer coding " + strconv.Quote(te)}
	}
	if cl := req.Header("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return nil, &requestError{reason: "invalid Content-Length " + strconv.Quote(cl)}
		}
		req.ContentLength = n
		req.Body = io.LimitReader(p.r, n)
		p.body = req.Body
	}

	return req, nil
}

// readLine reads one CRLF-terminated line. A partial line at EOF is a
// premature hang-up.
func (p *RequestParser) readLine() (string, error) {
	line, err := p.r.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			if line == "" {
				return "", io.EOF
			}
			return "", ErrNoMoreData
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func parseHTTPVersion(proto string) (major, minor int, ok bool) {
	switch proto {
	case "HTTP/1.1":
		return 1, 1, true
	case "HTTP/1.0":
		return 1, 0, true
	}
	return 0, 0, false
}
