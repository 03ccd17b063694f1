package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// handle runs one request turn on a connection whose parser has been
// constructed. Pipelined requests already buffered by the parser are
// served in the same turn, since the poller cannot see them. The return
// value is the keepalive verdict.
func (w *Worker) handle(conn *Conn) bool {
	for {
		req, err := conn.parser.Next()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			logger.Debug("Closing connection", zap.String("peer", conn.peer))
			return false
		case errors.Is(err, ErrNoMoreData):
			logger.Debug("Ignored premature client disconnection", zap.String("peer", conn.peer))
			return false
		default:
			w.handleTurnError(nil, conn, err)
			return false
		}
		if req == nil {
			return false
		}

		keepalive, err := w.handleRequest(req, conn)
		if err != nil {
			w.handleTurnError(req, conn, err)
			return false
		}
		if !keepalive {
			return false
		}
		if err := conn.parser.DrainBody(); err != nil {
			w.handleTurnError(req, conn, err)
			return false
		}
		if conn.parser.Buffered() == 0 {
			return true
		}
	}
}

// handleTurnError classifies an error escaping one request turn.
func (w *Worker) handleTurnError(req *Request, conn *Conn, err error) {
	var reqErr *requestError
	var recErr tls.RecordHeaderError
	switch {
	case errors.As(err, &recErr):
		logger.Debug("Error processing TLS request", zap.Error(err))
		w.handleError(req, conn, err)
	case errors.As(err, &reqErr):
		w.handleError(req, conn, err)
	case isPeerGone(err):
		logger.Debug("Ignoring peer gone", zap.String("peer", conn.peer), zap.Error(err))
	case isSocketError(err):
		logger.Error("Socket error processing request",
			zap.String("peer", conn.peer), zap.Error(err), zap.Stack("stack"))
	default:
		w.handleError(req, conn, err)
	}
}

// handleRequest parses nothing itself: it drives hooks, the application
// and the response writer for one already-parsed request.
func (w *Worker) handleRequest(req *Request, conn *Conn) (bool, error) {
	w.hookPreRequest(req)
	start := time.Now()

	env := &Environ{
		Request:     req,
		Peer:        conn.peer,
		Listener:    conn.listener,
		Multithread: true,
		FileWrapper: NewFileWrapper,
	}
	resp := NewResponse(conn.nc, req)
	defer w.hookPostRequest(req, env)

	nr := w.nr.Add(1)
	if w.cfg.MaxRequests > 0 && nr >= int64(w.cfg.MaxRequests) {
		if w.alive.CompareAndSwap(true, false) {
			logger.Info("Autorestarting worker after current request")
			workerRetirements.Inc()
		}
		resp.ForceClose()
	}
	if !w.alive.Load() || w.cfg.Keepalive == 0 {
		resp.ForceClose()
	} else if w.keepalivedCount() >= w.cfg.MaxKeepalived() {
		resp.ForceClose()
	}

	body, appErr := w.app(env, resp.StartResponse)

	var err error
	func() {
		defer func() {
			w.logAccess(req, resp, time.Since(start))
			if c, ok := body.(BodyCloser); ok {
				c.Close()
			}
		}()
		if appErr != nil {
			err = appErr
			return
		}
		if fb, ok := body.(*FileBody); ok {
			if err = resp.WriteFile(fb); err != nil {
				return
			}
		} else if body != nil {
			for {
				chunk, nerr := body.Next()
				if nerr == io.EOF {
					break
				}
				if nerr != nil {
					err = nerr
					return
				}
				if err = resp.Write(chunk); err != nil {
					return
				}
			}
		}
		err = resp.Close()
	}()

	if err != nil {
		if isSocketError(err) {
			// handled by the outer taxonomy
			return false, err
		}
		if resp.HeadersSent() {
			// the framing cannot be recovered once headers are out
			logger.Error("Error handling request",
				zap.String("peer", conn.peer), zap.Error(err))
			conn.Shutdown()
			conn.Close()
			return false, nil
		}
		return false, err
	}

	if resp.ShouldClose() {
		logger.Debug("Closing connection", zap.String("peer", conn.peer))
		return false, nil
	}
	return true, nil
}

// handleError reports a failed turn and writes a protocol-level response
// when the headers have not been sent yet.
func (w *Worker) handleError(req *Request, conn *Conn, err error) {
	status := 500
	var reqErr *requestError
	var recErr tls.RecordHeaderError
	if errors.As(err, &reqErr) || errors.As(err, &recErr) {
		status = 400
	}
	logger.Error("Error handling request", zap.String("peer", conn.peer), zap.Error(err))

	if conn.nc == nil {
		return
	}
	body := fmt.Sprintf("%d %s\n", status, statusReason(status))
	msg := fmt.Sprintf("HTTP/1.1 %d %s\r\n"+
		"Connection: close\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"Content-Length: %d\r\n\r\n%s",
		status, statusReason(status), len(body), body)
	_, _ = io.WriteString(conn.nc, msg)
}

func statusReason(status int) string {
	if status == 400 {
		return "Bad Request"
	}
	return "Internal Server Error"
}

// isPeerGone matches the errnos of a client that went away mid-response.
func isPeerGone(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENOTCONN)
}

// isSocketError matches any OS-level transport error.
func isSocketError(err error) bool {
	if isPeerGone(err) {
		return true
	}
	var op *net.OpError
	var sys *os.SyscallError
	var errno syscall.Errno
	return errors.As(err, &op) || errors.As(err, &sys) || errors.As(err, &errno)
}
