package main

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// logAccess emits the access record for one request turn. It runs even
// when body iteration failed, so the status reflects what was attempted.
func (w *Worker) logAccess(req *Request, resp *Response, dur time.Duration) {
	logger.Info("request",
		zap.String("peer", req.Peer),
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.String("proto", req.Proto),
		zap.Int("status", resp.Status()),
		zap.Int64("bytes", resp.BytesSent()),
		zap.Duration("duration", dur))

	requestsTotal.With(prometheus.Labels{"status": statusClass(resp.Status())}).Inc()
	requestDuration.Observe(dur.Seconds())
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}
