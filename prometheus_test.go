package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type MetricsTestSuite struct {
	suite.Suite
}

func (s *MetricsTestSuite) SetupTest() {
	logger = zap.NewNop()
}

func (s *MetricsTestSuite) TestStartupAndShutdown() {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- StartMetricsServer(ctx, "127.0.0.1:0", nil)
	}()

	// give the server a moment to start, then shut it down
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(3 * time.Second):
		s.Fail("metrics server did not shut down")
	}
}

func (s *MetricsTestSuite) TestStatusClass() {
	s.Equal("2xx", statusClass(200))
	s.Equal("2xx", statusClass(204))
	s.Equal("4xx", statusClass(404))
	s.Equal("5xx", statusClass(500))
}

func TestMetricsTestSuite(t *testing.T) {
	suite.Run(t, new(MetricsTestSuite))
}
