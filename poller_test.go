package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type PollerTestSuite struct {
	suite.Suite
	poller *Poller
}

func (s *PollerTestSuite) SetupTest() {
	logger = zap.NewNop()
	p, err := NewPoller()
	s.Require().NoError(err)
	s.poller = p
}

func (s *PollerTestSuite) TearDownTest() {
	s.poller.Close()
}

func (s *PollerTestSuite) pipe() (int, int) {
	var fds [2]int
	s.Require().NoError(unix.Pipe(fds[:]))
	return fds[0], fds[1]
}

func (s *PollerTestSuite) TestRegisterAndSelect() {
	r, w := s.pipe()
	defer unix.Close(r)
	defer unix.Close(w)

	var got int
	s.Require().NoError(s.poller.Register(r, func(fd int) { got = fd }))

	_, err := unix.Write(w, []byte("x"))
	s.Require().NoError(err)

	events, err := s.poller.Select(time.Second)
	s.Require().NoError(err)
	s.Require().Len(events, 1)

	events[0].callback(events[0].fd)
	s.Equal(r, got)
}

func (s *PollerTestSuite) TestSelectTimeout() {
	r, w := s.pipe()
	defer unix.Close(r)
	defer unix.Close(w)

	s.Require().NoError(s.poller.Register(r, func(int) {}))

	start := time.Now()
	events, err := s.poller.Select(50 * time.Millisecond)
	s.Require().NoError(err)
	s.Empty(events)
	s.GreaterOrEqual(time.Since(start), 40*time.Millisecond)
}

func (s *PollerTestSuite) TestDuplicateRegister() {
	r, w := s.pipe()
	defer unix.Close(r)
	defer unix.Close(w)

	s.Require().NoError(s.poller.Register(r, func(int) {}))
	s.Error(s.poller.Register(r, func(int) {}), "a descriptor may appear at most once")
}

func (s *PollerTestSuite) TestUnregisterTolerant() {
	r, w := s.pipe()
	defer unix.Close(r)
	defer unix.Close(w)

	s.Require().NoError(s.poller.Register(r, func(int) {}))
	s.NoError(s.poller.Unregister(r))
	// second removal of the same descriptor
	s.NoError(s.poller.Unregister(r))
	// descriptor that never existed
	s.NoError(s.poller.Unregister(123456))
}

func (s *PollerTestSuite) TestUnregisteredNotSelected() {
	r, w := s.pipe()
	defer unix.Close(r)
	defer unix.Close(w)

	s.Require().NoError(s.poller.Register(r, func(int) {}))
	s.Require().NoError(s.poller.Unregister(r))

	_, err := unix.Write(w, []byte("x"))
	s.Require().NoError(err)

	events, err := s.poller.Select(20 * time.Millisecond)
	s.Require().NoError(err)
	s.Empty(events)
}

func (s *PollerTestSuite) TestClosedPoller() {
	s.Require().NoError(s.poller.Close())
	s.ErrorIs(s.poller.Register(3, func(int) {}), errPollerClosed)
	s.NoError(s.poller.Unregister(3))
	// Close is idempotent
	s.NoError(s.poller.Close())
}

func TestPollerTestSuite(t *testing.T) {
	suite.Run(t, new(PollerTestSuite))
}
