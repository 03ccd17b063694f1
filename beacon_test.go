package main

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type BeaconTestSuite struct {
	suite.Suite
}

func (s *BeaconTestSuite) SetupTest() {
	logger = zap.NewNop()
}

func (s *BeaconTestSuite) beaconConfig(dir string) *Config {
	return &Config{
		Threads:           1,
		WorkerConnections: 4,
		WorkerTmpDir:      dir,
		UID:               os.Geteuid(),
		GID:               os.Getegid(),
	}
}

func (s *BeaconTestSuite) TestNewBeaconUnlinksFile() {
	dir := s.T().TempDir()
	b, err := NewBeacon(s.beaconConfig(dir))
	s.Require().NoError(err)
	defer b.Close()

	entries, err := os.ReadDir(dir)
	s.Require().NoError(err)
	s.Empty(entries, "beacon file should be unlinked after creation")

	// the descriptor must stay usable
	s.NoError(b.Notify())
}

func (s *BeaconTestSuite) TestNotifyAdvancesLastUpdate() {
	b, err := NewBeacon(s.beaconConfig(s.T().TempDir()))
	s.Require().NoError(err)
	defer b.Close()

	s.Require().NoError(b.Notify())
	first, err := b.LastUpdate()
	s.Require().NoError(err)

	time.Sleep(20 * time.Millisecond)

	s.Require().NoError(b.Notify())
	second, err := b.LastUpdate()
	s.Require().NoError(err)

	s.True(second.After(first), "beacon mtime should advance: %v -> %v", first, second)
}

func (s *BeaconTestSuite) TestLastUpdateStallsWithoutNotify() {
	b, err := NewBeacon(s.beaconConfig(s.T().TempDir()))
	s.Require().NoError(err)
	defer b.Close()

	s.Require().NoError(b.Notify())
	first, err := b.LastUpdate()
	s.Require().NoError(err)

	time.Sleep(20 * time.Millisecond)

	second, err := b.LastUpdate()
	s.Require().NoError(err)
	s.Equal(first, second, "beacon mtime must not move on its own")
}

func (s *BeaconTestSuite) TestClose() {
	b, err := NewBeacon(s.beaconConfig(s.T().TempDir()))
	s.Require().NoError(err)
	s.NoError(b.Close())
}

func TestBeaconTestSuite(t *testing.T) {
	suite.Run(t, new(BeaconTestSuite))
}
