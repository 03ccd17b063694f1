package main

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// monoOrigin anchors the monotonic clock used for beacon stamps. The
// arbiter only compares deltas, so the origin is arbitrary; what matters is
// that wallclock jumps cannot falsely indicate a hang.
var monoOrigin = time.Now()

// Beacon is the liveness scratch file the arbiter stats to detect a hung
// worker. The file is unlinked right after creation so no directory entry
// leaks; the open descriptor keeps it alive.
type Beacon struct {
	f *os.File
}

// NewBeacon creates the beacon file under cfg.WorkerTmpDir with the
// configured umask, chowns it to the worker uid/gid when they differ from
// the effective ids, and unlinks the path.
func NewBeacon(cfg *Config) (*Beacon, error) {
	old := unix.Umask(cfg.Umask)
	f, err := os.CreateTemp(cfg.WorkerTmpDir, "wstoker-")
	unix.Umask(old)
	if err != nil {
		return nil, fmt.Errorf("create beacon file: %w", err)
	}

	if cfg.UID != os.Geteuid() || cfg.GID != os.Getegid() {
		if err := os.Chown(f.Name(), cfg.UID, cfg.GID); err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, fmt.Errorf("chown beacon file: %w", err)
		}
	}

	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, fmt.Errorf("unlink beacon file: %w", err)
	}

	return &Beacon{f: f}, nil
}

// Notify bumps the file times to the current monotonic reading.
func (b *Beacon) Notify() error {
	tv := unix.NsecToTimeval(time.Since(monoOrigin).Nanoseconds())
	return unix.Futimes(int(b.f.Fd()), []unix.Timeval{tv, tv})
}

// LastUpdate returns the modification time of the beacon file.
func (b *Beacon) LastUpdate() (time.Time, error) {
	fi, err := b.f.Stat()
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

// Fd exposes the descriptor for the arbiter spawn contract.
func (b *Beacon) Fd() int {
	return int(b.f.Fd())
}

// Close releases the descriptor, deleting the file for good.
func (b *Beacon) Close() error {
	return b.f.Close()
}
