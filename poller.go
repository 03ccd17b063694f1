package main

import "errors"

// pollCallback is the opaque value carried alongside a registered
// descriptor; the dispatch loop invokes it when the descriptor is readable.
type pollCallback func(fd int)

// pollEvent pairs a ready descriptor with its registered callback.
type pollEvent struct {
	fd       int
	callback pollCallback
}

var errPollerClosed = errors.New("poller is closed")
