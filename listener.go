package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// listenBacklog absorbs connection demand while the worker is saturated.
const listenBacklog = 2048

// Listener is one bound listening socket, either created locally or
// inherited from the spawning supervisor.
type Listener struct {
	fd   int
	name string
}

// Name is the local address, captured once at setup because the supervisor
// may invalidate it during shutdown.
func (l *Listener) Name() string {
	return l.name
}

// SetNonblock prepares the listener for the poller.
func (l *Listener) SetNonblock() error {
	return unix.SetNonblock(l.fd, true)
}

// Close releases the listening socket.
func (l *Listener) Close() {
	_ = unix.Close(l.fd)
}

// BindListener creates a bound, listening TCP socket for addr.
func BindListener(addr string) (*Listener, error) {
	ta, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}

	family := unix.AF_INET
	var sa unix.Sockaddr
	ip := ta.IP
	if ip == nil {
		ip = net.IPv4zero
	}
	if ip4 := ip.To4(); ip4 != nil {
		s := &unix.SockaddrInet4{Port: ta.Port}
		copy(s.Addr[:], ip4)
		sa = s
	} else {
		family = unix.AF_INET6
		s := &unix.SockaddrInet6{Port: ta.Port}
		copy(s.Addr[:], ip.To16())
		sa = s
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %q: %w", addr, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %q: %w", addr, err)
	}

	local, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	return &Listener{fd: fd, name: sockaddrString(local)}, nil
}

// InheritedListeners adopts listening sockets passed by the supervisor as
// comma-separated descriptor numbers in STOKER_FD. Returns nil when the
// variable is unset.
func InheritedListeners() ([]*Listener, error) {
	v := os.Getenv("STOKER_FD")
	if v == "" {
		return nil, nil
	}

	var listeners []*Listener
	for _, s := range strings.Split(v, ",") {
		fd, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("STOKER_FD entry %q: %w", s, err)
		}
		local, err := unix.Getsockname(fd)
		if err != nil {
			return nil, fmt.Errorf("inherited fd %d: %w", fd, err)
		}
		listeners = append(listeners, &Listener{fd: fd, name: sockaddrString(local)})
	}
	return listeners, nil
}

// SetupListeners returns the inherited listeners when present, otherwise
// binds the configured addresses.
func SetupListeners(cfg *Config) ([]*Listener, error) {
	listeners, err := InheritedListeners()
	if err != nil {
		return nil, err
	}
	if len(listeners) > 0 {
		return listeners, nil
	}

	for _, addr := range cfg.Listen {
		l, err := BindListener(strings.TrimSpace(addr))
		if err != nil {
			for _, b := range listeners {
				b.Close()
			}
			return nil, err
		}
		listeners = append(listeners, l)
	}
	return listeners, nil
}
