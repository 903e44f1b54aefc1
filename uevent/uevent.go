// Package uevent listens on a kobject netlink socket for kernel device
// events and surfaces the DRM hotplug ones. Listener implements the
// pipeline's EventSource.
package uevent

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned from Wait once the listener is closed.
var ErrClosed = errors.New("uevent: listener closed")

const recvBufSize = 4096

// Listener owns a netlink socket subscribed to every uevent multicast
// group plus a wake pipe that lets Close interrupt a blocked Wait. One
// goroutine at a time may call Wait.
type Listener struct {
	mu      sync.Mutex
	fd      int
	wakeR   int
	wakeW   int
	closed  bool
	waiting bool
}

// NewListener opens and binds the uevent socket.
func NewListener() (*Listener, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("uevent socket: %w", err)
	}
	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: 0xFFFFFFFF,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("uevent bind: %w", err)
	}

	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_CLOEXEC); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("uevent wake pipe: %w", err)
	}

	return &Listener{fd: fd, wakeR: pipe[0], wakeW: pipe[1]}, nil
}

// Wait blocks until the next DRM hotplug event and returns its arrival
// time on the monotonic clock in microseconds. Non-DRM events are
// filtered out without returning.
func (l *Listener) Wait() (int64, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrClosed
	}
	if l.waiting {
		l.mu.Unlock()
		return 0, errors.New("uevent: concurrent Wait")
	}
	l.waiting = true
	fd, wakeR := l.fd, l.wakeR
	l.mu.Unlock()

	ts, err := l.wait(fd, wakeR)

	l.mu.Lock()
	l.waiting = false
	if l.closed {
		l.closeFDs()
		err = ErrClosed
	}
	l.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return ts, nil
}

func (l *Listener) wait(fd, wakeR int) (int64, error) {
	buf := make([]byte, recvBufSize)
	fds := []unix.PollFd{
		{Fd: int32(fd), Events: unix.POLLIN},
		{Fd: int32(wakeR), Events: unix.POLLIN},
	}
	for {
		fds[0].Revents = 0
		fds[1].Revents = 0
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, fmt.Errorf("uevent poll: %w", err)
		}
		if fds[1].Revents != 0 {
			return 0, ErrClosed
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return 0, fmt.Errorf("uevent recv: %w", err)
		}
		if hotplugEvent(buf[:n]) {
			return monotonicMicros(), nil
		}
	}
}

// Close wakes a blocked Wait and releases the socket. Safe to call
// more than once.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	unix.Write(l.wakeW, []byte{0})
	if !l.waiting {
		// no Wait in flight, nobody else will reclaim the fds
		l.closeFDs()
	}
	return nil
}

func (l *Listener) closeFDs() {
	if l.fd >= 0 {
		unix.Close(l.fd)
		unix.Close(l.wakeR)
		unix.Close(l.wakeW)
		l.fd, l.wakeR, l.wakeW = -1, -1, -1
	}
}

// hotplugEvent reports whether a raw uevent payload is a DRM hotplug
// notification. Payloads are NUL-separated: the action@devpath header,
// then KEY=VALUE pairs.
func hotplugEvent(payload []byte) bool {
	var drm, hotplug bool
	for _, field := range bytes.Split(payload, []byte{0}) {
		switch {
		case bytes.Equal(field, []byte("SUBSYSTEM=drm")):
			drm = true
		case bytes.Equal(field, []byte("HOTPLUG=1")):
			hotplug = true
		}
	}
	return drm && hotplug
}

func monotonicMicros() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Nano() / 1000
}
