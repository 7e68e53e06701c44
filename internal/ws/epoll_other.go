//go:build !linux

package ws

import (
	"net"
	"sync"
	"time"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux
// platforms, so the server can be developed on macOS/Windows without the
// epoll optimization. Connections must be wrapped by wrapConn before Add:
// readiness is detected by peeking one byte, and the peekConn wrapper
// parks that byte so the frame reader still sees an intact stream.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn // connections with pending data
	done    chan struct{}
}

// NewEpoll creates a fallback instance that uses goroutines to monitor
// each connection for incoming data.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection by spawning a goroutine that watches it for
// incoming data and signals the ready channel for processing by Wait.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	go e.monitor(conn)
	return nil
}

// monitor peeks the connection for data availability and signals
// readiness until the connection errors or the instance is closed. The
// peeked byte is parked inside the peekConn wrapper, never discarded.
func (e *Epoll) monitor(conn net.Conn) {
	pc, ok := conn.(*peekConn)
	if !ok {
		return
	}

	for {
		if err := pc.peek(); err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				// A stale read deadline left behind by the frame reader;
				// clear it and keep watching.
				_ = conn.SetReadDeadline(time.Time{})
				continue
			}
			// Closed or errored: signal readiness so the read path can
			// detect the closure.
			select {
			case e.readyCh <- conn:
			case <-e.done:
			}
			return
		}

		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
	}
}

// Remove unregisters a connection.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready for reading, then
// drains any additional ready connections without blocking.
func (e *Epoll) Wait() ([]net.Conn, error) {
	first, ok := <-e.readyCh
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}

	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback instance.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// wrapConn wraps the upgraded connection for readiness peeking; see
// peekConn.
func wrapConn(conn net.Conn) net.Conn {
	return newPeekConn(conn)
}

// socketFD is a no-op on non-Linux platforms; the goroutine fallback
// does not use file descriptors, and connection lookups key on the
// net.Conn itself.
func socketFD(conn net.Conn) int {
	return -1
}
