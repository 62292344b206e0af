//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// readEvents is the interest set for a client socket. EPOLLONESHOT disarms
// the fd after one report, so a connection is handed to at most one worker
// until Rearm.
const readEvents = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLONESHOT

// Epoll multiplexes client sockets over a single epoll instance so idle
// connections cost no goroutine.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]net.Conn // by socket fd
	fds    map[net.Conn]int
	events []unix.EpollEvent
}

// NewEpoll creates the epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		conns:  make(map[int]net.Conn),
		fds:    make(map[net.Conn]int),
		events: make([]unix.EpollEvent, 256),
	}, nil
}

// Wrap returns conn unchanged; epoll reads straight from the socket.
func (e *Epoll) Wrap(conn net.Conn) net.Conn { return conn }

// Add arms conn for its first readiness report.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return syscall.EBADF
	}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: readEvents, Fd: int32(fd)}); err != nil {
		return err
	}

	e.mu.Lock()
	e.conns[fd] = conn
	e.fds[conn] = fd
	e.mu.Unlock()
	return nil
}

// Rearm re-enables readiness reports for conn after a worker has read from
// it. Unknown connections are ignored.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.RLock()
	fd, ok := e.fds[conn]
	e.mu.RUnlock()
	if !ok {
		return
	}
	_ = unix.EpollCtl(e.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: readEvents, Fd: int32(fd)})
}

// Remove stops watching conn. It must run before conn is closed, while the
// fd still belongs to it.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	fd, ok := e.fds[conn]
	delete(e.fds, conn)
	delete(e.conns, fd)
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks until at least one connection is readable or hung up and
// returns those connections. Fds removed while the call was blocked are
// skipped.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	ready := make([]net.Conn, 0, n)
	for _, ev := range e.events[:n] {
		if conn, ok := e.conns[int(ev.Fd)]; ok {
			ready = append(ready, conn)
		}
	}
	return ready, nil
}

// Close releases the epoll instance. Registered sockets are left open.
func (e *Epoll) Close() error {
	e.mu.Lock()
	e.conns = make(map[int]net.Conn)
	e.fds = make(map[net.Conn]int)
	e.mu.Unlock()
	return unix.Close(e.fd)
}

// socketFD returns the fd behind conn without dup'ing it, or -1 if conn is
// not a socket.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	if err := raw.Control(func(sfd uintptr) { fd = int(sfd) }); err != nil {
		return -1
	}
	return fd
}
