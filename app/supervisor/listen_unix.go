//go:build unix

package supervisor

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// listenBacklog opens a TCP listener at addr with the kernel accept queue
// sized to backlog. net.Listen has no public knob for this — its backlog
// is derived internally from /proc/sys/net/core/somaxconn — so honoring
// the configured value means doing the socket/bind/listen syscalls
// ourselves and handing the resulting fd to net.FileListener.
func listenBacklog(addr string, backlog int) (net.Listener, error) {
	if backlog <= 0 {
		return net.Listen("tcp", addr)
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	domain := unix.AF_INET
	if tcpAddr.IP != nil && tcpAddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("%w: socket %s: %v", ErrBind, addr, err)
	}

	var sa unix.Sockaddr
	if domain == unix.AF_INET6 {
		sa6 := &unix.SockaddrInet6{Port: tcpAddr.Port}
		copy(sa6.Addr[:], tcpAddr.IP.To16())
		sa = sa6
	} else {
		sa4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
		if ip4 := tcpAddr.IP.To4(); ip4 != nil {
			copy(sa4.Addr[:], ip4)
		}
		sa = sa4
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd) //nolint:errcheck // best-effort cleanup on the error path
		return nil, fmt.Errorf("%w: setsockopt SO_REUSEADDR %s: %v", ErrBind, addr, err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd) //nolint:errcheck // best-effort cleanup on the error path
		return nil, fmt.Errorf("%w: bind %s: %v", ErrBind, addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd) //nolint:errcheck // best-effort cleanup on the error path
		return nil, fmt.Errorf("%w: listen %s backlog=%d: %v", ErrBind, addr, backlog, err)
	}

	// os.NewFile takes ownership of fd; net.FileListener dup()s it
	// internally, so closing file afterward releases our original
	// descriptor exactly once without touching the listener's copy.
	file := os.NewFile(uintptr(fd), fmt.Sprintf("tcp-backlog-%s", addr))
	ln, err := net.FileListener(file)
	closeErr := file.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: file listener for %s: %v", ErrBind, addr, err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("%w: close dup source for %s: %v", ErrBind, addr, closeErr)
	}
	return ln, nil
}
