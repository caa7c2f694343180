//go:build !unix

package supervisor

import (
	"net"

	log "github.com/go-pkgz/lgr"
)

// listenBacklog falls back to the OS-default accept queue on platforms
// without the raw socket syscalls listen_unix.go uses; the configured
// backlog has no effect here.
func listenBacklog(addr string, backlog int) (net.Listener, error) {
	if backlog > 0 {
		log.Printf("[WARN] backlog tuning is not supported on this platform, using the OS default")
	}
	return net.Listen("tcp", addr)
}
